package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/store"
	"github.com/anstrom/reconmap/internal/workspace"
	"github.com/anstrom/reconmap/internal/workspace/workspacetest"
)

const scanCommand = "nmap -sV 10.0.0.0/24"

var scanOutput = []string{
	"Nmap scan report for db01 (10.0.0.7)",
	"PORT     STATE SERVICE",
	"5432/tcp open  postgresql",
	"",
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Project.Path = filepath.Join(dir, "project.json")
	cfg.Store.Path = filepath.Join(dir, "snapshots.db")
	cfg.Dispatcher.Tick = 10 * time.Millisecond
	cfg.Resolver.Servers = nil
	cfg.API.Port = freePort(t)
	cfg.API.RateLimit.Enabled = false
	cfg.API.ShutdownTimeout = 2 * time.Second
	cfg.Scheduler.Autosave = "@every 1h"
	return cfg
}

func testOptions() Options {
	starter := workspacetest.NewStarter(map[string]workspacetest.Script{
		scanCommand: {Lines: scanOutput},
	})
	return Options{
		Logger:              logging.NewDiscard(),
		Starter:             starter,
		Events:              starter.Events(),
		HealthCheckInterval: 20 * time.Millisecond,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// attach gives d a workspace and an in-memory store without starting it.
func attach(t *testing.T, d *Daemon) {
	t.Helper()
	ws, err := workspace.Open(d.config, workspace.Options{Starter: d.opts.Starter, Events: d.opts.Events})
	require.NoError(t, err)
	t.Cleanup(ws.Close)
	d.workspace = ws

	storeCfg := store.DefaultConfig()
	storeCfg.Path = ":memory:"
	st, err := store.Open(context.Background(), &storeCfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	d.store = st
}

func TestNewDaemon(t *testing.T) {
	cfg := createTestConfig(t)
	d := New(cfg, Options{PIDFile: "/tmp/reconmap.pid"})

	require.NotNil(t, d)
	assert.Same(t, cfg, d.GetConfig())
	assert.Equal(t, "/tmp/reconmap.pid", d.pidFile)
	assert.Equal(t, defaultHealthCheckInterval, d.opts.HealthCheckInterval)
	assert.NotNil(t, d.logger)
	assert.True(t, d.IsRunning())
	assert.Equal(t, os.Getpid(), d.GetPID())
	assert.NotNil(t, d.GetContext())
}

func TestPIDFileHandling(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "reconmap.pid")
	d := New(createTestConfig(t), Options{PIDFile: pidFile, Logger: logging.NewDiscard()})

	require.NoError(t, d.createPIDFile())
	content, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(content))

	d.cleanup()
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "PID file was not removed")
}

func TestCheckExistingPID(t *testing.T) {
	t.Run("stale file is removed", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "reconmap.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), DefaultFilePermissions))
		d := New(createTestConfig(t), Options{PIDFile: pidFile, Logger: logging.NewDiscard()})

		require.NoError(t, d.checkExistingPID())
		_, err := os.Stat(pidFile)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("live process is refused", func(t *testing.T) {
		ppid := os.Getppid()
		if !isProcessRunning(ppid) {
			t.Skip("parent process cannot be signalled")
		}
		pidFile := filepath.Join(t.TempDir(), "reconmap.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(ppid)), DefaultFilePermissions))
		d := New(createTestConfig(t), Options{PIDFile: pidFile, Logger: logging.NewDiscard()})

		err := d.createPIDFile()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
		_, statErr := os.Stat(pidFile)
		assert.NoError(t, statErr)
	})
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Store.Driver = "oracle"

	err := New(cfg, testOptions()).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestStartAndStop(t *testing.T) {
	cfg := createTestConfig(t)
	opts := testOptions()
	opts.PIDFile = filepath.Join(t.TempDir(), "reconmap.pid")
	d := New(cfg, opts)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start() }()

	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	require.NotNil(t, d.Workspace())
	require.NotNil(t, d.Store())
	require.NotNil(t, d.Scheduler())
	require.Len(t, d.Scheduler().GetJobs(), 1)
	assert.FileExists(t, opts.PIDFile)

	url := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.API.Port)) + "/api/v1/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	_, err := d.Workspace().RunAndWait(testContext(t), scanCommand)
	require.NoError(t, err)

	require.NoError(t, d.Stop())
	require.NoError(t, <-errCh)
	assert.False(t, d.IsRunning())
	assert.NoFileExists(t, opts.PIDFile)

	// Shutdown writes a final autosave and the project document.
	assert.FileExists(t, cfg.Project.Path)
	st, err := store.Open(context.Background(), &cfg.Store, nil, nil)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	infos, err := st.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "autosave", infos[0].Name)
	assert.Equal(t, 1, infos[0].HostCount)
}

func TestStartLoadsProject(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.API.Enabled = false
	cfg.Scheduler.Enabled = false

	first := New(cfg, testOptions())
	attach(t, first)
	_, err := first.workspace.RunAndWait(testContext(t), scanCommand)
	require.NoError(t, err)
	require.NoError(t, first.workspace.Save(testContext(t), cfg.Project.Path))

	d := New(cfg, testOptions())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start() }()
	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	hosts, err := d.Workspace().Dispatcher().Hosts(testContext(t))
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "host_10.0.0.7", hosts[0].ID)
	assert.Nil(t, d.Scheduler())
	assert.Empty(t, d.APIAddress())

	require.NoError(t, d.Stop())
	require.NoError(t, <-errCh)
}

func TestAutosave(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Scheduler.Keep = 2
	d := New(cfg, testOptions())
	attach(t, d)

	ctx := testContext(t)
	_, err := d.workspace.RunAndWait(ctx, scanCommand)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.autosave(ctx))
	}

	infos, err := d.store.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, "autosave", info.Name)
		assert.Equal(t, 1, info.HostCount)
	}
	assert.FileExists(t, cfg.Project.Path)
}

func TestAutosaveWithoutStore(t *testing.T) {
	cfg := createTestConfig(t)
	d := New(cfg, testOptions())
	attach(t, d)
	d.store = nil

	require.NoError(t, d.autosave(testContext(t)))
	assert.FileExists(t, cfg.Project.Path)
}

func TestReloadConfiguration(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.API.Enabled = false
	d := New(cfg, testOptions())
	attach(t, d)

	err := d.reloadConfiguration()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configuration file")

	path := filepath.Join(t.TempDir(), "reconmap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  enabled: false\nadvisor:\n  prompts:\n    cloud: Focus on exposed cloud metadata.\n"), 0o600))
	d.opts.ConfigPath = path

	require.NoError(t, d.reloadConfiguration())
	assert.Equal(t, "Focus on exposed cloud metadata.", d.workspace.Advisor().Prompts()["cloud"])
	assert.NotSame(t, cfg, d.GetConfig())

	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: oracle\n"), 0o600))
	require.Error(t, d.reloadConfiguration())
}

func TestHasAPIConfigChanged(t *testing.T) {
	base := config.Default()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   bool
	}{
		{name: "unchanged", mutate: func(*config.Config) {}, want: false},
		{name: "port", mutate: func(c *config.Config) { c.API.Port = 9090 }, want: true},
		{name: "listen address", mutate: func(c *config.Config) { c.API.ListenAddr = "0.0.0.0" }, want: true},
		{name: "disabled", mutate: func(c *config.Config) { c.API.Enabled = false }, want: true},
		{name: "tls", mutate: func(c *config.Config) { c.API.TLS.Enabled = true }, want: true},
		{name: "rate limit only", mutate: func(c *config.Config) { c.API.RateLimit.Requests = 1 }, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := config.Default()
			tt.mutate(next)
			assert.Equal(t, tt.want, hasAPIConfigChanged(base, next))
		})
	}
}

func TestHasStoreConfigChanged(t *testing.T) {
	base := config.Default()
	next := config.Default()
	assert.False(t, hasStoreConfigChanged(base, next))

	next.Store.Path = "/var/lib/reconmap/other.db"
	assert.True(t, hasStoreConfigChanged(base, next))
}

func TestHandleSignal(t *testing.T) {
	d := New(createTestConfig(t), testOptions())
	attach(t, d)

	// Status dumps and failed reloads keep the daemon running.
	d.handleSignal(syscall.SIGUSR1)
	d.handleSignal(syscall.SIGHUP)
	assert.True(t, d.IsRunning())

	d.handleSignal(syscall.SIGTERM)
	assert.False(t, d.IsRunning())
}

func TestPerformHealthCheck(t *testing.T) {
	d := New(createTestConfig(t), testOptions())
	d.performHealthCheck()

	attach(t, d)
	d.performHealthCheck()

	require.NoError(t, d.store.Close())
	d.performHealthCheck()
	d.dumpStatus()
}
