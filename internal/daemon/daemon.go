// Package daemon runs reconmap as a long lived service. It opens the
// workspace and the snapshot store, schedules autosaves and configured
// commands, serves the API and reacts to process signals.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/reconmap/internal/advisor"
	"github.com/anstrom/reconmap/internal/api"
	apihandlers "github.com/anstrom/reconmap/internal/api/handlers"
	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/dispatcher"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/metrics"
	"github.com/anstrom/reconmap/internal/runner"
	"github.com/anstrom/reconmap/internal/scheduler"
	"github.com/anstrom/reconmap/internal/store"
	"github.com/anstrom/reconmap/internal/workspace"
)

const (
	defaultHealthCheckInterval = 10 * time.Second
	defaultStopTimeout         = 30 * time.Second
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Options are the optional inputs of New.
type Options struct {
	// ConfigPath is re-read on SIGHUP. Empty disables reloads.
	ConfigPath string
	// PIDFile is written on start and removed on shutdown.
	PIDFile string
	Logger  *logging.Logger
	Asker   advisor.Asker
	Version apihandlers.VersionInfo
	// HealthCheckInterval defaults to ten seconds.
	HealthCheckInterval time.Duration
	// Starter and Events replace the shell runner. Tests use them to
	// script commands.
	Starter dispatcher.Starter
	Events  <-chan runner.Event
}

// Daemon represents the serve process.
type Daemon struct {
	config     *config.Config
	opts       Options
	pidFile    string
	logger     *logging.Logger
	base       *logging.Logger
	prometheus *metrics.PrometheusMetrics

	workspace *workspace.Workspace
	store     *store.Store
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	ready     chan struct{}
	stopOnce  sync.Once
	cleanOnce sync.Once
	mu        sync.RWMutex
}

// New creates a new daemon instance.
func New(cfg *config.Config, opts Options) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = defaultHealthCheckInterval
	}

	return &Daemon{
		config:  cfg,
		opts:    opts,
		pidFile: opts.PIDFile,
		logger:  logger.WithComponent("daemon"),
		base:    logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// Start initializes every component and blocks until the daemon is
// stopped by Stop or a termination signal.
func (d *Daemon) Start() error {
	d.logger.Info("Starting reconmap daemon")

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()
	d.prometheus = metrics.NewPrometheusMetrics()

	if err := d.initWorkspace(); err != nil {
		return d.abort(fmt.Errorf("failed to initialize workspace: %w", err))
	}
	if err := d.initStore(); err != nil {
		return d.abort(fmt.Errorf("failed to initialize store: %w", err))
	}
	if err := d.initScheduler(); err != nil {
		return d.abort(fmt.Errorf("failed to initialize scheduler: %w", err))
	}
	if err := d.initAPIServer(); err != nil {
		return d.abort(fmt.Errorf("failed to initialize API server: %w", err))
	}

	d.logger.Info("Daemon started successfully")
	return d.run()
}

// abort releases what Start has built so far and unblocks Stop.
func (d *Daemon) abort(err error) error {
	d.cancel()
	d.cleanup()
	close(d.done)
	return err
}

// Stop stops the daemon gracefully. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Info("Stopping daemon")
		d.cancel()
	})

	select {
	case <-d.done:
		d.logger.Info("Daemon stopped gracefully")
	case <-time.After(d.stopTimeout()):
		d.logger.Warn("Shutdown timeout reached, forcing cleanup")
		d.cleanup()
	}
	return nil
}

// Ready is closed once every component is running.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

func (d *Daemon) stopTimeout() time.Duration {
	if t := d.config.API.ShutdownTimeout; t > 0 {
		return 2 * t
	}
	return defaultStopTimeout
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(d.pidFile), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.Info("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID fails when the PID file names a live process and removes
// it otherwise.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers wires SIGTERM and SIGINT to shutdown, SIGHUP to a
// configuration reload and SIGUSR1 to a status dump.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-sigChan:
				d.handleSignal(sig)
			}
		}
	}()
}

func (d *Daemon) handleSignal(sig os.Signal) {
	d.logger.Info("Received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		d.logger.Info("Initiating graceful shutdown")
		d.cancel()
	case syscall.SIGHUP:
		if err := d.reloadConfiguration(); err != nil {
			d.logger.Error("Configuration reload failed", "error", err)
		} else {
			d.logger.Info("Configuration reloaded successfully")
		}
	case syscall.SIGUSR1:
		d.dumpStatus()
	}
}

// initWorkspace opens the session and loads the project document.
func (d *Daemon) initWorkspace() error {
	ws, err := workspace.Open(d.config, workspace.Options{
		Logger:  d.base,
		Metrics: d.prometheus,
		Asker:   d.opts.Asker,
		Starter: d.opts.Starter,
		Events:  d.opts.Events,
	})
	if err != nil {
		return err
	}
	d.workspace = ws

	if path := ws.ProjectPath(); path != "" {
		loaded, err := ws.Load(d.ctx, path)
		if err != nil {
			return fmt.Errorf("failed to load project %s: %w", path, err)
		}
		if !loaded {
			d.logger.Info("Starting with an empty project", "path", path)
		}
	}
	return nil
}

// initStore connects to the snapshot store.
func (d *Daemon) initStore() error {
	d.logger.Info("Connecting to store", "driver", d.config.Store.Driver)

	st, err := store.Open(d.ctx, &d.config.Store, d.base, d.prometheus)
	if err != nil {
		return err
	}
	d.store = st
	return nil
}

// initScheduler registers the autosave job and the configured jobs.
func (d *Daemon) initScheduler() error {
	if !d.config.Scheduler.Enabled {
		d.logger.Info("Scheduler disabled, skipping initialization")
		return nil
	}

	sched := scheduler.New(d.workspace, d.autosave, d.config.Scheduler.JobTimeout, d.base)
	if d.config.Scheduler.Autosave != "" {
		if _, err := sched.AddAutosaveJob(d.config.Scheduler.SnapshotName, d.config.Scheduler.Autosave); err != nil {
			return err
		}
	}
	if err := sched.AddFromConfig(d.config.Scheduler.Jobs); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	d.scheduler = sched
	return nil
}

// initAPIServer creates the API server; run starts it.
func (d *Daemon) initAPIServer() error {
	if !d.config.IsAPIEnabled() {
		d.logger.Info("API server disabled, skipping initialization")
		return nil
	}

	server, err := d.newAPIServer(d.config)
	if err != nil {
		return fmt.Errorf("API server creation failed: %w", err)
	}
	d.apiServer = server
	return nil
}

func (d *Daemon) newAPIServer(cfg *config.Config) (*api.Server, error) {
	return api.New(cfg, d.workspace, api.Options{
		Store:      d.store,
		Scheduler:  d.scheduler,
		Prometheus: d.prometheus,
		Logger:     d.base,
		Version:    d.opts.Version,
	})
}

// autosave snapshots the session into the store, prunes old autosaves and
// writes the project document.
func (d *Daemon) autosave(ctx context.Context) error {
	d.mu.RLock()
	cfg := d.config
	d.mu.RUnlock()

	if d.store != nil {
		st, err := d.workspace.Dispatcher().State(ctx)
		if err != nil {
			return err
		}
		name := cfg.Scheduler.SnapshotName
		info, err := d.store.Save(ctx, name, st.Registry, st.Transcript)
		if err != nil {
			return err
		}
		if cfg.Scheduler.Keep > 0 {
			if _, err := d.store.Prune(ctx, name, cfg.Scheduler.Keep); err != nil {
				return err
			}
		}
		d.logger.Info("Autosave snapshot written", "id", info.ID, "hosts", info.HostCount)
	}

	if path := d.workspace.ProjectPath(); path != "" {
		return d.workspace.Save(ctx, path)
	}
	return nil
}

// run serves until the context ends, then tears everything down.
func (d *Daemon) run() error {
	d.startAPIServer(d.currentAPIServer())
	close(d.ready)

	ticker := time.NewTicker(d.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Info("Shutdown signal received")
			d.cleanup()
			close(d.done)
			return nil
		case <-ticker.C:
			d.performHealthCheck()
		}
	}
}

func (d *Daemon) startAPIServer(server *api.Server) {
	if server == nil {
		return
	}
	go func() {
		if err := server.Start(d.ctx); err != nil {
			d.logger.Error("API server error", "error", err)
		}
	}()
}

func (d *Daemon) currentAPIServer() *api.Server {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.apiServer
}

// performHealthCheck pings the store and logs failures. The connection pool
// reconnects on its own once the database is back.
func (d *Daemon) performHealthCheck() {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.HealthCheckInterval)
	defer cancel()
	if err := d.store.Ping(ctx); err != nil {
		d.logger.Warn("Store health check failed", "error", err)
	}
}

// cleanup stops components in reverse start order. The final autosave runs
// before the store closes so a clean shutdown loses nothing.
func (d *Daemon) cleanup() {
	d.cleanOnce.Do(func() {
		d.logger.Info("Performing cleanup")

		if server := d.currentAPIServer(); server != nil {
			if err := server.Stop(); err != nil {
				d.logger.Error("Error stopping API server", "error", err)
			}
		}
		if d.scheduler != nil {
			d.scheduler.Stop()
		}
		if d.workspace != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.stopTimeout())
			if err := d.autosave(ctx); err != nil {
				d.logger.Error("Final autosave failed", "error", err)
			}
			cancel()
			d.workspace.Close()
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				d.logger.Error("Error closing store", "error", err)
			}
		}
		if d.pidFile != "" {
			if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
				d.logger.Error("Error removing PID file", "error", err)
			}
		}

		d.logger.Info("Cleanup completed")
	})
}

// GetPID returns the daemon's PID.
func (d *Daemon) GetPID() int {
	return os.Getpid()
}

// IsRunning reports whether the daemon has not been asked to stop.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// reloadConfiguration re-reads the configuration file. Advisor prompts apply
// immediately and API changes restart the server. Store and scheduler
// settings need a restart.
func (d *Daemon) reloadConfiguration() error {
	if d.opts.ConfigPath == "" {
		return fmt.Errorf("no configuration file to reload")
	}

	newConfig, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load new configuration: %w", err)
	}

	d.mu.RLock()
	oldConfig := d.config
	d.mu.RUnlock()

	if d.workspace != nil {
		d.workspace.Advisor().SetPrompts(newConfig.Prompts())
	}
	if hasStoreConfigChanged(oldConfig, newConfig) {
		d.logger.Warn("Store configuration changed, restart to apply")
	}
	if hasAPIConfigChanged(oldConfig, newConfig) {
		d.restartAPIServer(newConfig)
	}

	// The workspace keeps its own configuration pointer, so only the
	// daemon's view is swapped.
	d.mu.Lock()
	d.config = newConfig
	d.mu.Unlock()
	return nil
}

// restartAPIServer stops the running server and starts one built from cfg.
func (d *Daemon) restartAPIServer(cfg *config.Config) {
	d.logger.Info("API configuration changed, restarting API server")

	d.mu.Lock()
	old := d.apiServer
	d.apiServer = nil
	d.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			d.logger.Error("Failed to stop API server", "error", err)
		}
	}
	if !cfg.API.Enabled {
		return
	}

	server, err := d.newAPIServer(cfg)
	if err != nil {
		d.logger.Error("Failed to create API server with new config", "error", err)
		return
	}

	d.mu.Lock()
	d.apiServer = server
	d.mu.Unlock()
	d.startAPIServer(server)
}

// dumpStatus logs the daemon status.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	d.logger.Info("Daemon status",
		"pid", os.Getpid(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc/1024,
		"sys_kb", m.Sys/1024,
		"num_gc", m.NumGC)

	if d.workspace != nil {
		ctx, cancel := context.WithTimeout(d.ctx, time.Second)
		defer cancel()
		disp := d.workspace.Dispatcher()
		hosts, herr := disp.Hosts(ctx)
		networks, nerr := disp.Networks(ctx)
		running, rerr := disp.Running(ctx)
		if herr == nil && nerr == nil && rerr == nil {
			d.logger.Info("Session status", "hosts", len(hosts), "networks", len(networks), "running", running)
		}
	}

	switch {
	case d.store == nil:
		d.logger.Info("Store status", "state", "not configured")
	case d.store.Ping(d.ctx) != nil:
		d.logger.Info("Store status", "state", "disconnected")
	default:
		d.logger.Info("Store status", "state", "connected", "driver", d.config.Store.Driver)
	}

	if server := d.currentAPIServer(); server != nil {
		d.logger.Info("API server status", "address", server.GetAddress(), "running", server.IsRunning())
	} else {
		d.logger.Info("API server status", "state", "disabled")
	}
	if d.scheduler != nil {
		d.logger.Info("Scheduler status", "jobs", len(d.scheduler.GetJobs()))
	}
}

func hasAPIConfigChanged(oldConfig, newConfig *config.Config) bool {
	return oldConfig.API.Enabled != newConfig.API.Enabled ||
		oldConfig.API.ListenAddr != newConfig.API.ListenAddr ||
		oldConfig.API.Port != newConfig.API.Port ||
		oldConfig.API.TLS != newConfig.API.TLS ||
		len(oldConfig.API.Keys) != len(newConfig.API.Keys)
}

func hasStoreConfigChanged(oldConfig, newConfig *config.Config) bool {
	return oldConfig.Store.Driver != newConfig.Store.Driver ||
		oldConfig.Store.Path != newConfig.Store.Path ||
		oldConfig.Store.DSN != newConfig.Store.DSN ||
		oldConfig.Store.Host != newConfig.Store.Host ||
		oldConfig.Store.Database != newConfig.Store.Database
}

// GetContext returns the daemon's context.
func (d *Daemon) GetContext() context.Context {
	return d.ctx
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Workspace returns the served session. It is nil before Start.
func (d *Daemon) Workspace() *workspace.Workspace {
	return d.workspace
}

// Store returns the snapshot store. It is nil before Start.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Scheduler returns the job scheduler, or nil when it is disabled.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// APIAddress returns the address the API server listens on.
func (d *Daemon) APIAddress() string {
	if server := d.currentAPIServer(); server != nil {
		return server.GetAddress()
	}
	return ""
}
