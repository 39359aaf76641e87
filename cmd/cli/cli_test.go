package cli

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/logging"
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

// cliEnv is a temporary project with its own configuration file. Commands
// run against scripted output instead of a shell.
type cliEnv struct {
	dir         string
	configPath  string
	projectPath string
	scripts     map[string]workspacetest.Script
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		dir:         dir,
		configPath:  filepath.Join(dir, "reconmap.yaml"),
		projectPath: filepath.Join(dir, "project.json"),
		scripts: map[string]workspacetest.Script{
			scanCommand: {Lines: scanOutput},
		},
	}

	cfg := config.Default()
	cfg.Project.Path = env.projectPath
	cfg.Store.Path = filepath.Join(dir, "snapshots.db")
	cfg.Dispatcher.Tick = 10 * time.Millisecond
	cfg.Logging.Level = logging.LevelError
	cfg.Resolver.Servers = nil
	cfg.Scheduler.Autosave = "@every 1h"
	require.NoError(t, cfg.Save(env.configPath))

	orig := workspaceOptions
	workspaceOptions = func(*logging.Logger) workspace.Options {
		starter := workspacetest.NewStarter(env.scripts)
		return workspace.Options{
			Logger:  logging.NewDiscard(),
			Starter: starter,
			Events:  starter.Events(),
		}
	}
	t.Cleanup(func() { workspaceOptions = orig })
	return env
}

// run executes the command line with the environment's configuration and
// returns everything written to stdout and stderr.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.runWithInput(t, nil, args...)
}

func (e *cliEnv) runWithInput(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return executeCommand(ctx, stdin, append([]string{"--config=" + e.configPath}, args...)...)
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, out)
	return out
}

// executeCommand runs rootCmd with fresh flag and viper state.
func executeCommand(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	resetCommands(ctx, rootCmd)
	viper.Reset()
	bindFlags()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

// resetCommands restores every flag to its default and attaches ctx to the
// whole tree. Cobra keeps both between executions.
func resetCommands(ctx context.Context, cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		resetCommands(ctx, c)
	}
}
