package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/reconmap/internal/daemon"
	"github.com/anstrom/reconmap/internal/logging"
)

const (
	daemonStopPoll        = 200 * time.Millisecond
	daemonStopTimeout     = 30 * time.Second
	daemonProgressEvery   = 5 * time.Second
	daemonStatusLineWidth = 30
)

var (
	daemonPidFile string
	daemonPort    int
)

// daemonCmd represents the daemon command.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Serve the session over the API",
	Long: `Run reconmap as a long-lived process. The daemon keeps the session in
memory, serves the REST and WebSocket API, runs scheduled jobs and
autosaves snapshots to the store. SIGHUP reloads the configuration and
SIGUSR1 logs a status dump.`,
	Example: `  reconmap daemon start
  reconmap daemon start --port 9090 --pid-file /run/reconmap.pid
  reconmap daemon status
  reconmap daemon stop`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)

	daemonCmd.PersistentFlags().StringVar(&daemonPidFile, "pid-file", defaultPIDFile(), "File to store the daemon process ID")
	daemonStartCmd.Flags().IntVar(&daemonPort, "port", 0, "API port (default from config)")
}

func defaultPIDFile() string {
	return filepath.Join(os.TempDir(), "reconmap.pid")
}

func runDaemonStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonPort > 0 {
		cfg.API.Port = daemonPort
	}

	opts := workspaceOptions(logging.Default())
	d := daemon.New(cfg, daemon.Options{
		ConfigPath: getConfigFilePath(),
		PIDFile:    daemonPidFile,
		Logger:     logging.Default(),
		Version:    versionInfo(),
		Starter:    opts.Starter,
		Events:     opts.Events,
	})

	ctx := commandContext(cmd)
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = d.Stop()
		case <-finished:
		}
	}()

	if verbose {
		fmt.Fprintf(cmd.OutOrStdout(), "Starting reconmap daemon (PID file: %s)\n", daemonPidFile)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("error starting daemon: %w", err)
	}
	return nil
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	pid, running := daemonPID()
	if !running {
		fmt.Fprintf(out, "Daemon is not running (PID file: %s)\n", daemonPidFile)
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("error finding daemon process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("error sending stop signal to daemon: %w", err)
	}

	fmt.Fprintf(out, "Stopping daemon (PID %d)...\n", pid)
	start := time.Now()
	lastProgress := start
	for time.Since(start) < daemonStopTimeout {
		if _, running := daemonPID(); !running {
			fmt.Fprintln(out, "Daemon stopped")
			return nil
		}
		if time.Since(lastProgress) >= daemonProgressEvery {
			lastProgress = time.Now()
			fmt.Fprintf(out, "Waiting for daemon to stop... (%s)\n", time.Since(start).Round(time.Second))
		}
		time.Sleep(daemonStopPoll)
	}
	return fmt.Errorf("daemon (PID %d) did not stop within %s", pid, daemonStopTimeout)
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	displayDaemonStatus(cmd.OutOrStdout())
	return nil
}

func displayDaemonStatus(w io.Writer) {
	fmt.Fprintln(w, "Reconmap Daemon Status")
	fmt.Fprintln(w, strings.Repeat("=", daemonStatusLineWidth))

	pid, running := daemonPID()
	switch {
	case pid == 0:
		fmt.Fprintln(w, "Status: Not running")
		fmt.Fprintf(w, "PID file: %s (not found)\n", daemonPidFile)
		return
	case !running:
		fmt.Fprintln(w, "Status: Not running")
		fmt.Fprintf(w, "PID file: %s (stale, PID %d)\n", daemonPidFile, pid)
		return
	}

	fmt.Fprintln(w, "Status: Running")
	fmt.Fprintf(w, "PID: %d\n", pid)
	fmt.Fprintf(w, "PID file: %s\n", daemonPidFile)
	if info, err := os.Stat(daemonPidFile); err == nil {
		fmt.Fprintf(w, "Started: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Uptime: %s\n", time.Since(info.ModTime()).Round(time.Second))
	}
	fmt.Fprintln(w, "\nFor session details run: reconmap status")
}

// daemonPID returns the PID in the PID file, or 0 when there is none, and
// whether that process is alive.
func daemonPID() (int, bool) {
	// #nosec G304 - the PID file path comes from a flag
	data, err := os.ReadFile(daemonPidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, process.Signal(syscall.Signal(0)) == nil
}
