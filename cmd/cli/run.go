package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/dispatcher"
)

var (
	runCommands []string
	runShell    string
	runNoParse  bool
	runTimeout  time.Duration
	runQuiet    bool

	importAtomic bool
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command>",
	Short: "Run commands and merge their scan output",
	Long: `Run one or more shell commands in order. Output is streamed as it
arrives and nmap output is parsed into the host inventory once a command
finishes. The project document is saved afterwards.

Everything after -- is joined into one command; use --command to queue
several.`,
	Example: `  reconmap run -- nmap -sV 10.0.0.0/24
  reconmap run --command "nmap -sn 10.0.0.0/24" --command "nmap -sV 10.0.0.5"
  reconmap run --no-parse -- whoami`,
	RunE: runRun,
}

// parseCmd represents the parse command.
var parseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "Parse saved nmap text output",
	Long: `Parse nmap normal output saved to a file, or read from stdin when the
file is "-", and merge the hosts into the project.`,
	Example: `  reconmap parse scan.nmap
  nmap -sV 10.0.0.0/24 | reconmap parse -`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

// importCmd represents the import command.
var importCmd = &cobra.Command{
	Use:   "import <file.xml>",
	Short: "Import nmap XML output",
	Long: `Import an nmap XML document (nmap -oX). Hosts are committed as they are
read. With --atomic a malformed document leaves the project untouched.`,
	Example: `  reconmap import scan.xml
  reconmap import --atomic scan.xml`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(importCmd)

	runCmd.Flags().StringArrayVarP(&runCommands, "command", "c", nil, "Command to run (repeatable)")
	runCmd.Flags().StringVar(&runShell, "shell", "", "Shell to run commands with (default from config)")
	runCmd.Flags().BoolVar(&runNoParse, "no-parse", false, "Do not parse command output into hosts")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not stream command output")

	importCmd.Flags().BoolVar(&importAtomic, "atomic", false, "Discard the whole document when it is malformed")
}

func runRun(cmd *cobra.Command, args []string) error {
	commands := append([]string(nil), runCommands...)
	if len(args) > 0 {
		commands = append(commands, strings.Join(args, " "))
	}
	if len(commands) == 0 {
		return fmt.Errorf("no command given")
	}

	mutate := func(cfg *config.Config) {
		if runShell != "" {
			cfg.Shell.Shell = runShell
		}
		if runNoParse {
			cfg.Dispatcher.AutoParse = false
		}
	}

	return withSessionConfig(cmd, true, mutate, func(ctx context.Context, s *session) error {
		waitCtx := ctx
		if runTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}

		out := &lockedWriter{w: cmd.OutOrStdout()}
		if !runQuiet {
			unsubscribe := s.ws.Dispatcher().Subscribe(func(n dispatcher.Notification) {
				if n.Type == dispatcher.EventOutput {
					fmt.Fprintln(out, n.Line)
				}
			})
			defer unsubscribe()
		}

		tokens, err := s.ws.RunAndWait(waitCtx, commands...)
		timedOut := runTimeout > 0 && errors.Is(err, context.DeadlineExceeded)
		if err != nil && !timedOut {
			return fmt.Errorf("error running commands: %w", err)
		}

		completed, err := s.ws.Dispatcher().Commands(ctx)
		if err != nil {
			return err
		}
		byToken := make(map[string]dispatcher.CompletedCommand, len(completed))
		for _, c := range completed {
			byToken[c.Token] = c
		}
		results := make([]dispatcher.CompletedCommand, 0, len(tokens))
		for _, tok := range tokens {
			if c, ok := byToken[string(tok)]; ok {
				results = append(results, c)
			}
		}

		displayRunResults(out, results)
		if timedOut {
			return fmt.Errorf("gave up waiting after %s; commands still running are not stopped: %w", runTimeout, err)
		}
		return nil
	})
}

func displayRunResults(w io.Writer, results []dispatcher.CompletedCommand) {
	table := tablewriter.NewWriter(w)
	table.Header("Command", "Exit", "Duration", "Hosts")
	for _, r := range results {
		exit := fmt.Sprintf("%d", r.ExitCode)
		if r.Error != "" {
			exit += " (" + r.Error + ")"
		}
		hosts := "-"
		if r.Parsed {
			hosts = fmt.Sprintf("%d", len(r.HostIDs))
		}
		_ = table.Append([]string{
			truncateString(r.Command, maxCommandWidth),
			exit,
			r.Duration.Round(time.Millisecond).String(),
			hosts,
		})
	}
	_ = table.Render()
}

func runParse(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return fmt.Errorf("error reading %s: %w", args[0], err)
	}

	return withSession(cmd, true, func(ctx context.Context, s *session) error {
		ids, err := s.ws.Dispatcher().ParseText(ctx, string(data))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d host(s) merged from %s\n", len(ids), args[0])
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
		}
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	return withSession(cmd, true, func(ctx context.Context, s *session) error {
		res, err := s.ws.ImportFile(ctx, args[0], importAtomic)
		if err != nil {
			if res.Committed > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %d host(s) committed before the failure\n", res.Committed)
				if saveErr := s.save(ctx); saveErr != nil {
					return fmt.Errorf("error saving project: %w", saveErr)
				}
			}
			return fmt.Errorf("error importing %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d host(s) imported from %s\n", res.Committed, args[0])
		for _, id := range res.HostIDs {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
		}
		return nil
	})
}

// lockedWriter serializes writes from the dispatcher goroutine and the
// command goroutine.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
