// Package runner launches shell commands and streams their combined output as
// events on a single channel.
//
// Every command runs on its own goroutine. For one command all Output events
// are sent in order and are followed by exactly one Done event, including
// when the command cannot be launched. Commands are never serialized against
// each other, so events of concurrent commands interleave on the channel and
// carry a Token for correlation.
package runner

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/metrics"
)

// Defaults used when Config fields are zero.
const (
	DefaultShell     = "bash"
	DefaultQueueSize = 4096
)

// shellDirs are probed before PATH.
var shellDirs = []string{"/bin", "/usr/bin", "/usr/local/bin"}

// Kind tells Output and Done events apart.
type Kind int

const (
	// KindOutput carries one line of combined stdout/stderr.
	KindOutput Kind = iota
	// KindDone ends a command.
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindOutput:
		return "output"
	case KindDone:
		return "done"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Token correlates the events of one command.
type Token string

// NewToken returns a fresh random token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// Event is one message on the runner channel. Line is set for KindOutput;
// ExitCode, Err and Duration are set for KindDone.
type Event struct {
	Kind     Kind
	Token    Token
	Command  string
	Line     string
	ExitCode int
	Err      error
	Duration time.Duration
	Time     time.Time
}

// Config controls how commands are launched.
type Config struct {
	// Shell is the interpreter name, resolved with FindShell.
	Shell string `yaml:"name" json:"name" mapstructure:"name"`
	// ShellPath skips resolution when set.
	ShellPath string `yaml:"path" json:"path" mapstructure:"path"`
	// QueueSize is the event channel buffer.
	QueueSize int `yaml:"queue_size" json:"queue_size" mapstructure:"queue_size" validate:"gte=0"`
	// Dir is the working directory of commands.
	Dir string `yaml:"dir" json:"dir" mapstructure:"dir"`
	// Env is appended to the inherited environment.
	Env []string `yaml:"env" json:"env" mapstructure:"env"`
}

// DefaultConfig returns the default launch settings.
func DefaultConfig() Config {
	return Config{
		Shell:     DefaultShell,
		QueueSize: DefaultQueueSize,
	}
}

// Runner launches commands. It has no timeout and no cancellation: a command
// runs until it exits.
type Runner struct {
	cfg      Config
	shell    string
	shellErr error
	events   chan Event
	wg       sync.WaitGroup
	active   atomic.Int64
	logger   *logging.Logger
	metrics  metrics.Recorder
}

// New creates a runner. The shell is resolved once; when it cannot be found
// every Start reports the failure through its Done event.
func New(cfg Config, logger *logging.Logger, rec metrics.Recorder) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	r := &Runner{
		cfg:     cfg,
		events:  make(chan Event, cfg.QueueSize),
		logger:  logger.WithComponent("runner"),
		metrics: metrics.OrNop(rec),
	}

	if cfg.ShellPath != "" {
		r.shell = cfg.ShellPath
	} else {
		r.shell, r.shellErr = FindShell(cfg.Shell)
		if r.shellErr != nil {
			r.logger.Warn("shell not found", "shell", cfg.Shell)
		}
	}
	return r
}

// Events returns the channel every command reports to.
func (r *Runner) Events() <-chan Event {
	return r.events
}

// Shell returns the resolved interpreter path, empty when resolution failed.
func (r *Runner) Shell() string {
	return r.shell
}

// Start launches command under a fresh token and returns immediately.
func (r *Runner) Start(command string) Token {
	tok := NewToken()
	r.StartWithToken(tok, command)
	return tok
}

// StartWithToken launches command under a caller supplied token so the caller
// can register it before any event can arrive.
func (r *Runner) StartWithToken(tok Token, command string) {
	r.wg.Add(1)
	r.active.Add(1)
	go r.run(tok, command)
}

// Active returns the number of commands that have not sent their Done event.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Wait blocks until every started command has sent its Done event.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close waits for running commands and closes the event channel. Start must
// not be called afterwards.
func (r *Runner) Close() {
	r.wg.Wait()
	close(r.events)
}

func (r *Runner) run(tok Token, command string) {
	defer r.wg.Done()
	defer r.active.Add(-1)

	start := time.Now()
	log := r.logger.WithToken(string(tok))
	log.InfoCommand("command started", command)

	if r.shellErr != nil {
		r.fail(tok, command, start, errors.ErrShellNotFound(r.cfg.Shell, command))
		return
	}

	cmd := exec.Command(r.shell, shellArgs(r.shell, command)...) //nolint:gosec // operator supplied command
	cmd.Dir = r.cfg.Dir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.fail(tok, command, start, errors.WrapCommandError(errors.CodeCommandFailed, "failed to open output pipe", command, err))
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		r.fail(tok, command, start, errors.WrapCommandError(errors.CodeCommandFailed, "failed to start", command, err))
		return
	}

	readErr := r.stream(tok, command, stdout)
	waitErr := cmd.Wait()

	done := Event{
		Kind:     KindDone,
		Token:    tok,
		Command:  command,
		Duration: time.Since(start),
	}

	status := metrics.StatusSuccess
	var exitErr *exec.ExitError
	switch {
	case stderrors.As(waitErr, &exitErr):
		done.ExitCode = exitErr.ExitCode()
		done.Err = &errors.CommandError{
			Code:     errors.CodeCommandExit,
			Message:  fmt.Sprintf("exited with status %d", done.ExitCode),
			Command:  command,
			ExitCode: done.ExitCode,
			Cause:    waitErr,
		}
		status = metrics.StatusExit
	case waitErr != nil:
		done.ExitCode = -1
		done.Err = errors.WrapCommandError(errors.CodeCommandFailed, "wait failed", command, waitErr)
		status = metrics.StatusFailed
	case readErr != nil:
		done.Err = errors.WrapCommandError(errors.CodeCommandFailed, "output read failed", command, readErr)
		status = metrics.StatusFailed
	}

	if done.Err != nil {
		log.ErrorCommand("command finished with error", command, done.Err, "exit_code", done.ExitCode, "duration", done.Duration)
	} else {
		log.InfoCommand("command finished", command, "duration", done.Duration)
	}
	r.metrics.CommandFinished(status, done.Duration)
	r.send(done)
}

// stream forwards every line of rd as an Output event. Lines of any length
// are supported; a trailing line without newline is still delivered.
func (r *Runner) stream(tok Token, command string, rd io.Reader) error {
	br := bufio.NewReader(rd)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			r.send(Event{
				Kind:    KindOutput,
				Token:   tok,
				Command: command,
				Line:    strings.TrimRight(line, "\r\n"),
			})
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// fail reports a launch failure as one synthetic output line and the Done.
func (r *Runner) fail(tok Token, command string, start time.Time, err *errors.CommandError) {
	r.logger.WithToken(string(tok)).ErrorCommand("command failed to launch", command, err)
	r.send(Event{
		Kind:    KindOutput,
		Token:   tok,
		Command: command,
		Line:    "[error] " + err.Error(),
	})

	duration := time.Since(start)
	r.metrics.CommandFinished(metrics.StatusFailed, duration)
	r.send(Event{
		Kind:     KindDone,
		Token:    tok,
		Command:  command,
		ExitCode: -1,
		Err:      err,
		Duration: duration,
	})
}

func (r *Runner) send(ev Event) {
	ev.Time = time.Now()
	r.events <- ev
}

// shellArgs builds the argument list for running command under shell.
func shellArgs(shell, command string) []string {
	base := strings.ToLower(shell[strings.LastIndexAny(shell, `/\`)+1:])
	if base == "cmd" || base == "cmd.exe" {
		return []string{"/c", command}
	}
	return []string{"-c", command}
}

// FindShell resolves a shell name to an executable path. Absolute paths are
// checked as is; other names are probed in /bin, /usr/bin and /usr/local/bin,
// then on PATH, and on Windows finally through COMSPEC.
func FindShell(name string) (string, error) {
	if name == "" {
		name = DefaultShell
	}

	if filepath.IsAbs(name) {
		if isExecutable(name) {
			return name, nil
		}
		return "", errors.ErrShellNotFound(name, "")
	}

	for _, dir := range shellDirs {
		p := filepath.Join(dir, name)
		if isExecutable(p) {
			return p, nil
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec, nil
		}
	}

	return "", errors.ErrShellNotFound(name, "")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
