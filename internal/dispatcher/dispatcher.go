// Package dispatcher is the single consumer of runner events. It owns the
// terminal transcript, the table of running commands and the host registry.
//
// All state is touched only on the goroutine executing Run. Other goroutines
// reach it through Do and the helpers built on it, which makes the dispatcher
// the only writer of the registry.
package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/metrics"
	"github.com/anstrom/reconmap/internal/registry"
	"github.com/anstrom/reconmap/internal/runner"
	"github.com/anstrom/reconmap/internal/scantext"
)

// DefaultTick is the drain interval of the event queue.
const DefaultTick = 80 * time.Millisecond

// ErrStopped is returned by requests submitted after Run returned.
var ErrStopped = stderrors.New("dispatcher stopped")

// Config tunes the dispatcher.
type Config struct {
	Tick      time.Duration `yaml:"tick" json:"tick" mapstructure:"tick"`
	AutoParse bool          `yaml:"auto_parse" json:"auto_parse" mapstructure:"auto_parse"`
}

// DefaultConfig returns an 80ms tick with auto parsing enabled.
func DefaultConfig() Config {
	return Config{Tick: DefaultTick, AutoParse: true}
}

// Starter launches a command whose events arrive on the dispatcher queue.
type Starter interface {
	StartWithToken(tok runner.Token, command string)
}

// CompletedCommand is the log entry of a finished command.
type CompletedCommand struct {
	Token      string        `json:"token" yaml:"token"`
	Command    string        `json:"command" yaml:"command"`
	Offset     int           `json:"offset" yaml:"offset"`
	Output     string        `json:"output" yaml:"output"`
	ExitCode   int           `json:"exit_code" yaml:"exit_code"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Parsed     bool          `json:"parsed" yaml:"parsed"`
	HostIDs    []string      `json:"host_ids,omitempty" yaml:"host_ids,omitempty"`
}

type pendingCommand struct {
	token   runner.Token
	command string
	offset  int
	started time.Time
	capture strings.Builder
}

type request struct {
	fn   func()
	done chan struct{}
}

// Dispatcher drains runner events on a ticker and applies them.
type Dispatcher struct {
	cfg     Config
	events  <-chan runner.Event
	starter Starter
	reg     *registry.Registry
	seq     *inventory.Sequence
	parser  *scantext.Parser

	transcript strings.Builder
	pending    map[runner.Token]*pendingCommand
	order      []runner.Token
	completed  []CompletedCommand

	requests chan request
	stopped  chan struct{}
	stopOnce sync.Once

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int

	logger  *logging.Logger
	metrics metrics.Recorder
}

// New creates a dispatcher reading events and launching commands through
// starter. seq is shared with the parser for anonymous host ids; a nil seq
// gets a private one.
func New(
	cfg Config,
	events <-chan runner.Event,
	starter Starter,
	reg *registry.Registry,
	seq *inventory.Sequence,
	logger *logging.Logger,
	rec metrics.Recorder,
) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if seq == nil {
		seq = &inventory.Sequence{}
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Dispatcher{
		cfg:       cfg,
		events:    events,
		starter:   starter,
		reg:       reg,
		seq:       seq,
		parser:    scantext.NewParser(seq),
		pending:   make(map[runner.Token]*pendingCommand),
		requests:  make(chan request),
		stopped:   make(chan struct{}),
		listeners: make(map[int]Listener),
		logger:    logger.WithComponent("dispatcher"),
		metrics:   metrics.OrNop(rec),
	}
}

// Run drains the event queue every tick and serves requests until ctx is
// done. A final drain runs before it returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	defer d.stopOnce.Do(func() { close(d.stopped) })

	d.logger.Info("dispatcher started", "tick", d.cfg.Tick, "auto_parse", d.cfg.AutoParse)
	for {
		select {
		case <-ctx.Done():
			d.Tick()
			d.logger.Info("dispatcher stopped")
			return ctx.Err()
		case req := <-d.requests:
			req.fn()
			close(req.done)
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick drains every queued event without waiting for new ones and returns
// how many were handled. It must run on the dispatcher goroutine; tests call
// it directly when Run is not active.
func (d *Dispatcher) Tick() int {
	handled, lines := 0, 0
	defer func() {
		if lines > 0 {
			d.metrics.OutputLines(lines)
		}
	}()

	for {
		select {
		case ev, ok := <-d.events:
			if !ok {
				d.events = nil
				return handled
			}
			handled++
			switch ev.Kind {
			case runner.KindOutput:
				lines++
				d.handleOutput(ev)
			case runner.KindDone:
				d.handleDone(ev)
			}
		default:
			return handled
		}
	}
}

func (d *Dispatcher) handleOutput(ev runner.Event) {
	line := ev.Line + "\n"
	d.transcript.WriteString(line)
	if p, ok := d.pending[ev.Token]; ok {
		p.capture.WriteString(line)
	}
	d.notify(Notification{Type: EventOutput, Token: string(ev.Token), Command: ev.Command, Line: ev.Line})
}

func (d *Dispatcher) handleDone(ev runner.Event) {
	transcript := d.transcript.String()

	entry := CompletedCommand{
		Token:      string(ev.Token),
		Command:    ev.Command,
		ExitCode:   ev.ExitCode,
		FinishedAt: ev.Time,
		Duration:   ev.Duration,
	}
	if ev.Err != nil {
		entry.Error = ev.Err.Error()
	}

	if p, ok := d.pending[ev.Token]; ok {
		d.forget(ev.Token)
		entry.Command = p.command
		entry.Offset = p.offset
		entry.StartedAt = p.started
		entry.Output = p.capture.String()
	} else if len(d.order) > 0 {
		// Unknown token: fall back to the oldest running command.
		oldest := d.pending[d.order[0]]
		d.forget(oldest.token)
		d.logger.Warn("done event with unknown token", "token", ev.Token, "fallback", oldest.token)
		entry.Command = oldest.command
		entry.Offset = oldest.offset
		entry.StartedAt = oldest.started
		entry.Output = transcript[clampOffset(oldest.offset, len(transcript)):]
	} else {
		d.logger.Warn("done event without running command", "token", ev.Token)
		entry.Output = transcript
	}

	if d.cfg.AutoParse && scantext.IsScanCommand(entry.Command) {
		entry.Parsed = true
		entry.HostIDs = d.mergeAll(d.parser.Parse(entry.Output), metrics.SourceText)
	}

	d.completed = append(d.completed, entry)

	d.logger.InfoCommand("command completed", entry.Command,
		"token", entry.Token, "exit_code", entry.ExitCode, "hosts", len(entry.HostIDs))
	d.notify(Notification{Type: EventCommandDone, Token: entry.Token, Command: entry.Command, HostIDs: entry.HostIDs})
	d.status("finished: " + truncate(entry.Command, 60))
	if len(entry.HostIDs) > 0 {
		d.status(fmt.Sprintf("%d host(s) added to the network map", len(entry.HostIDs)))
	}
}

func (d *Dispatcher) forget(tok runner.Token) {
	delete(d.pending, tok)
	for i, t := range d.order {
		if t == tok {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// mergeAll adds hosts to the registry and returns their ids in order.
func (d *Dispatcher) mergeAll(hosts []*inventory.Host, source string) []string {
	if len(hosts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(hosts))
	for _, h := range hosts {
		ids = append(ids, d.merge(h, source).ID)
	}
	d.inventoryChanged(ids)
	return ids
}

func (d *Dispatcher) merge(h *inventory.Host, source string) registry.MergeResult {
	res := d.reg.AddOrUpdate(h)
	result := metrics.ResultMerged
	if res.Created {
		result = metrics.ResultCreated
	}
	d.metrics.HostMerged(source, result)
	return res
}

func (d *Dispatcher) inventoryChanged(ids []string) {
	d.metrics.RegistrySize(d.reg.Len(), len(d.reg.Networks()))
	d.notify(Notification{Type: EventInventory, HostIDs: ids})
}

func (d *Dispatcher) status(msg string) {
	d.notify(Notification{Type: EventStatus, Message: msg})
}

// Flush drains the event queue now instead of waiting for the next tick.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	var n int
	err := d.do(ctx, func() { n = d.Tick() })
	return n, err
}

// Do runs fn on the dispatcher goroutine and waits for it to finish.
func (d *Dispatcher) Do(ctx context.Context, fn func(reg *registry.Registry) error) error {
	var err error
	if rerr := d.do(ctx, func() { err = fn(d.reg) }); rerr != nil {
		return rerr
	}
	return err
}

func (d *Dispatcher) do(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case d.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit echoes "$ command" into the transcript, registers the command and
// launches it. The pending entry exists before the runner can emit events.
func (d *Dispatcher) Submit(ctx context.Context, command string) (runner.Token, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", errors.NewCommandError(errors.CodeValidation, "empty command", command)
	}
	if d.starter == nil {
		return "", errors.NewCommandError(errors.CodeConfiguration, "no command runner configured", command)
	}

	tok := runner.NewToken()
	err := d.do(ctx, func() {
		d.transcript.WriteString("$ " + command + "\n")
		d.pending[tok] = &pendingCommand{
			token:   tok,
			command: command,
			offset:  d.transcript.Len(),
			started: time.Now(),
		}
		d.order = append(d.order, tok)
		d.starter.StartWithToken(tok, command)
		d.notify(Notification{Type: EventCommandStarted, Token: string(tok), Command: command})
		d.status("running: " + truncate(command, 60))
	})
	if err != nil {
		return "", err
	}
	return tok, nil
}

// Merge adds candidates from an outside producer, such as the XML importer,
// and returns the merge results.
func (d *Dispatcher) Merge(ctx context.Context, source string, hosts ...*inventory.Host) ([]registry.MergeResult, error) {
	var results []registry.MergeResult
	err := d.do(ctx, func() {
		ids := make([]string, 0, len(hosts))
		for _, h := range hosts {
			res := d.merge(h, source)
			results = append(results, res)
			ids = append(ids, res.ID)
		}
		if len(ids) > 0 {
			d.inventoryChanged(ids)
		}
	})
	return results, err
}

// Committer returns a commit callback that merges each host as it arrives.
// Merge errors, which only happen when ctx ends or the dispatcher stops, are
// logged.
func (d *Dispatcher) Committer(ctx context.Context, source string) func(*inventory.Host) {
	return func(h *inventory.Host) {
		if _, err := d.Merge(ctx, source, h); err != nil {
			d.logger.WithError(err).Warn("host not committed", "host", h.ID, "source", source)
		}
	}
}

// ParseText parses saved scan output and merges the hosts.
func (d *Dispatcher) ParseText(ctx context.Context, output string) ([]string, error) {
	var ids []string
	err := d.do(ctx, func() {
		ids = d.mergeAll(d.parser.Parse(output), metrics.SourceText)
	})
	return ids, err
}

// Reconcile runs the opt-in address based reconciliation pass.
func (d *Dispatcher) Reconcile(ctx context.Context) ([]string, error) {
	var removed []string
	err := d.do(ctx, func() {
		removed = d.reg.Reconcile()
		if len(removed) > 0 {
			d.inventoryChanged(removed)
		}
	})
	return removed, err
}

// Update applies a manual edit.
func (d *Dispatcher) Update(ctx context.Context, id string, patch registry.HostPatch) (*inventory.Host, error) {
	var host *inventory.Host
	err := d.Do(ctx, func(reg *registry.Registry) error {
		var uerr error
		host, uerr = reg.Update(id, patch)
		if uerr == nil {
			d.inventoryChanged([]string{id})
		}
		return uerr
	})
	return host, err
}

// AdoptHostnames sets looked-up names on hosts whose hostname is still
// empty and returns the ids that changed, in sorted order.
func (d *Dispatcher) AdoptHostnames(ctx context.Context, names map[string]string) ([]string, error) {
	var changed []string
	err := d.do(ctx, func() {
		for id, name := range names {
			host, ok := d.reg.Get(id)
			if !ok || host.Hostname != "" || strings.TrimSpace(name) == "" {
				continue
			}
			name := name
			if _, err := d.reg.Update(id, registry.HostPatch{Hostname: &name}); err == nil {
				changed = append(changed, id)
			}
		}
		if len(changed) > 0 {
			sort.Strings(changed)
			d.inventoryChanged(changed)
		}
	})
	return changed, err
}

// Delete removes a host. It reports false for an unknown id.
func (d *Dispatcher) Delete(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := d.do(ctx, func() {
		removed = d.reg.Delete(id)
		if removed {
			d.inventoryChanged([]string{id})
		}
	})
	return removed, err
}

func clampOffset(offset, n int) int {
	if offset < 0 {
		return 0
	}
	if offset > n {
		return n
	}
	return offset
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
