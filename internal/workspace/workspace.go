// Package workspace assembles a reconmap session: the command runner, the
// dispatcher that owns the host registry, the XML importer, the advisor and
// the optional reverse DNS resolver. The CLI and the API server both work
// through a Workspace.
package workspace

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/anstrom/reconmap/internal/advisor"
	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/dispatcher"
	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/metrics"
	"github.com/anstrom/reconmap/internal/project"
	"github.com/anstrom/reconmap/internal/registry"
	"github.com/anstrom/reconmap/internal/resolve"
	"github.com/anstrom/reconmap/internal/runner"
	"github.com/anstrom/reconmap/internal/scanxml"
)

const pollInterval = 20 * time.Millisecond

// Options configure Open.
type Options struct {
	Logger  *logging.Logger
	Metrics metrics.Recorder
	// Asker enables online advice and chat.
	Asker advisor.Asker
	// Starter replaces the shell runner. Tests use it to script commands.
	Starter dispatcher.Starter
	// Events is the queue read by the dispatcher when Starter is set.
	Events <-chan runner.Event
}

// Workspace is one open session.
type Workspace struct {
	cfg        *config.Config
	runner     *runner.Runner
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	importer   *scanxml.Importer
	advisor    *advisor.Advisor
	resolver   *resolve.Resolver
	logger     *logging.Logger
	metrics    metrics.Recorder

	saveMu sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// Open builds a workspace from cfg and starts its dispatcher. Close stops
// it.
func Open(cfg *config.Config, opts Options) (*Workspace, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	rec := metrics.OrNop(opts.Metrics)
	// One sequence numbers both host_<n> and host_import_<n> ids, so a
	// restored counter also moves import ids past the loaded hosts.
	seq := &inventory.Sequence{}

	w := &Workspace{
		cfg:      cfg,
		registry: registry.New(logger),
		importer: scanxml.NewImporter(seq, logger),
		advisor:  advisor.New(opts.Asker, cfg.Prompts(), logger),
		logger:   logger.WithComponent("workspace"),
		metrics:  rec,
		done:     make(chan error, 1),
	}

	starter, events := opts.Starter, opts.Events
	if starter == nil {
		w.runner = runner.New(cfg.Shell, logger, rec)
		starter, events = w.runner, w.runner.Events()
	}
	if events == nil {
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration, "a custom starter needs an event queue", "events", nil)
	}
	w.dispatcher = dispatcher.New(cfg.Dispatcher, events, starter, w.registry, seq, logger, rec)

	if !cfg.Resolver.Disabled {
		if r, err := resolve.New(cfg.Resolver, logger); err != nil {
			w.logger.WithError(err).Warn("Reverse DNS disabled")
		} else {
			w.resolver = r
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go func() { w.done <- w.dispatcher.Run(ctx) }()

	return w, nil
}

// Close stops the dispatcher after a final drain of the queued events. It
// does not wait for commands that are still running: they keep running,
// their remaining output is dropped and the runner's queue stays open until
// they exit.
func (w *Workspace) Close() {
	w.cancel()
	<-w.done
	if w.runner == nil {
		return
	}
	if n := w.runner.Active(); n > 0 {
		w.logger.Warn("Closing with commands still running", "running", n)
		return
	}
	w.runner.Close()
}

// Config returns the workspace configuration.
func (w *Workspace) Config() *config.Config { return w.cfg }

// Dispatcher returns the dispatcher that owns the registry.
func (w *Workspace) Dispatcher() *dispatcher.Dispatcher { return w.dispatcher }

// Advisor returns the advisor.
func (w *Workspace) Advisor() *advisor.Advisor { return w.advisor }

// Resolver returns the reverse DNS resolver, nil when it is disabled or no
// nameserver is available. It is fixed when the workspace opens.
func (w *Workspace) Resolver() *resolve.Resolver { return w.resolver }

// Shell returns the resolved interpreter, empty with a custom starter.
func (w *Workspace) Shell() string {
	if w.runner == nil {
		return ""
	}
	return w.runner.Shell()
}

// Submit launches a command through the dispatcher.
func (w *Workspace) Submit(ctx context.Context, command string) (runner.Token, error) {
	return w.dispatcher.Submit(ctx, command)
}

// RunAndWait launches commands in order, waits for all of them to finish
// and applies their output.
func (w *Workspace) RunAndWait(ctx context.Context, commands ...string) ([]runner.Token, error) {
	tokens := make([]runner.Token, 0, len(commands))
	for _, c := range commands {
		tok, err := w.dispatcher.Submit(ctx, c)
		if err != nil {
			return tokens, err
		}
		tokens = append(tokens, tok)
	}
	if err := w.Wait(ctx); err != nil {
		return tokens, err
	}
	return tokens, nil
}

// Wait blocks until every launched command is done and its events are
// applied, or until ctx ends. Commands are never cancelled; giving up only
// stops waiting for them.
func (w *Workspace) Wait(ctx context.Context) error {
	for {
		if _, err := w.dispatcher.Flush(ctx); err != nil {
			return err
		}
		n, err := w.dispatcher.Running(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Import reads an nmap XML document and merges its hosts.
func (w *Workspace) Import(ctx context.Context, r io.Reader, source string, atomic bool) (scanxml.Result, error) {
	opts := scanxml.Options{Source: source, Atomic: atomic || w.cfg.Project.AtomicImport}
	res, err := w.importer.Import(ctx, r, opts, w.dispatcher.Committer(ctx, metrics.SourceXML))
	if err != nil {
		w.metrics.ImportFailed()
	}
	return res, err
}

// ImportFile imports an nmap XML file.
func (w *Workspace) ImportFile(ctx context.Context, path string, atomic bool) (scanxml.Result, error) {
	opts := scanxml.Options{Source: path, Atomic: atomic || w.cfg.Project.AtomicImport}
	res, err := w.importer.ImportFile(ctx, path, opts, w.dispatcher.Committer(ctx, metrics.SourceXML))
	if err != nil {
		w.metrics.ImportFailed()
	}
	return res, err
}

// ResolveHostnames looks up reverse names for hosts without a hostname and
// adopts them. It returns the ids of the renamed hosts.
func (w *Workspace) ResolveHostnames(ctx context.Context) ([]string, error) {
	if w.resolver == nil {
		return nil, resolve.ErrNoServers
	}
	hosts, err := w.dispatcher.Hosts(ctx)
	if err != nil {
		return nil, err
	}
	names := w.resolver.Resolve(ctx, hosts)
	if len(names) == 0 {
		return nil, nil
	}
	return w.dispatcher.AdoptHostnames(ctx, names)
}

// Advise runs the advisor on the last completed command.
func (w *Workspace) Advise(ctx context.Context, profiles []string) (advisor.Advice, error) {
	last, ok, err := w.dispatcher.LastCommand(ctx)
	if err != nil {
		return advisor.Advice{}, err
	}
	if !ok {
		return advisor.Advice{}, errors.NewCommandError(errors.CodeValidation, "no command has completed yet", "")
	}
	transcript, err := w.dispatcher.Transcript(ctx)
	if err != nil {
		return advisor.Advice{}, err
	}
	if len(profiles) == 0 {
		profiles = w.cfg.Advisor.Profiles
	}
	return w.advisor.Advise(ctx, transcript, last.Command, profiles)
}

// Chat asks the advisor a question with the transcript as context.
func (w *Workspace) Chat(ctx context.Context, question string) (string, error) {
	transcript, err := w.dispatcher.Transcript(ctx)
	if err != nil {
		return "", err
	}
	return w.advisor.Chat(ctx, transcript, question)
}

// Document captures the current state as a project document.
func (w *Workspace) Document(ctx context.Context) (*project.Document, error) {
	st, err := w.dispatcher.State(ctx)
	if err != nil {
		return nil, err
	}
	return project.New(st, w.advisor.Prompts(), w.advisor.History()), nil
}

// Apply replaces the session state with doc.
func (w *Workspace) Apply(ctx context.Context, doc *project.Document) error {
	if err := w.dispatcher.Restore(ctx, doc.State()); err != nil {
		return err
	}
	if len(doc.ProfilePrompts) > 0 {
		prompts := w.cfg.Prompts()
		for k, v := range doc.ProfilePrompts {
			prompts[k] = v
		}
		w.advisor.SetPrompts(prompts)
	}
	w.advisor.SetHistory(doc.ChatMessages)
	return nil
}

// Load reads the project document at path into the session. A missing file
// leaves the session empty and reports false.
func (w *Workspace) Load(ctx context.Context, path string) (bool, error) {
	doc, err := project.Load(path)
	if err != nil {
		if errors.IsCode(err, errors.CodeFileNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := w.Apply(ctx, doc); err != nil {
		return false, err
	}
	w.logger.Info("Project loaded", "path", path, "hosts", len(doc.Hosts))
	return true, nil
}

// Save writes the session to the project document at path.
func (w *Workspace) Save(ctx context.Context, path string) error {
	doc, err := w.Document(ctx)
	if err != nil {
		return err
	}
	w.saveMu.Lock()
	defer w.saveMu.Unlock()
	if err := project.Save(path, doc); err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	w.logger.Info("Project saved", "path", path, "hosts", len(doc.Hosts))
	return nil
}

// ProjectPath returns the configured project document path.
func (w *Workspace) ProjectPath() string {
	return strings.TrimSpace(w.cfg.Project.Path)
}
