package dispatcher

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/metrics"
	"github.com/anstrom/reconmap/internal/registry"
	"github.com/anstrom/reconmap/internal/runner"
)

var server1Report = []string{
	"Starting Nmap 7.94",
	"Nmap scan report for server1 (10.0.0.5)",
	"PORT   STATE SERVICE VERSION",
	"22/tcp open  ssh     OpenSSH 8.2",
	"",
	"Nmap done: 1 IP address (1 host up)",
}

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	tokens  []runner.Token
}

func (f *fakeStarter) StartWithToken(tok runner.Token, command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, command)
	f.tokens = append(f.tokens, tok)
}

type harness struct {
	d       *Dispatcher
	events  chan runner.Event
	starter *fakeStarter
	reg     *registry.Registry
	rec     *metrics.Registry
	ctx     context.Context

	mu    sync.Mutex
	notes []Notification
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Tick == 0 {
		cfg.Tick = time.Hour
	}

	h := &harness{
		events:  make(chan runner.Event, 256),
		starter: &fakeStarter{},
		reg:     registry.New(nil),
		rec:     metrics.NewRegistry(),
	}
	h.d = New(cfg, h.events, h.starter, h.reg, nil, nil, h.rec)
	h.d.Subscribe(func(n Notification) {
		h.mu.Lock()
		h.notes = append(h.notes, n)
		h.mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	errc := make(chan error, 1)
	go func() { errc <- h.d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return h
}

func (h *harness) emit(tok runner.Token, command string, lines ...string) {
	for _, l := range lines {
		h.events <- runner.Event{Kind: runner.KindOutput, Token: tok, Command: command, Line: l}
	}
}

func (h *harness) finish(tok runner.Token, command string) {
	h.events <- runner.Event{Kind: runner.KindDone, Token: tok, Command: command, Time: time.Now()}
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	_, err := h.d.Flush(h.ctx)
	require.NoError(t, err)
}

func (h *harness) notesOf(typ EventType) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Notification
	for _, n := range h.notes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestSubmitEchoesAndParsesScanOutput(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	const cmd = "nmap -sV 10.0.0.5"

	tok, err := h.d.Submit(h.ctx, "  "+cmd+"  ")
	require.NoError(t, err)
	assert.Equal(t, []string{cmd}, h.starter.started)
	assert.Equal(t, tok, h.starter.tokens[0])

	running, err := h.d.Running(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	h.emit(tok, cmd, server1Report...)
	h.finish(tok, cmd)
	h.flush(t)

	transcript, err := h.d.Transcript(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "$ "+cmd+"\n"+joinLines(server1Report), transcript)

	last, ok, err := h.d.LastCommand(h.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cmd, last.Command)
	assert.Equal(t, len("$ "+cmd+"\n"), last.Offset)
	assert.Equal(t, joinLines(server1Report), last.Output)
	assert.Equal(t, transcript[last.Offset:], last.Output)
	assert.True(t, last.Parsed)
	assert.Equal(t, []string{"host_10.0.0.5"}, last.HostIDs)

	host, ok, err := h.d.Host(h.ctx, "host_10.0.0.5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "server1", host.Hostname)
	require.Len(t, host.Ports, 1)

	nets, err := h.d.Networks(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"10.0.0.0/24": {"host_10.0.0.5"}}, nets)

	running, err = h.d.Running(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, running)

	assert.Len(t, h.notesOf(EventOutput), len(server1Report))
	assert.Len(t, h.notesOf(EventCommandStarted), 1)
	assert.Len(t, h.notesOf(EventCommandDone), 1)
	assert.Len(t, h.notesOf(EventInventory), 1)

	var messages []string
	for _, n := range h.notesOf(EventStatus) {
		messages = append(messages, n.Message)
	}
	assert.Equal(t, []string{
		"running: " + cmd,
		"finished: " + cmd,
		"1 host(s) added to the network map",
	}, messages)

	assert.Equal(t, float64(len(server1Report)), h.rec.Value(metrics.MetricOutputLines, nil))
	assert.Equal(t, 1.0, h.rec.Value(metrics.MetricHostsMerged, metrics.Labels{
		metrics.LabelSource: metrics.SourceText, metrics.LabelResult: metrics.ResultCreated,
	}))
	assert.Equal(t, 1.0, h.rec.Value(metrics.MetricRegistryHosts, nil))
}

func TestRepeatedScanMergesIntoOneHost(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	const cmd = "nmap 10.0.0.5"

	for i := 0; i < 2; i++ {
		tok, err := h.d.Submit(h.ctx, cmd)
		require.NoError(t, err)
		h.emit(tok, cmd, server1Report...)
		h.finish(tok, cmd)
		h.flush(t)
	}

	hosts, err := h.d.Hosts(h.ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Len(t, hosts[0].Ports, 1)
	assert.Equal(t, 2, strings.Count(hosts[0].RawOutput, "Nmap scan report for server1"))
	assert.Equal(t, 1.0, h.rec.Value(metrics.MetricHostsMerged, metrics.Labels{
		metrics.LabelSource: metrics.SourceText, metrics.LabelResult: metrics.ResultMerged,
	}))
}

func TestInterleavedCommandsKeepTheirOwnOutput(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	a, err := h.d.Submit(h.ctx, "echo a")
	require.NoError(t, err)
	b, err := h.d.Submit(h.ctx, "echo b")
	require.NoError(t, err)

	h.emit(a, "echo a", "a1")
	h.emit(b, "echo b", "b1")
	h.emit(a, "echo a", "a2")
	h.finish(b, "echo b")
	h.finish(a, "echo a")
	h.flush(t)

	cmds, err := h.d.Commands(h.ctx)
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	assert.Equal(t, "echo b", cmds[0].Command)
	assert.Equal(t, "b1\n", cmds[0].Output)
	assert.Equal(t, "echo a", cmds[1].Command)
	assert.Equal(t, "a1\na2\n", cmds[1].Output)
	assert.False(t, cmds[0].Parsed)

	transcript, err := h.d.Transcript(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "$ echo a\n$ echo b\na1\nb1\na2\n", transcript)
}

func TestUnknownTokenFallsBackToOldestPending(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	a, err := h.d.Submit(h.ctx, "first")
	require.NoError(t, err)
	_, err = h.d.Submit(h.ctx, "second")
	require.NoError(t, err)

	h.emit(a, "first", "out")
	h.finish("bogus", "whatever")
	h.flush(t)

	last, ok, err := h.d.LastCommand(h.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", last.Command)
	assert.Equal(t, "$ second\nout\n", last.Output, "fallback output is the transcript from the oldest offset")

	running, err := h.d.Running(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
}

func TestDoneWithoutPendingUsesWholeTranscript(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.emit("orphan", "nmap 10.0.0.5", server1Report...)
	h.finish("orphan", "nmap 10.0.0.5")
	h.flush(t)

	last, ok, err := h.d.LastCommand(h.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "nmap 10.0.0.5", last.Command)
	assert.Equal(t, 0, last.Offset)
	assert.Equal(t, joinLines(server1Report), last.Output)
	assert.Equal(t, []string{"host_10.0.0.5"}, last.HostIDs)
}

func TestAutoParseDisabled(t *testing.T) {
	h := newHarness(t, Config{AutoParse: false})

	tok, err := h.d.Submit(h.ctx, "nmap 10.0.0.5")
	require.NoError(t, err)
	h.emit(tok, "nmap 10.0.0.5", server1Report...)
	h.finish(tok, "nmap 10.0.0.5")
	h.flush(t)

	hosts, err := h.d.Hosts(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, err := h.d.Submit(h.ctx, "   ")
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	d := New(DefaultConfig(), nil, nil, registry.New(nil), nil, nil, nil)
	_, err = d.Submit(context.Background(), "ls")
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
}

func TestDoRunsOnDispatcher(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	err := h.d.Do(h.ctx, func(reg *registry.Registry) error {
		reg.AddOrUpdate(&inventory.Host{ID: "host_10.0.0.1", IP: "10.0.0.1"})
		return nil
	})
	require.NoError(t, err)

	err = h.d.Do(h.ctx, func(reg *registry.Registry) error {
		return errors.ErrHostNotFound("x")
	})
	assert.True(t, errors.IsNotFound(err))

	hosts, err := h.d.Hosts(h.ctx)
	require.NoError(t, err)
	assert.Len(t, hosts, 1)
}

func TestRequestsAfterStop(t *testing.T) {
	d := New(DefaultConfig(), nil, nil, registry.New(nil), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Run(ctx), context.Canceled)

	_, err := d.Hosts(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRequestHonorsContext(t *testing.T) {
	d := New(DefaultConfig(), nil, nil, registry.New(nil), nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Transcript(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMergeAndCommitter(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	results, err := h.d.Merge(h.ctx, metrics.SourceXML,
		&inventory.Host{ID: "host_import_1", IP: "10.0.0.5", Network: "10.0.0.0/24"},
		&inventory.Host{ID: "host_import_2", IP: "10.0.0.6", Network: "10.0.0.0/24"},
	)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Created)

	commit := h.d.Committer(h.ctx, metrics.SourceXML)
	commit(&inventory.Host{ID: "host_import_1", IP: "10.0.0.5", Ports: []inventory.Port{{Number: "80", Protocol: "tcp"}}})

	host, ok, err := h.d.Host(h.ctx, "host_import_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, host.Ports, 1)

	assert.Equal(t, 2.0, h.rec.Value(metrics.MetricHostsMerged, metrics.Labels{
		metrics.LabelSource: metrics.SourceXML, metrics.LabelResult: metrics.ResultCreated,
	}))
	assert.Equal(t, 2.0, h.rec.Value(metrics.MetricRegistryHosts, nil))
	assert.Equal(t, 1.0, h.rec.Value(metrics.MetricRegistryNets, nil))
}

func TestUpdateDeleteReconcile(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, err := h.d.ParseText(h.ctx, joinLines(server1Report))
	require.NoError(t, err)
	_, err = h.d.Merge(h.ctx, metrics.SourceXML, &inventory.Host{ID: "host_import_1", IP: "10.0.0.5"})
	require.NoError(t, err)

	removed, err := h.d.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"host_import_1"}, removed)

	notes := "db tier"
	host, err := h.d.Update(h.ctx, "host_10.0.0.5", registry.HostPatch{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, "db tier", host.Notes)

	_, err = h.d.Update(h.ctx, "missing", registry.HostPatch{Notes: &notes})
	assert.True(t, errors.IsNotFound(err))

	ok, err := h.d.Delete(h.ctx, "host_10.0.0.5")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.d.Delete(h.ctx, "host_10.0.0.5")
	require.NoError(t, err)
	assert.False(t, ok)

	nets, err := h.d.Networks(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, nets)
}

func TestStateRestore(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	st := State{
		Registry: registry.Snapshot{
			Hosts: map[string]*inventory.Host{
				"host_1": {ID: "host_1", Network: inventory.UnknownNetwork, OSName: inventory.UnknownOS, OSTag: inventory.OSUnknown},
				"host_2": {ID: "host_2", Network: inventory.UnknownNetwork, OSName: inventory.UnknownOS, OSTag: inventory.OSUnknown},
				"host_3": {ID: "host_3", Network: inventory.UnknownNetwork, OSName: inventory.UnknownOS, OSTag: inventory.OSUnknown},
			},
			Networks: map[string][]string{inventory.UnknownNetwork: {"host_1", "host_2", "host_3"}},
		},
		Transcript: "$ nmap x\n",
		Commands:   []CompletedCommand{{Command: "nmap x"}},
	}
	require.NoError(t, h.d.Restore(h.ctx, st))

	got, err := h.d.State(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Registry.Counter)
	assert.Equal(t, st.Transcript, got.Transcript)
	assert.Equal(t, st.Commands, got.Commands)

	ids, err := h.d.ParseText(h.ctx, "Nmap scan report for \n")
	require.NoError(t, err)
	assert.Equal(t, []string{"host_4"}, ids)
}

func TestStateRestoreSkipsUsedIDs(t *testing.T) {
	unknown := func(id string) *inventory.Host {
		return &inventory.Host{ID: id, Network: inventory.UnknownNetwork, OSName: inventory.UnknownOS, OSTag: inventory.OSUnknown}
	}
	snapshot := registry.Snapshot{
		Hosts: map[string]*inventory.Host{
			"host_2":        unknown("host_2"),
			"host_import_9": unknown("host_import_9"),
		},
		Networks: map[string][]string{inventory.UnknownNetwork: {"host_2", "host_import_9"}},
	}

	tests := []struct {
		name     string
		sequence int64
		want     string
		next     int64
	}{
		{"highest surviving id", 0, "host_10", 10},
		{"saved sequence past every id", 12, "host_13", 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			require.NoError(t, h.d.Restore(h.ctx, State{Registry: snapshot, IDSequence: tt.sequence}))

			ids, err := h.d.ParseText(h.ctx, "Nmap scan report for \n")
			require.NoError(t, err)
			assert.Equal(t, []string{tt.want}, ids)

			st, err := h.d.State(h.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.next, st.IDSequence)
		})
	}
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var count int
	var mu sync.Mutex
	unsubscribe := h.d.Subscribe(func(Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	h.emit("t", "echo", "one")
	h.flush(t)
	unsubscribe()
	h.emit("t", "echo", "two")
	h.flush(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestTickHandlesClosedQueue(t *testing.T) {
	events := make(chan runner.Event, 2)
	d := New(DefaultConfig(), events, nil, registry.New(nil), nil, nil, nil)

	events <- runner.Event{Kind: runner.KindOutput, Token: "t", Line: "x"}
	close(events)

	assert.Equal(t, 1, d.Tick())
	assert.Equal(t, 0, d.Tick())
}

func TestDispatcherWithRunner(t *testing.T) {
	sh, err := runner.FindShell("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	r := runner.New(runner.Config{ShellPath: sh}, nil, nil)
	reg := registry.New(nil)
	d := New(Config{Tick: 10 * time.Millisecond, AutoParse: true}, r.Events(), r, reg, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-errc
	}()

	_, err = d.Submit(ctx, `printf 'Nmap scan report for web (10.9.9.9)\nPORT STATE SERVICE\n80/tcp open http nginx\n'`)
	require.NoError(t, err)
	r.Wait()

	require.Eventually(t, func() bool {
		host, ok, err := d.Host(ctx, "host_10.9.9.9")
		return err == nil && ok && host.Hostname == "web"
	}, 5*time.Second, 10*time.Millisecond)

	last, ok, err := d.LastCommand(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, last.ExitCode)
	assert.Contains(t, last.Output, "80/tcp open http nginx")
}

func TestAdoptHostnamesOnlyFillsEmpty(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, err := h.d.Merge(h.ctx, metrics.SourceXML,
		&inventory.Host{ID: "a", IP: "10.0.0.1"},
		&inventory.Host{ID: "b", IP: "10.0.0.2", Hostname: "named"},
	)
	require.NoError(t, err)

	changed, err := h.d.AdoptHostnames(h.ctx, map[string]string{
		"a":       "alpha.lab",
		"b":       "beta.lab",
		"missing": "ghost.lab",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, changed)

	a, _, err := h.d.Host(h.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alpha.lab", a.Hostname)
	b, _, err := h.d.Host(h.ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "named", b.Hostname)

	changed, err = h.d.AdoptHostnames(h.ctx, map[string]string{"a": "other.lab"})
	require.NoError(t, err)
	assert.Empty(t, changed)
}
