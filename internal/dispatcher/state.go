package dispatcher

import (
	"context"
	"time"

	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/registry"
)

// EventType names a listener notification.
type EventType string

const (
	EventOutput         EventType = "output"
	EventCommandStarted EventType = "command_started"
	EventCommandDone    EventType = "command_done"
	EventInventory      EventType = "inventory"
	EventStatus         EventType = "status"
)

// Notification is delivered to listeners on the dispatcher goroutine.
type Notification struct {
	Type    EventType `json:"type"`
	Token   string    `json:"token,omitempty"`
	Command string    `json:"command,omitempty"`
	Line    string    `json:"line,omitempty"`
	Message string    `json:"message,omitempty"`
	HostIDs []string  `json:"host_ids,omitempty"`
	Time    time.Time `json:"time"`
}

// Listener receives notifications. It runs on the dispatcher goroutine and
// must not block or call back into the dispatcher.
type Listener func(Notification)

// Subscribe registers l and returns a function that removes it.
func (d *Dispatcher) Subscribe(l Listener) (unsubscribe func()) {
	d.listenersMu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.listenersMu.Unlock()

	return func() {
		d.listenersMu.Lock()
		delete(d.listeners, id)
		d.listenersMu.Unlock()
	}
}

func (d *Dispatcher) notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	d.listenersMu.RLock()
	defer d.listenersMu.RUnlock()
	for _, l := range d.listeners {
		l(n)
	}
}

// State is a consistent copy of everything the dispatcher owns.
type State struct {
	Registry   registry.Snapshot
	Transcript string
	Commands   []CompletedCommand
	// IDSequence is the last number handed out for host_<n> and
	// host_import_<n> ids.
	IDSequence int64
}

// State returns a copy of the dispatcher state.
func (d *Dispatcher) State(ctx context.Context) (State, error) {
	var st State
	err := d.do(ctx, func() {
		st = State{
			Registry:   d.reg.Snapshot(),
			Transcript: d.transcript.String(),
			Commands:   append([]CompletedCommand(nil), d.completed...),
			IDSequence: d.seq.Current(),
		}
	})
	return st, err
}

// Restore replaces the dispatcher state. The id sequence continues after the
// highest of the saved sequence, the host count and any numbered id still in
// the inventory, so a new host never lands on an existing record.
func (d *Dispatcher) Restore(ctx context.Context, st State) error {
	return d.do(ctx, func() {
		d.restore(st)
	})
}

func (d *Dispatcher) restore(st State) {
	d.reg.Restore(st.Registry)
	d.seq.Reset(max(st.IDSequence, int64(d.reg.Counter()), inventory.HighestSequence(st.Registry.Hosts)))
	d.transcript.Reset()
	d.transcript.WriteString(st.Transcript)
	d.completed = append([]CompletedCommand(nil), st.Commands...)
	d.inventoryChanged(nil)
	d.logger.Info("state restored", "hosts", d.reg.Len(), "commands", len(d.completed))
}

// Transcript returns the whole terminal transcript.
func (d *Dispatcher) Transcript(ctx context.Context) (string, error) {
	var out string
	err := d.do(ctx, func() { out = d.transcript.String() })
	return out, err
}

// Commands returns the completed command log.
func (d *Dispatcher) Commands(ctx context.Context) ([]CompletedCommand, error) {
	var out []CompletedCommand
	err := d.do(ctx, func() { out = append([]CompletedCommand(nil), d.completed...) })
	return out, err
}

// LastCommand returns the most recently completed command.
func (d *Dispatcher) LastCommand(ctx context.Context) (CompletedCommand, bool, error) {
	var (
		out CompletedCommand
		ok  bool
	)
	err := d.do(ctx, func() {
		if n := len(d.completed); n > 0 {
			out, ok = d.completed[n-1], true
		}
	})
	return out, ok, err
}

// Running returns the number of launched commands without a Done event.
func (d *Dispatcher) Running(ctx context.Context) (int, error) {
	var n int
	err := d.do(ctx, func() { n = len(d.pending) })
	return n, err
}

// Hosts returns sorted copies of every host.
func (d *Dispatcher) Hosts(ctx context.Context) ([]*inventory.Host, error) {
	var hosts []*inventory.Host
	err := d.do(ctx, func() { hosts = d.reg.Hosts() })
	return hosts, err
}

// Host returns a copy of one host.
func (d *Dispatcher) Host(ctx context.Context, id string) (*inventory.Host, bool, error) {
	var (
		host *inventory.Host
		ok   bool
	)
	err := d.do(ctx, func() { host, ok = d.reg.Get(id) })
	return host, ok, err
}

// Networks returns every network id mapped to its ordered members.
func (d *Dispatcher) Networks(ctx context.Context) (map[string][]string, error) {
	var nets map[string][]string
	err := d.do(ctx, func() {
		nets = make(map[string][]string)
		for _, id := range d.reg.Networks() {
			nets[id] = d.reg.Members(id)
		}
	})
	return nets, err
}
