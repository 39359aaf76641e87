// Package inventory defines the host, port and network records that make up a
// reconnaissance inventory, together with the identity rules that key them.
package inventory

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	// UnknownNetwork groups hosts that have no usable IPv4 address.
	UnknownNetwork = "unknown"

	// UnknownOS is the OS name of a host with no OS evidence.
	UnknownOS = "unknown"

	labelMaxLen  = 18
	labelKeepLen = 15
)

// Port is one observed port of a host. Ports are values; the registry never
// mutates a Port once it is stored.
type Port struct {
	Number   string `json:"port" yaml:"port" db:"number"`
	Protocol string `json:"proto" yaml:"proto" db:"protocol"`
	State    string `json:"state" yaml:"state" db:"state"`
	Service  string `json:"service" yaml:"service" db:"service"`
	Version  string `json:"version" yaml:"version,omitempty" db:"version"`
	Raw      string `json:"raw,omitempty" yaml:"-" db:"raw"`
}

// Key returns the uniqueness key of the port, "<number>/<protocol>".
func (p Port) Key() string {
	return p.Number + "/" + p.Protocol
}

// Host is the canonical record of one machine.
type Host struct {
	ID        string `json:"id" yaml:"id"`
	IP        string `json:"ip" yaml:"ip,omitempty"`
	Hostname  string `json:"hostname" yaml:"hostname,omitempty"`
	Ports     []Port `json:"ports" yaml:"ports"`
	RawOutput string `json:"raw_output" yaml:"-"`
	Network   string `json:"network" yaml:"network"`
	OSName    string `json:"os_name" yaml:"os_name"`
	OSTag     OSTag  `json:"os_tag" yaml:"os_tag"`
	Notes     string `json:"notes" yaml:"notes,omitempty"`
}

// Clone returns a deep copy of the host.
func (h *Host) Clone() *Host {
	c := *h
	c.Ports = append([]Port(nil), h.Ports...)
	return &c
}

// HasPort reports whether a port with the given key is recorded.
func (h *Host) HasPort(key string) bool {
	for _, p := range h.Ports {
		if p.Key() == key {
			return true
		}
	}
	return false
}

// SortedPorts returns the ports ordered by numeric port number, then protocol.
func (h *Host) SortedPorts() []Port {
	ports := append([]Port(nil), h.Ports...)
	sort.SliceStable(ports, func(i, j int) bool {
		a, _ := strconv.Atoi(ports[i].Number)
		b, _ := strconv.Atoi(ports[j].Number)
		if a != b {
			return a < b
		}
		return ports[i].Protocol < ports[j].Protocol
	})
	return ports
}

// Label returns the short marker caption: hostname, else IP, else id,
// truncated for display.
func (h *Host) Label() string {
	label := h.Hostname
	if label == "" {
		label = h.IP
	}
	if label == "" {
		label = h.ID
	}
	r := []rune(label)
	if len(r) > labelMaxLen {
		return string(r[:labelKeepLen]) + "…"
	}
	return label
}

// Detail renders the host as a plain-text card.
func (h *Host) Detail() string {
	rule := strings.Repeat("=", 40)
	thin := strings.Repeat("-", 40)
	title := h.Hostname
	if title == "" {
		title = h.IP
	}
	if title == "" {
		title = h.ID
	}

	var b strings.Builder
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "  Host      : %s\n", title)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "  IP        : %s\n", orDash(h.IP))
	fmt.Fprintf(&b, "  Hostname  : %s\n", orDash(h.Hostname))
	fmt.Fprintf(&b, "  Network   : %s\n", h.Network)
	fmt.Fprintf(&b, "  OS        : %s\n", h.OSName)
	fmt.Fprintf(&b, "  Category  : %s\n", h.OSTag)
	fmt.Fprintf(&b, "  Notes     : %s\n", orDash(h.Notes))
	fmt.Fprintln(&b, thin)
	fmt.Fprintf(&b, "  Open ports (%d):\n", len(h.Ports))
	if len(h.Ports) == 0 {
		fmt.Fprintln(&b, "    (none)")
	}
	for _, p := range h.SortedPorts() {
		version := ""
		if p.Version != "" {
			version = " - " + p.Version
		}
		fmt.Fprintf(&b, "    %s/%s  %-8s  %s%s\n", p.Number, p.Protocol, p.State, p.Service, version)
	}
	fmt.Fprintln(&b, thin)
	fmt.Fprintln(&b, "  Raw scan output:")
	if h.RawOutput == "" {
		b.WriteString("  (no raw data)")
	} else {
		b.WriteString(h.RawOutput)
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// NetworkID returns the /24 bucket "a.b.c.0/24" of a dotted IPv4 address, or
// UnknownNetwork for anything else.
func NetworkID(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return UnknownNetwork
	}
	return fmt.Sprintf("%s.%s.%s.0/24", parts[0], parts[1], parts[2])
}

// IsIPv4 reports whether s is a dotted-quad IPv4 address.
func IsIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && !strings.Contains(s, ":")
}

// Sequence hands out monotonically increasing numbers. It is safe for
// concurrent use.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next number, starting at 1.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Current returns the last number handed out.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}

// Reset sets the sequence so that the next call to Next returns n+1.
func (s *Sequence) Reset(n int64) {
	s.n.Store(n)
}

// SequenceNumber returns n for ids of the form host_<n> and host_import_<n>.
func SequenceNumber(id string) (int64, bool) {
	rest, ok := strings.CutPrefix(id, "host_")
	if !ok {
		return 0, false
	}
	rest = strings.TrimPrefix(rest, "import_")
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// HighestSequence returns the largest sequence number among the host ids,
// or 0.
func HighestSequence(hosts map[string]*Host) int64 {
	var top int64
	for id := range hosts {
		if n, ok := SequenceNumber(id); ok && n > top {
			top = n
		}
	}
	return top
}

// HostID derives a host id: host_<ip> when an address is known, else
// host_<hostname>, else host_<n> from seq.
func HostID(ip, hostname string, seq *Sequence) string {
	switch {
	case ip != "":
		return "host_" + ip
	case hostname != "":
		return "host_" + hostname
	default:
		return fmt.Sprintf("host_%d", seq.Next())
	}
}
