// Package registry holds the canonical host inventory and merges repeated or
// partial observations of the same host into a single record.
//
// A Registry is not safe for concurrent use. reconmap confines every registry
// to the dispatcher goroutine and funnels other callers through it.
package registry

import (
	"sort"
	"strings"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/logging"
)

// RawSeparator joins raw output fragments of merged observations.
const RawSeparator = "\n---\n"

// MergeResult describes what AddOrUpdate did with a candidate.
type MergeResult struct {
	ID         string
	Network    string
	Created    bool
	PortsAdded int
}

// HostPatch is a manual edit of a host. Nil fields are left untouched.
type HostPatch struct {
	Hostname *string
	OSTag    *inventory.OSTag
	Notes    *string
}

// Snapshot is a deep copy of the registry state.
type Snapshot struct {
	Hosts    map[string]*inventory.Host `json:"hosts" yaml:"hosts"`
	Networks map[string][]string        `json:"networks" yaml:"networks"`
	Counter  int                        `json:"host_counter" yaml:"host_counter"`
}

// Registry owns hosts and their network buckets.
type Registry struct {
	hosts    map[string]*inventory.Host
	networks map[string][]string
	counter  int
	logger   *logging.Logger
}

// New creates an empty registry. A nil logger discards log output.
func New(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Registry{
		hosts:    make(map[string]*inventory.Host),
		networks: make(map[string][]string),
		logger:   logger.WithComponent("registry"),
	}
}

// AddOrUpdate inserts a new host or merges the candidate into the existing
// host with the same id.
//
// Merge rules: ports are unioned by key and an existing port is never
// replaced; the hostname is adopted only when the stored one is empty; the OS
// is adopted only when the stored OS is unknown and the candidate's is not;
// raw output is always appended.
func (r *Registry) AddOrUpdate(candidate *inventory.Host) MergeResult {
	existing, ok := r.hosts[candidate.ID]
	if !ok {
		host := candidate.Clone()
		host.Ports = uniquePorts(host.Ports)
		host.Network = inventory.NetworkID(host.IP)
		if host.OSName == "" {
			host.OSName = inventory.UnknownOS
		}
		if host.OSTag == "" {
			host.OSTag = inventory.OSUnknown
		}
		r.hosts[host.ID] = host
		r.counter++
		r.addMember(host.Network, host.ID)

		r.logger.Debug("host added", "host_id", host.ID, "network", host.Network, "ports", len(host.Ports))
		return MergeResult{ID: host.ID, Network: host.Network, Created: true, PortsAdded: len(host.Ports)}
	}

	added := mergeInto(existing, candidate)
	// The network follows the candidate's address. A host without one moves
	// into the candidate's bucket and adopts its IP.
	if existing.IP == "" && candidate.IP != "" {
		r.removeMember(existing.Network, existing.ID)
		existing.IP = candidate.IP
		existing.Network = inventory.NetworkID(candidate.IP)
	}
	r.addMember(existing.Network, existing.ID)

	r.logger.Debug("host merged", "host_id", existing.ID, "ports_added", added)
	return MergeResult{ID: existing.ID, Network: existing.Network, PortsAdded: added}
}

func mergeInto(existing, candidate *inventory.Host) int {
	known := make(map[string]struct{}, len(existing.Ports))
	for _, p := range existing.Ports {
		known[p.Key()] = struct{}{}
	}
	added := 0
	for _, p := range candidate.Ports {
		if _, dup := known[p.Key()]; dup {
			continue
		}
		known[p.Key()] = struct{}{}
		existing.Ports = append(existing.Ports, p)
		added++
	}

	if existing.Hostname == "" && candidate.Hostname != "" {
		existing.Hostname = candidate.Hostname
	}
	if isUnknownOS(existing.OSName) && !isUnknownOS(candidate.OSName) {
		existing.OSName = candidate.OSName
		existing.OSTag = candidate.OSTag
	}

	existing.RawOutput += RawSeparator + candidate.RawOutput
	return added
}

func isUnknownOS(name string) bool {
	return name == "" || name == inventory.UnknownOS
}

func uniquePorts(ports []inventory.Port) []inventory.Port {
	seen := make(map[string]struct{}, len(ports))
	out := ports[:0]
	for _, p := range ports {
		if _, dup := seen[p.Key()]; dup {
			continue
		}
		seen[p.Key()] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (r *Registry) addMember(network, id string) {
	for _, member := range r.networks[network] {
		if member == id {
			return
		}
	}
	r.networks[network] = append(r.networks[network], id)
}

// removeMember drops id from the bucket and the bucket once it is empty.
func (r *Registry) removeMember(network, id string) {
	members := r.networks[network]
	for i, member := range members {
		if member == id {
			members = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(r.networks, network)
	} else {
		r.networks[network] = members
	}
}

// Delete removes a host and its network membership. A network left without
// members is removed as well. Deleting an unknown id is a no-op and reports
// false.
func (r *Registry) Delete(id string) bool {
	host, ok := r.hosts[id]
	if !ok {
		return false
	}

	r.detach(id)

	r.logger.Debug("host deleted", "host_id", id, "network", host.Network)
	return true
}

// Update applies a manual edit to a host and returns the updated copy.
func (r *Registry) Update(id string, patch HostPatch) (*inventory.Host, error) {
	host, ok := r.hosts[id]
	if !ok {
		return nil, errors.ErrHostNotFound(id)
	}
	if patch.Hostname != nil {
		host.Hostname = strings.TrimSpace(*patch.Hostname)
	}
	if patch.OSTag != nil {
		host.OSTag = *patch.OSTag
		host.OSName = inventory.ManualOSName(*patch.OSTag, host.OSName)
	}
	if patch.Notes != nil {
		host.Notes = strings.TrimSpace(*patch.Notes)
	}
	return host.Clone(), nil
}

// Get returns a copy of the host with the given id.
func (r *Registry) Get(id string) (*inventory.Host, bool) {
	host, ok := r.hosts[id]
	if !ok {
		return nil, false
	}
	return host.Clone(), true
}

// Hosts returns copies of all hosts ordered by id.
func (r *Registry) Hosts() []*inventory.Host {
	ids := make([]string, 0, len(r.hosts))
	for id := range r.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hosts := make([]*inventory.Host, 0, len(ids))
	for _, id := range ids {
		hosts = append(hosts, r.hosts[id].Clone())
	}
	return hosts
}

// Networks returns the network ids in sorted order.
func (r *Registry) Networks() []string {
	ids := make([]string, 0, len(r.networks))
	for id := range r.networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Members returns the host ids of a network in insertion order.
func (r *Registry) Members(network string) []string {
	return append([]string(nil), r.networks[network]...)
}

// Len returns the number of hosts.
func (r *Registry) Len() int {
	return len(r.hosts)
}

// Counter returns the number of hosts inserted since creation or restore.
func (r *Registry) Counter() int {
	return r.counter
}

// Snapshot returns a deep copy of the registry state.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		Hosts:    make(map[string]*inventory.Host, len(r.hosts)),
		Networks: make(map[string][]string, len(r.networks)),
		Counter:  r.counter,
	}
	for id, host := range r.hosts {
		snap.Hosts[id] = host.Clone()
	}
	for id, members := range r.networks {
		snap.Networks[id] = append([]string(nil), members...)
	}
	return snap
}

// Restore replaces the registry state with a copy of snap. The host counter
// is reset to the number of restored hosts.
func (r *Registry) Restore(snap Snapshot) {
	r.hosts = make(map[string]*inventory.Host, len(snap.Hosts))
	r.networks = make(map[string][]string, len(snap.Networks))
	for id, host := range snap.Hosts {
		h := host.Clone()
		h.ID = id
		r.hosts[id] = h
	}
	for id, members := range snap.Networks {
		r.networks[id] = append([]string(nil), members...)
	}
	r.counter = len(r.hosts)
}

// Clear drops every host and network.
func (r *Registry) Clear() {
	r.hosts = make(map[string]*inventory.Host)
	r.networks = make(map[string][]string)
	r.counter = 0
}
