package registry

import (
	"sort"

	"github.com/anstrom/reconmap/internal/inventory"
)

// Reconcile folds hosts that share an IP address into the canonical
// host_<ip> record, applying the AddOrUpdate merge rules. Records whose ids
// came from another scheme, such as XML imports, are the usual candidates.
// It returns the ids that were folded away, in sorted order.
//
// Reconcile never runs implicitly.
func (r *Registry) Reconcile() []string {
	byIP := make(map[string][]string)
	for id, host := range r.hosts {
		if host.IP == "" {
			continue
		}
		byIP[host.IP] = append(byIP[host.IP], id)
	}

	var removed []string
	for ip, ids := range byIP {
		canonical := "host_" + ip
		sort.Strings(ids)

		if _, ok := r.hosts[canonical]; !ok {
			// Promote the first record to the canonical id.
			first := r.hosts[ids[0]].Clone()
			r.detach(first.ID)
			removed = append(removed, first.ID)
			first.ID = canonical
			first.Network = inventory.NetworkID(first.IP)
			r.hosts[canonical] = first
			r.addMember(first.Network, canonical)
			ids = ids[1:]
		}

		target := r.hosts[canonical]
		for _, id := range ids {
			if id == canonical {
				continue
			}
			mergeInto(target, r.hosts[id])
			r.detach(id)
			removed = append(removed, id)
		}
	}

	sort.Strings(removed)
	if len(removed) > 0 {
		r.logger.Info("hosts reconciled", "folded", len(removed))
	}
	return removed
}

// detach deletes a host without logging it as an operator deletion.
func (r *Registry) detach(id string) {
	r.removeMember(r.hosts[id].Network, id)
	delete(r.hosts, id)
}
