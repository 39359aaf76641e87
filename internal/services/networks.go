// Package services provides read models built over the reconmap session.
// This file implements network summaries and inventory statistics derived
// from the host registry.
package services

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
)

const topServiceCount = 10

// Inventory is the read side of the dispatcher.
type Inventory interface {
	Hosts(ctx context.Context) ([]*inventory.Host, error)
	Networks(ctx context.Context) (map[string][]string, error)
}

// NetworkService summarizes networks and their hosts.
type NetworkService struct {
	inventory Inventory
}

// NewNetworkService creates a new network service.
func NewNetworkService(inv Inventory) *NetworkService {
	return &NetworkService{inventory: inv}
}

// NetworkSummary describes one network bucket.
type NetworkSummary struct {
	ID        string                  `json:"id"`
	Hosts     []string                `json:"hosts"`
	HostCount int                     `json:"host_count"`
	OpenPorts int                     `json:"open_ports"`
	OSFamily  map[inventory.OSTag]int `json:"os_family"`
}

// ServiceCount is the number of open ports exposing one service.
type ServiceCount struct {
	Service string `json:"service"`
	Count   int    `json:"count"`
}

// NetworkStats aggregates the whole inventory.
type NetworkStats struct {
	Networks      int                     `json:"networks"`
	Hosts         int                     `json:"hosts"`
	WithHostname  int                     `json:"with_hostname"`
	WithOpenPorts int                     `json:"with_open_ports"`
	OpenPorts     int                     `json:"open_ports"`
	OSFamily      map[inventory.OSTag]int `json:"os_family"`
	TopServices   []ServiceCount          `json:"top_services"`
}

// ListNetworks returns every network sorted by id.
func (s *NetworkService) ListNetworks(ctx context.Context) ([]*NetworkSummary, error) {
	hosts, nets, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*NetworkSummary, 0, len(nets))
	for id, members := range nets {
		out = append(out, summarize(id, members, hosts))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetNetwork returns the network named by a network id, a CIDR or any
// address inside it.
func (s *NetworkService) GetNetwork(ctx context.Context, ref string) (*NetworkSummary, error) {
	id, err := networkIDFor(ref)
	if err != nil {
		return nil, err
	}
	hosts, nets, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	members, ok := nets[id]
	if !ok {
		return nil, &errors.NotFoundError{Kind: "network", ID: id}
	}
	return summarize(id, members, hosts), nil
}

// GetNetworkStats returns statistics about networks and hosts.
func (s *NetworkService) GetNetworkStats(ctx context.Context) (*NetworkStats, error) {
	hosts, nets, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	stats := &NetworkStats{
		Networks: len(nets),
		Hosts:    len(hosts),
		OSFamily: make(map[inventory.OSTag]int),
	}
	services := make(map[string]int)
	for _, h := range hosts {
		stats.OSFamily[h.OSTag]++
		if h.Hostname != "" {
			stats.WithHostname++
		}
		open := openPorts(h)
		if open > 0 {
			stats.WithOpenPorts++
		}
		stats.OpenPorts += open
		for _, p := range h.Ports {
			if isOpen(p) && p.Service != "" {
				services[p.Service]++
			}
		}
	}

	for svc, n := range services {
		stats.TopServices = append(stats.TopServices, ServiceCount{Service: svc, Count: n})
	}
	sort.Slice(stats.TopServices, func(i, j int) bool {
		a, b := stats.TopServices[i], stats.TopServices[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Service < b.Service
	})
	if len(stats.TopServices) > topServiceCount {
		stats.TopServices = stats.TopServices[:topServiceCount]
	}
	return stats, nil
}

func (s *NetworkService) load(ctx context.Context) (map[string]*inventory.Host, map[string][]string, error) {
	list, err := s.inventory.Hosts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	nets, err := s.inventory.Networks(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list networks: %w", err)
	}
	hosts := make(map[string]*inventory.Host, len(list))
	for _, h := range list {
		hosts[h.ID] = h
	}
	return hosts, nets, nil
}

func summarize(id string, members []string, hosts map[string]*inventory.Host) *NetworkSummary {
	sum := &NetworkSummary{
		ID:        id,
		Hosts:     append([]string(nil), members...),
		HostCount: len(members),
		OSFamily:  make(map[inventory.OSTag]int),
	}
	for _, hid := range members {
		h, ok := hosts[hid]
		if !ok {
			continue
		}
		sum.OpenPorts += openPorts(h)
		sum.OSFamily[h.OSTag]++
	}
	return sum
}

func openPorts(h *inventory.Host) int {
	n := 0
	for _, p := range h.Ports {
		if isOpen(p) {
			n++
		}
	}
	return n
}

func isOpen(p inventory.Port) bool {
	return strings.HasPrefix(p.State, "open")
}

// networkIDFor maps a reference onto the /24 bucket id used by the registry.
func networkIDFor(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.NewCommandError(errors.CodeValidation, "network reference is required", "")
	}
	if ref == inventory.UnknownNetwork {
		return ref, nil
	}
	if ip, _, err := net.ParseCIDR(ref); err == nil {
		ref = ip.String()
	}
	if !inventory.IsIPv4(ref) {
		return "", errors.NewCommandError(errors.CodeValidation,
			fmt.Sprintf("invalid network or IPv4 address: %s", ref), "")
	}
	return inventory.NetworkID(ref), nil
}
