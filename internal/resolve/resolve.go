// Package resolve enriches hosts with reverse DNS names. Only hosts that have
// an address but no hostname are queried, and a found name is adopted only
// while the host's hostname is still empty.
package resolve

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/workers"
)

const (
	defaultTimeout    = 2 * time.Second
	defaultResolvConf = "/etc/resolv.conf"
	jobType           = "reverse_dns"
)

// ErrNoServers is returned when no nameserver is configured or discoverable.
var ErrNoServers = stderrors.New("no DNS servers configured")

// Config holds resolver configuration.
type Config struct {
	// Disabled turns reverse DNS off.
	Disabled bool `yaml:"disabled" json:"disabled" mapstructure:"disabled"`
	// Servers are host:port nameserver addresses. When empty the system
	// resolv.conf is read.
	Servers []string       `yaml:"servers" json:"servers" mapstructure:"servers"`
	Timeout time.Duration  `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	Workers workers.Config `yaml:"workers" json:"workers" mapstructure:"workers"`
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	cfg := workers.DefaultConfig()
	cfg.Size = 4
	cfg.RateLimit = 20
	return Config{
		Timeout: defaultTimeout,
		Workers: cfg,
	}
}

// Resolver performs PTR lookups.
type Resolver struct {
	client  *dns.Client
	servers []string
	pool    *workers.Pool
	logger  *logging.Logger
}

// New creates a resolver.
func New(cfg Config, logger *logging.Logger) (*Resolver, error) {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile(defaultResolvConf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoServers, err)
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	}
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	logger = logger.WithComponent("resolve")
	return &Resolver{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: normalizeServers(servers),
		pool:    workers.New(cfg.Workers, logger),
		logger:  logger,
	}, nil
}

func normalizeServers(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		out = append(out, s)
	}
	return out
}

// Servers returns the nameservers in query order.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// Lookup returns the first PTR name for ip without the trailing dot. A name
// error (NXDOMAIN) or an empty answer returns "" and no error.
func (r *Resolver) Lookup(ctx context.Context, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", ip, err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			for _, rr := range resp.Answer {
				if ptr, ok := rr.(*dns.PTR); ok {
					return strings.TrimSuffix(ptr.Ptr, "."), nil
				}
			}
			return "", nil
		case dns.RcodeNameError:
			return "", nil
		default:
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
		}
	}
	return "", lastErr
}

// Candidates returns the hosts that have an address but no hostname.
func Candidates(hosts []*inventory.Host) []*inventory.Host {
	var out []*inventory.Host
	for _, h := range hosts {
		if h != nil && h.Hostname == "" && h.IP != "" {
			out = append(out, h)
		}
	}
	return out
}

// Resolve looks up every candidate host and returns the found names keyed by
// host id. Failed lookups are logged and left out.
func (r *Resolver) Resolve(ctx context.Context, hosts []*inventory.Host) map[string]string {
	candidates := Candidates(hosts)
	names := make(map[string]string, len(candidates))

	var mu sync.Mutex
	jobs := make([]workers.Job, 0, len(candidates))
	for _, h := range candidates {
		id, ip := h.ID, h.IP
		jobs = append(jobs, workers.NewFuncJob(id, jobType, func(ctx context.Context) error {
			name, err := r.Lookup(ctx, ip)
			if err != nil {
				return err
			}
			if name != "" {
				mu.Lock()
				names[id] = name
				mu.Unlock()
			}
			return nil
		}))
	}

	for _, res := range r.pool.Run(ctx, jobs) {
		if res.Error != nil {
			r.logger.WithError(res.Error).Debug("Reverse lookup failed", "host", res.JobID)
		}
	}
	r.logger.Info("Reverse lookups finished", "candidates", len(candidates), "resolved", len(names))
	return names
}
