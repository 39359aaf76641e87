// Package scantext reconstructs host records from nmap's human-readable
// ("normal") output.
//
// The text is split into one chunk per "scan report for" header. Each
// chunk is read by a small line classifier with three states: outside any
// table, inside the PORT table, and inside OS evidence. Lines that do not fit
// are skipped, so malformed input yields fewer hosts rather than an error.
package scantext

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/anstrom/reconmap/internal/inventory"
)

const (
	reportMarker = "scan report for "

	osDetailsPrefix   = "OS details:"
	runningPrefix     = "Running:"
	serviceInfoPrefix = "Service Info:"

	// HeuristicWindows and HeuristicLinux are OS names guessed from services.
	HeuristicWindows = "Windows (heuristic)"
	HeuristicLinux   = "Linux (heuristic)"

	maxLineSize = 1024 * 1024
)

var (
	headerRe      = regexp.MustCompile(`scan report for (.+)$`)
	namedTargetRe = regexp.MustCompile(`^(.+?)\s*\(([\d.]+)\)$`)
	bareIPv4Re    = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)
	portLineRe    = regexp.MustCompile(`^\d+/(tcp|udp)`)

	windowsHints = []string{"microsoft", "ms-wbt", "netbios", "msrpc"}
	linuxHints   = []string{"openssh", "apache", "nginx", "linux"}
)

type lineState int

const (
	stateNone lineState = iota
	statePorts
	stateOS
)

// Parser turns scan text into candidate hosts. Hosts without an address or a
// name draw their id from the shared sequence.
type Parser struct {
	seq *inventory.Sequence
}

// NewParser creates a parser. A nil sequence gets a private one.
func NewParser(seq *inventory.Sequence) *Parser {
	if seq == nil {
		seq = &inventory.Sequence{}
	}
	return &Parser{seq: seq}
}

// IsScanCommand reports whether a shell command line runs nmap.
func IsScanCommand(command string) bool {
	return strings.Contains(strings.ToLower(command), "nmap")
}

// Parse returns one candidate per scan report found in output, in order.
func (p *Parser) Parse(output string) []*inventory.Host {
	return p.parseLines(splitLines(output))
}

// ParseReader reads r to the end and parses it.
func (p *Parser) ParseReader(r io.Reader) ([]*inventory.Host, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p.parseLines(lines), nil
}

func (p *Parser) parseLines(lines []string) []*inventory.Host {
	var (
		hosts  []*inventory.Host
		header string
		chunk  []string
		inHost bool
	)
	for _, line := range lines {
		if strings.Contains(line, reportMarker) {
			if inHost {
				hosts = append(hosts, p.buildHost(header, chunk))
			}
			header, chunk, inHost = line, nil, true
			continue
		}
		if inHost {
			chunk = append(chunk, line)
		}
	}
	if inHost {
		hosts = append(hosts, p.buildHost(header, chunk))
	}
	return hosts
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// ParseTarget splits a report target into hostname and IPv4 address.
// "name (a.b.c.d)" yields both, a bare dotted quad yields only the address,
// and anything else is taken as a hostname.
func ParseTarget(target string) (hostname, ip string) {
	target = strings.TrimSpace(target)
	if m := namedTargetRe.FindStringSubmatch(target); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	if bareIPv4Re.MatchString(target) {
		return "", target
	}
	return target, ""
}

func (p *Parser) buildHost(header string, lines []string) *inventory.Host {
	var target string
	if m := headerRe.FindStringSubmatch(header); m != nil {
		target = m[1]
	}
	hostname, ip := ParseTarget(target)

	var (
		ports    []inventory.Port
		evidence []string
		state    = stateNone
	)
	for _, line := range lines {
		stripped := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(stripped, "PORT"):
			state = statePorts
			continue
		case strings.HasPrefix(stripped, osDetailsPrefix), strings.HasPrefix(stripped, runningPrefix):
			state = stateOS
			evidence = append(evidence, stripped)
			continue
		case strings.HasPrefix(stripped, serviceInfoPrefix):
			evidence = append(evidence, stripped)
			continue
		}

		switch state {
		case statePorts:
			if stripped == "" {
				state = stateNone
				continue
			}
			if port, ok := parsePortLine(stripped); ok {
				ports = append(ports, port)
			}
		case stateOS:
			evidence = append(evidence, stripped)
		}
	}

	osName := resolveOS(evidence, ports)
	return &inventory.Host{
		ID:        inventory.HostID(ip, hostname, p.seq),
		IP:        ip,
		Hostname:  hostname,
		Ports:     ports,
		RawOutput: header + "\n" + strings.Join(lines, "\n"),
		Network:   inventory.NetworkID(ip),
		OSName:    osName,
		OSTag:     inventory.InferOSTag(osName),
	}
}

func parsePortLine(line string) (inventory.Port, bool) {
	if !portLineRe.MatchString(line) {
		return inventory.Port{}, false
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return inventory.Port{}, false
	}
	number, proto, _ := strings.Cut(fields[0], "/")
	return inventory.Port{
		Number:   number,
		Protocol: proto,
		State:    fields[1],
		Service:  fields[2],
		Version:  strings.Join(fields[3:], " "),
		Raw:      line,
	}, true
}

// resolveOS picks the OS name: the first "OS details:" line, else the first
// "Running:" line, else a guess from the service banners, else unknown.
func resolveOS(evidence []string, ports []inventory.Port) string {
	running := ""
	for _, line := range evidence {
		if _, rest, ok := strings.Cut(line, osDetailsPrefix); ok {
			return strings.TrimSpace(rest)
		}
		if _, rest, ok := strings.Cut(line, runningPrefix); ok && running == "" {
			running = strings.TrimSpace(rest)
		}
	}
	if running != "" {
		return running
	}

	var banners strings.Builder
	for _, port := range ports {
		banners.WriteString(port.Service)
		banners.WriteByte(' ')
		banners.WriteString(port.Version)
		banners.WriteByte(' ')
	}
	text := strings.ToLower(banners.String())
	switch {
	case containsAny(text, windowsHints):
		return HeuristicWindows
	case containsAny(text, linuxHints):
		return HeuristicLinux
	}
	return inventory.UnknownOS
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
