// Package scanxml imports nmap XML reports (-oX) into the host inventory.
//
// The document is read as a token stream and every <host> element is decoded
// on its own, so a damaged element stops the import without losing the hosts
// already read. By default each host is committed as soon as it is decoded
// (partial commit). Options.Atomic buffers the whole document first and
// commits nothing when any element fails.
package scanxml

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	nmap "github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/logging"
)

const (
	hostElement = "host"
	rawPrefix   = "[nmap-xml]"
)

// CommitFunc receives each imported host.
type CommitFunc func(*inventory.Host)

// Options tune an import.
type Options struct {
	// Source names the document in logs and errors.
	Source string
	// Atomic commits nothing unless the whole document decodes.
	Atomic bool
}

// Result summarizes an import.
type Result struct {
	Committed int
	HostIDs   []string
}

// Importer converts nmap XML hosts into candidates. Ids come from its own
// sequence as host_import_<n>, independent of the address based ids used by
// the text parser; Registry.Reconcile folds the two schemes together.
type Importer struct {
	seq    *inventory.Sequence
	logger *logging.Logger
}

// NewImporter creates an importer. A nil sequence gets a private one and a
// nil logger discards output.
func NewImporter(seq *inventory.Sequence, logger *logging.Logger) *Importer {
	if seq == nil {
		seq = &inventory.Sequence{}
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Importer{seq: seq, logger: logger.WithComponent("scanxml")}
}

// ImportFile opens path and imports it.
func (im *Importer) ImportFile(ctx context.Context, path string, opts Options, commit CommitFunc) (Result, error) {
	clean := filepath.Clean(path)
	f, err := os.Open(clean) //nolint:gosec // operator supplied report path
	if err != nil {
		return Result{}, &errors.ImportError{
			Code:    errors.CodeFileNotFound,
			Message: "open report",
			Source:  clean,
			Cause:   err,
		}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			im.logger.Warn("failed to close report", "path", clean, "error", cerr)
		}
	}()

	if opts.Source == "" {
		opts.Source = clean
	}
	return im.Import(ctx, f, opts, commit)
}

// Import reads an nmap XML document from r and hands every host to commit.
// On failure the returned *errors.ImportError names the offending element and
// how many hosts were already committed.
func (im *Importer) Import(ctx context.Context, r io.Reader, opts Options, commit CommitFunc) (Result, error) {
	var (
		result  Result
		pending []*inventory.Host
		index   int
	)

	emit := func(h *inventory.Host) {
		if opts.Atomic {
			pending = append(pending, h)
			return
		}
		commit(h)
		result.Committed++
		result.HostIDs = append(result.HostIDs, h.ID)
	}

	fail := func(element string, err error) (Result, error) {
		ierr := errors.WrapImportError("decode report", err)
		ierr.Source = opts.Source
		ierr.Element = element
		ierr.Index = index
		ierr.Committed = result.Committed
		im.logger.ErrorImport("import stopped", opts.Source, err, "element", element, "index", index, "committed", result.Committed)
		return result, ierr
	}

	decoder := xml.NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return fail(hostElement, err)
		}

		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail("", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != hostElement {
			continue
		}

		var host nmap.Host
		if err := decoder.DecodeElement(&host, &start); err != nil {
			return fail(hostElement, err)
		}
		emit(im.convert(&host))
		index++
	}

	for _, h := range pending {
		commit(h)
		result.Committed++
		result.HostIDs = append(result.HostIDs, h.ID)
	}

	im.logger.InfoImport("import finished", opts.Source, "hosts", result.Committed)
	return result, nil
}

func (im *Importer) convert(h *nmap.Host) *inventory.Host {
	id := fmt.Sprintf("host_import_%d", im.seq.Next())
	return ConvertHost(h, id)
}

// ConvertHost maps one nmap host onto a candidate with the given id.
func ConvertHost(h *nmap.Host, id string) *inventory.Host {
	var ip string
	for _, addr := range h.Addresses {
		if addr.AddrType == "ipv4" || addr.AddrType == "ipv6" {
			ip = addr.Addr
			break
		}
	}

	var hostname string
	if len(h.Hostnames) > 0 {
		hostname = h.Hostnames[0].Name
	}

	ports := make([]inventory.Port, 0, len(h.Ports))
	for i := range h.Ports {
		p := &h.Ports[i]
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		number := fmt.Sprintf("%d", p.ID)
		version := joinNonEmpty(p.Service.Product, p.Service.Version, p.Service.ExtraInfo)
		ports = append(ports, inventory.Port{
			Number:   number,
			Protocol: proto,
			State:    p.State.State,
			Service:  p.Service.Name,
			Version:  version,
			Raw:      strings.TrimSpace(fmt.Sprintf("%s/%s %s %s %s", number, proto, p.State.State, p.Service.Name, version)),
		})
	}

	osName := inventory.UnknownOS
	osTag := inventory.OSUnknown
	if len(h.OS.Matches) > 0 && h.OS.Matches[0].Name != "" {
		osName = h.OS.Matches[0].Name
		osTag = inventory.InferOSTag(osName)
	}

	return &inventory.Host{
		ID:        id,
		IP:        ip,
		Hostname:  hostname,
		Ports:     ports,
		RawOutput: fmt.Sprintf("%s %s (%s) - %d port(s)", rawPrefix, hostname, ip, len(ports)),
		Network:   inventory.NetworkID(ip),
		OSName:    osName,
		OSTag:     osTag,
	}
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
