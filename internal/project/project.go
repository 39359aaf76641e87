// Package project reads and writes the project document: the inventory, the
// terminal transcript, the command log and the advisor state in one JSON file.
package project

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/reconmap/internal/advisor"
	"github.com/anstrom/reconmap/internal/dispatcher"
	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/registry"
)

// Version is written into every saved document.
const Version = "2.0"

// Document is the persisted project.
type Document struct {
	Version            string                        `json:"version" yaml:"version"`
	SavedAt            time.Time                     `json:"saved_at,omitempty" yaml:"saved_at,omitempty"`
	Hosts              map[string]*inventory.Host    `json:"hosts" yaml:"hosts"`
	Networks           map[string][]string           `json:"networks" yaml:"networks"`
	TerminalTranscript string                        `json:"terminal_transcript" yaml:"terminal_transcript"`
	HostCounter        int                           `json:"host_counter" yaml:"host_counter"`
	IDSequence         int64                         `json:"id_sequence,omitempty" yaml:"id_sequence,omitempty"`
	ProfilePrompts     map[string]string             `json:"profile_prompts,omitempty" yaml:"profile_prompts,omitempty"`
	AdvisorHistory     string                        `json:"advisor_history,omitempty" yaml:"advisor_history,omitempty"`
	ChatMessages       []advisor.Message             `json:"chat_messages" yaml:"chat_messages"`
	Commands           []dispatcher.CompletedCommand `json:"commands" yaml:"commands"`
}

// New builds a document from dispatcher state and advisor data.
func New(st dispatcher.State, prompts map[string]string, chat []advisor.Message) *Document {
	doc := &Document{
		Version:            Version,
		Hosts:              st.Registry.Hosts,
		Networks:           st.Registry.Networks,
		TerminalTranscript: st.Transcript,
		HostCounter:        st.Registry.Counter,
		IDSequence:         st.IDSequence,
		ProfilePrompts:     prompts,
		ChatMessages:       chat,
		Commands:           st.Commands,
	}
	doc.normalize()
	return doc
}

// State converts the document back into dispatcher state. The host counter
// is derived from the number of hosts, as Registry.Restore does. The id
// sequence is kept separately because deleted and reconciled hosts leave
// gaps below it.
func (d *Document) State() dispatcher.State {
	return dispatcher.State{
		Registry: registry.Snapshot{
			Hosts:    d.Hosts,
			Networks: d.Networks,
			Counter:  len(d.Hosts),
		},
		Transcript: d.TerminalTranscript,
		Commands:   d.Commands,
		IDSequence: d.IDSequence,
	}
}

func (d *Document) normalize() {
	if d.Version == "" {
		d.Version = Version
	}
	if d.Hosts == nil {
		d.Hosts = map[string]*inventory.Host{}
	}
	if d.Networks == nil {
		d.Networks = map[string][]string{}
	}
	if d.ChatMessages == nil {
		d.ChatMessages = []advisor.Message{}
	}
	if d.Commands == nil {
		d.Commands = []dispatcher.CompletedCommand{}
	}
	for id, h := range d.Hosts {
		if h == nil {
			delete(d.Hosts, id)
			continue
		}
		h.ID = id
		if h.Ports == nil {
			h.Ports = []inventory.Port{}
		}
	}
	d.HostCounter = len(d.Hosts)
}

// Encode writes the document as indented JSON.
func (d *Document) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// EncodeYAML writes the document as YAML for human review.
func (d *Document) EncodeYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return err
	}
	return enc.Close()
}

// Decode reads a JSON document. Missing sections are filled with empty
// values and the host counter is recomputed.
func Decode(r io.Reader) (*Document, error) {
	doc, err := decode(r)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func decode(r io.Reader) (*Document, *errors.ImportError) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &errors.ImportError{Code: errors.CodeParseFailed, Message: "decode project", Cause: err}
	}
	doc.normalize()
	return &doc, nil
}

// Save writes the document to path through a temporary file so a failed
// write never truncates an existing project.
func Save(path string, doc *Document) error {
	doc.SavedAt = time.Now().UTC()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".reconmap-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary project file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := doc.Encode(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode project: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write project: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace project file: %w", err)
	}
	return nil
}

// Load reads the document at path.
func Load(path string) (*Document, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ImportError{Code: errors.CodeFileNotFound, Message: "open project", Source: path, Cause: err}
		}
		return nil, fmt.Errorf("failed to open project: %w", err)
	}
	defer func() { _ = f.Close() }()

	doc, derr := decode(f)
	if derr != nil {
		derr.Source = path
		return nil, derr
	}
	return doc, nil
}
