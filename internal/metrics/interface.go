// Package metrics provides the Recorder interface used by the ingest pipeline
// and two implementations of it: Prometheus collectors for the server and an
// in-memory registry for one-shot CLI runs and tests.
package metrics

import "time"

// Command completion statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusExit    = "exit_nonzero"
)

// Merge results and sources.
const (
	ResultCreated = "created"
	ResultMerged  = "merged"

	SourceText = "text"
	SourceXML  = "xml"
)

// Recorder receives pipeline measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// CommandFinished records one completed command.
	CommandFinished(status string, duration time.Duration)

	// OutputLines counts lines appended to the transcript.
	OutputLines(n int)

	// HostMerged counts one registry AddOrUpdate by source and result.
	HostMerged(source, result string)

	// RegistrySize publishes the current inventory size.
	RegistrySize(hosts, networks int)

	// ImportFailed counts XML imports that stopped early.
	ImportFailed()

	// StoreOperation records one snapshot store call.
	StoreOperation(operation string, duration time.Duration, success bool)

	// HTTPRequest records one API request.
	HTTPRequest(method, path string, status int, duration time.Duration)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) CommandFinished(string, time.Duration)          {}
func (Nop) OutputLines(int)                                {}
func (Nop) HostMerged(string, string)                      {}
func (Nop) RegistrySize(int, int)                          {}
func (Nop) ImportFailed()                                  {}
func (Nop) StoreOperation(string, time.Duration, bool)     {}
func (Nop) HTTPRequest(string, string, int, time.Duration) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*Registry)(nil)
	_ Recorder = (*PrometheusMetrics)(nil)
)
