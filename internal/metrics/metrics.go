package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
)

// Labels represents key-value pairs for metric labels.
type Labels map[string]string

// Metric represents a single metric with its metadata.
type Metric struct {
	Name      string
	Type      MetricType
	Value     float64
	Count     int
	Labels    Labels
	Timestamp time.Time
}

// Metric names used by the in-memory Recorder.
const (
	MetricCommands        = "commands_total"
	MetricCommandDuration = "command_duration_seconds"
	MetricOutputLines     = "output_lines_total"
	MetricHostsMerged     = "hosts_merged_total"
	MetricRegistryHosts   = "registry_hosts"
	MetricRegistryNets    = "registry_networks"
	MetricImportErrors    = "import_errors_total"
	MetricStoreOps        = "store_operations_total"
	MetricStoreDuration   = "store_operation_duration_seconds"
	MetricHTTPRequests    = "http_requests_total"
	MetricHTTPDuration    = "http_request_duration_seconds"
)

// Common label keys.
const (
	LabelStatus    = "status"
	LabelSource    = "source"
	LabelResult    = "result"
	LabelOperation = "operation"
	LabelMethod    = "method"
	LabelPath      = "path"
)

// Registry is an in-memory Recorder. The CLI uses it to print a run summary
// and tests use it to assert what the pipeline measured.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	enabled bool
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Metric),
		enabled: true,
	}
}

// SetEnabled enables or disables metrics collection.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether metrics collection is enabled.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Add increases a counter by delta.
func (r *Registry) Add(name string, delta float64, labels Labels) {
	r.update(name, TypeCounter, labels, func(m *Metric) {
		m.Value += delta
		m.Count++
	})
}

// Counter increments a counter metric.
func (r *Registry) Counter(name string, labels Labels) {
	r.Add(name, 1, labels)
}

// Gauge sets a gauge metric value.
func (r *Registry) Gauge(name string, value float64, labels Labels) {
	r.update(name, TypeGauge, labels, func(m *Metric) {
		m.Value = value
		m.Count = 1
	})
}

// Histogram records an observation. Value holds the running sum and Count the
// number of observations.
func (r *Registry) Histogram(name string, value float64, labels Labels) {
	r.update(name, TypeHistogram, labels, func(m *Metric) {
		m.Value += value
		m.Count++
	})
}

func (r *Registry) update(name string, typ MetricType, labels Labels, apply func(*Metric)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}

	key := makeKey(name, labels)
	m, ok := r.metrics[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: copyLabels(labels)}
		r.metrics[key] = m
	}
	apply(m)
	m.Timestamp = time.Now()
}

// Value returns the current value of a metric, or 0 when it was never set.
func (r *Registry) Value(name string, labels Labels) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.metrics[makeKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

// Sum adds the values of every series of name regardless of labels.
func (r *Registry) Sum(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total float64
	for _, m := range r.metrics {
		if m.Name == name {
			total += m.Value
		}
	}
	return total
}

// GetMetrics returns a snapshot of all current metrics.
func (r *Registry) GetMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric, len(r.metrics))
	for key, metric := range r.metrics {
		cp := *metric
		cp.Labels = copyLabels(metric.Labels)
		result[key] = &cp
	}
	return result
}

// Reset clears all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = make(map[string]*Metric)
}

// CommandFinished implements Recorder.
func (r *Registry) CommandFinished(status string, duration time.Duration) {
	r.Counter(MetricCommands, Labels{LabelStatus: status})
	r.Histogram(MetricCommandDuration, duration.Seconds(), nil)
}

// OutputLines implements Recorder.
func (r *Registry) OutputLines(n int) {
	r.Add(MetricOutputLines, float64(n), nil)
}

// HostMerged implements Recorder.
func (r *Registry) HostMerged(source, result string) {
	r.Counter(MetricHostsMerged, Labels{LabelSource: source, LabelResult: result})
}

// RegistrySize implements Recorder.
func (r *Registry) RegistrySize(hosts, networks int) {
	r.Gauge(MetricRegistryHosts, float64(hosts), nil)
	r.Gauge(MetricRegistryNets, float64(networks), nil)
}

// ImportFailed implements Recorder.
func (r *Registry) ImportFailed() {
	r.Counter(MetricImportErrors, nil)
}

// StoreOperation implements Recorder.
func (r *Registry) StoreOperation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.Counter(MetricStoreOps, Labels{LabelOperation: operation, LabelStatus: status})
	r.Histogram(MetricStoreDuration, duration.Seconds(), Labels{LabelOperation: operation})
}

// HTTPRequest implements Recorder.
func (r *Registry) HTTPRequest(method, path string, status int, duration time.Duration) {
	r.Counter(MetricHTTPRequests, Labels{LabelMethod: method, LabelPath: path, LabelStatus: strconv.Itoa(status)})
	r.Histogram(MetricHTTPDuration, duration.Seconds(), Labels{LabelMethod: method, LabelPath: path})
}

// makeKey creates a unique key for a metric based on name and sorted labels.
func makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(":")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

// copyLabels creates a copy of labels map.
func copyLabels(labels Labels) Labels {
	if labels == nil {
		return nil
	}
	result := make(Labels, len(labels))
	for k, v := range labels {
		result[k] = v
	}
	return result
}
