package performance

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Profiler records call counts and latencies per named operation.
// A nil *Profiler is valid and records nothing.
type Profiler struct {
	mu        sync.RWMutex
	metrics   map[string]*Metric
	enabled   bool
	startTime time.Time
}

// Metric is the aggregate for one operation name.
type Metric struct {
	Name      string        `json:"name"`
	Count     int64         `json:"count"`
	Errors    int64         `json:"errors"`
	TotalTime time.Duration `json:"total_time_ns"`
	MinTime   time.Duration `json:"min_time_ns"`
	MaxTime   time.Duration `json:"max_time_ns"`
	LastCall  time.Time     `json:"last_call"`
}

// Operation is a single in-flight timing.
type Operation struct {
	profiler *Profiler
	name     string
	start    time.Time
}

// NewProfiler creates a profiler.
func NewProfiler(enabled bool) *Profiler {
	return &Profiler{
		metrics:   make(map[string]*Metric),
		enabled:   enabled,
		startTime: time.Now(),
	}
}

// Start begins timing name. It returns nil when profiling is off.
func (p *Profiler) Start(name string) *Operation {
	if !p.IsEnabled() {
		return nil
	}
	return &Operation{profiler: p, name: name, start: time.Now()}
}

// End records the operation as successful.
func (o *Operation) End() {
	if o == nil {
		return
	}
	o.profiler.record(o.name, time.Since(o.start), false)
}

// Fail records the operation as failed.
func (o *Operation) Fail() {
	if o == nil {
		return
	}
	o.profiler.record(o.name, time.Since(o.start), true)
}

// Done records the operation, counting it as an error when err is non-nil.
func (o *Operation) Done(err error) {
	if err != nil {
		o.Fail()
		return
	}
	o.End()
}

// Record adds a measured duration for name.
func (p *Profiler) Record(name string, d time.Duration) {
	if !p.IsEnabled() {
		return
	}
	p.record(name, d, false)
}

func (p *Profiler) record(name string, d time.Duration, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}

	m, ok := p.metrics[name]
	if !ok {
		m = &Metric{Name: name, MinTime: d, MaxTime: d}
		p.metrics[name] = m
	}
	m.Count++
	if failed {
		m.Errors++
	}
	m.TotalTime += d
	m.LastCall = time.Now()
	if d < m.MinTime {
		m.MinTime = d
	}
	if d > m.MaxTime {
		m.MaxTime = d
	}
}

// AverageTime returns the mean duration.
func (m Metric) AverageTime() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(m.Count)
}

// Metric returns a copy of the aggregate for name.
func (p *Profiler) Metric(name string) (Metric, bool) {
	if p == nil {
		return Metric{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.metrics[name]
	if !ok {
		return Metric{}, false
	}
	return *m, true
}

// Snapshot returns copies of every metric sorted by name.
func (p *Profiler) Snapshot() []Metric {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Metric, 0, len(p.metrics))
	for _, m := range p.metrics {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset clears all metrics.
func (p *Profiler) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = make(map[string]*Metric)
	p.startTime = time.Now()
}

// Report renders a fixed-width text table.
func (p *Profiler) Report() string {
	metrics := p.Snapshot()
	if len(metrics) == 0 {
		return "No performance metrics recorded"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n=== Performance Report (since %s) ===\n", p.startTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "%-32s %8s %8s %10s %10s %10s\n", "Operation", "Count", "Errors", "Avg", "Min", "Max")
	for _, m := range metrics {
		fmt.Fprintf(&b, "%-32s %8d %8d %10s %10s %10s\n",
			m.Name, m.Count, m.Errors,
			m.AverageTime().Round(time.Microsecond),
			m.MinTime.Round(time.Microsecond),
			m.MaxTime.Round(time.Microsecond),
		)
	}
	fmt.Fprintf(&b, "Total runtime: %s\n", time.Since(p.startTime).Round(time.Second))
	return b.String()
}

// LogReport writes Report to the standard logger.
func (p *Profiler) LogReport() {
	if !p.IsEnabled() {
		return
	}
	log.Print(p.Report())
}

// JSONReport renders the metrics for the debug endpoint.
func (p *Profiler) JSONReport() ([]byte, error) {
	report := struct {
		Enabled   bool      `json:"enabled"`
		StartTime time.Time `json:"start_time,omitempty"`
		Metrics   []Metric  `json:"metrics"`
	}{Metrics: []Metric{}}

	if p != nil {
		p.mu.RLock()
		report.Enabled = p.enabled
		report.StartTime = p.startTime
		p.mu.RUnlock()
		report.Metrics = append(report.Metrics, p.Snapshot()...)
	}
	return json.MarshalIndent(report, "", "  ")
}

// Enable turns recording on.
func (p *Profiler) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

// Disable turns recording off.
func (p *Profiler) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// IsEnabled reports whether recording is on.
func (p *Profiler) IsEnabled() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}
