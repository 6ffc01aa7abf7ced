// Package metrics is a small in-process sink for counters, gauges, and
// histograms. It has no rendering layer; consumers snapshot it over the
// API or logs.
package metrics

import (
	"sort"
	"sync"
)

// Sink collects named series. All methods are safe for concurrent use.
type Sink struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram
}

type histogram struct {
	count uint64
	sum   float64
	min   float64
	max   float64
}

// NewSink creates an empty sink.
func NewSink() *Sink {
	return &Sink{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
	}
}

// key flattens a series name and labels into one identifier, labels in
// sorted order so equal label sets collide.
func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	ks := make([]string, 0, len(labels))
	for k := range labels {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	out := name + "{"
	for i, k := range ks {
		if i > 0 {
			out += ","
		}
		out += k + "=" + labels[k]
	}
	return out + "}"
}

// IncCounter adds one to a counter.
func (s *Sink) IncCounter(name string, labels map[string]string) {
	s.AddCounter(name, 1, labels)
}

// AddCounter adds an arbitrary non-negative delta to a counter.
func (s *Sink) AddCounter(name string, delta float64, labels map[string]string) {
	s.mu.Lock()
	s.counters[key(name, labels)] += delta
	s.mu.Unlock()
}

// SetGauge records the latest value of a gauge.
func (s *Sink) SetGauge(name string, value float64, labels map[string]string) {
	s.mu.Lock()
	s.gauges[key(name, labels)] = value
	s.mu.Unlock()
}

// ObserveHistogram records one observation.
func (s *Sink) ObserveHistogram(name string, value float64, labels map[string]string) {
	k := key(name, labels)
	s.mu.Lock()
	h, ok := s.histograms[k]
	if !ok {
		h = &histogram{min: value, max: value}
		s.histograms[k] = h
	}
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
	s.mu.Unlock()
}

// Counter reads a counter's current value (0 if unset).
func (s *Sink) Counter(name string, labels map[string]string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[key(name, labels)]
}

// Gauge reads a gauge's current value (0 if unset).
func (s *Sink) Gauge(name string, labels map[string]string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gauges[key(name, labels)]
}

// HistogramStat is a snapshot of one histogram series.
type HistogramStat struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Snapshot exports everything for the stats endpoints.
type Snapshot struct {
	Counters   map[string]float64       `json:"counters"`
	Gauges     map[string]float64       `json:"gauges"`
	Histograms map[string]HistogramStat `json:"histograms"`
}

// Snapshot copies the sink's current state.
func (s *Sink) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Counters:   make(map[string]float64, len(s.counters)),
		Gauges:     make(map[string]float64, len(s.gauges)),
		Histograms: make(map[string]HistogramStat, len(s.histograms)),
	}
	for k, v := range s.counters {
		snap.Counters[k] = v
	}
	for k, v := range s.gauges {
		snap.Gauges[k] = v
	}
	for k, h := range s.histograms {
		st := HistogramStat{Count: h.count, Sum: h.sum, Min: h.min, Max: h.max}
		if h.count > 0 {
			st.Mean = h.sum / float64(h.count)
		}
		snap.Histograms[k] = st
	}
	return snap
}
