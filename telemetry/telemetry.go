// Package telemetry provides the fire-and-forget metrics hooks used by the
// engine components. Metric names are dotted, e.g. "queue.enqueued" or
// "index.rebuild.duration_ms".
package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

// Sink receives counters, timings and gauges. Implementations must not block
// the caller for long and must never panic into it; wrap untrusted sinks in Safe.
type Sink interface {
	// Count adds delta to the counter called name.
	Count(name string, delta int64)

	// Timing records a duration sample for name.
	Timing(name string, d time.Duration)

	// Gauge sets the current value of name.
	Gauge(name string, value float64)
}

// NoOp is a Sink that does nothing.
type NoOp struct{}

func (NoOp) Count(string, int64)          {}
func (NoOp) Timing(string, time.Duration) {}
func (NoOp) Gauge(string, float64)        {}

// OrNoOp returns s, or NoOp when s is nil.
func OrNoOp(s Sink) Sink {
	if s == nil {
		return NoOp{}
	}
	return s
}

// Multi fans every call out to each sink in order.
type Multi []Sink

func (m Multi) Count(name string, delta int64) {
	for _, s := range m {
		s.Count(name, delta)
	}
}

func (m Multi) Timing(name string, d time.Duration) {
	for _, s := range m {
		s.Timing(name, d)
	}
}

func (m Multi) Gauge(name string, value float64) {
	for _, s := range m {
		s.Gauge(name, value)
	}
}

// Safe wraps a sink so that a panic inside it is recovered and logged
// instead of reaching the caller.
func Safe(s Sink, logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &safeSink{next: OrNoOp(s), logger: logger}
}

type safeSink struct {
	next   Sink
	logger *slog.Logger
}

func (s *safeSink) recover(name string) {
	if r := recover(); r != nil {
		s.logger.Warn("telemetry sink panicked", slog.String("metric", name), slog.Any("panic", r))
	}
}

func (s *safeSink) Count(name string, delta int64) {
	defer s.recover(name)
	s.next.Count(name, delta)
}

func (s *safeSink) Timing(name string, d time.Duration) {
	defer s.recover(name)
	s.next.Timing(name, d)
}

func (s *safeSink) Gauge(name string, value float64) {
	defer s.recover(name)
	s.next.Gauge(name, value)
}

// Log writes every sample as a debug line. Handy during development.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Log) Count(name string, delta int64) {
	l.logger().Debug("metric", slog.String("name", name), slog.Int64("count", delta))
}

func (l Log) Timing(name string, d time.Duration) {
	l.logger().Debug("metric", slog.String("name", name), slog.Duration("duration", d))
}

func (l Log) Gauge(name string, value float64) {
	l.logger().Debug("metric", slog.String("name", name), slog.Float64("gauge", value))
}

// Memory keeps samples in memory so tests can assert on them.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string][]time.Duration
	gauges   map[string]float64
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]int64),
		timings:  make(map[string][]time.Duration),
		gauges:   make(map[string]float64),
	}
}

func (m *Memory) Count(name string, delta int64) {
	m.mu.Lock()
	m.counters[name] += delta
	m.mu.Unlock()
}

func (m *Memory) Timing(name string, d time.Duration) {
	m.mu.Lock()
	m.timings[name] = append(m.timings[name], d)
	m.mu.Unlock()
}

func (m *Memory) Gauge(name string, value float64) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// Counter returns the accumulated value of a counter.
func (m *Memory) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Timings returns the number of timing samples recorded for name.
func (m *Memory) Timings(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timings[name])
}

// GaugeValue returns the last value set for a gauge and whether it was set.
func (m *Memory) GaugeValue(name string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.gauges[name]
	return v, ok
}
