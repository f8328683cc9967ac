package webserver

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for a running server.
type Metrics struct {
	// Connection counters
	Accepted       atomic.Uint64 // Connections accepted
	Closed         atomic.Uint64 // Connections closed
	Timeouts       atomic.Uint64 // Connections closed by the idle timer
	BusyRejections atomic.Uint64 // Accepts refused at the connection cap

	// Request counters by status class
	Responses2xx atomic.Uint64
	Responses4xx atomic.Uint64

	// Byte counters
	BytesIn  atomic.Uint64
	BytesOut atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAccept records an accepted connection.
func (m *Metrics) RecordAccept() {
	m.Accepted.Add(1)
}

// RecordClose records a closed connection; timedOut marks timer evictions.
func (m *Metrics) RecordClose(timedOut bool) {
	m.Closed.Add(1)
	if timedOut {
		m.Timeouts.Add(1)
	}
}

// RecordBusy records an accept refused at capacity.
func (m *Metrics) RecordBusy() {
	m.BusyRejections.Add(1)
}

// RecordResponse records a staged response by status code.
func (m *Metrics) RecordResponse(code int) {
	if code >= 200 && code < 300 {
		m.Responses2xx.Add(1)
	} else if code >= 400 && code < 500 {
		m.Responses4xx.Add(1)
	}
}

// RecordRead records bytes received from a client.
func (m *Metrics) RecordRead(n uint64) {
	m.BytesIn.Add(n)
}

// RecordWrite records bytes sent to a client.
func (m *Metrics) RecordWrite(n uint64) {
	m.BytesOut.Add(n)
}

// Stop marks the server stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view with derived rates.
type MetricsSnapshot struct {
	Accepted       uint64
	Closed         uint64
	Active         uint64
	Timeouts       uint64
	BusyRejections uint64
	Responses2xx   uint64
	Responses4xx   uint64
	BytesIn        uint64
	BytesOut       uint64
	UptimeNs       uint64
	AcceptRate     float64 // connections per second
	InBandwidth    float64 // bytes per second
	OutBandwidth   float64
}

// Snapshot returns a consistent-enough view of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Accepted:       m.Accepted.Load(),
		Closed:         m.Closed.Load(),
		Timeouts:       m.Timeouts.Load(),
		BusyRejections: m.BusyRejections.Load(),
		Responses2xx:   m.Responses2xx.Load(),
		Responses4xx:   m.Responses4xx.Load(),
		BytesIn:        m.BytesIn.Load(),
		BytesOut:       m.BytesOut.Load(),
	}
	if snap.Accepted > snap.Closed {
		snap.Active = snap.Accepted - snap.Closed
	}
	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	if snap.UptimeNs > 0 {
		secs := float64(snap.UptimeNs) / 1e9
		snap.AcceptRate = float64(snap.Accepted) / secs
		snap.InBandwidth = float64(snap.BytesIn) / secs
		snap.OutBandwidth = float64(snap.BytesOut) / secs
	}
	return snap
}

// Reset resets all counters (useful for testing).
func (m *Metrics) Reset() {
	m.Accepted.Store(0)
	m.Closed.Store(0)
	m.Timeouts.Store(0)
	m.BusyRejections.Store(0)
	m.Responses2xx.Store(0)
	m.Responses4xx.Store(0)
	m.BytesIn.Store(0)
	m.BytesOut.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection. Implementations must be
// safe for concurrent use; methods are called from the reactor and from
// workers.
type Observer interface {
	ObserveAccept()
	ObserveClose(timedOut bool)
	ObserveBusy()
	ObserveResponse(code int)
	ObserveRead(n uint64)
	ObserveWrite(n uint64)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAccept()      {}
func (NoOpObserver) ObserveClose(bool)   {}
func (NoOpObserver) ObserveBusy()        {}
func (NoOpObserver) ObserveResponse(int) {}
func (NoOpObserver) ObserveRead(uint64)  {}
func (NoOpObserver) ObserveWrite(uint64) {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAccept()             { o.metrics.RecordAccept() }
func (o *MetricsObserver) ObserveClose(timedOut bool) { o.metrics.RecordClose(timedOut) }
func (o *MetricsObserver) ObserveBusy()               { o.metrics.RecordBusy() }
func (o *MetricsObserver) ObserveResponse(code int)   { o.metrics.RecordResponse(code) }
func (o *MetricsObserver) ObserveRead(n uint64)       { o.metrics.RecordRead(n) }
func (o *MetricsObserver) ObserveWrite(n uint64)      { o.metrics.RecordWrite(n) }

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
