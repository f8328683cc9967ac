package webserver

import (
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordAccept()
	m.RecordAccept()
	m.RecordClose(false)
	m.RecordClose(true)
	m.RecordBusy()
	m.RecordResponse(200)
	m.RecordResponse(404)
	m.RecordResponse(400)
	m.RecordRead(100)
	m.RecordWrite(250)

	snap := m.Snapshot()
	if snap.Accepted != 2 || snap.Closed != 2 {
		t.Errorf("accepted=%d closed=%d, want 2 2", snap.Accepted, snap.Closed)
	}
	if snap.Timeouts != 1 {
		t.Errorf("timeouts=%d, want 1", snap.Timeouts)
	}
	if snap.BusyRejections != 1 {
		t.Errorf("busy=%d, want 1", snap.BusyRejections)
	}
	if snap.Responses2xx != 1 || snap.Responses4xx != 2 {
		t.Errorf("2xx=%d 4xx=%d, want 1 2", snap.Responses2xx, snap.Responses4xx)
	}
	if snap.BytesIn != 100 || snap.BytesOut != 250 {
		t.Errorf("in=%d out=%d, want 100 250", snap.BytesIn, snap.BytesOut)
	}
}

func TestMetricsActive(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 5; i++ {
		m.RecordAccept()
	}
	m.RecordClose(false)
	snap := m.Snapshot()
	if snap.Active != 4 {
		t.Errorf("active=%d, want 4", snap.Active)
	}
}

func TestMetricsUptimeAndRates(t *testing.T) {
	m := NewMetrics()
	m.RecordAccept()
	m.RecordRead(1000)
	snap := m.Snapshot()
	if snap.UptimeNs == 0 {
		t.Error("uptime is zero")
	}
	if snap.AcceptRate <= 0 || snap.InBandwidth <= 0 {
		t.Errorf("rates not derived: accept=%f in=%f", snap.AcceptRate, snap.InBandwidth)
	}
	m.Stop()
	stopped := m.Snapshot()
	if stopped.UptimeNs == 0 {
		t.Error("uptime lost after Stop")
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordAccept()
	m.RecordResponse(200)
	m.Reset()
	snap := m.Snapshot()
	if snap.Accepted != 0 || snap.Responses2xx != 0 {
		t.Error("Reset left counters set")
	}
}

func TestMetricsObserverForwards(t *testing.T) {
	m := NewMetrics()
	var o Observer = NewMetricsObserver(m)
	o.ObserveAccept()
	o.ObserveClose(true)
	o.ObserveBusy()
	o.ObserveResponse(200)
	o.ObserveRead(1)
	o.ObserveWrite(2)

	snap := m.Snapshot()
	if snap.Accepted != 1 || snap.Timeouts != 1 || snap.BusyRejections != 1 ||
		snap.Responses2xx != 1 || snap.BytesIn != 1 || snap.BytesOut != 2 {
		t.Errorf("observer did not forward: %+v", snap)
	}
}
