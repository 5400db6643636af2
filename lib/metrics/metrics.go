// Package metrics exposes tunnelcore's runtime counters as a
// VictoriaMetrics/metrics Set, grounded on R2Northstar-Atlas's
// pkg/api/api0/metrics.go lazy-init pattern (a sync.Once-guarded struct of
// *metrics.Counter/*metrics.Histogram fields built once, over a
// hand-rolled field-by-field HTTP metrics struct).
package metrics

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// Side distinguishes Inlet-reported metrics from Outlet-reported metrics in
// the label set, since one process can run either or both.
type Side string

const (
	SideInlet  Side = "inlet"
	SideOutlet Side = "outlet"
)

// Collector holds every metric tunnelcore reports, grouped by side.
type Collector struct {
	set *metrics.Set

	once sync.Once

	sessionsOpenedTotal struct {
		inlet  *metrics.Counter
		outlet *metrics.Counter
	}
	sessionsClosedTotal struct {
		inlet  *metrics.Counter
		outlet *metrics.Counter
	}
	sessionsActiveInlet  atomic.Int64
	sessionsActiveOutlet atomic.Int64

	bytesInTotal struct {
		inlet  *metrics.Counter
		outlet *metrics.Counter
	}
	bytesOutTotal struct {
		inlet  *metrics.Counter
		outlet *metrics.Counter
	}
	readBufLenBytes  *metrics.Histogram
	protocolAnomalies *metrics.Counter
	dialFailuresTotal *metrics.Counter
}

// New constructs a Collector with all metrics registered under set.
func New() *Collector {
	c := &Collector{}
	c.once.Do(func() {
		c.set = metrics.NewSet()
		c.sessionsOpenedTotal.inlet = c.set.NewCounter(`tunnelcore_sessions_opened_total{side="inlet"}`)
		c.sessionsOpenedTotal.outlet = c.set.NewCounter(`tunnelcore_sessions_opened_total{side="outlet"}`)
		c.sessionsClosedTotal.inlet = c.set.NewCounter(`tunnelcore_sessions_closed_total{side="inlet"}`)
		c.sessionsClosedTotal.outlet = c.set.NewCounter(`tunnelcore_sessions_closed_total{side="outlet"}`)
		c.set.NewGauge(`tunnelcore_sessions_active{side="inlet"}`, func() float64 {
			return float64(c.sessionsActiveInlet.Load())
		})
		c.set.NewGauge(`tunnelcore_sessions_active{side="outlet"}`, func() float64 {
			return float64(c.sessionsActiveOutlet.Load())
		})
		c.bytesInTotal.inlet = c.set.NewCounter(`tunnelcore_bytes_in_total{side="inlet"}`)
		c.bytesInTotal.outlet = c.set.NewCounter(`tunnelcore_bytes_in_total{side="outlet"}`)
		c.bytesOutTotal.inlet = c.set.NewCounter(`tunnelcore_bytes_out_total{side="inlet"}`)
		c.bytesOutTotal.outlet = c.set.NewCounter(`tunnelcore_bytes_out_total{side="outlet"}`)
		c.readBufLenBytes = c.set.NewHistogram(`tunnelcore_read_buf_len_bytes`)
		c.protocolAnomalies = c.set.NewCounter(`tunnelcore_protocol_anomalies_total`)
		c.dialFailuresTotal = c.set.NewCounter(`tunnelcore_outlet_dial_failures_total`)
	})
	return c
}

func (c *Collector) SessionOpened(side Side) {
	counter(side, c.sessionsOpenedTotal.inlet, c.sessionsOpenedTotal.outlet).Inc()
	c.activeGauge(side).Add(1)
}

func (c *Collector) SessionClosed(side Side) {
	counter(side, c.sessionsClosedTotal.inlet, c.sessionsClosedTotal.outlet).Inc()
	c.activeGauge(side).Add(-1)
}

func (c *Collector) activeGauge(side Side) *atomic.Int64 {
	if side == SideOutlet {
		return &c.sessionsActiveOutlet
	}
	return &c.sessionsActiveInlet
}

func (c *Collector) BytesIn(side Side, n int) {
	counter(side, c.bytesInTotal.inlet, c.bytesInTotal.outlet).Add(n)
}

func (c *Collector) BytesOut(side Side, n int) {
	counter(side, c.bytesOutTotal.inlet, c.bytesOutTotal.outlet).Add(n)
}

// ObserveReadBufLen records a sample of a session's in-flight byte count,
// for watching how close sessions run to SPEC_FULL.md section 4.6's
// READ_BUF_MAX_LEN ceiling.
func (c *Collector) ObserveReadBufLen(n int64) {
	c.readBufLenBytes.Update(float64(n))
}

func (c *Collector) ProtocolAnomaly() {
	c.protocolAnomalies.Inc()
}

func (c *Collector) DialFailure() {
	c.dialFailuresTotal.Inc()
}

// WritePrometheus renders every registered metric in Prometheus exposition
// format, for a /metrics HTTP handler.
func (c *Collector) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}

func counter(side Side, inlet, outlet *metrics.Counter) *metrics.Counter {
	if side == SideOutlet {
		return outlet
	}
	return inlet
}

