package common

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Gauges supplies the callbacks behind the gauge metrics. Nil callbacks are not registered.
type Gauges struct {
	Connections func() float64
	Backlog     func() float64
	Workers     func() float64
}

// Metrics collects the transport counters of one server or client in its own metrics.Set,
// so several instances in one process never share series.
// All Record methods are safe on a nil *Metrics.
type Metrics struct {
	set *metrics.Set

	messagesIn      *metrics.Counter
	messagesOut     *metrics.Counter
	bytesIn         *metrics.Counter
	bytesOut        *metrics.Counter
	transportErrors *metrics.Counter
	accepted        *metrics.Counter
	rejected        *metrics.Counter
	disconnected    *metrics.Counter
	unhandled       *metrics.Counter
}

// Stats is a point-in-time copy of the counters
type Stats struct {
	MessagesIn      uint64
	MessagesOut     uint64
	BytesIn         uint64
	BytesOut        uint64
	TransportErrors uint64
	Accepted        uint64
	Rejected        uint64
	Disconnected    uint64
	Unhandled       uint64
}

// NewMetrics creates the metric set for one side ("server" or "client")
func NewMetrics(side string, gauges Gauges) *Metrics {
	s := metrics.NewSet()
	name := func(metric string) string {
		return fmt.Sprintf(`msgnet_%s{side=%q}`, metric, side)
	}

	m := &Metrics{
		set:             s,
		messagesIn:      s.NewCounter(name("messages_received_total")),
		messagesOut:     s.NewCounter(name("messages_sent_total")),
		bytesIn:         s.NewCounter(name("bytes_received_total")),
		bytesOut:        s.NewCounter(name("bytes_sent_total")),
		transportErrors: s.NewCounter(name("transport_errors_total")),
		accepted:        s.NewCounter(name("connections_accepted_total")),
		rejected:        s.NewCounter(name("connections_rejected_total")),
		disconnected:    s.NewCounter(name("connections_disconnected_total")),
		unhandled:       s.NewCounter(name("messages_unhandled_total")),
	}

	if gauges.Connections != nil {
		s.NewGauge(name("connections"), gauges.Connections)
	}
	if gauges.Backlog != nil {
		s.NewGauge(name("inbound_backlog"), gauges.Backlog)
	}
	if gauges.Workers != nil {
		s.NewGauge(name("workers"), gauges.Workers)
	}
	return m
}

// RecordReceived counts one inbound frame of the given wire size
func (m *Metrics) RecordReceived(size int) {
	if m == nil {
		return
	}
	m.messagesIn.Inc()
	m.bytesIn.Add(size)
}

// RecordSent counts one outbound frame of the given wire size
func (m *Metrics) RecordSent(size int) {
	if m == nil {
		return
	}
	m.messagesOut.Inc()
	m.bytesOut.Add(size)
}

// RecordTransportError counts a connection closed by an I/O or protocol error
func (m *Metrics) RecordTransportError() {
	if m == nil {
		return
	}
	m.transportErrors.Inc()
}

// RecordAccepted counts a connection accepted by the connect hook
func (m *Metrics) RecordAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

// RecordRejected counts a connection refused by the connect hook
func (m *Metrics) RecordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

// RecordDisconnected counts a connection removed from the server
func (m *Metrics) RecordDisconnected() {
	if m == nil {
		return
	}
	m.disconnected.Inc()
}

// RecordUnhandled counts an inbound message no handler route accepted
func (m *Metrics) RecordUnhandled() {
	if m == nil {
		return
	}
	m.unhandled.Inc()
}

// Stats returns the current counter values
func (m *Metrics) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		MessagesIn:      m.messagesIn.Get(),
		MessagesOut:     m.messagesOut.Get(),
		BytesIn:         m.bytesIn.Get(),
		BytesOut:        m.bytesOut.Get(),
		TransportErrors: m.transportErrors.Get(),
		Accepted:        m.accepted.Get(),
		Rejected:        m.rejected.Get(),
		Disconnected:    m.disconnected.Get(),
		Unhandled:       m.unhandled.Get(),
	}
}

// WritePrometheus writes all metrics in Prometheus text format
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.set.WritePrometheus(w)
}
