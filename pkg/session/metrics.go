package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame outcome labels for the frames_total counter.
const (
	resultAccepted    = "accepted"
	resultNoHeader    = "no_header"
	resultWrongLength = "wrong_length"
	resultDecodeError = "decode_error"
	resultImplausible = "implausible"
)

// Metrics holds the Prometheus instruments for one supervisor. A nil
// *Metrics disables instrumentation.
type Metrics struct {
	framesTotal         *prometheus.CounterVec
	reconnectsTotal     prometheus.Counter
	notificationsTotal  prometheus.Counter
	consecutiveFailures prometheus.Gauge
	lastAcceptTimestamp prometheus.Gauge
}

// NewMetrics creates and registers the supervisor metrics on the given
// registerer (prometheus.DefaultRegisterer in production, a fresh registry
// in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		framesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p1d_frames_total",
				Help: "Frame pipeline outcomes by result",
			},
			[]string{"result"},
		),
		reconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "p1d_reconnects_total",
				Help: "Serial connection re-establishments",
			},
		),
		notificationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "p1d_notifications_total",
				Help: "Subscriber notifications delivered",
			},
		),
		consecutiveFailures: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "p1d_consecutive_failures",
				Help: "Consecutive non-accepted frames since the last accept",
			},
		),
		lastAcceptTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "p1d_last_accept_timestamp_seconds",
				Help: "Unix time of the last accepted frame",
			},
		),
	}
}

func (m *Metrics) recordFrame(result string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) recordReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) recordNotify(n int) {
	if m == nil {
		return
	}
	m.notificationsTotal.Add(float64(n))
}

func (m *Metrics) setConsecutiveFailures(n int) {
	if m == nil {
		return
	}
	m.consecutiveFailures.Set(float64(n))
}

func (m *Metrics) setLastAccept(unixSeconds float64) {
	if m == nil {
		return
	}
	m.lastAcceptTimestamp.Set(unixSeconds)
}
