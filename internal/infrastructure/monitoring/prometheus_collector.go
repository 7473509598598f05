package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

// PrometheusCollector exports call agent and relay metrics. Register it
// against a dedicated registry in tests.
type PrometheusCollector struct {
	// Calls
	callsStarted   *prometheus.CounterVec
	callsEnded     *prometheus.CounterVec
	callsActive    prometheus.Gauge
	callSetup      prometheus.Histogram
	callDuration   prometheus.Histogram
	qualityChanges *prometheus.CounterVec
	packetLoss     prometheus.Gauge

	// Signaling
	signalsReceived   *prometheus.CounterVec
	signalsDropped    *prometheus.CounterVec
	signalSendFailure *prometheus.CounterVec

	// Relay
	relayConnections prometheus.Gauge
	signalsRelayed   *prometheus.CounterVec
	signalsRefused   *prometheus.CounterVec
}

func NewPrometheusCollector(registerer prometheus.Registerer) *PrometheusCollector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusCollector{
		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ringline_calls_started_total",
			Help: "Calls placed or received",
		}, []string{"role", "call_type"}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ringline_calls_ended_total",
			Help: "Calls ended, by reason",
		}, []string{"reason"}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ringline_calls_active",
			Help: "Calls currently connected",
		}),

		callSetup: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ringline_call_setup_duration_seconds",
			Help:    "Time from offer to connected transport",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ringline_call_duration_seconds",
			Help:    "Duration of connected calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),

		qualityChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ringline_quality_changes_total",
			Help: "Connection quality transitions",
		}, []string{"quality"}),

		packetLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ringline_inbound_packet_loss_ratio",
			Help: "Inbound video packet loss at the last classification",
		}),

		signalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ringline_signals_received_total",
			Help: "Signal messages received",
		}, []string{"type"}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ringline_signals_dropped_total",
			Help: "Signal messages ignored",
		}, []string{"type", "reason"}),

		signalSendFailure: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ringline_signal_send_failures_total",
			Help: "Signal messages that could not be sent after retries",
		}, []string{"type"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ringline_relay_connections",
			Help: "Open relay connections",
		}),

		signalsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ringline_relay_signals_total",
			Help: "Signal messages forwarded by the relay",
		}, []string{"type"}),

		signalsRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ringline_relay_refused_total",
			Help: "Signal messages refused by the relay",
		}, []string{"code"}),
	}
}

func (p *PrometheusCollector) CallStarted(role domain.CallRole, callType domain.CallType) {
	p.callsStarted.WithLabelValues(string(role), string(callType)).Inc()
}

func (p *PrometheusCollector) CallConnected(setup time.Duration) {
	p.callsActive.Inc()
	p.callSetup.Observe(setup.Seconds())
}

// CallEnded decrements the active gauge only for calls that connected.
func (p *PrometheusCollector) CallEnded(reason string, duration time.Duration) {
	p.callsEnded.WithLabelValues(reason).Inc()
	if duration > 0 {
		p.callsActive.Dec()
		p.callDuration.Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) QualityChanged(quality domain.Quality, packetLoss float64) {
	p.qualityChanges.WithLabelValues(string(quality)).Inc()
	p.packetLoss.Set(packetLoss)
}

func (p *PrometheusCollector) SignalReceived(signalType domain.SignalType) {
	p.signalsReceived.WithLabelValues(string(signalType)).Inc()
}

func (p *PrometheusCollector) SignalDropped(signalType domain.SignalType, reason string) {
	p.signalsDropped.WithLabelValues(string(signalType), reason).Inc()
}

func (p *PrometheusCollector) SignalSendFailed(signalType domain.SignalType) {
	p.signalSendFailure.WithLabelValues(string(signalType)).Inc()
}

func (p *PrometheusCollector) RelayConnectionOpened() {
	p.relayConnections.Inc()
}

func (p *PrometheusCollector) RelayConnectionClosed() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) SignalRelayed(signalType domain.SignalType) {
	p.signalsRelayed.WithLabelValues(string(signalType)).Inc()
}

func (p *PrometheusCollector) SignalRefused(code string) {
	p.signalsRefused.WithLabelValues(code).Inc()
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)
