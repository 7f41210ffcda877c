package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the connector's Prometheus collectors.
type Metrics struct {
	PacketsForwarded *prometheus.CounterVec
	ForwardDuration  *prometheus.HistogramVec
	PeersReady       prometheus.Gauge
	PeersTotal       prometheus.Gauge
	AccountCredit    *prometheus.GaugeVec
	AccountDebit     *prometheus.GaugeVec
	Reconnects       *prometheus.CounterVec
	LateResponses    *prometheus.CounterVec
	TelemetryDropped prometheus.CounterFunc
}

// NewMetrics registers all collectors on reg. The bus is polled for its drop
// counter.
func NewMetrics(reg prometheus.Registerer, bus *Bus) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PacketsForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_packets_forwarded_total",
				Help: "Packets handled by the forwarding plane, by outcome",
			},
			[]string{"result"}, // FULFILLED or REJECTED:<code>
		),
		ForwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "connector_forward_duration_seconds",
				Help:    "End-to-end duration of one forwarded packet",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		PeersReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connector_peers_ready",
			Help: "Peers with a READY transport",
		}),
		PeersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connector_peers_total",
			Help: "Configured peers",
		}),
		AccountCredit: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connector_account_credit",
				Help: "Credit balance per peer account",
			},
			[]string{"peer_id", "token_id"},
		),
		AccountDebit: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connector_account_debit",
				Help: "Debit balance per peer account",
			},
			[]string{"peer_id", "token_id"},
		),
		Reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_peer_reconnects_total",
				Help: "Reconnect attempts per peer",
			},
			[]string{"peer_id"},
		),
		LateResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_late_responses_total",
				Help: "Responses that arrived after their request deadline",
			},
			[]string{"peer_id"},
		),
		TelemetryDropped: factory.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "connector_telemetry_dropped_total",
				Help: "Telemetry events dropped on full buffers",
			},
			func() float64 { return float64(bus.Dropped()) },
		),
	}
}
