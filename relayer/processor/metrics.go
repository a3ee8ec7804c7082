package processor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusMetrics struct {
	Registry              *prometheus.Registry
	PacketObservedCounter *prometheus.CounterVec
	PacketRelayedCounter  *prometheus.CounterVec
	ClientUpdateCounter   *prometheus.CounterVec
	MisbehaviourCounter   *prometheus.CounterVec
	TxFailureError        *prometheus.CounterVec
	MalformedEventCounter *prometheus.CounterVec
	ClearPassCounter      *prometheus.CounterVec
	WorkersActive         *prometheus.GaugeVec
	WalletBalance         *prometheus.GaugeVec
	ClientExpiration      *prometheus.GaugeVec
}

func (m *PrometheusMetrics) AddPacketsObserved(chain, channel, port, eventType string, count int) {
	m.PacketObservedCounter.WithLabelValues(chain, channel, port, eventType).Add(float64(count))
}

func (m *PrometheusMetrics) IncPacketsRelayed(chain, channel, port, eventType string) {
	m.PacketRelayedCounter.WithLabelValues(chain, channel, port, eventType).Inc()
}

func (m *PrometheusMetrics) IncClientUpdate(chain, clientID string) {
	m.ClientUpdateCounter.WithLabelValues(chain, clientID).Inc()
}

func (m *PrometheusMetrics) IncMisbehaviour(chain, clientID string) {
	m.MisbehaviourCounter.WithLabelValues(chain, clientID).Inc()
}

func (m *PrometheusMetrics) IncTxFailure(chain, cause string) {
	m.TxFailureError.WithLabelValues(chain, cause).Inc()
}

func (m *PrometheusMetrics) IncMalformedEvent(chain string) {
	m.MalformedEventCounter.WithLabelValues(chain).Inc()
}

func (m *PrometheusMetrics) IncClearPass(chain, channel string) {
	m.ClearPassCounter.WithLabelValues(chain, channel).Inc()
}

func (m *PrometheusMetrics) SetWorkersActive(kind string, count float64) {
	m.WorkersActive.WithLabelValues(kind).Set(count)
}

func (m *PrometheusMetrics) SetWalletBalance(chain, address, denom string, balance float64) {
	m.WalletBalance.WithLabelValues(chain, address, denom).Set(balance)
}

func (m *PrometheusMetrics) SetClientExpiration(chain, clientID string, timeToExpiration time.Duration) {
	m.ClientExpiration.WithLabelValues(chain, clientID).Set(timeToExpiration.Seconds())
}

func NewPrometheusMetrics() *PrometheusMetrics {
	packetLabels := []string{"chain", "channel", "port", "type"}
	clientLabels := []string{"chain", "client_id"}
	txFailureLabels := []string{"chain", "cause"}
	chainLabels := []string{"chain"}
	clearLabels := []string{"chain", "channel"}
	workerLabels := []string{"kind"}
	walletLabels := []string{"chain", "address", "denom"}
	registry := prometheus.NewRegistry()
	registerer := promauto.With(registry)
	return &PrometheusMetrics{
		Registry: registry,
		PacketObservedCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "strait_observed_packets_total",
			Help: "The total number of observed packets",
		}, packetLabels),
		PacketRelayedCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "strait_relayed_packets_total",
			Help: "The total number of relayed packets",
		}, packetLabels),
		ClientUpdateCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "strait_client_updates_total",
			Help: "The total number of client updates submitted",
		}, clientLabels),
		MisbehaviourCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "strait_client_misbehaviour_total",
			Help: "The total number of client misbehaviour evidence submissions",
		}, clientLabels),
		TxFailureError: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "strait_tx_errors_total",
			Help: "The total number of tx failures broken up into categories. 'tx failure' is the catch-all category",
		}, txFailureLabels),
		MalformedEventCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "strait_malformed_events_total",
			Help: "The total number of chain events dropped as malformed",
		}, chainLabels),
		ClearPassCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "strait_clear_passes_total",
			Help: "The total number of packet clearing passes",
		}, clearLabels),
		WorkersActive: registerer.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strait_workers_active",
			Help: "The current number of live workers per kind",
		}, workerLabels),
		WalletBalance: registerer.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strait_wallet_balance",
			Help: "The current balance for the relayer's wallet",
		}, walletLabels),
		ClientExpiration: registerer.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strait_client_expiration_seconds",
			Help: "Seconds until the client expires",
		}, clientLabels),
	}
}
