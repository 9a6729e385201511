package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks the settlement pipeline: sealed epochs, published
// commitments, claim outcomes, and abandoned publisher channels.
type LedgerMetrics struct {
	epochsSealed      prometheus.Counter
	epochsPublished   prometheus.Counter
	claimsTotal       *prometheus.CounterVec
	claimedAmount     *prometheus.CounterVec
	channelsAbandoned *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

// Ledger returns the process-wide ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			epochsSealed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "epochpay_epochs_sealed_total",
				Help: "Count of epoch windows frozen into allocation snapshots.",
			}),
			epochsPublished: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "epochpay_epochs_published_total",
				Help: "Count of epoch commitments accepted by the channel ledger.",
			}),
			claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "epochpay_claims_total",
				Help: "Count of claim attempts by outcome.",
			}, []string{"result"}),
			claimedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "epochpay_claimed_amount_total",
				Help: "Total amount paid out per channel.",
			}, []string{"channel"}),
			channelsAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "epochpay_channels_abandoned_total",
				Help: "Publisher channels abandoned after exhausting retries.",
			}, []string{"channel"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.epochsSealed,
			ledgerRegistry.epochsPublished,
			ledgerRegistry.claimsTotal,
			ledgerRegistry.claimedAmount,
			ledgerRegistry.channelsAbandoned,
		)
	})
	return ledgerRegistry
}

// ObserveSeal records one sealed epoch.
func (m *LedgerMetrics) ObserveSeal() {
	if m == nil {
		return
	}
	m.epochsSealed.Inc()
}

// ObservePublish records one accepted epoch commitment.
func (m *LedgerMetrics) ObservePublish() {
	if m == nil {
		return
	}
	m.epochsPublished.Inc()
}

// ObserveClaim records a claim attempt outcome ("paid", "already_claimed",
// "invalid_proof", ...).
func (m *LedgerMetrics) ObserveClaim(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.claimsTotal.WithLabelValues(result).Inc()
}

// ObservePayout accumulates the settled amount for a channel.
func (m *LedgerMetrics) ObservePayout(channel string, amount uint64) {
	if m == nil {
		return
	}
	m.claimedAmount.WithLabelValues(channel).Add(float64(amount))
}

// ObserveAbandoned records a channel abandoned by the publisher.
func (m *LedgerMetrics) ObserveAbandoned(channel string) {
	if m == nil {
		return
	}
	m.channelsAbandoned.WithLabelValues(channel).Inc()
}
