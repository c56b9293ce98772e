// Package metrics exposes runtime counters to Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

const namespace = "klingnet_runtime"

var _ Metrics = (*metrics)(nil)

// Metrics records fee settlement and precompile activity.
type Metrics interface {
	// FeeWithdrawn records an amount taken from a payer before dispatch.
	FeeWithdrawn(amount types.Balance)
	// FeeSettled records the final split of a settled fee.
	FeeSettled(net, tip, refund types.Balance)
	// Converted records a stable-to-native top-up.
	Converted(stableIn types.Balance)
	// TxRejected counts transactions refused before dispatch, by reason code.
	TxRejected(reason string)
	// PrecompileCall counts router outcomes per precompile kind.
	PrecompileCall(kind, outcome string)
	// BlockFinalized updates the multiplier and fullness gauges.
	BlockFinalized(multiplier, fullness float64)
	// TaskScheduled and TaskDispatched track the deferred call queue.
	TaskScheduled()
	TaskDispatched()
}

type metrics struct {
	feesWithdrawn,
	feesCollected,
	tipsCollected,
	refunds,
	conversions,
	conversionVolume,
	tasksScheduled,
	tasksDispatched prometheus.Counter

	rejected        *prometheus.CounterVec
	precompileCalls *prometheus.CounterVec

	multiplier,
	fullness prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// New creates the runtime metrics and registers them with registerer.
func New(registerer prometheus.Registerer) (Metrics, error) {
	m := &metrics{
		feesWithdrawn:    newCounter("fees_withdrawn", "Native units withdrawn from payers before dispatch"),
		feesCollected:    newCounter("fees_collected", "Native units routed to the treasury after settlement"),
		tipsCollected:    newCounter("tips_collected", "Native units routed to block authors"),
		refunds:          newCounter("fee_refunds", "Native units refunded for unused weight"),
		conversions:      newCounter("fee_conversions", "Number of stable-to-native fee top-ups"),
		conversionVolume: newCounter("fee_conversion_volume", "Stable units swapped to pay fees"),
		tasksScheduled:   newCounter("tasks_scheduled", "Number of deferred calls scheduled"),
		tasksDispatched:  newCounter("tasks_dispatched", "Number of deferred calls dispatched"),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txs_rejected",
			Help:      "Transactions rejected before dispatch",
		}, []string{"reason"}),
		precompileCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precompile_calls",
			Help:      "Precompile router outcomes",
		}, []string{"kind", "outcome"}),
		multiplier: newGauge("fee_multiplier", "Current fee multiplier"),
		fullness:   newGauge("block_fullness", "Weight fullness of the last finalized block"),
	}

	err := errors.Join(
		registerer.Register(m.feesWithdrawn),
		registerer.Register(m.feesCollected),
		registerer.Register(m.tipsCollected),
		registerer.Register(m.refunds),
		registerer.Register(m.conversions),
		registerer.Register(m.conversionVolume),
		registerer.Register(m.tasksScheduled),
		registerer.Register(m.tasksDispatched),
		registerer.Register(m.rejected),
		registerer.Register(m.precompileCalls),
		registerer.Register(m.multiplier),
		registerer.Register(m.fullness),
	)
	return m, err
}

func (m *metrics) FeeWithdrawn(amount types.Balance) {
	m.feesWithdrawn.Add(float64(amount.Uint64()))
}

func (m *metrics) FeeSettled(net, tip, refund types.Balance) {
	m.feesCollected.Add(float64(net.Uint64()))
	m.tipsCollected.Add(float64(tip.Uint64()))
	m.refunds.Add(float64(refund.Uint64()))
}

func (m *metrics) Converted(stableIn types.Balance) {
	m.conversions.Inc()
	m.conversionVolume.Add(float64(stableIn.Uint64()))
}

func (m *metrics) TxRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *metrics) PrecompileCall(kind, outcome string) {
	m.precompileCalls.WithLabelValues(kind, outcome).Inc()
}

func (m *metrics) BlockFinalized(multiplier, fullness float64) {
	m.multiplier.Set(multiplier)
	m.fullness.Set(fullness)
}

func (m *metrics) TaskScheduled() {
	m.tasksScheduled.Inc()
}

func (m *metrics) TaskDispatched() {
	m.tasksDispatched.Inc()
}

// Noop returns a Metrics that records nothing.
func Noop() Metrics {
	return noop{}
}

type noop struct{}

func (noop) FeeWithdrawn(types.Balance) {}
func (noop) FeeSettled(_, _, _ types.Balance) {}
func (noop) Converted(types.Balance) {}
func (noop) TxRejected(string) {}
func (noop) PrecompileCall(_, _ string) {}
func (noop) BlockFinalized(_, _ float64) {}
func (noop) TaskScheduled() {}
func (noop) TaskDispatched() {}
