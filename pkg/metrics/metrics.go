// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/cdp/pkg/cdp"
)

// Metrics counts engine activity. It implements cdp.EventSink so it
// can be wired straight into the engine, usually fanned out alongside
// the websocket and NATS sinks.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	deposits     prometheus.Counter
	mints        prometheus.Counter
	burns        prometheus.Counter
	redemptions  prometheus.Counter
	liquidations prometheus.Counter
}

// New creates a registry with the engine counters registered.
func New(namespace string, logger log.Logger) (*Metrics, error) {
	if logger == nil {
		logger = log.Root().New("module", "metrics")
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Total number of collateral deposits",
		}),
		mints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mints_total",
			Help:      "Total number of stable unit mints",
		}),
		burns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burns_total",
			Help:      "Total number of debt burns",
		}),
		redemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collateral_moves_total",
			Help:      "Total number of collateral redemptions and seizures",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total number of completed liquidations",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.deposits, m.mints, m.burns, m.redemptions, m.liquidations,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Publish implements cdp.EventSink.
func (m *Metrics) Publish(ev cdp.Event) {
	switch ev.Type {
	case cdp.EventCollateralDeposited:
		m.deposits.Inc()
	case cdp.EventDebtMinted:
		m.mints.Inc()
	case cdp.EventDebtBurned:
		m.burns.Inc()
	case cdp.EventCollateralMoved:
		m.redemptions.Inc()
	case cdp.EventLiquidation:
		m.liquidations.Inc()
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
