// Package metrics registers the Prometheus metrics used by the proxy.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exchange-level counters and histograms.
var (
	// ExchangesTotal counts dispatched exchanges labelled by transport
	// ("http", "stdio") and outcome ("processed", "claimed", "throttled").
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devproxy_exchanges_total",
			Help: "Total number of exchanges dispatched through the plugin pipeline.",
		},
		[]string{"transport", "outcome"},
	)

	// DispatchDuration observes per-stage plugin dispatch latency in seconds.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devproxy_dispatch_duration_seconds",
			Help:    "Plugin dispatch duration per pipeline stage in seconds.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"stage"},
	)

	// PluginErrors counts handler faults isolated by the dispatcher,
	// labelled by plugin name and stage.
	PluginErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devproxy_plugin_errors_total",
			Help: "Total plugin handler faults caught by the dispatcher.",
		},
		[]string{"plugin", "stage"},
	)

	// DataReloads counts data file reload attempts labelled by plugin and
	// result ("ok", "invalid", "read_error").
	DataReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devproxy_data_reloads_total",
			Help: "Total plugin data file reload attempts.",
		},
		[]string{"plugin", "result"},
	)

	// ConfigRestarts counts hot-reload restarts triggered by config changes.
	ConfigRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "devproxy_config_restarts_total",
			Help: "Total coordinated restarts triggered by config file changes.",
		},
	)
)
