package txcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txcache_hits_total",
		Help: "Total number of transactions served from the cache",
	})

	metricMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txcache_misses_total",
		Help: "Total number of transactions that found no usable entry",
	})

	metricValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txcache_validations_total",
		Help: "Total number of conditional requests sent upstream",
	}, []string{"result"}) // "not-modified", "modified"

	metricNetworkFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txcache_network_fetches_total",
		Help: "Total number of requests forwarded to the network",
	})

	metricDoomedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txcache_doomed_entries_total",
		Help: "Total number of cache entries doomed",
	})
)
