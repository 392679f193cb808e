package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_requests_total",
		Help: "Requests handled, by endpoint and status code",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fletcher_request_duration_seconds",
		Help:    "Time spent processing requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	inflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fletcher_inflight_requests",
		Help: "Kernel calls currently holding an admission slot",
	})

	attentionElements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_attention_output_elements_total",
		Help: "Total number of attention output values computed",
	})

	tableCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_positional_cache_hits_total",
		Help: "Positional tables served from cache",
	})

	tableCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_positional_cache_misses_total",
		Help: "Positional tables built on request",
	})

	cachedTables = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fletcher_positional_tables_cached",
		Help: "Positional tables currently held by the engine",
	})

	flightExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_flight_exchanges_total",
		Help: "Flight DoExchange records processed, by outcome",
	}, []string{"outcome"})
)
