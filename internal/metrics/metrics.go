package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ObservationsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqfusion_observations_ingested_total",
			Help: "Observations stored per source",
		},
		[]string{"source"},
	)

	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqfusion_records_dropped_total",
			Help: "Feed records rejected during normalization",
		},
		[]string{"source", "reason"},
	)

	FeedFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqfusion_feed_fetches_total",
			Help: "Feed fetches by outcome (completed, partial, failed)",
		},
		[]string{"source", "status"},
	)

	FeedFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aqfusion_feed_fetch_duration_seconds",
			Help:    "Feed fetch duration including retries",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	FusionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aqfusion_fusion_duration_seconds",
			Help:    "Time to align and fuse one pollutant at one point",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	FusionInputs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aqfusion_fusion_inputs",
			Help:    "Observations contributing to a fused estimate",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	ForecastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aqfusion_forecast_duration_seconds",
			Help:    "Time to build one forecast series",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqfusion_cache_hits_total",
			Help: "Cache hits by payload kind and tier",
		},
		[]string{"kind", "tier"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqfusion_cache_misses_total",
			Help: "Cache misses that triggered a computation",
		},
		[]string{"kind"},
	)

	CacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqfusion_cache_invalidations_total",
			Help: "Cache entries removed before expiry",
		},
		[]string{"kind"},
	)

	ThresholdEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqfusion_threshold_events_total",
			Help: "AQI threshold crossings",
		},
		[]string{"pollutant", "direction"},
	)

	SinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqfusion_event_sink_failures_total",
			Help: "Threshold events a sink failed to deliver",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(ObservationsIngested)
	prometheus.MustRegister(RecordsDropped)
	prometheus.MustRegister(FeedFetches)
	prometheus.MustRegister(FeedFetchDuration)
	prometheus.MustRegister(FusionDuration)
	prometheus.MustRegister(FusionInputs)
	prometheus.MustRegister(ForecastDuration)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheInvalidations)
	prometheus.MustRegister(ThresholdEvents)
	prometheus.MustRegister(SinkFailures)
}

// Handler exposes the default registry on a fiber route.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
