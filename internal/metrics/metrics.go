package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	RetriedJobs   prometheus.Counter
	SweptJobs     prometheus.Counter

	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	CatalogLookups   *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	RateLimited  *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "queue_enqueued_total",
				Help:      "Total image jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "queue_processed_total",
				Help:      "Total image jobs that reached completed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "queue_failed_total",
				Help:      "Total image jobs that reached failed",
			}),
			RetriedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "queue_retried_total",
				Help:      "Total image jobs re-enqueued after an infrastructure error",
			}),
			SweptJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "jobs_swept_total",
				Help:      "Total stale processing jobs failed by the sweep",
			}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "provider_requests_total",
				Help:      "Upstream provider calls by outcome",
			}, []string{"provider", "capability", "outcome"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pocketllm",
				Name:      "provider_request_duration_seconds",
				Help:      "Upstream provider call latency",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
			}, []string{"provider", "capability"}),
			CatalogLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "model_catalog_lookups_total",
				Help:      "Model catalog cache lookups",
			}, []string{"result"}),
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "http_requests_total",
				Help:      "HTTP requests served",
			}, []string{"method", "route", "status"}),
			HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pocketllm",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route"}),
			RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by a rate limiter",
			}, []string{"scope"}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.RetriedJobs,
			global.SweptJobs,
			global.ProviderRequests,
			global.ProviderLatency,
			global.CatalogLookups,
			global.HTTPRequests,
			global.HTTPDuration,
			global.RateLimited,
		)
	})
	return global
}
