package httpapi

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

type apiMetrics struct {
	once           sync.Once
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	initialized    bool
}

func newAPIMetrics() *apiMetrics {
	m := &apiMetrics{}
	m.once.Do(func() {
		m.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "suburb",
			Subsystem: "admin",
			Name:      "http_requests_total",
			Help:      "Count of processed admin API requests",
		}, []string{"method", "route", "status"})

		m.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "suburb",
			Subsystem: "admin",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of admin API handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		m.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "suburb",
			Subsystem: "admin",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route"})

		collectors := []prometheus.Collector{m.requestTotal, m.requestLatency, m.rateLimitHits}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := already.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == m.requestTotal {
							m.requestTotal = v
						} else if collector == m.rateLimitHits {
							m.rateLimitHits = v
						}
					case *prometheus.HistogramVec:
						m.requestLatency = v
					}
				}
			}
		}
		m.initialized = true
	})
	return m
}

func (m *apiMetrics) recordRequest(method, route string, status int, duration time.Duration) {
	if !m.initialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *apiMetrics) recordRateLimitHit(route string) {
	if !m.initialized {
		return
	}
	m.rateLimitHits.With(prometheus.Labels{"route": route}).Inc()
}
