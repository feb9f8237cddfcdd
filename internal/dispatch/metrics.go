package dispatch

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	once     sync.Once
	requests *prometheus.CounterVec
	ready    bool
}

func newMetrics() *metrics {
	m := &metrics{}
	m.once.Do(func() {
		m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "suburb",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Requests dispatched per site, type and status",
		}, []string{"site", "type", "status"})

		if err := prometheus.Register(m.requests); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					m.requests = existing
				}
			}
		}
		m.ready = true
	})
	return m
}

func (m *metrics) record(site, siteType string, status int) {
	if !m.ready {
		return
	}
	m.requests.With(prometheus.Labels{
		"site":   site,
		"type":   siteType,
		"status": strconv.Itoa(status),
	}).Inc()
}
