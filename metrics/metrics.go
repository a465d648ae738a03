// Package metrics exposes key server counters over a dedicated Prometheus
// listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// KeyServerMetrics are the counters updated by the key server handler. A nil
// *KeyServerMetrics is valid and records nothing.
type KeyServerMetrics struct {
	fetchRequests     *prometheus.CounterVec
	fetchDuration     prometheus.Histogram
	policyEvaluations *prometheus.CounterVec
	serviceRequests   prometheus.Counter
}

// NewKeyServerMetrics registers the key server collectors in reg.
func NewKeyServerMetrics(namespace string, reg prometheus.Registerer) *KeyServerMetrics {
	m := &KeyServerMetrics{
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_key_requests_total",
			Help:      "Fetch key requests by result code.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_key_duration_seconds",
			Help:      "Time to answer a fetch key request.",
			Buckets:   prometheus.DefBuckets,
		}),
		policyEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_evaluations_total",
			Help:      "Policy bridge evaluations by outcome.",
		}, []string{"outcome"}),
		serviceRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_requests_total",
			Help:      "Service info requests.",
		}),
	}
	reg.MustRegister(m.fetchRequests, m.fetchDuration, m.policyEvaluations, m.serviceRequests)
	return m
}

func (m *KeyServerMetrics) FetchKey(result string, started time.Time) {
	if m == nil {
		return
	}
	m.fetchRequests.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(time.Since(started).Seconds())
}

func (m *KeyServerMetrics) PolicyEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.policyEvaluations.WithLabelValues(outcome).Inc()
}

func (m *KeyServerMetrics) ServiceRequest() {
	if m == nil {
		return
	}
	m.serviceRequests.Inc()
}

// MetricsServer serves /metrics from its own registry.
type MetricsServer struct {
	srv      *http.Server
	registry *prometheus.Registry

	KeyServer *KeyServerMetrics
}

func New(namespace, listenAddr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace})); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		registry:  registry,
		KeyServer: NewKeyServerMetrics(namespace, registry),
	}, nil
}

func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
