// Package metrics exposes engine counters through a Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"actionline/internal/domain"
)

const (
	Executions = "engine_execution_total"
	Actions    = "engine_action_total"
	Budget     = "engine_budget_consumed_total"
	Duration   = "engine_execution_duration_seconds"
)

// Engine holds the execution counters. Each Engine owns its registry so
// tests and multiple servers in one process never collide.
type Engine struct {
	Registry   *prometheus.Registry
	executions *prometheus.CounterVec
	actions    *prometheus.CounterVec
	budget     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func New() *Engine {
	m := &Engine{
		Registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Executions,
			Help: "Executions by terminal status and error code.",
		}, []string{"status", "code"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Actions,
			Help: "Executions by action id.",
		}, []string{"action_id"}),
		budget: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: Budget,
			Help: "Budget units consumed by successful executions.",
		}, []string{"project_id"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    Duration,
			Help:    "Wall time spent executing intents.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"status"}),
	}
	m.Registry.MustRegister(m.executions, m.actions, m.budget, m.duration)
	return m
}

// Observe records one terminal result.
func (m *Engine) Observe(res domain.ExecutionResult) {
	code := ""
	if res.Error != nil {
		code = res.Error.Code
	}
	m.executions.WithLabelValues(string(res.Status), code).Inc()
	m.actions.WithLabelValues(res.ActionID).Inc()
	m.duration.WithLabelValues(string(res.Status)).Observe(res.DurationMS / 1000)
	if res.Succeeded() && res.Cost > 0 {
		m.budget.WithLabelValues(res.ProjectID).Add(res.Cost)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Engine) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
