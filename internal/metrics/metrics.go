// Package metrics exposes prometheus collectors for state-machine
// transition counts. The AM only ever exposes these on a /metrics
// endpoint (see Handler) — shipping them to any external sink stays a
// non-goal per spec.md §1.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Containers counts container state-machine transitions.
type Containers struct {
	Allocated prometheus.Counter
	Launching prometheus.Counter
	Idle      prometheus.Counter
	Running   prometheus.Counter
	Completed prometheus.Counter
}

// Attempts counts task-attempt terminal outcomes.
type Attempts struct {
	Succeeded prometheus.Counter
	Failed    prometheus.Counter
	Killed    prometheus.Counter
	Retried   prometheus.Counter
}

// Tasks counts task terminal outcomes.
type Tasks struct {
	Succeeded prometheus.Counter
	Failed    prometheus.Counter
}

// Vertices counts vertex terminal outcomes.
type Vertices struct {
	Succeeded prometheus.Counter
	Failed    prometheus.Counter
}

// Registry bundles every collector the AM registers, constructed once
// at startup and threaded through to each state machine.
type Registry struct {
	reg        *prometheus.Registry
	Containers *Containers
	Attempts   *Attempts
	Tasks      *Tasks
	Vertices   *Vertices
	DagsTotal  *prometheus.CounterVec
}

// NewRegistry constructs and registers every collector.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		Containers: &Containers{
			Allocated: factory.NewCounter(prometheus.CounterOpts{Name: "am_container_allocated_total"}),
			Launching: factory.NewCounter(prometheus.CounterOpts{Name: "am_container_launching_total"}),
			Idle:      factory.NewCounter(prometheus.CounterOpts{Name: "am_container_idle_total"}),
			Running:   factory.NewCounter(prometheus.CounterOpts{Name: "am_container_running_total"}),
			Completed: factory.NewCounter(prometheus.CounterOpts{Name: "am_container_completed_total"}),
		},
		Attempts: &Attempts{
			Succeeded: factory.NewCounter(prometheus.CounterOpts{Name: "am_attempt_succeeded_total"}),
			Failed:    factory.NewCounter(prometheus.CounterOpts{Name: "am_attempt_failed_total"}),
			Killed:    factory.NewCounter(prometheus.CounterOpts{Name: "am_attempt_killed_total"}),
			Retried:   factory.NewCounter(prometheus.CounterOpts{Name: "am_attempt_retried_total"}),
		},
		Tasks: &Tasks{
			Succeeded: factory.NewCounter(prometheus.CounterOpts{Name: "am_task_succeeded_total"}),
			Failed:    factory.NewCounter(prometheus.CounterOpts{Name: "am_task_failed_total"}),
		},
		Vertices: &Vertices{
			Succeeded: factory.NewCounter(prometheus.CounterOpts{Name: "am_vertex_succeeded_total"}),
			Failed:    factory.NewCounter(prometheus.CounterOpts{Name: "am_vertex_failed_total"}),
		},
		DagsTotal: factory.NewCounterVec(prometheus.CounterOpts{Name: "am_dag_total"}, []string{"status"}),
	}
	return r
}

// Handler returns the http.Handler to mount at the AM's metrics
// address (config.MetricsAddr).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
