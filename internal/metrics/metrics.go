// Package metrics exposes engine outcomes as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

const namespace = "metafield"

var _ engine.Recorder = (*Recorder)(nil)

// Recorder implements engine.Recorder on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	commits     *prometheus.CounterVec
	suppressed  *prometheus.CounterVec
	proposals   *prometheus.CounterVec
	superseded  prometheus.Counter
	resolutions *prometheus.CounterVec
	conflicts   prometheus.Counter
	rescores    *prometheus.CounterVec
	scores      *prometheus.CounterVec
}

// New registers the engine collectors plus the Go and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "value_commits_total",
			Help:      "Authoritative value writes by field and provenance.",
		}, []string{"field", "provenance"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_suppressed_total",
			Help:      "Automatic writes dropped because a human value is authoritative.",
		}, []string{"field"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_proposed_total",
			Help:      "Pending changes proposed by source.",
		}, []string{"source"}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_superseded_total",
			Help:      "Pending changes replaced by a newer proposal.",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_resolved_total",
			Help:      "Pending changes approved or rejected.",
		}, []string{"status"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_conflicts_total",
			Help:      "Approve or reject calls on a change another actor already resolved.",
		}),
		rescores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rescore_requests_total",
			Help:      "Manual rescore requests by acknowledgement.",
		}, []string{"status"}),
		scores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_outcomes_total",
			Help:      "Compliance recomputation outcomes.",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.commits, r.suppressed, r.proposals, r.superseded,
		r.resolutions, r.conflicts, r.rescores, r.scores,
	)
	return r
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ValueCommitted(fieldID string, provenance types.Provenance) {
	r.commits.WithLabelValues(fieldID, string(provenance)).Inc()
}

func (r *Recorder) AutomationSuppressed(fieldID string) {
	r.suppressed.WithLabelValues(fieldID).Inc()
}

func (r *Recorder) ChangeProposed(source types.ChangeSource, superseded int) {
	r.proposals.WithLabelValues(string(source)).Inc()
	r.superseded.Add(float64(superseded))
}

func (r *Recorder) ChangeResolved(status types.ChangeStatus) {
	r.resolutions.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) ResolveConflict() { r.conflicts.Inc() }

func (r *Recorder) RescoreRequested(status types.RescoreStatus) {
	r.rescores.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) ScoreOutcome(outcome engine.ScoreOutcome) {
	r.scores.WithLabelValues(string(outcome)).Inc()
}
