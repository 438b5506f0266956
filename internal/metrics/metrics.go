// Package metrics records per-run Prometheus metrics and pushes them to a Pushgateway.
//
// A collection run is a short-lived process, so nothing is scraped: the
// registry is private and flushed with Push at the end of each invocation.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "github_stars_tracker"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder holds the metrics of one process. A nil *Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry

	runs               *prometheus.CounterVec
	runDuration        prometheus.Gauge
	repositoriesRanked prometheus.Gauge
	activityRows       prometheus.Gauge
	commitsFetched     prometheus.Counter
	apiRequests        prometheus.Counter
	rateRemaining      prometheus.Gauge
}

// NewRecorder registers all metrics on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Collection runs by outcome.",
		}, []string{"outcome"}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last collection run.",
		}),
		repositoriesRanked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "repositories_ranked",
			Help:      "Repositories in the last persisted leaderboard.",
		}),
		activityRows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "activity_rows_written",
			Help:      "Daily activity rows appended by the last run.",
		}),
		commitsFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_fetched_total",
			Help:      "Raw commits fetched from the API.",
		}),
		apiRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "REST requests sent to the API.",
		}),
		rateRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_rate_remaining",
			Help:      "Remaining API budget reported before activity fan-out.",
		}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveRun(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(outcome).Inc()
	r.runDuration.Set(d.Seconds())
}

func (r *Recorder) SetRepositoriesRanked(n int) {
	if r == nil {
		return
	}
	r.repositoriesRanked.Set(float64(n))
}

func (r *Recorder) SetActivityRows(n int) {
	if r == nil {
		return
	}
	r.activityRows.Set(float64(n))
}

func (r *Recorder) AddCommitsFetched(n int) {
	if r == nil {
		return
	}
	r.commitsFetched.Add(float64(n))
}

// IncAPIRequests is safe for concurrent use by fetch tasks.
func (r *Recorder) IncAPIRequests() {
	if r == nil {
		return
	}
	r.apiRequests.Inc()
}

func (r *Recorder) SetRateRemaining(n int) {
	if r == nil {
		return
	}
	r.rateRemaining.Set(float64(n))
}

// Push sends every metric to the Pushgateway at url, grouped under job.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if r == nil {
		return nil
	}
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
