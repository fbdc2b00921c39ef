// Package metrics exposes Prometheus collectors for the sync core.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "scamwatch"

// Metrics groups the collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Submissions      *prometheus.CounterVec
	SubmissionTime   *prometheus.HistogramVec
	Polls            *prometheus.CounterVec
	EntitiesAdded    *prometheus.CounterVec
	EntityCollisions prometheus.Counter

	registry *prometheus.Registry
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Engage/continue submissions by action and outcome.",
		}, []string{"action", "outcome"}),
		SubmissionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "Round-trip time of engage/continue calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		}, []string{"action"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_polls_total",
			Help:      "Transcript refreshes by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		EntitiesAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_added_total",
			Help:      "Novel intelligence entities accumulated, by type.",
		}, []string{"type"}),
		EntityCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_value_collisions_total",
			Help:      "Entities dropped because another type already holds the same value.",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.Submissions, m.SubmissionTime, m.Polls, m.EntitiesAdded, m.EntityCollisions)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveSubmission records one engage/continue round trip.
func (m *Metrics) ObserveSubmission(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(action, outcome).Inc()
	m.SubmissionTime.WithLabelValues(action).Observe(elapsed.Seconds())
}

// ObservePoll records one transcript refresh.
func (m *Metrics) ObservePoll(trigger string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Polls.WithLabelValues(trigger, outcome).Inc()
}

// ObserveEntities records merged entities.
func (m *Metrics) ObserveEntities(addedTypes []string, collisions int) {
	if m == nil {
		return
	}
	for _, t := range addedTypes {
		m.EntitiesAdded.WithLabelValues(t).Inc()
	}
	if collisions > 0 {
		m.EntityCollisions.Add(float64(collisions))
	}
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if m == nil {
		return errors.New("metrics disabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
