// Package metrics exposes session lifecycle counters for prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hpcconnect"

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Session state transitions, by target state.",
	}, []string{"state"})
	pollAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_attempts_total",
		Help:      "Probe invocations issued by bounded wait loops, by phase.",
	}, []string{"phase"})
	pollTransient = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_transient_failures_total",
		Help:      "Probe failures absorbed and retried, by phase.",
	}, []string{"phase"})
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "phase_duration_seconds",
		Help:      "Wall time spent in each session phase.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"phase"})
	cleanupSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_steps_total",
		Help:      "Cleanup steps executed, by resource and result.",
	}, []string{"resource", "result"})
	sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Finished sessions, by outcome.",
	}, []string{"outcome"})
)

func RecordTransition(state string) {
	transitions.WithLabelValues(state).Inc()
}

func RecordPollAttempt(phase string) {
	pollAttempts.WithLabelValues(phase).Inc()
}

func RecordTransient(phase string) {
	pollTransient.WithLabelValues(phase).Inc()
}

func ObservePhase(phase string, d time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func RecordCleanup(resource, result string) {
	cleanupSteps.WithLabelValues(resource, result).Inc()
}

func RecordSession(outcome string) {
	sessions.WithLabelValues(outcome).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("metrics server", "addr", addr, "err", err)
		}
		return err
	}
}
