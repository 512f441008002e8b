// Package metrics exposes Prometheus counters for semaphore and drain
// activity, with an optional HTTP listener.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Set holds the counters for one process. A nil *Set is a no-op sink, so
// components can take metrics optionally.
type Set struct {
	registry *prometheus.Registry

	semaphoreAcquired prometheus.Counter
	semaphoreReleased prometheus.Counter
	semaphoreReaped   prometheus.Counter
	blocksProcessed   *prometheus.CounterVec
	drains            *prometheus.CounterVec
}

// NewSet registers the batchd counters on a fresh registry.
func NewSet() *Set {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Set{
		registry: registry,
		semaphoreAcquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchd_semaphore_acquired_total",
			Help: "Total number of semaphore permits acquired",
		}),
		semaphoreReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchd_semaphore_released_total",
			Help: "Total number of semaphore permits released by their owner",
		}),
		semaphoreReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchd_semaphore_reaped_total",
			Help: "Total number of orphaned permits reclaimed by the reaper",
		}),
		blocksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchd_blocks_processed_total",
			Help: "Total number of work units handed to the processor",
		}, []string{"result"}),
		drains: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchd_drains_total",
			Help: "Total number of completed drain runs",
		}, []string{"status"}),
	}
}

// SemaphoreAcquired counts one successful permit acquisition.
func (s *Set) SemaphoreAcquired() {
	if s != nil {
		s.semaphoreAcquired.Inc()
	}
}

// SemaphoreReleased counts one owner release.
func (s *Set) SemaphoreReleased() {
	if s != nil {
		s.semaphoreReleased.Inc()
	}
}

// SemaphoreReaped counts one orphan reclamation.
func (s *Set) SemaphoreReaped() {
	if s != nil {
		s.semaphoreReaped.Inc()
	}
}

// BlockProcessed counts one processor invocation with its result label.
func (s *Set) BlockProcessed(result string) {
	if s != nil {
		s.blocksProcessed.WithLabelValues(result).Inc()
	}
}

// DrainFinished counts one drain run with its terminal status.
func (s *Set) DrainFinished(status string) {
	if s != nil {
		s.drains.WithLabelValues(status).Inc()
	}
}

// Handler serves the registry in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (s *Set) Gather() ([]*dto.MetricFamily, error) {
	if s == nil {
		return nil, nil
	}
	families, err := s.registry.Gather()
	if err != nil {
		return nil, err
	}
	return families, nil
}

// Serve runs an HTTP listener for /metrics on addr until ctx is cancelled.
func (s *Set) Serve(ctx context.Context, addr string) error {
	if s == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
