// Copyright 2025 The swupdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus counters for the daemon's request
// lifecycle and an optional HTTP listener serving them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the daemon's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// RequestsTotal counts bus requests by operation and outcome
	// (accepted, busy, rejected).
	RequestsTotal *prometheus.CounterVec

	// CompletionsTotal counts child completions by operation and whether
	// the exit status was zero.
	CompletionsTotal *prometheus.CounterVec

	// CancellationsTotal counts cancel requests by mode (interrupt, kill).
	CancellationsTotal *prometheus.CounterVec

	// OutputBytesTotal counts bytes of child output relayed to the bus.
	OutputBytesTotal prometheus.Counter
}

// Request outcome label values.
const (
	OutcomeAccepted = "accepted"
	OutcomeBusy     = "busy"
	OutcomeRejected = "rejected"
)

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swupdd",
			Name:      "requests_total",
			Help:      "Bus requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swupdd",
			Name:      "completions_total",
			Help:      "Child completions by operation and success.",
		}, []string{"operation", "success"}),
		CancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swupdd",
			Name:      "cancellations_total",
			Help:      "Cancellation requests by signal mode.",
		}, []string{"mode"}),
		OutputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swupdd",
			Name:      "output_bytes_total",
			Help:      "Bytes of child output relayed as bus signals.",
		}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.CompletionsTotal,
		m.CancellationsTotal,
		m.OutputBytesTotal,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics listener until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
