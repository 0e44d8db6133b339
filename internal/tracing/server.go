// Copyright 2025 Tom Barlow
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

package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bifrosthq/bifrost/internal/log"
)

// MetricsServer serves the Prometheus metrics and health endpoints on a
// dedicated listen address, separate from any application transport.
type MetricsServer struct {
	srv    *http.Server
	logger *slog.Logger

	mu   sync.Mutex
	addr string
}

// NewMetricsServer creates a server exposing the given metrics handler at
// /metrics and a liveness probe at /healthz.
func NewMetricsServer(addr string, metrics http.Handler, logger *slog.Logger) *MetricsServer {
	if addr == "" {
		addr = DefaultMetricsAddr
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.WithComponent(logger, "metrics"),
		addr:   addr,
	}
}

// Handler returns the underlying mux, allowing the endpoints to be mounted
// on an existing server instead of a dedicated listener.
func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

// Addr returns the configured listen address, or the bound address once
// Start has opened the listener. This matters when listening on port 0.
func (s *MetricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start opens the listener and serves until Shutdown is called. It blocks,
// so callers typically run it in a goroutine. A closed server returns nil.
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Info("metrics listener started", "addr", ln.Addr().String())

	if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, waiting for in-flight scrapes to finish.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.logger.Info("metrics listener stopped")
	return err
}
