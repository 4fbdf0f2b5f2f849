/*
Copyright 2026 The Knative Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package health serves the liveness and readiness probes of the relay.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	livenessURI  = "/health"
	readinessURI = "/readiness"
	metricsURI   = "/metrics"

	shutdownTimeout = 5 * time.Second
)

// WithLivenessCheck answers liveness probes with 200 and passes every other
// request to inner.
func WithLivenessCheck(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == livenessURI {
			w.WriteHeader(http.StatusOK)
			return
		}
		inner.ServeHTTP(w, r)
	})
}

// WithReadinessCheck answers readiness probes with 200 while ready reports
// true and 503 otherwise, and passes every other request to inner.
func WithReadinessCheck(inner http.Handler, ready func() bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == readinessURI {
			if ready() {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			return
		}
		inner.ServeHTTP(w, r)
	})
}

// Handler serves both probes; anything else is 404.
func Handler(ready func() bool) http.Handler {
	return WithLivenessCheck(WithReadinessCheck(http.NotFoundHandler(), ready))
}

// Server serves the probes, and optionally the metrics scrape endpoint, on a
// port until its context is done.
type Server struct {
	logger   *zap.Logger
	port     int
	ready    func() bool
	metrics  http.Handler
	listener net.Listener
}

func NewServer(logger *zap.Logger, port int, ready func() bool) *Server {
	return &Server{logger: logger, port: port, ready: ready}
}

// HandleMetrics serves h on /metrics. It must be called before Serve.
func (s *Server) HandleMetrics(h http.Handler) {
	s.metrics = h
}

func (s *Server) handler() http.Handler {
	if s.metrics == nil {
		return Handler(s.ready)
	}
	mux := http.NewServeMux()
	mux.Handle(metricsURI, s.metrics)
	return WithLivenessCheck(WithReadinessCheck(mux, s.ready))
}

// Addr returns the listening address once Listen has bound it.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the port. Port 0 binds an ephemeral port.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("health: listen on port %d: %w", s.port, err)
	}
	s.listener = l
	return nil
}

// Close releases the listener of a server that will not Serve.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Serve blocks until ctx is done, then shuts the server down. Listen must
// have been called.
func (s *Server) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listener.Addr().String(),
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Serving probes", zap.String("addr", server.Addr))

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		server.SetKeepAlivesEnabled(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		<-errChan
		return err
	case err := <-errChan:
		return err
	}
}
