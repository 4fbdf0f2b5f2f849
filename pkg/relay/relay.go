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

// Package relay routes events received from an event source to the handler
// registered for their namespace. It is made up of a map, map[namespace]Handler,
// built once at construction; each inbound delivery is looked up by namespace
// and handed to the single handler for it, usually a fanout.FanoutEventHandler
// wrapping every sink configured for that namespace.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"knative.dev/eventing-socketio/pkg/handler"
	"knative.dev/eventing-socketio/pkg/metrics"
)

var (
	// ErrAlreadyConnected is returned by a second call to Connect.
	ErrAlreadyConnected = errors.New("relay is already connected")

	// ErrClosed is returned by Connect after Disconnect.
	ErrClosed = errors.New("relay is disconnected")
)

// DuplicateNamespaceError is returned when two handlers declare the same namespace.
type DuplicateNamespaceError struct {
	Namespace string
}

func (e *DuplicateNamespaceError) Error() string {
	return fmt.Sprintf("repeated namespace in handlers: %q", e.Namespace)
}

// Source is the event source connection the relay subscribes through.
type Source interface {
	// OnAny binds fn to every event delivered on namespace. It is called
	// before Connect.
	OnAny(namespace string, fn func(ctx context.Context, sessionID string, payload []byte) error)
	Connect(ctx context.Context, url string) error
	Close() error
	// Connected reports whether the source currently holds a live connection.
	Connected() bool
	// Done is closed once the source has stopped for good.
	Done() <-chan struct{}
}

// Option customizes a Relay.
type Option func(*Relay)

// WithStatsReporter sets the metrics reporter used for every dispatch.
func WithStatsReporter(reporter metrics.StatsReporter) Option {
	return func(r *Relay) {
		r.reporter = reporter
	}
}

type state int

const (
	stateNew state = iota
	stateConnected
	stateClosed
)

// Relay owns the event source connection and the namespace to handler registry.
type Relay struct {
	logger   *zap.Logger
	source   Source
	reporter metrics.StatsReporter

	// handlers is never mutated after New, so dispatch reads it without locking.
	handlers   map[string]handler.Handler
	namespaces []string

	mu    sync.Mutex
	state state
}

// New creates a Relay over handlers, one per namespace.
func New(logger *zap.Logger, source Source, handlers []handler.Handler, opts ...Option) (*Relay, error) {
	r := &Relay{
		logger:   logger,
		source:   source,
		reporter: metrics.NopReporter(),
		handlers: make(map[string]handler.Handler, len(handlers)),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, h := range handlers {
		ns := h.Namespace()
		if _, present := r.handlers[ns]; present {
			logger.Error("Duplicate namespace", zap.String("namespace", ns))
			return nil, &DuplicateNamespaceError{Namespace: ns}
		}
		r.handlers[ns] = h
		r.namespaces = append(r.namespaces, ns)
	}
	return r, nil
}

// Namespaces returns the registered namespaces in registration order.
func (r *Relay) Namespaces() []string {
	ret := make([]string, len(r.namespaces))
	copy(ret, r.namespaces)
	return ret
}

// Handler returns the handler registered for namespace, or nil.
func (r *Relay) Handler(namespace string) handler.Handler {
	return r.handlers[namespace]
}

// Connect subscribes every registered namespace on the source and connects it
// to url. A failure here leaves the relay unusable.
func (r *Relay) Connect(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateConnected:
		return ErrAlreadyConnected
	case stateClosed:
		return ErrClosed
	}

	for _, ns := range r.namespaces {
		ns := ns
		r.source.OnAny(ns, func(ctx context.Context, sessionID string, payload []byte) error {
			return r.Dispatch(ctx, ns, sessionID, payload)
		})
	}

	r.logger.Info("Connecting to event source", zap.String("url", url), zap.Strings("namespaces", r.namespaces))
	if err := r.source.Connect(ctx, url); err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	r.state = stateConnected
	return nil
}

// Disconnect tears down the source connection and then closes the handlers,
// flushing any writes they still hold. Calling it more than once is a no-op.
func (r *Relay) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateClosed {
		return nil
	}
	var err error
	if r.state == stateConnected {
		err = r.source.Close()
	}
	r.state = stateClosed

	handlers := make([]handler.Handler, 0, len(r.namespaces))
	for _, ns := range r.namespaces {
		handlers = append(handlers, r.handlers[ns])
	}
	err = multierr.Append(err, handler.CloseAll(handlers))
	r.logger.Info("Disconnected from event source")
	return err
}

// Ready reports whether the relay is connected to its event source.
func (r *Relay) Ready() bool {
	r.mu.Lock()
	connected := r.state == stateConnected
	r.mu.Unlock()
	return connected && r.source.Connected()
}

// Done is closed once the event source has stopped for good.
func (r *Relay) Done() <-chan struct{} {
	return r.source.Done()
}

// Dispatch delegates the event to the handler registered for namespace.
// Events on namespaces without a handler are dropped. Handler failures are
// logged and returned but never propagate further than the caller's event loop.
func (r *Relay) Dispatch(ctx context.Context, namespace, sessionID string, payload []byte) (err error) {
	args := &metrics.ReportArgs{Namespace: namespace, EventName: sessionID}

	h := r.handlers[namespace]
	if h == nil {
		r.logger.Info("Unable to find a handler for event", zap.String("namespace", namespace), zap.String("sessionID", sessionID))
		_ = r.reporter.ReportEventCount(args, metrics.ResultUnrouted)
		return nil
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for namespace %q panicked: %v", namespace, p)
		}
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
			r.logger.Error("Failed to handle event",
				zap.String("namespace", namespace),
				zap.String("sessionID", sessionID),
				zap.Error(err))
		}
		_ = r.reporter.ReportEventDispatchTime(args, result, time.Since(start))
		_ = r.reporter.ReportEventCount(args, result)
	}()
	return h.OnEvent(ctx, sessionID, payload)
}
