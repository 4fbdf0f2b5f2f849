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

// Package fanout provides a handler.Handler that takes in one event and fans it
// out to N sibling handlers, all bound to the same namespace. Logically, it
// represents every sink configured for a single namespace.
// It will normally be registered with a relay.Relay, which holds one
// FanoutEventHandler per namespace.
package fanout

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"knative.dev/eventing-socketio/pkg/handler"
)

// NamespaceMismatchError is returned when the siblings of a fanout do not
// share exactly one namespace.
type NamespaceMismatchError struct {
	// Namespaces holds the distinct namespaces found, sorted.
	Namespaces []string
}

func (e *NamespaceMismatchError) Error() string {
	if len(e.Namespaces) == 0 {
		return "non-singular namespaces: no handlers"
	}
	return fmt.Sprintf("non-singular namespaces: %s", strings.Join(e.Namespaces, ", "))
}

// FanoutEventHandler is a handler.Handler that dispatches each event to all
// of its siblings concurrently and waits for every one of them.
type FanoutEventHandler struct {
	handler.Base

	logger   *zap.Logger
	handlers []handler.Handler
}

var (
	_ handler.Handler = (*FanoutEventHandler)(nil)
	_ io.Closer       = (*FanoutEventHandler)(nil)
)

// NewFanoutEventHandler creates a FanoutEventHandler over handlers, which must
// all report the same namespace.
func NewFanoutEventHandler(logger *zap.Logger, handlers ...handler.Handler) (*FanoutEventHandler, error) {
	seen := make(map[string]struct{}, 1)
	for _, h := range handlers {
		seen[h.Namespace()] = struct{}{}
	}
	if len(seen) != 1 {
		namespaces := make([]string, 0, len(seen))
		for ns := range seen {
			namespaces = append(namespaces, ns)
		}
		sort.Strings(namespaces)
		return nil, &NamespaceMismatchError{Namespaces: namespaces}
	}

	hs := make([]handler.Handler, len(handlers))
	copy(hs, handlers)
	namespace := hs[0].Namespace()
	return &FanoutEventHandler{
		Base:     handler.NewBase(namespace),
		logger:   logger.With(zap.String("namespace", namespace)),
		handlers: hs,
	}, nil
}

// Handlers returns a copy of the siblings in configuration order.
func (f *FanoutEventHandler) Handlers() []handler.Handler {
	ret := make([]handler.Handler, len(f.handlers))
	copy(ret, f.handlers)
	return ret
}

// OnEvent takes the event and fans it out to each sibling. If every sibling
// returns successfully, then return nil. Else, return the combined errors of
// all failed siblings. A failing sibling never cancels the others.
func (f *FanoutEventHandler) OnEvent(ctx context.Context, sessionID string, payload []byte) error {
	errorCh := make(chan error, len(f.handlers))
	for i, h := range f.handlers {
		go func(i int, h handler.Handler) {
			errorCh <- f.makeFanoutCall(ctx, i, h, sessionID, payload)
		}(i, h)
	}

	var result error
	for range f.handlers {
		if err := <-errorCh; err != nil {
			f.logger.Error("Fanout had an error", zap.String("sessionID", sessionID), zap.Error(err))
			result = multierr.Append(result, err)
		}
	}
	return result
}

// makeFanoutCall invokes exactly one sibling, turning a panic into an error so
// the join above always completes.
func (f *FanoutEventHandler) makeFanoutCall(ctx context.Context, i int, h handler.Handler, sessionID string, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %d (%T) panicked: %v", i, h, r)
		}
	}()
	if err := h.OnEvent(ctx, sessionID, payload); err != nil {
		return fmt.Errorf("handler %d (%T): %w", i, h, err)
	}
	return nil
}

// Close closes every sibling that holds resources.
func (f *FanoutEventHandler) Close() error {
	return handler.CloseAll(f.handlers)
}

// Group wraps handlers into one FanoutEventHandler per namespace, in the order
// in which each namespace first appears.
func Group(logger *zap.Logger, handlers []handler.Handler) ([]*FanoutEventHandler, error) {
	var order []string
	byNamespace := make(map[string][]handler.Handler)
	for _, h := range handlers {
		ns := h.Namespace()
		if _, present := byNamespace[ns]; !present {
			order = append(order, ns)
		}
		byNamespace[ns] = append(byNamespace[ns], h)
	}

	grouped := make([]*FanoutEventHandler, 0, len(order))
	for _, ns := range order {
		f, err := NewFanoutEventHandler(logger, byNamespace[ns]...)
		if err != nil {
			return nil, err
		}
		grouped = append(grouped, f)
	}
	return grouped, nil
}
