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

// Package handler defines the contract every event handler of the relay
// implements, together with the registry that builds handlers from their
// configuration entries.
package handler

import (
	"context"
	"errors"
	"io"

	"go.uber.org/multierr"
)

// ErrUnimplemented is returned by handlers that carry a namespace but no
// behaviour of their own, such as a bare Base.
var ErrUnimplemented = errors.New("handler: OnEvent not implemented")

// Handler consumes the events delivered on a single namespace.
//
// OnEvent is invoked once per event with the session identifier and raw
// payload received from the event source. Implementations must be safe for
// concurrent use.
type Handler interface {
	Namespace() string
	OnEvent(ctx context.Context, sessionID string, payload []byte) error
}

// Base carries the namespace of a handler. Concrete handlers embed it and
// override OnEvent.
type Base struct {
	namespace string
}

var _ Handler = Base{}

func NewBase(namespace string) Base {
	return Base{namespace: namespace}
}

func (b Base) Namespace() string {
	return b.namespace
}

func (b Base) OnEvent(context.Context, string, []byte) error {
	return ErrUnimplemented
}

// Func adapts an ordinary function to a Handler bound to namespace.
type Func struct {
	Base
	fn func(ctx context.Context, sessionID string, payload []byte) error
}

func NewFunc(namespace string, fn func(ctx context.Context, sessionID string, payload []byte) error) *Func {
	return &Func{Base: NewBase(namespace), fn: fn}
}

func (f *Func) OnEvent(ctx context.Context, sessionID string, payload []byte) error {
	return f.fn(ctx, sessionID, payload)
}

// CloseAll closes every handler that implements io.Closer.
func CloseAll(handlers []Handler) error {
	var err error
	for _, h := range handlers {
		if c, ok := h.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
