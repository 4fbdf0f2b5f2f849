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

// Package console implements the "print" handler, which writes every event to
// standard error for debugging the stream.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"knative.dev/eventing-socketio/pkg/handler"
)

// Type is the configuration type name of the console handler.
const Type = "print"

// Options are the configuration fields of a print handler.
type Options struct {
	handler.Common
}

// Handler writes "<sessionID> <payload>" lines to its output.
type Handler struct {
	handler.Base

	mu  sync.Mutex
	out io.Writer
}

var _ handler.Handler = (*Handler)(nil)

// New returns a console handler for namespace writing to out. A nil out
// writes to os.Stderr.
func New(namespace string, out io.Writer) *Handler {
	if out == nil {
		out = os.Stderr
	}
	return &Handler{Base: handler.NewBase(namespace), out: out}
}

// NewFromSpec is the handler.Constructor for Type.
func NewFromSpec(_ context.Context, spec handler.Spec) (handler.Handler, error) {
	var opts Options
	if err := spec.Decode(&opts); err != nil {
		return nil, err
	}
	return New(opts.Namespace, nil), nil
}

// OnEvent always succeeds; output errors are ignored.
func (h *Handler) OnEvent(_ context.Context, sessionID string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, _ = fmt.Fprintf(h.out, "%s %s\n", sessionID, payload)
	return nil
}
