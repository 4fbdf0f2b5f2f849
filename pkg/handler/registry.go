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

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// Common holds the fields shared by every handler configuration entry.
// Type specific option structs embed it so strict decoding accepts them.
type Common struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
}

// Spec is one entry of the handlers list in the configuration document.
type Spec struct {
	Common

	// Raw holds the complete entry so a constructor can decode its own options.
	Raw json.RawMessage `json:"-"`
}

func (s *Spec) UnmarshalJSON(b []byte) error {
	var c Common
	if err := json.Unmarshal(b, &c); err != nil {
		return err
	}
	s.Common = c
	s.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func (s Spec) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	return json.Marshal(s.Common)
}

// Decode strictly decodes the entry into a type specific options struct.
func (s Spec) Decode(into interface{}) error {
	raw := s.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(s.Common); err != nil {
			return err
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid %s handler for namespace %q: %w", s.Type, s.Namespace, err)
	}
	return nil
}

// Constructor builds a Handler from its configuration entry.
type Constructor func(ctx context.Context, spec Spec) (Handler, error)

// UnknownTypeError is returned for a configuration entry whose type has no
// registered constructor.
type UnknownTypeError struct {
	Type  string
	Known []string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown handler type %q (known types: %s)", e.Type, strings.Join(e.Known, ", "))
}

// Registry maps configuration type names to handler constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register binds typ to ctor. Registering the same type twice panics.
func (r *Registry) Register(typ string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, present := r.ctors[typ]; present {
		panic(fmt.Sprintf("handler type %q registered twice", typ))
	}
	r.ctors[typ] = ctor
}

// Has reports whether typ has a registered constructor.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[typ]
	return ok
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Check returns an *UnknownTypeError when typ is not registered.
func (r *Registry) Check(typ string) error {
	if r.Has(typ) {
		return nil
	}
	return &UnknownTypeError{Type: typ, Known: r.Types()}
}

// Build constructs the handler described by spec.
func (r *Registry) Build(ctx context.Context, spec Spec) (Handler, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTypeError{Type: spec.Type, Known: r.Types()}
	}
	return ctor(ctx, spec)
}

// BuildAll constructs every handler in order. On the first failure the
// handlers already built are closed and the failure is returned.
func (r *Registry) BuildAll(ctx context.Context, specs []Spec) ([]Handler, error) {
	handlers := make([]Handler, 0, len(specs))
	for i, spec := range specs {
		h, err := r.Build(ctx, spec)
		if err != nil {
			err = fmt.Errorf("building handler %d (%s on %q): %w", i, spec.Type, spec.Namespace, err)
			return nil, multierr.Append(err, CloseAll(handlers))
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}
