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

package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"knative.dev/eventing-socketio/pkg/handler"
)

type recordingHandler struct {
	handler.Base
	calls   atomic.Int32
	err     error
	panics  bool
	mu      sync.Mutex
	gotSID  string
	gotData string
	closed  atomic.Bool
}

func (r *recordingHandler) OnEvent(_ context.Context, sessionID string, payload []byte) error {
	r.calls.Inc()
	r.mu.Lock()
	r.gotSID, r.gotData = sessionID, string(payload)
	r.mu.Unlock()
	if r.panics {
		panic("boom")
	}
	return r.err
}

func (r *recordingHandler) Close() error {
	r.closed.Store(true)
	return nil
}

func newRecording(namespace string) *recordingHandler {
	return &recordingHandler{Base: handler.NewBase(namespace)}
}

func TestNewFanoutEventHandler(t *testing.T) {
	testCases := map[string]struct {
		namespaces []string
		wantErr    []string
	}{
		"single handler": {
			namespaces: []string{"/a"},
		},
		"shared namespace": {
			namespaces: []string{"/a", "/a", "/a"},
		},
		"no handlers": {
			namespaces: nil,
			wantErr:    []string{},
		},
		"two namespaces": {
			namespaces: []string{"/b", "/a", "/b"},
			wantErr:    []string{"/a", "/b"},
		},
		"namespaces differ by case": {
			namespaces: []string{"/a", "/A"},
			wantErr:    []string{"/A", "/a"},
		},
	}
	for n, tc := range testCases {
		t.Run(n, func(t *testing.T) {
			hs := make([]handler.Handler, 0, len(tc.namespaces))
			for _, ns := range tc.namespaces {
				hs = append(hs, newRecording(ns))
			}
			f, err := NewFanoutEventHandler(zap.NewNop(), hs...)
			if tc.wantErr != nil {
				var mismatch *NamespaceMismatchError
				if !errors.As(err, &mismatch) {
					t.Fatalf("Expected *NamespaceMismatchError, Actual %v", err)
				}
				if diff := cmp.Diff(tc.wantErr, mismatch.Namespaces); diff != "" {
					t.Errorf("Unexpected namespaces (-want, +got): %s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if f.Namespace() != tc.namespaces[0] {
				t.Errorf("Unexpected namespace. Expected %q, Actual %q", tc.namespaces[0], f.Namespace())
			}
			if len(f.Handlers()) != len(tc.namespaces) {
				t.Errorf("Expected %d siblings, got %d", len(tc.namespaces), len(f.Handlers()))
			}
		})
	}
}

func TestFanoutEventHandler_OnEvent(t *testing.T) {
	testCases := map[string]struct {
		failing  []int
		panicing []int
		siblings int
		wantErrs int
	}{
		"all siblings succeed": {
			siblings: 3,
		},
		"one sibling fails": {
			siblings: 3,
			failing:  []int{1},
			wantErrs: 1,
		},
		"all siblings fail": {
			siblings: 4,
			failing:  []int{0, 1, 2, 3},
			wantErrs: 4,
		},
		"a panicking sibling is reported": {
			siblings: 2,
			panicing: []int{0},
			wantErrs: 1,
		},
	}
	for n, tc := range testCases {
		t.Run(n, func(t *testing.T) {
			recs := make([]*recordingHandler, tc.siblings)
			hs := make([]handler.Handler, tc.siblings)
			for i := range recs {
				recs[i] = newRecording("/telemetry")
				hs[i] = recs[i]
			}
			for _, i := range tc.failing {
				recs[i].err = errors.New("sink unavailable")
			}
			for _, i := range tc.panicing {
				recs[i].panics = true
			}

			f, err := NewFanoutEventHandler(zap.NewNop(), hs...)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			err = f.OnEvent(context.Background(), "abc", []byte(`{"x":1}`))
			if got := len(multierr.Errors(err)); got != tc.wantErrs {
				t.Errorf("Unexpected number of errors. Expected %d, Actual %d (%v)", tc.wantErrs, got, err)
			}
			for i, r := range recs {
				if r.calls.Load() != 1 {
					t.Errorf("Sibling %d called %d times, expected once", i, r.calls.Load())
				}
				if r.gotSID != "abc" || r.gotData != `{"x":1}` {
					t.Errorf("Sibling %d got (%q, %q)", i, r.gotSID, r.gotData)
				}
			}
		})
	}
}

func TestFanoutEventHandler_SiblingsRunConcurrently(t *testing.T) {
	const siblings = 3
	var started sync.WaitGroup
	started.Add(siblings)
	allRunning := make(chan struct{})
	go func() {
		started.Wait()
		close(allRunning)
	}()

	hs := make([]handler.Handler, siblings)
	for i := range hs {
		hs[i] = handler.NewFunc("/ns", func(context.Context, string, []byte) error {
			started.Done()
			select {
			case <-allRunning:
				return nil
			case <-time.After(5 * time.Second):
				return errors.New("siblings were not running at the same time")
			}
		})
	}
	f, err := NewFanoutEventHandler(zap.NewNop(), hs...)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := f.OnEvent(context.Background(), "sid", nil); err != nil {
		t.Error(err)
	}
}

func TestFanoutEventHandler_WaitsForSlowSiblings(t *testing.T) {
	var slowDone atomic.Bool
	fast := handler.NewFunc("/ns", func(context.Context, string, []byte) error {
		return errors.New("fast failure")
	})
	slow := handler.NewFunc("/ns", func(context.Context, string, []byte) error {
		time.Sleep(50 * time.Millisecond)
		slowDone.Store(true)
		return nil
	})
	f, err := NewFanoutEventHandler(zap.NewNop(), fast, slow)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := f.OnEvent(context.Background(), "sid", nil); err == nil {
		t.Error("Expected the fast failure to be surfaced")
	}
	if !slowDone.Load() {
		t.Error("OnEvent returned before the slow sibling completed")
	}
}

func TestGroup(t *testing.T) {
	a1, b1, a2 := newRecording("/a"), newRecording("/b"), newRecording("/a")
	grouped, err := Group(zap.NewNop(), []handler.Handler{a1, b1, a2})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var namespaces []string
	for _, g := range grouped {
		namespaces = append(namespaces, g.Namespace())
	}
	if diff := cmp.Diff([]string{"/a", "/b"}, namespaces); diff != "" {
		t.Errorf("Unexpected grouping order (-want, +got): %s", diff)
	}
	if len(grouped[0].Handlers()) != 2 || len(grouped[1].Handlers()) != 1 {
		t.Errorf("Unexpected group sizes: %d, %d", len(grouped[0].Handlers()), len(grouped[1].Handlers()))
	}

	if err := grouped[0].Close(); err != nil {
		t.Errorf("Unexpected close error: %v", err)
	}
	if !a1.closed.Load() || !a2.closed.Load() || b1.closed.Load() {
		t.Error("Close did not reach exactly the siblings of the group")
	}
}
