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

package influxdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"knative.dev/eventing-socketio/pkg/handler"
	"knative.dev/eventing-socketio/pkg/logging"
)

var receivedAt = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
}

func newTestHandler(t *testing.T, opts Options) (*Handler, *fakeWriter) {
	t.Helper()
	w := &fakeWriter{}
	if opts.Namespace == "" {
		opts.Namespace = "/telemetry"
	}
	return newHandler(zaptest.NewLogger(t), opts, w, func() time.Time { return receivedAt }), w
}

func tagsOf(p *write.Point) map[string]string {
	tags := map[string]string{}
	for _, tg := range p.TagList() {
		tags[tg.Key] = tg.Value
	}
	return tags
}

func fieldsOf(p *write.Point) map[string]interface{} {
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	return fields
}

func TestOnEventWritesPoint(t *testing.T) {
	h, w := newTestHandler(t, Options{Bucket: "b", Tags: map[string]string{"env": "test"}})

	err := h.OnEvent(context.Background(), "abc", []byte(`{"timestamp": 1700000000.123456, "data": {"x": 1}}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(w.points) != 1 {
		t.Fatalf("Expected 1 point, got %d", len(w.points))
	}
	p := w.points[0]
	if p.Name() != "abc" {
		t.Errorf("Unexpected measurement %q", p.Name())
	}
	if diff := cmp.Diff(map[string]string{"env": "test"}, tagsOf(p)); diff != "" {
		t.Errorf("Unexpected tags (-want, +got): %s", diff)
	}
	if diff := cmp.Diff(map[string]interface{}{"x": int64(1)}, fieldsOf(p)); diff != "" {
		t.Errorf("Unexpected fields (-want, +got): %s", diff)
	}
	if want := time.Unix(1700000000, 123456000); !p.Time().Equal(want) {
		t.Errorf("Unexpected time. Expected %v, Actual %v", want, p.Time())
	}
	if got := p.Time().UnixNano(); got != 1700000000123456000 {
		t.Errorf("Unexpected nanosecond timestamp %d", got)
	}
}

func TestPointFields(t *testing.T) {
	testCases := map[string]struct {
		opts    Options
		payload string
		want    map[string]interface{}
	}{
		"nested data is flattened": {
			payload: `{"timestamp": 1, "data": {"a": {"b": 1, "c": [2, 3.5]}, "ok": true, "state": "armed"}}`,
			want: map[string]interface{}{
				"a.b":   int64(1),
				"a.c.0": int64(2),
				"a.c.1": 3.5,
				"ok":    true,
				"state": "armed",
			},
		},
		"payload without data uses the top level": {
			payload: `{"timestamp": 1, "x": 1, "y": {"z": 2}}`,
			want:    map[string]interface{}{"x": int64(1), "y.z": int64(2)},
		},
		"null leaves are dropped": {
			payload: `{"data": {"x": null, "y": 1}}`,
			want:    map[string]interface{}{"y": int64(1)},
		},
		"numbers as float": {
			opts:    Options{NumbersAsFloat: true},
			payload: `{"data": {"x": 1, "y": 2.5}}`,
			want:    map[string]interface{}{"x": float64(1), "y": 2.5},
		},
		"large integers keep precision": {
			payload: `{"data": {"n": 9007199254740993}}`,
			want:    map[string]interface{}{"n": int64(9007199254740993)},
		},
	}
	for n, tc := range testCases {
		t.Run(n, func(t *testing.T) {
			h, w := newTestHandler(t, tc.opts)
			if err := h.OnEvent(context.Background(), "sid", []byte(tc.payload)); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.want, fieldsOf(w.points[0])); diff != "" {
				t.Errorf("Unexpected fields (-want, +got): %s", diff)
			}
		})
	}
}

func TestPointTimestamp(t *testing.T) {
	testCases := map[string]struct {
		policy  TimestampPolicy
		payload string
		want    time.Time
	}{
		"integer seconds": {
			payload: `{"timestamp": 1700000000, "data": {"x": 1}}`,
			want:    time.Unix(1700000000, 0),
		},
		"nanosecond fraction is exact": {
			payload: `{"timestamp": 1700000000.000000001, "data": {"x": 1}}`,
			want:    time.Unix(1700000000, 1),
		},
		"exponent notation": {
			payload: `{"timestamp": 1.7e9, "data": {"x": 1}}`,
			want:    time.Unix(1700000000, 0),
		},
		"rfc3339 string": {
			payload: `{"timestamp": "2024-01-02T03:04:05.5Z", "data": {"x": 1}}`,
			want:    time.Date(2024, 1, 2, 3, 4, 5, 500000000, time.UTC),
		},
		"missing timestamp falls back to receipt": {
			payload: `{"data": {"x": 1}}`,
			want:    receivedAt,
		},
		"receipt policy ignores the payload": {
			policy:  TimestampOnReceipt,
			payload: `{"timestamp": 1700000000, "data": {"x": 1}}`,
			want:    receivedAt,
		},
	}
	for n, tc := range testCases {
		t.Run(n, func(t *testing.T) {
			h, w := newTestHandler(t, Options{TimestampPolicy: tc.policy})
			if err := h.OnEvent(context.Background(), "sid", []byte(tc.payload)); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got := w.points[0].Time(); !got.Equal(tc.want) {
				t.Errorf("Unexpected time. Expected %v, Actual %v", tc.want, got)
			}
		})
	}
}

func TestOnEventRejectsMalformedPayloads(t *testing.T) {
	testCases := map[string]string{
		"not json":             `timestamp=1`,
		"truncated":            `{"data": {"x": 1}`,
		"array":                `[1, 2]`,
		"null":                 `null`,
		"trailing data":        `{"data": {"x": 1}} {}`,
		"data is not a map":    `{"data": [1]}`,
		"bad timestamp type":   `{"timestamp": true, "data": {"x": 1}}`,
		"bad timestamp string": `{"timestamp": "yesterday", "data": {"x": 1}}`,
		"nothing to write":     `{"timestamp": 1, "data": {}}`,
		"empty":                ``,
	}
	for n, payload := range testCases {
		t.Run(n, func(t *testing.T) {
			h, w := newTestHandler(t, Options{})
			err := h.OnEvent(context.Background(), "sid", []byte(payload))
			var perr *PayloadParseError
			if !errors.As(err, &perr) {
				t.Fatalf("Expected *PayloadParseError, Actual %v", err)
			}
			if len(w.points) != 0 {
				t.Errorf("Expected no points to be written, got %d", len(w.points))
			}
		})
	}
}

func TestMalformedPayloadThenValidPayload(t *testing.T) {
	h, w := newTestHandler(t, Options{})
	ctx := context.Background()

	if err := h.OnEvent(ctx, "sid", []byte("{not json")); err == nil {
		t.Fatal("Expected a parse failure")
	}
	if err := h.OnEvent(ctx, "sid", []byte(`{"timestamp": 1, "data": {"x": 1}}`)); err != nil {
		t.Fatalf("Expected the next valid event to be written, got %v", err)
	}
	if len(w.points) != 1 {
		t.Errorf("Expected 1 point, got %d", len(w.points))
	}
}

func TestPointsKeepSubmissionOrder(t *testing.T) {
	h, w := newTestHandler(t, Options{})
	for i, sid := range []string{"first", "second", "third"} {
		payload := []byte(`{"data": {"i": ` + string(rune('0'+i)) + `}}`)
		if err := h.OnEvent(context.Background(), sid, payload); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	var got []string
	for _, p := range w.points {
		got = append(got, p.Name())
	}
	if diff := cmp.Diff([]string{"first", "second", "third"}, got); diff != "" {
		t.Errorf("Unexpected order (-want, +got): %s", diff)
	}
}

func namesOf(w *fakeWriter) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.points))
	for _, p := range w.points {
		names = append(names, p.Name())
	}
	return names
}

func TestPointsFollowDeliveryOrder(t *testing.T) {
	h, w := newTestHandler(t, Options{})
	events := []struct {
		seq     uint64
		sid     string
		payload string
	}{
		{seq: 3, sid: "third", payload: `{"data": {"x": 3}}`},
		{seq: 2, sid: "second", payload: `{not json`},
		{seq: 4, sid: "fourth", payload: `{"data": {"x": 4}}`},
		{seq: 1, sid: "first", payload: `{"data": {"x": 1}}`},
	}
	for _, e := range events {
		ctx := handler.WithSequence(context.Background(), e.seq)
		err := h.OnEvent(ctx, e.sid, []byte(e.payload))
		var parseErr *PayloadParseError
		if e.sid == "second" {
			if !errors.As(err, &parseErr) {
				t.Fatalf("Expected PayloadParseError, Actual %v", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Unexpected error for %s: %v", e.sid, err)
		}
	}
	if diff := cmp.Diff([]string{"first", "third", "fourth"}, namesOf(w)); diff != "" {
		t.Errorf("Unexpected order (-want, +got): %s", diff)
	}
}

func TestConcurrentEventsKeepDeliveryOrder(t *testing.T) {
	h, w := newTestHandler(t, Options{})
	const n = 100
	want := make([]string, 0, n)
	var wg sync.WaitGroup
	for seq := uint64(1); seq <= n; seq++ {
		sid := fmt.Sprintf("event-%03d", seq)
		want = append(want, sid)
		wg.Add(1)
		go func(seq uint64, sid string) {
			defer wg.Done()
			ctx := handler.WithSequence(context.Background(), seq)
			if err := h.OnEvent(ctx, sid, []byte(`{"data": {"x": 1}}`)); err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		}(seq, sid)
	}
	wg.Wait()
	if diff := cmp.Diff(want, namesOf(w)); diff != "" {
		t.Errorf("Unexpected order (-want, +got): %s", diff)
	}
}

func TestCloseSubmitsParkedPoints(t *testing.T) {
	h, w := newTestHandler(t, Options{})
	// Position 1 never arrives.
	ctx := handler.WithSequence(context.Background(), 2)
	if err := h.OnEvent(ctx, "parked", []byte(`{"data": {"x": 1}}`)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := namesOf(w); len(got) != 0 {
		t.Fatalf("Point written ahead of its predecessor: %v", got)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"parked"}, namesOf(w)); diff != "" {
		t.Errorf("Unexpected points (-want, +got): %s", diff)
	}
}

func TestCloseFlushesAndRejects(t *testing.T) {
	h, w := newTestHandler(t, Options{})
	if err := h.Close(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	if w.flushed != 1 {
		t.Errorf("Expected one flush, got %d", w.flushed)
	}
	if err := h.OnEvent(context.Background(), "sid", []byte(`{"data": {"x": 1}}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, Actual %v", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	testCases := map[string]struct {
		opts    Options
		wantErr bool
	}{
		"complete":        {opts: Options{URL: "http://x", Org: "o", Bucket: "b"}},
		"missing url":     {opts: Options{Org: "o", Bucket: "b"}, wantErr: true},
		"missing org":     {opts: Options{URL: "http://x", Bucket: "b"}, wantErr: true},
		"missing bucket":  {opts: Options{URL: "http://x", Org: "o"}, wantErr: true},
		"unknown policy":  {opts: Options{URL: "http://x", Org: "o", Bucket: "b", TimestampPolicy: "server"}, wantErr: true},
		"receipt policy":  {opts: Options{URL: "http://x", Org: "o", Bucket: "b", TimestampPolicy: TimestampOnReceipt}},
		"payload policy": {opts: Options{URL: "http://x", Org: "o", Bucket: "b", TimestampPolicy: TimestampFromPayload}},
	}
	for n, tc := range testCases {
		t.Run(n, func(t *testing.T) {
			err := tc.opts.validate()
			if tc.wantErr != (err != nil) {
				t.Errorf("Unexpected validation result: %v", err)
			}
		})
	}
}

// fakeInflux serves the endpoints the client touches: ping, bucket lookup and write.
type fakeInflux struct {
	token  string
	writes chan string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/ping":
		w.WriteHeader(http.StatusNoContent)
	case r.Header.Get("Authorization") != "Token "+f.token:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"unauthorized access"}`))
	case r.URL.Path == "/api/v2/buckets":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"buckets":[{"id":"0123456789abcdef","orgID":"fedcba9876543210","name":"` + r.URL.Query().Get("name") + `","retentionRules":[]}]}`))
	case r.URL.Path == "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.writes <- r.URL.Query().Get("bucket") + " " + strings.TrimSpace(string(body))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestNewFromSpecAgainstServer(t *testing.T) {
	fake := &fakeInflux{token: "s3cr3t", writes: make(chan string, 10)}
	server := httptest.NewServer(fake)
	defer server.Close()

	ctx := logging.WithLogger(context.Background(), zaptest.NewLogger(t))
	spec := handler.Spec{Common: handler.Common{Type: Type, Namespace: "/telemetry"}}
	spec.Raw = []byte(`{"type":"influxdb","namespace":"/telemetry","url":"` + server.URL +
		`","token":"s3cr3t","org":"ricardo","bucket":"b","tags":{"env":"test"}}`)

	h, err := NewFromSpec(ctx, spec)
	if err != nil {
		t.Fatalf("NewFromSpec failed: %v", err)
	}
	if err := h.OnEvent(ctx, "abc", []byte(`{"timestamp": 1700000000.123456, "data": {"x": 1}}`)); err != nil {
		t.Fatalf("OnEvent failed: %v", err)
	}
	if err := h.(io.Closer).Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case got := <-fake.writes:
		if want := "b abc,env=test x=1i 1700000000123456000"; got != want {
			t.Errorf("Unexpected write. Expected %q, Actual %q", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the point to be written")
	}
}

func TestNewFailsOnRejectedToken(t *testing.T) {
	server := httptest.NewServer(&fakeInflux{token: "right", writes: make(chan string, 1)})
	defer server.Close()

	ctx := logging.WithLogger(context.Background(), zap.NewNop())
	_, err := New(ctx, Options{
		Common: handler.Common{Type: Type, Namespace: "/telemetry"},
		URL:    server.URL, Token: "wrong", Org: "o", Bucket: "b",
	})
	if err == nil {
		t.Fatal("Expected New to fail with a rejected token")
	}
}

func TestNewFailsOnUnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	ctx := logging.WithLogger(context.Background(), zap.NewNop())
	_, err := New(ctx, Options{
		Common: handler.Common{Type: Type, Namespace: "/telemetry"},
		URL:    url, Token: "t", Org: "o", Bucket: "b",
	})
	if err == nil {
		t.Fatal("Expected New to fail against an unreachable server")
	}
}
