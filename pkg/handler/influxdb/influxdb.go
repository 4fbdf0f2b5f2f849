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

// Package influxdb implements the "influxdb" handler, which writes each event
// as a point to an InfluxDB v2 bucket.
package influxdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"knative.dev/eventing-socketio/pkg/config"
	"knative.dev/eventing-socketio/pkg/flatten"
	"knative.dev/eventing-socketio/pkg/handler"
	"knative.dev/eventing-socketio/pkg/logging"
)

// Type is the configuration type name of the InfluxDB handler.
const Type = "influxdb"

const (
	timestampField = "timestamp"
	dataField      = "data"
)

// ErrClosed is returned for events that arrive after Close.
var ErrClosed = errors.New("influxdb handler is closed")

// TimestampPolicy selects where a point's time comes from.
type TimestampPolicy string

const (
	// TimestampFromPayload uses the payload's "timestamp" field: a number of
	// seconds since the epoch (fractions allowed) or an RFC 3339 string.
	// Payloads without one are stamped with the receipt time.
	TimestampFromPayload TimestampPolicy = "payload"

	// TimestampOnReceipt always uses the wall clock time the event was received.
	TimestampOnReceipt TimestampPolicy = "receipt"
)

// Options are the configuration fields of an influxdb handler.
type Options struct {
	handler.Common

	URL    string            `json:"url"`
	Token  string            `json:"token"`
	Org    string            `json:"org"`
	Bucket string            `json:"bucket"`
	Tags   map[string]string `json:"tags,omitempty"`

	// TimestampPolicy defaults to TimestampFromPayload.
	TimestampPolicy TimestampPolicy `json:"timestampPolicy,omitempty"`

	// NumbersAsFloat writes every numeric field as a float, avoiding field
	// type conflicts when a producer drops the fraction of whole numbers.
	NumbersAsFloat bool `json:"numbersAsFloat,omitempty"`

	// Write options handed to the client. Retrying failed writes is the
	// client's job; zero values keep the client defaults.
	BatchSize     uint            `json:"batchSize,omitempty"`
	FlushInterval config.Duration `json:"flushInterval,omitempty"`
	MaxRetries    *uint           `json:"maxRetries,omitempty"`

	// SkipBucketCheck disables the startup lookup of Bucket, for tokens that
	// may write to the bucket but not read it.
	SkipBucketCheck bool `json:"skipBucketCheck,omitempty"`
}

func (o *Options) validate() error {
	switch {
	case o.URL == "":
		return errors.New("url must be set")
	case o.Org == "":
		return errors.New("org must be set")
	case o.Bucket == "":
		return errors.New("bucket must be set")
	}
	switch o.TimestampPolicy {
	case "":
		o.TimestampPolicy = TimestampFromPayload
	case TimestampFromPayload, TimestampOnReceipt:
	default:
		return fmt.Errorf("unknown timestampPolicy %q", o.TimestampPolicy)
	}
	return nil
}

// PayloadParseError is returned for an event whose payload cannot be turned
// into a point. It only affects that event.
type PayloadParseError struct {
	Err error
}

func (e *PayloadParseError) Error() string {
	return "malformed payload: " + e.Err.Error()
}

func (e *PayloadParseError) Unwrap() error {
	return e.Err
}

// PointWriter is the non-blocking write side of an InfluxDB client. Points
// are written in the order WritePoint is called.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Handler turns every event into a point: measurement is the session id, tags
// are the configured static tags and fields are the flattened payload data.
type Handler struct {
	handler.Base

	logger         *zap.Logger
	writer         PointWriter
	tags           map[string]string
	policy         TimestampPolicy
	numbersAsFloat bool
	now            func() time.Time

	// order submits points in delivery order while events are handled
	// concurrently.
	order handler.Sequencer

	// mu guards closed; OnEvent holds it for reading so Close waits for
	// in-flight submissions.
	mu       sync.RWMutex
	closed   bool
	closeFn  func()
	stopErrs chan struct{}
	errsDone chan struct{}
}

var (
	_ handler.Handler = (*Handler)(nil)
	_ io.Closer       = (*Handler)(nil)
)

// NewFromSpec is the handler.Constructor for Type.
func NewFromSpec(ctx context.Context, spec handler.Spec) (handler.Handler, error) {
	var opts Options
	if err := spec.Decode(&opts); err != nil {
		return nil, err
	}
	return New(ctx, opts)
}

// New connects to the InfluxDB server described by opts. The server must
// answer a ping, and unless SkipBucketCheck is set the token must be able to
// look up the bucket.
func New(ctx context.Context, opts Options) (*Handler, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid influxdb handler for namespace %q: %w", opts.Namespace, err)
	}
	logger := logging.FromContext(ctx).With(
		zap.String("namespace", opts.Namespace),
		zap.String("bucket", opts.Bucket))

	clientOpts := influxdb2.DefaultOptions().SetPrecision(time.Nanosecond)
	if opts.BatchSize > 0 {
		clientOpts.SetBatchSize(opts.BatchSize)
	}
	if opts.FlushInterval > 0 {
		clientOpts.SetFlushInterval(uint(opts.FlushInterval.Duration().Milliseconds()))
	}
	if opts.MaxRetries != nil {
		clientOpts.SetMaxRetries(*opts.MaxRetries)
	}
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token, clientOpts)

	if ok, err := client.Ping(ctx); err != nil || !ok {
		client.Close()
		if err == nil {
			err = errors.New("ping failed")
		}
		return nil, fmt.Errorf("influxdb at %s is unreachable: %w", opts.URL, err)
	}
	if !opts.SkipBucketCheck {
		if _, err := client.BucketsAPI().FindBucketByName(ctx, opts.Bucket); err != nil {
			client.Close()
			return nil, fmt.Errorf("looking up bucket %q in org %q: %w", opts.Bucket, opts.Org, err)
		}
	}

	writeAPI := client.WriteAPI(opts.Org, opts.Bucket)
	h := newHandler(logger, opts, writeAPI, time.Now)
	h.closeFn = client.Close
	go h.watchErrors(writeAPI.Errors())

	logger.Info("Writing events to InfluxDB", zap.String("url", opts.URL), zap.String("timestampPolicy", string(opts.TimestampPolicy)))
	return h, nil
}

func newHandler(logger *zap.Logger, opts Options, writer PointWriter, now func() time.Time) *Handler {
	tags := make(map[string]string, len(opts.Tags))
	for k, v := range opts.Tags {
		tags[k] = v
	}
	policy := opts.TimestampPolicy
	if policy == "" {
		policy = TimestampFromPayload
	}
	h := &Handler{
		Base:           handler.NewBase(opts.Namespace),
		logger:         logger,
		writer:         writer,
		tags:           tags,
		policy:         policy,
		numbersAsFloat: opts.NumbersAsFloat,
		now:            now,
		stopErrs:       make(chan struct{}),
		errsDone:       make(chan struct{}),
	}
	h.order.OnError = func(seq uint64, err error) {
		logger.Warn("Dropped point", zap.Uint64("sequence", seq), zap.Error(err))
	}
	return h
}

// watchErrors logs asynchronous write failures until the client closes its
// error channel or Close stops it.
func (h *Handler) watchErrors(errs <-chan error) {
	defer close(h.errsDone)
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			h.logger.Error("Failed to write points", zap.Error(err))
		case <-h.stopErrs:
			return
		}
	}
}

// OnEvent builds the point for the event and submits it without waiting for
// the server. Points are submitted in delivery order: an event that overtook
// an earlier one is parked until the earlier one has been submitted.
func (h *Handler) OnEvent(ctx context.Context, sessionID string, payload []byte) error {
	point, err := h.point(sessionID, payload, h.now())
	submitErr := h.order.Do(ctx, func() error {
		if err != nil {
			// Nothing to write, but the position is used up.
			return nil
		}
		return h.write(point)
	})
	if err != nil {
		return err
	}
	return submitErr
}

func (h *Handler) write(point *write.Point) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	h.writer.WritePoint(point)
	return nil
}

// Close flushes pending points and releases the client.
func (h *Handler) Close() error {
	h.order.Flush()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	h.writer.Flush()
	if h.closeFn != nil {
		h.closeFn()
		close(h.stopErrs)
		<-h.errsDone
	}
	return nil
}

func (h *Handler) point(sessionID string, payload []byte, received time.Time) (*write.Point, error) {
	packet, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}

	ts := received
	if h.policy == TimestampFromPayload {
		if raw, ok := packet[timestampField]; ok && raw != nil {
			if ts, err = parseTimestamp(raw); err != nil {
				return nil, &PayloadParseError{Err: err}
			}
		} else {
			h.logger.Debug("Payload has no timestamp, using receipt time", zap.String("sessionID", sessionID))
		}
	}

	data, err := dataOf(packet)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]interface{}, len(data))
	for k, v := range flatten.Flatten(data, flatten.DefaultSeparator) {
		switch t := v.(type) {
		case nil:
			// InfluxDB has no null field values.
		case json.Number:
			fields[k] = h.number(t)
		default:
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return nil, &PayloadParseError{Err: errors.New("payload has no fields to write")}
	}

	return write.NewPoint(sessionID, h.tags, fields, ts), nil
}

func (h *Handler) number(n json.Number) interface{} {
	if !h.numbersAsFloat {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func decodePayload(payload []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var packet map[string]interface{}
	if err := dec.Decode(&packet); err != nil {
		return nil, &PayloadParseError{Err: err}
	}
	if packet == nil {
		return nil, &PayloadParseError{Err: errors.New("payload is not a JSON object")}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &PayloadParseError{Err: errors.New("unexpected data after the JSON object")}
	}
	return packet, nil
}

// dataOf returns the "data" object of the packet, or, when there is none,
// every top level key except the timestamp.
func dataOf(packet map[string]interface{}) (map[string]interface{}, error) {
	if raw, ok := packet[dataField]; ok {
		data, ok := raw.(map[string]interface{})
		if !ok {
			return nil, &PayloadParseError{Err: fmt.Errorf("%q is not an object", dataField)}
		}
		return data, nil
	}
	data := make(map[string]interface{}, len(packet))
	for k, v := range packet {
		if k != timestampField {
			data[k] = v
		}
	}
	return data, nil
}

var nanosPerSecond = big.NewRat(int64(time.Second), 1)

// parseTimestamp converts the payload timestamp exactly: the decimal text of a
// number is scaled to nanoseconds without going through a float.
func parseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case json.Number:
		r, ok := new(big.Rat).SetString(t.String())
		if !ok {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", t.String())
		}
		r.Mul(r, nanosPerSecond)
		ns := new(big.Int).Quo(r.Num(), r.Denom())
		if !ns.IsInt64() {
			return time.Time{}, fmt.Errorf("timestamp %s is out of range", t.String())
		}
		return time.Unix(0, ns.Int64()).UTC(), nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		return ts, nil
	default:
		return time.Time{}, fmt.Errorf("timestamp must be a number or an RFC 3339 string, got %T", v)
	}
}
