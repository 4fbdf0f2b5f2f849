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

// Package cloudevents implements the "cloudevents" handler, which forwards
// every event as a CloudEvent to an HTTP sink.
package cloudevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"knative.dev/eventing-socketio/pkg/config"
	"knative.dev/eventing-socketio/pkg/handler"
	"knative.dev/eventing-socketio/pkg/logging"
)

const (
	// Type is the configuration type name of the CloudEvents handler.
	Type = "cloudevents"

	// DefaultEventType is the CloudEvents type used when none is configured.
	DefaultEventType = "dev.knative.socketio.event"

	defaultQueueSize  = 100
	defaultRetryDelay = 50 * time.Millisecond
)

var (
	// ErrQueueFull is returned when the sender has fallen too far behind.
	ErrQueueFull = errors.New("cloudevents send queue is full")

	// ErrClosed is returned for events that arrive after Close.
	ErrClosed = errors.New("cloudevents handler is closed")
)

// Options are the configuration fields of a cloudevents handler.
type Options struct {
	handler.Common

	Sink      string `json:"sink"`
	EventType string `json:"eventType,omitempty"`
	// Source defaults to the namespace.
	Source    string `json:"source,omitempty"`
	QueueSize int    `json:"queueSize,omitempty"`

	// Retries is how many times a send answered with a retryable status is
	// repeated, with exponential backoff starting at RetryDelay.
	Retries    int             `json:"retries,omitempty"`
	RetryDelay config.Duration `json:"retryDelay,omitempty"`
}

func (o *Options) setDefaults() {
	if o.EventType == "" {
		o.EventType = DefaultEventType
	}
	if o.Source == "" {
		o.Source = o.Namespace
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = config.Duration(defaultRetryDelay)
	}
}

// Sender is the part of a CloudEvents client the handler uses.
type Sender interface {
	Send(ctx context.Context, event cloudevents.Event) cloudevents.Result
}

// Handler converts events to CloudEvents and sends them from a single
// goroutine, in the order OnEvent accepted them.
type Handler struct {
	handler.Base

	logger    *zap.Logger
	client    Sender
	target    string
	eventType string
	source    string
	retries   int
	delay     time.Duration
	order     handler.Sequencer

	mu     sync.RWMutex
	closed bool
	queue  chan cloudevents.Event
	done   chan struct{}
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

// New returns a handler sending to opts.Sink over HTTP.
func New(ctx context.Context, opts Options) (*Handler, error) {
	if opts.Sink == "" {
		return nil, fmt.Errorf("invalid cloudevents handler for namespace %q: sink must be set", opts.Namespace)
	}
	ce, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("failed to create a http cloudevent client: %w", err)
	}
	logger := logging.FromContext(ctx).With(zap.String("namespace", opts.Namespace), zap.String("sink", opts.Sink))
	h := NewWithSender(logger, opts, ce)
	logger.Info("Forwarding events as CloudEvents", zap.String("type", h.eventType))
	return h, nil
}

// NewWithSender returns a handler sending through client. The sender
// goroutine runs until Close.
func NewWithSender(logger *zap.Logger, opts Options, client Sender) *Handler {
	opts.setDefaults()
	h := &Handler{
		Base:      handler.NewBase(opts.Namespace),
		logger:    logger,
		client:    client,
		target:    opts.Sink,
		eventType: opts.EventType,
		source:    opts.Source,
		retries:   opts.Retries,
		delay:     opts.RetryDelay.Duration(),
		queue:     make(chan cloudevents.Event, opts.QueueSize),
		done:      make(chan struct{}),
	}
	h.order.OnError = func(seq uint64, err error) {
		logger.Warn("Dropped event", zap.Uint64("sequence", seq), zap.Error(err))
	}
	go h.send()
	return h
}

// OnEvent queues the CloudEvent for the event in delivery order. It fails
// with ErrQueueFull instead of waiting for the sink.
func (h *Handler) OnEvent(ctx context.Context, sessionID string, payload []byte) error {
	event, err := h.toEvent(sessionID, payload)
	queueErr := h.order.Do(ctx, func() error {
		if err != nil {
			return nil
		}
		return h.enqueue(event)
	})
	if err != nil {
		return err
	}
	return queueErr
}

func (h *Handler) enqueue(event cloudevents.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	select {
	case h.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until the queued ones are sent.
func (h *Handler) Close() error {
	h.order.Flush()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	<-h.done
	return nil
}

func (h *Handler) toEvent(sessionID string, payload []byte) (cloudevents.Event, error) {
	event := cloudevents.NewEvent(cloudevents.VersionV1)
	event.SetID(uuid.NewString())
	event.SetType(h.eventType)
	event.SetSource(h.source)
	event.SetSubject(sessionID)

	contentType := cloudevents.ApplicationJSON
	if !json.Valid(payload) {
		contentType = "application/octet-stream"
	}
	if err := event.SetData(contentType, payload); err != nil {
		return event, fmt.Errorf("failed to set event data: %w", err)
	}
	return event, nil
}

func (h *Handler) send() {
	defer close(h.done)
	ctx := cloudevents.ContextWithTarget(context.Background(), h.target)
	if h.retries > 0 {
		ctx = cloudevents.ContextWithRetriesExponentialBackoff(ctx, h.delay, h.retries)
	}
	for event := range h.queue {
		if result := h.client.Send(ctx, event); !cloudevents.IsACK(result) {
			h.logger.Error("Sending event to sink failed",
				zap.String("id", event.ID()),
				zap.String("subject", event.Subject()),
				zap.Error(result))
		}
	}
}
