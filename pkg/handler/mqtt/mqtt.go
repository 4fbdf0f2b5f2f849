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

// Package mqtt implements the "mqtt" handler, which republishes every event
// to an MQTT broker under a per-session topic.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"knative.dev/eventing-socketio/pkg/config"
	"knative.dev/eventing-socketio/pkg/handler"
	"knative.dev/eventing-socketio/pkg/logging"
)

// Type is the configuration type name of the MQTT handler.
const Type = "mqtt"

const (
	defaultClientID       = "socketio-relay"
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// ErrClosed is returned for events that arrive after Close.
var ErrClosed = errors.New("mqtt handler is closed")

// Options are the configuration fields of an mqtt handler.
type Options struct {
	handler.Common

	Broker   string `json:"broker"`
	ClientID string `json:"clientID,omitempty"`
	// Topic is the prefix; events are published to <topic>/<sessionID>.
	Topic    string `json:"topic,omitempty"`
	QoS      byte   `json:"qos,omitempty"`
	Retained bool   `json:"retained,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	ConnectTimeout config.Duration `json:"connectTimeout,omitempty"`
	PublishTimeout config.Duration `json:"publishTimeout,omitempty"`
}

func (o *Options) validate() error {
	if o.Broker == "" {
		return errors.New("broker must be set")
	}
	if o.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", o.QoS)
	}
	return nil
}

// Publisher is the part of an MQTT client the handler uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Handler publishes the payload of each event without waiting for the
// broker; publish failures are logged.
type Handler struct {
	handler.Base

	logger         *zap.Logger
	client         Publisher
	prefix         string
	qos            byte
	retained       bool
	publishTimeout time.Duration
	order          handler.Sequencer

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
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

// New connects to the broker. Failing to connect is an error.
func New(ctx context.Context, opts Options) (*Handler, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt handler for namespace %q: %w", opts.Namespace, err)
	}
	if opts.ClientID == "" {
		opts.ClientID = defaultClientID
	}
	connectTimeout := opts.ConnectTimeout.Duration()
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	logger := logging.FromContext(ctx).With(zap.String("namespace", opts.Namespace), zap.String("broker", opts.Broker))

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("Lost connection to MQTT broker", zap.Error(err))
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}
	client := mqtt.NewClient(clientOpts)

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", opts.Broker, err)
	}

	logger.Info("Republishing events to MQTT", zap.String("topic", opts.Topic))
	return NewWithPublisher(logger, opts, client), nil
}

// NewWithPublisher returns a handler publishing through an already connected
// client.
func NewWithPublisher(logger *zap.Logger, opts Options, client Publisher) *Handler {
	publishTimeout := opts.PublishTimeout.Duration()
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	h := &Handler{
		Base:           handler.NewBase(opts.Namespace),
		logger:         logger,
		client:         client,
		prefix:         strings.TrimSuffix(opts.Topic, "/"),
		qos:            opts.QoS,
		retained:       opts.Retained,
		publishTimeout: publishTimeout,
	}
	h.order.OnError = func(seq uint64, err error) {
		logger.Warn("Dropped event", zap.Uint64("sequence", seq), zap.Error(err))
	}
	return h
}

// Topic returns the topic events of sessionID are published to.
func (h *Handler) Topic(sessionID string) string {
	if h.prefix == "" {
		return sessionID
	}
	return h.prefix + "/" + sessionID
}

// OnEvent starts publishing the payload and returns. Publishes start in
// delivery order.
func (h *Handler) OnEvent(ctx context.Context, sessionID string, payload []byte) error {
	return h.order.Do(ctx, func() error {
		return h.publish(sessionID, payload)
	})
}

func (h *Handler) publish(sessionID string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	topic := h.Topic(sessionID)
	token := h.client.Publish(topic, h.qos, h.retained, payload)
	h.inflight.Add(1)
	go h.watch(topic, token)
	return nil
}

func (h *Handler) watch(topic string, token mqtt.Token) {
	defer h.inflight.Done()
	if !token.WaitTimeout(h.publishTimeout) {
		h.logger.Error("Timed out publishing event", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error("Failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

// Close waits for in-flight publishes, bounded by the publish timeout, and
// disconnects.
func (h *Handler) Close() error {
	h.order.Flush()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.inflight.Wait()
	h.client.Disconnect(disconnectQuiesceMs)
	return nil
}
