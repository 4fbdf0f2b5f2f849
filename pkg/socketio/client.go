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

// Package socketio is a Socket.IO v5 client over the Engine.IO v4 websocket
// transport. It receives events on any number of namespaces and hands every
// event to a catch-all function registered per namespace.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	defaultPath      = "/socket.io/"
	handshakeTimeout = 20 * time.Second
	writeTimeout     = 10 * time.Second
)

var (
	// ErrAlreadyConnected is returned by a second call to Connect.
	ErrAlreadyConnected = errors.New("socketio: client is already connected")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("socketio: client is closed")

	errServerClosed = errors.New("socketio: server closed the connection")
)

// EventFunc receives every event of a namespace. event is the event name and
// payload the first event argument. Every event runs on its own goroutine, so
// calls for the same namespace overlap; ctx carries the event's position in
// the namespace (see handler.SequenceFrom).
type EventFunc = func(ctx context.Context, event string, payload []byte) error

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithPath sets the Engine.IO endpoint path, "/socket.io/" by default.
func WithPath(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.path = "/" + strings.Trim(path, "/") + "/"
		}
	}
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// WithHeader adds HTTP headers to the websocket handshake.
func WithHeader(header http.Header) Option {
	return func(c *Client) {
		c.header = header
	}
}

// WithAuth sets the auth object sent with every namespace CONNECT.
func WithAuth(auth map[string]string) Option {
	return func(c *Client) {
		c.auth = auth
	}
}

// WithReconnect controls what happens after an established connection is
// lost. When enabled the client re-dials with exponential backoff until
// maxElapsedTime has passed; zero retries forever.
func WithReconnect(enabled bool, maxElapsedTime time.Duration) Option {
	return func(c *Client) {
		c.reconnect = enabled
		c.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = maxElapsedTime
			return b
		}
	}
}

// WithBackOff sets the reconnect policy.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

// Client is a Socket.IO client. Register namespaces with OnAny, then Connect.
type Client struct {
	logger     *zap.Logger
	path       string
	dialer     *websocket.Dialer
	header     http.Header
	auth       map[string]string
	reconnect  bool
	newBackOff func() backoff.BackOff

	connected atomic.Bool
	inflight  sync.WaitGroup

	mu       sync.Mutex
	started  bool
	closed   bool
	handlers map[string]EventFunc
	sess     *session
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

// NewClient returns a client that is not connected yet.
func NewClient(opts ...Option) *Client {
	c := &Client{
		logger:    zap.NewNop(),
		path:      defaultPath,
		dialer:    websocket.DefaultDialer,
		reconnect: true,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
		handlers: make(map[string]EventFunc),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalizeNamespace(ns string) string {
	if !strings.HasPrefix(ns, "/") {
		return "/" + ns
	}
	return ns
}

// OnAny binds fn to every event of namespace. It must be called before
// Connect; later registrations are ignored.
func (c *Client) OnAny(namespace string, fn EventFunc) {
	ns := normalizeNamespace(namespace)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.logger.Warn("Ignoring handler registered after Connect", zap.String("namespace", ns))
		return
	}
	c.handlers[ns] = fn
}

// Connected reports whether every namespace is currently joined.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Done is closed when the client has stopped for good and every received
// event has been handled: after Close, or once reconnecting is disabled or has
// given up.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Endpoint returns the Engine.IO websocket URL for a server URL.
func (c *Client) Endpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in server url %q", u.Scheme, serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials serverURL and joins every registered namespace. It returns
// once all namespaces are joined or the first attempt failed; ctx bounds only
// that first attempt. Later connection losses are handled in the background
// according to the reconnect policy.
func (c *Client) Connect(ctx context.Context, serverURL string) error {
	endpoint, err := c.Endpoint(serverURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	routes := make(map[string]*route, len(c.handlers))
	for ns, fn := range c.handlers {
		routes[ns] = &route{namespace: ns, fn: fn}
	}

	sess, err := c.open(ctx, runCtx, endpoint, routes)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		sess.close()
		return ErrClosed
	}
	c.sess = sess
	c.cancel = cancel
	c.mu.Unlock()

	c.connected.Store(true)
	c.logger.Info("Connected", zap.String("url", endpoint), zap.String("sid", sess.sid))

	go c.run(runCtx, endpoint, sess, routes)
	return nil
}

// dispatch runs one event on its own goroutine.
func (c *Client) dispatch(ctx context.Context, r *route, d delivery) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		r.handle(ctx, c.logger, d)
	}()
}

// run supervises the connection until Close or until reconnecting stops.
func (c *Client) run(ctx context.Context, endpoint string, sess *session, routes map[string]*route) {
	defer c.finish()
	defer c.inflight.Wait()

	for {
		err := sess.wait()
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("Lost connection", zap.Error(err))
		if !c.reconnect {
			return
		}

		sess, err = c.redial(ctx, endpoint, routes)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Giving up reconnecting", zap.Error(err))
			}
			return
		}
		c.mu.Lock()
		closed := c.closed
		if !closed {
			c.sess = sess
		}
		c.mu.Unlock()
		if closed {
			sess.close()
			return
		}
		c.connected.Store(true)
		c.logger.Info("Reconnected", zap.String("sid", sess.sid))
	}
}

func (c *Client) redial(ctx context.Context, endpoint string, routes map[string]*route) (*session, error) {
	var sess *session
	operation := func() error {
		s, err := c.open(ctx, ctx, endpoint, routes)
		if err != nil {
			return err
		}
		sess = s
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("Reconnect failed", zap.Error(err), zap.Duration("retryIn", next))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close leaves every namespace, closes the connection and waits until every
// event already received has been handled.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	cancel, sess := c.cancel, c.sess
	c.mu.Unlock()

	if cancel == nil {
		c.finish()
		return nil
	}
	cancel()
	if sess != nil {
		sess.close()
	}
	<-c.done
	return nil
}

// open dials, performs the Engine.IO handshake and joins every namespace.
// dialCtx bounds the attempt, runCtx the lifetime of the session.
func (c *Client) open(dialCtx, runCtx context.Context, endpoint string, routes map[string]*route) (*session, error) {
	hsCtx, cancel := context.WithTimeout(dialCtx, handshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(hsCtx, endpoint, c.header)
	if err != nil {
		return nil, fmt.Errorf("socketio: dial %s: %w", endpoint, err)
	}
	deadline, _ := hsCtx.Deadline()
	_ = conn.SetReadDeadline(deadline)

	sess, err := handshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sess.client = c
	sess.ctx = runCtx
	sess.routes = routes
	for ns := range routes {
		sess.pending[ns] = true
	}

	if len(sess.pending) == 0 {
		sess.finishJoin(nil)
	}
	go sess.readLoop()

	var auth json.RawMessage
	if len(c.auth) > 0 {
		if auth, err = json.Marshal(c.auth); err != nil {
			sess.close()
			return nil, fmt.Errorf("socketio: encoding auth: %w", err)
		}
	}
	for ns := range routes {
		p := &Packet{Type: PacketConnect, Namespace: ns, Data: auth}
		if err := sess.send(p); err != nil {
			sess.close()
			return nil, fmt.Errorf("socketio: connecting namespace %s: %w", ns, err)
		}
	}

	select {
	case <-sess.joined:
		if sess.joinErr != nil {
			sess.close()
			return nil, sess.joinErr
		}
		return sess, nil
	case <-sess.ended:
		return nil, fmt.Errorf("socketio: connection lost while joining namespaces: %w", sess.err)
	case <-hsCtx.Done():
		sess.close()
		return nil, fmt.Errorf("socketio: joining namespaces: %w", hsCtx.Err())
	}
}
