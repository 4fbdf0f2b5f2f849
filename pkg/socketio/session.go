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

package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"knative.dev/eventing-socketio/pkg/handler"
)

// openPacket is the payload of the Engine.IO open packet.
type openPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// session is one websocket connection. Only readLoop touches pending,
// joinDone and partial.
type session struct {
	client *Client
	conn   *websocket.Conn
	ctx    context.Context
	routes map[string]*route

	sid          string
	pingInterval time.Duration
	pingTimeout  time.Duration

	pending  map[string]bool
	joinDone bool
	joined   chan struct{}
	joinOnce sync.Once
	joinErr  error

	partial *partialPacket

	writeMu sync.Mutex

	ended     chan struct{}
	err       error
	closeOnce sync.Once
}

// partialPacket is a binary packet waiting for its attachments.
type partialPacket struct {
	packet      *Packet
	attachments [][]byte
}

// handshake reads the Engine.IO open packet.
func handshake(conn *websocket.Conn) (*session, error) {
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("socketio: reading open packet: %w", err)
	}
	if mt != websocket.TextMessage || len(data) == 0 || data[0] != engineOpen {
		return nil, fmt.Errorf("socketio: expected open packet, got %q", data)
	}
	var open openPacket
	if err := json.Unmarshal(data[1:], &open); err != nil {
		return nil, fmt.Errorf("socketio: invalid open packet: %w", err)
	}
	if open.PingInterval <= 0 || open.PingTimeout <= 0 {
		return nil, fmt.Errorf("socketio: open packet without ping settings: %s", data[1:])
	}
	return &session{
		conn:         conn,
		sid:          open.SID,
		pingInterval: time.Duration(open.PingInterval) * time.Millisecond,
		pingTimeout:  time.Duration(open.PingTimeout) * time.Millisecond,
		pending:      make(map[string]bool),
		joined:       make(chan struct{}),
		ended:        make(chan struct{}),
	}, nil
}

// wait blocks until the connection ends and returns why.
func (s *session) wait() error {
	<-s.ended
	return s.err
}

// close leaves every namespace, closes the connection and waits for the
// read loop to exit.
func (s *session) close() {
	s.closeOnce.Do(func() {
		for ns := range s.routes {
			_ = s.send(&Packet{Type: PacketDisconnect, Namespace: ns})
		}
		_ = s.write(string(engineClose))
		s.conn.Close()
	})
	<-s.ended
}

func (s *session) readLoop() {
	var err error
	defer func() {
		s.err = err
		s.conn.Close()
		close(s.ended)
	}()

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pingTimeout))
		mt, data, rerr := s.conn.ReadMessage()
		if rerr != nil {
			err = rerr
			return
		}
		switch mt {
		case websocket.TextMessage:
			err = s.handleEngine(data)
		case websocket.BinaryMessage:
			s.handleAttachment(data)
		}
		if err != nil {
			return
		}
	}
}

func (s *session) handleEngine(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case enginePing:
		return s.write(string(enginePong) + string(data[1:]))
	case engineClose:
		return errServerClosed
	case engineMessage:
		p, err := DecodePacket(string(data[1:]))
		if err != nil {
			s.client.logger.Warn("Dropping malformed packet", zap.Error(err))
			return nil
		}
		return s.handlePacket(p)
	case engineOpen, enginePong, engineUpgrade, engineNoop:
		return nil
	default:
		s.client.logger.Debug("Ignoring unknown engine packet", zap.ByteString("packet", data))
		return nil
	}
}

func (s *session) handlePacket(p *Packet) error {
	switch p.Type {
	case PacketConnect:
		if s.pending[p.Namespace] {
			delete(s.pending, p.Namespace)
			s.client.logger.Debug("Joined namespace", zap.String("namespace", p.Namespace))
			if len(s.pending) == 0 {
				s.finishJoin(nil)
			}
		}
	case PacketConnectError:
		err := connectError(p)
		if !s.joinDone {
			s.finishJoin(err)
			return nil
		}
		return err
	case PacketDisconnect:
		return fmt.Errorf("socketio: server disconnected namespace %s", p.Namespace)
	case PacketEvent:
		s.deliver(p, nil)
	case PacketBinaryEvent, PacketBinaryAck:
		if p.Attachments == 0 {
			if p.Type == PacketBinaryEvent {
				s.deliver(p, nil)
			}
			return nil
		}
		s.partial = &partialPacket{packet: p, attachments: make([][]byte, 0, p.Attachments)}
	case PacketAck:
		// The client never asks for acknowledgements.
	}
	return nil
}

func (s *session) finishJoin(err error) {
	s.joinDone = true
	s.joinOnce.Do(func() {
		s.joinErr = err
		close(s.joined)
	})
}

func (s *session) handleAttachment(data []byte) {
	if s.partial == nil {
		s.client.logger.Warn("Dropping unexpected binary frame", zap.Int("size", len(data)))
		return
	}
	s.partial.attachments = append(s.partial.attachments, data)
	if len(s.partial.attachments) < s.partial.packet.Attachments {
		return
	}
	p, attachments := s.partial.packet, s.partial.attachments
	s.partial = nil
	if p.Type == PacketBinaryEvent {
		s.deliver(p, attachments)
	}
}

// deliver numbers the event within its namespace and hands it to its own
// goroutine. The read loop never waits for a handler.
func (s *session) deliver(p *Packet, attachments [][]byte) {
	logger := s.client.logger.With(zap.String("namespace", p.Namespace))
	name, args, err := eventArgs(p.Data)
	if err != nil {
		logger.Warn("Dropping malformed event", zap.Error(err))
		return
	}
	payload, err := payloadOf(args, attachments)
	if err != nil {
		logger.Warn("Dropping malformed event", zap.String("event", name), zap.Error(err))
		return
	}
	r, ok := s.routes[p.Namespace]
	if !ok {
		logger.Debug("Dropping event for unregistered namespace", zap.String("event", name))
		return
	}
	r.seq++
	ctx := handler.WithSequence(context.WithoutCancel(s.ctx), r.seq)
	s.client.dispatch(ctx, r, delivery{sess: s, ackID: p.ID, event: name, payload: payload})
}

func (s *session) send(p *Packet) error {
	return s.write(string(engineMessage) + p.Encode())
}

func (s *session) write(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// delivery is an event waiting for its handler.
type delivery struct {
	sess    *session
	ackID   *uint64
	event   string
	payload []byte
}

// route is the handler of one namespace. seq counts the namespace's events
// across reconnects and is only touched by the active read loop.
type route struct {
	namespace string
	fn        EventFunc
	seq       uint64
}

func (r *route) handle(ctx context.Context, logger *zap.Logger, d delivery) {
	logger = logger.With(zap.String("namespace", r.namespace), zap.String("event", d.event))
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Handler panicked", zap.Any("panic", p))
		}
	}()

	if err := r.fn(ctx, d.event, d.payload); err != nil {
		logger.Debug("Handler failed", zap.Error(err))
	}
	if d.ackID != nil {
		ack := &Packet{Type: PacketAck, Namespace: r.namespace, ID: d.ackID, Data: json.RawMessage("[]")}
		if err := d.sess.send(ack); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			logger.Debug("Failed to acknowledge event", zap.Error(err))
		}
	}
}
