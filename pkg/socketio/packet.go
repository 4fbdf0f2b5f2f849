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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Engine.IO v4 packet types, the first byte of every text frame.
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// PacketType is a Socket.IO v5 packet type.
type PacketType byte

const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketConnectError
	PacketBinaryEvent
	PacketBinaryAck
)

func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketDisconnect:
		return "DISCONNECT"
	case PacketEvent:
		return "EVENT"
	case PacketAck:
		return "ACK"
	case PacketConnectError:
		return "CONNECT_ERROR"
	case PacketBinaryEvent:
		return "BINARY_EVENT"
	case PacketBinaryAck:
		return "BINARY_ACK"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

func (t PacketType) binary() bool {
	return t == PacketBinaryEvent || t == PacketBinaryAck
}

// DefaultNamespace is the namespace of packets without a namespace prefix.
const DefaultNamespace = "/"

// Packet is a decoded Socket.IO packet. Binary attachments travel in
// separate frames and are not part of the packet.
type Packet struct {
	Type        PacketType
	Namespace   string
	Attachments int
	// ID is the acknowledgement id, nil when the sender expects no ack.
	ID   *uint64
	Data json.RawMessage
}

// Encode renders p in the Socket.IO v5 text encoding:
// <type>[<attachments>-][<namespace>,][<id>][<data>].
func (p *Packet) Encode() string {
	var b strings.Builder
	b.WriteByte('0' + byte(p.Type))
	if p.Type.binary() {
		b.WriteString(strconv.Itoa(p.Attachments))
		b.WriteByte('-')
	}
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID != nil {
		b.WriteString(strconv.FormatUint(*p.ID, 10))
	}
	b.Write(p.Data)
	return b.String()
}

// DecodePacket parses a Socket.IO packet from the text of an Engine.IO
// message (without the leading message type).
func DecodePacket(s string) (*Packet, error) {
	if s == "" {
		return nil, errors.New("empty packet")
	}
	if s[0] < '0' || s[0] > '0'+byte(PacketBinaryAck) {
		return nil, fmt.Errorf("unknown packet type %q", s[0])
	}
	p := &Packet{Type: PacketType(s[0] - '0'), Namespace: DefaultNamespace}
	i := 1

	if p.Type.binary() {
		dash := strings.IndexByte(s[i:], '-')
		if dash < 0 {
			return nil, errors.New("binary packet without attachment count")
		}
		n, err := strconv.Atoi(s[i : i+dash])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid attachment count %q", s[i:i+dash])
		}
		p.Attachments = n
		i += dash + 1
	}

	if i < len(s) && s[i] == '/' {
		end := strings.IndexByte(s[i:], ',')
		if end < 0 {
			p.Namespace = s[i:]
			return p, nil
		}
		p.Namespace = s[i : i+end]
		i += end + 1
	}

	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > start {
		id, err := strconv.ParseUint(s[start:i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ack id %q: %w", s[start:i], err)
		}
		p.ID = &id
	}

	if i < len(s) {
		data := []byte(s[i:])
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid %s payload", p.Type)
		}
		p.Data = data
	}
	return p, nil
}

// placeholder marks where a binary attachment goes in the event arguments.
type placeholder struct {
	Placeholder bool `json:"_placeholder"`
	Num         int  `json:"num"`
}

// eventArgs splits the data of an EVENT packet into its name and arguments.
func eventArgs(data json.RawMessage) (string, []json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return "", nil, fmt.Errorf("event data is not an array: %w", err)
	}
	if len(args) == 0 {
		return "", nil, errors.New("event without a name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name is not a string: %w", err)
	}
	return name, args[1:], nil
}

// payloadOf converts the first event argument to the bytes handed to
// handlers: strings unquoted, binary placeholders replaced by their
// attachment, and anything else as its JSON text.
func payloadOf(args []json.RawMessage, attachments [][]byte) ([]byte, error) {
	if len(args) == 0 {
		return []byte{}, nil
	}
	arg := bytes.TrimSpace(args[0])
	switch {
	case len(arg) == 0:
		return []byte{}, nil
	case arg[0] == '"':
		var s string
		if err := json.Unmarshal(arg, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	case arg[0] == '{':
		var ph placeholder
		if json.Unmarshal(arg, &ph) == nil && ph.Placeholder {
			if ph.Num < 0 || ph.Num >= len(attachments) {
				return nil, fmt.Errorf("attachment %d not received", ph.Num)
			}
			return attachments[ph.Num], nil
		}
	}
	return append([]byte(nil), arg...), nil
}

// connectError extracts the message of a CONNECT_ERROR packet.
func connectError(p *Packet) error {
	var body struct {
		Message string `json:"message"`
	}
	if len(p.Data) > 0 && json.Unmarshal(p.Data, &body) == nil && body.Message != "" {
		return fmt.Errorf("namespace %s refused: %s", p.Namespace, body.Message)
	}
	if len(p.Data) > 0 {
		return fmt.Errorf("namespace %s refused: %s", p.Namespace, p.Data)
	}
	return fmt.Errorf("namespace %s refused", p.Namespace)
}
