// Package schema defines the DriftDB wire grammar: the tagged message unions
// exchanged between clients and the server, identical in JSON and CBOR form.
package schema

import (
	"github.com/driftlab/driftdb/errs"
)

// ClientMessageType tags inbound (client -> server) messages.
type ClientMessageType string

const (
	// ClientSubscribe registers for a stream and replays its tail.
	ClientSubscribe ClientMessageType = "subscribe"
	// ClientGet fetches a one-shot snapshot without registering.
	ClientGet ClientMessageType = "get"
	// ClientPush mutates a stream.
	ClientPush ClientMessageType = "push"
	// ClientPing is a latency probe.
	ClientPing ClientMessageType = "ping"
)

// ServerMessageType tags outbound (server -> client) messages.
type ServerMessageType string

const (
	// ServerInit carries a stream snapshot, on subscribe/get and on compaction.
	ServerInit ServerMessageType = "init"
	// ServerPush relays an appended value to a subscriber.
	ServerPush ServerMessageType = "push"
	// ServerStreamSize advises a subscriber of the post-append log length.
	ServerStreamSize ServerMessageType = "stream_size"
	// ServerPong answers a ping.
	ServerPong ServerMessageType = "pong"
	// ServerError reports a non-fatal protocol or semantic error.
	ServerError ServerMessageType = "error"
)

// ActionType tags push actions.
type ActionType string

const (
	// ActionAppend stores the value at the next sequence number.
	ActionAppend ActionType = "append"
	// ActionRelay broadcasts the value without storing it.
	ActionRelay ActionType = "relay"
	// ActionReplace replaces the entire log with the value.
	ActionReplace ActionType = "replace"
	// ActionCompact replaces the log prefix up to Seq with the value.
	ActionCompact ActionType = "compact"
)

// SequenceValue pairs a payload with its stream-assigned sequence number.
type SequenceValue struct {
	Seq   uint64 `json:"seq"`
	Value Value  `json:"value"`
}

// Action describes how a push mutates its stream.
type Action struct {
	Type ActionType `json:"type"`
	Seq  uint64     `json:"seq,omitempty"`
}

// ClientMessage is the inbound tagged union.
type ClientMessage struct {
	Type   ClientMessageType `json:"type"`
	Key    string            `json:"key,omitempty"`
	Seq    uint64            `json:"seq,omitempty"`
	Action *Action           `json:"action,omitempty"`
	Value  *Value            `json:"value,omitempty"`
	Nonce  *Value            `json:"nonce,omitempty"`
}

// ServerMessage is the outbound tagged union.
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Key     string            `json:"key,omitempty"`
	Data    []SequenceValue   `json:"data,omitempty"`
	Seq     uint64            `json:"seq,omitempty"`
	Value   *Value            `json:"value,omitempty"`
	Size    uint64            `json:"size,omitempty"`
	Nonce   *Value            `json:"nonce,omitempty"`
	Message string            `json:"message,omitempty"`
}

// Validate checks structural requirements for an inbound message.
func (m *ClientMessage) Validate() error {
	if m == nil {
		return errs.New("schema/client-message", errs.CodeInvalid, errs.WithMessage("message required"))
	}
	switch m.Type {
	case ClientSubscribe, ClientGet:
		if m.Key == "" {
			return errs.New("schema/client-message", errs.CodeInvalid, errs.WithMessage("key required"))
		}
	case ClientPush:
		if m.Key == "" {
			return errs.New("schema/client-message", errs.CodeInvalid, errs.WithMessage("key required"))
		}
		if m.Action == nil {
			return errs.New("schema/client-message", errs.CodeInvalid, errs.WithMessage("push action required"))
		}
		switch m.Action.Type {
		case ActionAppend, ActionRelay, ActionReplace, ActionCompact:
		default:
			return errs.New("schema/client-message", errs.CodeInvalid, errs.WithMessage("unknown push action"))
		}
	case ClientPing:
	case "":
		return errs.New("schema/client-message", errs.CodeInvalid, errs.WithMessage("message type required"))
	default:
		return errs.New("schema/client-message", errs.CodeInvalid, errs.WithMessage("unknown message type"))
	}
	return nil
}

// NewErrorMessage builds the outbound error envelope for a failed message.
func NewErrorMessage(message string) *ServerMessage {
	return &ServerMessage{Type: ServerError, Message: message}
}
