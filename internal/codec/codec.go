// Package codec translates between websocket frames and schema messages.
// A connection picks one codec at accept time and keeps it for life: JSON
// text frames by default, CBOR binary frames when binary mode is negotiated.
package codec

import (
	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"

	"github.com/driftlab/driftdb/errs"
	"github.com/driftlab/driftdb/internal/schema"
)

// Codec frames outbound messages and parses inbound ones.
type Codec interface {
	// Name identifies the codec in logs.
	Name() string
	// FrameType is the websocket message type this codec writes.
	FrameType() websocket.MessageType
	// EncodeServer frames an outbound message.
	EncodeServer(msg *schema.ServerMessage) ([]byte, error)
	// DecodeClient parses an inbound frame.
	DecodeClient(data []byte) (*schema.ClientMessage, error)
}

// ForBinary returns the codec for the negotiated mode.
func ForBinary(binary bool) Codec {
	if binary {
		return cborCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) FrameType() websocket.MessageType { return websocket.MessageText }

func (jsonCodec) EncodeServer(msg *schema.ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errs.New("codec/json", errs.CodeInternal, errs.WithMessage("encode message"), errs.WithCause(err))
	}
	return data, nil
}

func (jsonCodec) DecodeClient(data []byte) (*schema.ClientMessage, error) {
	msg := new(schema.ClientMessage)
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errs.New("codec/json", errs.CodeInvalid, errs.WithMessage("malformed frame"), errs.WithCause(err))
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) FrameType() websocket.MessageType { return websocket.MessageBinary }

func (cborCodec) EncodeServer(msg *schema.ServerMessage) ([]byte, error) {
	data, err := cbor.Marshal(msg)
	if err != nil {
		return nil, errs.New("codec/cbor", errs.CodeInternal, errs.WithMessage("encode message"), errs.WithCause(err))
	}
	return data, nil
}

func (cborCodec) DecodeClient(data []byte) (*schema.ClientMessage, error) {
	msg := new(schema.ClientMessage)
	if err := cbor.Unmarshal(data, msg); err != nil {
		return nil, errs.New("codec/cbor", errs.CodeInvalid, errs.WithMessage("malformed frame"), errs.WithCause(err))
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
