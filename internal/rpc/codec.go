package rpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type MessageType uint8

const (
	MsgRequest MessageType = iota
	MsgResponse
	MsgNotification
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	case MsgNotification:
		return "notification"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Message is an application RPC message as carried in the payload of the RPC service. A
// response carries the name of the request it answers. Error is set on responses whose
// handler failed.
type Message struct {
	_             struct{} `cbor:",toarray"`
	Type          MessageType
	Name          string
	CorrelationID uint32
	Params        cbor.RawMessage
	Error         string
}

// Decode unmarshals the message's parameters into v
func (m *Message) Decode(v interface{}) error {
	if len(m.Params) == 0 {
		return nil
	}
	return cbor.Unmarshal(m.Params, v)
}

type Codec interface {
	Marshal(m *Message) ([]byte, error)
	Unmarshal(b []byte) (*Message, error)
	// MarshalParams turns application parameters into a message's Params
	MarshalParams(v interface{}) (cbor.RawMessage, error)
}

type CBORCodec struct{}

func (CBORCodec) Marshal(m *Message) ([]byte, error) { return cbor.Marshal(m) }

func (CBORCodec) Unmarshal(b []byte) (*Message, error) {
	m := new(Message)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, err
	}
	switch m.Type {
	case MsgRequest, MsgResponse, MsgNotification:
	default:
		return nil, fmt.Errorf("unknown message type %v", m.Type)
	}
	return m, nil
}

func (CBORCodec) MarshalParams(v interface{}) (cbor.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(cbor.RawMessage); ok {
		return raw, nil
	}
	return cbor.Marshal(v)
}
