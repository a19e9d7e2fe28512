package multiplex

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Control subtypes, carried in Frame.Info of Single frames on the control service
const (
	ctrlStartSession    uint8 = 0x01
	ctrlStartSessionACK uint8 = 0x02
	ctrlStartSessionNAK uint8 = 0x03
	ctrlEndSession      uint8 = 0x04
	ctrlEndSessionACK   uint8 = 0x05
	ctrlEndService      uint8 = 0x06
	ctrlHeartbeat       uint8 = 0x07
	ctrlHeartbeatACK    uint8 = 0x08
)

func controlName(subtype uint8) string {
	switch subtype {
	case ctrlStartSession:
		return "StartSession"
	case ctrlStartSessionACK:
		return "StartSessionACK"
	case ctrlStartSessionNAK:
		return "StartSessionNAK"
	case ctrlEndSession:
		return "EndSession"
	case ctrlEndSessionACK:
		return "EndSessionACK"
	case ctrlEndService:
		return "EndService"
	case ctrlHeartbeat:
		return "Heartbeat"
	case ctrlHeartbeatACK:
		return "HeartbeatACK"
	default:
		return fmt.Sprintf("control(0x%02x)", subtype)
	}
}

// hello opens a session. Nonce pairs the answer with the request.
type hello struct {
	_            struct{} `cbor:",toarray"`
	Nonce        uint32
	MaxVersion   uint8
	MaxFrameSize uint32
}

// welcome accepts a session and fixes its parameters for its lifetime
type welcome struct {
	_            struct{} `cbor:",toarray"`
	Nonce        uint32
	SessionID    uint8
	Version      uint8
	MaxFrameSize uint32
}

type refusal struct {
	_      struct{} `cbor:",toarray"`
	Nonce  uint32
	Reason string
}

type serviceEnd struct {
	_       struct{} `cbor:",toarray"`
	Service ServiceType
}

func controlFrame(version uint8, sessionID uint8, subtype uint8, body interface{}) (*Frame, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = cbor.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling %v: %w", controlName(subtype), err)
		}
	}
	return &Frame{
		Version:   version,
		SessionID: sessionID,
		Service:   ServiceControl,
		Type:      FrameSingle,
		Info:      subtype,
		Payload:   payload,
	}, nil
}

func parseControl(f *Frame, body interface{}) error {
	if err := cbor.Unmarshal(f.Payload, body); err != nil {
		return fmt.Errorf("%w: bad %v payload: %v", ErrProtocolViolation, controlName(f.Info), err)
	}
	return nil
}
