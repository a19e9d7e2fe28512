package multiplex

import (
	"encoding/binary"
	"fmt"
	"math"
)

var u32 = binary.BigEndian.Uint32
var u64 = binary.BigEndian.Uint64
var putU32 = binary.BigEndian.PutUint32
var putU64 = binary.BigEndian.PutUint64

const (
	// VersionLegacy frames carry no message id and a 32-bit length
	VersionLegacy uint8 = 0
	// VersionStandard adds a 32-bit message id after the length
	VersionStandard uint8 = 1
	// VersionExtended widens the length field to 64 bits
	VersionExtended uint8 = 2

	MaxProtocolVersion = VersionExtended

	DefaultMaxPayloadSize = 1 << 20
)

const (
	flagEncrypted = 0x08
	frameTypeMask = 0x07
)

type headerLayout struct {
	size         int
	lenWidth     int
	hasMessageID bool
}

// byte 0: [version 4 bits][encrypted 1 bit][frame type 3 bits]
// byte 1: service type
// byte 2: frame info
// byte 3: session id
// then the payload length and, from VersionStandard on, the message id
func layoutFor(version uint8) (headerLayout, bool) {
	switch version {
	case VersionLegacy:
		return headerLayout{size: 8, lenWidth: 4}, true
	case VersionStandard:
		return headerLayout{size: 12, lenWidth: 4, hasMessageID: true}, true
	case VersionExtended:
		return headerLayout{size: 16, lenWidth: 8, hasMessageID: true}, true
	default:
		return headerLayout{}, false
	}
}

// HeaderSize returns the header length for version, or 0 if the version is unknown
func HeaderSize(version uint8) int {
	l, _ := layoutFor(version)
	return l.size
}

// Encode serialises f into a newly allocated slice
func Encode(f *Frame) ([]byte, error) {
	return AppendFrame(nil, f)
}

// AppendFrame appends the wire form of f to dst. The message id is not representable in the
// legacy layout and is dropped there.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	layout, ok := layoutFor(f.Version)
	if !ok {
		return dst, fmt.Errorf("encoding frame: unsupported version %v", f.Version)
	}
	if !f.Type.Valid() {
		return dst, fmt.Errorf("encoding frame: invalid frame type %v", f.Type)
	}
	if !f.Service.supportedBy(f.Version) {
		return dst, fmt.Errorf("encoding frame: %v is not supported by version %v", f.Service, f.Version)
	}
	if layout.lenWidth == 4 && uint64(len(f.Payload)) > math.MaxUint32 {
		return dst, fmt.Errorf("encoding frame: payload of %v bytes does not fit version %v", len(f.Payload), f.Version)
	}

	start := len(dst)
	dst = append(dst, make([]byte, layout.size)...)
	header := dst[start:]

	header[0] = f.Version<<4 | uint8(f.Type)&frameTypeMask
	if f.Encrypted {
		header[0] |= flagEncrypted
	}
	header[1] = uint8(f.Service)
	header[2] = f.Info
	header[3] = f.SessionID
	switch layout.lenWidth {
	case 4:
		putU32(header[4:8], uint32(len(f.Payload)))
	case 8:
		putU64(header[4:12], uint64(len(f.Payload)))
	}
	if layout.hasMessageID {
		off := 4 + layout.lenWidth
		putU32(header[off:off+4], f.MessageID)
	}
	return append(dst, f.Payload...), nil
}

// Decode parses one frame from the front of b. It returns ErrNeedMoreData if b holds only a
// prefix of a frame, and an error wrapping ErrMalformedFrame if the header cannot be valid.
// The returned payload does not alias b.
func Decode(b []byte, maxPayload int) (*Frame, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrNeedMoreData
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}

	version := b[0] >> 4
	layout, ok := layoutFor(version)
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown protocol version %v", ErrMalformedFrame, version)
	}
	if len(b) < layout.size {
		return nil, 0, ErrNeedMoreData
	}

	frameType := FrameType(b[0] & frameTypeMask)
	if !frameType.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown frame type %v", ErrMalformedFrame, uint8(frameType))
	}
	service := ServiceType(b[1])
	if !service.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown service type 0x%02x", ErrMalformedFrame, b[1])
	}
	if !service.supportedBy(version) {
		return nil, 0, fmt.Errorf("%w: %v is not supported by version %v", ErrMalformedFrame, service, version)
	}

	var payloadLen uint64
	switch layout.lenWidth {
	case 4:
		payloadLen = uint64(u32(b[4:8]))
	case 8:
		payloadLen = u64(b[4:12])
	}
	if payloadLen > uint64(maxPayload) {
		return nil, 0, fmt.Errorf("%w: declared payload length %v exceeds limit %v", ErrMalformedFrame, payloadLen, maxPayload)
	}

	total := layout.size + int(payloadLen)
	if len(b) < total {
		return nil, 0, ErrNeedMoreData
	}

	f := &Frame{
		Version:   version,
		Encrypted: b[0]&flagEncrypted != 0,
		SessionID: b[3],
		Service:   service,
		Type:      frameType,
		Info:      b[2],
	}
	if layout.hasMessageID {
		off := 4 + layout.lenWidth
		f.MessageID = u32(b[off : off+4])
	}
	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, b[layout.size:total])
	return f, total, nil
}
