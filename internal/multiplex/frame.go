package multiplex

import "fmt"

// ServiceType is the logical channel a frame belongs to within a session
type ServiceType uint8

const (
	ServiceControl  ServiceType = 0x00
	ServiceRPC      ServiceType = 0x07
	ServiceAudio    ServiceType = 0x0A
	ServiceVideo    ServiceType = 0x0B
	ServiceBulkData ServiceType = 0x0F
)

// Services lists every service type in wire-value order
var Services = []ServiceType{ServiceControl, ServiceRPC, ServiceAudio, ServiceVideo, ServiceBulkData}

func (s ServiceType) String() string {
	switch s {
	case ServiceControl:
		return "control"
	case ServiceRPC:
		return "rpc"
	case ServiceAudio:
		return "audio"
	case ServiceVideo:
		return "video"
	case ServiceBulkData:
		return "bulk"
	default:
		return fmt.Sprintf("service(0x%02x)", uint8(s))
	}
}

func (s ServiceType) Valid() bool {
	switch s {
	case ServiceControl, ServiceRPC, ServiceAudio, ServiceVideo, ServiceBulkData:
		return true
	default:
		return false
	}
}

// supportedBy reports whether a peer speaking version can carry this service.
// Streaming media services were introduced together with the standard header.
func (s ServiceType) supportedBy(version uint8) bool {
	switch s {
	case ServiceControl, ServiceRPC, ServiceBulkData:
		return true
	case ServiceAudio, ServiceVideo:
		return version >= VersionStandard
	default:
		return false
	}
}

// scheduling tiers, lower is served first
const (
	tierControl = iota
	tierRPC
	tierBulk
	numTiers
)

func (s ServiceType) tier() int {
	switch s {
	case ServiceControl:
		return tierControl
	case ServiceRPC:
		return tierRPC
	default:
		return tierBulk
	}
}

// FrameType tells where a frame sits inside a (possibly multi-frame) message
type FrameType uint8

const (
	FrameSingle      FrameType = 1
	FrameFirst       FrameType = 2
	FrameConsecutive FrameType = 3
	FrameLast        FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case FrameSingle:
		return "single"
	case FrameFirst:
		return "first"
	case FrameConsecutive:
		return "consecutive"
	case FrameLast:
		return "last"
	default:
		return fmt.Sprintf("frametype(%d)", uint8(t))
	}
}

func (t FrameType) Valid() bool {
	switch t {
	case FrameSingle, FrameFirst, FrameConsecutive, FrameLast:
		return true
	default:
		return false
	}
}

// SessionID 0 is reserved for session negotiation on the control service
const controlSessionID uint8 = 0

type Frame struct {
	Version   uint8
	Encrypted bool
	SessionID uint8
	Service   ServiceType
	Type      FrameType
	// Info is the sequence number of a multi-frame message, or the control subtype on the control service
	Info      uint8
	MessageID uint32
	Payload   []byte
}

func (f *Frame) PayloadLen() int { return len(f.Payload) }

func (f *Frame) String() string {
	return fmt.Sprintf("v%d session=%d %v/%v info=%d msg=%d len=%d",
		f.Version, f.SessionID, f.Service, f.Type, f.Info, f.MessageID, len(f.Payload))
}
