package multiplex

import (
	"io"
	"sync/atomic"
)

// Packetizer cuts a byte source of possibly unknown length into a sequence of frames no larger
// than maxFrameSize. Only one frame's worth of data plus a single look-ahead byte is held at any
// time. The look-ahead byte is what tells a First frame from a Single one and a Last frame from
// a Consecutive one without knowing the source length.
//
// A Packetizer is single-pass: once the source is consumed it cannot be restarted.
type Packetizer struct {
	src          io.Reader
	maxFrameSize int

	sessionID uint8
	service   ServiceType
	version   uint8
	messageID uint32

	seq     uint8
	started bool
	done    bool

	buf          []byte
	lookahead    [1]byte
	hasLookahead bool

	// atomic
	bytesSent int64
	// atomic
	cancelled uint32
}

type PacketizerOption func(*Packetizer)

// SeqBase sets the frame info of the first frame. Following frames count up from it, wrapping after 255.
func SeqBase(base uint8) PacketizerOption {
	return func(p *Packetizer) { p.seq = base }
}

func WithVersion(version uint8) PacketizerOption {
	return func(p *Packetizer) { p.version = version }
}

func WithMessageID(id uint32) PacketizerOption {
	return func(p *Packetizer) { p.messageID = id }
}

func NewPacketizer(src io.Reader, maxFrameSize int, sessionID uint8, service ServiceType, opts ...PacketizerOption) *Packetizer {
	if maxFrameSize < 1 {
		maxFrameSize = 1
	}
	p := &Packetizer{
		src:          src,
		maxFrameSize: maxFrameSize,
		sessionID:    sessionID,
		service:      service,
		version:      MaxProtocolVersion,
		buf:          make([]byte, maxFrameSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next pulls the next frame's worth of data from the source. It returns io.EOF once the
// terminating Single or Last frame has been produced, and ErrPacketizerCancelled after Cancel.
// Errors from the source other than io.EOF are returned as is.
func (p *Packetizer) Next() (*Frame, error) {
	if p.isCancelled() {
		return nil, ErrPacketizerCancelled
	}
	if p.done {
		return nil, io.EOF
	}

	n := 0
	if p.hasLookahead {
		p.buf[0] = p.lookahead[0]
		p.hasLookahead = false
		n = 1
	}

	exhausted := false
	read, err := io.ReadFull(p.src, p.buf[n:])
	n += read
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		exhausted = true
	default:
		return nil, err
	}

	if !exhausted {
		peeked, err := io.ReadFull(p.src, p.lookahead[:])
		switch {
		case peeked == 1:
			p.hasLookahead = true
		case err == io.EOF:
			exhausted = true
		default:
			return nil, err
		}
	}

	// Cancel may have been called while we were blocked on the source
	if p.isCancelled() {
		return nil, ErrPacketizerCancelled
	}

	var frameType FrameType
	switch {
	case !p.started && exhausted:
		frameType = FrameSingle
	case !p.started:
		frameType = FrameFirst
	case exhausted:
		frameType = FrameLast
	default:
		frameType = FrameConsecutive
	}

	payload := make([]byte, n)
	copy(payload, p.buf[:n])
	f := &Frame{
		Version:   p.version,
		SessionID: p.sessionID,
		Service:   p.service,
		Type:      frameType,
		Info:      p.seq,
		MessageID: p.messageID,
		Payload:   payload,
	}

	p.seq++
	p.started = true
	p.done = exhausted
	atomic.AddInt64(&p.bytesSent, int64(n))
	return f, nil
}

// Cancel stops the packetizer from pulling any more data. It is safe to call concurrently with Next.
func (p *Packetizer) Cancel() {
	atomic.StoreUint32(&p.cancelled, 1)
}

func (p *Packetizer) isCancelled() bool {
	return atomic.LoadUint32(&p.cancelled) == 1
}

// BytesSent is the number of source bytes already emitted in frames
func (p *Packetizer) BytesSent() int64 {
	return atomic.LoadInt64(&p.bytesSent)
}
