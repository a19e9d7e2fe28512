package multiplex

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxFrameSize      = 1500
	defaultMaxMessageSize    = 64 << 20
	defaultCloseTimeout      = 5 * time.Second
	defaultReassemblyTimeout = 30 * time.Second
)

type SessionState uint32

const (
	StateNegotiating SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

type SessionConfig struct {
	// Cipher seals every payload of the session. nil sends payloads in the clear.
	Cipher *PayloadCipher

	// MaxFrameSize is the largest frame payload this side proposes. The session uses the smaller
	// of both sides' proposals.
	MaxFrameSize int

	// MaxMessageSize caps how large an inbound reassembled message may grow
	MaxMessageSize int

	// RecvBufferSize is how many bytes of unread messages each stream holds. Messages arriving
	// beyond that are dropped and reported with ErrReceiveBufferFull.
	RecvBufferSize int

	// SeqBase is the frame info of the first frame of each multi-frame message
	SeqBase uint8

	// CloseTimeout bounds how long Close waits for queued messages to be written
	CloseTimeout time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = defaultRecvBufferSize
	}
}

// A Session is a negotiated conversation inside a Multiplexer. It owns one Stream per service
// type and fixes the header version and frame size for its whole lifetime.
type Session struct {
	id uint8

	SessionConfig

	mux *Multiplexer

	// atomic
	state uint32

	version      uint8
	maxFrameSize int

	// set while negotiating, closed once the handshake has an outcome
	nonce      uint32
	negotiated chan struct{}
	negErr     error

	streamsM sync.Mutex
	streams  map[ServiceType]*Stream

	// atomic
	nextMessageID uint32

	// number of sends that have not yet queued all their frames
	jobsCond *sync.Cond
	jobs     int

	// atomic
	txBytes int64
	// atomic
	rxBytes int64

	terminalMsgSetter sync.Once
	terminalMsg       atomic.Value

	// cancelled with the terminating error once the session is Closed
	ctx    context.Context
	cancel context.CancelCauseFunc

	terminateOnce sync.Once
	die           chan struct{}
}

func makeSession(mux *Multiplexer, id uint8, config SessionConfig) *Session {
	config.applyDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Session{
		ctx:           ctx,
		cancel:        cancel,
		id:            id,
		SessionConfig: config,
		mux:           mux,
		version:       mux.maxVersion,
		maxFrameSize:  config.MaxFrameSize,
		negotiated:    make(chan struct{}),
		streams:       map[ServiceType]*Stream{},
		jobsCond:      sync.NewCond(&sync.Mutex{}),
		die:           make(chan struct{}),
	}
}

func (sesh *Session) ID() uint8 { return sesh.id }

// Version is the header version every frame of this session is written with
func (sesh *Session) Version() uint8 { return sesh.version }

func (sesh *Session) MaxFrameSize() int { return sesh.maxFrameSize }

func (sesh *Session) State() SessionState { return SessionState(atomic.LoadUint32(&sesh.state)) }

func (sesh *Session) IsClosed() bool { return sesh.State() == StateClosed }

// Done is closed once the session is Closed
func (sesh *Session) Done() <-chan struct{} { return sesh.die }

func (sesh *Session) transition(from, to SessionState) bool {
	return atomic.CompareAndSwapUint32(&sesh.state, uint32(from), uint32(to))
}

// plainFrameSize is how much message data fits into one frame once the cipher has sealed it
func (sesh *Session) plainFrameSize() int {
	if sesh.Cipher == nil {
		return sesh.maxFrameSize
	}
	n := sesh.maxFrameSize - sesh.Cipher.Overhead()
	if n < 1 {
		n = 1
	}
	return n
}

func (sesh *Session) nextMsgID() uint32 {
	return atomic.AddUint32(&sesh.nextMessageID, 1)
}

func (sesh *Session) stateErr() error {
	switch sesh.State() {
	case StateActive:
		return nil
	case StateClosing:
		return ErrSessionClosing
	default:
		return ErrBrokenSession
	}
}

func (sesh *Session) acquireJob() error {
	sesh.jobsCond.L.Lock()
	defer sesh.jobsCond.L.Unlock()
	if err := sesh.stateErr(); err != nil {
		return err
	}
	sesh.jobs++
	return nil
}

func (sesh *Session) releaseJob() {
	sesh.jobsCond.L.Lock()
	sesh.jobs--
	sesh.jobsCond.Broadcast()
	sesh.jobsCond.L.Unlock()
}

func (sesh *Session) waitJobs(ctx context.Context) error {
	sesh.jobsCond.L.Lock()
	defer sesh.jobsCond.L.Unlock()
	for sesh.jobs > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		stop := context.AfterFunc(ctx, func() {
			sesh.jobsCond.L.Lock()
			sesh.jobsCond.Broadcast()
			sesh.jobsCond.L.Unlock()
		})
		sesh.jobsCond.Wait()
		stop()
	}
	return nil
}

// OpenStream returns the session's stream for service, creating it if needed. Both sides may
// open the same service: they share one stream.
func (sesh *Session) OpenStream(service ServiceType) (*Stream, error) {
	if !service.Valid() || service == ServiceControl {
		return nil, fmt.Errorf("%v cannot carry application messages", service)
	}
	if !service.supportedBy(sesh.version) {
		return nil, fmt.Errorf("%v is not supported by protocol version %v", service, sesh.version)
	}
	if err := sesh.stateErr(); err != nil {
		return nil, err
	}
	stream := sesh.getStream(service)
	if stream == nil {
		return nil, ErrBrokenSession
	}
	return stream, nil
}

// getStream returns nil once the session is closed
func (sesh *Session) getStream(service ServiceType) *Stream {
	sesh.streamsM.Lock()
	defer sesh.streamsM.Unlock()
	if sesh.streams == nil {
		return nil
	}
	stream, ok := sesh.streams[service]
	if !ok {
		stream = makeStream(sesh, service)
		sesh.streams[service] = stream
		log.Tracef("%v stream of session %v opened", service, sesh.id)
	}
	return stream
}

func (sesh *Session) removeStream(s *Stream) {
	sesh.streamsM.Lock()
	if sesh.streams[s.service] == s {
		delete(sesh.streams, s.service)
	}
	sesh.streamsM.Unlock()
}

func (sesh *Session) endService(service ServiceType) {
	sesh.streamsM.Lock()
	stream := sesh.streams[service]
	delete(sesh.streams, service)
	sesh.streamsM.Unlock()
	if stream != nil {
		stream.passiveClose(ErrBrokenStream)
	}
}

// recvFrame routes an application frame to its stream
func (sesh *Session) recvFrame(f *Frame) error {
	if f.Version != sesh.version {
		return fmt.Errorf("%w: frame with version %v on session %v negotiated at version %v",
			ErrProtocolViolation, f.Version, sesh.id, sesh.version)
	}
	atomic.AddInt64(&sesh.rxBytes, int64(HeaderSize(f.Version)+len(f.Payload)))
	stream := sesh.getStream(f.Service)
	if stream == nil {
		return ErrBrokenSession
	}
	return stream.recvFrame(f)
}

func (sesh *Session) purgeStale(now time.Time, timeout time.Duration) []ServiceType {
	sesh.streamsM.Lock()
	streams := make([]*Stream, 0, len(sesh.streams))
	for _, s := range sesh.streams {
		streams = append(streams, s)
	}
	sesh.streamsM.Unlock()

	var purged []ServiceType
	for _, s := range streams {
		if s.purgeStale(now, timeout) {
			purged = append(purged, s.service)
		}
	}
	return purged
}

func (sesh *Session) SetTerminalMsg(msg string) {
	log.Debugf("terminal message of session %v set to %v", sesh.id, msg)
	sesh.terminalMsgSetter.Do(func() {
		sesh.terminalMsg.Store(msg)
	})
}

func (sesh *Session) TerminalMsg() string {
	msg, _ := sesh.terminalMsg.Load().(string)
	return msg
}

// Close ends the session cooperatively. New sends are refused straight away, messages already
// accepted are given CloseTimeout to reach the wire, then the remote is told and the session is
// torn down.
func (sesh *Session) Close() error {
	if !sesh.transition(StateActive, StateClosing) {
		if sesh.transition(StateNegotiating, StateClosed) {
			sesh.terminate(ErrBrokenSession)
			return nil
		}
		return errRepeatSessionClosing
	}
	log.Debugf("attempting to actively close session %v", sesh.id)

	ctx, cancel := context.WithTimeout(context.Background(), sesh.CloseTimeout)
	defer cancel()

	err := sesh.waitJobs(ctx)
	if err == nil {
		err = sesh.mux.sched.waitDrained(ctx, sesh.id)
	}
	if err != nil {
		log.Warnf("session %v closing with unsent messages: %v", sesh.id, err)
	}

	f, _ := controlFrame(sesh.version, sesh.id, ctrlEndSession, nil)
	d := newDelivery()
	if err := sesh.mux.sched.push(ctx, &outFrame{frame: f, owner: sesh, delivery: d}); err != nil {
		d.resolve(err)
	}
	if err := d.Wait(ctx); err != nil {
		log.Debugf("failed to notify remote of the end of session %v: %v", sesh.id, err)
	}

	sesh.SetTerminalMsg("closed locally")
	sesh.terminate(ErrBrokenSession)
	log.Debugf("session %v closed gracefully", sesh.id)
	return nil
}

// passiveClose is used when the remote ends the session
func (sesh *Session) passiveClose() {
	log.Debugf("session %v closed by remote", sesh.id)
	sesh.SetTerminalMsg("closed by remote")
	f, _ := controlFrame(sesh.version, sesh.id, ctrlEndSessionACK, nil)
	// queued outside the session so that terminating it does not drop the answer
	_ = sesh.mux.sched.push(context.Background(), &outFrame{frame: f, queue: &queueKey{controlSessionID, ServiceControl}})
	sesh.terminate(ErrBrokenSession)
}

// terminate releases everything the session holds. Sends still queued or still reading their
// source fail with err.
func (sesh *Session) terminate(err error) {
	sesh.terminateOnce.Do(func() {
		atomic.StoreUint32(&sesh.state, uint32(StateClosed))
		sesh.cancel(err)
		sesh.mux.removeSession(sesh)
		if sesh.id != controlSessionID {
			sesh.mux.sched.dropSession(sesh.id, err)
		}

		sesh.streamsM.Lock()
		streams := sesh.streams
		sesh.streams = nil
		sesh.streamsM.Unlock()
		for _, s := range streams {
			s.passiveClose(err)
		}

		sesh.jobsCond.L.Lock()
		sesh.jobsCond.Broadcast()
		sesh.jobsCond.L.Unlock()
		close(sesh.die)
	})
}

type SessionStats struct {
	ID           uint8    `json:"id"`
	State        string   `json:"state"`
	Version      uint8    `json:"version"`
	MaxFrameSize int      `json:"max_frame_size"`
	Encrypted    bool     `json:"encrypted"`
	Streams      []string `json:"streams"`
	QueuedFrames int      `json:"queued_frames"`
	TxBytes      int64    `json:"tx_bytes"`
	RxBytes      int64    `json:"rx_bytes"`
	TerminalMsg  string   `json:"terminal_msg,omitempty"`
}

func (sesh *Session) Stats() SessionStats {
	sesh.streamsM.Lock()
	services := make([]ServiceType, 0, len(sesh.streams))
	for svc := range sesh.streams {
		services = append(services, svc)
	}
	sesh.streamsM.Unlock()
	sort.Slice(services, func(i, j int) bool { return services[i] < services[j] })
	names := make([]string, len(services))
	for i, svc := range services {
		names[i] = svc.String()
	}

	return SessionStats{
		ID:           sesh.id,
		State:        sesh.State().String(),
		Version:      sesh.version,
		MaxFrameSize: sesh.maxFrameSize,
		Encrypted:    sesh.Cipher != nil,
		Streams:      names,
		QueuedFrames: sesh.mux.sched.pending(sesh.id),
		TxBytes:      atomic.LoadInt64(&sesh.txBytes),
		RxBytes:      atomic.LoadInt64(&sesh.rxBytes),
		TerminalMsg:  sesh.TerminalMsg(),
	}
}
