package multiplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkmux/linkmux/internal/common"

	log "github.com/sirupsen/logrus"
)

const (
	acceptBacklog         = 64
	defaultQueueDepth     = 64
	defaultPurgeInterval  = 5 * time.Second
	connReceiveBufferSize = 20480
)

// Transport is the reliable, ordered byte stream a Multiplexer runs over
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

type MultiplexerConfig struct {
	// Session is the configuration of every session started or accepted by the multiplexer
	Session SessionConfig

	// Valve is used to limit transmission rates, and record usage
	Valve

	// MaxVersion caps the header version this side negotiates. nil means MaxProtocolVersion.
	MaxVersion *uint8

	// MaxPayloadSize is the largest payload length a decoded header may announce. Anything
	// larger is malformed and tears the transport down.
	MaxPayloadSize int

	// QueueDepth is the number of frames each (session, service) queue holds before senders wait
	QueueDepth int

	// ReassemblyTimeout is how long a partially received message may go without a new frame
	ReassemblyTimeout time.Duration
	PurgeInterval     time.Duration

	// AcceptSessions lets the remote start sessions. Session ids are assigned by the accepting
	// side, so only one side of a transport should accept.
	AcceptSessions bool

	// World is the clock stale partial messages are measured against. Defaults to the real one.
	World common.WorldState

	// OnError is told about every recoverable error. Connection-fatal errors are reported with
	// session id 0 right before the multiplexer closes.
	OnError func(sessionID uint8, err error)
}

// A Multiplexer carries sessions over a single transport. A writer worker serialises the frames
// picked by the scheduler onto the transport, and a reader worker decodes incoming frames and
// routes them to their sessions.
type Multiplexer struct {
	MultiplexerConfig

	maxVersion uint8

	sched *scheduler
	sb    *switchboard

	sessionsM   sync.Mutex
	sessions    map[uint8]*Session
	negotiating map[uint32]*Session

	acceptCh chan *Session

	broken uint32
	die    chan struct{}

	terminalMsgSetter sync.Once
	terminalMsg       atomic.Value
}

func MakeMultiplexer(conn Transport, config MultiplexerConfig) *Multiplexer {
	m := &Multiplexer{
		MultiplexerConfig: config,
		maxVersion:        MaxProtocolVersion,
		sessions:          map[uint8]*Session{},
		negotiating:       map[uint32]*Session{},
		acceptCh:          make(chan *Session, acceptBacklog),
		die:               make(chan struct{}),
	}
	if config.MaxVersion != nil && *config.MaxVersion < MaxProtocolVersion {
		m.maxVersion = *config.MaxVersion
	}
	if config.Valve == nil {
		m.Valve = MakeValve(0, 0)
	}
	if config.MaxPayloadSize <= 0 {
		m.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if config.QueueDepth <= 0 {
		m.QueueDepth = defaultQueueDepth
	}
	if config.ReassemblyTimeout <= 0 {
		m.ReassemblyTimeout = defaultReassemblyTimeout
	}
	if config.PurgeInterval <= 0 {
		m.PurgeInterval = defaultPurgeInterval
	}
	if config.World.Now == nil {
		m.World = common.RealWorldState
	}
	m.Session.applyDefaults()
	if m.Session.MaxFrameSize > m.MaxPayloadSize {
		m.Session.MaxFrameSize = m.MaxPayloadSize
	}

	m.sched = newScheduler(m.QueueDepth)
	m.sb = makeSwitchboard(m, conn)
	go m.sb.dispatch()
	go m.sb.deplex()
	go m.sweep()
	return m
}

func (m *Multiplexer) IsClosed() bool { return atomic.LoadUint32(&m.broken) == 1 }

// Done is closed once the multiplexer has shut down
func (m *Multiplexer) Done() <-chan struct{} { return m.die }

// StartSession negotiates a new session with the remote. The returned session is Active.
func (m *Multiplexer) StartSession(ctx context.Context) (*Session, error) {
	if m.IsClosed() {
		return nil, ErrBrokenSession
	}
	sesh := makeSession(m, controlSessionID, m.Session)

	m.sessionsM.Lock()
	for {
		sesh.nonce = common.CryptoRandUint32()
		if _, taken := m.negotiating[sesh.nonce]; !taken {
			break
		}
	}
	m.negotiating[sesh.nonce] = sesh
	m.sessionsM.Unlock()

	// the handshake always uses the legacy header so any version of the remote can read it
	f, err := controlFrame(VersionLegacy, controlSessionID, ctrlStartSession, hello{
		Nonce:        sesh.nonce,
		MaxVersion:   m.maxVersion,
		MaxFrameSize: uint32(sesh.maxFrameSize),
	})
	if err == nil {
		err = m.sched.push(ctx, &outFrame{frame: f})
	}
	if err != nil {
		sesh.terminate(err)
		return nil, err
	}

	select {
	case <-sesh.negotiated:
	case <-ctx.Done():
		if sesh.transition(StateNegotiating, StateClosed) {
			sesh.terminate(ctx.Err())
			return nil, ctx.Err()
		}
		// the answer raced with cancellation
		<-sesh.negotiated
	case <-m.die:
		return nil, ErrBrokenSession
	}
	if sesh.negErr != nil {
		return nil, sesh.negErr
	}
	log.Debugf("session %v started at version %v with frames of %v bytes", sesh.id, sesh.version, sesh.maxFrameSize)
	return sesh, nil
}

// Accept blocks until the remote starts a session
func (m *Multiplexer) Accept(ctx context.Context) (*Session, error) {
	select {
	case sesh := <-m.acceptCh:
		log.Tracef("session %v accepted", sesh.id)
		return sesh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.die:
		return nil, ErrBrokenSession
	}
}

func (m *Multiplexer) GetSession(id uint8) *Session {
	m.sessionsM.Lock()
	defer m.sessionsM.Unlock()
	return m.sessions[id]
}

// CloseSession closes an active session cooperatively
func (m *Multiplexer) CloseSession(id uint8) error {
	sesh := m.GetSession(id)
	if sesh == nil {
		return fmt.Errorf("session %v: %w", id, ErrBrokenSession)
	}
	return sesh.Close()
}

func (m *Multiplexer) removeSession(sesh *Session) {
	m.sessionsM.Lock()
	if m.sessions[sesh.id] == sesh {
		delete(m.sessions, sesh.id)
	}
	if m.negotiating[sesh.nonce] == sesh {
		delete(m.negotiating, sesh.nonce)
	}
	m.sessionsM.Unlock()
}

func (m *Multiplexer) snapshot() []*Session {
	m.sessionsM.Lock()
	defer m.sessionsM.Unlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sesh := range m.sessions {
		sessions = append(sessions, sesh)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
	return sessions
}

// Stats describes every active or closing session, in session id order
func (m *Multiplexer) Stats() []SessionStats {
	sessions := m.snapshot()
	stats := make([]SessionStats, len(sessions))
	for i, sesh := range sessions {
		stats[i] = sesh.Stats()
	}
	return stats
}

func (m *Multiplexer) report(sessionID uint8, err error) {
	log.WithField("session", sessionID).Warn(err)
	if m.OnError != nil {
		m.OnError(sessionID, err)
	}
}

// sweep purges partially reassembled messages that stopped receiving frames
func (m *Multiplexer) sweep() {
	ticker := time.NewTicker(m.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.die:
			return
		case <-ticker.C:
			now := m.World.Now()
			for _, sesh := range m.snapshot() {
				for _, svc := range sesh.purgeStale(now, m.ReassemblyTimeout) {
					m.report(sesh.id, fmt.Errorf("%w: incomplete %v message purged after %v", ErrTimeout, svc, m.ReassemblyTimeout))
				}
			}
		}
	}
}

// dispatchFrame is called by the reader worker for every decoded frame
func (m *Multiplexer) dispatchFrame(f *Frame) {
	if f.Service == ServiceControl {
		if err := m.handleControl(f); err != nil {
			m.report(f.SessionID, err)
		}
		return
	}
	sesh := m.GetSession(f.SessionID)
	if sesh == nil {
		m.report(f.SessionID, fmt.Errorf("%w: %v frame for unknown session %v", ErrProtocolViolation, f.Service, f.SessionID))
		return
	}
	if err := sesh.recvFrame(f); err != nil {
		m.report(f.SessionID, err)
	}
}

func (m *Multiplexer) handleControl(f *Frame) error {
	if f.Type != FrameSingle {
		return fmt.Errorf("%w: control messages must be single frames, got %v", ErrProtocolViolation, f.Type)
	}
	log.Tracef("received %v for session %v", controlName(f.Info), f.SessionID)
	switch f.Info {
	case ctrlStartSession:
		return m.acceptSession(f)
	case ctrlStartSessionACK:
		return m.sessionAccepted(f)
	case ctrlStartSessionNAK:
		var r refusal
		if err := parseControl(f, &r); err != nil {
			return err
		}
		sesh := m.takeNegotiating(r.Nonce)
		if sesh == nil {
			return fmt.Errorf("%w: refusal for unknown handshake %v", ErrProtocolViolation, r.Nonce)
		}
		sesh.negErr = fmt.Errorf("%w: %v", ErrSessionRefused, r.Reason)
		if sesh.transition(StateNegotiating, StateClosed) {
			sesh.terminate(sesh.negErr)
		}
		close(sesh.negotiated)
		return nil
	case ctrlEndSession:
		sesh := m.GetSession(f.SessionID)
		if sesh == nil {
			return fmt.Errorf("%w: end of unknown session %v", ErrProtocolViolation, f.SessionID)
		}
		sesh.passiveClose()
		return nil
	case ctrlEndSessionACK:
		log.Debugf("remote acknowledged the end of session %v", f.SessionID)
		return nil
	case ctrlEndService:
		var se serviceEnd
		if err := parseControl(f, &se); err != nil {
			return err
		}
		sesh := m.GetSession(f.SessionID)
		if sesh == nil {
			return fmt.Errorf("%w: end of %v on unknown session %v", ErrProtocolViolation, se.Service, f.SessionID)
		}
		sesh.endService(se.Service)
		return nil
	case ctrlHeartbeat:
		ack, _ := controlFrame(f.Version, f.SessionID, ctrlHeartbeatACK, nil)
		return m.sched.push(context.Background(), &outFrame{frame: ack})
	case ctrlHeartbeatACK:
		return nil
	default:
		return fmt.Errorf("%w: unknown control subtype 0x%02x", ErrProtocolViolation, f.Info)
	}
}

func (m *Multiplexer) takeNegotiating(nonce uint32) *Session {
	m.sessionsM.Lock()
	defer m.sessionsM.Unlock()
	sesh := m.negotiating[nonce]
	delete(m.negotiating, nonce)
	return sesh
}

func (m *Multiplexer) acceptSession(f *Frame) error {
	var h hello
	if err := parseControl(f, &h); err != nil {
		return err
	}
	if !m.AcceptSessions {
		return m.refuse(h.Nonce, "not accepting sessions")
	}

	version := h.MaxVersion
	if version > m.maxVersion {
		version = m.maxVersion
	}

	m.sessionsM.Lock()
	id, err := m.freeSessionIDLocked()
	if err != nil {
		m.sessionsM.Unlock()
		return m.refuse(h.Nonce, err.Error())
	}
	sesh := makeSession(m, id, m.Session)
	sesh.version = version
	if int(h.MaxFrameSize) < sesh.maxFrameSize && h.MaxFrameSize > 0 {
		sesh.maxFrameSize = int(h.MaxFrameSize)
	}
	sesh.transition(StateNegotiating, StateActive)
	close(sesh.negotiated)
	m.sessions[id] = sesh
	m.sessionsM.Unlock()

	ack, err := controlFrame(VersionLegacy, controlSessionID, ctrlStartSessionACK, welcome{
		Nonce:        h.Nonce,
		SessionID:    id,
		Version:      version,
		MaxFrameSize: uint32(sesh.maxFrameSize),
	})
	if err == nil {
		err = m.sched.push(context.Background(), &outFrame{frame: ack})
	}
	if err != nil {
		sesh.terminate(err)
		return err
	}

	select {
	case m.acceptCh <- sesh:
		log.Debugf("session %v negotiated at version %v", id, version)
	default:
		sesh.SetTerminalMsg("accept backlog full")
		go sesh.Close()
	}
	return nil
}

func (m *Multiplexer) freeSessionIDLocked() (uint8, error) {
	for id := 1; id <= 255; id++ {
		if _, taken := m.sessions[uint8(id)]; !taken {
			return uint8(id), nil
		}
	}
	return 0, errNoFreeSessionID
}

func (m *Multiplexer) refuse(nonce uint32, reason string) error {
	log.Debugf("refusing session: %v", reason)
	nak, err := controlFrame(VersionLegacy, controlSessionID, ctrlStartSessionNAK, refusal{Nonce: nonce, Reason: reason})
	if err != nil {
		return err
	}
	return m.sched.push(context.Background(), &outFrame{frame: nak})
}

func (m *Multiplexer) sessionAccepted(f *Frame) error {
	var w welcome
	if err := parseControl(f, &w); err != nil {
		return err
	}
	sesh := m.takeNegotiating(w.Nonce)
	if sesh == nil {
		// most likely a handshake StartSession gave up on
		return m.endAbandoned(w.SessionID)
	}

	var violation error
	m.sessionsM.Lock()
	switch {
	case w.SessionID == controlSessionID:
		violation = fmt.Errorf("%w: remote assigned reserved session id 0", ErrProtocolViolation)
	case w.Version > m.maxVersion:
		violation = fmt.Errorf("%w: remote chose version %v above our %v", ErrProtocolViolation, w.Version, m.maxVersion)
	case m.sessions[w.SessionID] != nil:
		violation = fmt.Errorf("%w: remote assigned session id %v which is in use", ErrProtocolViolation, w.SessionID)
	case !sesh.transition(StateNegotiating, StateActive):
		// abandoned by StartSession
		m.sessionsM.Unlock()
		return m.endAbandoned(w.SessionID)
	default:
		sesh.id = w.SessionID
		sesh.version = w.Version
		if w.MaxFrameSize > 0 && int(w.MaxFrameSize) < sesh.maxFrameSize {
			sesh.maxFrameSize = int(w.MaxFrameSize)
		}
		m.sessions[sesh.id] = sesh
	}
	m.sessionsM.Unlock()

	if violation != nil {
		sesh.negErr = violation
		if sesh.transition(StateNegotiating, StateClosed) {
			sesh.terminate(violation)
		}
	}
	close(sesh.negotiated)
	return violation
}

// endAbandoned tells the remote to end a session it accepted for a handshake nobody waits on
func (m *Multiplexer) endAbandoned(id uint8) error {
	if id == controlSessionID || m.GetSession(id) != nil {
		return fmt.Errorf("%w: acceptance of unknown handshake for session %v", ErrProtocolViolation, id)
	}
	log.Debugf("ending session %v of an abandoned handshake", id)
	f, err := controlFrame(VersionLegacy, id, ctrlEndSession, nil)
	if err != nil {
		return err
	}
	return m.sched.push(context.Background(), &outFrame{frame: f, queue: &queueKey{controlSessionID, ServiceControl}})
}

func (m *Multiplexer) SetTerminalMsg(msg string) {
	log.Debug("terminal message set to " + msg)
	m.terminalMsgSetter.Do(func() {
		m.terminalMsg.Store(msg)
	})
}

func (m *Multiplexer) TerminalMsg() string {
	msg, _ := m.terminalMsg.Load().(string)
	return msg
}

// fail tears the multiplexer down after a connection-fatal error
func (m *Multiplexer) fail(err error) {
	if !atomic.CompareAndSwapUint32(&m.broken, 0, 1) {
		return
	}
	m.SetTerminalMsg(err.Error())
	if !errors.Is(err, errBrokenMultiplexer) {
		m.report(controlSessionID, err)
	}

	m.sched.close(err)
	m.sb.closeConn()

	for _, sesh := range m.snapshot() {
		sesh.SetTerminalMsg(err.Error())
		sesh.terminate(err)
	}
	m.sessionsM.Lock()
	pending := m.negotiating
	m.negotiating = map[uint32]*Session{}
	m.sessionsM.Unlock()
	for _, sesh := range pending {
		if sesh.transition(StateNegotiating, StateClosed) {
			sesh.negErr = err
			sesh.terminate(err)
			close(sesh.negotiated)
		}
	}
	close(m.die)
}

// Close closes every session cooperatively, then the transport
func (m *Multiplexer) Close() error {
	if m.IsClosed() {
		return errBrokenMultiplexer
	}
	var wg sync.WaitGroup
	for _, sesh := range m.snapshot() {
		wg.Add(1)
		go func(sesh *Session) {
			defer wg.Done()
			_ = sesh.Close()
		}(sesh)
	}
	wg.Wait()
	m.fail(fmt.Errorf("%w: closed locally", errBrokenMultiplexer))
	return nil
}
