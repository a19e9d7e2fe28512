package multiplex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// accumulator collects the payloads of a First, Consecutive*, Last sequence
type accumulator struct {
	buf       bytes.Buffer
	nextSeq   uint8
	messageID uint32
	lastSeen  time.Time
}

type sendJob struct {
	ctx      context.Context
	cancel   context.CancelFunc
	src      io.Reader
	delivery *Delivery
	// stops resolving the delivery on cancellation of ctx or the end of the session
	unwatch func()

	// endService jobs carry no data: they tell the remote the stream is gone once
	// everything queued before them has been written
	endService bool
}

// Stream is one service channel inside a Session. Outgoing messages are sent one after another
// so the frames of two messages never interleave on the wire. Incoming messages are reassembled
// and handed to the consumer in the order they were received.
type Stream struct {
	session *Session
	service ServiceType

	// fully reassembled inbound messages
	recvBuf *datagramBufferedPipe

	accM sync.Mutex
	acc  *accumulator

	jobsM   sync.Mutex
	jobs    []*sendJob
	current *sendJob
	sending bool

	onMessageOnce sync.Once

	closed uint32
}

func makeStream(sesh *Session, service ServiceType) *Stream {
	return &Stream{
		session: sesh,
		service: service,
		recvBuf: NewDatagramBufferedPipe(sesh.RecvBufferSize),
	}
}

func (s *Stream) Service() ServiceType { return s.service }
func (s *Stream) Session() *Session     { return s.session }

func (s *Stream) isClosed() bool { return atomic.LoadUint32(&s.closed) == 1 }

// Send queues payload as one message and returns immediately. Payloads larger than a frame are
// packetized.
func (s *Stream) Send(payload []byte) *Delivery {
	return s.SendFrom(context.Background(), bytes.NewReader(payload))
}

// SendFrom queues the whole content of src as one message. src is read lazily, one frame at a
// time, and reading pauses whenever this stream's outbound queue is full. Cancelling ctx or
// the returned Delivery stops reading from src.
func (s *Stream) SendFrom(ctx context.Context, src io.Reader) *Delivery {
	if s.isClosed() {
		return failedDelivery(ErrBrokenStream)
	}
	return s.enqueue(ctx, &sendJob{src: src})
}

func (s *Stream) enqueue(ctx context.Context, job *sendJob) *Delivery {
	if err := s.session.acquireJob(); err != nil {
		return failedDelivery(err)
	}
	sesh := s.session
	job.ctx, job.cancel = context.WithCancel(ctx)
	job.delivery = newDelivery()
	job.delivery.setCancel(job.cancel)
	// a source blocked in Read cannot notice cancellation, so the delivery is resolved right away
	stopCancel := context.AfterFunc(job.ctx, func() { job.delivery.resolve(ErrDeliveryCancelled) })
	stopSession := context.AfterFunc(sesh.ctx, func() {
		job.delivery.resolve(context.Cause(sesh.ctx))
		job.cancel()
	})
	job.unwatch = func() {
		stopCancel()
		stopSession()
	}

	s.jobsM.Lock()
	s.jobs = append(s.jobs, job)
	start := !s.sending
	s.sending = true
	s.jobsM.Unlock()

	if start {
		go s.runJobs()
	}
	return job.delivery
}

func (s *Stream) runJobs() {
	for {
		s.jobsM.Lock()
		if len(s.jobs) == 0 {
			s.sending = false
			s.jobsM.Unlock()
			return
		}
		job := s.jobs[0]
		s.jobs[0] = nil
		s.jobs = s.jobs[1:]
		s.current = job
		s.jobsM.Unlock()

		switch {
		case s.session.IsClosed():
			job.delivery.resolve(context.Cause(s.session.ctx))
		case job.endService:
			s.runEndService(job)
		default:
			s.runJob(job)
		}
		job.unwatch()
		job.cancel()

		s.jobsM.Lock()
		s.current = nil
		s.jobsM.Unlock()
		s.session.releaseJob()
	}
}

// failJobs resolves every queued send, and the one in progress, with err. A source blocked in
// Read is left to return on its own.
func (s *Stream) failJobs(err error) {
	s.jobsM.Lock()
	jobs := make([]*sendJob, 0, len(s.jobs)+1)
	jobs = append(jobs, s.jobs...)
	if s.current != nil {
		jobs = append(jobs, s.current)
	}
	s.jobsM.Unlock()
	for _, job := range jobs {
		job.delivery.resolve(err)
		job.cancel()
	}
}

func (s *Stream) runJob(job *sendJob) {
	sesh := s.session
	if job.delivery.Err() != nil {
		// cancelled before we got to it
		return
	}
	if job.ctx.Err() != nil {
		job.delivery.resolve(ErrDeliveryCancelled)
		return
	}
	p := NewPacketizer(job.src, sesh.plainFrameSize(), sesh.id, s.service,
		WithVersion(sesh.version),
		WithMessageID(sesh.nextMsgID()),
		SeqBase(sesh.SeqBase),
	)
	stop := context.AfterFunc(job.ctx, p.Cancel)
	defer stop()

	for {
		f, err := p.Next()
		if err == ErrPacketizerCancelled {
			job.delivery.resolve(ErrDeliveryCancelled)
			return
		}
		if err != nil {
			job.delivery.resolve(fmt.Errorf("reading message source: %w", err))
			return
		}
		if sesh.IsClosed() {
			job.delivery.resolve(ErrBrokenSession)
			return
		}
		if sesh.Cipher != nil {
			sealed, err := sesh.Cipher.seal(sesh.id, s.service, f.Payload)
			if err != nil {
				job.delivery.resolve(fmt.Errorf("sealing payload: %w", err))
				return
			}
			f.Payload = sealed
			f.Encrypted = true
		}

		last := f.Type == FrameSingle || f.Type == FrameLast
		of := &outFrame{frame: f, owner: sesh}
		if last {
			of.delivery = job.delivery
		}
		if err := sesh.mux.sched.push(job.ctx, of); err != nil {
			if job.ctx.Err() != nil {
				err = ErrDeliveryCancelled
			}
			job.delivery.resolve(err)
			return
		}
		if last {
			log.Tracef("message %v on %v of session %v queued", f.MessageID, s.service, sesh.id)
			return
		}
	}
}

func (s *Stream) runEndService(job *sendJob) {
	sesh := s.session
	f, err := controlFrame(sesh.version, sesh.id, ctrlEndService, serviceEnd{Service: s.service})
	if err != nil {
		job.delivery.resolve(err)
		return
	}
	// travels through this stream's own queue so it cannot overtake the stream's data
	of := &outFrame{frame: f, owner: sesh, delivery: job.delivery, queue: &queueKey{sesh.id, s.service}}
	if err := sesh.mux.sched.push(job.ctx, of); err != nil {
		job.delivery.resolve(err)
	}
}

// recvFrame is only called from the multiplexer's reader worker, so frames of one stream are
// processed strictly in arrival order
func (s *Stream) recvFrame(f *Frame) error {
	sesh := s.session
	payload := f.Payload
	switch {
	case f.Encrypted && sesh.Cipher == nil:
		return fmt.Errorf("%w: encrypted frame on %v of a plain session", ErrProtocolViolation, s.service)
	case !f.Encrypted && sesh.Cipher != nil:
		return fmt.Errorf("%w: plain frame on %v of an encrypted session", ErrProtocolViolation, s.service)
	case f.Encrypted:
		var err error
		payload, err = sesh.Cipher.open(sesh.id, s.service, f.Payload)
		if err != nil {
			return fmt.Errorf("%w: failed to open payload on %v: %v", ErrProtocolViolation, s.service, err)
		}
	}

	switch f.Type {
	case FrameSingle:
		return s.deliver(payload)
	case FrameFirst:
		s.accM.Lock()
		stale := s.acc != nil
		s.acc = &accumulator{
			nextSeq:   f.Info + 1,
			messageID: f.MessageID,
			lastSeen:  sesh.mux.World.Now(),
		}
		s.acc.buf.Write(payload)
		s.accM.Unlock()
		if stale {
			return fmt.Errorf("%w: unfinished message on %v discarded by a new First frame", ErrProtocolViolation, s.service)
		}
		return nil
	case FrameConsecutive, FrameLast:
		s.accM.Lock()
		acc := s.acc
		if acc == nil {
			s.accM.Unlock()
			return fmt.Errorf("%w: %v frame on %v without a First frame", ErrProtocolViolation, f.Type, s.service)
		}
		if f.Version != VersionLegacy && f.MessageID != acc.messageID {
			s.acc = nil
			s.accM.Unlock()
			return fmt.Errorf("%w: %v frame on %v belongs to message %v, expecting %v", ErrProtocolViolation, f.Type, s.service, f.MessageID, acc.messageID)
		}
		if f.Info != acc.nextSeq {
			s.acc = nil
			s.accM.Unlock()
			return fmt.Errorf("%w: %v frame on %v has sequence %v, expecting %v", ErrProtocolViolation, f.Type, s.service, f.Info, acc.nextSeq)
		}
		if acc.buf.Len()+len(payload) > sesh.MaxMessageSize {
			s.acc = nil
			s.accM.Unlock()
			return fmt.Errorf("%w: message on %v exceeds %v bytes", ErrProtocolViolation, s.service, sesh.MaxMessageSize)
		}
		acc.buf.Write(payload)
		acc.nextSeq++
		acc.lastSeen = sesh.mux.World.Now()
		if f.Type == FrameConsecutive {
			s.accM.Unlock()
			return nil
		}
		s.acc = nil
		s.accM.Unlock()
		return s.deliver(acc.buf.Bytes())
	default:
		return fmt.Errorf("%w: unexpected frame type %v", ErrProtocolViolation, f.Type)
	}
}

// deliver must not block: it runs on the reader worker shared by every stream of the transport
func (s *Stream) deliver(msg []byte) error {
	switch err := s.recvBuf.Write(msg); err {
	case nil:
		return nil
	case ErrReceiveBufferFull:
		return fmt.Errorf("%w: %v message of %v bytes on session %v dropped", err, s.service, len(msg), s.session.id)
	default:
		log.Tracef("dropping message for closed %v stream of session %v", s.service, s.session.id)
		return nil
	}
}

// purgeStale drops a partially reassembled message that has not seen a frame for timeout
func (s *Stream) purgeStale(now time.Time, timeout time.Duration) bool {
	s.accM.Lock()
	defer s.accM.Unlock()
	if s.acc == nil || now.Sub(s.acc.lastSeen) < timeout {
		return false
	}
	s.acc = nil
	return true
}

func (s *Stream) Read(buf []byte) (int, error) { return s.recvBuf.Read(buf) }

// ReadMessage blocks until a whole message is available. It returns io.EOF once the stream is
// closed and every buffered message has been read.
func (s *Stream) ReadMessage() ([]byte, error) { return s.recvBuf.ReadMessage() }

func (s *Stream) SetReadDeadline(t time.Time) { s.recvBuf.SetReadDeadline(t) }

// OnMessage hands every inbound message to fn, one at a time and in order, from a goroutine
// dedicated to this stream. Once registered it consumes the stream: Read and ReadMessage must
// not be used alongside it. Only the first registration has effect.
func (s *Stream) OnMessage(fn func(msg []byte)) {
	s.onMessageOnce.Do(func() {
		go func() {
			for {
				msg, err := s.recvBuf.ReadMessage()
				if err != nil {
					return
				}
				fn(msg)
			}
		}()
	})
}

// Close stops the stream locally and, once its queued messages are written, tells the remote
func (s *Stream) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return fmt.Errorf("closing %v stream: %w", s.service, errRepeatStreamClosing)
	}
	s.session.removeStream(s)
	_ = s.recvBuf.Close()

	d := s.enqueue(context.Background(), &sendJob{endService: true})
	if err := d.Err(); err != nil {
		// the session is already on its way down, which ends the stream remotely too
		log.Tracef("%v stream of session %v closed without notice: %v", s.service, s.session.id, err)
		return nil
	}
	log.Tracef("%v stream of session %v actively closed", s.service, s.session.id)
	return nil
}

// passiveClose is used when the remote or the session ends the stream. Sends in progress fail
// with err.
func (s *Stream) passiveClose(err error) {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	s.failJobs(err)
	_ = s.recvBuf.Close()
	s.accM.Lock()
	s.acc = nil
	s.accM.Unlock()
	log.Tracef("%v stream of session %v passively closed", s.service, s.session.id)
}
