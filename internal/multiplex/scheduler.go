package multiplex

import (
	"context"
	"sync"
)

type queueKey struct {
	sessionID uint8
	service   ServiceType
}

type outFrame struct {
	frame *Frame
	// nil for control frames that precede a session
	owner *Session
	// only set on the frame that completes a message
	delivery *Delivery
	// overrides the queue derived from the frame header
	queue *queueKey
}

func (of *outFrame) key() queueKey {
	if of.queue != nil {
		return *of.queue
	}
	return queueKey{of.frame.SessionID, of.frame.Service}
}

// scheduler holds one bounded FIFO per (session, service) and decides which frame the writer
// worker puts on the wire next. Control frames always go first, then RPC, then the bulk tier
// (audio, video, bulk data) in round-robin. Picking a frame is atomic under rwCond.L, so frames
// from concurrent senders are never interleaved.
type scheduler struct {
	rwCond     *sync.Cond
	queueDepth int

	queues map[queueKey][]*outFrame
	// round-robin order of the queues in each tier
	tiers  [numTiers][]queueKey
	rrNext [numTiers]int

	// frames handed to the writer but not yet reported back through done()
	inflight map[uint8]int

	closed bool
	err    error
}

func newScheduler(queueDepth int) *scheduler {
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &scheduler{
		rwCond:     sync.NewCond(&sync.Mutex{}),
		queueDepth: queueDepth,
		queues:     map[queueKey][]*outFrame{},
		inflight:   map[uint8]int{},
	}
}

// waitOrCancel must be called with rwCond.L held
func (s *scheduler) waitOrCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		s.rwCond.L.Lock()
		s.rwCond.Broadcast()
		s.rwCond.L.Unlock()
	})
	s.rwCond.Wait()
	stop()
	return nil
}

// push appends a frame to its stream's queue, blocking while the queue is full. Control frames
// are never blocked: they are small, rare, and needed to make progress on teardown.
func (s *scheduler) push(ctx context.Context, of *outFrame) error {
	key := of.key()
	s.rwCond.L.Lock()
	defer s.rwCond.L.Unlock()
	for {
		if s.closed {
			return s.err
		}
		q, existing := s.queues[key]
		if key.service == ServiceControl || len(q) < s.queueDepth {
			if !existing {
				tier := key.service.tier()
				s.tiers[tier] = append(s.tiers[tier], key)
			}
			s.queues[key] = append(q, of)
			s.rwCond.Broadcast()
			return nil
		}
		if err := s.waitOrCancel(ctx); err != nil {
			return err
		}
	}
}

// next blocks until a frame is available and returns the highest priority one
func (s *scheduler) next() (*outFrame, error) {
	s.rwCond.L.Lock()
	defer s.rwCond.L.Unlock()
	for {
		if s.closed {
			return nil, s.err
		}
		if of := s.pick(); of != nil {
			s.inflight[of.frame.SessionID]++
			s.rwCond.Broadcast()
			return of, nil
		}
		s.rwCond.Wait()
	}
}

func (s *scheduler) pick() *outFrame {
	for tier := 0; tier < numTiers; tier++ {
		keys := s.tiers[tier]
		for i := range keys {
			idx := (s.rrNext[tier] + i) % len(keys)
			q := s.queues[keys[idx]]
			if len(q) == 0 {
				continue
			}
			of := q[0]
			q[0] = nil
			s.queues[keys[idx]] = q[1:]
			s.rrNext[tier] = idx + 1
			return of
		}
	}
	return nil
}

// done is called by the writer once a frame returned by next has been written or has failed
func (s *scheduler) done(of *outFrame) {
	s.rwCond.L.Lock()
	id := of.frame.SessionID
	s.inflight[id]--
	if s.inflight[id] <= 0 {
		delete(s.inflight, id)
	}
	s.rwCond.Broadcast()
	s.rwCond.L.Unlock()
}

// pending counts the frames of a session that are queued or being written
func (s *scheduler) pending(sessionID uint8) int {
	s.rwCond.L.Lock()
	defer s.rwCond.L.Unlock()
	return s.pendingLocked(sessionID)
}

func (s *scheduler) pendingLocked(sessionID uint8) int {
	n := s.inflight[sessionID]
	for key, q := range s.queues {
		if key.sessionID == sessionID {
			n += len(q)
		}
	}
	return n
}

// waitDrained blocks until every frame of the session has left the scheduler
func (s *scheduler) waitDrained(ctx context.Context, sessionID uint8) error {
	s.rwCond.L.Lock()
	defer s.rwCond.L.Unlock()
	for s.pendingLocked(sessionID) > 0 {
		if s.closed {
			return s.err
		}
		if err := s.waitOrCancel(ctx); err != nil {
			return err
		}
	}
	return nil
}

// dropSession discards everything still queued for a session and fails the affected deliveries
func (s *scheduler) dropSession(sessionID uint8, err error) {
	s.rwCond.L.Lock()
	var dropped []*outFrame
	for key, q := range s.queues {
		if key.sessionID != sessionID {
			continue
		}
		dropped = append(dropped, q...)
		delete(s.queues, key)
		tier := key.service.tier()
		keys := s.tiers[tier]
		for i, k := range keys {
			if k == key {
				s.tiers[tier] = append(keys[:i:i], keys[i+1:]...)
				break
			}
		}
		s.rrNext[tier] = 0
	}
	s.rwCond.Broadcast()
	s.rwCond.L.Unlock()

	for _, of := range dropped {
		if of.delivery != nil {
			of.delivery.resolve(err)
		}
	}
}

// close discards all queued frames and makes every later call fail with err
func (s *scheduler) close(err error) {
	s.rwCond.L.Lock()
	if s.closed {
		s.rwCond.L.Unlock()
		return
	}
	s.closed = true
	s.err = err
	queues := s.queues
	s.queues = map[queueKey][]*outFrame{}
	s.tiers = [numTiers][]queueKey{}
	s.rwCond.Broadcast()
	s.rwCond.L.Unlock()

	for _, q := range queues {
		for _, of := range q {
			if of.delivery != nil {
				of.delivery.resolve(err)
			}
		}
	}
}
