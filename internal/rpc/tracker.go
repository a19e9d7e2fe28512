package rpc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linkmux/linkmux/internal/common"
	log "github.com/sirupsen/logrus"
)

var ErrDuplicateCorrelation = errors.New("correlation id already pending")
var ErrUnmatchedResponse = errors.New("response matches no pending request")
var ErrTimeout = errors.New("request timed out")

// Ticket is a request waiting for its response
type Ticket struct {
	CorrelationID uint32
	Name          string
	CreatedAt     time.Time

	done    chan struct{}
	once    sync.Once
	payload []byte
	err     error
}

func (t *Ticket) fulfil(payload []byte, err error) {
	t.once.Do(func() {
		t.payload = payload
		t.err = err
		close(t.done)
	})
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result blocks until the ticket is resolved
func (t *Ticket) Result() ([]byte, error) {
	<-t.done
	return t.payload, t.err
}

// Tracker matches responses to the requests that are waiting for them. A correlation id is
// unique among pending tickets and becomes reusable as soon as its ticket is resolved.
type Tracker struct {
	timeout time.Duration
	world   common.WorldState

	pendingM sync.Mutex
	pending  map[uint32]*Ticket
}

func NewTracker(timeout time.Duration, world common.WorldState) *Tracker {
	return &Tracker{
		timeout: timeout,
		world:   world,
		pending: make(map[uint32]*Ticket),
	}
}

func (tr *Tracker) Register(id uint32, name string) (*Ticket, error) {
	tr.pendingM.Lock()
	defer tr.pendingM.Unlock()
	if _, ok := tr.pending[id]; ok {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateCorrelation, id)
	}
	t := &Ticket{
		CorrelationID: id,
		Name:          name,
		CreatedAt:     tr.world.Now(),
		done:          make(chan struct{}),
	}
	tr.pending[id] = t
	return t, nil
}

// Resolve fulfils the ticket pending under id with payload. A response whose name differs from
// the request's is rejected and the ticket keeps waiting.
func (tr *Tracker) Resolve(id uint32, name string, payload []byte) error {
	return tr.settle(id, name, payload, nil)
}

// Fail resolves the ticket pending under id with err
func (tr *Tracker) Fail(id uint32, name string, err error) error {
	return tr.settle(id, name, nil, err)
}

func (tr *Tracker) settle(id uint32, name string, payload []byte, err error) error {
	tr.pendingM.Lock()
	t, ok := tr.pending[id]
	if !ok {
		tr.pendingM.Unlock()
		return fmt.Errorf("%w: no request with correlation id %v", ErrUnmatchedResponse, id)
	}
	if t.Name != name {
		tr.pendingM.Unlock()
		return fmt.Errorf("%w: %v is a response to %v, not %v", ErrUnmatchedResponse, id, name, t.Name)
	}
	delete(tr.pending, id)
	tr.pendingM.Unlock()

	t.fulfil(payload, err)
	return nil
}

// Abandon removes a ticket without resolving it through the remote, e.g. when the request
// could not be sent
func (tr *Tracker) Abandon(t *Ticket, err error) {
	tr.pendingM.Lock()
	if tr.pending[t.CorrelationID] == t {
		delete(tr.pending, t.CorrelationID)
	}
	tr.pendingM.Unlock()
	t.fulfil(nil, err)
}

// Expire resolves every ticket older than the timeout with ErrTimeout and returns how many
// there were
func (tr *Tracker) Expire() int {
	if tr.timeout <= 0 {
		return 0
	}
	var expired []*Ticket
	tr.pendingM.Lock()
	for id, t := range tr.pending {
		if tr.world.Since(t.CreatedAt) >= tr.timeout {
			expired = append(expired, t)
			delete(tr.pending, id)
		}
	}
	tr.pendingM.Unlock()

	for _, t := range expired {
		log.Debugf("request %v (%v) timed out", t.CorrelationID, t.Name)
		t.fulfil(nil, fmt.Errorf("%w: %v after %v", ErrTimeout, t.Name, tr.timeout))
	}
	return len(expired)
}

// FailAll resolves every pending ticket with err
func (tr *Tracker) FailAll(err error) {
	tr.pendingM.Lock()
	pending := tr.pending
	tr.pending = make(map[uint32]*Ticket)
	tr.pendingM.Unlock()

	for _, t := range pending {
		t.fulfil(nil, err)
	}
}

func (tr *Tracker) Pending() int {
	tr.pendingM.Lock()
	defer tr.pendingM.Unlock()
	return len(tr.pending)
}
