package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkmux/linkmux/internal/common"
	"github.com/linkmux/linkmux/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultSweepInterval  = time.Second
)

var ErrRemote = errors.New("remote handler failed")
var ErrMalformedMessage = errors.New("malformed rpc message")
var ErrConnClosed = errors.New("rpc connection closed")

// HandlerFunc serves an inbound request. The returned value becomes the response's Params.
type HandlerFunc func(req *Message) (interface{}, error)

type Config struct {
	Codec          Codec
	RequestTimeout time.Duration
	// how often pending requests are checked for timeouts
	SweepInterval time.Duration
	World         common.WorldState
	// OnError receives recoverable failures such as unmatched responses
	OnError func(error)
}

func (c *Config) applyDefaults() {
	if c.Codec == nil {
		c.Codec = CBORCodec{}
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.World.Now == nil {
		c.World = common.RealWorldState
	}
}

// Conn exchanges RPC messages over the RPC stream of a session
type Conn struct {
	Config

	session *multiplex.Session
	stream  *multiplex.Stream
	tracker *Tracker

	nextID uint32

	handlersM      sync.RWMutex
	handlers       map[string]HandlerFunc
	onNotification func(*Message)

	closeOnce sync.Once
	die       chan struct{}
}

func NewConn(sesh *multiplex.Session, config Config) (*Conn, error) {
	config.applyDefaults()
	stream, err := sesh.OpenStream(multiplex.ServiceRPC)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		Config:   config,
		session:  sesh,
		stream:   stream,
		tracker:  NewTracker(config.RequestTimeout, config.World),
		handlers: make(map[string]HandlerFunc),
		die:      make(chan struct{}),
	}
	stream.OnMessage(c.recv)
	go c.sweep()
	return c, nil
}

func (c *Conn) Handle(name string, h HandlerFunc) {
	c.handlersM.Lock()
	c.handlers[name] = h
	c.handlersM.Unlock()
}

func (c *Conn) OnNotification(fn func(*Message)) {
	c.handlersM.Lock()
	c.onNotification = fn
	c.handlersM.Unlock()
}

// Call sends a request and waits for its response, which is matched by correlation id and
// name. It fails with ErrTimeout if no response arrives within RequestTimeout.
func (c *Conn) Call(ctx context.Context, name string, params interface{}) (*Message, error) {
	raw, err := c.Codec.MarshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshalling params of %v: %w", name, err)
	}

	var t *Ticket
	for {
		// ids wrap around, skipping any still pending
		t, err = c.tracker.Register(atomic.AddUint32(&c.nextID, 1), name)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDuplicateCorrelation) {
			return nil, err
		}
	}

	b, err := c.Codec.Marshal(&Message{Type: MsgRequest, Name: name, CorrelationID: t.CorrelationID, Params: raw})
	if err != nil {
		c.tracker.Abandon(t, err)
		return nil, err
	}
	// a request whose caller gave up is not sent, or stops being sent
	d := c.stream.SendFrom(ctx, bytes.NewReader(b))
	log.Tracef("request %v (%v) sent", t.CorrelationID, name)

	sent := d.Done()
	for {
		select {
		case <-sent:
			if err := d.Err(); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				c.tracker.Abandon(t, err)
				return nil, err
			}
			sent = nil
		case <-t.Done():
			payload, err := t.Result()
			if err != nil {
				return nil, err
			}
			return c.Codec.Unmarshal(payload)
		case <-ctx.Done():
			d.Cancel()
			c.tracker.Abandon(t, ctx.Err())
			return nil, ctx.Err()
		}
	}
}

// Notify sends a message that expects no response
func (c *Conn) Notify(ctx context.Context, name string, params interface{}) error {
	raw, err := c.Codec.MarshalParams(params)
	if err != nil {
		return fmt.Errorf("marshalling params of %v: %w", name, err)
	}
	b, err := c.Codec.Marshal(&Message{Type: MsgNotification, Name: name, Params: raw})
	if err != nil {
		return err
	}
	return c.stream.Send(b).Wait(ctx)
}

func (c *Conn) recv(b []byte) {
	msg, err := c.Codec.Unmarshal(b)
	if err != nil {
		c.report(fmt.Errorf("%w: %v", ErrMalformedMessage, err))
		return
	}
	switch msg.Type {
	case MsgResponse:
		if msg.Error != "" {
			err = c.tracker.Fail(msg.CorrelationID, msg.Name, fmt.Errorf("%w: %v", ErrRemote, msg.Error))
		} else {
			err = c.tracker.Resolve(msg.CorrelationID, msg.Name, b)
		}
		if err != nil {
			c.report(err)
		}
	case MsgNotification:
		c.handlersM.RLock()
		fn := c.onNotification
		c.handlersM.RUnlock()
		if fn == nil {
			log.Debugf("no receiver for notification %v", msg.Name)
			return
		}
		fn(msg)
	case MsgRequest:
		// a handler may itself Call the remote, which needs this goroutine free
		go c.serve(msg)
	}
}

func (c *Conn) serve(req *Message) {
	c.handlersM.RLock()
	h, ok := c.handlers[req.Name]
	c.handlersM.RUnlock()

	resp := &Message{Type: MsgResponse, Name: req.Name, CorrelationID: req.CorrelationID}
	if !ok {
		resp.Error = "no handler for " + req.Name
	} else if result, err := h(req); err != nil {
		resp.Error = err.Error()
	} else if resp.Params, err = c.Codec.MarshalParams(result); err != nil {
		resp.Error = err.Error()
	}

	b, err := c.Codec.Marshal(resp)
	if err != nil {
		log.Errorf("failed to marshal response to %v: %v", req.Name, err)
		return
	}
	if err := c.stream.Send(b).Wait(context.Background()); err != nil {
		log.Debugf("failed to respond to %v (%v): %v", req.CorrelationID, req.Name, err)
	}
}

func (c *Conn) report(err error) {
	log.Warnf("session %v rpc: %v", c.session.ID(), err)
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c *Conn) sweep() {
	ticker := time.NewTicker(c.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tracker.Expire()
		case <-c.session.Done():
			c.tracker.FailAll(multiplex.ErrBrokenSession)
			return
		case <-c.die:
			c.tracker.FailAll(ErrConnClosed)
			return
		}
	}
}

// Pending is the number of requests waiting for a response
func (c *Conn) Pending() int { return c.tracker.Pending() }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.die)
		err = c.stream.Close()
	})
	return err
}
