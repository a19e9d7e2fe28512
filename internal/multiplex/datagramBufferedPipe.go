// This is base on https://github.com/golang/go/blob/0436b162397018c45068b47ca1b5924a3eafdee0/src/net/net_fake.go#L173

package multiplex

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// total bytes of undelivered messages a stream holds before further messages are refused
const defaultRecvBufferSize = 1 << 24

// datagramBufferedPipe is a message-oriented pipe. The integrity of messages written into this
// buffer is preserved: each Read returns exactly one message, in the order they were written.
type datagramBufferedPipe struct {
	pLens     []int
	buf       *bytes.Buffer
	limit     int
	closed    bool
	rwCond    *sync.Cond
	rDeadline time.Time

	timeoutTimer *time.Timer
}

// NewDatagramBufferedPipe makes a pipe holding at most limit bytes of unread messages. A limit
// of 0 or less uses the default.
func NewDatagramBufferedPipe(limit int) *datagramBufferedPipe {
	if limit <= 0 {
		limit = defaultRecvBufferSize
	}
	d := &datagramBufferedPipe{
		rwCond: sync.NewCond(&sync.Mutex{}),
		buf:    new(bytes.Buffer),
		limit:  limit,
	}
	return d
}

// waitForMessage must be called with rwCond.L held
func (d *datagramBufferedPipe) waitForMessage() error {
	for {
		if d.closed && len(d.pLens) == 0 {
			return io.EOF
		}

		hasRDeadline := !d.rDeadline.IsZero()
		if hasRDeadline {
			if time.Until(d.rDeadline) <= 0 {
				return ErrTimeout
			}
		}

		if len(d.pLens) > 0 {
			return nil
		}

		if hasRDeadline {
			d.broadcastAfter(time.Until(d.rDeadline))
		}
		d.rwCond.Wait()
	}
}

func (d *datagramBufferedPipe) Read(target []byte) (int, error) {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()
	if err := d.waitForMessage(); err != nil {
		return 0, err
	}
	dataLen := d.pLens[0]
	if len(target) < dataLen {
		return 0, io.ErrShortBuffer
	}
	d.pLens = d.pLens[1:]
	d.buf.Read(target[:dataLen])
	d.rwCond.Broadcast()
	return dataLen, nil
}

// ReadMessage returns the next message in a newly allocated slice
func (d *datagramBufferedPipe) ReadMessage() ([]byte, error) {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()
	if err := d.waitForMessage(); err != nil {
		return nil, err
	}
	msg := make([]byte, d.pLens[0])
	d.pLens = d.pLens[1:]
	d.buf.Read(msg)
	d.rwCond.Broadcast()
	return msg, nil
}

// Write never blocks. It fails with ErrReceiveBufferFull if msg would take the unread messages
// over the limit, unless the pipe is empty.
func (d *datagramBufferedPipe) Write(msg []byte) error {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()
	if d.closed {
		return io.ErrClosedPipe
	}
	if len(d.pLens) > 0 && d.buf.Len()+len(msg) > d.limit {
		return ErrReceiveBufferFull
	}

	d.pLens = append(d.pLens, len(msg))
	d.buf.Write(msg)
	d.rwCond.Broadcast()
	return nil
}

// Len is the number of messages waiting to be read
func (d *datagramBufferedPipe) Len() int {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()
	return len(d.pLens)
}

// Close lets readers drain what is buffered, then return io.EOF
func (d *datagramBufferedPipe) Close() error {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()

	d.closed = true
	d.rwCond.Broadcast()
	return nil
}

func (d *datagramBufferedPipe) SetReadDeadline(t time.Time) {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()

	d.rDeadline = t
	d.rwCond.Broadcast()
}

func (d *datagramBufferedPipe) broadcastAfter(t time.Duration) {
	if d.timeoutTimer != nil {
		d.timeoutTimer.Stop()
	}
	d.timeoutTimer = time.AfterFunc(t, d.rwCond.Broadcast)
}
