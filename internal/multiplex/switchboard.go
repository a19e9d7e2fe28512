package multiplex

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/linkmux/linkmux/internal/common"

	log "github.com/sirupsen/logrus"
)

// switchboard moves frames between the scheduler and the transport. Its writer worker
// (dispatch) writes one complete frame at a time in the order the scheduler picks them, and its
// reader worker (deplex) feeds the reassembly buffer and hands every complete frame to the
// multiplexer. Both count, and rate limit, the traffic through the multiplexer's Valve.
type switchboard struct {
	mux  *Multiplexer
	conn Transport

	valve Valve

	// only touched by deplex
	rb *ReassemblyBuffer

	closed uint32
}

func makeSwitchboard(m *Multiplexer, conn Transport) *switchboard {
	return &switchboard{
		mux:   m,
		conn:  conn,
		valve: m.Valve,
		rb:    NewReassemblyBuffer(m.MaxPayloadSize),
	}
}

func (sb *switchboard) closeConn() {
	if !atomic.CompareAndSwapUint32(&sb.closed, 0, 1) {
		return
	}
	if err := sb.conn.Close(); err != nil {
		log.Debugf("closing transport: %v", err)
	}
}

// dispatch is the writer worker
func (sb *switchboard) dispatch() {
	var buf []byte
	for {
		of, err := sb.mux.sched.next()
		if err != nil {
			return
		}
		buf, err = AppendFrame(buf[:0], of.frame)
		if err != nil {
			sb.mux.sched.done(of)
			if of.delivery != nil {
				of.delivery.resolve(err)
			}
			sb.mux.report(of.frame.SessionID, fmt.Errorf("dropping unencodable frame %v: %w", of.frame, err))
			continue
		}

		sb.valve.txWait(len(buf))
		_, err = common.WriteFull(sb.conn, buf)
		sb.mux.sched.done(of)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrTransportFailure, err)
			if of.delivery != nil {
				of.delivery.resolve(err)
			}
			sb.mux.fail(err)
			return
		}
		sb.valve.AddTx(int64(len(buf)))
		if of.owner != nil {
			atomic.AddInt64(&of.owner.txBytes, int64(len(buf)))
		}
		if of.delivery != nil {
			of.delivery.resolve(nil)
		}
		log.Tracef("sent %v", of.frame)
	}
}

// deplex is the reader worker. It constantly reads from the transport until it fails.
func (sb *switchboard) deplex() {
	buf := make([]byte, connReceiveBufferSize)
	for {
		n, err := sb.conn.Read(buf)
		if n > 0 {
			sb.valve.rxWait(n)
			sb.valve.AddRx(int64(n))
			sb.rb.Feed(buf[:n])
			for {
				f, perr := sb.rb.Poll()
				if errors.Is(perr, ErrNeedMoreData) {
					break
				}
				if perr != nil {
					log.Errorf("tearing down transport: %v", perr)
					sb.mux.fail(perr)
					return
				}
				sb.mux.dispatchFrame(f)
			}
		}
		if err != nil {
			if atomic.LoadUint32(&sb.closed) == 1 {
				return
			}
			log.Debugf("transport has closed: %v", err)
			sb.mux.fail(fmt.Errorf("%w: %v", ErrTransportFailure, err))
			return
		}
	}
}
