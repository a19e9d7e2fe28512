package multiplex

import (
	"context"
	"sync"
)

// Delivery is the result of a Send. It resolves once the final frame of the message has been
// written to the transport, or once sending has failed or been cancelled.
type Delivery struct {
	done chan struct{}
	once sync.Once
	err  error

	cancelM sync.Mutex
	cancel  context.CancelFunc
}

func newDelivery() *Delivery {
	return &Delivery{done: make(chan struct{})}
}

func failedDelivery(err error) *Delivery {
	d := newDelivery()
	d.resolve(err)
	return d
}

func (d *Delivery) resolve(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

func (d *Delivery) setCancel(cancel context.CancelFunc) {
	d.cancelM.Lock()
	d.cancel = cancel
	d.cancelM.Unlock()
}

func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err returns nil until the delivery is resolved
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops pulling from the message's source. Frames already queued are still written, so
// the remote may be left with an incomplete message which it eventually purges.
func (d *Delivery) Cancel() {
	d.cancelM.Lock()
	cancel := d.cancel
	d.cancelM.Unlock()
	if cancel != nil {
		cancel()
	}
	d.resolve(ErrDeliveryCancelled)
}
