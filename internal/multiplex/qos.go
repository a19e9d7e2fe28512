package multiplex

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve rate limits and counts the bytes a multiplexer moves over its transport. One Valve may
// be shared by several multiplexers to enforce a budget across transports.
type Valve interface {
	rxWait(int)
	txWait(int)
	AddRx(int64)
	AddTx(int64)
	GetRx() int64
	GetTx() int64
	Nullify() (int64, int64)
}

// LimitedValve uses token buckets for throttling. rx is traffic read from the transport,
// tx is traffic written to it.
type LimitedValve struct {
	rxtb *ratelimit.Bucket
	txtb *ratelimit.Bucket

	rx *int64
	tx *int64
}

// MakeValve returns a valve limited to rxRate and txRate bytes per second. A rate of 0 or less
// leaves that direction unthrottled while still counting it.
func MakeValve(rxRate, txRate int64) *LimitedValve {
	var rx, tx int64
	v := &LimitedValve{
		rx: &rx,
		tx: &tx,
	}
	if rxRate > 0 {
		v.rxtb = ratelimit.NewBucketWithRate(float64(rxRate), rxRate)
	}
	if txRate > 0 {
		v.txtb = ratelimit.NewBucketWithRate(float64(txRate), txRate)
	}
	return v
}

func (v *LimitedValve) rxWait(n int) {
	if v.rxtb != nil {
		v.rxtb.Wait(int64(n))
	}
}
func (v *LimitedValve) txWait(n int) {
	if v.txtb != nil {
		v.txtb.Wait(int64(n))
	}
}
func (v *LimitedValve) AddRx(n int64)  { atomic.AddInt64(v.rx, n) }
func (v *LimitedValve) AddTx(n int64)  { atomic.AddInt64(v.tx, n) }
func (v *LimitedValve) GetRx() int64   { return atomic.LoadInt64(v.rx) }
func (v *LimitedValve) GetTx() int64   { return atomic.LoadInt64(v.tx) }
func (v *LimitedValve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(v.rx, 0)
	tx := atomic.SwapInt64(v.tx, 0)
	return rx, tx
}
