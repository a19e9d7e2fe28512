package multiplex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelivery(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		d := newDelivery()
		assert.Nil(t, d.Err())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.Equal(t, context.DeadlineExceeded, d.Wait(ctx))
	})

	t.Run("resolves once", func(t *testing.T) {
		d := newDelivery()
		d.resolve(nil)
		d.resolve(ErrBrokenSession)
		assert.NoError(t, d.Wait(context.Background()))
		select {
		case <-d.Done():
		default:
			t.Error("Done should be closed")
		}
	})

	t.Run("cancel", func(t *testing.T) {
		d := newDelivery()
		ctx, cancel := context.WithCancel(context.Background())
		d.setCancel(cancel)
		d.Cancel()
		assert.Equal(t, ErrDeliveryCancelled, d.Err())
		assert.Error(t, ctx.Err())
	})
}
