package multiplex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimitedValve(t *testing.T) {
	t.Run("counts", func(t *testing.T) {
		v := MakeValve(0, 0)
		v.AddRx(10)
		v.AddTx(20)
		v.AddTx(5)
		assert.EqualValues(t, 10, v.GetRx())
		assert.EqualValues(t, 25, v.GetTx())

		rx, tx := v.Nullify()
		assert.EqualValues(t, 10, rx)
		assert.EqualValues(t, 25, tx)
		assert.EqualValues(t, 0, v.GetRx())
		assert.EqualValues(t, 0, v.GetTx())
	})

	t.Run("unlimited does not wait", func(t *testing.T) {
		v := MakeValve(0, 0)
		start := time.Now()
		for i := 0; i < 1000; i++ {
			v.txWait(1 << 20)
			v.rxWait(1 << 20)
		}
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("limited waits", func(t *testing.T) {
		v := MakeValve(0, 1000)
		start := time.Now()
		// the first second's worth is in the bucket already
		v.txWait(1000)
		v.txWait(200)
		assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	})
}
