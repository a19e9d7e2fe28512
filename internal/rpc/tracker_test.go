package rpc

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/linkmux/linkmux/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolved(t *Ticket) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

func TestTracker_Resolve(t *testing.T) {
	tr := NewTracker(time.Minute, common.RealWorldState)
	ticket, err := tr.Register(1, "GetVehicleData")
	require.NoError(t, err)

	t.Run("wrong name leaves the ticket pending", func(t *testing.T) {
		err := tr.Resolve(1, "SubscribeButton", []byte("x"))
		assert.True(t, errors.Is(err, ErrUnmatchedResponse))
		assert.False(t, resolved(ticket))
		assert.Equal(t, 1, tr.Pending())
	})

	t.Run("unknown id", func(t *testing.T) {
		err := tr.Resolve(2, "GetVehicleData", nil)
		assert.True(t, errors.Is(err, ErrUnmatchedResponse))
	})

	t.Run("match fulfils the ticket", func(t *testing.T) {
		require.NoError(t, tr.Resolve(1, "GetVehicleData", []byte("speed")))
		payload, err := ticket.Result()
		assert.NoError(t, err)
		assert.Equal(t, []byte("speed"), payload)
		assert.Equal(t, 0, tr.Pending())
	})

	t.Run("a ticket is fulfilled once", func(t *testing.T) {
		err := tr.Resolve(1, "GetVehicleData", []byte("again"))
		assert.True(t, errors.Is(err, ErrUnmatchedResponse))
		payload, _ := ticket.Result()
		assert.Equal(t, []byte("speed"), payload)
	})
}

func TestTracker_Duplicate(t *testing.T) {
	tr := NewTracker(time.Minute, common.RealWorldState)
	_, err := tr.Register(7, "Alert")
	require.NoError(t, err)
	_, err = tr.Register(7, "Show")
	assert.True(t, errors.Is(err, ErrDuplicateCorrelation))

	require.NoError(t, tr.Resolve(7, "Alert", nil))
	_, err = tr.Register(7, "Show")
	assert.NoError(t, err, "resolved ids are free for reuse")
}

func TestTracker_Expire(t *testing.T) {
	clock := common.NewFakeClock(time.Unix(1000, 0))
	tr := NewTracker(10*time.Second, clock.World())

	old, _ := tr.Register(1, "Speak")
	clock.Advance(6 * time.Second)
	young, _ := tr.Register(2, "Speak")

	assert.Equal(t, 0, tr.Expire())
	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, tr.Expire())

	_, err := old.Result()
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, resolved(young))

	// a late response to the expired request is unmatched
	assert.True(t, errors.Is(tr.Resolve(1, "Speak", nil), ErrUnmatchedResponse))
	_, err = tr.Register(1, "Speak")
	assert.NoError(t, err)

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, tr.Expire())
	_, err = young.Result()
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestTracker_FailAll(t *testing.T) {
	tr := NewTracker(time.Minute, common.RealWorldState)
	var tickets []*Ticket
	for i := uint32(0); i < 5; i++ {
		ticket, err := tr.Register(i, "Slider")
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}
	ended := errors.New("session ended")
	tr.FailAll(ended)
	for _, ticket := range tickets {
		_, err := ticket.Result()
		assert.Equal(t, ended, err)
	}
	assert.Equal(t, 0, tr.Pending())
}

func TestTracker_Correlation(t *testing.T) {
	// responses arrive in any order and each reaches exactly its own request
	r := rand.New(rand.NewSource(7))
	names := []string{"Alert", "Show", "Speak", "GetVehicleData"}
	tr := NewTracker(time.Minute, common.RealWorldState)

	const n = 200
	tickets := make([]*Ticket, n)
	for i := range tickets {
		var err error
		tickets[i], err = tr.Register(uint32(i), names[r.Intn(len(names))])
		require.NoError(t, err)
	}
	for _, i := range r.Perm(n) {
		require.NoError(t, tr.Resolve(uint32(i), tickets[i].Name, []byte{byte(i)}))
	}
	for i, ticket := range tickets {
		payload, err := ticket.Result()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, payload)
	}
}
