package common

import (
	"sync"
	"time"
)

var RealWorldState = WorldState{
	Now: time.Now,
}

// WorldState is the source of time used by components that are tested against a fake clock
type WorldState struct {
	Now func() time.Time
}

func (w WorldState) Since(t time.Time) time.Duration { return w.Now().Sub(t) }

// FakeClock is a clock that only moves when told to
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock { return &FakeClock{now: t} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *FakeClock) World() WorldState { return WorldState{Now: c.Now} }
