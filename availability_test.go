package connserver

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeWaker struct {
	calls atomic.Int32
}

func (f *fakeWaker) wake() error {
	f.calls.Add(1)
	return nil
}

func TestAvailabilityFalseToTrueEdgePushesInterest(t *testing.T) {
	w := &fakeWaker{}
	q := newWakeQueue(w)
	a := newAvailability(q)

	assert.False(t, a.Load())

	a.Set(true)
	assert.True(t, a.Load())
	items := q.drain()
	if assert.Len(t, items, 1) {
		assert.Equal(t, interestWorkerAvailable, items[0].kind)
	}
	assert.Equal(t, int32(1), w.calls.Load())
}

func TestAvailabilityTrueToFalseEdgeDoesNotPushInterest(t *testing.T) {
	w := &fakeWaker{}
	q := newWakeQueue(w)
	a := newAvailability(q)

	a.Set(true)
	q.drain()
	w.calls.Store(0)

	a.Set(false)
	assert.Empty(t, q.drain())
	assert.Equal(t, int32(0), w.calls.Load())
}

func TestAvailabilityRepeatedSetTrueIsNotRepushed(t *testing.T) {
	w := &fakeWaker{}
	q := newWakeQueue(w)
	a := newAvailability(q)

	a.Set(true)
	q.drain()
	a.Set(true)
	assert.Empty(t, q.drain())
}
