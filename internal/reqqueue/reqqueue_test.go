package reqqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daedaluz/go-uartd/internal/uapi"
)

func TestEnqueueOrStartFirstRequestStarts(t *testing.T) {
	q := New()
	r1 := NewRequest(Read, make([]byte, 4), 4)
	started := q.EnqueueOrStart(r1)
	assert.True(t, started)

	r2 := NewRequest(Read, make([]byte, 4), 4)
	started = q.EnqueueOrStart(r2)
	assert.False(t, started)

	cur, ok := q.Current(Read)
	require.True(t, ok)
	assert.Same(t, r1, cur)
}

func TestPopNextPromotesFIFOHead(t *testing.T) {
	q := New()
	r1 := NewRequest(Write, nil, 0)
	r2 := NewRequest(Write, nil, 0)
	q.EnqueueOrStart(r1)
	q.EnqueueOrStart(r2)

	next, ok := q.PopNext(Write)
	require.True(t, ok)
	assert.Same(t, r2, next)

	cur, ok := q.Current(Write)
	require.True(t, ok)
	assert.Same(t, r2, cur)
}

func TestPopNextEmptyQueueReturnsFalse(t *testing.T) {
	q := New()
	r1 := NewRequest(Write, nil, 0)
	q.EnqueueOrStart(r1)

	_, ok := q.PopNext(Write)
	assert.False(t, ok)

	_, ok = q.Current(Write)
	assert.False(t, ok)
}

func TestRequestCompletesOnceAllOwnerBitsRelease(t *testing.T) {
	r := NewRequest(Read, nil, 0)
	r.Acquire(OwnerEngine)
	r.Acquire(OwnerISR)
	r.Acquire(OwnerTotalTimer)

	select {
	case <-r.Done():
		t.Fatal("should not be done yet")
	default:
	}

	r.Release(OwnerISR)
	r.Release(OwnerTotalTimer)
	completed := r.Release(OwnerEngine)
	assert.True(t, completed)

	select {
	case <-r.Done():
	default:
		t.Fatal("expected done channel closed")
	}
}

func TestCancelOnCurrentRequestInvokesCancelRoutine(t *testing.T) {
	q := New()
	r := NewRequest(Read, nil, 0)
	r.Acquire(OwnerEngine)

	var invoked bool
	r.SetCancel(func() {
		invoked = true
		r.Status = uapi.StatusCancelled
		r.SetState(StateCompletedCancelled)
		r.Release(OwnerEngine)
	})
	q.EnqueueOrStart(r)

	q.Cancel(r)
	assert.True(t, invoked)
	assert.Equal(t, uapi.StatusCancelled, r.Status)

	select {
	case <-r.Done():
	default:
		t.Fatal("expected request completed after cancel")
	}
}

func TestEnqueueOrStartMarksImmediatelyCurrentRequestStarted(t *testing.T) {
	q := New()
	r := NewRequest(Read, nil, 0)
	q.EnqueueOrStart(r)

	select {
	case <-r.Started():
	default:
		t.Fatal("expected Started closed for immediately-current request")
	}
}

func TestPopNextMarksPromotedRequestStarted(t *testing.T) {
	q := New()
	r1 := NewRequest(Write, nil, 0)
	r2 := NewRequest(Write, nil, 0)
	q.EnqueueOrStart(r1)
	q.EnqueueOrStart(r2)

	select {
	case <-r2.Started():
		t.Fatal("pending request should not be started yet")
	default:
	}

	next, ok := q.PopNext(Write)
	require.True(t, ok)
	assert.Same(t, r2, next)

	select {
	case <-r2.Started():
	default:
		t.Fatal("expected Started closed once promoted to current")
	}
}

func TestCompareAndSwapStateGatesExactlyOneWinner(t *testing.T) {
	r := NewRequest(Read, nil, 0)
	r.SetState(StateArmedInISR)

	results := make(chan bool, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.CompareAndSwapState(StateArmedInISR, StateGrabbingFromISR)
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestCancelOnPendingRequestCompletesWithoutCancelRoutine(t *testing.T) {
	q := New()
	r1 := NewRequest(Write, nil, 0)
	r2 := NewRequest(Write, nil, 0)
	r1.Acquire(OwnerEngine)
	r2.Acquire(OwnerEngine)
	q.EnqueueOrStart(r1)
	q.EnqueueOrStart(r2)

	q.Cancel(r2)
	assert.Equal(t, uapi.StatusCancelled, r2.Status)

	_, ok := q.Current(Write)
	require.True(t, ok)
	next, hasNext := q.PopNext(Write)
	assert.False(t, hasNext)
	assert.Nil(t, next)
}
