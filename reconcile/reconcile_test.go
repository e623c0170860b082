package reconcile

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st-keller/kdsrelay/extract"
)

func intp(v int) *int { return &v }

func observed(count *int, ids ...int) extract.ObservedState {
	if ids == nil {
		ids = []int{}
	}
	return extract.ObservedState{InProgress: count, OrderIDs: ids}
}

func TestNilNeverOverwritesConfidentCount(t *testing.T) {
	r := New()

	d := r.Apply(observed(intp(4)))
	require.True(t, d.Dispatch)

	d = r.Apply(observed(nil))
	assert.False(t, d.Dispatch)
	assert.Equal(t, 4, r.State().LastCount)

	d = r.Apply(extract.ObservedState{})
	assert.False(t, d.Dispatch)
	assert.Equal(t, 4, r.State().LastCount)
	assert.Len(t, r.History(), 1)
}

func TestIdenticalPassesDispatchOnce(t *testing.T) {
	r := New()
	obs := extract.ObservedState{InProgress: intp(2), Completed: intp(10), OrderIDs: []int{5, 7}}

	first := r.Apply(obs)
	second := r.Apply(obs)

	assert.True(t, first.Dispatch)
	assert.False(t, second.Dispatch)
	assert.Len(t, r.History(), 1)
}

func TestCountChangeAppendsExactlyOneEntry(t *testing.T) {
	r := New()
	r.Apply(observed(intp(2)))

	before := len(r.History())
	d := r.Apply(observed(intp(3)))

	assert.True(t, d.Dispatch)
	assert.True(t, d.CountChanged)
	assert.Equal(t, 2, d.PreviousCount)

	history := r.History()
	require.Len(t, history, before+1)
	assert.Equal(t, 3, history[len(history)-1].Count)
}

func TestCountMayGoDown(t *testing.T) {
	r := New()
	r.Apply(observed(intp(5)))
	d := r.Apply(observed(intp(0)))

	assert.True(t, d.CountChanged)
	assert.Equal(t, 0, r.State().LastCount)
}

func TestOrderIDsStandInForMissingCount(t *testing.T) {
	r := New()
	d := r.Apply(observed(nil, 11, 12, 13))

	assert.True(t, d.Dispatch)
	assert.Equal(t, 3, d.State.LastCount)
	assert.Equal(t, []int{11, 12, 13}, d.State.LastOrderIDs)
}

func TestOrderSetChangeDispatchesWithoutHistory(t *testing.T) {
	r := New()
	r.Apply(observed(intp(2), 1, 2))

	d := r.Apply(observed(intp(2), 1, 3))
	assert.True(t, d.Dispatch)
	assert.False(t, d.CountChanged)
	assert.Len(t, r.History(), 1)
}

func TestCompletedChangeDispatches(t *testing.T) {
	r := New()
	r.Apply(extract.ObservedState{InProgress: intp(1), Completed: intp(4)})

	d := r.Apply(extract.ObservedState{InProgress: intp(1), Completed: intp(5)})
	assert.True(t, d.Dispatch)
	assert.Equal(t, 5, d.State.LastCompleted)

	// A pass without a completed reading keeps the last one.
	d = r.Apply(extract.ObservedState{InProgress: intp(1)})
	assert.False(t, d.Dispatch)
	assert.Equal(t, 5, r.State().LastCompleted)
}

func TestHistoryIsBounded(t *testing.T) {
	r := New()
	for i := 0; i < DefaultMaxHistory+25; i++ {
		r.Apply(observed(intp(i % 50)))
	}

	history := r.History()
	assert.Len(t, history, DefaultMaxHistory)
	assert.Equal(t, (DefaultMaxHistory+24)%50, history[len(history)-1].Count)
}

func TestRestoreSeedsStateWithoutHistory(t *testing.T) {
	r := New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Restore(6, at)

	s := r.State()
	assert.True(t, s.Known())
	assert.Equal(t, 6, s.LastCount)
	assert.Equal(t, at, s.LastPublishAt)
	assert.Empty(t, r.History())

	d := r.Apply(observed(intp(6)))
	assert.False(t, d.Dispatch)
}

func TestReturnedStateIsACopy(t *testing.T) {
	r := New()
	r.Apply(observed(intp(1), 9))

	s := r.State()
	s.LastOrderIDs[0] = 100
	assert.Equal(t, []int{9}, r.State().LastOrderIDs)
}

func TestConcurrentApplyKeepsOneEntryPerChange(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	dispatched := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Apply(observed(intp(7))).Dispatch {
				mu.Lock()
				dispatched++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dispatched)
	assert.Len(t, r.History(), 1)
}
