// Package reconcile decides whether a freshly extracted state is new.
package reconcile

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/st-keller/kdsrelay/extract"
)

// Unknown marks a counter that has never had a confident reading.
const Unknown = -1

// DefaultMaxHistory bounds the history ring.
const DefaultMaxHistory = 100

// State is the last confident view of the kitchen display.
type State struct {
	LastCount     int       `json:"count"`
	LastOrderIDs  []int     `json:"orders"`
	LastCompleted int       `json:"completed"`
	LastChangeAt  time.Time `json:"last_change_at"`
	LastPublishAt time.Time `json:"last_publish_at"`
}

// Known reports whether a confident count has been seen.
func (s State) Known() bool {
	return s.LastCount != Unknown
}

// HistoryEntry records one confirmed count change.
type HistoryEntry struct {
	Timestamp time.Time `json:"time"`
	Count     int       `json:"count"`
}

// Decision is the outcome of one Apply call.
type Decision struct {
	Dispatch      bool
	CountChanged  bool
	PreviousCount int
	State         State
}

// tracked is the part of State whose change triggers a dispatch.
type tracked struct {
	Count     int   `json:"count"`
	OrderIDs  []int `json:"orders"`
	Completed int   `json:"completed"`
}

// Reconciler owns the reconciled state and the history ring. All methods are
// safe for concurrent use; Apply is a single read-modify-write.
type Reconciler struct {
	mu         sync.Mutex
	state      State
	lastRaw    []byte
	history    []HistoryEntry
	maxHistory int

	now func() time.Time
}

// New creates a Reconciler with no confident readings.
func New() *Reconciler {
	r := &Reconciler{
		state: State{
			LastCount:     Unknown,
			LastOrderIDs:  []int{},
			LastCompleted: Unknown,
		},
		history:    make([]HistoryEntry, 0, DefaultMaxHistory),
		maxHistory: DefaultMaxHistory,
		now:        time.Now,
	}
	r.lastRaw = fingerprint(r.state)
	return r
}

// Restore seeds the state from persisted values. It does not append history.
func (r *Reconciler) Restore(count int, publishedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if count < 0 {
		count = Unknown
	}
	r.state.LastCount = count
	r.state.LastPublishAt = publishedAt
	r.lastRaw = fingerprint(r.state)
}

// Apply merges obs into the reconciled state.
//
// A nil count never overwrites a confident one. When the count is nil but
// order identifiers were seen, their number stands in for the count. Order
// identifiers are only replaced together with a confident count; a nil
// completed count keeps the previous value.
func (r *Reconciler) Apply(obs extract.ObservedState) Decision {
	count := obs.InProgress
	if count == nil && len(obs.OrderIDs) > 0 {
		n := len(obs.OrderIDs)
		count = &n
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.state
	next := prev
	if count != nil {
		next.LastCount = *count
		next.LastOrderIDs = append([]int{}, obs.OrderIDs...)
	}
	if obs.Completed != nil {
		next.LastCompleted = *obs.Completed
	}

	raw := fingerprint(next)
	if bytes.Equal(raw, r.lastRaw) {
		return Decision{PreviousCount: prev.LastCount, State: r.snapshotLocked()}
	}

	now := r.now()
	next.LastChangeAt = now
	countChanged := next.LastCount != prev.LastCount
	if countChanged {
		r.history = append(r.history, HistoryEntry{Timestamp: now, Count: next.LastCount})
		if len(r.history) > r.maxHistory {
			r.history = r.history[len(r.history)-r.maxHistory:]
		}
	}

	r.state = next
	r.lastRaw = raw

	return Decision{
		Dispatch:      true,
		CountChanged:  countChanged,
		PreviousCount: prev.LastCount,
		State:         r.snapshotLocked(),
	}
}

// MarkPublished records the time of the latest publish.
func (r *Reconciler) MarkPublished(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.LastPublishAt = at
}

// State returns a copy of the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// History returns a copy of the history ring, oldest first.
func (r *Reconciler) History() []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Reconciler) snapshotLocked() State {
	s := r.state
	s.LastOrderIDs = append([]int{}, r.state.LastOrderIDs...)
	return s
}

// fingerprint serializes the tracked fields; equal bytes mean no change.
func fingerprint(s State) []byte {
	ids := s.LastOrderIDs
	if ids == nil {
		ids = []int{}
	}
	data, _ := json.Marshal(tracked{Count: s.LastCount, OrderIDs: ids, Completed: s.LastCompleted})
	return data
}
