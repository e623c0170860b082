// Package dispatch publishes reconciled state to the remote channels.
//
// Channels are isolated from each other: each publish runs as its own task,
// and a failure only ever becomes a journal entry and a metric.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/st-keller/kdsrelay/journal"
	"github.com/st-keller/kdsrelay/metrics"
	"github.com/st-keller/kdsrelay/reconcile"
	"github.com/st-keller/kdsrelay/tasks"
)

var (
	// ErrSkipped means a dedup gate suppressed the publish.
	ErrSkipped = errors.New("publish skipped")
	// ErrDisabled means the channel has no usable credentials.
	ErrDisabled = errors.New("channel disabled")
)

// TimeLayout is the wall-clock format carried in published documents.
const TimeLayout = "2006-01-02 15:04:05"

// Snapshot is the full state carried by one publish.
type Snapshot struct {
	Count        int
	Completed    int // reconcile.Unknown when never seen
	OrderIDs     []int
	At           time.Time
	Time         string
	CountChanged bool
	History      []reconcile.HistoryEntry
	LogTail      []string
}

// NewSnapshot builds a Snapshot from a reconciled state.
func NewSnapshot(s reconcile.State, countChanged bool, at time.Time, loc *time.Location) Snapshot {
	if loc == nil {
		loc = time.Local
	}
	ids := s.LastOrderIDs
	if ids == nil {
		ids = []int{}
	}
	return Snapshot{
		Count:        s.LastCount,
		Completed:    s.LastCompleted,
		OrderIDs:     ids,
		At:           at,
		Time:         at.In(loc).Format(TimeLayout),
		CountChanged: countChanged,
	}
}

// LogText joins the log tail for the mirrors.
func (s Snapshot) LogText() string {
	return strings.Join(s.LogTail, "\n")
}

// completed is the completed count with every unknown reading as -1, so the
// documents always carry the field.
func (s Snapshot) completed() int {
	if s.Completed < 0 {
		return reconcile.Unknown
	}
	return s.Completed
}

// Channel is one remote publish target.
type Channel interface {
	Name() string
	Endpoint() string
	Publish(ctx context.Context, snap Snapshot) error
}

// Dispatcher fans a snapshot out to every channel.
type Dispatcher struct {
	runner   *tasks.Runner
	channels []Channel
	journal  *journal.Journal
	metrics  *metrics.Metrics
	health   *Health
}

// New creates a Dispatcher. The journal and metrics may be nil.
func New(runner *tasks.Runner, j *journal.Journal, m *metrics.Metrics, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		runner:   runner,
		channels: channels,
		journal:  j,
		metrics:  m,
		health:   NewHealth(),
	}
}

// Health exposes per-channel statistics.
func (d *Dispatcher) Health() *Health {
	return d.health
}

// Dispatch submits one publish per channel and returns immediately.
func (d *Dispatcher) Dispatch(snap Snapshot) {
	for _, ch := range d.channels {
		ch := ch
		d.runner.Go("publish:"+ch.Name(), func(ctx context.Context) error {
			d.publish(ctx, ch, snap)
			return nil
		})
	}
}

// Wait blocks until in-flight publishes return.
func (d *Dispatcher) Wait() {
	d.runner.Wait()
}

func (d *Dispatcher) publish(ctx context.Context, ch Channel, snap Snapshot) {
	start := time.Now()
	err := ch.Publish(ctx, snap)
	latency := time.Since(start)

	switch {
	case err == nil:
		d.health.TrackSuccess(ch.Name(), ch.Endpoint(), latency)
		d.metrics.ObservePublish(ch.Name(), metrics.OutcomeOK)
		d.journal.Info(ch.Name()+" published", map[string]interface{}{
			"count":      snap.Count,
			"latency_ms": latency.Milliseconds(),
		})
	case errors.Is(err, ErrSkipped):
		d.metrics.ObservePublish(ch.Name(), metrics.OutcomeSkipped)
	case errors.Is(err, ErrDisabled):
		d.metrics.ObservePublish(ch.Name(), metrics.OutcomeDisabled)
		d.journal.Debug(ch.Name()+" disabled", map[string]interface{}{
			"reason": err.Error(),
		})
	default:
		d.health.TrackFailure(ch.Name(), ch.Endpoint(), latency, err.Error())
		d.metrics.ObservePublish(ch.Name(), metrics.OutcomeFailed)
		d.journal.Warn(ch.Name()+" publish failed", map[string]interface{}{
			"count": snap.Count,
			"error": err.Error(),
		})
	}
}
