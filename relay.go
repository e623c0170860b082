package kdsrelay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/st-keller/kdsrelay/dispatch"
	"github.com/st-keller/kdsrelay/extract"
	"github.com/st-keller/kdsrelay/journal"
	"github.com/st-keller/kdsrelay/metrics"
	"github.com/st-keller/kdsrelay/reconcile"
	"github.com/st-keller/kdsrelay/settings"
	"github.com/st-keller/kdsrelay/tasks"
	"github.com/st-keller/kdsrelay/tree"
)

const (
	// LogTailLines is the number of journal lines carried by each publish.
	LogTailLines = 100

	eventLogInterval = 10 * time.Second
	watchDebounce    = 200 * time.Millisecond
)

var packagePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)

// Deps are the collaborators of a Relay. Nil fields get working defaults:
// a FileSource on the OS filesystem, an in-memory settings store, a discarding
// journal and a runner bounded by Config.DispatchConcurrency.
type Deps struct {
	Source   tree.Source
	FS       afero.Fs
	Store    settings.Store
	Journal  *journal.Journal
	Metrics  *metrics.Metrics
	Runner   *tasks.Runner
	Channels []dispatch.Channel
	Primary  *dispatch.PrimaryStore // receives UI dumps; usually also in Channels
	Info     *Info
}

// PassResult describes one extraction pass.
type PassResult struct {
	Observed  extract.ObservedState
	Decision  reconcile.Decision
	Published bool
}

// Relay drives Extractor -> Reconciler -> Dispatcher from UI-change
// notifications and a heartbeat timer.
type Relay struct {
	config     Config
	loc        *time.Location
	source     tree.Source
	store      settings.Store
	journal    *journal.Journal
	metrics    *metrics.Metrics
	runner     *tasks.Runner
	ownsRunner bool
	extractor  *extract.Extractor
	reconciler *reconcile.Reconciler
	dispatcher *dispatch.Dispatcher
	primary    *dispatch.PrimaryStore
	info       *Info

	mu             sync.Mutex
	running        bool
	heartbeatTimer *time.Timer
	dumpRequested  bool
	events         int
	eventsSince    time.Time

	// Pass coalescing
	passMu      sync.Mutex
	passRunning bool
	passPending bool

	now func() time.Time
}

// New creates a Relay. It does not start the heartbeat; call Start.
func New(cfg Config, deps Deps) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Relay{
		config:     cfg,
		loc:        cfg.Location(),
		store:      deps.Store,
		journal:    deps.Journal,
		metrics:    deps.Metrics,
		runner:     deps.Runner,
		extractor:  extract.New(extract.DefaultMarkers()),
		reconciler: reconcile.New(),
		primary:    deps.Primary,
		info:       deps.Info,
		now:        time.Now,
	}
	if r.store == nil {
		r.store = settings.NewMemoryStore()
	}
	if r.journal == nil {
		r.journal = journal.Discard()
	}
	if r.runner == nil {
		r.runner = tasks.NewRunner(context.Background(), int64(cfg.DispatchConcurrency), r.onTaskError)
		r.ownsRunner = true
	}

	r.source = deps.Source
	if r.source == nil {
		fs := deps.FS
		if fs == nil {
			fs = afero.NewOsFs()
		}
		r.source = tree.NewFileSource(fs, cfg.SnapshotPath, r.TargetPackage)
	}

	r.dispatcher = dispatch.New(r.runner, r.journal, r.metrics, deps.Channels...)
	r.ensurePackage()

	return r, nil
}

func (r *Relay) onTaskError(name string, err error) {
	r.journal.Warn("Background task failed", map[string]interface{}{
		"task":  name,
		"error": err.Error(),
	})
}

// ensurePackage writes the configured package identity when the stored one
// is missing or not a valid package name.
func (r *Relay) ensurePackage() {
	if v, ok := r.store.Get(settings.KeyKDSPackage); ok && packagePattern.MatchString(v) {
		return
	}
	if err := r.store.Set(settings.KeyKDSPackage, r.config.Package); err != nil {
		r.journal.Warn("Failed to store package identity", map[string]interface{}{"error": err.Error()})
	}
}

// TargetPackage returns the observed application's package identity.
func (r *Relay) TargetPackage() string {
	if v, ok := r.store.Get(settings.KeyKDSPackage); ok && packagePattern.MatchString(v) {
		return v
	}
	return r.config.Package
}

// Reconciler exposes the reconciled state for inspection.
func (r *Relay) Reconciler() *reconcile.Reconciler {
	return r.reconciler
}

// Dispatcher exposes channel health.
func (r *Relay) Dispatcher() *dispatch.Dispatcher {
	return r.dispatcher
}

// Start restores persisted state and starts the heartbeat.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("relay already running")
	}
	r.running = true

	count := settings.GetInt(r.store, settings.KeyLastCount, reconcile.Unknown)
	if count >= 0 {
		var publishedAt time.Time
		if ms := settings.GetInt64(r.store, settings.KeyLastUploadTime, 0); ms > 0 {
			publishedAt = time.UnixMilli(ms)
		}
		r.reconciler.Restore(count, publishedAt)
	}

	r.heartbeatTimer = time.AfterFunc(r.config.HeartbeatInterval, r.onHeartbeatFire)

	r.journal.Info("Relay started", map[string]interface{}{
		"package":            r.TargetPackage(),
		"heartbeat_interval": r.config.HeartbeatInterval.String(),
		"restored_count":     count,
	})
	return nil
}

// Stop halts the heartbeat and cancels background work.
func (r *Relay) Stop() {
	r.mu.Lock()
	wasRunning := r.running
	r.running = false
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}
	r.mu.Unlock()

	if wasRunning {
		r.journal.Info("Relay stopped", nil)
	}
	if r.ownsRunner {
		r.runner.Stop()
	}
}

// Wait blocks until submitted passes and publishes have finished.
func (r *Relay) Wait() {
	r.runner.Wait()
}

func (r *Relay) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Watch feeds snapshot file changes into OnTreeChanged until ctx is done.
func (r *Relay) Watch(ctx context.Context) error {
	return tree.Watch(ctx, r.config.SnapshotPath, watchDebounce, r.OnTreeChanged)
}

// OnTreeChanged is the UI-change notification entry point. It never blocks.
func (r *Relay) OnTreeChanged() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.events++
	now := r.now()
	if r.eventsSince.IsZero() {
		r.eventsSince = now
	}
	var (
		logEvents int
		elapsed   time.Duration
	)
	if d := now.Sub(r.eventsSince); d >= eventLogInterval {
		logEvents, elapsed = r.events, d
		r.events = 0
		r.eventsSince = now
	}
	r.mu.Unlock()

	if logEvents > 0 {
		r.journal.Debug("UI events", map[string]interface{}{
			"events":     logEvents,
			"per_second": float64(logEvents) / elapsed.Seconds(),
		})
	}

	r.runner.Go("pass:ui", func(ctx context.Context) error {
		r.triggerPass(ctx)
		return nil
	})
}

// RequestDump makes the next pass with an available tree publish a text
// dump of it to the primary store.
func (r *Relay) RequestDump() {
	r.mu.Lock()
	r.dumpRequested = true
	r.mu.Unlock()

	r.runner.Go("pass:dump", func(ctx context.Context) error {
		r.triggerPass(ctx)
		return nil
	})
}

func (r *Relay) takeDumpRequest() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	requested := r.dumpRequested
	r.dumpRequested = false
	return requested
}

// ============================================================================
// HEARTBEAT
// ============================================================================

func (r *Relay) onHeartbeatFire() {
	if !r.isRunning() {
		return
	}
	r.runner.Go("heartbeat", func(ctx context.Context) error {
		r.Heartbeat(ctx)
		return nil
	})
}

// resetHeartbeat restarts the heartbeat countdown (called on every publish).
func (r *Relay) resetHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && r.heartbeatTimer != nil {
		r.heartbeatTimer.Reset(r.config.HeartbeatInterval)
	}
}

// Heartbeat runs a pass without a UI event. If the pass did not publish and
// a confident count exists, the current state is republished.
func (r *Relay) Heartbeat(ctx context.Context) {
	res, err := r.RunPass(ctx)
	r.logPassError("heartbeat", err)
	if res.Published {
		return
	}

	state := r.reconciler.State()
	if !state.Known() {
		r.resetHeartbeat()
		return
	}
	r.publish(state, false)
}

// ============================================================================
// PASSES
// ============================================================================

// triggerPass runs a pass, or marks one pending if a pass is in flight.
// Pending requests collapse into a single follow-up pass.
func (r *Relay) triggerPass(ctx context.Context) {
	r.passMu.Lock()
	if r.passRunning {
		r.passPending = true
		r.passMu.Unlock()
		return
	}
	r.passRunning = true
	r.passPending = true
	r.passMu.Unlock()

	for {
		r.passMu.Lock()
		if !r.passPending || ctx.Err() != nil {
			r.passRunning = false
			r.passPending = false
			r.passMu.Unlock()
			return
		}
		r.passPending = false
		r.passMu.Unlock()

		_, err := r.RunPass(ctx)
		r.logPassError("ui", err)
	}
}

// RunPass reads the tree once, reconciles the observation and dispatches if
// the state changed.
func (r *Relay) RunPass(ctx context.Context) (PassResult, error) {
	root, err := r.source.Root(ctx)
	if err != nil {
		return PassResult{}, err
	}

	obs := r.extractor.Extract(root)
	r.metrics.ObservePass(string(obs.Strategy))

	decision := r.reconciler.Apply(obs)
	res := PassResult{Observed: obs, Decision: decision}

	if decision.CountChanged {
		r.journal.Info("Count changed", map[string]interface{}{
			"count":    decision.State.LastCount,
			"previous": decision.PreviousCount,
			"strategy": string(obs.Strategy),
		})
	}
	if decision.Dispatch {
		r.publish(decision.State, decision.CountChanged)
		res.Published = true
	}

	if r.takeDumpRequest() {
		r.publishDump(root, obs.Strategy)
	}

	return res, nil
}

func (r *Relay) logPassError(trigger string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	ctx := map[string]interface{}{"trigger": trigger, "error": err.Error()}
	if errors.Is(err, tree.ErrUnavailable) {
		r.journal.Debug("UI tree unavailable", ctx)
		return
	}
	r.journal.Warn("Extraction pass failed", ctx)
}

// publish hands the state to every channel and persists it.
func (r *Relay) publish(state reconcile.State, countChanged bool) {
	now := r.now()

	snap := dispatch.NewSnapshot(state, countChanged, now, r.loc)
	snap.History = r.reconciler.History()
	snap.LogTail = r.journal.Tail(LogTailLines)

	r.dispatcher.Dispatch(snap)
	r.reconciler.MarkPublished(now)
	r.metrics.SetInProgress(state.LastCount)
	r.persist(state.LastCount, now)
	r.resetHeartbeat()
}

func (r *Relay) persist(count int, at time.Time) {
	if count < 0 {
		return
	}
	if err := r.store.Set(settings.KeyLastCount, strconv.Itoa(count)); err != nil {
		r.journal.Warn("Failed to persist count", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := r.store.Set(settings.KeyLastUploadTime, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		r.journal.Warn("Failed to persist publish time", map[string]interface{}{"error": err.Error()})
	}
}

func (r *Relay) publishDump(root tree.Node, strategy extract.Strategy) {
	if r.primary == nil {
		r.journal.Warn("UI dump requested but no primary store configured", nil)
		return
	}

	doc := dispatch.DumpDocument{
		ID:       uuid.NewString(),
		Time:     r.now().In(r.loc).Format(dispatch.TimeLayout),
		Package:  r.TargetPackage(),
		Strategy: string(strategy),
		Tree:     tree.Dump(root),
		Health:   r.dispatcher.Health().Snapshot(),
	}
	if data := r.info.GetData(); data != nil {
		doc.Relay = data
	}

	r.runner.Go("dump", func(ctx context.Context) error {
		if err := r.primary.PublishDump(ctx, doc); err != nil {
			return err
		}
		r.journal.Info("UI dump published", map[string]interface{}{"id": doc.ID})
		return nil
	})
}
