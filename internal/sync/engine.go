package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/curasync/internal/model"
)

const (
	otelScope       = "curasync/sync"
	spanFullSync    = "sync.full"
	spanQuickSync   = "sync.quick"
	spanPull        = "sync.pull"
	spanPush        = "sync.push"
	metricPulled    = "curasync.sync.records.pulled"
	metricPushed    = "curasync.sync.records.pushed"
	metricConflicts = "curasync.sync.conflicts"
	metricFailed    = "curasync.sync.records.failed"
	metricErrors    = "curasync.sync.errors"
)

// DefaultInterval is the period of the background quick sync.
const DefaultInterval = 60 * time.Second

// retryFloor is the first delay after a cycle that hit connectivity errors.
const retryFloor = 5 * time.Second

// Status summarises how a sync call ended.
type Status string

const (
	StatusOK             Status = "ok"
	StatusWithErrors     Status = "completed_with_errors"
	StatusOffline        Status = "offline"
	StatusAlreadySyncing Status = "already_syncing"
)

// Result aggregates the phases of one cycle. Offline and already_syncing
// results carry no phase data.
type Result struct {
	Status   Status
	Pull     map[model.Kind]PullResult
	Push     map[model.Kind]PushResult
	Errors   []error
	Duration time.Duration
}

// Pulled returns the number of records inserted or updated by pulls.
func (r Result) Pulled() int {
	n := 0
	for _, p := range r.Pull {
		n += p.Inserted + p.Updated
	}
	return n
}

// Pushed returns the number of records accepted by the remote.
func (r Result) Pushed() int {
	n := 0
	for _, p := range r.Push {
		n += p.Pushed
	}
	return n
}

// Conflicts returns the number of records flagged as conflict.
func (r Result) Conflicts() int {
	n := 0
	for _, p := range r.Push {
		n += p.Conflicts
	}
	return n
}

// Failed returns the number of records parked as failed.
func (r Result) Failed() int {
	n := 0
	for _, p := range r.Push {
		n += p.Failed
	}
	return n
}

func (r Result) hitConnectivityErrors() bool {
	for _, err := range r.Errors {
		if isConnectivity(err) {
			return true
		}
	}
	return false
}

// Config tunes an [Engine]. Zero values select the defaults.
type Config struct {
	BatchSize       int
	MaxPushAttempts int
	Interval        time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Engine runs sync cycles between a [RecordStore] and a [RemoteClient]. At
// most one cycle runs at a time. Create one with [NewEngine]; it becomes a
// [network.Listener] so connectivity transitions start and stop the
// background timer.
type Engine struct {
	store    RecordStore
	conn     Connectivity
	meta     *metaTracker
	puller   *puller
	pusher   *pusher
	resolver *resolver
	interval time.Duration
	log      *slog.Logger

	// cycle serialises cycles, resolutions and requeues.
	cycle   sync.Mutex
	syncing atomic.Bool

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
	shutdown bool

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntPulled    metric.Int64Counter
	cntPushed    metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntFailed    metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// NewEngine wires an engine. It fails with [ErrMissingDependency] when any
// collaborator is nil.
func NewEngine(store RecordStore, rc RemoteClient, conn Connectivity, cfg Config) (*Engine, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("%w: record store", ErrMissingDependency)
	case rc == nil:
		return nil, fmt.Errorf("%w: remote client", ErrMissingDependency)
	case conn == nil:
		return nil, fmt.Errorf("%w: connectivity", ErrMissingDependency)
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxPushAttempts <= 0 {
		cfg.MaxPushAttempts = DefaultMaxPushAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	meta := newMetaTracker(store)
	return &Engine{
		store: store,
		conn:  conn,
		meta:  meta,
		puller: &puller{
			store: store, remote: rc, meta: meta,
			batchSize: cfg.BatchSize, now: cfg.Now, log: logger,
		},
		pusher: &pusher{
			store: store, remote: rc, meta: meta,
			maxAttempts: cfg.MaxPushAttempts, now: cfg.Now, log: logger,
		},
		resolver: &resolver{store: store, remote: rc, now: cfg.Now, log: logger},
		interval: cfg.Interval,
		log:      logger,

		tracer:       tracer,
		cntPulled:    mustCounter(metricPulled, "Number of records inserted or updated by pulls"),
		cntPushed:    mustCounter(metricPushed, "Number of records accepted by the remote"),
		cntConflicts: mustCounter(metricConflicts, "Number of records flagged as conflict"),
		cntFailed:    mustCounter(metricFailed, "Number of records parked after repeated rejection"),
		cntErrors:    mustCounter(metricErrors, "Number of failed sync phases"),
	}, nil
}

// Syncing reports whether a cycle is in flight.
func (e *Engine) Syncing() bool { return e.syncing.Load() }

// FullSync pulls entities, pulls curations, pushes entities and pushes
// curations, in that order. A failing phase is recorded in Result.Errors and
// the later phases still run.
func (e *Engine) FullSync(ctx context.Context) Result {
	return e.run(ctx, spanFullSync, true)
}

// QuickSync runs only the push phases. It is best-effort: failures are
// logged and recorded in the result, never returned as errors.
func (e *Engine) QuickSync(ctx context.Context) Result {
	return e.run(ctx, spanQuickSync, false)
}

func (e *Engine) run(ctx context.Context, spanName string, withPull bool) Result {
	if !e.conn.IsOnline() {
		e.log.Debug("skipping sync while offline", "cycle", spanName)
		return Result{Status: StatusOffline}
	}
	if !e.cycle.TryLock() {
		e.log.Debug("sync already in progress", "cycle", spanName)
		return Result{Status: StatusAlreadySyncing}
	}
	defer e.cycle.Unlock()
	e.syncing.Store(true)
	defer e.syncing.Store(false)

	ctx, span := e.tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	res := Result{
		Pull: make(map[model.Kind]PullResult),
		Push: make(map[model.Kind]PushResult),
	}

	if withPull {
		for _, kind := range model.Kinds {
			pr, err := e.pullPhase(ctx, kind)
			res.Pull[kind] = pr
			if err != nil {
				res.Errors = append(res.Errors, err)
			}
		}
	}
	for _, kind := range model.Kinds {
		pr, err := e.pushPhase(ctx, kind)
		res.Push[kind] = pr
		if err != nil {
			res.Errors = append(res.Errors, err)
		}
	}

	res.Duration = time.Since(start)
	res.Status = StatusOK
	if len(res.Errors) > 0 {
		res.Status = StatusWithErrors
		span.SetStatus(codes.Error, errors.Join(res.Errors...).Error())
	}
	span.SetAttributes(
		attribute.Int("sync.pulled", res.Pulled()),
		attribute.Int("sync.pushed", res.Pushed()),
		attribute.Int("sync.conflicts", res.Conflicts()),
		attribute.Int("sync.failed", res.Failed()),
		attribute.Int("sync.errors", len(res.Errors)),
	)
	return res
}

func (e *Engine) pullPhase(ctx context.Context, kind model.Kind) (PullResult, error) {
	ctx, span := e.tracer.Start(ctx, spanPull, trace.WithAttributes(attribute.String("sync.kind", string(kind))))
	defer span.End()

	if !e.conn.IsOnline() {
		return PullResult{}, e.phaseError(ctx, span, "pull", kind, ErrOffline)
	}
	res, err := e.puller.pull(ctx, kind)
	if n := res.Inserted + res.Updated; n > 0 {
		e.cntPulled.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", string(kind))))
	}
	span.SetAttributes(
		attribute.Int("sync.count", res.Count),
		attribute.Int("sync.pages", res.Pages),
	)
	if err != nil {
		return res, e.phaseError(ctx, span, "pull", kind, err)
	}
	return res, nil
}

func (e *Engine) pushPhase(ctx context.Context, kind model.Kind) (PushResult, error) {
	ctx, span := e.tracer.Start(ctx, spanPush, trace.WithAttributes(attribute.String("sync.kind", string(kind))))
	defer span.End()

	if !e.conn.IsOnline() {
		return PushResult{}, e.phaseError(ctx, span, "push", kind, ErrOffline)
	}
	res, err := e.pusher.push(ctx, kind)
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	if res.Pushed > 0 {
		e.cntPushed.Add(ctx, int64(res.Pushed), attrs)
	}
	if res.Conflicts > 0 {
		e.cntConflicts.Add(ctx, int64(res.Conflicts), attrs)
	}
	if res.Failed > 0 {
		e.cntFailed.Add(ctx, int64(res.Failed), attrs)
	}
	span.SetAttributes(
		attribute.Int("sync.pushed", res.Pushed),
		attribute.Int("sync.conflicts", res.Conflicts),
	)
	if err != nil {
		return res, e.phaseError(ctx, span, "push", kind, err)
	}
	return res, nil
}

func (e *Engine) phaseError(ctx context.Context, span trace.Span, phase string, kind model.Kind, err error) error {
	err = fmt.Errorf("%s %s: %w", phase, kind, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.cntErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
	e.log.Error("sync phase failed", "phase", phase, "kind", kind, "error", err)
	return err
}

// Pull runs a single pull phase, waiting for any cycle in flight.
func (e *Engine) Pull(ctx context.Context, kind model.Kind) (PullResult, error) {
	if !e.conn.IsOnline() {
		return PullResult{}, ErrOffline
	}
	e.cycle.Lock()
	defer e.cycle.Unlock()
	return e.pullPhase(ctx, kind)
}

// Resolve settles a conflict by keeping the local or the server copy. It
// waits for any cycle in flight and fails with a [*NotFoundError] when no
// conflict record has the key.
func (e *Engine) Resolve(ctx context.Context, kind model.Kind, key string, choice model.Choice) (model.Record, error) {
	if !e.conn.IsOnline() {
		return nil, ErrOffline
	}
	e.cycle.Lock()
	defer e.cycle.Unlock()
	return e.resolver.resolve(ctx, kind, key, choice)
}

// Requeue gives a failed record a fresh attempt budget. It needs no
// connectivity.
func (e *Engine) Requeue(ctx context.Context, kind model.Kind, key string) (model.Record, error) {
	e.cycle.Lock()
	defer e.cycle.Unlock()
	return e.resolver.requeue(ctx, kind, key)
}

// ---------------------------------------------------------------------------
// Background timer
// ---------------------------------------------------------------------------

// OnOnline starts the background loop, which quick-syncs immediately and then
// every interval. Until a pull has completed, ticks run full syncs instead.
func (e *Engine) OnOnline(ctx context.Context) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.shutdown || e.stopLoop != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.stopLoop = cancel
	e.loopDone = make(chan struct{})
	go e.loop(loopCtx, e.loopDone)
	e.log.Info("sync timer started", "interval", e.interval)
}

// OnOffline stops the background loop.
func (e *Engine) OnOffline(context.Context) {
	if e.stopTimer() {
		e.log.Info("sync timer stopped (offline)")
	}
}

// Shutdown stops the background loop for good.
func (e *Engine) Shutdown() {
	e.loopMu.Lock()
	e.shutdown = true
	e.loopMu.Unlock()
	if e.stopTimer() {
		e.log.Info("sync timer stopped (shutdown)")
	}
}

// TimerRunning reports whether the background loop is active.
func (e *Engine) TimerRunning() bool {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	return e.stopLoop != nil
}

func (e *Engine) stopTimer() bool {
	e.loopMu.Lock()
	cancel, done := e.stopLoop, e.loopDone
	e.stopLoop, e.loopDone = nil, nil
	e.loopMu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

// timerSync quick-syncs, or runs a full sync while no pull has ever
// completed, so a process that started offline still hydrates once online.
func (e *Engine) timerSync(ctx context.Context) Result {
	meta, err := e.meta.get(ctx)
	if err != nil {
		e.log.Warn("reading sync metadata", "error", err)
		return e.QuickSync(ctx)
	}
	if meta.LastPullAt.IsZero() {
		e.log.Info("no pull recorded yet, running a full sync")
		return e.FullSync(ctx)
	}
	return e.QuickSync(ctx)
}

// loop quick-syncs on a timer. After connectivity errors the next attempt is
// scheduled by exponential backoff, capped at the interval; a clean cycle
// restores the regular period.
func (e *Engine) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(retryFloor, e.interval)
	bo.MaxInterval = e.interval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := e.interval
		if e.conn.IsOnline() && !e.syncing.Load() {
			res := e.timerSync(ctx)
			switch {
			case res.hitConnectivityErrors():
				next = min(bo.NextBackOff(), e.interval)
				e.log.Debug("connectivity errors, retrying sooner", "next", next)
			case res.Status == StatusOK || res.Status == StatusWithErrors:
				bo.Reset()
			}
		}
		timer.Reset(next)
	}
}
