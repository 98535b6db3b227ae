// Package controller runs the optimization control loop: it acquires inputs,
// runs the optimizer, and publishes the resulting plan.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energyplan/pkg/forecast"
	"github.com/raterudder/energyplan/pkg/log"
	"github.com/raterudder/energyplan/pkg/optimizer"
	"github.com/raterudder/energyplan/pkg/storage"
	"github.com/raterudder/energyplan/pkg/types"
	"github.com/robfig/cron/v3"
)

// defaultStaleAfter applies until settings have been read once.
const defaultStaleAfter = 3

// Scheduled triggers. Any other trigger name is an on-demand run.
const (
	TriggerStartup  = "startup"
	TriggerInterval = "interval"
)

// Loop periodically re-optimizes the plan. At most one run is active at a
// time; triggers that arrive during a run are dropped.
type Loop struct {
	db        storage.Database
	forecasts *forecast.Router
	interval  time.Duration
	timeout   time.Duration
	now       func() time.Time

	lock RunLock
	plan atomic.Pointer[types.Plan]

	mu         sync.Mutex
	status     types.OptimizationStatus
	staleAfter int
	// baseCtx parents runs started by TriggerAsync. Until Run is called it is
	// a cancelable background context that Run cancels on shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	runs       sync.WaitGroup

	// onTransition is called on every state change. Used in tests.
	onTransition func(types.RunState)
}

// Configured sets up the Loop with flags.
func Configured(db storage.Database, forecasts *forecast.Router) *Loop {
	interval := lflag.Duration("optimize-interval", 15*time.Minute, "How often to re-run the optimization")
	timeout := lflag.Duration("optimize-timeout", 5*time.Minute, "Maximum duration of a single optimization run (0 disables)")

	l := NewLoop(db, forecasts, 0, 0)
	lflag.Do(func() {
		if *interval <= 0 {
			panic(fmt.Sprintf("optimize-interval must be positive: %s", *interval))
		}
		l.interval = *interval
		l.timeout = *timeout
	})
	return l
}

// NewLoop creates a Loop.
func NewLoop(db storage.Database, forecasts *forecast.Router, interval, timeout time.Duration) *Loop {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Loop{
		db:         db,
		forecasts:  forecasts,
		interval:   interval,
		timeout:    timeout,
		now:        time.Now,
		staleAfter: defaultStaleAfter,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
		status:     types.OptimizationStatus{State: types.RunStateIdle},
	}
}

// Restore makes the latest persisted plan current so consumers have a plan
// before the first run finishes.
func (l *Loop) Restore(ctx context.Context) error {
	plan, err := l.db.GetLatestPlan(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Ctx(ctx).InfoContext(ctx, "no previous plan to restore")
			return nil
		}
		return fmt.Errorf("failed to restore plan: %w", err)
	}
	l.plan.Store(&plan)

	l.mu.Lock()
	l.status.CurrentPlanID = plan.ID
	l.mu.Unlock()

	log.Ctx(ctx).InfoContext(
		ctx,
		"restored plan",
		slog.String("planID", plan.ID),
		slog.Time("horizonStart", plan.HorizonStart),
	)
	return nil
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	ctx context.Context
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Ctx(c.ctx).DebugContext(c.ctx, "cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Ctx(c.ctx).ErrorContext(c.ctx, "cron: "+msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}

// Run triggers a run immediately and then on every interval until ctx is
// canceled. It waits for an active run to stop before returning.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.baseCtx = ctx
	cancelEarly := l.cancelBase
	l.mu.Unlock()

	c := cron.New(cron.WithLogger(cronLogger{ctx: ctx}))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", l.interval), func() {
		l.Trigger(ctx, TriggerInterval)
	}); err != nil {
		return fmt.Errorf("failed to schedule optimization: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "starting control loop", slog.Duration("interval", l.interval))
	c.Start()
	l.TriggerAsync(TriggerStartup)

	<-ctx.Done()
	log.Ctx(ctx).InfoContext(ctx, "stopping control loop")
	// runs triggered before Run started
	cancelEarly()
	<-c.Stop().Done()
	l.runs.Wait()
	return nil
}

// Trigger runs an optimization synchronously. It returns false without running
// when another run holds the lock.
func (l *Loop) Trigger(ctx context.Context, trigger string) (bool, error) {
	if !l.lock.TryAcquire() {
		log.Ctx(ctx).InfoContext(ctx, "optimization already running, ignoring trigger", slog.String("trigger", trigger))
		return false, nil
	}
	defer l.lock.Release()
	return true, l.run(ctx, trigger)
}

// TriggerAsync starts a run in the background and reports whether it started.
func (l *Loop) TriggerAsync(trigger string) bool {
	l.mu.Lock()
	ctx := l.baseCtx
	l.mu.Unlock()

	if !l.lock.TryAcquire() {
		log.Ctx(ctx).InfoContext(ctx, "optimization already running, ignoring trigger", slog.String("trigger", trigger))
		return false
	}
	l.runs.Add(1)
	go func() {
		defer l.runs.Done()
		defer l.lock.Release()
		// failures are recorded in the status
		_ = l.run(ctx, trigger)
	}()
	return true
}

// Running reports whether a run is active.
func (l *Loop) Running() bool {
	return l.lock.Held()
}

// CurrentPlan returns the most recently published plan or nil. The returned
// plan is shared and must not be modified.
func (l *Loop) CurrentPlan() *types.Plan {
	return l.plan.Load()
}

// Status returns a snapshot of the loop status.
func (l *Loop) Status() types.OptimizationStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.status
	s.PlanStale = s.ConsecutiveFailures >= l.staleAfter
	return s
}

func (l *Loop) transition(state types.RunState) {
	l.mu.Lock()
	l.status.State = state
	l.mu.Unlock()
	if l.onTransition != nil {
		l.onTransition(state)
	}
}

// fail records a failed run and returns to idle. A run canceled by shutdown
// is recorded but doesn't count as a failure.
func (l *Loop) fail(ctx context.Context, stage types.RunState, err error) error {
	serr := &StageError{Stage: stage, Err: err}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		l.mu.Lock()
		l.status.LastError = err.Error()
		l.status.LastErrorStage = stage
		l.status.LastCanceled = l.now()
		l.mu.Unlock()

		log.Ctx(ctx).InfoContext(ctx, "optimization run canceled", slog.String("stage", string(stage)))
		l.transition(types.RunStateIdle)
		return serr
	}

	l.mu.Lock()
	l.status.LastError = err.Error()
	l.status.LastErrorStage = stage
	l.status.ConsecutiveFailures++
	failures := l.status.ConsecutiveFailures
	l.mu.Unlock()

	log.Ctx(ctx).ErrorContext(
		ctx,
		"optimization run failed",
		slog.String("stage", string(stage)),
		slog.Int("consecutiveFailures", failures),
		slog.Any("error", err),
	)
	l.transition(types.RunStateError)
	l.transition(types.RunStateIdle)
	return serr
}

func (l *Loop) succeed(ctx context.Context, plan *types.Plan) {
	l.mu.Lock()
	l.status.LastSuccess = plan.CreatedAt
	l.status.LastError = ""
	l.status.LastErrorStage = ""
	l.status.ConsecutiveFailures = 0
	l.status.CurrentPlanID = plan.ID
	l.mu.Unlock()

	log.Ctx(ctx).InfoContext(
		ctx,
		"published plan",
		slog.String("planID", plan.ID),
		slog.Float64("cost", plan.Fitness.Cost),
		slog.Float64("selfConsumption", plan.SelfConsumption),
		slog.Bool("warmStarted", plan.WarmStarted),
	)
	l.transition(types.RunStateIdle)
}

// run performs one optimization. The caller must hold the lock.
func (l *Loop) run(ctx context.Context, trigger string) error {
	started := l.now()
	id := "plan-" + started.UTC().Format("20060102T150405.000000000")
	ctx = log.WithAttrs(ctx, slog.String("runID", id), slog.String("trigger", trigger))
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	l.mu.Lock()
	l.status.LastRunTimestamp = started
	l.mu.Unlock()
	l.transition(types.RunStateAcquiringInputs)

	settings, err := l.getSettings(ctx)
	if err != nil {
		return l.fail(ctx, types.RunStateAcquiringInputs, err)
	}
	l.mu.Lock()
	l.staleAfter = max(settings.StaleAfterFailures, 1)
	l.mu.Unlock()
	if settings.Pause && (trigger == TriggerStartup || trigger == TriggerInterval) {
		log.Ctx(ctx).InfoContext(ctx, "scheduled optimization paused by settings")
		l.transition(types.RunStateIdle)
		return nil
	}

	in, err := l.acquireInputs(ctx, settings)
	if err != nil {
		return l.fail(ctx, types.RunStateAcquiringInputs, err)
	}

	l.transition(types.RunStateOptimizing)
	seed := started.UnixNano()
	if settings.Seed != nil {
		seed = *settings.Seed
	}
	opt, err := optimizer.New(optimizer.ConfigFromSettings(ctx, settings, seed), in)
	if err != nil {
		return l.fail(ctx, types.RunStateOptimizing, err)
	}
	out, err := opt.Run(ctx, l.warmStart(ctx, in))
	if err != nil {
		return l.fail(ctx, types.RunStateOptimizing, err)
	}

	l.transition(types.RunStatePublishing)
	plan := &types.Plan{
		ID:              id,
		CreatedAt:       l.now(),
		HorizonStart:    in.Forecasts.Start,
		HorizonKey:      in.Layout.Key(),
		Layout:          in.Layout,
		Seed:            out.Seed,
		Generations:     settings.Generations,
		WarmStarted:     out.WarmStarted,
		Chromosome:      out.Best,
		Fitness:         out.Fitness,
		Hours:           out.Result.Hours,
		TotalImportWh:   out.Result.TotalImportWh,
		TotalExportWh:   out.Result.TotalExportWh,
		TotalLossWh:     out.Result.TotalLossWh,
		SelfConsumption: out.Result.SelfConsumption,
	}
	// persist before swapping so a failed save keeps the previous plan current
	if err := l.db.SavePlan(ctx, *plan); err != nil {
		return l.fail(ctx, types.RunStatePublishing, fmt.Errorf("failed to save plan: %w", err))
	}
	l.plan.Store(plan)
	l.succeed(ctx, plan)
	return nil
}
