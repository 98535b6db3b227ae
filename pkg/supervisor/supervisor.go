// Package supervisor keeps the companion dashboard process running next to the
// control loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energyplan/pkg/log"
)

const (
	defaultMaxRestarts = 5
	defaultBackoff     = time.Second
	defaultMaxBackoff  = time.Minute
	defaultHealthEvery = 30 * time.Second
	// a process that stays up this long gets its restart budget back
	defaultStableAfter = 10 * time.Minute
)

// Supervisor starts a Process, forwards its output to the logger and restarts
// it when it dies. After maxRestarts consecutive failures it gives up; it
// never returns an error for a failing process.
type Supervisor struct {
	name        string
	proc        Process
	maxRestarts int
	backoff     *backoff.ExponentialBackOff
	healthEvery time.Duration
	stableAfter time.Duration
	now         func() time.Time

	// restarts is only touched by Run
	restarts int
}

// Configured sets up the Supervisor with flags. When no dashboard-command is
// given the Supervisor does nothing.
func Configured() *Supervisor {
	command := lflag.String("dashboard-command", "", "Command that runs the companion dashboard (empty disables it)")
	var args []string
	lflag.JSON(&args, "dashboard-args", args, "JSON array of arguments for dashboard-command")
	maxRestarts := defaultMaxRestarts
	lflag.JSON(&maxRestarts, "dashboard-max-restarts", maxRestarts, "Consecutive dashboard restarts before giving up")

	s := New("dashboard", nil, defaultMaxRestarts)
	lflag.Do(func() {
		if maxRestarts < 0 {
			panic(fmt.Sprintf("dashboard-max-restarts must not be negative: %d", maxRestarts))
		}
		s.maxRestarts = maxRestarts
		if *command != "" {
			s.proc = NewExecProcess(s.name, *command, args)
		}
	})
	return s
}

// New creates a Supervisor for proc. A nil proc makes Run a no-op.
func New(name string, proc Process, maxRestarts int) *Supervisor {
	return &Supervisor{
		name:        name,
		proc:        proc,
		maxRestarts: maxRestarts,
		backoff:     newBackOff(defaultBackoff, defaultMaxBackoff),
		healthEvery: defaultHealthEvery,
		stableAfter: defaultStableAfter,
		now:         time.Now,
	}
}

// newBackOff doubles the restart delay from initial up to maxInterval. The
// restart budget, not elapsed time, decides when to give up.
func newBackOff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run supervises the process until ctx is canceled, then stops it.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.proc == nil {
		log.Ctx(ctx).InfoContext(ctx, "no companion process configured", slog.String("process", s.name))
		return nil
	}
	ctx = log.WithAttrs(ctx, slog.String("process", s.name))

	logsDone := make(chan struct{})
	logsCtx, stopLogs := context.WithCancel(ctx)
	go func() {
		defer close(logsDone)
		s.proc.StreamLogs(logsCtx, func(line string) {
			log.Ctx(ctx).InfoContext(ctx, line)
		})
	}()
	defer func() {
		stopLogs()
		<-logsDone
	}()

	s.backoff.Reset()
	started := s.now()
	err := s.proc.Start(ctx)
	for {
		if err == nil {
			err = s.watch(ctx)
		}
		if ctx.Err() != nil {
			log.Ctx(ctx).InfoContext(ctx, "stopping companion process")
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*defaultStopTimeout)
			if err := s.proc.Stop(stopCtx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to stop companion process", slog.Any("error", err))
			}
			cancel()
			return nil
		}

		if s.now().Sub(started) >= s.stableAfter {
			s.restarts = 0
			s.backoff.Reset()
		}
		if s.restarts >= s.maxRestarts {
			log.Ctx(ctx).ErrorContext(
				ctx,
				"companion process keeps failing, giving up",
				slog.Int("restarts", s.restarts),
				slog.Any("error", err),
			)
			return nil
		}
		s.restarts++

		delay := s.backoff.NextBackOff()
		log.Ctx(ctx).WarnContext(
			ctx,
			"companion process died, restarting",
			slog.Int("attempt", s.restarts),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			continue
		case <-t.C:
		}

		started = s.now()
		err = s.proc.Restart(ctx)
	}
}

// watch blocks until the process exits, stops responding or ctx is canceled.
func (s *Supervisor) watch(ctx context.Context) error {
	t := time.NewTicker(s.healthEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.proc.Exited():
			if e, ok := s.proc.(interface{ ExitErr() error }); ok && e.ExitErr() != nil {
				return fmt.Errorf("exited: %w", e.ExitErr())
			}
			return errors.New("exited")
		case <-t.C:
			if !s.proc.IsAlive(ctx) {
				return errors.New("not alive")
			}
		}
	}
}

// Restarts returns the number of consecutive restarts so far.
func (s *Supervisor) Restarts() int {
	return s.restarts
}
