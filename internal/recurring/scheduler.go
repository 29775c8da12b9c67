package recurring

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pulse/internal/clock"
	"pulse/internal/eventbus"
	"pulse/internal/runtime/supervisor"
	logx "pulse/pkg/logx"
)

const defaultFaultLogRate = 1.0

// Scheduler invokes an Action after dueTime and then every period.
// Start and Stop are safe for concurrent use.
type Scheduler struct {
	action  Action
	dueTime time.Duration
	period  time.Duration

	overlap      OverlapPolicy
	maxInFlight  int
	name         string
	log          logx.Logger
	clock        clock.Clock
	bus          eventbus.Bus
	onFault      func(*ActionError)
	faultLogRate float64

	faultLimiter *rate.Limiter
	slots        *slotPool

	mu    sync.Mutex
	state State
	sup   *supervisor.Supervisor
	done  *Completion

	ticks      atomic.Uint64
	inFlight   atomic.Int64
	failures   atomic.Uint64
	suppressed atomic.Uint64

	lastMu     sync.Mutex
	lastStart  time.Time
	lastFinish time.Time
	lastErr    string
}

// Completion resolves once a stopped Scheduler has fully drained.
type Completion struct {
	done chan struct{}
}

// Done is closed when shutdown is complete.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Wait blocks until shutdown is complete or ctx expires. Action failures are
// never reported here.
func (c *Completion) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New validates its arguments and returns a Scheduler in StateCreated.
// dueTime and period must each be >= 0 or Infinite. Infinite is -1ns, so
// that exact value means "never" rather than a negative wait; any other
// negative duration is rejected.
func New(action Action, dueTime, period time.Duration, opts ...Option) (*Scheduler, error) {
	if action == nil {
		return nil, ErrNilAction
	}
	if dueTime < 0 && dueTime != Infinite {
		return nil, fmt.Errorf("%w (got %s)", ErrNegativeDueTime, dueTime)
	}
	if period < 0 && period != Infinite {
		return nil, fmt.Errorf("%w (got %s)", ErrNegativePeriod, period)
	}

	s := &Scheduler{
		action:       action,
		dueTime:      dueTime,
		period:       period,
		name:         "recurring",
		faultLogRate: defaultFaultLogRate,
		done:         &Completion{done: make(chan struct{})},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.maxInFlight < 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrNegativeMaxInFlight, s.maxInFlight)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("scheduler", s.name))
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.faultLogRate <= 0 {
		s.faultLogRate = defaultFaultLogRate
	}
	s.faultLimiter = rate.NewLimiter(rate.Limit(s.faultLogRate), 5)
	if s.overlap == OverlapAllow && s.maxInFlight > 0 {
		s.slots = newSlotPool(s.maxInFlight)
	}
	return s, nil
}

func (s *Scheduler) Name() string { return s.name }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight returns the number of invocations currently running.
func (s *Scheduler) InFlight() int64 { return s.inFlight.Load() }

// Start launches the timing loop. It returns immediately.
//
// Start on a running Scheduler is a no-op. A stopped Scheduler cannot be
// restarted; Start after Stop is ignored.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		s.log.Debug("start ignored: already running")
		return
	case StateStopping, StateStopped:
		s.log.Warn("start ignored: scheduler stopped", logx.String("state", s.state.String()))
		return
	}

	sup := supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	s.sup = sup
	s.state = StateRunning
	s.publish(eventbus.TypeSchedulerStarted, nil)
	sup.Go("loop", func(ctx context.Context) error {
		s.loop(ctx, sup)
		return nil
	})

	s.log.Debug("scheduler started",
		logx.String("due", FormatDuration(s.dueTime)),
		logx.String("period", FormatDuration(s.period)),
		logx.String("overlap", s.overlap.String()),
	)
}

// Stop cancels the context passed to every invocation and returns a handle
// that resolves once no further tick will be scheduled and every invocation
// has returned. Repeated calls return the same handle without cancelling
// again. Stop before Start resolves immediately.
func (s *Scheduler) Stop() *Completion {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCreated:
		s.state = StateStopped
		close(s.done.done)
		s.log.Debug("scheduler stopped before start")
	case StateRunning:
		s.state = StateStopping
		sup := s.sup
		sup.Cancel()
		go s.drain(sup)
	default:
		s.log.Debug("stop ignored: already stopping", logx.String("state", s.state.String()))
	}
	return s.done
}

func (s *Scheduler) drain(sup *supervisor.Supervisor) {
	<-sup.Done()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.publish(eventbus.TypeSchedulerStopped, nil)
	s.log.Debug("scheduler stopped", logx.Uint64("ticks", s.ticks.Load()), logx.Uint64("failures", s.failures.Load()))
	close(s.done.done)
}

func (s *Scheduler) loop(ctx context.Context, sup *supervisor.Supervisor) {
	if !s.wait(ctx, s.dueTime) {
		return
	}
	for {
		if s.overlap == OverlapAllow {
			if !s.dispatch(ctx, sup) {
				return
			}
		} else {
			s.invoke(ctx, s.ticks.Add(1))
		}

		if s.period == Infinite {
			return
		}
		if !s.wait(ctx, s.period) {
			return
		}
	}
}

// wait reports whether d elapsed without ctx being cancelled.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	if d == Infinite {
		<-ctx.Done()
		return false
	}
	if d > 0 {
		t := s.clock.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
	// Both cases may have been ready; cancellation wins.
	return ctx.Err() == nil
}

// dispatch starts one invocation on its own supervised goroutine.
func (s *Scheduler) dispatch(ctx context.Context, sup *supervisor.Supervisor) bool {
	if s.slots != nil && !s.slots.acquire(ctx) {
		return false
	}
	tick := s.ticks.Add(1)
	ok := sup.Go("tick", func(c context.Context) error {
		defer s.slots.release()
		s.invoke(c, tick)
		return nil
	})
	if !ok {
		s.ticks.Add(^uint64(0))
		s.slots.release()
	}
	return ok
}

func (s *Scheduler) invoke(ctx context.Context, tick uint64) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	start := s.clock.Now()
	s.lastMu.Lock()
	s.lastStart = start
	s.lastMu.Unlock()
	s.publish(eventbus.TypeTickStarted, &eventbus.TickEvent{Tick: tick, Started: start})

	err, pan, stack := s.call(ctx)

	finish := s.clock.Now()
	dur := finish.Sub(start)
	s.lastMu.Lock()
	s.lastFinish = finish
	s.lastMu.Unlock()

	switch {
	case pan == nil && err == nil:
		s.publish(eventbus.TypeTickFinished, &eventbus.TickEvent{Tick: tick, Started: start, Duration: dur})
	case pan == nil && ctx.Err() != nil && errors.Is(err, context.Canceled):
		s.publish(eventbus.TypeTickCancelled, &eventbus.TickEvent{Tick: tick, Started: start, Duration: dur, Error: err.Error()})
	default:
		s.fault(&ActionError{Scheduler: s.name, Tick: tick, Err: err, Panic: pan, Stack: stack}, start, dur)
	}
}

func (s *Scheduler) call(ctx context.Context) (err error, pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = string(debug.Stack())
		}
	}()
	return s.action(ctx), nil, ""
}

func (s *Scheduler) fault(ae *ActionError, start time.Time, dur time.Duration) {
	s.failures.Add(1)
	s.lastMu.Lock()
	s.lastErr = ae.Error()
	s.lastMu.Unlock()

	s.publish(eventbus.TypeTickFailed, &eventbus.TickEvent{Tick: ae.Tick, Started: start, Duration: dur, Error: ae.Error()})

	if s.faultLimiter.Allow() {
		fields := []logx.Field{logx.Uint64("tick", ae.Tick), logx.Duration("dur", dur)}
		if ae.Panic != nil {
			fields = append(fields, logx.Any("panic", ae.Panic), logx.Stack(ae.Stack))
		} else {
			fields = append(fields, logx.Err(ae.Err))
		}
		if n := s.suppressed.Swap(0); n > 0 {
			fields = append(fields, logx.Uint64("suppressed", n))
		}
		s.log.Warn("tick failed", fields...)
	} else {
		s.suppressed.Add(1)
	}

	if s.onFault != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("fault handler panicked", logx.Any("panic", r))
				}
			}()
			s.onFault(ae)
		}()
	}
}

func (s *Scheduler) publish(typ string, te *eventbus.TickEvent) {
	if s.bus == nil {
		return
	}
	e := eventbus.Event{Type: typ, Time: s.clock.Now(), Source: s.name}
	if te != nil {
		te.Scheduler = s.name
		e.Data = *te
	}
	s.bus.Publish(e)
}

// Snapshot returns counters and timestamps for diagnostics.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	state := s.state
	sup := s.sup
	s.mu.Unlock()

	s.lastMu.Lock()
	lastStart, lastFinish, lastErr := s.lastStart, s.lastFinish, s.lastErr
	s.lastMu.Unlock()

	return Snapshot{
		Name:                s.name,
		State:               state,
		Overlap:             s.overlap,
		DueTime:             s.dueTime,
		Period:              s.period,
		Ticks:               s.ticks.Load(),
		InFlight:            s.inFlight.Load(),
		Failures:            s.failures.Load(),
		FaultLogsSuppressed: s.suppressed.Load(),
		LastStart:           lastStart,
		LastFinish:          lastFinish,
		LastError:           lastErr,
		Goroutines:          sup.Counters(),
	}
}
