package recurring

import (
	"pulse/internal/clock"
	"pulse/internal/eventbus"
	logx "pulse/pkg/logx"
)

type Option func(*Scheduler)

// WithOverlap allows a new tick to start while earlier ones are still running.
func WithOverlap(allowed bool) Option {
	return func(s *Scheduler) {
		if allowed {
			s.overlap = OverlapAllow
		} else {
			s.overlap = OverlapWait
		}
	}
}

func WithOverlapPolicy(p OverlapPolicy) Option {
	return func(s *Scheduler) { s.overlap = p }
}

// WithName labels logs, events and fault reports.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithEventBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithMaxInFlight caps concurrent invocations under OverlapAllow. When the
// cap is reached the loop waits for a slot before dispatching the next tick.
// 0 means unbounded. Ignored under OverlapWait.
func WithMaxInFlight(n int) Option {
	return func(s *Scheduler) { s.maxInFlight = n }
}

// WithFaultHandler registers fn to receive every failed invocation. fn runs on
// the invoking goroutine; under OverlapWait it delays the next period wait.
func WithFaultHandler(fn func(*ActionError)) Option {
	return func(s *Scheduler) { s.onFault = fn }
}

// WithFaultLogRate limits failure log lines to perSec (burst 5).
// Failures beyond the limit are still counted and reported to the handler.
func WithFaultLogRate(perSec float64) Option {
	return func(s *Scheduler) { s.faultLogRate = perSec }
}
