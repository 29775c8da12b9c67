package recurring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pulse/internal/runtime/supervisor"
)

// Infinite disables a wait. As a due time the action never fires; as a
// period the action fires exactly once. It occupies -1ns; every other
// negative duration is invalid.
const Infinite time.Duration = -1

// Action is invoked once per tick. ctx is cancelled when Stop begins;
// actions should return promptly once it is done.
type Action func(ctx context.Context) error

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type OverlapPolicy int

const (
	// OverlapWait starts the next period only after the previous invocation settled.
	OverlapWait OverlapPolicy = iota
	// OverlapAllow dispatches every period regardless of running invocations.
	OverlapAllow
)

func (p OverlapPolicy) String() string {
	if p == OverlapAllow {
		return "allow"
	}
	return "wait"
}

func (p OverlapPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ParseOverlap parses the config spelling of an overlap policy.
// Empty string defaults to OverlapWait.
func ParseOverlap(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wait", "serial", "false":
		return OverlapWait, nil
	case "allow", "concurrent", "true":
		return OverlapAllow, nil
	default:
		return OverlapWait, fmt.Errorf("invalid overlap %q: must be \"wait\" or \"allow\"", s)
	}
}

// FormatDuration renders d with Infinite spelled out.
func FormatDuration(d time.Duration) string {
	if d == Infinite {
		return "infinite"
	}
	return d.String()
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Name    string        `json:"name"`
	State   State         `json:"state"`
	Overlap OverlapPolicy `json:"overlap"`
	DueTime time.Duration `json:"due_time"`
	Period  time.Duration `json:"period"`

	Ticks    uint64 `json:"ticks"`
	InFlight int64  `json:"in_flight"`
	Failures uint64 `json:"failures"`

	// FaultLogsSuppressed counts failure log lines dropped by the rate limiter.
	FaultLogsSuppressed uint64 `json:"fault_logs_suppressed"`

	LastStart  time.Time `json:"last_start"`
	LastFinish time.Time `json:"last_finish"`
	LastError  string    `json:"last_error,omitempty"`

	Goroutines supervisor.Counters `json:"goroutines"`
}
