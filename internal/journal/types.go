package journal

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("journal disabled")

const defaultRetain = 10000

// Config configures the journal. Empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int           // entries kept after compaction; 0 means default
}

type Outcome string

const (
	OutcomeFinished  Outcome = "finished"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Entry is one tick result. Keep it compact and schema-stable.
type Entry struct {
	At         time.Time `json:"at"`
	Job        string    `json:"job"`
	Tick       uint64    `json:"tick"`
	Outcome    Outcome   `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

func (e Entry) OK() bool { return e.Outcome == OutcomeFinished }

type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to n newest entries for job, oldest first.
	// An empty job matches every job.
	Recent(ctx context.Context, job string, n int) ([]Entry, error)
	Close() error
}
