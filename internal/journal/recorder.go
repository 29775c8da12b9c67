package journal

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pulse/internal/eventbus"
	logx "pulse/pkg/logx"
)

const (
	recorderBuffer = 256
	appendTimeout  = 2 * time.Second
)

// Recorder appends tick.finished, tick.failed and tick.cancelled events to
// a Store. It subscribes on construction so no event published after
// NewRecorder returns is missed.
type Recorder struct {
	store Store
	log   logx.Logger
	ch    <-chan eventbus.Event
	unsub func()

	errLog rate.Sometimes

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(recorderBuffer)
	return &Recorder{
		store:  store,
		log:    log.With(logx.String("comp", "journal")),
		ch:     ch,
		unsub:  unsub,
		errLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Run writes events until ctx is done, then unsubscribes and flushes what
// was already buffered. It returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.unsub()
			for e := range r.ch {
				r.record(e)
			}
			return nil
		case e, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.record(e)
		}
	}
}

func (r *Recorder) Written() uint64 { return r.written.Load() }
func (r *Recorder) Failed() uint64  { return r.failed.Load() }

func (r *Recorder) record(e eventbus.Event) {
	entry, ok := EntryFromEvent(e)
	if !ok || r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	err := r.store.Append(ctx, entry)
	cancel()
	if err != nil {
		r.failed.Add(1)
		r.errLog.Do(func() {
			r.log.Warn("journal append failed", logx.Err(err), logx.Uint64("failed_total", r.failed.Load()))
		})
		return
	}
	r.written.Add(1)
}

// EntryFromEvent converts a terminal tick event. Other events report false.
func EntryFromEvent(e eventbus.Event) (Entry, bool) {
	var oc Outcome
	switch e.Type {
	case eventbus.TypeTickFinished:
		oc = OutcomeFinished
	case eventbus.TypeTickFailed:
		oc = OutcomeFailed
	case eventbus.TypeTickCancelled:
		oc = OutcomeCancelled
	default:
		return Entry{}, false
	}
	te, ok := e.Data.(eventbus.TickEvent)
	if !ok {
		return Entry{}, false
	}
	job := te.Scheduler
	if job == "" {
		job = e.Source
	}
	return Entry{
		At:         e.Time,
		Job:        job,
		Tick:       te.Tick,
		Outcome:    oc,
		DurationMS: te.Duration.Milliseconds(),
		Error:      te.Error,
	}, true
}
