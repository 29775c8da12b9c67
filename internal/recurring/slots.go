package recurring

import "context"

// slotPool is a channel-based semaphore bounding concurrent invocations.
// Tokens are pre-filled up to limit. A nil pool never blocks.
type slotPool struct {
	ch chan struct{}
}

func newSlotPool(limit int) *slotPool {
	if limit <= 0 {
		limit = 1
	}
	p := &slotPool{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		p.ch <- struct{}{}
	}
	return p
}

// acquire blocks for a token and reports false if ctx is cancelled first.
func (p *slotPool) acquire(ctx context.Context) bool {
	if p == nil {
		return ctx.Err() == nil
	}
	select {
	case <-p.ch:
	case <-ctx.Done():
		return false
	}
	if ctx.Err() != nil {
		p.release()
		return false
	}
	return true
}

func (p *slotPool) release() {
	if p == nil {
		return
	}
	// Never block on release.
	select {
	case p.ch <- struct{}{}:
	default:
	}
}
