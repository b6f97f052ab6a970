package worker

import (
	"context"
	"sync"
)

// Budget caps the number of terminal job outcomes (completed or exhausted)
// across every loop that shares it. A loop holds a slot while it works a job
// and hands it back on a retry or an empty poll, so the loops together never
// finish more than the limit.
type Budget struct {
	max int64

	mu      sync.Mutex
	done    int64
	held    int64
	changed chan struct{}
}

// NewBudget returns a budget of max terminal outcomes, or nil when max is 0
// or less. A nil *Budget is unbounded.
func NewBudget(max int) *Budget {
	if max <= 0 {
		return nil
	}
	return &Budget{max: int64(max), changed: make(chan struct{})}
}

// Spent reports how many terminal outcomes have been recorded.
func (b *Budget) Spent() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// reserve takes a slot, waiting while other loops hold the remaining ones.
// It returns false once the budget is spent or ctx is done.
func (b *Budget) reserve(ctx context.Context) bool {
	if b == nil {
		return true
	}
	for {
		b.mu.Lock()
		if b.done >= b.max {
			b.mu.Unlock()
			return false
		}
		if b.done+b.held < b.max {
			b.held++
			b.mu.Unlock()
			return true
		}
		wait := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-wait:
		}
	}
}

// release returns a slot taken by reserve, recording it as spent when the
// job reached a terminal state.
func (b *Budget) release(terminal bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.held--
	if terminal {
		b.done++
	}
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}
