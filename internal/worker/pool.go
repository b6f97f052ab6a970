package worker

import (
	"context"
	"errors"
	"sync"
)

// Pool runs several independent loops against the same queue. The loops
// share nothing in memory; the store's row locking is what keeps them apart.
type Pool struct {
	processors []*Processor
}

func NewPool(processors ...*Processor) *Pool {
	return &Pool{processors: processors}
}

// Run starts every loop and waits for all of them to exit.
func (p *Pool) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, proc := range p.processors {
		wg.Add(1)
		go func(proc *Processor) {
			defer wg.Done()
			if err := proc.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(proc)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Snapshot returns the status of every loop in start order.
func (p *Pool) Snapshot() []Status {
	out := make([]Status, 0, len(p.processors))
	for _, proc := range p.processors {
		out = append(out, proc.Snapshot())
	}
	return out
}
