package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// pool runs execution tasks on their own goroutines. The execution queue
// already caps how many tasks are claimed; the pool mirrors that cap and
// tracks which tickets are running so shutdown can wait for them.
type pool struct {
	logger *slog.Logger

	// onChange, when set, receives the number of busy slots after every
	// acquire and release.
	onChange func(inUse int)

	mu     sync.Mutex
	active map[string]context.CancelFunc // ticket ID → cancel func
	sem    chan struct{}
	wg     sync.WaitGroup
}

func newPool(size int, logger *slog.Logger) *pool {
	if size <= 0 {
		size = 1
	}
	return &pool{
		logger: logger,
		active: make(map[string]context.CancelFunc),
		sem:    make(chan struct{}, size),
	}
}

// dispatch starts fn for the ticket. It fails without blocking when no slot
// is free or the ticket is already running.
func (p *pool) dispatch(ctx context.Context, ticketID string, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if _, ok := p.active[ticketID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("ticket %s is already running", ticketID)
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	default:
		return fmt.Errorf("no execution slot available (max %d)", cap(p.sem))
	}

	runCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.active[ticketID] = cancel
	p.changedLocked()
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			<-p.sem
			p.mu.Lock()
			delete(p.active, ticketID)
			p.changedLocked()
			p.mu.Unlock()
			cancel()
		}()
		fn(runCtx)
	}()
	return nil
}

func (p *pool) changedLocked() {
	if p.onChange != nil {
		p.onChange(len(p.active))
	}
}

// free reports whether a slot is open.
func (p *pool) free() bool {
	return len(p.sem) < cap(p.sem)
}

func (p *pool) isRunning(ticketID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[ticketID]
	return ok
}

func (p *pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// wait blocks until every running task has returned.
func (p *pool) wait() {
	p.wg.Wait()
}
