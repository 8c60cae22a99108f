package db

import (
	"context"
	"log"
	"sync"
	"time"
)

// Deferred write queue. Non-critical persistence (match events, stats
// refreshes, paid-wallet counters) can tolerate a few seconds of delay and
// must never block the tick path. Critical writes (users, matches, payout
// attempts, refunds) bypass this entirely.
const (
	deferredCapacity = 100
	drainInterval    = 5 * time.Second
)

// DeferredOp is one queued write. Name is used only for logging.
type DeferredOp struct {
	Name string
	Fn   func(ctx context.Context) error
}

// DeferredQueue is the bounded in-memory queue with a periodic drainer.
type DeferredQueue struct {
	mu      sync.Mutex
	ops     []DeferredOp
	dropped int64
}

// NewDeferredQueue creates an empty queue. Run must be started separately.
func NewDeferredQueue() *DeferredQueue {
	return &DeferredQueue{ops: make([]DeferredOp, 0, deferredCapacity)}
}

// Enqueue adds an op, dropping it (with a log line) when the queue is full.
// Returns false on drop so callers can fall back to a synchronous write.
func (q *DeferredQueue) Enqueue(op DeferredOp) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) >= deferredCapacity {
		q.dropped++
		log.Printf("[DeferredQueue] full, dropping %q (dropped total: %d)", op.Name, q.dropped)
		return false
	}
	q.ops = append(q.ops, op)
	return true
}

// Len reports queue depth for /api/health.
func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Run drains the queue every drainInterval until ctx is cancelled, then
// performs one final drain so shutdown loses nothing queued.
func (q *DeferredQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.drain(context.Background())
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

func (q *DeferredQueue) drain(ctx context.Context) {
	q.mu.Lock()
	batch := q.ops
	q.ops = make([]DeferredOp, 0, deferredCapacity)
	q.mu.Unlock()

	for _, op := range batch {
		if err := op.Fn(ctx); err != nil {
			log.Printf("[DeferredQueue] %q failed: %v", op.Name, err)
		}
	}
}
