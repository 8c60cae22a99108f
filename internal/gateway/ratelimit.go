package gateway

import (
	"sync"
	"time"
)

// Frame rate limits. Inputs get their own generous budget since a human
// at 30 Hz legitimately produces a frame per tick; everything else is
// request/response traffic.
const (
	inputRatePerSec = 120.0
	inputBurst      = 120.0
	otherRatePerSec = 10.0
	otherBurst      = 10.0

	maxConnsPerIP   = 3
	connSweepEvery  = 1 * time.Hour
)

// bucket is a single token bucket, refilled lazily on each take.
type bucket struct {
	tokens float64
	rate   float64
	burst  float64
	last   time.Time
}

func newBucket(rate, burst float64) *bucket {
	return &bucket{tokens: burst, rate: rate, burst: burst, last: time.Now()}
}

// take consumes one token if available.
func (b *bucket) take() bool {
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// frameLimiter is the per-connection pair of buckets. Connections are
// single-reader, so no locking.
type frameLimiter struct {
	input *bucket
	other *bucket
}

func newFrameLimiter() *frameLimiter {
	return &frameLimiter{
		input: newBucket(inputRatePerSec, inputBurst),
		other: newBucket(otherRatePerSec, otherBurst),
	}
}

func (fl *frameLimiter) allowInput() bool { return fl.input.take() }
func (fl *frameLimiter) allowOther() bool { return fl.other.take() }

// ConnLimiter caps simultaneous websocket connections per IP.
type ConnLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewConnLimiter() *ConnLimiter {
	cl := &ConnLimiter{counts: make(map[string]int)}
	go cl.sweepLoop()
	return cl
}

// Acquire reserves a connection slot. Release must be called once per
// successful acquire.
func (cl *ConnLimiter) Acquire(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.counts[ip] >= maxConnsPerIP {
		return false
	}
	cl.counts[ip]++
	return true
}

func (cl *ConnLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.counts[ip] > 0 {
		cl.counts[ip]--
	}
}

// sweepLoop drops zeroed entries so churning IPs do not accumulate.
func (cl *ConnLimiter) sweepLoop() {
	ticker := time.NewTicker(connSweepEvery)
	defer ticker.Stop()
	for range ticker.C {
		cl.mu.Lock()
		for ip, n := range cl.counts {
			if n <= 0 {
				delete(cl.counts, ip)
			}
		}
		cl.mu.Unlock()
	}
}
