package broker

import (
	"context"
	"log"
	"sync"
	"time"
)

// RequestPriority orders requests when the token budget runs low. Higher
// priority classes keep access to tokens after lower ones are throttled.
type RequestPriority int

const (
	// PriorityCritical - order submits, cancels, stop replaces. These must
	// go through; they may use up to 100% of the budget.
	PriorityCritical RequestPriority = iota

	// PriorityHigh - order status polls and position checks, up to 85%.
	PriorityHigh

	// PriorityNormal - account and reconciliation reads, up to 60%.
	PriorityNormal
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

func (p RequestPriority) threshold() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.85
	case PriorityNormal:
		return 0.60
	default:
		return 0.50
	}
}

// RateLimiter is a token bucket over the broker's flat per-minute request
// budget. Tokens refill continuously; a priority class can only draw while
// the bucket holds more than (1 - threshold) of capacity in reserve for the
// classes above it.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	waits    int64
	rejected int64
}

// NewRateLimiter creates a limiter for perMinute requests.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 200
	}
	cap := float64(perMinute)
	return &RateLimiter{
		capacity:   cap,
		tokens:     cap,
		refillRate: cap / 60.0,
		lastRefill: time.Now(),
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	r.lastRefill = now
}

// TryAcquire takes one token without blocking. It fails when the remaining
// tokens are reserved for higher-priority requests.
func (r *RateLimiter) TryAcquire(priority RequestPriority) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.refill(now)

	reserve := r.capacity * (1 - priority.threshold())
	if r.tokens-1 < reserve {
		r.rejected++
		return false
	}

	r.tokens--
	return true
}

// Acquire blocks until a token is available for the priority class or the
// context is done.
func (r *RateLimiter) Acquire(ctx context.Context, priority RequestPriority) error {
	for {
		if r.TryAcquire(priority) {
			return nil
		}

		r.mu.Lock()
		r.waits++
		reserve := r.capacity * (1 - priority.threshold())
		deficit := reserve + 1 - r.tokens
		wait := time.Duration(deficit/r.refillRate*float64(time.Second)) + 10*time.Millisecond
		r.mu.Unlock()

		if wait > 5*time.Second {
			wait = 5 * time.Second
		}
		log.Printf("[RateLimiter] Budget exhausted for %s request, waiting %v", priority, wait.Round(time.Millisecond))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Penalize drains the bucket after the broker reports 429, forcing all
// classes to pause until refill catches up.
func (r *RateLimiter) Penalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(time.Now())
	r.tokens = 0
	log.Printf("[RateLimiter] Broker signaled rate limit, draining token bucket")
}

// Stats returns limiter counters for the status endpoint.
func (r *RateLimiter) Stats() (tokens float64, waits, rejected int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(time.Now())
	return r.tokens, r.waits, r.rejected
}
