package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Token bucket refilled at rate tokens per second, holding at most burst.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// refill must be called with l.mu held
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}

	return false
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill(time.Now())
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		missing := 1 - l.tokens
		l.mu.Unlock()

		if l.rate <= 0 {
			<-ctx.Done()
			return ctx.Err()
		}

		delay := time.Duration(missing / l.rate * float64(time.Second))
		if delay < time.Millisecond {
			delay = time.Millisecond
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Keyed hands out one limiter per key, e.g. per hub method.
type Keyed struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	mu       sync.RWMutex
}

func NewKeyed(rate float64, burst int) *Keyed {
	return &Keyed{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
	}
}

func (k *Keyed) Get(key string) *Limiter {
	k.mu.RLock()
	limiter, ok := k.limiters[key]
	k.mu.RUnlock()

	if ok {
		return limiter
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if limiter, ok := k.limiters[key]; ok {
		return limiter
	}

	limiter = NewLimiter(k.rate, k.burst)
	k.limiters[key] = limiter
	return limiter
}

func (k *Keyed) Remove(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}

// Wait blocks on the limiter for key.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	return k.Get(key).Wait(ctx)
}
