// Package ratelimiter meters control-packet responses with a token
// bucket per peer address, garbage collecting idle peers in the
// background. Its main consumer is the unknown-path-secret response
// path, where every unmatched datagram is a potential trigger.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	// Control responses are small and purely reactive; a modest rate
	// is enough for a peer recovering lost state.
	defaultResponsesPerSecond = 10
	defaultResponsesBurstable = 2
	idleEntryLifetime         = time.Second
)

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Ratelimiter limits responses per peer address. Init must be called
// before Allow.
type Ratelimiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopReset    chan struct{}
	table        map[netip.Addr]*entry
	responseCost int64
	maxTokens    int64
}

// Close stops the cleanup goroutine and drops all state.
func (rate *Ratelimiter) Close() {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if rate.stopReset != nil {
		close(rate.stopReset)
		rate.stopReset = nil
	}
	rate.table = nil
}

// Init configures the limiter for rps responses per second with the
// given burst.
func (rate *Ratelimiter) Init(rps, burst int) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if rps <= 0 {
		rps = defaultResponsesPerSecond
	}
	if burst <= 0 {
		burst = defaultResponsesBurstable
	}

	rate.responseCost = int64(time.Second / time.Duration(rps))
	rate.maxTokens = rate.responseCost * int64(burst)

	if rate.timeNow == nil {
		rate.timeNow = time.Now
	}
	if rate.stopReset != nil {
		close(rate.stopReset)
	}

	rate.stopReset = make(chan struct{})
	rate.table = make(map[netip.Addr]*entry)

	stopReset := rate.stopReset
	go func() {
		ticker := time.NewTicker(time.Second)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(time.Second)
			case <-ticker.C:
				if rate.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
}

func (rate *Ratelimiter) cleanup() (empty bool) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	for key, e := range rate.table {
		e.mu.Lock()
		if rate.timeNow().Sub(e.lastTime) > idleEntryLifetime {
			delete(rate.table, key)
		}
		e.mu.Unlock()
	}

	return len(rate.table) == 0
}

// Allow reports whether the peer may be answered now.
func (rate *Ratelimiter) Allow(ip netip.Addr) bool {
	rate.mu.RLock()
	if rate.stopReset == nil {
		rate.mu.RUnlock()
		return true
	}
	e := rate.table[ip]
	rate.mu.RUnlock()

	if e == nil {
		e = new(entry)
		e.tokens = rate.maxTokens - rate.responseCost
		e.lastTime = rate.timeNow()
		rate.mu.Lock()
		rate.table[ip] = e
		stopReset := rate.stopReset
		if len(rate.table) == 1 && stopReset != nil {
			stopReset <- struct{}{}
		}
		rate.mu.Unlock()
		return true
	}

	e.mu.Lock()
	now := rate.timeNow()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > rate.maxTokens {
		e.tokens = rate.maxTokens
	}
	if e.tokens > rate.responseCost {
		e.tokens -= rate.responseCost
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()
	return false
}
