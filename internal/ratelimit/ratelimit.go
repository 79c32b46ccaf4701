// Package ratelimit tracks per-peer inbound request rates.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

var log = logging.Logger("dsn-ratelimit")

// Config contains rate limiting configuration.
type Config struct {
	// MessagesPerSecond is the sustained rate allowed per peer.
	MessagesPerSecond float64
	// Burst is the maximum burst size allowed.
	Burst int
	// MaxIdle is how long an unused peer limiter is kept.
	MaxIdle time.Duration
	// CleanupInterval is how often idle limiters are collected.
	CleanupInterval time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MessagesPerSecond: 50,
		Burst:             100,
		MaxIdle:           10 * time.Minute,
		CleanupInterval:   5 * time.Minute,
	}
}

type peerLimiter struct {
	limiter    *rate.Limiter
	lastActive time.Time
	limited    uint64
}

// PeerRateLimiter keeps one token bucket per peer.
type PeerRateLimiter struct {
	config   Config
	clock    clock.Clock
	limiters map[peer.ID]*peerLimiter
	mu       sync.Mutex

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New creates a limiter using the wall clock and starts its cleanup loop.
func New(config Config) *PeerRateLimiter {
	return NewWithClock(config, clock.New())
}

// NewWithClock creates a limiter driven by c.
func NewWithClock(config Config, c clock.Clock) *PeerRateLimiter {
	def := DefaultConfig()
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = def.MessagesPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.MaxIdle <= 0 {
		config.MaxIdle = def.MaxIdle
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}

	prl := &PeerRateLimiter{
		config:      config,
		clock:       c,
		limiters:    make(map[peer.ID]*peerLimiter),
		stopCleanup: make(chan struct{}),
	}
	go prl.cleanupLoop()
	return prl
}

// Allow reports whether another request from id fits within its limit.
func (prl *PeerRateLimiter) Allow(id peer.ID) bool {
	prl.mu.Lock()
	defer prl.mu.Unlock()

	now := prl.clock.Now()
	pl, ok := prl.limiters[id]
	if !ok {
		pl = &peerLimiter{
			limiter: rate.NewLimiter(rate.Limit(prl.config.MessagesPerSecond), prl.config.Burst),
		}
		prl.limiters[id] = pl
	}
	pl.lastActive = now

	if !pl.limiter.AllowN(now, 1) {
		pl.limited++
		log.Debugf("Rate limit exceeded for peer %s (%d over limit)", id.ShortString(), pl.limited)
		return false
	}
	return true
}

// Limited returns how many requests from id exceeded the limit.
func (prl *PeerRateLimiter) Limited(id peer.ID) uint64 {
	prl.mu.Lock()
	defer prl.mu.Unlock()

	if pl, ok := prl.limiters[id]; ok {
		return pl.limited
	}
	return 0
}

// Reset clears rate limiting state for a specific peer.
func (prl *PeerRateLimiter) Reset(id peer.ID) {
	prl.mu.Lock()
	defer prl.mu.Unlock()

	delete(prl.limiters, id)
}

// PeerCount returns the number of peers currently being tracked.
func (prl *PeerRateLimiter) PeerCount() int {
	prl.mu.Lock()
	defer prl.mu.Unlock()

	return len(prl.limiters)
}

// Close stops the background cleanup goroutine.
func (prl *PeerRateLimiter) Close() {
	prl.stopOnce.Do(func() { close(prl.stopCleanup) })
}

func (prl *PeerRateLimiter) cleanupLoop() {
	ticker := prl.clock.Ticker(prl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			prl.cleanup()
		case <-prl.stopCleanup:
			return
		}
	}
}

// cleanup removes limiters for peers that have been idle too long.
func (prl *PeerRateLimiter) cleanup() {
	prl.mu.Lock()
	defer prl.mu.Unlock()

	now := prl.clock.Now()
	for id, pl := range prl.limiters {
		if now.Sub(pl.lastActive) > prl.config.MaxIdle {
			delete(prl.limiters, id)
			log.Debugf("Cleaned up rate limiter for idle peer %s", id.ShortString())
		}
	}
}
