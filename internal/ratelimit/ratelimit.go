// Package ratelimit provides per-client token bucket rate limiting for the
// scoring API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/auditrisk/internal/metrics"
)

// Config configures rate limiting.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// CleanupInterval is how often full, idle buckets are forgotten.
	CleanupInterval time.Duration
	// ExemptPrefixes are path prefixes never limited (probes, scrapes).
	ExemptPrefixes []string
}

func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/health", "/metrics"},
	}
}

// FromRPS derives a config from a requests-per-second budget. The burst
// equals one second of traffic.
func FromRPS(rps int) Config {
	cfg := DefaultConfig()
	if rps > 0 {
		cfg.RequestsPerMinute = rps * 60
		cfg.BurstSize = rps
	}
	return cfg
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	cfg      Config
	perSec   float64
	capacity float64
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	once sync.Once
}

// New creates a limiter and starts its cleanup loop. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:      cfg,
		perSec:   float64(cfg.RequestsPerMinute) / 60,
		capacity: float64(max(cfg.BurstSize, 1)),
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictFull()
		case <-l.stop:
			return
		}
	}
}

// evictFull drops buckets that have refilled completely; a fresh bucket is
// equivalent.
func (l *Limiter) evictFull() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		if l.refill(b, now) >= l.capacity {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) refill(b *bucket, now time.Time) float64 {
	return math.Min(l.capacity, b.tokens+now.Sub(b.last).Seconds()*l.perSec)
}

// Allow reports whether a request for key may proceed, consuming a token.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Reserve consumes a token for key if one is available. Otherwise it
// reports how long until the next token.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.buckets[key] = b
	}
	b.tokens = l.refill(b, now)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.perSec <= 0 {
		return false, time.Minute
	}
	wait := time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	return false, wait
}

// Middleware limits requests by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, p := range l.cfg.ExemptPrefixes {
			if strings.HasPrefix(path, p) {
				c.Next()
				return
			}
		}

		ok, wait := l.Reserve(c.ClientIP())
		if ok {
			c.Next()
			return
		}

		metrics.RejectedTotal.WithLabelValues("rate_limited").Inc()
		retry := max(int(math.Ceil(wait.Seconds())), 1)
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": retry,
		})
	}
}
