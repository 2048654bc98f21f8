// SPDX-License-Identifier: MIT

// Package ratelimit throttles inbound event deliveries before they reach
// the engine. Limits apply globally, per trigger kind and per client IP.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridrun",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	},
	[]string{"limit_type", "kind"},
)

// Config holds rate limiting configuration.
type Config struct {
	GlobalRate  rate.Limit
	GlobalBurst int

	PerIPRate  rate.Limit
	PerIPBurst int

	// Per trigger kind (push, pull_request, dispatch).
	KindRates map[string]rate.Limit
	KindBurst map[string]int

	// Cleanup interval for per-IP limiters.
	CleanupInterval time.Duration
}

// DefaultConfig returns limits sized for a single forge sending webhooks.
func DefaultConfig() Config {
	return Config{
		GlobalRate:  50,
		GlobalBurst: 100,

		PerIPRate:  10,
		PerIPBurst: 20,

		KindRates: map[string]rate.Limit{
			"push":         30,
			"pull_request": 30,
			"dispatch":     5, // manual triggers are human-paced
		},
		KindBurst: map[string]int{
			"push":         60,
			"pull_request": 60,
			"dispatch":     10,
		},

		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter manages event-delivery rate limiting.
type Limiter struct {
	config Config

	global  *rate.Limiter
	perIP   map[string]*rate.Limiter
	perKind map[string]*rate.Limiter
	mu      sync.RWMutex

	lastCleanup time.Time
}

// New creates a limiter with the given config.
func New(config Config) *Limiter {
	l := &Limiter{
		config:      config,
		global:      rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perIP:       make(map[string]*rate.Limiter),
		perKind:     make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}

	for kind, kindRate := range config.KindRates {
		burst := config.KindBurst[kind]
		l.perKind[kind] = rate.NewLimiter(kindRate, burst)
	}

	return l
}

// Allow reports whether a delivery from clientIP with the given trigger
// kind may proceed.
func (l *Limiter) Allow(clientIP, kind string) bool {
	if !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global", kind).Inc()
		return false
	}

	l.mu.RLock()
	kindLimiter, exists := l.perKind[kind]
	l.mu.RUnlock()

	if exists && !kindLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_kind", kind).Inc()
		return false
	}

	ipLimiter := l.getIPLimiter(clientIP)
	if !ipLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_ip", kind).Inc()
		return false
	}

	l.maybeCleanup()

	return true
}

func (l *Limiter) getIPLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.perIP[ip]
	if !exists {
		limiter = rate.NewLimiter(l.config.PerIPRate, l.config.PerIPBurst)
		l.perIP[ip] = limiter
	}

	return limiter
}

// maybeCleanup drops all per-IP limiters once the cleanup interval has
// passed. Dropping everything is acceptable: buckets refill on next use.
func (l *Limiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.perIP = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

// GetClientIP extracts the client IP, honoring proxy headers.
func GetClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// Multiple hops: "client, proxy1, proxy2". First entry is the client.
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			xff = xff[:idx]
		}
		xff = strings.TrimSpace(xff)
		if xff != "" {
			return xff
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
