package admin

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/cycle-governor/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute
)

type endpointRule struct {
	method string // "" matches any method
	prefix string // "" matches any path
	rps    rate.Limit
	burst  int
}

func (r endpointRule) key() string { return r.method + ":" + r.prefix }

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware limits admin calls per endpoint and client IP. Recovery is the
// most restricted: a halted governor should be inspected before each attempt.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry // key: "method:prefix|clientIP"
	rules    []endpointRule
	logger   *slog.Logger
	nowFunc  func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware starts a background sweep of idle limiters; call Stop to end it.
func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		limiters: make(map[string]*limiterEntry),
		logger:   logger,
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
		rules: []endpointRule{
			{method: http.MethodPost, prefix: "/admin/v1/recover", rps: rate.Limit(1.0 / 60), burst: 1}, // 1 req/min
			{method: http.MethodPost, prefix: "/admin/v1/pause", rps: rate.Limit(10.0 / 60), burst: 3},  // 10 req/min
			{method: "", prefix: "", rps: 1, burst: 5},
		},
	}

	go rl.cleanupLoop()
	return rl
}

// Stop shuts down the background cleanup goroutine. Safe to call multiple times.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}

func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Wrap returns an http.Handler that applies per-IP rate limiting before delegating to next.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)
		rule := rl.matchRule(r.Method, r.URL.Path)

		if !rl.limiterFor(rule, clientIP).Allow() {
			metrics.AdminRateLimitedTotal.WithLabelValues(rule.key()).Inc()
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
			rl.logger.Warn("admin API rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", clientIP,
			)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then RemoteAddr.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// matchRule returns the first matching rule; the last rule matches everything.
func (rl *RateLimitMiddleware) matchRule(method, path string) endpointRule {
	for _, rule := range rl.rules {
		if rule.method != "" && !strings.EqualFold(rule.method, method) {
			continue
		}
		if rule.prefix != "" && !strings.HasPrefix(path, rule.prefix) {
			continue
		}
		return rule
	}
	return rl.rules[len(rl.rules)-1]
}

func (rl *RateLimitMiddleware) limiterFor(rule endpointRule, clientIP string) *rate.Limiter {
	key := rule.key() + "|" + clientIP
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(rule.rps, rule.burst)
	rl.limiters[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}
