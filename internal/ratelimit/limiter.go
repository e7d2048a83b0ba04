package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by outbound calls to one collaborator
// (a venue endpoint or a chain RPC node).
type Limiter struct {
	limiter *rate.Limiter
	onWait  func()
}

// NewLimiter allows rps calls per second with burst capacity. onWait, when set,
// is invoked each time a caller has to wait for a token. A non-positive rps
// disables limiting.
func NewLimiter(rps float64, burst int, onWait func()) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst), onWait: onWait}
}

// Wait consumes exactly one token, blocking until it is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	r := l.limiter.Reserve()
	if !r.OK() {
		return errors.New("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	if l.onWait != nil {
		l.onWait()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// ClassifyCallError maps an outbound call error to a metrics status label.
func ClassifyCallError(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "circuit breaker is open"):
		return "breaker_open"
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	default:
		return "client_error"
	}
}
