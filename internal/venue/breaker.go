package venue

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening (default 3)
	SuccessThreshold int           // half-open successes before closing (default 1)
	OpenTimeout      time.Duration // default 30s
	OnStateChange    func(from, to BreakerState)
}

// Breaker guards a venue. Half-open admits a single probe at a time so a
// recovering venue never sees a burst of fund-moving calls.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	probeInFlight    bool
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	openedAt         time.Time
	onStateChange    func(from, to BreakerState)
	nowFunc          func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		onStateChange:    cfg.OnStateChange,
		nowFunc:          time.Now,
	}
}

// Allow reports whether a call may proceed. Every nil return must be followed
// by exactly one Record call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	switch b.state {
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
	}
	return nil
}

func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	if err == nil {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.successes++
			if b.successes >= b.successThreshold {
				b.transition(BreakerClosed)
			}
		}
		return
	}
	b.failures++
	b.successes = 0
	switch {
	case b.state == BreakerHalfOpen:
		b.open()
	case b.state == BreakerClosed && b.failures >= b.failureThreshold:
		b.open()
	}
}

// Release returns an admitted slot without recording an outcome.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.nowFunc()
	b.transition(BreakerOpen)
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.nowFunc().Sub(b.openedAt) >= b.openTimeout {
		b.transition(BreakerHalfOpen)
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
