package venue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errVenue = errors.New("venue down")

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *manualClock) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	b := NewBreaker(cfg)
	b.nowFunc = clock.Now
	return b, clock
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	assert.Equal(t, 3, b.failureThreshold)
	assert.Equal(t, 1, b.successThreshold)
	assert.Equal(t, 30*time.Second, b.openTimeout)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute})

	require.NoError(t, b.Allow())
	b.Record(errVenue)
	require.NoError(t, b.Allow())
	b.Record(nil)
	require.NoError(t, b.Allow())
	b.Record(errVenue)
	assert.Equal(t, BreakerClosed, b.State(), "success resets the failure streak")

	require.NoError(t, b.Allow())
	b.Record(errVenue)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute})

	require.NoError(t, b.Allow())
	b.Record(errVenue)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State())

	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "second probe must wait")

	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute})

	require.NoError(t, b.Allow())
	b.Record(errVenue)
	clock.Advance(time.Minute)

	require.NoError(t, b.Allow())
	b.Record(errVenue)
	assert.Equal(t, BreakerOpen, b.State())

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_ReleaseFreesProbe(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second})

	require.NoError(t, b.Allow())
	b.Record(errVenue)
	clock.Advance(time.Second)

	require.NoError(t, b.Allow())
	b.Release()
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, BreakerHalfOpen, b.State(), "needs two successes")
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      time.Second,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.NoError(t, b.Allow())
	b.Record(errVenue)
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	b.Record(nil)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
