package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
)

// ErrSimulatedFailure is returned by a Simulated venue configured to fail.
var ErrSimulatedFailure = errors.New("simulated venue failure")

// Simulated executes "VENUE:<IN>-><OUT>" routes in memory. Execution ids are a
// deterministic function of the governor, cycle and nonce.
type Simulated struct {
	name string

	mu       sync.Mutex
	failNext int
	failAll  bool
	executed []model.RouteExecution
}

func NewSimulated(name string) *Simulated {
	if name == "" {
		name = "simulated"
	}
	return &Simulated{name: name}
}

func (s *Simulated) Name() string { return s.name }

// FailNext makes the next n executions fail.
func (s *Simulated) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// SetFailing toggles permanent failure for drills.
func (s *Simulated) SetFailing(fail bool) {
	s.mu.Lock()
	s.failAll = fail
	s.mu.Unlock()
}

func (s *Simulated) Executed() []model.RouteExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RouteExecution, len(s.executed))
	copy(out, s.executed)
	return out
}

func (s *Simulated) Execute(ctx context.Context, exec model.RouteExecution) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	route, err := ParseRoute(exec.RouteData)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return "", ErrSimulatedFailure
	}
	if s.failNext > 0 {
		s.failNext--
		return "", ErrSimulatedFailure
	}
	s.executed = append(s.executed, exec)

	digest := model.Keccak256Hex(
		[]byte(exec.GovernorID),
		[]byte(exec.CycleID),
		[]byte(fmt.Sprintf("%d", exec.TransitionNonce)),
		[]byte(route.String()),
	)
	return fmt.Sprintf("%s-%s-%s", s.name, strings.ToLower(route.Venue), digest[2:18]), nil
}

// Route is the parsed form of "VENUE:<IN>-><OUT>".
type Route struct {
	Venue    string
	TokenIn  string
	TokenOut string
}

func (r Route) String() string {
	return r.Venue + ":" + r.TokenIn + "->" + r.TokenOut
}

func ParseRoute(routeData []byte) (Route, error) {
	raw := strings.TrimSpace(string(routeData))
	venue, pair, ok := strings.Cut(raw, ":")
	if !ok || venue == "" {
		return Route{}, fmt.Errorf("route data %q: expected VENUE:IN->OUT", raw)
	}
	in, out, ok := strings.Cut(pair, "->")
	if !ok || in == "" || out == "" {
		return Route{}, fmt.Errorf("route data %q: expected VENUE:IN->OUT", raw)
	}
	return Route{Venue: venue, TokenIn: in, TokenOut: out}, nil
}
