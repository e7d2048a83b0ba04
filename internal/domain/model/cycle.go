package model

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// CycleState is the governor's position in the execution cycle.
// The numeric values match the on-chain enum ordering.
type CycleState uint8

const (
	CycleStateIdle CycleState = iota
	CycleStateExecuting
	CycleStateSettling
	CycleStateHalted
)

func (s CycleState) String() string {
	switch s {
	case CycleStateIdle:
		return "IDLE"
	case CycleStateExecuting:
		return "EXECUTING"
	case CycleStateSettling:
		return "SETTLING"
	case CycleStateHalted:
		return "HALTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// ParseCycleState accepts the String() form (case-insensitive) or the numeric enum value.
func ParseCycleState(raw string) (CycleState, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "IDLE", "0":
		return CycleStateIdle, nil
	case "EXECUTING", "1":
		return CycleStateExecuting, nil
	case "SETTLING", "2":
		return CycleStateSettling, nil
	case "HALTED", "3":
		return CycleStateHalted, nil
	default:
		return 0, fmt.Errorf("unknown cycle state %q", raw)
	}
}

func (s CycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *CycleState) UnmarshalText(b []byte) error {
	v, err := ParseCycleState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CycleRequest is one admissible attempt to run a funded action through the venue.
// It is never mutated after submission.
type CycleRequest struct {
	CycleID           string
	TransitionNonce   uint64
	AmountRaw         *big.Int
	TokenIn           string
	TokenOut          string
	RouteData         []byte
	RouteDataHash     string
	EmergencyOverride bool
}

// Caller identifies who is invoking a governor entry point.
// Sender is the immediate caller; Origin is the principal that started the call chain.
type Caller struct {
	Sender string
	Origin string
}

// Direct reports whether the call reached the governor without an intermediary.
func (c Caller) Direct() bool {
	return c.Sender != "" && strings.EqualFold(c.Sender, c.Origin)
}

// DirectCaller builds a Caller for a principal calling the governor itself.
func DirectCaller(principal string) Caller {
	return Caller{Sender: principal, Origin: principal}
}

type StateTransition struct {
	PreviousState CycleState `json:"previousState"`
	NextState     CycleState `json:"nextState"`
}

func (t StateTransition) Label() string {
	return t.PreviousState.String() + "->" + t.NextState.String()
}

const (
	DecisionReasonExecuted             = "executed"
	DecisionReasonVenueExecutionFailed = "venue_execution_failed"
)

// ExecutionDecision is the recorded outcome of delegating a cycle to the venue.
type ExecutionDecision struct {
	Executed         bool   `json:"executed"`
	Reason           string `json:"reason"`
	RouteExecutionID string `json:"routeExecutionId,omitempty"`
	Error            string `json:"error,omitempty"`
}

// RouteExecution is what the governor hands to the execution venue.
type RouteExecution struct {
	GovernorID      string
	CycleID         string
	TransitionNonce uint64
	AmountRaw       *big.Int
	TokenIn         string
	TokenOut        string
	RouteData       []byte
	RouteDataHash   string
}

// GovernorState is the single authoritative record owned by one governor.
type GovernorState struct {
	GovernorID          string     `json:"governorId"`
	State               CycleState `json:"state"`
	LastTransitionNonce uint64     `json:"lastTransitionNonce"`
	LastCycleAt         time.Time  `json:"lastCycleAt"`
	Paused              bool       `json:"paused"`
	PauseReason         string     `json:"pauseReason,omitempty"`
	Height              int64      `json:"height"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}
