package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/governor"
	"github.com/emperorhan/cycle-governor/internal/policy"
	"github.com/emperorhan/cycle-governor/internal/retry"
	"github.com/emperorhan/cycle-governor/internal/runner"
	"github.com/emperorhan/cycle-governor/internal/triggerproof"
)

// cycleOutput is the single JSON object the cycle command prints.
type cycleOutput struct {
	OK                 bool                     `json:"ok"`
	TxHash             string                   `json:"txHash,omitempty"`
	BlockNumber        int64                    `json:"blockNumber,omitempty"`
	StateDelta         *model.StateTransition   `json:"stateDelta,omitempty"`
	Decision           *model.ExecutionDecision `json:"decision,omitempty"`
	FinalState         string                   `json:"finalState,omitempty"`
	ArtifactID         string                   `json:"artifactId,omitempty"`
	EvidenceError      string                   `json:"evidenceError,omitempty"`
	TransitionEvidence *triggerproof.Evidence   `json:"transitionEvidence,omitempty"`
	Error              string                   `json:"error,omitempty"`
	GuardCode          string                   `json:"guardCode,omitempty"`
	Blockers           []string                 `json:"blockers,omitempty"`
	Retryable          bool                     `json:"retryable,omitempty"`
}

func newCycleOutput(res *runner.Result, err error) cycleOutput {
	if err != nil {
		out := cycleOutput{
			OK:        false,
			Error:     err.Error(),
			GuardCode: string(governor.GuardCodeOf(err)),
			Retryable: retry.Classify(err).IsTransient(),
		}
		if res != nil && errors.Is(err, runner.ErrPolicyBlocked) {
			out.Blockers = res.Policy.BlockerCodes()
		}
		return out
	}
	if res == nil || res.Receipt == nil {
		return cycleOutput{OK: false, Error: "no receipt produced"}
	}
	r := res.Receipt
	return cycleOutput{
		OK:                 true,
		TxHash:             r.TxHash,
		BlockNumber:        r.BlockNumber,
		StateDelta:         r.StateDelta,
		Decision:           r.Decision,
		FinalState:         r.FinalState.String(),
		ArtifactID:         res.ArtifactID,
		EvidenceError:      res.EvidenceError,
		TransitionEvidence: res.TransitionEvidence,
	}
}

// receiptOutput is printed by the admin commands.
type receiptOutput struct {
	OK              bool          `json:"ok"`
	TxHash          string        `json:"txHash,omitempty"`
	BlockNumber     int64         `json:"blockNumber,omitempty"`
	FinalState      string        `json:"finalState,omitempty"`
	TransitionNonce uint64        `json:"transitionNonce,omitempty"`
	Events          []model.Event `json:"events,omitempty"`
	Error           string        `json:"error,omitempty"`
	GuardCode       string        `json:"guardCode,omitempty"`
}

func newReceiptOutput(r *model.Receipt, err error) receiptOutput {
	if err != nil {
		return receiptOutput{Error: err.Error(), GuardCode: string(governor.GuardCodeOf(err))}
	}
	return receiptOutput{
		OK:              true,
		TxHash:          r.TxHash,
		BlockNumber:     r.BlockNumber,
		FinalState:      r.FinalState.String(),
		TransitionNonce: r.TransitionNonce,
		Events:          r.Events,
	}
}

type statusOutput struct {
	GovernorID          string          `json:"governorId"`
	State               string          `json:"state"`
	LastTransitionNonce uint64          `json:"lastTransitionNonce"`
	NextTransitionNonce uint64          `json:"nextTransitionNonce"`
	LastCycleAt         *time.Time      `json:"lastCycleAt,omitempty"`
	Paused              bool            `json:"paused"`
	PauseReason         string          `json:"pauseReason,omitempty"`
	Height              int64           `json:"height"`
	VenueBreaker        string          `json:"venueBreaker,omitempty"`
	Policy              policy.Decision `json:"policy"`
}

func newStatusOutput(st model.GovernorState, d policy.Decision, breaker string) statusOutput {
	out := statusOutput{
		GovernorID:          st.GovernorID,
		State:               st.State.String(),
		LastTransitionNonce: st.LastTransitionNonce,
		NextTransitionNonce: st.LastTransitionNonce + 1,
		Paused:              st.Paused,
		PauseReason:         st.PauseReason,
		Height:              st.Height,
		VenueBreaker:        breaker,
		Policy:              d,
	}
	if !st.LastCycleAt.IsZero() {
		t := st.LastCycleAt.UTC()
		out.LastCycleAt = &t
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAmountFlag(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("--amount is required")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("--amount must be a non-negative base-10 integer, got %q", raw)
	}
	return v, nil
}

// parseOptionalBool maps "" to nil so an unset flag defers to configuration.
func parseOptionalBool(name, raw string) (*bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("--%s must be true or false, got %q", name, raw)
	}
	return &v, nil
}

func parseTrigger(raw string) (policy.Trigger, error) {
	switch t := policy.Trigger(strings.ToLower(strings.TrimSpace(raw))); t {
	case policy.TriggerDeterministicCycle, policy.TriggerExternal, policy.TriggerManual:
		return t, nil
	default:
		return "", fmt.Errorf("--trigger must be one of %s, %s, %s; got %q",
			policy.TriggerDeterministicCycle, policy.TriggerExternal, policy.TriggerManual, raw)
	}
}
