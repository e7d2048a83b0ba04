// Package triggerproof parses untrusted claims about a past governor
// transition and classifies them as verifiable evidence or not.
package triggerproof

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
)

type IssueCode string

const (
	IssueInvalidPayload      IssueCode = "invalid_payload"
	IssueMissingTxHash       IssueCode = "missing_tx_hash"
	IssueInvalidTxHash       IssueCode = "invalid_tx_hash"
	IssueMissingCycleID      IssueCode = "missing_cycle_id"
	IssueMissingTransitionID IssueCode = "missing_transition_id"
	IssueMissingStateDelta   IssueCode = "missing_state_delta"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// FlexString accepts a JSON string or any scalar; non-string values keep their
// literal JSON text.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(b)
	return nil
}

type PayloadEvent struct {
	Name string                `json:"name"`
	Args map[string]FlexString `json:"args,omitempty"`
}

type RawStateDelta struct {
	PreviousState string `json:"previousState"`
	NextState     string `json:"nextState"`
}

// Payload is the wire form of a trigger proof.
type Payload struct {
	TxHash        string         `json:"txHash"`
	CycleID       FlexString     `json:"cycleId"`
	TransitionID  FlexString     `json:"transitionId"`
	EventName     string         `json:"eventName,omitempty"`
	StateDelta    *RawStateDelta `json:"stateDelta,omitempty"`
	EmittedEvents []PayloadEvent `json:"emittedEvents,omitempty"`
}

type StateDelta struct {
	PreviousState string `json:"previousState"`
	NextState     string `json:"nextState"`
	Label         string `json:"label"`
}

// Proof is a parsed, not-yet-trusted claim.
type Proof struct {
	Valid         bool          `json:"valid"`
	TxHash        string        `json:"txHash,omitempty"`
	CycleID       string        `json:"cycleId,omitempty"`
	TransitionID  string        `json:"transitionId,omitempty"`
	EventName     string        `json:"eventName,omitempty"`
	StateDelta    *StateDelta   `json:"stateDelta,omitempty"`
	EmittedEvents []model.Event `json:"emittedEvents,omitempty"`
	Issues        []IssueCode   `json:"issues"`
}

type Evidence struct {
	Verifiable bool        `json:"verifiable"`
	Blockers   []IssueCode `json:"blockers"`
	Proof      Proof       `json:"proof"`
}

// ParseCycleTriggerProof decodes raw JSON. Malformed input yields an invalid
// proof carrying invalid_payload rather than an error.
func ParseCycleTriggerProof(raw []byte) Proof {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Proof{Issues: []IssueCode{IssueInvalidPayload, IssueMissingTxHash, IssueMissingCycleID, IssueMissingTransitionID}}
	}
	return Parse(p)
}

func Parse(p Payload) Proof {
	proof := Proof{
		TxHash:        strings.TrimSpace(p.TxHash),
		CycleID:       strings.TrimSpace(string(p.CycleID)),
		TransitionID:  strings.TrimSpace(string(p.TransitionID)),
		EventName:     strings.TrimSpace(p.EventName),
		EmittedEvents: toEvents(p.EmittedEvents),
		Issues:        []IssueCode{},
	}

	switch {
	case proof.TxHash == "":
		proof.Issues = append(proof.Issues, IssueMissingTxHash)
	case !txHashPattern.MatchString(proof.TxHash):
		proof.Issues = append(proof.Issues, IssueInvalidTxHash)
	}
	if proof.CycleID == "" {
		proof.Issues = append(proof.Issues, IssueMissingCycleID)
	}
	if proof.TransitionID == "" {
		proof.Issues = append(proof.Issues, IssueMissingTransitionID)
	}

	if d := p.StateDelta; d != nil {
		prev := normalizeState(d.PreviousState)
		next := normalizeState(d.NextState)
		if prev != "" && next != "" {
			proof.StateDelta = &StateDelta{PreviousState: prev, NextState: next, Label: prev + "->" + next}
		}
	}

	proof.Valid = len(proof.Issues) == 0
	return proof
}

// EvaluateCycleTransitionEvidence reports every missing piece, never a generic failure.
func EvaluateCycleTransitionEvidence(proof Proof) Evidence {
	blockers := make([]IssueCode, 0, len(proof.Issues)+1)
	blockers = append(blockers, proof.Issues...)
	if proof.StateDelta == nil {
		blockers = append(blockers, IssueMissingStateDelta)
	}
	return Evidence{
		Verifiable: proof.Valid && proof.StateDelta != nil,
		Blockers:   blockers,
		Proof:      proof,
	}
}

// FromReceipt converts a governor receipt into a proof payload.
func FromReceipt(r *model.Receipt) Payload {
	if r == nil {
		return Payload{}
	}
	p := Payload{
		TxHash:        r.TxHash,
		CycleID:       FlexString(r.CycleID),
		TransitionID:  FlexString(strconv.FormatUint(r.TransitionNonce, 10)),
		EventName:     model.EventCycleTriggered,
		EmittedEvents: fromEvents(r.Events),
	}
	if r.StateDelta != nil {
		p.StateDelta = &RawStateDelta{
			PreviousState: r.StateDelta.PreviousState.String(),
			NextState:     r.StateDelta.NextState.String(),
		}
	}
	return p
}

// normalizeState upper-cases names and maps numeric codes to names.
func normalizeState(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if st, err := model.ParseCycleState(s); err == nil {
		return st.String()
	}
	return strings.ToUpper(s)
}

func toEvents(in []PayloadEvent) []model.Event {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Event, 0, len(in))
	for _, e := range in {
		ev := model.Event{Name: e.Name}
		if len(e.Args) > 0 {
			ev.Args = make(map[string]string, len(e.Args))
			for k, v := range e.Args {
				ev.Args[k] = string(v)
			}
		}
		out = append(out, ev)
	}
	return out
}

func fromEvents(in []model.Event) []PayloadEvent {
	if len(in) == 0 {
		return nil
	}
	out := make([]PayloadEvent, 0, len(in))
	for _, e := range in {
		ev := PayloadEvent{Name: e.Name}
		if len(e.Args) > 0 {
			ev.Args = make(map[string]FlexString, len(e.Args))
			for k, v := range e.Args {
				ev.Args[k] = FlexString(v)
			}
		}
		out = append(out, ev)
	}
	return out
}
