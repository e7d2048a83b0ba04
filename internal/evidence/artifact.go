// Package evidence builds, validates and persists append-only audit artifacts
// for governor cycles.
package evidence

import (
	"time"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/policy"
	"github.com/emperorhan/cycle-governor/internal/triggerproof"
	"github.com/google/uuid"
)

const DefaultSuite = "autonomous-cycle"

type Cycle struct {
	TxHash        string                   `json:"txHash"`
	BlockNumber   int64                    `json:"blockNumber"`
	CycleID       string                   `json:"cycleId,omitempty"`
	Nonce         uint64                   `json:"transitionNonce"`
	EmittedEvents []model.Event            `json:"emittedEvents"`
	Decision      *model.ExecutionDecision `json:"decision,omitempty"`
	StateDelta    *model.StateTransition   `json:"stateDelta,omitempty"`
	FinalState    model.CycleState         `json:"finalState"`
}

// Artifact is one audit record. Artifacts are never updated once written.
type Artifact struct {
	ID                 string                 `json:"id"`
	Suite              string                 `json:"suite"`
	GeneratedAt        time.Time              `json:"generatedAt"`
	ContractAddress    string                 `json:"contractAddress"`
	Cycle              Cycle                  `json:"cycle"`
	Policy             *policy.Decision       `json:"policy,omitempty"`
	TransitionEvidence *triggerproof.Evidence `json:"transitionEvidence,omitempty"`
}

// NewArtifact builds an artifact from a governor receipt.
func NewArtifact(suite, contractAddress string, r *model.Receipt, generatedAt time.Time) Artifact {
	if suite == "" {
		suite = DefaultSuite
	}
	a := Artifact{
		ID:              uuid.NewString(),
		Suite:           suite,
		GeneratedAt:     generatedAt.UTC(),
		ContractAddress: contractAddress,
	}
	if r != nil {
		events := r.Events
		if events == nil {
			events = []model.Event{}
		}
		a.Cycle = Cycle{
			TxHash:        r.TxHash,
			BlockNumber:   r.BlockNumber,
			CycleID:       r.CycleID,
			Nonce:         r.TransitionNonce,
			EmittedEvents: events,
			Decision:      r.Decision,
			StateDelta:    r.StateDelta,
			FinalState:    r.FinalState,
		}
	}
	return a
}

func (a Artifact) WithPolicy(d policy.Decision) Artifact {
	a.Policy = &d
	return a
}

func (a Artifact) WithTransitionEvidence(e triggerproof.Evidence) Artifact {
	a.TransitionEvidence = &e
	return a
}
