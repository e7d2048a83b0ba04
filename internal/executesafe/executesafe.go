// Package executesafe decides whether a live, fund-moving action may proceed
// without an interactively typed confirmation string.
package executesafe

import (
	"crypto/subtle"

	"github.com/emperorhan/cycle-governor/internal/metrics"
	"github.com/emperorhan/cycle-governor/internal/triggerproof"
)

type Mode string

const (
	ModeOnchainTrigger Mode = "onchain_trigger"
	ModeManualConfirm  Mode = "manual_confirm"
)

const (
	ReasonConfirmLiteralUnset = "confirm_literal_unset"
	ReasonConfirmMismatch     = "confirm_mismatch"
)

type Request struct {
	Evidence       triggerproof.Evidence
	Confirm        string
	ConfirmLiteral string
}

type Authorization struct {
	Allowed  bool                     `json:"allowed"`
	Mode     Mode                     `json:"confirmationMode"`
	Reason   string                   `json:"reason,omitempty"`
	Blockers []triggerproof.IssueCode `json:"evidenceBlockers,omitempty"`
}

// Authorize skips confirmation only for verifiable on-chain evidence. Otherwise
// the confirm string must equal a configured, non-empty literal.
func Authorize(req Request) Authorization {
	auth := authorize(req)
	metrics.ConfirmationDecisionsTotal.WithLabelValues(string(auth.Mode), boolLabel(auth.Allowed)).Inc()
	return auth
}

func authorize(req Request) Authorization {
	if req.Evidence.Verifiable {
		return Authorization{Allowed: true, Mode: ModeOnchainTrigger}
	}
	auth := Authorization{Mode: ModeManualConfirm, Blockers: req.Evidence.Blockers}
	if req.ConfirmLiteral == "" {
		auth.Reason = ReasonConfirmLiteralUnset
		return auth
	}
	if subtle.ConstantTimeCompare([]byte(req.Confirm), []byte(req.ConfirmLiteral)) != 1 {
		auth.Reason = ReasonConfirmMismatch
		return auth
	}
	auth.Allowed = true
	return auth
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
