// Package policy decides whether a cycle trigger may be dispatched to the governor.
// It models organizational policy and runs before, and independently of, the
// governor's own guards. Evaluate is pure: no I/O, no globals, no clock.
package policy

import (
	"fmt"
	"strings"
)

type Trigger string

const (
	TriggerDeterministicCycle Trigger = "deterministic_contract_cycle"
	TriggerExternal           Trigger = "external"
	TriggerManual             Trigger = "manual"
)

type Track string

const (
	TrackLegacy     Track = "legacy"
	TrackAutonomous Track = "autonomous"
)

type Governance string

const (
	GovernanceOnchainOnly Governance = "onchain_only"
	GovernanceHybrid      Governance = "hybrid"
)

// BindingReadiness describes whether a signed execute path is wired for a venue.
type BindingReadiness string

const (
	ReadinessNone     BindingReadiness = "none"
	ReadinessPrepared BindingReadiness = "prepared"
	ReadinessActive   BindingReadiness = "active"
)

type BlockerCode string

const (
	BlockerCycleConfigMissing        BlockerCode = "CYCLE_CONFIG_MISSING"
	BlockerExternalTriggerBlocked    BlockerCode = "EXTERNAL_TRIGGER_BLOCKED"
	BlockerExecuteBindingUnavailable BlockerCode = "EXECUTE_BINDING_UNAVAILABLE"
)

type CycleConfig struct {
	ID              string
	IntervalSeconds int64
}

// VenueBinding is the configured execute binding for one venue. A nil Required
// defers to the mode default.
type VenueBinding struct {
	Enabled  bool
	Required *bool
	Active   bool
}

func (b VenueBinding) Readiness() BindingReadiness {
	switch {
	case !b.Enabled:
		return ReadinessNone
	case b.Active:
		return ReadinessActive
	default:
		return ReadinessPrepared
	}
}

// Env is the configuration snapshot a decision is made against. It is resolved
// once by the caller and never read from the process environment here.
type Env struct {
	AutonomousMode    bool
	Cycle             *CycleConfig
	Venue             string
	Bindings          map[string]VenueBinding
	MaxAmountRaw      string
	CooldownSeconds   int64
	ConfirmLiteralSet bool
}

type Markers struct {
	Track      Track      `json:"track"`
	Governance Governance `json:"governance"`
	Trigger    Trigger    `json:"trigger"`
}

type Blocker struct {
	Code        BlockerCode `json:"code"`
	Message     string      `json:"message"`
	Remediation string      `json:"remediation"`
}

// Evidence echoes the inputs the decision was made on.
type Evidence struct {
	AutonomousMode   bool             `json:"autonomousMode"`
	RequestTrigger   Trigger          `json:"requestTrigger"`
	CycleID          string           `json:"cycleId,omitempty"`
	IntervalSeconds  int64            `json:"intervalSeconds,omitempty"`
	Venue            string           `json:"venue,omitempty"`
	BindingReadiness BindingReadiness `json:"bindingReadiness"`
	BindingRequired  bool             `json:"bindingRequired"`
	MaxAmountRaw     string           `json:"maxAmountRaw,omitempty"`
	CooldownSeconds  int64            `json:"cooldownSeconds"`
}

type Decision struct {
	Markers  Markers   `json:"markers"`
	Allowed  bool      `json:"allowed"`
	Blockers []Blocker `json:"blockers"`
	Actions  []string  `json:"actions"`
	Evidence Evidence  `json:"evidence"`
}

// BlockerCodes returns the blocker codes in evaluation order.
func (d Decision) BlockerCodes() []string {
	codes := make([]string, 0, len(d.Blockers))
	for _, b := range d.Blockers {
		codes = append(codes, string(b.Code))
	}
	return codes
}

// Evaluate decides whether a request with the given trigger may be dispatched.
// requireBindingOverride, when non-nil, replaces the configured binding requirement.
func Evaluate(env Env, trigger Trigger, requireBindingOverride *bool) Decision {
	binding := env.Bindings[env.Venue]
	d := Decision{
		Blockers: []Blocker{},
		Evidence: Evidence{
			AutonomousMode:   env.AutonomousMode,
			RequestTrigger:   trigger,
			Venue:            env.Venue,
			BindingReadiness: binding.Readiness(),
			MaxAmountRaw:     env.MaxAmountRaw,
			CooldownSeconds:  env.CooldownSeconds,
		},
	}
	if env.Cycle != nil {
		d.Evidence.CycleID = env.Cycle.ID
		d.Evidence.IntervalSeconds = env.Cycle.IntervalSeconds
	}

	if !env.AutonomousMode {
		d.Markers = Markers{Track: TrackLegacy, Governance: GovernanceOnchainOnly, Trigger: TriggerExternal}
		d.Evidence.BindingRequired = bindingRequired(binding, requireBindingOverride, false)
		d.Allowed = true
		d.Actions = []string{
			"proceed through the external trigger path; interactive confirmation still applies",
			"set AUTONOMOUS_MODE=true with AUTONOMOUS_CYCLE_ID and AUTONOMOUS_CYCLE_INTERVAL_SECONDS to enable deterministic cycles",
		}
		return d
	}

	d.Markers = Markers{Track: TrackAutonomous, Governance: GovernanceHybrid, Trigger: TriggerDeterministicCycle}

	if env.Cycle == nil || strings.TrimSpace(env.Cycle.ID) == "" || env.Cycle.IntervalSeconds <= 0 {
		d.Blockers = append(d.Blockers, Blocker{
			Code:        BlockerCycleConfigMissing,
			Message:     "autonomous mode requires a deterministic cycle id and a positive interval",
			Remediation: "set AUTONOMOUS_CYCLE_ID and AUTONOMOUS_CYCLE_INTERVAL_SECONDS (> 0)",
		})
	}

	if trigger != TriggerDeterministicCycle {
		d.Blockers = append(d.Blockers, Blocker{
			Code:        BlockerExternalTriggerBlocked,
			Message:     fmt.Sprintf("trigger %q is not accepted while autonomous mode is enabled", trigger),
			Remediation: "let the deterministic contract cycle fire, or disable AUTONOMOUS_MODE for manual runs",
		})
	}

	required := bindingRequired(binding, requireBindingOverride, true)
	d.Evidence.BindingRequired = required
	if required && binding.Readiness() == ReadinessNone {
		venue := env.Venue
		if venue == "" {
			venue = "<unset>"
		}
		d.Blockers = append(d.Blockers, Blocker{
			Code:        BlockerExecuteBindingUnavailable,
			Message:     fmt.Sprintf("execute binding for venue %s is not prepared or active", venue),
			Remediation: "enable the venue execute binding (VENUE_<NAME>_EXECUTE_BINDING_ENABLED=true) or mark it not required",
		})
	}

	d.Allowed = len(d.Blockers) == 0
	if d.Allowed {
		d.Actions = []string{fmt.Sprintf("dispatch deterministic cycle %s to the governor", env.Cycle.ID)}
		if binding.Readiness() == ReadinessPrepared {
			d.Actions = append(d.Actions, fmt.Sprintf("activate the %s execute binding before live execution", env.Venue))
		}
		return d
	}
	for _, b := range d.Blockers {
		d.Actions = append(d.Actions, b.Remediation)
	}
	return d
}

func bindingRequired(b VenueBinding, override *bool, modeDefault bool) bool {
	if override != nil {
		return *override
	}
	if b.Required != nil {
		return *b.Required
	}
	return modeDefault
}

// BoolPtr is a helper for building optional flags.
func BoolPtr(v bool) *bool {
	return &v
}
