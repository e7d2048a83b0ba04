// Package runner drives governor cycles end to end: policy gate, advisory lock,
// state machine, transition evidence, audit artifact and operator alerts.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/cycle-governor/internal/alert"
	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/evidence"
	"github.com/emperorhan/cycle-governor/internal/governor"
	"github.com/emperorhan/cycle-governor/internal/metrics"
	"github.com/emperorhan/cycle-governor/internal/policy"
	"github.com/emperorhan/cycle-governor/internal/tracing"
	"github.com/emperorhan/cycle-governor/internal/triggerproof"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPolicyBlocked is returned when the policy gate refuses a trigger.
var ErrPolicyBlocked = errors.New("cycle blocked by policy")

// Governor is the subset of *governor.Machine the runner drives.
type Governor interface {
	GovernorID() string
	Snapshot(ctx context.Context) (model.GovernorState, error)
	RunDeterministicCycle(ctx context.Context, caller model.Caller, req model.CycleRequest) (*model.Receipt, error)
	RecoverFromHalt(ctx context.Context, caller model.Caller) (*model.Receipt, error)
	SetEmergencyPause(ctx context.Context, caller model.Caller, paused bool, reason string) (*model.Receipt, error)
}

// CycleTemplate is the fixed request the scheduler repeats every interval.
type CycleTemplate struct {
	CycleID   string
	Caller    string
	AmountRaw *big.Int
	TokenIn   string
	TokenOut  string
	RouteData []byte
}

type Config struct {
	Suite           string
	ContractAddress string
	LockKey         string
	LockTTL         time.Duration
	Interval        time.Duration
	Template        CycleTemplate
}

// Input is one cycle attempt. RequireBinding, when set, overrides the configured
// execute binding requirement for this evaluation only.
type Input struct {
	Caller         model.Caller
	Request        model.CycleRequest
	RequireBinding *bool
}

// Result carries everything observed for one attempt. Receipt is nil when the
// attempt was stopped before reaching the governor.
type Result struct {
	Policy             policy.Decision        `json:"policy"`
	Receipt            *model.Receipt         `json:"receipt,omitempty"`
	TransitionEvidence *triggerproof.Evidence `json:"transitionEvidence,omitempty"`
	ArtifactID         string                 `json:"artifactId,omitempty"`
	EvidenceError      string                 `json:"evidenceError,omitempty"`
}

type Runner struct {
	cfg      Config
	env      policy.Env
	gov      Governor
	locker   evidence.Locker
	recorder evidence.Recorder
	alerter  alert.Alerter
	logger   *slog.Logger
	nowFunc  func() time.Time
}

func New(cfg Config, env policy.Env, gov Governor, locker evidence.Locker, recorder evidence.Recorder, alerter alert.Alerter, logger *slog.Logger) (*Runner, error) {
	if gov == nil {
		return nil, fmt.Errorf("governor is nil")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("evidence recorder is nil")
	}
	if alerter == nil {
		alerter = alert.NoopAlerter{}
	}
	if cfg.Suite == "" {
		cfg.Suite = evidence.DefaultSuite
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "governor:cycle-lock:" + gov.GovernorID()
	}
	if cfg.LockTTL <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	return &Runner{
		cfg:      cfg,
		env:      env,
		gov:      gov,
		locker:   locker,
		recorder: recorder,
		alerter:  alerter,
		logger:   logger.With("component", "runner", "governor_id", gov.GovernorID()),
		nowFunc:  time.Now,
	}, nil
}

// RunOnce evaluates policy for trigger and, if allowed, runs one cycle under the
// advisory lock. Policy and guard rejections return an error alongside a Result
// holding the policy decision. A halted cycle is not an error.
func (r *Runner) RunOnce(ctx context.Context, trigger policy.Trigger, in Input) (*Result, error) {
	ctx, span := tracing.Tracer("runner").Start(ctx, "runner.run_once", trace.WithAttributes(
		attribute.String("governor.id", r.gov.GovernorID()),
		attribute.String("policy.trigger", string(trigger)),
		attribute.Int64("cycle.transition_nonce", int64(in.Request.TransitionNonce)),
	))
	defer span.End()

	res := &Result{Policy: r.evaluatePolicy(trigger, in.RequireBinding)}
	if !res.Policy.Allowed {
		blockers := res.Policy.BlockerCodes()
		r.logger.Warn("cycle blocked by policy", "trigger", trigger, "blockers", blockers)
		r.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypePolicyBlocked,
			CycleID: in.Request.CycleID,
			Title:   "Cycle blocked by policy",
			Message: strings.Join(res.Policy.Actions, "\n"),
			Fields: map[string]string{
				"trigger":  string(trigger),
				"blockers": strings.Join(blockers, ","),
			},
		})
		err := fmt.Errorf("%w: %s", ErrPolicyBlocked, strings.Join(blockers, ","))
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	token, err := r.locker.Acquire(ctx, r.cfg.LockKey, r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, evidence.ErrLockHeld) {
			metrics.EvidenceLockContentionTotal.WithLabelValues(r.gov.GovernorID()).Inc()
			r.logger.Info("cycle skipped, lock held elsewhere", "lock_key", r.cfg.LockKey)
		}
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("acquire cycle lock: %w", err)
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), r.cfg.LockKey, token); err != nil {
			r.logger.Warn("failed to release cycle lock", "lock_key", r.cfg.LockKey, "error", err)
		}
	}()

	receipt, err := r.gov.RunDeterministicCycle(ctx, in.Caller, in.Request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	res.Receipt = receipt

	proofEvidence := triggerproof.EvaluateCycleTransitionEvidence(triggerproof.Parse(triggerproof.FromReceipt(receipt)))
	metrics.TriggerProofEvaluationsTotal.WithLabelValues(strconv.FormatBool(proofEvidence.Verifiable)).Inc()
	res.TransitionEvidence = &proofEvidence

	artifact := evidence.NewArtifact(r.cfg.Suite, r.cfg.ContractAddress, receipt, r.nowFunc()).
		WithPolicy(res.Policy).
		WithTransitionEvidence(proofEvidence)
	if err := r.recorder.Record(ctx, artifact); err != nil {
		res.EvidenceError = err.Error()
		r.logger.Error("failed to record cycle evidence", "tx_hash", receipt.TxHash, "error", err)
		r.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeEvidenceFailed,
			CycleID: receipt.CycleID,
			Title:   "Cycle evidence not recorded",
			Message: err.Error(),
			Fields: map[string]string{
				"tx_hash":          receipt.TxHash,
				"transition_nonce": strconv.FormatUint(receipt.TransitionNonce, 10),
			},
		})
	} else {
		res.ArtifactID = artifact.ID
	}

	if receipt.FinalState == model.CycleStateHalted {
		msg := ""
		if receipt.Decision != nil {
			msg = receipt.Decision.Error
		}
		r.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeHalted,
			CycleID: receipt.CycleID,
			Title:   "Governor halted",
			Message: msg,
			Fields: map[string]string{
				"tx_hash":          receipt.TxHash,
				"transition_nonce": strconv.FormatUint(receipt.TransitionNonce, 10),
			},
		})
	}

	span.SetAttributes(
		attribute.Bool("proof.verifiable", proofEvidence.Verifiable),
		attribute.String("cycle.final_state", receipt.FinalState.String()),
	)
	return res, nil
}

func (r *Runner) GovernorID() string { return r.gov.GovernorID() }

// Snapshot returns the governor's current persisted state.
func (r *Runner) Snapshot(ctx context.Context) (model.GovernorState, error) {
	return r.gov.Snapshot(ctx)
}

// Recover moves a halted governor back to Idle and notifies operators.
func (r *Runner) Recover(ctx context.Context, caller model.Caller) (*model.Receipt, error) {
	receipt, err := r.gov.RecoverFromHalt(ctx, caller)
	if err != nil {
		return nil, err
	}
	r.sendAlert(ctx, alert.Alert{
		Type:    alert.AlertTypeRecovered,
		Title:   "Governor recovered from halt",
		Message: fmt.Sprintf("next transition nonce %d", receipt.TransitionNonce+1),
		Fields:  map[string]string{"caller": caller.Sender},
	})
	return receipt, nil
}

// SetPause toggles the emergency pause and notifies operators.
func (r *Runner) SetPause(ctx context.Context, caller model.Caller, paused bool, reason string) (*model.Receipt, error) {
	receipt, err := r.gov.SetEmergencyPause(ctx, caller, paused, reason)
	if err != nil {
		return nil, err
	}
	a := alert.Alert{
		Type:   alert.AlertTypeResumed,
		Title:  "Governor resumed",
		Fields: map[string]string{"caller": caller.Sender},
	}
	if paused {
		a.Type = alert.AlertTypePaused
		a.Title = "Governor paused"
		a.Message = reason
	}
	r.sendAlert(ctx, a)
	return receipt, nil
}

// Run fires a deterministic cycle every interval until ctx is done. Each tick uses
// the next transition nonce; failures are logged and the loop continues.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Interval <= 0 {
		return fmt.Errorf("cycle interval must be positive")
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("cycle scheduler started", "interval", r.cfg.Interval.String(), "cycle_id", r.cfg.Template.CycleID)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("cycle scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	st, err := r.gov.Snapshot(ctx)
	if err != nil {
		r.logger.Error("failed to load governor state", "error", err)
		return
	}
	if st.State == model.CycleStateHalted {
		r.logger.Warn("governor halted, skipping scheduled cycle", "last_transition_nonce", st.LastTransitionNonce)
		return
	}

	res, err := r.RunOnce(ctx, policy.TriggerDeterministicCycle, Input{
		Caller:  model.DirectCaller(r.cfg.Template.Caller),
		Request: r.nextRequest(st.LastTransitionNonce + 1),
	})
	switch {
	case err == nil:
		r.logger.Info("scheduled cycle completed",
			"tx_hash", res.Receipt.TxHash,
			"final_state", res.Receipt.FinalState.String(),
		)
	case errors.Is(err, evidence.ErrLockHeld), errors.Is(err, ErrPolicyBlocked):
		// already logged by RunOnce
	case governor.GuardCodeOf(err) != "":
		r.logger.Warn("scheduled cycle rejected", "guard_code", governor.GuardCodeOf(err), "error", err)
	default:
		r.logger.Error("scheduled cycle failed", "error", err)
	}
}

func (r *Runner) nextRequest(nonce uint64) model.CycleRequest {
	t := r.cfg.Template
	amount := new(big.Int)
	if t.AmountRaw != nil {
		amount.Set(t.AmountRaw)
	}
	routeData := append([]byte(nil), t.RouteData...)
	return model.CycleRequest{
		CycleID:         t.CycleID,
		TransitionNonce: nonce,
		AmountRaw:       amount,
		TokenIn:         t.TokenIn,
		TokenOut:        t.TokenOut,
		RouteData:       routeData,
		RouteDataHash:   model.RouteDataHash(routeData),
	}
}

func (r *Runner) evaluatePolicy(trigger policy.Trigger, requireBinding *bool) policy.Decision {
	d := policy.Evaluate(r.env, trigger, requireBinding)
	metrics.PolicyEvaluationsTotal.WithLabelValues(string(d.Markers.Track), strconv.FormatBool(d.Allowed)).Inc()
	for _, b := range d.Blockers {
		metrics.PolicyBlockersTotal.WithLabelValues(string(b.Code)).Inc()
	}
	return d
}

func (r *Runner) sendAlert(ctx context.Context, a alert.Alert) {
	a.Governor = r.gov.GovernorID()
	if err := r.alerter.Send(ctx, a); err != nil {
		r.logger.Warn("alert delivery failed", "type", a.Type, "error", err)
	}
}
