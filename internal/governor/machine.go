package governor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
	"github.com/emperorhan/cycle-governor/internal/metrics"
	"github.com/emperorhan/cycle-governor/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:generate mockgen -source=machine.go -destination=mocks/mock_venue.go -package=mocks

// Venue is the external execution venue a cycle delegates to. It returns the venue's
// route execution id on success.
type Venue interface {
	Execute(ctx context.Context, exec model.RouteExecution) (string, error)
}

type Config struct {
	GovernorID   string
	MaxAmountRaw *big.Int
	Cooldown     time.Duration
	// DirectCallers are the principals allowed to invoke the governor directly.
	// The emergency principal is always allowed.
	DirectCallers      []string
	EmergencyPrincipal string
}

// Machine is the cycle state machine for one governor. All state lives in the
// StateStore; every entry point is a single StateStore.Update.
type Machine struct {
	cfg       Config
	callers   map[string]struct{}
	emergency string
	store     StateStore
	venue     Venue
	logger    *slog.Logger
	nowFunc   func() time.Time
}

func New(cfg Config, store StateStore, venue Venue, logger *slog.Logger) (*Machine, error) {
	if strings.TrimSpace(cfg.GovernorID) == "" {
		return nil, fmt.Errorf("governor id is required")
	}
	if cfg.MaxAmountRaw == nil || cfg.MaxAmountRaw.Sign() < 0 {
		return nil, fmt.Errorf("max amount must be a non-negative integer")
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("cooldown must not be negative")
	}
	if strings.TrimSpace(cfg.EmergencyPrincipal) == "" {
		return nil, fmt.Errorf("emergency principal is required")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is nil")
	}
	if venue == nil {
		return nil, fmt.Errorf("venue is nil")
	}

	callers := make(map[string]struct{}, len(cfg.DirectCallers)+1)
	for _, c := range cfg.DirectCallers {
		if p := normalizePrincipal(c); p != "" {
			callers[p] = struct{}{}
		}
	}
	emergency := normalizePrincipal(cfg.EmergencyPrincipal)
	callers[emergency] = struct{}{}

	return &Machine{
		cfg:       cfg,
		callers:   callers,
		emergency: emergency,
		store:     store,
		venue:     venue,
		logger:    logger.With("component", "governor", "governor_id", cfg.GovernorID),
		nowFunc:   time.Now,
	}, nil
}

func (m *Machine) GovernorID() string {
	return m.cfg.GovernorID
}

// Snapshot returns the current persisted state.
func (m *Machine) Snapshot(ctx context.Context) (model.GovernorState, error) {
	st, err := m.store.Load(ctx, m.cfg.GovernorID)
	if err != nil {
		return model.GovernorState{}, fmt.Errorf("load governor state: %w", err)
	}
	return st, nil
}

// RunDeterministicCycle is the only entry point that starts a cycle. Guard failures
// return a *GuardError and leave state untouched. A venue failure is not an error:
// the cycle ends Halted and the nonce is still consumed.
func (m *Machine) RunDeterministicCycle(ctx context.Context, caller model.Caller, req model.CycleRequest) (*model.Receipt, error) {
	ctx, span := tracing.Tracer("governor").Start(ctx, "governor.run_cycle", trace.WithAttributes(
		attribute.String("governor.id", m.cfg.GovernorID),
		attribute.String("cycle.id", req.CycleID),
		attribute.Int64("cycle.transition_nonce", int64(req.TransitionNonce)),
	))
	defer span.End()

	start := time.Now()
	var receipt *model.Receipt
	err := m.store.Update(ctx, m.cfg.GovernorID, func(st *model.GovernorState) error {
		now := m.nowFunc()
		if err := m.checkCycleGuards(st, caller, req, now); err != nil {
			return err
		}

		tl := transitionLog{state: st}
		tl.move(model.CycleStateExecuting)

		decision := m.execute(ctx, req)
		if decision.Executed {
			tl.move(model.CycleStateSettling)
			tl.move(model.CycleStateIdle)
			st.LastCycleAt = now
		} else {
			tl.move(model.CycleStateHalted)
		}
		st.LastTransitionNonce = req.TransitionNonce
		st.Height++
		st.UpdatedAt = now

		receipt = buildCycleReceipt(st, req, tl.entries, decision, now)
		return nil
	})
	if err != nil {
		m.recordRejection(span, "run_cycle", err, req.TransitionNonce)
		return nil, err
	}

	outcome := "executed"
	if !receipt.Decision.Executed {
		outcome = "halted"
	}
	metrics.CyclesTotal.WithLabelValues(m.cfg.GovernorID, outcome).Inc()
	metrics.CycleLatency.WithLabelValues(m.cfg.GovernorID).Observe(time.Since(start).Seconds())
	m.publishState(receipt.FinalState, receipt.TransitionNonce)
	span.SetAttributes(attribute.String("cycle.outcome", outcome), attribute.String("cycle.tx_hash", receipt.TxHash))

	if receipt.Decision.Executed {
		m.logger.Info("cycle executed",
			"cycle_id", req.CycleID,
			"transition_nonce", req.TransitionNonce,
			"route_execution_id", receipt.Decision.RouteExecutionID,
			"tx_hash", receipt.TxHash,
		)
	} else {
		m.logger.Error("cycle halted by venue failure",
			"cycle_id", req.CycleID,
			"transition_nonce", req.TransitionNonce,
			"error", receipt.Decision.Error,
			"tx_hash", receipt.TxHash,
		)
	}
	return receipt, nil
}

// RecoverFromHalt moves a Halted governor back to Idle. The transition nonce is left
// as-is, so the next cycle must use lastTransitionNonce+1.
func (m *Machine) RecoverFromHalt(ctx context.Context, caller model.Caller) (*model.Receipt, error) {
	ctx, span := tracing.Tracer("governor").Start(ctx, "governor.recover_from_halt",
		trace.WithAttributes(attribute.String("governor.id", m.cfg.GovernorID)))
	defer span.End()

	var receipt *model.Receipt
	err := m.store.Update(ctx, m.cfg.GovernorID, func(st *model.GovernorState) error {
		if err := m.checkEmergencyCaller(caller); err != nil {
			return err
		}
		if st.State != model.CycleStateHalted {
			return guardErr(GuardNotHalted, "governor is %s", st.State)
		}
		now := m.nowFunc()
		tl := transitionLog{state: st}
		tl.move(model.CycleStateIdle)
		st.Height++
		st.UpdatedAt = now

		receipt = buildAdminReceipt(st, "recover", tl.entries, nil, now)
		return nil
	})
	if err != nil {
		m.recordRejection(span, "recover_from_halt", err, 0)
		return nil, err
	}

	m.publishState(receipt.FinalState, 0)
	m.logger.Warn("governor recovered from halt", "caller", caller.Sender, "last_transition_nonce", receipt.TransitionNonce)
	return receipt, nil
}

// SetEmergencyPause toggles the pause flag. While paused only the emergency principal
// can start a cycle, and only with EmergencyOverride set.
func (m *Machine) SetEmergencyPause(ctx context.Context, caller model.Caller, paused bool, reason string) (*model.Receipt, error) {
	ctx, span := tracing.Tracer("governor").Start(ctx, "governor.set_emergency_pause", trace.WithAttributes(
		attribute.String("governor.id", m.cfg.GovernorID),
		attribute.Bool("governor.paused", paused),
	))
	defer span.End()

	var receipt *model.Receipt
	err := m.store.Update(ctx, m.cfg.GovernorID, func(st *model.GovernorState) error {
		if err := m.checkEmergencyCaller(caller); err != nil {
			return err
		}
		now := m.nowFunc()
		st.Paused = paused
		st.PauseReason = ""
		if paused {
			st.PauseReason = reason
		}
		st.Height++
		st.UpdatedAt = now

		event := model.Event{
			Name: model.EventEmergencyPause,
			Args: map[string]string{"paused": fmt.Sprintf("%t", paused), "reason": reason},
		}
		receipt = buildAdminReceipt(st, "pause", nil, []model.Event{event}, now)
		return nil
	})
	if err != nil {
		m.recordRejection(span, "set_emergency_pause", err, 0)
		return nil, err
	}

	pausedValue := 0.0
	if paused {
		pausedValue = 1
	}
	metrics.EmergencyPaused.WithLabelValues(m.cfg.GovernorID).Set(pausedValue)
	m.logger.Warn("emergency pause updated", "paused", paused, "reason", reason, "caller", caller.Sender)
	return receipt, nil
}

func (m *Machine) checkCycleGuards(st *model.GovernorState, caller model.Caller, req model.CycleRequest, now time.Time) error {
	if !caller.Direct() {
		return guardErr(GuardCallerIdentity, "call from %q relayed on behalf of %q", caller.Sender, caller.Origin)
	}
	if !m.isDirectCaller(caller.Sender) {
		return guardErr(GuardCallerIdentity, "sender %q is not a registered direct caller", caller.Sender)
	}

	if req.AmountRaw == nil || req.AmountRaw.Sign() < 0 {
		return guardErr(GuardInvalidAmount, "amount must be a non-negative integer")
	}
	if req.AmountRaw.Cmp(m.cfg.MaxAmountRaw) > 0 {
		return guardErr(GuardAmountAboveLimit, "amount %s exceeds max %s", req.AmountRaw, m.cfg.MaxAmountRaw)
	}

	if st.Paused {
		if !req.EmergencyOverride || !m.isEmergency(caller.Sender) {
			return guardErr(GuardPaused, "governor paused: %s", st.PauseReason)
		}
	} else if !st.LastCycleAt.IsZero() {
		if elapsed := now.Sub(st.LastCycleAt); elapsed < m.cfg.Cooldown {
			return guardErr(GuardCooldown, "%s remaining", (m.cfg.Cooldown - elapsed).Round(time.Second))
		}
	}

	if st.State != model.CycleStateIdle {
		return guardErr(GuardNotIdle, "governor is %s", st.State)
	}

	if st.LastTransitionNonce == math.MaxUint64 || req.TransitionNonce != st.LastTransitionNonce+1 {
		return guardErr(GuardInvalidNonce, "got %d, expected %d", req.TransitionNonce, st.LastTransitionNonce+1)
	}

	if req.RouteDataHash != "" && !model.SameHash(req.RouteDataHash, model.RouteDataHash(req.RouteData)) {
		return guardErr(GuardRouteHashMismatch, "route data hash %s does not match route data", req.RouteDataHash)
	}
	return nil
}

func (m *Machine) checkEmergencyCaller(caller model.Caller) error {
	if !caller.Direct() {
		return guardErr(GuardCallerIdentity, "call from %q relayed on behalf of %q", caller.Sender, caller.Origin)
	}
	if !m.isEmergency(caller.Sender) {
		return guardErr(GuardEmergencyRole, "sender %q does not hold the emergency role", caller.Sender)
	}
	return nil
}

// execute delegates to the venue. A panicking venue is treated as a failed execution
// so the nonce is still consumed.
func (m *Machine) execute(ctx context.Context, req model.CycleRequest) (decision model.ExecutionDecision) {
	routeHash := req.RouteDataHash
	if routeHash == "" {
		routeHash = model.RouteDataHash(req.RouteData)
	}

	defer func() {
		if r := recover(); r != nil {
			decision = model.ExecutionDecision{
				Executed: false,
				Reason:   model.DecisionReasonVenueExecutionFailed,
				Error:    fmt.Sprintf("venue panicked: %v", r),
			}
		}
	}()

	execID, err := m.venue.Execute(ctx, model.RouteExecution{
		GovernorID:      m.cfg.GovernorID,
		CycleID:         req.CycleID,
		TransitionNonce: req.TransitionNonce,
		AmountRaw:       new(big.Int).Set(req.AmountRaw),
		TokenIn:         req.TokenIn,
		TokenOut:        req.TokenOut,
		RouteData:       append([]byte(nil), req.RouteData...),
		RouteDataHash:   routeHash,
	})
	if err != nil {
		return model.ExecutionDecision{
			Executed: false,
			Reason:   model.DecisionReasonVenueExecutionFailed,
			Error:    err.Error(),
		}
	}
	return model.ExecutionDecision{
		Executed:         true,
		Reason:           model.DecisionReasonExecuted,
		RouteExecutionID: execID,
	}
}

func (m *Machine) recordRejection(span trace.Span, op string, err error, nonce uint64) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	code := GuardCodeOf(err)
	if code == "" {
		m.logger.Error("governor call failed", "op", op, "error", err)
		return
	}
	metrics.GuardRejectionsTotal.WithLabelValues(m.cfg.GovernorID, string(code)).Inc()
	m.logger.Warn("governor call rejected by guard", "op", op, "guard_code", code, "transition_nonce", nonce, "error", err)
}

func (m *Machine) publishState(state model.CycleState, nonce uint64) {
	metrics.CycleState.WithLabelValues(m.cfg.GovernorID).Set(float64(state))
	if nonce > 0 {
		metrics.LastTransitionNonce.WithLabelValues(m.cfg.GovernorID).Set(float64(nonce))
	}
}

func (m *Machine) isDirectCaller(principal string) bool {
	_, ok := m.callers[normalizePrincipal(principal)]
	return ok
}

func (m *Machine) isEmergency(principal string) bool {
	return normalizePrincipal(principal) == m.emergency
}

func normalizePrincipal(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// transitionLog applies state changes and records one log entry per change.
type transitionLog struct {
	state   *model.GovernorState
	entries []model.StateTransition
}

func (l *transitionLog) move(next model.CycleState) {
	l.entries = append(l.entries, model.StateTransition{PreviousState: l.state.State, NextState: next})
	l.state.State = next
}
