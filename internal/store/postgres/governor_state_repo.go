package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
)

// GovernorStateRepo is a governor.StateStore backed by the governor_state table.
// Update serializes writers per governor with SELECT ... FOR UPDATE.
type GovernorStateRepo struct {
	db *DB
}

func NewGovernorStateRepo(db *DB) *GovernorStateRepo {
	return &GovernorStateRepo{db: db}
}

const selectGovernorState = `
	SELECT governor_id, state, last_transition_nonce::text, last_cycle_at, paused, pause_reason, height, updated_at
	FROM governor_state
	WHERE governor_id = $1`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *GovernorStateRepo) Load(ctx context.Context, governorID string) (model.GovernorState, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	st, err := scanGovernorState(r.db.QueryRowContext(ctx, selectGovernorState, governorID))
	if err == sql.ErrNoRows {
		return idleState(governorID), nil
	}
	if err != nil {
		return model.GovernorState{}, fmt.Errorf("load governor state: %w", err)
	}
	return st, nil
}

func (r *GovernorStateRepo) Update(ctx context.Context, governorID string, fn func(state *model.GovernorState) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin governor state tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO governor_state (governor_id)
		VALUES ($1)
		ON CONFLICT (governor_id) DO NOTHING
	`, governorID); err != nil {
		return fmt.Errorf("ensure governor state: %w", err)
	}

	st, err := scanGovernorState(tx.QueryRowContext(ctx, selectGovernorState+" FOR UPDATE", governorID))
	if err != nil {
		return fmt.Errorf("lock governor state: %w", err)
	}

	if err := fn(&st); err != nil {
		return err
	}

	var lastCycleAt sql.NullTime
	if !st.LastCycleAt.IsZero() {
		lastCycleAt = sql.NullTime{Time: st.LastCycleAt, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE governor_state SET
			state = $2,
			last_transition_nonce = $3::numeric,
			last_cycle_at = $4,
			paused = $5,
			pause_reason = $6,
			height = $7,
			updated_at = $8
		WHERE governor_id = $1
	`, governorID, int16(st.State), strconv.FormatUint(st.LastTransitionNonce, 10),
		lastCycleAt, st.Paused, st.PauseReason, st.Height, st.UpdatedAt,
	); err != nil {
		return fmt.Errorf("update governor state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit governor state: %w", err)
	}
	return nil
}

func scanGovernorState(row rowScanner) (model.GovernorState, error) {
	var (
		st          model.GovernorState
		state       int16
		nonce       string
		lastCycleAt sql.NullTime
	)
	if err := row.Scan(&st.GovernorID, &state, &nonce, &lastCycleAt, &st.Paused, &st.PauseReason, &st.Height, &st.UpdatedAt); err != nil {
		return model.GovernorState{}, err
	}
	if state < 0 || state > int16(model.CycleStateHalted) {
		return model.GovernorState{}, fmt.Errorf("governor %s has unknown state %d", st.GovernorID, state)
	}
	n, err := strconv.ParseUint(nonce, 10, 64)
	if err != nil {
		return model.GovernorState{}, fmt.Errorf("parse transition nonce %q: %w", nonce, err)
	}
	st.State = model.CycleState(state)
	st.LastTransitionNonce = n
	if lastCycleAt.Valid {
		st.LastCycleAt = lastCycleAt.Time
	}
	return st, nil
}

func idleState(governorID string) model.GovernorState {
	return model.GovernorState{GovernorID: governorID, State: model.CycleStateIdle}
}
