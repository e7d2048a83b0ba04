package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emperorhan/cycle-governor/internal/evidence"
	"github.com/emperorhan/cycle-governor/internal/metrics"
)

// EvidenceRepo is an append-only evidence.Recorder over the cycle_evidence table.
type EvidenceRepo struct {
	db *DB
}

func NewEvidenceRepo(db *DB) *EvidenceRepo {
	return &EvidenceRepo{db: db}
}

func (r *EvidenceRepo) Record(ctx context.Context, a evidence.Artifact) error {
	if err := evidence.Validate(a); err != nil {
		metrics.EvidenceRecordsTotal.WithLabelValues("postgres", "invalid").Inc()
		return err
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO cycle_evidence (id, suite, contract_address, tx_hash, artifact, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.Suite, a.ContractAddress, a.Cycle.TxHash, body, a.GeneratedAt); err != nil {
		metrics.EvidenceRecordsTotal.WithLabelValues("postgres", "error").Inc()
		return fmt.Errorf("insert evidence: %w", err)
	}
	metrics.EvidenceRecordsTotal.WithLabelValues("postgres", "ok").Inc()
	return nil
}

// ListBySuite returns the artifacts recorded for suite, oldest first.
func (r *EvidenceRepo) ListBySuite(ctx context.Context, suite string, limit int) ([]evidence.Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT artifact
		FROM cycle_evidence
		WHERE suite = $1
		ORDER BY created_at, id
		LIMIT $2
	`, suite, limit)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []evidence.Artifact
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		var a evidence.Artifact
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
