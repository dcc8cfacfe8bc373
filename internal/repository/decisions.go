package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/vigil/internal/domain"
)

// SaveDecision stores a fraud decision. A second decision for the same
// session fails with domain.ErrDecisionExists.
func (r *SQLRepository) SaveDecision(ctx context.Context, d *domain.FraudDecision) error {
	return r.saveDecision(ctx, r.db, d)
}

func (r *SQLRepository) saveDecision(ctx context.Context, ex execer, d *domain.FraudDecision) error {
	if d.ID == "" || d.SessionID == "" {
		return fmt.Errorf("%w: decision id and session id are required", ErrInvalidInput)
	}

	input, _ := json.Marshal(d.Input)
	ruleResults, _ := json.Marshal(d.RuleResults)
	metadata, _ := json.Marshal(d.Metadata)

	query := `
		INSERT INTO decisions (
			id, session_id, verdict, risk_score, forced_by, policy_version,
			allow_below, block_at_or_above, input, rule_results, alert_id,
			audit_seq, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, r.rebind(query),
		d.ID, d.SessionID, d.Verdict, d.RiskScore, d.ForcedBy, d.PolicyVersion,
		d.AllowBelow, d.BlockAtOrAbove, string(input), string(ruleResults), d.AlertID,
		d.AuditSeq, toNanos(d.CreatedAt), string(metadata),
	)
	if isUniqueViolation(err) {
		return domain.ErrDecisionExists
	}
	return err
}

// GetDecisionBySession retrieves the decision recorded for a session.
func (r *SQLRepository) GetDecisionBySession(ctx context.Context, sessionID string) (*domain.FraudDecision, error) {
	query := `
		SELECT id, session_id, verdict, risk_score, forced_by, policy_version,
			   allow_below, block_at_or_above, input, rule_results, alert_id,
			   audit_seq, created_at, metadata
		FROM decisions
		WHERE session_id = ?
	`

	var d domain.FraudDecision
	var input, ruleResults, metadata string
	var createdAt int64

	err := r.db.QueryRowContext(ctx, r.rebind(query), sessionID).Scan(
		&d.ID, &d.SessionID, &d.Verdict, &d.RiskScore, &d.ForcedBy, &d.PolicyVersion,
		&d.AllowBelow, &d.BlockAtOrAbove, &input, &ruleResults, &d.AlertID,
		&d.AuditSeq, &createdAt, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(input), &d.Input)
	json.Unmarshal([]byte(ruleResults), &d.RuleResults)
	json.Unmarshal([]byte(metadata), &d.Metadata)
	d.CreatedAt = fromNanos(createdAt)

	return &d, nil
}
