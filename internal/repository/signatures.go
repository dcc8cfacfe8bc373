package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensource-finance/vigil/internal/domain"
)

// SaveSignature stores a biometric signature. Each entity action can be
// signed once; a repeat fails with domain.ErrSignatureExists.
func (r *SQLRepository) SaveSignature(ctx context.Context, sig *domain.BiometricSignature) error {
	return r.saveSignature(ctx, r.db, sig)
}

func (r *SQLRepository) saveSignature(ctx context.Context, ex execer, sig *domain.BiometricSignature) error {
	if sig.ID == "" || sig.EntityType == "" || sig.EntityID == "" || sig.Action == "" {
		return fmt.Errorf("%w: signature id, entity type, entity id and action are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO signatures (
			id, session_id, decision_id, subject_id, entity_type, entity_id,
			action, confidence, terminal_id, policy_version, audit_seq, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, r.rebind(query),
		sig.ID, sig.SessionID, sig.DecisionID, sig.SubjectID, sig.EntityType, sig.EntityID,
		sig.Action, sig.Confidence, sig.TerminalID, sig.PolicyVersion, sig.AuditSeq,
		toNanos(sig.CreatedAt),
	)
	if isUniqueViolation(err) {
		return domain.ErrSignatureExists
	}
	return err
}

// GetSignature retrieves the signature for an entity action.
func (r *SQLRepository) GetSignature(ctx context.Context, entityType, entityID, action string) (*domain.BiometricSignature, error) {
	query := `
		SELECT id, session_id, decision_id, subject_id, entity_type, entity_id,
			   action, confidence, terminal_id, policy_version, audit_seq, created_at
		FROM signatures
		WHERE entity_type = ? AND entity_id = ? AND action = ?
	`

	var sig domain.BiometricSignature
	var createdAt int64

	err := r.db.QueryRowContext(ctx, r.rebind(query), entityType, entityID, action).Scan(
		&sig.ID, &sig.SessionID, &sig.DecisionID, &sig.SubjectID, &sig.EntityType, &sig.EntityID,
		&sig.Action, &sig.Confidence, &sig.TerminalID, &sig.PolicyVersion, &sig.AuditSeq,
		&createdAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sig.CreatedAt = fromNanos(createdAt)
	return &sig, nil
}
