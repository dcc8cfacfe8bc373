package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
)

// SavePolicy stores a fraud policy version. Versions are immutable; saving
// the same version twice is a no-op only if the content is identical.
func (r *SQLRepository) SavePolicy(ctx context.Context, p *domain.FraudPolicy) error {
	return r.savePolicy(ctx, r.db, p)
}

// savePolicy never raises a unique violation, so it is safe inside a
// PostgreSQL transaction that must keep going afterwards.
func (r *SQLRepository) savePolicy(ctx context.Context, ex execer, p *domain.FraudPolicy) error {
	if p.Version == "" {
		return fmt.Errorf("%w: policy version is required", ErrInvalidInput)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}

	query := `
		INSERT INTO fraud_policies (version, policy, created_at) VALUES (?, ?, ?)
		ON CONFLICT (version) DO NOTHING
	`
	if _, err := ex.ExecContext(ctx, r.rebind(query), p.Version, string(body), toNanos(time.Now())); err != nil {
		return err
	}

	var existing string
	lookup := `SELECT policy FROM fraud_policies WHERE version = ?`
	if err := ex.QueryRowContext(ctx, r.rebind(lookup), p.Version).Scan(&existing); err != nil {
		return err
	}
	if existing != string(body) {
		return fmt.Errorf("%w: policy version %s already exists with different content", domain.ErrPolicyConfiguration, p.Version)
	}
	return nil
}

// ListPolicies returns every stored policy version, oldest first.
func (r *SQLRepository) ListPolicies(ctx context.Context) ([]*domain.FraudPolicy, error) {
	query := `SELECT policy FROM fraud_policies ORDER BY created_at, version`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.FraudPolicy
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p domain.FraudPolicy
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("failed to parse stored policy: %w", err)
		}
		policies = append(policies, &p)
	}

	return policies, rows.Err()
}

// RecordActivation appends one activation. The active policy is always
// the version of the row with the highest audit seq.
func (r *SQLRepository) RecordActivation(ctx context.Context, version string, auditSeq int64, at time.Time) error {
	return r.recordActivation(ctx, r.db, version, auditSeq, at)
}

func (r *SQLRepository) recordActivation(ctx context.Context, ex execer, version string, auditSeq int64, at time.Time) error {
	if version == "" {
		return fmt.Errorf("%w: policy version is required", ErrInvalidInput)
	}

	query := `INSERT INTO policy_activations (audit_seq, version, activated_at) VALUES (?, ?, ?)`
	_, err := ex.ExecContext(ctx, r.rebind(query), auditSeq, version, toNanos(at))
	return err
}

// LastActivation returns the most recently activated version, or "" when
// nothing was ever activated.
func (r *SQLRepository) LastActivation(ctx context.Context) (string, error) {
	query := `SELECT version FROM policy_activations ORDER BY audit_seq DESC LIMIT 1`

	var version string
	err := r.db.QueryRowContext(ctx, query).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return version, err
}
