package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
)

// CreateAlert stores a new PENDING alert.
func (r *SQLRepository) CreateAlert(ctx context.Context, a *domain.FraudAlert) error {
	return r.createAlert(ctx, r.db, a)
}

func (r *SQLRepository) createAlert(ctx context.Context, ex execer, a *domain.FraudAlert) error {
	if a.ID == "" || a.SessionID == "" || a.DecisionID == "" {
		return fmt.Errorf("%w: alert id, session id and decision id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO alerts (
			id, session_id, decision_id, verdict, severity, status,
			resolver_id, resolution, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, r.rebind(query),
		a.ID, a.SessionID, a.DecisionID, a.Verdict, a.Severity, a.Status,
		a.ResolverID, a.Resolution, toNanos(a.CreatedAt), nullNanos(a.ResolvedAt),
	)
	return err
}

const alertColumns = `id, session_id, decision_id, verdict, severity, status,
			   resolver_id, resolution, created_at, resolved_at`

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.FraudAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`

	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListPendingAlerts returns PENDING alerts oldest first.
func (r *SQLRepository) ListPendingAlerts(ctx context.Context, limit, offset int) ([]*domain.FraudAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), domain.AlertPending, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.FraudAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// ResolveAlert moves an alert from PENDING to RESOLVED. The status check is
// part of the UPDATE so only one concurrent resolver can win; it returns
// false when no PENDING row matched.
func (r *SQLRepository) ResolveAlert(ctx context.Context, alertID, resolverID, resolution string, at time.Time) (bool, error) {
	return r.resolveAlert(ctx, r.db, alertID, resolverID, resolution, at)
}

func (r *SQLRepository) resolveAlert(ctx context.Context, ex execer, alertID, resolverID, resolution string, at time.Time) (bool, error) {
	query := `
		UPDATE alerts
		SET status = ?, resolver_id = ?, resolution = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := ex.ExecContext(ctx, r.rebind(query),
		domain.AlertResolved, resolverID, resolution, toNanos(at),
		alertID, domain.AlertPending,
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// AlertStats aggregates alerts created in [from, to).
func (r *SQLRepository) AlertStats(ctx context.Context, from, to *time.Time) (*domain.AlertStats, error) {
	where, args := windowClause("created_at", from, to)
	query := `SELECT status, severity, created_at FROM alerts` + where

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &domain.AlertStats{
		From:       from,
		To:         to,
		ByStatus:   make(map[domain.AlertStatus]int64),
		BySeverity: make(map[domain.AlertSeverity]int64),
		ByDay:      make(map[string]int64),
	}
	for rows.Next() {
		var status domain.AlertStatus
		var severity domain.AlertSeverity
		var createdAt int64
		if err := rows.Scan(&status, &severity, &createdAt); err != nil {
			return nil, err
		}
		stats.Total++
		stats.ByStatus[status]++
		stats.BySeverity[severity]++
		stats.ByDay[fromNanos(createdAt).Format("2006-01-02")]++
	}

	return stats, rows.Err()
}

func scanAlert(row rowScanner) (*domain.FraudAlert, error) {
	var a domain.FraudAlert
	var createdAt int64
	var resolvedAt sql.NullInt64

	if err := row.Scan(
		&a.ID, &a.SessionID, &a.DecisionID, &a.Verdict, &a.Severity, &a.Status,
		&a.ResolverID, &a.Resolution, &createdAt, &resolvedAt,
	); err != nil {
		return nil, err
	}

	a.CreatedAt = fromNanos(createdAt)
	a.ResolvedAt = timePtr(resolvedAt)
	return &a, nil
}
