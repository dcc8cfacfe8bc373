package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
)

// The audit log has no update or delete statement anywhere in this package,
// and the schema triggers reject both at the database.

// InsertEntry appends one chain entry. A duplicate seq means a concurrent
// writer raced the tail and is reported as domain.ErrChainIntegrityViolation.
func (r *SQLRepository) InsertEntry(ctx context.Context, e *domain.AuditEntry) error {
	return r.insertEntry(ctx, r.db, e)
}

func (r *SQLRepository) insertEntry(ctx context.Context, ex execer, e *domain.AuditEntry) error {
	query := `
		INSERT INTO audit_log (
			seq, event_type, event_result, session_id, terminal_id,
			data, ts, prev_hash, hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, r.rebind(query),
		e.Seq, e.EventType, e.EventResult, e.SessionID, e.TerminalID,
		string(e.Payload), e.Timestamp, e.PrevHash, e.Hash,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: seq %d already taken", domain.ErrChainIntegrityViolation, e.Seq)
	}
	return err
}

const entryColumns = `seq, event_type, event_result, session_id, terminal_id, data, ts, prev_hash, hash`

// LastEntry returns the chain tail, or nil when the log is empty.
func (r *SQLRepository) LastEntry(ctx context.Context) (*domain.AuditEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_log ORDER BY seq DESC LIMIT 1`

	e, err := scanEntry(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ScanEntries returns up to limit entries with seq >= fromSeq in order.
func (r *SQLRepository) ScanEntries(ctx context.Context, fromSeq int64, limit int) ([]*domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + entryColumns + ` FROM audit_log WHERE seq >= ? ORDER BY seq LIMIT ?`
	return r.queryEntries(ctx, query, fromSeq, limit)
}

// EntriesBySession returns every entry tagged with a session in order.
func (r *SQLRepository) EntriesBySession(ctx context.Context, sessionID string) ([]*domain.AuditEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_log WHERE session_id = ? ORDER BY seq`
	return r.queryEntries(ctx, query, sessionID)
}

// EntriesByTerminal returns the newest entries of a terminal, newest first.
func (r *SQLRepository) EntriesByTerminal(ctx context.Context, terminalID string, limit int) ([]*domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + entryColumns + ` FROM audit_log WHERE terminal_id = ? ORDER BY seq DESC LIMIT ?`
	return r.queryEntries(ctx, query, terminalID, limit)
}

// AuditStats counts entries by type and result over [from, to).
func (r *SQLRepository) AuditStats(ctx context.Context, from, to *time.Time) (*domain.AuditStats, error) {
	where, args := windowClause("ts", from, to)
	query := `
		SELECT event_type, event_result, COUNT(*)
		FROM audit_log` + where + `
		GROUP BY event_type, event_result
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &domain.AuditStats{
		From:     from,
		To:       to,
		ByType:   make(map[string]int64),
		ByResult: make(map[string]int64),
	}
	for rows.Next() {
		var eventType, eventResult string
		var count int64
		if err := rows.Scan(&eventType, &eventResult, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		stats.ByType[eventType] += count
		stats.ByResult[eventResult] += count
	}

	return stats, rows.Err()
}

func (r *SQLRepository) queryEntries(ctx context.Context, query string, args ...any) ([]*domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func scanEntry(row rowScanner) (*domain.AuditEntry, error) {
	var e domain.AuditEntry
	var data string

	if err := row.Scan(
		&e.Seq, &e.EventType, &e.EventResult, &e.SessionID, &e.TerminalID,
		&data, &e.Timestamp, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}

	e.Payload = []byte(data)
	return &e, nil
}
