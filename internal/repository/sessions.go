package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/vigil/internal/domain"
)

// SaveSession inserts or updates a session. Attempts live in their own
// append-only table; only the aggregate state moves here.
func (r *SQLRepository) SaveSession(ctx context.Context, s *domain.VerificationSession) error {
	if s.ID == "" || s.CallSite == "" {
		return fmt.Errorf("%w: session id and call site are required", ErrInvalidInput)
	}

	candidates, _ := json.Marshal(s.Candidates)
	scores, _ := json.Marshal(s.Scores)

	query := `
		INSERT INTO sessions (
			id, subject_id, candidates, call_site, terminal_id, state,
			matched_id, attempt_count, scores, started_at, ended_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			matched_id = excluded.matched_id,
			attempt_count = excluded.attempt_count,
			scores = excluded.scores,
			ended_at = excluded.ended_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		s.ID, s.SubjectID, string(candidates), s.CallSite, s.TerminalID, s.State,
		s.MatchedID, s.AttemptCount, string(scores),
		toNanos(s.StartedAt), nullNanos(s.EndedAt), toNanos(s.ExpiresAt),
	)
	return err
}

// GetSession retrieves a session by ID.
func (r *SQLRepository) GetSession(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	query := `
		SELECT id, subject_id, candidates, call_site, terminal_id, state,
			   matched_id, attempt_count, scores, started_at, ended_at, expires_at
		FROM sessions
		WHERE id = ?
	`

	var s domain.VerificationSession
	var candidates, scores string
	var startedAt, expiresAt int64
	var endedAt sql.NullInt64

	err := r.db.QueryRowContext(ctx, r.rebind(query), sessionID).Scan(
		&s.ID, &s.SubjectID, &candidates, &s.CallSite, &s.TerminalID, &s.State,
		&s.MatchedID, &s.AttemptCount, &scores, &startedAt, &endedAt, &expiresAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(candidates), &s.Candidates)
	if err := json.Unmarshal([]byte(scores), &s.Scores); err != nil {
		return nil, fmt.Errorf("failed to parse scores for session %s: %w", s.ID, err)
	}
	s.StartedAt = fromNanos(startedAt)
	s.EndedAt = timePtr(endedAt)
	s.ExpiresAt = fromNanos(expiresAt)

	return &s, nil
}

// AppendAttempt inserts one attempt. (session, number) is unique.
func (r *SQLRepository) AppendAttempt(ctx context.Context, a *domain.VerificationAttempt) error {
	if a.ID == "" || a.SessionID == "" {
		return fmt.Errorf("%w: attempt id and session id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO attempts (
			id, session_id, number, template_id, distance, similarity,
			liveness, outcome, error, device_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.SessionID, a.Number, a.TemplateID, a.Distance, a.Similarity,
		nullFloat(a.Liveness), a.Outcome, a.Error, a.DeviceID, toNanos(a.Timestamp),
	)
	return err
}

// ListAttempts returns the attempts of a session in order.
func (r *SQLRepository) ListAttempts(ctx context.Context, sessionID string) ([]*domain.VerificationAttempt, error) {
	query := `
		SELECT id, session_id, number, template_id, distance, similarity,
			   liveness, outcome, error, device_id, created_at
		FROM attempts
		WHERE session_id = ?
		ORDER BY number
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.VerificationAttempt
	for rows.Next() {
		var a domain.VerificationAttempt
		var liveness sql.NullFloat64
		var createdAt int64

		if err := rows.Scan(
			&a.ID, &a.SessionID, &a.Number, &a.TemplateID, &a.Distance, &a.Similarity,
			&liveness, &a.Outcome, &a.Error, &a.DeviceID, &createdAt,
		); err != nil {
			return nil, err
		}

		a.Liveness = floatPtr(liveness)
		a.Timestamp = fromNanos(createdAt)
		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}
