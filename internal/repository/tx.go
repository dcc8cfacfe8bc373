package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
)

// InTx runs fn inside one transaction. The transaction commits only when fn
// returns nil.
func (r *SQLRepository) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&txStore{r: r, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore routes the audited writes through an open transaction.
type txStore struct {
	r  *SQLRepository
	tx *sql.Tx
}

func (s *txStore) InsertEntry(ctx context.Context, e *domain.AuditEntry) error {
	return s.r.insertEntry(ctx, s.tx, e)
}

func (s *txStore) SaveDecision(ctx context.Context, d *domain.FraudDecision) error {
	return s.r.saveDecision(ctx, s.tx, d)
}

func (s *txStore) CreateAlert(ctx context.Context, a *domain.FraudAlert) error {
	return s.r.createAlert(ctx, s.tx, a)
}

func (s *txStore) ResolveAlert(ctx context.Context, alertID, resolverID, resolution string, at time.Time) (bool, error) {
	return s.r.resolveAlert(ctx, s.tx, alertID, resolverID, resolution, at)
}

func (s *txStore) SaveSignature(ctx context.Context, sig *domain.BiometricSignature) error {
	return s.r.saveSignature(ctx, s.tx, sig)
}

func (s *txStore) SavePolicy(ctx context.Context, p *domain.FraudPolicy) error {
	return s.r.savePolicy(ctx, s.tx, p)
}

func (s *txStore) RecordActivation(ctx context.Context, version string, auditSeq int64, at time.Time) error {
	return s.r.recordActivation(ctx, s.tx, version, auditSeq, at)
}

var _ domain.LedgerTx = (*txStore)(nil)
