// Package ledger implements the hash-chained audit log.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/metrics"
)

const (
	defaultBatchSize   = 500
	maxTerminalResults = 1000
)

// Ledger appends entries to the chain and verifies it.
//
// Appends are serialized by one mutex covering tail read, hashing, insert
// and tail advance, so no two appends share a sequence number or hash from
// a stale tail. The cached tail is only an append optimization; Verify
// reads persisted rows exclusively.
type Ledger struct {
	store     domain.LedgerStore
	logger    *slog.Logger
	metrics   *metrics.Metrics
	batchSize int
	now       func() time.Time

	mu       sync.Mutex
	loaded   bool
	nextSeq  int64
	tailHash string
}

// New creates a ledger over a store.
func New(store domain.LedgerStore, cfg domain.LedgerConfig, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.VerifyBatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Ledger{
		store:     store,
		logger:    logger,
		metrics:   m,
		batchSize: batch,
		now:       time.Now,
	}
}

// Append hashes and persists one record. It returns only after the entry
// is durable; any failure is returned and must abort the caller's
// operation.
func (l *Ledger) Append(ctx context.Context, rec domain.AuditRecord) (*domain.AuditEntry, error) {
	return l.record(ctx, rec, func(entry *domain.AuditEntry) error {
		return l.store.InsertEntry(ctx, entry)
	})
}

// Commit persists one record and the facts it describes in a single
// transaction. write runs first with the entry that will be inserted; if
// write or the insert fails nothing is stored and the tail is unchanged.
func (l *Ledger) Commit(ctx context.Context, rec domain.AuditRecord, write domain.AuditWrite) (*domain.AuditEntry, error) {
	runner, ok := l.store.(domain.TxRunner)
	if !ok {
		return nil, fmt.Errorf("ledger store does not support transactions")
	}
	return l.record(ctx, rec, func(entry *domain.AuditEntry) error {
		return runner.InTx(ctx, func(tx domain.LedgerTx) error {
			if err := write(ctx, tx, entry); err != nil {
				return err
			}
			return tx.InsertEntry(ctx, entry)
		})
	})
}

func (l *Ledger) record(ctx context.Context, rec domain.AuditRecord, persist func(*domain.AuditEntry) error) (*domain.AuditEntry, error) {
	if rec.EventType == "" || rec.EventResult == "" {
		return nil, fmt.Errorf("%w: event type and result are required", domain.ErrInvalidInput)
	}

	payload, err := Canonical(rec.Payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	entry, err := l.append(ctx, rec, payload, persist)
	l.metrics.ObserveAppend(string(rec.EventType), time.Since(start), err)
	if err != nil {
		l.logger.Error("audit append failed",
			"event_type", rec.EventType,
			"session_id", rec.SessionID,
			"error", err,
		)
		return nil, err
	}
	return entry, nil
}

func (l *Ledger) append(ctx context.Context, rec domain.AuditRecord, payload []byte, persist func(*domain.AuditEntry) error) (*domain.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		if err := l.loadTail(ctx); err != nil {
			return nil, err
		}
	}

	entry := &domain.AuditEntry{
		Seq:         l.nextSeq,
		EventType:   rec.EventType,
		EventResult: rec.EventResult,
		SessionID:   rec.SessionID,
		TerminalID:  rec.TerminalID,
		Payload:     payload,
		Timestamp:   l.now().UTC().UnixNano(),
		PrevHash:    l.tailHash,
	}
	entry.Hash = ComputeHash(entry.PrevHash, entry)

	if err := persist(entry); err != nil {
		// Another writer may own the tail now; re-read it next time.
		l.loaded = false
		return nil, fmt.Errorf("failed to persist audit entry %d: %w", entry.Seq, err)
	}

	l.nextSeq = entry.Seq + 1
	l.tailHash = entry.Hash
	return entry, nil
}

func (l *Ledger) loadTail(ctx context.Context) error {
	last, err := l.store.LastEntry(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ledger tail: %w", err)
	}
	if last == nil {
		l.nextSeq = 0
		l.tailHash = domain.GenesisHash
	} else {
		l.nextSeq = last.Seq + 1
		l.tailHash = last.Hash
	}
	l.loaded = true
	return nil
}

// Verify walks the persisted chain from entry 0 and reports the first
// break. An empty ledger is valid. The returned error covers storage
// failures only; tampering is reported in the ChainReport.
func (l *Ledger) Verify(ctx context.Context) (*domain.ChainReport, error) {
	report, err := VerifyStore(ctx, l.store, l.batchSize)
	if err != nil {
		return nil, err
	}
	report.VerifiedAt = l.now().UTC()

	l.metrics.ObserveVerification(report.Valid)
	if !report.Valid {
		l.logger.Error("audit chain integrity violation",
			"seq", *report.BrokenSeq,
			"reason", report.Reason,
			"expected", report.Expected,
			"actual", report.Actual,
		)
	}
	return report, nil
}

// VerifyStore is the pure fold over persisted entries used by Verify and by
// offline tooling.
func VerifyStore(ctx context.Context, store domain.LedgerStore, batchSize int) (*domain.ChainReport, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	report := &domain.ChainReport{Valid: true, VerifiedAt: time.Now().UTC()}
	expectedSeq := int64(0)
	prevHash := domain.GenesisHash

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := store.ScanEntries(ctx, expectedSeq, batchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger from %d: %w", expectedSeq, err)
		}
		if len(batch) == 0 {
			return report, nil
		}

		for _, e := range batch {
			if broken := check(e, expectedSeq, prevHash); broken != nil {
				broken.Entries = report.Entries
				broken.VerifiedAt = report.VerifiedAt
				return broken, nil
			}
			report.Entries++
			prevHash = e.Hash
			expectedSeq++
		}
	}
}

func check(e *domain.AuditEntry, expectedSeq int64, prevHash string) *domain.ChainReport {
	broken := func(seq int64, reason, expected, actual string) *domain.ChainReport {
		return &domain.ChainReport{
			Valid:     false,
			BrokenSeq: &seq,
			Reason:    reason,
			Expected:  expected,
			Actual:    actual,
		}
	}

	if e.Seq != expectedSeq {
		return broken(expectedSeq, "sequence gap",
			fmt.Sprintf("seq %d", expectedSeq), fmt.Sprintf("seq %d", e.Seq))
	}
	if computed := ComputeHash(prevHash, e); computed != e.Hash {
		return broken(e.Seq, "hash mismatch", computed, e.Hash)
	}
	if e.PrevHash != prevHash {
		return broken(e.Seq, "previous hash mismatch", prevHash, e.PrevHash)
	}
	return nil
}

// BySession returns all entries for a session.
func (l *Ledger) BySession(ctx context.Context, sessionID string) ([]*domain.AuditEntry, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	return l.store.EntriesBySession(ctx, sessionID)
}

// ByTerminal returns up to limit of the newest entries for a terminal.
func (l *Ledger) ByTerminal(ctx context.Context, terminalID string, limit int) ([]*domain.AuditEntry, error) {
	if terminalID == "" {
		return nil, fmt.Errorf("%w: terminal id is required", domain.ErrInvalidInput)
	}
	if limit <= 0 || limit > maxTerminalResults {
		limit = maxTerminalResults
	}
	return l.store.EntriesByTerminal(ctx, terminalID, limit)
}

// Stats aggregates entries over an optional [from, to) window.
func (l *Ledger) Stats(ctx context.Context, from, to *time.Time) (*domain.AuditStats, error) {
	if from != nil && to != nil && !from.Before(*to) {
		return nil, fmt.Errorf("%w: from must be before to", domain.ErrInvalidInput)
	}
	return l.store.AuditStats(ctx, from, to)
}

var _ domain.AuditCommitter = (*Ledger)(nil)
