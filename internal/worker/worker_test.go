package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/vigil/internal/bus"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/ledger"
	"github.com/opensource-finance/vigil/internal/repository"
)

type expirer struct {
	calls int32
}

func (e *expirer) ExpireStale(ctx context.Context) (int, error) {
	atomic.AddInt32(&e.calls, 1)
	return 0, nil
}

func newLedger(t *testing.T) (*ledger.Ledger, string) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "worker-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	l := ledger.New(repo, domain.LedgerConfig{}, nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(context.Background(), domain.AuditRecord{
			EventType:   domain.EventVerificationAttempt,
			EventResult: string(domain.OutcomeAccept),
			SessionID:   "sess-1",
			Payload:     map[string]any{"attempt": i},
		}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	return l, tmpPath
}

func tamper(t *testing.T, path string) {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("failed to open raw connection: %v", err)
	}
	defer db.Close()

	for _, stmt := range []string{
		"DROP TRIGGER IF EXISTS audit_log_no_update",
		"UPDATE audit_log SET event_result = 'REJECT' WHERE seq = 2",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("tamper failed: %v", err)
		}
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	l, _ := newLedger(t)
	worker := NewWorker(eventBus, l, &expirer{}, nil)

	t.Run("StartAndStop", func(t *testing.T) {
		err := worker.Start(Config{Scope: "test", Notify: true})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 4 {
			t.Errorf("expected 4 subscriptions, got %d", stats.SubscriptionCount)
		}

		err = worker.Stop()
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})
}

func TestSweepValidChain(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	l, _ := newLedger(t)
	exp := &expirer{}
	worker := NewWorker(eventBus, l, exp, nil)

	report, err := worker.Sweep(context.Background(), "test")
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if !report.Valid || report.Entries != 3 {
		t.Errorf("expected valid chain of 3, got %+v", report)
	}
	if atomic.LoadInt32(&exp.calls) != 1 {
		t.Errorf("expected stale sessions to be expired once, got %d", exp.calls)
	}

	stats := worker.GetStats()
	if stats.Sweeps != 1 || stats.Violations != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSweepReportsViolation(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	l, path := newLedger(t)
	worker := NewWorker(eventBus, l, nil, nil)

	violations := make(chan *domain.Message, 1)
	if _, err := eventBus.Subscribe(context.Background(), "test", domain.TopicChainViolation, func(ctx context.Context, msg *domain.Message) error {
		violations <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	tamper(t, path)

	report, err := worker.Sweep(context.Background(), "test")
	if !errors.Is(err, domain.ErrChainIntegrityViolation) {
		t.Fatalf("expected ErrChainIntegrityViolation, got: %v", err)
	}
	if report.Valid || report.BrokenSeq == nil || *report.BrokenSeq != 2 {
		t.Errorf("expected violation at seq 2, got %+v", report)
	}

	select {
	case msg := <-violations:
		var published domain.ChainReport
		if err := json.Unmarshal(msg.Payload, &published); err != nil {
			t.Fatalf("failed to parse violation: %v", err)
		}
		if published.BrokenSeq == nil || *published.BrokenSeq != 2 {
			t.Errorf("expected published violation at seq 2, got %+v", published)
		}
	case <-time.After(2 * time.Second):
		t.Error("expected violation to be published")
	}

	// The chain is reported again on the next sweep, never repaired.
	if _, err := worker.Sweep(context.Background(), "test"); !errors.Is(err, domain.ErrChainIntegrityViolation) {
		t.Errorf("expected violation to persist, got: %v", err)
	}
	if stats := worker.GetStats(); stats.Violations != 2 {
		t.Errorf("expected 2 violations, got %d", stats.Violations)
	}
}

type brokenExpirer struct{}

func (brokenExpirer) ExpireStale(context.Context) (int, error) {
	return 0, errors.New("session store unavailable")
}

func TestSweepReportsViolationDespiteExpiryFailure(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	l, path := newLedger(t)
	worker := NewWorker(eventBus, l, brokenExpirer{}, nil)

	violations := make(chan *domain.Message, 1)
	if _, err := eventBus.Subscribe(context.Background(), "test", domain.TopicChainViolation, func(ctx context.Context, msg *domain.Message) error {
		violations <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	tamper(t, path)

	report, err := worker.Sweep(context.Background(), "test")
	if !errors.Is(err, domain.ErrChainIntegrityViolation) {
		t.Fatalf("expected ErrChainIntegrityViolation, got: %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "session store unavailable") {
		t.Errorf("expected expiry failure to be reported too, got: %v", err)
	}
	if report == nil || report.Valid {
		t.Fatalf("expected invalid report, got %+v", report)
	}

	select {
	case <-violations:
	case <-time.After(2 * time.Second):
		t.Error("expected violation to be published")
	}
	if stats := worker.GetStats(); stats.Sweeps != 1 || stats.Violations != 1 {
		t.Errorf("expected the sweep and violation to be counted, got %+v", stats)
	}
}

func TestSweepExpiryFailureOnValidChain(t *testing.T) {
	l, _ := newLedger(t)
	worker := NewWorker(nil, l, brokenExpirer{}, nil)

	report, err := worker.Sweep(context.Background(), "test")
	if err == nil || errors.Is(err, domain.ErrChainIntegrityViolation) {
		t.Fatalf("expected only the expiry failure, got: %v", err)
	}
	if report == nil || !report.Valid {
		t.Errorf("expected valid report alongside the error, got %+v", report)
	}
	if stats := worker.GetStats(); stats.Sweeps != 1 {
		t.Errorf("expected the sweep to be counted, got %+v", stats)
	}
}

func TestSweepLoop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	l, _ := newLedger(t)
	exp := &expirer{}
	worker := NewWorker(eventBus, l, exp, nil)

	if err := worker.Start(Config{Scope: "test", SweepInterval: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for worker.GetStats().Sweeps < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := worker.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	if sweeps := worker.GetStats().Sweeps; sweeps < 2 {
		t.Errorf("expected at least 2 sweeps, got %d", sweeps)
	}
}

func TestNotify(t *testing.T) {
	worker := NewWorker(nil, nil, nil, nil)

	alert, _ := json.Marshal(domain.FraudAlert{ID: "a-1", Severity: domain.SeverityHigh, Status: domain.AlertPending})
	if err := worker.notify(context.Background(), &domain.Message{Topic: domain.TopicAlertRaised, Payload: alert}); err != nil {
		t.Errorf("notify failed: %v", err)
	}

	if err := worker.notify(context.Background(), &domain.Message{Topic: domain.TopicChainViolation, Payload: []byte("not json")}); err == nil {
		t.Error("expected error for malformed violation")
	}
}
