// Package worker runs the background jobs: the periodic ledger integrity
// sweep, stale session expiry and the alert notifier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/vigil/internal/domain"
)

// ChainVerifier re-verifies the audit chain.
type ChainVerifier interface {
	Verify(ctx context.Context) (*domain.ChainReport, error)
}

// SessionExpirer abandons sessions past their deadline.
type SessionExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Worker runs the sweep loop and the bus subscriptions.
type Worker struct {
	bus      domain.EventBus
	ledger   ChainVerifier
	sessions SessionExpirer
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	lastReport    *domain.ChainReport
	sweeps        int64
	violations    int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Scope is the bus namespace to subscribe in.
	Scope string

	// SweepInterval is the period of the integrity sweep; zero disables it.
	SweepInterval time.Duration

	// Notify subscribes to alert and violation topics and logs them.
	Notify bool
}

// NewWorker creates a background worker. sessions may be nil.
func NewWorker(bus domain.EventBus, ledger ChainVerifier, sessions SessionExpirer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		ledger:   ledger,
		sessions: sessions,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the sweep loop and the notifier subscriptions.
func (w *Worker) Start(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cfg.Notify && w.bus != nil {
		for _, topic := range []string{
			domain.TopicAlertRaised,
			domain.TopicAlertResolved,
			domain.TopicChainViolation,
			domain.TopicSessionAbandoned,
		} {
			sub, err := w.bus.Subscribe(w.ctx, cfg.Scope, topic, w.notify)
			if err != nil {
				return err
			}
			w.subscriptions = append(w.subscriptions, sub)
		}
	}

	if cfg.SweepInterval > 0 {
		w.wg.Add(1)
		go w.sweepLoop(cfg.Scope, cfg.SweepInterval)
	}

	w.logger.Info("workers started",
		"scope", cfg.Scope,
		"sweep_interval", cfg.SweepInterval.String(),
		"subscriptions", len(w.subscriptions),
	)
	return nil
}

func (w *Worker) sweepLoop(scope string, interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(w.ctx, scope); err != nil && w.ctx.Err() == nil {
				w.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep verifies the ledger and expires stale sessions once. A chain
// violation is reported on the bus and returned; it is never repaired. A
// failed expiry does not hide a violation found by the same sweep.
func (w *Worker) Sweep(ctx context.Context, scope string) (*domain.ChainReport, error) {
	var (
		report    *domain.ChainReport
		verifyErr error
		expired   int
		expireErr error
		g         errgroup.Group
	)

	g.Go(func() error {
		report, verifyErr = w.ledger.Verify(ctx)
		return nil
	})
	if w.sessions != nil {
		g.Go(func() error {
			expired, expireErr = w.sessions.ExpireStale(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if expireErr != nil {
		expireErr = fmt.Errorf("failed to expire stale sessions: %w", expireErr)
	}
	if verifyErr != nil {
		return nil, errors.Join(verifyErr, expireErr)
	}

	w.mu.Lock()
	w.sweeps++
	w.lastReport = report
	if !report.Valid {
		w.violations++
	}
	w.mu.Unlock()

	if !report.Valid {
		w.logger.Error("audit chain integrity violation",
			"broken_seq", *report.BrokenSeq,
			"reason", report.Reason,
			"entries", report.Entries,
		)
		if w.bus != nil {
			payload, _ := json.Marshal(report)
			if err := w.bus.Publish(ctx, scope, domain.TopicChainViolation, payload); err != nil {
				w.logger.Error("failed to publish chain violation", "error", err)
			}
		}
		return report, errors.Join(domain.ErrChainIntegrityViolation, expireErr)
	}
	if expireErr != nil {
		return report, expireErr
	}

	w.logger.Debug("sweep complete",
		"entries", report.Entries,
		"expired_sessions", expired,
	)
	return report, nil
}

// notify logs alert and integrity events for operators.
func (w *Worker) notify(ctx context.Context, msg *domain.Message) error {
	switch msg.Topic {
	case domain.TopicChainViolation:
		var report domain.ChainReport
		if err := json.Unmarshal(msg.Payload, &report); err != nil {
			w.logger.Error("failed to parse violation message", "message_id", msg.ID, "error", err)
			return err
		}
		var seq int64
		if report.BrokenSeq != nil {
			seq = *report.BrokenSeq
		}
		w.logger.Error("chain violation reported", "broken_seq", seq, "reason", report.Reason)
	case domain.TopicAlertRaised, domain.TopicAlertResolved:
		var alert domain.FraudAlert
		if err := json.Unmarshal(msg.Payload, &alert); err != nil {
			w.logger.Error("failed to parse alert message", "message_id", msg.ID, "error", err)
			return err
		}
		w.logger.Warn("fraud alert",
			"topic", msg.Topic,
			"alert_id", alert.ID,
			"session_id", alert.SessionID,
			"severity", alert.Severity,
			"status", alert.Status,
		)
	default:
		w.logger.Info("event", "topic", msg.Topic, "message_id", msg.ID)
	}
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int                 `json:"subscriptionCount"`
	Topics            []string            `json:"topics"`
	Sweeps            int64               `json:"sweeps"`
	Violations        int64               `json:"violations"`
	LastReport        *domain.ChainReport `json:"lastReport,omitempty"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Sweeps:            w.sweeps,
		Violations:        w.violations,
		LastReport:        w.lastReport,
	}
}
