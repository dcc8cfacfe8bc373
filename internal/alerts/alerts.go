// Package alerts manages the human-review queue raised by REVIEW and BLOCK
// fraud decisions.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/metrics"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Manager raises, lists and resolves fraud alerts.
type Manager struct {
	store   domain.AlertStore
	audit   domain.AuditCommitter
	bus     domain.Publisher
	scope   string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewManager creates an alert manager. bus may be nil.
func NewManager(store domain.AlertStore, audit domain.AuditCommitter, bus domain.Publisher, scope string, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		audit:   audit,
		bus:     bus,
		scope:   scope,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// AlertWriter is where Stage creates the alert: the store itself or an
// open audit transaction.
type AlertWriter interface {
	CreateAlert(ctx context.Context, alert *domain.FraudAlert) error
}

// Raise stores a new PENDING alert for a REVIEW or BLOCK decision and
// announces it.
func (m *Manager) Raise(ctx context.Context, alert *domain.FraudAlert) error {
	if err := m.Stage(ctx, m.store, alert); err != nil {
		return err
	}
	m.Announce(ctx, alert)
	return nil
}

// Stage validates and creates a PENDING alert through w without announcing
// it. Callers that stage inside a transaction call Announce after commit.
func (m *Manager) Stage(ctx context.Context, w AlertWriter, alert *domain.FraudAlert) error {
	if alert.Verdict != domain.VerdictReview && alert.Verdict != domain.VerdictBlock {
		return fmt.Errorf("%w: alerts are only raised for REVIEW or BLOCK, got %q", domain.ErrInvalidInput, alert.Verdict)
	}

	alert.Status = domain.AlertPending
	alert.Severity = domain.SeverityFor(alert.Verdict)
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now().UTC()
	}

	if err := w.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// Announce records, logs and publishes a stored alert.
func (m *Manager) Announce(ctx context.Context, alert *domain.FraudAlert) {
	m.metrics.IncAlertRaised(string(alert.Severity))
	m.logger.Warn("fraud alert raised",
		"alert_id", alert.ID,
		"session_id", alert.SessionID,
		"verdict", alert.Verdict,
		"severity", alert.Severity,
	)
	m.publish(ctx, domain.TopicAlertRaised, alert)
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, alertID string) (*domain.FraudAlert, error) {
	return m.store.GetAlert(ctx, alertID)
}

// Pending lists PENDING alerts oldest first.
func (m *Manager) Pending(ctx context.Context, limit, offset int) ([]*domain.FraudAlert, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidInput)
	}
	return m.store.ListPendingAlerts(ctx, limit, offset)
}

// Resolve moves an alert from PENDING to RESOLVED. Exactly one of any
// number of concurrent resolvers wins; the others get
// domain.ErrAlreadyResolved and the stored resolution is never
// overwritten. The transition and its ALERT_RESOLVED entry commit
// together, so a failed audit leaves the alert PENDING.
func (m *Manager) Resolve(ctx context.Context, alertID, resolverID, resolution string) (*domain.FraudAlert, error) {
	if alertID == "" || resolverID == "" || resolution == "" {
		return nil, fmt.Errorf("%w: alert id, resolver id and resolution are required", domain.ErrInvalidInput)
	}

	alert, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	if alert.Status == domain.AlertResolved {
		m.metrics.IncAlertResolved(true)
		return nil, domain.ErrAlreadyResolved
	}

	at := m.now().UTC()
	_, err = m.audit.Commit(ctx, domain.AuditRecord{
		EventType:   domain.EventAlertResolved,
		EventResult: string(domain.AlertResolved),
		SessionID:   alert.SessionID,
		Payload: map[string]any{
			"alertId":    alert.ID,
			"decisionId": alert.DecisionID,
			"resolverId": resolverID,
			"resolution": resolution,
		},
	}, func(ctx context.Context, tx domain.AuditTx, _ *domain.AuditEntry) error {
		won, err := tx.ResolveAlert(ctx, alertID, resolverID, resolution, at)
		if err != nil {
			return fmt.Errorf("failed to resolve alert: %w", err)
		}
		if !won {
			return domain.ErrAlreadyResolved
		}
		return nil
	})
	if errors.Is(err, domain.ErrAlreadyResolved) {
		m.metrics.IncAlertResolved(true)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to audit alert resolution: %w", err)
	}

	alert.Status = domain.AlertResolved
	alert.ResolverID = resolverID
	alert.Resolution = resolution
	alert.ResolvedAt = &at

	m.metrics.IncAlertResolved(false)
	m.logger.Info("fraud alert resolved",
		"alert_id", alert.ID,
		"resolver_id", resolverID,
	)
	m.publish(ctx, domain.TopicAlertResolved, alert)
	return alert, nil
}

// Stats aggregates alerts over an optional [from, to) window.
func (m *Manager) Stats(ctx context.Context, from, to *time.Time) (*domain.AlertStats, error) {
	if from != nil && to != nil && !from.Before(*to) {
		return nil, fmt.Errorf("%w: from must be before to", domain.ErrInvalidInput)
	}
	return m.store.AlertStats(ctx, from, to)
}

func (m *Manager) publish(ctx context.Context, topic string, alert *domain.FraudAlert) {
	if m.bus == nil {
		return
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, m.scope, topic, data); err != nil {
		m.logger.Warn("failed to publish alert event", "topic", topic, "alert_id", alert.ID, "error", err)
	}
}
