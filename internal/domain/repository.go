// Package domain defines the core interfaces and types for Vigil.
package domain

import (
	"context"
	"time"
)

// TemplateStore reads and enrolls biometric templates. Rows are insert-only;
// the active template for a subject is the most recent enrollment.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, tmpl *Template) error
	GetTemplate(ctx context.Context, templateID string) (*Template, error)
	GetActiveTemplate(ctx context.Context, subjectID string) (*Template, error)
	ListActiveTemplates(ctx context.Context, subjectIDs []string) ([]*Template, error)
}

// SessionStore persists verification sessions and their attempts.
// Attempts are append-only.
type SessionStore interface {
	SaveSession(ctx context.Context, session *VerificationSession) error
	GetSession(ctx context.Context, sessionID string) (*VerificationSession, error)
	AppendAttempt(ctx context.Context, attempt *VerificationAttempt) error
	ListAttempts(ctx context.Context, sessionID string) ([]*VerificationAttempt, error)
}

// DecisionStore persists fraud decisions, one per session.
type DecisionStore interface {
	SaveDecision(ctx context.Context, decision *FraudDecision) error
	GetDecisionBySession(ctx context.Context, sessionID string) (*FraudDecision, error)
}

// AlertStore persists fraud alerts. ResolveAlert is a compare-and-set on
// status and reports false when the alert was not PENDING.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *FraudAlert) error
	GetAlert(ctx context.Context, alertID string) (*FraudAlert, error)
	ListPendingAlerts(ctx context.Context, limit, offset int) ([]*FraudAlert, error)
	ResolveAlert(ctx context.Context, alertID, resolverID, resolution string, at time.Time) (bool, error)
	AlertStats(ctx context.Context, from, to *time.Time) (*AlertStats, error)
}

// LedgerStore is the physical audit log. There is intentionally no update
// or delete method.
type LedgerStore interface {
	InsertEntry(ctx context.Context, entry *AuditEntry) error
	LastEntry(ctx context.Context) (*AuditEntry, error)
	ScanEntries(ctx context.Context, fromSeq int64, limit int) ([]*AuditEntry, error)
	EntriesBySession(ctx context.Context, sessionID string) ([]*AuditEntry, error)
	EntriesByTerminal(ctx context.Context, terminalID string, limit int) ([]*AuditEntry, error)
	AuditStats(ctx context.Context, from, to *time.Time) (*AuditStats, error)
}

// SignatureStore persists biometric signatures. Insert and read only.
type SignatureStore interface {
	SaveSignature(ctx context.Context, sig *BiometricSignature) error
	GetSignature(ctx context.Context, entityType, entityID, action string) (*BiometricSignature, error)
}

// PolicyStore persists every fraud policy version ever activated.
type PolicyStore interface {
	SavePolicy(ctx context.Context, policy *FraudPolicy) error
	ListPolicies(ctx context.Context) ([]*FraudPolicy, error)
	// LastActivation returns the most recently activated version, or ""
	// before the first activation.
	LastActivation(ctx context.Context) (string, error)
}

// LedgerTx is one open transaction: the facts and their chain entry.
type LedgerTx interface {
	AuditTx
	InsertEntry(ctx context.Context, entry *AuditEntry) error
}

// TxRunner runs fn in one database transaction. An error from fn rolls
// back every write made through tx.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// Repository bundles all stores behind one connection.
type Repository interface {
	TemplateStore
	SessionStore
	DecisionStore
	AlertStore
	LedgerStore
	SignatureStore
	PolicyStore
	TxRunner

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// EntityResolver is the record-storage collaborator that owns the business
// entities being signed (payments, referrals).
type EntityResolver interface {
	EntityExists(ctx context.Context, entityType, entityID string) (bool, error)
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath,omitempty"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost,omitempty"`
	PostgresPort     int    `json:"postgresPort,omitempty"`
	PostgresUser     string `json:"postgresUser,omitempty"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb,omitempty"`
	PostgresSSLMode  string `json:"postgresSslMode,omitempty"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns,omitempty"`
	MaxIdleConns    int           `json:"maxIdleConns,omitempty"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime,omitempty"`
}
