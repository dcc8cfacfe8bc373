package domain

import (
	"context"
	"encoding/json"
	"time"
)

// GenesisHash is the previous-hash of entry 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEventType names what happened.
type AuditEventType string

const (
	EventVerificationAttempt AuditEventType = "VERIFICATION_ATTEMPT"
	EventSessionClosed       AuditEventType = "SESSION_CLOSED"
	EventFraudDecision       AuditEventType = "FRAUD_DECISION"
	EventAlertResolved       AuditEventType = "ALERT_RESOLVED"
	EventSignatureCreated    AuditEventType = "SIGNATURE_CREATED"
	EventPolicyActivated     AuditEventType = "POLICY_ACTIVATED"
)

// AuditRecord is what callers hand to the ledger.
type AuditRecord struct {
	EventType   AuditEventType
	EventResult string
	SessionID   string
	TerminalID  string
	Payload     any
}

// AuditEntry is one persisted link of the hash chain. Entries are write-once.
type AuditEntry struct {
	Seq         int64           `json:"seq"`
	EventType   AuditEventType  `json:"eventType"`
	EventResult string          `json:"eventResult"`
	SessionID   string          `json:"sessionId,omitempty"`
	TerminalID  string          `json:"terminalId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"` // unix nanoseconds, UTC
	PrevHash    string          `json:"prevHash"`
	Hash        string          `json:"hash"`
}

// Time returns the entry timestamp.
func (e *AuditEntry) Time() time.Time {
	return time.Unix(0, e.Timestamp).UTC()
}

// ChainReport is the outcome of an integrity verification.
type ChainReport struct {
	Valid      bool      `json:"valid"`
	Entries    int64     `json:"entries"`
	BrokenSeq  *int64    `json:"brokenSeq,omitempty"`
	Expected   string    `json:"expected,omitempty"`
	Actual     string    `json:"actual,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// AuditStats aggregates ledger entries over a time window.
type AuditStats struct {
	From     *time.Time       `json:"from,omitempty"`
	To       *time.Time       `json:"to,omitempty"`
	Total    int64            `json:"total"`
	ByType   map[string]int64 `json:"byType"`
	ByResult map[string]int64 `json:"byResult"`
}

// AuditAppender is the write side of the ledger used by every component
// that records security events.
type AuditAppender interface {
	Append(ctx context.Context, rec AuditRecord) (*AuditEntry, error)
}

// AuditTx writes the facts an audit entry records inside the entry's own
// database transaction.
type AuditTx interface {
	SaveDecision(ctx context.Context, decision *FraudDecision) error
	CreateAlert(ctx context.Context, alert *FraudAlert) error
	ResolveAlert(ctx context.Context, alertID, resolverID, resolution string, at time.Time) (bool, error)
	SaveSignature(ctx context.Context, sig *BiometricSignature) error
	SavePolicy(ctx context.Context, policy *FraudPolicy) error
	RecordActivation(ctx context.Context, version string, auditSeq int64, at time.Time) error
}

// AuditWrite stores the facts described by entry. Returning an error rolls
// back both the facts and the entry.
type AuditWrite func(ctx context.Context, tx AuditTx, entry *AuditEntry) error

// AuditCommitter records an entry together with the facts it describes:
// both are durable or neither is.
type AuditCommitter interface {
	AuditAppender
	Commit(ctx context.Context, rec AuditRecord, write AuditWrite) (*AuditEntry, error)
}
