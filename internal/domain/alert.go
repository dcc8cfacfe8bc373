package domain

import (
	"time"
)

// AlertStatus is the review state of a fraud alert.
type AlertStatus string

const (
	AlertPending  AlertStatus = "PENDING"
	AlertResolved AlertStatus = "RESOLVED"
)

// AlertSeverity follows the verdict that raised the alert.
type AlertSeverity string

const (
	SeverityMedium AlertSeverity = "MEDIUM"
	SeverityHigh   AlertSeverity = "HIGH"
)

// SeverityFor maps a non-ALLOW verdict to an alert severity.
func SeverityFor(v Verdict) AlertSeverity {
	if v == VerdictBlock {
		return SeverityHigh
	}
	return SeverityMedium
}

// FraudAlert is a human-review task raised by a REVIEW or BLOCK decision.
// Status moves PENDING -> RESOLVED exactly once.
type FraudAlert struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionId"`
	DecisionID string        `json:"decisionId"`
	Verdict    Verdict       `json:"verdict"`
	Severity   AlertSeverity `json:"severity"`
	Status     AlertStatus   `json:"status"`
	ResolverID string        `json:"resolverId,omitempty"`
	Resolution string        `json:"resolution,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

// AlertStats aggregates alert counts for reporting.
type AlertStats struct {
	From       *time.Time              `json:"from,omitempty"`
	To         *time.Time              `json:"to,omitempty"`
	Total      int64                   `json:"total"`
	ByStatus   map[AlertStatus]int64   `json:"byStatus"`
	BySeverity map[AlertSeverity]int64 `json:"bySeverity"`
	ByDay      map[string]int64        `json:"byDay"`
}
