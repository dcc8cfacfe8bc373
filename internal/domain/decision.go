package domain

import (
	"time"
)

// Verdict is the fraud scorer outcome.
type Verdict string

const (
	VerdictAllow  Verdict = "ALLOW"
	VerdictReview Verdict = "REVIEW"
	VerdictBlock  Verdict = "BLOCK"
)

// Valid reports whether v is one of the three verdicts.
func (v Verdict) Valid() bool {
	return v == VerdictAllow || v == VerdictReview || v == VerdictBlock
}

// Severity ranks verdicts so the strictest forced verdict wins.
func (v Verdict) Severity() int {
	switch v {
	case VerdictBlock:
		return 2
	case VerdictReview:
		return 1
	default:
		return 0
	}
}

// DecisionInput is everything the scorer saw, kept with the decision so it
// can be replayed against the recorded policy version.
type DecisionInput struct {
	Scores         SessionScores `json:"scores"`
	DeviceFailures int64         `json:"deviceFailures"`
	AttemptCount   int           `json:"attemptCount"`
	CallSite       string        `json:"callSite,omitempty"`
	TerminalID     string        `json:"terminalId,omitempty"`
}

// FraudDecision is created once per session and never modified.
type FraudDecision struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"sessionId"`
	Verdict        Verdict       `json:"verdict"`
	RiskScore      float64       `json:"riskScore"`
	ForcedBy       string        `json:"forcedBy,omitempty"`
	PolicyVersion  string        `json:"policyVersion"`
	AllowBelow     float64       `json:"allowBelow"`
	BlockAtOrAbove float64       `json:"blockAtOrAbove"`
	Input          DecisionInput `json:"input"`
	RuleResults    []RuleResult  `json:"ruleResults"`
	AlertID        string        `json:"alertId,omitempty"`
	AuditSeq       int64         `json:"auditSeq"`
	CreatedAt      time.Time     `json:"createdAt"`

	Metadata DecisionMetadata `json:"metadata"`
}

// DecisionMetadata contains processing information.
type DecisionMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	RulesMs        int64  `json:"rulesMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}

// Reasons lists the names of rules that fired or contributed risk.
func (d *FraudDecision) Reasons() []string {
	var reasons []string
	for _, r := range d.RuleResults {
		if r.Fired || r.Contribution > 0 {
			reasons = append(reasons, r.RuleID)
		}
	}
	return reasons
}
