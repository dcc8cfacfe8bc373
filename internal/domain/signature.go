package domain

import (
	"time"
)

// BiometricSignature binds an ALLOW-verdict session to one business action.
// It is never edited; a wrong approval is undone by a compensating action.
type BiometricSignature struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	DecisionID    string    `json:"decisionId"`
	SubjectID     string    `json:"subjectId"`
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	Action        string    `json:"action"`
	Confidence    float64   `json:"confidence"`
	TerminalID    string    `json:"terminalId,omitempty"`
	PolicyVersion string    `json:"policyVersion"`
	AuditSeq      int64     `json:"auditSeq"`
	CreatedAt     time.Time `json:"createdAt"`
}
