package domain

import (
	"time"
)

// DescriptorLength is the embedding size produced by the face model.
const DescriptorLength = 128

// Descriptor is a fixed-length face embedding.
type Descriptor []float32

// Template is the enrolled reference descriptor for a subject.
// Templates are immutable: re-enrollment inserts a new row that supersedes
// the previous one, so past decisions stay reproducible.
type Template struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subjectId"`
	Descriptor Descriptor `json:"-"`
	EnrolledAt time.Time  `json:"enrolledAt"`
	Quality    *float64   `json:"quality,omitempty"`
}

// Sample is one capture handed over by the capture layer.
type Sample struct {
	Descriptor Descriptor `json:"descriptor"`
	Liveness   *float64   `json:"liveness,omitempty"`
	DeviceID   string     `json:"deviceId,omitempty"`
}

// AttemptOutcome is the per-capture match result.
type AttemptOutcome string

const (
	OutcomeAccept       AttemptOutcome = "ACCEPT"
	OutcomeReject       AttemptOutcome = "REJECT"
	OutcomeInconclusive AttemptOutcome = "INCONCLUSIVE"
)

// VerificationAttempt records a single capture evaluated inside a session.
// Attempts are never updated or deleted.
type VerificationAttempt struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	Number     int            `json:"number"`
	TemplateID string         `json:"templateId,omitempty"`
	Distance   float64        `json:"distance"`
	Similarity float64        `json:"similarity"`
	Liveness   *float64       `json:"liveness,omitempty"`
	Outcome    AttemptOutcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	DeviceID   string         `json:"deviceId,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// SessionState is the cascade state machine position.
type SessionState string

const (
	StateIdle       SessionState = "IDLE"
	StateCapturing  SessionState = "CAPTURING"
	StateEvaluating SessionState = "EVALUATING"
	StateAccepted   SessionState = "ACCEPTED"
	StateRejected   SessionState = "REJECTED"
	StateAbandoned  SessionState = "ABANDONED"
)

// Terminal reports whether no further captures are accepted.
func (s SessionState) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateAbandoned
}

// SessionScores are the inputs to the fraud scorer. All scores are in [0,1].
type SessionScores struct {
	Verification        float64 `json:"verificationScore"`
	Liveness            float64 `json:"livenessScore"`
	DeviceTrust         float64 `json:"deviceTrustScore"`
	LocationConsistency float64 `json:"locationConsistencyScore"`
}

// VerificationSession groups the attempts of one user interaction.
type VerificationSession struct {
	ID           string        `json:"id"`
	SubjectID    string        `json:"subjectId,omitempty"`
	Candidates   []string      `json:"candidates,omitempty"`
	CallSite     string        `json:"callSite"`
	TerminalID   string        `json:"terminalId,omitempty"`
	State        SessionState  `json:"state"`
	MatchedID    string        `json:"matchedSubjectId,omitempty"`
	AttemptCount int           `json:"attemptCount"`
	Scores       SessionScores `json:"scores"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	ExpiresAt    time.Time     `json:"expiresAt"`
}
