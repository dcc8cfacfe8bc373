// Package scorer turns session scores into fraud decisions.
// It aggregates rule results into a verdict, records the decision in the
// ledger and raises an alert for anything but ALLOW.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/vigil/internal/alerts"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/metrics"
	"github.com/opensource-finance/vigil/internal/rules"
)

// EngineVersion is stamped on every decision.
const EngineVersion = "vigil-1.0"

// AlertRaiser creates the review task for REVIEW and BLOCK decisions.
// Stage writes the alert inside the decision's transaction; Announce runs
// once the transaction has committed.
type AlertRaiser interface {
	Stage(ctx context.Context, w alerts.AlertWriter, alert *domain.FraudAlert) error
	Announce(ctx context.Context, alert *domain.FraudAlert)
}

// SessionReader loads verification sessions.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*domain.VerificationSession, error)
}

// FailureCounter reports recent failed captures for a device.
type FailureCounter interface {
	Failures(ctx context.Context, deviceID string) (int64, error)
}

// Options wires a Scorer.
type Options struct {
	Engine    *rules.Engine
	Policies  *rules.Registry
	Decisions domain.DecisionStore
	Audit     domain.AuditCommitter
	Alerts    AlertRaiser
	Velocity  FailureCounter
	// Sessions, when set, restricts evaluation to ACCEPTED sessions.
	Sessions SessionReader
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Scorer evaluates sessions against the active fraud policy.
type Scorer struct {
	engine    *rules.Engine
	policies  *rules.Registry
	decisions domain.DecisionStore
	audit     domain.AuditCommitter
	alerts    AlertRaiser
	velocity  FailureCounter
	sessions  SessionReader
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a scorer.
func New(opts Options) (*Scorer, error) {
	if opts.Engine == nil || opts.Policies == nil || opts.Decisions == nil || opts.Audit == nil || opts.Alerts == nil {
		return nil, fmt.Errorf("%w: engine, policies, decisions, audit and alerts are required", domain.ErrPolicyConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		engine:    opts.Engine,
		policies:  opts.Policies,
		decisions: opts.Decisions,
		audit:     opts.Audit,
		alerts:    opts.Alerts,
		velocity:  opts.Velocity,
		sessions:  opts.Sessions,
		logger:    logger,
		metrics:   opts.Metrics,
		tracer:    otel.Tracer("vigil/scorer"),
		now:       time.Now,
	}, nil
}

// Request is one evaluation.
type Request struct {
	SessionID    string               `json:"sessionId"`
	TerminalID   string               `json:"terminalId,omitempty"`
	CallSite     string               `json:"callSite,omitempty"`
	DeviceID     string               `json:"deviceId,omitempty"`
	AttemptCount int                  `json:"attemptCount,omitempty"`
	Scores       domain.SessionScores `json:"scores"`
	TraceID      string               `json:"-"`
}

// RequestFor builds the request for a closed verification session.
func RequestFor(sess *domain.VerificationSession, deviceID string) Request {
	return Request{
		SessionID:    sess.ID,
		TerminalID:   sess.TerminalID,
		CallSite:     sess.CallSite,
		DeviceID:     deviceID,
		AttemptCount: sess.AttemptCount,
		Scores:       sess.Scores,
	}
}

// Evaluate scores a session once. The decision, its alert and its ledger
// entry commit in one transaction: if any of them cannot be written
// nothing is stored and the error is returned. A second evaluation of the
// same session fails with domain.ErrDecisionExists and leaves no entry.
func (s *Scorer) Evaluate(ctx context.Context, req Request) (*domain.FraudDecision, error) {
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "scorer.Evaluate")
	defer span.End()

	if err := validate(req); err != nil {
		return nil, err
	}
	req, err := s.withSession(ctx, req)
	if err != nil {
		return nil, err
	}

	policy := s.policies.Active()
	if policy == nil {
		return nil, fmt.Errorf("%w: no active fraud policy", domain.ErrPolicyConfiguration)
	}

	if _, err := s.decisions.GetDecisionBySession(ctx, req.SessionID); err == nil {
		return nil, domain.ErrDecisionExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing decision: %w", err)
	}

	input := domain.DecisionInput{
		Scores:         req.Scores,
		DeviceFailures: s.deviceFailures(ctx, req.DeviceID),
		AttemptCount:   req.AttemptCount,
		CallSite:       req.CallSite,
		TerminalID:     req.TerminalID,
	}

	rulesStart := time.Now()
	results := s.engine.Evaluate(ctx, policy, rules.InputFrom(input))
	rulesMs := time.Since(rulesStart).Milliseconds()

	outcome := Decide(policy.Config, results)

	decision := &domain.FraudDecision{
		ID:             uuid.New().String(),
		SessionID:      req.SessionID,
		Verdict:        outcome.Verdict,
		RiskScore:      outcome.Risk,
		ForcedBy:       outcome.ForcedBy,
		PolicyVersion:  policy.Config.Version,
		AllowBelow:     policy.Config.AllowBelow,
		BlockAtOrAbove: policy.Config.BlockAtOrAbove,
		Input:          input,
		RuleResults:    results,
		CreatedAt:      s.now().UTC(),
	}
	var alert *domain.FraudAlert
	if decision.Verdict != domain.VerdictAllow {
		decision.AlertID = uuid.New().String()
		alert = &domain.FraudAlert{
			ID:         decision.AlertID,
			SessionID:  decision.SessionID,
			DecisionID: decision.ID,
			Verdict:    decision.Verdict,
			CreatedAt:  decision.CreatedAt,
		}
	}

	_, err = s.audit.Commit(ctx, domain.AuditRecord{
		EventType:   domain.EventFraudDecision,
		EventResult: string(decision.Verdict),
		SessionID:   decision.SessionID,
		TerminalID:  req.TerminalID,
		Payload:     decisionPayload(decision),
	}, func(ctx context.Context, tx domain.AuditTx, entry *domain.AuditEntry) error {
		decision.AuditSeq = entry.Seq
		decision.Metadata = domain.DecisionMetadata{
			TraceID:        req.TraceID,
			RulesMs:        rulesMs,
			TotalMs:        time.Since(start).Milliseconds(),
			RulesEvaluated: len(results),
			EngineVersion:  EngineVersion,
		}
		if err := tx.SaveDecision(ctx, decision); err != nil {
			return err
		}
		if alert != nil {
			return s.alerts.Stage(ctx, tx, alert)
		}
		return nil
	})
	if errors.Is(err, domain.ErrDecisionExists) {
		return nil, domain.ErrDecisionExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record fraud decision: %w", err)
	}

	if alert != nil {
		s.alerts.Announce(ctx, alert)
	}

	s.metrics.ObserveDecision(string(decision.Verdict), time.Since(start))
	span.SetAttributes(
		attribute.String("vigil.verdict", string(decision.Verdict)),
		attribute.Float64("vigil.risk", decision.RiskScore),
		attribute.String("vigil.policy_version", decision.PolicyVersion),
	)

	s.logger.Info("fraud decision",
		"session_id", decision.SessionID,
		"decision_id", decision.ID,
		"verdict", decision.Verdict,
		"risk", decision.RiskScore,
		"forced_by", decision.ForcedBy,
		"policy_version", decision.PolicyVersion,
	)
	return decision, nil
}

// Decision returns the recorded decision for a session.
func (s *Scorer) Decision(ctx context.Context, sessionID string) (*domain.FraudDecision, error) {
	return s.decisions.GetDecisionBySession(ctx, sessionID)
}

// Explanation is a recorded decision re-run against the policy version
// that produced it.
type Explanation struct {
	DecisionID    string              `json:"decisionId"`
	PolicyVersion string              `json:"policyVersion"`
	Verdict       domain.Verdict      `json:"verdict"`
	RiskScore     float64             `json:"riskScore"`
	ForcedBy      string              `json:"forcedBy,omitempty"`
	RuleResults   []domain.RuleResult `json:"ruleResults"`
	Reasons       []string            `json:"reasons"`
	Reproduced    bool                `json:"reproduced"`
}

// Explain replays a decision. Reproduced is false if the replay disagrees
// with what was recorded.
func (s *Scorer) Explain(ctx context.Context, d *domain.FraudDecision) (*Explanation, error) {
	policy, err := s.policies.Version(d.PolicyVersion)
	if err != nil {
		return nil, err
	}

	results := s.engine.Evaluate(ctx, policy, rules.InputFrom(d.Input))
	outcome := Decide(policy.Config, results)

	replayed := &domain.FraudDecision{RuleResults: results}
	return &Explanation{
		DecisionID:    d.ID,
		PolicyVersion: d.PolicyVersion,
		Verdict:       outcome.Verdict,
		RiskScore:     outcome.Risk,
		ForcedBy:      outcome.ForcedBy,
		RuleResults:   results,
		Reasons:       replayed.Reasons(),
		Reproduced:    outcome.Verdict == d.Verdict && math.Abs(outcome.Risk-d.RiskScore) < 1e-9,
	}, nil
}

// ExplainSession loads and replays the decision of a session.
func (s *Scorer) ExplainSession(ctx context.Context, sessionID string) (*Explanation, error) {
	d, err := s.decisions.GetDecisionBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.Explain(ctx, d)
}

// withSession checks that the session exists and was accepted, and fills
// context the caller left out.
func (s *Scorer) withSession(ctx context.Context, req Request) (Request, error) {
	if s.sessions == nil {
		return req, nil
	}
	sess, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return req, err
	}
	if sess.State != domain.StateAccepted {
		return req, fmt.Errorf("%w: session %s is %s", domain.ErrSessionNotAccepted, sess.ID, sess.State)
	}
	if req.CallSite == "" {
		req.CallSite = sess.CallSite
	}
	if req.TerminalID == "" {
		req.TerminalID = sess.TerminalID
	}
	if req.AttemptCount == 0 {
		req.AttemptCount = sess.AttemptCount
	}
	return req, nil
}

func (s *Scorer) deviceFailures(ctx context.Context, deviceID string) int64 {
	if s.velocity == nil || deviceID == "" {
		return 0
	}
	n, err := s.velocity.Failures(ctx, deviceID)
	if err != nil {
		s.logger.Warn("device failure count unavailable", "device_id", deviceID, "error", err)
		return 0
	}
	return n
}

func validate(req Request) error {
	if req.SessionID == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	for name, v := range map[string]float64{
		"verification":         req.Scores.Verification,
		"liveness":             req.Scores.Liveness,
		"device trust":         req.Scores.DeviceTrust,
		"location consistency": req.Scores.LocationConsistency,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s score must be in [0,1]", domain.ErrInvalidInput, name)
		}
	}
	return nil
}

func decisionPayload(d *domain.FraudDecision) map[string]any {
	p := map[string]any{
		"decisionId":    d.ID,
		"verdict":       d.Verdict,
		"riskScore":     d.RiskScore,
		"policyVersion": d.PolicyVersion,
		"input":         d.Input,
		"reasons":       d.Reasons(),
	}
	if d.ForcedBy != "" {
		p["forcedBy"] = d.ForcedBy
	}
	if d.AlertID != "" {
		p["alertId"] = d.AlertID
	}
	return p
}
