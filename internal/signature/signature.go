// Package signature binds an ALLOW-verdict verification to one business
// action.
package signature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/vigil/internal/cascade"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/metrics"
	"github.com/opensource-finance/vigil/internal/scorer"
)

// SessionRunner runs a full verification session.
type SessionRunner interface {
	Policy(callSite string) (domain.CascadePolicy, error)
	Run(ctx context.Context, req cascade.Request, src cascade.CaptureSource) (*domain.VerificationSession, error)
}

// Evaluator produces the fraud decision for a session.
type Evaluator interface {
	Evaluate(ctx context.Context, req scorer.Request) (*domain.FraudDecision, error)
}

// Options wires a Workflow.
type Options struct {
	Sessions   SessionRunner
	Scorer     Evaluator
	Signatures domain.SignatureStore
	Audit      domain.AuditCommitter
	Entities   domain.EntityResolver
	Bus        domain.Publisher
	Scope      string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Workflow runs verification and scoring for a signature request and
// persists the signature only on ALLOW.
type Workflow struct {
	sessions   SessionRunner
	scorer     Evaluator
	signatures domain.SignatureStore
	audit      domain.AuditCommitter
	entities   domain.EntityResolver
	bus        domain.Publisher
	scope      string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New creates a signature workflow. Entities and Bus may be nil.
func New(opts Options) (*Workflow, error) {
	if opts.Sessions == nil || opts.Scorer == nil || opts.Signatures == nil || opts.Audit == nil {
		return nil, fmt.Errorf("%w: sessions, scorer, signatures and audit are required", domain.ErrPolicyConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		sessions:   opts.Sessions,
		scorer:     opts.Scorer,
		signatures: opts.Signatures,
		audit:      opts.Audit,
		entities:   opts.Entities,
		bus:        opts.Bus,
		scope:      opts.Scope,
		logger:     logger,
		metrics:    opts.Metrics,
		now:        time.Now,
	}, nil
}

// Request asks for one business action to be signed.
type Request struct {
	CallSite   string `json:"callSite"`
	SubjectID  string `json:"subjectId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Action     string `json:"action"`
	TerminalID string `json:"terminalId,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`

	DeviceTrust         *float64 `json:"deviceTrustScore,omitempty"`
	LocationConsistency *float64 `json:"locationConsistencyScore,omitempty"`
}

// Result reports how far a request got. Signature is set only on ALLOW;
// without it the caller must not proceed with the business action.
type Result struct {
	Session   *domain.VerificationSession `json:"session,omitempty"`
	Decision  *domain.FraudDecision       `json:"decision,omitempty"`
	Signature *domain.BiometricSignature  `json:"signature,omitempty"`
}

// Signed reports whether the action was authorized.
func (r *Result) Signed() bool {
	return r != nil && r.Signature != nil
}

// Sign verifies the subject from src, scores the session and, on ALLOW,
// records the signature. Sessions that are not accepted are not scored.
func (w *Workflow) Sign(ctx context.Context, req Request, src cascade.CaptureSource) (*Result, error) {
	if req.SubjectID == "" || req.EntityType == "" || req.EntityID == "" || req.Action == "" {
		return nil, fmt.Errorf("%w: subject, entity type, entity id and action are required", domain.ErrInvalidInput)
	}

	policy, err := w.sessions.Policy(req.CallSite)
	if err != nil {
		return nil, err
	}
	if !policy.Signing || policy.Quick {
		return nil, fmt.Errorf("%w: call site %q cannot authorize signatures", domain.ErrPolicyConfiguration, req.CallSite)
	}

	if w.entities != nil {
		exists, err := w.entities.EntityExists(ctx, req.EntityType, req.EntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve entity: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s %s", domain.ErrEntityNotFound, req.EntityType, req.EntityID)
		}
	}

	if err := w.ensureUnsigned(ctx, req); err != nil {
		return nil, err
	}

	sess, err := w.sessions.Run(ctx, cascade.Request{
		CallSite:            req.CallSite,
		SubjectID:           req.SubjectID,
		TerminalID:          req.TerminalID,
		DeviceTrust:         req.DeviceTrust,
		LocationConsistency: req.LocationConsistency,
	}, src)
	if err != nil {
		return &Result{Session: sess}, err
	}

	result := &Result{Session: sess}
	if sess.State != domain.StateAccepted {
		w.logger.Info("signature refused: not verified",
			"session_id", sess.ID,
			"state", sess.State,
			"entity_type", req.EntityType,
		)
		return result, nil
	}

	decision, err := w.scorer.Evaluate(ctx, scorer.RequestFor(sess, req.DeviceID))
	if err != nil {
		return result, err
	}
	result.Decision = decision

	if decision.Verdict != domain.VerdictAllow {
		w.logger.Info("signature refused by fraud decision",
			"session_id", sess.ID,
			"verdict", decision.Verdict,
			"alert_id", decision.AlertID,
		)
		return result, nil
	}

	sig, err := w.record(ctx, req, sess, decision)
	if err != nil {
		return result, err
	}
	result.Signature = sig
	return result, nil
}

// Get returns the signature of an entity action.
func (w *Workflow) Get(ctx context.Context, entityType, entityID, action string) (*domain.BiometricSignature, error) {
	return w.signatures.GetSignature(ctx, entityType, entityID, action)
}

func (w *Workflow) ensureUnsigned(ctx context.Context, req Request) error {
	_, err := w.signatures.GetSignature(ctx, req.EntityType, req.EntityID, req.Action)
	switch {
	case err == nil:
		return domain.ErrSignatureExists
	case errors.Is(err, domain.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("failed to check existing signature: %w", err)
	}
}

// record stores the signature and its ledger entry in one transaction. A
// concurrent signer of the same entity action loses on the unique key and
// leaves no entry behind.
func (w *Workflow) record(ctx context.Context, req Request, sess *domain.VerificationSession, d *domain.FraudDecision) (*domain.BiometricSignature, error) {
	sig := &domain.BiometricSignature{
		ID:            uuid.New().String(),
		SessionID:     sess.ID,
		DecisionID:    d.ID,
		SubjectID:     sess.MatchedID,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		Action:        req.Action,
		Confidence:    sess.Scores.Verification,
		TerminalID:    req.TerminalID,
		PolicyVersion: d.PolicyVersion,
		CreatedAt:     w.now().UTC(),
	}

	_, err := w.audit.Commit(ctx, domain.AuditRecord{
		EventType:   domain.EventSignatureCreated,
		EventResult: "SIGNED",
		SessionID:   sess.ID,
		TerminalID:  req.TerminalID,
		Payload: map[string]any{
			"signatureId": sig.ID,
			"decisionId":  sig.DecisionID,
			"subjectId":   sig.SubjectID,
			"entityType":  sig.EntityType,
			"entityId":    sig.EntityID,
			"action":      sig.Action,
			"confidence":  sig.Confidence,
		},
	}, func(ctx context.Context, tx domain.AuditTx, entry *domain.AuditEntry) error {
		sig.AuditSeq = entry.Seq
		return tx.SaveSignature(ctx, sig)
	})
	if errors.Is(err, domain.ErrSignatureExists) {
		return nil, domain.ErrSignatureExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record signature: %w", err)
	}

	w.metrics.IncSignature()
	w.logger.Info("biometric signature created",
		"signature_id", sig.ID,
		"session_id", sig.SessionID,
		"entity_type", sig.EntityType,
		"entity_id", sig.EntityID,
		"action", sig.Action,
	)

	if w.bus != nil {
		data, _ := json.Marshal(sig)
		if err := w.bus.Publish(ctx, w.scope, domain.TopicSignatureCreated, data); err != nil {
			w.logger.Warn("failed to publish signature", "signature_id", sig.ID, "error", err)
		}
	}
	return sig, nil
}
