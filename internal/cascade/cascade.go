// Package cascade runs verification sessions: repeated captures matched
// against enrolled templates until the call-site policy accepts, rejects
// or the session is abandoned.
package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/matcher"
	"github.com/opensource-finance/vigil/internal/metrics"
)

// CaptureSource hands over samples one at a time. Next blocks until a
// capture is available or ctx is done.
type CaptureSource interface {
	Next(ctx context.Context) (*domain.Sample, error)
}

// ErrSourceExhausted is returned by a CaptureSource that has no more
// captures. Run abandons the session instead of waiting for the deadline.
var ErrSourceExhausted = errors.New("capture source exhausted")

// Replay is a CaptureSource over a fixed list of samples.
type Replay struct {
	mu      sync.Mutex
	samples []*domain.Sample
}

// NewReplay returns a source that yields samples in order.
func NewReplay(samples ...*domain.Sample) *Replay {
	return &Replay{samples: samples}
}

// Next returns the next sample or ErrSourceExhausted.
func (r *Replay) Next(ctx context.Context) (*domain.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return nil, ErrSourceExhausted
	}
	next := r.samples[0]
	r.samples = r.samples[1:]
	return next, nil
}

// TemplateSource resolves enrolled templates.
type TemplateSource interface {
	Active(ctx context.Context, subjectID string) (*domain.Template, error)
	Candidates(ctx context.Context, subjectIDs []string) ([]*domain.Template, error)
}

// FailureRecorder counts rejected captures per device.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, deviceID string) (int64, error)
}

// Request starts a session. Exactly one of SubjectID (verification) or
// Candidates (identification) is set.
type Request struct {
	CallSite   string   `json:"callSite"`
	SubjectID  string   `json:"subjectId,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
	TerminalID string   `json:"terminalId,omitempty"`

	// Contextual signals from the terminal. Absent signals count as fully
	// trusted so they add no risk.
	DeviceTrust         *float64 `json:"deviceTrustScore,omitempty"`
	LocationConsistency *float64 `json:"locationConsistencyScore,omitempty"`
}

// Options wires a Verifier.
type Options struct {
	Matcher   *matcher.Matcher
	Templates TemplateSource
	Sessions  domain.SessionStore
	Audit     domain.AuditAppender
	Velocity  FailureRecorder
	Bus       domain.Publisher
	Scope     string
	Policies  map[string]domain.CascadePolicy
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Verifier owns the live sessions. Each session has its own lock, so
// sessions progress independently and captures within one session are
// evaluated strictly in order.
type Verifier struct {
	matcher   *matcher.Matcher
	templates TemplateSource
	sessions  domain.SessionStore
	audit     domain.AuditAppender
	velocity  FailureRecorder
	bus       domain.Publisher
	scope     string
	policies  map[string]domain.CascadePolicy
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*session
}

type session struct {
	mu        sync.Mutex
	state     domain.VerificationSession
	policy    domain.CascadePolicy
	templates []*domain.Template
	marks     []mark
	trust     float64
	location  float64
}

// New validates every call-site policy against the matcher and builds a
// Verifier.
func New(opts Options) (*Verifier, error) {
	if opts.Matcher == nil || opts.Templates == nil || opts.Sessions == nil || opts.Audit == nil {
		return nil, fmt.Errorf("%w: matcher, templates, sessions and audit are required", domain.ErrPolicyConfiguration)
	}
	if len(opts.Policies) == 0 {
		return nil, fmt.Errorf("%w: no call-site policies configured", domain.ErrPolicyConfiguration)
	}

	policies := make(map[string]domain.CascadePolicy, len(opts.Policies))
	for name, p := range opts.Policies {
		if !opts.Matcher.HasProfile(p.ThresholdProfile) {
			return nil, fmt.Errorf("%w: call site %q uses unknown profile %q",
				domain.ErrPolicyConfiguration, name, p.ThresholdProfile)
		}
		policies[name] = p
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Verifier{
		matcher:   opts.Matcher,
		templates: opts.Templates,
		sessions:  opts.Sessions,
		audit:     opts.Audit,
		velocity:  opts.Velocity,
		bus:       opts.Bus,
		scope:     opts.Scope,
		policies:  policies,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       time.Now,
		active:    make(map[string]*session),
	}, nil
}

// Policy returns the policy of a call site.
func (v *Verifier) Policy(callSite string) (domain.CascadePolicy, error) {
	p, ok := v.policies[callSite]
	if !ok {
		return domain.CascadePolicy{}, fmt.Errorf("%w: unknown call site %q", domain.ErrPolicyConfiguration, callSite)
	}
	return p, nil
}

// Start opens a session in the Capturing state. An unenrolled subject
// fails with domain.ErrTemplateNotFound before any session exists.
func (v *Verifier) Start(ctx context.Context, req Request) (*domain.VerificationSession, error) {
	policy, err := v.Policy(req.CallSite)
	if err != nil {
		return nil, err
	}

	var tmpls []*domain.Template
	switch {
	case req.SubjectID != "" && len(req.Candidates) > 0:
		return nil, fmt.Errorf("%w: subject id and candidates are mutually exclusive", domain.ErrInvalidInput)
	case req.SubjectID != "":
		tmpl, err := v.templates.Active(ctx, req.SubjectID)
		if err != nil {
			return nil, err
		}
		tmpls = []*domain.Template{tmpl}
	case len(req.Candidates) > 0:
		tmpls, err = v.templates.Candidates(ctx, req.Candidates)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: subject id or candidates required", domain.ErrInvalidInput)
	}

	now := v.now().UTC()
	s := &session{
		state: domain.VerificationSession{
			ID:         uuid.New().String(),
			SubjectID:  req.SubjectID,
			Candidates: req.Candidates,
			CallSite:   req.CallSite,
			TerminalID: req.TerminalID,
			State:      domain.StateCapturing,
			StartedAt:  now,
			ExpiresAt:  now.Add(policy.Timeout()),
		},
		policy:    policy,
		templates: tmpls,
		trust:     signal(req.DeviceTrust),
		location:  signal(req.LocationConsistency),
	}

	if err := v.sessions.SaveSession(ctx, &s.state); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	v.mu.Lock()
	v.active[s.state.ID] = s
	v.mu.Unlock()

	v.logger.Debug("verification session started",
		"session_id", s.state.ID,
		"call_site", req.CallSite,
		"terminal_id", req.TerminalID,
	)

	snapshot := s.state
	return &snapshot, nil
}

// VerifyOnce runs a one-shot session for a quick call site. Call sites
// that are not marked quick are refused, so the weaker path is never
// reachable from a signing flow.
func (v *Verifier) VerifyOnce(ctx context.Context, req Request, sample *domain.Sample) (*domain.VerificationAttempt, *domain.VerificationSession, error) {
	policy, err := v.Policy(req.CallSite)
	if err != nil {
		return nil, nil, err
	}
	if !policy.Quick {
		return nil, nil, fmt.Errorf("%w: call site %q is not a quick path", domain.ErrPolicyConfiguration, req.CallSite)
	}

	started, err := v.Start(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return v.Submit(ctx, started.ID, sample)
}

// Submit evaluates one capture. Matcher failures on a single capture are
// recorded as rejected attempts and do not end the session early. Submit
// on a session past its deadline abandons it and returns
// domain.ErrSessionExpired.
func (v *Verifier) Submit(ctx context.Context, sessionID string, sample *domain.Sample) (*domain.VerificationAttempt, *domain.VerificationSession, error) {
	s, err := v.lookup(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return v.submit(ctx, s, sample, nil)
}

// Cancel abandons a live session.
func (v *Verifier) Cancel(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	s, err := v.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.State.Terminal() {
		return nil, domain.ErrSessionClosed
	}
	if err := v.abandon(ctx, s, "cancelled"); err != nil {
		return nil, err
	}
	snapshot := s.state
	return &snapshot, nil
}

// ExpireStale abandons every live session past its deadline and returns
// how many were closed.
func (v *Verifier) ExpireStale(ctx context.Context) (int, error) {
	now := v.now()

	v.mu.Lock()
	live := make([]*session, 0, len(v.active))
	for _, s := range v.active {
		live = append(live, s)
	}
	v.mu.Unlock()

	var expired int
	var errs []error
	for _, s := range live {
		s.mu.Lock()
		if !s.state.State.Terminal() && now.After(s.state.ExpiresAt) {
			if err := v.abandon(ctx, s, "timeout"); err != nil {
				errs = append(errs, err)
			} else {
				expired++
			}
		}
		s.mu.Unlock()
	}
	return expired, errors.Join(errs...)
}

// Get returns a session snapshot, live or persisted.
func (v *Verifier) Get(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	v.mu.Lock()
	s, ok := v.active[sessionID]
	v.mu.Unlock()

	if ok {
		s.mu.Lock()
		snapshot := s.state
		s.mu.Unlock()
		return &snapshot, nil
	}
	return v.sessions.GetSession(ctx, sessionID)
}

// Attempts lists the persisted attempts of a session.
func (v *Verifier) Attempts(ctx context.Context, sessionID string) ([]*domain.VerificationAttempt, error) {
	return v.sessions.ListAttempts(ctx, sessionID)
}

// Run drives a whole session from a capture source until it reaches a
// terminal state. The session deadline bounds the wait on the source;
// cancelling ctx abandons the session. No lock is held while waiting for
// a capture.
func (v *Verifier) Run(ctx context.Context, req Request, src CaptureSource) (*domain.VerificationSession, error) {
	started, err := v.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	s, err := v.lookup(ctx, started.ID)
	if err != nil {
		return nil, err
	}

	captureCtx, cancel := context.WithDeadline(ctx, started.ExpiresAt)
	defer cancel()

	// Closing writes must land even when the caller's context is gone.
	closeCtx := context.WithoutCancel(ctx)

	for {
		sample, captureErr := src.Next(captureCtx)
		if captureErr != nil && captureCtx.Err() != nil {
			reason, result := "timeout", domain.ErrSessionExpired
			if ctx.Err() != nil {
				reason, result = "cancelled", ctx.Err()
			}

			s.mu.Lock()
			if !s.state.State.Terminal() {
				if err := v.abandon(closeCtx, s, reason); err != nil {
					s.mu.Unlock()
					return nil, err
				}
			}
			snapshot := s.state
			s.mu.Unlock()
			return &snapshot, result
		}

		if errors.Is(captureErr, ErrSourceExhausted) {
			s.mu.Lock()
			if !s.state.State.Terminal() {
				if err := v.abandon(closeCtx, s, "captures exhausted"); err != nil {
					s.mu.Unlock()
					return nil, err
				}
			}
			snapshot := s.state
			s.mu.Unlock()
			return &snapshot, nil
		}

		s.mu.Lock()
		_, snapshot, err := v.submit(captureCtx, s, sample, captureErr)
		s.mu.Unlock()
		if err != nil {
			if errors.Is(err, domain.ErrSessionExpired) {
				return snapshot, err
			}
			return nil, err
		}
		if snapshot.State.Terminal() {
			return snapshot, nil
		}
	}
}

// submit runs one capture through the matcher and the policy. s.mu must
// be held.
func (v *Verifier) submit(ctx context.Context, s *session, sample *domain.Sample, captureErr error) (*domain.VerificationAttempt, *domain.VerificationSession, error) {
	if s.state.State.Terminal() {
		return nil, nil, domain.ErrSessionClosed
	}

	now := v.now().UTC()
	if now.After(s.state.ExpiresAt) {
		if err := v.abandon(context.WithoutCancel(ctx), s, "timeout"); err != nil {
			return nil, nil, err
		}
		snapshot := s.state
		return nil, &snapshot, domain.ErrSessionExpired
	}

	// The attempts already decided the session but its close was not
	// audited. Finish the close instead of taking another capture.
	if next, matched := decide(s.policy, s.marks); next.Terminal() {
		if err := v.close(ctx, s, next, matched, ""); err != nil {
			return nil, nil, err
		}
		snapshot := s.state
		return nil, &snapshot, nil
	}

	s.state.State = domain.StateEvaluating

	attempt := v.evaluate(s, sample, captureErr)
	attempt.ID = uuid.New().String()
	attempt.SessionID = s.state.ID
	attempt.Number = len(s.marks) + 1
	attempt.Timestamp = now

	// The attempt only counts once it is in the ledger.
	if _, err := v.audit.Append(ctx, domain.AuditRecord{
		EventType:   domain.EventVerificationAttempt,
		EventResult: string(attempt.Outcome),
		SessionID:   s.state.ID,
		TerminalID:  s.state.TerminalID,
		Payload:     attemptPayload(s, attempt),
	}); err != nil {
		s.state.State = domain.StateCapturing
		return nil, nil, fmt.Errorf("failed to audit attempt: %w", err)
	}

	if err := v.sessions.AppendAttempt(ctx, attempt); err != nil {
		v.logger.Error("failed to persist attempt",
			"session_id", s.state.ID,
			"attempt", attempt.Number,
			"error", err,
		)
	}

	v.metrics.IncAttempt(string(attempt.Outcome))

	if attempt.Outcome == domain.OutcomeReject && v.velocity != nil && attempt.DeviceID != "" {
		if _, err := v.velocity.RecordFailure(ctx, attempt.DeviceID); err != nil {
			v.logger.Warn("failed to record device failure", "device_id", attempt.DeviceID, "error", err)
		}
	}

	m := mark{outcome: attempt.Outcome, similarity: attempt.Similarity, liveness: attempt.Liveness}
	if attempt.TemplateID != "" {
		m.subjectID = subjectOf(s.templates, attempt.TemplateID)
	}
	s.marks = append(s.marks, m)
	s.state.AttemptCount = len(s.marks)

	next, matched := decide(s.policy, s.marks)
	if next.Terminal() {
		if err := v.close(ctx, s, next, matched, ""); err != nil {
			s.state.State = domain.StateCapturing
			return attempt, nil, err
		}
	} else {
		s.state.State = domain.StateCapturing
		if err := v.sessions.SaveSession(ctx, &s.state); err != nil {
			v.logger.Error("failed to save session", "session_id", s.state.ID, "error", err)
		}
	}

	snapshot := s.state
	return attempt, &snapshot, nil
}

// decide returns the state the attempts so far call for and the matched
// subject on accept.
func decide(policy domain.CascadePolicy, marks []mark) (domain.SessionState, string) {
	if matched, ok := satisfied(policy, marks); ok {
		return domain.StateAccepted, matched
	}
	if len(marks) >= policy.MaxAttempts {
		return domain.StateRejected, ""
	}
	return domain.StateCapturing, ""
}

// evaluate matches one capture. Errors become rejected attempts.
func (v *Verifier) evaluate(s *session, sample *domain.Sample, captureErr error) *domain.VerificationAttempt {
	attempt := &domain.VerificationAttempt{}

	if captureErr != nil {
		attempt.Outcome = domain.OutcomeReject
		attempt.Error = "capture failed"
		v.logger.Warn("capture failed", "session_id", s.state.ID, "error", captureErr)
		return attempt
	}
	if sample == nil {
		attempt.Outcome = domain.OutcomeReject
		attempt.Error = domain.ErrDescriptorShapeMismatch.Error()
		return attempt
	}

	attempt.DeviceID = sample.DeviceID
	attempt.Liveness = sample.Liveness

	tmpl, match, err := v.matcher.Best(sample.Descriptor, s.templates, s.policy.ThresholdProfile)
	if err != nil {
		attempt.Outcome = domain.OutcomeReject
		attempt.Error = errorClass(err)
		return attempt
	}

	attempt.TemplateID = tmpl.ID
	attempt.Distance = match.Distance
	attempt.Similarity = match.Similarity
	attempt.Outcome = match.Outcome

	if attempt.Outcome == domain.OutcomeAccept && s.policy.RequireLiveness && sample.Liveness == nil {
		attempt.Outcome = domain.OutcomeInconclusive
		attempt.Error = "liveness required"
	}
	return attempt
}

// close moves the session to a terminal state and audits it. s.mu must be held.
func (v *Verifier) close(ctx context.Context, s *session, state domain.SessionState, matched, reason string) error {
	now := v.now().UTC()
	scores := sessionScores(s.policy, s.marks, matched, s.trust, s.location)

	payload := map[string]any{
		"callSite":     s.state.CallSite,
		"attemptCount": len(s.marks),
		"scores":       scores,
	}
	if matched != "" {
		payload["matchedSubjectId"] = matched
	}
	if reason != "" {
		payload["reason"] = reason
	}

	if _, err := v.audit.Append(ctx, domain.AuditRecord{
		EventType:   domain.EventSessionClosed,
		EventResult: string(state),
		SessionID:   s.state.ID,
		TerminalID:  s.state.TerminalID,
		Payload:     payload,
	}); err != nil {
		return fmt.Errorf("failed to audit session close: %w", err)
	}

	s.state.State = state
	s.state.MatchedID = matched
	s.state.Scores = scores
	s.state.EndedAt = &now

	if err := v.sessions.SaveSession(ctx, &s.state); err != nil {
		v.logger.Error("failed to save closed session", "session_id", s.state.ID, "error", err)
	}

	v.mu.Lock()
	delete(v.active, s.state.ID)
	v.mu.Unlock()

	v.metrics.IncSessionClosed(string(state))
	v.logger.Info("verification session closed",
		"session_id", s.state.ID,
		"call_site", s.state.CallSite,
		"state", state,
		"attempts", len(s.marks),
	)
	return nil
}

// abandon closes a session as Abandoned and announces it. s.mu must be held.
func (v *Verifier) abandon(ctx context.Context, s *session, reason string) error {
	if err := v.close(ctx, s, domain.StateAbandoned, "", reason); err != nil {
		return err
	}

	if v.bus != nil {
		data, _ := json.Marshal(map[string]any{
			"sessionId":  s.state.ID,
			"callSite":   s.state.CallSite,
			"terminalId": s.state.TerminalID,
			"reason":     reason,
			"attempts":   len(s.marks),
		})
		if err := v.bus.Publish(ctx, v.scope, domain.TopicSessionAbandoned, data); err != nil {
			v.logger.Warn("failed to publish session abandonment", "session_id", s.state.ID, "error", err)
		}
	}
	return nil
}

func (v *Verifier) lookup(ctx context.Context, sessionID string) (*session, error) {
	v.mu.Lock()
	s, ok := v.active[sessionID]
	v.mu.Unlock()
	if ok {
		return s, nil
	}

	stored, err := v.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if stored.State.Terminal() {
		return nil, domain.ErrSessionClosed
	}
	// Persisted but not owned by this process, e.g. after a restart.
	return nil, domain.ErrSessionExpired
}

func attemptPayload(s *session, a *domain.VerificationAttempt) map[string]any {
	p := map[string]any{
		"attemptId":  a.ID,
		"number":     a.Number,
		"callSite":   s.state.CallSite,
		"distance":   a.Distance,
		"similarity": a.Similarity,
	}
	if a.TemplateID != "" {
		p["templateId"] = a.TemplateID
	}
	if a.Liveness != nil {
		p["liveness"] = *a.Liveness
	}
	if a.DeviceID != "" {
		p["deviceId"] = a.DeviceID
	}
	if a.Error != "" {
		p["error"] = a.Error
	}
	return p
}

func subjectOf(tmpls []*domain.Template, templateID string) string {
	for _, t := range tmpls {
		if t.ID == templateID {
			return t.SubjectID
		}
	}
	return ""
}

// errorClass keeps attempt errors to a fixed vocabulary.
func errorClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrDescriptorShapeMismatch):
		return domain.ErrDescriptorShapeMismatch.Error()
	case errors.Is(err, domain.ErrInvalidInput):
		return domain.ErrInvalidInput.Error()
	case errors.Is(err, domain.ErrPolicyConfiguration):
		return domain.ErrPolicyConfiguration.Error()
	default:
		return "match failed"
	}
}

func signal(v *float64) float64 {
	if v == nil {
		return 1
	}
	return *v
}
