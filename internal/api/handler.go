package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/vigil/internal/alerts"
	"github.com/opensource-finance/vigil/internal/cascade"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/ledger"
	"github.com/opensource-finance/vigil/internal/metrics"
	"github.com/opensource-finance/vigil/internal/rules"
	"github.com/opensource-finance/vigil/internal/scorer"
	"github.com/opensource-finance/vigil/internal/signature"
)

// notVerified is the only body a failed verification ever gets.
const notVerified = "not verified"

// Deps are the components behind the API.
type Deps struct {
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Verifier   *cascade.Verifier
	Scorer     *scorer.Scorer
	Alerts     *alerts.Manager
	Ledger     *ledger.Ledger
	Policies   *rules.Registry
	Signatures *signature.Workflow
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Version    string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	verifier   *cascade.Verifier
	scorer     *scorer.Scorer
	alerts     *alerts.Manager
	ledger     *ledger.Ledger
	policies   *rules.Registry
	signatures *signature.Workflow
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:       deps.Repo,
		cache:      deps.Cache,
		bus:        deps.Bus,
		verifier:   deps.Verifier,
		scorer:     deps.Scorer,
		alerts:     deps.Alerts,
		ledger:     deps.Ledger,
		policies:   deps.Policies,
		signatures: deps.Signatures,
		version:    deps.Version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ready := h.policies != nil && h.policies.Active() != nil
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{
		"ready": ready,
	})
}

// ============================================================================
// SESSION HANDLERS
// ============================================================================

// StartSessionRequest is the request body for POST /sessions.
type StartSessionRequest struct {
	CallSite            string   `json:"callSite"`
	SubjectID           string   `json:"subjectId,omitempty"`
	Candidates          []string `json:"candidates,omitempty"`
	DeviceTrust         *float64 `json:"deviceTrustScore,omitempty"`
	LocationConsistency *float64 `json:"locationConsistencyScore,omitempty"`
}

func (req StartSessionRequest) toCascade(terminalID string) cascade.Request {
	return cascade.Request{
		CallSite:            req.CallSite,
		SubjectID:           req.SubjectID,
		Candidates:          req.Candidates,
		TerminalID:          terminalID,
		DeviceTrust:         req.DeviceTrust,
		LocationConsistency: req.LocationConsistency,
	}
}

// CaptureRequest is one capture submitted by a terminal.
type CaptureRequest struct {
	Descriptor domain.Descriptor `json:"descriptor"`
	Liveness   *float64          `json:"liveness,omitempty"`
	DeviceID   string            `json:"deviceId,omitempty"`
}

func (c CaptureRequest) sample() *domain.Sample {
	return &domain.Sample{Descriptor: c.Descriptor, Liveness: c.Liveness, DeviceID: c.DeviceID}
}

// SessionResponse is the caller-facing view of a session. Distances and
// per-attempt details are never exposed; scores only once accepted.
type SessionResponse struct {
	ID           string                `json:"id"`
	CallSite     string                `json:"callSite"`
	State        domain.SessionState   `json:"state"`
	AttemptCount int                   `json:"attemptCount"`
	MatchedID    string                `json:"matchedSubjectId,omitempty"`
	Scores       *domain.SessionScores `json:"scores,omitempty"`
	ExpiresAt    time.Time             `json:"expiresAt"`
	EndedAt      *time.Time            `json:"endedAt,omitempty"`
}

func sessionView(s *domain.VerificationSession) SessionResponse {
	resp := SessionResponse{
		ID:           s.ID,
		CallSite:     s.CallSite,
		State:        s.State,
		AttemptCount: s.AttemptCount,
		ExpiresAt:    s.ExpiresAt,
		EndedAt:      s.EndedAt,
	}
	if s.State == domain.StateAccepted {
		scores := s.Scores
		resp.MatchedID = s.MatchedID
		resp.Scores = &scores
	}
	return resp
}

// writeSession answers a capture-driven request according to the session
// state.
func writeSession(w http.ResponseWriter, s *domain.VerificationSession) {
	switch s.State {
	case domain.StateAccepted:
		writeJSON(w, http.StatusOK, sessionView(s))
	case domain.StateRejected:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": notVerified})
	case domain.StateAbandoned:
		writeJSON(w, http.StatusGone, map[string]string{"error": "session abandoned"})
	default:
		writeJSON(w, http.StatusAccepted, sessionView(s))
	}
}

// StartSession handles POST /sessions.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	sess, err := h.verifier.Start(ctx, req.toCascade(GetTerminalID(ctx)))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionView(sess))
}

// QuickCheckRequest is the request body for POST /sessions/quick.
type QuickCheckRequest struct {
	StartSessionRequest
	Capture CaptureRequest `json:"capture"`
}

// QuickCheck handles POST /sessions/quick: one capture on a quick call site.
func (h *Handler) QuickCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req QuickCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	_, sess, err := h.verifier.VerifyOnce(ctx, req.toCascade(GetTerminalID(ctx)), req.Capture.sample())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSession(w, sess)
}

// SubmitCapture handles POST /sessions/{id}/captures.
func (h *Handler) SubmitCapture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	_, sess, err := h.verifier.Submit(ctx, sessionID, req.sample())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSession(w, sess)
}

// CancelSession handles POST /sessions/{id}/cancel.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.verifier.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionView(sess))
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.verifier.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionView(sess))
}

// ============================================================================
// SIGNATURE HANDLERS
// ============================================================================

// SignRequest is the request body for POST /signatures.
type SignRequest struct {
	CallSite            string           `json:"callSite"`
	SubjectID           string           `json:"subjectId"`
	EntityType          string           `json:"entityType"`
	EntityID            string           `json:"entityId"`
	Action              string           `json:"action"`
	DeviceID            string           `json:"deviceId,omitempty"`
	DeviceTrust         *float64         `json:"deviceTrustScore,omitempty"`
	LocationConsistency *float64         `json:"locationConsistencyScore,omitempty"`
	Captures            []CaptureRequest `json:"captures"`
}

// Sign handles POST /signatures. The submitted captures are replayed in
// order through a full verification session.
func (h *Handler) Sign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Captures) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "at least one capture is required",
		})
		return
	}

	samples := make([]*domain.Sample, len(req.Captures))
	for i, c := range req.Captures {
		samples[i] = c.sample()
	}

	res, err := h.signatures.Sign(ctx, signature.Request{
		CallSite:            req.CallSite,
		SubjectID:           req.SubjectID,
		EntityType:          req.EntityType,
		EntityID:            req.EntityID,
		Action:              req.Action,
		TerminalID:          GetTerminalID(ctx),
		DeviceID:            req.DeviceID,
		DeviceTrust:         req.DeviceTrust,
		LocationConsistency: req.LocationConsistency,
	}, cascade.NewReplay(samples...))
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch {
	case res.Signed():
		writeJSON(w, http.StatusCreated, res.Signature)
	case res.Decision == nil:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": notVerified})
	default:
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":   "signature refused",
			"verdict": string(res.Decision.Verdict),
			"alertId": res.Decision.AlertID,
		})
	}
}

// GetSignature handles GET /signatures/{entityType}/{entityId}/{action}.
func (h *Handler) GetSignature(w http.ResponseWriter, r *http.Request) {
	sig, err := h.signatures.Get(r.Context(),
		chi.URLParam(r, "entityType"),
		chi.URLParam(r, "entityId"),
		chi.URLParam(r, "action"),
	)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sig)
}

// ============================================================================
// FRAUD HANDLERS
// ============================================================================

// EvaluateRequest is the request body for POST /fraud/evaluate.
type EvaluateRequest struct {
	SessionID    string               `json:"sessionId"`
	CallSite     string               `json:"callSite,omitempty"`
	DeviceID     string               `json:"deviceId,omitempty"`
	AttemptCount int                  `json:"attemptCount,omitempty"`
	Scores       domain.SessionScores `json:"scores"`
}

// EvaluateFraud handles POST /fraud/evaluate.
func (h *Handler) EvaluateFraud(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	decision, err := h.scorer.Evaluate(ctx, scorer.Request{
		SessionID:    req.SessionID,
		TerminalID:   r.Header.Get(TerminalIDHeader),
		CallSite:     req.CallSite,
		DeviceID:     req.DeviceID,
		AttemptCount: req.AttemptCount,
		Scores:       req.Scores,
		TraceID:      GetTraceID(ctx),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// GetDecision handles GET /fraud/decisions/{sessionId}.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	decision, err := h.scorer.Decision(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// ExplainDecision handles GET /fraud/decisions/{sessionId}/explain.
func (h *Handler) ExplainDecision(w http.ResponseWriter, r *http.Request) {
	explanation, err := h.scorer.ExplainSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, explanation)
}

// ListAlerts handles GET /fraud/alerts?limit=&offset=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := intQuery(r, "offset")
	if err != nil {
		writeError(w, r, err)
		return
	}

	pending, err := h.alerts.Pending(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": pending,
		"count":  len(pending),
	})
}

// GetAlert handles GET /fraud/alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// ResolveAlertRequest is the request body for POST /fraud/alerts/{id}/resolve.
type ResolveAlertRequest struct {
	ResolverID string `json:"resolverId"`
	Resolution string `json:"resolution"`
}

// ResolveAlert handles POST /fraud/alerts/{id}/resolve.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req ResolveAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	alert, err := h.alerts.Resolve(r.Context(), chi.URLParam(r, "id"), req.ResolverID, req.Resolution)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// AlertStats handles GET /fraud/stats?start=&end=.
func (h *Handler) AlertStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeWindow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	stats, err := h.alerts.Stats(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ActivePolicy handles GET /fraud/policy.
func (h *Handler) ActivePolicy(w http.ResponseWriter, r *http.Request) {
	active := h.policies.Active()
	if active == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no active fraud policy",
		})
		return
	}

	writeJSON(w, http.StatusOK, active.Config)
}

// ListPolicies handles GET /fraud/policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	versions := h.policies.Versions()
	active := ""
	if p := h.policies.Active(); p != nil {
		active = p.Config.Version
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"active":   active,
	})
}

// GetPolicy handles GET /fraud/policies/{version}.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.policies.Version(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, p.Config)
}

// CreatePolicy handles POST /fraud/policies. The new version is validated,
// persisted and activated.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var cfg domain.FraudPolicy
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	p, err := h.policies.Activate(r.Context(), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("fraud policy activated", "version", p.Config.Version, "rules", len(p.Rules))
	writeJSON(w, http.StatusCreated, p.Config)
}

// ============================================================================
// AUDIT HANDLERS
// ============================================================================

// AuditBySession handles GET /audit/sessions/{id}.
func (h *Handler) AuditBySession(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.BySession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// AuditByTerminal handles GET /audit/terminals/{id}?limit=.
func (h *Handler) AuditByTerminal(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}

	entries, err := h.ledger.ByTerminal(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// VerifyChain handles GET /audit/verify. A broken chain is a successful
// verification with valid=false.
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Verify(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// AuditStats handles GET /audit/stats?start=&end=.
func (h *Handler) AuditStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeWindow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	stats, err := h.ledger.Stats(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps domain errors onto HTTP statuses and the message the
// caller may see.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrDescriptorShapeMismatch),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrPolicyConfiguration):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrTemplateNotFound):
		return http.StatusNotFound, "not enrolled"
	case errors.Is(err, domain.ErrEntityNotFound):
		return http.StatusNotFound, "entity not found"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrDecisionExists),
		errors.Is(err, domain.ErrSignatureExists),
		errors.Is(err, domain.ErrSessionNotAccepted):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrSessionExpired),
		errors.Is(err, domain.ErrSessionClosed):
		return http.StatusGone, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func intQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidInput, name)
	}
	return n, nil
}

// timeWindow reads the optional RFC 3339 start and end query parameters.
func timeWindow(r *http.Request) (*time.Time, *time.Time, error) {
	parse := func(name string) (*time.Time, error) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be RFC 3339", domain.ErrInvalidInput, name)
		}
		return &t, nil
	}

	from, err := parse("start")
	if err != nil {
		return nil, nil, err
	}
	to, err := parse("end")
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}
