package cascade

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/vigil/internal/bus"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/ledger"
	"github.com/opensource-finance/vigil/internal/matcher"
	"github.com/opensource-finance/vigil/internal/repository"
	"github.com/opensource-finance/vigil/internal/templates"
)

type fixture struct {
	verifier *Verifier
	repo     *repository.SQLRepository
	ledger   *ledger.Ledger
	source   *templates.Source
	bus      *bus.ChannelBus
	failures *recorder
}

type recorder struct {
	mu      sync.Mutex
	devices map[string]int64
}

func (r *recorder) RecordFailure(ctx context.Context, deviceID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[deviceID]++
	return r.devices[deviceID], nil
}

func (r *recorder) count(deviceID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[deviceID]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "cascade-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	m, err := matcher.New(domain.DefaultMatcherConfig())
	if err != nil {
		t.Fatalf("failed to create matcher: %v", err)
	}

	policies := domain.DefaultCallSites()
	policies["short"] = domain.CascadePolicy{
		ThresholdProfile: domain.ProfileHighConfidence,
		Mode:             domain.ModeKOfN,
		RequiredAccepts:  1,
		MaxAttempts:      3,
		TimeoutSecs:      1,
		DefaultLiveness:  0.5,
	}

	l := ledger.New(repo, domain.LedgerConfig{}, nil, nil)
	src := templates.NewSource(repo, nil, 0, nil)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })
	rec := &recorder{devices: make(map[string]int64)}

	v, err := New(Options{
		Matcher:   m,
		Templates: src,
		Sessions:  repo,
		Audit:     l,
		Velocity:  rec,
		Bus:       b,
		Scope:     "test",
		Policies:  policies,
	})
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	return &fixture{verifier: v, repo: repo, ledger: l, source: src, bus: b, failures: rec}
}

// descriptor returns a vector at the given distance from the zero vector.
func descriptor(distance float32) domain.Descriptor {
	d := make(domain.Descriptor, domain.DescriptorLength)
	d[0] = distance
	return d
}

func liveness(v float64) *float64 { return &v }

func (f *fixture) enroll(t *testing.T, subjectID string, offset float32) *domain.Template {
	t.Helper()
	tmpl, err := f.source.Enroll(context.Background(), subjectID, descriptor(offset), nil)
	if err != nil {
		t.Fatalf("failed to enroll %s: %v", subjectID, err)
	}
	return tmpl
}

func TestQuickCheckAcceptsOnFirstCapture(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	attempt, sess, err := f.verifier.VerifyOnce(ctx, Request{
		CallSite:  domain.CallSiteQuickCheck,
		SubjectID: "emp-1",
	}, &domain.Sample{Descriptor: descriptor(0.3)})
	if err != nil {
		t.Fatalf("VerifyOnce failed: %v", err)
	}

	if attempt.Outcome != domain.OutcomeAccept {
		t.Errorf("expected ACCEPT, got %s", attempt.Outcome)
	}
	if sess.State != domain.StateAccepted {
		t.Errorf("expected ACCEPTED, got %s", sess.State)
	}
	if sess.MatchedID != "emp-1" {
		t.Errorf("expected matched subject emp-1, got %q", sess.MatchedID)
	}
	if sess.Scores.Verification < 0.74 || sess.Scores.Verification > 0.76 {
		t.Errorf("expected verification score 0.75, got %f", sess.Scores.Verification)
	}
	if sess.Scores.Liveness != 0.5 {
		t.Errorf("expected default liveness 0.5, got %f", sess.Scores.Liveness)
	}
}

func TestVerifyOnceRefusesNonQuickCallSite(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)

	_, _, err := f.verifier.VerifyOnce(context.Background(), Request{
		CallSite:  domain.CallSitePaymentApproval,
		SubjectID: "emp-1",
	}, &domain.Sample{Descriptor: descriptor(0.1)})
	if !errors.Is(err, domain.ErrPolicyConfiguration) {
		t.Errorf("expected ErrPolicyConfiguration, got: %v", err)
	}
}

func TestRejectOnlyAtMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Twice the reject threshold.
	sample := &domain.Sample{Descriptor: descriptor(1.2), DeviceID: "cam-7"}
	for i := 1; i <= 3; i++ {
		attempt, state, err := f.verifier.Submit(ctx, sess.ID, sample)
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		if attempt.Outcome != domain.OutcomeReject {
			t.Errorf("attempt %d: expected REJECT, got %s", i, attempt.Outcome)
		}
		want := domain.StateCapturing
		if i == 3 {
			want = domain.StateRejected
		}
		if state.State != want {
			t.Errorf("attempt %d: expected %s, got %s", i, want, state.State)
		}
	}

	if _, _, err := f.verifier.Submit(ctx, sess.ID, sample); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after rejection, got: %v", err)
	}
	if n := f.failures.count("cam-7"); n != 3 {
		t.Errorf("expected 3 device failures, got %d", n)
	}
}

func TestKOfNAcceptsLateMatch(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i, d := range []float32{1.0, 0.55, 0.2} {
		_, state, err := f.verifier.Submit(ctx, sess.ID, &domain.Sample{Descriptor: descriptor(d)})
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i+1, err)
		}
		if i < 2 && state.State != domain.StateCapturing {
			t.Errorf("attempt %d: expected CAPTURING, got %s", i+1, state.State)
		}
		if i == 2 && state.State != domain.StateAccepted {
			t.Errorf("expected ACCEPTED on third attempt, got %s", state.State)
		}
	}
}

func TestConsecutiveRequiresUnbrokenRun(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSitePaymentApproval, SubjectID: "emp-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	steps := []struct {
		distance float32
		outcome  domain.AttemptOutcome
		state    domain.SessionState
	}{
		{0.2, domain.OutcomeAccept, domain.StateCapturing},
		{0.9, domain.OutcomeReject, domain.StateCapturing},
		{0.2, domain.OutcomeAccept, domain.StateCapturing},
		{0.3, domain.OutcomeAccept, domain.StateAccepted},
	}

	for i, step := range steps {
		attempt, state, err := f.verifier.Submit(ctx, sess.ID, &domain.Sample{
			Descriptor: descriptor(step.distance),
			Liveness:   liveness(0.9),
		})
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i+1, err)
		}
		if attempt.Outcome != step.outcome {
			t.Errorf("attempt %d: expected %s, got %s", i+1, step.outcome, attempt.Outcome)
		}
		if state.State != step.state {
			t.Errorf("attempt %d: expected %s, got %s", i+1, step.state, state.State)
		}
	}
}

func TestLivenessRequiredMakesAttemptInconclusive(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSitePaymentApproval, SubjectID: "emp-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	attempt, state, err := f.verifier.Submit(ctx, sess.ID, &domain.Sample{Descriptor: descriptor(0.1)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if attempt.Outcome != domain.OutcomeInconclusive {
		t.Errorf("expected INCONCLUSIVE without liveness, got %s", attempt.Outcome)
	}
	if state.State != domain.StateCapturing {
		t.Errorf("expected CAPTURING, got %s", state.State)
	}
}

func TestShapeMismatchIsRecordedAsReject(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	attempt, state, err := f.verifier.Submit(ctx, sess.ID, &domain.Sample{Descriptor: make(domain.Descriptor, 64)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if attempt.Outcome != domain.OutcomeReject {
		t.Errorf("expected REJECT, got %s", attempt.Outcome)
	}
	if attempt.Error != domain.ErrDescriptorShapeMismatch.Error() {
		t.Errorf("expected shape mismatch error, got %q", attempt.Error)
	}
	if state.State != domain.StateCapturing {
		t.Errorf("a single bad capture must not end the session, got %s", state.State)
	}
}

func TestNotEnrolledIsDistinct(t *testing.T) {
	f := newFixture(t)

	_, err := f.verifier.Start(context.Background(), Request{CallSite: domain.CallSiteLogin, SubjectID: "ghost"})
	if !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got: %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown call site", Request{CallSite: "nope", SubjectID: "emp-1"}, domain.ErrPolicyConfiguration},
		{"no subject", Request{CallSite: domain.CallSiteLogin}, domain.ErrInvalidInput},
		{"both modes", Request{CallSite: domain.CallSiteLogin, SubjectID: "a", Candidates: []string{"b"}}, domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.verifier.Start(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got: %v", tt.want, err)
			}
		})
	}
}

func TestIdentificationPicksClosestCandidate(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	f.enroll(t, "emp-2", 2)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{
		CallSite:   domain.CallSiteLogin,
		Candidates: []string{"emp-1", "emp-2", "not-enrolled"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, state, err := f.verifier.Submit(ctx, sess.ID, &domain.Sample{Descriptor: descriptor(1.8)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if state.State != domain.StateAccepted || state.MatchedID != "emp-2" {
		t.Errorf("expected ACCEPTED as emp-2, got %s as %q", state.State, state.MatchedID)
	}
}

func TestAttemptsAndCloseAreAudited(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1", TerminalID: "term-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for _, d := range []float32{0.9, 0.1} {
		if _, _, err := f.verifier.Submit(ctx, sess.ID, &domain.Sample{Descriptor: descriptor(d)}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	entries, err := f.ledger.BySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("BySession failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}

	want := []struct {
		eventType domain.AuditEventType
		result    string
	}{
		{domain.EventVerificationAttempt, "REJECT"},
		{domain.EventVerificationAttempt, "ACCEPT"},
		{domain.EventSessionClosed, "ACCEPTED"},
	}
	for i, w := range want {
		if entries[i].EventType != w.eventType || entries[i].EventResult != w.result {
			t.Errorf("entry %d: expected %s/%s, got %s/%s", i, w.eventType, w.result, entries[i].EventType, entries[i].EventResult)
		}
		if entries[i].TerminalID != "term-1" {
			t.Errorf("entry %d: expected terminal term-1, got %q", i, entries[i].TerminalID)
		}
	}

	attempts, err := f.verifier.Attempts(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if len(attempts) != 2 || attempts[1].Number != 2 {
		t.Errorf("expected 2 persisted attempts, got %d", len(attempts))
	}

	stored, err := f.repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.State != domain.StateAccepted || stored.EndedAt == nil {
		t.Errorf("expected persisted ACCEPTED session with end time, got %+v", stored)
	}
}

type failingAudit struct{}

func (failingAudit) Append(context.Context, domain.AuditRecord) (*domain.AuditEntry, error) {
	return nil, errors.New("ledger unavailable")
}

func TestAuditFailureAbortsAttempt(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.verifier.audit = failingAudit{}
	if _, _, err := f.verifier.Submit(ctx, sess.ID, &domain.Sample{Descriptor: descriptor(0.1)}); err == nil {
		t.Fatal("expected audit failure to abort the attempt")
	}

	got, err := f.verifier.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != domain.StateCapturing || got.AttemptCount != 0 {
		t.Errorf("unaudited attempt must not count, got %s with %d attempts", got.State, got.AttemptCount)
	}
}

// closeFailingAudit fails SESSION_CLOSED entries while fail is set.
type closeFailingAudit struct {
	*ledger.Ledger
	fail atomic.Bool
}

func (a *closeFailingAudit) Append(ctx context.Context, rec domain.AuditRecord) (*domain.AuditEntry, error) {
	if rec.EventType == domain.EventSessionClosed && a.fail.Load() {
		return nil, errors.New("ledger unavailable")
	}
	return a.Ledger.Append(ctx, rec)
}

func TestFailedCloseIsRetriedWithoutExtraAttempts(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	audit := &closeFailingAudit{Ledger: f.ledger}
	audit.fail.Store(true)
	f.verifier.audit = audit

	sample := &domain.Sample{Descriptor: descriptor(1.2), DeviceID: "cam-7"}
	for i := 1; i <= 2; i++ {
		if _, _, err := f.verifier.Submit(ctx, sess.ID, sample); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	if _, _, err := f.verifier.Submit(ctx, sess.ID, sample); err == nil {
		t.Fatal("expected the closing attempt to report the audit failure")
	}

	// Further submits only retry the close.
	for i := 0; i < 3; i++ {
		attempt, _, err := f.verifier.Submit(ctx, sess.ID, sample)
		if err == nil {
			t.Fatal("expected close retry to fail while the ledger is down")
		}
		if attempt != nil {
			t.Errorf("close retry must not record attempt %d", attempt.Number)
		}
	}

	audit.fail.Store(false)
	attempt, state, err := f.verifier.Submit(ctx, sess.ID, sample)
	if err != nil {
		t.Fatalf("Submit after recovery failed: %v", err)
	}
	if attempt != nil {
		t.Errorf("expected no new attempt, got number %d", attempt.Number)
	}
	if state.State != domain.StateRejected || state.AttemptCount != 3 {
		t.Errorf("expected REJECTED after 3 attempts, got %s after %d", state.State, state.AttemptCount)
	}

	attempts, err := f.verifier.Attempts(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if len(attempts) != 3 {
		t.Errorf("expected 3 persisted attempts, got %d", len(attempts))
	}
	if n := f.failures.count("cam-7"); n != 3 {
		t.Errorf("expected 3 device failures, got %d", n)
	}

	entries, err := f.ledger.BySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("BySession failed: %v", err)
	}
	var attemptEntries, closes int
	for _, e := range entries {
		switch e.EventType {
		case domain.EventVerificationAttempt:
			attemptEntries++
		case domain.EventSessionClosed:
			closes++
		}
	}
	if attemptEntries != 3 || closes != 1 {
		t.Errorf("expected 3 attempt entries and 1 close, got %d and %d", attemptEntries, closes)
	}
}

func TestSubmitAfterDeadlineAbandons(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.verifier.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, state, err := f.verifier.Submit(ctx, sess.ID, &domain.Sample{Descriptor: descriptor(0.1)})
	if !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got: %v", err)
	}
	if state.State != domain.StateAbandoned {
		t.Errorf("expected ABANDONED, got %s", state.State)
	}

	entries, err := f.ledger.BySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("BySession failed: %v", err)
	}
	if len(entries) != 1 || entries[0].EventResult != string(domain.StateAbandoned) {
		t.Errorf("expected one ABANDONED close entry, got %d entries", len(entries))
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got, err := f.verifier.Cancel(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.State != domain.StateAbandoned {
		t.Errorf("expected ABANDONED, got %s", got.State)
	}

	if _, err := f.verifier.Cancel(ctx, sess.ID); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed on second cancel, got: %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1"}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}

	n, err := f.verifier.ExpireStale(ctx)
	if err != nil || n != 0 {
		t.Errorf("expected nothing to expire yet, got %d, %v", n, err)
	}

	f.verifier.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = f.verifier.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 expired sessions, got %d", n)
	}
}

// scripted yields samples in order, then blocks until ctx is done.
type scripted struct {
	samples []*domain.Sample
	next    int
}

func (s *scripted) Next(ctx context.Context) (*domain.Sample, error) {
	if s.next < len(s.samples) {
		sample := s.samples[s.next]
		s.next++
		return sample, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunAcceptsFromSource(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)

	src := &scripted{samples: []*domain.Sample{
		{Descriptor: descriptor(0.2), Liveness: liveness(0.9)},
		{Descriptor: descriptor(0.25), Liveness: liveness(0.8)},
	}}

	sess, err := f.verifier.Run(context.Background(), Request{
		CallSite:  domain.CallSitePaymentApproval,
		SubjectID: "emp-1",
	}, src)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sess.State != domain.StateAccepted {
		t.Errorf("expected ACCEPTED, got %s", sess.State)
	}
	if sess.Scores.Liveness != 0.8 {
		t.Errorf("expected weakest liveness 0.8, got %f", sess.Scores.Liveness)
	}
}

func TestRunTimeoutAbandons(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	abandoned := make(chan *domain.Message, 1)
	_, err := f.bus.Subscribe(ctx, "test", domain.TopicSessionAbandoned, func(ctx context.Context, msg *domain.Message) error {
		abandoned <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// One weak capture, then the user walks away.
	src := &scripted{samples: []*domain.Sample{{Descriptor: descriptor(0.9)}}}

	sess, err := f.verifier.Run(ctx, Request{CallSite: "short", SubjectID: "emp-1"}, src)
	if !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got: %v", err)
	}
	if sess.State != domain.StateAbandoned {
		t.Errorf("expected ABANDONED, got %s", sess.State)
	}

	select {
	case <-abandoned:
	case <-time.After(2 * time.Second):
		t.Error("expected abandonment to be published")
	}

	entries, err := f.ledger.BySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("BySession failed: %v", err)
	}
	last := entries[len(entries)-1]
	if last.EventType != domain.EventSessionClosed || last.EventResult != string(domain.StateAbandoned) {
		t.Errorf("expected final ABANDONED entry, got %s/%s", last.EventType, last.EventResult)
	}
}

func TestRunReplayExhausted(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	src := NewReplay(&domain.Sample{Descriptor: descriptor(0.1), Liveness: liveness(0.9)})
	sess, err := f.verifier.Run(ctx, Request{CallSite: domain.CallSitePaymentApproval, SubjectID: "emp-1"}, src)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sess.State != domain.StateAbandoned || sess.AttemptCount != 1 {
		t.Errorf("expected ABANDONED after 1 attempt, got %s after %d", sess.State, sess.AttemptCount)
	}

	attempts, err := f.verifier.Attempts(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if len(attempts) != 1 {
		t.Errorf("exhaustion must not be recorded as an attempt, got %d attempts", len(attempts))
	}
}

func TestRunCancelAbandons(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sess, err := f.verifier.Run(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1"}, &scripted{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if sess.State != domain.StateAbandoned {
		t.Errorf("expected ABANDONED, got %s", sess.State)
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "emp-1", 0)
	ctx := context.Background()

	const sessions = 8
	var wg sync.WaitGroup
	results := make([]domain.SessionState, sessions)

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := f.verifier.Start(ctx, Request{CallSite: domain.CallSiteLogin, SubjectID: "emp-1"})
			if err != nil {
				t.Errorf("Start failed: %v", err)
				return
			}
			d := float32(0.1)
			if i%2 == 1 {
				d = 1.5
			}
			for n := 0; n < 3; n++ {
				_, state, err := f.verifier.Submit(ctx, sess.ID, &domain.Sample{Descriptor: descriptor(d)})
				if err != nil {
					t.Errorf("Submit failed: %v", err)
					return
				}
				if state.State.Terminal() {
					results[i] = state.State
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i, state := range results {
		want := domain.StateAccepted
		if i%2 == 1 {
			want = domain.StateRejected
		}
		if state != want {
			t.Errorf("session %d: expected %s, got %s", i, want, state)
		}
	}

	report, err := f.ledger.Verify(ctx)
	if err != nil || !report.Valid {
		t.Errorf("expected valid chain after concurrent sessions, got %+v, %v", report, err)
	}
}

func TestSatisfied(t *testing.T) {
	a := func(subject string) mark { return mark{outcome: domain.OutcomeAccept, subjectID: subject} }
	r := mark{outcome: domain.OutcomeReject}
	i := mark{outcome: domain.OutcomeInconclusive}

	consecutive2 := domain.CascadePolicy{Mode: domain.ModeConsecutive, RequiredAccepts: 2}
	twoOfThree := domain.CascadePolicy{Mode: domain.ModeKOfN, RequiredAccepts: 2, Window: 3}

	tests := []struct {
		name   string
		policy domain.CascadePolicy
		marks  []mark
		want   bool
	}{
		{"empty", consecutive2, nil, false},
		{"run of two", consecutive2, []mark{r, a("x"), a("x")}, true},
		{"broken run", consecutive2, []mark{a("x"), i, a("x")}, false},
		{"mixed subjects", consecutive2, []mark{a("x"), a("y")}, false},
		{"two of three", twoOfThree, []mark{a("x"), r, a("x")}, true},
		{"outside window", twoOfThree, []mark{a("x"), r, r, a("x")}, false},
		{"ends on reject", twoOfThree, []mark{a("x"), a("x"), r}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := satisfied(tt.policy, tt.marks); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
