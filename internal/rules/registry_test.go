package rules

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/ledger"
	"github.com/opensource-finance/vigil/internal/repository"
)

func newTestRegistry(t *testing.T) (*Registry, *repository.SQLRepository, *ledger.Ledger) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "rules-test-*.db")
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

	engine, err := NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	l := ledger.New(repo, domain.LedgerConfig{}, nil, nil)
	return NewRegistry(engine, repo, l, nil), repo, l
}

func TestRegistryActivate(t *testing.T) {
	reg, _, l := newTestRegistry(t)
	ctx := context.Background()

	if reg.Active() != nil {
		t.Fatal("expected no active policy before activation")
	}

	p, err := reg.Activate(ctx, domain.DefaultFraudPolicy())
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if reg.Active() != p {
		t.Error("expected activated policy to be active")
	}

	// Same content again is a no-op switch, not a second audit entry.
	if _, err := reg.Activate(ctx, domain.DefaultFraudPolicy()); err != nil {
		t.Fatalf("re-activating identical policy failed: %v", err)
	}

	stats, err := l.Stats(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.ByType[string(domain.EventPolicyActivated)] != 1 {
		t.Errorf("expected one activation entry, got %d", stats.ByType[string(domain.EventPolicyActivated)])
	}
}

func TestRegistryRefusesVersionReuse(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Activate(ctx, domain.DefaultFraudPolicy()); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	changed := domain.DefaultFraudPolicy()
	changed.AllowBelow = 0.2
	if _, err := reg.Activate(ctx, changed); !errors.Is(err, domain.ErrPolicyConfiguration) {
		t.Errorf("expected ErrPolicyConfiguration, got: %v", err)
	}
}

func TestRegistryKeepsHistoricalVersions(t *testing.T) {
	reg, repo, _ := newTestRegistry(t)
	ctx := context.Background()

	v1 := domain.DefaultFraudPolicy()
	v2 := domain.DefaultFraudPolicy()
	v2.Version = "2026.2"
	v2.AllowBelow = 0.25

	for _, p := range []domain.FraudPolicy{v1, v2} {
		if _, err := reg.Activate(ctx, p); err != nil {
			t.Fatalf("Activate %s failed: %v", p.Version, err)
		}
	}

	old, err := reg.Version(v1.Version)
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if old.Config.AllowBelow != 0.35 {
		t.Errorf("expected historical thresholds, got %.2f", old.Config.AllowBelow)
	}
	if _, err := reg.Version("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}

	// A fresh registry over the same store sees both versions.
	engine, _ := NewEngine(4)
	reloaded := NewRegistry(engine, repo, nil, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := reloaded.Versions(); len(got) != 2 {
		t.Errorf("expected 2 versions, got %v", got)
	}
	if active := reloaded.Active(); active == nil || active.Config.Version != v2.Version {
		t.Errorf("expected %s to be active after reload, got %+v", v2.Version, active)
	}
	if _, err := reloaded.Activate(ctx, v1); !errors.Is(err, domain.ErrPolicyConfiguration) {
		t.Errorf("expected a registry without a ledger to refuse activation, got: %v", err)
	}
}

func TestRegistrySwitchBackSurvivesRestart(t *testing.T) {
	reg, repo, l := newTestRegistry(t)
	ctx := context.Background()

	v1 := domain.DefaultFraudPolicy()
	v2 := domain.DefaultFraudPolicy()
	v2.Version = "2026.2"
	v2.AllowBelow = 0.25

	// Startup with v1 configured, then a runtime switch to v2 and back.
	if _, err := reg.Bootstrap(ctx, v1); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	for _, p := range []domain.FraudPolicy{v2, v1, v2} {
		if _, err := reg.Activate(ctx, p); err != nil {
			t.Fatalf("Activate %s failed: %v", p.Version, err)
		}
	}

	stats, err := l.Stats(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if n := stats.ByType[string(domain.EventPolicyActivated)]; n != 4 {
		t.Errorf("expected 4 activation entries, got %d", n)
	}

	// Restart with the same configuration: the runtime choice stays.
	engine, _ := NewEngine(4)
	restarted := NewRegistry(engine, repo, l, nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	active, err := restarted.Bootstrap(ctx, v1)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if active.Config.Version != v2.Version {
		t.Errorf("expected %s to stay active, got %s", v2.Version, active.Config.Version)
	}

	stats, _ = l.Stats(ctx, nil, nil)
	if n := stats.ByType[string(domain.EventPolicyActivated)]; n != 4 {
		t.Errorf("restart must not record an activation, got %d entries", n)
	}

	// A configured version never seen before is deployed.
	v3 := domain.DefaultFraudPolicy()
	v3.Version = "2026.3"
	active, err = restarted.Bootstrap(ctx, v3)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if active.Config.Version != v3.Version {
		t.Errorf("expected new configured version to activate, got %s", active.Config.Version)
	}
}

// failingCommit lets the policy writes run and then fails the entry, as if
// the ledger insert had failed.
type failingCommit struct {
	*ledger.Ledger
}

func (c failingCommit) Commit(ctx context.Context, rec domain.AuditRecord, write domain.AuditWrite) (*domain.AuditEntry, error) {
	return c.Ledger.Commit(ctx, rec, func(ctx context.Context, tx domain.AuditTx, e *domain.AuditEntry) error {
		if err := write(ctx, tx, e); err != nil {
			return err
		}
		return errors.New("ledger unavailable")
	})
}

func TestRegistryFailedAuditDoesNotActivate(t *testing.T) {
	reg, repo, l := newTestRegistry(t)
	ctx := context.Background()

	v1 := domain.DefaultFraudPolicy()
	if _, err := reg.Activate(ctx, v1); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	v2 := domain.DefaultFraudPolicy()
	v2.Version = "2026.2"
	v2.AllowBelow = 0.25

	reg.audit = failingCommit{l}
	if _, err := reg.Activate(ctx, v2); err == nil {
		t.Fatal("expected activation to fail with the audit")
	}
	if active := reg.Active(); active.Config.Version != v1.Version {
		t.Errorf("expected %s to stay active, got %s", v1.Version, active.Config.Version)
	}

	stored, err := repo.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("ListPolicies failed: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("expected the unaudited policy to be rolled back, got %d stored", len(stored))
	}

	engine, _ := NewEngine(4)
	reloaded := NewRegistry(engine, repo, nil, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if active := reloaded.Active(); active == nil || active.Config.Version != v1.Version {
		t.Errorf("expected %s active after reload, got %+v", v1.Version, active)
	}
}

func TestRegistryRejectsInvalidPolicy(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	bad := domain.DefaultFraudPolicy()
	bad.BlockAtOrAbove = 0.1
	if _, err := reg.Activate(context.Background(), bad); !errors.Is(err, domain.ErrPolicyConfiguration) {
		t.Errorf("expected ErrPolicyConfiguration, got: %v", err)
	}
	if reg.Active() != nil {
		t.Error("invalid policy must not become active")
	}
}
