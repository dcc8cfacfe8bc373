package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
)

// Registry keeps every fraud policy version compiled, so a historical
// decision can be replayed against the version that produced it. One
// version is active for new evaluations.
type Registry struct {
	engine *Engine
	store  domain.PolicyStore
	audit  domain.AuditCommitter
	logger *slog.Logger

	mu       sync.RWMutex
	versions map[string]*Policy
	order    []string
	active   *Policy
}

// NewRegistry creates an empty registry. audit may be nil for a read-only
// registry that only loads and replays; Activate then fails.
func NewRegistry(engine *Engine, store domain.PolicyStore, audit domain.AuditCommitter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engine:   engine,
		store:    store,
		audit:    audit,
		logger:   logger,
		versions: make(map[string]*Policy),
	}
}

// Load compiles every stored policy version and restores the most recently
// activated one. A stored version that was never activated stays inactive.
func (r *Registry) Load(ctx context.Context) error {
	stored, err := r.store.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list policies: %w", err)
	}
	last, err := r.store.LastActivation(ctx)
	if err != nil {
		return fmt.Errorf("failed to read last policy activation: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cfg := range stored {
		compiled, err := r.engine.Compile(*cfg)
		if err != nil {
			return fmt.Errorf("stored policy %s no longer compiles: %w", cfg.Version, err)
		}
		r.add(compiled)
	}

	if last != "" {
		active, ok := r.versions[last]
		if !ok {
			return fmt.Errorf("%w: activated policy %s is not stored", domain.ErrPolicyConfiguration, last)
		}
		r.active = active
	}

	r.logger.Info("fraud policies loaded", "versions", len(stored), "active", last)
	return nil
}

// Bootstrap activates the configured policy at startup unless a policy
// activated earlier is already active and the configured version is
// known. A configured version never seen before is activated; an active
// version switched at runtime otherwise survives restarts.
func (r *Registry) Bootstrap(ctx context.Context, cfg domain.FraudPolicy) (*Policy, error) {
	r.mu.RLock()
	active := r.active
	known, ok := r.versions[cfg.Version]
	r.mu.RUnlock()

	if active == nil || !ok {
		return r.Activate(ctx, cfg)
	}
	if !sameContent(known.Config, cfg) {
		return nil, fmt.Errorf("%w: policy version %s already exists with different content",
			domain.ErrPolicyConfiguration, cfg.Version)
	}
	if active != known {
		r.logger.Warn("configured fraud policy is not the active one",
			"configured", cfg.Version,
			"active", active.Config.Version,
		)
	}
	return active, nil
}

// Activate validates, persists and switches to a policy version. Every
// switch, including back to an older version, is recorded in the ledger
// together with the stored activation; activating the active version is a
// no-op. Reusing a version number for different content is refused.
func (r *Registry) Activate(ctx context.Context, cfg domain.FraudPolicy) (*Policy, error) {
	compiled, err := r.engine.Compile(cfg)
	if err != nil {
		return nil, err
	}
	if r.audit == nil {
		return nil, fmt.Errorf("%w: policy activation requires the audit ledger", domain.ErrPolicyConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.versions[cfg.Version]; ok {
		if !sameContent(existing.Config, cfg) {
			return nil, fmt.Errorf("%w: policy version %s already exists with different content",
				domain.ErrPolicyConfiguration, cfg.Version)
		}
		if r.active == existing {
			return existing, nil
		}
		compiled = existing
	}

	payload := map[string]any{
		"version":        cfg.Version,
		"allowBelow":     cfg.AllowBelow,
		"blockAtOrAbove": cfg.BlockAtOrAbove,
		"rules":          len(compiled.Rules),
	}
	if r.active != nil {
		payload["previous"] = r.active.Config.Version
	}

	_, err = r.audit.Commit(ctx, domain.AuditRecord{
		EventType:   domain.EventPolicyActivated,
		EventResult: "ACTIVATED",
		Payload:     payload,
	}, func(ctx context.Context, tx domain.AuditTx, entry *domain.AuditEntry) error {
		if err := tx.SavePolicy(ctx, &cfg); err != nil {
			return fmt.Errorf("failed to save policy %s: %w", cfg.Version, err)
		}
		return tx.RecordActivation(ctx, cfg.Version, entry.Seq, time.Unix(0, entry.Timestamp))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to activate policy %s: %w", cfg.Version, err)
	}

	r.add(compiled)
	r.active = compiled

	r.logger.Info("fraud policy activated",
		"version", cfg.Version,
		"rules", len(compiled.Rules),
	)
	return compiled, nil
}

// Active returns the policy used for new evaluations, or nil before the
// first activation.
func (r *Registry) Active() *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Version returns a compiled policy by version.
func (r *Registry) Version(version string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: policy version %s", domain.ErrNotFound, version)
	}
	return p, nil
}

// Versions lists known versions in activation order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) add(p *Policy) {
	if _, ok := r.versions[p.Config.Version]; !ok {
		r.order = append(r.order, p.Config.Version)
	}
	r.versions[p.Config.Version] = p
}

func sameContent(a, b domain.FraudPolicy) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
