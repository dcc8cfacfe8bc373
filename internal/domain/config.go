package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Vigil configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Biometric and fraud policy
	Matcher   MatcherConfig            `json:"matcher"`
	CallSites map[string]CascadePolicy `json:"callSites"`
	Fraud     FraudPolicy              `json:"fraud"`
	Velocity  VelocityConfig           `json:"velocity"`
	Ledger    LedgerConfig             `json:"ledger"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// ThresholdProfile is a named distance operating point.
// distance < AcceptBelow => accept, distance >= RejectAtOrAbove => reject,
// anything between is inconclusive.
type ThresholdProfile struct {
	AcceptBelow     float64 `json:"acceptBelow"`
	RejectAtOrAbove float64 `json:"rejectAtOrAbove"`
}

// Named threshold profiles shipped by default.
const (
	ProfileHighConfidence = "high_confidence"
	ProfileExploratory    = "exploratory"
)

// MatcherConfig configures the descriptor matcher.
type MatcherConfig struct {
	// ScaleK maps distance to similarity: ((K - d) / K) * 100.
	ScaleK float64 `json:"scaleK"`

	DescriptorLength int `json:"descriptorLength"`

	Profiles map[string]ThresholdProfile `json:"profiles"`
}

// PolicyMode selects how accepts are counted.
type PolicyMode string

const (
	// ModeConsecutive requires RequiredAccepts accepts in a row.
	ModeConsecutive PolicyMode = "consecutive"

	// ModeKOfN requires RequiredAccepts accepts among the last Window attempts.
	ModeKOfN PolicyMode = "k_of_n"
)

// CascadePolicy is the verification policy for one call site.
type CascadePolicy struct {
	ThresholdProfile string     `json:"thresholdProfile"`
	Mode             PolicyMode `json:"mode"`
	RequiredAccepts  int        `json:"requiredAccepts"`
	Window           int        `json:"window,omitempty"` // 0 = all attempts
	MaxAttempts      int        `json:"maxAttempts"`
	TimeoutSecs      int        `json:"timeoutSecs"`

	// RequireLiveness turns captures without a liveness score into inconclusive attempts.
	RequireLiveness bool `json:"requireLiveness,omitempty"`

	// DefaultLiveness stands in for the session liveness score when no capture carried one.
	DefaultLiveness float64 `json:"defaultLiveness"`

	// Quick marks a one-shot, weaker path. Never allowed where Signing is set.
	Quick bool `json:"quick,omitempty"`

	// Signing marks call sites that authorize business actions.
	Signing bool `json:"signing,omitempty"`
}

// Timeout returns the session timeout.
func (p CascadePolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// Call sites shipped by default.
const (
	CallSiteLogin            = "login"
	CallSitePaymentApproval  = "payment_approval"
	CallSiteReferralApproval = "referral_approval"
	CallSiteQuickCheck       = "quick_check"
)

// VelocityConfig configures the device failure counter.
type VelocityConfig struct {
	WindowSecs int `json:"windowSecs"`
}

// LedgerConfig configures the integrity sweep and verification batches.
type LedgerConfig struct {
	SweepIntervalSecs int `json:"sweepIntervalSecs"` // 0 disables the sweep
	VerifyBatchSize   int `json:"verifyBatchSize"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultMatcherConfig returns the observed operating points.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		ScaleK:           1.2,
		DescriptorLength: DescriptorLength,
		Profiles: map[string]ThresholdProfile{
			ProfileHighConfidence: {AcceptBelow: 0.5, RejectAtOrAbove: 0.6},
			ProfileExploratory:    {AcceptBelow: 0.6, RejectAtOrAbove: 0.6},
		},
	}
}

// DefaultCallSites returns the shipped per-call-site policies.
func DefaultCallSites() map[string]CascadePolicy {
	signing := CascadePolicy{
		ThresholdProfile: ProfileHighConfidence,
		Mode:             ModeConsecutive,
		RequiredAccepts:  2,
		MaxAttempts:      5,
		TimeoutSecs:      120,
		RequireLiveness:  true,
		DefaultLiveness:  0.5,
		Signing:          true,
	}
	return map[string]CascadePolicy{
		CallSiteLogin: {
			ThresholdProfile: ProfileHighConfidence,
			Mode:             ModeKOfN,
			RequiredAccepts:  1,
			Window:           3,
			MaxAttempts:      3,
			TimeoutSecs:      60,
			DefaultLiveness:  0.5,
		},
		CallSitePaymentApproval:  signing,
		CallSiteReferralApproval: signing,
		CallSiteQuickCheck: {
			ThresholdProfile: ProfileExploratory,
			Mode:             ModeKOfN,
			RequiredAccepts:  1,
			MaxAttempts:      1,
			TimeoutSecs:      30,
			DefaultLiveness:  0.5,
			Quick:            true,
		},
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./vigil.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			TemplateTTL:  time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			Scope:             "default",
			ChannelBufferSize: 1000,
		},
		Matcher:   DefaultMatcherConfig(),
		CallSites: DefaultCallSites(),
		Fraud:     DefaultFraudPolicy(),
		Velocity: VelocityConfig{
			WindowSecs: 3600,
		},
		Ledger: LedgerConfig{
			SweepIntervalSecs: 900,
			VerifyBatchSize:   500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "vigil",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "vigil",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		TemplateTTL:    time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		Scope:             "default",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks the biometric and fraud policy. Every failure wraps
// ErrPolicyConfiguration so startup can refuse to run.
func (c *Config) Validate() error {
	if err := c.Matcher.Validate(); err != nil {
		return err
	}
	if len(c.CallSites) == 0 {
		return fmt.Errorf("%w: no call sites configured", ErrPolicyConfiguration)
	}
	for name, p := range c.CallSites {
		if err := p.Validate(name, c.Matcher); err != nil {
			return err
		}
	}
	return c.Fraud.Validate()
}

// Validate checks matcher scale and threshold profiles.
func (m MatcherConfig) Validate() error {
	if m.ScaleK <= 0 {
		return fmt.Errorf("%w: matcher scaleK must be positive", ErrPolicyConfiguration)
	}
	if m.DescriptorLength <= 0 {
		return fmt.Errorf("%w: descriptor length must be positive", ErrPolicyConfiguration)
	}
	if len(m.Profiles) == 0 {
		return fmt.Errorf("%w: no threshold profiles configured", ErrPolicyConfiguration)
	}
	for name, p := range m.Profiles {
		if p.AcceptBelow <= 0 || p.RejectAtOrAbove < p.AcceptBelow {
			return fmt.Errorf("%w: threshold profile %q needs 0 < acceptBelow <= rejectAtOrAbove", ErrPolicyConfiguration, name)
		}
	}
	return nil
}

// Validate checks a call-site policy against the matcher profiles.
func (p CascadePolicy) Validate(name string, m MatcherConfig) error {
	if _, ok := m.Profiles[p.ThresholdProfile]; !ok {
		return fmt.Errorf("%w: call site %q references unknown threshold profile %q", ErrPolicyConfiguration, name, p.ThresholdProfile)
	}
	if p.Mode != ModeConsecutive && p.Mode != ModeKOfN {
		return fmt.Errorf("%w: call site %q has unknown mode %q", ErrPolicyConfiguration, name, p.Mode)
	}
	if p.RequiredAccepts < 1 {
		return fmt.Errorf("%w: call site %q requires at least one accept", ErrPolicyConfiguration, name)
	}
	if p.MaxAttempts < p.RequiredAccepts {
		return fmt.Errorf("%w: call site %q maxAttempts below requiredAccepts", ErrPolicyConfiguration, name)
	}
	if p.Mode == ModeKOfN && p.Window != 0 && p.Window < p.RequiredAccepts {
		return fmt.Errorf("%w: call site %q window smaller than requiredAccepts", ErrPolicyConfiguration, name)
	}
	if p.TimeoutSecs <= 0 {
		return fmt.Errorf("%w: call site %q needs a positive timeout", ErrPolicyConfiguration, name)
	}
	if p.DefaultLiveness < 0 || p.DefaultLiveness > 1 {
		return fmt.Errorf("%w: call site %q defaultLiveness outside [0,1]", ErrPolicyConfiguration, name)
	}
	if p.Quick && p.MaxAttempts != 1 {
		return fmt.Errorf("%w: quick call site %q must be one-shot", ErrPolicyConfiguration, name)
	}
	if p.Quick && p.Signing {
		return fmt.Errorf("%w: signing call site %q cannot use the quick path", ErrPolicyConfiguration, name)
	}
	return nil
}

// Validate checks thresholds and rules of a fraud policy.
func (f FraudPolicy) Validate() error {
	if f.Version == "" {
		return fmt.Errorf("%w: fraud policy version is required", ErrPolicyConfiguration)
	}
	if f.AllowBelow <= 0 || f.BlockAtOrAbove < f.AllowBelow {
		return fmt.Errorf("%w: fraud policy %s needs 0 < allowBelow <= blockAtOrAbove", ErrPolicyConfiguration, f.Version)
	}
	seen := make(map[string]bool, len(f.Rules))
	for _, r := range f.Rules {
		if r.ID == "" || r.Expression == "" {
			return fmt.Errorf("%w: fraud policy %s has a rule without id or expression", ErrPolicyConfiguration, f.Version)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: fraud policy %s has duplicate rule %s", ErrPolicyConfiguration, f.Version, r.ID)
		}
		seen[r.ID] = true
		switch r.Effect {
		case EffectForce:
			if !r.Verdict.Valid() {
				return fmt.Errorf("%w: force rule %s has invalid verdict %q", ErrPolicyConfiguration, r.ID, r.Verdict)
			}
		case EffectPenalty:
			if r.Weight < 0 {
				return fmt.Errorf("%w: penalty rule %s has negative weight", ErrPolicyConfiguration, r.ID)
			}
		default:
			return fmt.Errorf("%w: rule %s has unknown effect %q", ErrPolicyConfiguration, r.ID, r.Effect)
		}
	}
	return nil
}
