package domain

// RuleEffect says how a rule participates in the verdict.
type RuleEffect string

const (
	// EffectForce sets the verdict outright when the rule fires.
	EffectForce RuleEffect = "force"

	// EffectPenalty adds score * weight to the aggregate risk.
	EffectPenalty RuleEffect = "penalty"
)

// RuleConfig defines one fraud rule.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// CEL expression over the session scores. Must return bool, int or double.
	Expression string `json:"expression"`

	Effect RuleEffect `json:"effect"`

	// Verdict applied by force rules when the expression result is >= 1 (or true).
	Verdict Verdict `json:"verdict,omitempty"`

	// Weight of a penalty rule in the aggregate.
	Weight float64 `json:"weight,omitempty"`

	// Order fixes evaluation order; ties break on ID.
	Order int `json:"order"`

	Enabled bool `json:"enabled"`
}

// FraudPolicy is a versioned, immutable rule set plus verdict thresholds.
// Decisions record the version they were produced under.
type FraudPolicy struct {
	Version string `json:"version"`

	// risk < AllowBelow => ALLOW
	AllowBelow float64 `json:"allowBelow"`

	// risk >= BlockAtOrAbove => BLOCK, otherwise REVIEW
	BlockAtOrAbove float64 `json:"blockAtOrAbove"`

	Rules []RuleConfig `json:"rules"`
}

// RuleResult is the output of one rule evaluation.
type RuleResult struct {
	RuleID       string     `json:"ruleId"`
	Effect       RuleEffect `json:"effect"`
	Score        float64    `json:"score"`
	Weight       float64    `json:"weight,omitempty"`
	Contribution float64    `json:"contribution,omitempty"`
	Fired        bool       `json:"fired"`
	Error        string     `json:"error,omitempty"`
}

// DefaultFraudPolicy is the shipped policy. Force rules run first.
func DefaultFraudPolicy() FraudPolicy {
	return FraudPolicy{
		Version:        "2026.1",
		AllowBelow:     0.35,
		BlockAtOrAbove: 0.6,
		Rules: []RuleConfig{
			{
				ID:         "liveness-floor",
				Name:       "Liveness below absolute floor",
				Expression: "liveness_score < 0.3",
				Effect:     EffectForce,
				Verdict:    VerdictBlock,
				Order:      10,
				Enabled:    true,
			},
			{
				ID:         "device-failure-burst",
				Name:       "Repeated failed captures on device",
				Expression: "device_failures >= 10",
				Effect:     EffectForce,
				Verdict:    VerdictReview,
				Order:      20,
				Enabled:    true,
			},
			{
				ID:         "verification-gap",
				Name:       "Weak verification score",
				Expression: "1.0 - verification_score",
				Effect:     EffectPenalty,
				Weight:     0.4,
				Order:      100,
				Enabled:    true,
			},
			{
				ID:         "liveness-gap",
				Name:       "Weak liveness score",
				Expression: "1.0 - liveness_score",
				Effect:     EffectPenalty,
				Weight:     0.3,
				Order:      110,
				Enabled:    true,
			},
			{
				ID:         "device-trust-gap",
				Name:       "Untrusted device",
				Expression: "1.0 - device_trust_score",
				Effect:     EffectPenalty,
				Weight:     0.2,
				Order:      120,
				Enabled:    true,
			},
			{
				ID:         "location-gap",
				Name:       "Inconsistent location",
				Expression: "1.0 - location_consistency_score",
				Effect:     EffectPenalty,
				Weight:     0.1,
				Order:      130,
				Enabled:    true,
			},
		},
	}
}
