package scorer

import (
	"math"

	"github.com/opensource-finance/vigil/internal/domain"
)

// Outcome is the verdict derived from one set of rule results.
type Outcome struct {
	Verdict  domain.Verdict
	Risk     float64
	ForcedBy string
}

// Decide aggregates rule results under a policy.
//
// Penalty rules are combined into a weighted mean of their clamped scores.
// A fired force rule overrides the threshold bands; when several fire, the
// strictest verdict wins and ties go to the rule evaluated first.
func Decide(p domain.FraudPolicy, results []domain.RuleResult) Outcome {
	verdicts := make(map[string]domain.Verdict, len(p.Rules))
	for _, r := range p.Rules {
		verdicts[r.ID] = r.Verdict
	}

	var weighted, total float64
	var forced domain.Verdict
	var forcedBy string

	for _, r := range results {
		switch r.Effect {
		case domain.EffectForce:
			if !r.Fired {
				continue
			}
			v := verdicts[r.RuleID]
			if forcedBy == "" || v.Severity() > forced.Severity() {
				forced, forcedBy = v, r.RuleID
			}
		case domain.EffectPenalty:
			if r.Weight <= 0 {
				continue
			}
			weighted += r.Contribution
			total += r.Weight
		}
	}

	risk := 0.0
	if total > 0 {
		risk = math.Max(0, math.Min(1, weighted/total))
	}

	if forcedBy != "" {
		return Outcome{Verdict: forced, Risk: risk, ForcedBy: forcedBy}
	}
	return Outcome{Verdict: band(p, risk), Risk: risk}
}

func band(p domain.FraudPolicy, risk float64) domain.Verdict {
	switch {
	case risk < p.AllowBelow:
		return domain.VerdictAllow
	case risk < p.BlockAtOrAbove:
		return domain.VerdictReview
	default:
		return domain.VerdictBlock
	}
}
