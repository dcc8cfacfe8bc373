package cascade

import (
	"math"

	"github.com/opensource-finance/vigil/internal/domain"
)

// mark is the part of an attempt the policy and scores look at.
type mark struct {
	outcome    domain.AttemptOutcome
	subjectID  string
	similarity float64
	liveness   *float64
}

// satisfied reports whether the attempts so far meet the policy, and for
// which subject. Only accepts for the same subject count together, so an
// identification session cannot be accepted on a mix of identities.
func satisfied(p domain.CascadePolicy, marks []mark) (string, bool) {
	if len(marks) == 0 {
		return "", false
	}
	last := marks[len(marks)-1]
	if last.outcome != domain.OutcomeAccept {
		return "", false
	}
	subject := last.subjectID

	switch p.Mode {
	case domain.ModeConsecutive:
		run := 0
		for i := len(marks) - 1; i >= 0; i-- {
			if marks[i].outcome != domain.OutcomeAccept || marks[i].subjectID != subject {
				break
			}
			run++
		}
		return subject, run >= p.RequiredAccepts

	case domain.ModeKOfN:
		start := 0
		if p.Window > 0 && len(marks) > p.Window {
			start = len(marks) - p.Window
		}
		count := 0
		for _, m := range marks[start:] {
			if m.outcome == domain.OutcomeAccept && m.subjectID == subject {
				count++
			}
		}
		return subject, count >= p.RequiredAccepts
	}

	return "", false
}

// sessionScores derives the scorer inputs from the attempts.
// Verification is the mean similarity of the matched subject's accepts, or
// the best similarity seen when nothing was accepted. Liveness is the
// weakest liveness reported, or the policy default when none was.
func sessionScores(p domain.CascadePolicy, marks []mark, matched string, deviceTrust, location float64) domain.SessionScores {
	var sum, best float64
	var accepts int
	minLiveness := math.Inf(1)

	for _, m := range marks {
		if m.similarity > best {
			best = m.similarity
		}
		if m.outcome == domain.OutcomeAccept && matched != "" && m.subjectID == matched {
			sum += m.similarity
			accepts++
		}
		if m.liveness != nil && *m.liveness < minLiveness {
			minLiveness = *m.liveness
		}
	}

	verification := best / 100
	if accepts > 0 {
		verification = sum / float64(accepts) / 100
	}

	liveness := p.DefaultLiveness
	if !math.IsInf(minLiveness, 1) {
		liveness = minLiveness
	}

	return domain.SessionScores{
		Verification:        clamp01(verification),
		Liveness:            clamp01(liveness),
		DeviceTrust:         clamp01(deviceTrust),
		LocationConsistency: clamp01(location),
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
