// Package matcher compares face descriptors.
package matcher

import (
	"fmt"
	"math"

	"github.com/opensource-finance/vigil/internal/domain"
)

// Match is the result of comparing a probe against one template.
type Match struct {
	TemplateID string                `json:"templateId,omitempty"`
	Distance   float64               `json:"distance"`
	Similarity float64               `json:"similarity"`
	Outcome    domain.AttemptOutcome `json:"outcome"`
}

// Matcher holds the distance scale and the named threshold profiles.
// It keeps no mutable state and is safe for concurrent use.
type Matcher struct {
	scaleK   float64
	length   int
	profiles map[string]domain.ThresholdProfile
}

// New builds a Matcher. Invalid configuration fails with
// domain.ErrPolicyConfiguration.
func New(cfg domain.MatcherConfig) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	profiles := make(map[string]domain.ThresholdProfile, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		profiles[name] = p
	}

	return &Matcher{
		scaleK:   cfg.ScaleK,
		length:   cfg.DescriptorLength,
		profiles: profiles,
	}, nil
}

// Distance returns the Euclidean distance between two descriptors.
// Both must have the configured length.
func (m *Matcher) Distance(a, b domain.Descriptor) (float64, error) {
	if len(a) != m.length || len(b) != m.length {
		return 0, fmt.Errorf("%w: want %d values, got %d and %d",
			domain.ErrDescriptorShapeMismatch, m.length, len(a), len(b))
	}

	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}

	dist := math.Sqrt(sum)
	if math.IsNaN(dist) || math.IsInf(dist, 0) {
		return 0, fmt.Errorf("%w: descriptor contains non-finite values", domain.ErrInvalidInput)
	}
	return dist, nil
}

// Similarity maps a distance onto [0, 100].
func (m *Matcher) Similarity(distance float64) float64 {
	s := (m.scaleK - distance) / m.scaleK * 100
	return math.Max(0, math.Min(100, s))
}

// Classify applies a named threshold profile to a distance.
func (m *Matcher) Classify(distance float64, profile string) (domain.AttemptOutcome, error) {
	p, ok := m.profiles[profile]
	if !ok {
		return "", fmt.Errorf("%w: unknown threshold profile %q", domain.ErrPolicyConfiguration, profile)
	}

	switch {
	case distance < p.AcceptBelow:
		return domain.OutcomeAccept, nil
	case distance >= p.RejectAtOrAbove:
		return domain.OutcomeReject, nil
	default:
		return domain.OutcomeInconclusive, nil
	}
}

// Compare matches a probe against a template under a profile.
func (m *Matcher) Compare(probe domain.Descriptor, tmpl *domain.Template, profile string) (Match, error) {
	if tmpl == nil {
		return Match{}, fmt.Errorf("%w: missing template", domain.ErrDescriptorShapeMismatch)
	}

	dist, err := m.Distance(probe, tmpl.Descriptor)
	if err != nil {
		return Match{}, err
	}

	outcome, err := m.Classify(dist, profile)
	if err != nil {
		return Match{}, err
	}

	return Match{
		TemplateID: tmpl.ID,
		Distance:   dist,
		Similarity: m.Similarity(dist),
		Outcome:    outcome,
	}, nil
}

// Best compares a probe against every candidate and returns the closest
// one. Candidates with a malformed descriptor are skipped; if none is
// usable the last shape error is returned.
func (m *Matcher) Best(probe domain.Descriptor, candidates []*domain.Template, profile string) (*domain.Template, Match, error) {
	if len(candidates) == 0 {
		return nil, Match{}, domain.ErrTemplateNotFound
	}

	var best *domain.Template
	var bestMatch Match
	var lastErr error
	for _, c := range candidates {
		match, err := m.Compare(probe, c, profile)
		if err != nil {
			lastErr = err
			continue
		}
		if best == nil || match.Distance < bestMatch.Distance {
			best, bestMatch = c, match
		}
	}

	if best == nil {
		return nil, Match{}, lastErr
	}
	return best, bestMatch, nil
}

// HasProfile reports whether a threshold profile is configured.
func (m *Matcher) HasProfile(name string) bool {
	_, ok := m.profiles[name]
	return ok
}
