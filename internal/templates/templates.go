// Package templates serves enrolled biometric templates to the verifier.
package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/vigil/internal/domain"
)

const keyPrefix = "template:"

// Source reads active templates through the cache. Concurrent misses for
// the same subject share one store read.
type Source struct {
	store  domain.TemplateStore
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// cachedTemplate carries the descriptor, which domain.Template hides from JSON.
type cachedTemplate struct {
	ID         string            `json:"id"`
	SubjectID  string            `json:"subjectId"`
	Descriptor domain.Descriptor `json:"descriptor"`
	EnrolledAt time.Time         `json:"enrolledAt"`
	Quality    *float64          `json:"quality,omitempty"`
}

// NewSource creates a template source. cache may be nil.
func NewSource(store domain.TemplateStore, cache domain.Cache, ttl time.Duration, logger *slog.Logger) *Source {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// Active returns the subject's current template, or domain.ErrTemplateNotFound.
func (s *Source) Active(ctx context.Context, subjectID string) (*domain.Template, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", domain.ErrInvalidInput)
	}

	if tmpl := s.fromCache(ctx, subjectID); tmpl != nil {
		return tmpl, nil
	}

	v, err, _ := s.group.Do(subjectID, func() (any, error) {
		tmpl, err := s.store.GetActiveTemplate(ctx, subjectID)
		if err != nil {
			return nil, err
		}
		s.toCache(ctx, tmpl)
		return tmpl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Template), nil
}

// Candidates returns the active templates of every enrolled subject in
// subjectIDs, for identification mode.
func (s *Source) Candidates(ctx context.Context, subjectIDs []string) ([]*domain.Template, error) {
	var out []*domain.Template
	for _, id := range subjectIDs {
		tmpl, err := s.Active(ctx, id)
		if errors.Is(err, domain.ErrTemplateNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, tmpl)
	}
	if len(out) == 0 {
		return nil, domain.ErrTemplateNotFound
	}
	return out, nil
}

// Enroll stores a new template that supersedes the subject's previous one.
func (s *Source) Enroll(ctx context.Context, subjectID string, descriptor domain.Descriptor, quality *float64) (*domain.Template, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", domain.ErrInvalidInput)
	}
	if len(descriptor) != domain.DescriptorLength {
		return nil, fmt.Errorf("%w: got %d values", domain.ErrDescriptorShapeMismatch, len(descriptor))
	}

	tmpl := &domain.Template{
		ID:         uuid.New().String(),
		SubjectID:  subjectID,
		Descriptor: descriptor,
		EnrolledAt: time.Now().UTC(),
		Quality:    quality,
	}
	if err := s.store.SaveTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("failed to save template: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, keyPrefix+subjectID); err != nil {
			s.logger.Warn("template cache invalidation failed", "subject_id", subjectID, "error", err)
		}
	}
	return tmpl, nil
}

func (s *Source) fromCache(ctx context.Context, subjectID string) *domain.Template {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, keyPrefix+subjectID)
	if err != nil {
		s.logger.Warn("template cache read failed", "subject_id", subjectID, "error", err)
		return nil
	}
	if data == nil {
		return nil
	}

	var c cachedTemplate
	if err := json.Unmarshal(data, &c); err != nil || len(c.Descriptor) != domain.DescriptorLength {
		return nil
	}
	return &domain.Template{
		ID:         c.ID,
		SubjectID:  c.SubjectID,
		Descriptor: c.Descriptor,
		EnrolledAt: c.EnrolledAt,
		Quality:    c.Quality,
	}
}

func (s *Source) toCache(ctx context.Context, tmpl *domain.Template) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(cachedTemplate{
		ID:         tmpl.ID,
		SubjectID:  tmpl.SubjectID,
		Descriptor: tmpl.Descriptor,
		EnrolledAt: tmpl.EnrolledAt,
		Quality:    tmpl.Quality,
	})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, keyPrefix+tmpl.SubjectID, data, s.ttl); err != nil {
		s.logger.Warn("template cache write failed", "subject_id", tmpl.SubjectID, "error", err)
	}
}
