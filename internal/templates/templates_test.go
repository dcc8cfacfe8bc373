package templates

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/vigil/internal/cache"
	"github.com/opensource-finance/vigil/internal/domain"
)

// countingStore is an in-memory TemplateStore that counts reads.
type countingStore struct {
	mu        sync.Mutex
	templates map[string][]*domain.Template
	reads     atomic.Int32
	delay     time.Duration
}

func newCountingStore() *countingStore {
	return &countingStore{templates: make(map[string][]*domain.Template)}
}

func (s *countingStore) SaveTemplate(ctx context.Context, tmpl *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tmpl.SubjectID] = append(s.templates[tmpl.SubjectID], tmpl)
	return nil
}

func (s *countingStore) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.templates {
		for _, tmpl := range list {
			if tmpl.ID == id {
				return tmpl, nil
			}
		}
	}
	return nil, domain.ErrTemplateNotFound
}

func (s *countingStore) GetActiveTemplate(ctx context.Context, subjectID string) (*domain.Template, error) {
	s.reads.Add(1)
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.templates[subjectID]
	if len(list) == 0 {
		return nil, domain.ErrTemplateNotFound
	}
	return list[len(list)-1], nil
}

func (s *countingStore) ListActiveTemplates(ctx context.Context, subjectIDs []string) ([]*domain.Template, error) {
	return nil, errors.New("not used")
}

func descriptor(fill float32) domain.Descriptor {
	d := make(domain.Descriptor, domain.DescriptorLength)
	for i := range d {
		d[i] = fill
	}
	return d
}

func TestSourceCachesActiveTemplate(t *testing.T) {
	store := newCountingStore()
	src := NewSource(store, cache.NewLRUCache(100), time.Minute, nil)
	ctx := context.Background()

	if _, err := src.Enroll(ctx, "subj-001", descriptor(0.1), nil); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		tmpl, err := src.Active(ctx, "subj-001")
		if err != nil {
			t.Fatalf("Active failed: %v", err)
		}
		if tmpl.Descriptor[0] != 0.1 {
			t.Errorf("unexpected descriptor value %v", tmpl.Descriptor[0])
		}
	}

	if got := store.reads.Load(); got != 1 {
		t.Errorf("expected 1 store read, got %d", got)
	}
}

func TestEnrollInvalidatesCache(t *testing.T) {
	store := newCountingStore()
	src := NewSource(store, cache.NewLRUCache(100), time.Minute, nil)
	ctx := context.Background()

	first, _ := src.Enroll(ctx, "subj-001", descriptor(0.1), nil)
	if _, err := src.Active(ctx, "subj-001"); err != nil {
		t.Fatalf("Active failed: %v", err)
	}

	second, err := src.Enroll(ctx, "subj-001", descriptor(0.2), nil)
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	active, err := src.Active(ctx, "subj-001")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active.ID != second.ID || active.ID == first.ID {
		t.Errorf("expected re-enrollment %s to be active, got %s", second.ID, active.ID)
	}
}

func TestConcurrentMissesShareOneRead(t *testing.T) {
	store := newCountingStore()
	store.delay = 50 * time.Millisecond
	_ = store.SaveTemplate(context.Background(), &domain.Template{ID: "tpl-1", SubjectID: "subj-001", Descriptor: descriptor(0.3)})

	src := NewSource(store, cache.NewLRUCache(100), time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := src.Active(context.Background(), "subj-001"); err != nil {
				t.Errorf("Active failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := store.reads.Load(); got != 1 {
		t.Errorf("expected concurrent misses to share 1 read, got %d", got)
	}
}

func TestNotEnrolled(t *testing.T) {
	src := NewSource(newCountingStore(), nil, time.Minute, nil)
	ctx := context.Background()

	if _, err := src.Active(ctx, "nobody"); !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got: %v", err)
	}
	if _, err := src.Candidates(ctx, []string{"a", "b"}); !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound for no candidates, got: %v", err)
	}
}

func TestEnrollRejectsBadShape(t *testing.T) {
	src := NewSource(newCountingStore(), nil, time.Minute, nil)

	_, err := src.Enroll(context.Background(), "subj-001", make(domain.Descriptor, 64), nil)
	if !errors.Is(err, domain.ErrDescriptorShapeMismatch) {
		t.Errorf("expected ErrDescriptorShapeMismatch, got: %v", err)
	}
}
