package overrides

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/hoa/model"
)

// MemoryRepository is an in-memory Repository. Documents are deep-copied on
// the way in and out so callers never share state with the store.
type MemoryRepository struct {
	mu   sync.RWMutex
	docs map[string]model.OverrideDocument // key: workflow key
	now  func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		docs: make(map[string]model.OverrideDocument),
		now:  time.Now,
	}
}

// Get returns the stored document or an empty one at version 0.
func (r *MemoryRepository) Get(_ context.Context, workflowKey string) (model.OverrideDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[workflowKey]
	if !ok {
		return model.EmptyOverrides(workflowKey), nil
	}
	return doc.Clone(), nil
}

// Replace stores doc under the write lock.
func (r *MemoryRepository) Replace(_ context.Context, doc model.OverrideDocument) (model.OverrideDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := nextVersion(doc, r.docs[doc.WorkflowKey].Version, r.now())
	if err != nil {
		return model.OverrideDocument{}, err
	}
	r.docs[doc.WorkflowKey] = stored
	return stored.Clone(), nil
}

// Keys returns the workflow keys that have a stored document, sorted.
func (r *MemoryRepository) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.docs))
	for k := range r.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HealthCheck always succeeds.
func (r *MemoryRepository) HealthCheck(context.Context) error {
	return nil
}
