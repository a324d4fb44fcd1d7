package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/hoa/model"
)

// snapshot is an immutable collection of base definitions indexed by
// workflow key.
type snapshot struct {
	defs     map[string]model.BaseDefinition
	keys     []string
	checksum string
}

// Registry is a read-optimized, thread-safe store of the loaded base
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
// Base definitions are read-only for the rest of the service.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.BaseDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. A later definition with the same workflow key
// replaces an earlier one.
func (r *Registry) Replace(defs []model.BaseDefinition) {
	s := &snapshot{
		defs: make(map[string]model.BaseDefinition, len(defs)),
	}

	var checksumParts []string
	for _, def := range defs {
		if _, dup := s.defs[def.WorkflowKey]; !dup {
			s.keys = append(s.keys, def.WorkflowKey)
		}
		s.defs[def.WorkflowKey] = def
		checksumParts = append(checksumParts, def.Checksum)
	}
	sort.Strings(s.keys)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the base definition for workflowKey.
func (r *Registry) Get(workflowKey string) (model.BaseDefinition, bool) {
	d, ok := r.current().defs[workflowKey]
	return d, ok
}

// Keys returns all workflow keys, sorted.
func (r *Registry) Keys() []string {
	keys := r.current().keys
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// All returns every base definition ordered by workflow key.
func (r *Registry) All() []model.BaseDefinition {
	s := r.current()
	defs := make([]model.BaseDefinition, 0, len(s.keys))
	for _, k := range s.keys {
		defs = append(defs, s.defs[k])
	}
	return defs
}

// Len returns the number of loaded definitions.
func (r *Registry) Len() int {
	return len(r.current().keys)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
