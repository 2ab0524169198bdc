package dataset

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("dataset not found")
	ErrDuplicateSnapshot = errors.New("snapshot id already published")
)

// Registry maps dataset references to their current snapshot. Each
// reference has a single writer and many readers: Publish waits for
// in-flight readers of the same reference to release.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	seen    map[uuid.UUID]struct{}
}

type entry struct {
	mu   sync.RWMutex
	snap *Snapshot
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		seen:    make(map[uuid.UUID]struct{}),
	}
}

// Publish makes snap the current snapshot for ref, superseding any earlier one.
func (r *Registry) Publish(ref string, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("publish %q: nil snapshot", ref)
	}
	r.mu.Lock()
	if _, dup := r.seen[snap.ID()]; dup {
		r.mu.Unlock()
		return fmt.Errorf("publish %q: %w: %s", ref, ErrDuplicateSnapshot, snap.ID())
	}
	r.seen[snap.ID()] = struct{}{}
	e, ok := r.entries[ref]
	if !ok {
		e = &entry{}
		r.entries[ref] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
	return nil
}

// Acquire returns the current snapshot for ref and a release func that must
// be called once the caller is done reading it.
func (r *Registry) Acquire(ref string) (*Snapshot, func(), error) {
	r.mu.Lock()
	e, ok := r.entries[ref]
	r.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	e.mu.RLock()
	if e.snap == nil {
		e.mu.RUnlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return e.snap, sync.OnceFunc(e.mu.RUnlock), nil
}

// Refs returns the published references in sorted order.
func (r *Registry) Refs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]string, 0, len(r.entries))
	for ref := range r.entries {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
