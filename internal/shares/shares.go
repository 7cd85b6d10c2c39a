// Package shares implements the NetShare share registry: an ordered set
// of local shares keyed by a stable share-id, with a single writer and
// many readers.
package shares

import (
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/netshare/netshare-node/internal/metrics"
)

// Share is one locally exposed directory.
type Share struct {
	ShareID    string
	Name       string
	LocalPath  string
	ReadOnly   bool
}

// Registry owns the share table and serializes all mutations.
type Registry struct {
	mu      sync.RWMutex
	order   []string          // share IDs, insertion order
	byID    map[string]*Share
	byPath  map[string]string // canonical path -> share ID
	metrics *metrics.Collector
}

// NewRegistry creates an empty share registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Share),
		byPath: make(map[string]string),
	}
}

// SetMetrics attaches a collector whose SharesRegistered gauge is
// refreshed on every Add/Remove. Passing nil detaches it.
func (r *Registry) SetMetrics(coll *metrics.Collector) {
	r.mu.Lock()
	r.metrics = coll
	r.reportCountLocked()
	r.mu.Unlock()
}

// reportCountLocked refreshes the SharesRegistered gauge. Caller must
// hold the write lock.
func (r *Registry) reportCountLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.SharesRegistered.Set(float64(len(r.byID)))
}

// List returns a stable-insertion-order snapshot of all shares.
func (r *Registry) List() []Share {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Share, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Get returns the share with the given id, if any.
func (r *Registry) Get(shareID string) (Share, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[shareID]
	if !ok {
		return Share{}, false
	}
	return *s, true
}

// Add registers a share. If shareID is non-empty and already present, that
// entry is updated in place. Otherwise, if a registered share already has
// the same canonical path, that entry is updated in place and its
// existing share-id is returned. Otherwise a new entry is created with
// shareID, or with a freshly generated share-id when shareID is empty,
// and name defaults to the final path component when not supplied.
func (r *Registry) Add(localPath string, readOnly bool, shareID, name string) (Share, error) {
	canonical, err := filepath.Abs(localPath)
	if err != nil {
		return Share{}, err
	}
	canonical = filepath.Clean(canonical)

	r.mu.Lock()
	defer r.mu.Unlock()

	if shareID != "" {
		if existing, ok := r.byID[shareID]; ok {
			r.reindexPath(existing, canonical)
			existing.LocalPath = canonical
			existing.ReadOnly = readOnly
			if name != "" {
				existing.Name = name
			}
			return *existing, nil
		}
	}

	if existingID, ok := r.byPath[canonical]; ok {
		existing := r.byID[existingID]
		existing.ReadOnly = readOnly
		if name != "" {
			existing.Name = name
		}
		return *existing, nil
	}

	if shareID == "" {
		shareID = uuid.New().String()
	}
	created := r.create(shareID, canonical, readOnly, name)
	return *created, nil
}

// create allocates a new entry. Caller must hold the write lock.
func (r *Registry) create(shareID, canonical string, readOnly bool, name string) *Share {
	if name == "" {
		name = filepath.Base(canonical)
	}
	s := &Share{
		ShareID:   shareID,
		Name:      name,
		LocalPath: canonical,
		ReadOnly:  readOnly,
	}
	r.byID[shareID] = s
	r.byPath[canonical] = shareID
	r.order = append(r.order, shareID)
	r.reportCountLocked()
	return s
}

// reindexPath updates the path index when an existing share's path
// changes. Caller must hold the write lock.
func (r *Registry) reindexPath(s *Share, newCanonical string) {
	if s.LocalPath == newCanonical {
		return
	}
	delete(r.byPath, s.LocalPath)
	r.byPath[newCanonical] = s.ShareID
}

// Remove deletes a share by id, returning whether it existed.
func (r *Registry) Remove(shareID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[shareID]
	if !ok {
		return false
	}
	delete(r.byID, shareID)
	delete(r.byPath, s.LocalPath)
	r.reportCountLocked()
	for i, id := range r.order {
		if id == shareID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// ToggleReadOnly flips the read-only flag of a share, returning whether it
// existed.
func (r *Registry) ToggleReadOnly(shareID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[shareID]
	if !ok {
		return false
	}
	s.ReadOnly = !s.ReadOnly
	return true
}
