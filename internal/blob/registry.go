// Package blob mints locally-dereferenceable handles for fetched binary
// content, in the manner of browser object URLs. A handle stays valid until
// it is revoked; after that it can never be opened again.
package blob

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"
)

var (
	// ErrRevoked is returned when opening a handle that has been released.
	ErrRevoked = errors.New("blob: handle has been revoked")
	// ErrNotFound is returned for identifiers this registry never minted (or
	// revoked long enough ago to have forgotten).
	ErrNotFound = errors.New("blob: unknown handle")
)

const (
	urlScheme    = "blob:"
	tombstoneTTL = 15 * time.Minute
	tombstoneMax = 10_000
)

// Handle refers to content held by a Registry. Handles are shared by
// reference; the Registry's owner decides when to revoke them.
type Handle struct {
	ID          uuid.UUID
	URL         string
	ContentType string
	Size        int
}

// Path is the local path the viewer serves the handle's content from.
func (h *Handle) Path() string {
	return "/blob/" + h.ID.String()
}

type object struct {
	handle *Handle
	data   []byte
}

// Registry owns minted content. It is safe for concurrent use.
type Registry struct {
	origin string

	mu   sync.RWMutex
	live map[uuid.UUID]object

	// revoked remembers recently revoked ids so that a late dereference
	// reports ErrRevoked rather than ErrNotFound.
	revoked *otter.Cache[uuid.UUID, struct{}]
}

// NewRegistry creates a registry whose handle URLs are rooted at origin.
func NewRegistry(origin string) *Registry {
	return &Registry{
		origin: strings.TrimSuffix(origin, "/"),
		live:   make(map[uuid.UUID]object),
		revoked: otter.Must(&otter.Options[uuid.UUID, struct{}]{
			MaximumSize:      tombstoneMax,
			ExpiryCalculator: otter.ExpiryCreating[uuid.UUID, struct{}](tombstoneTTL),
		}),
	}
}

// Mint stores data and returns a new handle to it. The registry takes
// ownership of data; callers must not modify it afterwards.
func (r *Registry) Mint(contentType string, data []byte) *Handle {
	id := uuid.New()
	h := &Handle{
		ID:          id,
		URL:         urlScheme + r.origin + "/" + id.String(),
		ContentType: contentType,
		Size:        len(data),
	}

	r.mu.Lock()
	r.live[id] = object{handle: h, data: data}
	r.mu.Unlock()

	recordMinted()

	return h
}

// Revoke releases the handle's content. It reports whether the handle was
// live; revoking twice is harmless.
func (r *Registry) Revoke(h *Handle) bool {
	if h == nil {
		return false
	}

	r.mu.Lock()
	_, ok := r.live[h.ID]
	delete(r.live, h.ID)
	r.mu.Unlock()

	if ok {
		r.revoked.Set(h.ID, struct{}{})
		recordRevoked()
	}

	return ok
}

// Open dereferences a handle by id. The returned slice is shared and must be
// treated as read-only.
func (r *Registry) Open(id uuid.UUID) (*Handle, []byte, error) {
	r.mu.RLock()
	obj, ok := r.live[id]
	r.mu.RUnlock()

	if ok {
		return obj.handle, obj.data, nil
	}

	if _, gone := r.revoked.GetIfPresent(id); gone {
		return nil, nil, ErrRevoked
	}

	return nil, nil, ErrNotFound
}

// Resolve opens a handle from its URL, "blob:<origin>/<id>", or from the
// bare id.
func (r *Registry) Resolve(ref string) (*Handle, []byte, error) {
	raw := ref
	if rest, ok := strings.CutPrefix(ref, urlScheme); ok {
		idx := strings.LastIndex(rest, "/")
		if idx < 0 || rest[:idx] != r.origin {
			return nil, nil, ErrNotFound
		}
		raw = rest[idx+1:]
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, nil, ErrNotFound
	}

	return r.Open(id)
}

// Len reports the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}
