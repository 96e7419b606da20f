// Package handle manages locally-dereferenceable blob handles and the
// process-wide cache that maps (table, id) to them.
//
// A handle is either a memory-backed URI ("blob:<uuid>") whose bytes are
// owned by a Registry, or an inline data URL that resolves on its own.
// Memory handles are reference counted: the cache holds one reference and
// every lease holds another. Bytes are dropped when the last one is
// released.
package handle

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/blobcache"
)

const memoryScheme = "blob:"

// ErrUnknownHandle is returned when a memory handle has been released or
// was never created by this registry.
var ErrUnknownHandle = errors.New("unknown or released handle")

// Handle is a locally-dereferenceable blob value.
type Handle string

// IsMemory reports whether the handle is backed by registry memory.
func (h Handle) IsMemory() bool {
	return strings.HasPrefix(string(h), memoryScheme)
}

// IsInline reports whether the handle is a self-contained data URL.
func (h Handle) IsInline() bool {
	return blobcache.IsDataURL(string(h))
}

// String returns the handle URI.
func (h Handle) String() string { return string(h) }

type object struct {
	data     []byte
	mimeType string
	refs     int
}

// Registry owns the bytes behind memory handles.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	objects map[Handle]*object

	onRelease func(live int)
}

// NewRegistry creates an empty registry. onRelease, when non-nil, is called
// with the number of live objects each time an object is freed.
func NewRegistry(onRelease func(live int)) *Registry {
	return &Registry{
		objects:   make(map[Handle]*object),
		onRelease: onRelease,
	}
}

// Create stores data and returns a new memory handle holding one reference,
// owned by the caller. The caller must hand it to a Cache or Release it.
func (r *Registry) Create(data []byte, mimeType string) Handle {
	if mimeType == "" {
		mimeType = blobcache.DefaultMimeType
	}
	h := Handle(memoryScheme + uuid.NewString())

	r.mu.Lock()
	r.objects[h] = &object{data: data, mimeType: mimeType, refs: 1}
	r.mu.Unlock()
	return h
}

// Retain adds a reference to a live memory handle. Inline handles need no
// reference and always succeed. It returns false if the handle is gone.
func (r *Registry) Retain(h Handle) bool {
	if !h.IsMemory() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[h]
	if !ok {
		return false
	}
	obj.refs++
	return true
}

// Release drops one reference. The bytes are freed when none remain.
// Releasing an inline or unknown handle is a no-op.
func (r *Registry) Release(h Handle) {
	if !h.IsMemory() {
		return
	}
	r.mu.Lock()
	obj, ok := r.objects[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	obj.refs--
	if obj.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.objects, h)
	live := len(r.objects)
	r.mu.Unlock()

	if r.onRelease != nil {
		r.onRelease(live)
	}
}

// Resolve returns the bytes behind a handle without further I/O.
func (r *Registry) Resolve(h Handle) (data []byte, mimeType string, err error) {
	if h.IsInline() {
		mimeType, data, err := blobcache.DecodeDataURL(string(h))
		return data, mimeType, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[h]
	if !ok {
		return nil, "", ErrUnknownHandle
	}
	return obj.data, obj.mimeType, nil
}

// Len returns the number of live memory objects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}
