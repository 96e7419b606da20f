// Package store defines the persistent record store consumed by the blob
// cache. Implementations live in sub-packages.
package store

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/wolfeidau/blobcache"
)

// DefaultPayloadField is the field holding the payload in tables whose
// records are pure binary containers.
const DefaultPayloadField = "data"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStaleRevision is returned when a write carries a lower revision than
	// the stored record. The write is dropped.
	ErrStaleRevision = errors.New("store: stale revision")
)

// Record is one row of a table.
type Record struct {
	ID        string
	Fields    map[string]blobcache.Payload
	MimeType  string
	CreatedAt time.Time
	// Revision orders writes to the same record. Zero disables the check.
	Revision int64
}

// Payload returns the value of a field.
func (r *Record) Payload(field string) (blobcache.Payload, bool) {
	if r == nil || r.Fields == nil {
		return blobcache.Payload{}, false
	}
	p, ok := r.Fields[field]
	return p, ok && !p.IsZero()
}

// Clone returns a copy whose field map can be modified independently.
// Payload bytes are shared.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = maps.Clone(r.Fields)
	return &c
}

// Patch is a partial update of a record. Fields not named are preserved.
type Patch struct {
	Fields   map[string]blobcache.Payload
	MimeType string
	Revision int64
}

// Apply merges the patch into r.
func (p Patch) Apply(r *Record) {
	if r.Fields == nil {
		r.Fields = make(map[string]blobcache.Payload, len(p.Fields))
	}
	maps.Copy(r.Fields, p.Fields)
	if p.MimeType != "" {
		r.MimeType = p.MimeType
	}
	if p.Revision != 0 {
		r.Revision = p.Revision
	}
}

// IsStale reports whether a write with revision rev must be dropped because
// existing already carries a newer one.
func IsStale(existing *Record, rev int64) bool {
	return existing != nil && rev != 0 && existing.Revision > rev
}

// Store is the persistent record store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns a record. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, table, id string) (*Record, error)

	// Put stores a record, replacing any existing record with the same id.
	Put(ctx context.Context, table string, rec *Record) error

	// Update merges a patch into a record, creating it if missing, and
	// preserves fields the patch does not name.
	Update(ctx context.Context, table, id string, patch Patch) error

	// ScanAll returns every record in a table.
	ScanAll(ctx context.Context, table string) ([]*Record, error)

	// Delete removes a record. Returns nil if it does not exist.
	Delete(ctx context.Context, table, id string) error
}
