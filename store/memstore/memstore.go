// Package memstore provides an in-memory store.Store.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/blobcache/store"
)

// Store keeps records in memory. Records are copied on the way in and out.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]*store.Record
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the time function used for CreatedAt on Update-created records.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tables: make(map[string]map[string]*store.Record),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(_ context.Context, table, id string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tables[table][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Put(_ context.Context, table string, rec *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	if store.IsStale(t[rec.ID], rec.Revision) {
		return store.ErrStaleRevision
	}
	t[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) Update(_ context.Context, table, id string, patch store.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	existing := t[id]
	if store.IsStale(existing, patch.Revision) {
		return store.ErrStaleRevision
	}
	var rec *store.Record
	if existing != nil {
		rec = existing.Clone()
	} else {
		rec = &store.Record{ID: id, CreatedAt: s.now()}
	}
	patch.Apply(rec)
	t[id] = rec
	return nil
}

func (s *Store) ScanAll(_ context.Context, table string) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.tables[table]
	recs := make([]*store.Record, 0, len(t))
	for _, id := range slices.Sorted(maps.Keys(t)) {
		recs = append(recs, t[id].Clone())
	}
	return recs, nil
}

func (s *Store) Delete(_ context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[table], id)
	return nil
}

// note: must hold s.mu
func (s *Store) table(name string) map[string]*store.Record {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]*store.Record)
		s.tables[name] = t
	}
	return t
}

var _ store.Store = (*Store)(nil)
