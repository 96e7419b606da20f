// Package boltstore implements store.Store on bbolt, with one bucket per
// table and records in protobuf wire format.
package boltstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/blobcache/store"
	"go.etcd.io/bbolt"
)

const tableBucketPrefix = "table:"

// ErrClosed is returned by operations on a store that is not open.
var ErrClosed = errors.New("boltstore: database not open")

// BoltDB implements store.Store using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a BoltDB instance.
type Option func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// New creates a new BoltDB instance with options.
func New(opts ...Option) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating codec: %w", err)
	}

	b.db = db
	b.codec = codec
	b.logger.Debug("opened record store", "path", path, "noSync", b.noSync)
	return nil
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing record store")
	err := b.db.Close()
	b.db = nil
	return err
}

// Get retrieves a record.
func (b *BoltDB) Get(ctx context.Context, table, id string) (*store.Record, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	var rec *store.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tableBucket(table))
		if bucket == nil {
			return store.ErrNotFound
		}
		val := bucket.Get([]byte(id))
		if val == nil {
			return store.ErrNotFound
		}
		var err error
		rec, err = decodeRecord(b.codec, val)
		if err != nil {
			return fmt.Errorf("decoding %s/%s: %w", table, id, err)
		}
		return nil
	})
	return rec, err
}

// Put stores a record, replacing any existing one unless it carries a newer
// revision.
func (b *BoltDB) Put(ctx context.Context, table string, rec *store.Record) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec = rec.Clone()
		rec.CreatedAt = b.now()
	}
	val, err := encodeRecord(b.codec, rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(tableBucket(table))
		if err != nil {
			return fmt.Errorf("creating bucket for %s: %w", table, err)
		}
		if rec.Revision != 0 {
			if existing := bucket.Get([]byte(rec.ID)); existing != nil {
				rev, err := decodeRevision(existing)
				if err != nil {
					return err
				}
				if rev > rec.Revision {
					return store.ErrStaleRevision
				}
			}
		}
		if err := bucket.Put([]byte(rec.ID), val); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		return nil
	})
}

// Update merges a patch into a record, creating it if missing.
func (b *BoltDB) Update(ctx context.Context, table, id string, patch store.Patch) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(tableBucket(table))
		if err != nil {
			return fmt.Errorf("creating bucket for %s: %w", table, err)
		}

		var rec *store.Record
		if existing := bucket.Get([]byte(id)); existing != nil {
			rec, err = decodeRecord(b.codec, existing)
			if err != nil {
				return fmt.Errorf("decoding %s/%s: %w", table, id, err)
			}
			if store.IsStale(rec, patch.Revision) {
				return store.ErrStaleRevision
			}
		} else {
			rec = &store.Record{ID: id, CreatedAt: b.now()}
		}

		patch.Apply(rec)
		val, err := encodeRecord(b.codec, rec)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(id), val); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		return nil
	})
}

// ScanAll returns every record in a table in key order.
func (b *BoltDB) ScanAll(ctx context.Context, table string) ([]*store.Record, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	var recs []*store.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tableBucket(table))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(b.codec, v)
			if err != nil {
				// One corrupt row must not hide the rest of the table.
				b.logger.Warn("skipping undecodable record", "table", table, "id", string(k), "error", err)
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// Delete removes a record.
func (b *BoltDB) Delete(ctx context.Context, table, id string) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tableBucket(table))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(id))
	})
}

// Tables returns the names of all tables holding at least one bucket.
func (b *BoltDB) Tables(ctx context.Context) ([]string, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	var tables []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if t, ok := parseTableBucket(name); ok {
				tables = append(tables, t)
			}
			return nil
		})
	})
	return tables, err
}

func (b *BoltDB) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.db == nil {
		return ErrClosed
	}
	return nil
}

func tableBucket(table string) []byte {
	return []byte(tableBucketPrefix + table)
}

func parseTableBucket(name []byte) (string, bool) {
	s := string(name)
	if len(s) <= len(tableBucketPrefix) || s[:len(tableBucketPrefix)] != tableBucketPrefix {
		return "", false
	}
	return s[len(tableBucketPrefix):], true
}

var _ store.Store = (*BoltDB)(nil)
