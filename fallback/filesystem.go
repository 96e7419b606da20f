package fallback

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/wolfeidau/blobcache"
)

const (
	entrySuffix = ".entry"
	// hashedSuffix marks entries whose key is too long to encode in the
	// file name; the key is read back from the frame header.
	hashedSuffix = ".hentry"
	// maxEntryName leaves room under NAME_MAX (255) for the random suffix
	// of the temp file used by atomic writes.
	maxEntryName = 200
)

// Filesystem implements Store as one framed file per key under a root
// directory. Writes are atomic (temp file and rename), so a crash never
// leaves a torn entry. Capacity counts the on-disk size of every entry.
//
// The directory is the source of truth: another process sharing the same
// root sees this one's writes, which is what Watch relies on.
type Filesystem struct {
	root     string
	capacity int64
	now      func() time.Time
	logger   *slog.Logger

	// mu serializes writers in this process so capacity checks are exact.
	mu sync.Mutex
}

// FilesystemOption configures a Filesystem.
type FilesystemOption func(*Filesystem)

// WithCapacity bounds the total on-disk size of the store in bytes.
// Zero or less means unbounded.
func WithCapacity(capacity int64) FilesystemOption {
	return func(f *Filesystem) {
		f.capacity = capacity
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) FilesystemOption {
	return func(f *Filesystem) {
		f.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FilesystemOption {
	return func(f *Filesystem) {
		f.logger = logger
	}
}

// NewFilesystem creates a store rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	f := &Filesystem{
		root:   absRoot,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

func (f *Filesystem) GetItem(key string) (string, error) {
	file, err := os.Open(f.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("opening entry: %w", err)
	}
	defer func() { _ = file.Close() }()

	header, value, err := ReadFramed(file)
	if err != nil {
		return "", fmt.Errorf("reading entry %q: %w", key, err)
	}
	if header.Key != key {
		return "", fmt.Errorf("reading entry %q: header names %q: %w", key, header.Key, ErrCorrupted)
	}
	return string(value), nil
}

func (f *Filesystem) SetItem(key, value string) error {
	var buf bytes.Buffer
	header := &EntryHeader{
		Key:           key,
		ContentLength: int64(len(value)),
		StoredAt:      f.now().UTC(),
		ContentHash:   blobcache.HashBytes([]byte(value)),
	}
	if err := WriteFramed(&buf, header, []byte(value)); err != nil {
		return err
	}

	path := f.keyToPath(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.capacity > 0 {
		used, err := f.usage(filepath.Base(path))
		if err != nil {
			return err
		}
		if used+int64(buf.Len()) > f.capacity {
			return ErrCapacityExceeded
		}
	}

	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("writing entry %q: %w", key, err)
	}
	return nil
}

func (f *Filesystem) RemoveItem(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.keyToPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing entry: %w", err)
	}
	return nil
}

func (f *Filesystem) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := f.keyOf(e.Name())
		if !ok {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Used returns the on-disk bytes counted against capacity.
func (f *Filesystem) Used() (int64, error) {
	return f.usage("")
}

// usage sums the size of every entry file except skip.
func (f *Filesystem) usage(skip string) (int64, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return 0, fmt.Errorf("reading directory: %w", err)
	}
	var used int64
	for _, e := range entries {
		if e.IsDir() || e.Name() == skip {
			continue
		}
		if !isEntryName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return 0, fmt.Errorf("stat entry: %w", err)
		}
		used += info.Size()
	}
	return used, nil
}

// keyToPath maps a key to a file name that is safe on every filesystem:
// the base64url key, or its BLAKE3 digest when that name would be too long.
func (f *Filesystem) keyToPath(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key)) + entrySuffix
	if len(name) > maxEntryName {
		name = blobcache.HashBytes([]byte(key)).String() + hashedSuffix
	}
	return filepath.Join(f.root, name)
}

// keyOf returns the key stored in the named entry file.
func (f *Filesystem) keyOf(name string) (string, bool) {
	if key, ok := pathToKey(name); ok {
		return key, true
	}
	if !strings.HasSuffix(name, hashedSuffix) {
		return "", false
	}
	file, err := os.Open(filepath.Join(f.root, name))
	if err != nil {
		return "", false
	}
	defer func() { _ = file.Close() }()
	header, err := ReadHeader(file)
	if err != nil {
		f.logger.Warn("skipping unreadable fallback entry", "name", name, "error", err)
		return "", false
	}
	return header.Key, true
}

// pathToKey decodes a key from a short entry file name.
func pathToKey(name string) (string, bool) {
	enc, ok := strings.CutSuffix(name, entrySuffix)
	if !ok {
		return "", false
	}
	key, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", false
	}
	return string(key), true
}

// isEntryName reports whether name is an entry file of either form.
func isEntryName(name string) bool {
	if _, ok := pathToKey(name); ok {
		return true
	}
	enc, ok := strings.CutSuffix(name, hashedSuffix)
	if !ok {
		return false
	}
	_, err := blobcache.ParseHash(enc)
	return err == nil
}

var _ Store = (*Filesystem)(nil)
