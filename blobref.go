package blobcache

import (
	"fmt"
	"strings"
)

// ReferenceScheme is the constant prefix of every encoded blob reference.
const ReferenceScheme = "blobref"

// Reference identifies one binary payload in the persistent store by
// table and record id.
type Reference struct {
	Table string
	ID    string
}

// EncodeReference returns the canonical reference string "blobref:table:id".
// The result only decodes back to (table, id) when both are non-empty and
// table contains no ':'; use NewReference to check inputs from outside.
func EncodeReference(table, id string) string {
	return ReferenceScheme + ":" + table + ":" + id
}

// NewReference returns the reference for (table, id), or
// ErrReferenceMalformed if it could not round-trip through ParseReference.
func NewReference(table, id string) (Reference, error) {
	r := Reference{Table: table, ID: id}
	if err := r.Validate(); err != nil {
		return Reference{}, err
	}
	return r, nil
}

// Validate reports whether r survives encoding and parsing unchanged.
func (r Reference) Validate() error {
	switch {
	case r.Table == "":
		return fmt.Errorf("%w: empty table", ErrReferenceMalformed)
	case strings.Contains(r.Table, ":"):
		return fmt.Errorf("%w: table %q contains ':'", ErrReferenceMalformed, r.Table)
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrReferenceMalformed)
	}
	return nil
}

// String returns the canonical reference string.
func (r Reference) String() string {
	return EncodeReference(r.Table, r.ID)
}

// ParseReference parses a reference string in the form "blobref:table:id".
// The table may not contain ':'; everything after the second separator is
// the id, so ids containing ':' round-trip.
func ParseReference(s string) (Reference, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme != ReferenceScheme {
		return Reference{}, fmt.Errorf("%w: %q", ErrReferenceMalformed, s)
	}
	table, id, ok := strings.Cut(rest, ":")
	if !ok || table == "" || id == "" {
		return Reference{}, fmt.Errorf("%w: %q", ErrReferenceMalformed, s)
	}
	return Reference{Table: table, ID: id}, nil
}

// DecodeReference is the non-fatal form of ParseReference. It reports false
// for anything that is not a reference so the caller can treat the value as
// literal inline data.
func DecodeReference(s string) (Reference, bool) {
	ref, err := ParseReference(s)
	if err != nil {
		return Reference{}, false
	}
	return ref, true
}

// Fallback key layout.

const fallbackNamespace = "blobfallback"

// FallbackKey returns the fallback store key for a blob.
// Format: blobfallback_{table}_{id}
func FallbackKey(table, id string) string {
	return FallbackTablePrefix(table) + id
}

// FallbackTablePrefix returns the key prefix shared by every fallback entry
// of a table.
func FallbackTablePrefix(table string) string {
	return fallbackNamespace + "_" + table + "_"
}

// ParseFallbackKey extracts the record id from a fallback key belonging to
// table. Tables may contain '_', so the table must be known up front.
func ParseFallbackKey(table, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, FallbackTablePrefix(table))
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// IsFallbackKey reports whether key lives in the fallback namespace.
func IsFallbackKey(key string) bool {
	return strings.HasPrefix(key, fallbackNamespace+"_")
}
