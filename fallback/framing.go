package fallback

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/blobcache"
)

var (
	// MagicBytes is the 4-byte prefix for fallback entry files.
	MagicBytes = []byte("BCF1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected BCF1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrCorrupted is returned when an entry body does not match its header.
	ErrCorrupted = errors.New("fallback entry corrupted")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// EntryHeader describes a stored fallback value.
type EntryHeader struct {
	Key           string         `json:"key"`
	ContentLength int64          `json:"content_length"`
	StoredAt      time.Time      `json:"stored_at"`
	ContentHash   blobcache.Hash `json:"content_hash"`
}

// WriteFramed writes a framed entry to w.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | VALUE
func WriteFramed(w io.Writer, header *EntryHeader, value []byte) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(value); err != nil {
		return fmt.Errorf("writing value: %w", err)
	}
	return nil
}

// ReadHeader reads the magic bytes and header of a framed entry, leaving r
// positioned at the start of the value.
func ReadHeader(r io.Reader) (*EntryHeader, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var header EntryHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, nil
}

// ReadFramed reads a framed entry and verifies the value against its header.
func ReadFramed(r io.Reader) (*EntryHeader, []byte, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}
	if header.ContentLength < 0 {
		return nil, nil, ErrCorrupted
	}

	value, err := io.ReadAll(io.LimitReader(r, header.ContentLength+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading value: %w", err)
	}
	if int64(len(value)) != header.ContentLength {
		return nil, nil, ErrCorrupted
	}
	if !header.ContentHash.IsZero() && !header.ContentHash.Matches(value) {
		return nil, nil, ErrCorrupted
	}
	return header, value, nil
}
