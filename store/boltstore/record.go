package boltstore

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/store"
	"google.golang.org/protobuf/encoding/protowire"
)

// Records are stored in protobuf wire format:
//
//	message Record {
//	  string id = 1;
//	  string mime_type = 2;
//	  int64 created_at_unix_nano = 3;
//	  int64 revision = 4;
//	  repeated Field fields = 5;
//	}
//
//	message Field {
//	  string name = 1;
//	  uint32 kind = 2;
//	  bytes data = 3;      // raw payload, possibly compressed
//	  uint32 encoding = 4;
//	  bytes digest = 5;    // BLAKE3 of the uncompressed data
//	  uint64 size = 6;     // uncompressed length
//	  string mime_type = 7;
//	  string value = 8;    // inline string or encoded reference
//	}
const (
	recID        protowire.Number = 1
	recMimeType  protowire.Number = 2
	recCreatedAt protowire.Number = 3
	recRevision  protowire.Number = 4
	recField     protowire.Number = 5

	fieldName     protowire.Number = 1
	fieldKind     protowire.Number = 2
	fieldData     protowire.Number = 3
	fieldEncoding protowire.Number = 4
	fieldDigest   protowire.Number = 5
	fieldSize     protowire.Number = 6
	fieldMimeType protowire.Number = 7
	fieldValue    protowire.Number = 8
)

func encodeRecord(c *Codec, rec *store.Record) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, recID, protowire.BytesType)
	b = protowire.AppendString(b, rec.ID)
	if rec.MimeType != "" {
		b = protowire.AppendTag(b, recMimeType, protowire.BytesType)
		b = protowire.AppendString(b, rec.MimeType)
	}
	if !rec.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, recCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(rec.CreatedAt.UnixNano())) //nolint:gosec // two's complement round-trips
	}
	if rec.Revision != 0 {
		b = protowire.AppendTag(b, recRevision, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(rec.Revision)) //nolint:gosec // two's complement round-trips
	}

	// Sorted so identical records encode identically.
	for _, name := range slices.Sorted(maps.Keys(rec.Fields)) {
		fb, err := encodeField(c, name, rec.Fields[name])
		if err != nil {
			return nil, fmt.Errorf("encoding field %q: %w", name, err)
		}
		b = protowire.AppendTag(b, recField, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b, nil
}

func encodeField(c *Codec, name string, p blobcache.Payload) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Kind()))

	switch p.Kind() {
	case blobcache.KindRaw:
		stored, encoding, digest, err := c.Encode(p.Data())
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, stored)
		if encoding != EncodingIdentity {
			b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(encoding))
		}
		b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, digest[:])
		b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(len(p.Data())))
		if p.MimeType() != "" {
			b = protowire.AppendTag(b, fieldMimeType, protowire.BytesType)
			b = protowire.AppendString(b, p.MimeType())
		}
	case blobcache.KindInline:
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendString(b, p.InlineValue())
	case blobcache.KindReference:
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendString(b, p.Reference().String())
	default:
		return nil, fmt.Errorf("unknown payload kind %d", p.Kind())
	}
	return b, nil
}

func decodeRecord(c *Codec, b []byte) (*store.Record, error) {
	rec := &store.Record{Fields: make(map[string]blobcache.Payload)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == recID && typ == protowire.BytesType:
			rec.ID, n = protowire.ConsumeString(b)
		case num == recMimeType && typ == protowire.BytesType:
			rec.MimeType, n = protowire.ConsumeString(b)
		case num == recCreatedAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			rec.CreatedAt = time.Unix(0, int64(v)).UTC() //nolint:gosec // two's complement round-trips
		case num == recRevision && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			rec.Revision = int64(v) //nolint:gosec // two's complement round-trips
		case num == recField && typ == protowire.BytesType:
			var fb []byte
			fb, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				name, p, err := decodeField(c, fb)
				if err != nil {
					return nil, err
				}
				rec.Fields[name] = p
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("record field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return rec, nil
}

func decodeField(c *Codec, b []byte) (string, blobcache.Payload, error) {
	var (
		name     string
		kind     blobcache.Kind
		data     []byte
		encoding Encoding
		digest   blobcache.Hash
		size     uint64
		mimeType string
		value    string
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", blobcache.Payload{}, fmt.Errorf("field tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var v uint64
		switch {
		case num == fieldName && typ == protowire.BytesType:
			name, n = protowire.ConsumeString(b)
		case num == fieldKind && typ == protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
			kind = blobcache.Kind(v) //nolint:gosec // small enum
		case num == fieldData && typ == protowire.BytesType:
			data, n = protowire.ConsumeBytes(b)
		case num == fieldEncoding && typ == protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
			encoding = Encoding(v) //nolint:gosec // small enum
		case num == fieldDigest && typ == protowire.BytesType:
			var d []byte
			d, n = protowire.ConsumeBytes(b)
			copy(digest[:], d)
		case num == fieldSize && typ == protowire.VarintType:
			size, n = protowire.ConsumeVarint(b)
		case num == fieldMimeType && typ == protowire.BytesType:
			mimeType, n = protowire.ConsumeString(b)
		case num == fieldValue && typ == protowire.BytesType:
			value, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", blobcache.Payload{}, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	switch kind {
	case blobcache.KindRaw:
		decoded, err := c.Decode(data, encoding, digest, size)
		if err != nil {
			return "", blobcache.Payload{}, fmt.Errorf("field %q: %w", name, err)
		}
		// bbolt memory is only valid inside the transaction.
		if encoding == EncodingIdentity {
			decoded = slices.Clone(decoded)
		}
		return name, blobcache.Raw(decoded, mimeType), nil
	case blobcache.KindInline:
		return name, blobcache.Inline(value), nil
	case blobcache.KindReference:
		ref, err := blobcache.ParseReference(value)
		if err != nil {
			return "", blobcache.Payload{}, fmt.Errorf("field %q: %w", name, err)
		}
		return name, blobcache.Ref(ref), nil
	default:
		return "", blobcache.Payload{}, fmt.Errorf("field %q: unknown payload kind %d", name, kind)
	}
}

// decodeRevision reads only the revision of an encoded record.
func decodeRevision(b []byte) (int64, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, fmt.Errorf("record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == recRevision && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, fmt.Errorf("record revision: %w", protowire.ParseError(n))
			}
			return int64(v), nil //nolint:gosec // two's complement round-trips
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, fmt.Errorf("record field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return 0, nil
}
