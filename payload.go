package blobcache

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the variants of a Payload.
type Kind uint8

const (
	// KindRaw holds binary bytes and their MIME type.
	KindRaw Kind = iota + 1
	// KindInline holds a literal string, usually a data URL.
	KindInline
	// KindReference points at another blob by table and id.
	KindReference
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindInline:
		return "inline"
	case KindReference:
		return "reference"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Payload is the value of a blob-bearing record field. Exactly one variant
// is populated; the zero Payload is empty and reports Kind() == 0.
type Payload struct {
	kind     Kind
	data     []byte
	mimeType string
	inline   string
	ref      Reference
}

// Raw returns a binary payload.
func Raw(data []byte, mimeType string) Payload {
	return Payload{kind: KindRaw, data: data, mimeType: mimeType}
}

// Inline returns a literal string payload.
func Inline(s string) Payload {
	return Payload{kind: KindInline, inline: s}
}

// Ref returns a reference payload.
func Ref(ref Reference) Payload {
	return Payload{kind: KindReference, ref: ref}
}

// ParsePayload classifies a string once at the boundary: decodable
// references become KindReference, everything else KindInline.
func ParsePayload(s string) Payload {
	if ref, ok := DecodeReference(s); ok {
		return Ref(ref)
	}
	return Inline(s)
}

// Kind returns the variant held by the payload.
func (p Payload) Kind() Kind { return p.kind }

// IsZero reports whether the payload holds no variant.
func (p Payload) IsZero() bool { return p.kind == 0 }

// Data returns the bytes of a KindRaw payload.
func (p Payload) Data() []byte { return p.data }

// MimeType returns the MIME type of a KindRaw payload.
func (p Payload) MimeType() string { return p.mimeType }

// InlineValue returns the string of a KindInline payload.
func (p Payload) InlineValue() string { return p.inline }

// Reference returns the target of a KindReference payload.
func (p Payload) Reference() Reference { return p.ref }

// Bytes returns the binary content of raw payloads and of inline payloads
// holding a data URL. References must be resolved by the caller.
func (p Payload) Bytes() (data []byte, mimeType string, err error) {
	switch p.kind {
	case KindRaw:
		return p.data, p.mimeType, nil
	case KindInline:
		mimeType, data, err := DecodeDataURL(p.inline)
		if err != nil {
			return nil, "", fmt.Errorf("%w: inline value: %w", ErrUnsupportedPayload, err)
		}
		return data, mimeType, nil
	default:
		return nil, "", fmt.Errorf("%w: %s payload has no bytes", ErrUnsupportedPayload, p.kind)
	}
}

type payloadJSON struct {
	Kind     string `json:"kind"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Inline   string `json:"inline,omitempty"`
	Ref      string `json:"ref,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	v := payloadJSON{Kind: p.kind.String()}
	switch p.kind {
	case KindRaw:
		v.Data, v.MimeType = p.data, p.mimeType
	case KindInline:
		v.Inline = p.inline
	case KindReference:
		v.Ref = p.ref.String()
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var v payloadJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v.Kind {
	case "raw":
		*p = Raw(v.Data, v.MimeType)
	case "inline":
		*p = Inline(v.Inline)
	case "reference":
		ref, err := ParseReference(v.Ref)
		if err != nil {
			return err
		}
		*p = Ref(ref)
	default:
		return fmt.Errorf("unknown payload kind %q", v.Kind)
	}
	return nil
}
