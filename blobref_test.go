package blobcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeReference(t *testing.T) {
	tests := []struct {
		table string
		id    string
	}{
		{"avatars", "42"},
		{"wallpapers", "home-screen"},
		{"photos", "2024:07:01"},
		{"feed_media", "a_b_c"},
	}

	for _, tt := range tests {
		t.Run(tt.table+"/"+tt.id, func(t *testing.T) {
			ref := EncodeReference(tt.table, tt.id)

			got, ok := DecodeReference(ref)
			require.True(t, ok)
			assert.Equal(t, Reference{Table: tt.table, ID: tt.id}, got)
			assert.Equal(t, ref, got.String())
		})
	}
}

func TestNewReference(t *testing.T) {
	r, err := NewReference("photos", "2024:07:01")
	require.NoError(t, err)
	got, ok := DecodeReference(r.String())
	require.True(t, ok)
	assert.Equal(t, r, got)

	tests := []struct {
		name      string
		table, id string
	}{
		{"colon in table", "a:b", "c"},
		{"empty table", "", "1"},
		{"empty id", "avatars", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReference(tt.table, tt.id)
			require.ErrorIs(t, err, ErrReferenceMalformed)

			// The unchecked encoder does not round-trip these.
			got, ok := DecodeReference(EncodeReference(tt.table, tt.id))
			assert.False(t, ok && got == Reference{Table: tt.table, ID: tt.id})
		})
	}
}

func TestEncodeReferenceFormat(t *testing.T) {
	assert.Equal(t, "blobref:avatars:42", EncodeReference("avatars", "42"))
}

func TestDecodeReferenceRejectsNonReferences(t *testing.T) {
	inputs := []string{
		"",
		"hello world",
		"data:image/png;base64,AAAA",
		"blobref",
		"blobref:",
		"blobref:avatars",
		"blobref:avatars:",
		"blobref::42",
		"BLOBREF:avatars:42",
		"https://example.com/a.png",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, ok := DecodeReference(in)
			assert.False(t, ok)

			_, err := ParseReference(in)
			require.ErrorIs(t, err, ErrReferenceMalformed)
		})
	}
}

func TestFallbackKey(t *testing.T) {
	key := FallbackKey("avatars", "42")
	assert.Equal(t, "blobfallback_avatars_42", key)
	assert.True(t, IsFallbackKey(key))

	id, ok := ParseFallbackKey("avatars", key)
	require.True(t, ok)
	assert.Equal(t, "42", id)

	t.Run("table with underscore", func(t *testing.T) {
		key := FallbackKey("feed_media", "7")
		id, ok := ParseFallbackKey("feed_media", key)
		require.True(t, ok)
		assert.Equal(t, "7", id)

		_, ok = ParseFallbackKey("feed", key)
		assert.False(t, ok, "prefix of another table must not match")
	})

	t.Run("foreign key", func(t *testing.T) {
		_, ok := ParseFallbackKey("avatars", "settings_theme")
		assert.False(t, ok)
		assert.False(t, IsFallbackKey("settings_theme"))
	})
}
