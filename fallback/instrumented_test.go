package fallback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentedStore_Delegates(t *testing.T) {
	inner := NewMemory(16)
	is := NewInstrumentedStore(inner)

	require.NoError(t, is.SetItem("k", "v"))
	v, err := is.GetItem("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	keys, err := is.Keys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	require.ErrorIs(t, is.SetItem("big", "0123456789abcdef"), ErrCapacityExceeded)

	require.NoError(t, is.RemoveItem("k"))
	_, err = is.GetItem("k")
	require.ErrorIs(t, err, ErrNotFound)

	assert.Same(t, inner, is.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	assert.Equal(t, "success", outcomeFromError(nil))
	assert.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	assert.Equal(t, "capacity_exceeded", outcomeFromError(ErrCapacityExceeded))
	assert.Equal(t, "error", outcomeFromError(ErrCorrupted))
}
