package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockIDStringRoundTrip(t *testing.T) {
	id := NewRandomBlockID()

	parsed, err := ParseBlockID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, id.String(), 2*BlockIDLen)
}

func TestParseBlockIDAcceptsDashedForm(t *testing.T) {
	parsed, err := ParseBlockID("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0")
	require.NoError(t, err)
	assert.Equal(t, "0F1E2D3C4B5A69788796A5B4C3D2E1F0", parsed.String())
}

func TestParseBlockIDRejectsGarbage(t *testing.T) {
	tests := []string{"", "xyz", "0F1E2D3C4B5A69788796A5B4C3D2E1"}
	for _, input := range tests {
		_, err := ParseBlockID(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestBlockIDFromBytes(t *testing.T) {
	id := NewRandomBlockID()

	copied, err := BlockIDFromBytes(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, copied)

	_, err = BlockIDFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNewRandomBlockIDIsNotNull(t *testing.T) {
	assert.False(t, NewRandomBlockID().IsNull())
	assert.True(t, NullBlockID.IsNull())
	assert.NotEqual(t, NewRandomBlockID(), NewRandomBlockID())
}

func TestRemoveResultString(t *testing.T) {
	assert.Equal(t, "removed", RemoveResultRemoved.String())
	assert.Equal(t, "not found", RemoveResultNotFound.String())
}
