package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, goUUID.Version(7), parsed.Version())
	assert.Less(t, id1, id2)
}

func TestParse(t *testing.T) {
	t.Parallel()

	id, err := NewUUIDGenerator().NewID()
	require.NoError(t, err)
	parsed, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, parsed.String())

	_, err = Parse("run-1")
	assert.Error(t, err)
}
