package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
)

var (
	_ archive.IDGenerator = Generator{}
	_ archive.IDGenerator = Fixed{}
)

func TestGeneratorNewRunID(t *testing.T) {
	t.Parallel()

	gen := NewGenerator()
	id1, err := gen.NewRunID()
	require.NoError(t, err)
	id2, err := gen.NewRunID()
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, goUUID.Version(7), id1.Version())
	assert.LessOrEqual(t, id1.String(), id2.String(), "v7 ids are time ordered")
}

func TestFixed(t *testing.T) {
	t.Parallel()

	want := goUUID.MustParse("0190b6a4-7c1e-7000-8000-000000000001")
	got, err := Fixed(want).NewRunID()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
