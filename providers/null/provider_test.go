package null

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-iac/loom/internal/provider"
)

func TestSchema(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	schema, err := p.Schema(TypeResource)
	require.NoError(t, err)
	assert.Equal(t, []string{"triggers"}, schema.Immutable)
	assert.False(t, schema.CreateBeforeDelete)

	_, err = p.Schema("null:Bogus")
	var unknown *provider.UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "null:Bogus", unknown.Type)
}

func TestLifecycle(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	id, outputs, err := p.Create(ctx, TypeResource, map[string]any{
		"triggers": map[string]any{"rev": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "null-1", id)
	assert.Equal(t, id, outputs["id"])
	assert.NotNil(t, outputs["triggers"])

	read, err := p.Read(ctx, TypeResource, id, nil)
	require.NoError(t, err)
	assert.Equal(t, outputs, read)

	updated, err := p.Update(ctx, TypeResource, id, map[string]any{
		"triggers": map[string]any{"rev": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rev": "2"}, updated["triggers"])

	require.NoError(t, p.Delete(ctx, TypeResource, id, nil))
	_, err = p.Read(ctx, TypeResource, id, nil)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestRead_FallsBackToRecordedOutputs(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	// An id from a previous process: not in memory, but still tracked.
	recorded := map[string]any{"id": "null-9"}
	read, err := p.Read(context.Background(), TypeResource, "null-9", recorded)
	require.NoError(t, err)
	assert.Equal(t, recorded, read)
}

func TestIdsAreUnique(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	first, _, err := p.Create(ctx, TypeResource, nil)
	require.NoError(t, err)
	second, _, err := p.Create(ctx, TypeResource, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestUnknownTypeRejectedEverywhere(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = p.Create(ctx, "null:Bogus", nil)
	assert.Error(t, err)
	_, err = p.Read(ctx, "null:Bogus", "x", nil)
	assert.Error(t, err)
	_, err = p.Update(ctx, "null:Bogus", "x", nil)
	assert.Error(t, err)
	assert.Error(t, p.Delete(ctx, "null:Bogus", "x", nil))
}
