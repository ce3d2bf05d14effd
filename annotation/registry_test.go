package annotation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafType() CustomType {
	return CustomType{ID: "leaf", Name: "Leaf tip", Kind: KindPoint, Color: "#22aa44"}
}

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry(0)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return now }

	created, err := r.Create(leafType())
	require.NoError(t, err)
	assert.Equal(t, now, created.CreatedAt)
	assert.Equal(t, now, created.UpdatedAt)
	assert.NotNil(t, created.Metadata)

	_, err = r.Create(leafType())
	assert.True(t, IsValidation(err), "duplicate id")

	for _, bad := range []CustomType{
		{Name: "x", Kind: KindPoint, Color: "#fff"},
		{ID: "x", Kind: KindPoint, Color: "#fff"},
		{ID: "x", Name: "x", Kind: KindPoint},
		{ID: "x", Name: "x", Kind: "polygon", Color: "#fff"},
	} {
		_, err := r.Create(bad)
		assert.True(t, IsValidation(err), "%+v", bad)
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistryLimit(t *testing.T) {
	r := NewRegistry(DefaultMaxCustomTypes)
	for i := 0; i < DefaultMaxCustomTypes; i++ {
		_, err := r.Create(CustomType{ID: fmt.Sprintf("t%02d", i), Name: "t", Kind: KindPoint, Color: "#000"})
		require.NoError(t, err)
	}
	_, err := r.Create(CustomType{ID: "one-too-many", Name: "t", Kind: KindPoint, Color: "#000"})
	assert.True(t, IsValidation(err))
}

func TestRegistryUpdateIgnoresImmutableFields(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Create(leafType())
	require.NoError(t, err)

	newID, newKind, name := "other", KindRegion, "Leaf"
	updated, warnings, err := r.Update("leaf", TypePatch{
		ID:       &newID,
		Kind:     &newKind,
		Name:     &name,
		Metadata: map[string]interface{}{"unit": "mm"},
	})
	require.NoError(t, err)
	assert.Len(t, warnings, 2)
	assert.Equal(t, "leaf", updated.ID)
	assert.Equal(t, KindPoint, updated.Kind)
	assert.Equal(t, "Leaf", updated.Name)
	assert.Equal(t, "mm", updated.Metadata["unit"])

	empty := ""
	_, _, err = r.Update("leaf", TypePatch{Name: &empty})
	assert.True(t, IsValidation(err))
	got, _ := r.Get("leaf")
	assert.Equal(t, "Leaf", got.Name, "failed update leaves the type alone")

	_, _, err = r.Update("missing", TypePatch{})
	assert.True(t, IsNotFound(err))
}

func TestRegistryGetReturnsCopies(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Create(leafType())
	require.NoError(t, err)

	got, _ := r.Get("leaf")
	got.Metadata["mutated"] = true
	again, _ := r.Get("leaf")
	assert.NotContains(t, again.Metadata, "mutated")
}

func TestRegistryRestoreOrdersByCreation(t *testing.T) {
	r := NewRegistry(0)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := r.Restore([]CustomType{
		{ID: "b", Name: "B", Kind: KindPoint, Color: "#000", CreatedAt: t0.Add(time.Hour)},
		{ID: "c", Name: "C", Kind: KindRegion, Color: "#000", CreatedAt: t0},
		{ID: "a", Name: "A", Kind: KindPoint, Color: "#000", CreatedAt: t0},
	})
	require.NoError(t, err)

	var ids []string
	for _, ct := range r.List() {
		ids = append(ids, ct.ID)
	}
	assert.Equal(t, []string{"a", "c", "b"}, ids)

	err = r.Restore([]CustomType{leafType(), leafType()})
	assert.True(t, IsValidation(err))
}

func TestRegistryDelete(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Create(leafType())
	require.NoError(t, err)

	_, err = r.Delete("leaf")
	require.NoError(t, err)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.List())

	_, err = r.Delete("leaf")
	assert.True(t, IsNotFound(err))
}
