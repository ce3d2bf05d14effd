package annotation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBundle(t *testing.T) (*Manager, Bundle) {
	t.Helper()
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustType(t, m, "leaf", KindPoint)
	mustType(t, m, "box", KindRegion)
	_, err := m.CreateCustom(ctx, imgB, CustomInput{TypeID: "leaf", X: 5, Y: 6})
	require.NoError(t, err)
	_, err = m.CreateCustom(ctx, imgA, CustomInput{TypeID: "box", X: 1, Y: 2, Width: 12, Height: 14})
	require.NoError(t, err)
	_, err = m.CreateRegular(ctx, imgA, RegularInput{X: 3, Y: 3})
	require.NoError(t, err)

	b, err := m.Export(ctx)
	require.NoError(t, err)
	return m, b
}

func TestExport(t *testing.T) {
	_, b := seedBundle(t)
	assert.Equal(t, BundleVersion, b.Version)
	require.Len(t, b.CustomTypes, 2)
	require.Len(t, b.CustomAnnotations, 2, "regular keypoints are not exported")
	assert.Equal(t, "img-a", b.CustomAnnotations[0].ImageID)
	assert.Equal(t, "img-b", b.CustomAnnotations[1].ImageID)
	require.NotNil(t, b.CustomAnnotations[0].Width)
	assert.Equal(t, 12.0, *b.CustomAnnotations[0].Width)
}

func TestExportImportRoundTrip(t *testing.T) {
	_, b := seedBundle(t)
	ctx := context.Background()

	fresh, _, rec := newTestManager(t)
	report, err := fresh.Import(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, ImportReport{TypesAdded: 2, AnnotationsAdded: 2}, report)
	assert.Contains(t, rec.kinds(), EventTypeCreated)

	again, err := fresh.Export(ctx)
	require.NoError(t, err)
	want, err := json.Marshal(b.CustomAnnotations)
	require.NoError(t, err)
	got, err := json.Marshal(again.CustomAnnotations)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	report, err = fresh.Import(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, ImportReport{TypesSkipped: 2, AnnotationsSkipped: 2}, report, "re-import is a no-op")
}

func TestImportReassignsCollidingOrders(t *testing.T) {
	_, b := seedBundle(t)
	ctx := context.Background()

	m, _, _ := newTestManager(t)
	mustType(t, m, "box", KindRegion)
	_, err := m.CreateCustom(ctx, imgA, CustomInput{TypeID: "box", X: 50, Y: 50, Width: 10, Height: 10})
	require.NoError(t, err)

	report, err := m.Import(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TypesAdded)
	assert.Equal(t, 1, report.TypesSkipped)
	assert.Equal(t, 1, report.OrdersReassigned)

	all, _ := m.Annotations(ctx, imgA.ImageID)
	assert.Equal(t, []int{1, 2}, orders(InScope(all, CustomScope("box"))))
}

func TestImportRejectsBadBundles(t *testing.T) {
	_, b := seedBundle(t)
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	bad := b
	bad.Version = "0.1"
	_, err := m.Import(ctx, bad)
	assert.True(t, IsValidation(err))

	noTypes := b
	noTypes.CustomTypes = nil
	_, err = m.Import(ctx, noTypes)
	assert.True(t, IsNotFound(err))
	assert.Zero(t, m.Registry().Len())

	store.failSaves = 1
	_, err = m.Import(ctx, b)
	assert.True(t, IsCollaborator(err))
	assert.Zero(t, m.Registry().Len(), "types added by a failed import are dropped")
	assert.Empty(t, store.types, "types saved before the failing commit are removed")
	all, _ := m.Annotations(ctx, imgA.ImageID)
	assert.Empty(t, all)
}

func TestImportFailedTypeSaveLeavesNothing(t *testing.T) {
	_, b := seedBundle(t)
	ctx := context.Background()
	m, store, rec := newTestManager(t)
	store.failTypeID = "box"

	_, err := m.Import(ctx, b)
	assert.True(t, IsCollaborator(err))
	assert.Zero(t, m.Registry().Len())
	assert.Empty(t, store.types, "leaf was saved before box failed")
	assert.Empty(t, store.records)
	assert.Empty(t, rec.kinds())

	restarted := NewManager(store, nil, DefaultLimits())
	require.NoError(t, restarted.Load(ctx))
	assert.Zero(t, restarted.Registry().Len())
}

func TestImportSkipsIDsKnownOnOtherImages(t *testing.T) {
	m, b := seedBundle(t)
	ctx := context.Background()

	moved := b
	moved.CustomAnnotations = append([]Record(nil), b.CustomAnnotations...)
	moved.CustomAnnotations[0].ImageID = "img-z"

	report, err := m.Import(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, ImportReport{TypesSkipped: 2, AnnotationsSkipped: 2}, report)

	all, err := m.Annotations(ctx, "img-z")
	require.NoError(t, err)
	assert.Empty(t, all)

	dup := b
	dup.CustomAnnotations = []Record{b.CustomAnnotations[0], b.CustomAnnotations[0]}
	dup.CustomAnnotations[0].ImageID = "img-y"
	dup.CustomAnnotations[0].ID = "fresh"
	dup.CustomAnnotations[1].ImageID = "img-y"
	dup.CustomAnnotations[1].ID = "fresh"
	report, err = m.Import(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AnnotationsAdded)
	assert.Equal(t, 1, report.AnnotationsSkipped, "repeated ids inside one bundle are added once")
}

func TestImportValidatesRegions(t *testing.T) {
	_, b := seedBundle(t)
	ctx := context.Background()
	small, large := 5.0, 12.0

	cases := map[string]Record{
		"region below minimum size": {ID: "r1", ImageID: "img-c", X: 1, Y: 1, Order: 1, AnnotationType: TypeCustom, CustomTypeID: "box", Width: &small, Height: &large},
		"region under a point type": {ID: "r2", ImageID: "img-c", X: 1, Y: 1, Order: 1, AnnotationType: TypeCustom, CustomTypeID: "leaf", Width: &large, Height: &large},
		"point under a region type": {ID: "r3", ImageID: "img-c", X: 1, Y: 1, Order: 1, AnnotationType: TypeCustom, CustomTypeID: "box"},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			m, store, _ := newTestManager(t)
			bad := b
			bad.CustomAnnotations = []Record{r}
			_, err := m.Import(ctx, bad)
			assert.True(t, IsValidation(err), "%v", err)
			assert.Zero(t, m.Registry().Len())
			assert.Empty(t, store.types)
			assert.Empty(t, store.records)
		})
	}
}
