package annotation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDragCancelRestoresOriginal(t *testing.T) {
	var d Drag
	a := Annotation{ID: "a", X: 100, Y: 50, Marker: Regular{}}
	require.NoError(t, d.Start(a, Point{X: 200, Y: 100}, View{Scale: 2}))

	live, ok := d.Update(Point{X: 220, Y: 90})
	require.True(t, ok)
	assert.Equal(t, 110.0, live.X)
	assert.Equal(t, 45.0, live.Y)

	original, ok := d.Cancel()
	require.True(t, ok)
	assert.Equal(t, 100.0, original.X)
	assert.Equal(t, 50.0, original.Y)
	assert.Equal(t, DragCancelled, d.State())

	_, ok = d.Cancel()
	assert.False(t, ok, "cancel is idempotent")
}

func TestDragFinishReportsMoved(t *testing.T) {
	var d Drag
	a := Annotation{ID: "a", X: 10, Y: 10, Marker: Regular{}}

	require.NoError(t, d.Start(a, Point{}, View{Scale: 1}))
	d.Update(Point{X: 0.5, Y: 0.5})
	final, moved, err := d.Finish()
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 10.5, final.X)

	require.NoError(t, d.Start(a, Point{}, View{Scale: 1}))
	d.Update(Point{X: 3, Y: 4})
	final, moved, err = d.Finish()
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 13.0, final.X)
	assert.Equal(t, 14.0, final.Y)
	assert.Equal(t, DragCommitted, d.State())

	_, _, err = d.Finish()
	assert.True(t, IsValidation(err))
}

func TestDragClampsToImage(t *testing.T) {
	var d Drag
	view := View{Scale: 1, ImageWidth: 100, ImageHeight: 80}

	pt := Annotation{ID: "p", X: 10, Y: 10, Marker: CustomPoint{TypeID: "t"}}
	require.NoError(t, d.Start(pt, Point{}, view))
	live, _ := d.Update(Point{X: -50, Y: 500})
	assert.Equal(t, 0.0, live.X)
	assert.Equal(t, 80.0, live.Y)
	d.Cancel()

	box := Annotation{ID: "b", X: 10, Y: 10, Marker: CustomRegion{TypeID: "t", Width: 30, Height: 20}}
	require.NoError(t, d.Start(box, Point{}, view))
	live, _ = d.Update(Point{X: 500, Y: 500})
	assert.Equal(t, 70.0, live.X)
	assert.Equal(t, 60.0, live.Y)
}

func TestDragRejectsSecondStart(t *testing.T) {
	var d Drag
	a := Annotation{ID: "a", Marker: Regular{}}
	require.NoError(t, d.Start(a, Point{}, View{Scale: 1}))
	assert.True(t, IsValidation(d.Start(a, Point{}, View{Scale: 1})))

	var fresh Drag
	assert.True(t, IsValidation(fresh.Start(a, Point{}, View{Scale: 0})))
	_, ok := fresh.Update(Point{X: 1})
	assert.False(t, ok)
}

func TestManagerDragRoundTrip(t *testing.T) {
	m, store, rec := newTestManager(t)
	ctx := context.Background()
	a, err := m.CreateRegular(ctx, imgA, RegularInput{X: 40, Y: 40})
	require.NoError(t, err)
	saves := store.saves
	rec.reset()

	_, err = m.StartDrag(ctx, imgA, a.ID, Point{X: 0, Y: 0}, View{Scale: 1})
	require.NoError(t, err)
	live, ok := m.UpdateDrag(Point{X: 10, Y: 0})
	require.True(t, ok)
	assert.Equal(t, 50.0, live.X)

	all, _ := m.Annotations(ctx, imgA.ImageID)
	assert.Equal(t, 50.0, all[0].X, "live position is visible while dragging")
	assert.Equal(t, saves, store.saves, "nothing persisted while dragging")

	_, ok = m.CancelDrag("escape")
	require.True(t, ok)
	all, _ = m.Annotations(ctx, imgA.ImageID)
	assert.Equal(t, 40.0, all[0].X)
	assert.Equal(t, []EventKind{EventDragStarted, EventDragCancelled}, rec.kinds())

	_, err = m.StartDrag(ctx, imgA, a.ID, Point{}, View{Scale: 1})
	require.NoError(t, err)
	m.UpdateDrag(Point{X: 5, Y: 5})
	final, moved, err := m.FinishDrag(ctx)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 45.0, final.X)
	assert.Equal(t, saves+1, store.saves)
	assert.Equal(t, 45.0, store.records["img-a"][0].X)
}

func TestManagerFinishDragRestoresOnSaveFailure(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	a, _ := m.CreateRegular(ctx, imgA, RegularInput{X: 40, Y: 40})

	_, err := m.StartDrag(ctx, imgA, a.ID, Point{}, View{Scale: 1})
	require.NoError(t, err)
	m.UpdateDrag(Point{X: 20, Y: 0})
	store.failSaves = 1
	_, _, err = m.FinishDrag(ctx)
	assert.True(t, IsCollaborator(err))

	all, _ := m.Annotations(ctx, imgA.ImageID)
	assert.Equal(t, 40.0, all[0].X)
}

func TestModeSwitchCancelsDrag(t *testing.T) {
	m, _, rec := newTestManager(t)
	ctx := context.Background()
	mustType(t, m, "leaf", KindPoint)
	a, _ := m.CreateRegular(ctx, imgA, RegularInput{X: 40, Y: 40})

	_, err := m.StartDrag(ctx, imgA, a.ID, Point{}, View{Scale: 1})
	require.NoError(t, err)
	m.UpdateDrag(Point{X: 20, Y: 20})
	rec.reset()

	_, err = m.EnterCustom(imgA, "leaf")
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventDragCancelled, EventModeChanged}, rec.kinds())
	assert.Equal(t, DragCancelled, m.DragState())

	all, _ := m.Annotations(ctx, imgA.ImageID)
	assert.Equal(t, 40.0, all[0].X)
}

func TestDeleteDraggedAnnotationCancelsDrag(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	a, _ := m.CreateRegular(ctx, imgA, RegularInput{X: 40, Y: 40})

	_, err := m.StartDrag(ctx, imgA, a.ID, Point{}, View{Scale: 1})
	require.NoError(t, err)
	m.UpdateDrag(Point{X: 20, Y: 20})

	removed, err := m.DeleteAnnotation(ctx, imgA, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 40.0, removed.X)
	assert.Equal(t, DragCancelled, m.DragState())
}
