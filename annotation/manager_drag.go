package annotation

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// DragState returns the state of the drag machine.
func (m *Manager) DragState() DragState {
	m.mu.Lock()
	defer m.unlock()
	return m.drag.State()
}

// StartDrag begins repositioning an annotation of the image in ic.
func (m *Manager) StartDrag(ctx context.Context, ic ImageContext, id string, pointer Point, view View) (Annotation, error) {
	m.mu.Lock()
	defer m.unlock()

	c, err := m.collection(ctx, ic.ImageID)
	if err != nil {
		return Annotation{}, err
	}
	i := indexOf(c, id)
	if i < 0 {
		return Annotation{}, notFound("annotation", id)
	}
	if err := m.drag.Start(c[i], pointer, view); err != nil {
		return Annotation{}, err
	}
	m.dragCtx = ic
	m.emit(annotationEvent(EventDragStarted, ic, c[i]))
	return c[i].Clone(), nil
}

// UpdateDrag moves the dragged annotation live. It is a no-op when not dragging.
func (m *Manager) UpdateDrag(pointer Point) (Annotation, bool) {
	m.mu.Lock()
	defer m.unlock()

	live, ok := m.drag.Update(pointer)
	if !ok {
		return Annotation{}, false
	}
	m.replaceLive(live)
	return live, true
}

// FinishDrag commits the drag and leaves the annotation at its dragged position.
// It is persisted only when it moved by more than MoveThreshold; if persisting
// fails the original is restored.
func (m *Manager) FinishDrag(ctx context.Context) (Annotation, bool, error) {
	m.mu.Lock()
	defer m.unlock()

	ic := m.dragCtx
	original := m.drag.original.Clone()
	final, moved, err := m.drag.Finish()
	if err != nil {
		return Annotation{}, false, err
	}
	m.dragCtx = ImageContext{}

	// Sub-threshold moves stay in memory only; callers skip persistence.
	if !moved {
		m.emit(annotationEvent(EventDragCommitted, ic, final))
		return final, false, nil
	}

	final.UpdatedAt = m.now()
	next := CloneAll(m.images[ic.ImageID])
	if i := indexOf(next, final.ID); i >= 0 {
		next[i] = final
	}
	if err := m.commit(ctx, ic.ImageID, next); err != nil {
		m.replaceLive(original)
		return Annotation{}, false, err
	}
	m.emit(annotationEvent(EventDragCommitted, ic, final))
	m.emit(annotationEvent(EventUpdated, ic, final))
	return final.Clone(), true, nil
}

// CancelDrag restores the original geometry. It returns false when no drag was
// in progress.
func (m *Manager) CancelDrag(reason string) (Annotation, bool) {
	m.mu.Lock()
	defer m.unlock()
	return m.cancelDragLocked(reason)
}

func (m *Manager) cancelDragLocked(reason string) (Annotation, bool) {
	ic := m.dragCtx
	original, ok := m.drag.Cancel()
	if !ok {
		return Annotation{}, false
	}
	m.dragCtx = ImageContext{}
	m.replaceLive(original)
	log.WithFields(log.Fields{
		"annotation_id": original.ID,
		"image_id":      ic.ImageID,
	}).Infof("Drag cancelled: %s", reason)
	e := annotationEvent(EventDragCancelled, ic, original)
	e.Reason = reason
	m.emit(e)
	return original, true
}

// replaceLive writes a dragged annotation back into its in-memory collection
// without persisting it.
func (m *Manager) replaceLive(a Annotation) {
	c := m.images[a.ImageID]
	if i := indexOf(c, a.ID); i >= 0 {
		c[i] = a.Clone()
	}
}
