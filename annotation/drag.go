package annotation

import "math"

// DragState is the state of the drag-reposition machine.
type DragState int

const (
	DragIdle DragState = iota
	DragDragging
	DragCommitted
	DragCancelled
)

func (s DragState) String() string {
	switch s {
	case DragDragging:
		return "dragging"
	case DragCommitted:
		return "committed"
	case DragCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// MoveThreshold is the distance, in image units, above which a finished drag
// counts as a move.
const MoveThreshold = 1.0

// Point is a position in pointer (screen) or image space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// View describes how the image is shown: Scale is screen pixels per image unit.
type View struct {
	Scale       float64 `json:"scale"`
	ImageWidth  float64 `json:"imageWidth"`
	ImageHeight float64 `json:"imageHeight"`
}

// Drag repositions one annotation. It works on its own copy; the owner writes
// Live() back into its collection.
type Drag struct {
	state    DragState
	original Annotation
	live     Annotation
	pointer  Point
	view     View
}

func (d *Drag) State() DragState { return d.state }

func (d *Drag) Active() bool { return d.state == DragDragging }

// AnnotationID returns the id of the annotation being dragged, or "".
func (d *Drag) AnnotationID() string {
	if !d.Active() {
		return ""
	}
	return d.live.ID
}

// Live returns the current position of the dragged annotation.
func (d *Drag) Live() Annotation { return d.live.Clone() }

// Start records the original geometry and pointer position.
func (d *Drag) Start(a Annotation, pointer Point, view View) error {
	if d.Active() {
		return validationf("a drag of annotation %s is already in progress", d.live.ID)
	}
	if view.Scale <= 0 {
		return validationf("view scale must be positive, got %v", view.Scale)
	}
	d.original = a.Clone()
	d.live = a.Clone()
	d.pointer = pointer
	d.view = view
	d.state = DragDragging
	return nil
}

// Update moves the live annotation by the pointer delta converted to image space,
// clamped to the image bounds. It is a no-op unless dragging.
func (d *Drag) Update(pointer Point) (Annotation, bool) {
	if !d.Active() {
		return Annotation{}, false
	}
	dx := (pointer.X - d.pointer.X) / d.view.Scale
	dy := (pointer.Y - d.pointer.Y) / d.view.Scale

	x := d.original.X + dx
	y := d.original.Y + dy

	if r, ok := d.original.Marker.(CustomRegion); ok {
		w := clampSize(r.Width, d.view.ImageWidth)
		h := clampSize(r.Height, d.view.ImageHeight)
		x = clampAxis(x, d.view.ImageWidth-w, d.view.ImageWidth > 0)
		y = clampAxis(y, d.view.ImageHeight-h, d.view.ImageHeight > 0)
		r.Width, r.Height = w, h
		d.live.Marker = r
	} else {
		x = clampAxis(x, d.view.ImageWidth, d.view.ImageWidth > 0)
		y = clampAxis(y, d.view.ImageHeight, d.view.ImageHeight > 0)
	}
	d.live.X, d.live.Y = x, y
	return d.live.Clone(), true
}

// Finish commits the live position and reports whether it moved by more than
// MoveThreshold from the original.
func (d *Drag) Finish() (Annotation, bool, error) {
	if !d.Active() {
		return Annotation{}, false, validationf("no drag in progress")
	}
	moved := math.Hypot(d.live.X-d.original.X, d.live.Y-d.original.Y) > MoveThreshold
	if w, h, ok := d.live.Region(); ok {
		ow, oh, _ := d.original.Region()
		moved = moved || math.Abs(w-ow) > MoveThreshold || math.Abs(h-oh) > MoveThreshold
	}
	final := d.live.Clone()
	d.reset(DragCommitted)
	return final, moved, nil
}

// Cancel restores the original geometry. Calling it while not dragging does nothing
// and returns false.
func (d *Drag) Cancel() (Annotation, bool) {
	if !d.Active() {
		return Annotation{}, false
	}
	original := d.original.Clone()
	d.reset(DragCancelled)
	return original, true
}

func (d *Drag) reset(state DragState) {
	d.state = state
	d.original = Annotation{}
	d.live = Annotation{}
	d.pointer = Point{}
	d.view = View{}
}

// clampAxis keeps v inside [0, max]. Without a known image size it only clamps below.
func clampAxis(v, max float64, bounded bool) float64 {
	if bounded && v > max {
		v = max
	}
	if v < 0 {
		return 0
	}
	return v
}

func clampSize(size, bound float64) float64 {
	if bound > 0 && size > bound {
		return bound
	}
	return size
}
