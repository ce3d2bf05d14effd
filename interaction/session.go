// Package interaction turns pointer input on the displayed image into annotation
// operations according to the active mode.
package interaction

import (
	"context"
	"fmt"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"

	"branchscope/annotation"
)

// Annotator is the part of the annotation manager the session drives.
type Annotator interface {
	Mode() annotation.Mode
	CreateRegular(ctx context.Context, ic annotation.ImageContext, in annotation.RegularInput) (annotation.Annotation, error)
	CreateCustom(ctx context.Context, ic annotation.ImageContext, in annotation.CustomInput) (annotation.Annotation, error)
}

// Gesture is an in-progress region drawing, in image coordinates.
type Gesture struct {
	Context annotation.ImageContext `json:"context"`
	TypeID  string                  `json:"customTypeId"`
	Start   annotation.Point        `json:"start"`
	End     annotation.Point        `json:"end"`
}

// Rect returns the gesture as a top-left corner and a non-negative size.
func (g Gesture) Rect() (x, y, w, h float64) {
	x = math.Min(g.Start.X, g.End.X)
	y = math.Min(g.Start.Y, g.End.Y)
	w = math.Abs(g.End.X - g.Start.X)
	h = math.Abs(g.End.Y - g.Start.Y)
	return
}

// Session routes the pointer input of one annotator.
type Session struct {
	annotator Annotator

	mu      sync.Mutex
	gesture *Gesture
}

// NewSession creates a session. With a bus, a mode change drops any region being
// drawn.
func NewSession(a Annotator, bus *annotation.Bus) *Session {
	s := &Session{annotator: a}
	if bus != nil {
		bus.Subscribe(s.onModeChanged, annotation.EventModeChanged)
	}
	return s
}

func (s *Session) onModeChanged(ev annotation.Event) {
	if g, ok := s.Abort(); ok {
		log.Info(fmt.Sprintf("Mode changed to %s, discarding region gesture of type %s on image %s",
			modeName(ev.Mode), g.TypeID, g.Context.ImageID))
	}
}

func modeName(m *annotation.Mode) string {
	if m == nil {
		return "unknown"
	}
	return m.String()
}

func rejected(format string, args ...interface{}) error {
	return &annotation.ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ToImage converts a screen position to image coordinates.
func ToImage(screen annotation.Point, view annotation.View) (annotation.Point, error) {
	if view.Scale <= 0 || math.IsNaN(view.Scale) || math.IsInf(view.Scale, 0) {
		return annotation.Point{}, rejected("view scale must be positive, got %v", view.Scale)
	}
	return annotation.Point{X: screen.X / view.Scale, Y: screen.Y / view.Scale}, nil
}

// Click places an annotation: a regular keypoint in normal mode, a custom point in
// a point type's mode. Region types are drawn with Press, Move and Release.
func (s *Session) Click(ctx context.Context, ic annotation.ImageContext, screen annotation.Point, view annotation.View) (annotation.Annotation, error) {
	p, err := ToImage(screen, view)
	if err != nil {
		return annotation.Annotation{}, err
	}
	mode := s.annotator.Mode()
	if !mode.Custom {
		return s.annotator.CreateRegular(ctx, ic, annotation.RegularInput{X: p.X, Y: p.Y})
	}
	if mode.Kind == annotation.KindRegion {
		return annotation.Annotation{}, rejected("custom type %s is a region type: press and drag to draw it", mode.TypeID)
	}
	return s.annotator.CreateCustom(ctx, ic, annotation.CustomInput{TypeID: mode.TypeID, X: p.X, Y: p.Y})
}

// Press starts drawing a region of the active region type.
func (s *Session) Press(ic annotation.ImageContext, screen annotation.Point, view annotation.View) (Gesture, error) {
	p, err := ToImage(screen, view)
	if err != nil {
		return Gesture{}, err
	}
	mode := s.annotator.Mode()
	if !mode.Custom || mode.Kind != annotation.KindRegion {
		return Gesture{}, rejected("region drawing needs a custom region type to be active, mode is %s", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gesture != nil {
		log.Debug("Replacing unfinished region gesture on image ", s.gesture.Context.ImageID)
	}
	s.gesture = &Gesture{Context: ic, TypeID: mode.TypeID, Start: p, End: p}
	return *s.gesture, nil
}

// Move extends the region being drawn.
func (s *Session) Move(screen annotation.Point, view annotation.View) (Gesture, error) {
	p, err := ToImage(screen, view)
	if err != nil {
		return Gesture{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gesture == nil {
		return Gesture{}, rejected("no region is being drawn")
	}
	s.gesture.End = p
	return *s.gesture, nil
}

// Release finishes the region and creates it. The gesture ends whether or not the
// manager accepts the region.
func (s *Session) Release(ctx context.Context, screen annotation.Point, view annotation.View) (annotation.Annotation, error) {
	p, err := ToImage(screen, view)
	if err != nil {
		return annotation.Annotation{}, err
	}
	s.mu.Lock()
	g := s.gesture
	s.gesture = nil
	s.mu.Unlock()
	if g == nil {
		return annotation.Annotation{}, rejected("no region is being drawn")
	}

	g.End = p
	x, y, w, h := g.Rect()
	return s.annotator.CreateCustom(ctx, g.Context, annotation.CustomInput{
		TypeID: g.TypeID,
		X:      x,
		Y:      y,
		Width:  w,
		Height: h,
	})
}

// Abort drops the region being drawn, if any.
func (s *Session) Abort() (Gesture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gesture == nil {
		return Gesture{}, false
	}
	g := *s.gesture
	s.gesture = nil
	return g, true
}

// Current returns the region being drawn, if any.
func (s *Session) Current() (Gesture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gesture == nil {
		return Gesture{}, false
	}
	return *s.gesture, true
}
