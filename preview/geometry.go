package preview

import (
	"math"

	"branchscope/annotation"
)

// CropWindow is the square, image-space region shown in the viewport.
type CropWindow struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Size float64 `json:"size"`
}

// Contains reports whether an image-space point lies in the window, edges included.
func (w CropWindow) Contains(x, y float64) bool {
	return x >= w.X && x <= w.X+w.Size && y >= w.Y && y <= w.Y+w.Size
}

// ComputeCrop centres a window of side baseCropSize/zoom on (cx, cy) and clamps it
// inside the image. An image smaller than the window shrinks the window to fit.
func ComputeCrop(cx, cy float64, imageWidth, imageHeight int, baseCropSize, zoom float64) CropWindow {
	if zoom <= 0 {
		zoom = 1
	}
	size := baseCropSize / zoom
	size = math.Min(size, math.Min(float64(imageWidth), float64(imageHeight)))
	if size < 0 {
		size = 0
	}
	return CropWindow{
		X:    clamp(cx-size/2, 0, float64(imageWidth)-size),
		Y:    clamp(cy-size/2, 0, float64(imageHeight)-size),
		Size: size,
	}
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	return math.Max(lo, math.Min(v, hi))
}

// Marker is an annotation mapped into viewport coordinates.
type Marker struct {
	AnnotationID string  `json:"annotationId"`
	Order        int     `json:"order"`
	Scope        string  `json:"scope"`
	CustomTypeID string  `json:"customTypeId,omitempty"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Width        float64 `json:"width,omitempty"`
	Height       float64 `json:"height,omitempty"`
	Region       bool    `json:"region,omitempty"`
	Target       bool    `json:"target"`
}

// Plan is everything needed to draw the viewport.
type Plan struct {
	ImageID      string     `json:"imageId"`
	ImageWidth   int        `json:"imageWidth"`
	ImageHeight  int        `json:"imageHeight"`
	Crop         CropWindow `json:"crop"`
	Scale        float64    `json:"scale"`
	ViewportSize int        `json:"viewportSize"`
	ZoomLevel    float64    `json:"zoomLevel"`
	Target       Marker     `json:"target"`
	Neighbors    []Marker   `json:"neighbors"`
	Pulsing      bool       `json:"pulsing"`
}

func toMarker(a annotation.Annotation, crop CropWindow, scale float64, target bool) Marker {
	m := Marker{
		AnnotationID: a.ID,
		Order:        a.Order,
		Scope:        a.Scope().String(),
		CustomTypeID: a.Scope().CustomTypeID,
		X:            (a.X - crop.X) * scale,
		Y:            (a.Y - crop.Y) * scale,
		Target:       target,
	}
	if w, h, ok := a.Region(); ok {
		m.Region = true
		m.Width = w * scale
		m.Height = h * scale
	}
	return m
}

// BuildPlan computes the crop window around target and maps every annotation of
// the reference image that falls inside it.
func BuildPlan(imageID string, imageWidth, imageHeight int, target annotation.Annotation, all []annotation.Annotation,
	baseCropSize, zoom float64, viewportSize int, pulsing bool) Plan {

	crop := ComputeCrop(target.X, target.Y, imageWidth, imageHeight, baseCropSize, zoom)
	scale := 0.0
	if crop.Size > 0 {
		scale = float64(viewportSize) / crop.Size
	}

	plan := Plan{
		ImageID:      imageID,
		ImageWidth:   imageWidth,
		ImageHeight:  imageHeight,
		Crop:         crop,
		Scale:        scale,
		ViewportSize: viewportSize,
		ZoomLevel:    zoom,
		Target:       toMarker(target, crop, scale, true),
		Neighbors:    []Marker{},
		Pulsing:      pulsing,
	}
	for _, a := range all {
		if a.ID == target.ID || !crop.Contains(a.X, a.Y) {
			continue
		}
		plan.Neighbors = append(plan.Neighbors, toMarker(a, crop, scale, false))
	}
	return plan
}
