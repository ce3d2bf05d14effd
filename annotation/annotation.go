// Package annotation holds the annotation model shared by every branchscope component:
// regular keypoints and typed custom markers, the scopes their sequence numbers live in,
// and the persisted record shape.
package annotation

import (
	"math"
	"strings"
	"time"
)

const (
	TypeRegular = "regular"
	TypeCustom  = "custom"

	// MaxDirections bounds the multi-direction list of a keypoint.
	MaxDirections = 8
)

// Marker is the tagged variant carried by every Annotation.
// The concrete values are Regular, CustomPoint and CustomRegion.
type Marker interface {
	Scope() Scope
	marker()
}

// Regular marks a sequentially numbered keypoint not tied to a custom type.
type Regular struct{}

// CustomPoint is a point marker of a user-defined type.
type CustomPoint struct {
	TypeID string
}

// CustomRegion is a rectangular marker of a user-defined type. X/Y of the owning
// annotation is the top-left corner.
type CustomRegion struct {
	TypeID string
	Width  float64
	Height float64
}

func (Regular) Scope() Scope        { return RegularScope() }
func (m CustomPoint) Scope() Scope  { return CustomScope(m.TypeID) }
func (m CustomRegion) Scope() Scope { return CustomScope(m.TypeID) }

func (Regular) marker()      {}
func (CustomPoint) marker()  {}
func (CustomRegion) marker() {}

// Scope is the unit of sequence-number uniqueness on one image.
type Scope struct {
	AnnotationType string
	CustomTypeID   string
}

func RegularScope() Scope { return Scope{AnnotationType: TypeRegular} }

func CustomScope(typeID string) Scope {
	return Scope{AnnotationType: TypeCustom, CustomTypeID: typeID}
}

func (s Scope) IsCustom() bool { return s.AnnotationType == TypeCustom }

func (s Scope) String() string {
	if s.IsCustom() {
		return TypeCustom + ":" + s.CustomTypeID
	}
	return TypeRegular
}

// ParseScope reads the String form of a scope.
func ParseScope(s string) (Scope, error) {
	if s == TypeRegular {
		return RegularScope(), nil
	}
	if id := strings.TrimPrefix(s, TypeCustom+":"); id != s && id != "" {
		return CustomScope(id), nil
	}
	return Scope{}, validationf("unknown scope %q", s)
}

// Annotation is one keypoint or marker on one image.
type Annotation struct {
	ID         string
	ImageID    string
	X          float64
	Y          float64
	Order      int
	Marker     Marker
	Direction  *float64
	Directions []float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Scope returns the scope the annotation's order belongs to.
func (a Annotation) Scope() Scope {
	if a.Marker == nil {
		return RegularScope()
	}
	return a.Marker.Scope()
}

// Region returns the marker's size when it is a custom region.
func (a Annotation) Region() (width, height float64, ok bool) {
	if r, isRegion := a.Marker.(CustomRegion); isRegion {
		return r.Width, r.Height, true
	}
	return 0, 0, false
}

// Clone returns a deep copy, so readers never share slices with the owner.
func (a Annotation) Clone() Annotation {
	c := a
	if a.Direction != nil {
		d := *a.Direction
		c.Direction = &d
	}
	if a.Directions != nil {
		c.Directions = append([]float64(nil), a.Directions...)
	}
	return c
}

// CloneAll copies a collection.
func CloneAll(in []Annotation) []Annotation {
	out := make([]Annotation, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

// NormalizeAngle maps any angle in degrees onto [0, 360).
func NormalizeAngle(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Record is the persisted, JSON-serialisable form of an Annotation.
type Record struct {
	ID             string    `json:"id"`
	ImageID        string    `json:"imageId,omitempty"`
	X              float64   `json:"x"`
	Y              float64   `json:"y"`
	Order          int       `json:"order"`
	AnnotationType string    `json:"annotationType,omitempty"`
	CustomTypeID   string    `json:"customTypeId,omitempty"`
	Width          *float64  `json:"width,omitempty"`
	Height         *float64  `json:"height,omitempty"`
	Direction      *float64  `json:"direction,omitempty"`
	Directions     []float64 `json:"directions,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ToRecord flattens the tagged variant into the persisted shape.
func (a Annotation) ToRecord() Record {
	r := Record{
		ID:        a.ID,
		ImageID:   a.ImageID,
		X:         a.X,
		Y:         a.Y,
		Order:     a.Order,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	switch m := a.Marker.(type) {
	case CustomPoint:
		r.AnnotationType = TypeCustom
		r.CustomTypeID = m.TypeID
	case CustomRegion:
		r.AnnotationType = TypeCustom
		r.CustomTypeID = m.TypeID
		w, h := m.Width, m.Height
		r.Width, r.Height = &w, &h
	default:
		r.AnnotationType = TypeRegular
	}
	if a.Direction != nil {
		d := *a.Direction
		r.Direction = &d
	}
	if len(a.Directions) > 0 {
		r.Directions = append([]float64(nil), a.Directions...)
	}
	return r
}

// ToRecords flattens a collection.
func ToRecords(in []Annotation) []Record {
	out := make([]Record, len(in))
	for i, a := range in {
		out[i] = a.ToRecord()
	}
	return out
}

// Annotation rebuilds the tagged variant. Records must have been migrated first:
// an empty annotationType is rejected here rather than guessed.
func (r Record) Annotation() (Annotation, error) {
	a := Annotation{
		ID:        r.ID,
		ImageID:   r.ImageID,
		X:         r.X,
		Y:         r.Y,
		Order:     r.Order,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Direction != nil {
		d := *r.Direction
		a.Direction = &d
	}
	if len(r.Directions) > 0 {
		a.Directions = append([]float64(nil), r.Directions...)
	}

	switch r.AnnotationType {
	case TypeRegular:
		a.Marker = Regular{}
	case TypeCustom:
		if r.CustomTypeID == "" {
			return Annotation{}, validationf("annotation %s: custom annotation without customTypeId", r.ID)
		}
		if r.Width != nil && r.Height != nil {
			a.Marker = CustomRegion{TypeID: r.CustomTypeID, Width: *r.Width, Height: *r.Height}
		} else {
			a.Marker = CustomPoint{TypeID: r.CustomTypeID}
		}
	case "":
		return Annotation{}, validationf("annotation %s: missing annotationType (legacy record not migrated)", r.ID)
	default:
		return Annotation{}, validationf("annotation %s: unknown annotationType %q", r.ID, r.AnnotationType)
	}
	return a, nil
}

// FromRecords rebuilds a collection, failing on the first malformed record.
func FromRecords(in []Record) ([]Annotation, error) {
	out := make([]Annotation, 0, len(in))
	for _, r := range in {
		a, err := r.Annotation()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
