package annotation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	uuid "github.com/twinj/uuid"
)

const (
	DefaultMaxAnnotationsPerImage = 100
	DefaultMinRegionSize          = 10.0
)

// ErrNotPersisted is returned by a Persistence when an image has no stored
// annotations. The manager treats it as an empty collection.
var ErrNotPersisted = errors.New("no persisted annotations")

// Persistence stores annotation records and custom types.
type Persistence interface {
	LoadAnnotations(ctx context.Context, imageID string) ([]Record, error)
	SaveAnnotations(ctx context.Context, imageID string, records []Record) error
	AnnotatedImages(ctx context.Context) ([]string, error)
	LoadTypes(ctx context.Context) ([]CustomType, error)
	SaveType(ctx context.Context, t CustomType) error
	DeleteType(ctx context.Context, id string) error
}

// Limits bounds what the manager accepts.
type Limits struct {
	MaxCustomTypes         int
	MaxAnnotationsPerImage int
	MinRegionSize          float64
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxCustomTypes:         DefaultMaxCustomTypes,
		MaxAnnotationsPerImage: DefaultMaxAnnotationsPerImage,
		MinRegionSize:          DefaultMinRegionSize,
	}
}

// Mode is the annotation mode: normal (regular keypoints) or custom with a type.
type Mode struct {
	Custom bool   `json:"custom"`
	TypeID string `json:"typeId,omitempty"`
	Kind   Kind   `json:"kind,omitempty"`
}

func NormalMode() Mode { return Mode{} }

func (m Mode) String() string {
	if !m.Custom {
		return "normal"
	}
	return fmt.Sprintf("custom(%s)", m.TypeID)
}

// Scope returns the scope new annotations are created in under this mode.
func (m Mode) Scope() Scope {
	if m.Custom {
		return CustomScope(m.TypeID)
	}
	return RegularScope()
}

// CustomInput describes a custom annotation to create.
type CustomInput struct {
	TypeID string  `json:"customTypeId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// RegularInput describes a regular keypoint to create.
type RegularInput struct {
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Direction  *float64  `json:"direction,omitempty"`
	Directions []float64 `json:"directions,omitempty"`
}

// Patch changes the geometry or directions of an existing annotation. Nil fields
// are left unchanged; width and height only apply to regions.
type Patch struct {
	X          *float64  `json:"x,omitempty"`
	Y          *float64  `json:"y,omitempty"`
	Width      *float64  `json:"width,omitempty"`
	Height     *float64  `json:"height,omitempty"`
	Directions []float64 `json:"directions,omitempty"`
}

// Manager owns the per-image annotation collections, the custom type registry,
// the annotation mode and the drag machine. Every mutation is all-or-nothing:
// the new collection is persisted before it replaces the old one.
type Manager struct {
	mu       sync.Mutex
	store    Persistence
	registry *Registry
	bus      *Bus
	limits   Limits

	images  map[string][]Annotation
	mode    Mode
	drag    Drag
	dragCtx ImageContext

	pending []Event
	newID   func() string
	now     func() time.Time
}

// NewManager creates a manager. A nil bus gets a private one.
func NewManager(store Persistence, bus *Bus, limits Limits) *Manager {
	if bus == nil {
		bus = NewBus()
	}
	if limits.MaxAnnotationsPerImage <= 0 {
		limits.MaxAnnotationsPerImage = DefaultMaxAnnotationsPerImage
	}
	if limits.MinRegionSize <= 0 {
		limits.MinRegionSize = DefaultMinRegionSize
	}
	return &Manager{
		store:    store,
		registry: NewRegistry(limits.MaxCustomTypes),
		bus:      bus,
		limits:   limits,
		images:   make(map[string][]Annotation),
		newID:    func() string { return uuid.NewV4().String() },
		now:      time.Now,
	}
}

// Bus returns the event bus the manager publishes on.
func (m *Manager) Bus() *Bus { return m.bus }

// Registry exposes the custom type registry for read access.
func (m *Manager) Registry() *Registry { return m.registry }

// unlock releases the lock and then delivers the events queued while holding it,
// so handlers may call back into the manager.
func (m *Manager) unlock() {
	events := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, e := range events {
		m.bus.Publish(e)
	}
}

func (m *Manager) emit(e Event) { m.pending = append(m.pending, e) }

// Load restores the persisted custom types.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlock()

	types, err := m.store.LoadTypes(ctx)
	if err != nil {
		return collaborator("load custom types", err)
	}
	if err := m.registry.Restore(types); err != nil {
		return err
	}
	log.Infof("Loaded %d custom types", len(types))
	return nil
}

// collection returns the loaded collection of an image, reading it on first use.
func (m *Manager) collection(ctx context.Context, imageID string) ([]Annotation, error) {
	if imageID == "" {
		return nil, validationf("image id is required")
	}
	if c, ok := m.images[imageID]; ok {
		return c, nil
	}
	records, err := m.store.LoadAnnotations(ctx, imageID)
	if err != nil && !errors.Is(err, ErrNotPersisted) {
		return nil, collaborator("load annotations for "+imageID, err)
	}
	records, _ = MigrateLegacy(imageID, records)
	c, err := FromRecords(records)
	if err != nil {
		return nil, err
	}
	for i := range c {
		c[i].ImageID = imageID
	}
	m.images[imageID] = c
	return c, nil
}

// commit persists next and only then makes it the image's collection.
func (m *Manager) commit(ctx context.Context, imageID string, next []Annotation) error {
	if err := m.store.SaveAnnotations(ctx, imageID, ToRecords(next)); err != nil {
		return collaborator("save annotations for "+imageID, err)
	}
	m.images[imageID] = next
	return nil
}

// Annotations returns a copy of an image's collection.
func (m *Manager) Annotations(ctx context.Context, imageID string) ([]Annotation, error) {
	m.mu.Lock()
	defer m.unlock()
	c, err := m.collection(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return CloneAll(c), nil
}

// Invalidate drops the in-memory collection of an image so the next access reloads it.
func (m *Manager) Invalidate(imageID string) {
	m.mu.Lock()
	defer m.unlock()
	if m.drag.Active() && m.dragCtx.ImageID == imageID {
		m.cancelDragLocked("collection invalidated")
	}
	delete(m.images, imageID)
}

// Stats reports count, max order and gaps per scope of an image.
func (m *Manager) Stats(ctx context.Context, imageID string) ([]ScopeStats, error) {
	m.mu.Lock()
	defer m.unlock()
	c, err := m.collection(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return Stats(c), nil
}

// Mode returns the current annotation mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.unlock()
	return m.mode
}

// EnterCustom switches to custom mode for typeID. The type must exist.
func (m *Manager) EnterCustom(ic ImageContext, typeID string) (Mode, error) {
	m.mu.Lock()
	defer m.unlock()
	t, ok := m.registry.Get(typeID)
	if !ok {
		return m.mode, notFound("custom type", typeID)
	}
	m.setModeLocked(ic, Mode{Custom: true, TypeID: t.ID, Kind: t.Kind}, "custom type selected")
	return m.mode, nil
}

// ExitCustom returns to normal mode.
func (m *Manager) ExitCustom(ic ImageContext) Mode {
	m.mu.Lock()
	defer m.unlock()
	m.setModeLocked(ic, NormalMode(), "custom mode left")
	return m.mode
}

// setModeLocked switches mode. A drag in progress is cancelled and logged, never
// silently committed.
func (m *Manager) setModeLocked(ic ImageContext, mode Mode, reason string) {
	if m.mode == mode {
		return
	}
	if m.drag.Active() {
		log.WithFields(log.Fields{
			"annotation_id": m.drag.AnnotationID(),
			"from":          m.mode.String(),
			"to":            mode.String(),
		}).Warn("Mode switch interrupts drag in progress; restoring original position")
		m.cancelDragLocked("mode switch")
	}
	log.Infof("Annotation mode %s -> %s (%s)", m.mode, mode, reason)
	m.mode = mode
	md := mode
	m.emit(Event{Kind: EventModeChanged, Context: ic, Mode: &md, Reason: reason})
}

// ListTypes returns every custom type in creation order.
func (m *Manager) ListTypes() []CustomType { return m.registry.List() }

// CreateType validates, registers and persists a new custom type.
func (m *Manager) CreateType(ctx context.Context, t CustomType) (CustomType, error) {
	m.mu.Lock()
	defer m.unlock()

	created, err := m.registry.Create(t)
	if err != nil {
		return CustomType{}, err
	}
	if err := m.store.SaveType(ctx, created); err != nil {
		_, _ = m.registry.Delete(created.ID)
		return CustomType{}, collaborator("save custom type "+created.ID, err)
	}
	ct := created.clone()
	m.emit(Event{Kind: EventTypeCreated, Type: &ct})
	return created, nil
}

// UpdateType merges patch into a custom type. Attempts to change id or kind are
// ignored and returned as warnings.
func (m *Manager) UpdateType(ctx context.Context, id string, patch TypePatch) (CustomType, []string, error) {
	m.mu.Lock()
	defer m.unlock()

	previous, ok := m.registry.Get(id)
	if !ok {
		return CustomType{}, nil, notFound("custom type", id)
	}
	updated, warnings, err := m.registry.Update(id, patch)
	if err != nil {
		return CustomType{}, warnings, err
	}
	for _, w := range warnings {
		log.WithField("custom_type_id", id).Warn(w)
	}
	if err := m.store.SaveType(ctx, updated); err != nil {
		m.registry.put(previous)
		return CustomType{}, warnings, collaborator("save custom type "+id, err)
	}
	ct := updated.clone()
	m.emit(Event{Kind: EventTypeUpdated, Type: &ct})
	return updated, warnings, nil
}

// DeleteType removes a custom type and every annotation referencing it, on every
// image. One Deleted event is emitted per cascaded annotation, ordered by image
// id then order, followed by TypeDeleted. If the active mode used the type, the
// mode reverts to normal.
func (m *Manager) DeleteType(ctx context.Context, ic ImageContext, id string) ([]Annotation, error) {
	m.mu.Lock()
	defer m.unlock()

	t, ok := m.registry.Get(id)
	if !ok {
		return nil, notFound("custom type", id)
	}

	imageIDs, err := m.annotatedImagesLocked(ctx)
	if err != nil {
		return nil, err
	}

	scope := CustomScope(id)
	if m.drag.Active() && m.drag.Live().Scope() == scope {
		m.cancelDragLocked("custom type deleted")
	}

	var changes []imageChange
	for _, imageID := range imageIDs {
		c, err := m.collection(ctx, imageID)
		if err != nil {
			return nil, err
		}
		var next, removed []Annotation
		for _, a := range c {
			if a.Scope() == scope {
				removed = append(removed, a)
			} else {
				next = append(next, a)
			}
		}
		if len(removed) > 0 {
			changes = append(changes, imageChange{imageID: imageID, previous: c, next: next, removed: removed})
		}
	}

	for i, ch := range changes {
		if err := m.commit(ctx, ch.imageID, ch.next); err != nil {
			m.rollback(ctx, changes[:i])
			return nil, err
		}
	}
	if err := m.store.DeleteType(ctx, id); err != nil {
		m.rollback(ctx, changes)
		return nil, collaborator("delete custom type "+id, err)
	}
	if _, err := m.registry.Delete(id); err != nil {
		return nil, err
	}

	var deleted []Annotation
	for _, ch := range changes {
		removed := append([]Annotation(nil), ch.removed...)
		sort.SliceStable(removed, func(i, j int) bool { return removed[i].Order < removed[j].Order })
		for _, a := range removed {
			m.emit(annotationEvent(EventDeleted, ImageContext{ImageID: ch.imageID}, a))
			deleted = append(deleted, a)
		}
	}
	ct := t.clone()
	m.emit(Event{Kind: EventTypeDeleted, Context: ic, Type: &ct})
	if m.mode.Custom && m.mode.TypeID == id {
		m.setModeLocked(ic, NormalMode(), "active custom type deleted")
	}
	log.Infof("Deleted custom type %s with %d annotations", id, len(deleted))
	return deleted, nil
}

// imageChange is one image's part of a multi-image mutation.
type imageChange struct {
	imageID  string
	previous []Annotation
	next     []Annotation
	removed  []Annotation
}

// rollback re-saves earlier collections after a failed multi-image commit. Failures
// here are logged: the error that triggered the rollback is the one reported.
func (m *Manager) rollback(ctx context.Context, changes []imageChange) {
	for _, ch := range changes {
		if err := m.commit(ctx, ch.imageID, ch.previous); err != nil {
			log.WithError(err).Warnf("Rollback of image %s failed", ch.imageID)
		}
	}
}

func (m *Manager) checkPosition(x, y float64) error {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return validationf("coordinates must be finite numbers")
	}
	return nil
}

func checkDirections(directions []float64) ([]float64, error) {
	if directions == nil {
		return nil, nil
	}
	if len(directions) < 1 || len(directions) > MaxDirections {
		return nil, validationf("directions must hold between 1 and %d angles, got %d", MaxDirections, len(directions))
	}
	out := make([]float64, len(directions))
	for i, d := range directions {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, validationf("direction %d is not a finite angle", i)
		}
		out[i] = NormalizeAngle(d)
	}
	return out, nil
}

// CreateCustom adds a custom point or region. The type must exist, regions must
// be at least MinRegionSize on both sides, and the image must hold fewer than
// MaxAnnotationsPerImage custom annotations.
func (m *Manager) CreateCustom(ctx context.Context, ic ImageContext, in CustomInput) (Annotation, error) {
	m.mu.Lock()
	defer m.unlock()

	t, ok := m.registry.Get(in.TypeID)
	if !ok {
		return Annotation{}, notFound("custom type", in.TypeID)
	}
	if err := m.checkPosition(in.X, in.Y); err != nil {
		return Annotation{}, err
	}

	var marker Marker = CustomPoint{TypeID: t.ID}
	if t.Kind == KindRegion {
		if in.Width < m.limits.MinRegionSize || in.Height < m.limits.MinRegionSize {
			return Annotation{}, validationf("region %vx%v is below the minimum size %v", in.Width, in.Height, m.limits.MinRegionSize)
		}
		marker = CustomRegion{TypeID: t.ID, Width: in.Width, Height: in.Height}
	}

	c, err := m.collection(ctx, ic.ImageID)
	if err != nil {
		return Annotation{}, err
	}
	custom := 0
	for _, a := range c {
		if a.Scope().IsCustom() {
			custom++
		}
	}
	if custom >= m.limits.MaxAnnotationsPerImage {
		return Annotation{}, validationf("image %s already holds %d custom annotations", ic.ImageID, m.limits.MaxAnnotationsPerImage)
	}

	now := m.now()
	a := Annotation{
		ID:        m.newID(),
		ImageID:   ic.ImageID,
		X:         in.X,
		Y:         in.Y,
		Order:     NextOrderForType(c, t.ID),
		Marker:    marker,
		CreatedAt: now,
		UpdatedAt: now,
	}
	next := append(CloneAll(c), a)
	if err := m.commit(ctx, ic.ImageID, next); err != nil {
		return Annotation{}, err
	}
	m.emit(annotationEvent(EventCreated, ic, a))
	return a.Clone(), nil
}

// CreateRegular adds a regular keypoint at the top of the regular scope.
func (m *Manager) CreateRegular(ctx context.Context, ic ImageContext, in RegularInput) (Annotation, error) {
	m.mu.Lock()
	defer m.unlock()

	if err := m.checkPosition(in.X, in.Y); err != nil {
		return Annotation{}, err
	}
	directions, err := checkDirections(in.Directions)
	if err != nil {
		return Annotation{}, err
	}
	c, err := m.collection(ctx, ic.ImageID)
	if err != nil {
		return Annotation{}, err
	}

	now := m.now()
	a := Annotation{
		ID:         m.newID(),
		ImageID:    ic.ImageID,
		X:          in.X,
		Y:          in.Y,
		Order:      NextOrderForScope(c, RegularScope()),
		Marker:     Regular{},
		Directions: directions,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.Direction != nil {
		d := NormalizeAngle(*in.Direction)
		a.Direction = &d
	}
	next := append(CloneAll(c), a)
	if err := m.commit(ctx, ic.ImageID, next); err != nil {
		return Annotation{}, err
	}
	m.emit(annotationEvent(EventCreated, ic, a))
	return a.Clone(), nil
}

func indexOf(c []Annotation, id string) int {
	for i, a := range c {
		if a.ID == id {
			return i
		}
	}
	return -1
}

// UpdateAnnotation applies a geometry or direction patch.
func (m *Manager) UpdateAnnotation(ctx context.Context, ic ImageContext, id string, p Patch) (Annotation, error) {
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
	if m.drag.Active() && m.drag.AnnotationID() == id {
		return Annotation{}, validationf("annotation %s is being dragged", id)
	}

	a := c[i].Clone()
	if p.X != nil {
		a.X = *p.X
	}
	if p.Y != nil {
		a.Y = *p.Y
	}
	if err := m.checkPosition(a.X, a.Y); err != nil {
		return Annotation{}, err
	}
	if p.Width != nil || p.Height != nil {
		r, ok := a.Marker.(CustomRegion)
		if !ok {
			return Annotation{}, validationf("annotation %s is not a region; width and height do not apply", id)
		}
		if p.Width != nil {
			r.Width = *p.Width
		}
		if p.Height != nil {
			r.Height = *p.Height
		}
		if r.Width < m.limits.MinRegionSize || r.Height < m.limits.MinRegionSize {
			return Annotation{}, validationf("region %vx%v is below the minimum size %v", r.Width, r.Height, m.limits.MinRegionSize)
		}
		a.Marker = r
	}
	if p.Directions != nil {
		if a.Scope().IsCustom() {
			return Annotation{}, validationf("directions do not apply to custom annotation %s", id)
		}
		directions, err := checkDirections(p.Directions)
		if err != nil {
			return Annotation{}, err
		}
		a.Directions = directions
	}
	a.UpdatedAt = m.now()

	next := CloneAll(c)
	next[i] = a
	if err := m.commit(ctx, ic.ImageID, next); err != nil {
		return Annotation{}, err
	}
	m.emit(annotationEvent(EventUpdated, ic, a))
	return a.Clone(), nil
}

// UpdateOrder changes one annotation's order. A collision within the scope is
// rejected; gaps are left for Reorder to close.
func (m *Manager) UpdateOrder(ctx context.Context, ic ImageContext, id string, order int) (Annotation, error) {
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
	if err := CheckOrderAvailable(c, c[i].Scope(), id, order); err != nil {
		return Annotation{}, err
	}
	if c[i].Order == order {
		return c[i].Clone(), nil
	}

	next := CloneAll(c)
	next[i].Order = order
	next[i].UpdatedAt = m.now()
	if err := m.commit(ctx, ic.ImageID, next); err != nil {
		return Annotation{}, err
	}
	m.emit(annotationEvent(EventUpdated, ic, next[i]))
	return next[i].Clone(), nil
}

// DeleteAnnotation removes exactly one annotation.
func (m *Manager) DeleteAnnotation(ctx context.Context, ic ImageContext, id string) (Annotation, error) {
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
	if m.drag.Active() && m.drag.AnnotationID() == id {
		m.cancelDragLocked("annotation deleted")
		c = m.images[ic.ImageID]
	}

	removed := c[i].Clone()
	next := make([]Annotation, 0, len(c)-1)
	next = append(next, CloneAll(c[:i])...)
	next = append(next, CloneAll(c[i+1:])...)
	if err := m.commit(ctx, ic.ImageID, next); err != nil {
		return Annotation{}, err
	}
	m.emit(annotationEvent(EventDeleted, ic, removed))
	return removed, nil
}

// Reorder renumbers one scope of an image densely, preserving relative order.
// It reports how many orders changed; nothing is persisted when none did.
func (m *Manager) Reorder(ctx context.Context, ic ImageContext, scope Scope) (int, error) {
	m.mu.Lock()
	defer m.unlock()

	if scope.IsCustom() {
		if _, ok := m.registry.Get(scope.CustomTypeID); !ok {
			return 0, notFound("custom type", scope.CustomTypeID)
		}
	}
	c, err := m.collection(ctx, ic.ImageID)
	if err != nil {
		return 0, err
	}
	if m.drag.Active() && m.dragCtx.ImageID == ic.ImageID {
		return 0, validationf("cannot reorder while a drag is in progress")
	}
	next, changed := RenumberScope(c, scope, m.now())
	if changed == 0 {
		return 0, nil
	}
	if err := m.commit(ctx, ic.ImageID, next); err != nil {
		return 0, err
	}
	m.emit(Event{Kind: EventReordered, Context: ic, Scope: scope.String()})
	return changed, nil
}

// RepairLegacy rewrites an image's persisted records with annotationType filled in.
// Migration otherwise happens only in memory at load time.
func (m *Manager) RepairLegacy(ctx context.Context, imageID string) (int, error) {
	m.mu.Lock()
	defer m.unlock()

	records, err := m.store.LoadAnnotations(ctx, imageID)
	if err != nil {
		if errors.Is(err, ErrNotPersisted) {
			return 0, nil
		}
		return 0, collaborator("load annotations for "+imageID, err)
	}
	migrated, count := MigrateLegacy(imageID, records)
	if count == 0 {
		return 0, nil
	}
	c, err := FromRecords(migrated)
	if err != nil {
		return 0, err
	}
	for i := range c {
		c[i].ImageID = imageID
	}
	if err := m.commit(ctx, imageID, c); err != nil {
		return 0, err
	}
	log.Infof("Repaired %d legacy annotations on image %s", count, imageID)
	return count, nil
}
