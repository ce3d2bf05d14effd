package annotation

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// BundleVersion is the interchange format version written by Export.
const BundleVersion = "1.0"

// Bundle is the bulk interchange format for custom types and custom annotations.
type Bundle struct {
	Version           string       `json:"version"`
	ExportTime        time.Time    `json:"exportTime"`
	CustomTypes       []CustomType `json:"customTypes"`
	CustomAnnotations []Record     `json:"customAnnotations"`
}

// ImportReport summarises an Import.
type ImportReport struct {
	TypesAdded         int `json:"typesAdded"`
	TypesSkipped       int `json:"typesSkipped"`
	AnnotationsAdded   int `json:"annotationsAdded"`
	AnnotationsSkipped int `json:"annotationsSkipped"`
	OrdersReassigned   int `json:"ordersReassigned"`
}

// Export collects every custom type and every custom annotation, ordered by
// image id and then by position within the image.
func (m *Manager) Export(ctx context.Context) (Bundle, error) {
	m.mu.Lock()
	defer m.unlock()

	imageIDs, err := m.annotatedImagesLocked(ctx)
	if err != nil {
		return Bundle{}, err
	}
	records := []Record{}
	for _, imageID := range imageIDs {
		c, err := m.collection(ctx, imageID)
		if err != nil {
			return Bundle{}, err
		}
		for _, a := range c {
			if a.Scope().IsCustom() {
				records = append(records, a.ToRecord())
			}
		}
	}
	return Bundle{
		Version:           BundleVersion,
		ExportTime:        m.now().UTC(),
		CustomTypes:       m.registry.List(),
		CustomAnnotations: records,
	}, nil
}

// annotatedImagesLocked lists persisted and loaded image ids, sorted.
func (m *Manager) annotatedImagesLocked(ctx context.Context) ([]string, error) {
	imageIDs, err := m.store.AnnotatedImages(ctx)
	if err != nil {
		return nil, collaborator("list annotated images", err)
	}
	seen := make(map[string]bool, len(imageIDs))
	for _, id := range imageIDs {
		seen[id] = true
	}
	for id, c := range m.images {
		if !seen[id] && len(c) > 0 {
			imageIDs = append(imageIDs, id)
		}
	}
	sort.Strings(imageIDs)
	return imageIDs, nil
}

// Import merges a bundle. Types and annotations whose id already exists, on any
// image, are skipped, so importing the same bundle twice changes nothing. Imported
// records keep their id, order and timestamps; an order that collides inside its
// scope is moved to the top of the scope. Types are persisted before the images and
// every step is undone when a later one fails.
func (m *Manager) Import(ctx context.Context, b Bundle) (ImportReport, error) {
	m.mu.Lock()
	defer m.unlock()

	var report ImportReport
	if b.Version != BundleVersion {
		return report, validationf("unsupported bundle version %q", b.Version)
	}

	var addedTypes []CustomType
	for _, t := range b.CustomTypes {
		if _, exists := m.registry.Get(t.ID); exists {
			report.TypesSkipped++
			continue
		}
		inserted, err := m.registry.insert(t)
		if err != nil {
			m.dropTypes(addedTypes)
			return ImportReport{}, err
		}
		addedTypes = append(addedTypes, inserted)
	}

	changes, err := m.planImport(ctx, b.CustomAnnotations, &report)
	if err != nil {
		m.dropTypes(addedTypes)
		return ImportReport{}, err
	}

	var savedTypes []CustomType
	for _, t := range addedTypes {
		if err := m.store.SaveType(ctx, t); err != nil {
			m.unsaveTypes(ctx, savedTypes)
			m.dropTypes(addedTypes)
			return ImportReport{}, collaborator("save custom type "+t.ID, err)
		}
		savedTypes = append(savedTypes, t)
	}
	for i, ch := range changes {
		if err := m.commit(ctx, ch.imageID, ch.next); err != nil {
			m.rollback(ctx, changes[:i])
			m.unsaveTypes(ctx, savedTypes)
			m.dropTypes(addedTypes)
			return ImportReport{}, err
		}
	}

	report.TypesAdded = len(addedTypes)
	for _, t := range addedTypes {
		ct := t.clone()
		m.emit(Event{Kind: EventTypeCreated, Type: &ct})
	}
	for _, ch := range changes {
		for _, a := range ch.removed {
			report.AnnotationsAdded++
			m.emit(annotationEvent(EventCreated, ImageContext{ImageID: ch.imageID}, a))
		}
	}
	log.WithFields(log.Fields{
		"types_added":       report.TypesAdded,
		"types_skipped":     report.TypesSkipped,
		"annotations_added": report.AnnotationsAdded,
		"annotations_skip":  report.AnnotationsSkipped,
	}).Info("Import finished")
	return report, nil
}

// planImport validates the bundle's records against the registry and builds the
// per-image collections to commit. Nothing is mutated.
func (m *Manager) planImport(ctx context.Context, records []Record, report *ImportReport) ([]imageChange, error) {
	byImage := make(map[string][]Record)
	var imageIDs []string
	for _, r := range records {
		if r.ImageID == "" {
			return nil, validationf("imported annotation %s has no imageId", r.ID)
		}
		if _, ok := byImage[r.ImageID]; !ok {
			imageIDs = append(imageIDs, r.ImageID)
		}
		byImage[r.ImageID] = append(byImage[r.ImageID], r)
	}
	sort.Strings(imageIDs)

	known, err := m.knownIDsLocked(ctx)
	if err != nil {
		return nil, err
	}

	var changes []imageChange
	for _, imageID := range imageIDs {
		c, err := m.collection(ctx, imageID)
		if err != nil {
			return nil, err
		}
		next := CloneAll(c)
		custom := 0
		for _, a := range c {
			if a.Scope().IsCustom() {
				custom++
			}
		}
		var added []Annotation
		for _, r := range byImage[imageID] {
			if known[r.ID] {
				report.AnnotationsSkipped++
				continue
			}
			if r.AnnotationType == "" {
				r.AnnotationType = TypeCustom
			}
			a, err := r.Annotation()
			if err != nil {
				return nil, err
			}
			if err := m.checkImported(a); err != nil {
				return nil, err
			}
			if custom >= m.limits.MaxAnnotationsPerImage {
				return nil, validationf("import would exceed %d custom annotations on image %s", m.limits.MaxAnnotationsPerImage, imageID)
			}
			if CheckOrderAvailable(next, a.Scope(), a.ID, a.Order) != nil {
				a.Order = NextOrderForScope(next, a.Scope())
				report.OrdersReassigned++
			}
			known[a.ID] = true
			custom++
			next = append(next, a)
			added = append(added, a)
		}
		if len(added) > 0 {
			changes = append(changes, imageChange{imageID: imageID, previous: c, next: next, removed: added})
		}
	}
	return changes, nil
}

// knownIDsLocked collects the annotation ids of every annotated image.
func (m *Manager) knownIDsLocked(ctx context.Context) (map[string]bool, error) {
	imageIDs, err := m.annotatedImagesLocked(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool)
	for _, imageID := range imageIDs {
		c, err := m.collection(ctx, imageID)
		if err != nil {
			return nil, err
		}
		for _, a := range c {
			known[a.ID] = true
		}
	}
	return known, nil
}

// checkImported applies the creation rules of CreateCustom to an imported record.
func (m *Manager) checkImported(a Annotation) error {
	scope := a.Scope()
	if !scope.IsCustom() {
		return validationf("imported annotation %s is not a custom annotation", a.ID)
	}
	t, ok := m.registry.Get(scope.CustomTypeID)
	if !ok {
		return notFound("custom type", scope.CustomTypeID)
	}
	if err := m.checkPosition(a.X, a.Y); err != nil {
		return err
	}
	switch mk := a.Marker.(type) {
	case CustomRegion:
		if t.Kind != KindRegion {
			return validationf("imported annotation %s is a region but custom type %s is a %s type", a.ID, t.ID, t.Kind)
		}
		if mk.Width < m.limits.MinRegionSize || mk.Height < m.limits.MinRegionSize {
			return validationf("imported region %s %vx%v is below the minimum size %v", a.ID, mk.Width, mk.Height, m.limits.MinRegionSize)
		}
	case CustomPoint:
		if t.Kind == KindRegion {
			return validationf("imported annotation %s has no size but custom type %s is a region type", a.ID, t.ID)
		}
	}
	return nil
}

// unsaveTypes removes types persisted by a failed import.
func (m *Manager) unsaveTypes(ctx context.Context, types []CustomType) {
	for _, t := range types {
		if err := m.store.DeleteType(ctx, t.ID); err != nil {
			log.WithError(err).Warnf("Rollback of custom type %s failed", t.ID)
		}
	}
}

func (m *Manager) dropTypes(types []CustomType) {
	for _, t := range types {
		_, _ = m.registry.Delete(t.ID)
	}
}
