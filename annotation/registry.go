package annotation

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind is the geometry of a custom type.
type Kind string

const (
	KindPoint  Kind = "point"
	KindRegion Kind = "region"

	DefaultMaxCustomTypes = 20
)

func (k Kind) Valid() bool { return k == KindPoint || k == KindRegion }

// CustomType is a user-defined marker kind.
type CustomType struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Kind        Kind                   `json:"kind"`
	Color       string                 `json:"color"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

func (t CustomType) clone() CustomType {
	c := t
	if t.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// TypePatch carries an update. Nil fields are left unchanged. ID and Kind are
// immutable: when set they are ignored and reported as warnings.
type TypePatch struct {
	ID          *string                `json:"id,omitempty"`
	Name        *string                `json:"name,omitempty"`
	Kind        *Kind                  `json:"kind,omitempty"`
	Color       *string                `json:"color,omitempty"`
	Description *string                `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Registry stores custom type descriptors in creation order.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]CustomType
	order    []string
	maxTypes int
	now      func() time.Time
}

// NewRegistry creates an empty registry holding at most maxTypes types.
func NewRegistry(maxTypes int) *Registry {
	if maxTypes <= 0 {
		maxTypes = DefaultMaxCustomTypes
	}
	return &Registry{
		types:    make(map[string]CustomType),
		maxTypes: maxTypes,
		now:      time.Now,
	}
}

func validateType(t CustomType) error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return validationf("custom type id is required")
	case strings.TrimSpace(t.Name) == "":
		return validationf("custom type name is required")
	case strings.TrimSpace(t.Color) == "":
		return validationf("custom type color is required")
	case !t.Kind.Valid():
		return validationf("custom type kind must be %q or %q, got %q", KindPoint, KindRegion, t.Kind)
	}
	return nil
}

// Create adds a new type. Timestamps are assigned here.
func (r *Registry) Create(t CustomType) (CustomType, error) {
	if err := validateType(t); err != nil {
		return CustomType{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[t.ID]; ok {
		return CustomType{}, validationf("custom type %q already exists", t.ID)
	}
	if len(r.types) >= r.maxTypes {
		return CustomType{}, validationf("at most %d custom types may exist", r.maxTypes)
	}
	now := r.now()
	t = t.clone()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	r.types[t.ID] = t
	r.order = append(r.order, t.ID)
	return t.clone(), nil
}

// Update merges patch into the type. It returns the warnings for ignored
// immutable fields alongside the updated descriptor.
func (r *Registry) Update(id string, patch TypePatch) (CustomType, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.types[id]
	if !ok {
		return CustomType{}, nil, notFound("custom type", id)
	}

	var warnings []string
	if patch.ID != nil && *patch.ID != id {
		warnings = append(warnings, "custom type id is immutable; change ignored")
	}
	if patch.Kind != nil && *patch.Kind != t.Kind {
		warnings = append(warnings, "custom type kind is immutable; change ignored")
	}

	updated := t.clone()
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Color != nil {
		updated.Color = *patch.Color
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	for k, v := range patch.Metadata {
		updated.Metadata[k] = v
	}
	if err := validateType(updated); err != nil {
		return CustomType{}, warnings, err
	}
	updated.UpdatedAt = r.now()
	r.types[id] = updated
	return updated.clone(), warnings, nil
}

// Delete removes a type. Cascading to annotations is the manager's job.
func (r *Registry) Delete(id string) (CustomType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.types[id]
	if !ok {
		return CustomType{}, notFound("custom type", id)
	}
	delete(r.types, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return t, nil
}

// Get returns a copy of the type with id.
func (r *Registry) Get(id string) (CustomType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	if !ok {
		return CustomType{}, false
	}
	return t.clone(), true
}

// List returns every type in creation order.
func (r *Registry) List() []CustomType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CustomType, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.types[id].clone())
	}
	return out
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Restore replaces the registry content with persisted types, keeping their
// timestamps. Types are ordered by creation time, then id.
func (r *Registry) Restore(types []CustomType) error {
	if len(types) > r.maxTypes {
		return validationf("%d persisted custom types exceed the limit of %d", len(types), r.maxTypes)
	}
	sorted := make([]CustomType, len(types))
	copy(sorted, types)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	fresh := make(map[string]CustomType, len(sorted))
	order := make([]string, 0, len(sorted))
	for _, t := range sorted {
		if err := validateType(t); err != nil {
			return err
		}
		if _, dup := fresh[t.ID]; dup {
			return validationf("custom type %q persisted twice", t.ID)
		}
		t = t.clone()
		if t.Metadata == nil {
			t.Metadata = map[string]interface{}{}
		}
		fresh[t.ID] = t
		order = append(order, t.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = fresh
	r.order = order
	return nil
}

// put overwrites a type in place, keeping its position. Used to undo an update.
func (r *Registry) put(t CustomType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.ID]; !ok {
		r.order = append(r.order, t.ID)
	}
	r.types[t.ID] = t.clone()
}

// insert adds a type that already carries timestamps, as read from an import.
func (r *Registry) insert(t CustomType) (CustomType, error) {
	if err := validateType(t); err != nil {
		return CustomType{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[t.ID]; ok {
		return CustomType{}, validationf("custom type %q already exists", t.ID)
	}
	if len(r.types) >= r.maxTypes {
		return CustomType{}, validationf("at most %d custom types may exist", r.maxTypes)
	}
	t = t.clone()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	r.types[t.ID] = t
	r.order = append(r.order, t.ID)
	return t.clone(), nil
}
