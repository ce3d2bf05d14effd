package annotation

import (
	"sort"
	"time"
)

// InScope returns the members of scope, in collection order.
func InScope(all []Annotation, scope Scope) []Annotation {
	var out []Annotation
	for _, a := range all {
		if a.Scope() == scope {
			out = append(out, a)
		}
	}
	return out
}

// NextOrder returns 1 for an empty scope, otherwise max(order)+1.
// Gaps are never filled on creation.
func NextOrder(scoped []Annotation) int {
	maxOrder := 0
	for _, a := range scoped {
		if a.Order > maxOrder {
			maxOrder = a.Order
		}
	}
	return maxOrder + 1
}

// NextOrderForScope applies NextOrder to the members of scope within all.
func NextOrderForScope(all []Annotation, scope Scope) int {
	return NextOrder(InScope(all, scope))
}

// NextOrderForType applies NextOrder to the custom annotations of typeID.
func NextOrderForType(all []Annotation, typeID string) int {
	return NextOrderForScope(all, CustomScope(typeID))
}

// DetectGaps returns the integers missing between the scope's min and max order.
func DetectGaps(scoped []Annotation) []int {
	if len(scoped) == 0 {
		return nil
	}
	present := make(map[int]bool, len(scoped))
	minOrder, maxOrder := scoped[0].Order, scoped[0].Order
	for _, a := range scoped {
		present[a.Order] = true
		if a.Order < minOrder {
			minOrder = a.Order
		}
		if a.Order > maxOrder {
			maxOrder = a.Order
		}
	}
	var gaps []int
	for o := minOrder + 1; o < maxOrder; o++ {
		if !present[o] {
			gaps = append(gaps, o)
		}
	}
	return gaps
}

// Renumber sorts scoped by order (ties keep their input position) and reassigns
// 1..N. Only annotations whose order changed get UpdatedAt bumped, so renumbering
// a dense scope returns identical values.
func Renumber(scoped []Annotation, now time.Time) []Annotation {
	out := CloneAll(scoped)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := range out {
		if out[i].Order != i+1 {
			out[i].Order = i + 1
			out[i].UpdatedAt = now
		}
	}
	return out
}

// RenumberScope renumbers one scope inside a full collection. Other scopes and the
// positions of all members are left alone. It reports how many orders changed.
func RenumberScope(all []Annotation, scope Scope, now time.Time) ([]Annotation, int) {
	renumbered := Renumber(InScope(all, scope), now)
	byID := make(map[string]Annotation, len(renumbered))
	for _, a := range renumbered {
		byID[a.ID] = a
	}

	out := CloneAll(all)
	changed := 0
	for i, a := range out {
		r, ok := byID[a.ID]
		if !ok {
			continue
		}
		if r.Order != a.Order {
			changed++
		}
		out[i] = r
	}
	return out, changed
}

// CheckOrderAvailable rejects an order edit that would collide with another member
// of the same scope. The annotation identified by id may keep its own order.
func CheckOrderAvailable(all []Annotation, scope Scope, id string, order int) error {
	if order < 1 {
		return validationf("order must be a positive integer, got %d", order)
	}
	for _, a := range all {
		if a.ID != id && a.Scope() == scope && a.Order == order {
			return validationf("order %d already used by annotation %s in scope %s", order, a.ID, scope)
		}
	}
	return nil
}

// ScopeStats summarises one scope for diagnostics.
type ScopeStats struct {
	Scope    Scope  `json:"-"`
	Key      string `json:"scope"`
	Count    int    `json:"count"`
	MaxOrder int    `json:"maxOrder"`
	Gaps     []int  `json:"gaps,omitempty"`
}

// Stats groups a collection by scope, regular scope first, then custom types by id.
func Stats(all []Annotation) []ScopeStats {
	groups := make(map[Scope][]Annotation)
	for _, a := range all {
		groups[a.Scope()] = append(groups[a.Scope()], a)
	}
	scopes := make([]Scope, 0, len(groups))
	for s := range groups {
		scopes = append(scopes, s)
	}
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].IsCustom() != scopes[j].IsCustom() {
			return !scopes[i].IsCustom()
		}
		return scopes[i].CustomTypeID < scopes[j].CustomTypeID
	})

	out := make([]ScopeStats, 0, len(scopes))
	for _, s := range scopes {
		members := groups[s]
		out = append(out, ScopeStats{
			Scope:    s,
			Key:      s.String(),
			Count:    len(members),
			MaxOrder: NextOrder(members) - 1,
			Gaps:     DetectGaps(members),
		})
	}
	return out
}
