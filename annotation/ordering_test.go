package annotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regular(id string, order int) Annotation {
	return Annotation{ID: id, Order: order, Marker: Regular{}}
}

func customPoint(id, typeID string, order int) Annotation {
	return Annotation{ID: id, Order: order, Marker: CustomPoint{TypeID: typeID}}
}

func orders(in []Annotation) []int {
	out := make([]int, len(in))
	for i, a := range in {
		out[i] = a.Order
	}
	return out
}

func TestNextOrder(t *testing.T) {
	assert.Equal(t, 1, NextOrder(nil))
	assert.Equal(t, 6, NextOrder([]Annotation{regular("a", 5)}))
	assert.Equal(t, 5, NextOrder([]Annotation{regular("a", 1), regular("b", 4), regular("c", 2)}))
}

func TestNextOrderIgnoresOtherScopes(t *testing.T) {
	all := []Annotation{
		regular("r1", 1),
		regular("r2", 2),
		customPoint("a1", "leaf", 7),
		customPoint("b1", "node", 3),
	}
	assert.Equal(t, 3, NextOrderForScope(all, RegularScope()))
	assert.Equal(t, 8, NextOrderForType(all, "leaf"))
	assert.Equal(t, 4, NextOrderForType(all, "node"))
	assert.Equal(t, 1, NextOrderForType(all, "bud"))
}

func TestDetectGaps(t *testing.T) {
	assert.Nil(t, DetectGaps(nil))
	assert.Nil(t, DetectGaps([]Annotation{regular("a", 1), regular("b", 2)}))
	assert.Equal(t, []int{2}, DetectGaps([]Annotation{regular("a", 1), regular("b", 3), regular("c", 4)}))
	assert.Equal(t, []int{3, 4, 6}, DetectGaps([]Annotation{regular("a", 7), regular("b", 2), regular("c", 5)}))
}

func TestRenumberFillsGaps(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := []Annotation{regular("a", 1), regular("b", 3), regular("c", 4)}

	out := Renumber(in, now)
	assert.Equal(t, []int{1, 2, 3}, orders(out))
	assert.Equal(t, []string{"a", "b", "c"}, []string{out[0].ID, out[1].ID, out[2].ID})
	assert.True(t, out[0].UpdatedAt.IsZero(), "unchanged order keeps its timestamp")
	assert.Equal(t, now, out[1].UpdatedAt)
	assert.Equal(t, []int{1, 3, 4}, orders(in), "input is not modified")
}

func TestRenumberPreservesRelativeOrder(t *testing.T) {
	in := []Annotation{regular("x", 9), regular("y", 2), regular("z", 5)}
	out := Renumber(in, time.Now())
	require.Len(t, out, 3)
	assert.Equal(t, "y", out[0].ID)
	assert.Equal(t, "z", out[1].ID)
	assert.Equal(t, "x", out[2].ID)
	assert.Equal(t, []int{1, 2, 3}, orders(out))
}

func TestRenumberDenseScopeIsIdempotent(t *testing.T) {
	in := []Annotation{regular("a", 1), regular("b", 2)}
	out := Renumber(in, time.Now())
	assert.Equal(t, in, out)
}

func TestRenumberScopeLeavesOtherScopes(t *testing.T) {
	all := []Annotation{
		regular("r1", 1),
		customPoint("a1", "leaf", 2),
		regular("r2", 4),
		customPoint("a2", "leaf", 5),
	}
	out, changed := RenumberScope(all, CustomScope("leaf"), time.Now())
	assert.Equal(t, 2, changed)
	assert.Equal(t, []int{1, 1, 4, 2}, orders(out))
	assert.Equal(t, "a1", out[1].ID, "positions stay put")

	_, changed = RenumberScope(out, CustomScope("leaf"), time.Now())
	assert.Zero(t, changed)
}

func TestCheckOrderAvailable(t *testing.T) {
	all := []Annotation{regular("a", 1), regular("b", 2), customPoint("c", "leaf", 3)}

	assert.NoError(t, CheckOrderAvailable(all, RegularScope(), "a", 1), "keeping its own order")
	assert.NoError(t, CheckOrderAvailable(all, RegularScope(), "a", 3), "order 3 is used in another scope")

	err := CheckOrderAvailable(all, RegularScope(), "a", 2)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	err = CheckOrderAvailable(all, RegularScope(), "a", 0)
	assert.True(t, IsValidation(err))
}

func TestStats(t *testing.T) {
	all := []Annotation{
		customPoint("n1", "node", 1),
		regular("r1", 1),
		regular("r3", 3),
		customPoint("l1", "leaf", 2),
	}
	stats := Stats(all)
	require.Len(t, stats, 3)

	assert.Equal(t, "regular", stats[0].Key)
	assert.Equal(t, 2, stats[0].Count)
	assert.Equal(t, 3, stats[0].MaxOrder)
	assert.Equal(t, []int{2}, stats[0].Gaps)

	assert.Equal(t, "custom:leaf", stats[1].Key)
	assert.Equal(t, "custom:node", stats[2].Key)
	assert.Empty(t, stats[2].Gaps)
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("regular")
	require.NoError(t, err)
	assert.Equal(t, RegularScope(), s)

	s, err = ParseScope("custom:leaf")
	require.NoError(t, err)
	assert.Equal(t, CustomScope("leaf"), s)
	assert.Equal(t, "custom:leaf", s.String())

	for _, bad := range []string{"", "custom:", "custom", "point"} {
		_, err := ParseScope(bad)
		assert.True(t, IsValidation(err), bad)
	}
}
