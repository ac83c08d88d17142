package myquery

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testIndex(t *testing.T, pattern string, mutate ...func(idx *Index)) *Index {
	idx := &Index{Fields: ParseKeyPattern(pattern)}
	for _, fn := range mutate {
		fn(idx)
	}
	assert.NoError(t, idx.prepare())
	return idx
}

func TestBounds(t *testing.T) {
	t.Run("equality is an exact point", func(t *testing.T) {
		idx := testIndex(t, "a")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": 5}), nil)
		assert.True(t, b.exact)
		assert.True(t, b.leadingBounded())
		assert.True(t, b.allPoints(nil))
		assert.Equal(t, "a:[5, 5]", b.String())
	})
	t.Run("ranges intersect", func(t *testing.T) {
		idx := testIndex(t, "a")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": map[string]any{"$gt": 1, "$lte": 10}}), nil)
		assert.True(t, b.exact)
		assert.Equal(t, "a:(1, 10]", b.String())
		assert.True(t, b.matches([]any{float64(10)}, nil))
		assert.False(t, b.matches([]any{float64(1)}, nil))
	})
	t.Run("range stays within its type", func(t *testing.T) {
		idx := testIndex(t, "a")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": map[string]any{"$gt": 5}}), nil)
		assert.True(t, b.matches([]any{float64(6)}, nil))
		assert.False(t, b.matches([]any{"6"}, nil))
		assert.False(t, b.matches([]any{nil}, nil))
	})
	t.Run("contradiction is empty", func(t *testing.T) {
		idx := testIndex(t, "a")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": map[string]any{"$gt": 10, "$lt": 5}}), nil)
		assert.True(t, b.isEmpty())
	})
	t.Run("in unions points", func(t *testing.T) {
		idx := testIndex(t, "a")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": map[string]any{"$in": []any{3, 1, 3}}}), nil)
		assert.False(t, b.allPoints(nil))
		assert.True(t, b.fields[0].isPoints(nil))
		assert.Len(t, b.fields[0].Intervals, 2)
	})
	t.Run("unindexed predicate needs a filter", func(t *testing.T) {
		idx := testIndex(t, "a")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": 5, "b": 1}), nil)
		assert.False(t, b.exact)
		assert.True(t, b.leadingBounded())
	})
	t.Run("trailing field unbounded", func(t *testing.T) {
		idx := testIndex(t, "a,b")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": 5}), nil)
		assert.True(t, b.fields[1].isFull())
		assert.True(t, b.exact)
	})
	t.Run("multikey keeps one predicate per field", func(t *testing.T) {
		idx := testIndex(t, "a", func(idx *Index) { idx.Multikey = true })
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": map[string]any{"$gt": 1, "$lt": 5}}), nil)
		assert.False(t, b.exact)
		assert.Len(t, b.fields[0].Intervals, 1)
		assert.False(t, b.fields[0].Intervals[0].high.kind == boundValue && b.fields[0].Intervals[0].low.kind == boundValue)
	})
	t.Run("provides sort", func(t *testing.T) {
		idx := testIndex(t, "a,b")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": 5}), nil)
		assert.True(t, b.providesSort(idx, ParseSort("b"), 1, nil))
		assert.True(t, b.providesSort(idx, ParseSort("-b"), -1, nil))
		assert.False(t, b.providesSort(idx, ParseSort("b"), -1, nil))
		assert.True(t, b.providesSort(idx, ParseSort("a,b"), 1, nil))
		assert.False(t, b.providesSort(idx, ParseSort("c"), 1, nil))

		ranged := computeBounds(idx, mustFilter(t, map[string]any{"a": map[string]any{"$gt": 5}}), nil)
		assert.False(t, ranged.providesSort(idx, ParseSort("b"), 1, nil))
	})
	t.Run("point ranges are disjoint and ordered", func(t *testing.T) {
		idx := testIndex(t, "a")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": map[string]any{"$in": []any{9, 1, 5}}}), nil)
		ranges := b.ranges(idx, "coll", 200)
		assert.Len(t, ranges, 3)
		for i, r := range ranges {
			assert.True(t, bytes.Compare(r.lower, r.upper) < 0)
			if i > 0 {
				assert.True(t, bytes.Compare(ranges[i-1].upper, r.lower) <= 0)
			}
		}
	})
	t.Run("max scan ranges caps expansion", func(t *testing.T) {
		idx := testIndex(t, "a,b")
		b := computeBounds(idx, mustFilter(t, map[string]any{
			"a": map[string]any{"$in": []any{1, 2, 3}},
			"b": map[string]any{"$in": []any{1, 2, 3}},
		}), nil)
		assert.Len(t, b.ranges(idx, "coll", 200), 9)
		assert.Len(t, b.ranges(idx, "coll", 4), 3)
	})
	t.Run("entries fall inside their ranges", func(t *testing.T) {
		idx := testIndex(t, "a")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": map[string]any{"$gte": 2, "$lt": 4}}), nil)
		ranges := b.ranges(idx, "coll", 200)
		assert.Len(t, ranges, 1)
		inside := func(v any) bool {
			entries, _, err := idx.keys("coll", "id", map[string]any{"a": v})
			assert.NoError(t, err)
			key := entries[0].key
			return bytes.Compare(key, ranges[0].lower) >= 0 && bytes.Compare(key, ranges[0].upper) < 0
		}
		assert.True(t, inside(float64(2)))
		assert.True(t, inside(float64(3.5)))
		assert.False(t, inside(float64(4)))
		assert.False(t, inside(float64(1)))
		assert.False(t, inside("3"))
	})
	t.Run("descending index ranges", func(t *testing.T) {
		idx := testIndex(t, "-a")
		b := computeBounds(idx, mustFilter(t, map[string]any{"a": map[string]any{"$gt": 2}}), nil)
		ranges := b.ranges(idx, "coll", 200)
		assert.Len(t, ranges, 1)
		inside := func(v any) bool {
			entries, _, err := idx.keys("coll", "id", map[string]any{"a": v})
			assert.NoError(t, err)
			key := entries[0].key
			return bytes.Compare(key, ranges[0].lower) >= 0 && bytes.Compare(key, ranges[0].upper) < 0
		}
		assert.True(t, inside(float64(3)))
		assert.False(t, inside(float64(2)))
	})
}

func TestIndexKeys(t *testing.T) {
	t.Run("missing field is null", func(t *testing.T) {
		idx := testIndex(t, "a")
		entries, multikey, err := idx.keys("coll", "1", map[string]any{"b": 1})
		assert.NoError(t, err)
		assert.False(t, multikey)
		assert.Len(t, entries, 1)
		assert.Nil(t, entries[0].values[0])
	})
	t.Run("sparse skips missing", func(t *testing.T) {
		idx := testIndex(t, "a", func(idx *Index) { idx.Sparse = true })
		entries, _, err := idx.keys("coll", "1", map[string]any{"b": 1})
		assert.NoError(t, err)
		assert.Empty(t, entries)
	})
	t.Run("arrays expand", func(t *testing.T) {
		idx := testIndex(t, "a,b")
		entries, multikey, err := idx.keys("coll", "1", map[string]any{"a": []any{1, 2, 2}, "b": "x"})
		assert.NoError(t, err)
		assert.True(t, multikey)
		assert.Len(t, entries, 2)
	})
	t.Run("parallel arrays", func(t *testing.T) {
		idx := testIndex(t, "a,b")
		_, _, err := idx.keys("coll", "1", map[string]any{"a": []any{1}, "b": []any{2}})
		assert.Error(t, err)
	})
	t.Run("partial filter", func(t *testing.T) {
		idx := testIndex(t, "a", func(idx *Index) {
			idx.PartialFilterExpression = map[string]any{"b": map[string]any{"$gt": 5}}
		})
		entries, _, err := idx.keys("coll", "1", map[string]any{"a": 1, "b": float64(1)})
		assert.NoError(t, err)
		assert.Empty(t, entries)
		entries, _, err = idx.keys("coll", "1", map[string]any{"a": 1, "b": float64(10)})
		assert.NoError(t, err)
		assert.Len(t, entries, 1)

		assert.True(t, partialFilterImplied(mustFilter(t, map[string]any{"b": map[string]any{"$gt": 7}}), idx.partial, nil))
		assert.True(t, partialFilterImplied(mustFilter(t, map[string]any{"b": 6}), idx.partial, nil))
		assert.False(t, partialFilterImplied(mustFilter(t, map[string]any{"b": map[string]any{"$gt": 1}}), idx.partial, nil))
		assert.False(t, partialFilterImplied(mustFilter(t, map[string]any{"a": 1}), idx.partial, nil))
	})
	t.Run("invalid index", func(t *testing.T) {
		assert.Error(t, (&Index{}).prepare())
		assert.Error(t, (&Index{Fields: ParseKeyPattern("a,a")}).prepare())
		assert.Error(t, (&Index{Name: NaturalHint, Fields: ParseKeyPattern("a")}).prepare())
	})
	t.Run("default name", func(t *testing.T) {
		assert.Equal(t, "a_1_b_-1", testIndex(t, "a,-b").Name)
	})
}
