package myquery

import (
	"testing"

	"github.com/autom8ter/myquery/errors"
	"github.com/stretchr/testify/assert"
)

func mustFilter(t *testing.T, query map[string]any) *Filter {
	f, err := ParseFilter(query)
	assert.NoError(t, err)
	return f
}

func TestFilter(t *testing.T) {
	t.Run("shape ignores literals and key order", func(t *testing.T) {
		a := mustFilter(t, map[string]any{"a": 1, "b": map[string]any{"$gt": 5}})
		b := mustFilter(t, map[string]any{"b": map[string]any{"$gt": 100}, "a": "x"})
		assert.Equal(t, a.Shape(), b.Shape())
	})
	t.Run("shape keeps null and array literals", func(t *testing.T) {
		scalar := mustFilter(t, map[string]any{"a": 1})
		null := mustFilter(t, map[string]any{"a": nil})
		array := mustFilter(t, map[string]any{"a": []any{1, 2}})
		assert.NotEqual(t, scalar.Shape(), null.Shape())
		assert.NotEqual(t, scalar.Shape(), array.Shape())
		assert.NotEqual(t, null.Shape(), array.Shape())
	})
	t.Run("shape distinguishes operators", func(t *testing.T) {
		gt := mustFilter(t, map[string]any{"a": map[string]any{"$gt": 1}})
		lt := mustFilter(t, map[string]any{"a": map[string]any{"$lt": 1}})
		assert.NotEqual(t, gt.Shape(), lt.Shape())
	})
	t.Run("normalize flattens nested and", func(t *testing.T) {
		nested := mustFilter(t, map[string]any{"$and": []any{
			map[string]any{"a": 1},
			map[string]any{"$and": []any{map[string]any{"b": 2}}},
		}})
		flat := mustFilter(t, map[string]any{"a": 1, "b": 2})
		assert.Equal(t, flat.Shape(), nested.Shape())
		assert.Len(t, nested.conjuncts(), 2)
	})
	t.Run("single child or collapses", func(t *testing.T) {
		f := mustFilter(t, map[string]any{"$or": []any{map[string]any{"a": 1}}})
		assert.Equal(t, OpEq, f.Op)
	})
	t.Run("always false", func(t *testing.T) {
		assert.True(t, mustFilter(t, map[string]any{"a": 1, "$alwaysFalse": 1}).isTriviallyFalse())
		assert.True(t, mustFilter(t, map[string]any{"a": map[string]any{"$in": []any{}}}).isTriviallyFalse())
		assert.False(t, mustFilter(t, map[string]any{"a": 1}).isTriviallyFalse())
	})
	t.Run("invalid", func(t *testing.T) {
		for _, q := range []map[string]any{
			{"$bogus": 1},
			{"a": map[string]any{"$bogus": 1}},
			{"$or": []any{}},
			{"a": map[string]any{"$in": 1}},
			{"$where": ""},
		} {
			_, err := ParseFilter(q)
			assert.Error(t, err)
			assert.True(t, errors.Is(err, errors.Validation))
		}
	})
	t.Run("matches", func(t *testing.T) {
		doc := mapSource{
			"a":    float64(5),
			"tags": []any{"x", "y"},
			"nested": map[string]any{
				"b": "hello",
			},
			"items": []any{
				map[string]any{"n": float64(1)},
				map[string]any{"n": float64(9)},
			},
		}
		type test struct {
			query map[string]any
			match bool
		}
		for _, tc := range []test{
			{map[string]any{"a": 5}, true},
			{map[string]any{"a": map[string]any{"$gte": 5, "$lt": 6}}, true},
			{map[string]any{"a": map[string]any{"$gt": 5}}, false},
			{map[string]any{"a": map[string]any{"$ne": 4}}, true},
			{map[string]any{"a": map[string]any{"$in": []any{1, 5}}}, true},
			{map[string]any{"a": map[string]any{"$nin": []any{1, 5}}}, false},
			{map[string]any{"tags": "y"}, true},
			{map[string]any{"tags": []any{"x", "y"}}, true},
			{map[string]any{"nested.b": "hello"}, true},
			{map[string]any{"items.n": 9}, true},
			{map[string]any{"items.n": map[string]any{"$gt": 10}}, false},
			{map[string]any{"missing": nil}, true},
			{map[string]any{"missing": map[string]any{"$exists": true}}, false},
			{map[string]any{"a": map[string]any{"$not": map[string]any{"$gt": 10}}}, true},
			{map[string]any{"$or": []any{map[string]any{"a": 1}, map[string]any{"nested.b": "hello"}}}, true},
			{map[string]any{"$nor": []any{map[string]any{"a": 1}, map[string]any{"nested.b": "hello"}}}, false},
			{map[string]any{"$where": "this.a > 4"}, true},
			{map[string]any{"$where": "function() { return this.a > 10 }"}, false},
			{map[string]any{"$jsonSchema": map[string]any{"required": []any{"a"}}}, true},
			{map[string]any{"$jsonSchema": map[string]any{"required": []any{"zzz"}}}, false},
		} {
			f := mustFilter(t, tc.query)
			ok, err := f.Matches(doc, nil)
			assert.NoError(t, err)
			assert.Equal(t, tc.match, ok, f.String())
		}
	})
}
