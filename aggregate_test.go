package myquery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanPipeline(t *testing.T) {
	t.Run("leading stages move into the query", func(t *testing.T) {
		p, err := planPipeline(Pipeline{
			{"$match": map[string]any{"a": 1}},
			{"$sort": map[string]any{"b": -1}},
			{"$skip": 2},
			{"$limit": 5},
			{"$project": map[string]any{"b": 1}},
		})
		assert.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1}, p.query.Filter)
		assert.Equal(t, []SortField{{Field: "b", Direction: -1}}, p.query.Sort)
		assert.Equal(t, 2, p.query.Skip)
		assert.Equal(t, 5, p.query.Limit)
		assert.Equal(t, map[string]any{"b": 1}, p.query.Projection)
		assert.Empty(t, p.remaining)
	})
	t.Run("skip after limit shrinks the limit", func(t *testing.T) {
		p, err := planPipeline(Pipeline{{"$limit": 10}, {"$skip": 3}})
		assert.NoError(t, err)
		assert.Equal(t, 3, p.query.Skip)
		assert.Equal(t, 7, p.query.Limit)
	})
	t.Run("skip past the limit matches nothing", func(t *testing.T) {
		p, err := planPipeline(Pipeline{{"$limit": 3}, {"$skip": 5}})
		assert.NoError(t, err)
		assert.Equal(t, map[string]any{"$alwaysFalse": 1}, p.query.Filter)
	})
	t.Run("smallest limit wins", func(t *testing.T) {
		p, err := planPipeline(Pipeline{{"$limit": 10}, {"$limit": 4}, {"$limit": 8}})
		assert.NoError(t, err)
		assert.Equal(t, 4, p.query.Limit)
	})
	t.Run("sort after limit stays in memory", func(t *testing.T) {
		p, err := planPipeline(Pipeline{{"$limit": 10}, {"$sort": "a"}})
		assert.NoError(t, err)
		assert.Equal(t, 10, p.query.Limit)
		assert.Empty(t, p.query.Sort)
		assert.Len(t, p.remaining, 1)
	})
	t.Run("group is pushed down", func(t *testing.T) {
		p, err := planPipeline(Pipeline{
			{"$match": map[string]any{"a": map[string]any{"$gt": 1}}},
			{"$group": map[string]any{"_id": "$b", "total": map[string]any{"$sum": "$c"}}},
			{"$sort": "total"},
		})
		assert.NoError(t, err)
		assert.NotNil(t, p.group)
		assert.Equal(t, "$b", p.group.ID)
		assert.Len(t, p.group.Accumulators, 1)
		assert.Len(t, p.remaining, 1)
	})
	t.Run("invalid", func(t *testing.T) {
		for _, pipeline := range []Pipeline{
			{{"$bogus": 1}},
			{{"$limit": 0}},
			{{"$skip": -1}},
			{{"$match": 1}},
			{{"$group": map[string]any{"total": map[string]any{"$sum": 1}}}},
			{{"$group": map[string]any{"_id": nil, "total": map[string]any{"$median": 1}}}},
			{{"$limit": 1, "$skip": 1}},
		} {
			_, err := planPipeline(pipeline)
			assert.Error(t, err)
		}
	})
}

func TestRunInMemory(t *testing.T) {
	ctx := context.Background()
	var docs Documents
	for i, team := range []string{"red", "blue", "red", "green", "blue", "red"} {
		d, err := NewDocumentFrom(map[string]any{"_id": i, "team": team, "score": i})
		assert.NoError(t, err)
		docs = append(docs, d)
	}
	out, err := runInMemory(ctx, docs, Pipeline{
		{"$group": map[string]any{
			"_id":   "$team",
			"total": map[string]any{"$sum": "$score"},
			"n":     map[string]any{"$count": map[string]any{}},
			"best":  map[string]any{"$max": "$score"},
			"avg":   map[string]any{"$avg": "$score"},
		}},
		{"$sort": map[string]any{"total": -1}},
	})
	assert.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, "red", out[0].GetString("_id"))
	assert.Equal(t, float64(7), out[0].GetFloat("total"))
	assert.Equal(t, float64(3), out[0].GetFloat("n"))
	assert.Equal(t, float64(5), out[0].GetFloat("best"))
	assert.InDelta(t, 7.0/3.0, out[0].GetFloat("avg"), 0.0001)

	counted, err := runInMemory(ctx, docs, Pipeline{{"$match": map[string]any{"team": "blue"}}, {"$count": "blues"}})
	assert.NoError(t, err)
	assert.Len(t, counted, 1)
	assert.Equal(t, float64(2), counted[0].GetFloat("blues"))
}
