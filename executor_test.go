package myquery_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/autom8ter/myquery"
	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/testutil"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

func twoIndexCollection(t *testing.T, ctx context.Context, db *myquery.DB, name string) *myquery.Collection {
	coll := db.Collection(name)
	createIndexes(t, ctx, coll, "a", "b")
	seed(t, ctx, coll, 60, func(i int) map[string]any { return map[string]any{"a": i % 2, "b": i} })
	return coll
}

func TestPlanCacheLifecycle(t *testing.T) {
	selective := func(b int) myquery.Query {
		return myquery.Query{Filter: map[string]any{"a": 1, "b": b}}
	}
	t.Run("shapes share a key", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := twoIndexCollection(t, ctx, db, "shapes")
			_, first := cursorInfo(t, ctx, coll, selective(3))
			_, second := cursorInfo(t, ctx, coll, selective(41))
			assert.Equal(t, first.QueryHash, second.QueryHash)
			assert.Equal(t, first.PlanCacheKey, second.PlanCacheKey)

			_, null := cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": 1, "b": nil}})
			assert.NotEqual(t, first.QueryHash, null.QueryHash)

			_, sorted := cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": 1, "b": 3}, Sort: myquery.ParseSort("b")})
			assert.NotEqual(t, first.QueryHash, sorted.QueryHash)

			n, err := coll.Count(ctx, selective(3))
			assert.NoError(t, err)
			assert.Equal(t, 1, n)
			var countLike, findLike int
			for _, e := range coll.PlanCacheStats() {
				if e.QueryHash != first.QueryHash {
					continue
				}
				if e.Key.CountLike {
					countLike++
				} else {
					findLike++
				}
			}
			assert.Equal(t, 1, countLike)
			assert.Equal(t, 1, findLike)
		}))
	})
	t.Run("key follows the catalog", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := twoIndexCollection(t, ctx, db, "catalog")
			_, before := cursorInfo(t, ctx, coll, selective(3))
			assert.Len(t, coll.PlanCacheStats(), 1)
			createIndexes(t, ctx, coll, "c")
			assert.Empty(t, coll.PlanCacheStats())
			_, after := cursorInfo(t, ctx, coll, selective(3))
			assert.Equal(t, before.QueryHash, after.QueryHash)
			assert.NotEqual(t, before.PlanCacheKey, after.PlanCacheKey)
		}))
	})
	t.Run("entries activate on the second win", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := twoIndexCollection(t, ctx, db, "activation")
			docs, info := cursorInfo(t, ctx, coll, selective(3))
			assert.Len(t, docs, 1)
			assert.False(t, info.FromPlanCache)
			assert.Greater(t, info.Candidates, 1)
			stats := coll.PlanCacheStats()
			assert.Len(t, stats, 1)
			assert.False(t, stats[0].IsActive)
			assert.Equal(t, info.WinningPlan, stats[0].PlanSummary)

			_, info = cursorInfo(t, ctx, coll, selective(5))
			assert.False(t, info.FromPlanCache)
			stats = coll.PlanCacheStats()
			assert.Len(t, stats, 1)
			assert.True(t, stats[0].IsActive)

			docs, info = cursorInfo(t, ctx, coll, selective(7))
			assert.Len(t, docs, 1)
			assert.Equal(t, float64(7), docs[0].GetFloat("b"))
			assert.True(t, info.FromPlanCache)
			assert.Equal(t, 1, info.Candidates)
			assert.Equal(t, stats[0].PlanSummary, info.WinningPlan)

			explain, err := coll.Explain(ctx, selective(9))
			assert.NoError(t, err)
			assert.True(t, explain.IsCached)
			assert.True(t, explain.CachedIsActive)
			assert.False(t, explain.FromPlanCache)

			docs, info = cursorInfo(t, ctx, coll, selective(2))
			assert.Len(t, docs, 0)
			assert.True(t, info.FromPlanCache)
		}))
	})
	t.Run("flags do not leak", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := twoIndexCollection(t, ctx, db, "flags")
			for i := 0; i < 3; i++ {
				_, info := cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": 1, "b": 3}, Hint: "b_1"})
				assert.False(t, info.FromPlanCache)
				_, err := coll.Explain(ctx, selective(3))
				assert.NoError(t, err)
			}
			assert.Empty(t, coll.PlanCacheStats())

			assert.NoError(t, db.SetParameter(ctx, "disablePlanCache", true))
			for i := 0; i < 3; i++ {
				_, info := cursorInfo(t, ctx, coll, selective(3))
				assert.False(t, info.FromPlanCache)
			}
			assert.Empty(t, coll.PlanCacheStats())

			assert.NoError(t, db.SetParameter(ctx, "disablePlanCache", false))
			cursorInfo(t, ctx, coll, selective(3))
			cursorInfo(t, ctx, coll, selective(3))
			_, info := cursorInfo(t, ctx, coll, selective(3))
			assert.True(t, info.FromPlanCache)
			assert.False(t, info.Replanned)
			assert.Empty(t, info.ReplanReason)
		}))
	})
	t.Run("byte budget", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := twoIndexCollection(t, ctx, db, "budget")
			cursorInfo(t, ctx, coll, selective(3))
			cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": 1, "b": map[string]any{"$gt": 3}}})
			assert.Equal(t, 2, db.PlanCache().Len())
			assert.Greater(t, db.PlanCache().Size(), int64(0))

			assert.NoError(t, db.SetParameter(ctx, "planCacheMaxBytes", 0))
			assert.Equal(t, 0, db.PlanCache().Len())
			assert.EqualValues(t, 2, db.PlanCache().Evictions())

			docs, info := cursorInfo(t, ctx, coll, selective(3))
			assert.Len(t, docs, 1)
			assert.False(t, info.FromPlanCache)
			assert.Equal(t, 0, db.PlanCache().Len())
		}))
	})
	t.Run("invalidation is idempotent", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := twoIndexCollection(t, ctx, db, "invalidate")
			cursorInfo(t, ctx, coll, selective(3))
			cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": 1, "b": map[string]any{"$gt": 3}}})

			removed, err := coll.ClearPlanCacheShape(ctx, selective(99))
			assert.NoError(t, err)
			assert.Equal(t, 1, removed)
			removed, err = coll.ClearPlanCacheShape(ctx, selective(99))
			assert.NoError(t, err)
			assert.Equal(t, 0, removed)

			assert.Equal(t, 1, coll.ClearPlanCache(ctx))
			assert.Equal(t, 0, coll.ClearPlanCache(ctx))

			cursorInfo(t, ctx, coll, selective(3))
			assert.NoError(t, coll.DropIndex(ctx, "a_1"))
			assert.Empty(t, coll.PlanCacheStats())
			docs, info := cursorInfo(t, ctx, coll, selective(3))
			assert.Len(t, docs, 1)
			assert.NotContains(t, info.WinningPlan, "a_1")
		}))
	})
	t.Run("count does not leak into or branches", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("branches")
			createIndexes(t, ctx, coll, "a", "b")
			seed(t, ctx, coll, 100, func(i int) map[string]any {
				return map[string]any{"a": i % 10, "b": i % 7, "name": fmt.Sprint("doc-", i)}
			})
			count := func() {
				for i := 0; i < 2; i++ {
					n, err := coll.Count(ctx, myquery.Query{Filter: map[string]any{"a": 0}})
					assert.NoError(t, err)
					assert.Equal(t, 10, n)
				}
			}
			find := func() {
				for i := 0; i < 3; i++ {
					docs, info := cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"$or": []any{
						map[string]any{"a": 0},
						map[string]any{"b": 0},
					}}})
					assert.Len(t, docs, 23)
					assert.True(t, strings.HasPrefix(info.WinningPlan, "OR("), info.WinningPlan)
					for _, doc := range docs {
						assert.True(t, doc.GetFloat("a") == 0 || doc.GetFloat("b") == 0)
						assert.NotEmpty(t, doc.GetString("name"))
						assert.NotEmpty(t, doc.ID())
					}
				}
			}
			check := func() {
				var countLike, branches int
				for _, e := range coll.PlanCacheStats() {
					switch {
					case e.Key.CountLike:
						countLike++
						assert.Equal(t, "IXSCAN a_1", e.PlanSummary)
					case strings.HasPrefix(e.PlanSummary, "OR("):
					default:
						branches++
						assert.True(t, strings.HasPrefix(e.PlanSummary, "FETCH(IXSCAN "), e.PlanSummary)
					}
				}
				assert.Equal(t, 1, countLike)
				assert.Equal(t, 2, branches)
			}

			count()
			find()
			check()

			coll.ClearPlanCache(ctx)
			find()
			count()
			check()
		}))
	})
	t.Run("concurrent queries and evictions", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := twoIndexCollection(t, ctx, db, "concurrent")
			maxBytes := db.Parameters().PlanCacheMaxBytes
			egp, ctx := errgroup.WithContext(ctx)
			for w := 0; w < 8; w++ {
				w := w
				egp.Go(func() error {
					for i := 0; i < 25; i++ {
						b := (w*25 + i) % 60
						docs, err := coll.Find(ctx, selective(b))
						if err != nil {
							return err
						}
						want := 0
						if b%2 == 1 {
							want = 1
						}
						if len(docs) != want {
							return fmt.Errorf("b=%d: expected %d documents, got %d", b, want, len(docs))
						}
					}
					return nil
				})
			}
			egp.Go(func() error {
				for i := 0; i < 10; i++ {
					if err := db.SetParameter(ctx, "planCacheMaxBytes", 0); err != nil {
						return err
					}
					coll.ClearPlanCache(ctx)
					if err := db.SetParameter(ctx, "planCacheMaxBytes", maxBytes); err != nil {
						return err
					}
					db.PlanCache().Stats("")
				}
				return nil
			})
			assert.NoError(t, egp.Wait())
			assert.GreaterOrEqual(t, db.PlanCache().Size(), int64(0))
			assert.Equal(t, len(db.PlanCache().Stats("")), db.PlanCache().Len())
		}))
	})
}

func TestReplanning(t *testing.T) {
	padding := strings.Repeat("x", 200)
	setup := func(t *testing.T, ctx context.Context, db *myquery.DB, patterns ...string) *myquery.Collection {
		coll := db.Collection("replan")
		createIndexes(t, ctx, coll, patterns...)
		seed(t, ctx, coll, 20, func(i int) map[string]any {
			return map[string]any{"x": 7, "y": i, "pad": padding}
		})
		seed(t, ctx, coll, 1, func(i int) map[string]any {
			return map[string]any{"x": 5, "y": 100, "pad": padding}
		})
		return coll
	}
	byX := func(x int) myquery.Query {
		return myquery.Query{Filter: map[string]any{"x": x}, Sort: myquery.ParseSort("y")}
	}
	config := func() myquery.Config {
		cfg := testutil.DefaultConfig()
		cfg.Parameters.MaxBlockingSortBytes = 2000
		return cfg
	}
	t.Run("cached plan exceeding the sort limit is replaced once", func(t *testing.T) {
		assert.NoError(t, testutil.TestDBWithConfig(config(), func(ctx context.Context, db *myquery.DB) {
			coll := setup(t, ctx, db, "x", "y")
			for i := 0; i < 2; i++ {
				docs, info := cursorInfo(t, ctx, coll, byX(5))
				assert.Len(t, docs, 1)
				assert.Equal(t, "FETCH(IXSCAN x_1)", info.WinningPlan)
			}
			stats := coll.PlanCacheStats()
			assert.Len(t, stats, 1)
			assert.True(t, stats[0].IsActive)
			assert.Equal(t, "FETCH(IXSCAN x_1)", stats[0].PlanSummary)

			docs, info := cursorInfo(t, ctx, coll, byX(7))
			assert.Len(t, docs, 20)
			assert.True(t, info.Replanned)
			assert.False(t, info.FromPlanCache)
			assert.Contains(t, info.ReplanReason, "Sort exceeded memory limit")
			assert.Contains(t, info.WinningPlan, "IXSCAN y_1")
			for i := 1; i < len(docs); i++ {
				assert.Less(t, docs[i-1].GetFloat("y"), docs[i].GetFloat("y"))
			}
			assert.EqualValues(t, 1, db.Replans())

			stats = coll.PlanCacheStats()
			assert.Len(t, stats, 1)
			assert.False(t, stats[0].IsActive)
			assert.Contains(t, stats[0].PlanSummary, "IXSCAN y_1")

			_, info = cursorInfo(t, ctx, coll, byX(7))
			assert.False(t, info.Replanned)
			assert.EqualValues(t, 1, db.Replans())
		}))
	})
	t.Run("replanned trial failing again surfaces the error once", func(t *testing.T) {
		assert.NoError(t, testutil.TestDBWithConfig(config(), func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("replan")
			createIndexes(t, ctx, coll, "x", "z")
			seed(t, ctx, coll, 20, func(i int) map[string]any {
				return map[string]any{"x": 7, "z": 1, "y": i, "pad": padding}
			})
			seed(t, ctx, coll, 1, func(i int) map[string]any {
				return map[string]any{"x": 5, "z": 1, "y": 100, "pad": padding}
			})
			byXZ := func(x int) myquery.Query {
				return myquery.Query{Filter: map[string]any{"x": x, "z": 1}, Sort: myquery.ParseSort("y")}
			}
			for i := 0; i < 2; i++ {
				docs, _ := cursorInfo(t, ctx, coll, byXZ(5))
				assert.Len(t, docs, 1)
			}
			stats := coll.PlanCacheStats()
			assert.Len(t, stats, 1)
			assert.True(t, stats[0].IsActive)

			_, err := coll.Find(ctx, byXZ(7))
			assert.True(t, errors.Is(err, errors.ResourceExceeded), err)
			assert.EqualValues(t, 1, db.Replans())
			assert.Empty(t, coll.PlanCacheStats())

			_, err = coll.Find(ctx, byXZ(7))
			assert.True(t, errors.Is(err, errors.ResourceExceeded), err)
			assert.EqualValues(t, 1, db.Replans())
		}))
	})
	t.Run("without an alternative the error surfaces", func(t *testing.T) {
		assert.NoError(t, testutil.TestDBWithConfig(config(), func(ctx context.Context, db *myquery.DB) {
			coll := setup(t, ctx, db, "x")
			_, err := coll.Find(ctx, byX(7))
			assert.True(t, errors.Is(err, errors.ResourceExceeded), err)
			assert.EqualValues(t, 0, db.Replans())
			docs, err := coll.Find(ctx, byX(5))
			assert.NoError(t, err)
			assert.Len(t, docs, 1)
		}))
	})
}
