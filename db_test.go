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
)

func seed(t *testing.T, ctx context.Context, coll *myquery.Collection, n int, fn func(i int) map[string]any) {
	var docs myquery.Documents
	for i := 0; i < n; i++ {
		docs = append(docs, testutil.NewDoc(fn(i)))
	}
	ids, err := coll.Insert(ctx, docs...)
	assert.NoError(t, err)
	assert.Len(t, ids, n)
}

func createIndexes(t *testing.T, ctx context.Context, coll *myquery.Collection, patterns ...string) {
	for _, p := range patterns {
		assert.NoError(t, coll.CreateIndex(ctx, myquery.Index{Fields: myquery.ParseKeyPattern(p)}))
	}
}

func cursorInfo(t *testing.T, ctx context.Context, coll *myquery.Collection, q myquery.Query) (myquery.Documents, myquery.ExecInfo) {
	cursor, err := coll.Cursor(ctx, q)
	assert.NoError(t, err)
	if err != nil {
		return nil, myquery.ExecInfo{}
	}
	docs, err := cursor.All(ctx)
	assert.NoError(t, err)
	return docs, cursor.Info()
}

func TestDB(t *testing.T) {
	t.Run("crud", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			users := db.Collection(testutil.UserCollection)
			var docs myquery.Documents
			for i := 0; i < 25; i++ {
				docs = append(docs, testutil.NewUserDoc())
			}
			ids, err := users.Insert(ctx, docs...)
			assert.NoError(t, err)
			assert.Len(t, ids, 25)
			for _, id := range ids {
				assert.NotEmpty(t, id)
			}
			createIndexes(t, ctx, users, "account_id", "contact.email")

			all, err := users.Find(ctx, myquery.Query{})
			assert.NoError(t, err)
			assert.Len(t, all, 25)

			byEmail, err := users.Find(ctx, myquery.Query{Filter: map[string]any{
				"contact.email": docs[3].GetString("contact.email"),
			}})
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, len(byEmail), 1)
			assert.Equal(t, docs[3].GetString("name"), byEmail[0].GetString("name"))

			expected := 0
			for _, d := range docs {
				if d.GetFloat("account_id") > 50 {
					expected++
				}
			}
			n, err := users.Count(ctx, myquery.Query{Filter: map[string]any{"account_id": map[string]any{"$gt": 50}}})
			assert.NoError(t, err)
			assert.Equal(t, expected, n)

			removed, err := users.Delete(ctx, map[string]any{"account_id": map[string]any{"$gt": 50}})
			assert.NoError(t, err)
			assert.Equal(t, expected, removed)
			n, err = users.Count(ctx, myquery.Query{})
			assert.NoError(t, err)
			assert.Equal(t, 25-expected, n)
			n, err = users.Count(ctx, myquery.Query{Filter: map[string]any{"account_id": map[string]any{"$gt": 50}}})
			assert.NoError(t, err)
			assert.Equal(t, 0, n)

			remaining, err := users.Find(ctx, myquery.Query{Limit: 1})
			assert.NoError(t, err)
			if len(remaining) > 0 {
				_, err = users.Insert(ctx, testutil.NewDoc(map[string]any{"_id": remaining[0].ID()}))
				assert.True(t, errors.Is(err, errors.Validation))
			}
			assert.Contains(t, db.Collections(), testutil.UserCollection)
		}))
	})
	t.Run("sort skip limit projection", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("numbers")
			seed(t, ctx, coll, 50, func(i int) map[string]any {
				return map[string]any{"n": i, "even": i%2 == 0, "label": fmt.Sprint("n", i)}
			})
			createIndexes(t, ctx, coll, "n")
			docs, err := coll.Find(ctx, myquery.Query{
				Filter:     map[string]any{"even": true},
				Sort:       myquery.ParseSort("-n"),
				Skip:       2,
				Limit:      5,
				Projection: map[string]any{"n": 1},
			})
			assert.NoError(t, err)
			assert.Len(t, docs, 5)
			assert.Equal(t, float64(44), docs[0].GetFloat("n"))
			assert.Equal(t, float64(36), docs[4].GetFloat("n"))
			assert.False(t, docs[0].Exists("label"))

			docs, err = coll.Find(ctx, myquery.Query{
				Filter:     map[string]any{"n": map[string]any{"$gte": 10, "$lt": 15}},
				Projection: map[string]any{"label": 0},
			})
			assert.NoError(t, err)
			assert.Len(t, docs, 5)
			for _, d := range docs {
				assert.False(t, d.Exists("label"))
				assert.True(t, d.Exists("even"))
			}
		}))
	})
	t.Run("unique index", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("unique")
			assert.NoError(t, coll.CreateIndex(ctx, myquery.Index{Fields: myquery.ParseKeyPattern("email"), Unique: true}))
			_, err := coll.Insert(ctx, testutil.NewDoc(map[string]any{"email": "a@example.com"}))
			assert.NoError(t, err)
			_, err = coll.Insert(ctx, testutil.NewDoc(map[string]any{"email": "a@example.com"}))
			assert.Error(t, err)
			n, err := coll.Count(ctx, myquery.Query{})
			assert.NoError(t, err)
			assert.Equal(t, 1, n)

			dupes := db.Collection("dupes")
			seed(t, ctx, dupes, 2, func(i int) map[string]any { return map[string]any{"email": "same"} })
			assert.Error(t, dupes.CreateIndex(ctx, myquery.Index{Fields: myquery.ParseKeyPattern("email"), Unique: true}))
			assert.Empty(t, dupes.Indexes())
		}))
	})
	t.Run("multikey", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("tags")
			createIndexes(t, ctx, coll, "tags")
			assert.False(t, coll.Indexes()[0].Multikey)
			seed(t, ctx, coll, 10, func(i int) map[string]any {
				return map[string]any{"tags": []any{"all", fmt.Sprint("t", i), fmt.Sprint("t", i+1)}}
			})
			assert.True(t, coll.Indexes()[0].Multikey)
			docs, err := coll.Find(ctx, myquery.Query{Filter: map[string]any{"tags": "all"}})
			assert.NoError(t, err)
			assert.Len(t, docs, 10)
			docs, err = coll.Find(ctx, myquery.Query{Filter: map[string]any{"tags": map[string]any{"$in": []any{"t3", "t4"}}}})
			assert.NoError(t, err)
			assert.Len(t, docs, 3)
		}))
	})
	t.Run("reopen", func(t *testing.T) {
		dir := t.TempDir()
		cfg := testutil.DefaultConfig()
		cfg.Params = map[string]any{"storage_path": dir}
		assert.NoError(t, testutil.TestDBWithConfig(cfg, func(ctx context.Context, db *myquery.DB) {
			seed(t, ctx, db.Collection("plain"), 3, func(i int) map[string]any { return map[string]any{"i": i} })
			indexed := db.Collection("indexed")
			createIndexes(t, ctx, indexed, "i")
			seed(t, ctx, indexed, 4, func(i int) map[string]any { return map[string]any{"i": i} })
		}))
		assert.NoError(t, testutil.TestDBWithConfig(cfg, func(ctx context.Context, db *myquery.DB) {
			assert.ElementsMatch(t, []string{"plain", "indexed"}, db.Collections())
			assert.Len(t, db.Collection("indexed").Indexes(), 1)
			n, err := db.Collection("indexed").Count(ctx, myquery.Query{Filter: map[string]any{"i": map[string]any{"$gt": 1}}})
			assert.NoError(t, err)
			assert.Equal(t, 2, n)
			n, err = db.Collection("plain").Count(ctx, myquery.Query{})
			assert.NoError(t, err)
			assert.Equal(t, 3, n)
		}))
	})
	t.Run("collation", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("names")
			collation := &myquery.Collation{Locale: "en", Strength: 2}
			assert.NoError(t, coll.CreateIndex(ctx, myquery.Index{Fields: myquery.ParseKeyPattern("name"), Collation: collation}))
			seed(t, ctx, coll, 3, func(i int) map[string]any {
				return map[string]any{"name": []string{"alice", "Bob", "carol"}[i]}
			})
			docs, info := cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"name": "ALICE"}, Collation: collation})
			assert.Len(t, docs, 1)
			assert.Contains(t, info.WinningPlan, "IXSCAN name_1")

			docs, info = cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"name": "ALICE"}})
			assert.Len(t, docs, 0)
			assert.NotContains(t, info.WinningPlan, "IXSCAN")

			docs, err := coll.Find(ctx, myquery.Query{Sort: myquery.ParseSort("name"), Collation: collation})
			assert.NoError(t, err)
			assert.Equal(t, []string{"alice", "Bob", "carol"}, []string{docs[0].GetString("name"), docs[1].GetString("name"), docs[2].GetString("name")})
		}))
	})
	t.Run("where and json schema", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("scripts")
			seed(t, ctx, coll, 10, func(i int) map[string]any { return map[string]any{"i": i} })
			docs, err := coll.Find(ctx, myquery.Query{Filter: map[string]any{"$where": "this.i % 3 === 0"}})
			assert.NoError(t, err)
			assert.Len(t, docs, 4)
			docs, err = coll.Find(ctx, myquery.Query{Filter: map[string]any{"$jsonSchema": map[string]any{
				"properties": map[string]any{"i": map[string]any{"minimum": 7}},
			}}})
			assert.NoError(t, err)
			assert.Len(t, docs, 3)
		}))
	})
	t.Run("drop collection", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("dropped")
			createIndexes(t, ctx, coll, "i")
			seed(t, ctx, coll, 5, func(i int) map[string]any { return map[string]any{"i": i} })
			assert.NoError(t, db.DropCollection(ctx, "dropped"))
			assert.NotContains(t, db.Collections(), "dropped")
			assert.True(t, errors.Is(db.DropCollection(ctx, "dropped"), errors.NotFound))
			n, err := coll.Count(ctx, myquery.Query{})
			assert.NoError(t, err)
			assert.Equal(t, 0, n)
			assert.Empty(t, coll.Indexes())
		}))
	})
}

func TestPlanSelection(t *testing.T) {
	t.Run("compound index dominates", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("dominance")
			createIndexes(t, ctx, coll, "a", "a,b")
			seed(t, ctx, coll, 100, func(i int) map[string]any { return map[string]any{"a": 5, "b": i} })
			docs, info := cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": 5, "b": 7}})
			assert.Len(t, docs, 1)
			assert.Contains(t, info.WinningPlan, "IXSCAN a_1_b_1")
			assert.GreaterOrEqual(t, info.Candidates, 3)
		}))
	})
	t.Run("selective index wins", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("selective")
			createIndexes(t, ctx, coll, "a", "b")
			seed(t, ctx, coll, 200, func(i int) map[string]any { return map[string]any{"a": i % 2, "b": i} })
			docs, info := cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": 1, "b": 151}})
			assert.Len(t, docs, 1)
			assert.Equal(t, "FILTER(FETCH(IXSCAN b_1))", info.WinningPlan)
		}))
	})
	t.Run("bad hint", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("hints")
			createIndexes(t, ctx, coll, "a")
			seed(t, ctx, coll, 5, func(i int) map[string]any { return map[string]any{"a": i} })
			_, err := coll.Find(ctx, myquery.Query{Filter: map[string]any{"a": 1}, Hint: "missing_1"})
			assert.True(t, errors.Is(err, errors.InvalidHint))

			docs, info := cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": 1}, Hint: myquery.NaturalHint})
			assert.Len(t, docs, 1)
			assert.Equal(t, "FILTER(COLLSCAN)", info.WinningPlan)

			docs, info = cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": 1}, Hint: "a_1"})
			assert.Len(t, docs, 1)
			assert.Equal(t, 1, info.Candidates)
			assert.Empty(t, coll.PlanCacheStats())
		}))
	})
	t.Run("rooted or", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("or")
			createIndexes(t, ctx, coll, "a", "b")
			seed(t, ctx, coll, 100, func(i int) map[string]any { return map[string]any{"a": i, "b": i * 2} })
			q := myquery.Query{Filter: map[string]any{"$or": []any{
				map[string]any{"a": 3},
				map[string]any{"b": 10},
				map[string]any{"b": 6},
			}}}
			docs, info := cursorInfo(t, ctx, coll, q)
			assert.Len(t, docs, 2)
			assert.True(t, strings.HasPrefix(info.WinningPlan, "OR("), info.WinningPlan)

			q.Filter = map[string]any{"$or": []any{
				map[string]any{"a": 3},
				map[string]any{"c": 10},
			}}
			docs, info = cursorInfo(t, ctx, coll, q)
			assert.Len(t, docs, 1)
			assert.Contains(t, info.WinningPlan, "COLLSCAN")
		}))
	})
	t.Run("contradiction is eof", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("eof")
			createIndexes(t, ctx, coll, "a")
			seed(t, ctx, coll, 5, func(i int) map[string]any { return map[string]any{"a": i} })
			docs, info := cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": map[string]any{"$gt": 4, "$lt": 1}}})
			assert.Len(t, docs, 0)
			assert.Equal(t, "EOF", info.WinningPlan)
			docs, _ = cursorInfo(t, ctx, coll, myquery.Query{Filter: map[string]any{"a": map[string]any{"$in": []any{}}}})
			assert.Len(t, docs, 0)
		}))
	})
	t.Run("explain", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("explain")
			createIndexes(t, ctx, coll, "a", "b")
			seed(t, ctx, coll, 60, func(i int) map[string]any { return map[string]any{"a": i % 3, "b": i} })
			explain, err := coll.Explain(ctx, myquery.Query{Filter: map[string]any{"a": 1, "b": map[string]any{"$lt": 30}}})
			assert.NoError(t, err)
			assert.Equal(t, "explain", explain.Namespace)
			assert.True(t, explain.Cacheable)
			assert.False(t, explain.IsCached)
			assert.NotEmpty(t, explain.QueryHash)
			assert.NotEmpty(t, explain.PlanCacheKey)
			assert.NotEmpty(t, explain.RejectedPlans)
			assert.Len(t, explain.Trial, len(explain.RejectedPlans)+1)
			assert.Equal(t, 10, explain.ExecutionStats.NReturned)
			assert.Greater(t, explain.ExecutionStats.TotalKeysExamined+explain.ExecutionStats.TotalDocsExamined, 0)
			assert.Empty(t, coll.PlanCacheStats())
		}))
	})
	t.Run("memory limit without alternative", func(t *testing.T) {
		cfg := testutil.DefaultConfig()
		cfg.Parameters.MaxBlockingSortBytes = 200
		assert.NoError(t, testutil.TestDBWithConfig(cfg, func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("sortlimit")
			createIndexes(t, ctx, coll, "x")
			seed(t, ctx, coll, 20, func(i int) map[string]any { return map[string]any{"x": 7, "y": i} })
			_, err := coll.Find(ctx, myquery.Query{Filter: map[string]any{"x": 7}, Sort: myquery.ParseSort("y")})
			assert.True(t, errors.Is(err, errors.ResourceExceeded), err)
		}))
	})
}

func TestAggregate(t *testing.T) {
	assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
		coll := db.Collection("aggregate")
		createIndexes(t, ctx, coll, "n")
		seed(t, ctx, coll, 100, func(i int) map[string]any {
			return map[string]any{"n": i, "group": i % 4}
		})
		for _, limit := range []int{1, 10, 50, 100, 110} {
			for _, direction := range []int{1, -1} {
				limit, direction := limit, direction
				t.Run(fmt.Sprintf("sort %d limit %d", direction, limit), func(t *testing.T) {
					docs, err := coll.Aggregate(ctx, myquery.Pipeline{
						{"$sort": map[string]any{"n": direction}},
						{"$limit": limit},
					})
					assert.NoError(t, err)
					expected := limit
					if expected > 100 {
						expected = 100
					}
					assert.Len(t, docs, expected)
					first := float64(0)
					if direction < 0 {
						first = 99
					}
					assert.Equal(t, first, docs[0].GetFloat("n"))
					for i := 1; i < len(docs); i++ {
						if direction > 0 {
							assert.Less(t, docs[i-1].GetFloat("n"), docs[i].GetFloat("n"))
						} else {
							assert.Greater(t, docs[i-1].GetFloat("n"), docs[i].GetFloat("n"))
						}
					}
				})
			}
		}
		t.Run("group", func(t *testing.T) {
			docs, err := coll.Aggregate(ctx, myquery.Pipeline{
				{"$match": map[string]any{"n": map[string]any{"$lt": 40}}},
				{"$group": map[string]any{
					"_id":   "$group",
					"count": map[string]any{"$count": map[string]any{}},
					"max":   map[string]any{"$max": "$n"},
				}},
				{"$sort": map[string]any{"_id": 1}},
			})
			assert.NoError(t, err)
			assert.Len(t, docs, 4)
			for i, d := range docs {
				assert.Equal(t, float64(i), d.GetFloat("_id"))
				assert.Equal(t, float64(10), d.GetFloat("count"))
				assert.Equal(t, float64(36+i), d.GetFloat("max"))
			}
		})
		t.Run("count", func(t *testing.T) {
			docs, err := coll.Aggregate(ctx, myquery.Pipeline{
				{"$match": map[string]any{"group": 2}},
				{"$count": "total"},
			})
			assert.NoError(t, err)
			assert.Len(t, docs, 1)
			assert.Equal(t, float64(25), docs[0].GetFloat("total"))
		})
		t.Run("skip beyond limit", func(t *testing.T) {
			docs, err := coll.Aggregate(ctx, myquery.Pipeline{{"$limit": 5}, {"$skip": 10}})
			assert.NoError(t, err)
			assert.Len(t, docs, 0)
		})
	}))
}

func TestOperations(t *testing.T) {
	t.Run("kill op", func(t *testing.T) {
		cfg := testutil.DefaultConfig()
		cfg.Parameters.YieldIterations = 1
		assert.NoError(t, testutil.TestDBWithConfig(cfg, func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("killed")
			seed(t, ctx, coll, 20, func(i int) map[string]any { return map[string]any{"i": i} })
			cursor, err := coll.Cursor(ctx, myquery.Query{})
			assert.NoError(t, err)
			ops := db.CurrentOps()
			assert.Len(t, ops, 1)
			assert.Equal(t, "killed", ops[0].Collection)
			assert.Equal(t, "find", ops[0].Op)
			assert.NoError(t, db.KillOp(ctx, ops[0].ID))
			assert.True(t, db.CurrentOps()[0].Killed)
			_, err = cursor.All(ctx)
			assert.True(t, errors.Is(err, errors.Interrupted), err)
			assert.Empty(t, db.CurrentOps())
			assert.True(t, errors.Is(db.KillOp(ctx, ops[0].ID), errors.NotFound))
		}))
	})
	t.Run("canceled context", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("canceled")
			seed(t, ctx, coll, 5, func(i int) map[string]any { return map[string]any{"i": i} })
			cursor, err := coll.Cursor(ctx, myquery.Query{})
			assert.NoError(t, err)
			canceled, cancel := context.WithCancel(ctx)
			cancel()
			_, err = cursor.All(canceled)
			assert.True(t, errors.Is(err, errors.Interrupted), err)
			assert.Empty(t, db.CurrentOps())
		}))
	})
	t.Run("drop index during query", func(t *testing.T) {
		cfg := testutil.DefaultConfig()
		cfg.Parameters.YieldIterations = 1
		assert.NoError(t, testutil.TestDBWithConfig(cfg, func(ctx context.Context, db *myquery.DB) {
			coll := db.Collection("dropindex")
			createIndexes(t, ctx, coll, "i")
			seed(t, ctx, coll, 20, func(i int) map[string]any { return map[string]any{"i": i} })
			cursor, err := coll.Cursor(ctx, myquery.Query{Filter: map[string]any{"i": map[string]any{"$gte": 0}}, Hint: "i_1"})
			assert.NoError(t, err)
			assert.NoError(t, coll.DropIndex(ctx, "i_1"))
			_, err = cursor.All(ctx)
			assert.True(t, errors.Is(err, errors.PlanKilled), err)
			assert.True(t, errors.Is(coll.DropIndex(ctx, "i_1"), errors.NotFound))
		}))
	})
	t.Run("parameters", func(t *testing.T) {
		assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
			assert.NoError(t, db.SetParameter(ctx, "trialMaxResults", 5))
			v, err := db.GetParameter("trialMaxResults")
			assert.NoError(t, err)
			assert.EqualValues(t, 5, v)
			assert.Equal(t, 5, db.Parameters().TrialMaxResults)
			assert.True(t, errors.Is(db.SetParameter(ctx, "bogus", 1), errors.Validation))
			assert.Error(t, db.SetParameter(ctx, "trialMaxResults", 0))
		}))
	})
}
