package kv_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/autom8ter/myquery/kv"
	_ "github.com/autom8ter/myquery/kv/badger"
	_ "github.com/autom8ter/myquery/kv/redis"
	"github.com/autom8ter/myquery/kv/registry"
	"github.com/stretchr/testify/assert"
)

func collect(t *testing.T, tx kv.Tx, opts kv.IterOpts) []string {
	iter, err := tx.NewIterator(opts)
	assert.NoError(t, err)
	defer iter.Close()
	var keys []string
	for iter.Valid() {
		keys = append(keys, string(iter.Key()))
		assert.NoError(t, iter.Next())
	}
	return keys
}

func Test(t *testing.T) {
	mr := miniredis.RunT(t)
	var providers = map[string]map[string]interface{}{
		"badger": {"storage_path": ""},
		"redis":  {"addr": mr.Addr()},
	}
	ctx := context.Background()
	for provider, params := range providers {
		provider, params := provider, params
		t.Run(provider, func(t *testing.T) {
			db, err := registry.Open(provider, params)
			assert.NoError(t, err)
			defer db.Close(ctx)
			data := map[string]string{}
			for i := 0; i < 10; i++ {
				data[fmt.Sprintf("a/%d", i)] = fmt.Sprint(i)
			}
			t.Run("set", func(t *testing.T) {
				assert.Nil(t, db.Tx(false, func(tx kv.Tx) error {
					for k, v := range data {
						assert.Nil(t, tx.Set(ctx, []byte(k), []byte(v)))
					}
					return tx.Set(ctx, []byte("b/0"), []byte("other"))
				}))
			})
			t.Run("get", func(t *testing.T) {
				assert.Nil(t, db.Tx(true, func(tx kv.Tx) error {
					for k, v := range data {
						data, err := tx.Get(ctx, []byte(k))
						assert.Nil(t, err)
						assert.EqualValues(t, v, string(data))
					}
					missing, err := tx.Get(ctx, []byte("missing"))
					assert.NoError(t, err)
					assert.Nil(t, missing)
					return nil
				}))
			})
			t.Run("read only", func(t *testing.T) {
				assert.NotNil(t, db.Tx(true, func(tx kv.Tx) error {
					return tx.Set(ctx, []byte("x"), []byte("y"))
				}))
			})
			t.Run("iterate prefix", func(t *testing.T) {
				assert.Nil(t, db.Tx(true, func(tx kv.Tx) error {
					keys := collect(t, tx, kv.IterOpts{Prefix: []byte("a/")})
					assert.Equal(t, len(data), len(keys))
					assert.Equal(t, "a/0", keys[0])
					assert.Equal(t, "a/9", keys[9])
					return nil
				}))
			})
			t.Run("iterate reverse", func(t *testing.T) {
				assert.Nil(t, db.Tx(true, func(tx kv.Tx) error {
					keys := collect(t, tx, kv.IterOpts{Prefix: []byte("a/"), Reverse: true})
					assert.Equal(t, len(data), len(keys))
					assert.Equal(t, "a/9", keys[0])
					assert.Equal(t, "a/0", keys[9])
					return nil
				}))
			})
			t.Run("iterate bounds", func(t *testing.T) {
				assert.Nil(t, db.Tx(true, func(tx kv.Tx) error {
					keys := collect(t, tx, kv.IterOpts{
						Prefix:     []byte("a/"),
						LowerBound: []byte("a/3"),
						UpperBound: []byte("a/6"),
					})
					assert.Equal(t, []string{"a/3", "a/4", "a/5"}, keys)
					keys = collect(t, tx, kv.IterOpts{
						Prefix:     []byte("a/"),
						LowerBound: []byte("a/3"),
						UpperBound: []byte("a/6"),
						Reverse:    true,
					})
					assert.Equal(t, []string{"a/5", "a/4", "a/3"}, keys)
					return nil
				}))
			})
			t.Run("delete", func(t *testing.T) {
				assert.Nil(t, db.Tx(false, func(tx kv.Tx) error {
					return tx.Delete(ctx, []byte("a/0"))
				}))
				assert.Nil(t, db.Tx(true, func(tx kv.Tx) error {
					val, err := tx.Get(ctx, []byte("a/0"))
					assert.NoError(t, err)
					assert.Nil(t, val)
					return nil
				}))
			})
			t.Run("rollback", func(t *testing.T) {
				tx, err := db.NewTx(false)
				assert.NoError(t, err)
				assert.NoError(t, tx.Set(ctx, []byte("a/rolled"), []byte("back")))
				tx.Rollback(ctx)
				assert.Nil(t, db.Tx(true, func(tx kv.Tx) error {
					val, err := tx.Get(ctx, []byte("a/rolled"))
					assert.NoError(t, err)
					assert.Nil(t, val)
					return nil
				}))
			})
			t.Run("drop prefix", func(t *testing.T) {
				assert.NoError(t, db.DropPrefix(ctx, []byte("a/")))
				assert.Nil(t, db.Tx(true, func(tx kv.Tx) error {
					assert.Empty(t, collect(t, tx, kv.IterOpts{Prefix: []byte("a/")}))
					assert.Equal(t, []string{"b/0"}, collect(t, tx, kv.IterOpts{}))
					return nil
				}))
			})
		})
	}
}
