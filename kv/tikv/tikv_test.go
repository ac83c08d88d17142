package tikv

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/autom8ter/myquery/kv"
	"github.com/stretchr/testify/assert"
)

func TestPDAddrs(t *testing.T) {
	assert.Equal(t, []string{"a:2379"}, pdAddrs("a:2379"))
	assert.Equal(t, []string{"a:2379", "b:2379"}, pdAddrs("a:2379, b:2379"))
	assert.Equal(t, []string{"a:2379", "b:2379"}, pdAddrs([]any{"a:2379", "b:2379"}))
	assert.Empty(t, pdAddrs(""))
}

func Test(t *testing.T) {
	pdAddr := os.Getenv("TIKV_PD_ADDR")
	if pdAddr == "" {
		t.Skip("TIKV_PD_ADDR not set")
	}
	db, err := open(pdAddrs(pdAddr))
	assert.NoError(t, err)
	defer db.Close(context.Background())
	ctx := context.Background()
	prefix := []byte("tikv_test/")
	assert.NoError(t, db.DropPrefix(ctx, prefix))
	t.Run("set", func(t *testing.T) {
		assert.Nil(t, db.Tx(false, func(tx kv.Tx) error {
			for i := 0; i < 10; i++ {
				assert.Nil(t, tx.Set(ctx, []byte(fmt.Sprintf("%s%d", prefix, i)), []byte(fmt.Sprint(i))))
			}
			return nil
		}))
	})
	t.Run("reverse iterate", func(t *testing.T) {
		assert.Nil(t, db.Tx(true, func(tx kv.Tx) error {
			iter, err := tx.NewIterator(kv.IterOpts{Prefix: prefix, Reverse: true})
			assert.NoError(t, err)
			defer iter.Close()
			var vals []string
			for iter.Valid() {
				val, _ := iter.Value()
				vals = append(vals, string(val))
				assert.NoError(t, iter.Next())
			}
			assert.Equal(t, []string{"9", "8", "7", "6", "5", "4", "3", "2", "1", "0"}, vals)
			return nil
		}))
	})
	assert.NoError(t, db.DropPrefix(ctx, prefix))
}
