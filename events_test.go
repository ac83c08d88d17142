package myquery_test

import (
	"context"
	"testing"
	"time"

	"github.com/autom8ter/myquery"
	"github.com/autom8ter/myquery/testutil"
	"github.com/stretchr/testify/assert"
)

func TestWatchCatalog(t *testing.T) {
	assert.NoError(t, testutil.TestDB(func(ctx context.Context, db *myquery.DB) {
		events := make(chan myquery.CatalogEvent, 10)
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			_ = db.WatchCatalog(watchCtx, func(ctx context.Context, event myquery.CatalogEvent) (bool, error) {
				events <- event
				return true, nil
			})
		}()
		time.Sleep(500 * time.Millisecond)

		coll := db.Collection("watched")
		createIndexes(t, ctx, coll, "a")
		assert.NoError(t, coll.DropIndex(ctx, "a_1"))
		coll.ClearPlanCache(ctx)
		assert.NoError(t, db.DropCollection(ctx, "watched"))

		var got []myquery.CatalogEventType
		timeout := time.After(5 * time.Second)
		for len(got) < 4 {
			select {
			case event := <-events:
				assert.Equal(t, "watched", event.Collection)
				assert.False(t, event.Timestamp.IsZero())
				got = append(got, event.Type)
			case <-timeout:
				t.Fatalf("received %v", got)
			}
		}
		assert.Equal(t, []myquery.CatalogEventType{
			myquery.EventIndexBuilt,
			myquery.EventIndexDropped,
			myquery.EventPlanCacheCleared,
			myquery.EventCollectionDropped,
		}, got)
	}))
}
