package myquery

import (
	"context"
	"time"

	"github.com/autom8ter/machine/v4"
)

const catalogChannel = "catalog"

// CatalogEventType names a catalog change
type CatalogEventType string

const (
	EventIndexBuilt        CatalogEventType = "index_built"
	EventIndexDropped      CatalogEventType = "index_dropped"
	EventCollectionDropped CatalogEventType = "collection_dropped"
	EventPlanCacheCleared  CatalogEventType = "plan_cache_cleared"
)

// CatalogEvent is published whenever the indexes of a collection or its cached plans change
type CatalogEvent struct {
	Type       CatalogEventType `json:"type"`
	Collection string           `json:"collection"`
	Index      string           `json:"index,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// CatalogHandler handles a catalog event. Returning false stops the subscription.
type CatalogHandler func(ctx context.Context, event CatalogEvent) (bool, error)

func (d *DB) publish(ctx context.Context, event CatalogEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	d.machine.Publish(ctx, machine.Message{
		Channel: catalogChannel,
		Body:    event,
	})
}

// WatchCatalog blocks and calls fn with every catalog event until the context is canceled or fn
// returns false
func (d *DB) WatchCatalog(ctx context.Context, fn CatalogHandler) error {
	return d.machine.Subscribe(ctx, catalogChannel, func(ctx context.Context, msg machine.Message) (bool, error) {
		switch event := msg.Body.(type) {
		case CatalogEvent:
			return fn(ctx, event)
		case *CatalogEvent:
			return fn(ctx, *event)
		}
		return true, nil
	})
}
