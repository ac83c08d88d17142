package myquery

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/kv"
	"github.com/samber/lo"
	"github.com/segmentio/ksuid"
	"go.uber.org/atomic"
)

// collection is the shared state of a collection. Writers hold mu exclusively; readers only take
// the catalog snapshot and run on their own read transaction.
type collection struct {
	db   *DB
	name string

	mu         sync.Mutex
	catalogMu  sync.RWMutex
	catalog    *catalogSnapshot
	generation *atomic.Uint64
	count      *atomic.Int64
	persisted  *atomic.Bool
}

func newCollection(db *DB, name string, indexes []*Index, count int64, persisted bool) *collection {
	return &collection{
		db:         db,
		name:       name,
		catalog:    newCatalogSnapshot(0, indexes),
		generation: atomic.NewUint64(0),
		count:      atomic.NewInt64(count),
		persisted:  atomic.NewBool(persisted),
	}
}

func (c *collection) snapshot() *catalogSnapshot {
	c.catalogMu.RLock()
	defer c.catalogMu.RUnlock()
	return c.catalog
}

// setCatalog persists the catalog and publishes it to new readers
func (c *collection) setCatalog(ctx context.Context, next *catalogSnapshot) error {
	bits, err := json.Marshal(metadata{Collection: c.name, Indexes: next.indexes})
	if err != nil {
		return errors.Wrap(err, errors.Internal, "failed to encode collection metadata")
	}
	if err := c.db.kv.Tx(false, func(tx kv.Tx) error {
		return tx.Set(ctx, metaKey(c.name), bits)
	}); err != nil {
		return errors.Propagate(err, "failed to persist collection metadata")
	}
	c.catalogMu.Lock()
	c.catalog = next
	c.catalogMu.Unlock()
	c.persisted.Store(true)
	return nil
}

// Collection is a handle on a named collection of documents
type Collection struct {
	db   *DB
	name string
}

// Name returns the collection name
func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) state() *collection {
	return c.db.collection(c.name)
}

// Insert stores documents and maintains every index. Documents without an _id get a ksuid.
func (c *Collection) Insert(ctx context.Context, docs ...*Document) ([]string, error) {
	s := c.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		ids     []string
		catalog = s.snapshot()
		flipped = map[string]bool{}
	)
	if !s.persisted.Load() {
		if err := s.setCatalog(ctx, catalog); err != nil {
			return nil, err
		}
	}
	for _, batch := range lo.Chunk(docs, buildBatchSize) {
		var batchIDs []string
		err := s.db.kv.Tx(false, func(tx kv.Tx) error {
			for _, d := range batch {
				doc := d.Clone()
				id := doc.ID()
				if id == "" {
					id = ksuid.New().String()
					if err := doc.Set("_id", id); err != nil {
						return err
					}
				}
				existing, err := tx.Get(ctx, docKey(s.name, id))
				if err != nil {
					return err
				}
				if existing != nil {
					return errors.New(errors.Validation, "duplicate _id: %s", id)
				}
				for _, idx := range catalog.indexes {
					entries, multikey, err := idx.keys(s.name, id, doc.Value())
					if err != nil {
						return err
					}
					if multikey && !idx.Multikey {
						flipped[idx.Name] = true
					}
					for _, e := range entries {
						if idx.Unique {
							if err := checkUnique(ctx, tx, s.name, idx, id, e.values); err != nil {
								return err
							}
						}
						if err := tx.Set(ctx, e.key, encodeIndexValue(id, e.values)); err != nil {
							return err
						}
					}
				}
				if err := tx.Set(ctx, docKey(s.name, id), doc.Bytes()); err != nil {
					return err
				}
				batchIDs = append(batchIDs, id)
			}
			return nil
		})
		if err != nil {
			return ids, errors.Propagate(err, "failed to insert documents")
		}
		ids = append(ids, batchIDs...)
		s.count.Add(int64(len(batchIDs)))
	}
	if len(flipped) > 0 {
		return ids, s.markMultikey(ctx, catalog, flipped)
	}
	return ids, nil
}

// markMultikey publishes a catalog where the flipped indexes are multikey. Cached plans built
// against the old catalog can no longer be reached and are dropped.
func (c *collection) markMultikey(ctx context.Context, catalog *catalogSnapshot, flipped map[string]bool) error {
	next := catalog
	for name := range flipped {
		idx, ok := next.get(name)
		if !ok {
			continue
		}
		cp := idx.clone()
		cp.Multikey = true
		next = next.with(cp)
	}
	if err := c.setCatalog(ctx, next); err != nil {
		return err
	}
	c.db.cache.InvalidateForIndexChange(ctx, c.name)
	c.db.logger.Debug(ctx, "indexes became multikey", map[string]any{
		"collection": c.name,
		"indexes":    lo.Keys(flipped),
	})
	return nil
}

// Delete removes the documents matching the filter and returns how many were removed
func (c *Collection) Delete(ctx context.Context, filter map[string]any) (int, error) {
	docs, err := c.Find(ctx, Query{Filter: filter})
	if err != nil {
		return 0, err
	}
	s := c.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	catalog := s.snapshot()
	var removed int
	for _, batch := range lo.Chunk(docs, buildBatchSize) {
		var batchRemoved int
		err := s.db.kv.Tx(false, func(tx kv.Tx) error {
			for _, d := range batch {
				bits, err := tx.Get(ctx, docKey(s.name, d.ID()))
				if err != nil {
					return err
				}
				if bits == nil {
					continue
				}
				stored, err := NewDocumentFromBytes(bits)
				if err != nil {
					return err
				}
				for _, idx := range catalog.indexes {
					entries, _, err := idx.keys(s.name, stored.ID(), stored.Value())
					if err != nil {
						return err
					}
					for _, e := range entries {
						if err := tx.Delete(ctx, e.key); err != nil {
							return err
						}
					}
				}
				if err := tx.Delete(ctx, docKey(s.name, stored.ID())); err != nil {
					return err
				}
				batchRemoved++
			}
			return nil
		})
		if err != nil {
			return removed, errors.Propagate(err, "failed to delete documents")
		}
		removed += batchRemoved
		s.count.Sub(int64(batchRemoved))
	}
	return removed, nil
}

// CreateIndex builds an index over the existing documents and adds it to the catalog.
// Every cached plan of the collection is invalidated.
func (c *Collection) CreateIndex(ctx context.Context, index Index) error {
	idx := index.clone()
	if err := idx.prepare(); err != nil {
		return err
	}
	s := c.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	catalog := s.snapshot()
	if _, ok := catalog.get(idx.Name); ok {
		return errors.New(errors.Validation, "index already exists: %s", idx.Name)
	}
	idx.BuildID = newBuildID()
	idx.Multikey = false
	multikey, err := s.buildIndex(ctx, idx)
	if err != nil {
		if dropErr := s.db.kv.DropPrefix(ctx, indexPrefix(s.name, idx.Name)); dropErr != nil {
			s.db.logger.Error(ctx, "failed to clean up index build", dropErr, map[string]any{"index": idx.Name})
		}
		return err
	}
	idx.Multikey = multikey
	if err := s.setCatalog(ctx, catalog.with(idx)); err != nil {
		return err
	}
	removed := s.db.cache.InvalidateForIndexChange(ctx, s.name)
	s.db.logger.Info(ctx, "index built", map[string]any{
		"collection":  s.name,
		"index":       idx.Name,
		"keyPattern":  idx.KeyPattern(),
		"multikey":    multikey,
		"invalidated": removed,
	})
	s.db.publish(ctx, CatalogEvent{Type: EventIndexBuilt, Collection: s.name, Index: idx.Name})
	return nil
}

// DropIndex removes an index. Plans running on it fail with PlanKilled at their next yield.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	s := c.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	catalog := s.snapshot()
	if _, ok := catalog.get(name); !ok {
		return errors.New(errors.NotFound, "index not found: %s", name)
	}
	if err := s.setCatalog(ctx, catalog.without(name)); err != nil {
		return err
	}
	if err := s.db.kv.DropPrefix(ctx, indexPrefix(s.name, name)); err != nil {
		return errors.Propagate(err, "failed to drop index %s", name)
	}
	removed := s.db.cache.InvalidateForIndexChange(ctx, s.name)
	s.db.logger.Info(ctx, "index dropped", map[string]any{
		"collection":  s.name,
		"index":       name,
		"invalidated": removed,
	})
	s.db.publish(ctx, CatalogEvent{Type: EventIndexDropped, Collection: s.name, Index: name})
	return nil
}

// Indexes returns the catalog of the collection sorted by name
func (c *Collection) Indexes() []Index {
	return lo.Map(c.state().snapshot().indexes, func(idx *Index, _ int) Index { return *idx.clone() })
}

// Find returns every document matching the query
func (c *Collection) Find(ctx context.Context, q Query) (Documents, error) {
	cursor, err := c.Cursor(ctx, q)
	if err != nil {
		return nil, err
	}
	return cursor.All(ctx)
}

// Cursor plans the query and returns a cursor over its results. The cursor must be closed.
func (c *Collection) Cursor(ctx context.Context, q Query) (*Cursor, error) {
	req, err := newRequest(c.state().name, q)
	if err != nil {
		return nil, err
	}
	return c.state().execute(ctx, req)
}

// Count returns the number of documents matching the query. Count plans are cached apart from
// find plans of the same shape.
func (c *Collection) Count(ctx context.Context, q Query) (int, error) {
	req, err := newRequest(c.state().name, q)
	if err != nil {
		return 0, err
	}
	req.countLike = true
	cursor, err := c.state().execute(ctx, req)
	if err != nil {
		return 0, err
	}
	return cursor.Count(ctx)
}

// Explain plans and runs the query without reading or writing the plan cache
func (c *Collection) Explain(ctx context.Context, q Query) (*Explain, error) {
	req, err := newRequest(c.state().name, q)
	if err != nil {
		return nil, err
	}
	req.explain = true
	return c.state().explain(ctx, req)
}

// PlanCacheStats lists the cached plans of the collection
func (c *Collection) PlanCacheStats() []CachedPlan {
	return c.state().db.cache.Stats(c.state().name)
}

// ClearPlanCache removes every cached plan of the collection
func (c *Collection) ClearPlanCache(ctx context.Context) int {
	removed := c.state().db.cache.InvalidateCollection(ctx, c.state().name)
	c.state().db.publish(ctx, CatalogEvent{Type: EventPlanCacheCleared, Collection: c.state().name})
	return removed
}

// ClearPlanCacheShape removes the cached plans of the shape of q
func (c *Collection) ClearPlanCacheShape(ctx context.Context, q Query) (int, error) {
	req, err := newRequest(c.state().name, q)
	if err != nil {
		return 0, err
	}
	removed := c.state().db.cache.ClearShape(ctx, c.state().name, req.shape())
	c.state().db.publish(ctx, CatalogEvent{Type: EventPlanCacheCleared, Collection: c.state().name})
	return removed, nil
}
