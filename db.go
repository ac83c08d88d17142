package myquery

import (
	"context"
	"net/http"
	"sync"

	"github.com/autom8ter/machine/v4"
	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/internal/safe"
	"github.com/autom8ter/myquery/kv"
	"github.com/autom8ter/myquery/kv/registry"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// DB is a document database with a cost based query planner and a shared plan cache
type DB struct {
	config      Config
	kv          kv.DB
	logger      Logger
	params      *parameters
	cache       *PlanCache
	metrics     *metrics
	registry    *prometheus.Registry
	machine     machine.Machine
	ops         *opRegistry
	collections *safe.Map[*collection]
	replans     *atomic.Int64
	mu          sync.Mutex
	handler     http.Handler
}

// DBOpt is an option for configuring a database
type DBOpt func(d *DB)

// WithLogger sets the logger of the database instead of building one from the config log level
func WithLogger(logger Logger) DBOpt {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithRegistry registers the database metrics on the given registry
func WithRegistry(reg *prometheus.Registry) DBOpt {
	return func(d *DB) {
		d.registry = reg
	}
}

// WithKV uses an already opened key value database instead of the configured provider
func WithKV(db kv.DB) DBOpt {
	return func(d *DB) {
		d.kv = db
	}
}

// Open opens the configured kv provider and loads the catalog of every collection
func Open(ctx context.Context, cfg Config, opts ...DBOpt) (*DB, error) {
	if cfg.Parameters == nil {
		params := DefaultParameters()
		cfg.Parameters = &params
	}
	d := &DB{
		config:      cfg,
		params:      newParameters(*cfg.Parameters),
		machine:     machine.New(),
		ops:         newOpRegistry(),
		collections: safe.NewMap(map[string]*collection{}),
		replans:     atomic.NewInt64(0),
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		logger, err := NewLogger(cfg.LogLevel, map[string]any{"provider": cfg.Provider})
		if err != nil {
			return nil, errors.Wrap(err, errors.Internal, "failed to build logger")
		}
		d.logger = logger
	}
	if d.registry == nil {
		d.registry = prometheus.NewRegistry()
	}
	d.metrics = newMetrics(d.registry)
	d.cache = NewPlanCache(cfg.Parameters.PlanCacheMaxBytes, d.logger, d.metrics)
	if d.kv == nil {
		if cfg.Provider == "" {
			return nil, errors.New(errors.Validation, "missing kv provider")
		}
		db, err := registry.Open(cfg.Provider, cfg.Params)
		if err != nil {
			return nil, errors.Propagate(err, "failed to open kv provider %s", cfg.Provider)
		}
		d.kv = db
	}
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	d.handler = d.newHandler()
	d.logger.Info(ctx, "database opened", map[string]any{
		"provider":    cfg.Provider,
		"collections": d.collections.Keys(),
	})
	return d, nil
}

// load restores the catalog and document count of every persisted collection
func (d *DB) load(ctx context.Context) error {
	return d.kv.Tx(true, func(tx kv.Tx) error {
		it, err := tx.NewIterator(kv.IterOpts{Prefix: metaPrefix()})
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Valid() {
			bits, err := it.Value()
			if err != nil {
				return err
			}
			md, err := decodeMetadata(bits)
			if err != nil {
				return err
			}
			count, err := countDocuments(tx, md.Collection)
			if err != nil {
				return err
			}
			d.collections.Set(md.Collection, newCollection(d, md.Collection, md.Indexes, count, true))
			if err := it.Next(); err != nil {
				return err
			}
		}
		return nil
	})
}

func countDocuments(tx kv.Tx, name string) (int64, error) {
	it, err := tx.NewIterator(kv.IterOpts{Prefix: collectionPrefix(name)})
	if err != nil {
		return 0, err
	}
	defer it.Close()
	var n int64
	for it.Valid() {
		n++
		if err := it.Next(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Close waits for background work and closes the kv database
func (d *DB) Close(ctx context.Context) error {
	if err := d.machine.Wait(); err != nil {
		d.logger.Error(ctx, "background work failed", err, map[string]any{})
	}
	return d.kv.Close(ctx)
}

// Collection returns a handle on a collection. Collections are created on first use and their
// catalog is persisted with their first index.
func (d *DB) Collection(name string) *Collection {
	return &Collection{db: d, name: name}
}

func (d *DB) collection(name string) *collection {
	state, _ := d.collections.SetIfAbsent(name, func() (*collection, error) {
		return newCollection(d, name, nil, 0, false), nil
	})
	return state
}

// Collections lists the known collections
func (d *DB) Collections() []string {
	return d.collections.Keys()
}

// DropCollection removes a collection with its documents, indexes and cached plans. Queries
// running on it fail with PlanKilled at their next yield.
func (d *DB) DropCollection(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.collections.Lookup(name)
	if !ok {
		return errors.New(errors.NotFound, "collection not found: %s", name)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	d.collections.Del(name)
	state.generation.Inc()
	if err := d.kv.DropPrefix(ctx, collectionPrefix(name), indexCollectionPrefix(name), metaKey(name)); err != nil {
		return errors.Propagate(err, "failed to drop collection %s", name)
	}
	removed := d.cache.InvalidateCollection(ctx, name)
	d.logger.Info(ctx, "collection dropped", map[string]any{
		"collection":  name,
		"invalidated": removed,
	})
	d.publish(ctx, CatalogEvent{Type: EventCollectionDropped, Collection: name})
	return nil
}

// SetParameter changes a runtime parameter. Lowering planCacheMaxBytes evicts entries immediately.
func (d *DB) SetParameter(ctx context.Context, name string, value any) error {
	if err := d.params.set(name, value); err != nil {
		return err
	}
	if name == "planCacheMaxBytes" {
		d.cache.SetMaxBytes(ctx, d.params.snapshot().PlanCacheMaxBytes)
	}
	d.logger.Info(ctx, "parameter set", map[string]any{
		"name":  name,
		"value": value,
	})
	return nil
}

// GetParameter returns the current value of a runtime parameter
func (d *DB) GetParameter(name string) (any, error) {
	return d.params.get(name)
}

// Parameters returns the current runtime parameters
func (d *DB) Parameters() Parameters {
	return d.params.snapshot()
}

// PlanCache returns the plan cache shared by every collection
func (d *DB) PlanCache() *PlanCache {
	return d.cache
}

// CurrentOps lists the running operations, oldest first
func (d *DB) CurrentOps() []Operation {
	return d.ops.list()
}

// KillOp interrupts a running operation
func (d *DB) KillOp(ctx context.Context, id string) error {
	if err := d.ops.kill(id); err != nil {
		return err
	}
	d.metrics.killedOps.Inc()
	d.logger.Warn(ctx, "operation killed", map[string]any{"opid": id})
	return nil
}

// Replans is the number of cached plans discarded after a runtime failure
func (d *DB) Replans() int64 {
	return d.replans.Load()
}

// Registry returns the prometheus registry of the database metrics
func (d *DB) Registry() *prometheus.Registry {
	return d.registry
}

// Handler serves the diagnostic http api
func (d *DB) Handler() http.Handler {
	return d.handler
}
