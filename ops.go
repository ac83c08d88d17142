package myquery

import (
	"context"
	"sort"
	"time"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/internal/safe"
	"github.com/segmentio/ksuid"
	"go.uber.org/atomic"
)

// Operation is a running read operation
type Operation struct {
	ID         string    `json:"opid"`
	Collection string    `json:"ns"`
	Op         string    `json:"op"`
	Filter     string    `json:"filter,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	Killed     bool      `json:"killPending"`

	killed *atomic.Bool
}

type opCtxKey struct{}

// OperationFromContext returns the operation attached to the context, if any
func OperationFromContext(ctx context.Context) (*Operation, bool) {
	op, ok := ctx.Value(opCtxKey{}).(*Operation)
	return op, ok
}

type opRegistry struct {
	ops *safe.Map[*Operation]
}

func newOpRegistry() *opRegistry {
	return &opRegistry{ops: safe.NewMap(map[string]*Operation{})}
}

// start registers an operation. The returned function unregisters it and must be called once.
func (r *opRegistry) start(ctx context.Context, collection, op, filter string) (context.Context, *Operation, func()) {
	ctx, cancel := context.WithCancel(ctx)
	o := &Operation{
		ID:         ksuid.New().String(),
		Collection: collection,
		Op:         op,
		Filter:     filter,
		StartedAt:  time.Now(),
		killed:     atomic.NewBool(false),
	}
	r.ops.Set(o.ID, o)
	ctx = context.WithValue(ctx, opCtxKey{}, o)
	return ctx, o, func() {
		r.ops.Del(o.ID)
		cancel()
	}
}

func (r *opRegistry) list() []Operation {
	var out []Operation
	r.ops.Range(func(_ string, o *Operation) bool {
		cp := *o
		cp.Killed = o.killed.Load()
		out = append(out, cp)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// kill marks the operation as killed. The operation observes it at its next yield point.
func (r *opRegistry) kill(id string) error {
	o, ok := r.ops.Lookup(id)
	if !ok {
		return errors.New(errors.NotFound, "operation not found: %s", id)
	}
	o.killed.Store(true)
	return nil
}
