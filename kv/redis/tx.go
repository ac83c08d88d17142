package redis

import (
	"context"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/kv"
	"github.com/redis/go-redis/v9"
)

type pendingOp struct {
	key    string
	value  []byte
	delete bool
}

// redisTx buffers writes and applies them atomically on commit.
// Get observes the buffered writes, iterators only observe committed data.
type redisTx struct {
	db       *redisKV
	readOnly bool
	ctx      context.Context
	ops      []pendingOp
	pending  map[string]pendingOp
}

func (t *redisTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if op, ok := t.pending[string(key)]; ok {
		if op.delete {
			return nil, nil
		}
		return op.value, nil
	}
	val, err := t.db.client.HGet(ctx, t.db.values, string(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return val, nil
}

func (t *redisTx) Set(ctx context.Context, key, value []byte) error {
	if t.readOnly {
		return errors.New(errors.Forbidden, "writes forbidden in read-only transaction")
	}
	t.stage(pendingOp{key: string(key), value: append([]byte{}, value...)})
	return nil
}

func (t *redisTx) Delete(ctx context.Context, key []byte) error {
	if t.readOnly {
		return errors.New(errors.Forbidden, "writes forbidden in read-only transaction")
	}
	t.stage(pendingOp{key: string(key), delete: true})
	return nil
}

func (t *redisTx) stage(op pendingOp) {
	if t.pending == nil {
		t.pending = map[string]pendingOp{}
	}
	t.ops = append(t.ops, op)
	t.pending[op.key] = op
}

func (t *redisTx) NewIterator(opts kv.IterOpts) (kv.Iterator, error) {
	return newIterator(t.ctx, t.db, opts), nil
}

func (t *redisTx) Commit(ctx context.Context) error {
	if len(t.ops) == 0 {
		return nil
	}
	_, err := t.db.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range t.ops {
			if op.delete {
				pipe.ZRem(ctx, t.db.keys, op.key)
				pipe.HDel(ctx, t.db.values, op.key)
				continue
			}
			pipe.ZAdd(ctx, t.db.keys, redis.Z{Score: 0, Member: op.key})
			pipe.HSet(ctx, t.db.values, op.key, op.value)
		}
		return nil
	})
	t.ops = nil
	t.pending = nil
	return err
}

func (t *redisTx) Rollback(ctx context.Context) {
	t.ops = nil
	t.pending = nil
}
