package redis

import (
	"context"

	"github.com/autom8ter/myquery/kv"
	"github.com/autom8ter/myquery/kv/kvutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

const scanBatch = 128

type redisIterator struct {
	ctx     context.Context
	db      *redisKV
	lower   []byte
	upper   []byte
	reverse bool
	keys    []string
	values  []interface{}
	pos     int
	last    string
	started bool
	done    bool
	err     error
}

func newIterator(ctx context.Context, db *redisKV, opts kv.IterOpts) *redisIterator {
	lower, upper := kvutil.Bounds(opts.Prefix, opts.LowerBound, opts.UpperBound)
	it := &redisIterator{
		ctx:     ctx,
		db:      db,
		lower:   lower,
		upper:   upper,
		reverse: opts.Reverse,
	}
	it.fetch()
	return it
}

func (r *redisIterator) fetch() {
	r.keys = nil
	r.values = nil
	r.pos = 0
	if r.done {
		return
	}
	min, max := "-", "+"
	if r.lower != nil {
		min = "[" + string(r.lower)
	}
	if r.upper != nil {
		max = "(" + string(r.upper)
	}
	if r.started {
		if r.reverse {
			max = "(" + r.last
		} else {
			min = "(" + r.last
		}
	}
	by := &redis.ZRangeBy{Min: min, Max: max, Count: scanBatch}
	var (
		keys []string
		err  error
	)
	if r.reverse {
		keys, err = r.db.client.ZRevRangeByLex(r.ctx, r.db.keys, by).Result()
	} else {
		keys, err = r.db.client.ZRangeByLex(r.ctx, r.db.keys, by).Result()
	}
	if err != nil {
		r.err = err
		r.done = true
		return
	}
	r.started = true
	if len(keys) < scanBatch {
		r.done = true
	}
	if len(keys) == 0 {
		return
	}
	r.last = keys[len(keys)-1]
	values, err := r.db.client.HMGet(r.ctx, r.db.values, keys...).Result()
	if err != nil {
		r.err = err
		r.done = true
		return
	}
	r.keys = keys
	r.values = values
}

func (r *redisIterator) Valid() bool {
	return r.err == nil && r.pos < len(r.keys)
}

func (r *redisIterator) Key() []byte {
	return []byte(r.keys[r.pos])
}

func (r *redisIterator) Value() ([]byte, error) {
	if r.values[r.pos] == nil {
		return nil, nil
	}
	return []byte(cast.ToString(r.values[r.pos])), nil
}

func (r *redisIterator) Next() error {
	r.pos++
	if r.pos >= len(r.keys) {
		r.fetch()
	}
	return r.err
}

func (r *redisIterator) Close() {
	r.keys = nil
	r.values = nil
}
