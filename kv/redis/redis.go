package redis

import (
	"context"
	"fmt"

	"github.com/autom8ter/myquery/kv"
	"github.com/autom8ter/myquery/kv/registry"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

func init() {
	registry.Register("redis", func(params map[string]interface{}) (kv.DB, error) {
		if params["addr"] == nil {
			return nil, fmt.Errorf("'addr' is a required paramater")
		}
		return open(Options{
			Addr:      cast.ToString(params["addr"]),
			Password:  cast.ToString(params["password"]),
			DB:        cast.ToInt(params["db"]),
			Namespace: cast.ToString(params["namespace"]),
		})
	})
}

// Options configures the redis provider
type Options struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Namespace prefixes the two redis keys that hold the data set
	Namespace string `json:"namespace"`
}

// Keys are members of a sorted set with a zero score so ZRANGEBYLEX orders them
// bytewise. Values live in a hash keyed by the same member.
type redisKV struct {
	client *redis.Client
	keys   string
	values string
}

// New opens a redis backed key value store
func New(opts Options) (kv.DB, error) {
	return open(opts)
}

func open(opts Options) (kv.DB, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("empty redis address")
	}
	if opts.Namespace == "" {
		opts.Namespace = "myquery"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &redisKV{
		client: client,
		keys:   opts.Namespace + ":keys",
		values: opts.Namespace + ":values",
	}, nil
}

func (r *redisKV) Tx(readOnly bool, fn func(kv.Tx) error) error {
	tx, err := r.NewTx(readOnly)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback(context.Background())
		return err
	}
	return tx.Commit(context.Background())
}

func (r *redisKV) NewTx(readOnly bool) (kv.Tx, error) {
	return &redisTx{db: r, readOnly: readOnly, ctx: context.Background()}, nil
}

func (r *redisKV) DropPrefix(ctx context.Context, prefix ...[]byte) error {
	for _, p := range prefix {
		for {
			iter := newIterator(ctx, r, kv.IterOpts{Prefix: p})
			var members []string
			for iter.Valid() && len(members) < scanBatch {
				members = append(members, string(iter.Key()))
				if err := iter.Next(); err != nil {
					return err
				}
			}
			if iter.err != nil {
				return iter.err
			}
			if len(members) == 0 {
				break
			}
			if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, r.keys, toInterfaces(members)...)
				pipe.HDel(ctx, r.values, members...)
				return nil
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *redisKV) Close(ctx context.Context) error {
	return r.client.Close()
}

func toInterfaces(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
