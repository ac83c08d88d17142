package tikv

import (
	"context"
	"fmt"
	"strings"

	"github.com/autom8ter/myquery/kv"
	"github.com/autom8ter/myquery/kv/kvutil"
	"github.com/autom8ter/myquery/kv/registry"
	"github.com/spf13/cast"
	"github.com/tikv/client-go/v2/txnkv"
)

func init() {
	registry.Register("tikv", func(params map[string]interface{}) (kv.DB, error) {
		if params["pd_addr"] == nil {
			return nil, fmt.Errorf("'pd_addr' is a required paramater")
		}
		return open(pdAddrs(params["pd_addr"]))
	})
}

// pdAddrs accepts a single address, a comma separated list or a list of addresses
func pdAddrs(value any) []string {
	var out []string
	for _, addr := range cast.ToStringSlice(value) {
		for _, part := range strings.Split(addr, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

type tikvKV struct {
	db *txnkv.Client
}

func open(pdAddrs []string) (kv.DB, error) {
	if len(pdAddrs) == 0 {
		return nil, fmt.Errorf("empty pd address")
	}
	client, err := txnkv.NewClient(pdAddrs)
	if err != nil {
		return nil, err
	}
	return &tikvKV{
		db: client,
	}, nil
}

func (b *tikvKV) Tx(readOnly bool, fn func(kv.Tx) error) error {
	tx, err := b.NewTx(readOnly)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback(context.Background())
		return err
	}
	return tx.Commit(context.Background())
}

func (b *tikvKV) NewTx(readOnly bool) (kv.Tx, error) {
	tx, err := b.db.Begin()
	if err != nil {
		return nil, err
	}
	return &tikvTx{txn: tx, readOnly: readOnly}, nil
}

func (b *tikvKV) DropPrefix(ctx context.Context, prefix ...[]byte) error {
	for _, p := range prefix {
		if _, err := b.db.DeleteRange(ctx, p, kvutil.NextPrefix(p), 1); err != nil {
			return err
		}
	}
	return nil
}

func (b *tikvKV) Close(ctx context.Context) error {
	return b.db.Close()
}
