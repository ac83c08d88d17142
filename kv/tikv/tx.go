package tikv

import (
	"context"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/kv"
	"github.com/autom8ter/myquery/kv/kvutil"
	tikvErr "github.com/tikv/client-go/v2/error"
	"github.com/tikv/client-go/v2/txnkv/transaction"
)

type tikvTx struct {
	txn      *transaction.KVTxn
	readOnly bool
}

func (t *tikvTx) NewIterator(kopts kv.IterOpts) (kv.Iterator, error) {
	lower, upper := kvutil.Bounds(kopts.Prefix, kopts.LowerBound, kopts.UpperBound)
	if kopts.Reverse {
		// IterReverse starts at the largest key < upper
		iter, err := t.txn.IterReverse(upper)
		if err != nil {
			return nil, err
		}
		return &tikvIterator{iter: iter, lower: lower, upper: upper}, nil
	}
	iter, err := t.txn.Iter(lower, upper)
	if err != nil {
		return nil, err
	}
	return &tikvIterator{iter: iter, lower: lower, upper: upper}, nil
}

func (t *tikvTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	val, err := t.txn.Get(ctx, key)
	if err != nil {
		if tikvErr.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return val, err
}

func (t *tikvTx) Set(ctx context.Context, key, value []byte) error {
	if t.readOnly {
		return errors.New(errors.Forbidden, "writes forbidden in read-only transaction")
	}
	return t.txn.Set(key, value)
}

func (t *tikvTx) Delete(ctx context.Context, key []byte) error {
	if t.readOnly {
		return errors.New(errors.Forbidden, "writes forbidden in read-only transaction")
	}
	return t.txn.Delete(key)
}

func (t *tikvTx) Rollback(ctx context.Context) {
	t.txn.Rollback()
}

func (t *tikvTx) Commit(ctx context.Context) error {
	if t.readOnly {
		return t.txn.Rollback()
	}
	return t.txn.Commit(ctx)
}
