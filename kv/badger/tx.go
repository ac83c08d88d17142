package badger

import (
	"context"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/kv"
	"github.com/dgraph-io/badger/v3"
)

type badgerTx struct {
	txn      *badger.Txn
	readOnly bool
	// managed transactions are committed or discarded by badger's View/Update
	managed bool
}

func (b *badgerTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	i, err := b.txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return i.ValueCopy(nil)
}

func (b *badgerTx) Set(ctx context.Context, key, value []byte) error {
	if b.readOnly {
		return errors.New(errors.Forbidden, "writes forbidden in read-only transaction")
	}
	return b.txn.Set(key, value)
}

func (b *badgerTx) Delete(ctx context.Context, key []byte) error {
	if b.readOnly {
		return errors.New(errors.Forbidden, "writes forbidden in read-only transaction")
	}
	return b.txn.Delete(key)
}

func (b *badgerTx) NewIterator(opts kv.IterOpts) (kv.Iterator, error) {
	return newIterator(b.txn, opts), nil
}

func (b *badgerTx) Commit(ctx context.Context) error {
	if b.managed {
		return nil
	}
	if b.readOnly {
		b.txn.Discard()
		return nil
	}
	return b.txn.Commit()
}

func (b *badgerTx) Rollback(ctx context.Context) {
	if b.managed {
		return
	}
	b.txn.Discard()
}
