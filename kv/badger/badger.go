package badger

import (
	"context"

	"github.com/autom8ter/myquery/kv"
	"github.com/autom8ter/myquery/kv/registry"
	"github.com/dgraph-io/badger/v3"
	"github.com/spf13/cast"
)

func init() {
	registry.Register("badger", func(params map[string]interface{}) (kv.DB, error) {
		return open(cast.ToString(params["storage_path"]))
	})
}

type badgerKV struct {
	db       *badger.DB
	inMemory bool
}

// New opens a badger database at the storage path. An empty path opens an in-memory database.
func New(storagePath string) (kv.DB, error) {
	return open(storagePath)
}

func open(storagePath string) (kv.DB, error) {
	opts := badger.DefaultOptions(storagePath)
	if storagePath == "" {
		opts.InMemory = true
		opts.Dir = ""
		opts.ValueDir = ""
	}
	opts = opts.WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerKV{
		db:       db,
		inMemory: opts.InMemory,
	}, nil
}

func (b *badgerKV) Tx(readOnly bool, fn func(kv.Tx) error) error {
	if readOnly {
		return b.db.View(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn, readOnly: true, managed: true})
		})
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, managed: true})
	})
}

func (b *badgerKV) NewTx(readOnly bool) (kv.Tx, error) {
	return &badgerTx{txn: b.db.NewTransaction(!readOnly), readOnly: readOnly}, nil
}

func (b *badgerKV) DropPrefix(ctx context.Context, prefix ...[]byte) error {
	return b.db.DropPrefix(prefix...)
}

func (b *badgerKV) Close(ctx context.Context) error {
	if !b.inMemory {
		if err := b.db.Sync(); err != nil {
			return err
		}
	}
	return b.db.Close()
}
