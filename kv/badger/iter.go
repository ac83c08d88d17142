package badger

import (
	"bytes"

	"github.com/autom8ter/myquery/kv"
	"github.com/autom8ter/myquery/kv/kvutil"
	"github.com/dgraph-io/badger/v3"
)

type badgerIterator struct {
	lower []byte
	upper []byte
	iter  *badger.Iterator
}

func newIterator(txn *badger.Txn, opts kv.IterOpts) *badgerIterator {
	lower, upper := kvutil.Bounds(opts.Prefix, opts.LowerBound, opts.UpperBound)
	bopts := badger.DefaultIteratorOptions
	bopts.Reverse = opts.Reverse
	iter := txn.NewIterator(bopts)
	b := &badgerIterator{lower: lower, upper: upper, iter: iter}
	switch {
	case opts.Reverse && upper != nil:
		iter.Seek(upper)
		// reverse seek lands on the largest key <= upper and upper is exclusive
		for iter.Valid() && bytes.Compare(iter.Item().Key(), upper) >= 0 {
			iter.Next()
		}
	case !opts.Reverse && lower != nil:
		iter.Seek(lower)
	default:
		iter.Rewind()
	}
	return b
}

func (b *badgerIterator) Close() {
	b.iter.Close()
}

func (b *badgerIterator) Valid() bool {
	if !b.iter.Valid() {
		return false
	}
	return kvutil.InBounds(b.iter.Item().Key(), b.lower, b.upper)
}

func (b *badgerIterator) Key() []byte {
	return b.iter.Item().KeyCopy(nil)
}

func (b *badgerIterator) Value() ([]byte, error) {
	return b.iter.Item().ValueCopy(nil)
}

func (b *badgerIterator) Next() error {
	b.iter.Next()
	return nil
}
