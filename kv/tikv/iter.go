package tikv

import (
	"github.com/autom8ter/myquery/kv/kvutil"
)

type unionStoreIterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Next() error
	Close()
}

type tikvIterator struct {
	lower []byte
	upper []byte
	iter  unionStoreIterator
}

func (b *tikvIterator) Close() {
	b.iter.Close()
}

func (b *tikvIterator) Valid() bool {
	if !b.iter.Valid() {
		return false
	}
	return kvutil.InBounds(b.iter.Key(), b.lower, b.upper)
}

func (b *tikvIterator) Key() []byte {
	return b.iter.Key()
}

func (b *tikvIterator) Value() ([]byte, error) {
	return b.iter.Value(), nil
}

func (b *tikvIterator) Next() error {
	return b.iter.Next()
}
