package kv

import "context"

// DB is an ordered key value store. Keys are compared as raw bytes.
type DB interface {
	// Tx runs fn inside a transaction. Update transactions are committed when fn returns nil.
	Tx(readOnly bool, fn func(Tx) error) error
	// NewTx starts a transaction that the caller must Commit or Rollback
	NewTx(readOnly bool) (Tx, error)
	// DropPrefix deletes every key that starts with one of the prefixes
	DropPrefix(ctx context.Context, prefix ...[]byte) error
	Close(ctx context.Context) error
}

// IterOpts bounds an iterator. LowerBound is inclusive, UpperBound is exclusive.
type IterOpts struct {
	Prefix     []byte `json:"prefix"`
	LowerBound []byte `json:"lowerBound"`
	UpperBound []byte `json:"upperBound"`
	Reverse    bool   `json:"reverse"`
}

type Tx interface {
	// Get returns nil, nil when the key does not exist
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	NewIterator(opts IterOpts) (Iterator, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

type Iterator interface {
	Valid() bool
	Key() []byte
	Value() ([]byte, error)
	Next() error
	Close()
}
