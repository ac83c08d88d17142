package myquery

import (
	"bytes"

	"github.com/autom8ter/myquery/kv/kvutil"
)

const (
	docSpace   = "d"
	indexSpace = "i"
	metaSpace  = "m"
	sep        = "\x00"
)

func collectionPrefix(collection string) []byte {
	return []byte(docSpace + sep + collection + sep)
}

func docKey(collection, id string) []byte {
	return append(collectionPrefix(collection), id...)
}

func idFromDocKey(collection string, key []byte) string {
	return string(bytes.TrimPrefix(key, collectionPrefix(collection)))
}

func indexCollectionPrefix(collection string) []byte {
	return []byte(indexSpace + sep + collection + sep)
}

func indexPrefix(collection, index string) []byte {
	return append(indexCollectionPrefix(collection), index+sep...)
}

func metaKey(collection string) []byte {
	return []byte(metaSpace + sep + collection)
}

func metaPrefix() []byte {
	return []byte(metaSpace + sep)
}

// keyAfter returns the smallest key that sorts after key
func keyAfter(key []byte) []byte {
	next := make([]byte, len(key)+1)
	copy(next, key)
	return next
}

// prefixEnd returns the exclusive upper bound of every key starting with prefix
func prefixEnd(prefix []byte) []byte {
	return kvutil.NextPrefix(prefix)
}
