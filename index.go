package myquery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/internal/encoding"
	"github.com/autom8ter/myquery/kv"
	"github.com/autom8ter/myquery/util"
	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cast"
)

// IndexField is one component of an index key pattern
type IndexField struct {
	Field     string `json:"field" validate:"required"`
	Direction int    `json:"direction" validate:"oneof=-1 1"`
}

// Index is a secondary index over one or more document fields
type Index struct {
	// Name defaults to the key pattern, for example a_1_b_-1
	Name   string       `json:"name"`
	Fields []IndexField `json:"fields" validate:"required,min=1,dive"`
	Unique bool         `json:"unique,omitempty"`
	// Sparse indexes skip documents missing every indexed field
	Sparse bool `json:"sparse,omitempty"`
	// PartialFilterExpression restricts the index to matching documents
	PartialFilterExpression map[string]any `json:"partialFilterExpression,omitempty"`
	Collation               *Collation     `json:"collation,omitempty"`
	// Multikey is set once any indexed document holds an array in an indexed field
	Multikey bool `json:"multikey"`
	// BuildID changes every time an index with this name is built
	BuildID string `json:"buildID"`

	partial *Filter
}

// ParseKeyPattern parses a comma separated key pattern such as "a,-b"
func ParseKeyPattern(pattern string) []IndexField {
	return lo.Map(ParseSort(pattern), func(s SortField, _ int) IndexField {
		return IndexField{Field: s.Field, Direction: s.Direction}
	})
}

// KeyPattern renders the fields like {a:1,b:-1}
func (i *Index) KeyPattern() string {
	return "{" + strings.Join(lo.Map(i.Fields, func(f IndexField, _ int) string {
		return fmt.Sprintf("%s:%d", f.Field, f.Direction)
	}), ",") + "}"
}

func (i *Index) defaultName() string {
	return strings.Join(lo.Map(i.Fields, func(f IndexField, _ int) string {
		return fmt.Sprintf("%s_%d", f.Field, f.Direction)
	}), "_")
}

func (i *Index) paths() []string {
	return lo.Map(i.Fields, func(f IndexField, _ int) string { return f.Field })
}

func (i *Index) prepare() error {
	if err := util.ValidateStruct(i); err != nil {
		return err
	}
	if i.Name == "" {
		i.Name = i.defaultName()
	}
	if i.Name == NaturalHint {
		return errors.New(errors.Validation, "index name %s is reserved", NaturalHint)
	}
	if len(lo.UniqBy(i.Fields, func(f IndexField) string { return f.Field })) != len(i.Fields) {
		return errors.New(errors.Validation, "index %s repeats a field", i.Name)
	}
	if err := i.Collation.validate(); err != nil {
		return err
	}
	return i.compile()
}

func (i *Index) compile() error {
	if len(i.PartialFilterExpression) == 0 {
		return nil
	}
	f, err := ParseFilter(i.PartialFilterExpression)
	if err != nil {
		return errors.Wrap(err, errors.Validation, "invalid partialFilterExpression")
	}
	if f.needsDocument() {
		return errors.New(errors.Validation, "partialFilterExpression does not support $where or $jsonSchema")
	}
	i.partial = f
	return nil
}

func (i *Index) clone() *Index {
	cp := *i
	cp.Fields = append([]IndexField(nil), i.Fields...)
	return &cp
}

// indexEntry is one key of a document in an index
type indexEntry struct {
	key    []byte
	values []any
}

type indexValue struct {
	ID     string `json:"id"`
	Values []any  `json:"k"`
}

// keys computes the index entries of a document. multikey reports whether an array was expanded.
func (i *Index) keys(collection string, id string, doc map[string]any) ([]indexEntry, bool, error) {
	if i.partial != nil {
		matched, err := i.partial.Matches(mapSource(doc), i.Collation)
		if err != nil || !matched {
			return nil, false, err
		}
	}
	var (
		perField = make([][]any, len(i.Fields))
		arrays   []string
		anyFound bool
	)
	for n, f := range i.Fields {
		values, isArray, found := indexValues(doc, f.Field)
		if found {
			anyFound = true
		}
		if isArray {
			arrays = append(arrays, f.Field)
		}
		perField[n] = values
	}
	if len(arrays) > 1 {
		return nil, false, errors.New(errors.Validation, "cannot index parallel arrays %v in index %s", arrays, i.Name)
	}
	if i.Sparse && !anyFound {
		return nil, false, nil
	}
	var (
		pfx     = indexPrefix(collection, i.Name)
		keyFn   = i.Collation.keyFunc()
		entries []indexEntry
	)
	for _, combo := range cartesian(perField) {
		key := append([]byte(nil), pfx...)
		for n, v := range combo {
			key = encoding.EncodeValue(key, v, i.Fields[n].Direction < 0, keyFn)
		}
		key = encoding.EncodeID(key, id)
		entries = append(entries, indexEntry{key: key, values: combo})
	}
	return entries, len(arrays) > 0, nil
}

// seekPrefix is the key prefix shared by every entry with the given values
func (i *Index) seekPrefix(collection string, values []any) []byte {
	key := indexPrefix(collection, i.Name)
	keyFn := i.Collation.keyFunc()
	for n, v := range values {
		key = encoding.EncodeValue(key, v, i.Fields[n].Direction < 0, keyFn)
	}
	return key
}

func cartesian(perField [][]any) [][]any {
	out := [][]any{{}}
	for _, values := range perField {
		var next [][]any
		for _, prefix := range out {
			for _, v := range values {
				combo := append(append([]any(nil), prefix...), v)
				next = append(next, combo)
			}
		}
		out = next
	}
	return out
}

// indexValues resolves the values an index stores for path. Arrays are expanded into their elements
// and a missing path is stored as null.
func indexValues(doc map[string]any, path string) (values []any, isArray bool, found bool) {
	collectIndexValues(doc, strings.Split(path, "."), &values, &isArray, &found)
	if len(values) == 0 {
		values = []any{nil}
	}
	values = lo.UniqBy(values, func(v any) string { return util.JSONString(v) })
	return values, isArray, found
}

func collectIndexValues(current any, parts []string, values *[]any, isArray, found *bool) {
	if len(parts) == 0 {
		*found = true
		if arr, ok := current.([]any); ok {
			*isArray = true
			if len(arr) == 0 {
				*values = append(*values, arr)
				return
			}
			*values = append(*values, arr...)
			return
		}
		*values = append(*values, current)
		return
	}
	switch node := current.(type) {
	case map[string]any:
		next, ok := node[parts[0]]
		if !ok {
			return
		}
		collectIndexValues(next, parts[1:], values, isArray, found)
	case []any:
		if n, err := strconv.Atoi(parts[0]); err == nil {
			if n >= 0 && n < len(node) {
				collectIndexValues(node[n], parts[1:], values, isArray, found)
			}
			return
		}
		*isArray = true
		for _, elem := range node {
			collectIndexValues(elem, parts, values, isArray, found)
		}
	}
}

// catalogSnapshot is an immutable view of a collection's indexes
type catalogSnapshot struct {
	version     uint64
	indexes     []*Index
	byName      map[string]*Index
	fingerprint uint64
}

func newCatalogSnapshot(version uint64, indexes []*Index) *catalogSnapshot {
	sorted := append([]*Index(nil), indexes...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Name < sorted[b].Name })
	h := xxhash.New()
	for _, idx := range sorted {
		bits, _ := json.Marshal(idx)
		_, _ = h.Write(bits)
	}
	return &catalogSnapshot{
		version:     version,
		indexes:     sorted,
		byName:      lo.KeyBy(sorted, func(i *Index) string { return i.Name }),
		fingerprint: h.Sum64(),
	}
}

func (c *catalogSnapshot) get(name string) (*Index, bool) {
	idx, ok := c.byName[name]
	return idx, ok
}

// with returns a new snapshot where idx replaces any index of the same name
func (c *catalogSnapshot) with(idx *Index) *catalogSnapshot {
	indexes := lo.Filter(c.indexes, func(i *Index, _ int) bool { return i.Name != idx.Name })
	return newCatalogSnapshot(c.version+1, append(indexes, idx))
}

func (c *catalogSnapshot) without(name string) *catalogSnapshot {
	indexes := lo.Filter(c.indexes, func(i *Index, _ int) bool { return i.Name != name })
	return newCatalogSnapshot(c.version+1, indexes)
}

// metadata is the persisted catalog of a collection
type metadata struct {
	Collection string   `json:"collection"`
	Indexes    []*Index `json:"indexes"`
}

func decodeMetadata(bits []byte) (*metadata, error) {
	var m metadata
	if err := json.Unmarshal(bits, &m); err != nil {
		return nil, errors.Wrap(err, errors.Internal, "corrupt collection metadata")
	}
	for _, idx := range m.Indexes {
		if err := idx.compile(); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// partialFilterImplied reports whether every document matching query also matches partial
func partialFilterImplied(query, partial *Filter, coll *Collation) bool {
	if partial.isEmpty() {
		return true
	}
	conjuncts := query.conjuncts()
	return lo.EveryBy(partial.conjuncts(), func(p *Filter) bool {
		return lo.ContainsBy(conjuncts, func(q *Filter) bool {
			return predicateImplies(q, p, coll)
		})
	})
}

func predicateImplies(q, p *Filter, coll *Collation) bool {
	if q.Path == "" || q.Path != p.Path {
		return false
	}
	if q.Op == p.Op && util.JSONString(q.Value) == util.JSONString(p.Value) && util.JSONString(q.Values) == util.JSONString(p.Values) {
		return true
	}
	satisfies := func(v any) bool {
		ok, _ := p.Matches(mapSource(singleField(p.Path, v)), coll)
		return ok
	}
	switch q.Op {
	case OpEq:
		return satisfies(q.Value)
	case OpIn:
		return len(q.Values) > 0 && lo.EveryBy(q.Values, satisfies)
	case OpGt, OpGte:
		if p.Op != OpGt && p.Op != OpGte {
			return p.Op == OpExists && cast.ToBool(p.Value)
		}
		c := compareValues(q.Value, p.Value, coll)
		return encoding.TypeOf(q.Value) == encoding.TypeOf(p.Value) && (c > 0 || (c == 0 && (q.Op == OpGt || p.Op == OpGte)))
	case OpLt, OpLte:
		if p.Op != OpLt && p.Op != OpLte {
			return p.Op == OpExists && cast.ToBool(p.Value)
		}
		c := compareValues(q.Value, p.Value, coll)
		return encoding.TypeOf(q.Value) == encoding.TypeOf(p.Value) && (c < 0 || (c == 0 && (q.Op == OpLt || p.Op == OpLte)))
	}
	return false
}

// singleField builds a document holding v at a dot notation path
func singleField(path string, v any) map[string]any {
	doc, err := newDocumentFromFlat(map[string]any{path: v})
	if err != nil {
		return map[string]any{path: v}
	}
	return doc.Value()
}

// buildIndex writes the entries of every existing document in batches. Each batch is read in a
// read transaction and written in its own update transaction.
func (c *collection) buildIndex(ctx context.Context, idx *Index) (bool, error) {
	var (
		multikey bool
		lastKey  []byte
		prefix   = collectionPrefix(c.name)
	)
	for {
		type stored struct {
			id  string
			doc *Document
		}
		var batch []stored
		err := c.db.kv.Tx(true, func(tx kv.Tx) error {
			opts := kv.IterOpts{Prefix: prefix}
			if lastKey != nil {
				opts.LowerBound = keyAfter(lastKey)
			}
			it, err := tx.NewIterator(opts)
			if err != nil {
				return err
			}
			defer it.Close()
			for it.Valid() && len(batch) < buildBatchSize {
				key := it.Key()
				bits, err := it.Value()
				if err != nil {
					return err
				}
				doc, err := NewDocumentFromBytes(bits)
				if err != nil {
					return err
				}
				batch = append(batch, stored{id: idFromDocKey(c.name, key), doc: doc})
				lastKey = key
				if err := it.Next(); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return false, errors.Propagate(err, "failed to read documents for index %s", idx.Name)
		}
		if len(batch) == 0 {
			return multikey, nil
		}
		err = c.db.kv.Tx(false, func(tx kv.Tx) error {
			for _, d := range batch {
				entries, isMulti, err := idx.keys(c.name, d.id, d.doc.Value())
				if err != nil {
					return err
				}
				multikey = multikey || isMulti
				for _, e := range entries {
					if idx.Unique {
						if err := checkUnique(ctx, tx, c.name, idx, d.id, e.values); err != nil {
							return err
						}
					}
					if err := tx.Set(ctx, e.key, encodeIndexValue(d.id, e.values)); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return false, errors.Propagate(err, "failed to build index %s", idx.Name)
		}
		if len(batch) < buildBatchSize {
			return multikey, nil
		}
		if err := ctx.Err(); err != nil {
			return false, errors.Wrap(err, errors.Interrupted, "index build interrupted")
		}
	}
}

func encodeIndexValue(id string, values []any) []byte {
	bits, _ := json.Marshal(indexValue{ID: id, Values: values})
	return bits
}

func checkUnique(ctx context.Context, tx kv.Tx, collection string, idx *Index, id string, values []any) error {
	it, err := tx.NewIterator(kv.IterOpts{Prefix: idx.seekPrefix(collection, values)})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Valid() {
		bits, err := it.Value()
		if err != nil {
			return err
		}
		var v indexValue
		if err := json.Unmarshal(bits, &v); err != nil {
			return errors.Wrap(err, errors.Internal, "corrupt index entry")
		}
		if v.ID != id {
			return errors.New(errors.Validation, "duplicate value %v found for unique index: %s", values, idx.Name)
		}
		if err := it.Next(); err != nil {
			return err
		}
	}
	return nil
}

const buildBatchSize = 1000

func newBuildID() string {
	return ksuid.New().String()
}
