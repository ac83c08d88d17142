package myquery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/util"
	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// SortField orders results by a field path. Direction is 1 (ascending) or -1 (descending).
type SortField struct {
	Field     string `json:"field" validate:"required"`
	Direction int    `json:"direction" validate:"oneof=-1 1"`
}

// Query is a find request against a collection
type Query struct {
	// Filter is a match document such as {"a": {"$gt": 5}}
	Filter map[string]any `json:"filter,omitempty"`
	// Sort is applied in order
	Sort []SortField `json:"sort,omitempty" validate:"dive"`
	// Projection includes ({"a": 1}) or excludes ({"a": 0}) fields
	Projection map[string]any `json:"projection,omitempty"`
	// Collation for string comparisons, nil compares bytewise
	Collation *Collation `json:"collation,omitempty"`
	// Hint forces the named index. "$natural" forces a collection scan.
	Hint  string `json:"hint,omitempty"`
	Skip  int    `json:"skip,omitempty" validate:"min=0"`
	Limit int    `json:"limit,omitempty" validate:"min=0"`
}

// ParseSort parses a comma separated sort spec such as "a,-b"
func ParseSort(spec string) []SortField {
	var out []SortField
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dir := 1
		switch {
		case strings.HasPrefix(part, "-"):
			dir = -1
			part = part[1:]
		case strings.HasPrefix(part, "+"):
			part = part[1:]
		}
		out = append(out, SortField{Field: part, Direction: dir})
	}
	return out
}

func sortString(sort []SortField) string {
	return strings.Join(lo.Map(sort, func(s SortField, _ int) string {
		return fmt.Sprintf("%s:%d", s.Field, s.Direction)
	}), ",")
}

// projection is a parsed inclusion or exclusion projection
type projection struct {
	include   bool
	paths     []string
	includeID bool
}

func parseProjection(spec map[string]any) (*projection, error) {
	if len(spec) == 0 {
		return nil, nil
	}
	p := &projection{includeID: true}
	var (
		includes int
		excludes int
	)
	for _, path := range sortedKeys(spec) {
		on := truthy(spec[path])
		if path == "_id" {
			p.includeID = on
			continue
		}
		if on {
			includes++
		} else {
			excludes++
		}
		p.paths = append(p.paths, path)
	}
	if includes > 0 && excludes > 0 {
		return nil, errors.New(errors.Validation, "projection cannot mix inclusion and exclusion")
	}
	p.include = includes > 0 || (excludes == 0 && p.includeID)
	if !p.include && !p.includeID {
		p.paths = append(p.paths, "_id")
	}
	return p, nil
}

func (p *projection) String() string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("include=%v,id=%v,%s", p.include, p.includeID, strings.Join(p.paths, ","))
}

// coveredBy reports whether every projected path can be produced from index fields
func (p *projection) coveredBy(idx *Index) bool {
	if p == nil || !p.include {
		return false
	}
	fields := idx.paths()
	if p.includeID && !lo.Contains(fields, "_id") {
		return false
	}
	for _, path := range p.paths {
		if !lo.Contains(fields, path) {
			return false
		}
	}
	return true
}

// request is a validated query ready for planning
type request struct {
	collection string
	filter     *Filter
	sort       []SortField
	projection *projection
	collation  *Collation
	hint       string
	skip       int
	limit      int
	countLike  bool
	group      *groupSpec
	explain    bool
}

func newRequest(collection string, q Query) (*request, error) {
	if err := util.ValidateStruct(&q); err != nil {
		return nil, err
	}
	if err := q.Collation.validate(); err != nil {
		return nil, err
	}
	filter, err := ParseFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	proj, err := parseProjection(q.Projection)
	if err != nil {
		return nil, err
	}
	return &request{
		collection: collection,
		filter:     filter,
		sort:       q.Sort,
		projection: proj,
		collation:  q.Collation,
		hint:       q.Hint,
		skip:       q.Skip,
		limit:      q.Limit,
	}, nil
}

// branch derives the request for one child of a rooted $or. Branches never inherit
// count-like, sort, limit or grouping from the parent query.
func (r *request) branch(i int) *request {
	return &request{
		collection: r.collection,
		filter:     r.filter.Children[i],
		collation:  r.collation,
	}
}

// QueryShape is the structure of a query with literal values abstracted away
type QueryShape struct {
	Filter     string `json:"filter"`
	Sort       string `json:"sort,omitempty"`
	Projection string `json:"projection,omitempty"`
	Collation  string `json:"collation"`
	Group      string `json:"group,omitempty"`
}

func (r *request) shape() QueryShape {
	return QueryShape{
		Filter:     r.filter.Shape(),
		Sort:       sortString(r.sort),
		Projection: r.projection.String(),
		Collation:  r.collation.ID(),
		Group:      r.group.shape(),
	}
}

// String renders the shape canonically
func (s QueryShape) String() string {
	return fmt.Sprintf("filter=%s;sort=%s;projection=%s;collation=%s;group=%s", s.Filter, s.Sort, s.Projection, s.Collation, s.Group)
}

// Hash returns the query hash of the shape
func (s QueryShape) Hash() string {
	return fmt.Sprintf("%08X", uint32(xxhash.Sum64String(s.String())))
}

// PlanCacheKey identifies a plan cache entry. It combines the query shape with a fingerprint of the
// collection's index catalog and the index eligibility discriminators of the query.
type PlanCacheKey struct {
	Collection       string     `json:"collection"`
	Shape            QueryShape `json:"shape"`
	IndexFingerprint uint64     `json:"indexFingerprint"`
	Discriminators   string     `json:"discriminators"`
	CountLike        bool       `json:"countLike"`
}

func (k PlanCacheKey) id() string {
	return strings.Join([]string{
		k.Collection,
		k.Shape.String(),
		fmt.Sprintf("%016x", k.IndexFingerprint),
		k.Discriminators,
		cast.ToString(k.CountLike),
	}, "\x00")
}

// String returns the hex plan cache key
func (k PlanCacheKey) String() string {
	return fmt.Sprintf("%08X", uint32(xxhash.Sum64String(k.id())))
}

// planCacheKey derives the key of a request against a catalog snapshot
func planCacheKey(r *request, catalog *catalogSnapshot) PlanCacheKey {
	return PlanCacheKey{
		Collection:       r.collection,
		Shape:            r.shape(),
		IndexFingerprint: catalog.fingerprint,
		Discriminators:   discriminators(r, catalog.indexes),
		CountLike:        r.countLike,
	}
}

// discriminators encodes, per index, the eligibility facts that depend on literal values:
// whether a partial index's filter is implied, whether a sparse index is usable and whether
// strings are compared on an index with a different collation
func discriminators(r *request, indexes []*Index) string {
	var bits []string
	for _, idx := range indexes {
		var b strings.Builder
		if idx.partial != nil {
			b.WriteString(cast.ToString(partialFilterImplied(r.filter, idx.partial, r.collation)))
		}
		if idx.Sparse {
			b.WriteString(cast.ToString(!lo.ContainsBy(idx.paths(), r.filter.comparesNull)))
		}
		if !sameCollation(idx.Collation, r.collation) {
			b.WriteString(cast.ToString(!lo.ContainsBy(idx.paths(), r.filter.comparesStrings)))
		}
		if b.Len() > 0 {
			bits = append(bits, idx.Name+"="+b.String())
		}
	}
	sort.Strings(bits)
	return strings.Join(bits, ";")
}

// apply projects a member into a new document
func (p *projection) apply(m *member) (map[string]any, error) {
	src, err := NewDocumentFrom(m.fields())
	if err != nil {
		return nil, err
	}
	if !p.include {
		if err := src.DelAll(p.paths...); err != nil {
			return nil, err
		}
		return src.Value(), nil
	}
	out := NewDocument()
	if p.includeID && src.Exists("_id") {
		if err := out.Set("_id", src.Get("_id")); err != nil {
			return nil, err
		}
	}
	for _, path := range p.paths {
		if !src.Exists(path) {
			continue
		}
		if err := out.Set(path, src.Get(path)); err != nil {
			return nil, err
		}
	}
	return out.Value(), nil
}
