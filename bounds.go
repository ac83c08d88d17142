package myquery

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/autom8ter/myquery/internal/encoding"
	"github.com/autom8ter/myquery/util"
	"github.com/samber/lo"
)

type boundKind int

const (
	boundMin boundKind = iota
	boundTypeStart
	boundValue
	boundTypeEnd
	boundMax
)

// keyBound is one end of an interval in value space
type keyBound struct {
	kind      boundKind
	typ       encoding.Type
	value     any
	inclusive bool
}

var (
	minBound = keyBound{kind: boundMin, inclusive: true}
	maxBound = keyBound{kind: boundMax, inclusive: true}
)

func valueBound(v any, inclusive bool) keyBound {
	return keyBound{kind: boundValue, typ: encoding.TypeOf(v), value: v, inclusive: inclusive}
}

func (b keyBound) String() string {
	switch b.kind {
	case boundMin:
		return "MinKey"
	case boundMax:
		return "MaxKey"
	case boundTypeStart:
		return b.typ.String() + ".min"
	case boundTypeEnd:
		return b.typ.String() + ".max"
	}
	return util.JSONString(b.value)
}

// position orders two bounds ignoring inclusivity
func (b keyBound) position(o keyBound, coll *Collation) int {
	rank := func(k keyBound) (int, int) {
		switch k.kind {
		case boundMin:
			return -1, 0
		case boundMax:
			return int(encoding.TypeBool) + 1, 0
		case boundTypeStart:
			return int(k.typ), 0
		case boundTypeEnd:
			return int(k.typ), 2
		}
		return int(k.typ), 1
	}
	bt, bs := rank(b)
	ot, os := rank(o)
	if c := compareInts(bt, ot); c != 0 {
		return c
	}
	if c := compareInts(bs, os); c != 0 {
		return c
	}
	if b.kind == boundValue {
		return compareValues(b.value, o.value, coll)
	}
	return 0
}

// compareValue reports whether v sorts before (-1), at (0) or after (1) the bound
func (b keyBound) compareValue(v any, coll *Collation) int {
	t := encoding.TypeOf(v)
	switch b.kind {
	case boundMin:
		return 1
	case boundMax:
		return -1
	case boundTypeStart:
		if t < b.typ {
			return -1
		}
		return 1
	case boundTypeEnd:
		if t <= b.typ {
			return -1
		}
		return 1
	}
	return compareValues(v, b.value, coll)
}

// Interval is a contiguous range of index values
type Interval struct {
	low  keyBound
	high keyBound
}

var fullInterval = Interval{low: minBound, high: maxBound}

func pointInterval(v any) Interval {
	return Interval{low: valueBound(v, true), high: valueBound(v, true)}
}

func (i Interval) String() string {
	open, closing := "(", ")"
	if i.low.inclusive {
		open = "["
	}
	if i.high.inclusive {
		closing = "]"
	}
	return fmt.Sprintf("%s%s, %s%s", open, i.low, i.high, closing)
}

func (i Interval) isFull() bool {
	return i.low.kind == boundMin && i.high.kind == boundMax
}

func (i Interval) isPoint(coll *Collation) bool {
	return i.low.kind == boundValue && i.high.kind == boundValue &&
		i.low.inclusive && i.high.inclusive && compareValues(i.low.value, i.high.value, coll) == 0
}

func (i Interval) isEmpty(coll *Collation) bool {
	c := i.low.position(i.high, coll)
	return c > 0 || (c == 0 && i.low.kind == boundValue && (!i.low.inclusive || !i.high.inclusive))
}

func (i Interval) contains(v any, coll *Collation) bool {
	c := i.low.compareValue(v, coll)
	if c < 0 || (c == 0 && !i.low.inclusive) {
		return false
	}
	c = i.high.compareValue(v, coll)
	return c < 0 || (c == 0 && i.high.inclusive)
}

// higherLow picks the more restrictive of two lower bounds
func higherLow(a, b keyBound, coll *Collation) keyBound {
	c := a.position(b, coll)
	switch {
	case c > 0:
		return a
	case c < 0:
		return b
	case !a.inclusive:
		return a
	}
	return b
}

func lowerHigh(a, b keyBound, coll *Collation) keyBound {
	c := a.position(b, coll)
	switch {
	case c < 0:
		return a
	case c > 0:
		return b
	case !a.inclusive:
		return a
	}
	return b
}

// intervalsFor translates one predicate into the intervals of index values it can match.
// exact reports whether the intervals capture the predicate without a residual filter.
func intervalsFor(p *Filter) (intervals []Interval, exact bool, bounded bool) {
	switch p.Op {
	case OpEq:
		return scalarPoint(p.Value)
	case OpIn:
		exact, bounded = true, true
		for _, v := range p.Values {
			iv, e, b := scalarPoint(v)
			if !b {
				return []Interval{fullInterval}, false, false
			}
			exact = exact && e
			intervals = append(intervals, iv...)
		}
		return intervals, exact, bounded
	case OpGt, OpGte, OpLt, OpLte:
		t := encoding.TypeOf(p.Value)
		switch t {
		case encoding.TypeObject, encoding.TypeArray:
			return []Interval{fullInterval}, false, false
		case encoding.TypeNull:
			if p.Op == OpGte || p.Op == OpLte {
				return []Interval{pointInterval(nil)}, false, true
			}
			return nil, true, true
		}
		start := keyBound{kind: boundTypeStart, typ: t, inclusive: true}
		end := keyBound{kind: boundTypeEnd, typ: t}
		switch p.Op {
		case OpGt:
			return []Interval{{low: valueBound(p.Value, false), high: end}}, true, true
		case OpGte:
			return []Interval{{low: valueBound(p.Value, true), high: end}}, true, true
		case OpLt:
			return []Interval{{low: start, high: valueBound(p.Value, false)}}, true, true
		default:
			return []Interval{{low: start, high: valueBound(p.Value, true)}}, true, true
		}
	}
	return []Interval{fullInterval}, false, false
}

func scalarPoint(v any) ([]Interval, bool, bool) {
	switch encoding.TypeOf(v) {
	case encoding.TypeObject, encoding.TypeArray:
		return []Interval{fullInterval}, false, false
	case encoding.TypeNull:
		return []Interval{pointInterval(nil)}, false, true
	}
	return []Interval{pointInterval(v)}, true, true
}

// unionIntervals sorts and merges overlapping intervals
func unionIntervals(intervals []Interval, coll *Collation) []Interval {
	intervals = lo.Filter(intervals, func(i Interval, _ int) bool { return !i.isEmpty(coll) })
	sort.SliceStable(intervals, func(a, b int) bool {
		c := intervals[a].low.position(intervals[b].low, coll)
		return c < 0 || (c == 0 && intervals[a].low.inclusive && !intervals[b].low.inclusive)
	})
	var out []Interval
	for _, iv := range intervals {
		if len(out) == 0 {
			out = append(out, iv)
			continue
		}
		last := &out[len(out)-1]
		c := iv.low.position(last.high, coll)
		if c < 0 || (c == 0 && (iv.low.inclusive || last.high.inclusive)) {
			last.high = higherHigh(last.high, iv.high, coll)
			continue
		}
		out = append(out, iv)
	}
	return out
}

func higherHigh(a, b keyBound, coll *Collation) keyBound {
	c := a.position(b, coll)
	switch {
	case c > 0:
		return a
	case c < 0:
		return b
	case a.inclusive:
		return a
	}
	return b
}

// intersectIntervals intersects two sorted, merged interval lists
func intersectIntervals(a, b []Interval, coll *Collation) []Interval {
	var out []Interval
	for _, x := range a {
		for _, y := range b {
			iv := Interval{low: higherLow(x.low, y.low, coll), high: lowerHigh(x.high, y.high, coll)}
			if !iv.isEmpty(coll) {
				out = append(out, iv)
			}
		}
	}
	return unionIntervals(out, coll)
}

// fieldBounds is the ordered interval list of one index field
type fieldBounds struct {
	Field     string
	Direction int
	Intervals []Interval
}

func (f fieldBounds) isFull() bool {
	return len(f.Intervals) == 1 && f.Intervals[0].isFull()
}

func (f fieldBounds) isSinglePoint(coll *Collation) bool {
	return len(f.Intervals) == 1 && f.Intervals[0].isPoint(coll)
}

func (f fieldBounds) isPoints(coll *Collation) bool {
	return len(f.Intervals) > 0 && lo.EveryBy(f.Intervals, func(i Interval) bool { return i.isPoint(coll) })
}

func (f fieldBounds) contains(v any, coll *Collation) bool {
	return lo.ContainsBy(f.Intervals, func(i Interval) bool { return i.contains(v, coll) })
}

// indexBounds are the per-field intervals an index scan visits
type indexBounds struct {
	fields []fieldBounds
	// exact is set when the bounds enforce every predicate of the filter
	exact bool
}

// computeBounds derives the bounds of idx from the filter's top level predicates
func computeBounds(idx *Index, filter *Filter, coll *Collation) *indexBounds {
	var (
		conjuncts = filter.conjuncts()
		used      = map[*Filter]bool{}
		exact     = !idx.Multikey && !filter.needsDocument()
		b         = &indexBounds{}
	)
	collMismatch := !sameCollation(idx.Collation, coll)
	for _, f := range idx.Fields {
		fb := fieldBounds{Field: f.Field, Direction: f.Direction, Intervals: []Interval{fullInterval}}
		first := true
		for _, p := range conjuncts {
			if p.Path != f.Field {
				continue
			}
			if collMismatch && p.comparesStrings(f.Field) {
				continue
			}
			intervals, isExact, bounded := intervalsFor(p)
			if !bounded {
				continue
			}
			if idx.Multikey && !first {
				continue
			}
			fb.Intervals = intersectIntervals(fb.Intervals, unionIntervals(intervals, idx.Collation), idx.Collation)
			first = false
			if isExact {
				used[p] = true
			}
		}
		b.fields = append(b.fields, fb)
	}
	b.exact = exact && len(used) == len(conjuncts) && !filter.isEmpty()
	return b
}

func (b *indexBounds) isEmpty() bool {
	return lo.ContainsBy(b.fields, func(f fieldBounds) bool { return len(f.Intervals) == 0 })
}

// leadingBounded reports whether the first field is restricted
func (b *indexBounds) leadingBounded() bool {
	return len(b.fields) > 0 && !b.fields[0].isFull()
}

func (b *indexBounds) allPoints(coll *Collation) bool {
	return lo.EveryBy(b.fields, func(f fieldBounds) bool { return f.isSinglePoint(coll) })
}

// matches checks the stored values of an index entry against every field's intervals
func (b *indexBounds) matches(values []any, coll *Collation) bool {
	for n, f := range b.fields {
		if f.isFull() {
			continue
		}
		if n >= len(values) || !f.contains(values[n], coll) {
			return false
		}
	}
	return true
}

// providesSort reports whether scanning in direction yields documents in sort order
func (b *indexBounds) providesSort(idx *Index, sortBy []SortField, direction int, coll *Collation) bool {
	if len(sortBy) == 0 {
		return true
	}
	if idx.Multikey {
		return false
	}
	if !sameCollation(idx.Collation, coll) {
		return false
	}
	i := 0
	for _, s := range sortBy {
		for i < len(b.fields) && b.fields[i].Field != s.Field && b.fields[i].isSinglePoint(idx.Collation) {
			i++
		}
		if i == len(b.fields) || b.fields[i].Field != s.Field {
			return false
		}
		if b.fields[i].Direction*direction != s.Direction {
			return false
		}
		i++
	}
	return true
}

// explain renders the bounds per field
func (b *indexBounds) explain() map[string][]string {
	out := map[string][]string{}
	for _, f := range b.fields {
		out[f.Field] = lo.Map(f.Intervals, func(i Interval, _ int) string { return i.String() })
	}
	return out
}

// keyRange is a byte range of an index scan. lower is inclusive and upper exclusive.
type keyRange struct {
	lower []byte
	upper []byte
}

// ranges converts the bounds into sorted, disjoint byte ranges. Point fields are expanded into
// key prefixes until maxRanges would be exceeded, then the next field contributes its intervals.
// Every later field is enforced by matches.
func (b *indexBounds) ranges(idx *Index, collection string, maxRanges int) []keyRange {
	var (
		keyFn    = idx.Collation.keyFunc()
		prefixes = [][]byte{indexPrefix(collection, idx.Name)}
		n        int
	)
	if maxRanges < 1 {
		maxRanges = 1
	}
	for ; n < len(b.fields); n++ {
		f := b.fields[n]
		if !f.isPoints(idx.Collation) || len(prefixes)*len(f.Intervals) > maxRanges {
			break
		}
		var next [][]byte
		for _, p := range prefixes {
			for _, iv := range f.Intervals {
				next = append(next, encoding.EncodeValue(clone(p), iv.low.value, f.Direction < 0, keyFn))
			}
		}
		prefixes = next
	}
	var out []keyRange
	if n == len(b.fields) || b.fields[n].isFull() || len(prefixes)*len(b.fields[n].Intervals) > maxRanges {
		for _, p := range prefixes {
			out = append(out, keyRange{lower: p, upper: prefixEnd(p)})
		}
		return mergeRanges(out)
	}
	f := b.fields[n]
	for _, p := range prefixes {
		for _, iv := range f.Intervals {
			r := byteInterval(p, iv, f.Direction < 0, keyFn)
			if bytes.Compare(r.lower, r.upper) < 0 {
				out = append(out, r)
			}
		}
	}
	return mergeRanges(out)
}

func byteInterval(p []byte, iv Interval, desc bool, keyFn encoding.KeyFunc) keyRange {
	enc := func(v any) []byte { return encoding.EncodeValue(clone(p), v, desc, keyFn) }
	if !desc {
		var r keyRange
		switch iv.low.kind {
		case boundMin:
			r.lower = clone(p)
		case boundTypeStart:
			r.lower = append(clone(p), encoding.TypeLower(iv.low.typ, false)...)
		case boundTypeEnd:
			r.lower = append(clone(p), encoding.TypeUpper(iv.low.typ, false)...)
		default:
			r.lower = enc(iv.low.value)
			if !iv.low.inclusive {
				r.lower = prefixEnd(r.lower)
			}
		}
		switch iv.high.kind {
		case boundMax:
			r.upper = prefixEnd(p)
		case boundTypeEnd:
			r.upper = append(clone(p), encoding.TypeUpper(iv.high.typ, false)...)
		case boundTypeStart:
			r.upper = append(clone(p), encoding.TypeLower(iv.high.typ, false)...)
		default:
			r.upper = enc(iv.high.value)
			if iv.high.inclusive {
				r.upper = prefixEnd(r.upper)
			}
		}
		return r
	}
	var r keyRange
	switch iv.high.kind {
	case boundMax:
		r.lower = clone(p)
	case boundTypeEnd:
		r.lower = append(clone(p), encoding.TypeLower(iv.high.typ, true)...)
	case boundTypeStart:
		r.lower = append(clone(p), encoding.TypeUpper(iv.high.typ, true)...)
	default:
		r.lower = enc(iv.high.value)
		if !iv.high.inclusive {
			r.lower = prefixEnd(r.lower)
		}
	}
	switch iv.low.kind {
	case boundMin:
		r.upper = prefixEnd(p)
	case boundTypeStart:
		r.upper = append(clone(p), encoding.TypeUpper(iv.low.typ, true)...)
	case boundTypeEnd:
		r.upper = append(clone(p), encoding.TypeLower(iv.low.typ, true)...)
	default:
		r.upper = enc(iv.low.value)
		if iv.low.inclusive {
			r.upper = prefixEnd(r.upper)
		}
	}
	return r
}

func mergeRanges(ranges []keyRange) []keyRange {
	sort.Slice(ranges, func(a, b int) bool { return bytes.Compare(ranges[a].lower, ranges[b].lower) < 0 })
	var out []keyRange
	for _, r := range ranges {
		if len(out) > 0 && bytes.Compare(r.lower, out[len(out)-1].upper) <= 0 {
			if bytes.Compare(r.upper, out[len(out)-1].upper) > 0 {
				out[len(out)-1].upper = r.upper
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func (b *indexBounds) String() string {
	return strings.Join(lo.Map(b.fields, func(f fieldBounds, _ int) string {
		return f.Field + ":" + strings.Join(lo.Map(f.Intervals, func(i Interval, _ int) string { return i.String() }), ",")
	}), " ")
}
