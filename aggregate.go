package myquery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/util"
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// AggregateOp is an aggregation stage operator
type AggregateOp string

const (
	AggregateMatch   AggregateOp = "$match"
	AggregateSort    AggregateOp = "$sort"
	AggregateSkip    AggregateOp = "$skip"
	AggregateLimit   AggregateOp = "$limit"
	AggregateProject AggregateOp = "$project"
	AggregateGroup   AggregateOp = "$group"
	AggregateCount   AggregateOp = "$count"
)

// Accumulator is a $group accumulator operator
type Accumulator string

const (
	AccumulatorSum   Accumulator = "$sum"
	AccumulatorCount Accumulator = "$count"
	AccumulatorMin   Accumulator = "$min"
	AccumulatorMax   Accumulator = "$max"
	AccumulatorAvg   Accumulator = "$avg"
	AccumulatorFirst Accumulator = "$first"
	AccumulatorLast  Accumulator = "$last"
	AccumulatorPush  Accumulator = "$push"
)

// Pipeline is an ordered list of aggregation stages, each a single key document such as {"$limit": 10}
type Pipeline []map[string]any

type accumulatorSpec struct {
	Field string      `json:"field"`
	Op    Accumulator `json:"op"`
	Expr  any         `json:"expr"`
}

type groupSpec struct {
	ID           any               `json:"_id"`
	Accumulators []accumulatorSpec `json:"accumulators"`
}

func parseGroup(val any) (*groupSpec, error) {
	spec, ok := val.(map[string]any)
	if !ok {
		return nil, errors.New(errors.Validation, "$group must be an object")
	}
	id, ok := spec["_id"]
	if !ok {
		return nil, errors.New(errors.Validation, "$group requires an _id expression")
	}
	g := &groupSpec{ID: id}
	for _, field := range sortedKeys(spec) {
		if field == "_id" {
			continue
		}
		acc, ok := spec[field].(map[string]any)
		if !ok || len(acc) != 1 {
			return nil, errors.New(errors.Validation, "$group field %s must specify one accumulator", field)
		}
		for op, expr := range acc {
			switch Accumulator(op) {
			case AccumulatorSum, AccumulatorCount, AccumulatorMin, AccumulatorMax, AccumulatorAvg,
				AccumulatorFirst, AccumulatorLast, AccumulatorPush:
			default:
				return nil, errors.New(errors.Validation, "unsupported accumulator: %s", op)
			}
			g.Accumulators = append(g.Accumulators, accumulatorSpec{Field: field, Op: Accumulator(op), Expr: expr})
		}
	}
	return g, nil
}

func (g *groupSpec) shape() string {
	if g == nil {
		return ""
	}
	return util.JSONString(g)
}

// evalExpr resolves "$path" references against a record and returns literals unchanged
func evalExpr(expr any, src valueSource) any {
	switch e := expr.(type) {
	case string:
		if strings.HasPrefix(e, "$") {
			values, found := src.lookup(strings.TrimPrefix(e, "$"))
			if !found || len(values) == 0 {
				return nil
			}
			return values[0]
		}
	case map[string]any:
		out := map[string]any{}
		for k, v := range e {
			out[k] = evalExpr(v, src)
		}
		return out
	}
	return expr
}

type groupAccumulator struct {
	id     any
	values map[string]any
	counts map[string]int
	mem    int64
}

type groupState struct {
	spec   *groupSpec
	groups map[string]*groupAccumulator
	order  []string
	mem    int64
	max    int64
	ready  bool
	pos    int
}

func newGroup(spec *groupSpec, maxBytes int64, child *stage) *stage {
	s := newStage(StageGroup, child)
	s.group = &groupState{spec: spec, groups: map[string]*groupAccumulator{}, max: maxBytes}
	return s
}

func (g *groupState) add(src valueSource, coll *Collation) error {
	id := evalExpr(g.spec.ID, src)
	key := util.JSONString(id)
	acc, ok := g.groups[key]
	if !ok {
		acc = &groupAccumulator{id: id, values: map[string]any{}, counts: map[string]int{}}
		g.groups[key] = acc
		g.order = append(g.order, key)
		acc.mem = approxSize(id)
		g.mem += acc.mem
	}
	for _, spec := range g.spec.Accumulators {
		before := approxSize(acc.values[spec.Field])
		accumulate(acc, spec, evalExpr(spec.Expr, src), coll)
		delta := approxSize(acc.values[spec.Field]) - before
		acc.mem += delta
		g.mem += delta
	}
	if g.mem > g.max {
		return errors.New(errors.ResourceExceeded,
			"$group exceeded memory limit of %d bytes, but did not opt in to external sorting.", g.max)
	}
	return nil
}

func accumulate(acc *groupAccumulator, spec accumulatorSpec, v any, coll *Collation) {
	current, seen := acc.values[spec.Field]
	switch spec.Op {
	case AccumulatorSum:
		acc.values[spec.Field] = cast.ToFloat64(current) + cast.ToFloat64(v)
	case AccumulatorCount:
		acc.values[spec.Field] = cast.ToFloat64(current) + 1
	case AccumulatorAvg:
		acc.counts[spec.Field]++
		acc.values[spec.Field] = cast.ToFloat64(current) + cast.ToFloat64(v)
	case AccumulatorMin:
		if v != nil && (!seen || compareValues(v, current, coll) < 0) {
			acc.values[spec.Field] = v
		}
	case AccumulatorMax:
		if v != nil && (!seen || compareValues(v, current, coll) > 0) {
			acc.values[spec.Field] = v
		}
	case AccumulatorFirst:
		if !seen {
			acc.values[spec.Field] = v
		}
	case AccumulatorLast:
		acc.values[spec.Field] = v
	case AccumulatorPush:
		arr, _ := current.([]any)
		acc.values[spec.Field] = append(arr, v)
	}
}

func (g *groupState) result(key string) map[string]any {
	acc := g.groups[key]
	out := map[string]any{"_id": acc.id}
	for _, spec := range g.spec.Accumulators {
		v, ok := acc.values[spec.Field]
		switch {
		case spec.Op == AccumulatorAvg && acc.counts[spec.Field] > 0:
			v = cast.ToFloat64(v) / float64(acc.counts[spec.Field])
		case !ok && (spec.Op == AccumulatorSum || spec.Op == AccumulatorCount):
			v = float64(0)
		case !ok && spec.Op == AccumulatorPush:
			v = []any{}
		}
		out[spec.Field] = v
	}
	return out
}

func (s *stage) workGroup(env *execEnv) (stageState, *member, error) {
	g := s.group
	if !g.ready {
		state, m, err := s.children[0].work(env)
		if err != nil {
			return stateEOF, nil, err
		}
		switch state {
		case stateAdvanced:
			if err := g.add(m, env.collation); err != nil {
				return stateEOF, nil, err
			}
		case stateEOF:
			g.ready = true
		}
		return stateNeedTime, nil, nil
	}
	if g.pos >= len(g.order) {
		return stateEOF, nil, nil
	}
	key := g.order[g.pos]
	g.pos++
	return stateAdvanced, &member{id: key, doc: g.result(key)}, nil
}

// pushdown is the prefix of a pipeline executed by the query planner
type pushdown struct {
	query     Query
	group     *groupSpec
	countAs   string
	remaining Pipeline
}

func stageOp(stage map[string]any) (AggregateOp, any, error) {
	if len(stage) != 1 {
		return "", nil, errors.New(errors.Validation, "aggregation stages must have exactly one field")
	}
	for k, v := range stage {
		return AggregateOp(k), v, nil
	}
	return "", nil, nil
}

// parseSortSpec accepts "a,-b", {"a": 1} (keys in alphabetical order) or [{"field": "a", "direction": 1}]
func parseSortSpec(val any) ([]SortField, error) {
	switch v := val.(type) {
	case string:
		return ParseSort(v), nil
	case map[string]any:
		return lo.Map(sortedKeys(v), func(k string, _ int) SortField {
			dir := 1
			if cast.ToInt(v[k]) < 0 {
				dir = -1
			}
			return SortField{Field: k, Direction: dir}
		}), nil
	case []any:
		var out []SortField
		if err := util.Decode(v, &out); err != nil {
			return nil, errors.Wrap(err, errors.Validation, "invalid $sort")
		}
		return out, nil
	}
	return nil, errors.New(errors.Validation, "invalid $sort: %v", val)
}

// planPipeline moves the leading $match, $sort, $skip, $limit, $project and a following $group
// or $count into the query
func planPipeline(pipeline Pipeline) (*pushdown, error) {
	p := &pushdown{}
	var (
		sorted    bool
		bounded   bool
		projected bool
		i         int
	)
loop:
	for ; i < len(pipeline); i++ {
		op, val, err := stageOp(pipeline[i])
		if err != nil {
			return nil, err
		}
		switch op {
		case AggregateMatch:
			if sorted || bounded || projected {
				break loop
			}
			m, ok := val.(map[string]any)
			if !ok {
				return nil, errors.New(errors.Validation, "$match must be an object")
			}
			if p.query.Filter == nil {
				p.query.Filter = m
			} else {
				p.query.Filter = map[string]any{"$and": []any{p.query.Filter, m}}
			}
		case AggregateSort:
			if sorted || bounded || projected {
				break loop
			}
			by, err := parseSortSpec(val)
			if err != nil {
				return nil, err
			}
			p.query.Sort = by
			sorted = true
		case AggregateSkip:
			if projected {
				break loop
			}
			n := cast.ToInt(val)
			if n < 0 {
				return nil, errors.New(errors.Validation, "$skip must be non-negative")
			}
			if p.query.Limit > 0 {
				p.query.Limit -= n
				if p.query.Limit <= 0 {
					p.query.Limit = 0
					p.query.Filter = map[string]any{"$alwaysFalse": 1}
				}
			}
			p.query.Skip += n
			bounded = true
		case AggregateLimit:
			if projected {
				break loop
			}
			n := cast.ToInt(val)
			if n <= 0 {
				return nil, errors.New(errors.Validation, "$limit must be positive")
			}
			if p.query.Limit == 0 || n < p.query.Limit {
				p.query.Limit = n
			}
			bounded = true
		case AggregateProject:
			if projected {
				break loop
			}
			m, ok := val.(map[string]any)
			if !ok {
				return nil, errors.New(errors.Validation, "$project must be an object")
			}
			p.query.Projection = m
			projected = true
		case AggregateGroup:
			g, err := parseGroup(val)
			if err != nil {
				return nil, err
			}
			p.group = g
			i++
			break loop
		case AggregateCount:
			p.countAs = cast.ToString(val)
			if p.countAs == "" {
				return nil, errors.New(errors.Validation, "$count requires a field name")
			}
			i++
			break loop
		default:
			return nil, errors.New(errors.Validation, "unsupported aggregation stage: %s", op)
		}
	}
	p.remaining = pipeline[i:]
	return p, nil
}

// Aggregate runs a pipeline. The leading stages run through the query planner and the rest in memory.
func (c *Collection) Aggregate(ctx context.Context, pipeline Pipeline) (Documents, error) {
	p, err := planPipeline(pipeline)
	if err != nil {
		return nil, err
	}
	var docs Documents
	if p.countAs != "" {
		n, err := c.Count(ctx, p.query)
		if err != nil {
			return nil, err
		}
		doc, err := NewDocumentFrom(map[string]any{p.countAs: n})
		if err != nil {
			return nil, err
		}
		docs = Documents{doc}
	} else {
		req, err := newRequest(c.state().name, p.query)
		if err != nil {
			return nil, err
		}
		req.group = p.group
		cursor, err := c.state().execute(ctx, req)
		if err != nil {
			return nil, err
		}
		docs, err = cursor.All(ctx)
		if err != nil {
			return nil, err
		}
	}
	return runInMemory(ctx, docs, p.remaining)
}

// runInMemory applies pipeline stages to materialized documents
func runInMemory(ctx context.Context, docs Documents, pipeline Pipeline) (Documents, error) {
	for _, raw := range pipeline {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.Interrupted, "aggregation interrupted")
		}
		op, val, err := stageOp(raw)
		if err != nil {
			return nil, err
		}
		switch op {
		case AggregateMatch:
			m, _ := val.(map[string]any)
			f, err := ParseFilter(m)
			if err != nil {
				return nil, err
			}
			var out Documents
			for _, d := range docs {
				ok, err := f.Matches(mapSource(d.Value()), nil)
				if err != nil {
					return nil, err
				}
				if ok {
					out = append(out, d)
				}
			}
			docs = out
		case AggregateSort:
			by, err := parseSortSpec(val)
			if err != nil {
				return nil, err
			}
			st := &sortState{by: by}
			keyed := lo.Map(docs, func(d *Document, i int) *sortedMember {
				sm := &sortedMember{m: &member{doc: d.Value()}, seq: i}
				for _, f := range by {
					values, _ := sm.m.lookup(f.Field)
					sm.key = append(sm.key, sortValue(values, f.Direction < 0, nil))
				}
				return sm
			})
			sort.SliceStable(keyed, func(a, b int) bool { return st.less(keyed[a], keyed[b], nil) })
			docs = lo.Map(keyed, func(sm *sortedMember, i int) *Document {
				d, _ := NewDocumentFrom(sm.m.doc)
				return d
			})
		case AggregateSkip:
			n := cast.ToInt(val)
			if n > len(docs) {
				n = len(docs)
			}
			docs = docs[n:]
		case AggregateLimit:
			n := cast.ToInt(val)
			if n < len(docs) {
				docs = docs[:n]
			}
		case AggregateProject:
			m, _ := val.(map[string]any)
			proj, err := parseProjection(m)
			if err != nil {
				return nil, err
			}
			if proj == nil {
				continue
			}
			for i, d := range docs {
				projected, err := proj.apply(&member{doc: d.Value()})
				if err != nil {
					return nil, err
				}
				if docs[i], err = NewDocumentFrom(projected); err != nil {
					return nil, err
				}
			}
		case AggregateGroup:
			spec, err := parseGroup(val)
			if err != nil {
				return nil, err
			}
			g := &groupState{spec: spec, groups: map[string]*groupAccumulator{}, max: int64(^uint64(0) >> 1)}
			for _, d := range docs {
				if err := g.add(mapSource(d.Value()), nil); err != nil {
					return nil, err
				}
			}
			var out Documents
			for _, key := range g.order {
				d, err := NewDocumentFrom(g.result(key))
				if err != nil {
					return nil, err
				}
				out = append(out, d)
			}
			docs = out
		case AggregateCount:
			d, err := NewDocumentFrom(map[string]any{cast.ToString(val): len(docs)})
			if err != nil {
				return nil, err
			}
			docs = Documents{d}
		default:
			return nil, errors.New(errors.Validation, "unsupported aggregation stage: %s", op)
		}
	}
	return docs, nil
}

func (g *groupSpec) String() string {
	return fmt.Sprintf("group(%s)", util.JSONString(g.ID))
}
