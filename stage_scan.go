package myquery

import (
	"bytes"
	"encoding/json"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/kv"
)

type collScanState struct {
	direction int
	iter      kv.Iterator
	lastKey   []byte
}

func (c *collScanState) release() {
	if c.iter != nil {
		c.iter.Close()
		c.iter = nil
	}
}

func newCollScan(direction int) *stage {
	s := newStage(StageCollScan)
	s.collScan = &collScanState{direction: direction}
	s.stats.Direction = directionName(direction)
	return s
}

func directionName(direction int) string {
	if direction < 0 {
		return "backward"
	}
	return "forward"
}

func (s *stage) workCollScan(env *execEnv) (stageState, *member, error) {
	st := s.collScan
	if st.iter == nil {
		opts := kv.IterOpts{Prefix: collectionPrefix(env.coll.name), Reverse: st.direction < 0}
		if st.lastKey != nil {
			if opts.Reverse {
				opts.UpperBound = st.lastKey
			} else {
				opts.LowerBound = keyAfter(st.lastKey)
			}
		}
		iter, err := env.tx.NewIterator(opts)
		if err != nil {
			return stateEOF, nil, errors.Propagate(err, "failed to open collection scan")
		}
		st.iter = iter
	}
	if !st.iter.Valid() {
		return stateEOF, nil, nil
	}
	key := st.iter.Key()
	bits, err := st.iter.Value()
	if err != nil {
		return stateEOF, nil, errors.Propagate(err, "failed to read document")
	}
	st.lastKey = key
	if err := st.iter.Next(); err != nil {
		return stateEOF, nil, errors.Propagate(err, "failed to advance collection scan")
	}
	doc, err := NewDocumentFromBytes(bits)
	if err != nil {
		return stateEOF, nil, err
	}
	s.stats.DocsExamined++
	return stateAdvanced, &member{id: idFromDocKey(env.coll.name, key), doc: doc.Value()}, nil
}

type ixScanState struct {
	index     *Index
	bounds    *indexBounds
	ranges    []keyRange
	direction int
	// covered members carry index values keyed by field path
	covered  bool
	rangeIdx int
	iter     kv.Iterator
	lastKey  []byte
	seen     map[string]struct{}
}

func (x *ixScanState) release() {
	if x.iter != nil {
		x.iter.Close()
		x.iter = nil
	}
}

func newIxScan(env *execEnv, idx *Index, bounds *indexBounds, direction int, covered bool) *stage {
	s := newStage(StageIxScan)
	s.ixScan = &ixScanState{
		index:     idx,
		bounds:    bounds,
		ranges:    bounds.ranges(idx, env.coll.name, env.params.MaxScanRanges),
		direction: direction,
		covered:   covered && !idx.Multikey,
	}
	if idx.Multikey {
		s.ixScan.seen = map[string]struct{}{}
	}
	s.stats.Index = idx.Name
	s.stats.KeyPattern = idx.KeyPattern()
	s.stats.Direction = directionName(direction)
	s.stats.Bounds = bounds.explain()
	return s
}

// currentRange returns the range being scanned in scan order
func (x *ixScanState) currentRange() keyRange {
	if x.direction < 0 {
		return x.ranges[len(x.ranges)-1-x.rangeIdx]
	}
	return x.ranges[x.rangeIdx]
}

func (s *stage) workIxScan(env *execEnv) (stageState, *member, error) {
	x := s.ixScan
	if x.rangeIdx >= len(x.ranges) {
		return stateEOF, nil, nil
	}
	if x.iter == nil {
		r := x.currentRange()
		opts := kv.IterOpts{LowerBound: r.lower, UpperBound: r.upper, Reverse: x.direction < 0}
		if x.lastKey != nil {
			if opts.Reverse {
				opts.UpperBound = x.lastKey
			} else if next := keyAfter(x.lastKey); bytes.Compare(next, opts.LowerBound) > 0 {
				opts.LowerBound = next
			}
		}
		iter, err := env.tx.NewIterator(opts)
		if err != nil {
			return stateEOF, nil, errors.Propagate(err, "failed to open index scan on %s", x.index.Name)
		}
		x.iter = iter
	}
	if !x.iter.Valid() {
		x.release()
		x.lastKey = nil
		x.rangeIdx++
		if x.rangeIdx >= len(x.ranges) {
			return stateEOF, nil, nil
		}
		return stateNeedTime, nil, nil
	}
	x.lastKey = x.iter.Key()
	bits, err := x.iter.Value()
	if err != nil {
		return stateEOF, nil, errors.Propagate(err, "failed to read index entry")
	}
	if err := x.iter.Next(); err != nil {
		return stateEOF, nil, errors.Propagate(err, "failed to advance index scan")
	}
	s.stats.KeysExamined++
	var entry indexValue
	if err := json.Unmarshal(bits, &entry); err != nil {
		return stateEOF, nil, errors.Wrap(err, errors.Internal, "corrupt index entry in %s", x.index.Name)
	}
	if !x.bounds.matches(entry.Values, x.index.Collation) {
		return stateNeedTime, nil, nil
	}
	if x.seen != nil {
		if _, ok := x.seen[entry.ID]; ok {
			return stateNeedTime, nil, nil
		}
		x.seen[entry.ID] = struct{}{}
	}
	m := &member{id: entry.ID}
	if x.covered {
		m.keys = map[string]any{"_id": entry.ID}
		for n, f := range x.index.Fields {
			if n < len(entry.Values) {
				m.keys[f.Field] = entry.Values[n]
			}
		}
	}
	return stateAdvanced, m, nil
}

func (s *stage) workFetch(env *execEnv) (stageState, *member, error) {
	state, m, err := s.children[0].work(env)
	if err != nil || state != stateAdvanced {
		return state, nil, err
	}
	if m.doc != nil {
		return stateAdvanced, m, nil
	}
	bits, err := env.tx.Get(env.ctx, docKey(env.coll.name, m.id))
	if err != nil {
		return stateEOF, nil, errors.Propagate(err, "failed to fetch document %s", m.id)
	}
	s.stats.DocsExamined++
	if bits == nil {
		return stateNeedTime, nil, nil
	}
	doc, err := NewDocumentFromBytes(bits)
	if err != nil {
		return stateEOF, nil, err
	}
	return stateAdvanced, &member{id: m.id, doc: doc.Value()}, nil
}

func newFilter(filter *Filter, child *stage) *stage {
	s := newStage(StageFilter, child)
	s.filter = filter
	s.stats.Filter = filter.String()
	return s
}

func (s *stage) workFilter(env *execEnv) (stageState, *member, error) {
	state, m, err := s.children[0].work(env)
	if err != nil || state != stateAdvanced {
		return state, nil, err
	}
	ok, err := s.filter.Matches(m, env.collation)
	if err != nil {
		return stateEOF, nil, err
	}
	if !ok {
		return stateNeedTime, nil, nil
	}
	return stateAdvanced, m, nil
}
