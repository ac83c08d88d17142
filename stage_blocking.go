package myquery

import (
	"sort"

	"github.com/autom8ter/myquery/errors"
)

type sortState struct {
	by    []SortField
	limit int
	buf   []*sortedMember
	mem   int64
	max   int64
	seq   int
	ready bool
	pos   int
}

type sortedMember struct {
	m   *member
	key []any
	seq int
	mem int64
}

// newSort creates a blocking sort. A positive limit keeps only the first limit members.
func newSort(by []SortField, limit int, maxBytes int64, child *stage) *stage {
	s := newStage(StageSort, child)
	s.sort = &sortState{by: by, limit: limit, max: maxBytes}
	s.stats.SortPattern = sortString(by)
	s.stats.Limit = limit
	return s
}

func (st *sortState) less(a, b *sortedMember, coll *Collation) bool {
	for n, f := range st.by {
		c := compareValues(a.key[n], b.key[n], coll)
		if f.Direction < 0 {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
	}
	return a.seq < b.seq
}

func (st *sortState) add(m *member, coll *Collation) error {
	sm := &sortedMember{m: m, seq: st.seq, mem: m.size()}
	st.seq++
	for _, f := range st.by {
		values, _ := m.lookup(f.Field)
		sm.key = append(sm.key, sortValue(values, f.Direction < 0, coll))
	}
	pos := sort.Search(len(st.buf), func(i int) bool { return st.less(sm, st.buf[i], coll) })
	if st.limit > 0 && pos >= st.limit {
		return nil
	}
	st.buf = append(st.buf, nil)
	copy(st.buf[pos+1:], st.buf[pos:])
	st.buf[pos] = sm
	st.mem += sm.mem
	if st.limit > 0 && len(st.buf) > st.limit {
		st.mem -= st.buf[len(st.buf)-1].mem
		st.buf = st.buf[:len(st.buf)-1]
	}
	if st.mem > st.max {
		return errors.New(errors.ResourceExceeded,
			"Sort exceeded memory limit of %d bytes, but did not opt in to external sorting.", st.max)
	}
	return nil
}

func (s *stage) workSort(env *execEnv) (stageState, *member, error) {
	st := s.sort
	if !st.ready {
		state, m, err := s.children[0].work(env)
		if err != nil {
			return stateEOF, nil, err
		}
		switch state {
		case stateAdvanced:
			if err := st.add(m, env.collation); err != nil {
				return stateEOF, nil, err
			}
		case stateEOF:
			st.ready = true
		}
		return stateNeedTime, nil, nil
	}
	if st.pos >= len(st.buf) {
		return stateEOF, nil, nil
	}
	m := st.buf[st.pos].m
	st.pos++
	return stateAdvanced, m, nil
}

type andHashState struct {
	table  map[string]*member
	built  bool
	mem    int64
	max    int64
	source int
}

func newAndHash(maxBytes int64, children ...*stage) *stage {
	s := newStage(StageAndHash, children...)
	s.andHash = &andHashState{table: map[string]*member{}, max: maxBytes}
	return s
}

// workAndHash hashes the ids of the first child, then streams the second child through the table
func (s *stage) workAndHash(env *execEnv) (stageState, *member, error) {
	st := s.andHash
	if !st.built {
		state, m, err := s.children[0].work(env)
		if err != nil {
			return stateEOF, nil, err
		}
		switch state {
		case stateAdvanced:
			st.table[m.id] = m
			st.mem += m.size()
			if st.mem > st.max {
				return stateEOF, nil, errors.New(errors.ResourceExceeded,
					"AND_HASH exceeded memory limit of %d bytes", st.max)
			}
		case stateEOF:
			st.built = true
			if len(st.table) == 0 {
				return stateEOF, nil, nil
			}
		}
		return stateNeedTime, nil, nil
	}
	state, m, err := s.children[1].work(env)
	if err != nil || state != stateAdvanced {
		return state, nil, err
	}
	first, ok := st.table[m.id]
	if !ok {
		return stateNeedTime, nil, nil
	}
	delete(st.table, m.id)
	return stateAdvanced, mergeMembers(first, m), nil
}

func mergeMembers(a, b *member) *member {
	out := &member{id: a.id, doc: a.doc}
	if out.doc == nil {
		out.doc = b.doc
	}
	if a.keys != nil || b.keys != nil {
		out.keys = map[string]any{}
		for k, v := range a.keys {
			out.keys[k] = v
		}
		for k, v := range b.keys {
			out.keys[k] = v
		}
	}
	return out
}

type andSortedState struct {
	heads []*member
}

func newAndSorted(children ...*stage) *stage {
	s := newStage(StageAndSorted, children...)
	s.andSorted = &andSortedState{heads: make([]*member, len(children))}
	return s
}

// workAndSorted intersects children that produce members in record id order
func (s *stage) workAndSorted(env *execEnv) (stageState, *member, error) {
	st := s.andSorted
	for i, h := range st.heads {
		if h != nil {
			continue
		}
		state, m, err := s.children[i].work(env)
		if err != nil || state == stateEOF {
			return stateEOF, nil, err
		}
		if state == stateAdvanced {
			st.heads[i] = m
		}
		return stateNeedTime, nil, nil
	}
	target := st.heads[0].id
	for _, h := range st.heads[1:] {
		if h.id > target {
			target = h.id
		}
	}
	var behind bool
	for i, h := range st.heads {
		if h.id < target {
			st.heads[i] = nil
			behind = true
		}
	}
	if behind {
		return stateNeedTime, nil, nil
	}
	out := st.heads[0]
	for i, h := range st.heads {
		if i > 0 {
			out = mergeMembers(out, h)
		}
		st.heads[i] = nil
	}
	return stateAdvanced, out, nil
}

type orState struct {
	current int
	seen    map[string]struct{}
}

func newOr(children ...*stage) *stage {
	s := newStage(StageOr, children...)
	s.or = &orState{seen: map[string]struct{}{}}
	return s
}

func (s *stage) workOr(env *execEnv) (stageState, *member, error) {
	st := s.or
	if st.current >= len(s.children) {
		return stateEOF, nil, nil
	}
	state, m, err := s.children[st.current].work(env)
	if err != nil {
		return stateEOF, nil, err
	}
	switch state {
	case stateEOF:
		st.current++
		if st.current >= len(s.children) {
			return stateEOF, nil, nil
		}
		return stateNeedTime, nil, nil
	case stateNeedTime:
		return stateNeedTime, nil, nil
	}
	if _, ok := st.seen[m.id]; ok {
		return stateNeedTime, nil, nil
	}
	st.seen[m.id] = struct{}{}
	return stateAdvanced, m, nil
}

type countState struct {
	remaining int
}

func newLimit(n int, child *stage) *stage {
	s := newStage(StageLimit, child)
	s.limit = &countState{remaining: n}
	s.stats.Limit = n
	return s
}

func newSkip(n int, child *stage) *stage {
	s := newStage(StageSkip, child)
	s.skip = &countState{remaining: n}
	s.stats.Skip = n
	return s
}

func (s *stage) workLimit(env *execEnv) (stageState, *member, error) {
	if s.limit.remaining <= 0 {
		return stateEOF, nil, nil
	}
	state, m, err := s.children[0].work(env)
	if err != nil {
		return stateEOF, nil, err
	}
	if state == stateAdvanced {
		s.limit.remaining--
	}
	return state, m, nil
}

func (s *stage) workSkip(env *execEnv) (stageState, *member, error) {
	state, m, err := s.children[0].work(env)
	if err != nil || state != stateAdvanced {
		return state, nil, err
	}
	if s.skip.remaining > 0 {
		s.skip.remaining--
		return stateNeedTime, nil, nil
	}
	return stateAdvanced, m, nil
}

func newProjection(p *projection, child *stage) *stage {
	s := newStage(StageProjection, child)
	s.projection = p
	return s
}

func (s *stage) workProjection(env *execEnv) (stageState, *member, error) {
	state, m, err := s.children[0].work(env)
	if err != nil || state != stateAdvanced {
		return state, nil, err
	}
	doc, err := s.projection.apply(m)
	if err != nil {
		return stateEOF, nil, err
	}
	return stateAdvanced, &member{id: m.id, doc: doc}, nil
}
