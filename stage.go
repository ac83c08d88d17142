package myquery

import (
	"context"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/kv"
	"github.com/samber/lo"
)

// StageKind tags a plan stage
type StageKind string

const (
	StageCollScan   StageKind = "COLLSCAN"
	StageIxScan     StageKind = "IXSCAN"
	StageFetch      StageKind = "FETCH"
	StageFilter     StageKind = "FILTER"
	StageSort       StageKind = "SORT"
	StageLimit      StageKind = "LIMIT"
	StageSkip       StageKind = "SKIP"
	StageAndSorted  StageKind = "AND_SORTED"
	StageAndHash    StageKind = "AND_HASH"
	StageOr         StageKind = "OR"
	StageProjection StageKind = "PROJECTION"
	StageGroup      StageKind = "GROUP"
	StageEOF        StageKind = "EOF"
)

type stageState int

const (
	stateAdvanced stageState = iota
	stateNeedTime
	stateEOF
)

// member is a record flowing between stages. Covered members carry index values instead of a document.
type member struct {
	id   string
	doc  map[string]any
	keys map[string]any
}

func (m *member) lookup(path string) ([]any, bool) {
	if m.doc != nil {
		return lookupPath(m.doc, path)
	}
	v, ok := m.keys[path]
	if !ok {
		return nil, false
	}
	return []any{v}, true
}

func (m *member) fields() map[string]any {
	if m.doc != nil {
		return m.doc
	}
	doc, err := newDocumentFromFlat(m.keys)
	if err != nil {
		return m.keys
	}
	return doc.Value()
}

func (m *member) size() int64 {
	if m.doc != nil {
		return approxSize(m.doc)
	}
	return approxSize(m.keys) + int64(len(m.id))
}

// StageStats are the execution statistics of one stage and its children
type StageStats struct {
	Stage        StageKind           `json:"stage"`
	Index        string              `json:"indexName,omitempty"`
	KeyPattern   string              `json:"keyPattern,omitempty"`
	Direction    string              `json:"direction,omitempty"`
	Bounds       map[string][]string `json:"indexBounds,omitempty"`
	Filter       string              `json:"filter,omitempty"`
	SortPattern  string              `json:"sortPattern,omitempty"`
	Limit        int                 `json:"limitAmount,omitempty"`
	Skip         int                 `json:"skipAmount,omitempty"`
	Works        int                 `json:"works"`
	Advanced     int                 `json:"advanced"`
	NeedTime     int                 `json:"needTime"`
	KeysExamined int                 `json:"keysExamined"`
	DocsExamined int                 `json:"docsExamined"`
	MemUsage     int64               `json:"memUsage,omitempty"`
	IsEOF        bool                `json:"isEOF"`
	Children     []StageStats        `json:"inputStages,omitempty"`
}

// stage is a node of an executable plan. Each kind keeps its state in its own field and
// work, saveState, restoreState and close dispatch on kind.
type stage struct {
	kind     StageKind
	children []*stage
	stats    StageStats

	collScan   *collScanState
	ixScan     *ixScanState
	filter     *Filter
	sort       *sortState
	limit      *countState
	skip       *countState
	andSorted  *andSortedState
	andHash    *andHashState
	or         *orState
	projection *projection
	group      *groupState
}

func newStage(kind StageKind, children ...*stage) *stage {
	return &stage{kind: kind, children: children, stats: StageStats{Stage: kind}}
}

// execEnv is the environment shared by every stage of the plans of one operation
type execEnv struct {
	ctx        context.Context
	coll       *collection
	tx         kv.Tx
	catalog    *catalogSnapshot
	generation uint64
	collation  *Collation
	op         *Operation
	params     Parameters

	sinceYield int
}

// work advances the stage by one unit
func (s *stage) work(env *execEnv) (stageState, *member, error) {
	s.stats.Works++
	var (
		state stageState
		m     *member
		err   error
	)
	switch s.kind {
	case StageCollScan:
		state, m, err = s.workCollScan(env)
	case StageIxScan:
		state, m, err = s.workIxScan(env)
	case StageFetch:
		state, m, err = s.workFetch(env)
	case StageFilter:
		state, m, err = s.workFilter(env)
	case StageSort:
		state, m, err = s.workSort(env)
	case StageLimit:
		state, m, err = s.workLimit(env)
	case StageSkip:
		state, m, err = s.workSkip(env)
	case StageAndSorted:
		state, m, err = s.workAndSorted(env)
	case StageAndHash:
		state, m, err = s.workAndHash(env)
	case StageOr:
		state, m, err = s.workOr(env)
	case StageProjection:
		state, m, err = s.workProjection(env)
	case StageGroup:
		state, m, err = s.workGroup(env)
	case StageEOF:
		state = stateEOF
	default:
		return stateEOF, nil, errors.New(errors.Internal, "unknown stage: %s", s.kind)
	}
	if err != nil {
		return stateEOF, nil, err
	}
	switch state {
	case stateAdvanced:
		s.stats.Advanced++
	case stateNeedTime:
		s.stats.NeedTime++
	case stateEOF:
		s.stats.IsEOF = true
	}
	return state, m, nil
}

// saveState releases storage resources before a yield
func (s *stage) saveState() {
	switch s.kind {
	case StageCollScan:
		s.collScan.release()
	case StageIxScan:
		s.ixScan.release()
	}
	for _, c := range s.children {
		c.saveState()
	}
}

// restoreState verifies the plan survived the yield. Scans reopen their iterators lazily.
func (s *stage) restoreState(env *execEnv) error {
	if env.coll.generation.Load() != env.generation {
		return errors.New(errors.PlanKilled, "collection %s was dropped during query execution", env.coll.name)
	}
	if s.kind == StageIxScan {
		current, ok := env.coll.snapshot().get(s.ixScan.index.Name)
		if !ok || current.BuildID != s.ixScan.index.BuildID {
			return errors.New(errors.PlanKilled, "index %s was dropped during query execution", s.ixScan.index.Name)
		}
	}
	for _, c := range s.children {
		if err := c.restoreState(env); err != nil {
			return err
		}
	}
	return nil
}

func (s *stage) close() {
	s.saveState()
}

// explain collects the statistics of the subtree
func (s *stage) explain() StageStats {
	out := s.stats
	switch s.kind {
	case StageSort:
		out.MemUsage = s.sort.mem
	case StageGroup:
		out.MemUsage = s.group.mem
	case StageAndHash:
		out.MemUsage = s.andHash.mem
	}
	out.Children = lo.Map(s.children, func(c *stage, _ int) StageStats { return c.explain() })
	return out
}

func (s StageStats) totalKeysExamined() int {
	return s.KeysExamined + lo.SumBy(s.Children, func(c StageStats) int { return c.totalKeysExamined() })
}

func (s StageStats) totalDocsExamined() int {
	return s.DocsExamined + lo.SumBy(s.Children, func(c StageStats) int { return c.totalDocsExamined() })
}

// yield releases the read transaction of the operation, checks for interruption and resumes the plans
func (env *execEnv) yield(roots ...*stage) error {
	for _, r := range roots {
		r.saveState()
	}
	if err := env.checkInterrupt(); err != nil {
		return err
	}
	env.tx.Rollback(env.ctx)
	tx, err := env.coll.db.kv.NewTx(true)
	if err != nil {
		return errors.Propagate(err, "failed to resume read transaction")
	}
	env.tx = tx
	for _, r := range roots {
		if err := r.restoreState(env); err != nil {
			return err
		}
	}
	env.sinceYield = 0
	return nil
}

// maybeYield yields once the operation has done yieldIterations units of work
func (env *execEnv) maybeYield(roots ...*stage) error {
	env.sinceYield++
	if env.params.YieldIterations <= 0 || env.sinceYield < env.params.YieldIterations {
		return nil
	}
	return env.yield(roots...)
}

func (env *execEnv) checkInterrupt() error {
	if env.op != nil && env.op.killed.Load() {
		return errors.New(errors.Interrupted, "operation %s was interrupted", env.op.ID)
	}
	if err := env.ctx.Err(); err != nil {
		return errors.Wrap(err, errors.Interrupted, "operation was interrupted")
	}
	return nil
}

func (env *execEnv) release() {
	if env.tx != nil {
		env.tx.Rollback(env.ctx)
		env.tx = nil
	}
}
