package myquery

import (
	"sort"

	"github.com/autom8ter/myquery/errors"
	"github.com/samber/lo"
)

// candidateRun is a candidate plan under trial together with the results it has buffered
type candidateRun struct {
	order   int
	node    *PlanNode
	root    *stage
	results []*member
	eof     bool
	err     error
}

func (c *candidateRun) works() int {
	return c.root.stats.Works
}

func (c *candidateRun) productivity() float64 {
	if c.works() == 0 {
		return 0
	}
	return float64(len(c.results)) / float64(c.works())
}

func (c *candidateRun) examined() int {
	stats := c.root.explain()
	return stats.totalKeysExamined() + stats.totalDocsExamined()
}

// sortSatisfied reports whether the plan avoids a blocking sort
func (c *candidateRun) sortSatisfied() bool {
	var walk func(s *stage) bool
	walk = func(s *stage) bool {
		if s.kind == StageSort {
			return false
		}
		return lo.EveryBy(s.children, walk)
	}
	return walk(c.root)
}

// trialResult is the outcome of a multi plan trial
type trialResult struct {
	winner *candidateRun
	// ranked holds every candidate that did not fail, best first
	ranked []*candidateRun
	runs   []*candidateRun
	// decisive is set when the winner beat the runner up by the instant activation ratio
	decisive bool
}

// cacheWorthy reports whether the winner proved itself. A winner without results that did not
// finish says nothing about the query.
func (t *trialResult) cacheWorthy() bool {
	return t.winner.eof || len(t.winner.results) > 0
}

// MultiPlanner runs candidate plans round robin under a shared work budget and picks a winner
type MultiPlanner struct {
	logger  Logger
	metrics *metrics
}

// Run trials the candidates. Every candidate is instantiated from its plan shape for req.
func (mp *MultiPlanner) Run(env *execEnv, req *request, plans []*PlanNode, collectionSize int64) (*trialResult, error) {
	t := &trialResult{}
	for i, node := range plans {
		root, err := build(env, node, req)
		if err != nil {
			closeRuns(t.runs)
			return nil, err
		}
		t.runs = append(t.runs, &candidateRun{order: i, node: node, root: root})
	}
	if mp.metrics != nil {
		mp.metrics.trials.Inc()
	}
	var (
		target  = env.params.TrialMaxResults
		budget  = env.params.TrialMaxWorks
		quantum = env.params.TrialWorkQuantum
	)
	if req.limit > 0 && req.limit < target {
		target = req.limit
	}
	if scaled := int(env.params.TrialCollectionFraction * float64(collectionSize)); scaled > budget {
		budget = scaled
	}
	if quantum < 1 {
		quantum = 1
	}
	for !t.done(target, budget) {
		for _, run := range t.runs {
			if run.err != nil || run.eof {
				continue
			}
			if err := mp.workQuantum(env, t, run, quantum, target); err != nil {
				closeRuns(t.runs)
				return nil, err
			}
		}
	}
	if err := t.pick(env.params.InstantActivationRatio); err != nil {
		closeRuns(t.runs)
		return nil, err
	}
	for _, run := range t.runs {
		if run != t.winner {
			run.root.close()
		}
	}
	mp.logger.Debug(env.ctx, "multi plan trial finished", map[string]any{
		"winner":     t.winner.node.String(),
		"candidates": len(t.runs),
		"works":      t.winner.works(),
		"results":    len(t.winner.results),
	})
	return t, nil
}

func (mp *MultiPlanner) workQuantum(env *execEnv, t *trialResult, run *candidateRun, quantum, target int) error {
	for q := 0; q < quantum; q++ {
		if len(run.results) >= target {
			return nil
		}
		state, m, err := run.root.work(env)
		if err != nil {
			if errors.Is(err, errors.PlanKilled) || errors.Is(err, errors.Interrupted) {
				return err
			}
			run.err = err
			run.root.close()
			mp.logger.Debug(env.ctx, "candidate plan failed", map[string]any{
				"plan":  run.node.String(),
				"error": errors.Cause(err),
			})
			return nil
		}
		switch state {
		case stateAdvanced:
			run.results = append(run.results, m)
		case stateEOF:
			run.eof = true
		}
		if err := env.maybeYield(t.liveRoots()...); err != nil {
			return err
		}
		if run.eof {
			return nil
		}
	}
	return nil
}

func (t *trialResult) liveRoots() []*stage {
	var out []*stage
	for _, r := range t.runs {
		if r.err == nil {
			out = append(out, r.root)
		}
	}
	return out
}

// done ends the trial once a candidate finished or filled the target, every candidate spent the
// budget or at most one candidate is left
func (t *trialResult) done(target, budget int) bool {
	alive := lo.Filter(t.runs, func(r *candidateRun, _ int) bool { return r.err == nil })
	if len(alive) <= 1 {
		return true
	}
	for _, r := range alive {
		if r.eof || len(r.results) >= target {
			return true
		}
	}
	return lo.EveryBy(alive, func(r *candidateRun) bool { return r.works() >= budget })
}

// better orders candidates: finished first, then results per work, then fewer keys and documents
// examined, then covered plans, then plans without a blocking sort, then enumeration order
func better(a, b *candidateRun) bool {
	if a.eof != b.eof {
		return a.eof
	}
	if pa, pb := a.productivity(), b.productivity(); pa != pb {
		return pa > pb
	}
	if ea, eb := a.examined(), b.examined(); ea != eb {
		return ea < eb
	}
	if ca, cb := a.node.covered(), b.node.covered(); ca != cb {
		return ca
	}
	if sa, sb := a.sortSatisfied(), b.sortSatisfied(); sa != sb {
		return sa
	}
	return a.order < b.order
}

func (t *trialResult) pick(instantRatio float64) error {
	t.ranked = lo.Filter(t.runs, func(r *candidateRun, _ int) bool { return r.err == nil })
	if len(t.ranked) == 0 {
		return allFailed(t.runs)
	}
	sort.SliceStable(t.ranked, func(i, j int) bool { return better(t.ranked[i], t.ranked[j]) })
	t.winner = t.ranked[0]
	if instantRatio > 0 && len(t.ranked) > 1 {
		runnerUp := t.ranked[1].productivity()
		winner := t.winner.productivity()
		t.decisive = winner > 0 && (runnerUp == 0 || winner/runnerUp >= instantRatio)
	}
	return nil
}

// allFailed surfaces the most informative candidate error. Memory limit failures win over others.
func allFailed(runs []*candidateRun) error {
	var cause error
	for _, r := range runs {
		if r.err == nil {
			continue
		}
		if cause == nil || (errors.Is(r.err, errors.ResourceExceeded) && !errors.Is(cause, errors.ResourceExceeded)) {
			cause = r.err
		}
	}
	if cause == nil {
		return errors.New(errors.Internal, "all candidate plans failed")
	}
	code := errors.Extract(cause).Code
	if code == 0 {
		code = errors.Internal
	}
	return errors.New(code, "all candidate plans failed: %s", errors.Cause(cause))
}

func closeRuns(runs []*candidateRun) {
	for _, r := range runs {
		r.root.close()
	}
}

// trialStats summarizes one candidate for explain output
type trialStats struct {
	Plan         string     `json:"plan"`
	Works        int        `json:"works"`
	Advanced     int        `json:"advanced"`
	KeysExamined int        `json:"totalKeysExamined"`
	DocsExamined int        `json:"totalDocsExamined"`
	IsEOF        bool       `json:"isEOF"`
	Failed       bool       `json:"failed"`
	Error        string     `json:"error,omitempty"`
	Score        float64    `json:"score"`
	Stages       StageStats `json:"executionStages"`
}

func (c *candidateRun) stats() trialStats {
	stages := c.root.explain()
	out := trialStats{
		Plan:         c.node.String(),
		Works:        c.works(),
		Advanced:     len(c.results),
		KeysExamined: stages.totalKeysExamined(),
		DocsExamined: stages.totalDocsExamined(),
		IsEOF:        c.eof,
		Failed:       c.err != nil,
		Score:        c.productivity(),
		Stages:       stages,
	}
	if c.err != nil {
		out.Error = errors.Cause(c.err)
	}
	return out
}

// runSingle instantiates a plan without a trial
func runSingle(env *execEnv, node *PlanNode, req *request) (*candidateRun, error) {
	root, err := build(env, node, req)
	if err != nil {
		return nil, err
	}
	return &candidateRun{node: node, root: root}, nil
}
