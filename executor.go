package myquery

import (
	"context"
	"time"

	"github.com/autom8ter/myquery/errors"
	"github.com/samber/lo"
)

// ExecInfo describes how the plan of a query was chosen
type ExecInfo struct {
	QueryHash     string `json:"queryHash"`
	PlanCacheKey  string `json:"planCacheKey"`
	FromPlanCache bool   `json:"fromPlanCache"`
	Replanned     bool   `json:"replanned"`
	ReplanReason  string `json:"replanReason,omitempty"`
	Candidates    int    `json:"candidates"`
	WinningPlan   string `json:"winningPlan"`
}

// selection is the chosen plan of a query together with the results it buffered while being chosen
type selection struct {
	run       *candidateRun
	trial     *trialResult
	key       PlanCacheKey
	cacheable bool
	info      ExecInfo
}

// replanningRunner runs cached plans and falls back to a fresh trial when a cached plan fails with
// ResourceExceeded before it produced its first batch
type replanningRunner struct {
	coll    *collection
	cache   *PlanCache
	planner *MultiPlanner
	logger  Logger
	metrics *metrics
}

func (c *collection) runner() *replanningRunner {
	return &replanningRunner{
		coll:    c,
		cache:   c.db.cache,
		planner: &MultiPlanner{logger: c.db.logger, metrics: c.db.metrics},
		logger:  c.db.logger,
		metrics: c.db.metrics,
	}
}

func (c *collection) newEnv(ctx context.Context, op *Operation, req *request) (*execEnv, error) {
	generation := c.generation.Load()
	catalog := c.snapshot()
	tx, err := c.db.kv.NewTx(true)
	if err != nil {
		return nil, errors.Propagate(err, "failed to start read transaction")
	}
	return &execEnv{
		ctx:        ctx,
		coll:       c,
		tx:         tx,
		catalog:    catalog,
		generation: generation,
		collation:  req.collation,
		op:         op,
		params:     c.db.params.snapshot(),
	}, nil
}

func opName(req *request) string {
	switch {
	case req.explain:
		return "explain"
	case req.countLike:
		return "count"
	case req.group != nil:
		return "aggregate"
	}
	return "find"
}

// execute plans the request and returns a cursor positioned before the first result
func (c *collection) execute(ctx context.Context, req *request) (*Cursor, error) {
	start := time.Now()
	ctx, op, finish := c.db.ops.start(ctx, c.name, opName(req), req.filter.String())
	env, err := c.newEnv(ctx, op, req)
	if err != nil {
		finish()
		return nil, err
	}
	sel, err := c.runner().run(env, req)
	if err != nil {
		env.release()
		finish()
		c.db.logger.Error(ctx, "query failed", err, map[string]any{
			"filter": req.filter.String(),
			"sort":   sortString(req.sort),
		})
		return nil, err
	}
	return newCursor(env, sel, func() {
		c.db.metrics.queryDuration.WithLabelValues(c.name, op.Op).Observe(time.Since(start).Seconds())
		finish()
	}), nil
}

func (r *replanningRunner) run(env *execEnv, req *request) (*selection, error) {
	key := planCacheKey(req, env.catalog)
	sel := &selection{
		key: key,
		info: ExecInfo{
			QueryHash:    key.Shape.Hash(),
			PlanCacheKey: key.String(),
		},
	}
	useCache := !env.params.DisablePlanCache && !req.explain && req.hint == ""
	if useCache {
		if entry, ok := r.cache.Lookup(key); ok && entry.IsActive {
			run, err := r.runCached(env, req, entry.Plan)
			switch {
			case err == nil:
				sel.run = run
				sel.info.FromPlanCache = true
				sel.info.Candidates = 1
				sel.info.WinningPlan = run.node.String()
				return sel, nil
			case errors.Is(err, errors.ResourceExceeded):
				r.cache.Remove(key)
				sel.info.Replanned = true
				sel.info.ReplanReason = "cached plan returned: " + errors.Cause(err)
				r.metrics.replans.Inc()
				r.coll.db.replans.Inc()
				r.logger.Info(env.ctx, "replanning query", map[string]any{
					"planCacheKey": sel.info.PlanCacheKey,
					"cachedPlan":   entry.PlanSummary,
					"reason":       sel.info.ReplanReason,
				})
			default:
				return nil, err
			}
		}
	}
	if err := r.choose(env, req, sel, useCache); err != nil {
		return nil, err
	}
	if useCache && sel.cacheable && sel.trial != nil && sel.trial.cacheWorthy() {
		outcome := TrialOutcome{
			Plan:     sel.trial.winner.node,
			Works:    sel.trial.winner.works(),
			Decisive: sel.trial.decisive,
		}
		if sel.info.Replanned {
			r.cache.Replace(env.ctx, key, outcome)
		} else {
			r.cache.RecordTrialOutcome(env.ctx, key, outcome)
		}
	}
	return sel, nil
}

// choose generates candidates and trials them. A single candidate runs without a trial.
func (r *replanningRunner) choose(env *execEnv, req *request, sel *selection, useCache bool) error {
	var (
		plans     []*PlanNode
		cacheable bool
	)
	if req.hint == "" && req.filter.Op == OpOr && !req.filter.isTriviallyFalse() {
		orPlan, err := r.subplan(env, req, useCache)
		if err != nil {
			return err
		}
		if orPlan != nil {
			plans = append(plans, orPlan)
		}
		plans = append(plans, collScanNode(req.filter, 1))
		cacheable = len(plans) > 1
	} else {
		set, err := (&planner{params: env.params, catalog: env.catalog}).Plan(req)
		if err != nil {
			return err
		}
		plans, cacheable = set.plans, set.cacheable
	}
	sel.cacheable = cacheable
	sel.info.Candidates = len(plans)
	if len(plans) == 1 {
		run, err := runSingle(env, plans[0], req)
		if err != nil {
			return err
		}
		sel.run = run
		sel.info.WinningPlan = run.node.String()
		return nil
	}
	trial, err := r.planner.Run(env, req, plans, r.coll.count.Load())
	if err != nil {
		return err
	}
	sel.trial = trial
	sel.run = trial.winner
	sel.info.WinningPlan = trial.winner.node.String()
	return nil
}

// runCached instantiates a cached plan shape and works it until its first batch is buffered
func (r *replanningRunner) runCached(env *execEnv, req *request, node *PlanNode) (*candidateRun, error) {
	root, err := build(env, node, req)
	if err != nil {
		return nil, err
	}
	run := &candidateRun{node: node, root: root}
	target := env.params.TrialMaxResults
	if req.limit > 0 && req.limit < target {
		target = req.limit
	}
	for !run.eof && len(run.results) < target {
		state, m, err := root.work(env)
		if err != nil {
			root.close()
			return nil, err
		}
		switch state {
		case stateAdvanced:
			run.results = append(run.results, m)
		case stateEOF:
			run.eof = true
		}
		if err := env.maybeYield(root); err != nil {
			root.close()
			return nil, err
		}
	}
	return run, nil
}

// subplan plans each branch of a rooted $or on its own, reusing active cached plans of the branches.
// It returns nil when some branch can only be answered by a collection scan.
func (r *replanningRunner) subplan(env *execEnv, req *request, useCache bool) (*PlanNode, error) {
	or := &PlanNode{Stage: StageOr}
	for i := range req.filter.Children {
		branch := req.branch(i)
		key := planCacheKey(branch, env.catalog)
		if useCache {
			if entry, ok := r.cache.Lookup(key); ok && entry.IsActive {
				if !usableBranch(entry.Plan) {
					return nil, nil
				}
				or.Children = append(or.Children, entry.Plan.clone())
				continue
			}
		}
		set, err := (&planner{params: env.params, catalog: env.catalog}).Plan(branch)
		if err != nil {
			return nil, err
		}
		winner := set.plans[0]
		if len(set.plans) > 1 {
			trial, err := r.planner.Run(env, branch, set.plans, r.coll.count.Load())
			if err != nil {
				return nil, err
			}
			winner = trial.winner.node
			trial.winner.root.close()
			if useCache && set.cacheable && trial.cacheWorthy() {
				r.cache.RecordTrialOutcome(env.ctx, key, TrialOutcome{
					Plan:     winner,
					Works:    trial.winner.works(),
					Decisive: trial.decisive,
				})
			}
		}
		if !usableBranch(winner) {
			return nil, nil
		}
		or.Children = append(or.Children, winner)
	}
	return or, nil
}

// usableBranch reports whether a branch plan avoids scanning the whole collection
func usableBranch(node *PlanNode) bool {
	return node.Stage == StageEOF || len(node.indexes()) > 0 && !lo.ContainsBy(node.Children, func(c *PlanNode) bool {
		return c.Stage == StageCollScan
	})
}
