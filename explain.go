package myquery

import (
	"context"
	"time"

	"github.com/samber/lo"
)

// Explain describes how a query was planned and what executing the winning plan cost
type Explain struct {
	Namespace          string         `json:"namespace"`
	ParsedQuery        string         `json:"parsedQuery"`
	Shape              QueryShape     `json:"queryShape"`
	QueryHash          string         `json:"queryHash"`
	PlanCacheKey       string         `json:"planCacheKey"`
	IsCached           bool           `json:"isCached"`
	CachedIsActive     bool           `json:"cachedIsActive"`
	Cacheable          bool           `json:"cacheable"`
	FromPlanCache      bool           `json:"fromPlanCache"`
	Replanned          bool           `json:"replanned"`
	ReplanReason       string         `json:"replanReason,omitempty"`
	WinningPlan        *PlanNode      `json:"winningPlan"`
	WinningPlanSummary string         `json:"winningPlanSummary"`
	RejectedPlans      []*PlanNode    `json:"rejectedPlans"`
	Trial              []trialStats   `json:"allPlansExecution,omitempty"`
	ExecutionStats     ExecutionStats `json:"executionStats"`
}

// ExecutionStats are the totals of running the winning plan to completion
type ExecutionStats struct {
	NReturned           int        `json:"nReturned"`
	ExecutionTimeMillis int64      `json:"executionTimeMillis"`
	TotalKeysExamined   int        `json:"totalKeysExamined"`
	TotalDocsExamined   int        `json:"totalDocsExamined"`
	ExecutionStages     StageStats `json:"executionStages"`
}

// explain plans the request without touching the plan cache and runs the winner to completion
func (c *collection) explain(ctx context.Context, req *request) (*Explain, error) {
	start := time.Now()
	ctx, op, finish := c.db.ops.start(ctx, c.name, opName(req), req.filter.String())
	defer finish()
	env, err := c.newEnv(ctx, op, req)
	if err != nil {
		return nil, err
	}
	defer env.release()
	sel, err := c.runner().run(env, req)
	if err != nil {
		return nil, err
	}
	out := &Explain{
		Namespace:          c.name,
		ParsedQuery:        req.filter.String(),
		Shape:              sel.key.Shape,
		QueryHash:          sel.info.QueryHash,
		PlanCacheKey:       sel.info.PlanCacheKey,
		Cacheable:          sel.cacheable,
		WinningPlan:        sel.run.node,
		WinningPlanSummary: sel.run.node.String(),
		RejectedPlans:      []*PlanNode{},
	}
	if entry, ok := c.db.cache.peek(sel.key); ok {
		out.IsCached = true
		out.CachedIsActive = entry.IsActive
	}
	if sel.trial != nil {
		for _, r := range sel.trial.runs {
			out.Trial = append(out.Trial, r.stats())
			if r != sel.trial.winner {
				out.RejectedPlans = append(out.RejectedPlans, r.node)
			}
		}
	}
	n := len(sel.run.results)
	if !sel.run.eof {
		for {
			state, _, err := sel.run.root.work(env)
			if err != nil {
				sel.run.root.close()
				return nil, err
			}
			if state == stateEOF {
				break
			}
			if state == stateAdvanced {
				n++
			}
			if err := env.maybeYield(sel.run.root); err != nil {
				sel.run.root.close()
				return nil, err
			}
		}
	}
	stages := sel.run.root.explain()
	sel.run.root.close()
	out.ExecutionStats = ExecutionStats{
		NReturned:           n,
		ExecutionTimeMillis: time.Since(start).Milliseconds(),
		TotalKeysExamined:   stages.totalKeysExamined(),
		TotalDocsExamined:   stages.totalDocsExamined(),
		ExecutionStages:     stages,
	}
	c.db.logger.Debug(ctx, "explained query", map[string]any{
		"winningPlan": out.WinningPlanSummary,
		"rejected":    lo.Map(out.RejectedPlans, func(p *PlanNode, _ int) string { return p.String() }),
	})
	return out, nil
}
