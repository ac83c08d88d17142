package myquery

import (
	"github.com/autom8ter/myquery/errors"
	"github.com/samber/lo"
)

// planner enumerates candidate plans for a query against a catalog snapshot
type planner struct {
	params  Parameters
	catalog *catalogSnapshot
}

// candidateSet is the result of candidate generation
type candidateSet struct {
	plans []*PlanNode
	// cacheable is false for hinted, trivially false and single candidate queries
	cacheable bool
}

// Plan generates the candidate plans of a query. A collection scan is always the last candidate.
func (p *planner) Plan(req *request) (*candidateSet, error) {
	if req.hint != "" {
		return p.planHint(req)
	}
	if req.filter.isTriviallyFalse() {
		return &candidateSet{plans: []*PlanNode{{Stage: StageEOF}}}, nil
	}
	var (
		plans    []*PlanNode
		relevant []*Index
		bounds   = map[string]*indexBounds{}
	)
	for _, idx := range p.catalog.indexes {
		if !eligible(idx, req) {
			continue
		}
		b := computeBounds(idx, req.filter, req.collation)
		if b.isEmpty() {
			return &candidateSet{plans: []*PlanNode{{Stage: StageEOF}}}, nil
		}
		direction, sorts := sortDirection(idx, b, req)
		if !b.leadingBounded() && !(sorts && len(req.sort) > 0) {
			continue
		}
		bounds[idx.Name] = b
		if b.leadingBounded() {
			relevant = append(relevant, idx)
		}
		plans = append(plans, indexPlan(idx, b, direction, req))
	}
	plans = append(plans, p.intersectionPlans(req, relevant, bounds)...)
	if keep := p.params.MaxCandidates - 1; len(plans) > keep {
		plans = plans[:keep]
	}
	plans = append(plans, collScanNode(req.filter, 1))
	set := &candidateSet{plans: plans, cacheable: len(plans) > 1}
	return set, nil
}

func (p *planner) planHint(req *request) (*candidateSet, error) {
	if req.hint == NaturalHint {
		return &candidateSet{plans: []*PlanNode{collScanNode(req.filter, 1)}}, nil
	}
	idx, ok := p.catalog.get(req.hint)
	if !ok {
		return nil, errors.New(errors.InvalidHint, "hint provided does not correspond to an existing index: %s", req.hint)
	}
	if req.filter.isTriviallyFalse() {
		return &candidateSet{plans: []*PlanNode{{Stage: StageEOF}}}, nil
	}
	b := computeBounds(idx, req.filter, req.collation)
	direction, _ := sortDirection(idx, b, req)
	return &candidateSet{plans: []*PlanNode{indexPlan(idx, b, direction, req)}}, nil
}

// eligible reports whether idx can answer the query without missing documents
func eligible(idx *Index, req *request) bool {
	if idx.partial != nil && !partialFilterImplied(req.filter, idx.partial, req.collation) {
		return false
	}
	if idx.Sparse && lo.ContainsBy(idx.paths(), req.filter.comparesNull) {
		return false
	}
	return true
}

// sortDirection picks the scan direction that yields the requested order, if any
func sortDirection(idx *Index, b *indexBounds, req *request) (int, bool) {
	if len(req.sort) == 0 {
		return 1, false
	}
	if b.providesSort(idx, req.sort, 1, req.collation) {
		return 1, true
	}
	if b.providesSort(idx, req.sort, -1, req.collation) {
		return -1, true
	}
	return 1, false
}

// indexPlan scans one index. The fetch is skipped when the index keys answer the query.
func indexPlan(idx *Index, b *indexBounds, direction int, req *request) *PlanNode {
	scan := &PlanNode{Stage: StageIxScan, Index: idx.Name, Direction: direction}
	if coversQuery(idx, b, req) {
		return scan
	}
	return fetchNode(scan, b.exact, req.filter)
}

func coversQuery(idx *Index, b *indexBounds, req *request) bool {
	if idx.Multikey || !b.exact || req.group != nil {
		return false
	}
	if !req.countLike && !req.projection.coveredBy(idx) {
		return false
	}
	paths := idx.paths()
	return lo.EveryBy(req.sort, func(s SortField) bool { return lo.Contains(paths, s.Field) })
}

// intersectionPlans pairs indexes whose bounds restrict their leading field
func (p *planner) intersectionPlans(req *request, relevant []*Index, bounds map[string]*indexBounds) []*PlanNode {
	var plans []*PlanNode
	for i := 0; i < len(relevant); i++ {
		for j := i + 1; j < len(relevant); j++ {
			a, b := relevant[i], relevant[j]
			if lo.Contains(a.paths(), b.Fields[0].Field) && lo.Contains(b.paths(), a.Fields[0].Field) {
				continue
			}
			scans := []*PlanNode{
				{Stage: StageIxScan, Index: a.Name, Direction: 1},
				{Stage: StageIxScan, Index: b.Name, Direction: 1},
			}
			if p.params.EnableSortedIntersection &&
				bounds[a.Name].allPoints(a.Collation) && bounds[b.Name].allPoints(b.Collation) {
				plans = append(plans, fetchNode(&PlanNode{Stage: StageAndSorted, Children: scans}, false, req.filter))
				continue
			}
			if p.params.EnableHashIntersection {
				plans = append(plans, fetchNode(&PlanNode{Stage: StageAndHash, Children: scans}, false, req.filter))
			}
		}
	}
	return plans
}
