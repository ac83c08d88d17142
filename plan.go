package myquery

import (
	"fmt"
	"strings"

	"github.com/autom8ter/myquery/errors"
	"github.com/samber/lo"
)

// NaturalHint forces a collection scan
const NaturalHint = "$natural"

// PlanNode is the cacheable shape of a plan's data access: which indexes are scanned, in which
// direction and how their results are combined. Literal bounds are not part of it and are derived
// from each query when the plan is instantiated.
type PlanNode struct {
	Stage     StageKind   `json:"stage"`
	Index     string      `json:"index,omitempty"`
	Direction int         `json:"direction,omitempty"`
	Children  []*PlanNode `json:"children,omitempty"`
}

// String summarizes the plan, for example FETCH(IXSCAN a_1)
func (p *PlanNode) String() string {
	var label string
	switch p.Stage {
	case StageIxScan:
		label = fmt.Sprintf("IXSCAN %s", p.Index)
		if p.Direction < 0 {
			label += " backward"
		}
	case StageCollScan:
		label = "COLLSCAN"
		if p.Direction < 0 {
			label += " backward"
		}
	default:
		label = string(p.Stage)
	}
	if len(p.Children) == 0 {
		return label
	}
	return fmt.Sprintf("%s(%s)", label, strings.Join(lo.Map(p.Children, func(c *PlanNode, _ int) string {
		return c.String()
	}), ", "))
}

func (p *PlanNode) clone() *PlanNode {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Children = lo.Map(p.Children, func(c *PlanNode, _ int) *PlanNode { return c.clone() })
	return &cp
}

// covered reports whether the plan answers the query from index keys alone
func (p *PlanNode) covered() bool {
	if p.Stage == StageFetch || p.Stage == StageCollScan {
		return false
	}
	return lo.EveryBy(p.Children, func(c *PlanNode) bool { return c.covered() })
}

// indexes lists the indexes the plan scans
func (p *PlanNode) indexes() []string {
	var out []string
	if p.Index != "" {
		out = append(out, p.Index)
	}
	for _, c := range p.Children {
		out = append(out, c.indexes()...)
	}
	return lo.Uniq(out)
}

func collScanNode(filter *Filter, direction int) *PlanNode {
	scan := &PlanNode{Stage: StageCollScan, Direction: direction}
	if filter.isEmpty() {
		return scan
	}
	return &PlanNode{Stage: StageFilter, Children: []*PlanNode{scan}}
}

func fetchNode(child *PlanNode, exact bool, filter *Filter) *PlanNode {
	fetch := &PlanNode{Stage: StageFetch, Children: []*PlanNode{child}}
	if exact || filter.isEmpty() {
		return fetch
	}
	return &PlanNode{Stage: StageFilter, Children: []*PlanNode{fetch}}
}

// instantiate builds an executable access tree from a plan shape for the given filter
func instantiate(env *execEnv, node *PlanNode, filter *Filter, needKeys bool) (*stage, error) {
	children := func(f *Filter, keys bool) ([]*stage, error) {
		var out []*stage
		for _, c := range node.Children {
			s, err := instantiate(env, c, f, keys)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	switch node.Stage {
	case StageEOF:
		return newStage(StageEOF), nil
	case StageCollScan:
		return newCollScan(node.Direction), nil
	case StageIxScan:
		idx, ok := env.catalog.get(node.Index)
		if !ok {
			return nil, errors.New(errors.PlanKilled, "index %s no longer exists", node.Index)
		}
		bounds := computeBounds(idx, filter, env.collation)
		return newIxScan(env, idx, bounds, node.Direction, needKeys), nil
	case StageFetch:
		kids, err := children(filter, false)
		if err != nil {
			return nil, err
		}
		return newStage(StageFetch, kids...), nil
	case StageFilter:
		kids, err := children(filter, needKeys)
		if err != nil {
			return nil, err
		}
		return newFilter(filter, kids[0]), nil
	case StageAndSorted, StageAndHash:
		kids, err := children(filter, needKeys)
		if err != nil {
			return nil, err
		}
		// sorted intersection relies on every scan visiting a single key prefix in record id order
		pointScans := lo.EveryBy(kids, func(k *stage) bool {
			return k.kind == StageIxScan && k.ixScan.bounds.allPoints(k.ixScan.index.Collation)
		})
		if node.Stage == StageAndSorted && pointScans {
			return newAndSorted(kids...), nil
		}
		return newAndHash(env.params.MaxBlockingSortBytes, kids...), nil
	case StageOr:
		if filter.Op != OpOr || len(filter.Children) != len(node.Children) {
			return nil, errors.New(errors.Internal, "plan %s does not match filter %s", node, filter)
		}
		var kids []*stage
		for i, c := range node.Children {
			s, err := instantiate(env, c, filter.Children[i], needKeys)
			if err != nil {
				return nil, err
			}
			kids = append(kids, s)
		}
		return newOr(kids...), nil
	}
	return nil, errors.New(errors.Internal, "unexpected stage in access plan: %s", node.Stage)
}

// providesSort reports whether the access tree outputs members in the requested order
func providesSort(s *stage, req *request) bool {
	if len(req.sort) == 0 {
		return true
	}
	switch s.kind {
	case StageEOF:
		return true
	case StageFetch, StageFilter:
		return providesSort(s.children[0], req)
	case StageIxScan:
		x := s.ixScan
		return x.bounds.providesSort(x.index, req.sort, x.direction, req.collation)
	}
	return false
}

// decorate adds the per query stages above the access tree: sort, skip, limit, projection and group
func decorate(env *execEnv, access *stage, req *request) *stage {
	root := access
	if !providesSort(access, req) {
		topK := 0
		if req.limit > 0 {
			topK = req.skip + req.limit
		}
		root = newSort(req.sort, topK, env.params.MaxBlockingSortBytes, root)
	}
	if req.skip > 0 {
		root = newSkip(req.skip, root)
	}
	if req.limit > 0 {
		root = newLimit(req.limit, root)
	}
	if req.projection != nil && !req.countLike {
		root = newProjection(req.projection, root)
	}
	if req.group != nil {
		root = newGroup(req.group, env.params.MaxGroupBytes, root)
	}
	return root
}

// build instantiates and decorates a plan
func build(env *execEnv, node *PlanNode, req *request) (*stage, error) {
	access, err := instantiate(env, node, req.filter, true)
	if err != nil {
		return nil, err
	}
	return decorate(env, access, req), nil
}
