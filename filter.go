package myquery

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/internal/encoding"
	"github.com/autom8ter/myquery/util"
	"github.com/dop251/goja"
	"github.com/samber/lo"
	"github.com/xeipuuv/gojsonschema"
)

// MatchOp is a filter operator
type MatchOp string

const (
	OpAnd         MatchOp = "$and"
	OpOr          MatchOp = "$or"
	OpNor         MatchOp = "$nor"
	OpNot         MatchOp = "$not"
	OpEq          MatchOp = "$eq"
	OpNe          MatchOp = "$ne"
	OpGt          MatchOp = "$gt"
	OpGte         MatchOp = "$gte"
	OpLt          MatchOp = "$lt"
	OpLte         MatchOp = "$lte"
	OpIn          MatchOp = "$in"
	OpNin         MatchOp = "$nin"
	OpExists      MatchOp = "$exists"
	OpWhere       MatchOp = "$where"
	OpJSONSchema  MatchOp = "$jsonSchema"
	OpAlwaysTrue  MatchOp = "$alwaysTrue"
	OpAlwaysFalse MatchOp = "$alwaysFalse"
)

// Filter is a parsed, normalized match expression tree
type Filter struct {
	Op       MatchOp
	Path     string
	Value    any
	Values   []any
	Children []*Filter

	shape  string
	where  *goja.Runtime
	whereF goja.Callable
	schema *gojsonschema.Schema
}

// valueSource resolves field paths for a record
type valueSource interface {
	lookup(path string) ([]any, bool)
	fields() map[string]any
}

type mapSource map[string]any

func (m mapSource) lookup(path string) ([]any, bool) {
	return lookupPath(m, path)
}

func (m mapSource) fields() map[string]any {
	return m
}

// ParseFilter parses a query filter document
func ParseFilter(query map[string]any) (*Filter, error) {
	normalized, err := util.JSONRoundTrip(query)
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "invalid filter")
	}
	m, _ := normalized.(map[string]any)
	f, err := parseDocument(m)
	if err != nil {
		return nil, err
	}
	return normalize(f), nil
}

func parseDocument(doc map[string]any) (*Filter, error) {
	root := &Filter{Op: OpAnd}
	for _, key := range sortedKeys(doc) {
		val := doc[key]
		switch MatchOp(key) {
		case OpAnd, OpOr, OpNor:
			arr, ok := val.([]any)
			if !ok || len(arr) == 0 {
				return nil, errors.New(errors.Validation, "%s must be a nonempty array", key)
			}
			logical := &Filter{Op: MatchOp(key)}
			for _, elem := range arr {
				sub, ok := elem.(map[string]any)
				if !ok {
					return nil, errors.New(errors.Validation, "%s entries must be objects", key)
				}
				child, err := parseDocument(sub)
				if err != nil {
					return nil, err
				}
				logical.Children = append(logical.Children, child)
			}
			root.Children = append(root.Children, logical)
		case OpWhere:
			f, err := newWhereFilter(val)
			if err != nil {
				return nil, err
			}
			root.Children = append(root.Children, f)
		case OpJSONSchema:
			f, err := newSchemaFilter(val)
			if err != nil {
				return nil, err
			}
			root.Children = append(root.Children, f)
		case OpAlwaysTrue:
			root.Children = append(root.Children, &Filter{Op: OpAlwaysTrue})
		case OpAlwaysFalse:
			root.Children = append(root.Children, &Filter{Op: OpAlwaysFalse})
		default:
			if strings.HasPrefix(key, "$") {
				return nil, errors.New(errors.Validation, "unknown top level operator: %s", key)
			}
			preds, err := parsePath(key, val)
			if err != nil {
				return nil, err
			}
			root.Children = append(root.Children, preds...)
		}
	}
	return root, nil
}

func isOperatorObject(val any) bool {
	m, ok := val.(map[string]any)
	if !ok || len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func parsePath(path string, val any) ([]*Filter, error) {
	if !isOperatorObject(val) {
		return []*Filter{{Op: OpEq, Path: path, Value: val}}, nil
	}
	ops := val.(map[string]any)
	var preds []*Filter
	for _, key := range sortedKeys(ops) {
		arg := ops[key]
		switch op := MatchOp(key); op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
			preds = append(preds, &Filter{Op: op, Path: path, Value: arg})
		case OpIn, OpNin:
			arr, ok := arg.([]any)
			if !ok {
				return nil, errors.New(errors.Validation, "%s needs an array", key)
			}
			preds = append(preds, &Filter{Op: op, Path: path, Values: arr})
		case OpExists:
			preds = append(preds, &Filter{Op: OpExists, Path: path, Value: truthy(arg)})
		case OpNot:
			if !isOperatorObject(arg) {
				return nil, errors.New(errors.Validation, "$not needs an operator object")
			}
			inner, err := parsePath(path, arg)
			if err != nil {
				return nil, err
			}
			child := &Filter{Op: OpAnd, Children: inner}
			preds = append(preds, &Filter{Op: OpNot, Path: path, Children: []*Filter{child}})
		default:
			return nil, errors.New(errors.Validation, "unknown operator: %s", key)
		}
	}
	return preds, nil
}

func truthy(v any) bool {
	switch v := v.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case nil:
		return false
	}
	return true
}

func newWhereFilter(val any) (*Filter, error) {
	code, ok := val.(string)
	if !ok || strings.TrimSpace(code) == "" {
		return nil, errors.New(errors.Validation, "$where needs a javascript string")
	}
	src := strings.TrimSpace(code)
	if !strings.HasPrefix(src, "function") {
		src = fmt.Sprintf("function() { return (%s); }", src)
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	compiled, err := vm.RunString("(" + src + ")")
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "failed to compile $where")
	}
	fn, ok := goja.AssertFunction(compiled)
	if !ok {
		return nil, errors.New(errors.Validation, "$where must evaluate to a function")
	}
	return &Filter{Op: OpWhere, Value: code, where: vm, whereF: fn}, nil
}

func newSchemaFilter(val any) (*Filter, error) {
	if _, ok := val.(map[string]any); !ok {
		return nil, errors.New(errors.Validation, "$jsonSchema needs an object")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(val))
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "invalid $jsonSchema")
	}
	return &Filter{Op: OpJSONSchema, Value: val, schema: schema}, nil
}

// normalize flattens nested conjunctions, collapses single child logical nodes and
// orders children by shape so that equivalent filters share a canonical form
func normalize(f *Filter) *Filter {
	for i, c := range f.Children {
		f.Children[i] = normalize(c)
	}
	switch f.Op {
	case OpAnd:
		var flattened []*Filter
		for _, c := range f.Children {
			if c.Op == OpAnd && c.Path == "" {
				flattened = append(flattened, c.Children...)
				continue
			}
			if c.Op == OpAlwaysTrue {
				continue
			}
			flattened = append(flattened, c)
		}
		f.Children = flattened
		for _, c := range f.Children {
			if c.Op == OpAlwaysFalse {
				return &Filter{Op: OpAlwaysFalse}
			}
		}
		if len(f.Children) == 1 && f.Path == "" {
			return f.Children[0]
		}
	case OpOr:
		var flattened []*Filter
		for _, c := range f.Children {
			if c.Op == OpOr {
				flattened = append(flattened, c.Children...)
				continue
			}
			flattened = append(flattened, c)
		}
		f.Children = flattened
		if len(f.Children) == 1 {
			return f.Children[0]
		}
	}
	sort.SliceStable(f.Children, func(i, j int) bool {
		return f.Children[i].Shape() < f.Children[j].Shape()
	})
	f.shape = ""
	return f
}

// Shape renders the filter with literal values replaced by placeholders.
// Literals that change index eligibility (null, arrays, empty $in) keep a typed placeholder.
func (f *Filter) Shape() string {
	if f.shape != "" {
		return f.shape
	}
	var s string
	switch f.Op {
	case OpAnd, OpOr, OpNor:
		parts := lo.Map(f.Children, func(c *Filter, _ int) string { return c.Shape() })
		if f.Op == OpAnd && len(parts) == 0 {
			s = "{}"
		} else {
			s = fmt.Sprintf(`{"%s":[%s]}`, f.Op, strings.Join(parts, ","))
		}
	case OpNot:
		s = fmt.Sprintf(`{"%s":{"$not":%s}}`, f.Path, f.Children[0].Shape())
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		s = fmt.Sprintf(`{"%s":{"%s":"%s"}}`, f.Path, f.Op, placeholder(f.Value))
	case OpIn, OpNin:
		ph := "?"
		switch {
		case len(f.Values) == 0:
			ph = "?empty"
		case lo.ContainsBy(f.Values, func(v any) bool { return v == nil }):
			ph = "?null"
		case lo.ContainsBy(f.Values, func(v any) bool { return encoding.TypeOf(v) == encoding.TypeArray }):
			ph = "?array"
		case lo.ContainsBy(f.Values, func(v any) bool { return encoding.TypeOf(v) == encoding.TypeObject }):
			ph = "?object"
		}
		s = fmt.Sprintf(`{"%s":{"%s":"%s"}}`, f.Path, f.Op, ph)
	case OpExists:
		s = fmt.Sprintf(`{"%s":{"$exists":%v}}`, f.Path, f.Value)
	case OpWhere:
		s = `{"$where":"?"}`
	case OpJSONSchema:
		bits, _ := json.Marshal(f.Value)
		s = fmt.Sprintf(`{"$jsonSchema":%s}`, bits)
	case OpAlwaysTrue:
		s = `{"$alwaysTrue":1}`
	case OpAlwaysFalse:
		s = `{"$alwaysFalse":1}`
	}
	f.shape = s
	return s
}

func placeholder(v any) string {
	switch encoding.TypeOf(v) {
	case encoding.TypeNull:
		return "?null"
	case encoding.TypeArray:
		return "?array"
	case encoding.TypeObject:
		return "?object"
	}
	return "?"
}

// String renders the filter with its literal values
func (f *Filter) String() string {
	return util.JSONString(f.toMap())
}

func (f *Filter) toMap() map[string]any {
	switch f.Op {
	case OpAnd, OpOr, OpNor:
		children := lo.Map(f.Children, func(c *Filter, _ int) any { return c.toMap() })
		if f.Op == OpAnd && len(children) == 0 {
			return map[string]any{}
		}
		return map[string]any{string(f.Op): children}
	case OpNot:
		return map[string]any{f.Path: map[string]any{"$not": f.Children[0].toMap()}}
	case OpIn, OpNin:
		return map[string]any{f.Path: map[string]any{string(f.Op): f.Values}}
	case OpWhere, OpJSONSchema:
		return map[string]any{string(f.Op): f.Value}
	case OpAlwaysTrue, OpAlwaysFalse:
		return map[string]any{string(f.Op): 1}
	}
	return map[string]any{f.Path: map[string]any{string(f.Op): f.Value}}
}

// isEmpty reports whether the filter matches every document
func (f *Filter) isEmpty() bool {
	return f == nil || (f.Op == OpAnd && len(f.Children) == 0) || f.Op == OpAlwaysTrue
}

// isTriviallyFalse reports whether the filter can never match
func (f *Filter) isTriviallyFalse() bool {
	if f == nil {
		return false
	}
	switch f.Op {
	case OpAlwaysFalse:
		return true
	case OpIn:
		return len(f.Values) == 0
	case OpAnd:
		return lo.ContainsBy(f.Children, func(c *Filter) bool { return c.isTriviallyFalse() })
	case OpOr:
		return lo.EveryBy(f.Children, func(c *Filter) bool { return c.isTriviallyFalse() })
	}
	return false
}

// conjuncts returns the top level predicates that must all hold
func (f *Filter) conjuncts() []*Filter {
	if f == nil {
		return nil
	}
	if f.Op == OpAnd && f.Path == "" {
		return f.Children
	}
	return []*Filter{f}
}

// Matches evaluates the filter against a record
func (f *Filter) Matches(src valueSource, coll *Collation) (bool, error) {
	switch f.Op {
	case OpAnd:
		for _, c := range f.Children {
			ok, err := c.Matches(src, coll)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, c := range f.Children {
			ok, err := c.Matches(src, coll)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNor:
		for _, c := range f.Children {
			ok, err := c.Matches(src, coll)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	case OpNot:
		ok, err := f.Children[0].Matches(src, coll)
		return !ok, err
	case OpAlwaysTrue:
		return true, nil
	case OpAlwaysFalse:
		return false, nil
	case OpWhere:
		res, err := f.whereF(f.where.ToValue(src.fields()))
		if err != nil {
			return false, errors.Wrap(err, errors.Validation, "$where failed")
		}
		return res.ToBoolean(), nil
	case OpJSONSchema:
		result, err := f.schema.Validate(gojsonschema.NewGoLoader(src.fields()))
		if err != nil {
			return false, errors.Wrap(err, errors.Validation, "$jsonSchema failed")
		}
		return result.Valid(), nil
	}
	values, found := src.lookup(f.Path)
	switch f.Op {
	case OpExists:
		return found == f.Value.(bool), nil
	case OpEq:
		return matchEq(values, found, f.Value, coll), nil
	case OpNe:
		return !matchEq(values, found, f.Value, coll), nil
	case OpIn:
		return matchIn(values, found, f.Values, coll), nil
	case OpNin:
		return !matchIn(values, found, f.Values, coll), nil
	case OpGt, OpGte, OpLt, OpLte:
		return matchRange(f.Op, values, found, f.Value, coll), nil
	}
	return false, errors.New(errors.Internal, "unsupported operator: %s", f.Op)
}

func matchEq(values []any, found bool, target any, coll *Collation) bool {
	if target == nil && !found {
		return true
	}
	for _, v := range values {
		if valuesEqual(v, target, coll) {
			return true
		}
	}
	return false
}

func matchIn(values []any, found bool, targets []any, coll *Collation) bool {
	for _, t := range targets {
		if matchEq(values, found, t, coll) {
			return true
		}
	}
	return false
}

func matchRange(op MatchOp, values []any, found bool, target any, coll *Collation) bool {
	if target == nil {
		if op == OpGte || op == OpLte {
			return matchEq(values, found, nil, coll)
		}
		return false
	}
	tt := encoding.TypeOf(target)
	for _, v := range values {
		if encoding.TypeOf(v) != tt {
			continue
		}
		c := compareValues(v, target, coll)
		switch {
		case op == OpGt && c > 0, op == OpGte && c >= 0, op == OpLt && c < 0, op == OpLte && c <= 0:
			return true
		}
	}
	return false
}

// paths returns every field path referenced by the filter
func (f *Filter) paths() []string {
	var out []string
	var walk func(*Filter)
	walk = func(n *Filter) {
		if n.Path != "" {
			out = append(out, n.Path)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	if f != nil {
		walk(f)
	}
	return lo.Uniq(out)
}

// needsDocument reports whether the filter can only be evaluated against a full document
func (f *Filter) needsDocument() bool {
	if f == nil {
		return false
	}
	if f.Op == OpWhere || f.Op == OpJSONSchema {
		return true
	}
	return lo.ContainsBy(f.Children, func(c *Filter) bool { return c.needsDocument() })
}

// comparesNull reports whether a predicate on path matches missing fields
func (f *Filter) comparesNull(path string) bool {
	if f == nil {
		return false
	}
	if f.Path == path {
		switch f.Op {
		case OpEq, OpGte, OpLte:
			if f.Value == nil {
				return true
			}
		case OpIn:
			if lo.Contains(f.Values, nil) {
				return true
			}
		case OpExists:
			return !f.Value.(bool)
		case OpNe, OpNin, OpNot:
			return true
		}
	}
	return lo.ContainsBy(f.Children, func(c *Filter) bool { return c.comparesNull(path) })
}

// comparesStrings reports whether any literal compared against path is a string
func (f *Filter) comparesStrings(path string) bool {
	if f == nil {
		return false
	}
	if f.Path == path {
		if encoding.TypeOf(f.Value) == encoding.TypeString {
			return true
		}
		if lo.ContainsBy(f.Values, func(v any) bool { return encoding.TypeOf(v) == encoding.TypeString }) {
			return true
		}
	}
	return lo.ContainsBy(f.Children, func(c *Filter) bool { return c.comparesStrings(path) })
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
