package myquery

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/autom8ter/myquery/internal/encoding"
	"github.com/spf13/cast"
)

// compareValues orders two decoded json values by canonical type bracket and then by value
func compareValues(a, b any, coll *Collation) int {
	ta, tb := encoding.TypeOf(a), encoding.TypeOf(b)
	if ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	switch ta {
	case encoding.TypeNull:
		return 0
	case encoding.TypeNumber:
		fa, fb := cast.ToFloat64(a), cast.ToFloat64(b)
		switch {
		case math.IsNaN(fa) && math.IsNaN(fb):
			return 0
		case math.IsNaN(fa):
			return -1
		case math.IsNaN(fb):
			return 1
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case encoding.TypeString:
		return coll.compareStrings(a.(string), b.(string))
	case encoding.TypeBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case encoding.TypeArray:
		aa, ab := a.([]any), b.([]any)
		for i := 0; i < len(aa) && i < len(ab); i++ {
			if c := compareValues(aa[i], ab[i], coll); c != 0 {
				return c
			}
		}
		return compareInts(len(aa), len(ab))
	default:
		return compareObjects(a, b, coll)
	}
}

func compareObjects(a, b any, coll *Collation) int {
	ma, oka := a.(map[string]any)
	mb, okb := b.(map[string]any)
	if !oka || !okb {
		ja, _ := json.Marshal(a)
		jb, _ := json.Marshal(b)
		return strings.Compare(string(ja), string(jb))
	}
	ka, kb := sortedKeys(ma), sortedKeys(mb)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := strings.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := compareValues(ma[ka[i]], mb[kb[i]], coll); c != 0 {
			return c
		}
	}
	return compareInts(len(ka), len(kb))
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func valuesEqual(a, b any, coll *Collation) bool {
	return compareValues(a, b, coll) == 0
}

// lookupPath resolves a dot notation path against a document. Arrays along the path are traversed
// element by element and a terminal array contributes both itself and its elements.
// found reports whether any value (including null) exists at the path.
func lookupPath(doc map[string]any, path string) (values []any, found bool) {
	collectPath(doc, strings.Split(path, "."), &values, &found)
	return values, found
}

func collectPath(current any, parts []string, values *[]any, found *bool) {
	if len(parts) == 0 {
		*found = true
		*values = append(*values, current)
		if arr, ok := current.([]any); ok {
			*values = append(*values, arr...)
		}
		return
	}
	switch node := current.(type) {
	case map[string]any:
		next, ok := node[parts[0]]
		if !ok {
			return
		}
		collectPath(next, parts[1:], values, found)
	case []any:
		if idx, err := strconv.Atoi(parts[0]); err == nil {
			if idx >= 0 && idx < len(node) {
				collectPath(node[idx], parts[1:], values, found)
			}
			return
		}
		for _, elem := range node {
			if _, ok := elem.(map[string]any); ok {
				collectPath(elem, parts, values, found)
			}
		}
	}
}

// sortValue picks the value used to order a document by path: the smallest element for ascending
// sorts and the largest element for descending sorts. Missing paths sort as null.
func sortValue(values []any, desc bool, coll *Collation) any {
	var (
		chosen any
		set    bool
	)
	for _, v := range values {
		if arr, ok := v.([]any); ok && len(arr) > 0 {
			continue
		}
		if !set {
			chosen, set = v, true
			continue
		}
		c := compareValues(v, chosen, coll)
		if (!desc && c < 0) || (desc && c > 0) {
			chosen = v
		}
	}
	return chosen
}

func approxSize(v any) int64 {
	bits, _ := json.Marshal(v)
	return int64(len(bits))
}
