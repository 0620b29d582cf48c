package expression

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

func (n *pathNode) eval(vars map[string]any) (any, error) {
	v, _ := lookupSegments(vars, n.segments)
	return v, nil
}

func (n *listNode) eval(vars map[string]any) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval(vars)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (n *unaryNode) eval(vars map[string]any) (any, error) {
	v, err := n.x.eval(vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("operator ! needs a boolean, got %T", v)
		}
		return !b, nil
	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("operator - needs a number, got %T", v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown operator %s", n.op)
}

func (n *binaryNode) eval(vars map[string]any) (any, error) {
	l, err := n.l.eval(vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "&&", "||":
		lb, ok := l.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s needs booleans, got %T", n.op, l)
		}
		if n.op == "&&" && !lb {
			return false, nil
		}
		if n.op == "||" && lb {
			return true, nil
		}
		r, err := n.r.eval(vars)
		if err != nil {
			return nil, err
		}
		rb, ok := r.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s needs booleans, got %T", n.op, r)
		}
		return rb, nil
	}

	r, err := n.r.eval(vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "in":
		return contains(r, l)
	case "not in":
		in, err := contains(r, l)
		return !in, err
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r)
	}
	return nil, fmt.Errorf("unknown operator %s", n.op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case nil:
		return false, nil
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		for _, item := range h {
			if equal(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("cannot test %T in string", needle)
		}
		return strings.Contains(h, s), nil
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("cannot test %T in map", needle)
		}
		_, found := h[s]
		return found, nil
	}
	return false, fmt.Errorf("operator in needs a list, string or map, got %T", haystack)
}

func compare(op string, l, r any) (bool, error) {
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		if !ok {
			return false, fmt.Errorf("cannot compare number with %T", r)
		}
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		}
		return lf >= rf, nil
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if !lok || !rok {
		return false, fmt.Errorf("cannot order %T and %T", l, r)
	}
	c := strings.Compare(ls, rs)
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	}
	return c >= 0, nil
}

// Lookup resolves a dotted path such as "requester.manager" or "lines.0.sku"
// inside vars.
func Lookup(vars map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return lookupSegments(vars, strings.Split(path, "."))
}

func lookupSegments(vars map[string]any, segments []string) (any, bool) {
	var cur any = vars
	for _, seg := range segments {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
