package precondition

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"actionline/internal/domain"
)

// ErrNotSatisfied is returned by Check when an expression evaluates to false.
var ErrNotSatisfied = errors.New("precondition not satisfied")

// Env maps root names (components, user) to their values.
type Env map[string]any

type Expr struct {
	src  string
	root node
}

func (e *Expr) String() string { return e.src }

// Eval runs the expression. A result that is not a boolean is an error.
func (e *Expr) Eval(env Env) (bool, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression must evaluate to a boolean, got %T", v)
	}
	return b, nil
}

// Evaluate parses and runs src in one step.
func Evaluate(src string, env Env) (bool, error) {
	e, err := Parse(src)
	if err != nil {
		return false, err
	}
	return e.Eval(env)
}

// Check evaluates src against a project's components. An empty expression
// always holds.
func Check(src string, components map[string]any) error {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	ok, err := Evaluate(src, Env{"components": components})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotSatisfied
	}
	return nil
}

type node interface {
	eval(env Env) (any, error)
}

type literal struct{ v any }

func (l literal) eval(Env) (any, error) { return l.v, nil }

type listNode struct{ items []node }

func (l listNode) eval(env Env) (any, error) {
	out := make([]any, 0, len(l.items))
	for _, it := range l.items {
		v, err := it.eval(env)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type orNode struct{ left, right node }

func (n orNode) eval(env Env) (any, error) {
	l, err := evalBool(n.left, env)
	if err != nil || l {
		return l, err
	}
	return evalBool(n.right, env)
}

type andNode struct{ left, right node }

func (n andNode) eval(env Env) (any, error) {
	l, err := evalBool(n.left, env)
	if err != nil || !l {
		return l, err
	}
	return evalBool(n.right, env)
}

type notNode struct{ inner node }

func (n notNode) eval(env Env) (any, error) {
	v, err := evalBool(n.inner, env)
	return !v, err
}

func evalBool(n node, env Env) (bool, error) {
	v, err := n.eval(env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("boolean operand required, got %T", v)
	}
	return b, nil
}

type step struct {
	name  string
	index node
}

type pathNode struct {
	root  string
	steps []step
}

func (n pathNode) eval(env Env) (any, error) {
	cur, ok := env[n.root]
	if !ok {
		return nil, fmt.Errorf("%s is not available here", n.root)
	}
	var names []string
	flush := func() error {
		if len(names) == 0 {
			return nil
		}
		v, found := lookup(cur, names)
		if !found {
			return fmt.Errorf("%s.%s not found", n.root, strings.Join(names, "."))
		}
		cur = v
		names = nil
		return nil
	}
	for _, s := range n.steps {
		if s.index == nil {
			names = append(names, s.name)
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		key, err := s.index.eval(env)
		if err != nil {
			return nil, err
		}
		v, err := index(cur, key)
		if err != nil {
			return nil, err
		}
		cur = v
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cur, nil
}

type getNode struct {
	path string
	def  node
}

func (n getNode) eval(env Env) (any, error) {
	parts := strings.Split(n.path, ".")
	if root, ok := env[parts[0]]; ok && Roots[parts[0]] {
		if v, found := lookup(root, parts[1:]); found {
			return v, nil
		}
	}
	if n.def == nil {
		return nil, nil
	}
	return n.def.eval(env)
}

// lookup walks segs through nested maps. Map keys may themselves contain dots
// (component ids like demo.counter), so the longest joined prefix that is a
// key wins, falling back to shorter ones.
func lookup(cur any, segs []string) (any, bool) {
	if len(segs) == 0 {
		return cur, true
	}
	switch c := cur.(type) {
	case map[string]any:
		for i := len(segs); i >= 1; i-- {
			v, ok := c[strings.Join(segs[:i], ".")]
			if !ok {
				continue
			}
			if r, ok := lookup(v, segs[i:]); ok {
				return r, true
			}
		}
	case map[string]string:
		if len(segs) >= 1 {
			if v, ok := c[strings.Join(segs, ".")]; ok {
				return v, true
			}
		}
	case []any:
		i, err := strconv.Atoi(segs[0])
		if err == nil && i >= 0 && i < len(c) {
			return lookup(c[i], segs[1:])
		}
	}
	return nil, false
}

func index(cur, key any) (any, error) {
	switch c := cur.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("map index must be a string, got %T", key)
		}
		v, ok := c[k]
		if !ok {
			return nil, fmt.Errorf("key %q not found", k)
		}
		return v, nil
	case []any:
		f, ok := domain.ToFloat(key)
		if !ok || f != float64(int(f)) {
			return nil, fmt.Errorf("list index must be an integer")
		}
		i := int(f)
		if i < 0 {
			i += len(c)
		}
		if i < 0 || i >= len(c) {
			return nil, fmt.Errorf("list index %d out of range", int(f))
		}
		return c[i], nil
	}
	return nil, fmt.Errorf("cannot index %T", cur)
}

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) eval(env Env) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
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
		ok, err := contains(r, l)
		return !ok, err
	}
	c, err := order(l, r)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return nil, fmt.Errorf("unknown operator %s", n.op)
}

func equal(a, b any) bool {
	if _, isBool := a.(bool); !isBool {
		if af, ok := domain.ToFloat(a); ok {
			bf, ok := domain.ToFloat(b)
			return ok && af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func order(a, b any) (int, error) {
	if af, ok := domain.ToFloat(a); ok {
		if bf, ok := domain.ToFloat(b); ok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("cannot order %T and %T", a, b)
}

func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, e := range c {
			if equal(e, item) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		for _, e := range c {
			if e == s {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		k, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("map membership needs a string key, got %T", item)
		}
		_, found := c[k]
		return found, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("string membership needs a string, got %T", item)
		}
		return strings.Contains(c, s), nil
	}
	return false, fmt.Errorf("cannot test membership in %T", container)
}
