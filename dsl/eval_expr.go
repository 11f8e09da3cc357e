package dsl

import (
	"fmt"

	"github.com/forgebuild/forge/ferr"
)

func (ev *Evaluator) evalExpr(e Expr, scope *env) (any, error) {
	switch n := e.(type) {
	case StringLit:
		return n.Value, nil
	case NumberLit:
		return n.Value, nil
	case BoolLit:
		return n.Value, nil
	case NullLit:
		return nil, nil
	case Ident:
		if v, ok := scope.get(n.Name); ok {
			return v, nil
		}
		return nil, ferr.New(ferr.CategoryParse, "undefined_ident", fmt.Sprintf("undefined identifier %q", n.Name))
	case ArrayLit:
		out := make([]any, 0, len(n.Elements))
		for _, el := range n.Elements {
			v, err := ev.evalExpr(el, scope)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case MapLit:
		out := make(map[string]any, len(n.Keys))
		for i, k := range n.Keys {
			v, err := ev.evalExpr(n.Values[i], scope)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case UnaryExpr:
		v, err := ev.evalExpr(n.Operand, scope)
		if err != nil {
			return nil, err
		}
		f, ok := v.(float64)
		if !ok {
			return nil, ferr.New(ferr.CategoryParse, "type_error", "unary '-' requires a number")
		}
		return -f, nil
	case BinaryExpr:
		return ev.evalBinary(n, scope)
	case TernaryExpr:
		cond, err := ev.evalExpr(n.Cond, scope)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return ev.evalExpr(n.Then, scope)
		}
		return ev.evalExpr(n.Else, scope)
	case MemberExpr:
		target, err := ev.evalExpr(n.Target, scope)
		if err != nil {
			return nil, err
		}
		m, ok := target.(map[string]any)
		if !ok {
			return nil, ferr.New(ferr.CategoryParse, "type_error", fmt.Sprintf("member access on non-map value for field %q", n.Field))
		}
		return m[n.Field], nil
	case IndexExpr:
		return ev.evalIndex(n, scope)
	case SliceExpr:
		return ev.evalSlice(n, scope)
	case CallExpr:
		return ev.evalCall(n, scope)
	case LambdaExpr:
		return n, nil // closures are returned as themselves; evalCall does not invoke a lambda value
	default:
		return nil, ferr.New(ferr.CategoryParse, "unknown_expr", fmt.Sprintf("unrecognized expression %T", e))
	}
}

func (ev *Evaluator) evalIndex(n IndexExpr, scope *env) (any, error) {
	target, err := ev.evalExpr(n.Target, scope)
	if err != nil {
		return nil, err
	}
	idx, err := ev.evalExpr(n.Index, scope)
	if err != nil {
		return nil, err
	}
	switch t := target.(type) {
	case []any:
		i, err := indexFor(idx, len(t))
		if err != nil {
			return nil, err
		}
		return t[i], nil
	case string:
		i, err := indexFor(idx, len(t))
		if err != nil {
			return nil, err
		}
		return string(t[i]), nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, ferr.New(ferr.CategoryParse, "type_error", "map index must be a string")
		}
		return t[key], nil
	default:
		return nil, ferr.New(ferr.CategoryParse, "type_error", "value is not indexable")
	}
}

func indexFor(idx any, length int) (int, error) {
	f, ok := idx.(float64)
	if !ok {
		return 0, ferr.New(ferr.CategoryParse, "type_error", "index must be a number")
	}
	i := int(f)
	if i < 0 {
		i += length
	}
	if i < 0 || i >= length {
		return 0, ferr.New(ferr.CategoryParse, "index_out_of_range", fmt.Sprintf("index %d out of range for length %d", i, length))
	}
	return i, nil
}

func (ev *Evaluator) evalSlice(n SliceExpr, scope *env) (any, error) {
	target, err := ev.evalExpr(n.Target, scope)
	if err != nil {
		return nil, err
	}

	resolveBound := func(e Expr, def int, length int) (int, error) {
		if e == nil {
			return def, nil
		}
		v, err := ev.evalExpr(e, scope)
		if err != nil {
			return 0, err
		}
		f, ok := v.(float64)
		if !ok {
			return 0, ferr.New(ferr.CategoryParse, "type_error", "slice bound must be a number")
		}
		i := int(f)
		if i < 0 {
			i += length
		}
		if i < 0 {
			i = 0
		}
		if i > length {
			i = length
		}
		return i, nil
	}

	switch t := target.(type) {
	case []any:
		start, err := resolveBound(n.Start, 0, len(t))
		if err != nil {
			return nil, err
		}
		end, err := resolveBound(n.End, len(t), len(t))
		if err != nil {
			return nil, err
		}
		if start > end {
			start = end
		}
		return append([]any(nil), t[start:end]...), nil
	case string:
		start, err := resolveBound(n.Start, 0, len(t))
		if err != nil {
			return nil, err
		}
		end, err := resolveBound(n.End, len(t), len(t))
		if err != nil {
			return nil, err
		}
		if start > end {
			start = end
		}
		return t[start:end], nil
	default:
		return nil, ferr.New(ferr.CategoryParse, "type_error", "value is not sliceable")
	}
}

func (ev *Evaluator) evalCall(n CallExpr, scope *env) (any, error) {
	ident, ok := n.Callee.(Ident)
	if !ok {
		return nil, ferr.New(ferr.CategoryParse, "not_callable", "call target must be a named function")
	}

	args := make([]any, len(n.Args))
	for i, a := range n.Args {
		v, err := ev.evalExpr(a, scope)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	if builtin, ok := builtins[ident.Name]; ok {
		return builtin(ev, scope, args)
	}

	fn, ok := scope.findFn(ident.Name)
	if !ok {
		return nil, ferr.New(ferr.CategoryParse, "undefined_fn", fmt.Sprintf("undefined function %q", ident.Name))
	}
	callScope := newEnv(scope)
	for i, p := range fn.Params {
		if i < len(args) {
			callScope.vars[p] = args[i]
		}
	}
	var result any
	for _, s := range fn.Body {
		if expr, ok := s.(ExprStmt); ok {
			v, err := ev.evalExpr(expr.Value, callScope)
			if err != nil {
				return nil, err
			}
			result = v
			continue
		}
		if err := ev.execStmt(s, callScope); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (ev *Evaluator) evalBinary(n BinaryExpr, scope *env) (any, error) {
	left, err := ev.evalExpr(n.Left, scope)
	if err != nil {
		return nil, err
	}

	// Short-circuit boolean operators.
	if n.Op == TokOr && truthy(left) {
		return true, nil
	}
	if n.Op == TokAnd && !truthy(left) {
		return false, nil
	}

	right, err := ev.evalExpr(n.Right, scope)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case TokOr:
		return truthy(left) || truthy(right), nil
	case TokAnd:
		return truthy(left) && truthy(right), nil
	case TokEq:
		return equalValues(left, right), nil
	case TokNeq:
		return !equalValues(left, right), nil
	}

	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if lok && rok {
		switch n.Op {
		case TokLt:
			return lf < rf, nil
		case TokLte:
			return lf <= rf, nil
		case TokGt:
			return lf > rf, nil
		case TokGte:
			return lf >= rf, nil
		case TokPlus:
			return lf + rf, nil
		case TokMinus:
			return lf - rf, nil
		case TokStar:
			return lf * rf, nil
		case TokSlash:
			return lf / rf, nil
		case TokPercent:
			return float64(int64(lf) % int64(rf)), nil
		}
	}

	ls, lsok := left.(string)
	rs, rsok := right.(string)
	if n.Op == TokPlus && lsok && rsok {
		return ls + rs, nil
	}

	return nil, ferr.New(ferr.CategoryParse, "type_error", fmt.Sprintf("incompatible operands for operator %v", n.Op))
}

func equalValues(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

type builtinFn func(ev *Evaluator, scope *env, args []any) (any, error)

var builtins = map[string]builtinFn{
	"glob": func(ev *Evaluator, scope *env, args []any) (any, error) {
		if len(args) < 1 {
			return nil, ferr.New(ferr.CategoryParse, "arity", "glob requires at least a pattern argument")
		}
		pattern, ok := args[0].(string)
		if !ok {
			return nil, ferr.New(ferr.CategoryParse, "type_error", "glob pattern must be a string")
		}
		root, _ := scope.get("__source_root")
		dir, _ := root.(string)
		if len(args) > 1 {
			if d, ok := args[1].(string); ok {
				dir = d
			}
		}
		matches, err := Glob(pattern, dir)
		if err != nil {
			return nil, fmt.Errorf("dsl: glob(%q, %q): %w", pattern, dir, err)
		}
		out := make([]any, len(matches))
		for i, m := range matches {
			out[i] = m
		}
		return out, nil
	},
}
