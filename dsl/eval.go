package dsl

import (
	"fmt"

	"github.com/forgebuild/forge/ferr"
	"github.com/forgebuild/forge/graph"
)

// RepositoryDecl is the evaluated form of a `repository(...)` statement.
type RepositoryDecl struct {
	Name string
	URL  string
	Ref  string
	Raw  map[string]any
}

// Workspace is the result of evaluating one or more parsed Files: the
// graph builder accumulating targets, plus any repository declarations
// for the forge.Fetcher to resolve.
type Workspace struct {
	Graph        *graph.Builder
	Repositories []RepositoryDecl
}

// env is a lexical scope for let/const bindings and declared functions.
type env struct {
	parent *env
	vars   map[string]any
	fns    map[string]FnStmt
}

func newEnv(parent *env) *env {
	return &env{parent: parent, vars: make(map[string]any), fns: make(map[string]FnStmt)}
}

func (e *env) get(name string) (any, bool) {
	for cur := e; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (e *env) findFn(name string) (FnStmt, bool) {
	for cur := e; cur != nil; cur = cur.parent {
		if fn, ok := cur.fns[name]; ok {
			return fn, true
		}
	}
	return FnStmt{}, false
}

// Evaluator walks a parsed File's statements and builds a Workspace.
type Evaluator struct {
	root *env
	ws   *Workspace
}

// NewEvaluator creates an Evaluator with glob's source root bound for the
// builtin glob() function.
func NewEvaluator(sourceRoot string) *Evaluator {
	root := newEnv(nil)
	root.vars["__source_root"] = sourceRoot
	return &Evaluator{root: root, ws: &Workspace{Graph: graph.NewBuilder()}}
}

// Eval executes every statement in f against the accumulating Workspace.
func (ev *Evaluator) Eval(f *File) error {
	return ev.execBlock(f.Stmts, ev.root)
}

// Workspace returns the accumulated result. Call after Eval for every
// File in the build (targets may depend across files).
func (ev *Evaluator) Workspace() *Workspace { return ev.ws }

func (ev *Evaluator) execBlock(stmts []Stmt, scope *env) error {
	for _, s := range stmts {
		if err := ev.execStmt(s, scope); err != nil {
			return err
		}
	}
	return nil
}

func (ev *Evaluator) execStmt(s Stmt, scope *env) error {
	switch st := s.(type) {
	case LetStmt:
		v, err := ev.evalExpr(st.Value, scope)
		if err != nil {
			return err
		}
		scope.vars[st.Name] = v
		return nil
	case FnStmt:
		scope.fns[st.Name] = st
		return nil
	case MacroStmt:
		scope.fns[st.Name] = FnStmt{Name: st.Name, Params: st.Params, Body: st.Body}
		return nil
	case IfStmt:
		cond, err := ev.evalExpr(st.Cond, scope)
		if err != nil {
			return err
		}
		if truthy(cond) {
			return ev.execBlock(st.Then, newEnv(scope))
		}
		return ev.execBlock(st.Else, newEnv(scope))
	case ForStmt:
		iterable, err := ev.evalExpr(st.Iterable, scope)
		if err != nil {
			return err
		}
		items, ok := iterable.([]any)
		if !ok {
			return ferr.New(ferr.CategoryParse, "not_iterable", fmt.Sprintf("for-loop value is not an array"))
		}
		for _, item := range items {
			loopScope := newEnv(scope)
			loopScope.vars[st.Var] = item
			if err := ev.execBlock(st.Body, loopScope); err != nil {
				return err
			}
		}
		return nil
	case ImportStmt:
		// import is accepted and ignored: it loads nothing and records
		// nothing, and each File is evaluated in the order the caller
		// passes it.
		return nil
	case BlockStmt:
		return ev.execBlock2(st, scope)
	case ExprStmt:
		_, err := ev.evalExpr(st.Value, scope)
		return err
	default:
		return ferr.New(ferr.CategoryParse, "unknown_stmt", fmt.Sprintf("unrecognized statement %T", s))
	}
}

func (ev *Evaluator) execBlock2(block BlockStmt, scope *env) error {
	fields := make(map[string]any, len(block.Fields))
	for _, k := range block.FieldOrder {
		v, err := ev.evalExpr(block.Fields[k], scope)
		if err != nil {
			return err
		}
		fields[k] = v
	}

	switch block.Kind {
	case "target":
		return ev.addTarget(block.Name, fields)
	case "repository":
		return ev.addRepository(block.Name, fields)
	default:
		return ferr.New(ferr.CategoryParse, "unknown_block", fmt.Sprintf("unknown block kind %q", block.Kind))
	}
}

func (ev *Evaluator) addTarget(name string, fields map[string]any) error {
	t := graph.Target{Name: name, Type: graph.TargetLibrary, Config: fields}
	if v, ok := fields["type"].(string); ok {
		t.Type = graph.TargetType(v)
	}
	if v, ok := fields["language"].(string); ok {
		t.Language = v
	}
	t.Sources = toStringSlice(fields["sources"])
	t.DepNames = toStringSlice(fields["deps"])
	return ev.ws.Graph.AddTarget(t)
}

func (ev *Evaluator) addRepository(name string, fields map[string]any) error {
	decl := RepositoryDecl{Name: name, Raw: fields}
	if v, ok := fields["url"].(string); ok {
		decl.URL = v
	}
	if v, ok := fields["ref"].(string); ok {
		decl.Ref = v
	}
	ev.ws.Repositories = append(ev.ws.Repositories, decl)
	return nil
}

func toStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
