package dsl

import (
	"testing"

	"github.com/forgebuild/forge/ferr"
)

func parseOne(t *testing.T, src string) Stmt {
	t.Helper()
	p, err := NewParser("test.bf", src, ferr.FailFast)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	f, err := p.ParseFile()
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(f.Stmts) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(f.Stmts))
	}
	return f.Stmts[0]
}

func TestParseLetStmt(t *testing.T) {
	s := parseOne(t, `let x = 1 + 2;`)
	let, ok := s.(LetStmt)
	if !ok {
		t.Fatalf("expected LetStmt, got %T", s)
	}
	if let.Name != "x" || let.Const {
		t.Fatalf("unexpected LetStmt: %+v", let)
	}
	bin, ok := let.Value.(BinaryExpr)
	if !ok || bin.Op != TokPlus {
		t.Fatalf("expected additive BinaryExpr, got %+v", let.Value)
	}
}

func TestParseConstStmt(t *testing.T) {
	s := parseOne(t, `const y = "hi";`)
	let, ok := s.(LetStmt)
	if !ok || !let.Const {
		t.Fatalf("expected const LetStmt, got %+v", s)
	}
}

// The precedence table under test: ternary=3, ||=4, &&=5, equality=6,
// relational=7, additive=8, multiplicative=9.
func TestOperatorPrecedenceMultiplicationBindsTighterThanAddition(t *testing.T) {
	s := parseOne(t, `let x = 1 + 2 * 3;`)
	top := s.(LetStmt).Value.(BinaryExpr)
	if top.Op != TokPlus {
		t.Fatalf("expected top-level '+', got %v", top.Op)
	}
	right := top.Right.(BinaryExpr)
	if right.Op != TokStar {
		t.Fatalf("expected nested '*', got %v", right.Op)
	}
}

func TestOperatorPrecedenceAndBindsTighterThanOr(t *testing.T) {
	s := parseOne(t, `let x = a || b && c;`)
	top := s.(LetStmt).Value.(BinaryExpr)
	if top.Op != TokOr {
		t.Fatalf("expected top-level '||', got %v", top.Op)
	}
	right := top.Right.(BinaryExpr)
	if right.Op != TokAnd {
		t.Fatalf("expected nested '&&', got %v", right.Op)
	}
}

func TestOperatorPrecedenceEqualityBindsTighterThanAnd(t *testing.T) {
	s := parseOne(t, `let x = a && b == c;`)
	top := s.(LetStmt).Value.(BinaryExpr)
	if top.Op != TokAnd {
		t.Fatalf("expected top-level '&&', got %v", top.Op)
	}
	right := top.Right.(BinaryExpr)
	if right.Op != TokEq {
		t.Fatalf("expected nested '==', got %v", right.Op)
	}
}

func TestOperatorPrecedenceRelationalBindsTighterThanEquality(t *testing.T) {
	s := parseOne(t, `let x = a == b < c;`)
	top := s.(LetStmt).Value.(BinaryExpr)
	if top.Op != TokEq {
		t.Fatalf("expected top-level '==', got %v", top.Op)
	}
	right := top.Right.(BinaryExpr)
	if right.Op != TokLt {
		t.Fatalf("expected nested '<', got %v", right.Op)
	}
}

func TestOperatorsLeftAssociative(t *testing.T) {
	s := parseOne(t, `let x = 1 - 2 - 3;`)
	top := s.(LetStmt).Value.(BinaryExpr)
	if top.Op != TokMinus {
		t.Fatalf("expected '-' at top, got %v", top.Op)
	}
	left, ok := top.Left.(BinaryExpr)
	if !ok || left.Op != TokMinus {
		t.Fatalf("expected left-nested '-', got %+v", top.Left)
	}
}

func TestParseTernaryIsRightAssociative(t *testing.T) {
	s := parseOne(t, `let x = a ? b : c ? d : e;`)
	top := s.(LetStmt).Value.(TernaryExpr)
	if _, ok := top.Else.(TernaryExpr); !ok {
		t.Fatalf("expected right-associative nested ternary in Else, got %+v", top.Else)
	}
}

func TestParseTargetBlock(t *testing.T) {
	s := parseOne(t, `target("foo") { language: "go"; sources: ["a.go", "b.go"]; deps: [] }`)
	blk, ok := s.(BlockStmt)
	if !ok || blk.Kind != "target" || blk.Name != "foo" {
		t.Fatalf("expected target BlockStmt named foo, got %+v", s)
	}
	if len(blk.FieldOrder) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(blk.FieldOrder))
	}
}

func TestParseRepositoryBlockSharesShape(t *testing.T) {
	s := parseOne(t, `repository("deps") { url: "https://example.com/repo.git"; ref: "main" }`)
	blk, ok := s.(BlockStmt)
	if !ok || blk.Kind != "repository" || blk.Name != "deps" {
		t.Fatalf("expected repository BlockStmt named deps, got %+v", s)
	}
}

func TestParseBlockRejectsDuplicateField(t *testing.T) {
	_, err := NewParser("test.bf", `target("foo") { language: "go"; language: "rust" }`, ferr.FailFast)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	p, _ := NewParser("test.bf", `target("foo") { language: "go"; language: "rust" }`, ferr.FailFast)
	if _, err := p.ParseFile(); err == nil {
		t.Fatal("expected duplicate field error")
	}
}

func TestParseFnAndCall(t *testing.T) {
	s := parseOne(t, `fn add(a, b) { a + b }`)
	fn, ok := s.(FnStmt)
	if !ok || fn.Name != "add" || len(fn.Params) != 2 {
		t.Fatalf("unexpected FnStmt: %+v", s)
	}
}

func TestParseIfElse(t *testing.T) {
	s := parseOne(t, `if (x == 1) { let y = 2; } else { let y = 3; }`)
	ifs, ok := s.(IfStmt)
	if !ok || len(ifs.Then) != 1 || len(ifs.Else) != 1 {
		t.Fatalf("unexpected IfStmt: %+v", s)
	}
}

func TestParseForLoop(t *testing.T) {
	s := parseOne(t, `for (x in items) { let y = x; }`)
	fs, ok := s.(ForStmt)
	if !ok || fs.Var != "x" {
		t.Fatalf("unexpected ForStmt: %+v", s)
	}
}

func TestParseIndexAndSliceAndMember(t *testing.T) {
	s := parseOne(t, `let x = a.b[0][1:2];`)
	let := s.(LetStmt)
	sl, ok := let.Value.(SliceExpr)
	if !ok {
		t.Fatalf("expected outer SliceExpr, got %T", let.Value)
	}
	idx, ok := sl.Target.(IndexExpr)
	if !ok {
		t.Fatalf("expected IndexExpr target, got %T", sl.Target)
	}
	if _, ok := idx.Target.(MemberExpr); !ok {
		t.Fatalf("expected MemberExpr target, got %T", idx.Target)
	}
}

// CollectAll policy should yield partial results alongside the error list.
func TestParseFileCollectAllReturnsPartialResults(t *testing.T) {
	p, err := NewParser("test.bf", `let x = 1; let = ; let y = 2;`, ferr.CollectAll)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	f, err := p.ParseFile()
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if len(f.Stmts) < 1 {
		t.Fatalf("expected at least one successfully-parsed statement, got %d", len(f.Stmts))
	}
}
