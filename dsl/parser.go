package dsl

import (
	"fmt"
	"strconv"

	"github.com/forgebuild/forge/ferr"
)

// precedence table: ternary=3, ||=4, &&=5, equality=6,
// relational=7, additive=8, multiplicative=9. All binary operators are
// left-associative; ternary is handled separately as it is not a binary
// infix operator.
func precedenceOf(k TokenKind) int {
	switch k {
	case TokOr:
		return 4
	case TokAnd:
		return 5
	case TokEq, TokNeq:
		return 6
	case TokLt, TokLte, TokGt, TokGte:
		return 7
	case TokPlus, TokMinus:
		return 8
	case TokStar, TokSlash, TokPercent:
		return 9
	default:
		return 0
	}
}

const ternaryPrecedence = 3

// Parser implements a Pratt expression parser plus a recursive-descent
// statement parser over the token stream the lexer produces.
type Parser struct {
	file   string
	tokens []Token
	pos    int
	policy ferr.AggregationPolicy
	agg    *ferr.Aggregator
}

// NewParser builds a Parser for src, aggregating parse errors under the
// caller-selected policy.
func NewParser(file, src string, policy ferr.AggregationPolicy) (*Parser, error) {
	tokens, err := Tokenize(file, src)
	if err != nil {
		return nil, err
	}
	return &Parser{file: file, tokens: tokens, policy: policy, agg: ferr.NewAggregator(policy)}, nil
}

func (p *Parser) cur() Token  { return p.tokens[p.pos] }
func (p *Parser) peekAt(n int) Token {
	if p.pos+n >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+n]
}

func (p *Parser) advance() Token {
	t := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) expect(kind TokenKind, what string) (Token, error) {
	if p.cur().Kind != kind {
		return Token{}, p.errorf("expected %s, found %s", what, p.cur())
	}
	return p.advance(), nil
}

func (p *Parser) errorf(format string, args ...any) *ferr.Error {
	return ferr.New(ferr.CategoryParse, "syntax", fmt.Sprintf("%s:%d:%d: %s", p.file, p.cur().Line, p.cur().Column, fmt.Sprintf(format, args...)))
}

// ParseFile parses the whole token stream into a File. Depending on the
// aggregation policy, it may return a partially-populated File alongside
// a non-nil error.
func (p *Parser) ParseFile() (*File, error) {
	f := &File{Path: p.file}
	for p.cur().Kind != TokEOF {
		stmt, err := p.parseStmt()
		if err != nil {
			fe, ok := err.(*ferr.Error)
			if !ok {
				fe = ferr.New(ferr.CategoryParse, "syntax", err.Error())
			}
			if stop := p.agg.Add(fe); stop {
				return f, p.agg
			}
			p.recoverToStmtBoundary()
			continue
		}
		f.Stmts = append(f.Stmts, stmt)
	}
	if p.agg.HasErrors() {
		return f, p.agg
	}
	return f, nil
}

// recoverToStmtBoundary skips tokens until the next statement-starting
// keyword or EOF, used under CollectAll/StopAtFatal to keep parsing after
// a syntax error.
func (p *Parser) recoverToStmtBoundary() {
	for p.cur().Kind != TokEOF {
		switch p.cur().Kind {
		case TokKwLet, TokKwConst, TokKwFn, TokKwMacro, TokKwIf, TokKwFor, TokKwImport, TokKwTarget, TokKwRepository:
			return
		}
		p.advance()
	}
}

func (p *Parser) parseStmt() (Stmt, error) {
	switch p.cur().Kind {
	case TokKwLet, TokKwConst:
		return p.parseLet()
	case TokKwFn:
		return p.parseFn()
	case TokKwMacro:
		return p.parseMacro()
	case TokKwIf:
		return p.parseIf()
	case TokKwFor:
		return p.parseFor()
	case TokKwImport:
		return p.parseImport()
	case TokKwTarget, TokKwRepository:
		return p.parseBlock()
	default:
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		p.consumeOptional(TokSemicolon)
		return ExprStmt{Value: expr}, nil
	}
}

func (p *Parser) consumeOptional(kind TokenKind) {
	if p.cur().Kind == kind {
		p.advance()
	}
}

func (p *Parser) parseLet() (Stmt, error) {
	isConst := p.cur().Kind == TokKwConst
	p.advance()
	name, err := p.expect(TokIdent, "identifier")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokAssign, "'='"); err != nil {
		return nil, err
	}
	value, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	p.consumeOptional(TokSemicolon)
	return LetStmt{Name: name.Text, Value: value, Const: isConst}, nil
}

func (p *Parser) parseParamList() ([]string, error) {
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	var params []string
	for p.cur().Kind != TokRParen {
		id, err := p.expect(TokIdent, "parameter name")
		if err != nil {
			return nil, err
		}
		params = append(params, id.Text)
		if p.cur().Kind == TokComma {
			p.advance()
		}
	}
	p.advance() // ')'
	return params, nil
}

func (p *Parser) parseBody() ([]Stmt, error) {
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return nil, err
	}
	var body []Stmt
	for p.cur().Kind != TokRBrace && p.cur().Kind != TokEOF {
		s, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		body = append(body, s)
	}
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return body, nil
}

func (p *Parser) parseFn() (Stmt, error) {
	p.advance()
	name, err := p.expect(TokIdent, "function name")
	if err != nil {
		return nil, err
	}
	params, err := p.parseParamList()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	return FnStmt{Name: name.Text, Params: params, Body: body}, nil
}

func (p *Parser) parseMacro() (Stmt, error) {
	p.advance()
	name, err := p.expect(TokIdent, "macro name")
	if err != nil {
		return nil, err
	}
	params, err := p.parseParamList()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	return MacroStmt{Name: name.Text, Params: params, Body: body}, nil
}

func (p *Parser) parseIf() (Stmt, error) {
	p.advance()
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return nil, err
	}
	thenBody, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	var elseBody []Stmt
	if p.cur().Kind == TokKwElse {
		p.advance()
		elseBody, err = p.parseBody()
		if err != nil {
			return nil, err
		}
	}
	return IfStmt{Cond: cond, Then: thenBody, Else: elseBody}, nil
}

func (p *Parser) parseFor() (Stmt, error) {
	p.advance()
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	v, err := p.expect(TokIdent, "loop variable")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokKwIn, "'in'"); err != nil {
		return nil, err
	}
	iterable, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return nil, err
	}
	body, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	return ForStmt{Var: v.Text, Iterable: iterable, Body: body}, nil
}

func (p *Parser) parseImport() (Stmt, error) {
	p.advance()
	path, err := p.expect(TokString, "import path string")
	if err != nil {
		return nil, err
	}
	p.consumeOptional(TokSemicolon)
	return ImportStmt{Path: path.Text}, nil
}

// parseBlock parses `target("name") { field: expr; ... }` and the
// identically-shaped `repository(...)` statement.
func (p *Parser) parseBlock() (Stmt, error) {
	kind := "target"
	if p.cur().Kind == TokKwRepository {
		kind = "repository"
	}
	p.advance()
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	name, err := p.expect(TokString, "name string")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return nil, err
	}

	block := BlockStmt{Kind: kind, Name: name.Text, Fields: make(map[string]Expr)}
	for p.cur().Kind != TokRBrace && p.cur().Kind != TokEOF {
		key, err := p.expect(TokIdent, "field name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokColon, "':'"); err != nil {
			return nil, err
		}
		value, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, exists := block.Fields[key.Text]; exists {
			return nil, p.errorf("duplicate field %q", key.Text)
		}
		block.Fields[key.Text] = value
		block.FieldOrder = append(block.FieldOrder, key.Text)
		p.consumeOptional(TokSemicolon)
		p.consumeOptional(TokComma)
	}
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return block, nil
}

// parseExpr implements Pratt parsing: parse a prefix/primary expression,
// then climb binary operators whose precedence is at least minPrec.
func (p *Parser) parseExpr(minPrec int) (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		if p.cur().Kind == TokQuestion && ternaryPrecedence >= minPrec {
			p.advance()
			then, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokColon, "':'"); err != nil {
				return nil, err
			}
			els, err := p.parseExpr(ternaryPrecedence)
			if err != nil {
				return nil, err
			}
			left = TernaryExpr{Cond: left, Then: then, Else: els}
			continue
		}

		prec := precedenceOf(p.cur().Kind)
		if prec == 0 || prec < minPrec {
			break
		}
		op := p.advance().Kind
		right, err := p.parseExpr(prec + 1) // left-associative
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.cur().Kind == TokMinus {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: TokMinus, Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Expr, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur().Kind {
		case TokDot:
			p.advance()
			field, err := p.expect(TokIdent, "field name")
			if err != nil {
				return nil, err
			}
			expr = MemberExpr{Target: expr, Field: field.Text}
		case TokLParen:
			p.advance()
			var args []Expr
			for p.cur().Kind != TokRParen {
				arg, err := p.parseExpr(0)
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.cur().Kind == TokComma {
					p.advance()
				}
			}
			p.advance() // ')'
			expr = CallExpr{Callee: expr, Args: args}
		case TokLBracket:
			p.advance()
			var start, end Expr
			if p.cur().Kind != TokColon {
				start, err = p.parseExpr(0)
				if err != nil {
					return nil, err
				}
			}
			if p.cur().Kind == TokColon {
				p.advance()
				if p.cur().Kind != TokRBracket {
					end, err = p.parseExpr(0)
					if err != nil {
						return nil, err
					}
				}
				if _, err := p.expect(TokRBracket, "']'"); err != nil {
					return nil, err
				}
				expr = SliceExpr{Target: expr, Start: start, End: end}
				continue
			}
			if _, err := p.expect(TokRBracket, "']'"); err != nil {
				return nil, err
			}
			expr = IndexExpr{Target: expr, Index: start}
		default:
			return expr, nil
		}
	}
}

func (p *Parser) parsePrimary() (Expr, error) {
	tok := p.cur()
	switch tok.Kind {
	case TokString:
		p.advance()
		return StringLit{Value: tok.Text}, nil
	case TokNumber:
		p.advance()
		v, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			return nil, p.errorf("invalid number literal %q", tok.Text)
		}
		return NumberLit{Value: v}, nil
	case TokTrue:
		p.advance()
		return BoolLit{Value: true}, nil
	case TokFalse:
		p.advance()
		return BoolLit{Value: false}, nil
	case TokNull:
		p.advance()
		return NullLit{}, nil
	case TokIdent:
		p.advance()
		return Ident{Name: tok.Text}, nil
	case TokLParen:
		p.advance()
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil
	case TokLBracket:
		p.advance()
		var elems []Expr
		for p.cur().Kind != TokRBracket {
			e, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
			if p.cur().Kind == TokComma {
				p.advance()
			}
		}
		p.advance()
		return ArrayLit{Elements: elems}, nil
	case TokLBrace:
		return p.parseMapLit()
	case TokPipe:
		return p.parseLambda()
	default:
		return nil, p.errorf("unexpected token %s", tok)
	}
}

func (p *Parser) parseMapLit() (Expr, error) {
	p.advance() // '{'
	m := MapLit{}
	for p.cur().Kind != TokRBrace {
		var key string
		switch p.cur().Kind {
		case TokString:
			key = p.advance().Text
		case TokIdent:
			key = p.advance().Text
		default:
			return nil, p.errorf("expected string or identifier map key")
		}
		if _, err := p.expect(TokColon, "':'"); err != nil {
			return nil, err
		}
		val, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, key)
		m.Values = append(m.Values, val)
		if p.cur().Kind == TokComma {
			p.advance()
		}
	}
	p.advance() // '}'
	return m, nil
}

func (p *Parser) parseLambda() (Expr, error) {
	p.advance() // '|'
	var params []string
	for p.cur().Kind != TokPipe {
		id, err := p.expect(TokIdent, "lambda parameter")
		if err != nil {
			return nil, err
		}
		params = append(params, id.Text)
		if p.cur().Kind == TokComma {
			p.advance()
		}
	}
	p.advance() // closing '|'
	body, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	return LambdaExpr{Params: params, Body: body}, nil
}
