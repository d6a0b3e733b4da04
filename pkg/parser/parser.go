// Package parser implements the Vela language parser.
//
// The parser turns a lexer.Token stream into a pkg/ast.Node tree using a
// Pratt (precedence-climbing) recursive-descent strategy: a single
// parseExpr loop parses a prefix operator or primary with parsePrefix, then
// keeps folding infix/postfix operators with parseInfix while the next
// token's precedence (from the precedence table) exceeds the minimum it
// was called with.
//
// Token Management:
//
// The parser keeps two tokens live at all times - curTok and peekTok - so
// it can decide what to parse (e.g. "is `(` here a grouping or a call?")
// without consuming tokens it might need to back out of.
//
// Grammar (informal):
//
//	program    := statement*
//	statement  := block | vardecl | constdecl | if | while | do | for
//	            | return | break | continue | funcdecl | exprStmt | empty
//	block      := "{" statement* "}"
//	vardecl    := "let" ident ("=" expr)? ("," ident ("=" expr)?)* ";"
//	constdecl  := "const" ident "=" expr ";"
//	if         := "if" expr block ("else" (if | block))?
//	while      := "while" expr block
//	do         := "do" block "while" expr ";"
//	for        := "for" "(" (vardecl|exprStmt|";") expr ";" expr ")" block
//	funcdecl   := "fn" ident "(" params ")" block
//	exprStmt   := expr ";"
//
// Expression precedence, lowest to highest:
//
//	assignment  condexpr(?:)  or  and  bitor  bitxor  bitand
//	equality  relational  shift  concat(..)  additive  multiplicative
//	unary(prefix: - ! ~ ++ --)  postfix(call () / subscript [] / .name / ++ --)
//
// Error Handling:
//
// Errors accumulate in p.errors rather than aborting at the first one,
// so one parse reports several problems, but Parse() surfaces them as a
// single *SyntaxError: a syntax error means the caller gets no tree back
// at all, never a partial one.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kristofer/vela/pkg/ast"
	"github.com/kristofer/vela/pkg/lexer"
)

// SyntaxError is returned for any lexical/grammatical problem.
type SyntaxError struct {
	Message string
	Line    int
	Column  int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %d:%d: %s", e.Line, e.Column, e.Message)
}

// precedence levels, lowest to highest.
const (
	precLowest int = iota
	precAssign
	precCond
	precOr
	precAnd
	precBitOr
	precBitXor
	precBitAnd
	precEquality
	precRelational
	precShift
	precConcat
	precAdditive
	precMultiplicative
	precUnary
	precPostfix
)

var precedences = map[lexer.TokenType]int{
	lexer.TokenAssign: precAssign, lexer.TokenPlusAssign: precAssign, lexer.TokenMinusAssign: precAssign,
	lexer.TokenStarAssign: precAssign, lexer.TokenSlashAssign: precAssign, lexer.TokenPercentAssign: precAssign,
	lexer.TokenQuestion: precCond,
	lexer.TokenOr:       precOr,
	lexer.TokenAnd:      precAnd,
	lexer.TokenPipe:     precBitOr,
	lexer.TokenCaret:    precBitXor,
	lexer.TokenAmp:      precBitAnd,
	lexer.TokenEq:       precEquality, lexer.TokenNe: precEquality,
	lexer.TokenLt: precRelational, lexer.TokenLe: precRelational, lexer.TokenGt: precRelational, lexer.TokenGe: precRelational,
	lexer.TokenShl: precShift, lexer.TokenShr: precShift,
	lexer.TokenConcat: precConcat,
	lexer.TokenPlus:   precAdditive, lexer.TokenMinus: precAdditive,
	lexer.TokenStar: precMultiplicative, lexer.TokenSlash: precMultiplicative, lexer.TokenPercent: precMultiplicative,
	lexer.TokenLParen: precPostfix, lexer.TokenLBracket: precPostfix, lexer.TokenDot: precPostfix,
	lexer.TokenPlusPlus: precPostfix, lexer.TokenMinusMinus: precPostfix,
}

var assignNodeType = map[lexer.TokenType]string{
	lexer.TokenAssign:        "assign",
	lexer.TokenPlusAssign:    "add_assign",
	lexer.TokenMinusAssign:   "sub_assign",
	lexer.TokenStarAssign:    "mul_assign",
	lexer.TokenSlashAssign:   "div_assign",
	lexer.TokenPercentAssign: "mod_assign",
}

var binNodeType = map[lexer.TokenType]string{
	lexer.TokenPlus: "add", lexer.TokenMinus: "sub", lexer.TokenStar: "mul",
	lexer.TokenSlash: "div", lexer.TokenPercent: "mod",
	lexer.TokenEq: "eq", lexer.TokenNe: "ne",
	lexer.TokenLt: "lt", lexer.TokenLe: "le", lexer.TokenGt: "gt", lexer.TokenGe: "ge",
	lexer.TokenAnd: "and", lexer.TokenOr: "or",
	lexer.TokenAmp: "bit_and", lexer.TokenPipe: "bit_or", lexer.TokenCaret: "bit_xor",
	lexer.TokenShl: "shl", lexer.TokenShr: "shr",
	lexer.TokenConcat: "concat",
}

// Parser turns a token stream into an *ast.Node tree.
type Parser struct {
	l       *lexer.Lexer
	curTok  lexer.Token
	peekTok lexer.Token
	errors  []string
}

// New creates a Parser over the given source text.
func New(input string) *Parser {
	p := &Parser{l: lexer.New(input)}
	p.nextToken()
	p.nextToken()
	return p
}

func (p *Parser) nextToken() {
	p.curTok = p.peekTok
	p.peekTok = p.l.NextToken()
}

func (p *Parser) addError(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf("%d:%d: %s", p.curTok.Line, p.curTok.Column, fmt.Sprintf(format, args...)))
}

func (p *Parser) expect(t lexer.TokenType, what string) bool {
	if p.curTok.Type != t {
		p.addError("expected %s, got %q", what, p.curTok.Literal)
		return false
	}
	return true
}

func (p *Parser) expectAdvance(t lexer.TokenType, what string) bool {
	if !p.expect(t, what) {
		return false
	}
	p.nextToken()
	return true
}

// Parse parses the whole source text into a "program" node, or returns a
// *SyntaxError if any parse error occurred.
func (p *Parser) Parse() (*ast.Node, error) {
	prog := ast.New("program", p.curTok.Line, p.curTok.Column)
	for p.curTok.Type != lexer.TokenEOF {
		stmt := p.parseStatement()
		if stmt != nil {
			prog.Children = append(prog.Children, stmt)
		}
	}
	if len(p.errors) > 0 {
		return nil, &SyntaxError{Message: strings.Join(p.errors, "; "), Line: prog.Line, Column: prog.Column}
	}
	return prog, nil
}

func (p *Parser) parseStatement() *ast.Node {
	switch p.curTok.Type {
	case lexer.TokenLBrace:
		return p.parseBlock()
	case lexer.TokenLet:
		return p.parseVarDecl()
	case lexer.TokenConst:
		return p.parseConstDecl()
	case lexer.TokenIf:
		return p.parseIf()
	case lexer.TokenWhile:
		return p.parseWhile()
	case lexer.TokenDo:
		return p.parseDoWhile()
	case lexer.TokenFor:
		return p.parseFor()
	case lexer.TokenReturn:
		return p.parseReturn()
	case lexer.TokenBreak:
		n := ast.New("break", p.curTok.Line, p.curTok.Column)
		p.nextToken()
		p.consumeSemi()
		return n
	case lexer.TokenContinue:
		n := ast.New("continue", p.curTok.Line, p.curTok.Column)
		p.nextToken()
		p.consumeSemi()
		return n
	case lexer.TokenFn:
		return p.parseFuncDecl()
	case lexer.TokenSemi:
		n := ast.New("empty", p.curTok.Line, p.curTok.Column)
		p.nextToken()
		return n
	default:
		return p.parseExprStatement()
	}
}

func (p *Parser) consumeSemi() {
	if p.curTok.Type == lexer.TokenSemi {
		p.nextToken()
	} else {
		p.addError("expected ';'")
	}
}

func (p *Parser) parseBlock() *ast.Node {
	n := ast.New("block", p.curTok.Line, p.curTok.Column)
	p.nextToken() // consume {
	for p.curTok.Type != lexer.TokenRBrace && p.curTok.Type != lexer.TokenEOF {
		stmt := p.parseStatement()
		if stmt != nil {
			n.Children = append(n.Children, stmt)
		}
	}
	p.expectAdvance(lexer.TokenRBrace, "'}'")
	return n
}

func (p *Parser) parseVarDecl() *ast.Node {
	n := ast.New("vardecl", p.curTok.Line, p.curTok.Column)
	p.nextToken() // consume let
	for {
		if !p.expect(lexer.TokenIdent, "identifier") {
			break
		}
		decl := ast.New("ident", p.curTok.Line, p.curTok.Column)
		decl.Name = p.curTok.Literal
		p.nextToken()
		if p.curTok.Type == lexer.TokenAssign {
			p.nextToken()
			decl.Expr = p.parseExpr(precAssign)
		}
		n.Children = append(n.Children, decl)
		if p.curTok.Type == lexer.TokenComma {
			p.nextToken()
			continue
		}
		break
	}
	p.consumeSemi()
	return n
}

func (p *Parser) parseConstDecl() *ast.Node {
	n := ast.New("constdecl", p.curTok.Line, p.curTok.Column)
	p.nextToken() // consume const
	if !p.expect(lexer.TokenIdent, "identifier") {
		p.consumeSemi()
		return n
	}
	decl := ast.New("ident", p.curTok.Line, p.curTok.Column)
	decl.Name = p.curTok.Literal
	p.nextToken()
	if !p.expectAdvance(lexer.TokenAssign, "'='") {
		p.consumeSemi()
		return n
	}
	decl.Expr = p.parseExpr(precAssign)
	n.Children = append(n.Children, decl)
	p.consumeSemi()
	return n
}

func (p *Parser) parseIf() *ast.Node {
	n := ast.New("if", p.curTok.Line, p.curTok.Column)
	p.nextToken() // consume if
	n.Cond = p.parseExpr(precLowest)
	n.Then = p.requireBlock()
	if p.curTok.Type == lexer.TokenElse {
		p.nextToken()
		if p.curTok.Type == lexer.TokenIf {
			n.Else = p.parseIf()
		} else {
			n.Else = p.requireBlock()
		}
	}
	return n
}

func (p *Parser) requireBlock() *ast.Node {
	if p.curTok.Type != lexer.TokenLBrace {
		p.addError("expected '{'")
		return ast.New("block", p.curTok.Line, p.curTok.Column)
	}
	return p.parseBlock()
}

func (p *Parser) parseWhile() *ast.Node {
	n := ast.New("while", p.curTok.Line, p.curTok.Column)
	p.nextToken()
	n.Cond = p.parseExpr(precLowest)
	n.Body = p.requireBlock()
	return n
}

func (p *Parser) parseDoWhile() *ast.Node {
	n := ast.New("do", p.curTok.Line, p.curTok.Column)
	p.nextToken()
	n.Body = p.requireBlock()
	if !p.expectAdvance(lexer.TokenWhile, "'while'") {
		return n
	}
	n.Cond = p.parseExpr(precLowest)
	p.consumeSemi()
	return n
}

func (p *Parser) parseFor() *ast.Node {
	n := ast.New("for", p.curTok.Line, p.curTok.Column)
	p.nextToken() // consume for
	p.expectAdvance(lexer.TokenLParen, "'('")

	if p.curTok.Type == lexer.TokenLet {
		n.Init = p.parseVarDecl() // consumes trailing ;
	} else if p.curTok.Type == lexer.TokenSemi {
		p.nextToken()
	} else {
		n.Init = p.parseExprStatement()
	}

	if p.curTok.Type != lexer.TokenSemi {
		n.Cond = p.parseExpr(precLowest)
	}
	p.expectAdvance(lexer.TokenSemi, "';'")

	if p.curTok.Type != lexer.TokenRParen {
		n.Increment = p.parseExpr(precLowest)
	}
	p.expectAdvance(lexer.TokenRParen, "')'")

	n.Body = p.requireBlock()
	return n
}

func (p *Parser) parseReturn() *ast.Node {
	n := ast.New("return", p.curTok.Line, p.curTok.Column)
	p.nextToken()
	if p.curTok.Type != lexer.TokenSemi {
		n.Expr = p.parseExpr(precLowest)
	}
	p.consumeSemi()
	return n
}

// parseFuncDecl parses `fn name(args) { body }`, desugared into a vardecl
// wrapping a function literal.
func (p *Parser) parseFuncDecl() *ast.Node {
	line, col := p.curTok.Line, p.curTok.Column
	fnLit := p.parseFunctionLiteral()

	decl := ast.New("vardecl", line, col)
	target := ast.New("ident", line, col)
	target.Name = fnLit.Name
	target.Expr = fnLit
	decl.Children = []*ast.Node{target}
	return decl
}

func (p *Parser) parseExprStatement() *ast.Node {
	expr := p.parseExpr(precLowest)
	p.consumeSemi()
	return expr
}

// parseExpr is the Pratt parser's core loop: parse a prefix/primary, then
// keep absorbing infix/postfix operators whose precedence exceeds minPrec.
func (p *Parser) parseExpr(minPrec int) *ast.Node {
	left := p.parsePrefix()
	if left == nil {
		return nil
	}
	for p.curTok.Type != lexer.TokenSemi && minPrec < p.curPrecedence() {
		left = p.parseInfix(left)
	}
	return left
}

func (p *Parser) curPrecedence() int {
	if prec, ok := precedences[p.curTok.Type]; ok {
		return prec
	}
	return precLowest
}

func (p *Parser) parsePrefix() *ast.Node {
	line, col := p.curTok.Line, p.curTok.Column
	switch p.curTok.Type {
	case lexer.TokenInt:
		v, _ := strconv.ParseInt(p.curTok.Literal, 10, 64)
		n := literalNode(line, col, &ast.Literal{Kind: ast.LitInt, Int: v})
		p.nextToken()
		return n
	case lexer.TokenFloat:
		v, _ := strconv.ParseFloat(p.curTok.Literal, 64)
		n := literalNode(line, col, &ast.Literal{Kind: ast.LitFloat, Float: v})
		p.nextToken()
		return n
	case lexer.TokenString:
		n := literalNode(line, col, &ast.Literal{Kind: ast.LitString, Str: p.curTok.Literal})
		p.nextToken()
		return n
	case lexer.TokenTrue:
		n := literalNode(line, col, &ast.Literal{Kind: ast.LitBool, Bool: true})
		p.nextToken()
		return n
	case lexer.TokenFalse:
		n := literalNode(line, col, &ast.Literal{Kind: ast.LitBool, Bool: false})
		p.nextToken()
		return n
	case lexer.TokenNil:
		n := literalNode(line, col, &ast.Literal{Kind: ast.LitNil})
		p.nextToken()
		return n
	case lexer.TokenIdent:
		n := ast.New("ident", line, col)
		n.Name = p.curTok.Literal
		p.nextToken()
		return n
	case lexer.TokenDollar:
		n := ast.New("argv", line, col)
		p.nextToken()
		return n
	case lexer.TokenLParen:
		p.nextToken()
		expr := p.parseExpr(precLowest)
		p.expectAdvance(lexer.TokenRParen, "')'")
		return expr
	case lexer.TokenLBracket:
		return p.parseArrayLiteral()
	case lexer.TokenLBrace:
		return p.parseHashmapLiteral()
	case lexer.TokenFn:
		return p.parseFunctionLiteral()
	case lexer.TokenMinus:
		p.nextToken()
		n := ast.New("neg", line, col)
		n.Expr = p.parseExpr(precUnary)
		return n
	case lexer.TokenTypeof:
		p.nextToken()
		n := ast.New("typeof", line, col)
		n.Expr = p.parseExpr(precUnary)
		return n
	case lexer.TokenNot:
		p.nextToken()
		n := ast.New("not", line, col)
		n.Expr = p.parseExpr(precUnary)
		return n
	case lexer.TokenTilde:
		p.nextToken()
		n := ast.New("bit_not", line, col)
		n.Expr = p.parseExpr(precUnary)
		return n
	case lexer.TokenPlusPlus:
		p.nextToken()
		n := ast.New("pre_inc", line, col)
		n.Expr = p.parseExpr(precUnary)
		return n
	case lexer.TokenMinusMinus:
		p.nextToken()
		n := ast.New("pre_dec", line, col)
		n.Expr = p.parseExpr(precUnary)
		return n
	default:
		p.addError("unexpected token %q", p.curTok.Literal)
		p.nextToken()
		return nil
	}
}

func literalNode(line, col int, lit *ast.Literal) *ast.Node {
	n := ast.New("literal", line, col)
	n.Value = lit
	return n
}

func (p *Parser) parseArrayLiteral() *ast.Node {
	n := ast.New("array", p.curTok.Line, p.curTok.Column)
	p.nextToken() // consume [
	for p.curTok.Type != lexer.TokenRBracket && p.curTok.Type != lexer.TokenEOF {
		n.Children = append(n.Children, p.parseExpr(precAssign))
		if p.curTok.Type == lexer.TokenComma {
			p.nextToken()
		} else {
			break
		}
	}
	p.expectAdvance(lexer.TokenRBracket, "']'")
	return n
}

func (p *Parser) parseHashmapLiteral() *ast.Node {
	n := ast.New("hashmap", p.curTok.Line, p.curTok.Column)
	p.nextToken() // consume {
	for p.curTok.Type != lexer.TokenRBrace && p.curTok.Type != lexer.TokenEOF {
		kv := ast.New("kvpair", p.curTok.Line, p.curTok.Column)
		kv.Key = p.parseExpr(precAssign)
		p.expectAdvance(lexer.TokenColon, "':'")
		kv.Right = p.parseExpr(precAssign)
		n.Children = append(n.Children, kv)
		if p.curTok.Type == lexer.TokenComma {
			p.nextToken()
		} else {
			break
		}
	}
	p.expectAdvance(lexer.TokenRBrace, "'}'")
	return n
}

func (p *Parser) parseFunctionLiteral() *ast.Node {
	n := ast.New("function", p.curTok.Line, p.curTok.Column)
	p.nextToken() // consume fn
	if p.curTok.Type == lexer.TokenIdent {
		n.Name = p.curTok.Literal
		p.nextToken()
	}
	p.expectAdvance(lexer.TokenLParen, "'('")
	for p.curTok.Type != lexer.TokenRParen && p.curTok.Type != lexer.TokenEOF {
		if !p.expect(lexer.TokenIdent, "parameter name") {
			break
		}
		n.DeclArgs = append(n.DeclArgs, p.curTok.Literal)
		p.nextToken()
		if p.curTok.Type == lexer.TokenComma {
			p.nextToken()
		} else {
			break
		}
	}
	p.expectAdvance(lexer.TokenRParen, "')'")
	n.Body = p.requireBlock()
	return n
}

func (p *Parser) parseInfix(left *ast.Node) *ast.Node {
	switch p.curTok.Type {
	case lexer.TokenLParen:
		return p.parseCall(left)
	case lexer.TokenLBracket:
		return p.parseSubscript(left)
	case lexer.TokenDot:
		return p.parseMemberof(left)
	case lexer.TokenPlusPlus:
		n := ast.New("post_inc", p.curTok.Line, p.curTok.Column)
		n.Expr = left
		p.nextToken()
		return n
	case lexer.TokenMinusMinus:
		n := ast.New("post_dec", p.curTok.Line, p.curTok.Column)
		n.Expr = left
		p.nextToken()
		return n
	case lexer.TokenQuestion:
		return p.parseCondExpr(left)
	case lexer.TokenAssign, lexer.TokenPlusAssign, lexer.TokenMinusAssign,
		lexer.TokenStarAssign, lexer.TokenSlashAssign, lexer.TokenPercentAssign:
		typ := assignNodeType[p.curTok.Type]
		line, col := p.curTok.Line, p.curTok.Column
		p.nextToken()
		n := ast.New(typ, line, col)
		n.Left = left
		n.Right = p.parseExpr(precAssign - 1) // right-associative
		return n
	default:
		typ, ok := binNodeType[p.curTok.Type]
		if !ok {
			p.addError("unexpected operator %q", p.curTok.Literal)
			p.nextToken()
			return left
		}
		prec := p.curPrecedence()
		line, col := p.curTok.Line, p.curTok.Column
		p.nextToken()
		n := ast.New(typ, line, col)
		n.Left = left
		n.Right = p.parseExpr(prec)
		return n
	}
}

func (p *Parser) parseCall(callee *ast.Node) *ast.Node {
	n := ast.New("call", p.curTok.Line, p.curTok.Column)
	n.Func = callee
	p.nextToken() // consume (
	for p.curTok.Type != lexer.TokenRParen && p.curTok.Type != lexer.TokenEOF {
		n.Children = append(n.Children, p.parseExpr(precAssign))
		if p.curTok.Type == lexer.TokenComma {
			p.nextToken()
		} else {
			break
		}
	}
	p.expectAdvance(lexer.TokenRParen, "')'")
	return n
}

func (p *Parser) parseSubscript(obj *ast.Node) *ast.Node {
	n := ast.New("subscript", p.curTok.Line, p.curTok.Column)
	n.Object = obj
	p.nextToken() // consume [
	n.Index = p.parseExpr(precLowest)
	p.expectAdvance(lexer.TokenRBracket, "']'")
	return n
}

func (p *Parser) parseMemberof(obj *ast.Node) *ast.Node {
	n := ast.New("memberof", p.curTok.Line, p.curTok.Column)
	n.Object = obj
	p.nextToken() // consume .
	if !p.expect(lexer.TokenIdent, "member name") {
		return n
	}
	n.Name = p.curTok.Literal
	p.nextToken()
	return n
}

func (p *Parser) parseCondExpr(cond *ast.Node) *ast.Node {
	n := ast.New("condexpr", p.curTok.Line, p.curTok.Column)
	n.Cond = cond
	p.nextToken() // consume ?
	n.True = p.parseExpr(precAssign)
	p.expectAdvance(lexer.TokenColon, "':'")
	n.False = p.parseExpr(precAssign)
	return n
}
