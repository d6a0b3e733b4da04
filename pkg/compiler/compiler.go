// Package compiler lowers Vela AST trees into the flat, register-based
// bytecode pkg/bytecode defines.
//
// Compilation happens one function at a time: the top-level program is
// itself a function with its own frame, and every nested
// function literal pushes a new funcScope that allocates its own register
// file, starting back at register 0. Locals live in registers for the
// whole of their enclosing block; names that resolve to neither a local
// nor a captured upvalue become global symbol-table lookups, resolved
// lazily at runtime the first time LDSYM executes.
//
// Jump targets are encoded PC-relative (a signed word offset from the
// jump instruction itself), so a compiled function body is position
// independent: nested function bodies are spliced into their parent's
// code, and the whole buffer is shifted by the program header, without a
// relocation pass over the instructions. The only positions that do need
// fixing up are the entry offsets recorded in SymFunction symbol-table
// entries; funcScope.funcSyms tracks which entries are still relative to
// which scope until the final layout is known.
package compiler

import (
	"fmt"

	"github.com/kristofer/vela/pkg/ast"
	"github.com/kristofer/vela/pkg/bytecode"
	"github.com/kristofer/vela/pkg/value"
)

// CompileError is returned for anything the compiler cannot lower:
// break/continue outside a loop, assignment to a captured variable, an
// invalid assignment target, and the like.
type CompileError struct {
	Message string
	Line    int
	Column  int
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error at %d:%d: %s", e.Line, e.Column, e.Message)
}

type upvalDesc struct {
	kind bytecode.UpvalKind
	idx  uint8
}

type debugEntry struct {
	offset int
	line   int
	column int
}

// funcScope holds the register allocator and lexical scope chain for one
// function body being compiled (the top-level program counts as one).
type funcScope struct {
	parent *funcScope

	code []bytecode.Word

	nextReg  int
	maxReg   int
	freeRegs []int

	blocks []map[string]uint8 // name -> register, one map per lexical block

	upvalues   []upvalDesc
	upvalIndex map[string]int

	loopBreaks    [][]int // word indices of JMP instructions to patch to loop-exit
	loopContinues [][]int // word indices of JMP instructions to patch to loop-continue

	// funcSyms indexes the SymFunction entries whose FuncOffset is
	// currently relative to this scope's code start; they shift again
	// every time this scope is embedded into an enclosing one.
	funcSyms []int

	debug []debugEntry

	declArgc int
}

func newFuncScope(parent *funcScope, declArgc int) *funcScope {
	return &funcScope{
		parent:     parent,
		upvalIndex: make(map[string]int),
		declArgc:   declArgc,
	}
}

func (fs *funcScope) pushBlock() { fs.blocks = append(fs.blocks, map[string]uint8{}) }
func (fs *funcScope) popBlock() {
	top := fs.blocks[len(fs.blocks)-1]
	fs.blocks = fs.blocks[:len(fs.blocks)-1]
	for _, reg := range top {
		fs.freeReg(reg)
	}
}

func (fs *funcScope) declareLocal(name string) uint8 {
	reg := fs.allocReg()
	fs.blocks[len(fs.blocks)-1][name] = reg
	return reg
}

func (fs *funcScope) lookupLocal(name string) (uint8, bool) {
	for i := len(fs.blocks) - 1; i >= 0; i-- {
		if reg, ok := fs.blocks[i][name]; ok {
			return reg, true
		}
	}
	return 0, false
}

func (fs *funcScope) allocReg() uint8 {
	if n := len(fs.freeRegs); n > 0 {
		reg := fs.freeRegs[n-1]
		fs.freeRegs = fs.freeRegs[:n-1]
		return uint8(reg)
	}
	reg := fs.nextReg
	fs.nextReg++
	if fs.nextReg > fs.maxReg {
		fs.maxReg = fs.nextReg
	}
	return uint8(reg)
}

func (fs *funcScope) freeReg(reg uint8) {
	fs.freeRegs = append(fs.freeRegs, int(reg))
}

func (fs *funcScope) emit(w bytecode.Word) int {
	fs.code = append(fs.code, w)
	return len(fs.code) - 1
}

func (fs *funcScope) markDebug(n *ast.Node) {
	if n.Line == 0 {
		return
	}
	fs.debug = append(fs.debug, debugEntry{offset: len(fs.code), line: n.Line, column: n.Column})
}

// emitJump emits op plus a placeholder offset word, returning the
// instruction's word index for a later patchJump/patchJumpTo.
func (fs *funcScope) emitJump(op bytecode.Opcode, cond uint8) int {
	idx := fs.emit(bytecode.EncodeABC(op, cond, 0, 0))
	fs.emit(0)
	return idx
}

// patchJumpTo points the jump at idx to target, both word indices into
// this scope's code. The offset is stored relative to the instruction
// word, which keeps the encoding valid after the body is embedded at a
// different absolute position.
func (fs *funcScope) patchJumpTo(idx, target int) {
	fs.code[idx+1] = bytecode.Word(uint32(int32(target - idx)))
}

// patchJump points the jump at idx to the current end of code.
func (fs *funcScope) patchJump(idx int) { fs.patchJumpTo(idx, len(fs.code)) }

func (fs *funcScope) emitJumpTo(op bytecode.Opcode, target int) {
	idx := fs.emitJump(op, 0)
	fs.patchJumpTo(idx, target)
}

func (fs *funcScope) pushLoop() {
	fs.loopBreaks = append(fs.loopBreaks, nil)
	fs.loopContinues = append(fs.loopContinues, nil)
}

// popLoop patches every break to exitTarget and every continue to
// contTarget recorded since the matching pushLoop.
func (fs *funcScope) popLoop(exitTarget, contTarget int) {
	top := len(fs.loopBreaks) - 1
	for _, idx := range fs.loopBreaks[top] {
		fs.patchJumpTo(idx, exitTarget)
	}
	for _, idx := range fs.loopContinues[top] {
		fs.patchJumpTo(idx, contTarget)
	}
	fs.loopBreaks = fs.loopBreaks[:top]
	fs.loopContinues = fs.loopContinues[:top]
}

// Compiler lowers one program into one bytecode object.
type Compiler struct {
	syms     []bytecode.SymEntry
	symIndex map[string]int
	cur      *funcScope
	debug    *value.DebugInfo
}

// New creates a Compiler ready to compile a single program.
func New() *Compiler {
	return &Compiler{symIndex: make(map[string]int)}
}

// symbolFor returns the symbol-table index for name, creating a SymStub
// entry for it the first time it is referenced as a free variable.
func (c *Compiler) symbolFor(name string) int {
	if idx, ok := c.symIndex[name]; ok {
		return idx
	}
	idx := len(c.syms)
	c.syms = append(c.syms, bytecode.SymEntry{Kind: bytecode.SymStub, Str: name})
	c.symIndex[name] = idx
	return idx
}

// stringConst interns name as a SymString entry, used for string literals
// and for PROPGET/PROPSET/METHOD/GLBVAL operand names.
func (c *Compiler) stringConst(name string) int {
	key := "\x00str:" + name
	if idx, ok := c.symIndex[key]; ok {
		return idx
	}
	idx := len(c.syms)
	c.syms = append(c.syms, bytecode.SymEntry{Kind: bytecode.SymString, Str: name})
	c.symIndex[key] = idx
	return idx
}

// functionConst interns a nested function definition as a SymFunction
// entry, always a fresh one since two function literals never share an
// entry point even if anonymous.
func (c *Compiler) functionConst(name string, offset int) int {
	idx := len(c.syms)
	c.syms = append(c.syms, bytecode.SymEntry{Kind: bytecode.SymFunction, FuncOffset: offset, FuncName: name})
	return idx
}

// Compile lowers a "program" node into a complete object-file word buffer
// (program header + code + symbol table), ready for bytecode.WriteObject.
func (c *Compiler) Compile(program *ast.Node) ([]bytecode.Word, error) {
	c.cur = newFuncScope(nil, 0)
	c.cur.pushBlock()

	for _, stmt := range program.Children {
		if err := c.compileStatement(stmt); err != nil {
			return nil, err
		}
	}
	reg := c.cur.allocReg()
	c.cur.emit(bytecode.EncodeABC(bytecode.OpLdConst, reg, uint8(bytecode.LitNil), 0))
	c.cur.emit(bytecode.EncodeABC(bytecode.OpRet, reg, 0, 0))
	c.cur.freeReg(reg)

	c.cur.popBlock()

	// The top-level body lands after the program header and its own
	// function header; shift the SymFunction entries one last time.
	base := bytecode.HeaderWords + bytecode.FunctionHeaderWords
	for _, si := range c.cur.funcSyms {
		c.syms[si].FuncOffset += base
	}
	c.debug = buildDebugInfo(c.cur.debug, base)

	body := c.finishFunction(c.cur)
	return bytecode.AssembleProgram(body, c.cur.maxReg, c.syms), nil
}

// Debug returns the word-offset → source-position mapping for the most
// recently compiled program, for attaching to the program function.
func (c *Compiler) Debug() *value.DebugInfo { return c.debug }

func buildDebugInfo(entries []debugEntry, base int) *value.DebugInfo {
	if len(entries) == 0 {
		return nil
	}
	d := &value.DebugInfo{
		Offsets: make([]int, len(entries)),
		Lines:   make([]int, len(entries)),
		Columns: make([]int, len(entries)),
	}
	for i, e := range entries {
		d.Offsets[i] = e.offset + base
		d.Lines[i] = e.line
		d.Columns[i] = e.column
	}
	return d
}

// finishFunction prepends the 3-word function header to a compiled
// function body.
func (c *Compiler) finishFunction(fs *funcScope) []bytecode.Word {
	header := []bytecode.Word{
		bytecode.Word(len(fs.code)),
		bytecode.Word(fs.declArgc),
		bytecode.Word(fs.maxReg),
	}
	return append(header, fs.code...)
}

func (c *Compiler) compileStatement(n *ast.Node) error {
	c.cur.markDebug(n)
	switch n.Type {
	case "block":
		c.cur.pushBlock()
		for _, stmt := range n.Children {
			if err := c.compileStatement(stmt); err != nil {
				return err
			}
		}
		c.cur.popBlock()
		return nil

	case "vardecl":
		return c.compileVarDecl(n)
	case "constdecl":
		return c.compileConstDecl(n)

	case "if":
		return c.compileIf(n)
	case "while":
		return c.compileWhile(n)
	case "do":
		return c.compileDoWhile(n)
	case "for":
		return c.compileFor(n)
	case "return":
		return c.compileReturn(n)
	case "break":
		if len(c.cur.loopBreaks) == 0 {
			return &CompileError{Message: "break outside loop", Line: n.Line, Column: n.Column}
		}
		idx := c.cur.emitJump(bytecode.OpJmp, 0)
		top := len(c.cur.loopBreaks) - 1
		c.cur.loopBreaks[top] = append(c.cur.loopBreaks[top], idx)
		return nil
	case "continue":
		if len(c.cur.loopContinues) == 0 {
			return &CompileError{Message: "continue outside loop", Line: n.Line, Column: n.Column}
		}
		idx := c.cur.emitJump(bytecode.OpJmp, 0)
		top := len(c.cur.loopContinues) - 1
		c.cur.loopContinues[top] = append(c.cur.loopContinues[top], idx)
		return nil
	case "empty":
		return nil
	default:
		reg, err := c.compileExpr(n)
		if err != nil {
			return err
		}
		c.cur.freeReg(reg)
		return nil
	}
}

// compileVarDecl pins one stable register per declared name. A function
// initialiser is bound to its home register before its body is compiled,
// so the body's own name resolves as an enclosing local; combined with
// CLOSURE's install-before-capture contract this is what makes
// `fn fact(n) { ... fact(n - 1) ... }` call itself rather than nil.
func (c *Compiler) compileVarDecl(n *ast.Node) error {
	for _, decl := range n.Children {
		if decl.Expr != nil && decl.Expr.Type == "function" {
			reg := c.cur.declareLocal(decl.Name)
			if err := c.compileFunctionInto(decl.Expr, reg); err != nil {
				return err
			}
			continue
		}
		var reg uint8
		if decl.Expr != nil {
			r, err := c.compileExpr(decl.Expr)
			if err != nil {
				return err
			}
			reg = r
		} else {
			reg = c.cur.allocReg()
			c.cur.emit(bytecode.EncodeABC(bytecode.OpLdConst, reg, uint8(bytecode.LitNil), 0))
		}
		c.cur.blocks[len(c.cur.blocks)-1][decl.Name] = reg
	}
	return nil
}

// compileConstDecl lowers `const name = expr` to the initialiser followed
// by GLBVAL, defining a global; re-defining one is a runtime error raised
// by the VM.
func (c *Compiler) compileConstDecl(n *ast.Node) error {
	for _, decl := range n.Children {
		if decl.Expr == nil {
			return &CompileError{Message: fmt.Sprintf("constant %q lacks an initialiser", decl.Name), Line: decl.Line, Column: decl.Column}
		}
		reg, err := c.compileExpr(decl.Expr)
		if err != nil {
			return err
		}
		symIdx := c.stringConst(decl.Name)
		c.cur.emit(bytecode.EncodeAMid(bytecode.OpGlbVal, reg, uint16(symIdx)))
		c.cur.freeReg(reg)
	}
	return nil
}

func (c *Compiler) compileIf(n *ast.Node) error {
	condReg, err := c.compileExpr(n.Cond)
	if err != nil {
		return err
	}
	jze := c.cur.emitJump(bytecode.OpJze, condReg)
	c.cur.freeReg(condReg)

	if err := c.compileStatement(n.Then); err != nil {
		return err
	}

	if n.Else != nil {
		jmp := c.cur.emitJump(bytecode.OpJmp, 0)
		c.cur.patchJump(jze)
		if err := c.compileStatement(n.Else); err != nil {
			return err
		}
		c.cur.patchJump(jmp)
	} else {
		c.cur.patchJump(jze)
	}
	return nil
}

func (c *Compiler) compileWhile(n *ast.Node) error {
	testStart := len(c.cur.code)
	condReg, err := c.compileExpr(n.Cond)
	if err != nil {
		return err
	}
	jze := c.cur.emitJump(bytecode.OpJze, condReg)
	c.cur.freeReg(condReg)

	c.cur.pushLoop()
	if err := c.compileStatement(n.Body); err != nil {
		return err
	}
	c.cur.emitJumpTo(bytecode.OpJmp, testStart)

	exitTarget := len(c.cur.code)
	c.cur.patchJumpTo(jze, exitTarget)
	c.cur.popLoop(exitTarget, testStart)
	return nil
}

func (c *Compiler) compileDoWhile(n *ast.Node) error {
	bodyStart := len(c.cur.code)

	c.cur.pushLoop()
	if err := c.compileStatement(n.Body); err != nil {
		return err
	}
	testStart := len(c.cur.code)
	condReg, err := c.compileExpr(n.Cond)
	if err != nil {
		return err
	}
	jnz := c.cur.emitJump(bytecode.OpJnz, condReg)
	c.cur.patchJumpTo(jnz, bodyStart)
	c.cur.freeReg(condReg)

	exitTarget := len(c.cur.code)
	c.cur.popLoop(exitTarget, testStart)
	return nil
}

func (c *Compiler) compileFor(n *ast.Node) error {
	c.cur.pushBlock()
	if n.Init != nil {
		if err := c.compileStatement(n.Init); err != nil {
			return err
		}
	}
	testStart := len(c.cur.code)
	jze := -1
	if n.Cond != nil {
		condReg, err := c.compileExpr(n.Cond)
		if err != nil {
			return err
		}
		jze = c.cur.emitJump(bytecode.OpJze, condReg)
		c.cur.freeReg(condReg)
	}

	c.cur.pushLoop()
	if err := c.compileStatement(n.Body); err != nil {
		return err
	}

	continueTarget := len(c.cur.code)
	if n.Increment != nil {
		reg, err := c.compileExpr(n.Increment)
		if err != nil {
			return err
		}
		c.cur.freeReg(reg)
	}
	c.cur.emitJumpTo(bytecode.OpJmp, testStart)

	exitTarget := len(c.cur.code)
	if jze >= 0 {
		c.cur.patchJumpTo(jze, exitTarget)
	}
	c.cur.popLoop(exitTarget, continueTarget)
	c.cur.popBlock()
	return nil
}

func (c *Compiler) compileReturn(n *ast.Node) error {
	var reg uint8
	if n.Expr != nil {
		r, err := c.compileExpr(n.Expr)
		if err != nil {
			return err
		}
		reg = r
	} else {
		reg = c.cur.allocReg()
		c.cur.emit(bytecode.EncodeABC(bytecode.OpLdConst, reg, uint8(bytecode.LitNil), 0))
	}
	c.cur.emit(bytecode.EncodeABC(bytecode.OpRet, reg, 0, 0))
	c.cur.freeReg(reg)
	return nil
}

var binOpcode = map[string]bytecode.Opcode{
	"add": bytecode.OpAdd, "sub": bytecode.OpSub, "mul": bytecode.OpMul,
	"div": bytecode.OpDiv, "mod": bytecode.OpMod,
	"eq": bytecode.OpEq, "ne": bytecode.OpNe,
	"lt": bytecode.OpLt, "le": bytecode.OpLe, "gt": bytecode.OpGt, "ge": bytecode.OpGe,
	"bit_and": bytecode.OpAnd, "bit_or": bytecode.OpOr, "bit_xor": bytecode.OpXor,
	"shl": bytecode.OpShl, "shr": bytecode.OpShr, "concat": bytecode.OpConcat,
}

var compoundAssignOp = map[string]bytecode.Opcode{
	"add_assign": bytecode.OpAdd, "sub_assign": bytecode.OpSub,
	"mul_assign": bytecode.OpMul, "div_assign": bytecode.OpDiv, "mod_assign": bytecode.OpMod,
}

// compileExpr lowers an expression node, returning the register its value
// ends up in. Callers are responsible for freeing that register once done
// with it, unless it is a named local's home register.
func (c *Compiler) compileExpr(n *ast.Node) (uint8, error) {
	switch n.Type {
	case "literal":
		return c.compileLiteral(n)

	case "ident", "variable", "constant":
		return c.compileIdentRead(n.Name)

	case "argv":
		dest := c.cur.allocReg()
		c.cur.emit(bytecode.EncodeABC(bytecode.OpArgv, dest, 0, 0))
		return dest, nil

	case "and", "or":
		return c.compileShortCircuit(n)

	case "condexpr":
		return c.compileCondExpr(n)

	case "neg":
		return c.compileUnary(n, bytecode.OpNeg)
	case "not":
		return c.compileUnary(n, bytecode.OpLogNot)
	case "bit_not":
		return c.compileUnary(n, bytecode.OpBitNot)
	case "typeof":
		return c.compileUnary(n, bytecode.OpTypeof)

	case "pre_inc", "pre_dec", "post_inc", "post_dec":
		return c.compileIncDec(n)

	case "assign":
		return c.compileAssign(n)

	case "add_assign", "sub_assign", "mul_assign", "div_assign", "mod_assign":
		return c.compileCompoundAssign(n)

	case "subscript":
		return c.compileSubscriptGet(n)

	case "memberof":
		return c.compilePropGet(n)

	case "call":
		return c.compileCall(n)

	case "array":
		return c.compileArrayLiteral(n)

	case "hashmap":
		return c.compileHashmapLiteral(n)

	case "function":
		dest := c.cur.allocReg()
		if err := c.compileFunctionInto(n, dest); err != nil {
			return 0, err
		}
		return dest, nil

	default:
		if op, ok := binOpcode[n.Type]; ok {
			return c.compileBinary(n, op)
		}
		return 0, &CompileError{Message: fmt.Sprintf("unhandled expression node %q", n.Type), Line: n.Line, Column: n.Column}
	}
}

func (c *Compiler) compileLiteral(n *ast.Node) (uint8, error) {
	dest := c.cur.allocReg()
	lit := n.Value
	switch lit.Kind {
	case ast.LitNil:
		c.cur.emit(bytecode.EncodeABC(bytecode.OpLdConst, dest, uint8(bytecode.LitNil), 0))
	case ast.LitBool:
		kind := bytecode.LitFalse
		if lit.Bool {
			kind = bytecode.LitTrue
		}
		c.cur.emit(bytecode.EncodeABC(bytecode.OpLdConst, dest, uint8(kind), 0))
	case ast.LitInt:
		c.cur.emit(bytecode.EncodeABC(bytecode.OpLdConst, dest, uint8(bytecode.LitInt), 0))
		w := bytecode.EncodeInt64(lit.Int)
		c.cur.emit(w[0])
		c.cur.emit(w[1])
	case ast.LitFloat:
		c.cur.emit(bytecode.EncodeABC(bytecode.OpLdConst, dest, uint8(bytecode.LitFloat), 0))
		w := bytecode.EncodeFloat64(lit.Float)
		c.cur.emit(w[0])
		c.cur.emit(w[1])
	case ast.LitString:
		symIdx := c.stringConst(lit.Str)
		c.cur.emit(bytecode.EncodeAMid(bytecode.OpLdSym, dest, uint16(symIdx)))
	}
	return dest, nil
}

// resolveUpvalue walks the enclosing funcScope chain looking for name as a
// local or an already-captured upvalue, threading a fresh upvalue
// descriptor through every intervening function as it unwinds: kind
// `local` at the nearest enclosing frame, `outer` at further ones.
func resolveUpvalue(fs *funcScope, name string) (int, bool) {
	if fs.parent == nil {
		return 0, false
	}
	if reg, ok := fs.parent.lookupLocal(name); ok {
		idx := len(fs.upvalues)
		fs.upvalues = append(fs.upvalues, upvalDesc{kind: bytecode.UpvalLocal, idx: reg})
		fs.upvalIndex[name] = idx
		return idx, true
	}
	if outerIdx, ok := fs.parent.upvalIndex[name]; ok {
		idx := len(fs.upvalues)
		fs.upvalues = append(fs.upvalues, upvalDesc{kind: bytecode.UpvalOuter, idx: uint8(outerIdx)})
		fs.upvalIndex[name] = idx
		return idx, true
	}
	if outerIdx, ok := resolveUpvalue(fs.parent, name); ok {
		idx := len(fs.upvalues)
		fs.upvalues = append(fs.upvalues, upvalDesc{kind: bytecode.UpvalOuter, idx: uint8(outerIdx)})
		fs.upvalIndex[name] = idx
		return idx, true
	}
	return 0, false
}

func (c *Compiler) compileIdentRead(name string) (uint8, error) {
	if reg, ok := c.cur.lookupLocal(name); ok {
		dest := c.cur.allocReg()
		c.cur.emit(bytecode.EncodeABC(bytecode.OpMov, dest, reg, 0))
		return dest, nil
	}
	if idx, ok := c.cur.upvalIndex[name]; ok {
		dest := c.cur.allocReg()
		c.cur.emit(bytecode.EncodeAMid(bytecode.OpLdUpval, dest, uint16(idx)))
		return dest, nil
	}
	if idx, ok := resolveUpvalue(c.cur, name); ok {
		dest := c.cur.allocReg()
		c.cur.emit(bytecode.EncodeAMid(bytecode.OpLdUpval, dest, uint16(idx)))
		return dest, nil
	}
	dest := c.cur.allocReg()
	symIdx := c.symbolFor(name)
	c.cur.emit(bytecode.EncodeAMid(bytecode.OpLdSym, dest, uint16(symIdx)))
	return dest, nil
}

// compileIdentStore emits the instructions to store the value in valReg
// into the binding named name. Captured variables cannot be assigned: a
// closure's upvalues are immutable once constructed, so a store that
// would have to go through an upvalue is a semantic error.
func (c *Compiler) compileIdentStore(n *ast.Node, name string, valReg uint8) error {
	if reg, ok := c.cur.lookupLocal(name); ok {
		c.cur.emit(bytecode.EncodeABC(bytecode.OpMov, reg, valReg, 0))
		return nil
	}
	if _, ok := c.cur.upvalIndex[name]; ok {
		return &CompileError{Message: fmt.Sprintf("cannot assign to captured variable %q", name), Line: n.Line, Column: n.Column}
	}
	if _, ok := resolveUpvalue(c.cur, name); ok {
		return &CompileError{Message: fmt.Sprintf("cannot assign to captured variable %q", name), Line: n.Line, Column: n.Column}
	}
	return &CompileError{Message: fmt.Sprintf("assignment to undeclared variable %q", name), Line: n.Line, Column: n.Column}
}

func (c *Compiler) compileAssign(n *ast.Node) (uint8, error) {
	valReg, err := c.compileExpr(n.Right)
	if err != nil {
		return 0, err
	}
	switch n.Left.Type {
	case "ident", "variable":
		if err := c.compileIdentStore(n, n.Left.Name, valReg); err != nil {
			return 0, err
		}
	case "subscript":
		return c.compileSubscriptSet(n.Left, valReg)
	case "memberof":
		return c.compilePropSet(n.Left, valReg)
	default:
		return 0, &CompileError{Message: "invalid assignment target", Line: n.Line, Column: n.Column}
	}
	return valReg, nil
}

func (c *Compiler) compileCompoundAssign(n *ast.Node) (uint8, error) {
	op := compoundAssignOp[n.Type]
	curReg, err := c.compileExpr(n.Left)
	if err != nil {
		return 0, err
	}
	rhsReg, err := c.compileExpr(n.Right)
	if err != nil {
		return 0, err
	}
	dest := c.cur.allocReg()
	c.cur.emit(bytecode.EncodeABC(op, dest, curReg, rhsReg))
	c.cur.freeReg(curReg)
	c.cur.freeReg(rhsReg)

	switch n.Left.Type {
	case "ident", "variable":
		if err := c.compileIdentStore(n, n.Left.Name, dest); err != nil {
			return 0, err
		}
	case "subscript":
		return c.compileSubscriptSet(n.Left, dest)
	case "memberof":
		return c.compilePropSet(n.Left, dest)
	}
	return dest, nil
}

func (c *Compiler) compileBinary(n *ast.Node, op bytecode.Opcode) (uint8, error) {
	l, err := c.compileExpr(n.Left)
	if err != nil {
		return 0, err
	}
	r, err := c.compileExpr(n.Right)
	if err != nil {
		return 0, err
	}
	dest := c.cur.allocReg()
	c.cur.emit(bytecode.EncodeABC(op, dest, l, r))
	c.cur.freeReg(l)
	c.cur.freeReg(r)
	return dest, nil
}

func (c *Compiler) compileUnary(n *ast.Node, op bytecode.Opcode) (uint8, error) {
	src, err := c.compileExpr(n.Expr)
	if err != nil {
		return 0, err
	}
	dest := c.cur.allocReg()
	c.cur.emit(bytecode.EncodeABC(op, dest, src, 0))
	c.cur.freeReg(src)
	return dest, nil
}

// compileShortCircuit lowers "and"/"or" so the right-hand side is only
// evaluated when its value could change the result.
func (c *Compiler) compileShortCircuit(n *ast.Node) (uint8, error) {
	dest, err := c.compileExpr(n.Left)
	if err != nil {
		return 0, err
	}
	op := bytecode.OpJze
	if n.Type == "or" {
		op = bytecode.OpJnz
	}
	skip := c.cur.emitJump(op, dest)

	rhs, err := c.compileExpr(n.Right)
	if err != nil {
		return 0, err
	}
	c.cur.emit(bytecode.EncodeABC(bytecode.OpMov, dest, rhs, 0))
	c.cur.freeReg(rhs)
	c.cur.patchJump(skip)
	return dest, nil
}

func (c *Compiler) compileCondExpr(n *ast.Node) (uint8, error) {
	condReg, err := c.compileExpr(n.Cond)
	if err != nil {
		return 0, err
	}
	jze := c.cur.emitJump(bytecode.OpJze, condReg)
	c.cur.freeReg(condReg)

	dest := c.cur.allocReg()
	trueReg, err := c.compileExpr(n.True)
	if err != nil {
		return 0, err
	}
	c.cur.emit(bytecode.EncodeABC(bytecode.OpMov, dest, trueReg, 0))
	c.cur.freeReg(trueReg)
	jmp := c.cur.emitJump(bytecode.OpJmp, 0)

	c.cur.patchJump(jze)
	falseReg, err := c.compileExpr(n.False)
	if err != nil {
		return 0, err
	}
	c.cur.emit(bytecode.EncodeABC(bytecode.OpMov, dest, falseReg, 0))
	c.cur.freeReg(falseReg)
	c.cur.patchJump(jmp)
	return dest, nil
}

func (c *Compiler) compileIncDec(n *ast.Node) (uint8, error) {
	target := n.Expr
	op := bytecode.OpAdd
	isDec := n.Type == "pre_dec" || n.Type == "post_dec"
	if isDec {
		op = bytecode.OpSub
	}
	isPost := n.Type == "post_inc" || n.Type == "post_dec"

	// a local target mutates its home register in place via INC/DEC
	if target.Type == "ident" || target.Type == "variable" {
		if reg, ok := c.cur.lookupLocal(target.Name); ok {
			inPlace := bytecode.OpInc
			if isDec {
				inPlace = bytecode.OpDec
			}
			dest := c.cur.allocReg()
			if isPost {
				c.cur.emit(bytecode.EncodeABC(bytecode.OpMov, dest, reg, 0))
				c.cur.emit(bytecode.EncodeABC(inPlace, reg, 0, 0))
			} else {
				c.cur.emit(bytecode.EncodeABC(inPlace, reg, 0, 0))
				c.cur.emit(bytecode.EncodeABC(bytecode.OpMov, dest, reg, 0))
			}
			return dest, nil
		}
	}

	cur, err := c.compileExpr(target)
	if err != nil {
		return 0, err
	}
	one := c.cur.allocReg()
	c.cur.emit(bytecode.EncodeABC(bytecode.OpLdConst, one, uint8(bytecode.LitInt), 0))
	w := bytecode.EncodeInt64(1)
	c.cur.emit(w[0])
	c.cur.emit(w[1])

	updated := c.cur.allocReg()
	c.cur.emit(bytecode.EncodeABC(op, updated, cur, one))
	c.cur.freeReg(one)

	switch target.Type {
	case "ident", "variable":
		if err := c.compileIdentStore(n, target.Name, updated); err != nil {
			return 0, err
		}
	case "subscript":
		if _, err := c.compileSubscriptSet(target, updated); err != nil {
			return 0, err
		}
	case "memberof":
		if _, err := c.compilePropSet(target, updated); err != nil {
			return 0, err
		}
	default:
		return 0, &CompileError{Message: "invalid increment/decrement target", Line: n.Line, Column: n.Column}
	}

	if isPost {
		c.cur.freeReg(updated)
		return cur, nil
	}
	c.cur.freeReg(cur)
	return updated, nil
}

func (c *Compiler) compileSubscriptGet(n *ast.Node) (uint8, error) {
	obj, err := c.compileExpr(n.Object)
	if err != nil {
		return 0, err
	}
	idx, err := c.compileExpr(n.Index)
	if err != nil {
		return 0, err
	}
	dest := c.cur.allocReg()
	c.cur.emit(bytecode.EncodeABC(bytecode.OpIdxGet, dest, obj, idx))
	c.cur.freeReg(obj)
	c.cur.freeReg(idx)
	return dest, nil
}

func (c *Compiler) compileSubscriptSet(n *ast.Node, valReg uint8) (uint8, error) {
	obj, err := c.compileExpr(n.Object)
	if err != nil {
		return 0, err
	}
	idx, err := c.compileExpr(n.Index)
	if err != nil {
		return 0, err
	}
	c.cur.emit(bytecode.EncodeABC(bytecode.OpIdxSet, obj, idx, valReg))
	c.cur.freeReg(obj)
	c.cur.freeReg(idx)
	return valReg, nil
}

func (c *Compiler) compilePropGet(n *ast.Node) (uint8, error) {
	obj, err := c.compileExpr(n.Object)
	if err != nil {
		return 0, err
	}
	dest := c.cur.allocReg()
	symIdx := c.stringConst(n.Name)
	c.cur.emit(bytecode.EncodeABC(bytecode.OpPropGet, dest, obj, 0))
	c.cur.emit(bytecode.Word(symIdx))
	c.cur.freeReg(obj)
	return dest, nil
}

func (c *Compiler) compilePropSet(n *ast.Node, valReg uint8) (uint8, error) {
	obj, err := c.compileExpr(n.Object)
	if err != nil {
		return 0, err
	}
	symIdx := c.stringConst(n.Name)
	c.cur.emit(bytecode.EncodeABC(bytecode.OpPropSet, obj, valReg, 0))
	c.cur.emit(bytecode.Word(symIdx))
	c.cur.freeReg(obj)
	return valReg, nil
}

func (c *Compiler) compileCall(n *ast.Node) (uint8, error) {
	// method-call sugar: `obj.name(args)` lowers to METHOD (class-chain
	// lookup) rather than PROPGET+CALL, and passes the receiver as the
	// first call argument so methods can reach their instance.
	if n.Func.Type == "memberof" {
		obj, err := c.compileExpr(n.Func.Object)
		if err != nil {
			return 0, err
		}
		fnReg := c.cur.allocReg()
		symIdx := c.stringConst(n.Func.Name)
		c.cur.emit(bytecode.EncodeABC(bytecode.OpMethod, fnReg, obj, 0))
		c.cur.emit(bytecode.Word(symIdx))
		return c.emitCall(fnReg, []uint8{obj}, n.Children)
	}

	fnReg, err := c.compileExpr(n.Func)
	if err != nil {
		return 0, err
	}
	return c.emitCall(fnReg, nil, n.Children)
}

func (c *Compiler) emitCall(fnReg uint8, leading []uint8, args []*ast.Node) (uint8, error) {
	argRegs := append([]uint8(nil), leading...)
	for _, a := range args {
		r, err := c.compileExpr(a)
		if err != nil {
			return 0, err
		}
		argRegs = append(argRegs, r)
	}
	dest := c.cur.allocReg()
	c.cur.emit(bytecode.EncodeABC(bytecode.OpCall, dest, fnReg, uint8(len(argRegs))))
	for _, w := range bytecode.PackArgs(argRegs) {
		c.cur.emit(w)
	}
	c.cur.freeReg(fnReg)
	for _, r := range argRegs {
		c.cur.freeReg(r)
	}
	return dest, nil
}

func (c *Compiler) compileArrayLiteral(n *ast.Node) (uint8, error) {
	dest := c.cur.allocReg()
	c.cur.emit(bytecode.EncodeABC(bytecode.OpNewArr, dest, 0, 0))
	for _, item := range n.Children {
		v, err := c.compileExpr(item)
		if err != nil {
			return 0, err
		}
		c.cur.emit(bytecode.EncodeABC(bytecode.OpArrPush, dest, v, 0))
		c.cur.freeReg(v)
	}
	return dest, nil
}

func (c *Compiler) compileHashmapLiteral(n *ast.Node) (uint8, error) {
	dest := c.cur.allocReg()
	c.cur.emit(bytecode.EncodeABC(bytecode.OpNewHash, dest, 0, 0))
	for _, kv := range n.Children {
		k, err := c.compileExpr(kv.Key)
		if err != nil {
			return 0, err
		}
		v, err := c.compileExpr(kv.Right)
		if err != nil {
			return 0, err
		}
		c.cur.emit(bytecode.EncodeABC(bytecode.OpIdxSet, dest, k, v))
		c.cur.freeReg(k)
		c.cur.freeReg(v)
	}
	return dest, nil
}

// compileFunctionInto lowers a function literal into dest. The body is
// spliced inline after a FUNCTION skip marker and interned as a
// SymFunction entry in the local symbol table, where the enclosing
// program's first execution materialises it into a script-function value
// that LDSYM then loads. Only when the body captured names from an
// enclosing function does a CLOSURE instruction follow, with one upvalue
// descriptor word per capture.
func (c *Compiler) compileFunctionInto(n *ast.Node, dest uint8) error {
	fs := newFuncScope(c.cur, len(n.DeclArgs))
	fs.pushBlock()
	for _, param := range n.DeclArgs {
		fs.blocks[0][param] = fs.allocReg()
	}

	parent := c.cur
	c.cur = fs
	err := c.compileStatement(n.Body)
	c.cur = parent
	if err != nil {
		return err
	}
	reg := fs.allocReg()
	fs.emit(bytecode.EncodeABC(bytecode.OpLdConst, reg, uint8(bytecode.LitNil), 0))
	fs.emit(bytecode.EncodeABC(bytecode.OpRet, reg, 0, 0))
	fs.freeReg(reg)
	fs.popBlock()

	funcBody := c.finishFunction(fs)
	parent.emit(bytecode.EncodeVoid(bytecode.OpFunction))
	entryOffset := len(parent.code)
	for _, w := range funcBody {
		parent.emit(w)
	}

	// The child's code now lives at entryOffset (header) within the
	// parent; rebase the SymFunction entries and debug entries recorded
	// relative to the child, and adopt them into the parent so they
	// shift again if the parent is itself embedded.
	childBase := entryOffset + bytecode.FunctionHeaderWords
	for _, si := range fs.funcSyms {
		c.syms[si].FuncOffset += childBase
	}
	parent.funcSyms = append(parent.funcSyms, fs.funcSyms...)
	for _, d := range fs.debug {
		parent.debug = append(parent.debug, debugEntry{offset: d.offset + childBase, line: d.line, column: d.column})
	}

	symIdx := c.functionConst(n.Name, entryOffset)
	parent.funcSyms = append(parent.funcSyms, symIdx)
	parent.emit(bytecode.EncodeAMid(bytecode.OpLdSym, dest, uint16(symIdx)))

	if len(fs.upvalues) > 0 {
		parent.emit(bytecode.EncodeABC(bytecode.OpClosure, dest, uint8(len(fs.upvalues)), 0))
		for _, uv := range fs.upvalues {
			parent.emit(bytecode.EncodeUpval(uv.kind, uv.idx))
		}
	}
	return nil
}
