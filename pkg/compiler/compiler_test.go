package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/vela/pkg/bytecode"
	"github.com/kristofer/vela/pkg/parser"
)

func compileSource(t *testing.T, src string) []bytecode.Word {
	t.Helper()
	p := parser.New(src)
	prog, err := p.Parse()
	require.NoError(t, err)
	c := New()
	words, err := c.Compile(prog)
	require.NoError(t, err)
	return words
}

func compileError(t *testing.T, src string) *CompileError {
	t.Helper()
	p := parser.New(src)
	prog, err := p.Parse()
	require.NoError(t, err)
	c := New()
	_, err = c.Compile(prog)
	require.Error(t, err)
	ce, ok := err.(*CompileError)
	require.True(t, ok, "expected *CompileError, got %T", err)
	return ce
}

// instrWidth returns how many words the instruction at index i occupies,
// including operand payload words.
func instrWidth(words []bytecode.Word, i int) int {
	w := words[i]
	switch op := bytecode.DecodeOp(w); op {
	case bytecode.OpLdConst:
		_, mid := bytecode.DecodeAMid(w)
		switch bytecode.LiteralKind(mid) {
		case bytecode.LitInt, bytecode.LitFloat:
			return 3
		}
		return 1
	case bytecode.OpJmp, bytecode.OpJze, bytecode.OpJnz,
		bytecode.OpMethod, bytecode.OpPropGet, bytecode.OpPropSet:
		return 2
	case bytecode.OpCall:
		_, _, argc := bytecode.DecodeABC(w)
		return 1 + bytecode.PackedArgWords(int(argc))
	case bytecode.OpClosure:
		_, upvals, _ := bytecode.DecodeABC(w)
		return 1 + int(upvals)
	case bytecode.OpFunction:
		bodyLen := int(words[i+1])
		return 1 + bytecode.FunctionHeaderWords + bodyLen
	default:
		return 1
	}
}

// opcodes walks the top-level executable region (skipping nested function
// bodies via their FUNCTION markers) and returns the opcode sequence.
func opcodes(t *testing.T, words []bytecode.Word) []bytecode.Opcode {
	t.Helper()
	hdr, err := bytecode.DecodeHeader(words)
	require.NoError(t, err)
	var ops []bytecode.Opcode
	i := bytecode.HeaderWords + bytecode.FunctionHeaderWords
	for i < hdr.SymOffset {
		ops = append(ops, bytecode.DecodeOp(words[i]))
		i += instrWidth(words, i)
	}
	require.Equal(t, hdr.SymOffset, i, "instruction walk must land exactly on the symbol table")
	return ops
}

func countOp(ops []bytecode.Opcode, op bytecode.Opcode) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}

func TestProgramHeaderFrameSizeMatchesFunctionHeader(t *testing.T) {
	words := compileSource(t, `let a = 1; let b = 2; return a + b;`)
	hdr, err := bytecode.DecodeHeader(words)
	require.NoError(t, err)

	nregs := int(words[bytecode.HeaderWords+2])
	assert.Equal(t, hdr.FrameSize, nregs)

	declArgc := int(words[bytecode.HeaderWords+1])
	assert.Equal(t, 0, declArgc)

	bodyLen := int(words[bytecode.HeaderWords])
	assert.Equal(t, hdr.SymOffset, bytecode.HeaderWords+bytecode.FunctionHeaderWords+bodyLen)
}

func TestSymbolCountMatchesEntries(t *testing.T) {
	words := compileSource(t, `let s = "hello"; return s .. "world";`)
	hdr, err := bytecode.DecodeHeader(words)
	require.NoError(t, err)
	entries, err := bytecode.DecodeSymtab(words, hdr.SymOffset, hdr.SymCount)
	require.NoError(t, err)
	assert.Len(t, entries, hdr.SymCount)
}

func TestStringLiteralsAreInternedOnce(t *testing.T) {
	words := compileSource(t, `return "dup" .. "dup";`)
	hdr, err := bytecode.DecodeHeader(words)
	require.NoError(t, err)
	entries, err := bytecode.DecodeSymtab(words, hdr.SymOffset, hdr.SymCount)
	require.NoError(t, err)

	n := 0
	for _, e := range entries {
		if e.Kind == bytecode.SymString && e.Str == "dup" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestCallPacksArgumentRegisterWords(t *testing.T) {
	words := compileSource(t, `f(1, 2, 3, 4, 5);`)
	hdr, err := bytecode.DecodeHeader(words)
	require.NoError(t, err)

	i := bytecode.HeaderWords + bytecode.FunctionHeaderWords
	found := false
	for i < hdr.SymOffset {
		if bytecode.DecodeOp(words[i]) == bytecode.OpCall {
			_, _, argc := bytecode.DecodeABC(words[i])
			require.EqualValues(t, 5, argc)
			// 5 packed 8-bit indices need ceil(5/4) = 2 words
			assert.Equal(t, 2, bytecode.PackedArgWords(int(argc)))
			found = true
		}
		i += instrWidth(words, i)
	}
	assert.True(t, found, "expected a CALL instruction")
}

func TestIfElseLowering(t *testing.T) {
	ops := opcodes(t, compileSource(t, `let x = true; if x { return 1; } else { return 2; }`))
	assert.Equal(t, 1, countOp(ops, bytecode.OpJze))
	assert.Equal(t, 1, countOp(ops, bytecode.OpJmp))
}

func TestWhileLoopJumpsBackwards(t *testing.T) {
	words := compileSource(t, `let i = 0; while i < 3 { i = i + 1; }`)
	hdr, err := bytecode.DecodeHeader(words)
	require.NoError(t, err)

	sawBackJump := false
	i := bytecode.HeaderWords + bytecode.FunctionHeaderWords
	for i < hdr.SymOffset {
		if bytecode.DecodeOp(words[i]) == bytecode.OpJmp {
			if int32(words[i+1]) < 0 {
				sawBackJump = true
			}
		}
		i += instrWidth(words, i)
	}
	assert.True(t, sawBackJump, "a while loop needs a backwards JMP to its test")
}

func TestBreakOutsideLoopIsSemanticError(t *testing.T) {
	ce := compileError(t, `break;`)
	assert.Contains(t, ce.Message, "break outside loop")
	assert.Equal(t, 1, ce.Line)
}

func TestContinueOutsideLoopIsSemanticError(t *testing.T) {
	ce := compileError(t, `continue;`)
	assert.Contains(t, ce.Message, "continue outside loop")
}

func TestAssignToUndeclaredVariableIsSemanticError(t *testing.T) {
	ce := compileError(t, `x = 1;`)
	assert.Contains(t, ce.Message, "undeclared")
}

func TestAssignToCapturedVariableIsSemanticError(t *testing.T) {
	ce := compileError(t, `fn outer(x) { return fn() { x = 1; return x; }; }`)
	assert.Contains(t, ce.Message, "captured")
}

func TestIncDecOnLocalMutatesInPlace(t *testing.T) {
	ops := opcodes(t, compileSource(t, `let i = 0; i++; --i;`))
	assert.Equal(t, 1, countOp(ops, bytecode.OpInc))
	assert.Equal(t, 1, countOp(ops, bytecode.OpDec))
}

func TestConstDeclEmitsGlbVal(t *testing.T) {
	ops := opcodes(t, compileSource(t, `const answer = 42;`))
	assert.Equal(t, 1, countOp(ops, bytecode.OpGlbVal))
}

func TestNonCapturingFunctionLiteralHasNoClosure(t *testing.T) {
	ops := opcodes(t, compileSource(t, `let id = fn(y) { return y; }; return id(1);`))
	assert.Equal(t, 0, countOp(ops, bytecode.OpClosure))
	assert.Equal(t, 1, countOp(ops, bytecode.OpFunction))
}

func TestCapturingFunctionLiteralEmitsClosure(t *testing.T) {
	words := compileSource(t, `fn adder(x) { return fn(y) { return x + y; }; }`)
	ops := opcodes(t, words)
	// the outer named function is skipped as one FUNCTION unit, so no
	// CLOSURE shows at top level unless the outer itself captures
	assert.Equal(t, 1, countOp(ops, bytecode.OpFunction))
	assert.Equal(t, 0, countOp(ops, bytecode.OpClosure))

	// the capturing literal's CLOSURE lives inside adder's body
	hdr, err := bytecode.DecodeHeader(words)
	require.NoError(t, err)
	entries, err := bytecode.DecodeSymtab(words, hdr.SymOffset, hdr.SymCount)
	require.NoError(t, err)
	inner := 0
	for _, e := range entries {
		if e.Kind != bytecode.SymFunction || e.FuncName != "adder" {
			continue
		}
		start := e.FuncOffset + bytecode.FunctionHeaderWords
		end := start + int(words[e.FuncOffset])
		for i := start; i < end; i += instrWidth(words, i) {
			if bytecode.DecodeOp(words[i]) == bytecode.OpClosure {
				inner++
			}
		}
	}
	assert.Equal(t, 1, inner)
}

func TestRecursiveNamedFunctionCapturesItself(t *testing.T) {
	// `fact` resolves to the enclosing local that holds the closure, so
	// the literal must carry exactly one upvalue descriptor.
	words := compileSource(t, `fn fact(n) { if n < 2 { return 1; } return n * fact(n - 1); }`)
	hdr, err := bytecode.DecodeHeader(words)
	require.NoError(t, err)

	closures := 0
	i := bytecode.HeaderWords + bytecode.FunctionHeaderWords
	for i < hdr.SymOffset {
		if bytecode.DecodeOp(words[i]) == bytecode.OpClosure {
			_, upvals, _ := bytecode.DecodeABC(words[i])
			assert.EqualValues(t, 1, upvals)
			kind, _ := bytecode.DecodeUpval(words[i+1])
			assert.Equal(t, bytecode.UpvalLocal, kind)
			closures++
		}
		i += instrWidth(words, i)
	}
	assert.Equal(t, 1, closures)
}

func TestNestedFunctionOffsetsPointAtFunctionHeaders(t *testing.T) {
	words := compileSource(t, `
		fn outer(x) {
			return fn(y) {
				return fn() { return x + y; };
			};
		}
		let g = fn(a, b) { return a * b; };
	`)
	hdr, err := bytecode.DecodeHeader(words)
	require.NoError(t, err)
	entries, err := bytecode.DecodeSymtab(words, hdr.SymOffset, hdr.SymCount)
	require.NoError(t, err)

	funcs := 0
	for _, e := range entries {
		if e.Kind != bytecode.SymFunction {
			continue
		}
		funcs++
		require.Less(t, e.FuncOffset, hdr.SymOffset)
		bodyLen := int(words[e.FuncOffset])
		declArgc := int(words[e.FuncOffset+1])
		nregs := int(words[e.FuncOffset+2])

		// arguments must fit in the register file
		assert.LessOrEqual(t, declArgc, nregs)
		assert.LessOrEqual(t, e.FuncOffset+bytecode.FunctionHeaderWords+bodyLen, hdr.SymOffset)

		// the body must end with RET
		last := e.FuncOffset + bytecode.FunctionHeaderWords + bodyLen - 1
		assert.Equal(t, bytecode.OpRet, bytecode.DecodeOp(words[last]))
	}
	assert.Equal(t, 4, funcs)
}

func TestInstructionWalkCoversEveryStatementForm(t *testing.T) {
	// A torture program touching every statement/expression lowering path;
	// the walk in opcodes() fails if any emitted width disagrees with the
	// decoder.
	src := `
		let a = [1, 2, 3];
		let h = { "k": 1, 2: "two" };
		let i = 0;
		while i < 3 { i += 1; if i == 2 { continue; } }
		do { i -= 1; } while i > 0;
		for (let j = 0; j < a.length; j = j + 1) {
			if a[j] == 2 { break; }
		}
		let f = fn(x) { return x ? "yes" : "no"; };
		let s = "con" .. "cat";
		h.k = h.k + 1;
		a[0] = -a[0];
		let m = 7 % 3 & 3 | 1 ^ 2;
		let sh = 1 << 4 >> 2;
		let n = !(1 == 2);
		let tilde = ~5;
		i++;
		--i;
		return f(a[1] + h["k"]);
	`
	ops := opcodes(t, compileSource(t, src))
	assert.Positive(t, countOp(ops, bytecode.OpNewArr))
	assert.Positive(t, countOp(ops, bytecode.OpNewHash))
	assert.Positive(t, countOp(ops, bytecode.OpArrPush))
	assert.Positive(t, countOp(ops, bytecode.OpIdxSet))
	assert.Positive(t, countOp(ops, bytecode.OpIdxGet))
	assert.Positive(t, countOp(ops, bytecode.OpPropGet))
	assert.Positive(t, countOp(ops, bytecode.OpPropSet))
	assert.Positive(t, countOp(ops, bytecode.OpConcat))
	assert.Positive(t, countOp(ops, bytecode.OpCall))
	assert.Positive(t, countOp(ops, bytecode.OpRet))
}

func TestDebugInfoMapsOffsetsToLines(t *testing.T) {
	p := parser.New("let a = 1;\nlet b = 2;\nreturn a + b;\n")
	prog, err := p.Parse()
	require.NoError(t, err)
	c := New()
	_, err = c.Compile(prog)
	require.NoError(t, err)

	d := c.Debug()
	require.NotNil(t, d)
	require.NotEmpty(t, d.Offsets)
	// offsets are relative to the assembled program buffer, so the first
	// statement starts right after both headers
	assert.Equal(t, bytecode.HeaderWords+bytecode.FunctionHeaderWords, d.Offsets[0])
	assert.Equal(t, 1, d.Lines[0])
	line, _ := d.LineFor(d.Offsets[len(d.Offsets)-1])
	assert.Equal(t, 3, line)
}
