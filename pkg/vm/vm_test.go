package vm

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/vela/pkg/bytecode"
	"github.com/kristofer/vela/pkg/compiler"
	"github.com/kristofer/vela/pkg/parser"
	"github.com/kristofer/vela/pkg/value"
)

func compileProgram(t *testing.T, src string) *value.Function {
	t.Helper()
	p := parser.New(src)
	tree, err := p.Parse()
	require.NoError(t, err)
	c := compiler.New()
	words, err := c.Compile(tree)
	require.NoError(t, err)
	prog := value.NewProgram(words)
	prog.Debug = c.Debug()
	return prog
}

func runSource(t *testing.T, src string) (value.Value, *VM) {
	t.Helper()
	vm := New()
	out, err := vm.Run(compileProgram(t, src), nil)
	require.NoError(t, err)
	return out, vm
}

func runError(t *testing.T, src string) (*VM, error) {
	t.Helper()
	vm := New()
	_, err := vm.Run(compileProgram(t, src), nil)
	require.Error(t, err)
	require.NotNil(t, vm.LastError())
	return vm, err
}

func requireInt(t *testing.T, v value.Value, want int64) {
	t.Helper()
	require.Equal(t, value.KindInt, v.Kind, "expected int, got %s", value.TypeName(v))
	assert.Equal(t, want, v.I)
}

func requireString(t *testing.T, v value.Value, want string) {
	t.Helper()
	s, ok := value.AsString(v)
	require.True(t, ok, "expected string, got %s", value.TypeName(v))
	assert.Equal(t, want, string(s.Bytes()))
}

func TestArithmeticExpression(t *testing.T) {
	out, _ := runSource(t, `return 1 + 2 * 3;`)
	requireInt(t, out, 7)
}

func TestArrayIndexing(t *testing.T) {
	out, _ := runSource(t, `let a = [10, 20, 30]; return a[1] + a[2];`)
	requireInt(t, out, 50)
}

func TestRecursiveFactorial(t *testing.T) {
	out, _ := runSource(t, `
		fn fact(n) {
			if n < 2 { return 1; }
			return n * fact(n - 1);
		}
		return fact(6);
	`)
	requireInt(t, out, 720)
}

func TestClosureCapturesUpvalue(t *testing.T) {
	out, _ := runSource(t, `
		fn adder(x) { return fn(y) { return x + y; }; }
		let a5 = adder(5);
		return a5(3) + a5(4);
	`)
	requireInt(t, out, 17)
}

func TestHashmapPropertyFallback(t *testing.T) {
	out, _ := runSource(t, `
		let h = { "a": 1, "b": 2 };
		h.c = 3;
		return h.a + h.b + h.c;
	`)
	requireInt(t, out, 6)
}

func TestBuiltinLengthProperty(t *testing.T) {
	out, _ := runSource(t, `let s = "hello"; return s.length;`)
	requireInt(t, out, 5)

	out, _ = runSource(t, `return [1, 2, 3].length;`)
	requireInt(t, out, 3)

	out, _ = runSource(t, `return { "a": 1 }.length;`)
	requireInt(t, out, 1)
}

func TestUpvalueThroughTwoLevels(t *testing.T) {
	out, _ := runSource(t, `
		fn outer(x) {
			return fn() {
				return fn() { return x; };
			};
		}
		return outer(9)()();
	`)
	requireInt(t, out, 9)
}

func TestTypeofOperator(t *testing.T) {
	out, _ := runSource(t, `return typeof 1;`)
	requireString(t, out, "int")

	out, _ = runSource(t, `return typeof 1.5;`)
	requireString(t, out, "float")

	out, _ = runSource(t, `return typeof [1];`)
	requireString(t, out, "array")

	out, _ = runSource(t, `return typeof "s" .. "!";`)
	requireString(t, out, "string!")
}

func TestIncDecOnLocals(t *testing.T) {
	out, _ := runSource(t, `let i = 5; i++; return i;`)
	requireInt(t, out, 6)

	out, _ = runSource(t, `let i = 5; return i-- + i;`)
	requireInt(t, out, 9)

	out, _ = runSource(t, `let i = 5; return --i;`)
	requireInt(t, out, 4)
}

func TestWhileLoop(t *testing.T) {
	out, _ := runSource(t, `
		let sum = 0;
		let i = 1;
		while i <= 4 {
			sum = sum + i;
			i = i + 1;
		}
		return sum;
	`)
	requireInt(t, out, 10)
}

func TestForLoopWithBreakAndContinue(t *testing.T) {
	out, _ := runSource(t, `
		let sum = 0;
		for (let i = 0; i < 10; i = i + 1) {
			if i == 3 { continue; }
			if i == 6 { break; }
			sum = sum + i;
		}
		return sum;
	`)
	// 0 + 1 + 2 + 4 + 5
	requireInt(t, out, 12)
}

func TestDoWhileRunsBodyAtLeastOnce(t *testing.T) {
	out, _ := runSource(t, `
		let n = 0;
		do { n = n + 1; } while n < 0;
		return n;
	`)
	requireInt(t, out, 1)
}

func TestCondExpr(t *testing.T) {
	out, _ := runSource(t, `return 2 > 1 ? "big" : "small";`)
	requireString(t, out, "big")
}

func TestShortCircuitSkipsFaultingOperand(t *testing.T) {
	// the right-hand side would raise (number vs string ordering) if
	// evaluated
	out, _ := runSource(t, `return false && (1 < "x");`)
	require.Equal(t, value.KindBool, out.Kind)
	assert.False(t, out.B)

	out, _ = runSource(t, `return true || (1 < "x");`)
	assert.True(t, out.B)
}

func TestConcat(t *testing.T) {
	out, _ := runSource(t, `return "foo" .. "bar";`)
	requireString(t, out, "foobar")
}

func TestStringOrdering(t *testing.T) {
	out, _ := runSource(t, `return "apple" < "banana";`)
	require.Equal(t, value.KindBool, out.Kind)
	assert.True(t, out.B)
}

func TestStringByteIndexing(t *testing.T) {
	out, _ := runSource(t, `let s = "A"; return s[0];`)
	requireInt(t, out, 65)
}

func TestIntegerDivisionTruncates(t *testing.T) {
	out, _ := runSource(t, `return 7 / 2;`)
	requireInt(t, out, 3)

	out, _ = runSource(t, `return 7.0 / 2;`)
	require.Equal(t, value.KindFloat, out.Kind)
	assert.Equal(t, 3.5, out.F)
}

func TestIntegerDivisionByZeroIsRuntimeError(t *testing.T) {
	_, err := runError(t, `return 1 / 0;`)
	assert.Contains(t, err.Error(), "division by zero")

	_, err = runError(t, `return 1 % 0;`)
	assert.Contains(t, err.Error(), "modulo by zero")
}

func TestFloatDivisionByZeroYieldsInfinity(t *testing.T) {
	out, _ := runSource(t, `return 1.0 / 0.0;`)
	require.Equal(t, value.KindFloat, out.Kind)
	assert.True(t, math.IsInf(out.F, 1))
}

func TestNegativeArrayIndexIsRuntimeError(t *testing.T) {
	_, err := runError(t, `let a = [1]; return a[-1];`)
	assert.Contains(t, err.Error(), "out of range")
}

func TestNilHashmapKeyIsRuntimeError(t *testing.T) {
	_, err := runError(t, `let h = { "a": 1 }; h[nil] = 2; return h;`)
	assert.Contains(t, err.Error(), "nil is not a valid hashmap key")
}

func TestNaNHashmapKeyIsRuntimeError(t *testing.T) {
	_, err := runError(t, `let h = { "a": 1 }; h[0.0 / 0.0] = 2; return h;`)
	assert.Contains(t, err.Error(), "NaN is not a valid hashmap key")
}

func TestSettingHashmapValueToNilDeletes(t *testing.T) {
	out, _ := runSource(t, `
		let h = { "a": 1, "b": 2 };
		h["a"] = nil;
		return h.length;
	`)
	requireInt(t, out, 1)
}

func TestCallingNonFunctionIsRuntimeError(t *testing.T) {
	_, err := runError(t, `let x = 5; return x();`)
	assert.Contains(t, err.Error(), "cannot call a int")
}

func TestOrderingNumberAgainstStringIsRuntimeError(t *testing.T) {
	_, err := runError(t, `return 1 < "a";`)
	assert.Contains(t, err.Error(), "cannot order")
}

func TestConditionMustBeBoolean(t *testing.T) {
	_, err := runError(t, `if 1 { return 2; } return 3;`)
	assert.Contains(t, err.Error(), "requires a boolean")
}

func TestUndefinedGlobalIsRuntimeError(t *testing.T) {
	_, err := runError(t, `return missing;`)
	assert.Contains(t, err.Error(), `undefined global "missing"`)
}

func TestArgvLengthMatchesActualArgs(t *testing.T) {
	out, _ := runSource(t, `
		fn f(a) { return $.length; }
		return f(1, 2, 3);
	`)
	requireInt(t, out, 3)
}

func TestArgvIsCachedPerFrame(t *testing.T) {
	out, _ := runSource(t, `
		fn f() { return $ == $; }
		return f(1);
	`)
	require.Equal(t, value.KindBool, out.Kind)
	assert.True(t, out.B)
}

func TestSymtabPopulatedAtMostOnce(t *testing.T) {
	prog := compileProgram(t, `let s = "x"; return s;`)
	vm := New()

	out1, err := vm.Run(prog, nil)
	require.NoError(t, err)
	require.True(t, prog.SymtabRead())
	symtab := prog.Symtab

	out2, err := vm.Run(prog, nil)
	require.NoError(t, err)

	// same slice instance: the one-shot gate never rebuilt it
	require.Equal(t, len(symtab), len(prog.Symtab))
	require.Same(t, &symtab[0], &prog.Symtab[0])
	requireString(t, out1, "x")
	requireString(t, out2, "x")
}

func TestGlbValTwiceRaisesOnSecondRun(t *testing.T) {
	prog := compileProgram(t, `const g = 1; return g;`)
	vm := New()

	out, err := vm.Run(prog, nil)
	require.NoError(t, err)
	requireInt(t, out, 1)

	_, err = vm.Run(prog, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `global "g" is already defined`)
	require.NotNil(t, vm.LastError())
}

func TestLdSymMemoisesResolvedGlobal(t *testing.T) {
	prog := compileProgram(t, `return probe + 1;`)
	vm := New()
	vm.RegisterGlobal("probe", value.Int(41))

	out, err := vm.Run(prog, nil)
	require.NoError(t, err)
	requireInt(t, out, 42)

	// replacing the global after the first resolution must not change
	// what the memoised LDSYM slot yields
	vm.RegisterGlobal("probe", value.Int(1000))
	out, err = vm.Run(prog, nil)
	require.NoError(t, err)
	requireInt(t, out, 42)
}

func TestNativeFunctionCall(t *testing.T) {
	vm := New()
	vm.RegisterLibrary("add2", func(out *value.Value, args []value.Value, ctx any) int {
		*out = value.Int(args[0].I + args[1].I)
		return 0
	})
	out, err := vm.Run(compileProgram(t, `return add2(2, 3);`), nil)
	require.NoError(t, err)
	requireInt(t, out, 5)
}

func TestNativeFunctionErrorBecomesRuntimeError(t *testing.T) {
	vm := New()
	vm.RegisterLibrary("boom", func(out *value.Value, args []value.Value, ctx any) int {
		return 3
	})
	_, err := vm.Run(compileProgram(t, `return boom();`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"boom" failed with code 3`)

	trace := vm.StackTrace()
	require.NotEmpty(t, trace)
	assert.Equal(t, "<program>", trace[len(trace)-1].Name)
}

func TestReentrantCallFromNative(t *testing.T) {
	vm := New()
	vm.RegisterLibrary("apply", func(out *value.Value, args []value.Value, ctx any) int {
		v, err := vm.Call(args[0], args[1:])
		if err != nil {
			return 1
		}
		*out = v
		return 0
	})
	out, err := vm.Run(compileProgram(t, `
		fn double(x) { return x * 2; }
		return apply(double, 21);
	`), nil)
	require.NoError(t, err)
	requireInt(t, out, 42)
}

func TestMethodCallPassesReceiver(t *testing.T) {
	vm := New()
	methods := value.NewHashmap()
	methods.Set(value.NewString("shout").Value(),
		value.NewNative("shout", func(out *value.Value, args []value.Value, ctx any) int {
			s, ok := value.AsString(args[0])
			if !ok {
				return 1
			}
			*out = value.NewString(string(s.Bytes()) + "!").Value()
			return 0
		}).Value())
	vm.DefineClass("string", methods)

	out, err := vm.Run(compileProgram(t, `let s = "hey"; return s.shout();`), nil)
	require.NoError(t, err)
	requireString(t, out, "hey!")
}

func TestMethodOnClasslessTypeIsRuntimeError(t *testing.T) {
	_, err := runError(t, `let x = 5; return x.frobnicate();`)
	assert.Contains(t, err.Error(), "no class for int")
}

func TestPropertyAccessorsOnHashmap(t *testing.T) {
	vm := New()
	var stored value.Value
	accessor := value.NewHashmap()
	accessor.Set(value.NewString("get").Value(),
		value.NewNative("get", func(out *value.Value, args []value.Value, ctx any) int {
			*out = value.Int(7)
			return 0
		}).Value())
	accessor.Set(value.NewString("set").Value(),
		value.NewNative("set", func(out *value.Value, args []value.Value, ctx any) int {
			stored = args[1]
			return 0
		}).Value())

	h := value.NewHashmap()
	h.Set(value.NewString("x").Value(), accessor.Value())
	vm.RegisterGlobal("obj", h.Value())

	out, err := vm.Run(compileProgram(t, `obj.x = 99; return obj.x;`), nil)
	require.NoError(t, err)
	requireInt(t, out, 7)
	requireInt(t, stored, 99)
}

func TestClassChainFollowsSuper(t *testing.T) {
	vm := New()
	base := value.NewHashmap()
	base.Set(value.NewString("kind").Value(), value.NewString("base").Value())
	derived := value.NewHashmap()
	derived.Set(value.NewString("super").Value(), base.Value())
	vm.RegisterGlobal("obj", derived.Value())

	out, err := vm.Run(compileProgram(t, `return obj.kind;`), nil)
	require.NoError(t, err)
	requireString(t, out, "base")
}

func TestReturnedObjectHasSingleOwner(t *testing.T) {
	out, _ := runSource(t, `return [1, 2, 3];`)
	arr, ok := value.AsArray(out)
	require.True(t, ok)
	assert.EqualValues(t, 1, arr.RefCount())
	assert.Equal(t, 3, arr.Count())
}

func TestRuntimeErrorCarriesSourcePosition(t *testing.T) {
	vm, _ := runError(t, "let a = [1];\nreturn a[5];\n")
	trace := vm.StackTrace()
	require.NotEmpty(t, trace)
	assert.Equal(t, 2, trace[0].SourceLine)
}

func TestErrorClearedByNextSuccessfulEntry(t *testing.T) {
	vm := New()
	_, err := vm.Run(compileProgram(t, `return 1 / 0;`), nil)
	require.Error(t, err)
	require.NotNil(t, vm.LastError())

	out, err := vm.Run(compileProgram(t, `return 4;`), nil)
	require.NoError(t, err)
	requireInt(t, out, 4)
	assert.Nil(t, vm.LastError())
}

func TestCallScriptFunctionValueDirectly(t *testing.T) {
	vm := New()
	_, err := vm.Run(compileProgram(t, `const inc = fn(x) { return x + 1; };`), nil)
	require.NoError(t, err)

	fn, ok := vm.Global("inc")
	require.True(t, ok)
	out, err := vm.Call(fn, []value.Value{value.Int(41)})
	require.NoError(t, err)
	requireInt(t, out, 42)
}

var scenarios = []struct {
	name string
	src  string
	want int64
}{
	{"arith", `return 1 + 2 * 3;`, 7},
	{"array", `let a = [10, 20, 30]; return a[1] + a[2];`, 50},
	{"fact", `fn fact(n) { if n < 2 { return 1; } return n * fact(n - 1); } return fact(6);`, 720},
	{"closure", `fn adder(x) { return fn(y) { return x + y; }; } let a5 = adder(5); return a5(3) + a5(4);`, 17},
	{"hashmap", `let h = { "a": 1, "b": 2 }; h.c = 3; return h.a + h.b + h.c;`, 6},
	{"strlen", `let s = "hello"; return s.length;`, 5},
}

func TestScenariosSurviveObjectFileRoundTrip(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			p := parser.New(sc.src)
			tree, err := p.Parse()
			require.NoError(t, err)
			words, err := compiler.New().Compile(tree)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, bytecode.WriteObject(&buf, words))
			reloaded, err := bytecode.ReadObject(&buf)
			require.NoError(t, err)

			vm := New()
			prog, err := vm.LoadObject(reloaded)
			require.NoError(t, err)
			out, err := vm.Run(prog, nil)
			require.NoError(t, err)
			requireInt(t, out, sc.want)
		})
	}
}

func TestScenariosAreDeterministicAcrossRuns(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			prog := compileProgram(t, sc.src)
			vm := New()
			out1, err := vm.Run(prog, nil)
			require.NoError(t, err)
			out2, err := vm.Run(prog, nil)
			require.NoError(t, err)
			requireInt(t, out1, sc.want)
			requireInt(t, out2, sc.want)
		})
	}
}
