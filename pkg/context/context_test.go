package context

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/vela/pkg/value"
)

func requireInt(t *testing.T, v value.Value, want int64) {
	t.Helper()
	require.Equal(t, value.KindInt, v.Kind, "expected int, got %s", value.TypeName(v))
	assert.Equal(t, want, v.I)
}

func TestCompileAndCall(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	prog, err := ctx.CompileString(`return 2 + 3;`)
	require.NoError(t, err)
	require.True(t, value.IsFunction(prog))

	out, err := ctx.Call(prog, nil)
	require.NoError(t, err)
	requireInt(t, out, 5)
	assert.Nil(t, ctx.LastError())
}

func TestExecString(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	out, err := ctx.ExecString(`fn sq(x) { return x * x; } return sq(9);`)
	require.NoError(t, err)
	requireInt(t, out, 81)
}

func TestSyntaxErrorKind(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	_, err := ctx.CompileString(`let = ;`)
	require.Error(t, err)
	le := ctx.LastError()
	require.NotNil(t, le)
	assert.Equal(t, ErrSyntax, le.Kind)
	assert.Equal(t, "syntax", le.Kind.String())
}

func TestSemanticErrorKind(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	_, err := ctx.CompileString(`break;`)
	require.Error(t, err)
	le := ctx.LastError()
	require.NotNil(t, le)
	assert.Equal(t, ErrSemantic, le.Kind)
	assert.Equal(t, 1, le.Line)
}

func TestRuntimeErrorKindAndLocation(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	_, err := ctx.ExecString("let a = [1];\nreturn a[9];\n")
	require.Error(t, err)
	le := ctx.LastError()
	require.NotNil(t, le)
	assert.Equal(t, ErrRuntime, le.Kind)
	assert.Equal(t, 2, le.Line)

	trace := ctx.StackTrace()
	require.NotEmpty(t, trace)
	assert.Equal(t, "<program>", trace[0].Name)
}

func TestGenericErrorKindForMissingFile(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	_, err := ctx.CompileFile(filepath.Join(t.TempDir(), "no-such.vela"))
	require.Error(t, err)
	require.NotNil(t, ctx.LastError())
	assert.Equal(t, ErrGeneric, ctx.LastError().Kind)
}

func TestCompileFile(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	path := filepath.Join(t.TempDir(), "prog.vela")
	writeFile(t, path, `return 6 * 7;`)

	prog, err := ctx.CompileFile(path)
	require.NoError(t, err)
	out, err := ctx.Call(prog, nil)
	require.NoError(t, err)
	requireInt(t, out, 42)
}

func TestSaveAndLoadObjectFile(t *testing.T) {
	scenarios := []struct {
		name string
		src  string
		want int64
	}{
		{"arith", `return 1 + 2 * 3;`, 7},
		{"fact", `fn fact(n) { if n < 2 { return 1; } return n * fact(n - 1); } return fact(6);`, 720},
		{"closure", `fn adder(x) { return fn(y) { return x + y; }; } let a5 = adder(5); return a5(3) + a5(4);`, 17},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			ctx := New()
			defer ctx.Close()

			prog, err := ctx.CompileString(sc.src)
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), sc.name+".velac")
			require.NoError(t, ctx.SaveObjectFile(prog, path))

			loader := New()
			defer loader.Close()
			reloaded, err := loader.LoadObjectFile(path)
			require.NoError(t, err)

			out, err := loader.Call(reloaded, nil)
			require.NoError(t, err)
			requireInt(t, out, sc.want)
		})
	}
}

func TestSaveObjectFileRejectsNonProgram(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	err := ctx.SaveObjectFile(value.Int(3), filepath.Join(t.TempDir(), "x.velac"))
	require.Error(t, err)
	assert.Equal(t, ErrGeneric, ctx.LastError().Kind)
}

func TestLoadObjectFileRejectsGarbage(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	path := filepath.Join(t.TempDir(), "garbage.velac")
	writeFile(t, path, "not bytecode at all..............")

	_, err := ctx.LoadObjectFile(path)
	require.Error(t, err)
	assert.Equal(t, ErrGeneric, ctx.LastError().Kind)
}

func TestRegisterLibraryFlat(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	ctx.RegisterLibrary(Library{
		Name: "math",
		Funcs: map[string]value.NativeFn{
			"triple": func(out *value.Value, args []value.Value, c any) int {
				*out = value.Int(args[0].I * 3)
				return 0
			},
		},
		Constants: map[string]value.Value{
			"answer": value.Int(42),
		},
	}, false)

	out, err := ctx.ExecString(`return triple(4) + answer;`)
	require.NoError(t, err)
	requireInt(t, out, 54)
}

func TestRegisterLibraryGrouped(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	ctx.RegisterLibrary(Library{
		Name: "m",
		Funcs: map[string]value.NativeFn{
			// method-call sugar passes the library hashmap itself as the
			// first argument
			"inc": func(out *value.Value, args []value.Value, c any) int {
				*out = value.Int(args[1].I + 1)
				return 0
			},
		},
		Constants: map[string]value.Value{
			"zero": value.Int(0),
		},
	}, true)

	out, err := ctx.ExecString(`return m.inc(m.zero) + 10;`)
	require.NoError(t, err)
	requireInt(t, out, 11)
}

func TestErrorClearedBySuccess(t *testing.T) {
	ctx := New()
	defer ctx.Close()

	_, err := ctx.ExecString(`return 1 / 0;`)
	require.Error(t, err)
	require.NotNil(t, ctx.LastError())

	out, err := ctx.ExecString(`return 1;`)
	require.NoError(t, err)
	requireInt(t, out, 1)
	assert.Nil(t, ctx.LastError())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
