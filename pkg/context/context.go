// Package context is the convenience façade over the Vela pipeline: it
// glues the parser, the compiler and the virtual machine together behind
// the handful of operations an embedding host actually wants: compile a
// string or a file, load a compiled object file, call any
// function value, register native libraries, and read back the last error
// with its kind, message and source location.
//
// A Context is one embedding; create as many as needed and never share
// one across goroutines. There is deliberately no process-wide default
// context.
package context

import (
	"fmt"
	"os"

	"github.com/kristofer/vela/pkg/bytecode"
	"github.com/kristofer/vela/pkg/compiler"
	"github.com/kristofer/vela/pkg/parser"
	"github.com/kristofer/vela/pkg/value"
	"github.com/kristofer/vela/pkg/vm"
)

// ErrorKind classifies the last error by the stage that produced it.
type ErrorKind int

const (
	ErrOK ErrorKind = iota
	ErrSyntax
	ErrSemantic
	ErrRuntime
	ErrGeneric
)

func (k ErrorKind) String() string {
	switch k {
	case ErrOK:
		return "ok"
	case ErrSyntax:
		return "syntax"
	case ErrSemantic:
		return "semantic"
	case ErrRuntime:
		return "runtime"
	case ErrGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Error is the context's last-error record: kind, message and, where the
// producing stage knows one, a source location.
type Error struct {
	Kind    ErrorKind
	Message string
	Line    int
	Column  int
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s error at %d:%d: %s", e.Kind, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Library is a named bundle of native functions and constants for
// RegisterLibrary.
type Library struct {
	Name      string
	Funcs     map[string]value.NativeFn
	Constants map[string]value.Value
}

// Context owns one VM and tracks the last error across every entry point.
type Context struct {
	vm      *vm.VM
	lastErr *Error
}

// New creates a fresh Context with an empty global namespace.
func New() *Context {
	return &Context{vm: vm.New()}
}

// Close releases the VM's globals and classes. The Context must not be
// used afterwards.
func (ctx *Context) Close() {
	ctx.vm.Close()
}

// VM exposes the underlying virtual machine for embedders that need the
// lower-level surface (DefineClass, RegisterGlobal).
func (ctx *Context) VM() *vm.VM { return ctx.vm }

// LastError returns the error record of the most recent failing operation,
// or nil after a success.
func (ctx *Context) LastError() *Error { return ctx.lastErr }

// StackTrace returns the frame descriptors captured by the most recent
// runtime error, current frame first.
func (ctx *Context) StackTrace() []vm.StackFrame { return ctx.vm.StackTrace() }

func (ctx *Context) fail(kind ErrorKind, msg string, line, col int) *Error {
	e := &Error{Kind: kind, Message: msg, Line: line, Column: col}
	ctx.lastErr = e
	return e
}

// CompileString compiles source text into a callable top-level program
// function value.
func (ctx *Context) CompileString(src string) (value.Value, error) {
	ctx.lastErr = nil
	tree, err := parser.New(src).Parse()
	if err != nil {
		if se, ok := err.(*parser.SyntaxError); ok {
			return value.Nil, ctx.fail(ErrSyntax, se.Message, se.Line, se.Column)
		}
		return value.Nil, ctx.fail(ErrSyntax, err.Error(), 0, 0)
	}
	c := compiler.New()
	words, err := c.Compile(tree)
	if err != nil {
		if ce, ok := err.(*compiler.CompileError); ok {
			return value.Nil, ctx.fail(ErrSemantic, ce.Message, ce.Line, ce.Column)
		}
		return value.Nil, ctx.fail(ErrSemantic, err.Error(), 0, 0)
	}
	prog := value.NewProgram(words)
	prog.Debug = c.Debug()
	return prog.Value(), nil
}

// CompileFile reads path and compiles its contents.
func (ctx *Context) CompileFile(path string) (value.Value, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return value.Nil, ctx.fail(ErrGeneric, err.Error(), 0, 0)
	}
	return ctx.CompileString(string(src))
}

// LoadObjectFile reads a compiled object file back into a callable
// top-level program function value.
func (ctx *Context) LoadObjectFile(path string) (value.Value, error) {
	ctx.lastErr = nil
	f, err := os.Open(path)
	if err != nil {
		return value.Nil, ctx.fail(ErrGeneric, err.Error(), 0, 0)
	}
	defer f.Close()
	words, err := bytecode.ReadObject(f)
	if err != nil {
		return value.Nil, ctx.fail(ErrGeneric, err.Error(), 0, 0)
	}
	prog, err := ctx.vm.LoadObject(words)
	if err != nil {
		return value.Nil, ctx.fail(ErrGeneric, err.Error(), 0, 0)
	}
	return prog.Value(), nil
}

// SaveObjectFile writes a compiled top-level program to path in the object
// file format, so LoadObjectFile can read it back.
func (ctx *Context) SaveObjectFile(program value.Value, path string) error {
	fn, ok := value.AsFunction(program)
	if !ok || fn.Flavour != value.FlavourProgram {
		return ctx.fail(ErrGeneric, "value is not a top-level program", 0, 0)
	}
	f, err := os.Create(path)
	if err != nil {
		return ctx.fail(ErrGeneric, err.Error(), 0, 0)
	}
	defer f.Close()
	if err := bytecode.WriteObject(f, fn.Code); err != nil {
		return ctx.fail(ErrGeneric, err.Error(), 0, 0)
	}
	return nil
}

// Call invokes any function value with the given arguments and returns its
// result as an owned reference.
func (ctx *Context) Call(fn value.Value, args []value.Value) (value.Value, error) {
	ctx.lastErr = nil
	out, err := ctx.vm.Call(fn, args)
	if err != nil {
		return value.Nil, ctx.runtimeError(err)
	}
	return out, nil
}

// ExecString compiles and immediately runs source text, returning the
// program's result.
func (ctx *Context) ExecString(src string) (value.Value, error) {
	prog, err := ctx.CompileString(src)
	if err != nil {
		return value.Nil, err
	}
	return ctx.Call(prog, nil)
}

func (ctx *Context) runtimeError(err error) *Error {
	if re, ok := err.(*vm.RuntimeError); ok {
		line, col := 0, 0
		if trace := re.StackTrace; len(trace) > 0 {
			line, col = trace[0].SourceLine, trace[0].SourceCol
		}
		return ctx.fail(ErrRuntime, re.Message, line, col)
	}
	return ctx.fail(ErrRuntime, err.Error(), 0, 0)
}

// RegisterLibrary installs lib's functions and constants. With grouped set
// they land inside a single hashmap global named lib.Name; otherwise each
// entry becomes its own global.
func (ctx *Context) RegisterLibrary(lib Library, grouped bool) {
	if !grouped {
		for name, fn := range lib.Funcs {
			ctx.vm.RegisterLibrary(name, fn)
		}
		for name, v := range lib.Constants {
			ctx.vm.RegisterGlobal(name, value.Retain(v))
		}
		return
	}
	group := value.NewHashmap()
	for name, fn := range lib.Funcs {
		group.Set(value.NewString(name).Value(), value.NewNative(name, fn).Value())
	}
	for name, v := range lib.Constants {
		group.Set(value.NewString(name).Value(), value.Retain(v))
	}
	ctx.vm.RegisterGlobal(lib.Name, group.Value())
}
