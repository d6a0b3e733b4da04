package value

import "fmt"

// Flavour distinguishes the four kinds of callable function object.
type Flavour byte

const (
	FlavourNative Flavour = iota
	FlavourScript
	FlavourProgram
	FlavourClosure
)

// NativeFn is the native extension function ABI: it writes
// its result into *out and returns 0 on success, non-zero to signal a
// runtime error.
type NativeFn func(out *Value, args []Value, ctx any) int

// DebugInfo maps bytecode word offsets to source line/column, used for
// error reporting.
type DebugInfo struct {
	// Lines[i] is the source line of the instruction starting at word
	// offset Offsets[i]; Offsets is sorted ascending.
	Offsets []int
	Lines   []int
	Columns []int
}

// LineFor returns the source line/column for the instruction at or before
// word offset pc, or (0, 0) if no debug info covers it.
func (d *DebugInfo) LineFor(pc int) (line, col int) {
	if d == nil {
		return 0, 0
	}
	best := -1
	for i, off := range d.Offsets {
		if off <= pc {
			best = i
		} else {
			break
		}
	}
	if best < 0 {
		return 0, 0
	}
	return d.Lines[best], d.Columns[best]
}

// Function is the callable object kind. Its fields are interpreted
// according to Flavour:
//
//   - Native: Native holds the host callback.
//   - Script: Entry is a word offset into Env's bytecode; Env is the
//     enclosing top-level program.
//   - Program: Code owns the bytecode buffer; Symtab is populated lazily
//     (see ReadSymtab) at most once; Debug is optional.
//   - Closure: Proto is the wrapped script/native function; Upvalues is
//     immutable once constructed.
type Function struct {
	Object
	Flavour Flavour
	Name    string // weak: does not keep anything alive

	Native NativeFn

	Entry int
	Env   *Function // environment: the owning top-level program

	Code       []uint32
	Symtab     []Value
	readSymtab bool
	Debug      *DebugInfo

	Proto    *Function
	Upvalues []Value
}

var functionClass = &Class{
	Name: "function",
	Describe: func(o *Object) string {
		f := o.asFunction()
		if f.Name != "" {
			return fmt.Sprintf("function %s", f.Name)
		}
		return "function <anonymous>"
	},
	Destroy: func(o *Object) {
		f := o.asFunction()
		for _, v := range f.Symtab {
			Release(v)
		}
		for _, v := range f.Upvalues {
			Release(v)
		}
		if f.Proto != nil {
			Release(FromObject(&f.Proto.Object))
		}
		f.Symtab = nil
		f.Upvalues = nil
		f.Code = nil
	},
}

func (o *Object) asFunction() *Function { return (*Function)(objectCast(o)) }

// Value wraps f as a Value.
func (f *Function) Value() Value { return FromObject(&f.Object) }

// NewNative allocates a native function object.
func NewNative(name string, fn NativeFn) *Function {
	return &Function{Object: NewObject(functionClass), Flavour: FlavourNative, Name: name, Native: fn}
}

// NewProgram allocates a top-level program function owning code.
func NewProgram(code []uint32) *Function {
	return &Function{Object: NewObject(functionClass), Flavour: FlavourProgram, Code: code}
}

// NewScript allocates a script function entry point inside env's bytecode.
func NewScript(name string, entry int, env *Function) *Function {
	return &Function{Object: NewObject(functionClass), Flavour: FlavourScript, Name: name, Entry: entry, Env: env}
}

// NewClosure allocates a closure wrapping proto with the given upvalues.
// Upvalues become immutable once the closure is constructed.
func NewClosure(proto *Function, upvalues []Value) *Function {
	proto.Retain()
	return &Function{Object: NewObject(functionClass), Flavour: FlavourClosure, Name: proto.Name, Proto: proto, Upvalues: upvalues}
}

// Environment returns f's owning top-level program: itself for a Program,
// Env for a Script, and the prototype's environment for a Closure.
func (f *Function) Environment() *Function {
	switch f.Flavour {
	case FlavourProgram:
		return f
	case FlavourScript:
		return f.Env
	case FlavourClosure:
		return f.Proto.Environment()
	default:
		return nil
	}
}

// ScriptEntry returns the bytecode word offset f's body starts at, valid
// for Script, Program (always 4, the header length) and Closure (delegates
// to the wrapped prototype).
func (f *Function) ScriptEntry() int {
	switch f.Flavour {
	case FlavourProgram:
		return ProgramHeaderWords
	case FlavourScript:
		return f.Entry
	case FlavourClosure:
		return f.Proto.ScriptEntry()
	default:
		return -1
	}
}

// ProgramHeaderWords is the size, in words, of the four-word program
// header at the start of every bytecode buffer.
const ProgramHeaderWords = 4

// ReadSymtabOnce populates Symtab by calling build exactly once across the
// lifetime of this program function. It
// is a no-op on any subsequent call.
func (f *Function) ReadSymtabOnce(build func() []Value) {
	if f.readSymtab {
		return
	}
	f.readSymtab = true
	f.Symtab = build()
}

// SymtabRead reports whether ReadSymtabOnce has already run, for tests.
func (f *Function) SymtabRead() bool { return f.readSymtab }
