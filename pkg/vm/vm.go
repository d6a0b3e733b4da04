// Package vm implements the Vela register-based bytecode interpreter.
//
// Execution state lives in an explicit frame stack rather than recursive
// Go calls, so a deeply recursive Vela program (e.g. a naive recursive
// factorial or fibonacci) costs heap, not Go goroutine stack. Each frame
// owns a private register window; CALL pushes a frame and RET pops one,
// copying the return value into the caller's destination register before
// resuming the caller's instruction pointer.
//
// Go slices and structs stand in for raw memory-addressed frame header
// words (size, decl argc, extra argc, real argc, return slot, callee,
// argv cache) - idiomatic Go has no reason to hand-roll pointer
// arithmetic over a byte buffer when a struct field does the same job
// and a reviewer can read it.
//
// Reference-count discipline: every register holds one strong reference
// to its occupant for as long as the value is stored there; setReg
// retains the incoming value before releasing the displaced one, so a
// self-move never drops a live object to zero. Helpers that produce a
// value (arith, concat, indexGet, propGet, methodLookup, invoke) return
// an owned reference, which the dispatch loop hands to setReg and then
// releases, leaving the register as the single owner.
package vm

import (
	"fmt"

	"github.com/kristofer/vela/pkg/bytecode"
	"github.com/kristofer/vela/pkg/value"
)

// frame is one call's register window and bookkeeping. A native-caller
// sentinel return address has no field here: it is represented by the
// frame being the bottom of a dispatch boundary - see dispatch's
// baseDepth.
type frame struct {
	fn        *value.Function
	regs      []value.Value
	pc        int
	returnReg uint8
	declArgc  int
	realArgc  int
	args      []value.Value
	argv      *value.Array // lazily built by ARGV, cached per call
}

func (f *frame) code() []bytecode.Word { return f.fn.Environment().Code }

// VM executes Vela bytecode. A VM may load and run more than one top-level
// program; each owns its own bytecode buffer and local symbol table, so
// nothing here is keyed to a single global buffer. The globals hashmap
// and the class-descriptor table are shared VM-wide state.
//
// VM is not safe for concurrent use from multiple goroutines; callers
// that want parallel execution run one VM per goroutine.
type VM struct {
	globals map[string]value.Value
	classes map[string]*value.Hashmap

	frames []*frame

	lastErr *RuntimeError
}

// New creates a VM with empty globals and no classes registered.
func New() *VM {
	return &VM{globals: make(map[string]value.Value), classes: make(map[string]*value.Hashmap)}
}

// RegisterLibrary installs a native function under name, reachable from
// Vela source as a free identifier.
func (vm *VM) RegisterLibrary(name string, fn value.NativeFn) {
	vm.globals[name] = value.NewNative(name, fn).Value()
}

// RegisterGlobal installs an arbitrary value (e.g. a constant, or a
// hashmap of grouped library functions) under name, taking ownership of
// a reference.
func (vm *VM) RegisterGlobal(name string, v value.Value) {
	if old, ok := vm.globals[name]; ok {
		value.Release(old)
	}
	vm.globals[name] = v
}

// Global returns the current value of a global, borrowed, for natives and
// tests.
func (vm *VM) Global(name string) (value.Value, bool) {
	v, ok := vm.globals[name]
	return v, ok
}

// DefineClass attaches a methods/properties hashmap to every instance of
// the named primitive type.
// methods may itself carry a "super" key pointing at another hashmap to
// form a chain. The VM takes ownership of a reference to methods.
func (vm *VM) DefineClass(typeName string, methods *value.Hashmap) {
	if old, ok := vm.classes[typeName]; ok {
		value.Release(old.Value())
	}
	vm.classes[typeName] = methods
}

// Close releases every global, every class descriptor and any leftover
// frames. The VM must not be used afterwards.
func (vm *VM) Close() {
	vm.unwindLeftoverFrames()
	for _, v := range vm.globals {
		value.Release(v)
	}
	vm.globals = nil
	for _, h := range vm.classes {
		value.Release(h.Value())
	}
	vm.classes = nil
}

// LoadObject decodes a bytecode object buffer (as produced by
// pkg/compiler and pkg/bytecode.AssembleProgram) into a runnable top-level
// program function. The local symbol table is not read yet; that is
// deferred to the first execution.
func (vm *VM) LoadObject(words []bytecode.Word) (*value.Function, error) {
	if _, err := bytecode.DecodeHeader(words); err != nil {
		return nil, err
	}
	return value.NewProgram(words), nil
}

// LastError returns the runtime error recorded by the most recent Run/Call,
// or nil if it completed normally.
func (vm *VM) LastError() *RuntimeError { return vm.lastErr }

// StackTrace returns the frame trace captured at the moment LastError was
// recorded, current frame first.
func (vm *VM) StackTrace() []StackFrame {
	if vm.lastErr == nil {
		return nil
	}
	return vm.lastErr.StackTrace
}

// unwindLeftoverFrames implements the deferred-unwind rule: a runtime
// error leaves its frames in place (so the stack trace stays readable),
// and the next outermost entry to the VM clears the error and unwinds
// whatever is left.
func (vm *VM) unwindLeftoverFrames() {
	for _, f := range vm.frames {
		releaseFrame(f)
	}
	vm.frames = nil
	vm.lastErr = nil
}

func releaseFrame(f *frame) {
	for _, v := range f.regs {
		value.Release(v)
	}
	if f.argv != nil {
		value.Release(f.argv.Value())
	}
}

// setReg stores v into f.regs[idx], retaining before releasing the
// displaced value so that a self-referential store (v aliases the current
// occupant) never drops the refcount to zero before the new reference is
// accounted for: compute first, then release the old destination, then
// store.
func setReg(f *frame, idx uint8, v value.Value) {
	nv := value.Retain(v)
	old := f.regs[idx]
	f.regs[idx] = nv
	value.Release(old)
}

// Run executes prog (as returned by LoadObject, or compiled directly) with
// the given arguments and returns its final RET value as an owned
// reference. This is a public entry point: it unwinds any frames left over
// from a prior runtime error before starting.
func (vm *VM) Run(prog *value.Function, args []value.Value) (value.Value, error) {
	vm.unwindLeftoverFrames()
	return vm.invoke(prog, args)
}

// Call invokes any function value (native, script, top-level program, or
// closure) with an explicit argument vector. It is re-entrant: a native
// function invoked via CALL may call back into Call, and the boundary
// frame it pushes causes RET to return control here rather than
// continuing the outer dispatch loop.
func (vm *VM) Call(fn value.Value, args []value.Value) (value.Value, error) {
	if len(vm.frames) == 0 {
		// Only a true outermost entry clears a prior error and unwinds;
		// a re-entrant call from a native must leave the outer dispatch's
		// frames untouched.
		vm.unwindLeftoverFrames()
	}
	return vm.invokeValue(fn, args)
}

func (vm *VM) invokeValue(fn value.Value, args []value.Value) (value.Value, error) {
	fnObj, ok := value.AsFunction(fn)
	if !ok {
		return value.Nil, vm.raise("cannot call a %s", value.TypeName(fn))
	}
	return vm.invoke(fnObj, args)
}

func (vm *VM) raise(format string, a ...any) error {
	stack := make([]StackFrame, 0, len(vm.frames))
	for i := len(vm.frames) - 1; i >= 0; i-- {
		f := vm.frames[i]
		name := f.fn.Name
		if name == "" {
			if f.fn.Flavour == value.FlavourProgram {
				name = "<program>"
			} else {
				name = "<anonymous>"
			}
		}
		line, col := f.fn.Environment().Debug.LineFor(f.pc)
		stack = append(stack, StackFrame{Name: name, IP: f.pc, SourceLine: line, SourceCol: col})
	}
	err := newRuntimeError(fmt.Sprintf(format, a...), stack)
	if vm.lastErr == nil {
		vm.lastErr = err
	}
	return err
}

func (vm *VM) functionHeader(env *value.Function, entry int) (bodyLen, declArgc, nregs int) {
	code := env.Code
	return int(code[entry]), int(code[entry+1]), int(code[entry+2])
}

// ensureSymtab runs the symbol-table population pass, gated by
// Function.ReadSymtabOnce so it runs at most once per program instance.
func (vm *VM) ensureSymtab(env *value.Function) {
	env.ReadSymtabOnce(func() []value.Value { return vm.buildSymtab(env) })
}

func (vm *VM) buildSymtab(env *value.Function) []value.Value {
	hdr, err := bytecode.DecodeHeader(env.Code)
	if err != nil {
		return nil
	}
	entries, err := bytecode.DecodeSymtab(env.Code, hdr.SymOffset, hdr.SymCount)
	if err != nil {
		return nil
	}
	vals := make([]value.Value, len(entries))
	for i, e := range entries {
		switch e.Kind {
		case bytecode.SymString:
			vals[i] = value.NewString(e.Str).Value()
		case bytecode.SymStub:
			vals[i] = value.NewSymbolStub(e.Str).Value()
		case bytecode.SymFunction:
			vals[i] = value.NewScript(e.FuncName, e.FuncOffset, env).Value()
		}
	}
	return vals
}

// invoke pushes one call frame for fn and, for script/program/closure
// flavours, runs the dispatch loop until that frame (and anything it
// calls) returns. The returned value is an owned reference. Native
// functions are invoked directly with no frame at all: Go's own call
// stack already carries that context, and StackTrace() reports the Vela
// frames beneath it.
func (vm *VM) invoke(fn *value.Function, args []value.Value) (value.Value, error) {
	if fn.Flavour == value.FlavourNative {
		return vm.callNative(fn, args)
	}

	env := fn.Environment()
	if env == nil || env.Code == nil {
		return value.Nil, vm.raise("function %q has no bytecode", fn.Name)
	}
	vm.ensureSymtab(env)

	entry := fn.ScriptEntry()
	_, declArgc, nregs := vm.functionHeader(env, entry)
	fr := &frame{
		fn:       fn,
		regs:     make([]value.Value, nregs),
		pc:       entry + bytecode.FunctionHeaderWords,
		declArgc: declArgc,
		realArgc: len(args),
		args:     args,
	}
	for i := 0; i < declArgc && i < len(args); i++ {
		fr.regs[i] = value.Retain(args[i])
	}
	vm.frames = append(vm.frames, fr)
	return vm.dispatch()
}

func (vm *VM) callNative(fn *value.Function, args []value.Value) (value.Value, error) {
	var out value.Value
	if code := fn.Native(&out, args, vm); code != 0 {
		return value.Nil, vm.raise("native function %q failed with code %d", fn.Name, code)
	}
	return out, nil
}

// dispatch runs the top-of-stack frame until it (and every frame it calls
// into) returns, yielding the original top frame's return value as an
// owned reference. baseDepth is captured at entry so a re-entrant Call
// from inside a native function only drains the frames it pushed, leaving
// the outer dispatch's frames untouched.
func (vm *VM) dispatch() (value.Value, error) {
	baseDepth := len(vm.frames)
	var finalResult value.Value

	for len(vm.frames) >= baseDepth {
		f := vm.frames[len(vm.frames)-1]
		code := f.code()
		if f.pc >= len(code) {
			return value.Nil, vm.raise("instruction pointer ran off the end of the program")
		}
		w := code[f.pc]
		op := bytecode.DecodeOp(w)

		switch op {
		case bytecode.OpNop:
			f.pc++

		case bytecode.OpRet:
			a, _, _ := bytecode.DecodeABC(w)
			retVal := value.Retain(f.regs[a])
			vm.frames = vm.frames[:len(vm.frames)-1]
			releaseFrame(f)
			if len(vm.frames) < baseDepth {
				finalResult = retVal
				break
			}
			caller := vm.frames[len(vm.frames)-1]
			setReg(caller, f.returnReg, retVal)
			value.Release(retVal)

		case bytecode.OpCall:
			if err := vm.execCall(f, w); err != nil {
				return value.Nil, err
			}

		case bytecode.OpJmp:
			f.pc += int(int32(code[f.pc+1]))

		case bytecode.OpJze, bytecode.OpJnz:
			a, _, _ := bytecode.DecodeABC(w)
			if f.regs[a].Kind != value.KindBool {
				return value.Nil, vm.raise("conditional jump requires a boolean, got %s", value.TypeName(f.regs[a]))
			}
			taken := f.regs[a].B == (op == bytecode.OpJnz)
			if taken {
				f.pc += int(int32(code[f.pc+1]))
			} else {
				f.pc += 2
			}

		case bytecode.OpEq, bytecode.OpNe:
			a, b, c := bytecode.DecodeABC(w)
			eq := value.Equal(f.regs[b], f.regs[c])
			if op == bytecode.OpNe {
				eq = !eq
			}
			setReg(f, a, value.Bool(eq))
			f.pc++

		case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			a, b, c := bytecode.DecodeABC(w)
			cmp, ok := value.Compare(f.regs[b], f.regs[c])
			if !ok {
				return value.Nil, vm.raise("cannot order %s against %s", value.TypeName(f.regs[b]), value.TypeName(f.regs[c]))
			}
			var res bool
			switch op {
			case bytecode.OpLt:
				res = cmp < 0
			case bytecode.OpLe:
				res = cmp <= 0
			case bytecode.OpGt:
				res = cmp > 0
			case bytecode.OpGe:
				res = cmp >= 0
			}
			setReg(f, a, value.Bool(res))
			f.pc++

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			a, b, c := bytecode.DecodeABC(w)
			res, err := arith(op, f.regs[b], f.regs[c])
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			setReg(f, a, res)
			f.pc++

		case bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor, bytecode.OpShl, bytecode.OpShr:
			a, b, c := bytecode.DecodeABC(w)
			res, err := bitwise(op, f.regs[b], f.regs[c])
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			setReg(f, a, res)
			f.pc++

		case bytecode.OpNeg:
			a, b, _ := bytecode.DecodeABC(w)
			v := f.regs[b]
			switch v.Kind {
			case value.KindInt:
				setReg(f, a, value.Int(-v.I))
			case value.KindFloat:
				setReg(f, a, value.Float(-v.F))
			default:
				return value.Nil, vm.raise("cannot negate a %s", value.TypeName(v))
			}
			f.pc++

		case bytecode.OpBitNot:
			a, b, _ := bytecode.DecodeABC(w)
			v := f.regs[b]
			if v.Kind != value.KindInt {
				return value.Nil, vm.raise("bitwise not requires an integer")
			}
			setReg(f, a, value.Int(^v.I))
			f.pc++

		case bytecode.OpLogNot:
			a, b, _ := bytecode.DecodeABC(w)
			if f.regs[b].Kind != value.KindBool {
				return value.Nil, vm.raise("logical not requires a boolean, got %s", value.TypeName(f.regs[b]))
			}
			setReg(f, a, value.Bool(!f.regs[b].B))
			f.pc++

		case bytecode.OpInc, bytecode.OpDec:
			a, _, _ := bytecode.DecodeABC(w)
			if f.regs[a].Kind != value.KindInt {
				return value.Nil, vm.raise("INC/DEC requires an integer")
			}
			delta := int64(1)
			if op == bytecode.OpDec {
				delta = -1
			}
			setReg(f, a, value.Int(f.regs[a].I+delta))
			f.pc++

		case bytecode.OpTypeof:
			a, b, _ := bytecode.DecodeABC(w)
			res := value.NewString(value.TypeName(f.regs[b])).Value()
			setReg(f, a, res)
			value.Release(res)
			f.pc++

		case bytecode.OpConcat:
			a, b, c := bytecode.DecodeABC(w)
			res, err := concat(f.regs[b], f.regs[c])
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			setReg(f, a, res)
			value.Release(res)
			f.pc++

		case bytecode.OpLdConst:
			a, mid := bytecode.DecodeAMid(w)
			switch bytecode.LiteralKind(mid) {
			case bytecode.LitNil:
				setReg(f, a, value.Nil)
				f.pc++
			case bytecode.LitTrue:
				setReg(f, a, value.Bool(true))
				f.pc++
			case bytecode.LitFalse:
				setReg(f, a, value.Bool(false))
				f.pc++
			case bytecode.LitInt:
				iv := bytecode.DecodeInt64(code[f.pc+1], code[f.pc+2])
				setReg(f, a, value.Int(iv))
				f.pc += 3
			case bytecode.LitFloat:
				fv := bytecode.DecodeFloat64(code[f.pc+1], code[f.pc+2])
				setReg(f, a, value.Float(fv))
				f.pc += 3
			}

		case bytecode.OpLdSym:
			a, mid := bytecode.DecodeAMid(w)
			v, err := vm.resolveSymbol(f.fn.Environment(), int(mid))
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			setReg(f, a, v)
			f.pc++

		case bytecode.OpGlbVal:
			a, mid := bytecode.DecodeAMid(w)
			name, err := vm.symbolString(f.fn.Environment(), int(mid))
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			if existing, ok := vm.globals[name]; ok && !existing.IsNil() {
				return value.Nil, vm.raise("global %q is already defined", name)
			}
			vm.globals[name] = value.Retain(f.regs[a])
			f.pc++

		case bytecode.OpMov:
			a, b, _ := bytecode.DecodeABC(w)
			setReg(f, a, f.regs[b])
			f.pc++

		case bytecode.OpArgv:
			a, _, _ := bytecode.DecodeABC(w)
			if f.argv == nil {
				arr := value.NewArray()
				for _, v := range f.args {
					arr.Push(value.Retain(v))
				}
				f.argv = arr
			}
			setReg(f, a, f.argv.Value())
			f.pc++

		case bytecode.OpNewArr:
			a, _, _ := bytecode.DecodeABC(w)
			arr := value.NewArray().Value()
			setReg(f, a, arr)
			value.Release(arr)
			f.pc++

		case bytecode.OpNewHash:
			a, _, _ := bytecode.DecodeABC(w)
			hm := value.NewHashmap().Value()
			setReg(f, a, hm)
			value.Release(hm)
			f.pc++

		case bytecode.OpArrPush:
			a, b, _ := bytecode.DecodeABC(w)
			arr, ok := value.AsArray(f.regs[a])
			if !ok {
				return value.Nil, vm.raise("cannot push onto a %s", value.TypeName(f.regs[a]))
			}
			arr.Push(value.Retain(f.regs[b]))
			f.pc++

		case bytecode.OpIdxGet:
			a, b, c := bytecode.DecodeABC(w)
			res, err := vm.indexGet(f.regs[b], f.regs[c])
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			setReg(f, a, res)
			value.Release(res)
			f.pc++

		case bytecode.OpIdxSet:
			a, b, c := bytecode.DecodeABC(w)
			if err := vm.indexSet(f.regs[a], f.regs[b], f.regs[c]); err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			f.pc++

		case bytecode.OpFunction:
			// Skip the inline nested function body: the marker word, the
			// 3-word function header after it, and the body itself.
			bodyLen := int(code[f.pc+1])
			f.pc += 1 + bytecode.FunctionHeaderWords + bodyLen

		case bytecode.OpClosure:
			if err := vm.execClosure(f, w); err != nil {
				return value.Nil, err
			}

		case bytecode.OpLdUpval:
			a, mid := bytecode.DecodeAMid(w)
			if int(mid) >= len(f.fn.Upvalues) {
				return value.Nil, vm.raise("upvalue index %d out of range", mid)
			}
			setReg(f, a, f.fn.Upvalues[mid])
			f.pc++

		case bytecode.OpMethod:
			a, b, _ := bytecode.DecodeABC(w)
			name, err := vm.symbolString(f.fn.Environment(), int(code[f.pc+1]))
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			res, err := vm.methodLookup(f.regs[b], name)
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			setReg(f, a, res)
			value.Release(res)
			f.pc += 2

		case bytecode.OpPropGet:
			a, b, _ := bytecode.DecodeABC(w)
			name, err := vm.symbolString(f.fn.Environment(), int(code[f.pc+1]))
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			res, err := vm.propGet(f.regs[b], name)
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			setReg(f, a, res)
			value.Release(res)
			f.pc += 2

		case bytecode.OpPropSet:
			a, b, _ := bytecode.DecodeABC(w)
			name, err := vm.symbolString(f.fn.Environment(), int(code[f.pc+1]))
			if err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			if err := vm.propSet(f.regs[a], name, f.regs[b]); err != nil {
				return value.Nil, vm.raise("%s", err.Error())
			}
			f.pc += 2

		default:
			return value.Nil, vm.raise("unimplemented opcode %s", op)
		}
	}

	return finalResult, nil
}

// resolveSymbol implements LDSYM: load env's symtab slot, resolving a
// symbol stub against globals on first access and memoising the result
// back into the slot. The returned value is borrowed from the symtab
// slot.
func (vm *VM) resolveSymbol(env *value.Function, idx int) (value.Value, error) {
	if idx < 0 || idx >= len(env.Symtab) {
		return value.Nil, fmt.Errorf("symbol index %d out of range", idx)
	}
	slot := env.Symtab[idx]
	stub, ok := value.AsSymbolStub(slot)
	if !ok {
		return slot, nil
	}
	v, defined := vm.globals[stub.Name]
	if !defined || v.IsNil() {
		return value.Nil, fmt.Errorf("undefined global %q", stub.Name)
	}
	env.Symtab[idx] = value.Retain(v)
	value.Release(slot)
	return v, nil
}

// symbolString reads a SymString entry out of env's symbol table, used for
// the name operands of GLBVAL, METHOD, PROPGET and PROPSET.
func (vm *VM) symbolString(env *value.Function, idx int) (string, error) {
	if idx < 0 || idx >= len(env.Symtab) {
		return "", fmt.Errorf("symbol index %d out of range", idx)
	}
	s, ok := value.AsString(env.Symtab[idx])
	if !ok {
		return "", fmt.Errorf("symbol %d is not a string constant", idx)
	}
	return string(s.Bytes()), nil
}

func (vm *VM) execCall(f *frame, w bytecode.Word) error {
	a, b, argc := bytecode.DecodeABC(w)
	code := f.code()
	argWordCount := bytecode.PackedArgWords(int(argc))
	argRegs := bytecode.UnpackArgs(code[f.pc+1:f.pc+1+argWordCount], int(argc))

	callee := f.regs[b]
	fn, ok := value.AsFunction(callee)
	if !ok {
		return vm.raise("cannot call a %s", value.TypeName(callee))
	}

	// The caller's registers pin these values for the whole call, so the
	// slice may borrow them without retaining.
	args := make([]value.Value, len(argRegs))
	for i, r := range argRegs {
		args[i] = f.regs[r]
	}

	f.pc += 1 + argWordCount

	if fn.Flavour == value.FlavourNative {
		out, err := vm.callNative(fn, args)
		if err != nil {
			return err
		}
		// Release the previous occupant only after success, so a failed
		// native never clobbers the caller's return slot.
		setReg(f, a, out)
		value.Release(out)
		return nil
	}

	env := fn.Environment()
	vm.ensureSymtab(env)
	entry := fn.ScriptEntry()
	_, declArgc, nregs := vm.functionHeader(env, entry)
	callee2 := &frame{
		fn:        fn,
		regs:      make([]value.Value, nregs),
		pc:        entry + bytecode.FunctionHeaderWords,
		returnReg: a,
		declArgc:  declArgc,
		realArgc:  len(args),
		args:      args,
	}
	for i := 0; i < declArgc && i < len(args); i++ {
		callee2.regs[i] = value.Retain(args[i])
	}
	vm.frames = append(vm.frames, callee2)
	return nil
}

// execClosure implements CLOSURE. The new closure is installed into
// register A - replacing the prototype - before its upvalue descriptors
// are processed, so that a closure capturing its own home register
// captures the closure, not the prototype.
func (vm *VM) execClosure(f *frame, w bytecode.Word) error {
	a, upvalCount, _ := bytecode.DecodeABC(w)
	code := f.code()

	proto, ok := value.AsFunction(f.regs[a])
	if !ok {
		return vm.raise("CLOSURE requires a function prototype, got %s", value.TypeName(f.regs[a]))
	}
	closure := value.NewClosure(proto, nil)
	cv := closure.Value()
	setReg(f, a, cv)
	value.Release(cv)

	upvals := make([]value.Value, upvalCount)
	for i := 0; i < int(upvalCount); i++ {
		kind, idx := bytecode.DecodeUpval(code[f.pc+1+i])
		if kind == bytecode.UpvalLocal {
			upvals[i] = value.Retain(f.regs[idx])
		} else {
			if int(idx) >= len(f.fn.Upvalues) {
				return vm.raise("upvalue index %d out of range", idx)
			}
			upvals[i] = value.Retain(f.fn.Upvalues[idx])
		}
	}
	closure.Upvalues = upvals
	f.pc += 1 + int(upvalCount)
	return nil
}

func arith(op bytecode.Opcode, a, b value.Value) (value.Value, error) {
	if !a.IsNumber() || !b.IsNumber() {
		return value.Nil, fmt.Errorf("arithmetic requires numbers, got %s and %s", value.TypeName(a), value.TypeName(b))
	}
	if a.Kind == value.KindInt && b.Kind == value.KindInt {
		x, y := a.I, b.I
		switch op {
		case bytecode.OpAdd:
			return value.Int(x + y), nil
		case bytecode.OpSub:
			return value.Int(x - y), nil
		case bytecode.OpMul:
			return value.Int(x * y), nil
		case bytecode.OpDiv:
			// Integer division truncates; promoting to float would make
			// equality-sensitive index arithmetic (a[n/2]) fail. 7/2 is 3,
			// 7.0/2 is 3.5.
			if y == 0 {
				return value.Nil, fmt.Errorf("division by zero")
			}
			return value.Int(x / y), nil
		case bytecode.OpMod:
			if y == 0 {
				return value.Nil, fmt.Errorf("modulo by zero")
			}
			return value.Int(x % y), nil
		}
	}
	if op == bytecode.OpMod {
		return value.Nil, fmt.Errorf("modulo requires integers")
	}
	x, y := a.AsFloat(), b.AsFloat()
	switch op {
	case bytecode.OpAdd:
		return value.Float(x + y), nil
	case bytecode.OpSub:
		return value.Float(x - y), nil
	case bytecode.OpMul:
		return value.Float(x * y), nil
	case bytecode.OpDiv:
		return value.Float(x / y), nil
	}
	return value.Nil, fmt.Errorf("unreachable arithmetic opcode %s", op)
}

func bitwise(op bytecode.Opcode, a, b value.Value) (value.Value, error) {
	if a.Kind != value.KindInt || b.Kind != value.KindInt {
		return value.Nil, fmt.Errorf("bitwise operators require integers")
	}
	switch op {
	case bytecode.OpAnd:
		return value.Int(a.I & b.I), nil
	case bytecode.OpOr:
		return value.Int(a.I | b.I), nil
	case bytecode.OpXor:
		return value.Int(a.I ^ b.I), nil
	case bytecode.OpShl:
		return value.Int(a.I << uint(b.I)), nil
	case bytecode.OpShr:
		return value.Int(a.I >> uint(b.I)), nil
	}
	return value.Nil, fmt.Errorf("unreachable bitwise opcode %s", op)
}

func concat(a, b value.Value) (value.Value, error) {
	sa, ok1 := value.AsString(a)
	sb, ok2 := value.AsString(b)
	if !ok1 || !ok2 {
		return value.Nil, fmt.Errorf("concat requires strings, got %s and %s", value.TypeName(a), value.TypeName(b))
	}
	combined := append(append([]byte(nil), sa.Bytes()...), sb.Bytes()...)
	return value.NewStringView(combined).Value(), nil
}

// indexGet implements IDX_GET's per-container dispatch and validation
// rules. The result is an owned reference.
func (vm *VM) indexGet(obj, idx value.Value) (value.Value, error) {
	switch {
	case value.IsArray(obj):
		arr, _ := value.AsArray(obj)
		if idx.Kind != value.KindInt {
			return value.Nil, fmt.Errorf("array index must be an integer, got %s", value.TypeName(idx))
		}
		v, ok := arr.Get(idx.I)
		if !ok {
			return value.Nil, fmt.Errorf("array index %d out of range [0, %d)", idx.I, arr.Count())
		}
		return value.Retain(v), nil
	case value.IsHashmap(obj):
		hm, _ := value.AsHashmap(obj)
		if err := validateMapKey(idx); err != nil {
			return value.Nil, err
		}
		v, ok := hm.Get(idx)
		if !ok {
			return value.Nil, nil
		}
		return value.Retain(v), nil
	case value.IsString(obj):
		s, _ := value.AsString(obj)
		if idx.Kind != value.KindInt {
			return value.Nil, fmt.Errorf("string index must be an integer, got %s", value.TypeName(idx))
		}
		v, ok := s.ByteAt(idx.I)
		if !ok {
			return value.Nil, fmt.Errorf("string index %d out of range [0, %d)", idx.I, s.Len())
		}
		return v, nil
	default:
		return value.Nil, fmt.Errorf("cannot index a %s", value.TypeName(obj))
	}
}

func validateMapKey(k value.Value) error {
	if k.IsNil() {
		return fmt.Errorf("nil is not a valid hashmap key")
	}
	if k.Kind == value.KindFloat && k.F != k.F {
		return fmt.Errorf("NaN is not a valid hashmap key")
	}
	return nil
}

func (vm *VM) indexSet(obj, idx, val value.Value) error {
	switch {
	case value.IsArray(obj):
		arr, _ := value.AsArray(obj)
		if idx.Kind != value.KindInt {
			return fmt.Errorf("array index must be an integer, got %s", value.TypeName(idx))
		}
		nv := value.Retain(val)
		if !arr.Set(idx.I, nv) {
			value.Release(nv)
			return fmt.Errorf("array index %d out of range [0, %d)", idx.I, arr.Count())
		}
		return nil
	case value.IsHashmap(obj):
		hm, _ := value.AsHashmap(obj)
		if err := validateMapKey(idx); err != nil {
			return err
		}
		hm.Set(value.Retain(idx), value.Retain(val))
		return nil
	default:
		return fmt.Errorf("cannot assign an index on a %s", value.TypeName(obj))
	}
}

// propGet implements the property-read protocol: a handful of built-in
// properties shared by the container types, then a class-chain
// walk (accessor "get" hooks take precedence over plain values), falling
// back to raw hashmap lookup only for hashmap receivers. The result is an
// owned reference.
func (vm *VM) propGet(obj value.Value, name string) (value.Value, error) {
	if name == "length" {
		if v, ok := builtinLength(obj); ok {
			return v, nil
		}
	}
	key := value.NewString(name).Value()
	defer value.Release(key)

	for root := vm.classRootFor(obj); root != nil; root = followSuper(root) {
		v, ok := root.Get(key)
		if !ok || v.IsNil() {
			continue
		}
		if getter, ok := accessorGet(v); ok {
			return vm.invokeValue(getter, []value.Value{obj, key})
		}
		return value.Retain(v), nil
	}
	if hm, ok := value.AsHashmap(obj); ok {
		if v, ok := hm.Get(key); ok {
			return value.Retain(v), nil
		}
		return value.Nil, nil
	}
	return value.Nil, fmt.Errorf("%s has no getter for property %q", value.TypeName(obj), name)
}

// propSet implements the property-write protocol, symmetric to propGet
// but with no built-in-property step: a "set" accessor found on
// the chain wins, a hashmap receiver raw-stores, anything else errors.
func (vm *VM) propSet(obj value.Value, name string, val value.Value) error {
	key := value.NewString(name).Value()
	defer value.Release(key)

	for root := vm.classRootFor(obj); root != nil; root = followSuper(root) {
		v, ok := root.Get(key)
		if !ok || v.IsNil() {
			continue
		}
		if setter, ok := accessorSet(v); ok {
			out, err := vm.invokeValue(setter, []value.Value{obj, val, key})
			value.Release(out)
			return err
		}
	}
	if hm, ok := value.AsHashmap(obj); ok {
		hm.Set(value.NewString(name).Value(), value.Retain(val))
		return nil
	}
	return fmt.Errorf("cannot set property %q on a %s", name, value.TypeName(obj))
}

// methodLookup implements METHOD: the same class-chain walk as propGet,
// but without the built-in-property step or the accessor protocol. Having
// no class at all is an error; a miss along an existing chain yields nil,
// which a subsequent CALL rejects. The result is an owned reference.
func (vm *VM) methodLookup(obj value.Value, name string) (value.Value, error) {
	root := vm.classRootFor(obj)
	if root == nil {
		return value.Nil, fmt.Errorf("no class for %s", value.TypeName(obj))
	}
	key := value.NewString(name).Value()
	defer value.Release(key)

	for ; root != nil; root = followSuper(root) {
		if v, ok := root.Get(key); ok {
			return value.Retain(v), nil
		}
	}
	return value.Nil, nil
}

// classRootFor picks the start of the chain walk: a hashmap is its
// own class root, everything else goes through the per-type descriptor
// registered with DefineClass.
func (vm *VM) classRootFor(obj value.Value) *value.Hashmap {
	if hm, ok := value.AsHashmap(obj); ok {
		return hm
	}
	return vm.classes[value.TypeName(obj)]
}

func followSuper(h *value.Hashmap) *value.Hashmap {
	key := value.NewString("super").Value()
	defer value.Release(key)
	sup, ok := h.Get(key)
	if !ok {
		return nil
	}
	next, ok := value.AsHashmap(sup)
	if !ok {
		return nil
	}
	return next
}

// accessorGet reports whether v is an accessor hashmap carrying a
// callable "get".
func accessorGet(v value.Value) (value.Value, bool) {
	return accessorSlot(v, "get")
}

func accessorSet(v value.Value) (value.Value, bool) {
	return accessorSlot(v, "set")
}

func accessorSlot(v value.Value, slot string) (value.Value, bool) {
	hm, ok := value.AsHashmap(v)
	if !ok {
		return value.Nil, false
	}
	key := value.NewString(slot).Value()
	defer value.Release(key)
	fn, ok := hm.Get(key)
	if !ok || !value.IsFunction(fn) {
		return value.Nil, false
	}
	return fn, true
}

func builtinLength(obj value.Value) (value.Value, bool) {
	switch {
	case value.IsString(obj):
		s, _ := value.AsString(obj)
		return value.Int(int64(s.Len())), true
	case value.IsArray(obj):
		arr, _ := value.AsArray(obj)
		return value.Int(int64(arr.Count())), true
	case value.IsHashmap(obj):
		hm, _ := value.AsHashmap(obj)
		return value.Int(int64(hm.Count())), true
	}
	return value.Nil, false
}
