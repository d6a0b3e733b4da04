// Package value implements the tagged value and reference-counted object
// model shared by the compiler and the virtual machine.
//
// Value Model:
//
// A Value is a small tagged union: nil, bool, int, float, a raw pointer (for
// host interop) or a reference to a heap Object. Numbers are split into two
// kinds (int and float) but are treated as a single "number" family by
// arithmetic and ordering: an operation promotes to float if either operand
// is a float, otherwise it stays integer.
//
//	Source:  1 + 2.5
//	Value trace:
//	  Value{Kind: Int, I: 1}
//	  Value{Kind: Float, F: 2.5}
//	  -> Value{Kind: Float, F: 3.5}   (int promoted because other side is float)
//
// Object Model:
//
// Every heap-allocated value (string, array, hashmap, function) embeds an
// Object header carrying a pointer to an immutable Class descriptor and a
// reference count. Retain/Release implement manual reference counting:
// Release decrements the count and, on reaching zero, invokes the class's
// destructor. There is no cycle collector - cyclic structures (e.g. an
// array that contains itself) leak.
package value

import (
	"math"
	"unsafe"
)

// Kind identifies which variant of the tagged union a Value holds.
type Kind byte

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindPointer
	KindObject
)

// String returns the name of the kind, used in error messages and TYPEOF.
func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindPointer:
		return "pointer"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is the tagged union passed around by the compiler, the VM's
// registers and the native-function ABI. It is small enough to pass by
// value everywhere; heap payloads are reached through Obj.
type Value struct {
	Kind Kind
	B    bool
	I    int64
	F    float64
	Ptr  any // raw host pointer, KindPointer only
	Obj  *Object
}

// Nil is the canonical nil value.
var Nil = Value{Kind: KindNil}

// Bool constructs a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, B: b} }

// Int constructs an integer value.
func Int(i int64) Value { return Value{Kind: KindInt, I: i} }

// Float constructs a floating point value.
func Float(f float64) Value { return Value{Kind: KindFloat, F: f} }

// Pointer constructs an opaque host pointer value. Pointer values are not
// reference counted and are never retained or released.
func Pointer(p any) Value { return Value{Kind: KindPointer, Ptr: p} }

// FromObject constructs a value wrapping a heap object. The caller is
// responsible for the object already carrying the +1 reference from
// creation; FromObject does not retain.
func FromObject(o *Object) Value { return Value{Kind: KindObject, Obj: o} }

// IsNil reports whether v is the nil value.
func (v Value) IsNil() bool { return v.Kind == KindNil }

// IsNumber reports whether v is an int or a float.
func (v Value) IsNumber() bool { return v.Kind == KindInt || v.Kind == KindFloat }

// Truthy implements the language's notion of truthiness used by JZE/JNZ:
// only booleans are accepted there, so Truthy is reserved for contexts
// (native glue, debugging) that need a best-effort boolean coercion. The
// VM's own JZE/JNZ instructions require a genuine bool register and do not
// call this.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNil:
		return false
	case KindBool:
		return v.B
	case KindInt:
		return v.I != 0
	case KindFloat:
		return v.F != 0
	default:
		return true
	}
}

// AsFloat returns v's numeric value widened to float64. It must only be
// called when IsNumber() is true.
func (v Value) AsFloat() float64 {
	if v.Kind == KindFloat {
		return v.F
	}
	return float64(v.I)
}

// Equal implements the language's value equality: numbers compare across
// the int/float split, strings compare by content, other objects compare
// by the class descriptor's Equals hook (falling back to identity), and
// NaN is equal to nothing including itself.
func Equal(a, b Value) bool {
	switch {
	case a.Kind == KindNil && b.Kind == KindNil:
		return true
	case a.Kind == KindBool && b.Kind == KindBool:
		return a.B == b.B
	case a.IsNumber() && b.IsNumber():
		af, bf := a.AsFloat(), b.AsFloat()
		if af != af || bf != bf { // NaN
			return false
		}
		return af == bf
	case a.Kind == KindPointer && b.Kind == KindPointer:
		return a.Ptr == b.Ptr
	case a.Kind == KindObject && b.Kind == KindObject:
		return objectsEqual(a.Obj, b.Obj)
	default:
		return false
	}
}

func objectsEqual(a, b *Object) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Class == b.Class && a.Class.Equals != nil {
		return a.Class.Equals(a, b)
	}
	return false
}

// Compare implements ordered comparison. ok is false when the values are
// not ordered-comparable: ordering needs either two numbers or two
// objects sharing a class descriptor that supplies Compare.
func Compare(a, b Value) (cmp int, ok bool) {
	if a.IsNumber() && b.IsNumber() {
		af, bf := a.AsFloat(), b.AsFloat()
		if af != af || bf != bf {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if a.Kind == KindObject && b.Kind == KindObject && a.Obj.Class == b.Obj.Class && a.Obj.Class.Compare != nil {
		return a.Obj.Class.Compare(a.Obj, b.Obj), true
	}
	return 0, false
}

// Hash returns the value's hash for use as a hashmap key. The hash of an
// integer is itself, and the hash of a float that is
// exactly representable as an integer equals that integer's hash, so that
// 1 and 1.0 land in the same bucket and compare equal.
func Hash(v Value) uint64 {
	switch v.Kind {
	case KindNil:
		return 0
	case KindBool:
		if v.B {
			return 1
		}
		return 0
	case KindInt:
		return uint64(v.I)
	case KindFloat:
		if i := int64(v.F); float64(i) == v.F {
			return uint64(i)
		}
		return math.Float64bits(v.F)
	case KindPointer:
		return uint64(uintptr(unsafe.Pointer(&v.Ptr)))
	case KindObject:
		if v.Obj.Class.Hash != nil {
			return v.Obj.Class.Hash(v.Obj)
		}
		return uint64(uintptr(unsafe.Pointer(v.Obj)))
	default:
		return 0
	}
}

// TypeName returns the runtime type name used by the TYPEOF instruction.
func TypeName(v Value) string {
	if v.Kind == KindObject && v.Obj != nil {
		return v.Obj.Class.Name
	}
	return v.Kind.String()
}

// Retain increments v's refcount if it wraps a heap object. It is a no-op
// for every other kind, so callers may call it unconditionally.
func Retain(v Value) Value {
	if v.Kind == KindObject && v.Obj != nil {
		v.Obj.Retain()
	}
	return v
}

// Release decrements v's refcount if it wraps a heap object, invoking the
// destructor when the count reaches zero.
func Release(v Value) {
	if v.Kind == KindObject && v.Obj != nil {
		v.Obj.Release()
	}
}
