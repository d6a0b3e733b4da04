package value

import "unsafe"

// objectCast reinterprets an *Object header as a pointer to the concrete
// struct that embeds it. It is only safe because every concrete payload
// type (String, Array, Hashmap, Function, SymbolStub) embeds Object as its
// first field, so the two pointers share an address.
func objectCast(o *Object) unsafe.Pointer { return unsafe.Pointer(o) }

// Class is an immutable descriptor shared by every instance of a heap
// object kind. It supplies the handful of operations the VM needs without
// knowing the concrete Go type behind an Object: equality, ordering, a
// hash, a human-readable description and a destructor.
type Class struct {
	Name string

	// Equals reports whether a and b (both instances of this class) are
	// equal. Optional; nil means "never equal to a different instance".
	Equals func(a, b *Object) bool

	// Compare returns a three-way ordering between a and b. Optional;
	// its absence means instances of this class are not ordered-comparable.
	Compare func(a, b *Object) int

	// Hash returns o's hash. Optional; falls back to identity hashing.
	Hash func(o *Object) uint64

	// Describe returns a human-readable rendering of o, used by error
	// messages and TYPEOF-adjacent tooling.
	Describe func(o *Object) string

	// Destroy releases any resources o's payload owns (e.g. a backing
	// array, or released references held by an array/hashmap's elements).
	// Called exactly once, when the refcount reaches zero.
	Destroy func(o *Object)
}

// Object is the common header embedded at the front of every heap value.
// Concrete payloads (String, Array, Hashmap, Function, SymbolStub) carry
// this header plus class-specific fields.
type Object struct {
	Class    *Class
	refcount int32
}

// NewObject initialises an Object header with a refcount of 1: creation
// hands the caller the first strong reference.
func NewObject(class *Class) Object {
	return Object{Class: class, refcount: 1}
}

// RefCount returns the current reference count, for tests and invariant
// checking only.
func (o *Object) RefCount() int32 { return o.refcount }

// Retain increments the reference count.
func (o *Object) Retain() {
	o.refcount++
}

// Release decrements the reference count, invoking the class destructor
// exactly once when it reaches zero.
func (o *Object) Release() {
	o.refcount--
	if o.refcount == 0 && o.Class.Destroy != nil {
		o.Class.Destroy(o)
	}
}
