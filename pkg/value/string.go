package value

import "github.com/cespare/xxhash/v2"

// String is an immutable byte sequence with a cached length and a lazily
// computed content hash. A String built with NewString owns a copy of its
// bytes (this is how string constants are materialised out of a program's
// symbol table); one built with NewStringView takes over the slice it is
// given without copying (CONCAT results). No String aliases a bytecode
// buffer.
type String struct {
	Object
	bytes      []byte
	hash       uint64
	hashCached bool
}

var stringClass = &Class{
	Name: "string",
	Equals: func(a, b *Object) bool {
		as, bs := a.asString(), b.asString()
		return string(as.bytes) == string(bs.bytes)
	},
	Compare: func(a, b *Object) int {
		as, bs := a.asString(), b.asString()
		switch {
		case string(as.bytes) < string(bs.bytes):
			return -1
		case string(as.bytes) > string(bs.bytes):
			return 1
		default:
			return 0
		}
	},
	Hash: func(o *Object) uint64 {
		return o.asString().Hash()
	},
	Describe: func(o *Object) string {
		return string(o.asString().bytes)
	},
}

func (o *Object) asString() *String {
	return (*String)(objectCast(o))
}

// NewString allocates a new String owning a copy of s.
func NewString(s string) *String {
	return &String{Object: NewObject(stringClass), bytes: []byte(s)}
}

// NewStringView allocates a String aliasing b without copying. Used for
// CONCAT results, whose freshly built byte slice the String takes over.
func NewStringView(b []byte) *String {
	return &String{Object: NewObject(stringClass), bytes: b}
}

// Bytes returns the string's raw bytes. Callers must not mutate the slice.
func (s *String) Bytes() []byte { return s.bytes }

// Len returns the byte length in O(1).
func (s *String) Len() int { return len(s.bytes) }

// Hash returns the cached content hash, computing it on first access.
func (s *String) Hash() uint64 {
	if !s.hashCached {
		s.hash = xxhash.Sum64(s.bytes)
		s.hashCached = true
	}
	return s.hash
}

// ByteAt returns the byte at index i as an integer Value, bounds-checked
// with the same [0, len) rule arrays use.
func (s *String) ByteAt(i int64) (Value, bool) {
	if i < 0 || i >= int64(len(s.bytes)) {
		return Nil, false
	}
	return Int(int64(s.bytes[i])), true
}

// Value wraps s as a Value.
func (s *String) Value() Value { return FromObject(&s.Object) }
