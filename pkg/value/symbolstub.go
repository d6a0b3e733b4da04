package value

// SymbolStub is the sentinel object a local symbol table holds for an
// unresolved reference to a global. LDSYM
// resolves it against the global hashmap on first access and memoises the
// resolved value back into the symbol-table slot, so a stub is only ever
// seen once per distinct program instance.
type SymbolStub struct {
	Object
	Name string
}

var symbolStubClass = &Class{
	Name: "symbol",
	Describe: func(o *Object) string {
		return o.asSymbolStub().Name
	},
}

func (o *Object) asSymbolStub() *SymbolStub { return (*SymbolStub)(objectCast(o)) }

// NewSymbolStub allocates a stub naming an unresolved global.
func NewSymbolStub(name string) *SymbolStub {
	return &SymbolStub{Object: NewObject(symbolStubClass), Name: name}
}

// Value wraps s as a Value.
func (s *SymbolStub) Value() Value { return FromObject(&s.Object) }

// IsSymbolStub reports whether v holds a symbol-stub sentinel.
func IsSymbolStub(v Value) bool {
	return v.Kind == KindObject && v.Obj != nil && v.Obj.Class == symbolStubClass
}

// AsSymbolStub returns v's payload; ok is false when v is not a stub.
func AsSymbolStub(v Value) (*SymbolStub, bool) {
	if !IsSymbolStub(v) {
		return nil, false
	}
	return v.Obj.asSymbolStub(), true
}

// IsString reports whether v holds a String object.
func IsString(v Value) bool {
	return v.Kind == KindObject && v.Obj != nil && v.Obj.Class == stringClass
}

// AsString returns v's payload; ok is false when v is not a string.
func AsString(v Value) (*String, bool) {
	if !IsString(v) {
		return nil, false
	}
	return v.Obj.asString(), true
}

// IsArray reports whether v holds an Array object.
func IsArray(v Value) bool {
	return v.Kind == KindObject && v.Obj != nil && v.Obj.Class == arrayClass
}

// AsArray returns v's payload; ok is false when v is not an array.
func AsArray(v Value) (*Array, bool) {
	if !IsArray(v) {
		return nil, false
	}
	return v.Obj.asArray(), true
}

// IsHashmap reports whether v holds a Hashmap object.
func IsHashmap(v Value) bool {
	return v.Kind == KindObject && v.Obj != nil && v.Obj.Class == hashmapClass
}

// AsHashmap returns v's payload; ok is false when v is not a hashmap.
func AsHashmap(v Value) (*Hashmap, bool) {
	if !IsHashmap(v) {
		return nil, false
	}
	return v.Obj.asHashmap(), true
}

// IsFunction reports whether v holds a Function object.
func IsFunction(v Value) bool {
	return v.Kind == KindObject && v.Obj != nil && v.Obj.Class == functionClass
}

// AsFunction returns v's payload; ok is false when v is not a function.
func AsFunction(v Value) (*Function, bool) {
	if !IsFunction(v) {
		return nil, false
	}
	return v.Obj.asFunction(), true
}
