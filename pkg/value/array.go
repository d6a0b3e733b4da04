package value

import "fmt"

// Array is a dense, ordered sequence of Values. All mutation
// methods take ownership of the Value they are given (the caller must have
// already retained it) and release displaced elements exactly once.
type Array struct {
	Object
	items []Value
}

var arrayClass = &Class{
	Name: "array",
	Describe: func(o *Object) string {
		return fmt.Sprintf("array(%d)", o.asArray().Count())
	},
	Destroy: func(o *Object) {
		a := o.asArray()
		for _, v := range a.items {
			Release(v)
		}
		a.items = nil
	},
}

func (o *Object) asArray() *Array { return (*Array)(objectCast(o)) }

// NewArray allocates an empty array.
func NewArray() *Array {
	return &Array{Object: NewObject(arrayClass)}
}

// Value wraps a as a Value.
func (a *Array) Value() Value { return FromObject(&a.Object) }

// Count returns the number of elements in O(1).
func (a *Array) Count() int { return len(a.items) }

// Get returns the element at index i. ok is false when i is out of
// [0, Count()).
func (a *Array) Get(i int64) (Value, bool) {
	if i < 0 || i >= int64(len(a.items)) {
		return Nil, false
	}
	return a.items[i], true
}

// Set replaces the element at index i. It releases the displaced value and
// takes ownership of v. ok is false when i is out of bounds.
func (a *Array) Set(i int64, v Value) bool {
	if i < 0 || i >= int64(len(a.items)) {
		return false
	}
	old := a.items[i]
	a.items[i] = v
	Release(old)
	return true
}

// Push appends v to the end, taking ownership of it.
func (a *Array) Push(v Value) {
	a.items = append(a.items, v)
}

// Pop removes and returns the last element. ok is false on an empty array.
// The caller takes ownership of the returned value (its retain count is
// unchanged - it is simply no longer held by the array).
func (a *Array) Pop() (Value, bool) {
	if len(a.items) == 0 {
		return Nil, false
	}
	v := a.items[len(a.items)-1]
	a.items = a.items[:len(a.items)-1]
	return v, true
}

// Insert inserts v at index i, shifting later elements up. ok is false
// when i is out of [0, Count()].
func (a *Array) Insert(i int64, v Value) bool {
	if i < 0 || i > int64(len(a.items)) {
		return false
	}
	a.items = append(a.items, Nil)
	copy(a.items[i+1:], a.items[i:])
	a.items[i] = v
	return true
}

// Remove deletes the element at index i, shifting later elements down and
// releasing the removed value. ok is false when i is out of bounds.
func (a *Array) Remove(i int64) bool {
	if i < 0 || i >= int64(len(a.items)) {
		return false
	}
	Release(a.items[i])
	copy(a.items[i:], a.items[i+1:])
	a.items = a.items[:len(a.items)-1]
	return true
}

// Items returns the backing slice directly. Used by ARGV construction and
// tests; callers must not retain the slice beyond the array's lifetime.
func (a *Array) Items() []Value { return a.items }
