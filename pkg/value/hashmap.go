package value

import (
	"fmt"

	"github.com/dolthub/swiss"
)

// mapKey is the comparable, canonical form of a Value used to index the
// swiss-table lookup structure. Numbers are canonicalised to float64 so
// that an int key and an exactly-equal float key land on the same slot
// (an int key and a float key of equal value must collide); strings are
// keyed by content; every other object is keyed by identity. NaN and nil
// are rejected before a mapKey is ever constructed (see Hashmap.Set).
type mapKey struct {
	kind byte
	num  float64
	str  string
	ptr  *Object
}

const (
	mkBool byte = iota
	mkNumber
	mkString
	mkIdentity
)

func makeMapKey(v Value) (mapKey, bool) {
	switch {
	case v.IsNil():
		return mapKey{}, false
	case v.Kind == KindBool:
		n := 0.0
		if v.B {
			n = 1
		}
		return mapKey{kind: mkBool, num: n}, true
	case v.IsNumber():
		f := v.AsFloat()
		if f != f { // NaN
			return mapKey{}, false
		}
		return mapKey{kind: mkNumber, num: f}, true
	case v.Kind == KindObject && v.Obj.Class == stringClass:
		return mapKey{kind: mkString, str: string(v.Obj.asString().bytes)}, true
	case v.Kind == KindObject:
		return mapKey{kind: mkIdentity, ptr: v.Obj}, true
	default:
		return mapKey{}, false
	}
}

// hmSlot is one dense-array entry backing a Hashmap. Deleted slots keep
// their position (cursor stability across mutation) but hold no value.
type hmSlot struct {
	key     Value
	val     Value
	deleted bool
}

// Hashmap maps any non-nil, non-NaN Value to a Value, with stable-cursor
// iteration. Internally a swiss-table index maps the
// canonical key form to a slot in a dense, insertion-ordered array;
// deletions tombstone the slot rather than compacting it, which is what
// lets a cursor obtained before a mutation still resume correctly after.
type Hashmap struct {
	Object
	index   *swiss.Map[mapKey, int]
	entries []hmSlot
	count   int
}

var hashmapClass = &Class{
	Name: "hashmap",
	Describe: func(o *Object) string {
		return fmt.Sprintf("hashmap(%d)", o.asHashmap().Count())
	},
	Destroy: func(o *Object) {
		h := o.asHashmap()
		for _, s := range h.entries {
			if !s.deleted {
				Release(s.key)
				Release(s.val)
			}
		}
		h.entries = nil
		h.index = nil
	},
}

func (o *Object) asHashmap() *Hashmap { return (*Hashmap)(objectCast(o)) }

// NewHashmap allocates an empty hashmap.
func NewHashmap() *Hashmap {
	return &Hashmap{Object: NewObject(hashmapClass), index: swiss.NewMap[mapKey, int](8)}
}

// Value wraps h as a Value.
func (h *Hashmap) Value() Value { return FromObject(&h.Object) }

// Count returns the number of live key/value pairs in O(1).
func (h *Hashmap) Count() int { return h.count }

// Get looks up key. ok is false when absent or when key is not a valid
// hashmap key (nil or NaN).
func (h *Hashmap) Get(key Value) (Value, bool) {
	mk, valid := makeMapKey(key)
	if !valid {
		return Nil, false
	}
	slot, ok := h.index.Get(mk)
	if !ok {
		return Nil, false
	}
	return h.entries[slot].val, true
}

// Set stores val under key, taking ownership of both. Setting a nil val
// deletes the key: nil values are indistinguishable from absent. Returns false
// when key is invalid (nil or NaN) - the caller must treat that as a
// runtime error, not a silent no-op.
func (h *Hashmap) Set(key, val Value) bool {
	mk, valid := makeMapKey(key)
	if !valid {
		return false
	}
	if val.IsNil() {
		h.deleteKey(mk)
		Release(key)
		return true
	}
	if slot, ok := h.index.Get(mk); ok {
		old := h.entries[slot].val
		h.entries[slot].val = val
		Release(old)
		Release(key) // the map already owns a reference to an equal key
		return true
	}
	slot := len(h.entries)
	h.entries = append(h.entries, hmSlot{key: key, val: val})
	h.index.Put(mk, slot)
	h.count++
	return true
}

// Delete removes key if present, releasing its stored key/value pair.
func (h *Hashmap) Delete(key Value) bool {
	mk, valid := makeMapKey(key)
	if !valid {
		return false
	}
	return h.deleteKey(mk)
}

func (h *Hashmap) deleteKey(mk mapKey) bool {
	slot, ok := h.index.Get(mk)
	if !ok {
		return false
	}
	Release(h.entries[slot].key)
	Release(h.entries[slot].val)
	h.entries[slot] = hmSlot{deleted: true}
	h.index.Delete(mk)
	h.count--
	return true
}

// Next implements the iterator-cursor protocol: cursor 0 starts iteration,
// the returned cursor of 0 means "no more pairs". Deleted slots are
// skipped. Order is insertion order, which is stable between mutations
// because deletions tombstone rather than compact.
func (h *Hashmap) Next(cursor int) (key, val Value, nextCursor int, ok bool) {
	for i := cursor; i < len(h.entries); i++ {
		if h.entries[i].deleted {
			continue
		}
		return h.entries[i].key, h.entries[i].val, i + 1, true
	}
	return Nil, Nil, 0, false
}
