package variant

import (
	"github.com/vk/dgsplice/internal/dgerr"
)

// dict keeps entries in insertion order. Lookup goes through index, keyed by
// the canonical encoding of the key (kind plus JSON text).
type dict struct {
	keys  []Variant
	vals  []Variant
	index map[string]int
}

func newDict() *dict {
	return &dict{index: make(map[string]int)}
}

func keyOf(k Variant) string {
	b, err := k.ToJSON()
	if err != nil {
		// Only NaN/Inf floats fail to encode; fall back to the describe form.
		return k.kind.String() + "|" + k.Describe(false)
	}
	return k.kind.String() + "|" + string(b)
}

func (d *dict) copy() *dict {
	out := &dict{
		keys:  make([]Variant, len(d.keys)),
		vals:  make([]Variant, len(d.vals)),
		index: make(map[string]int, len(d.index)),
	}
	for i := range d.keys {
		out.keys[i] = d.keys[i].Copy()
		out.vals[i] = d.vals[i].Copy()
	}
	for k, i := range d.index {
		out.index[k] = i
	}
	return out
}

func (d *dict) equal(o *dict) bool {
	if len(d.keys) != len(o.keys) {
		return false
	}
	for k, i := range d.index {
		j, ok := o.index[k]
		if !ok || !d.vals[i].Equal(o.vals[j]) {
			return false
		}
	}
	return true
}

func (d *dict) put(k, val Variant) {
	key := keyOf(k)
	if i, ok := d.index[key]; ok {
		d.vals[i] = val
		return
	}
	d.index[key] = len(d.keys)
	d.keys = append(d.keys, k)
	d.vals = append(d.vals, val)
}

func (d *dict) remove(k Variant) bool {
	key := keyOf(k)
	i, ok := d.index[key]
	if !ok {
		return false
	}
	d.keys = append(d.keys[:i], d.keys[i+1:]...)
	d.vals = append(d.vals[:i], d.vals[i+1:]...)
	delete(d.index, key)
	for j := i; j < len(d.keys); j++ {
		d.index[keyOf(d.keys[j])] = j
	}
	return true
}

// Len returns the element count of an Array or Dict, the byte length of a
// String, and 0 otherwise.
func (v Variant) Len() int {
	switch v.kind {
	case Array:
		return len(v.arr)
	case Dict:
		return len(v.d.keys)
	case String:
		return len(v.s)
	}
	return 0
}

// Append copies item onto the end of an Array.
func (v *Variant) Append(item Variant) error {
	if v.kind != Array {
		return mismatch("variant.Append", Array, v.kind)
	}
	v.arr = append(v.arr, item.Copy())
	return nil
}

// AppendTake moves item onto the end of an Array and leaves item Null.
func (v *Variant) AppendTake(item *Variant) error {
	if v.kind != Array {
		return mismatch("variant.AppendTake", Array, v.kind)
	}
	v.arr = append(v.arr, *item)
	item.reset(Null)
	return nil
}

// Index returns a borrowed pointer to element i of an Array. It is valid only
// while the parent is not modified.
func (v *Variant) Index(i int) (*Variant, error) {
	if v.kind != Array {
		return nil, mismatch("variant.Index", Array, v.kind)
	}
	if i < 0 || i >= len(v.arr) {
		return nil, dgerr.New(dgerr.SizeMismatch, "variant.Index", "index %d out of range [0,%d)", i, len(v.arr))
	}
	return &v.arr[i], nil
}

// SetIndex copies item into element i of an Array.
func (v *Variant) SetIndex(i int, item Variant) error {
	dst, err := v.Index(i)
	if err != nil {
		return err
	}
	*dst = item.Copy()
	return nil
}

// SetIndexTake moves item into element i of an Array.
func (v *Variant) SetIndexTake(i int, item *Variant) error {
	dst, err := v.Index(i)
	if err != nil {
		return err
	}
	dst.SetTake(item)
	return nil
}

// Resize grows or shrinks an Array; new elements are Null.
func (v *Variant) Resize(n int) error {
	if v.kind != Array {
		return mismatch("variant.Resize", Array, v.kind)
	}
	if n < len(v.arr) {
		v.arr = v.arr[:n]
		return nil
	}
	v.arr = append(v.arr, make([]Variant, n-len(v.arr))...)
	return nil
}

// Elements returns the backing slice of an Array (borrowed), or nil.
func (v Variant) Elements() []Variant {
	if v.kind != Array {
		return nil
	}
	return v.arr
}

// Get looks up key in a Dict and returns a borrowed pointer to the value.
func (v *Variant) Get(key Variant) (*Variant, bool) {
	if v.kind != Dict {
		return nil, false
	}
	i, ok := v.d.index[keyOf(key)]
	if !ok {
		return nil, false
	}
	return &v.d.vals[i], true
}

// Field is Get with a String key.
func (v *Variant) Field(name string) (*Variant, bool) {
	return v.Get(NewString(name))
}

// Set upserts copies of key and val into a Dict.
func (v *Variant) Set(key, val Variant) error {
	if v.kind != Dict {
		return mismatch("variant.Set", Dict, v.kind)
	}
	v.d.put(key.Copy(), val.Copy())
	return nil
}

// SetField is Set with a String key.
func (v *Variant) SetField(name string, val Variant) error {
	return v.Set(NewString(name), val)
}

// SetTakeKey moves key and copies val.
func (v *Variant) SetTakeKey(key *Variant, val Variant) error {
	if v.kind != Dict {
		return mismatch("variant.SetTakeKey", Dict, v.kind)
	}
	k := *key
	key.reset(Null)
	v.d.put(k, val.Copy())
	return nil
}

// SetTakeBoth moves both key and val into a Dict, leaving both Null.
func (v *Variant) SetTakeBoth(key, val *Variant) error {
	if v.kind != Dict {
		return mismatch("variant.SetTakeBoth", Dict, v.kind)
	}
	k, x := *key, *val
	key.reset(Null)
	val.reset(Null)
	v.d.put(k, x)
	return nil
}

// Delete removes key from a Dict, reporting whether it was present.
func (v *Variant) Delete(key Variant) bool {
	if v.kind != Dict {
		return false
	}
	return v.d.remove(key)
}

// Range calls fn for every Dict entry in insertion order until fn returns
// false. The pointers are borrowed; fn must not add or remove entries.
func (v *Variant) Range(fn func(key, val *Variant) bool) error {
	if v.kind != Dict {
		return mismatch("variant.Range", Dict, v.kind)
	}
	for i := range v.d.keys {
		if !fn(&v.d.keys[i], &v.d.vals[i]) {
			return nil
		}
	}
	return nil
}

// Keys returns copies of a Dict's keys in insertion order.
func (v Variant) Keys() []Variant {
	if v.kind != Dict {
		return nil
	}
	out := make([]Variant, len(v.d.keys))
	for i, k := range v.d.keys {
		out[i] = k.Copy()
	}
	return out
}
