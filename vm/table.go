package vm

import (
	"math"
	"strings"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("mu.vm")

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

// Stride selects the physical layout of a table.
type Stride uint8

const (
	// StrideRange holds keys 0..n-1 mapped to offset+key. No storage.
	StrideRange Stride = iota
	// StrideArray holds values with implicit keys 0..n-1.
	StrideArray
	// StrideMap holds key/value pairs flattened into slots, open addressed
	// with linear probing.
	StrideMap
)

var strideNames = [...]string{"range", "array", "map"}

func (s Stride) String() string { return strideNames[s] }

// Table is the single composite type of the language: literal tables,
// scopes, argument bundles and the compiler's own bookkeeping are all tables.
//
// A table is reference counted. NewTable and NewRange return a table with
// one reference; Retain and Release adjust it, and the last Release drops
// every value the table owns along with its tail reference. Tables are not
// safe for concurrent use.
//
// Map invariants: an empty slot has a nil key, a tombstone has a key and a
// nil value, and live+nils never exceeds the slot capacity.
type Table struct {
	refs   int32
	live   int
	nils   int
	seq    int // next append key in map stride
	npw2   uint8
	stride Stride
	tailRO bool
	tail   *Table
	offset float64
	slots  []Value

	rehashes int
}

// NewTable returns an empty table with room for about hint entries.
func NewTable(hint int) *Table {
	t := &Table{refs: 1, stride: StrideArray}
	if hint > 0 {
		t.npw2 = log2ceil(hint)
		t.slots = make([]Value, 1<<t.npw2)
	}
	return t
}

const (
	// MaxRangeLen is the largest element count of a range table. Every key
	// of such a range is still a valid array index.
	MaxRangeLen = math.MaxInt32 - 1
	// MaxMaterialize is the largest range a write may expand into array
	// storage.
	MaxMaterialize = 1 << 24
)

// NewRange returns the table {0: offset, 1: offset+1, ..., n-1: offset+n-1}.
// n is clamped to [0, MaxRangeLen].
func NewRange(offset float64, n int) *Table {
	n = max(0, min(n, MaxRangeLen))
	return &Table{refs: 1, stride: StrideRange, offset: offset, live: n}
}

// NewArray returns an array table holding vals. The values are consumed.
func NewArray(vals ...Value) *Table {
	t := NewTable(len(vals))
	for _, v := range vals {
		t.Append(v)
	}
	return t
}

func log2ceil(n int) uint8 {
	var p uint8
	for 1<<p < n {
		p++
	}
	return p
}

func (t *Table) check() {
	if t.refs <= 0 {
		panic("vm: use of released table")
	}
}

// Retain adds a reference and returns t.
func (t *Table) Retain() *Table {
	t.check()
	t.refs++
	return t
}

// Release drops a reference. Releasing the last reference frees the
// table's storage and releases everything it holds.
func (t *Table) Release() {
	t.check()
	t.refs--
	if t.refs > 0 {
		return
	}
	slots, tail := t.slots, t.tail
	t.slots, t.tail = nil, nil
	t.live, t.nils, t.seq = 0, 0, 0
	t.refs = -1
	for _, v := range slots {
		Release(v)
	}
	if tail != nil {
		tail.Release()
	}
}

// Refs returns the current reference count, or 0 once released.
func (t *Table) Refs() int {
	if t.refs < 0 {
		return 0
	}
	return int(t.refs)
}

// Released reports whether the last reference has been dropped.
func (t *Table) Released() bool { return t.refs < 0 }

func (t *Table) Len() int         { return t.live }
func (t *Table) Stride() Stride   { return t.stride }
func (t *Table) Tail() *Table     { return t.tail }
func (t *Table) TailRO() bool     { return t.tailRO }
func (t *Table) Rehashes() int    { return t.rehashes }
func (t *Table) Tombstones() int  { return t.nils }
func (t *Table) Capacity() int {
	switch t.stride {
	case StrideRange:
		return t.live
	case StrideMap:
		return len(t.slots) / 2
	}
	return len(t.slots)
}

// SetTail links t to parent. It takes over one reference to parent and
// releases the previous tail. A link that would make the chain cyclic is
// rejected.
func (t *Table) SetTail(parent *Table, ro bool) error {
	t.check()
	for p := parent; p != nil; p = p.tail {
		if p == t {
			parent.Release()
			return Errorf(TypeMismatch, "tail link would create a cycle")
		}
	}
	old := t.tail
	t.tail, t.tailRO = parent, ro
	if old != nil {
		old.Release()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Lookup returns the value of key in t or the nearest ancestor defining it,
// or nil. The result is borrowed.
func (t *Table) Lookup(key Value) Value {
	return t.LookupOr(key, Nil)
}

// LookupOr is Lookup returning def when no table in the chain has key.
func (t *Table) LookupOr(key, def Value) Value {
	t.check()
	for tt := t; tt != nil; tt = tt.tail {
		if v, ok := tt.get(key); ok {
			return v
		}
	}
	return def
}

// Get returns the value of key in t alone, ignoring the tail.
func (t *Table) Get(key Value) Value {
	t.check()
	v, _ := t.get(key)
	return v
}

func (t *Table) get(key Value) (Value, bool) {
	switch t.stride {
	case StrideRange:
		if i, ok := key.asIndex(); ok && i < t.live {
			return Num(t.offset + float64(i)), true
		}
	case StrideArray:
		if i, ok := key.asIndex(); ok && i < t.live {
			return t.slots[i], true
		}
	case StrideMap:
		if i, found := t.probe(key); found && !t.slots[2*i+1].IsNil() {
			return t.slots[2*i+1], true
		}
	}
	return Nil, false
}

// probe finds key in map storage. When the key is absent it returns the
// slot an insertion should use (the first tombstone on the probe path, or
// the empty slot ending it), or -1 if the table is full.
func (t *Table) probe(key Value) (int, bool) {
	n := len(t.slots) / 2
	if n == 0 {
		return -1, false
	}
	mask := uint64(n - 1)
	i := int(key.Hash() & mask)
	free := -1
	for j := 0; j < n; j++ {
		k := t.slots[2*i]
		if k.IsNil() {
			if free < 0 {
				free = i
			}
			return free, false
		}
		if k.Equal(key) {
			return i, true
		}
		if free < 0 && t.slots[2*i+1].IsNil() {
			free = i
		}
		i = int((uint64(i) + 1) & mask)
	}
	return free, false
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// Insert sets key in t itself, never touching the tail chain. A nil value
// deletes the key. Key and val are consumed.
func (t *Table) Insert(key, val Value) error {
	t.check()
	err := checkKey(key)
	if err == nil {
		err = t.materialize()
	}
	if err != nil {
		Release(key)
		Release(val)
		return err
	}
	t.set(key, val)
	return nil
}

// checkKey rejects keys that could never be read back.
func checkKey(key Value) error {
	switch {
	case key.IsNil():
		return Errorf(TypeMismatch, "table key is nil")
	case key.isNaN():
		return Errorf(TypeMismatch, "table key is NaN")
	}
	return nil
}

// Assign updates key in the nearest table of the chain that defines it.
// When no table defines key, it is inserted into t. Reaching the binding
// through a read-only tail link is a ReadOnlyViolation. Key and val are
// consumed.
func (t *Table) Assign(key, val Value) error {
	t.check()
	if err := checkKey(key); err != nil {
		Release(key)
		Release(val)
		return err
	}
	target := t
	ro := false
	for tt := t; tt != nil; tt = tt.tail {
		if _, ok := tt.get(key); ok {
			if ro {
				err := Errorf(ReadOnlyViolation, "cannot assign %s: binding is read-only", key.Repr())
				Release(key)
				Release(val)
				return err
			}
			target = tt
			break
		}
		ro = ro || tt.tailRO
	}
	if err := target.materialize(); err != nil {
		Release(key)
		Release(val)
		return err
	}
	target.set(key, val)
	return nil
}

// Append stores val under the next integer key of t. Val is consumed;
// appending nil does nothing.
func (t *Table) Append(val Value) error {
	t.check()
	if val.IsNil() {
		return nil
	}
	if err := t.materialize(); err != nil {
		Release(val)
		return err
	}
	switch t.stride {
	case StrideArray:
		t.push(val)
	case StrideMap:
		t.set(Num(float64(t.seq)), val)
	}
	return nil
}

// materialize gives a range table array storage ahead of a write.
func (t *Table) materialize() error {
	if t.stride != StrideRange {
		return nil
	}
	if t.live > MaxMaterialize {
		return Errorf(LimitExceeded, "cannot expand a range of %d elements (limit %d)", t.live, MaxMaterialize)
	}
	t.toArray()
	return nil
}

func (t *Table) set(key, val Value) {
	if t.stride == StrideRange {
		t.toArray()
	}
	if t.stride == StrideArray {
		i, ok := key.asIndex()
		switch {
		case ok && i < t.live && !val.IsNil():
			old := t.slots[i]
			t.slots[i] = val
			Release(old)
			return
		case ok && i == t.live-1:
			Release(t.slots[i])
			t.slots[i] = Nil
			t.live--
			return
		case ok && i == t.live:
			if !val.IsNil() {
				t.push(val)
			}
			return
		case val.IsNil() && !(ok && i < t.live):
			Release(key)
			return
		}
		t.toMap()
	}
	t.mapSet(key, val)
}

func (t *Table) mapSet(key, val Value) {
	i, found := t.probe(key)
	if found {
		Release(key)
		old := t.slots[2*i+1]
		t.slots[2*i+1] = val
		switch {
		case old.IsNil() && !val.IsNil():
			t.live++
			t.nils--
		case !old.IsNil() && val.IsNil():
			t.live--
			t.nils++
		}
		Release(old)
		t.updateSeq(key, val.IsNil())
		return
	}
	if val.IsNil() {
		Release(key)
		return
	}
	if t.live+t.nils+1 > len(t.slots)/2 {
		t.rehash(t.npw2 + 1)
		i, _ = t.probe(key)
	}
	if old := t.slots[2*i]; !old.IsNil() {
		Release(old)
		t.nils--
	}
	t.slots[2*i] = key
	t.slots[2*i+1] = val
	t.live++
	t.updateSeq(key, false)
}

func (t *Table) updateSeq(key Value, deleted bool) {
	i, ok := key.asIndex()
	if !ok {
		return
	}
	if deleted {
		if i < t.seq {
			t.seq = i
		}
		return
	}
	for i == t.seq {
		t.seq++
		if _, ok := t.get(Num(float64(t.seq))); !ok {
			break
		}
		i = t.seq
	}
}

func (t *Table) push(val Value) {
	if t.live == len(t.slots) {
		p := log2ceil(t.live + 1)
		slots := make([]Value, 1<<p)
		copy(slots, t.slots[:t.live])
		t.slots, t.npw2 = slots, p
	}
	t.slots[t.live] = val
	t.live++
}

// ---------------------------------------------------------------------------
// Stride conversions
// ---------------------------------------------------------------------------

func (t *Table) toArray() {
	p := log2ceil(t.live)
	var slots []Value
	if t.live > 0 {
		slots = make([]Value, 1<<p)
	}
	for i, n := 0, t.live; i < n; i++ {
		slots[i] = Num(t.offset + float64(i))
	}
	t.stride, t.slots, t.npw2, t.offset = StrideArray, slots, p, 0
}

func (t *Table) toMap() {
	vals := t.slots[:t.live]
	p := t.npw2
	if need := log2ceil(t.live + 1); need > p {
		p = need
	}
	t.stride = StrideMap
	t.npw2 = p
	t.slots = make([]Value, 2<<p)
	t.live, t.nils, t.seq = 0, 0, 0
	for i, v := range vals {
		t.place(Num(float64(i)), v)
	}
	t.seq = len(vals)
}

func (t *Table) rehash(p uint8) {
	old := t.slots
	t.npw2 = p
	t.slots = make([]Value, 2<<p)
	t.live, t.nils = 0, 0
	for i := 0; i < len(old); i += 2 {
		k, v := old[i], old[i+1]
		switch {
		case k.IsNil():
		case v.IsNil():
			Release(k)
		default:
			t.place(k, v)
		}
	}
	t.rehashes++
	log.Debugf("table rehash: capacity %d -> %d, %d live", len(old)/2, 1<<p, t.live)
}

// place inserts a key known to be absent into map storage with room.
func (t *Table) place(key, val Value) {
	i, _ := t.probe(key)
	t.slots[2*i] = key
	t.slots[2*i+1] = val
	t.live++
}

// ---------------------------------------------------------------------------
// Enumeration
// ---------------------------------------------------------------------------

// Next returns the first entry at or after storage position pos together
// with the position to resume from. Entries come back in storage order and
// tombstones are skipped. The key and value are borrowed.
func (t *Table) Next(pos int) (next int, key, val Value, ok bool) {
	t.check()
	switch t.stride {
	case StrideRange, StrideArray:
		if pos < t.live {
			k := Num(float64(pos))
			v, _ := t.get(k)
			return pos + 1, k, v, true
		}
	case StrideMap:
		for i := pos; 2*i < len(t.slots); i++ {
			if v := t.slots[2*i+1]; !v.IsNil() {
				return i + 1, t.slots[2*i], v, true
			}
		}
	}
	return pos, Nil, Nil, false
}

// Each calls fn for every entry of t in storage order until fn returns
// false.
func (t *Table) Each(fn func(k, v Value) bool) {
	for pos := 0; ; {
		next, k, v, ok := t.Next(pos)
		if !ok || !fn(k, v) {
			return
		}
		pos = next
	}
}

func (t *Table) repr(depth int) string {
	if t.Released() {
		return "[released]"
	}
	if t.stride == StrideRange {
		return "range(" + formatNum(t.offset) + ", " + formatNum(t.offset+float64(t.live)) + ")"
	}
	if depth >= maxReprDepth {
		return "[...]"
	}
	var sb strings.Builder
	sb.WriteByte('[')
	first := true
	t.Each(func(k, v Value) bool {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		writeEntry(&sb, k, v, t.stride == StrideArray, depth+1)
		return true
	})
	sb.WriteByte(']')
	return sb.String()
}
