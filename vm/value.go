package vm

import (
	"math"
	"strconv"
	"strings"
	"unsafe"

	"github.com/zeebo/xxh3"
)

// Kind is the variant tag of a Value. The set is closed: equality, hashing
// and repr dispatch through fixed arrays indexed by Kind.
type Kind uint8

const (
	NilKind Kind = iota
	BoolKind
	NumKind
	StrKind
	TableKind
	FuncKind
	BuiltinKind
	RawKind

	numKinds
)

var kindNames = [numKinds]string{
	NilKind:     "nil",
	BoolKind:    "bool",
	NumKind:     "num",
	StrKind:     "str",
	TableKind:   "tbl",
	FuncKind:    "fn",
	BuiltinKind: "builtin",
	RawKind:     "raw",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return "invalid"
}

// Value is a tagged value.
//
// Numbers, booleans and raw words live in bits. Strings, tables, closures
// and builtins live in obj. The ro flag belongs to the reference, not to
// the referenced table: two Values may share a table while only one of
// them forbids mutation through it.
//
// The zero Value is nil.
type Value struct {
	kind Kind
	ro   bool
	bits uint64
	obj  any
}

// Nil is the nil value.
var Nil Value

// True is the only boolean. Comparisons yield True or Nil, since any
// non-nil value is truthy.
var True = Value{kind: BoolKind, bits: 1}

// Bool maps a Go bool onto True or Nil.
func Bool(b bool) Value {
	if b {
		return True
	}
	return Nil
}

// Num returns a numeric value.
func Num(f float64) Value {
	return Value{kind: NumKind, bits: math.Float64bits(f)}
}

// Str returns a string value.
func Str(s string) Value {
	return Value{kind: StrKind, obj: s}
}

// Raw wraps an opaque machine word. The compiler stores jump positions as
// raw values in its label tables.
func Raw(w uint64) Value {
	return Value{kind: RawKind, bits: w}
}

// FromTable wraps t. The returned value takes over one reference held by
// the caller.
func FromTable(t *Table) Value {
	return Value{kind: TableKind, obj: t}
}

// FromClosure wraps c. The returned value takes over the scope reference
// created by NewClosure.
func FromClosure(c *Closure) Value {
	return Value{kind: FuncKind, obj: c}
}

// FromBuiltin wraps b. If b carries an environment table, the returned
// value takes over one reference to it.
func FromBuiltin(b *Builtin) Value {
	return Value{kind: BuiltinKind, obj: b}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNil() bool    { return v.kind == NilKind }
func (v Value) ReadOnly() bool { return v.ro }

// AsReadOnly returns v marked read-only. The reference itself is shared,
// so a caller keeping both values must Retain.
func (v Value) AsReadOnly() Value {
	v.ro = true
	return v
}

func (v Value) AsNum() (float64, bool) {
	if v.kind != NumKind {
		return 0, false
	}
	return math.Float64frombits(v.bits), true
}

func (v Value) AsStr() (string, bool) {
	if v.kind != StrKind {
		return "", false
	}
	return v.obj.(string), true
}

func (v Value) AsTable() *Table {
	if v.kind != TableKind {
		return nil
	}
	return v.obj.(*Table)
}

func (v Value) AsClosure() *Closure {
	if v.kind != FuncKind {
		return nil
	}
	return v.obj.(*Closure)
}

func (v Value) AsBuiltin() *Builtin {
	if v.kind != BuiltinKind {
		return nil
	}
	return v.obj.(*Builtin)
}

func (v Value) AsRaw() uint64 { return v.bits }

func (v Value) isNaN() bool {
	return v.kind == NumKind && math.IsNaN(math.Float64frombits(v.bits))
}

// asIndex reports whether v is a non-negative integral number usable as an
// array index.
func (v Value) asIndex() (int, bool) {
	if v.kind != NumKind {
		return 0, false
	}
	f := math.Float64frombits(v.bits)
	if f < 0 || f >= math.MaxInt32 || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

// Retain adds a reference to whatever table v keeps alive and returns v.
// Tables are counted directly, closures count their function and captured
// scope, builtins count their environment.
func Retain(v Value) Value {
	if t := v.heldTable(); t != nil {
		t.Retain()
	}
	if v.kind == FuncKind {
		v.obj.(*Closure).Fn.Retain()
	}
	return v
}

// Release drops the reference taken by Retain or by construction.
func Release(v Value) {
	if t := v.heldTable(); t != nil {
		t.Release()
	}
	if v.kind == FuncKind {
		v.obj.(*Closure).Fn.Release()
	}
}

func (v Value) heldTable() *Table {
	switch v.kind {
	case TableKind:
		return v.obj.(*Table)
	case FuncKind:
		return v.obj.(*Closure).Scope
	case BuiltinKind:
		return v.obj.(*Builtin).Env
	}
	return nil
}

// ---------------------------------------------------------------------------
// Per-kind dispatch
// ---------------------------------------------------------------------------

var equalFns = [numKinds]func(a, b Value) bool{
	NilKind:     func(a, b Value) bool { return true },
	BoolKind:    rawEqual,
	NumKind:     numEqual,
	StrKind:     func(a, b Value) bool { return a.obj.(string) == b.obj.(string) },
	TableKind:   objEqual,
	FuncKind:    objEqual,
	BuiltinKind: objEqual,
	RawKind:     rawEqual,
}

var hashFns = [numKinds]func(v Value) uint64{
	NilKind:     func(Value) uint64 { return 0 },
	BoolKind:    rawHash,
	NumKind:     numHash,
	StrKind:     func(v Value) uint64 { return xxh3.HashString(v.obj.(string)) },
	TableKind:   objHash,
	FuncKind:    objHash,
	BuiltinKind: objHash,
	RawKind:     rawHash,
}

var reprFns [numKinds]func(v Value, depth int) string

func init() {
	reprFns = [numKinds]func(v Value, depth int) string{
		NilKind:     func(Value, int) string { return "nil" },
		BoolKind:    func(Value, int) string { return "true" },
		NumKind:     func(v Value, _ int) string { return formatNum(math.Float64frombits(v.bits)) },
		StrKind:     func(v Value, _ int) string { return strconv.Quote(v.obj.(string)) },
		TableKind:   func(v Value, depth int) string { return v.obj.(*Table).repr(depth) },
		FuncKind:    func(v Value, _ int) string { return v.obj.(*Closure).String() },
		BuiltinKind: func(v Value, _ int) string { return "builtin " + v.obj.(*Builtin).Name },
		RawKind:     func(v Value, _ int) string { return "raw 0x" + strconv.FormatUint(v.bits, 16) },
	}
}

func rawEqual(a, b Value) bool { return a.bits == b.bits }
func objEqual(a, b Value) bool { return a.obj == b.obj }

func numEqual(a, b Value) bool {
	return math.Float64frombits(a.bits) == math.Float64frombits(b.bits)
}

func rawHash(v Value) uint64 { return mix64(v.bits) }

func numHash(v Value) uint64 {
	f := math.Float64frombits(v.bits)
	if f == 0 {
		return 0
	}
	return mix64(v.bits)
}

func objHash(v Value) uint64 {
	var p unsafe.Pointer
	switch o := v.obj.(type) {
	case *Table:
		p = unsafe.Pointer(o)
	case *Closure:
		p = unsafe.Pointer(o)
	case *Builtin:
		p = unsafe.Pointer(o)
	}
	return mix64(uint64(uintptr(p)))
}

// mix64 is the murmur3 finalizer.
func mix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

// Equal reports whether v and o are the same value. Values of different
// kinds are never equal.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && equalFns[v.kind](v, o)
}

// Hash returns a hash consistent with Equal.
func (v Value) Hash() uint64 {
	return hashFns[v.kind](v)
}

const maxReprDepth = 8

// Repr returns a source-like rendering of v.
func (v Value) Repr() string {
	return reprFns[v.kind](v, 0)
}

// String renders v for printing: strings appear without quotes.
func (v Value) String() string {
	if v.kind == StrKind {
		return v.obj.(string)
	}
	return v.Repr()
}

func formatNum(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case f == math.Trunc(f) && math.Abs(f) < 1e15:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ---------------------------------------------------------------------------
// Mutation through a reference
// ---------------------------------------------------------------------------

func (v Value) table(op string) (*Table, error) {
	if v.kind != TableKind {
		return nil, Errorf(TypeMismatch, "cannot %s %s", op, v.kind)
	}
	return v.obj.(*Table), nil
}

// Lookup resolves key along the tail chain of v. The result is borrowed.
func (v Value) Lookup(key Value) (Value, error) {
	t, err := v.table("index")
	if err != nil {
		return Nil, err
	}
	return t.Lookup(key), nil
}

// LookupOr is Lookup with a fallback for keys absent from the whole chain.
func (v Value) LookupOr(key, def Value) (Value, error) {
	t, err := v.table("index")
	if err != nil {
		return Nil, err
	}
	return t.LookupOr(key, def), nil
}

// Insert writes key=val into v itself. Key and val are consumed, also on
// failure.
func (v Value) Insert(key, val Value) error {
	t, err := v.table("insert into")
	if err == nil && v.ro {
		err = Errorf(ReadOnlyViolation, "insert %s through read-only reference", key.Repr())
	}
	if err != nil {
		Release(key)
		Release(val)
		return err
	}
	return t.Insert(key, val)
}

// Assign updates the nearest binding of key along the tail chain of v.
// Key and val are consumed, also on failure.
func (v Value) Assign(key, val Value) error {
	t, err := v.table("assign into")
	if err == nil && v.ro {
		err = Errorf(ReadOnlyViolation, "assign %s through read-only reference", key.Repr())
	}
	if err != nil {
		Release(key)
		Release(val)
		return err
	}
	return t.Assign(key, val)
}

// Append adds val under the next integer key of v. Val is consumed.
func (v Value) Append(val Value) error {
	t, err := v.table("append to")
	if err == nil && v.ro {
		err = Errorf(ReadOnlyViolation, "append through read-only reference")
	}
	if err != nil {
		Release(val)
		return err
	}
	return t.Append(val)
}

// ---------------------------------------------------------------------------
// Helpers for repr of composite values
// ---------------------------------------------------------------------------

func writeEntry(sb *strings.Builder, k, v Value, implicit bool, depth int) {
	if !implicit {
		if s, ok := k.AsStr(); ok && isIdent(s) {
			sb.WriteString(s)
		} else {
			sb.WriteString(reprFns[k.kind](k, depth))
		}
		sb.WriteString(" = ")
	}
	sb.WriteString(reprFns[v.kind](v, depth))
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
