package vm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fnBuilder assembles a Function by hand: an emitter plus an immediates
// table. Nil cannot be stored as an immediate; use OpNil instead.
type fnBuilder struct {
	*Emitter
	imms *Table
}

func newFnBuilder() *fnBuilder {
	return &fnBuilder{Emitter: NewEmitter(), imms: NewTable(0)}
}

// konst appends v to the immediates and returns its index.
func (b *fnBuilder) konst(v Value) uint16 {
	i := b.imms.Len()
	b.imms.Append(v)
	return uint16(i)
}

// pushConst emits CONST for v.
func (b *fnBuilder) pushConst(v Value) {
	b.EmitArg(OpConst, b.konst(v))
}

func (b *fnBuilder) build(t *testing.T, name string, arity int) *Function {
	t.Helper()
	fn, err := NewFunction(name, b.Bytes(), b.imms, arity)
	if err != nil {
		t.Fatalf("NewFunction(%s): %v", name, err)
	}
	return fn
}

// builtinScope returns a fresh scope chained read-only to rt's builtins.
func builtinScope(rt *Runtime) *Table {
	s := NewTable(0)
	_ = s.SetTail(rt.Builtins.Retain(), true)
	return s
}

func exec(t *testing.T, fn *Function, args, scope *Table) (Value, error) {
	t.Helper()
	return NewInterpreter().Exec(context.Background(), fn, args, scope)
}

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestExec_ReturnConstant(t *testing.T) {
	b := newFnBuilder()
	b.pushConst(Str("hi"))
	b.Emit(OpReturn)
	got, err := exec(t, b.build(t, "f", 0), nil, nil)
	if err != nil || !got.Equal(Str("hi")) {
		t.Errorf("result = %v, %v, want hi", got, err)
	}
}

func TestExec_FallOffEndReturnsNil(t *testing.T) {
	b := newFnBuilder()
	b.pushConst(Num(1))
	b.Emit(OpDrop)
	got, err := exec(t, b.build(t, "f", 0), nil, nil)
	if err != nil || !got.IsNil() {
		t.Errorf("result = %v, %v, want nil", got, err)
	}
}

func TestExec_NilArgsAreFresh(t *testing.T) {
	b := newFnBuilder()
	b.Emit(OpArgs)
	b.Emit(OpReturn)
	got, err := exec(t, b.build(t, "f", 0), nil, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	defer Release(got)
	if tbl := got.AsTable(); tbl == nil || tbl.Len() != 0 || tbl.Refs() != 1 {
		t.Errorf("args = %s, want a fresh empty table owned by the caller", got.Repr())
	}
}

func TestExec_BorrowsArgsAndScope(t *testing.T) {
	b := newFnBuilder()
	b.Emit(OpScope)
	b.Emit(OpDrop)
	b.Emit(OpArgs)
	b.Emit(OpDrop)
	b.Emit(OpReturnNil)

	args, scope := NewArray(Num(1)), NewTable(0)
	defer args.Release()
	defer scope.Release()
	if _, err := exec(t, b.build(t, "f", 0), args, scope); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if args.Refs() != 1 || scope.Refs() != 1 {
		t.Errorf("refs after Exec: args %d, scope %d, want 1 and 1", args.Refs(), scope.Refs())
	}
}

// ---------------------------------------------------------------------------
// Scopes and tables
// ---------------------------------------------------------------------------

func TestExec_CallBuiltin(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	scope := builtinScope(rt)
	defer scope.Release()

	// +(1, 2)
	b := newFnBuilder()
	b.Emit(OpScope)
	b.pushConst(Str("+"))
	b.Emit(OpLookup)
	b.Emit(OpTable)
	b.pushConst(Num(1))
	b.Emit(OpAppend)
	b.pushConst(Num(2))
	b.Emit(OpAppend)
	b.Emit(OpCall)
	b.Emit(OpReturn)

	got, err := exec(t, b.build(t, "f", 0), nil, scope)
	if err != nil || !got.Equal(Num(3)) {
		t.Errorf("1 + 2 = %v, %v, want 3", got, err)
	}
}

func TestExec_InsertThenLookup(t *testing.T) {
	b := newFnBuilder()
	b.Emit(OpScope)
	b.pushConst(Str("x"))
	b.pushConst(Num(5))
	b.Emit(OpInsert)
	b.Emit(OpDrop)
	b.Emit(OpScope)
	b.pushConst(Str("x"))
	b.Emit(OpLookup)
	b.Emit(OpReturn)

	scope := NewTable(0)
	defer scope.Release()
	got, err := exec(t, b.build(t, "f", 0), nil, scope)
	if err != nil || !got.Equal(Num(5)) {
		t.Errorf("x = %v, %v, want 5", got, err)
	}
	if v := scope.Get(Str("x")); !v.Equal(Num(5)) {
		t.Errorf("scope x = %v, want 5", v)
	}
}

func TestExec_AppendKeepsContainerOnTop(t *testing.T) {
	// [7, 8] built with TABLE CONST APPEND CONST APPEND
	b := newFnBuilder()
	b.Emit(OpTable)
	b.pushConst(Num(7))
	b.Emit(OpAppend)
	b.pushConst(Num(8))
	b.Emit(OpAppend)
	b.Emit(OpReturn)

	got, err := exec(t, b.build(t, "f", 0), nil, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	defer Release(got)
	tab := got.AsTable()
	if tab == nil {
		t.Fatalf("result = %v, want a table", got)
	}
	if tab.Len() != 2 {
		t.Errorf("len = %d, want 2", tab.Len())
	}
	for i, want := range []float64{7, 8} {
		if v := tab.Get(Num(float64(i))); !v.Equal(Num(want)) {
			t.Errorf("t[%d] = %v, want %v", i, v, want)
		}
	}
}

func TestExec_AssignUpdatesAncestor(t *testing.T) {
	parent := NewTable(0)
	_ = parent.Insert(Str("x"), Num(1))
	scope := NewTable(0)
	_ = scope.SetTail(parent, false)
	defer scope.Release()

	b := newFnBuilder()
	b.Emit(OpScope)
	b.pushConst(Str("x"))
	b.pushConst(Num(2))
	b.Emit(OpAssign)
	b.Emit(OpReturnNil)

	if _, err := exec(t, b.build(t, "f", 0), nil, scope); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if v := parent.Get(Str("x")); !v.Equal(Num(2)) {
		t.Errorf("parent x = %v, want 2", v)
	}
	if v := scope.Get(Str("x")); !v.IsNil() {
		t.Errorf("local x = %v, want nil", v)
	}
}

func TestExec_AssignBuiltinIsReadOnly(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	scope := builtinScope(rt)
	defer scope.Release()

	b := newFnBuilder()
	b.Emit(OpScope)
	b.pushConst(Str("print"))
	b.pushConst(Num(0))
	b.Emit(OpAssign)
	b.Emit(OpReturnNil)

	_, err := exec(t, b.build(t, "f", 0), nil, scope)
	if !errors.Is(err, ErrReadOnly) {
		t.Errorf("err = %v, want ReadOnlyViolation", err)
	}
	if v := rt.Builtins.Get(Str("print")); v.Kind() != BuiltinKind {
		t.Errorf("print = %v after rejected assignment", v)
	}
}

func TestExec_LookupOrFallback(t *testing.T) {
	b := newFnBuilder()
	b.Emit(OpScope)
	b.pushConst(Str("missing"))
	b.EmitArg(OpLookupOr, b.konst(Str("default")))
	b.Emit(OpReturn)

	got, err := exec(t, b.build(t, "f", 0), nil, nil)
	if err != nil || !got.Equal(Str("default")) {
		t.Errorf("result = %v, %v, want default", got, err)
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func TestExec_ConditionalJumps(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		cond bool
		want string
	}{
		{"jnil taken", OpJumpNil, false, "jumped"},
		{"jnil not taken", OpJumpNil, true, "fell through"},
		{"jnotnil taken", OpJumpNotNil, true, "jumped"},
		{"jnotnil not taken", OpJumpNotNil, false, "fell through"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFnBuilder()
			if tt.cond {
				b.pushConst(True)
			} else {
				b.Emit(OpNil)
			}
			j := b.Reserve(tt.op)
			b.pushConst(Str("fell through"))
			b.Emit(OpReturn)
			_ = b.PatchJump(j, b.Len())
			b.pushConst(Str("jumped"))
			b.Emit(OpReturn)

			got, err := exec(t, b.build(t, "f", 0), nil, nil)
			if err != nil || !got.Equal(Str(tt.want)) {
				t.Errorf("result = %v, %v, want %s", got, err, tt.want)
			}
		})
	}
}

func TestExec_Cancellation(t *testing.T) {
	b := newFnBuilder()
	_ = b.EmitJump(OpJump, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := NewInterpreter()
	_, err := in.Exec(ctx, b.build(t, "spin", 0), nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if in.Steps() != pollInterval {
		t.Errorf("steps = %d, want %d", in.Steps(), pollInterval)
	}
	if in.Depth() != 0 {
		t.Errorf("depth after cancellation = %d, want 0", in.Depth())
	}
}

// ---------------------------------------------------------------------------
// Calls and closures
// ---------------------------------------------------------------------------

func TestExec_ClosureCapturesScope(t *testing.T) {
	inner := newFnBuilder()
	inner.Emit(OpScope)
	inner.pushConst(Str("n"))
	inner.Emit(OpLookup)
	inner.Emit(OpReturn)
	innerFn := inner.build(t, "get", 0)

	// let n = 42; return get()
	outer := newFnBuilder()
	outer.Emit(OpScope)
	outer.pushConst(Str("n"))
	outer.pushConst(Num(42))
	outer.Emit(OpInsert)
	outer.Emit(OpDrop)
	outer.EmitArg(OpClosure, outer.konst(innerFn.Prototype()))
	outer.Emit(OpTable)
	outer.Emit(OpCall)
	outer.Emit(OpReturn)

	scope := NewTable(0)
	defer scope.Release()
	got, err := exec(t, outer.build(t, "outer", 0), nil, scope)
	if err != nil || !got.Equal(Num(42)) {
		t.Errorf("result = %v, %v, want 42", got, err)
	}
	if scope.Refs() != 1 {
		t.Errorf("scope refs = %d, want 1 once the closure is gone", scope.Refs())
	}
}

func TestExec_ClosureOverNonFunction(t *testing.T) {
	b := newFnBuilder()
	b.EmitArg(OpClosure, b.konst(Num(1)))
	b.Emit(OpReturn)
	if _, err := exec(t, b.build(t, "f", 0), nil, nil); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("err = %v, want InvalidCode", err)
	}
}

func TestExec_CallNonCallable(t *testing.T) {
	b := newFnBuilder()
	b.pushConst(Num(1))
	b.Emit(OpTable)
	b.Emit(OpCall)
	b.Emit(OpReturn)
	_, err := exec(t, b.build(t, "f", 0), nil, nil)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("err = %v, want TypeMismatch", err)
	}
}

func TestExec_ErrorsAreLocated(t *testing.T) {
	b := newFnBuilder()
	b.pushConst(Num(1))
	b.pushConst(Str("k"))
	b.Emit(OpLookup)
	b.Emit(OpReturn)

	_, err := exec(t, b.build(t, "f", 0), nil, nil)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("err = %v, want TypeMismatch", err)
	}
	if !strings.HasPrefix(err.Error(), "f at 0006: ") {
		t.Errorf("err = %q, want it located at f 0006", err)
	}
}

func TestInterpreter_Call(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	args := NewArray(Num(6), Num(7))
	defer args.Release()
	got, err := NewInterpreter().Call(context.Background(), rt.Builtins.Get(Str("*")), args)
	if err != nil || !got.Equal(Num(42)) {
		t.Errorf("6 * 7 = %v, %v, want 42", got, err)
	}
	if args.Refs() != 1 {
		t.Errorf("args refs = %d, want 1", args.Refs())
	}
}

// ---------------------------------------------------------------------------
// Iteration
// ---------------------------------------------------------------------------

func TestExec_Iterator(t *testing.T) {
	// ARGS ITER; call the iterator once and return its first pair.
	b := newFnBuilder()
	b.Emit(OpArgs)
	b.Emit(OpIter)
	b.EmitArg(OpDup, 0)
	b.Emit(OpTable)
	b.Emit(OpCall)
	b.Emit(OpReturn)

	args := NewArray(Str("a"), Str("b"))
	defer args.Release()
	got, err := exec(t, b.build(t, "f", 0), args, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got.Repr() != `[0, "a"]` {
		t.Errorf("first pair = %s, want [0, \"a\"]", got.Repr())
	}
	Release(got)
	if args.Refs() != 1 {
		t.Errorf("args refs = %d, want 1 once the iterator is gone", args.Refs())
	}
}

func TestNewIterator(t *testing.T) {
	m := NewTable(0)
	_ = m.Insert(Str("k"), Num(1))
	it, err := NewIterator(FromTable(m))
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	next := it.AsBuiltin().Fn

	pair, _ := next(nil)
	if pair.Repr() != `["k", 1]` {
		t.Errorf("pair = %s, want [\"k\", 1]", pair.Repr())
	}
	Release(pair)
	for k := 0; k < 2; k++ {
		if v, _ := next(nil); !v.IsNil() {
			t.Errorf("exhausted iterator returned %s", v.Repr())
		}
	}
	Release(it)
	if !m.Released() {
		t.Error("releasing the iterator should release the table")
	}

	if _, err := NewIterator(Num(3)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("iterate num: err = %v, want TypeMismatch", err)
	}
}
