package vm

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Function: compiled code
// ---------------------------------------------------------------------------

// Function is compiled code together with its immediates: an array table of
// literals and nested function prototypes addressed by index from the
// bytecode. A Function is immutable once built.
//
// A Function is reference counted like a table. Closure values, running
// activations and the immediates of an enclosing function each hold one
// reference; the last Release drops the immediates. The count is atomic,
// so a cached Function may be shared between runtimes.
type Function struct {
	Name     string
	Code     []byte
	Imms     *Table
	MaxStack int
	Arity    int

	refs atomic.Int32
}

// NewFunction builds a Function holding one reference and computes its
// stack requirement. It takes over the caller's reference to imms.
func NewFunction(name string, code []byte, imms *Table, arity int) (*Function, error) {
	depth, err := MaxStackDepth(code)
	if err != nil {
		imms.Release()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	f := &Function{Name: name, Code: code, Imms: imms, MaxStack: depth, Arity: arity}
	f.refs.Store(1)
	return f, nil
}

// Retain adds a reference and returns f.
func (f *Function) Retain() *Function {
	f.refs.Add(1)
	return f
}

// Release drops a reference. Releasing the last one releases the
// immediates and with them every nested prototype.
func (f *Function) Release() {
	if f.refs.Add(-1) != 0 {
		return
	}
	if imms := f.Imms; imms != nil {
		f.Imms = nil
		imms.Release()
	}
}

// Refs returns the current reference count.
func (f *Function) Refs() int { return int(f.refs.Load()) }

// Const returns immediate i, borrowed.
func (f *Function) Const(i int) Value {
	if f.Imms == nil {
		return Nil
	}
	return f.Imms.Get(Num(float64(i)))
}

// NumConsts returns the size of the immediates table.
func (f *Function) NumConsts() int {
	if f.Imms == nil {
		return 0
	}
	return f.Imms.Len()
}

// Prototype returns f as a scope-less function value, the form in which
// nested functions are stored among the immediates. The value takes over
// the caller's reference to f.
func (f *Function) Prototype() Value {
	return FromClosure(&Closure{Fn: f})
}

// Disassemble returns a listing of f and every nested prototype.
func (f *Function) Disassemble() string {
	s := fmt.Sprintf("fn %s (stack %d, %d consts)\n%s", f.displayName(), f.MaxStack, f.NumConsts(),
		Disassemble(f.Code, f.Imms))
	for i, n := 0, f.NumConsts(); i < n; i++ {
		if c := f.Const(i).AsClosure(); c != nil {
			s += "\n\n" + c.Fn.Disassemble()
		}
	}
	return s
}

func (f *Function) displayName() string {
	if f.Name == "" {
		return "<anon>"
	}
	return f.Name
}

// ---------------------------------------------------------------------------
// Closure
// ---------------------------------------------------------------------------

// Closure pairs a Function with the scope it was created in. A closure with
// a nil Scope is a prototype. Each Value holding a closure owns one
// reference to its function and one to its scope.
type Closure struct {
	Fn    *Function
	Scope *Table
}

// NewClosure captures fn and scope, taking a new reference to each.
func NewClosure(fn *Function, scope *Table) *Closure {
	if scope != nil {
		scope.Retain()
	}
	return &Closure{Fn: fn.Retain(), Scope: scope}
}

func (c *Closure) String() string {
	return "fn " + c.Fn.displayName()
}

// ---------------------------------------------------------------------------
// Builtin
// ---------------------------------------------------------------------------

// BuiltinFunc is a native function. args is borrowed; the result is owned
// by the caller.
type BuiltinFunc func(args *Table) (Value, error)

// Builtin is a native callable. Env, when set, is a table kept alive by
// every Value referencing the builtin.
type Builtin struct {
	Name string
	Doc  string
	Fn   BuiltinFunc
	Env  *Table
}
