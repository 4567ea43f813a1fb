package vm

import (
	"context"
	"fmt"
)

// DefaultMaxCallDepth bounds nested non-tail calls.
const DefaultMaxCallDepth = 10000

// pollInterval is how many instructions run between context checks.
const pollInterval = 1024

// ---------------------------------------------------------------------------
// frame: one activation
// ---------------------------------------------------------------------------

// frame is the state of one activation. The value stack has exactly
// fn.MaxStack slots and grows downward: stack[sp] is the top, sp ==
// len(stack) means empty. Every live slot owns its value; the frame owns
// one reference each to fn, scope and args.
type frame struct {
	fn    *Function
	scope *Table
	args  *Table
	stack []Value
	sp    int
}

func (f *frame) enter(fn *Function, args, scope *Table) {
	if cap(f.stack) >= fn.MaxStack {
		f.stack = f.stack[:fn.MaxStack]
	} else {
		f.stack = make([]Value, fn.MaxStack)
	}
	f.fn, f.args, f.scope = fn.Retain(), args, scope
	f.sp = len(f.stack)
}

// leave releases everything the activation still holds. It is safe to
// call more than once.
func (f *frame) leave() {
	for ; f.sp < len(f.stack); f.sp++ {
		Release(f.stack[f.sp])
		f.stack[f.sp] = Nil
	}
	if f.scope != nil {
		f.scope.Release()
		f.scope = nil
	}
	if f.args != nil {
		f.args.Release()
		f.args = nil
	}
	if f.fn != nil {
		f.fn.Release()
		f.fn = nil
	}
}

func (f *frame) push(v Value) error {
	if f.sp == 0 {
		Release(v)
		return Errorf(StackOverflow, "value stack exhausted (%d slots)", len(f.stack))
	}
	f.sp--
	f.stack[f.sp] = v
	return nil
}

func (f *frame) pop() Value {
	v := f.stack[f.sp]
	f.stack[f.sp] = Nil
	f.sp++
	return v
}

func (f *frame) top() Value {
	return f.stack[f.sp]
}

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// Interpreter executes bytecode. It is not safe for concurrent use.
type Interpreter struct {
	// MaxCallDepth bounds nested non-tail calls; exceeding it is a
	// StackOverflow. Zero means DefaultMaxCallDepth.
	MaxCallDepth int

	depth int
	steps uint64
}

// NewInterpreter creates an interpreter with default limits.
func NewInterpreter() *Interpreter {
	return &Interpreter{MaxCallDepth: DefaultMaxCallDepth}
}

// Depth returns the number of activations currently on the host stack.
func (in *Interpreter) Depth() int { return in.depth }

// Steps returns the number of instructions executed so far.
func (in *Interpreter) Steps() uint64 { return in.steps }

// Exec runs fn with the given argument table and scope and returns its
// result, owned by the caller. args and scope are borrowed; a nil table is
// replaced by a fresh empty one.
func (in *Interpreter) Exec(ctx context.Context, fn *Function, args, scope *Table) (Value, error) {
	if args == nil {
		args = NewTable(0)
	} else {
		args.Retain()
	}
	if scope == nil {
		scope = NewTable(0)
	} else {
		scope.Retain()
	}
	return in.run(ctx, fn, args, scope)
}

// Call invokes a callable value with an argument table. Both are borrowed.
func (in *Interpreter) Call(ctx context.Context, callee Value, args *Table) (Value, error) {
	return in.call(ctx, callee, FromTable(args))
}

func (in *Interpreter) call(ctx context.Context, callee, args Value) (Value, error) {
	at := args.AsTable()
	if at == nil {
		return Nil, Errorf(TypeMismatch, "call arguments must be a table, got %s", args.Kind())
	}
	switch callee.Kind() {
	case FuncKind:
		cl := callee.AsClosure()
		return in.run(ctx, cl.Fn, at.Retain(), activationScope(cl))
	case BuiltinKind:
		return callee.AsBuiltin().Fn(at)
	}
	return Nil, Errorf(TypeMismatch, "cannot call %s", callee.Kind())
}

// activationScope creates the scope of a call: a fresh table whose tail is
// the closure's captured scope.
func activationScope(cl *Closure) *Table {
	s := NewTable(0)
	if cl.Scope != nil {
		_ = s.SetTail(cl.Scope.Retain(), false)
	}
	return s
}

// run executes fn, taking over the references to args and scope. Tail
// calls replace the activation in place, so a chain of them runs in
// constant host stack.
func (in *Interpreter) run(ctx context.Context, fn *Function, args, scope *Table) (Value, error) {
	limit := in.MaxCallDepth
	if limit <= 0 {
		limit = DefaultMaxCallDepth
	}
	if in.depth >= limit {
		args.Release()
		scope.Release()
		return Nil, Errorf(StackOverflow, "call depth exceeds %d", limit)
	}
	in.depth++
	defer func() { in.depth-- }()

	f := &frame{}
	f.enter(fn, args, scope)
	defer f.leave()

	code := fn.Code
	pc := 0
	for pc < len(code) {
		in.steps++
		if in.steps%pollInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Nil, err
			}
		}

		start := pc
		b := code[pc]
		op := Opcode(b &^ ArgFlag)
		var arg uint16
		if b&ArgFlag != 0 {
			arg = uint16(code[pc+1])<<8 | uint16(code[pc+2])
			pc += LongInstr
		} else {
			pc += ShortInstr
		}

		var err error
		switch op {
		case OpNil:
			err = f.push(Nil)

		case OpTable:
			err = f.push(FromTable(NewTable(0)))

		case OpScope:
			err = f.push(FromTable(f.scope.Retain()))

		case OpArgs:
			err = f.push(FromTable(f.args.Retain()))

		case OpConst:
			err = f.push(Retain(f.fn.Const(int(arg))))

		case OpClosure:
			proto := f.fn.Const(int(arg)).AsClosure()
			if proto == nil {
				err = Errorf(InvalidCode, "constant %d is not a function", arg)
				break
			}
			err = f.push(FromClosure(NewClosure(proto.Fn, f.scope)))

		case OpDup:
			err = f.push(Retain(f.stack[f.sp+int(arg)]))

		case OpDrop:
			Release(f.pop())

		case OpJump:
			pc += int(int16(arg))

		case OpJumpNil, OpJumpNotNil:
			v := f.pop()
			if v.IsNil() == (op == OpJumpNil) {
				pc += int(int16(arg))
			}
			Release(v)

		case OpLookup, OpLookupOr:
			key := f.pop()
			c := f.pop()
			var v Value
			if op == OpLookup {
				v, err = c.Lookup(key)
			} else {
				v, err = c.LookupOr(key, f.fn.Const(int(arg)))
			}
			v = Retain(v)
			Release(key)
			Release(c)
			if err == nil {
				err = f.push(v)
			}

		case OpAssign:
			val := f.pop()
			key := f.pop()
			c := f.pop()
			err = c.Assign(key, val)
			Release(c)

		case OpInsert:
			val := f.pop()
			key := f.pop()
			err = f.top().Insert(key, val)

		case OpAppend:
			val := f.pop()
			err = f.top().Append(val)

		case OpIter:
			var it Value
			if it, err = NewIterator(f.pop()); err == nil {
				err = f.push(it)
			}

		case OpCall:
			a := f.pop()
			callee := f.pop()
			var r Value
			r, err = in.call(ctx, callee, a)
			Release(callee)
			Release(a)
			if err == nil {
				err = f.push(r)
			}

		case OpTailCall:
			a := f.pop()
			callee := f.pop()
			cl := callee.AsClosure()
			if cl == nil || a.Kind() != TableKind {
				r, err := in.call(ctx, callee, a)
				Release(callee)
				Release(a)
				return r, located(f.fn, start, err)
			}
			next := activationScope(cl)
			f.leave()
			f.enter(cl.Fn, a.AsTable(), next)
			Release(callee)
			code, pc = f.fn.Code, 0

		case OpReturn:
			return f.pop(), nil

		case OpReturnNil:
			return Nil, nil

		default:
			err = Errorf(InvalidCode, "unknown opcode 0x%02x", b)
		}
		if err != nil {
			return Nil, located(f.fn, start, err)
		}
	}
	return Nil, nil
}

// located attaches the failing function and position to errors raised by
// the instruction itself. Errors coming up from nested calls are already
// located and pass through unchanged.
func located(fn *Function, pc int, err error) error {
	if e, ok := err.(*Error); ok {
		return fmt.Errorf("%s at %04d: %w", fn.displayName(), pc, e)
	}
	return err
}
