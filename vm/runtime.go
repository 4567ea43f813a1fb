package vm

import (
	"context"
	"errors"
	"io"
	"os"
)

// ---------------------------------------------------------------------------
// Runtime: builtins, globals and an injected compiler
// ---------------------------------------------------------------------------

// CompileFunc compiles source into a top-level Function. The compiler
// package provides it; it is injected to avoid an import cycle.
type CompileFunc func(name, source string) (*Function, error)

// Runtime bundles what a host needs to run programs: a builtin scope, a
// global scope chained to it through a read-only link, an interpreter and
// a compiler. Programs can shadow builtins with let but cannot reassign
// them.
type Runtime struct {
	Builtins *Table
	Globals  *Table

	interp  *Interpreter
	compile CompileFunc
	docs    map[string]string
	out     *switchWriter
}

type switchWriter struct{ w io.Writer }

func (s *switchWriter) Write(p []byte) (int, error) { return s.w.Write(p) }

// NewRuntime creates a runtime whose print builtin writes to stdout.
func NewRuntime() *Runtime {
	out := &switchWriter{w: os.Stdout}
	builtins := NewTable(32)
	docs := installBuiltins(builtins, out)
	globals := NewTable(0)
	_ = globals.SetTail(builtins.Retain(), true)
	return &Runtime{
		Builtins: builtins,
		Globals:  globals,
		interp:   NewInterpreter(),
		docs:     docs,
		out:      out,
	}
}

// UseCompiler installs the compile function used by Compile and Eval.
func (r *Runtime) UseCompiler(fn CompileFunc) {
	r.compile = fn
}

// SetOutput redirects the print builtin.
func (r *Runtime) SetOutput(w io.Writer) {
	r.out.w = w
}

// SetMaxCallDepth bounds nested non-tail calls.
func (r *Runtime) SetMaxCallDepth(n int) {
	r.interp.MaxCallDepth = n
}

// Interpreter returns the runtime's interpreter.
func (r *Runtime) Interpreter() *Interpreter {
	return r.interp
}

// Compile compiles source with the installed compiler. The caller owns
// the returned function and releases it when done.
func (r *Runtime) Compile(name, source string) (*Function, error) {
	if r.compile == nil {
		return nil, errors.New("vm: no compiler installed")
	}
	return r.compile(name, source)
}

// Exec runs fn at top level: its scope is the global scope, so let
// statements define globals. The result is owned by the caller.
func (r *Runtime) Exec(ctx context.Context, fn *Function, args *Table) (Value, error) {
	return r.interp.Exec(ctx, fn, args, r.Globals)
}

// Eval compiles and runs source at top level.
func (r *Runtime) Eval(ctx context.Context, name, source string) (Value, error) {
	fn, err := r.Compile(name, source)
	if err != nil {
		return Nil, err
	}
	defer fn.Release()
	return r.Exec(ctx, fn, nil)
}

// Call invokes a callable value. args is borrowed.
func (r *Runtime) Call(ctx context.Context, callee Value, args *Table) (Value, error) {
	return r.interp.Call(ctx, callee, args)
}

// Global returns the value bound to name in the global chain, borrowed.
func (r *Runtime) Global(name string) Value {
	return r.Globals.Lookup(Str(name))
}

// BuiltinNames lists the builtin names in sorted order.
func (r *Runtime) BuiltinNames() []string {
	return sortedKeys(r.docs)
}

// BuiltinDoc returns the one-line description of a builtin.
func (r *Runtime) BuiltinDoc(name string) (string, bool) {
	doc, ok := r.docs[name]
	return doc, ok
}

// Close releases the global and builtin scopes.
func (r *Runtime) Close() {
	if r.Globals != nil {
		r.Globals.Release()
		r.Globals = nil
	}
	if r.Builtins != nil {
		r.Builtins.Release()
		r.Builtins = nil
	}
}
