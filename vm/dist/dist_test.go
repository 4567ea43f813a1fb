package dist

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/mu/compiler"
	"github.com/chazu/mu/vm"
)

const program = `
let make = fn(step = 2) {
	let n = 0
	return fn() { n += step; return n }
}
let next = make()
next()
return [next(), "done", true]
`

func compile(t *testing.T, name, source string) *vm.Function {
	t.Helper()
	fn, err := compiler.Compile(name, source)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return fn
}

func run(t *testing.T, fn *vm.Function) string {
	t.Helper()
	rt := vm.NewRuntime()
	defer rt.Close()
	v, err := rt.Exec(context.Background(), fn, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	defer vm.Release(v)
	return v.Repr()
}

// ---------------------------------------------------------------------------
// Chunks
// ---------------------------------------------------------------------------

func TestChunk_CBORRoundTrip(t *testing.T) {
	fn := compile(t, "prog", program)

	data, err := EncodeFunction(fn)
	if err != nil {
		t.Fatalf("EncodeFunction: %v", err)
	}
	got, err := DecodeFunction(data)
	if err != nil {
		t.Fatalf("DecodeFunction: %v", err)
	}

	if got.Name != fn.Name {
		t.Errorf("Name: got %q, want %q", got.Name, fn.Name)
	}
	if !bytes.Equal(got.Code, fn.Code) {
		t.Error("Code mismatch")
	}
	if got.MaxStack != fn.MaxStack {
		t.Errorf("MaxStack: got %d, want %d", got.MaxStack, fn.MaxStack)
	}
	if got.Disassemble() != fn.Disassemble() {
		t.Errorf("disassembly differs:\n%s\nwant:\n%s", got.Disassemble(), fn.Disassemble())
	}
	if a, b := run(t, got), run(t, fn); a != b {
		t.Errorf("decoded function returns %s, original %s", a, b)
	}
}

func TestChunk_NestedArity(t *testing.T) {
	c, err := FromFunction(compile(t, "prog", "let f = fn(a, b, c) nil"))
	if err != nil {
		t.Fatalf("FromFunction: %v", err)
	}
	var nested *Chunk
	for _, k := range c.Consts {
		if k.Kind == ConstFunc {
			nested = k.Fn
		}
	}
	if nested == nil {
		t.Fatal("no nested function chunk")
	}
	if nested.Arity != 3 || nested.Name != "f" {
		t.Errorf("nested chunk = %s/%d, want f/3", nested.Name, nested.Arity)
	}
}

func TestHash_Deterministic(t *testing.T) {
	a, err := FromFunction(compile(t, "prog", program))
	if err != nil {
		t.Fatalf("FromFunction: %v", err)
	}
	b, err := FromFunction(compile(t, "prog", program))
	if err != nil {
		t.Fatalf("FromFunction: %v", err)
	}
	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	hb, _ := Hash(b)
	if ha != hb {
		t.Error("equal functions hash differently")
	}

	c, _ := FromFunction(compile(t, "prog", "return 1"))
	if hc, _ := Hash(c); hc == ha {
		t.Error("different functions hash the same")
	}
}

func TestChunk_RejectsStackMismatch(t *testing.T) {
	c, err := FromFunction(compile(t, "prog", "return 1 + 2"))
	if err != nil {
		t.Fatalf("FromFunction: %v", err)
	}
	c.MaxStack++
	if _, err := c.Function(); !errors.Is(err, vm.ErrInvalidCode) {
		t.Errorf("Function() error = %v, want InvalidCode", err)
	}
}

func TestChunk_RejectsBadCode(t *testing.T) {
	c := &Chunk{Version: ChunkVersion, Name: "bad", Code: []byte{byte(vm.OpDrop)}}
	if _, err := c.Function(); !errors.Is(err, vm.ErrInvalidCode) {
		t.Errorf("Function() error = %v, want InvalidCode", err)
	}
}

func TestChunk_RejectsVersion(t *testing.T) {
	c := &Chunk{Version: ChunkVersion + 1, Name: "future"}
	if _, err := c.Function(); err == nil {
		t.Error("Function() accepted an unknown version")
	}
}

func TestUnmarshalChunk_Garbage(t *testing.T) {
	if _, err := UnmarshalChunk([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Error("UnmarshalChunk accepted garbage")
	}
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openStore(t, ":memory:")

	if _, ok, err := s.Get("prog", program); ok || err != nil {
		t.Fatalf("Get on empty store = %v, %v", ok, err)
	}
	fn := compile(t, "prog", program)
	if err := s.Put("prog", program, fn); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get("prog", program)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got != fn {
		t.Error("Get should return the memoized function")
	}
	// The test, the memo and the Get result each hold one.
	if fn.Refs() != 3 {
		t.Errorf("function refs = %d, want 3", fn.Refs())
	}
	got.Release()
	if n, _ := s.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}

	// Same source under another name is a separate entry.
	if _, ok, _ := s.Get("other", program); ok {
		t.Error("Get found an entry for a different chunk name")
	}
	hits, misses := s.Stats()
	if hits != 1 || misses != 2 {
		t.Errorf("Stats = %d hits, %d misses, want 1, 2", hits, misses)
	}
}

func TestStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fn := compile(t, "prog", program)
	if err := s.Put("prog", program, fn); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Replacing an entry keeps one row.
	if err := s.Put("prog", program, fn); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	s.Close()
	if fn.Refs() != 1 {
		t.Errorf("function refs after Close = %d, want 1", fn.Refs())
	}

	s = openStore(t, path)
	got, ok, err := s.Get("prog", program)
	if err != nil || !ok {
		t.Fatalf("Get after reopen = %v, %v", ok, err)
	}
	if got == fn {
		t.Error("function should be decoded from the database, not shared")
	}
	if a, b := run(t, got), run(t, fn); a != b {
		t.Errorf("cached function returns %s, original %s", a, b)
	}
	if n, _ := s.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestStore_DetectsCorruption(t *testing.T) {
	s := openStore(t, ":memory:")
	if err := s.Put("prog", "return 1", compile(t, "prog", "return 1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE chunks SET content_hash = x'00'`); err != nil {
		t.Fatalf("UPDATE: %v", err)
	}
	s.memo = make(map[[32]byte]*vm.Function)

	if _, _, err := s.Get("prog", "return 1"); err == nil {
		t.Error("Get accepted a chunk with a bad content hash")
	}
}

func TestStore_Wrap(t *testing.T) {
	s := openStore(t, ":memory:")
	calls := 0
	compileFn := s.Wrap(func(name, source string) (*vm.Function, error) {
		calls++
		return compiler.Compile(name, source)
	})

	for k := 0; k < 3; k++ {
		fn, err := compileFn("prog", "return 40 + 2")
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		if got := run(t, fn); got != "42" {
			t.Errorf("result = %s, want 42", got)
		}
	}
	if calls != 1 {
		t.Errorf("compiler called %d times, want 1", calls)
	}

	if _, err := compileFn("bad", "let ="); !errors.Is(err, vm.ErrSyntax) {
		t.Errorf("error = %v, want SyntaxError", err)
	}
	if n, _ := s.Len(); n != 1 {
		t.Errorf("Len = %d, want 1 (failed compiles are not cached)", n)
	}
}
