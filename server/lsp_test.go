package server

import (
	"context"
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/chazu/mu/compiler"
	"github.com/chazu/mu/vm"
)

// newTestWorker returns a worker over a runtime with a few globals defined.
func newTestWorker(t *testing.T) *RuntimeWorker {
	t.Helper()
	rt := vm.NewRuntime()
	rt.UseCompiler(compiler.Compile)
	v, err := rt.Eval(context.Background(), "setup", `let answer = 42; let twice = fn(x) x * 2`)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	vm.Release(v)

	w := NewRuntimeWorker(rt)
	t.Cleanup(func() {
		w.Stop()
		rt.Close()
	})
	return w
}

// ---------------------------------------------------------------------------
// Text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		name string
		text string
		line uint32
		char uint32
		want string
	}{
		{"simple word", "print(answ", 0, 10, "answ"},
		{"at start", "pri", 0, 3, "pri"},
		{"empty line", "", 0, 0, ""},
		{"multi line", "first line\nsecond line\nlet", 2, 3, "let"},
		{"after operator", "x += twi", 0, 8, "twi"},
		{"underscore", "let my_var", 0, 10, "my_var"},
		{"cursor at beginning", "hello", 0, 0, ""},
		{"beyond document", "single line", 5, 0, ""},
		{"past end of line", "abc", 0, 40, "abc"},
		{"utf-16 column", "\"é\" + ab", 0, 8, "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := protocol.Position{Line: tt.line, Character: tt.char}
			if got := extractPrefix(tt.text, pos); got != tt.want {
				t.Errorf("extractPrefix = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		name string
		text string
		line uint32
		char uint32
		want string
	}{
		{"simple word", "hello world", 0, 3, "hello"},
		{"at end", "hello world", 0, 5, "hello"},
		{"second word", "hello world", 0, 8, "world"},
		{"empty line", "", 0, 0, ""},
		{"multi line", "first\nanswer", 1, 2, "answer"},
		{"underscore", "my_var = 1", 0, 4, "my_var"},
		{"between operators", "a + b", 0, 2, ""},
		{"beyond document", "x", 3, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := protocol.Position{Line: tt.line, Character: tt.char}
			if got := extractWord(tt.text, pos); got != tt.want {
				t.Errorf("extractWord = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBoolPtr(t *testing.T) {
	p := boolPtr(true)
	if p == nil {
		t.Fatal("boolPtr should not return nil")
	}
	if *p != true {
		t.Errorf("boolPtr(true) = %v, want true", *p)
	}
}

func TestLspPosition(t *testing.T) {
	text := "let a = 1\nlet 😀 = \"x\"\nb"
	tests := []struct {
		offset int
		line   uint32
		char   uint32
	}{
		{0, 0, 0},
		{4, 0, 4},
		{10, 1, 0},
		{18, 1, 6}, // after the 4-byte rune, which is two UTF-16 units
		{len(text) - 1, 2, 0},
		{len(text) + 10, 2, 1},
	}
	for _, tt := range tests {
		got := lspPosition(text, tt.offset)
		if got.Line != tt.line || got.Character != tt.char {
			t.Errorf("lspPosition(%d) = %d:%d, want %d:%d", tt.offset, got.Line, got.Character, tt.line, tt.char)
		}
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func TestDiagnose_Clean(t *testing.T) {
	diags := diagnose("file:///ok.mu", "let x = 1\nreturn x + 1")
	if diags == nil || len(diags) != 0 {
		t.Errorf("diagnose = %v, want empty non-nil slice", diags)
	}
}

func TestDiagnose_SyntaxErrorPosition(t *testing.T) {
	text := "let x = 1\nlet y = )\n"
	diags := diagnose("file:///bad.mu", text)
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1", len(diags))
	}
	d := diags[0]
	if d.Range.Start.Line != 1 || d.Range.Start.Character != 8 {
		t.Errorf("start = %d:%d, want 1:8", d.Range.Start.Line, d.Range.Start.Character)
	}
	if d.Range.End.Line != 1 || d.Range.End.Character != 9 {
		t.Errorf("end = %d:%d, want 1:9", d.Range.End.Line, d.Range.End.Character)
	}
	if d.Severity == nil || *d.Severity != protocol.DiagnosticSeverityError {
		t.Error("severity should be Error")
	}
	if d.Source == nil || *d.Source != lspName {
		t.Errorf("source = %v, want %q", d.Source, lspName)
	}
	if d.Message == "" || strings.Contains(d.Message, "file:///bad.mu") {
		t.Errorf("message = %q, want the bare compiler message", d.Message)
	}
}

func TestDiagnose_UnterminatedString(t *testing.T) {
	diags := diagnose("file:///s.mu", "print(\"abc")
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1", len(diags))
	}
	if got := diags[0].Range.Start; got.Line != 0 {
		t.Errorf("start line = %d, want 0", got.Line)
	}
}

// ---------------------------------------------------------------------------
// Runtime-backed features
// ---------------------------------------------------------------------------

func TestLSP_Complete(t *testing.T) {
	w := newTestWorker(t)
	text := "let total = 0\nfor (item in [1, 2]) total += item\nt"

	result, err := w.Do(func(rt *vm.Runtime) any {
		return complete(rt, text, "t")
	})
	if err != nil {
		t.Fatalf("complete returned error: %v", err)
	}
	items := result.([]protocol.CompletionItem)

	kinds := make(map[string]protocol.CompletionItemKind)
	for _, item := range items {
		if item.Kind == nil {
			t.Errorf("%s has no kind", item.Label)
			continue
		}
		kinds[item.Label] = *item.Kind
	}
	want := map[string]protocol.CompletionItemKind{
		"tail":  protocol.CompletionItemKindFunction,
		"type":  protocol.CompletionItemKindFunction,
		"true":  protocol.CompletionItemKindFunction,
		"twice": protocol.CompletionItemKindFunction,
		"total": protocol.CompletionItemKindVariable,
	}
	for label, kind := range want {
		got, ok := kinds[label]
		if !ok {
			t.Errorf("completion for 't' should include %q", label)
		} else if got != kind && label != "true" {
			t.Errorf("%s kind = %v, want %v", label, got, kind)
		}
	}
	if _, ok := kinds["item"]; ok {
		t.Error("completion for 't' should not include 'item'")
	}
	for i := 1; i < len(items); i++ {
		if items[i-1].Label >= items[i].Label {
			t.Errorf("items not sorted and unique: %q before %q", items[i-1].Label, items[i].Label)
		}
	}
}

func TestLSP_CompleteKeywords(t *testing.T) {
	w := newTestWorker(t)
	result, err := w.Do(func(rt *vm.Runtime) any {
		return complete(rt, "", "wh")
	})
	if err != nil {
		t.Fatalf("complete returned error: %v", err)
	}
	items := result.([]protocol.CompletionItem)
	if len(items) != 1 || items[0].Label != "while" {
		t.Fatalf("complete for 'wh' = %v, want [while]", items)
	}
	if *items[0].Kind != protocol.CompletionItemKindKeyword {
		t.Errorf("while kind = %v, want Keyword", *items[0].Kind)
	}
}

func TestLSP_Hover(t *testing.T) {
	w := newTestWorker(t)
	tests := []struct {
		word string
		want string // substring of the markdown, "" for no hover
	}{
		{"print", "write the arguments"},
		{"len", "(builtin)"},
		{"while", "(keyword)"},
		{"answer", "42"},
		{"twice", "global fn"},
		{"no_such_name", ""},
	}

	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			result, err := w.Do(func(rt *vm.Runtime) any {
				return hover(rt, tt.word)
			})
			if err != nil {
				t.Fatalf("hover returned error: %v", err)
			}
			h := result.(*protocol.Hover)
			if tt.want == "" {
				if h != nil {
					t.Errorf("hover for %q = %v, want nil", tt.word, h.Contents)
				}
				return
			}
			if h == nil {
				t.Fatalf("hover for %q should return a result", tt.word)
			}
			mc, ok := h.Contents.(protocol.MarkupContent)
			if !ok {
				t.Fatal("hover contents should be MarkupContent")
			}
			if mc.Kind != protocol.MarkupKindMarkdown {
				t.Errorf("hover markup kind = %q, want %q", mc.Kind, protocol.MarkupKindMarkdown)
			}
			if !strings.Contains(mc.Value, tt.want) {
				t.Errorf("hover = %q, want it to contain %q", mc.Value, tt.want)
			}
		})
	}
}

func TestLSP_Definition(t *testing.T) {
	text := "let f = fn(a, b = 2) a + b\nfor (k, v in [1]) print(k, v)\nf(1)"
	const uri = "file:///def.mu"

	tests := []struct {
		word string
		line uint32
		char uint32
	}{
		{"f", 0, 4},
		{"a", 0, 11},
		{"b", 0, 14},
		{"k", 1, 5},
		{"v", 1, 8},
	}
	for _, tt := range tests {
		locs := definition(uri, text, tt.word)
		if len(locs) != 1 {
			t.Errorf("definition(%q) found %d locations, want 1", tt.word, len(locs))
			continue
		}
		start := locs[0].Range.Start
		if start.Line != tt.line || start.Character != tt.char {
			t.Errorf("definition(%q) at %d:%d, want %d:%d", tt.word, start.Line, start.Character, tt.line, tt.char)
		}
		if locs[0].URI != uri {
			t.Errorf("definition(%q) URI = %q, want %q", tt.word, locs[0].URI, uri)
		}
	}

	if locs := definition(uri, text, "print"); len(locs) != 0 {
		t.Errorf("definition of a builtin = %v, want none", locs)
	}
}

func TestLSP_References(t *testing.T) {
	text := "let n = 1\nn += n\nprint(\"n\", n)"
	locs := references("file:///refs.mu", text, "n")
	if len(locs) != 4 {
		t.Fatalf("references found %d locations, want 4", len(locs))
	}
	last := locs[3].Range
	if last.Start.Line != 2 || last.Start.Character != 11 || last.End.Character != 12 {
		t.Errorf("last reference = %v, want 2:11-2:12", last)
	}
	if locs := references("file:///refs.mu", text, "zzz"); len(locs) != 0 {
		t.Errorf("references for unknown name = %d, want 0", len(locs))
	}
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

func TestRuntimeWorker_RecoversPanic(t *testing.T) {
	w := newTestWorker(t)
	_, err := w.Do(func(*vm.Runtime) any { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Do error = %v, want panic message", err)
	}

	// The worker keeps serving after a panic.
	v, err := w.Do(func(rt *vm.Runtime) any {
		n, _ := rt.Global("answer").AsNum()
		return n
	})
	if err != nil || v.(float64) != 42 {
		t.Errorf("Do = %v, %v, want 42", v, err)
	}
}

func TestRuntimeWorker_Stop(t *testing.T) {
	rt := vm.NewRuntime()
	defer rt.Close()
	w := NewRuntimeWorker(rt)
	w.Stop()
	w.Stop()
	if _, err := w.Do(func(*vm.Runtime) any { return nil }); err == nil {
		t.Error("Do on a stopped worker should fail")
	}
}

// ---------------------------------------------------------------------------
// Document synchronization state
// ---------------------------------------------------------------------------

func TestLSP_DocumentStore(t *testing.T) {
	lsp := &LspServer{docs: make(map[protocol.DocumentUri]string)}

	lsp.setDoc("file:///test.mu", "print(1)")
	text, ok := lsp.doc("file:///test.mu")
	if !ok || text != "print(1)" {
		t.Errorf("doc = %q, %v, want %q", text, ok, "print(1)")
	}

	lsp.setDoc("file:///test.mu", "print(2)")
	if text, _ := lsp.doc("file:///test.mu"); text != "print(2)" {
		t.Errorf("doc after change = %q, want %q", text, "print(2)")
	}

	lsp.mu.Lock()
	delete(lsp.docs, "file:///test.mu")
	lsp.mu.Unlock()
	if _, ok := lsp.doc("file:///test.mu"); ok {
		t.Error("document should be removed after close")
	}
}
