// Package server provides the mu language server.
package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/mu/compiler"
	"github.com/chazu/mu/vm"
)

const lspName = "mu-lsp"

var log = commonlog.GetLogger("mu.lsp")

// LspServer bridges editor features to a mu runtime via RuntimeWorker.
type LspServer struct {
	worker *RuntimeWorker

	mu   sync.Mutex
	docs map[protocol.DocumentUri]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a language server over rt. Completion and hover see the
// runtime's builtins and globals.
func NewLSP(rt *vm.Runtime) *LspServer {
	s := &LspServer{
		worker:  NewRuntimeWorker(rt),
		docs:    make(map[protocol.DocumentUri]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("mu LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{}
	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.setDoc(uri, text)
	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.setDoc(uri, whole.Text)
			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, uri)
	s.mu.Unlock()

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) setDoc(uri protocol.DocumentUri, text string) {
	s.mu.Lock()
	s.docs[uri] = text
	s.mu.Unlock()
}

func (s *LspServer) doc(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[uri]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.doc(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}

	return s.worker.Do(func(rt *vm.Runtime) any {
		return complete(rt, text, prefix)
	})
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.doc(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}

	result, err := s.worker.Do(func(rt *vm.Runtime) any {
		return hover(rt, word)
	})
	if err != nil {
		return nil, err
	}
	return result.(*protocol.Hover), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.doc(uri)
	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}

	locations := definition(uri, text, word)
	if len(locations) == 0 {
		return nil, nil
	}
	return locations, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, ok := s.doc(uri)
	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return references(uri, text, word), nil
}

// complete offers keywords, builtins, globals and names bound in the
// document that start with prefix. It must run on the worker.
func complete(rt *vm.Runtime, text, prefix string) []protocol.CompletionItem {
	seen := make(map[string]bool)
	var items []protocol.CompletionItem
	add := func(label string, kind protocol.CompletionItemKind, detail string) {
		if seen[label] || !strings.HasPrefix(label, prefix) {
			return
		}
		seen[label] = true
		item := protocol.CompletionItem{Label: label, Kind: &kind}
		if detail != "" {
			d := detail
			item.Detail = &d
		}
		items = append(items, item)
	}

	for _, kw := range compiler.Keywords() {
		add(kw, protocol.CompletionItemKindKeyword, "keyword")
	}
	for _, name := range rt.BuiltinNames() {
		doc, _ := rt.BuiltinDoc(name)
		add(name, protocol.CompletionItemKindFunction, doc)
	}
	rt.Globals.Each(func(k, v vm.Value) bool {
		if name, ok := k.AsStr(); ok {
			add(name, valueKind(v), v.Kind().String())
		}
		return true
	})
	for _, tok := range bindings(text) {
		add(tok.Literal, protocol.CompletionItemKindVariable, "")
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
	return items
}

func valueKind(v vm.Value) protocol.CompletionItemKind {
	switch v.Kind() {
	case vm.FuncKind, vm.BuiltinKind:
		return protocol.CompletionItemKindFunction
	}
	return protocol.CompletionItemKindVariable
}

// hover describes a builtin, keyword or global. It must run on the worker.
func hover(rt *vm.Runtime, word string) *protocol.Hover {
	var md string
	if doc, ok := rt.BuiltinDoc(word); ok {
		md = fmt.Sprintf("**%s** *(builtin)*\n\n%s", word, doc)
	} else if isKeyword(word) {
		md = fmt.Sprintf("**%s** *(keyword)*", word)
	} else if v := rt.Global(word); !v.IsNil() {
		md = fmt.Sprintf("**%s** *(global %s)*\n\n```\n%s\n```", word, v.Kind(), v.Repr())
	} else {
		return nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: md,
		},
	}
}

func isKeyword(word string) bool {
	for _, kw := range compiler.Keywords() {
		if kw == word {
			return true
		}
	}
	return false
}

// definition returns the places in text where word is bound.
func definition(uri protocol.DocumentUri, text, word string) []protocol.Location {
	var locations []protocol.Location
	for _, tok := range bindings(text) {
		if tok.Literal == word {
			locations = append(locations, protocol.Location{URI: uri, Range: tokenRange(text, tok)})
		}
	}
	return locations
}

// references returns every occurrence of the identifier word in text.
func references(uri protocol.DocumentUri, text, word string) []protocol.Location {
	var locations []protocol.Location
	for _, tok := range compiler.Tokenize(text) {
		if tok.Type == compiler.TokenIdent && tok.Literal == word {
			locations = append(locations, protocol.Location{URI: uri, Range: tokenRange(text, tok)})
		}
	}
	return locations
}

// bindings returns the identifier tokens that introduce a name: the
// target of let, the loop variables of for, and function parameters.
func bindings(text string) []compiler.Token {
	toks := compiler.Tokenize(text)
	var out []compiler.Token
	at := func(i int, typ compiler.TokenType) bool {
		return i < len(toks) && toks[i].Type == typ
	}
	for i, tok := range toks {
		switch tok.Type {
		case compiler.TokenLet:
			if at(i+1, compiler.TokenIdent) {
				out = append(out, toks[i+1])
			}
		case compiler.TokenFor:
			if at(i+1, compiler.TokenLParen) && at(i+2, compiler.TokenIdent) {
				out = append(out, toks[i+2])
				if at(i+3, compiler.TokenSep) && at(i+4, compiler.TokenIdent) {
					out = append(out, toks[i+4])
				}
			}
		case compiler.TokenFn:
			if !at(i+1, compiler.TokenLParen) {
				continue
			}
			// Parameters are identifiers at the start of the list or after a
			// separator, up to the closing paren.
			expectName := true
			for j := i + 2; j < len(toks) && toks[j].Type != compiler.TokenRParen; j++ {
				switch {
				case expectName && toks[j].Type == compiler.TokenIdent:
					out = append(out, toks[j])
					expectName = false
				case toks[j].Type == compiler.TokenSep:
					expectName = true
				default:
					expectName = false
				}
			}
		}
	}
	return out
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := diagnose(uri, text)
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// diagnose compiles text and reports the first error, positioned at the
// offending token when the compiler knows it.
func diagnose(uri protocol.DocumentUri, text string) []protocol.Diagnostic {
	fn, err := compiler.Compile(string(uri), text)
	if err == nil {
		fn.Release()
		return []protocol.Diagnostic{}
	}

	severity := protocol.DiagnosticSeverityError
	source := lspName
	d := protocol.Diagnostic{
		Severity: &severity,
		Source:   &source,
		Message:  err.Error(),
	}

	var se *compiler.SyntaxError
	if errors.As(err, &se) {
		d.Range = tokenRange(text, se.Token)
		d.Message = se.Msg
	}
	log.Debugf("%s: %s", uri, err)
	return []protocol.Diagnostic{d}
}

// --- Position conversion ---

// tokenRange covers tok's source text. Strings are measured on their
// decoded contents plus quotes; the range never spans a line break.
func tokenRange(text string, tok compiler.Token) protocol.Range {
	start := lspPosition(text, tok.Pos.Offset)
	width := len(tok.Literal)
	switch tok.Type {
	case compiler.TokenString:
		width += 2
	case compiler.TokenError, compiler.TokenEOF:
		width = 1
	}
	end := tok.Pos.Offset + max(width, 1)
	if nl := strings.IndexByte(text[min(tok.Pos.Offset, len(text)):], '\n'); nl >= 0 {
		end = min(end, tok.Pos.Offset+nl)
	}
	return protocol.Range{Start: start, End: lspPosition(text, end)}
}

// lspPosition converts a byte offset to a line and UTF-16 column.
func lspPosition(text string, offset int) protocol.Position {
	offset = min(max(offset, 0), len(text))
	lineStart := strings.LastIndexByte(text[:offset], '\n') + 1
	line := strings.Count(text[:lineStart], "\n")
	col := 0
	for _, r := range text[lineStart:offset] {
		if r >= 0x10000 {
			col += 2
		} else {
			col++
		}
	}
	return protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col)}
}

// --- Text extraction helpers ---

func isIdentChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

// extractPrefix returns the identifier fragment before the cursor.
func extractPrefix(text string, pos protocol.Position) string {
	line, col, ok := cursorLine(text, pos)
	if !ok {
		return ""
	}

	start := col
	for start > 0 {
		ch, size := utf8.DecodeLastRuneInString(line[:start])
		if !isIdentChar(ch) {
			break
		}
		start -= size
	}
	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	line, col, ok := cursorLine(text, pos)
	if !ok {
		return ""
	}

	start := col
	for start > 0 {
		ch, size := utf8.DecodeLastRuneInString(line[:start])
		if !isIdentChar(ch) {
			break
		}
		start -= size
	}
	end := col
	for end < len(line) {
		ch, size := utf8.DecodeRuneInString(line[end:])
		if !isIdentChar(ch) {
			break
		}
		end += size
	}
	return line[start:end]
}

// cursorLine returns the line pos is on and pos's byte column in it.
func cursorLine(text string, pos protocol.Position) (string, int, bool) {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return "", 0, false
	}
	line := lines[pos.Line]
	col := 0
	for units := 0; col < len(line) && units < int(pos.Character); {
		r, size := utf8.DecodeRuneInString(line[col:])
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
		col += size
	}
	return line, col, true
}

func boolPtr(b bool) *bool {
	return &b
}
