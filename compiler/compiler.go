package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/mu/vm"
)

var log = commonlog.GetLogger("mu.compiler")

// MaxConstants is the size limit of a function's immediates table, set by
// the 16-bit instruction argument.
const MaxConstants = 1 << 16

// ---------------------------------------------------------------------------
// Compiler state
// ---------------------------------------------------------------------------

// loop tracks the innermost enclosing loop of a function.
type loop struct {
	outer  *loop
	start  int       // continue target
	breaks *vm.Table // raw positions of pending break jumps
}

// funcState is the per-function part of the compiler. Function literals
// push a fresh one.
type funcState struct {
	parent  *funcState
	name    string
	emit    *vm.Emitter
	consts  *vm.Table // constant -> index, for deduplication
	imms    *vm.Table // index -> constant
	loop    *loop
	lastPos int // position of the last emitted instruction
	landing int // highest position any jump lands on
}

func newFuncState(parent *funcState, name string) *funcState {
	return &funcState{
		parent:  parent,
		name:    name,
		emit:    vm.NewEmitter(),
		consts:  vm.NewTable(8),
		imms:    vm.NewTable(8),
		lastPos: -1,
		landing: -1,
	}
}

// Compiler translates source to bytecode in a single pass, without an
// intermediate tree.
type Compiler struct {
	name      string
	lex       *Lexer
	curToken  Token
	peekToken Token
	fs        *funcState
	state     string // construct being compiled, for error reports
	nameHint  string // name the next function literal is bound to
	err       error
}

// New creates a compiler for source. name identifies the chunk in error
// messages and becomes the name of the top-level function.
func New(name, source string) *Compiler {
	c := &Compiler{
		name:  name,
		lex:   NewLexer(source),
		state: "chunk",
	}
	// Read two tokens to fill curToken and peekToken
	c.nextToken()
	c.nextToken()
	return c
}

// Compile compiles a whole chunk into its top-level function.
func Compile(name, source string) (*vm.Function, error) {
	return New(name, source).Compile()
}

// Compile runs the compiler. The first error ends compilation.
func (c *Compiler) Compile() (*vm.Function, error) {
	c.fs = newFuncState(nil, c.name)
	c.stmtList(TokenEOF)
	c.emitOp(vm.OpReturnNil)
	fn, err := c.finish(0)
	if err != nil {
		return nil, err
	}
	log.Debugf("compiled %s: %d bytes, max stack %d, %d constants",
		c.name, len(fn.Code), fn.MaxStack, fn.NumConsts())
	return fn, nil
}

// finish turns the current function state into a Function.
func (c *Compiler) finish(arity int) (*vm.Function, error) {
	fs := c.fs
	fs.consts.Release()
	if c.err != nil {
		fs.imms.Release()
		return nil, c.err
	}
	fn, err := vm.NewFunction(fs.name, fs.emit.Bytes(), fs.imms, arity)
	if err != nil {
		c.fail(err)
		return nil, c.err
	}
	return fn, nil
}

// ---------------------------------------------------------------------------
// Tokens and errors
// ---------------------------------------------------------------------------

func (c *Compiler) nextToken() {
	c.curToken = c.peekToken
	c.peekToken = c.lex.NextToken()
	if c.curToken.Type == TokenError {
		c.errorf("%s", c.curToken.Literal)
	}
}

func (c *Compiler) curTokenIs(t TokenType) bool  { return c.curToken.Type == t }
func (c *Compiler) peekTokenIs(t TokenType) bool { return c.peekToken.Type == t }
func (c *Compiler) ok() bool                     { return c.err == nil }

// expect advances if the current token matches, otherwise records an error.
func (c *Compiler) expect(t TokenType) bool {
	if c.curTokenIs(t) {
		c.nextToken()
		return true
	}
	c.errorf("expected %s, got %s", t, c.curToken.Type)
	return false
}

// errorf records a syntax error at the current token. Only the first
// error is kept.
func (c *Compiler) errorf(format string, args ...any) {
	if c.err != nil {
		return
	}
	c.err = &SyntaxError{
		Source: c.name,
		Pos:    c.curToken.Pos,
		Token:  c.curToken,
		State:  c.state,
		Msg:    fmt.Sprintf(format, args...),
	}
}

// fail records a non-syntax error, such as an exceeded limit.
func (c *Compiler) fail(err error) {
	if c.err == nil {
		c.err = fmt.Errorf("%s:%s: %w", c.name, c.curToken.Pos, err)
	}
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

func (c *Compiler) emitOp(op vm.Opcode) {
	c.fs.lastPos = c.fs.emit.Emit(op)
}

func (c *Compiler) emitArg(op vm.Opcode, arg uint16) {
	c.fs.lastPos = c.fs.emit.EmitArg(op, arg)
}

func (c *Compiler) emitConst(v vm.Value) {
	if idx, ok := c.constant(v); ok {
		c.emitArg(vm.OpConst, idx)
	}
}

// emitLoad pushes the value of a name looked up from the current scope.
func (c *Compiler) emitLoad(name string) {
	c.emitOp(vm.OpScope)
	c.emitConst(vm.Str(name))
	c.emitOp(vm.OpLookup)
}

// resolve turns a pending container/key pair into its value.
func (c *Compiler) resolve(indirect bool) {
	if indirect {
		c.emitOp(vm.OpLookup)
	}
}

// reserve emits a jump whose target is patched later.
func (c *Compiler) reserve(op vm.Opcode) int {
	pos := c.fs.emit.Reserve(op)
	c.fs.lastPos = pos
	return pos
}

// patch points the reserved jump at pos to the current position.
func (c *Compiler) patch(pos int) {
	c.patchTo(pos, c.fs.emit.Len())
}

func (c *Compiler) patchTo(pos, target int) {
	if err := c.fs.emit.PatchJump(pos, target); err != nil {
		c.fail(err)
	}
	if target > c.fs.landing {
		c.fs.landing = target
	}
}

// jumpBack emits a jump to an already emitted position.
func (c *Compiler) jumpBack(target int) {
	pos := c.fs.emit.Len()
	if err := c.fs.emit.EmitJump(vm.OpJump, target); err != nil {
		c.fail(err)
		return
	}
	c.fs.lastPos = pos
}

// insert places code in front of already emitted bytes at pos.
func (c *Compiler) insert(pos int, code []byte) {
	c.fs.emit.Insert(pos, code)
	if c.fs.landing >= pos {
		c.fs.landing += len(code)
	}
	if c.fs.lastPos >= pos {
		c.fs.lastPos += len(code)
	}
}

// constant returns the immediates index of v, adding it on first use.
func (c *Compiler) constant(v vm.Value) (uint16, bool) {
	fs := c.fs
	if idx, ok := fs.consts.Get(v).AsNum(); ok {
		return uint16(idx), true
	}
	n := fs.imms.Len()
	if n >= MaxConstants {
		c.fail(vm.Errorf(vm.LimitExceeded, "%s: more than %d constants", fs.name, MaxConstants))
		return 0, false
	}
	fs.imms.Append(vm.Retain(v))
	_ = fs.consts.Insert(vm.Retain(v), vm.Num(float64(n)))
	return uint16(n), true
}

// addPrototype stores a nested function, taking over the reference to fn.
// Prototypes are never shared.
func (c *Compiler) addPrototype(fn *vm.Function) (uint16, bool) {
	n := c.fs.imms.Len()
	if n >= MaxConstants {
		fn.Release()
		c.fail(vm.Errorf(vm.LimitExceeded, "%s: more than %d constants", c.fs.name, MaxConstants))
		return 0, false
	}
	c.fs.imms.Append(fn.Prototype())
	return uint16(n), true
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// stmtList compiles statements up to end. Consecutive statements are
// separated by a SEP or a line break.
func (c *Compiler) stmtList(end TokenType) {
	for c.ok() && !c.curTokenIs(end) && !c.curTokenIs(TokenEOF) {
		if c.curTokenIs(TokenSep) {
			c.nextToken()
			continue
		}
		c.statement()
		if c.ok() && !c.atStatementEnd(end) {
			c.errorf("expected separator or %s, got %s", end, c.curToken.Type)
		}
	}
}

// atStatementEnd reports whether the current token may follow a complete
// statement in a list closed by end.
func (c *Compiler) atStatementEnd(end TokenType) bool {
	switch c.curToken.Type {
	case TokenSep, TokenEOF, end:
		return true
	}
	return c.curToken.Newline
}

func (c *Compiler) statement() {
	switch c.curToken.Type {
	case TokenLBrace:
		c.nextToken()
		c.stmtList(TokenRBrace)
		c.expect(TokenRBrace)
	case TokenReturn:
		c.returnStmt()
	case TokenLet:
		c.letStmt()
	case TokenIf:
		c.ifStmt()
	case TokenWhile:
		c.whileStmt()
	case TokenFor:
		c.forStmt()
	case TokenContinue:
		c.continueStmt()
	case TokenBreak:
		c.breakStmt()
	default:
		c.exprStmt()
	}
}

// returnStmt compiles `return [value]`. Returning the result of a call
// becomes a tail call unless some jump lands right after the call.
func (c *Compiler) returnStmt() {
	c.state = "return statement"
	c.nextToken()
	if c.curTokenIs(TokenSep) || c.curTokenIs(TokenRBrace) || c.curTokenIs(TokenEOF) || c.curToken.Newline {
		c.emitOp(vm.OpReturnNil)
		return
	}
	c.value()
	if !c.ok() {
		return
	}
	fs := c.fs
	end := fs.emit.Len()
	if fs.lastPos == end-1 && vm.Opcode(fs.emit.Bytes()[fs.lastPos]) == vm.OpCall && fs.landing != end {
		fs.emit.Rewrite(fs.lastPos, vm.OpTailCall)
		return
	}
	c.emitOp(vm.OpReturn)
}

// letStmt compiles `let target = value`, defining target in its own
// table without consulting the tail chain.
func (c *Compiler) letStmt() {
	c.state = "let statement"
	c.nextToken()
	name := c.bindingName()
	if !c.target() {
		c.errorf("cannot define this expression")
		return
	}
	c.expect(TokenSet)
	c.nameHint = name
	c.value()
	c.emitOp(vm.OpInsert)
	c.emitOp(vm.OpDrop)
}

// exprStmt compiles an expression, an assignment or an operator
// assignment such as `x += 1`.
func (c *Compiler) exprStmt() {
	c.state = "statement"
	name := c.bindingName()
	indirect := c.expr(-1)
	switch c.curToken.Type {
	case TokenSet:
		if !indirect {
			c.errorf("cannot assign to this expression")
			return
		}
		c.nextToken()
		c.nameHint = name
		c.value()
		c.emitOp(vm.OpAssign)

	case TokenOpSet:
		if !indirect {
			c.errorf("cannot assign to this expression")
			return
		}
		op := c.curToken.Literal
		c.nextToken()
		// [c k] -> [c k op [0 = c[k], 1 = value]] -> [c k result]
		c.emitLoad(op)
		c.emitOp(vm.OpTable)
		c.emitConst(vm.Num(0))
		c.emitArg(vm.OpDup, 4)
		c.emitArg(vm.OpDup, 4)
		c.emitOp(vm.OpLookup)
		c.emitOp(vm.OpInsert)
		c.emitConst(vm.Num(1))
		c.value()
		c.emitOp(vm.OpInsert)
		c.emitOp(vm.OpCall)
		c.emitOp(vm.OpAssign)

	default:
		c.resolve(indirect)
		c.emitOp(vm.OpDrop)
	}
}

// bindingName returns the identifier about to be bound by `name = ...`.
func (c *Compiler) bindingName() string {
	if c.curTokenIs(TokenIdent) && c.peekTokenIs(TokenSet) {
		return c.curToken.Literal
	}
	return ""
}

func (c *Compiler) ifStmt() {
	c.state = "if statement"
	c.nextToken()
	c.condition()
	skipThen := c.reserve(vm.OpJumpNil)
	c.statement()
	if c.curTokenIs(TokenSep) && c.peekTokenIs(TokenElse) {
		c.nextToken()
	}
	if !c.curTokenIs(TokenElse) {
		c.patch(skipThen)
		return
	}
	c.nextToken()
	skipElse := c.reserve(vm.OpJump)
	c.patch(skipThen)
	c.statement()
	c.patch(skipElse)
}

// whileStmt compiles `while (cond) body [else stmt]`. The else branch runs
// when the condition fails, not when the loop is left with break.
func (c *Compiler) whileStmt() {
	c.state = "while statement"
	c.nextToken()
	start := c.fs.emit.Len()
	c.condition()
	exit := c.reserve(vm.OpJumpNil)

	l := c.beginLoop(start)
	c.statement()
	c.jumpBack(start)
	c.patch(exit)
	c.fs.loop = l.outer

	if c.curTokenIs(TokenSep) && c.peekTokenIs(TokenElse) {
		c.nextToken()
	}
	if c.curTokenIs(TokenElse) {
		c.nextToken()
		c.statement()
	}
	c.patchBreaks(l, c.fs.emit.Len())
}

// forStmt compiles `for (v in expr) body` and `for (k, v in expr) body`.
// The iterator stays on the stack for the duration of the loop.
func (c *Compiler) forStmt() {
	c.state = "for statement"
	c.nextToken()
	c.expect(TokenLParen)
	names := []string{c.curToken.Literal}
	c.expect(TokenIdent)
	if c.curTokenIs(TokenSep) {
		c.nextToken()
		names = append(names, c.curToken.Literal)
		c.expect(TokenIdent)
	}
	c.expect(TokenIn)
	c.value()
	c.expect(TokenRParen)
	if !c.ok() {
		return
	}

	c.emitOp(vm.OpIter)
	start := c.fs.emit.Len()
	c.emitArg(vm.OpDup, 0)
	c.emitOp(vm.OpTable)
	c.emitOp(vm.OpCall)
	c.emitArg(vm.OpDup, 0)
	done := c.reserve(vm.OpJumpNil)
	if len(names) == 1 {
		c.bindPair(names[0], 1)
	} else {
		c.bindPair(names[0], 0)
		c.bindPair(names[1], 1)
	}
	c.emitOp(vm.OpDrop)

	l := c.beginLoop(start)
	c.statement()
	c.jumpBack(start)
	c.patch(done)
	c.emitOp(vm.OpDrop)
	c.fs.loop = l.outer

	exit := c.fs.emit.Len()
	c.emitOp(vm.OpDrop)
	c.patchBreaks(l, exit)
}

// bindPair defines name in the current scope as entry i of the pair on
// top of the stack.
func (c *Compiler) bindPair(name string, i int) {
	c.emitOp(vm.OpScope)
	c.emitConst(vm.Str(name))
	c.emitArg(vm.OpDup, 2)
	c.emitConst(vm.Num(float64(i)))
	c.emitOp(vm.OpLookup)
	c.emitOp(vm.OpInsert)
	c.emitOp(vm.OpDrop)
}

func (c *Compiler) continueStmt() {
	c.state = "continue statement"
	if c.fs.loop == nil {
		c.errorf("continue outside of a loop")
		return
	}
	c.nextToken()
	c.jumpBack(c.fs.loop.start)
}

func (c *Compiler) breakStmt() {
	c.state = "break statement"
	if c.fs.loop == nil {
		c.errorf("break outside of a loop")
		return
	}
	c.nextToken()
	pos := c.reserve(vm.OpJump)
	c.fs.loop.breaks.Append(vm.Raw(uint64(pos)))
}

func (c *Compiler) condition() {
	c.expect(TokenLParen)
	c.value()
	c.expect(TokenRParen)
}

func (c *Compiler) beginLoop(start int) *loop {
	l := &loop{outer: c.fs.loop, start: start, breaks: vm.NewTable(0)}
	c.fs.loop = l
	return l
}

// patchBreaks points every pending break of l at target, emptying and
// releasing its label table.
func (c *Compiler) patchBreaks(l *loop, target int) {
	for n := l.breaks.Len(); n > 0; n-- {
		key := vm.Num(float64(n - 1))
		pos := l.breaks.Get(key).AsRaw()
		c.patchTo(int(pos), target)
		_ = l.breaks.Insert(key, vm.Nil)
	}
	l.breaks.Release()
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// value compiles an expression and leaves its value on the stack.
func (c *Compiler) value() {
	c.resolve(c.expr(-1))
}

// expr compiles an expression whose infix operators bind tighter than
// floor. It reports whether the result is indirect: a container and key
// still waiting to be looked up, assigned or defined.
func (c *Compiler) expr(floor int) bool {
	start := c.fs.emit.Len()
	return c.postfix(c.primary(), floor, start)
}

// target compiles an assignable expression: a primary and its member and
// index accesses, without infix operators.
func (c *Compiler) target() bool {
	return c.expr(PrecPrefix)
}

func (c *Compiler) primary() bool {
	tok := c.curToken
	if tok.Type != TokenFn {
		c.nameHint = ""
	}
	switch tok.Type {
	case TokenIdent:
		c.nextToken()
		c.emitOp(vm.OpScope)
		c.emitConst(vm.Str(tok.Literal))
		return true

	case TokenNil:
		c.nextToken()
		c.emitOp(vm.OpNil)

	case TokenNumber:
		f, err := parseNumber(tok.Literal)
		if err != nil {
			c.errorf("malformed number %q", tok.Literal)
			return false
		}
		c.nextToken()
		c.emitConst(vm.Num(f))

	case TokenString:
		c.nextToken()
		c.emitConst(vm.Str(tok.Literal))

	case TokenArgs:
		c.nextToken()
		c.emitOp(vm.OpArgs)

	case TokenLBracket:
		c.nextToken()
		c.emitOp(vm.OpTable)
		c.entries(TokenRBracket)
		c.expect(TokenRBracket)

	case TokenLParen:
		c.nextToken()
		c.value()
		c.expect(TokenRParen)

	case TokenOp:
		c.prefixOp()

	case TokenIf:
		c.ifExpr()

	case TokenFn:
		c.fnLiteral()

	default:
		c.errorf("unexpected %s", tok.Type)
	}
	return false
}

// postfix compiles the member accesses, indexing, calls and infix
// operators following an operand that started at start.
//
// An infix operator is a call of the variable named after it. Its callee
// and argument table are inserted in front of the left operand, which is
// already emitted, so the operand becomes argument 0.
func (c *Compiler) postfix(indirect bool, floor, start int) bool {
	for c.ok() {
		switch c.curToken.Type {
		case TokenDot:
			c.nextToken()
			if !c.curTokenIs(TokenIdent) {
				c.errorf("expected member name after '.'")
				return false
			}
			c.resolve(indirect)
			c.emitConst(vm.Str(c.curToken.Literal))
			c.nextToken()
			indirect = true

		case TokenLBracket:
			c.nextToken()
			c.resolve(indirect)
			c.value()
			c.expect(TokenRBracket)
			indirect = true

		case TokenLParen:
			c.nextToken()
			c.resolve(indirect)
			c.emitOp(vm.OpTable)
			c.entries(TokenRParen)
			c.expect(TokenRParen)
			c.emitOp(vm.OpCall)
			indirect = false

		case TokenOp:
			op := c.curToken
			if op.Prec <= floor {
				return indirect
			}
			c.nextToken()
			c.resolve(indirect)
			c.insertCallee(start, op.Literal)
			c.emitOp(vm.OpInsert)
			c.emitConst(vm.Num(1))
			rstart := c.fs.emit.Len()
			c.resolve(c.postfix(c.primary(), op.Prec, rstart))
			c.emitOp(vm.OpInsert)
			c.emitOp(vm.OpCall)
			indirect = false

		default:
			return indirect
		}
	}
	return indirect
}

// insertCallee places `SCOPE CONST op LOOKUP TABLE CONST 0` at pos.
func (c *Compiler) insertCallee(pos int, op string) {
	idx, ok := c.constant(vm.Str(op))
	if !ok {
		return
	}
	zero, ok := c.constant(vm.Num(0))
	if !ok {
		return
	}
	buf := make([]byte, 3*vm.ShortInstr+2*vm.LongInstr)
	n := vm.Encode(buf, 0, vm.OpScope, 0)
	n += vm.Encode(buf, n, vm.OpConst, idx)
	n += vm.Encode(buf, n, vm.OpLookup, 0)
	n += vm.Encode(buf, n, vm.OpTable, 0)
	n += vm.Encode(buf, n, vm.OpConst, zero)
	c.insert(pos, buf[:n])
}

// insertConst places `CONST v` at pos.
func (c *Compiler) insertConst(pos int, v vm.Value) {
	idx, ok := c.constant(v)
	if !ok {
		return
	}
	buf := make([]byte, vm.LongInstr)
	n := vm.Encode(buf, 0, vm.OpConst, idx)
	c.insert(pos, buf[:n])
}

// prefixOp compiles `op operand` as a one-argument call.
func (c *Compiler) prefixOp() {
	op := c.curToken.Literal
	c.nextToken()
	c.emitLoad(op)
	c.emitOp(vm.OpTable)
	c.emitConst(vm.Num(0))
	start := c.fs.emit.Len()
	c.resolve(c.postfix(c.primary(), PrecPrefix, start))
	c.emitOp(vm.OpInsert)
	c.emitOp(vm.OpCall)
}

// entries compiles the body of a table literal or argument list into the
// table on top of the stack. `name = v` and `k = v` insert under the given
// key; bare values are inserted under 0, 1, ... in order, so a nil entry
// keeps its position.
func (c *Compiler) entries(end TokenType) {
	saved := c.state
	c.state = "table entries"
	defer func() { c.state = saved }()

	n := 0
	for c.ok() && !c.curTokenIs(end) {
		if c.curTokenIs(TokenSep) {
			c.nextToken()
			continue
		}
		if name := c.bindingName(); name != "" {
			c.nextToken()
			c.nextToken()
			c.emitConst(vm.Str(name))
			c.nameHint = name
			c.value()
			c.emitOp(vm.OpInsert)
		} else {
			start := c.fs.emit.Len()
			c.value()
			if c.curTokenIs(TokenSet) {
				c.nextToken()
				c.value()
			} else {
				c.insertConst(start, vm.Num(float64(n)))
				n++
			}
			c.emitOp(vm.OpInsert)
		}
		if !c.curTokenIs(TokenSep) && !c.curTokenIs(end) {
			c.errorf("expected separator or %s, got %s", end, c.curToken.Type)
		}
	}
}

// ifExpr compiles `if (cond) a [else b]`, which is nil when cond is nil
// and there is no else branch.
func (c *Compiler) ifExpr() {
	c.state = "if expression"
	c.nextToken()
	c.condition()
	skipThen := c.reserve(vm.OpJumpNil)
	c.value()
	skipElse := c.reserve(vm.OpJump)
	c.patch(skipThen)
	if c.curTokenIs(TokenElse) {
		c.nextToken()
		c.value()
	} else {
		c.emitOp(vm.OpNil)
	}
	c.patch(skipElse)
}

// fnLiteral compiles `fn(a, b = default) body` into a prototype and emits
// the instruction that closes it over the current scope.
//
// Parameters are bound by a prologue that copies positional arguments
// into the activation scope. A literal default is used when the argument
// is absent.
func (c *Compiler) fnLiteral() {
	c.state = "function literal"
	name := c.nameHint
	c.nameHint = ""
	c.nextToken()
	c.expect(TokenLParen)

	parent := c.fs
	c.fs = newFuncState(parent, name)
	arity := 0
	for c.ok() && !c.curTokenIs(TokenRParen) {
		if c.curTokenIs(TokenSep) {
			c.nextToken()
			continue
		}
		if !c.curTokenIs(TokenIdent) {
			c.errorf("expected parameter name, got %s", c.curToken.Type)
			break
		}
		param := c.curToken.Literal
		c.nextToken()
		c.emitOp(vm.OpScope)
		c.emitConst(vm.Str(param))
		c.emitOp(vm.OpArgs)
		c.emitConst(vm.Num(float64(arity)))
		if c.curTokenIs(TokenSet) {
			c.nextToken()
			if def, ok := c.literal(); ok && !def.IsNil() {
				if idx, ok := c.constant(def); ok {
					c.emitArg(vm.OpLookupOr, idx)
				}
			} else {
				c.emitOp(vm.OpLookup)
			}
		} else {
			c.emitOp(vm.OpLookup)
		}
		c.emitOp(vm.OpInsert)
		c.emitOp(vm.OpDrop)
		arity++
	}
	c.expect(TokenRParen)
	c.state = "function body"
	c.statement()
	c.emitOp(vm.OpReturnNil)

	fn, err := c.finish(arity)
	c.fs = parent
	if err != nil {
		return
	}
	if idx, ok := c.addPrototype(fn); ok {
		c.emitArg(vm.OpClosure, idx)
	}
}

// literal reads a constant for a parameter default: a number, optionally
// negated, a string or nil.
func (c *Compiler) literal() (vm.Value, bool) {
	neg := false
	if c.curTokenIs(TokenOp) && c.curToken.Literal == "-" && c.peekTokenIs(TokenNumber) {
		neg = true
		c.nextToken()
	}
	tok := c.curToken
	switch tok.Type {
	case TokenNumber:
		f, err := parseNumber(tok.Literal)
		if err != nil {
			c.errorf("malformed number %q", tok.Literal)
			return vm.Nil, false
		}
		c.nextToken()
		if neg {
			f = -f
		}
		return vm.Num(f), true
	case TokenString:
		c.nextToken()
		return vm.Str(tok.Literal), true
	case TokenNil:
		c.nextToken()
		return vm.Nil, true
	}
	c.errorf("default value must be a literal, got %s", tok.Type)
	return vm.Nil, false
}

func parseNumber(lit string) (float64, error) {
	if strings.HasPrefix(lit, "0x") || strings.HasPrefix(lit, "0X") {
		u, err := strconv.ParseUint(lit[2:], 16, 64)
		return float64(u), err
	}
	return strconv.ParseFloat(lit, 64)
}
