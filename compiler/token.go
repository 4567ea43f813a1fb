package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Token types
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError

	// Literals
	TokenIdent  // foo
	TokenNumber // 42, 3.5, 1e9, 0xff
	TokenString // "hello", 'hello'

	// Operators
	TokenOp    // + - * / == && ... (Prec set)
	TokenSet   // =
	TokenOpSet // += -= ... (Literal holds the operator without '=')

	// Delimiters
	TokenSep      // ; or ,
	TokenDot      // .
	TokenLParen   // (
	TokenRParen   // )
	TokenLBracket // [
	TokenRBracket // ]
	TokenLBrace   // {
	TokenRBrace   // }

	// Keywords
	TokenNil
	TokenIf
	TokenElse
	TokenWhile
	TokenFor
	TokenIn
	TokenLet
	TokenReturn
	TokenContinue
	TokenBreak
	TokenFn
	TokenArgs
)

var tokenNames = map[TokenType]string{
	TokenEOF:      "EOF",
	TokenError:    "ERROR",
	TokenIdent:    "IDENT",
	TokenNumber:   "NUMBER",
	TokenString:   "STRING",
	TokenOp:       "OP",
	TokenSet:      "=",
	TokenOpSet:    "OPSET",
	TokenSep:      "SEP",
	TokenDot:      ".",
	TokenLParen:   "(",
	TokenRParen:   ")",
	TokenLBracket: "[",
	TokenRBracket: "]",
	TokenLBrace:   "{",
	TokenRBrace:   "}",
	TokenNil:      "nil",
	TokenIf:       "if",
	TokenElse:     "else",
	TokenWhile:    "while",
	TokenFor:      "for",
	TokenIn:       "in",
	TokenLet:      "let",
	TokenReturn:   "return",
	TokenContinue: "continue",
	TokenBreak:    "break",
	TokenFn:       "fn",
	TokenArgs:     "args",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Position is a location in source text.
type Position struct {
	Offset int // byte offset, 0-based
	Line   int // 1-based
	Column int // 1-based, in bytes
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // the raw text; decoded contents for strings
	Prec    int      // binding strength of an operator, higher binds tighter
	Pos     Position // start position
	Newline bool     // a line break precedes the token
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF:
		return "EOF"
	case TokenError:
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// Reserved words mapped to their token types.
var reservedWords = map[string]TokenType{
	"nil":      TokenNil,
	"if":       TokenIf,
	"else":     TokenElse,
	"while":    TokenWhile,
	"for":      TokenFor,
	"in":       TokenIn,
	"let":      TokenLet,
	"return":   TokenReturn,
	"continue": TokenContinue,
	"break":    TokenBreak,
	"fn":       TokenFn,
	"args":     TokenArgs,
}

// Keywords returns the reserved words, for editor completion.
func Keywords() []string {
	words := make([]string, 0, len(reservedWords))
	for w := range reservedWords {
		words = append(words, w)
	}
	return words
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// Precedence levels. Prefix operators bind tighter than any infix one.
const (
	PrecOr      = 1
	PrecAnd     = 2
	PrecCompare = 3
	PrecAdd     = 4
	PrecMul     = 5
	PrecPrefix  = 6
)

var operatorPrec = map[string]int{
	"||": PrecOr,
	"&&": PrecAnd,
	"==": PrecCompare, "!=": PrecCompare,
	"<": PrecCompare, "<=": PrecCompare, ">": PrecCompare, ">=": PrecCompare,
	"+": PrecAdd, "-": PrecAdd, "|": PrecAdd, "^": PrecAdd, "~": PrecAdd,
	"*": PrecMul, "/": PrecMul, "%": PrecMul, "&": PrecMul, "<<": PrecMul, ">>": PrecMul,
	"!": PrecAdd,
}

// Operators that can be combined with '=' into an assignment.
var assignable = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"&": true, "|": true, "^": true, "<<": true, ">>": true,
}

// IsOperatorChar reports whether r can appear in an operator.
func IsOperatorChar(r rune) bool {
	switch r {
	case '+', '-', '*', '/', '%', '<', '>', '=', '!', '&', '|', '^', '~':
		return true
	}
	return false
}
