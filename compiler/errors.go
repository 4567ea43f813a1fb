package compiler

import (
	"fmt"

	"github.com/chazu/mu/vm"
)

// SyntaxError reports source the compiler cannot translate. It matches
// vm.ErrSyntax under errors.Is.
type SyntaxError struct {
	Source string   // chunk name
	Pos    Position // where the offending token starts
	Token  Token    // the offending token
	State  string   // construct being compiled
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%s: %s: %s (at %s in %s)", e.Source, e.Pos, vm.SyntaxError, e.Msg, e.Token, e.State)
}

// Unwrap exposes the kind sentinel.
func (e *SyntaxError) Unwrap() error {
	return vm.ErrSyntax
}
