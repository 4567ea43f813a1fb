package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/chazu/mu/compiler"
	"github.com/chazu/mu/vm"
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// runREPL reads statements from in and prints non-nil results to out.
// Input that ends inside an unfinished construct continues on the next
// line. Prompts are shown only when interactive.
func runREPL(rt *vm.Runtime, in io.Reader, out io.Writer, interactive bool) {
	if interactive {
		fmt.Fprintln(out, "mu REPL (type 'exit' to quit, ':help' for commands)")
	}

	scanner := bufio.NewScanner(in)
	var buf strings.Builder

	for {
		if interactive {
			if buf.Len() == 0 {
				fmt.Fprint(out, ">> ")
			} else {
				fmt.Fprint(out, ".. ")
			}
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()

		if buf.Len() == 0 {
			trimmed := strings.TrimSpace(line)
			if trimmed == "exit" || trimmed == "quit" {
				break
			}
			if strings.HasPrefix(trimmed, ":") {
				handleREPLCommand(rt, out, trimmed)
				continue
			}
			if trimmed == "" {
				continue
			}
		}

		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(line)

		if evalAndPrint(rt, out, buf.String()) {
			buf.Reset()
		}
	}

	if interactive {
		fmt.Fprintln(out)
	}
}

// handleREPLCommand handles REPL meta-commands.
func handleREPLCommand(rt *vm.Runtime, out io.Writer, cmd string) {
	switch cmd {
	case ":help", ":h", ":?":
		fmt.Fprintln(out, "REPL Commands:")
		fmt.Fprintln(out, "  :help, :h, :?     Show this help")
		fmt.Fprintln(out, "  :builtins         List builtins")
		fmt.Fprintln(out, "  :globals          List global names")
		fmt.Fprintln(out, "  exit, quit        Exit REPL")
	case ":builtins":
		for _, name := range rt.BuiltinNames() {
			doc, _ := rt.BuiltinDoc(name)
			fmt.Fprintf(out, "  %-8s %s\n", name, doc)
		}
	case ":globals":
		var names []string
		rt.Globals.Each(func(k, _ vm.Value) bool {
			if s, ok := k.AsStr(); ok {
				names = append(names, s)
			}
			return true
		})
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %s = %s\n", name, rt.Global(name).Repr())
		}
	default:
		fmt.Fprintf(out, "Unknown command: %s (type :help for commands)\n", cmd)
	}
}

// evalAndPrint runs input as an expression if it is one, else as
// statements. It reports false when input stops short of a complete
// construct and more lines are needed.
func evalAndPrint(rt *vm.Runtime, out io.Writer, input string) bool {
	fn, err := rt.Compile("repl", "return "+input)
	if err != nil {
		fn, err = rt.Compile("repl", input)
	}
	if err != nil {
		var se *compiler.SyntaxError
		if errors.As(err, &se) && se.Token.Type == compiler.TokenEOF {
			return false
		}
		fmt.Fprintf(out, "Error: %v\n", err)
		return true
	}

	defer fn.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	result, err := rt.Exec(ctx, fn, nil)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return true
	}
	if !result.IsNil() {
		fmt.Fprintln(out, result.Repr())
	}
	vm.Release(result)
	return true
}
