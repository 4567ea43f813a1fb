package vm

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Iterator
// ---------------------------------------------------------------------------

// NewIterator consumes a table value and returns a builtin that yields its
// entries one call at a time, as [key, value] pairs, then nil forever. The
// iterator keeps the table alive.
func NewIterator(c Value) (Value, error) {
	t := c.AsTable()
	if t == nil {
		Release(c)
		return Nil, Errorf(TypeMismatch, "cannot iterate %s", c.Kind())
	}
	pos := 0
	it := &Builtin{Name: "iterator", Env: t}
	it.Fn = func(*Table) (Value, error) {
		next, k, v, ok := t.Next(pos)
		if !ok {
			return Nil, nil
		}
		pos = next
		return FromTable(NewArray(Retain(k), Retain(v))), nil
	}
	return FromBuiltin(it), nil
}

// ---------------------------------------------------------------------------
// Builtin operators and functions
// ---------------------------------------------------------------------------

func arg(args *Table, i int) Value {
	return args.Get(Num(float64(i)))
}

// positional returns one past the highest integer key of args. Arguments
// passed as nil are never stored but still hold their position.
func positional(args *Table) int {
	n := 0
	args.Each(func(k, _ Value) bool {
		if i, ok := k.asIndex(); ok && i >= n {
			n = i + 1
		}
		return true
	})
	return n
}

func numArg(name string, args *Table, i int) (float64, error) {
	v := arg(args, i)
	f, ok := v.AsNum()
	if !ok {
		return 0, Errorf(TypeMismatch, "%s: argument %d is %s, want num", name, i, v.Kind())
	}
	return f, nil
}

// arith builds a numeric operator. With one argument unary applies, when
// given.
func arith(name string, binary func(a, b float64) float64, unary func(a float64) float64) BuiltinFunc {
	return func(args *Table) (Value, error) {
		a, err := numArg(name, args, 0)
		if err != nil {
			return Nil, err
		}
		if args.Len() == 1 && unary != nil {
			return Num(unary(a)), nil
		}
		b, err := numArg(name, args, 1)
		if err != nil {
			return Nil, err
		}
		return Num(binary(a, b)), nil
	}
}

func plus(args *Table) (Value, error) {
	a, b := arg(args, 0), arg(args, 1)
	if a.Kind() == StrKind || b.Kind() == StrKind {
		return Str(a.String() + b.String()), nil
	}
	return addNums(args)
}

var addNums = arith("+", func(a, b float64) float64 { return a + b }, func(a float64) float64 { return a })

// compare builds an ordering operator over numbers or strings.
func compare(name string, ok func(c int) bool) BuiltinFunc {
	return func(args *Table) (Value, error) {
		a, b := arg(args, 0), arg(args, 1)
		if x, isNum := a.AsNum(); isNum {
			y, err := numArg(name, args, 1)
			if err != nil {
				return Nil, err
			}
			switch {
			case x < y:
				return Bool(ok(-1)), nil
			case x > y:
				return Bool(ok(1)), nil
			case x == y:
				return Bool(ok(0)), nil
			}
			return Nil, nil
		}
		x, xs := a.AsStr()
		y, ys := b.AsStr()
		if !xs || !ys {
			return Nil, Errorf(TypeMismatch, "%s: cannot order %s and %s", name, a.Kind(), b.Kind())
		}
		return Bool(ok(strings.Compare(x, y))), nil
	}
}

func length(args *Table) (Value, error) {
	v := arg(args, 0)
	switch v.Kind() {
	case TableKind:
		return Num(float64(v.AsTable().Len())), nil
	case StrKind:
		s, _ := v.AsStr()
		return Num(float64(len(s))), nil
	}
	return Nil, Errorf(TypeMismatch, "len: cannot measure %s", v.Kind())
}

func rangeOf(args *Table) (Value, error) {
	a, err := numArg("range", args, 0)
	if err != nil {
		return Nil, err
	}
	if args.Len() == 1 {
		n, err := rangeLen(a)
		if err != nil {
			return Nil, err
		}
		return FromTable(NewRange(0, n)), nil
	}
	b, err := numArg("range", args, 1)
	if err != nil {
		return Nil, err
	}
	if math.IsInf(a, 0) || math.IsNaN(a) {
		return Nil, Errorf(LimitExceeded, "range: start %v is not finite", a)
	}
	n, err := rangeLen(b - a)
	if err != nil {
		return Nil, err
	}
	return FromTable(NewRange(a, n)), nil
}

// rangeLen converts an element count, rejecting counts no table can hold.
func rangeLen(f float64) (int, error) {
	if math.IsNaN(f) || f > MaxRangeLen {
		return 0, Errorf(LimitExceeded, "range: %v elements exceeds the limit of %d", f, MaxRangeLen)
	}
	if f < 0 {
		return 0, nil
	}
	return int(f), nil
}

func setTail(args *Table) (Value, error) {
	t, parent := arg(args, 0), arg(args, 1)
	tt := t.AsTable()
	if tt == nil {
		return Nil, Errorf(TypeMismatch, "tail: argument 0 is %s, want tbl", t.Kind())
	}
	if t.ReadOnly() {
		return Nil, Errorf(ReadOnlyViolation, "tail: table is read-only")
	}
	switch {
	case parent.IsNil():
		if err := tt.SetTail(nil, false); err != nil {
			return Nil, err
		}
	case parent.Kind() == TableKind:
		if err := tt.SetTail(parent.AsTable().Retain(), parent.ReadOnly()); err != nil {
			return Nil, err
		}
	default:
		return Nil, Errorf(TypeMismatch, "tail: argument 1 is %s, want tbl", parent.Kind())
	}
	return Retain(t), nil
}

// builtinSpec describes one entry of the builtin scope.
type builtinSpec struct {
	name string
	doc  string
	fn   BuiltinFunc
}

func builtinSpecs(out io.Writer) []builtinSpec {
	return []builtinSpec{
		{"+", "a + b: sum of numbers, or concatenation when either side is a string", plus},
		{"-", "a - b: difference; -a negates", arith("-", func(a, b float64) float64 { return a - b }, func(a float64) float64 { return -a })},
		{"*", "a * b: product", arith("*", func(a, b float64) float64 { return a * b }, nil)},
		{"/", "a / b: quotient", arith("/", func(a, b float64) float64 { return a / b }, nil)},
		{"%", "a % b: remainder with the sign of a", arith("%", math.Mod, nil)},
		{"==", "a == b: true when a and b are equal, else nil", func(args *Table) (Value, error) {
			return Bool(arg(args, 0).Equal(arg(args, 1))), nil
		}},
		{"!=", "a != b: true when a and b differ, else nil", func(args *Table) (Value, error) {
			return Bool(!arg(args, 0).Equal(arg(args, 1))), nil
		}},
		{"<", "a < b: numeric or string ordering", compare("<", func(c int) bool { return c < 0 })},
		{"<=", "a <= b: numeric or string ordering", compare("<=", func(c int) bool { return c <= 0 })},
		{">", "a > b: numeric or string ordering", compare(">", func(c int) bool { return c > 0 })},
		{">=", "a >= b: numeric or string ordering", compare(">=", func(c int) bool { return c >= 0 })},
		{"!", "!a: true when a is nil, else nil", func(args *Table) (Value, error) {
			return Bool(arg(args, 0).IsNil()), nil
		}},
		{"&&", "a && b: b when both are non-nil, else nil. Both sides are evaluated.", func(args *Table) (Value, error) {
			if arg(args, 0).IsNil() {
				return Nil, nil
			}
			return Retain(arg(args, 1)), nil
		}},
		{"||", "a || b: a when non-nil, else b. Both sides are evaluated.", func(args *Table) (Value, error) {
			if a := arg(args, 0); !a.IsNil() {
				return Retain(a), nil
			}
			return Retain(arg(args, 1)), nil
		}},
		{"len", "len(x): number of entries of a table or bytes of a string", length},
		{"print", "print(...): write the arguments separated by spaces", func(args *Table) (Value, error) {
			parts := make([]string, positional(args))
			for i := range parts {
				parts[i] = arg(args, i).String()
			}
			fmt.Fprintln(out, strings.Join(parts, " "))
			return Nil, nil
		}},
		{"repr", "repr(x): source-like rendering of x", func(args *Table) (Value, error) {
			return Str(arg(args, 0).Repr()), nil
		}},
		{"type", "type(x): name of the kind of x", func(args *Table) (Value, error) {
			return Str(arg(args, 0).Kind().String()), nil
		}},
		{"range", "range(n) or range(a, b): the integers from 0 (or a) up to n (or b)", rangeOf},
		{"tail", "tail(t, parent): link t to parent for chained lookup and return t", setTail},
	}
}

// installBuiltins defines every builtin in scope, plus the constant true.
func installBuiltins(scope *Table, out io.Writer) map[string]string {
	docs := make(map[string]string)
	for _, b := range builtinSpecs(out) {
		_ = scope.Insert(Str(b.name), FromBuiltin(&Builtin{Name: b.name, Doc: b.doc, Fn: b.fn}))
		docs[b.name] = b.doc
	}
	_ = scope.Insert(Str("true"), True)
	docs["true"] = "the true value; comparisons return true or nil"
	return docs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
