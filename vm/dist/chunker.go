package dist

import (
	"fmt"

	"github.com/chazu/mu/vm"
)

// FromFunction flattens fn and its nested prototypes into a Chunk.
func FromFunction(fn *vm.Function) (*Chunk, error) {
	c := &Chunk{
		Version:  ChunkVersion,
		Name:     fn.Name,
		Code:     append([]byte(nil), fn.Code...),
		MaxStack: fn.MaxStack,
		Arity:    fn.Arity,
	}
	n := fn.NumConsts()
	if n > 0 {
		c.Consts = make([]Const, n)
	}
	for i := 0; i < n; i++ {
		v := fn.Const(i)
		switch v.Kind() {
		case vm.NilKind:
			c.Consts[i] = Const{Kind: ConstNil}
		case vm.BoolKind:
			c.Consts[i] = Const{Kind: ConstTrue}
		case vm.NumKind:
			f, _ := v.AsNum()
			c.Consts[i] = Const{Kind: ConstNum, Num: f}
		case vm.StrKind:
			s, _ := v.AsStr()
			c.Consts[i] = Const{Kind: ConstStr, Str: s}
		case vm.FuncKind:
			nested, err := FromFunction(v.AsClosure().Fn)
			if err != nil {
				return nil, err
			}
			c.Consts[i] = Const{Kind: ConstFunc, Fn: nested}
		default:
			return nil, fmt.Errorf("dist: %s: constant %d: cannot encode %s", fn.Name, i, v.Kind())
		}
	}
	return c, nil
}

// Function rebuilds the vm.Function described by c, holding one
// reference for the caller. The bytecode is
// validated again; a chunk whose recorded stack depth differs from the
// analysed one is rejected as InvalidCode.
func (c *Chunk) Function() (*vm.Function, error) {
	if c.Version != ChunkVersion {
		return nil, fmt.Errorf("dist: chunk %q has version %d, want %d", c.Name, c.Version, ChunkVersion)
	}
	imms := vm.NewTable(len(c.Consts))
	for i, k := range c.Consts {
		var v vm.Value
		switch k.Kind {
		case ConstNil:
			continue
		case ConstTrue:
			v = vm.True
		case ConstNum:
			v = vm.Num(k.Num)
		case ConstStr:
			v = vm.Str(k.Str)
		case ConstFunc:
			if k.Fn == nil {
				imms.Release()
				return nil, fmt.Errorf("dist: chunk %q: constant %d: missing function", c.Name, i)
			}
			nested, err := k.Fn.Function()
			if err != nil {
				imms.Release()
				return nil, err
			}
			v = nested.Prototype()
		default:
			imms.Release()
			return nil, fmt.Errorf("dist: chunk %q: constant %d: unknown kind %d", c.Name, i, k.Kind)
		}
		_ = imms.Insert(vm.Num(float64(i)), v)
	}

	fn, err := vm.NewFunction(c.Name, c.Code, imms, c.Arity)
	if err != nil {
		return nil, fmt.Errorf("dist: %w", err)
	}
	if fn.MaxStack != c.MaxStack {
		fn.Release()
		return nil, fmt.Errorf("dist: %w", vm.Errorf(vm.InvalidCode,
			"%s: stack depth %d, chunk declares %d", c.Name, fn.MaxStack, c.MaxStack))
	}
	return fn, nil
}
