package vm

// MaxStackDepth computes the deepest value stack code can reach, by
// following every control path from the entry point. It also validates the
// code: undecodable bytes, jumps off instruction boundaries, stack underflow
// and paths that merge at different depths are all InvalidCode errors.
//
// Running off the end of the code is treated as an implicit return of nil.
func MaxStackDepth(code []byte) (int, error) {
	const unseen = -1
	if len(code) == 0 {
		return 0, nil
	}

	depth := make([]int, len(code)+1)
	for i := range depth {
		depth[i] = unseen
	}
	starts := make([]bool, len(code)+1)
	starts[len(code)] = true
	for pc := 0; pc < len(code); {
		_, _, next, err := Decode(code, pc)
		if err != nil {
			return 0, err
		}
		starts[pc] = true
		pc = next
	}

	maxDepth := 0
	work := []int{0}
	depth[0] = 0

	visit := func(from, to, d int) error {
		if to < 0 || to > len(code) || !starts[to] {
			return Errorf(InvalidCode, "jump at %d lands inside an instruction (%d)", from, to)
		}
		if to == len(code) {
			return nil
		}
		switch depth[to] {
		case unseen:
			depth[to] = d
			work = append(work, to)
		case d:
		default:
			return Errorf(InvalidCode, "stack depth at %d is %d on one path and %d on another", to, depth[to], d)
		}
		return nil
	}

	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		op, arg, next, _ := Decode(code, pc)
		info := op.Info()
		d := depth[pc]

		need := info.Pops
		if op == OpDup {
			need = int(arg) + 1
		}
		if d < need {
			return 0, Errorf(InvalidCode, "%s at %d needs %d values, stack has %d", op, pc, need, d)
		}
		d += info.StackEffect()
		if d > maxDepth {
			maxDepth = d
		}

		if op.IsJump() {
			if err := visit(pc, next+int(int16(arg)), d); err != nil {
				return 0, err
			}
		}
		if !info.Ends {
			if err := visit(pc, next, d); err != nil {
				return 0, err
			}
		}
	}
	return maxDepth, nil
}
