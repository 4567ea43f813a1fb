package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
//
// An instruction is one opcode byte, optionally followed by a 16-bit
// big-endian argument. ArgFlag set on the opcode byte marks the argument's
// presence; the opcode itself is the byte with the flag cleared.
type Opcode byte

// ArgFlag marks an instruction carrying a 16-bit argument.
const ArgFlag byte = 0x80

// Instruction sizes.
const (
	ShortInstr = 1
	LongInstr  = 3
)

// Argument-less instructions.
const (
	OpNil       Opcode = 0x00 // push nil
	OpTable     Opcode = 0x01 // push a new empty table
	OpScope     Opcode = 0x02 // push the current scope
	OpArgs      Opcode = 0x03 // push the argument table
	OpDrop      Opcode = 0x04 // discard top of stack
	OpLookup    Opcode = 0x05 // pop key, container; push chained lookup
	OpAssign    Opcode = 0x06 // pop value, key, container; chained assign
	OpInsert    Opcode = 0x07 // pop value, key; insert into container below
	OpAppend    Opcode = 0x08 // pop value; append to container below
	OpIter      Opcode = 0x09 // replace container with an iterator over it
	OpCall      Opcode = 0x0A // pop args, callee; push result
	OpTailCall  Opcode = 0x0B // pop args, callee; callee's result is ours
	OpReturn    Opcode = 0x0C // return top of stack
	OpReturnNil Opcode = 0x0D // return nil
)

// Argument-bearing instructions.
const (
	OpConst      Opcode = 0x10 // push constant (16-bit index)
	OpClosure    Opcode = 0x11 // push closure over prototype constant (16-bit index)
	OpDup        Opcode = 0x12 // push copy of slot at depth n (0 = top)
	OpJump       Opcode = 0x13 // unconditional jump (16-bit signed offset)
	OpJumpNil    Opcode = 0x14 // pop, jump if nil
	OpJumpNotNil Opcode = 0x15 // pop, jump if not nil
	OpLookupOr   Opcode = 0x16 // as OpLookup, constant fallback (16-bit index)

	numOpcodes = 0x17
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name   string // human-readable name
	HasArg bool   // followed by a 16-bit argument
	Pops   int    // values consumed (OpDup: beyond its depth argument)
	Pushes int    // values produced
	Ends   bool   // control never falls through
}

// StackEffect returns the net change in stack depth.
func (i OpcodeInfo) StackEffect() int { return i.Pushes - i.Pops }

// opcodeTable maps opcodes to their metadata.
var opcodeTable = [numOpcodes]OpcodeInfo{
	OpNil:       {Name: "NIL", Pushes: 1},
	OpTable:     {Name: "TABLE", Pushes: 1},
	OpScope:     {Name: "SCOPE", Pushes: 1},
	OpArgs:      {Name: "ARGS", Pushes: 1},
	OpDrop:      {Name: "DROP", Pops: 1},
	OpLookup:    {Name: "LOOKUP", Pops: 2, Pushes: 1},
	OpAssign:    {Name: "ASSIGN", Pops: 3},
	OpInsert:    {Name: "INSERT", Pops: 3, Pushes: 1},
	OpAppend:    {Name: "APPEND", Pops: 2, Pushes: 1},
	OpIter:      {Name: "ITER", Pops: 1, Pushes: 1},
	OpCall:      {Name: "CALL", Pops: 2, Pushes: 1},
	OpTailCall:  {Name: "TAILCALL", Pops: 2, Ends: true},
	OpReturn:    {Name: "RETURN", Pops: 1, Ends: true},
	OpReturnNil: {Name: "RETNIL", Ends: true},

	OpConst:      {Name: "CONST", HasArg: true, Pushes: 1},
	OpClosure:    {Name: "CLOSURE", HasArg: true, Pushes: 1},
	OpDup:        {Name: "DUP", HasArg: true, Pushes: 1},
	OpJump:       {Name: "JUMP", HasArg: true, Ends: true},
	OpJumpNil:    {Name: "JNIL", HasArg: true, Pops: 1},
	OpJumpNotNil: {Name: "JNOTNIL", HasArg: true, Pops: 1},
	OpLookupOr:   {Name: "LOOKDN", HasArg: true, Pops: 2, Pushes: 1},
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	return op < numOpcodes && opcodeTable[op].Name != ""
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if op.Valid() {
		return opcodeTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// HasArg reports whether op carries an argument.
func (op Opcode) HasArg() bool {
	return op.Info().HasArg
}

// Size returns the encoded size of op.
func (op Opcode) Size() int {
	if op.HasArg() {
		return LongInstr
	}
	return ShortInstr
}

// IsJump reports whether op's argument is a relative jump offset.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpNil || op == OpJumpNotNil
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode writes op (and arg, when op takes one) at buf[pos:] and returns the
// encoded size. Emitting and patching both go through here.
func Encode(buf []byte, pos int, op Opcode, arg uint16) int {
	if !op.HasArg() {
		buf[pos] = byte(op)
		return ShortInstr
	}
	buf[pos] = byte(op) | ArgFlag
	buf[pos+1] = byte(arg >> 8)
	buf[pos+2] = byte(arg)
	return LongInstr
}

// Decode reads the instruction at code[pc:]. It returns the opcode, its
// argument (0 when absent) and the position of the next instruction.
func Decode(code []byte, pc int) (op Opcode, arg uint16, next int, err error) {
	if pc >= len(code) {
		return 0, 0, pc, Errorf(InvalidCode, "pc %d out of range", pc)
	}
	b := code[pc]
	op = Opcode(b &^ ArgFlag)
	if !op.Valid() {
		return op, 0, pc, Errorf(InvalidCode, "unknown opcode 0x%02x at %d", b, pc)
	}
	if (b&ArgFlag != 0) != op.HasArg() {
		return op, 0, pc, Errorf(InvalidCode, "%s at %d: argument flag mismatch", op, pc)
	}
	if b&ArgFlag == 0 {
		return op, 0, pc + ShortInstr, nil
	}
	if pc+LongInstr > len(code) {
		return op, 0, pc, Errorf(InvalidCode, "%s at %d: truncated argument", op, pc)
	}
	return op, uint16(code[pc+1])<<8 | uint16(code[pc+2]), pc + LongInstr, nil
}

// JumpOffset computes the argument for a jump at pos landing on target.
// Offsets are relative to the end of the jump instruction.
func JumpOffset(pos, target int) (uint16, error) {
	off := target - (pos + LongInstr)
	if off < -1<<15 || off >= 1<<15 {
		return 0, Errorf(LimitExceeded, "jump from %d to %d out of range", pos, target)
	}
	return uint16(int16(off)), nil
}

// ---------------------------------------------------------------------------
// Emitter: incremental bytecode construction
// ---------------------------------------------------------------------------

// Emitter accumulates bytecode. Forward jumps are reserved at their final
// size and patched once the target is known; code can also be inserted in
// front of already emitted bytes.
type Emitter struct {
	code []byte
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{code: make([]byte, 0, 64)}
}

// Bytes returns the bytecode emitted so far.
func (e *Emitter) Bytes() []byte { return e.code }

// Len returns the current position.
func (e *Emitter) Len() int { return len(e.code) }

// Emit appends an argument-less instruction and returns its position.
func (e *Emitter) Emit(op Opcode) int {
	return e.EmitArg(op, 0)
}

// EmitArg appends op with arg and returns its position.
func (e *Emitter) EmitArg(op Opcode, arg uint16) int {
	pos := len(e.code)
	e.code = append(e.code, 0, 0, 0)[:pos+op.Size()]
	Encode(e.code, pos, op, arg)
	return pos
}

// Reserve appends a jump with a placeholder offset and returns its
// position for PatchJump.
func (e *Emitter) Reserve(op Opcode) int {
	return e.EmitArg(op, 0)
}

// PatchJump points the jump reserved at pos to target.
func (e *Emitter) PatchJump(pos, target int) error {
	off, err := JumpOffset(pos, target)
	if err != nil {
		return err
	}
	Encode(e.code, pos, Opcode(e.code[pos]&^ArgFlag), off)
	return nil
}

// EmitJump appends a jump to an already known target.
func (e *Emitter) EmitJump(op Opcode, target int) error {
	off, err := JumpOffset(len(e.code), target)
	if err != nil {
		return err
	}
	e.EmitArg(op, off)
	return nil
}

// Insert places code at pos, moving the bytes after pos forward. Jumps
// already emitted are not adjusted; callers insert only in front of
// straight-line code.
func (e *Emitter) Insert(pos int, code []byte) {
	n := len(code)
	e.code = append(e.code, code...)
	copy(e.code[pos+n:], e.code[pos:len(e.code)-n])
	copy(e.code[pos:], code)
}

// Rewrite replaces the opcode byte at pos with op of the same size.
func (e *Emitter) Rewrite(pos int, op Opcode) {
	e.code[pos] = byte(op) | e.code[pos]&ArgFlag
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at pc and returns the
// position of the next one. consts may be nil.
func DisassembleInstruction(code []byte, pc int, consts *Table) (string, int) {
	op, arg, next, err := Decode(code, pc)
	if err != nil {
		return fmt.Sprintf("%04d  ?? %02x", pc, code[pc]), pc + 1
	}
	name := op.Name()
	switch {
	case !op.HasArg():
		return fmt.Sprintf("%04d  %s", pc, name), next
	case op.IsJump():
		off := int16(arg)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pc, name, off, next+int(off)), next
	case op == OpDup:
		return fmt.Sprintf("%04d  %s %d", pc, name, arg), next
	case consts != nil:
		return fmt.Sprintf("%04d  %s %d (%s)", pc, name, arg, consts.Get(Num(float64(arg))).Repr()), next
	}
	return fmt.Sprintf("%04d  %s %d", pc, name, arg), next
}

// Disassemble returns a full listing of code, one instruction per line.
func Disassemble(code []byte, consts *Table) string {
	var sb strings.Builder
	for pc := 0; pc < len(code); {
		if pc > 0 {
			sb.WriteByte('\n')
		}
		var line string
		line, pc = DisassembleInstruction(code, pc, consts)
		sb.WriteString(line)
	}
	return sb.String()
}
