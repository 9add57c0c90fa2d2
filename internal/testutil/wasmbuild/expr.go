package wasmbuild

// Opcodes.
const (
	opUnreachable byte = 0x00
	opNop         byte = 0x01
	opBlock       byte = 0x02
	opLoop        byte = 0x03
	opIf          byte = 0x04
	opElse        byte = 0x05
	opEnd         byte = 0x0B
	opBr          byte = 0x0C
	opBrIf        byte = 0x0D
	opReturn      byte = 0x0F
	opCall        byte = 0x10
	opDrop        byte = 0x1A
	opLocalGet    byte = 0x20
	opLocalSet    byte = 0x21
	opLocalTee    byte = 0x22
	opI32Load     byte = 0x28
	opI64Load     byte = 0x29
	opI32Store    byte = 0x36
	opMemorySize  byte = 0x3F
	opMemoryGrow  byte = 0x40
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
	opI32Eqz      byte = 0x45
	opI32Eq       byte = 0x46
	opI32Ne       byte = 0x47
	opI32LtS      byte = 0x48
	opI32GeS      byte = 0x4E
	opI32Add      byte = 0x6A
	opI32Sub      byte = 0x6B
	opI32Mul      byte = 0x6C
	opI32DivS     byte = 0x6D

	blockTypeEmpty byte = 0x40
)

// Expr is an instruction sequence. Methods append and return the receiver
// so bodies read top to bottom.
type Expr struct {
	b []byte
}

// Body starts an empty instruction sequence.
func Body() *Expr {
	return &Expr{}
}

func (e *Expr) op(b ...byte) *Expr {
	e.b = append(e.b, b...)
	return e
}

func (e *Expr) Unreachable() *Expr { return e.op(opUnreachable) }
func (e *Expr) Nop() *Expr         { return e.op(opNop) }
func (e *Expr) Block() *Expr       { return e.op(opBlock, blockTypeEmpty) }
func (e *Expr) Loop() *Expr        { return e.op(opLoop, blockTypeEmpty) }
func (e *Expr) If() *Expr          { return e.op(opIf, blockTypeEmpty) }
func (e *Expr) Else() *Expr        { return e.op(opElse) }
func (e *Expr) End() *Expr         { return e.op(opEnd) }
func (e *Expr) Return() *Expr      { return e.op(opReturn) }
func (e *Expr) Drop() *Expr        { return e.op(opDrop) }
func (e *Expr) I32Eqz() *Expr      { return e.op(opI32Eqz) }
func (e *Expr) I32Eq() *Expr       { return e.op(opI32Eq) }
func (e *Expr) I32Ne() *Expr       { return e.op(opI32Ne) }
func (e *Expr) I32LtS() *Expr      { return e.op(opI32LtS) }
func (e *Expr) I32GeS() *Expr      { return e.op(opI32GeS) }
func (e *Expr) I32Add() *Expr      { return e.op(opI32Add) }
func (e *Expr) I32Sub() *Expr      { return e.op(opI32Sub) }
func (e *Expr) I32Mul() *Expr      { return e.op(opI32Mul) }
func (e *Expr) I32DivS() *Expr     { return e.op(opI32DivS) }
func (e *Expr) MemorySize() *Expr  { return e.op(opMemorySize, 0x00) }
func (e *Expr) MemoryGrow() *Expr  { return e.op(opMemoryGrow, 0x00) }

func (e *Expr) Br(depth uint32) *Expr       { return e.op(appendU32([]byte{opBr}, depth)...) }
func (e *Expr) BrIf(depth uint32) *Expr     { return e.op(appendU32([]byte{opBrIf}, depth)...) }
func (e *Expr) Call(fn uint32) *Expr        { return e.op(appendU32([]byte{opCall}, fn)...) }
func (e *Expr) LocalGet(idx uint32) *Expr   { return e.op(appendU32([]byte{opLocalGet}, idx)...) }
func (e *Expr) LocalSet(idx uint32) *Expr   { return e.op(appendU32([]byte{opLocalSet}, idx)...) }
func (e *Expr) LocalTee(idx uint32) *Expr   { return e.op(appendU32([]byte{opLocalTee}, idx)...) }
func (e *Expr) I32Const(v int32) *Expr      { return e.op(appendS64([]byte{opI32Const}, int64(v))...) }
func (e *Expr) I64Const(v int64) *Expr      { return e.op(appendS64([]byte{opI64Const}, v)...) }
func (e *Expr) I32Load(offset uint32) *Expr { return e.memOp(opI32Load, 2, offset) }
func (e *Expr) I64Load(offset uint32) *Expr { return e.memOp(opI64Load, 3, offset) }

// I32Store stores the i32 on top of the stack at address+offset.
func (e *Expr) I32Store(offset uint32) *Expr { return e.memOp(opI32Store, 2, offset) }

func (e *Expr) memOp(op byte, align, offset uint32) *Expr {
	b := appendU32([]byte{op}, align)
	return e.op(appendU32(b, offset)...)
}

// Raw appends already-encoded instructions.
func (e *Expr) Raw(b ...byte) *Expr { return e.op(b...) }
