// Package wasmbuild assembles small WebAssembly binaries for tests.
//
// Guests are built in code rather than checked in as .wasm files so each
// test states exactly which imports, exports and instructions it relies on.
// Only the subset of the binary format the tests need is supported: types,
// function and memory imports, functions, one memory, i32 globals,
// exports, a start function and active data segments.
package wasmbuild

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (f FuncType) equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// External kinds.
const (
	kindFunc   byte = 0x00
	kindMemory byte = 0x02
	kindGlobal byte = 0x03
)

// Section ids.
const (
	secType     byte = 1
	secImport   byte = 2
	secFunction byte = 3
	secMemory   byte = 5
	secGlobal   byte = 6
	secExport   byte = 7
	secStart    byte = 8
	secCode     byte = 10
	secData     byte = 11
)

type limits struct {
	min    uint32
	max    uint32
	hasMax bool
}

type importEntry struct {
	module, name string
	kind         byte
	typeIdx      uint32
	mem          limits
}

type function struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// Module accumulates the sections of a binary.
type Module struct {
	types       []FuncType
	imports     []importEntry
	importFuncs uint32
	funcs       []function
	memory      *limits
	globals     []int32
	exports     []export
	start       *uint32
	data        []dataSegment
}

// New returns an empty module.
func New() *Module {
	return &Module{}
}

func (m *Module) typeIndex(ft FuncType) uint32 {
	for i, t := range m.types {
		if t.equal(ft) {
			return uint32(i)
		}
	}
	m.types = append(m.types, ft)
	return uint32(len(m.types) - 1)
}

// ImportFunc imports a function and returns its function index. Imports
// must be declared before any Func.
func (m *Module) ImportFunc(module, name string, ft FuncType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmbuild: ImportFunc after Func")
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, kind: kindFunc, typeIdx: m.typeIndex(ft)})
	m.importFuncs++
	return m.importFuncs - 1
}

// ImportMemory imports a linear memory with the given minimum pages.
func (m *Module) ImportMemory(module, name string, minPages uint32) {
	m.imports = append(m.imports, importEntry{module: module, name: name, kind: kindMemory, mem: limits{min: minPages}})
}

// Func defines a function and returns its index. body is the instruction
// sequence without the final end.
func (m *Module) Func(ft FuncType, locals []ValType, body *Expr) uint32 {
	var code []byte
	if body != nil {
		code = append(code, body.b...)
	}
	code = append(code, opEnd)
	m.funcs = append(m.funcs, function{typeIdx: m.typeIndex(ft), locals: locals, body: code})
	return m.importFuncs + uint32(len(m.funcs)) - 1
}

// Memory declares the module's memory. An optional max is encoded when given.
func (m *Module) Memory(minPages uint32, maxPages ...uint32) {
	l := limits{min: minPages}
	if len(maxPages) > 0 {
		l.max, l.hasMax = maxPages[0], true
	}
	m.memory = &l
}

// Global declares an immutable i32 global and returns its index.
func (m *Module) Global(value int32) uint32 {
	m.globals = append(m.globals, value)
	return uint32(len(m.globals) - 1)
}

// ExportFunc exports function idx as name.
func (m *Module) ExportFunc(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindFunc, idx: idx})
}

// ExportMemory exports memory 0 as name.
func (m *Module) ExportMemory(name string) {
	m.exports = append(m.exports, export{name: name, kind: kindMemory})
}

// ExportGlobal exports global idx as name.
func (m *Module) ExportGlobal(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindGlobal, idx: idx})
}

// Start sets the start function.
func (m *Module) Start(idx uint32) {
	m.start = &idx
}

// Data places b at offset in memory 0 at instantiation.
func (m *Module) Data(offset uint32, b []byte) {
	m.data = append(m.data, dataSegment{offset: offset, data: b})
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(m.types)))
		for _, t := range m.types {
			s = append(s, 0x60)
			s = appendU32(s, uint32(len(t.Params)))
			for _, p := range t.Params {
				s = append(s, byte(p))
			}
			s = appendU32(s, uint32(len(t.Results)))
			for _, r := range t.Results {
				s = append(s, byte(r))
			}
		}
		out = appendSection(out, secType, s)
	}

	if len(m.imports) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(m.imports)))
		for _, imp := range m.imports {
			s = appendName(s, imp.module)
			s = appendName(s, imp.name)
			s = append(s, imp.kind)
			switch imp.kind {
			case kindFunc:
				s = appendU32(s, imp.typeIdx)
			case kindMemory:
				s = appendLimits(s, imp.mem)
			}
		}
		out = appendSection(out, secImport, s)
	}

	if len(m.funcs) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			s = appendU32(s, f.typeIdx)
		}
		out = appendSection(out, secFunction, s)
	}

	if m.memory != nil {
		s := appendU32(nil, 1)
		s = appendLimits(s, *m.memory)
		out = appendSection(out, secMemory, s)
	}

	if len(m.globals) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(m.globals)))
		for _, g := range m.globals {
			s = append(s, byte(I32), 0x00, opI32Const)
			s = appendS64(s, int64(g))
			s = append(s, opEnd)
		}
		out = appendSection(out, secGlobal, s)
	}

	if len(m.exports) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(m.exports)))
		for _, e := range m.exports {
			s = appendName(s, e.name)
			s = append(s, e.kind)
			s = appendU32(s, e.idx)
		}
		out = appendSection(out, secExport, s)
	}

	if m.start != nil {
		out = appendSection(out, secStart, appendU32(nil, *m.start))
	}

	if len(m.funcs) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var body []byte
			body = appendU32(body, uint32(len(f.locals)))
			for _, l := range f.locals {
				body = appendU32(body, 1)
				body = append(body, byte(l))
			}
			body = append(body, f.body...)
			s = appendU32(s, uint32(len(body)))
			s = append(s, body...)
		}
		out = appendSection(out, secCode, s)
	}

	if len(m.data) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(m.data)))
		for _, d := range m.data {
			s = append(s, 0x00, opI32Const)
			s = appendS64(s, int64(int32(d.offset)))
			s = append(s, opEnd)
			s = appendU32(s, uint32(len(d.data)))
			s = append(s, d.data...)
		}
		out = appendSection(out, secData, s)
	}

	return out
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(content)))
	return append(out, content...)
}

func appendName(out []byte, s string) []byte {
	out = appendU32(out, uint32(len(s)))
	return append(out, s...)
}

func appendLimits(out []byte, l limits) []byte {
	if l.hasMax {
		out = append(out, 0x01)
		out = appendU32(out, l.min)
		return appendU32(out, l.max)
	}
	out = append(out, 0x00)
	return appendU32(out, l.min)
}

// appendU32 appends v as unsigned LEB128.
func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// appendS64 appends v as signed LEB128.
func appendS64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
