package wasmbuild

// Host ABI signatures.
var (
	MainType   = FuncType{}
	QueryType  = FuncType{Params: []ValType{I32, I32, I32, I32}, Results: []ValType{I32}}
	ReportType = FuncType{Params: []ValType{I64, I32, I32, I32, I32, I32}, Results: []ValType{I32}}
)

const (
	HostModule = "vigil"

	// Guest memory layout: constants from dataBase, the query output
	// buffer at OutOffset.
	dataBase  uint32 = 1024
	OutOffset int32  = 32768
	OutCap    int32  = 32768
)

// guest is a module importing the host ABI, exporting memory and main.
type guest struct {
	m      *Module
	query  uint32
	report uint32
	next   uint32
}

func newGuest() *guest {
	g := &guest{m: New(), next: dataBase}
	g.query = g.m.ImportFunc(HostModule, "query", QueryType)
	g.report = g.m.ImportFunc(HostModule, "report", ReportType)
	g.m.Memory(1)
	g.m.ExportMemory("memory")
	return g
}

// put stores b in a data segment and returns its address and length.
func (g *guest) put(b string) (int32, int32) {
	if len(b) == 0 {
		return 0, 0
	}
	off := g.next
	g.m.Data(off, []byte(b))
	g.next += (uint32(len(b)) + 7) &^ 7
	return int32(off), int32(len(b))
}

func (g *guest) finish(locals []ValType, body *Expr) []byte {
	main := g.m.Func(MainType, locals, body)
	g.m.ExportFunc("main", main)
	return g.m.Bytes()
}

// bare builds a guest with no imports whose main runs body.
func bare(body *Expr) []byte {
	m := New()
	m.Memory(1)
	m.ExportMemory("memory")
	main := m.Func(MainType, nil, body)
	m.ExportFunc("main", main)
	return m.Bytes()
}

// Noop returns a guest whose main returns immediately.
func Noop() []byte {
	return bare(nil)
}

// Trap returns a guest whose main executes unreachable.
func Trap() []byte {
	return bare(Body().Unreachable())
}

// DivideByZero returns a guest whose main divides by zero.
func DivideByZero() []byte {
	return bare(Body().I32Const(1).I32Const(0).I32DivS().Drop())
}

// OutOfBounds returns a guest whose main loads past its single page.
func OutOfBounds() []byte {
	return bare(Body().I32Const(70000).I32Load(0).Drop())
}

// Spin returns a guest whose main never returns.
func Spin() []byte {
	return bare(Body().Loop().Br(0).End())
}

// GrowMemory returns a guest that grows memory by pages and traps if the
// grow fails.
func GrowMemory(pages int32) []byte {
	return bare(Body().
		I32Const(pages).MemoryGrow().
		I32Const(-1).I32Eq().
		If().Unreachable().End())
}

// HostCallFlood returns a guest that calls query in an endless loop.
func HostCallFlood() []byte {
	g := newGuest()
	body := Body().
		Loop().
		I32Const(0).I32Const(0).I32Const(0).I32Const(0).Call(g.query).Drop().
		Br(0).
		End()
	return g.finish(nil, body)
}

// QueryAndReport returns a guest that runs query once and reports every
// returned row with severity and message.
//
// The query must select exactly two columns: an integer block number and
// a transaction hash (or NULL). A negative query result ends main without
// reporting.
func QueryAndReport(query string, severity int32, message string) []byte {
	g := newGuest()
	qPtr, qLen := g.put(query)
	mPtr, mLen := g.put(message)

	const (
		localCode = 0
		localRows = 1
		localI    = 2
		localCell = 3
	)
	body := Body().
		I32Const(qPtr).I32Const(qLen).I32Const(OutOffset).I32Const(OutCap).Call(g.query).
		LocalTee(localCode).
		I32Const(0).I32LtS().
		If().Return().End().
		I32Const(OutOffset).I32Load(0).LocalSet(localRows).
		Block().
		Loop().
		LocalGet(localI).LocalGet(localRows).I32GeS().BrIf(1).
		// cell = out + header + i*2 cells
		I32Const(OutOffset+8).LocalGet(localI).I32Const(32).I32Mul().I32Add().LocalSet(localCell).
		LocalGet(localCell).I64Load(8).
		I32Const(OutOffset).LocalGet(localCell).I32Load(24).I32Add().
		LocalGet(localCell).I32Load(20).
		I32Const(severity).
		I32Const(mPtr).I32Const(mLen).
		Call(g.report).Drop().
		LocalGet(localI).I32Const(1).I32Add().LocalSet(localI).
		Br(0).
		End().
		End()
	return g.finish([]ValType{I32, I32, I32, I32}, body)
}

// Step is one host call in a Script.
type Step interface {
	emit(g *guest, e *Expr)
}

// AnyLength accepts any non-negative query result.
const AnyLength int32 = -1 << 31

// Query calls query with Text and OutCap (OutCap when zero) and traps
// unless it returns Want.
type Query struct {
	Text   string
	OutCap int32
	Want   int32
}

func (q Query) emit(g *guest, e *Expr) {
	ptr, n := g.put(q.Text)
	outCap := q.OutCap
	if outCap == 0 {
		outCap = OutCap
	}
	e.I32Const(ptr).I32Const(n).I32Const(OutOffset).I32Const(outCap).Call(g.query)
	expect(e, q.Want)
}

// RawQuery calls query with explicit pointers.
type RawQuery struct {
	QPtr, QLen, OutPtr, OutCap int32
	Want                       int32
}

func (q RawQuery) emit(g *guest, e *Expr) {
	e.I32Const(q.QPtr).I32Const(q.QLen).I32Const(q.OutPtr).I32Const(q.OutCap).Call(g.query)
	expect(e, q.Want)
}

// Report calls report and traps unless it returns Want.
type Report struct {
	Block    int64
	Tx       string
	Severity int32
	Message  string
	Want     int32
}

func (r Report) emit(g *guest, e *Expr) {
	txPtr, txLen := g.put(r.Tx)
	mPtr, mLen := g.put(r.Message)
	e.I64Const(r.Block).I32Const(txPtr).I32Const(txLen).I32Const(r.Severity).I32Const(mPtr).I32Const(mLen).Call(g.report)
	expect(e, r.Want)
}

// RawReport calls report with explicit pointers.
type RawReport struct {
	Block                                int64
	TxPtr, TxLen, Severity, MsgPtr, MsgLen int32
	Want                                 int32
}

func (r RawReport) emit(g *guest, e *Expr) {
	e.I64Const(r.Block).I32Const(r.TxPtr).I32Const(r.TxLen).I32Const(r.Severity).I32Const(r.MsgPtr).I32Const(r.MsgLen).Call(g.report)
	expect(e, r.Want)
}

// Trapping ends the script with unreachable.
type Trapping struct{}

func (Trapping) emit(_ *guest, e *Expr) { e.Unreachable() }

func expect(e *Expr, want int32) {
	if want == AnyLength {
		e.I32Const(0).I32LtS()
	} else {
		e.I32Const(want).I32Ne()
	}
	e.If().Unreachable().End()
}

// Script returns a guest whose main performs steps in order, trapping at
// the first unexpected return code.
func Script(steps ...Step) []byte {
	g := newGuest()
	body := Body()
	for _, s := range steps {
		s.emit(g, body)
	}
	return g.finish(nil, body)
}
