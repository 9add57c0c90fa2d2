// Package deploy admits daemon modules.
//
// Validation is static: the binary is parsed and its import/export tables
// are checked against the host ABI before anything is stored. The only
// permitted imports are vigil.query and vigil.report with their exact
// signatures; the module must export main: [] -> [] and a memory named
// "memory". No other function may be exported.
package deploy

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/roach88/vigil/internal/ir"
)

// DefaultMaxMemoryPages is the memory ceiling when none is configured
// (256 pages = 16 MiB).
const DefaultMaxMemoryPages = 256

const (
	hostModule   = ir.HostModuleName
	mainExport   = "main"
	memoryExport = "memory"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// signature is a function type in a comparable form.
type signature struct {
	params, results string
}

func (s signature) String() string {
	return fmt.Sprintf("[%s] -> [%s]", s.params, s.results)
}

// hostImports are the only functions a module may import.
var hostImports = map[string]signature{
	"query":  {params: "i32 i32 i32 i32", results: "i32"},
	"report": {params: "i64 i32 i32 i32 i32 i32", results: "i32"},
}

var mainSignature = signature{}

// Meta is the owner-supplied registration data.
type Meta struct {
	Owner     string
	ChainType string
}

// Validator checks module binaries.
//
// Thread-safety: Validate and Check are safe for concurrent use; calls
// share one wasmer store under a mutex.
type Validator struct {
	maxMemoryPages uint32
	now            func() time.Time

	mu    sync.Mutex
	store *wasmer.Store
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithMaxMemoryPages sets the memory ceiling in 64 KiB pages.
func WithMaxMemoryPages(pages uint32) ValidatorOption {
	return func(v *Validator) { v.maxMemoryPages = pages }
}

// WithValidatorClock sets the time source for RegisteredAt.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		maxMemoryPages: DefaultMaxMemoryPages,
		now:            time.Now,
		store:          wasmer.NewStore(wasmer.NewEngine()),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// MaxMemoryPages returns the configured memory ceiling.
func (v *Validator) MaxMemoryPages() uint32 {
	return v.maxMemoryPages
}

// Validate checks binary and returns the module record to register.
// Rejections are *ValidationError values.
func (v *Validator) Validate(binary []byte, meta Meta) (ir.DaemonModule, error) {
	if strings.TrimSpace(meta.Owner) == "" {
		return ir.DaemonModule{}, fmt.Errorf("deploy: owner is required")
	}
	if strings.TrimSpace(meta.ChainType) == "" {
		return ir.DaemonModule{}, fmt.Errorf("deploy: chain type is required")
	}

	pages, err := v.Check(binary)
	if err != nil {
		return ir.DaemonModule{}, err
	}

	return ir.DaemonModule{
		ID:           ir.ModuleID(binary),
		Owner:        meta.Owner,
		ChainType:    meta.ChainType,
		Size:         int64(len(binary)),
		MemoryPages:  pages,
		Binary:       binary,
		RegisteredAt: v.now().UTC(),
	}, nil
}

// Check validates binary against the host ABI and returns its declared
// memory minimum in pages.
func (v *Validator) Check(binary []byte) (uint32, error) {
	if len(binary) < 8 || !bytes.Equal(binary[:4], wasmMagic) {
		return 0, malformed(nil, "not a WebAssembly binary")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := wasmer.ValidateModule(v.store, binary); err != nil {
		return 0, malformed(err, "invalid module")
	}
	module, err := wasmer.NewModule(v.store, binary)
	if err != nil {
		return 0, malformed(err, "compile module")
	}

	if err := checkImports(module.Imports()); err != nil {
		return 0, err
	}
	pages, err := checkExports(module.Exports())
	if err != nil {
		return 0, err
	}
	if pages > v.maxMemoryPages {
		return 0, mismatch("memory declares %d pages, ceiling is %d", pages, v.maxMemoryPages)
	}
	return pages, nil
}

func checkImports(imports []*wasmer.ImportType) error {
	seen := make(map[string]bool)
	for _, imp := range imports {
		name := imp.Module() + "." + imp.Name()
		if imp.Module() != hostModule {
			return mismatch("import %s: only module %q may be imported", name, hostModule)
		}
		want, ok := hostImports[imp.Name()]
		if !ok {
			return mismatch("import %s: unknown host function", name)
		}
		if imp.Type().Kind() != wasmer.FUNCTION {
			return mismatch("import %s: must be a function", name)
		}
		got := signatureOf(imp.Type().IntoFunctionType())
		if got != want {
			return mismatch("import %s: signature %s, want %s", name, got, want)
		}
		if seen[name] {
			return mismatch("import %s: imported more than once", name)
		}
		seen[name] = true
	}
	return nil
}

func checkExports(exports []*wasmer.ExportType) (uint32, error) {
	var (
		hasMain   bool
		hasMemory bool
		pages     uint32
	)
	for _, exp := range exports {
		switch exp.Type().Kind() {
		case wasmer.FUNCTION:
			if exp.Name() != mainExport {
				return 0, mismatch("export %s: only %q may be exported as a function", exp.Name(), mainExport)
			}
			got := signatureOf(exp.Type().IntoFunctionType())
			if got != mainSignature {
				return 0, mismatch("export %s: signature %s, want %s", exp.Name(), got, mainSignature)
			}
			hasMain = true
		case wasmer.MEMORY:
			if exp.Name() == memoryExport {
				hasMemory = true
				pages = exp.Type().IntoMemoryType().Limits().Minimum()
			}
		}
	}
	if !hasMain {
		return 0, mismatch("missing export %q", mainExport)
	}
	if !hasMemory {
		return 0, mismatch("missing memory export %q", memoryExport)
	}
	return pages, nil
}

func signatureOf(ft *wasmer.FunctionType) signature {
	return signature{params: kinds(ft.Params()), results: kinds(ft.Results())}
}

func kinds(types []*wasmer.ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		switch t.Kind() {
		case wasmer.I32:
			names[i] = "i32"
		case wasmer.I64:
			names[i] = "i64"
		case wasmer.F32:
			names[i] = "f32"
		case wasmer.F64:
			names[i] = "f64"
		default:
			names[i] = "ref"
		}
	}
	return strings.Join(names, " ")
}
