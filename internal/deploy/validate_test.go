package deploy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/testutil/wasmbuild"
)

var meta = Meta{Owner: "owner-1", ChainType: "evm"}

// module builds a minimal valid module and lets mutate change it.
func module(mutate func(m *wasmbuild.Module)) []byte {
	m := wasmbuild.New()
	if mutate != nil {
		mutate(m)
	}
	return m.Bytes()
}

func validMain(m *wasmbuild.Module) {
	m.Memory(1)
	m.ExportMemory("memory")
	m.ExportFunc("main", m.Func(wasmbuild.MainType, nil, nil))
}

func TestValidate_Accepts(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := NewValidator(WithValidatorClock(func() time.Time { return at }))

	binaries := map[string][]byte{
		"noop":   wasmbuild.Noop(),
		"script": wasmbuild.Script(wasmbuild.Report{Block: 1, Message: "x"}),
		"query only": module(func(m *wasmbuild.Module) {
			m.ImportFunc("vigil", "query", wasmbuild.QueryType)
			validMain(m)
		}),
		"exported global": module(func(m *wasmbuild.Module) {
			validMain(m)
			m.ExportGlobal("version", m.Global(1))
		}),
	}
	for name, binary := range binaries {
		t.Run(name, func(t *testing.T) {
			mod, err := v.Validate(binary, meta)
			require.NoError(t, err)
			assert.Equal(t, ir.ModuleID(binary), mod.ID)
			assert.Equal(t, int64(len(binary)), mod.Size)
			assert.Equal(t, uint32(1), mod.MemoryPages)
			assert.Equal(t, "owner-1", mod.Owner)
			assert.Equal(t, at, mod.RegisteredAt)
			assert.Equal(t, binary, mod.Binary)
		})
	}
}

func TestValidate_Malformed(t *testing.T) {
	v := NewValidator()

	inputs := map[string][]byte{
		"empty":     nil,
		"text":      []byte("(module)"),
		"truncated": wasmbuild.Noop()[:20],
		"bad body":  append(wasmbuild.Noop()[:len(wasmbuild.Noop())-1], 0xff),
	}
	for name, binary := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(binary, meta)
			require.Error(t, err)
			assert.True(t, IsMalformed(err), "got %v", err)
		})
	}
}

func TestValidate_SignatureMismatch(t *testing.T) {
	v := NewValidator(WithMaxMemoryPages(4))

	tests := []struct {
		name    string
		binary  []byte
		message string
	}{
		{
			name: "foreign module import",
			binary: module(func(m *wasmbuild.Module) {
				m.ImportFunc("env", "abort", wasmbuild.MainType)
				validMain(m)
			}),
			message: `import env.abort: only module "vigil" may be imported`,
		},
		{
			name: "wasi import",
			binary: module(func(m *wasmbuild.Module) {
				m.ImportFunc("wasi_snapshot_preview1", "fd_write", wasmbuild.QueryType)
				validMain(m)
			}),
			message: "wasi_snapshot_preview1.fd_write",
		},
		{
			name: "unknown host function",
			binary: module(func(m *wasmbuild.Module) {
				m.ImportFunc("vigil", "http_get", wasmbuild.QueryType)
				validMain(m)
			}),
			message: "import vigil.http_get: unknown host function",
		},
		{
			name: "wrong query signature",
			binary: module(func(m *wasmbuild.Module) {
				m.ImportFunc("vigil", "query", wasmbuild.FuncType{Params: []wasmbuild.ValType{wasmbuild.I32}, Results: []wasmbuild.ValType{wasmbuild.I32}})
				validMain(m)
			}),
			message: "import vigil.query: signature [i32] -> [i32], want [i32 i32 i32 i32] -> [i32]",
		},
		{
			name: "imported memory",
			binary: module(func(m *wasmbuild.Module) {
				m.ImportMemory("vigil", "memory", 1)
				m.ExportMemory("memory")
				m.ExportFunc("main", m.Func(wasmbuild.MainType, nil, nil))
			}),
			message: "import vigil.memory",
		},
		{
			name: "extra function export",
			binary: module(func(m *wasmbuild.Module) {
				validMain(m)
				m.ExportFunc("helper", m.Func(wasmbuild.MainType, nil, nil))
			}),
			message: `export helper: only "main" may be exported as a function`,
		},
		{
			name: "main with params",
			binary: module(func(m *wasmbuild.Module) {
				m.Memory(1)
				m.ExportMemory("memory")
				m.ExportFunc("main", m.Func(wasmbuild.FuncType{Params: []wasmbuild.ValType{wasmbuild.I64}}, nil, nil))
			}),
			message: "export main: signature [i64] -> [], want [] -> []",
		},
		{
			name: "missing main",
			binary: module(func(m *wasmbuild.Module) {
				m.Memory(1)
				m.ExportMemory("memory")
			}),
			message: `missing export "main"`,
		},
		{
			name: "missing memory",
			binary: module(func(m *wasmbuild.Module) {
				m.Memory(1)
				m.ExportFunc("main", m.Func(wasmbuild.MainType, nil, nil))
			}),
			message: `missing memory export "memory"`,
		},
		{
			name: "misnamed memory",
			binary: module(func(m *wasmbuild.Module) {
				m.Memory(1)
				m.ExportMemory("mem")
				m.ExportFunc("main", m.Func(wasmbuild.MainType, nil, nil))
			}),
			message: `missing memory export "memory"`,
		},
		{
			name: "memory above ceiling",
			binary: module(func(m *wasmbuild.Module) {
				m.Memory(5)
				m.ExportMemory("memory")
				m.ExportFunc("main", m.Func(wasmbuild.MainType, nil, nil))
			}),
			message: "memory declares 5 pages, ceiling is 4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.binary, meta)
			require.Error(t, err)
			assert.True(t, IsSignatureMismatch(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.message)
			assert.False(t, IsMalformed(err))
		})
	}
}

func TestValidate_RequiresMeta(t *testing.T) {
	v := NewValidator()

	_, err := v.Validate(wasmbuild.Noop(), Meta{ChainType: "evm"})
	require.Error(t, err)
	_, isValidation := AsValidationError(err)
	assert.False(t, isValidation)

	_, err = v.Validate(wasmbuild.Noop(), Meta{Owner: "o"})
	assert.Error(t, err)
}

func TestCheck_ReportsMemoryPages(t *testing.T) {
	v := NewValidator()
	pages, err := v.Check(module(func(m *wasmbuild.Module) {
		m.Memory(3, 10)
		m.ExportMemory("memory")
		m.ExportFunc("main", m.Func(wasmbuild.MainType, nil, nil))
	}))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), pages)
}

func TestValidationError_Format(t *testing.T) {
	err := mismatch("missing export %q", "main")
	assert.Equal(t, `SIGNATURE_MISMATCH: missing export "main"`, err.Error())
}
