// Package manifest loads CUE deployment manifests.
//
// A manifest names the module binary, its owner metadata and the
// instances to create:
//
//	module:     "guard.wasm"
//	owner:      "acme"
//	chain_type: "evm"
//	instances: [{chain: "ethereum", address: "0xSAFE", start_block: 100}]
//
// The file is unified with an embedded schema (#Manifest) and must be
// concrete. Unknown fields are rejected.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/vigil/internal/deploy"
)

//go:embed schema.cue
var schemaSource []byte

// Manifest is a decoded deployment manifest.
type Manifest struct {
	Module    string     `json:"module"`
	Owner     string     `json:"owner"`
	ChainType string     `json:"chain_type"`
	Instances []Instance `json:"instances"`

	// Dir is the directory module is resolved against.
	Dir string `json:"-"`
}

// Instance is one requested daemon instance.
type Instance struct {
	Chain      string `json:"chain"`
	Address    string `json:"address,omitempty"`
	StartBlock uint64 `json:"start_block"`
}

// Error is a manifest failure with a CUE source position when one is known.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load reads and parses the manifest at path. The module path is resolved
// relative to the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

// Parse decodes manifest source. filename is used in error positions.
func Parse(filename string, data []byte) (*Manifest, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Manifest"))

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var m Manifest
	if err := unified.Decode(&m); err != nil {
		return nil, formatCUEError(err)
	}
	if m.Instances == nil {
		m.Instances = []Instance{}
	}
	return &m, nil
}

// ModulePath returns the module binary path.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Module) || m.Dir == "" {
		return m.Module
	}
	return filepath.Join(m.Dir, m.Module)
}

// Request reads the module binary and builds the deployment request.
func (m *Manifest) Request() (deploy.Request, error) {
	binary, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return deploy.Request{}, &Error{Field: "module", Message: err.Error()}
	}
	req := deploy.Request{
		Binary: binary,
		Meta:   deploy.Meta{Owner: m.Owner, ChainType: m.ChainType},
	}
	for _, inst := range m.Instances {
		req.Instances = append(req.Instances, deploy.InstanceSpec{
			Chain:      inst.Chain,
			Address:    inst.Address,
			StartBlock: inst.StartBlock,
		})
	}
	return req, nil
}

// formatCUEError reports the first CUE error with its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Field: "manifest", Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Field: "manifest", Message: first.Error()}
	if path := first.Path(); len(path) > 0 {
		e.Field = strings.Join(path, ".")
	}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		e.Pos = positions[0]
	}
	return e
}
