package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/vigil/internal/ids"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/ledger"
	"github.com/roach88/vigil/internal/store"
)

// Registry is the host-store surface a deployment writes to.
// *store.Store implements it.
type Registry interface {
	InsertModule(ctx context.Context, m ir.DaemonModule) (bool, error)
	InsertInstance(ctx context.Context, inst ir.DaemonInstance) error
	EnqueueOutbox(ctx context.Context, out store.OutboxEntry) error
	RetireModule(ctx context.Context, moduleID string, at time.Time) error
}

// Blobs stores module binaries. *modulestore.Store implements it.
type Blobs interface {
	Put(ctx context.Context, moduleID string, binary []byte) (string, error)
}

// InstanceSpec requests one instance of the deployed module.
type InstanceSpec struct {
	Chain      string
	Address    string
	StartBlock uint64
}

// Request is a deployment: a binary, its owner metadata and the instances
// to create.
type Request struct {
	Binary    []byte
	Meta      Meta
	Instances []InstanceSpec
}

// Result describes what a deployment created.
type Result struct {
	Module    ir.DaemonModule
	New       bool // false when the same binary was already registered
	Instances []ir.DaemonInstance
}

// Deployer validates, stores and registers modules.
type Deployer struct {
	validator *Validator
	registry  Registry
	blobs     Blobs
	ids       ids.Generator
	now       func() time.Time
	logger    *slog.Logger
}

// DeployerOption configures a Deployer.
type DeployerOption func(*Deployer)

// WithIDs sets the instance ID generator.
func WithIDs(g ids.Generator) DeployerOption {
	return func(d *Deployer) { d.ids = g }
}

// WithClock sets the deployer's time source.
func WithClock(now func() time.Time) DeployerOption {
	return func(d *Deployer) { d.now = now }
}

// WithLogger sets the deployer's logger.
func WithLogger(l *slog.Logger) DeployerOption {
	return func(d *Deployer) { d.logger = l }
}

// NewDeployer creates a deployer.
func NewDeployer(v *Validator, registry Registry, blobs Blobs, opts ...DeployerOption) *Deployer {
	d := &Deployer{
		validator: v,
		registry:  registry,
		blobs:     blobs,
		ids:       ids.UUIDv7{},
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy validates req.Binary, stores it, registers the module and its
// instances, and queues the ledger registration.
//
// Deploying a binary that is already registered reuses the existing module
// record and only adds the requested instances.
func (d *Deployer) Deploy(ctx context.Context, req Request) (Result, error) {
	mod, err := d.validator.Validate(req.Binary, req.Meta)
	if err != nil {
		return Result{}, err
	}
	for i, spec := range req.Instances {
		if spec.Chain == "" {
			return Result{}, fmt.Errorf("deploy: instance %d: chain is required", i)
		}
		if spec.Address != "" && !ir.IsHexText(spec.Address) {
			return Result{}, fmt.Errorf("deploy: instance %d: address %q is not hex", i, spec.Address)
		}
	}

	key, err := d.blobs.Put(ctx, mod.ID, mod.Binary)
	if err != nil {
		return Result{}, fmt.Errorf("deploy: store binary: %w", err)
	}
	mod.BlobKey = key

	inserted, err := d.registry.InsertModule(ctx, mod)
	if err != nil {
		return Result{}, fmt.Errorf("deploy: %w", err)
	}

	regKey, err := ir.RegistrationKey(mod.ID, mod.Owner)
	if err != nil {
		return Result{}, fmt.Errorf("deploy: %w", err)
	}
	payload, err := json.Marshal(ledger.RegistrationFor(mod))
	if err != nil {
		return Result{}, fmt.Errorf("deploy: marshal registration: %w", err)
	}
	if err := d.registry.EnqueueOutbox(ctx, store.OutboxEntry{
		Kind:           store.OutboxModule,
		IdempotencyKey: regKey,
		Payload:        payload,
		CreatedAt:      mod.RegisteredAt,
	}); err != nil {
		return Result{}, fmt.Errorf("deploy: %w", err)
	}

	result := Result{Module: mod, New: inserted}
	for _, spec := range req.Instances {
		inst := ir.DaemonInstance{
			ID:         d.ids.New(),
			ModuleID:   mod.ID,
			Chain:      spec.Chain,
			Address:    ir.NormalizeHex(spec.Address),
			StartBlock: spec.StartBlock,
			CreatedAt:  d.now().UTC(),
		}
		if err := d.registry.InsertInstance(ctx, inst); err != nil {
			return result, fmt.Errorf("deploy: %w", err)
		}
		result.Instances = append(result.Instances, inst)
	}

	d.logger.Info("module deployed",
		"module_id", mod.ID,
		"owner", mod.Owner,
		"new", inserted,
		"size", mod.Size,
		"instances", len(result.Instances),
	)
	return result, nil
}

// Deactivate retires a module. Its instances are never scheduled again.
func (d *Deployer) Deactivate(ctx context.Context, moduleID string) error {
	if err := d.registry.RetireModule(ctx, moduleID, d.now().UTC()); err != nil {
		return fmt.Errorf("deactivate: %w", err)
	}
	d.logger.Info("module deactivated", "module_id", moduleID)
	return nil
}
