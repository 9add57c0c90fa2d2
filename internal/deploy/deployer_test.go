package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/roach88/vigil/internal/ids"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/ledger"
	"github.com/roach88/vigil/internal/modulestore"
	"github.com/roach88/vigil/internal/store"
	"github.com/roach88/vigil/internal/testutil/wasmbuild"
)

var deployTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	deployer *Deployer
	store    *store.Store
	blobs    *modulestore.Store
}

func newFixture(t *testing.T, instanceIDs ...string) fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vigil.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := modulestore.New(memblob.OpenBucket(nil), "modules/")
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	clock := func() time.Time { return deployTime }
	v := NewValidator(WithValidatorClock(clock))
	d := NewDeployer(v, st, blobs, WithIDs(ids.NewFixed(instanceIDs...)), WithClock(clock))
	return fixture{deployer: d, store: st, blobs: blobs}
}

func TestDeploy_RegistersModuleAndInstances(t *testing.T) {
	f := newFixture(t, "inst-1", "inst-2")
	ctx := context.Background()
	binary := wasmbuild.Noop()

	res, err := f.deployer.Deploy(ctx, Request{
		Binary: binary,
		Meta:   meta,
		Instances: []InstanceSpec{
			{Chain: "ethereum", Address: "0xSAFE", StartBlock: 100},
			{Chain: "ethereum", StartBlock: 0},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.New)
	require.Len(t, res.Instances, 2)
	assert.Equal(t, "0xsafe", res.Instances[0].Address)

	mod, err := f.store.GetModule(ctx, ir.ModuleID(binary))
	require.NoError(t, err)
	assert.Equal(t, res.Module.BlobKey, mod.BlobKey)

	stored, err := f.blobs.Get(ctx, mod.BlobKey, mod.ID)
	require.NoError(t, err)
	assert.Equal(t, binary, stored)

	active, err := f.store.ListActiveInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	regKey, err := ir.RegistrationKey(mod.ID, "owner-1")
	require.NoError(t, err)
	out, err := f.store.GetOutbox(ctx, store.OutboxModule, regKey)
	require.NoError(t, err)
	var reg ledger.Registration
	require.NoError(t, json.Unmarshal(out.Payload, &reg))
	assert.Equal(t, mod.ID, reg.ModuleID)
	assert.Equal(t, deployTime, reg.RegisteredAt)
}

func TestDeploy_SameBinaryTwice(t *testing.T) {
	f := newFixture(t, "inst-1", "inst-2")
	ctx := context.Background()
	req := Request{Binary: wasmbuild.Noop(), Meta: meta, Instances: []InstanceSpec{{Chain: "ethereum"}}}

	first, err := f.deployer.Deploy(ctx, req)
	require.NoError(t, err)
	second, err := f.deployer.Deploy(ctx, req)
	require.NoError(t, err)

	assert.True(t, first.New)
	assert.False(t, second.New)
	assert.Equal(t, first.Module.ID, second.Module.ID)

	modules, err := f.store.ListModules(ctx)
	require.NoError(t, err)
	assert.Len(t, modules, 1)

	pending, err := f.store.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "registration is queued once")
}

func TestDeploy_RejectsInvalidModule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.deployer.Deploy(ctx, Request{Binary: wasmbuild.HostCallFlood()[:30], Meta: meta})
	assert.True(t, IsMalformed(err), "got %v", err)

	bad := module(func(m *wasmbuild.Module) {
		m.ImportFunc("env", "random", wasmbuild.QueryType)
		validMain(m)
	})
	_, err = f.deployer.Deploy(ctx, Request{Binary: bad, Meta: meta})
	assert.True(t, IsSignatureMismatch(err), "got %v", err)

	modules, err := f.store.ListModules(ctx)
	require.NoError(t, err)
	assert.Empty(t, modules, "nothing is stored for a rejected module")
}

func TestDeploy_RejectsBadInstance(t *testing.T) {
	f := newFixture(t)
	_, err := f.deployer.Deploy(context.Background(), Request{
		Binary:    wasmbuild.Noop(),
		Meta:      meta,
		Instances: []InstanceSpec{{Chain: "ethereum", Address: "safe"}},
	})
	assert.ErrorContains(t, err, "not hex")

	_, err = f.deployer.Deploy(context.Background(), Request{
		Binary:    wasmbuild.Noop(),
		Meta:      meta,
		Instances: []InstanceSpec{{}},
	})
	assert.ErrorContains(t, err, "chain is required")
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t, "inst-1")
	ctx := context.Background()

	res, err := f.deployer.Deploy(ctx, Request{Binary: wasmbuild.Noop(), Meta: meta, Instances: []InstanceSpec{{Chain: "ethereum"}}})
	require.NoError(t, err)

	require.NoError(t, f.deployer.Deactivate(ctx, res.Module.ID))
	active, err := f.store.ListActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	err = f.deployer.Deactivate(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
