package allocator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-io/roost/pkg/config"
	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/security"
	"github.com/roost-io/roost/pkg/storage"
	"github.com/roost-io/roost/pkg/types"
)

// fakeClient stubs the one gateway call the allocator makes.
type fakeClient struct {
	pve.Client
	next    int
	nextErr error
}

func (f *fakeClient) NextVMID(ctx context.Context) (int, error) {
	return f.next, f.nextErr
}

func newTestAllocator(t *testing.T) (*Allocator, storage.Store) {
	t.Helper()
	cipher, err := security.NewCipherFromPassphrase("test")
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir(), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		PublicPortLo:   30000,
		PublicPortHi:   30001,
		InternalPortLo: 40000,
		InternalPortHi: 40001,
	}
	return New(store, cfg), store
}

func createApp(t *testing.T, store storage.Store, id, hostname string) {
	t.Helper()
	require.NoError(t, store.CreateApplication(&types.Application{
		ID:       id,
		Hostname: hostname,
		Status:   types.StatusDeploying,
	}))
}

// TestAllocatePorts tests the port pair assignment through the allocator
func TestAllocatePorts(t *testing.T) {
	alloc, store := newTestAllocator(t)
	createApp(t, store, "app-1", "h1")

	pub, internal, err := alloc.AllocatePorts("app-1")
	require.NoError(t, err)
	assert.Equal(t, 30000, pub)
	assert.Equal(t, 40000, internal)

	require.NoError(t, alloc.ReleasePorts("app-1"))
	app, err := store.GetApplication("app-1")
	require.NoError(t, err)
	assert.Zero(t, app.PublicPort)
	assert.Zero(t, app.InternalPort)
}

// TestAcquireVMIDFirstCandidate tests the happy path
func TestAcquireVMIDFirstCandidate(t *testing.T) {
	alloc, store := newTestAllocator(t)
	createApp(t, store, "app-1", "h1")

	vmid, err := alloc.AcquireVMID(context.Background(), &fakeClient{next: 100}, "app-1")
	require.NoError(t, err)
	assert.Equal(t, 100, vmid)
}

// TestAcquireVMIDStepsOverConflicts tests successor probing on held candidates
func TestAcquireVMIDStepsOverConflicts(t *testing.T) {
	alloc, store := newTestAllocator(t)
	createApp(t, store, "holder-a", "ha")
	createApp(t, store, "holder-b", "hb")
	createApp(t, store, "app-1", "h1")

	require.NoError(t, store.AcquireVMID("holder-a", 100))
	require.NoError(t, store.AcquireVMID("holder-b", 101))

	vmid, err := alloc.AcquireVMID(context.Background(), &fakeClient{next: 100}, "app-1")
	require.NoError(t, err)
	assert.Equal(t, 102, vmid)
}

// TestAcquireVMIDExhaustion tests the bounded loop
func TestAcquireVMIDExhaustion(t *testing.T) {
	alloc, store := newTestAllocator(t)
	for i := 0; i < vmidAttempts; i++ {
		id := string(rune('a' + i))
		createApp(t, store, "holder-"+id, "hh"+id)
		require.NoError(t, store.AcquireVMID("holder-"+id, 100+i))
	}
	createApp(t, store, "app-1", "h1")

	_, err := alloc.AcquireVMID(context.Background(), &fakeClient{next: 100}, "app-1")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindVMIDAcquisitionFailed, errdefs.Kind(err))
}

// TestAcquireVMIDPropagatesGatewayError tests nextid failure pass-through
func TestAcquireVMIDPropagatesGatewayError(t *testing.T) {
	alloc, store := newTestAllocator(t)
	createApp(t, store, "app-1", "h1")

	gatewayErr := errdefs.New(errdefs.KindUnreachable, "host down")
	_, err := alloc.AcquireVMID(context.Background(), &fakeClient{nextErr: gatewayErr}, "app-1")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnreachable, errdefs.Kind(err))

	require.NoError(t, alloc.ReleaseVMID("app-1"))
}
