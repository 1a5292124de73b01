package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-io/roost/pkg/config"
	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/security"
	"github.com/roost-io/roost/pkg/storage"
	"github.com/roost-io/roost/pkg/types"
)

type fakeClient struct {
	pve.Client
	nodes  []pve.NodeInfo
	lxc    map[string][]pve.LXCInfo
	lxcErr error
}

func (f *fakeClient) ListNodes(ctx context.Context) ([]pve.NodeInfo, error) {
	return f.nodes, nil
}

func (f *fakeClient) ListLXC(ctx context.Context, node string) ([]pve.LXCInfo, error) {
	if f.lxcErr != nil {
		return nil, f.lxcErr
	}
	return f.lxc[node], nil
}

func newTestReconciler(t *testing.T, fc *fakeClient) (*Reconciler, storage.Store, *events.Broker) {
	t.Helper()
	cipher, err := security.NewCipherFromPassphrase("test")
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir(), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	pool := pve.NewPool(func(host *types.ProxmoxHost) (pve.Client, error) {
		return fc, nil
	})
	cfg := &config.Config{
		ReconcileInterval: time.Hour,
		JanitorInterval:   time.Hour,
		StuckThreshold:    time.Hour,
	}
	return New(store, pool, broker, cfg), store, broker
}

func addHost(t *testing.T, store storage.Store) *types.ProxmoxHost {
	t.Helper()
	host := &types.ProxmoxHost{
		ID:          "host-1",
		DisplayName: "pve",
		APIAddress:  "10.0.0.2",
		APIPort:     8006,
		Active:      true,
		Default:     true,
	}
	require.NoError(t, store.CreateHost(host))
	return host
}

func addApp(t *testing.T, store storage.Store, hostname string, vmid int, status types.AppStatus) *types.Application {
	t.Helper()
	return addAppOnNode(t, store, hostname, "node1", vmid, status)
}

func addAppOnNode(t *testing.T, store storage.Store, hostname, node string, vmid int, status types.AppStatus) *types.Application {
	t.Helper()
	app := &types.Application{
		ID:        "app-" + hostname,
		CatalogID: "nginx",
		Hostname:  hostname,
		Status:    types.StatusDeploying,
		HostID:    "host-1",
		NodeName:  node,
		VMID:      vmid,
	}
	require.NoError(t, store.CreateApplication(app))
	switch status {
	case types.StatusDeploying:
	case types.StatusRunning:
		require.NoError(t, store.Transition(app.ID, types.StatusDeploying, types.StatusRunning))
	case types.StatusError:
		require.NoError(t, store.Transition(app.ID, types.StatusDeploying, types.StatusError))
	default:
		t.Fatalf("unsupported fixture status %s", status)
	}
	return app
}

// TestReconcileRefreshesNodeCache tests that the sweep upserts node rows
func TestReconcileRefreshesNodeCache(t *testing.T) {
	fc := &fakeClient{
		nodes: []pve.NodeInfo{
			{Name: "node1", Status: "online", CPUCount: 8, MemoryTotal: 32 << 30, MemoryUsed: 4 << 30},
			{Name: "node2", Status: "offline"},
		},
	}
	r, store, _ := newTestReconciler(t, fc)
	addHost(t, store)

	require.NoError(t, r.Reconcile(context.Background()))

	nodes, err := store.ListNodes("host-1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	n1, err := store.GetNode("host-1", "node1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, n1.Status)
	assert.Equal(t, 8, n1.CPUCount)
	assert.False(t, n1.RefreshedAt.IsZero())

	n2, err := store.GetNode("host-1", "node2")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, n2.Status)
}

// TestReconcileKeepsLiveApplications tests that rows backed by a container
// survive the sweep
func TestReconcileKeepsLiveApplications(t *testing.T) {
	fc := &fakeClient{
		nodes: []pve.NodeInfo{{Name: "node1", Status: "online"}},
		lxc: map[string][]pve.LXCInfo{
			"node1": {{VMID: 101, Name: "blog", Status: "running"}},
		},
	}
	r, store, _ := newTestReconciler(t, fc)
	addHost(t, store)
	app := addApp(t, store, "blog", 101, types.StatusRunning)

	require.NoError(t, r.Reconcile(context.Background()))

	got, err := store.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}

// TestReconcileRemovesExpectedOrphan tests cleanup of error rows whose
// container is gone
func TestReconcileRemovesExpectedOrphan(t *testing.T) {
	fc := &fakeClient{
		nodes: []pve.NodeInfo{{Name: "node1", Status: "online"}},
		lxc:   map[string][]pve.LXCInfo{"node1": nil},
	}
	r, store, _ := newTestReconciler(t, fc)
	addHost(t, store)
	app := addApp(t, store, "broken", 102, types.StatusError)

	require.NoError(t, r.Reconcile(context.Background()))

	_, err := store.GetApplication(app.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

// TestReconcileFlagsAnomalousOrphan tests that a live row losing its
// container is reported before removal
func TestReconcileFlagsAnomalousOrphan(t *testing.T) {
	fc := &fakeClient{
		nodes: []pve.NodeInfo{{Name: "node1", Status: "online"}},
		lxc:   map[string][]pve.LXCInfo{"node1": nil},
	}
	r, store, broker := newTestReconciler(t, fc)
	addHost(t, store)
	app := addApp(t, store, "vanished", 103, types.StatusRunning)

	sub := broker.Subscribe()
	require.NoError(t, r.Reconcile(context.Background()))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Type != events.EventAppOrphaned {
				continue
			}
			assert.Equal(t, app.ID, e.AppID)
			_, err := store.GetApplication(app.ID)
			assert.True(t, errdefs.IsNotFound(err))
			return
		case <-deadline:
			t.Fatal("orphan event never emitted")
		}
	}
}

// TestReconcileIgnoresRowsWithoutVMID tests that rows not yet bound to a
// container are never treated as orphans
func TestReconcileIgnoresRowsWithoutVMID(t *testing.T) {
	fc := &fakeClient{
		nodes: []pve.NodeInfo{{Name: "node1", Status: "online"}},
		lxc:   map[string][]pve.LXCInfo{"node1": nil},
	}
	r, store, _ := newTestReconciler(t, fc)
	addHost(t, store)
	app := addApp(t, store, "pending", 0, types.StatusDeploying)

	require.NoError(t, r.Reconcile(context.Background()))

	_, err := store.GetApplication(app.ID)
	assert.NoError(t, err)
}

// TestReconcileSkipsOrphanPassOnListFailure tests that an unreadable node
// aborts the host's orphan pass instead of deleting rows blindly
func TestReconcileSkipsOrphanPassOnListFailure(t *testing.T) {
	fc := &fakeClient{
		nodes:  []pve.NodeInfo{{Name: "node1", Status: "online"}},
		lxcErr: errdefs.New(errdefs.KindUnreachable, "node down"),
	}
	r, store, _ := newTestReconciler(t, fc)
	addHost(t, store)
	app := addApp(t, store, "survivor", 104, types.StatusError)

	require.NoError(t, r.Reconcile(context.Background()))

	_, err := store.GetApplication(app.ID)
	assert.NoError(t, err)
}

// TestReconcileSkipsAppsOnOfflineNodes tests that an unreachable node hides
// its containers instead of orphaning them
func TestReconcileSkipsAppsOnOfflineNodes(t *testing.T) {
	fc := &fakeClient{
		nodes: []pve.NodeInfo{
			{Name: "node1", Status: "online"},
			{Name: "node2", Status: "offline"},
		},
		lxc: map[string][]pve.LXCInfo{
			"node1": {{VMID: 200, Name: "alive", Status: "running"}},
		},
	}
	r, store, _ := newTestReconciler(t, fc)
	addHost(t, store)
	hidden := addAppOnNode(t, store, "hidden", "node2", 300, types.StatusRunning)
	gone := addAppOnNode(t, store, "gone", "node1", 201, types.StatusError)

	require.NoError(t, r.Reconcile(context.Background()))

	// The app on the offline node must survive even though its VMID was
	// not enumerated.
	got, err := store.GetApplication(hidden.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)

	// The orphan pass still runs for the node that was enumerated.
	_, err = store.GetApplication(gone.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

// TestJanitorParksStuckApplication tests the transitional-state timeout
func TestJanitorParksStuckApplication(t *testing.T) {
	r, store, _ := newTestReconciler(t, &fakeClient{})
	r.cfg.StuckThreshold = 20 * time.Millisecond
	addHost(t, store)
	app := addApp(t, store, "stuck", 105, types.StatusDeploying)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Janitor())

	got, err := store.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, got.Status)

	logs, err := store.ListDeploymentLogs(app.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "janitor", logs[len(logs)-1].Step)
}

// TestJanitorLeavesFreshTransitionsAlone tests that recent transitional
// rows are not parked
func TestJanitorLeavesFreshTransitionsAlone(t *testing.T) {
	r, store, _ := newTestReconciler(t, &fakeClient{})
	addHost(t, store)
	app := addApp(t, store, "fresh", 106, types.StatusDeploying)

	require.NoError(t, r.Janitor())

	got, err := store.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeploying, got.Status)
}

// TestJanitorIgnoresStableStates tests that running rows are never parked
func TestJanitorIgnoresStableStates(t *testing.T) {
	r, store, _ := newTestReconciler(t, &fakeClient{})
	r.cfg.StuckThreshold = time.Nanosecond
	addHost(t, store)
	app := addApp(t, store, "steady", 107, types.StatusRunning)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Janitor())

	got, err := store.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}
