package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-io/roost/pkg/allocator"
	"github.com/roost-io/roost/pkg/catalog"
	"github.com/roost-io/roost/pkg/config"
	"github.com/roost-io/roost/pkg/deploy"
	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/jobs"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/security"
	"github.com/roost-io/roost/pkg/storage"
	"github.com/roost-io/roost/pkg/types"
)

const testCatalogYAML = `apps:
  - id: nginx
    name: Nginx
    compose: |
      services:
        web:
          image: nginx:1.25
    ports: [80]
  - id: gitea
    name: Gitea
    compose: |
      services:
        git:
          image: gitea/gitea:1.21
    ports: [3000]
`

type fakeClient struct {
	pve.Client
	lxc map[string][]pve.LXCInfo
}

func (f *fakeClient) ListLXC(ctx context.Context, node string) ([]pve.LXCInfo, error) {
	return f.lxc[node], nil
}

type fixture struct {
	m      *Manager
	store  storage.Store
	runner *jobs.Runner
}

func newTestManager(t *testing.T, fc pve.Client) *fixture {
	t.Helper()
	cipher, err := security.NewCipherFromPassphrase("test")
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir(), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalogPath := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalogYAML), 0o644))
	cat, err := catalog.Load(catalogPath)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	pool := pve.NewPool(func(host *types.ProxmoxHost) (pve.Client, error) {
		return fc, nil
	})
	cfg := &config.Config{
		ApplianceVMID:  9000,
		PublicPortLo:   30000,
		PublicPortHi:   30010,
		InternalPortLo: 40000,
		InternalPortHi: 40010,
	}
	alloc := allocator.New(store, cfg)
	pipelines := deploy.NewPipelines(store, pool, nil, alloc, cat, nil, broker, cfg)

	// The runner is deliberately not started: these tests assert the
	// synchronous contract, not job execution.
	runner := jobs.NewRunner(store, broker, 2)
	t.Cleanup(runner.Stop)

	return &fixture{
		m:      New(store, pool, cat, runner, pipelines, broker, cfg),
		store:  store,
		runner: runner,
	}
}

func (f *fixture) addHost(t *testing.T) *types.ProxmoxHost {
	t.Helper()
	host := &types.ProxmoxHost{
		ID:          "host-1",
		DisplayName: "pve",
		APIAddress:  "10.0.0.2",
		Active:      true,
		Default:     true,
	}
	require.NoError(t, f.store.CreateHost(host))
	return host
}

func (f *fixture) addNode(t *testing.T, name string, status types.NodeStatus) {
	t.Helper()
	require.NoError(t, f.store.UpsertNode(&types.ProxmoxNode{
		HostID:      "host-1",
		Name:        name,
		Status:      status,
		MemoryTotal: 32 << 30,
		MemoryUsed:  4 << 30,
		RefreshedAt: time.Now(),
	}))
}

func (f *fixture) addApp(t *testing.T, hostname string, vmid int, status types.AppStatus) *types.Application {
	t.Helper()
	app := &types.Application{
		ID:        "app-" + hostname,
		CatalogID: "nginx",
		Hostname:  hostname,
		Status:    types.StatusDeploying,
		HostID:    "host-1",
		NodeName:  "node1",
		VMID:      vmid,
	}
	require.NoError(t, f.store.CreateApplication(app))
	switch status {
	case types.StatusDeploying:
	case types.StatusRunning:
		require.NoError(t, f.store.Transition(app.ID, types.StatusDeploying, types.StatusRunning))
	case types.StatusStopped:
		require.NoError(t, f.store.Transition(app.ID, types.StatusDeploying, types.StatusRunning))
		require.NoError(t, f.store.Transition(app.ID, types.StatusRunning, types.StatusStopped))
	default:
		t.Fatalf("unsupported fixture status %s", status)
	}
	app.Status = status
	return app
}

// TestValidateHostname tests the DNS-safe hostname rule
func TestValidateHostname(t *testing.T) {
	tests := []struct {
		hostname string
		valid    bool
	}{
		{"blog", true},
		{"my-app-42", true},
		{"abc", true},
		{strings.Repeat("a", 63), true},
		{"ab", false},
		{strings.Repeat("a", 64), false},
		{"Blog", false},
		{"-blog", false},
		{"blog-", false},
		{"my_app", false},
		{"my.app", false},
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			err := ValidateHostname(tt.hostname)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// TestDeployApplication tests the synchronous half of a deploy
func TestDeployApplication(t *testing.T) {
	f := newTestManager(t, &fakeClient{})
	f.addHost(t)
	f.addNode(t, "node1", types.NodeStatusOnline)

	app, err := f.m.DeployApplication(DeployIntent{
		CatalogID: "nginx",
		Hostname:  "blog",
		Actor:     "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeploying, app.Status)
	assert.Equal(t, "nginx", app.CatalogID)
	assert.Equal(t, "host-1", app.HostID)
	assert.Equal(t, []int{80}, app.Ports)

	// The job is durably queued behind the committed row.
	recs, err := f.store.ListJobs()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, app.ID, recs[0].ApplicationID)
	assert.Equal(t, types.JobDeploy, recs[0].Kind)

	audits, err := f.store.ListAudit(10)
	require.NoError(t, err)
	require.NotEmpty(t, audits)
	assert.Equal(t, "alice", audits[0].Actor)
	assert.Equal(t, "deploy", audits[0].Action)
}

// TestDeployApplicationRejections tests the synchronous pre-flight checks
func TestDeployApplicationRejections(t *testing.T) {
	f := newTestManager(t, &fakeClient{})
	f.addHost(t)
	f.addNode(t, "node1", types.NodeStatusOnline)
	f.addNode(t, "node2", types.NodeStatusOffline)
	f.addApp(t, "taken", 101, types.StatusRunning)

	_, err := f.m.DeployApplication(DeployIntent{CatalogID: "nope", Hostname: "blog"})
	assert.True(t, errdefs.IsNotFound(err))

	_, err = f.m.DeployApplication(DeployIntent{CatalogID: "nginx", Hostname: "x"})
	assert.Error(t, err)

	_, err = f.m.DeployApplication(DeployIntent{CatalogID: "nginx", Hostname: "taken"})
	assert.True(t, errdefs.IsConflict(err))

	_, err = f.m.DeployApplication(DeployIntent{CatalogID: "nginx", Hostname: "blog", Node: "node2"})
	assert.True(t, errdefs.IsStateInvalid(err))

	_, err = f.m.DeployApplication(DeployIntent{CatalogID: "nginx", Hostname: "blog", Node: "ghost"})
	assert.True(t, errdefs.IsNotFound(err))
}

// TestDeployApplicationNeedsOnlineNode tests the no-capacity rejection
func TestDeployApplicationNeedsOnlineNode(t *testing.T) {
	f := newTestManager(t, &fakeClient{})
	f.addHost(t)
	f.addNode(t, "node1", types.NodeStatusOffline)

	_, err := f.m.DeployApplication(DeployIntent{CatalogID: "nginx", Hostname: "blog"})
	assert.Error(t, err)
}

// TestPerformActionStatusGuards tests action admission per current status
func TestPerformActionStatusGuards(t *testing.T) {
	f := newTestManager(t, &fakeClient{})
	f.addHost(t)
	running := f.addApp(t, "up", 101, types.StatusRunning)
	stopped := f.addApp(t, "down", 102, types.StatusStopped)
	deploying := f.addApp(t, "busy", 103, types.StatusDeploying)

	tests := []struct {
		name    string
		appID   string
		action  Action
		allowed bool
	}{
		{"start running", running.ID, ActionStart, false},
		{"stop running", running.ID, ActionStop, true},
		{"restart running", running.ID, ActionRestart, true},
		{"update running", running.ID, ActionUpdate, true},
		{"backup running", running.ID, ActionBackup, true},
		{"start stopped", stopped.ID, ActionStart, true},
		{"stop stopped", stopped.ID, ActionStop, false},
		{"update stopped", stopped.ID, ActionUpdate, false},
		{"delete stopped", stopped.ID, ActionDelete, true},
		{"delete deploying", deploying.ID, ActionDelete, false},
		{"backup deploying", deploying.ID, ActionBackup, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.m.PerformAction(tt.appID, tt.action, ActionParams{})
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.True(t, errdefs.IsStateInvalid(err), "got %v", err)
			}
		})
	}
}

// TestPerformActionRejectsUnknowns tests the bad-input paths
func TestPerformActionRejectsUnknowns(t *testing.T) {
	f := newTestManager(t, &fakeClient{})
	f.addHost(t)
	app := f.addApp(t, "up", 101, types.StatusRunning)

	err := f.m.PerformAction("no-such-app", ActionStop, ActionParams{})
	assert.True(t, errdefs.IsNotFound(err))

	err = f.m.PerformAction(app.ID, Action("explode"), ActionParams{})
	assert.Error(t, err)

	err = f.m.PerformAction(app.ID, ActionRestore, ActionParams{})
	assert.Error(t, err) // missing backup id
}

// TestPerformActionRejectsInFlightJob tests that actions never queue behind
// a running job
func TestPerformActionRejectsInFlightJob(t *testing.T) {
	f := newTestManager(t, &fakeClient{})
	f.addHost(t)
	app := f.addApp(t, "up", 101, types.StatusRunning)

	f.runner.Start()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, f.runner.Enqueue(&jobs.Job{
		AppID: app.ID,
		Kind:  types.JobUpdate,
		Fn: func(ctx context.Context, logger zerolog.Logger) error {
			close(started)
			<-release
			return nil
		},
	}))
	<-started
	defer close(release)

	err := f.m.PerformAction(app.ID, ActionStop, ActionParams{})
	assert.True(t, errdefs.IsStateInvalid(err))
}

// TestClone tests the clone shell-row creation and its guards
func TestClone(t *testing.T) {
	f := newTestManager(t, &fakeClient{})
	f.addHost(t)
	source := f.addApp(t, "origin", 101, types.StatusRunning)

	err := f.m.PerformAction(source.ID, ActionClone, ActionParams{NewHostname: "origin"})
	assert.True(t, errdefs.IsConflict(err))

	err = f.m.PerformAction(source.ID, ActionClone, ActionParams{NewHostname: "x"})
	assert.Error(t, err)

	require.NoError(t, f.m.PerformAction(source.ID, ActionClone, ActionParams{NewHostname: "copy"}))

	clone, err := f.store.GetApplicationByHostname("copy")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCloning, clone.Status)
	assert.Equal(t, source.CatalogID, clone.CatalogID)
	assert.Equal(t, source.HostID, clone.HostID)

	// A transitional source cannot be cloned.
	busy := f.addApp(t, "busy", 103, types.StatusDeploying)
	err = f.m.PerformAction(busy.ID, ActionClone, ActionParams{NewHostname: "copytwo"})
	assert.True(t, errdefs.IsStateInvalid(err))
}

// TestAdoptApplication tests importing an unmanaged container
func TestAdoptApplication(t *testing.T) {
	f := newTestManager(t, &fakeClient{})
	f.addHost(t)
	f.addApp(t, "existing", 101, types.StatusRunning)

	_, err := f.m.AdoptApplication(AdoptSpec{CatalogID: "nope", VMID: 200})
	assert.True(t, errdefs.IsNotFound(err))

	_, err = f.m.AdoptApplication(AdoptSpec{CatalogID: "nginx", VMID: 101, NodeName: "node1"})
	assert.True(t, errdefs.IsConflict(err))

	app, err := f.m.AdoptApplication(AdoptSpec{
		CatalogID:   "gitea",
		VMID:        200,
		NodeName:    "node1",
		ExposedPort: 3000,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusAdopting, app.Status)
	assert.Equal(t, 200, app.VMID)
	assert.True(t, strings.HasPrefix(app.Hostname, "adopted-"))
	assert.Equal(t, "true", app.Config["adopted"])
	assert.Equal(t, []int{3000}, app.Ports)
}

// TestDiscoverUnmanagedContainers tests VMID set difference against the store
func TestDiscoverUnmanagedContainers(t *testing.T) {
	fc := &fakeClient{lxc: map[string][]pve.LXCInfo{
		"node1": {
			{VMID: 101, Name: "managed", Status: "running"},
			{VMID: 150, Name: "stray", Status: "stopped"},
			{VMID: 9000, Name: "gateway", Status: "running"},
		},
	}}
	f := newTestManager(t, fc)
	f.addHost(t)
	f.addNode(t, "node1", types.NodeStatusOnline)
	f.addNode(t, "node2", types.NodeStatusOffline)
	f.addApp(t, "managed", 101, types.StatusRunning)

	found, err := f.m.DiscoverUnmanagedContainers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 150, found[0].VMID)
	assert.Equal(t, "stray", found[0].Name)
	assert.Equal(t, "node1", found[0].NodeName)
}
