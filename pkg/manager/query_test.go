package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/types"
)

// TestListApplications tests filtering, paging and live status enrichment
func TestListApplications(t *testing.T) {
	fc := &fakeClient{lxc: map[string][]pve.LXCInfo{
		"node1": {
			{VMID: 101, Name: "alpha", Status: "running", Uptime: 3600, CPUs: 2, MaxMem: 1 << 30},
			{VMID: 103, Name: "gamma", Status: "running", Uptime: 60},
		},
	}}
	f := newTestManager(t, fc)
	f.addHost(t)
	f.addApp(t, "alpha", 101, types.StatusRunning)
	f.addApp(t, "beta", 102, types.StatusStopped)
	f.addApp(t, "gamma", 103, types.StatusRunning)

	ctx := context.Background()

	all, total, err := f.m.ListApplications(ctx, Filter{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	// Sorted by hostname.
	assert.Equal(t, "alpha", all[0].Hostname)
	assert.Equal(t, "beta", all[1].Hostname)
	assert.Equal(t, "gamma", all[2].Hostname)

	// Live container state rides along where the cluster reports one.
	assert.Equal(t, "running", all[0].LiveStatus)
	assert.Equal(t, int64(3600), all[0].UptimeSec)
	assert.Equal(t, int64(1024), all[0].MaxMemMB)
	assert.Empty(t, all[1].LiveStatus)

	running, total, err := f.m.ListApplications(ctx, Filter{Status: types.StatusRunning}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, running, 2)

	paged, total, err := f.m.ListApplications(ctx, Filter{Status: types.StatusRunning}, Page{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, paged, 1)
	assert.Equal(t, "alpha", paged[0].Hostname)

	matched, _, err := f.m.ListApplications(ctx, Filter{Query: "bet"}, Page{})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "beta", matched[0].Hostname)
}

// TestQueryHelpers tests the pass-through accessors and their guards
func TestQueryHelpers(t *testing.T) {
	f := newTestManager(t, &fakeClient{})
	f.addHost(t)

	_, err := f.m.DeploymentLogs("no-such-app")
	assert.Error(t, err)
	_, err = f.m.Backups("no-such-app")
	assert.Error(t, err)

	apps := f.m.CatalogApps()
	require.Len(t, apps, 2)
	assert.Equal(t, "gitea", apps[0].ID)
	assert.Equal(t, "nginx", apps[1].ID)
}
