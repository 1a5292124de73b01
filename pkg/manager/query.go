package manager

import (
	"context"
	"sort"
	"strings"

	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/types"
)

// Filter narrows an application listing.
type Filter struct {
	Status    types.AppStatus
	HostID    string
	CatalogID string
	Query     string // substring match on hostname and name
}

// Page bounds a listing. A zero Limit means everything.
type Page struct {
	Offset int
	Limit  int
}

// AppDetail is an application enriched with live container metrics.
type AppDetail struct {
	*types.Application

	// LiveStatus is the container state as the cluster reports it; empty
	// when the node could not be queried.
	LiveStatus string
	UptimeSec  int64
	CPUs       int
	MaxMemMB   int64
}

// ListApplications returns a filtered, paged listing with live metrics.
// The cluster is queried in batches, one listing per (host, node) pair,
// never per application.
func (m *Manager) ListApplications(ctx context.Context, filter Filter, page Page) ([]*AppDetail, int, error) {
	apps, err := m.store.ListApplications()
	if err != nil {
		return nil, 0, err
	}

	filtered := apps[:0]
	for _, app := range apps {
		if filter.Status != "" && app.Status != filter.Status {
			continue
		}
		if filter.HostID != "" && app.HostID != filter.HostID {
			continue
		}
		if filter.CatalogID != "" && app.CatalogID != filter.CatalogID {
			continue
		}
		if filter.Query != "" &&
			!strings.Contains(app.Hostname, filter.Query) &&
			!strings.Contains(strings.ToLower(app.Name), strings.ToLower(filter.Query)) {
			continue
		}
		filtered = append(filtered, app)
	}
	total := len(filtered)

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Hostname < filtered[j].Hostname })
	if page.Offset > len(filtered) {
		filtered = nil
	} else {
		filtered = filtered[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(filtered) {
		filtered = filtered[:page.Limit]
	}

	live := m.batchLiveStatus(ctx, filtered)
	details := make([]*AppDetail, 0, len(filtered))
	for _, app := range filtered {
		d := &AppDetail{Application: app}
		if info, ok := live[app.VMID]; ok {
			d.LiveStatus = info.Status
			d.UptimeSec = info.Uptime
			d.CPUs = info.CPUs
			d.MaxMemMB = info.MaxMem >> 20
		}
		details = append(details, d)
	}
	return details, total, nil
}

// batchLiveStatus lists containers once per (host, node) pair covering the
// given applications.
func (m *Manager) batchLiveStatus(ctx context.Context, apps []*types.Application) map[int]pve.LXCInfo {
	type pair struct{ hostID, node string }
	pairs := make(map[pair]bool)
	for _, app := range apps {
		if app.VMID != 0 && app.NodeName != "" {
			pairs[pair{app.HostID, app.NodeName}] = true
		}
	}

	live := make(map[int]pve.LXCInfo)
	for pr := range pairs {
		host, err := m.store.GetHost(pr.hostID)
		if err != nil {
			continue
		}
		client, err := m.pool.Get(host)
		if err != nil {
			continue
		}
		containers, err := client.ListLXC(ctx, pr.node)
		if err != nil {
			m.logger.Debug().Err(err).Str("node", pr.node).Msg("live status batch skipped")
			continue
		}
		for _, c := range containers {
			live[c.VMID] = c
		}
	}
	return live
}

// GetApplication returns one application with its live status refreshed
// from the cluster.
func (m *Manager) GetApplication(ctx context.Context, appID string) (*AppDetail, error) {
	app, err := m.store.GetApplication(appID)
	if err != nil {
		return nil, err
	}
	d := &AppDetail{Application: app}
	if app.VMID == 0 || app.NodeName == "" {
		return d, nil
	}
	host, err := m.store.GetHost(app.HostID)
	if err != nil {
		return d, nil
	}
	client, err := m.pool.Get(host)
	if err != nil {
		return d, nil
	}
	status, err := client.LXCStatus(ctx, app.NodeName, app.VMID)
	if err != nil {
		m.logger.Debug().Err(err).Str("app_id", appID).Msg("live status refresh failed")
		return d, nil
	}
	d.LiveStatus = status.Status
	d.UptimeSec = status.Uptime
	d.MaxMemMB = status.MaxMem >> 20
	return d, nil
}

// DeploymentLogs returns the application's trail.
func (m *Manager) DeploymentLogs(appID string) ([]*types.DeploymentLogEntry, error) {
	if _, err := m.store.GetApplication(appID); err != nil {
		return nil, err
	}
	return m.store.ListDeploymentLogs(appID)
}

// Backups lists the application's backups.
func (m *Manager) Backups(appID string) ([]*types.Backup, error) {
	if _, err := m.store.GetApplication(appID); err != nil {
		return nil, err
	}
	return m.store.ListBackups(appID)
}

// AuditTrail returns the most recent audit entries.
func (m *Manager) AuditTrail(limit int) ([]*types.AuditEntry, error) {
	return m.store.ListAudit(limit)
}

// CatalogApps lists the catalog.
func (m *Manager) CatalogApps() []*types.CatalogApp {
	return m.catalog.List()
}
