// Package manager is the lifecycle façade: the narrow, synchronous
// contract the outer layers call. Validation and row creation happen here;
// all heavy lifting is delegated to jobs.
package manager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/catalog"
	"github.com/roost-io/roost/pkg/config"
	"github.com/roost-io/roost/pkg/deploy"
	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/jobs"
	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/storage"
	"github.com/roost-io/roost/pkg/types"
)

// Manager is the façade over store, catalog, runner and pipelines.
type Manager struct {
	store     storage.Store
	pool      *pve.Pool
	catalog   *catalog.Catalog
	runner    *jobs.Runner
	pipelines *deploy.Pipelines
	broker    *events.Broker
	cfg       *config.Config
	logger    zerolog.Logger
}

// New wires the façade.
func New(
	store storage.Store,
	pool *pve.Pool,
	cat *catalog.Catalog,
	runner *jobs.Runner,
	pipelines *deploy.Pipelines,
	broker *events.Broker,
	cfg *config.Config,
) *Manager {
	return &Manager{
		store:     store,
		pool:      pool,
		catalog:   cat,
		runner:    runner,
		pipelines: pipelines,
		broker:    broker,
		cfg:       cfg,
		logger:    log.WithComponent("manager"),
	}
}

// DeployIntent is what a deploy request carries.
type DeployIntent struct {
	CatalogID   string
	Hostname    string
	Node        string
	HostID      string
	Config      map[string]string
	Environment map[string]string
	OwnerID     string
	Actor       string
}

// DeployApplication validates the intent, creates the row in deploying and
// enqueues the deploy job. The job is enqueued only after the row is
// durably committed, so a worker can never read a row that is not yet
// visible.
func (m *Manager) DeployApplication(intent DeployIntent) (*types.Application, error) {
	if err := ValidateHostname(intent.Hostname); err != nil {
		return nil, err
	}
	cat, err := m.catalog.Get(intent.CatalogID)
	if err != nil {
		return nil, err
	}
	if existing, err := m.store.GetApplicationByHostname(intent.Hostname); err == nil && existing != nil {
		return nil, errdefs.Conflict("hostname", intent.Hostname)
	}

	host, err := m.resolveHost(intent.HostID)
	if err != nil {
		return nil, err
	}
	if err := m.checkNodeAvailable(host, intent.Node); err != nil {
		return nil, err
	}

	now := time.Now()
	app := &types.Application{
		ID:          uuid.NewString(),
		CatalogID:   cat.ID,
		Name:        cat.Name,
		Hostname:    intent.Hostname,
		Status:      types.StatusDeploying,
		HostID:      host.ID,
		NodeName:    intent.Node,
		Config:      intent.Config,
		Environment: intent.Environment,
		Ports:       cat.Ports,
		OwnerID:     intent.OwnerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateApplication(app); err != nil {
		return nil, err
	}

	if err := m.runner.Enqueue(m.pipelines.DeployJob(app.ID)); err != nil {
		return nil, err
	}
	m.audit(intent.Actor, "deploy", "application", app.ID, intent.Hostname)
	m.broker.Emit(events.EventAppDeploying, app.ID, intent.Hostname)
	m.logger.Info().Str("app_id", app.ID).Str("hostname", app.Hostname).Msg("deployment accepted")
	return app, nil
}

// resolveHost returns the named host or the default one.
func (m *Manager) resolveHost(hostID string) (*types.ProxmoxHost, error) {
	if hostID != "" {
		return m.store.GetHost(hostID)
	}
	return m.store.GetDefaultHost()
}

// checkNodeAvailable enforces the synchronous deploy pre-conditions on the
// target node.
func (m *Manager) checkNodeAvailable(host *types.ProxmoxHost, explicit string) error {
	nodes, err := m.store.ListNodes(host.ID)
	if err != nil {
		return err
	}
	if explicit != "" {
		for _, n := range nodes {
			if n.Name == explicit {
				if n.Status != types.NodeStatusOnline {
					return errdefs.StateInvalid(string(n.Status), "deploy to node "+explicit)
				}
				return nil
			}
		}
		return errdefs.NotFound("node", explicit)
	}
	for _, n := range nodes {
		if n.Status == types.NodeStatusOnline && n.MemoryTotal > 0 {
			return nil
		}
	}
	return errdefs.New(errdefs.KindUnreachable, "no online node with known memory stats on host %s", host.ID)
}

// Action names a lifecycle action on an application.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionDelete  Action = "delete"
	ActionClone   Action = "clone"
	ActionUpdate  Action = "update"
	ActionBackup  Action = "backup"
	ActionRestore Action = "restore"
)

// ActionParams carries the action-specific inputs.
type ActionParams struct {
	NewHostname string // clone
	BackupID    string // restore
	Actor       string
}

// PerformAction validates the action against the current status and
// enqueues the matching job. Races with in-flight jobs are rejected with
// StateInvalid instead of queuing behind them.
func (m *Manager) PerformAction(appID string, action Action, params ActionParams) error {
	app, err := m.store.GetApplication(appID)
	if err != nil {
		return err
	}
	if m.runner.InFlight(appID) {
		return errdefs.StateInvalid(string(app.Status), string(action))
	}

	var job *jobs.Job
	switch action {
	case ActionStart:
		if app.Status != types.StatusStopped {
			return errdefs.StateInvalid(string(app.Status), "start")
		}
		job = m.pipelines.StartJob(appID)
	case ActionStop:
		if app.Status != types.StatusRunning {
			return errdefs.StateInvalid(string(app.Status), "stop")
		}
		job = m.pipelines.StopJob(appID)
	case ActionRestart:
		if app.Status != types.StatusRunning {
			return errdefs.StateInvalid(string(app.Status), "restart")
		}
		job = m.pipelines.RestartJob(appID)
	case ActionUpdate:
		if app.Status != types.StatusRunning {
			return errdefs.StateInvalid(string(app.Status), "update")
		}
		job = m.pipelines.UpdateJob(appID)
	case ActionDelete:
		if !app.Status.IsStable() {
			return errdefs.StateInvalid(string(app.Status), "delete")
		}
		job = m.pipelines.DeleteJob(appID)
	case ActionClone:
		return m.startClone(app, params)
	case ActionBackup:
		if app.Status != types.StatusRunning && app.Status != types.StatusStopped {
			return errdefs.StateInvalid(string(app.Status), "backup")
		}
		job = m.pipelines.BackupJob(appID)
	case ActionRestore:
		if params.BackupID == "" {
			return errdefs.New(errdefs.KindUnknown, "restore requires a backup id")
		}
		if app.Status != types.StatusUpdateFailed && app.Status != types.StatusStopped && app.Status != types.StatusRunning {
			return errdefs.StateInvalid(string(app.Status), "restore")
		}
		job = m.pipelines.RestoreJob(appID, params.BackupID)
	default:
		return errdefs.New(errdefs.KindUnknown, "unknown action %q", action)
	}

	if err := m.runner.Enqueue(job); err != nil {
		return err
	}
	m.audit(params.Actor, string(action), "application", appID, app.Hostname)
	return nil
}

// startClone creates the shell row for the clone and enqueues the job.
func (m *Manager) startClone(source *types.Application, params ActionParams) error {
	if source.Status != types.StatusRunning && source.Status != types.StatusStopped {
		return errdefs.StateInvalid(string(source.Status), "clone")
	}
	if err := ValidateHostname(params.NewHostname); err != nil {
		return err
	}
	if existing, err := m.store.GetApplicationByHostname(params.NewHostname); err == nil && existing != nil {
		return errdefs.Conflict("hostname", params.NewHostname)
	}

	now := time.Now()
	clone := &types.Application{
		ID:          uuid.NewString(),
		CatalogID:   source.CatalogID,
		Name:        source.Name,
		Hostname:    params.NewHostname,
		Status:      types.StatusCloning,
		HostID:      source.HostID,
		NodeName:    source.NodeName,
		Config:      source.Config,
		Environment: source.Environment,
		Ports:       source.Ports,
		OwnerID:     source.OwnerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateApplication(clone); err != nil {
		return err
	}
	if err := m.runner.Enqueue(m.pipelines.CloneJob(source.ID, clone.ID)); err != nil {
		return err
	}
	m.audit(params.Actor, "clone", "application", clone.ID, source.Hostname+" -> "+params.NewHostname)
	return nil
}

// AdoptSpec identifies an unmanaged container to import.
type AdoptSpec struct {
	HostID        string
	VMID          int
	NodeName      string
	CatalogID     string
	ExposedPort   int
	Hostname      string
	Actor         string
}

// AdoptApplication imports an existing container: the row is created in
// adopting and the job settles its real state.
func (m *Manager) AdoptApplication(spec AdoptSpec) (*types.Application, error) {
	if !m.catalog.Has(spec.CatalogID) {
		return nil, errdefs.NotFound("catalog app", spec.CatalogID)
	}
	if existing, err := m.store.GetApplicationByVMID(spec.VMID); err == nil && existing != nil {
		return nil, errdefs.Conflict("vmid", existing.Hostname)
	}
	host, err := m.resolveHost(spec.HostID)
	if err != nil {
		return nil, err
	}

	hostname := spec.Hostname
	if hostname == "" {
		hostname = "adopted-" + uuid.NewString()[:8]
	}
	if err := ValidateHostname(hostname); err != nil {
		return nil, err
	}
	if existing, err := m.store.GetApplicationByHostname(hostname); err == nil && existing != nil {
		return nil, errdefs.Conflict("hostname", hostname)
	}

	now := time.Now()
	app := &types.Application{
		ID:        uuid.NewString(),
		CatalogID: spec.CatalogID,
		Hostname:  hostname,
		Status:    types.StatusAdopting,
		VMID:      spec.VMID,
		HostID:    host.ID,
		NodeName:  spec.NodeName,
		Config:    map[string]string{"adopted": "true"},
		Ports:     []int{spec.ExposedPort},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateApplication(app); err != nil {
		return nil, err
	}
	if err := m.runner.Enqueue(m.pipelines.AdoptJob(app.ID)); err != nil {
		return nil, err
	}
	m.audit(spec.Actor, "adopt", "application", app.ID, hostname)
	return app, nil
}

// DiscoverUnmanagedContainers lists containers on the cluster whose VMID
// is not in the application store. The appliance's reserved VMID is
// excluded.
func (m *Manager) DiscoverUnmanagedContainers(ctx context.Context, hostID string) ([]types.UnmanagedContainer, error) {
	var hosts []*types.ProxmoxHost
	if hostID != "" {
		host, err := m.store.GetHost(hostID)
		if err != nil {
			return nil, err
		}
		hosts = []*types.ProxmoxHost{host}
	} else {
		var err error
		hosts, err = m.store.ListHosts()
		if err != nil {
			return nil, err
		}
	}

	managed := make(map[int]bool)
	apps, err := m.store.ListApplications()
	if err != nil {
		return nil, err
	}
	for _, a := range apps {
		if a.VMID != 0 {
			managed[a.VMID] = true
		}
	}

	var found []types.UnmanagedContainer
	for _, host := range hosts {
		if !host.Active {
			continue
		}
		client, err := m.pool.Get(host)
		if err != nil {
			return nil, err
		}
		nodes, err := m.store.ListNodes(host.ID)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if n.Status != types.NodeStatusOnline {
				continue
			}
			containers, err := client.ListLXC(ctx, n.Name)
			if err != nil {
				m.logger.Warn().Err(err).Str("node", n.Name).Msg("discovery skipped node")
				continue
			}
			for _, c := range containers {
				if managed[c.VMID] || c.VMID == m.cfg.ApplianceVMID {
					continue
				}
				found = append(found, types.UnmanagedContainer{
					HostID:   host.ID,
					NodeName: n.Name,
					VMID:     c.VMID,
					Name:     c.Name,
					Status:   c.Status,
				})
			}
		}
	}
	return found, nil
}

func (m *Manager) audit(actor, action, kind, id, details string) {
	if actor == "" {
		actor = "system"
	}
	entry := &types.AuditEntry{
		Actor:        actor,
		Action:       action,
		ResourceKind: kind,
		ResourceID:   id,
		Details:      details,
		Timestamp:    time.Now(),
	}
	if err := m.store.AppendAudit(entry); err != nil {
		m.logger.Warn().Err(err).Msg("could not append audit entry")
	}
}

// ValidateHostname enforces the DNS-safe 3-63 character rule.
func ValidateHostname(hostname string) error {
	if len(hostname) < 3 || len(hostname) > 63 {
		return errdefs.New(errdefs.KindUnknown, "hostname must be 3-63 characters, got %d", len(hostname))
	}
	for i := 0; i < len(hostname); i++ {
		c := hostname[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' && i != 0 && i != len(hostname)-1:
		default:
			return errdefs.New(errdefs.KindUnknown, "hostname %q is not DNS-safe", hostname)
		}
	}
	return nil
}
