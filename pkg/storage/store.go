package storage

import (
	"github.com/roost-io/roost/pkg/types"
)

// PortRange is an inclusive range of allocatable ports
type PortRange struct {
	Lo int
	Hi int
}

// Store defines the interface for durable controller state. Implemented by
// the bbolt-backed store; tests may substitute it wholesale, though most
// tests use a real BoltStore in a temp dir.
type Store interface {
	// Hosts
	CreateHost(host *types.ProxmoxHost) error
	GetHost(id string) (*types.ProxmoxHost, error)
	GetDefaultHost() (*types.ProxmoxHost, error)
	ListHosts() ([]*types.ProxmoxHost, error)
	UpdateHost(host *types.ProxmoxHost) error
	// DeleteHost is refused while applications reference the host.
	DeleteHost(id string) error

	// Nodes (cached cluster view, owned by their host)
	UpsertNode(node *types.ProxmoxNode) error
	ListNodes(hostID string) ([]*types.ProxmoxNode, error)
	GetNode(hostID, name string) (*types.ProxmoxNode, error)
	DeleteNodes(hostID string) error

	// Applications
	CreateApplication(app *types.Application) error
	GetApplication(id string) (*types.Application, error)
	GetApplicationByHostname(hostname string) (*types.Application, error)
	GetApplicationByVMID(vmid int) (*types.Application, error)
	ListApplications() ([]*types.Application, error)
	ListApplicationsByHost(hostID string) ([]*types.Application, error)
	UpdateApplication(app *types.Application) error
	// DeleteApplication cascades deployment logs and backup rows and frees
	// the row's ports by removing it.
	DeleteApplication(id string) error

	// Transition moves an application through the state machine, refusing
	// illegal edges and updating StateChangedAt atomically.
	Transition(appID string, from, to types.AppStatus) error

	// WithAppLock runs fn while holding the application's row lock. Every
	// mutator of a given application must go through this.
	WithAppLock(appID string, fn func() error) error

	// AllocatePorts assigns the smallest free port of each range to the
	// application in one transaction.
	AllocatePorts(appID string, public, internal PortRange) (publicPort, internalPort int, err error)
	ReleasePorts(appID string) error

	// AcquireVMID assigns the candidate VMID to the application unless
	// another row holds it; a conflicting row in error state is reclaimed.
	AcquireVMID(appID string, candidate int) error
	ClearVMID(appID string) error

	// Deployment log (append-only, cascades with the application)
	AppendDeploymentLog(entry *types.DeploymentLogEntry) error
	ListDeploymentLogs(appID string) ([]*types.DeploymentLogEntry, error)

	// Backups
	CreateBackup(b *types.Backup) error
	GetBackup(id string) (*types.Backup, error)
	ListBackups(appID string) ([]*types.Backup, error)
	UpdateBackup(b *types.Backup) error
	DeleteBackup(id string) error

	// Audit log
	AppendAudit(entry *types.AuditEntry) error
	ListAudit(limit int) ([]*types.AuditEntry, error)

	// Settings
	GetSetting(key string) (*types.Setting, error)
	PutSetting(s *types.Setting) error

	// Jobs
	SaveJob(job *types.JobRecord) error
	GetJob(id string) (*types.JobRecord, error)
	ListJobs() ([]*types.JobRecord, error)
	DeleteJob(id string) error

	// Utility
	Close() error
}

// legalTransitions is the full edge set of the application state machine.
// Any status write outside this table is a bug in the caller.
var legalTransitions = map[types.AppStatus][]types.AppStatus{
	types.StatusDeploying:    {types.StatusRunning, types.StatusError},
	types.StatusCloning:      {types.StatusRunning, types.StatusError},
	types.StatusAdopting:     {types.StatusRunning, types.StatusStopped, types.StatusError},
	types.StatusRunning:      {types.StatusStopped, types.StatusUpdating, types.StatusRemoving},
	types.StatusStopped:      {types.StatusRunning, types.StatusRemoving},
	types.StatusUpdating:     {types.StatusRunning, types.StatusUpdateFailed, types.StatusError},
	types.StatusUpdateFailed: {types.StatusRunning, types.StatusRemoving},
	types.StatusRemoving:     {types.StatusError},
	types.StatusError:        {types.StatusRemoving},
}

// TransitionAllowed reports whether from → to is a legal edge.
func TransitionAllowed(from, to types.AppStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// InitialStatusAllowed reports whether an application may be created in the
// given status.
func InitialStatusAllowed(s types.AppStatus) bool {
	switch s {
	case types.StatusDeploying, types.StatusCloning, types.StatusAdopting:
		return true
	}
	return false
}
