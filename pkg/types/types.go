package types

import (
	"time"
)

// ProxmoxHost holds the endpoint coordinates of one PVE cluster member.
// Credentials (TokenSecret / Password / SSHPassword) are encrypted at rest
// by the storage layer; they are plaintext only in memory.
type ProxmoxHost struct {
	ID          string
	DisplayName string
	APIAddress  string
	APIPort     int
	SSHPort     int
	SSHUser     string
	TokenID     string
	TokenSecret string
	Password    string
	SSHPassword string
	SSHKeyPath  string
	VerifyTLS   bool
	Active      bool
	Default     bool
	CreatedAt   time.Time
}

// NodeStatus represents the cached liveness of a cluster node
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
	NodeStatusUnknown NodeStatus = "unknown"
)

// ProxmoxNode is the cached view of a node within a host. Entries are
// refreshed by the reconciliation loop; stale entries are tolerated by
// best-node selection.
type ProxmoxNode struct {
	HostID       string
	Name         string
	Status       NodeStatus
	CPUCount     int
	CPUUsage     float64
	MemoryTotal  int64
	MemoryUsed   int64
	StorageTotal int64
	StorageUsed  int64
	Uptime       int64
	IPAddress    string
	Version      string
	RefreshedAt  time.Time
}

// MemoryFree returns the headroom used by best-node selection.
func (n *ProxmoxNode) MemoryFree() int64 {
	return n.MemoryTotal - n.MemoryUsed
}

// AppStatus represents the state of an application record
type AppStatus string

const (
	StatusDeploying    AppStatus = "deploying"
	StatusCloning      AppStatus = "cloning"
	StatusAdopting     AppStatus = "adopting"
	StatusRunning      AppStatus = "running"
	StatusStopped      AppStatus = "stopped"
	StatusUpdating     AppStatus = "updating"
	StatusUpdateFailed AppStatus = "update_failed"
	StatusRemoving     AppStatus = "removing"
	StatusError        AppStatus = "error"
)

// IsTransitional reports whether the status is one the janitor may time out.
func (s AppStatus) IsTransitional() bool {
	switch s {
	case StatusDeploying, StatusCloning, StatusAdopting, StatusUpdating, StatusRemoving:
		return true
	}
	return false
}

// IsStable reports whether a delete may start from this status directly.
func (s AppStatus) IsStable() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusUpdateFailed, StatusError:
		return true
	}
	return false
}

// Application is the central entity: one managed LXC running a compose
// workload. VMID is zero until acquired; ports are zero once released.
type Application struct {
	ID             string
	CatalogID      string
	Name           string
	Hostname       string
	Status         AppStatus
	PublicPort     int
	InternalPort   int
	VMID           int
	HostID         string
	NodeName       string
	RootPassword   string // encrypted at rest
	Config         map[string]string
	Environment    map[string]string
	Ports          []int
	Volumes        []string
	URL            string
	IframeURL      string
	DirectAccess   bool
	ContainerIP    string
	OwnerID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StateChangedAt time.Time
}

// LogLevel classifies a deployment log entry
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// DeploymentLogEntry is one line of the append-only per-application trail.
// Step carries a stable tag such as "select_node" or "compose_up".
type DeploymentLogEntry struct {
	ApplicationID string
	Timestamp     time.Time
	Level         LogLevel
	Step          string
	Message       string
}

// BackupStatus represents the state of a backup record
type BackupStatus string

const (
	BackupCreating  BackupStatus = "creating"
	BackupAvailable BackupStatus = "available"
	BackupFailed    BackupStatus = "failed"
	BackupRestoring BackupStatus = "restoring"
)

// Backup describes one vzdump archive belonging to an application
type Backup struct {
	ID            string
	ApplicationID string
	Filename      string
	VolID         string
	StorageName   string
	SizeBytes     int64
	Kind          string // "manual", "pre-update"
	Status        BackupStatus
	ErrorMessage  string
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// AuditEntry is an immutable record of an actor-initiated action
type AuditEntry struct {
	Actor        string
	Action       string
	ResourceKind string
	ResourceID   string
	Details      string
	ClientIP     string
	Timestamp    time.Time
}

// Setting is a key/value configuration entry; sensitive entries are stored
// encrypted.
type Setting struct {
	Key       string
	Value     string
	Sensitive bool
	UpdatedAt time.Time
}

// JobKind identifies what a background job does
type JobKind string

const (
	JobDeploy  JobKind = "deploy"
	JobStart   JobKind = "start"
	JobStop    JobKind = "stop"
	JobRestart JobKind = "restart"
	JobClone   JobKind = "clone"
	JobUpdate  JobKind = "update"
	JobDelete  JobKind = "delete"
	JobAdopt   JobKind = "adopt"
	JobBackup  JobKind = "backup"
	JobRestore JobKind = "restore"
)

// JobRecord is the durable state of a background job so a crash can resume
// or surface the failure.
type JobRecord struct {
	JobID         string
	ApplicationID string
	Kind          JobKind
	Attempt       int
	MaxAttempts   int
	NextRetryAt   time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CatalogApp is one entry of the on-disk application catalog
type CatalogApp struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description"`
	Compose        string            `yaml:"compose"`
	Environment    map[string]string `yaml:"environment"`
	Ports          []int             `yaml:"ports"`
	PrimaryPort    int               `yaml:"primary_port"`
	MinCPU         int               `yaml:"min_cpu"`
	MinMemoryMB    int               `yaml:"min_memory_mb"`
	TemplateFamily string            `yaml:"template_family"`
	RuntimeBundled bool              `yaml:"runtime_bundled"`
}

// UnmanagedContainer is a container present on the cluster but absent from
// the application store; candidates for adoption.
type UnmanagedContainer struct {
	HostID   string
	NodeName string
	VMID     int
	Name     string
	Status   string
}
