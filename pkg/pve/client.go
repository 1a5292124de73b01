package pve

import (
	"context"
	"time"
)

// Client is the typed, stateless gateway over one host's REST surface.
// Implemented by APIClient; tests inject fakes to drive the pipelines
// without a live cluster.
type Client interface {
	Ping(ctx context.Context) error

	ListNodes(ctx context.Context) ([]NodeInfo, error)
	NodeStatus(ctx context.Context, node string) (*NodeInfo, error)

	ListStorages(ctx context.Context, node string) ([]StorageInfo, error)

	ListLXC(ctx context.Context, node string) ([]LXCInfo, error)
	LXCStatus(ctx context.Context, node string, vmid int) (*LXCStatusInfo, error)
	LXCConfig(ctx context.Context, node string, vmid int) (map[string]string, error)
	UpdateLXCConfig(ctx context.Context, node string, vmid int, patch map[string]string) error
	ResizeDisk(ctx context.Context, node string, vmid, gb int) error

	CreateLXC(ctx context.Context, node string, spec CreateLXCSpec) (TaskID, error)
	StartLXC(ctx context.Context, node string, vmid int) (TaskID, error)
	StopLXC(ctx context.Context, node string, vmid int) (TaskID, error)
	ShutdownLXC(ctx context.Context, node string, vmid int) (TaskID, error)
	DeleteLXC(ctx context.Context, node string, vmid int, force bool) (TaskID, error)
	CloneLXC(ctx context.Context, node string, src, newID int, hostname, snapName string, full bool) (TaskID, error)

	Snapshot(ctx context.Context, node string, vmid int, name string) (TaskID, error)
	DeleteSnapshot(ctx context.Context, node string, vmid int, name string) (TaskID, error)

	NextVMID(ctx context.Context) (int, error)

	ListTemplates(ctx context.Context, node, storage string) ([]TemplateInfo, error)
	DownloadApplianceTemplate(ctx context.Context, node, storage, template string) (TaskID, error)

	Backup(ctx context.Context, node string, vmid int, storage, mode, compress string) (TaskID, error)
	Restore(ctx context.Context, node string, vmid int, volid, storage string) (TaskID, error)
	ListBackups(ctx context.Context, node, storage string, vmid int) ([]BackupVolume, error)
	DeleteBackupVolume(ctx context.Context, node, storage, volid string) error

	// WaitForTask polls the task to a terminal state, attaching the tail
	// of the task log on failure.
	WaitForTask(ctx context.Context, node string, task TaskID, timeout time.Duration) error
}
