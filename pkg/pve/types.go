package pve

import (
	"encoding/json"
	"strconv"
)

// TaskID is a PVE UPID identifying a long-running task
type TaskID string

// FlexInt tolerates the PVE API returning numbers as either JSON numbers
// or strings (nextid, vmid fields do both depending on endpoint).
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*f = FlexInt(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexInt(int(n))
	return nil
}

// NodeInfo is the gateway's view of one cluster node
type NodeInfo struct {
	Name         string
	Status       string // "online", "offline", "unknown"
	CPUCount     int
	CPUUsage     float64
	MemoryTotal  int64
	MemoryUsed   int64
	StorageTotal int64
	StorageUsed  int64
	Uptime       int64
	IPAddress    string
	Version      string
}

// StorageInfo describes one storage on a node
type StorageInfo struct {
	Name      string
	Type      string
	Total     int64
	Used      int64
	Available int64
	Content   string // comma-separated content types ("rootdir,images,...")
	Active    bool
	Shared    bool
}

// SupportsRootFS reports whether the storage can hold container root
// filesystems.
func (s StorageInfo) SupportsRootFS() bool {
	return containsContent(s.Content, "rootdir")
}

// SupportsTemplates reports whether the storage accepts container templates.
func (s StorageInfo) SupportsTemplates() bool {
	return containsContent(s.Content, "vztmpl")
}

// SupportsBackups reports whether the storage accepts vzdump archives.
func (s StorageInfo) SupportsBackups() bool {
	return containsContent(s.Content, "backup")
}

func containsContent(content, want string) bool {
	start := 0
	for i := 0; i <= len(content); i++ {
		if i == len(content) || content[i] == ',' {
			if content[start:i] == want {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// LXCInfo is one row of a node's container listing
type LXCInfo struct {
	VMID   int
	Name   string
	Status string // "running", "stopped"
	Uptime int64
	CPUs   int
	MaxMem int64
}

// LXCStatusInfo is the current status of one container
type LXCStatusInfo struct {
	Status  string
	Uptime  int64
	CPU     float64
	Mem     int64
	MaxMem  int64
	Disk    int64
	MaxDisk int64
}

// CreateLXCSpec carries everything container creation needs. The gateway
// always imposes nesting=1,keyctl=1 and a privileged container; the inner
// runtime requires both.
type CreateLXCSpec struct {
	VMID        int
	Hostname    string
	OSTemplate  string // volid, e.g. "local:vztmpl/debian-12-standard_12.2-1_amd64.tar.zst"
	Storage     string // rootfs storage; empty selects the best free
	RootFSGB    int
	Cores       int
	MemoryMB    int
	SwapMB      int
	Password    string
	Bridge      string
	StartOnBoot bool
	Tags        string
}

// TemplateInfo is one container template in storage content
type TemplateInfo struct {
	VolID  string
	Format string
	Size   int64
}

// BackupVolume is one vzdump archive in storage content
type BackupVolume struct {
	VolID     string
	Format    string
	Size      int64
	VMID      int
	CreatedAt int64
}

// TaskStatusInfo is the polled state of a PVE task
type TaskStatusInfo struct {
	Status     string // "running" or "stopped"
	ExitStatus string // "OK" on success
}

// Finished reports whether the task reached a terminal state.
func (t TaskStatusInfo) Finished() bool { return t.Status == "stopped" }

// OK reports whether a finished task succeeded.
func (t TaskStatusInfo) OK() bool { return t.ExitStatus == "OK" }
