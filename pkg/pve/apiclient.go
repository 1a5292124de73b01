package pve

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	proxmox "github.com/luthermonson/go-proxmox"
	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/metrics"
	"github.com/roost-io/roost/pkg/types"
)

const (
	// Transient connection failures are retried this many times with
	// exponential backoff capped at retryBackoffCap.
	retryAttempts   = 2
	retryBackoffCap = 2 * time.Second
)

// APIClient implements Client over the PVE REST API using go-proxmox as
// the transport. It is stateless: every method round-trips to the host.
type APIClient struct {
	upstream *proxmox.Client
	hostID   string
	logger   zerolog.Logger
}

// NewAPIClient builds a client for one host. Token auth wins over
// password auth when both are configured.
func NewAPIClient(host *types.ProxmoxHost) (*APIClient, error) {
	baseURL := fmt.Sprintf("https://%s:%d/api2/json", host.APIAddress, host.APIPort)
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API address for host %s: %w", host.ID, err)
	}

	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: !host.VerifyTLS},
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	options := []proxmox.Option{proxmox.WithHTTPClient(httpClient)}
	if host.TokenID != "" && host.TokenSecret != "" {
		options = append(options, proxmox.WithAPIToken(host.TokenID, host.TokenSecret))
	} else {
		options = append(options, proxmox.WithCredentials(&proxmox.Credentials{
			Username: host.SSHUser,
			Password: host.Password,
		}))
	}

	return &APIClient{
		upstream: proxmox.NewClient(baseURL, options...),
		hostID:   host.ID,
		logger:   log.WithHost(host.ID),
	}, nil
}

// withRetry runs fn, retrying transient connection failures with a short
// exponential backoff.
func (c *APIClient) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := time.Second
	var err error
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug().Str("op", op).Int("attempt", attempt).Msg("retrying PVE call")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return errdefs.Wrap(errdefs.KindCanceled, ctx.Err(), "%s canceled", op)
			}
			backoff *= 2
			if backoff > retryBackoffCap {
				backoff = retryBackoffCap
			}
		}
		err = classify(fn(), op)
		if err == nil {
			metrics.PVERequestsTotal.WithLabelValues(op, "success").Inc()
			return nil
		}
		if !errdefs.IsRetryable(err) {
			metrics.PVERequestsTotal.WithLabelValues(op, "failure").Inc()
			return err
		}
	}
	metrics.PVERequestsTotal.WithLabelValues(op, "failure").Inc()
	return err
}

// classify maps transport and API errors into the error taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var kindErr *errdefs.Error
	if errors.As(err, &kindErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return errdefs.Wrap(errdefs.KindCanceled, err, "%s canceled", op)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errdefs.Wrap(errdefs.KindTimeout, err, "%s deadline exceeded", op)
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return errdefs.Wrap(errdefs.KindTLSError, err, "%s TLS verification failed", op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errdefs.Wrap(errdefs.KindTimeout, err, "%s network timeout", op)
		}
		return errdefs.Wrap(errdefs.KindUnreachable, err, "%s connection failed", op)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return errdefs.Wrap(errdefs.KindUnreachable, err, "%s connection failed", op)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "authentication") || strings.Contains(msg, "authenticat"):
		return errdefs.Wrap(errdefs.KindAuthFailed, err, "%s authentication failed", op)
	case strings.Contains(msg, "already exist"):
		return errdefs.Wrap(errdefs.KindConflict, err, "%s conflict", op)
	case strings.Contains(msg, "does not exist") || strings.Contains(msg, "no such") || strings.Contains(msg, "not found") || strings.Contains(msg, "500"):
		return errdefs.Wrap(errdefs.KindNotFound, err, "%s target missing", op)
	}
	return err
}

// Ping verifies the API endpoint answers and authentication works.
func (c *APIClient) Ping(ctx context.Context) error {
	return c.withRetry(ctx, "ping", func() error {
		_, err := c.upstream.Version(ctx)
		return err
	})
}

type nodeListRow struct {
	Node    string  `json:"node"`
	Status  string  `json:"status"`
	CPU     float64 `json:"cpu"`
	MaxCPU  int     `json:"maxcpu"`
	Mem     int64   `json:"mem"`
	MaxMem  int64   `json:"maxmem"`
	Disk    int64   `json:"disk"`
	MaxDisk int64   `json:"maxdisk"`
	Uptime  int64   `json:"uptime"`
}

func (c *APIClient) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	var rows []nodeListRow
	err := c.withRetry(ctx, "list nodes", func() error {
		return c.upstream.Get(ctx, "/nodes", &rows)
	})
	if err != nil {
		return nil, err
	}
	nodes := make([]NodeInfo, 0, len(rows))
	for _, r := range rows {
		nodes = append(nodes, NodeInfo{
			Name:         r.Node,
			Status:       r.Status,
			CPUCount:     r.MaxCPU,
			CPUUsage:     r.CPU,
			MemoryTotal:  r.MaxMem,
			MemoryUsed:   r.Mem,
			StorageTotal: r.MaxDisk,
			StorageUsed:  r.Disk,
			Uptime:       r.Uptime,
		})
	}
	return nodes, nil
}

type nodeStatusBody struct {
	CPU     float64 `json:"cpu"`
	Uptime  int64   `json:"uptime"`
	CPUInfo struct {
		CPUs int `json:"cpus"`
	} `json:"cpuinfo"`
	Memory struct {
		Total int64 `json:"total"`
		Used  int64 `json:"used"`
	} `json:"memory"`
	RootFS struct {
		Total int64 `json:"total"`
		Used  int64 `json:"used"`
	} `json:"rootfs"`
	PVEVersion string `json:"pveversion"`
}

func (c *APIClient) NodeStatus(ctx context.Context, node string) (*NodeInfo, error) {
	var body nodeStatusBody
	err := c.withRetry(ctx, "node status", func() error {
		return c.upstream.Get(ctx, fmt.Sprintf("/nodes/%s/status", node), &body)
	})
	if err != nil {
		return nil, err
	}
	return &NodeInfo{
		Name:         node,
		Status:       "online", // answering its status endpoint
		CPUCount:     body.CPUInfo.CPUs,
		CPUUsage:     body.CPU,
		MemoryTotal:  body.Memory.Total,
		MemoryUsed:   body.Memory.Used,
		StorageTotal: body.RootFS.Total,
		StorageUsed:  body.RootFS.Used,
		Uptime:       body.Uptime,
		Version:      body.PVEVersion,
	}, nil
}

type storageRow struct {
	Storage string `json:"storage"`
	Type    string `json:"type"`
	Total   int64  `json:"total"`
	Used    int64  `json:"used"`
	Avail   int64  `json:"avail"`
	Content string `json:"content"`
	Active  int    `json:"active"`
	Shared  int    `json:"shared"`
}

func (c *APIClient) ListStorages(ctx context.Context, node string) ([]StorageInfo, error) {
	var rows []storageRow
	err := c.withRetry(ctx, "list storages", func() error {
		return c.upstream.Get(ctx, fmt.Sprintf("/nodes/%s/storage", node), &rows)
	})
	if err != nil {
		return nil, err
	}
	storages := make([]StorageInfo, 0, len(rows))
	for _, r := range rows {
		storages = append(storages, StorageInfo{
			Name:      r.Storage,
			Type:      r.Type,
			Total:     r.Total,
			Used:      r.Used,
			Available: r.Avail,
			Content:   r.Content,
			Active:    r.Active == 1,
			Shared:    r.Shared == 1,
		})
	}
	return storages, nil
}

type lxcRow struct {
	VMID   FlexInt `json:"vmid"`
	Name   string  `json:"name"`
	Status string  `json:"status"`
	Uptime int64   `json:"uptime"`
	CPUs   int     `json:"cpus"`
	MaxMem int64   `json:"maxmem"`
}

func (c *APIClient) ListLXC(ctx context.Context, node string) ([]LXCInfo, error) {
	var rows []lxcRow
	err := c.withRetry(ctx, "list lxc", func() error {
		return c.upstream.Get(ctx, fmt.Sprintf("/nodes/%s/lxc", node), &rows)
	})
	if err != nil {
		return nil, err
	}
	containers := make([]LXCInfo, 0, len(rows))
	for _, r := range rows {
		containers = append(containers, LXCInfo{
			VMID:   int(r.VMID),
			Name:   r.Name,
			Status: r.Status,
			Uptime: r.Uptime,
			CPUs:   r.CPUs,
			MaxMem: r.MaxMem,
		})
	}
	return containers, nil
}

type lxcStatusBody struct {
	Status  string  `json:"status"`
	Uptime  int64   `json:"uptime"`
	CPU     float64 `json:"cpu"`
	Mem     int64   `json:"mem"`
	MaxMem  int64   `json:"maxmem"`
	Disk    int64   `json:"disk"`
	MaxDisk int64   `json:"maxdisk"`
}

func (c *APIClient) LXCStatus(ctx context.Context, node string, vmid int) (*LXCStatusInfo, error) {
	var body lxcStatusBody
	err := c.withRetry(ctx, "lxc status", func() error {
		return c.upstream.Get(ctx, fmt.Sprintf("/nodes/%s/lxc/%d/status/current", node, vmid), &body)
	})
	if err != nil {
		return nil, err
	}
	return &LXCStatusInfo{
		Status:  body.Status,
		Uptime:  body.Uptime,
		CPU:     body.CPU,
		Mem:     body.Mem,
		MaxMem:  body.MaxMem,
		Disk:    body.Disk,
		MaxDisk: body.MaxDisk,
	}, nil
}

func (c *APIClient) LXCConfig(ctx context.Context, node string, vmid int) (map[string]string, error) {
	var raw map[string]interface{}
	err := c.withRetry(ctx, "lxc config", func() error {
		return c.upstream.Get(ctx, fmt.Sprintf("/nodes/%s/lxc/%d/config", node, vmid), &raw)
	})
	if err != nil {
		return nil, err
	}
	cfg := make(map[string]string, len(raw))
	for k, v := range raw {
		cfg[k] = fmt.Sprintf("%v", v)
	}
	return cfg, nil
}

func (c *APIClient) UpdateLXCConfig(ctx context.Context, node string, vmid int, patch map[string]string) error {
	payload := make(map[string]interface{}, len(patch))
	for k, v := range patch {
		payload[k] = v
	}
	return c.withRetry(ctx, "update lxc config", func() error {
		return c.upstream.Put(ctx, fmt.Sprintf("/nodes/%s/lxc/%d/config", node, vmid), payload, nil)
	})
}

func (c *APIClient) ResizeDisk(ctx context.Context, node string, vmid, gb int) error {
	payload := map[string]interface{}{
		"disk": "rootfs",
		"size": fmt.Sprintf("%dG", gb),
	}
	return c.withRetry(ctx, "resize disk", func() error {
		return c.upstream.Put(ctx, fmt.Sprintf("/nodes/%s/lxc/%d/resize", node, vmid), payload, nil)
	})
}

// CreateLXC submits container creation. When no explicit storage is given
// it picks the active storage with the largest free space that supports
// container rootfs and has capacity for the requested disk.
func (c *APIClient) CreateLXC(ctx context.Context, node string, spec CreateLXCSpec) (TaskID, error) {
	storage := spec.Storage
	if storage == "" {
		storages, err := c.ListStorages(ctx, node)
		if err != nil {
			return "", err
		}
		best := pickRootFSStorage(storages, int64(spec.RootFSGB)<<30)
		if best == "" {
			return "", errdefs.New(errdefs.KindStorageUnavailable,
				"no storage on node %s supports container rootfs with %d GB free", node, spec.RootFSGB)
		}
		storage = best
	}

	payload := map[string]interface{}{
		"vmid":         spec.VMID,
		"hostname":     spec.Hostname,
		"ostemplate":   spec.OSTemplate,
		"rootfs":       fmt.Sprintf("%s:%d", storage, spec.RootFSGB),
		"cores":        spec.Cores,
		"memory":       spec.MemoryMB,
		"swap":         spec.SwapMB,
		"password":     spec.Password,
		"net0":         fmt.Sprintf("name=eth0,bridge=%s,ip=dhcp,type=veth", spec.Bridge),
		"features":     "nesting=1,keyctl=1",
		"unprivileged": 0,
		"start":        0,
	}
	if spec.Tags != "" {
		payload["tags"] = spec.Tags
	}
	if spec.StartOnBoot {
		payload["onboot"] = 1
	}

	var upid string
	err := c.withRetry(ctx, "create lxc", func() error {
		return c.upstream.Post(ctx, fmt.Sprintf("/nodes/%s/lxc", node), payload, &upid)
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug().Str("node", node).Int("vmid", spec.VMID).Str("upid", upid).Msg("lxc create submitted")
	return TaskID(upid), nil
}

func pickRootFSStorage(storages []StorageInfo, requiredBytes int64) string {
	var best string
	var bestAvail int64 = -1
	for _, s := range storages {
		if !s.Active || !s.SupportsRootFS() {
			continue
		}
		if s.Available < requiredBytes {
			continue
		}
		if s.Available > bestAvail {
			bestAvail = s.Available
			best = s.Name
		}
	}
	return best
}

func (c *APIClient) lxcAction(ctx context.Context, op, node string, vmid int, action string) (TaskID, error) {
	var upid string
	err := c.withRetry(ctx, op, func() error {
		return c.upstream.Post(ctx, fmt.Sprintf("/nodes/%s/lxc/%d/status/%s", node, vmid, action), map[string]interface{}{}, &upid)
	})
	if err != nil {
		return "", err
	}
	return TaskID(upid), nil
}

func (c *APIClient) StartLXC(ctx context.Context, node string, vmid int) (TaskID, error) {
	return c.lxcAction(ctx, "start lxc", node, vmid, "start")
}

func (c *APIClient) StopLXC(ctx context.Context, node string, vmid int) (TaskID, error) {
	return c.lxcAction(ctx, "stop lxc", node, vmid, "stop")
}

func (c *APIClient) ShutdownLXC(ctx context.Context, node string, vmid int) (TaskID, error) {
	return c.lxcAction(ctx, "shutdown lxc", node, vmid, "shutdown")
}

func (c *APIClient) DeleteLXC(ctx context.Context, node string, vmid int, force bool) (TaskID, error) {
	path := fmt.Sprintf("/nodes/%s/lxc/%d", node, vmid)
	if force {
		path += "?force=1&purge=1"
	}
	var upid string
	err := c.withRetry(ctx, "delete lxc", func() error {
		return c.upstream.Delete(ctx, path, &upid)
	})
	if err != nil {
		return "", err
	}
	return TaskID(upid), nil
}

func (c *APIClient) CloneLXC(ctx context.Context, node string, src, newID int, hostname, snapName string, full bool) (TaskID, error) {
	payload := map[string]interface{}{
		"newid":    newID,
		"hostname": hostname,
	}
	if full {
		payload["full"] = 1
	}
	if snapName != "" {
		payload["snapname"] = snapName
	}
	var upid string
	err := c.withRetry(ctx, "clone lxc", func() error {
		return c.upstream.Post(ctx, fmt.Sprintf("/nodes/%s/lxc/%d/clone", node, src), payload, &upid)
	})
	if err != nil {
		return "", err
	}
	return TaskID(upid), nil
}

func (c *APIClient) Snapshot(ctx context.Context, node string, vmid int, name string) (TaskID, error) {
	payload := map[string]interface{}{"snapname": name}
	var upid string
	err := c.withRetry(ctx, "snapshot", func() error {
		return c.upstream.Post(ctx, fmt.Sprintf("/nodes/%s/lxc/%d/snapshot", node, vmid), payload, &upid)
	})
	if err != nil {
		return "", err
	}
	return TaskID(upid), nil
}

func (c *APIClient) DeleteSnapshot(ctx context.Context, node string, vmid int, name string) (TaskID, error) {
	var upid string
	err := c.withRetry(ctx, "delete snapshot", func() error {
		return c.upstream.Delete(ctx, fmt.Sprintf("/nodes/%s/lxc/%d/snapshot/%s", node, vmid, name), &upid)
	})
	if err != nil {
		return "", err
	}
	return TaskID(upid), nil
}

// NextVMID asks the cluster for the next free VMID. The value is not
// reserved; acquisition runs the conflict loop in the allocator.
func (c *APIClient) NextVMID(ctx context.Context) (int, error) {
	var next FlexInt
	err := c.withRetry(ctx, "next vmid", func() error {
		return c.upstream.Get(ctx, "/cluster/nextid", &next)
	})
	if err != nil {
		return 0, err
	}
	return int(next), nil
}

type contentRow struct {
	VolID  string  `json:"volid"`
	Format string  `json:"format"`
	Size   int64   `json:"size"`
	VMID   FlexInt `json:"vmid"`
	CTime  int64   `json:"ctime"`
}

func (c *APIClient) ListTemplates(ctx context.Context, node, storage string) ([]TemplateInfo, error) {
	var rows []contentRow
	err := c.withRetry(ctx, "list templates", func() error {
		return c.upstream.Get(ctx, fmt.Sprintf("/nodes/%s/storage/%s/content?content=vztmpl", node, storage), &rows)
	})
	if err != nil {
		return nil, err
	}
	templates := make([]TemplateInfo, 0, len(rows))
	for _, r := range rows {
		templates = append(templates, TemplateInfo{VolID: r.VolID, Format: r.Format, Size: r.Size})
	}
	return templates, nil
}

func (c *APIClient) DownloadApplianceTemplate(ctx context.Context, node, storage, template string) (TaskID, error) {
	payload := map[string]interface{}{
		"storage":  storage,
		"template": template,
	}
	var upid string
	err := c.withRetry(ctx, "download template", func() error {
		return c.upstream.Post(ctx, fmt.Sprintf("/nodes/%s/aplinfo", node), payload, &upid)
	})
	if err != nil {
		return "", err
	}
	return TaskID(upid), nil
}

func (c *APIClient) Backup(ctx context.Context, node string, vmid int, storage, mode, compress string) (TaskID, error) {
	if mode == "" {
		mode = "snapshot"
	}
	if compress == "" {
		compress = "zstd"
	}
	payload := map[string]interface{}{
		"vmid":     fmt.Sprintf("%d", vmid),
		"storage":  storage,
		"mode":     mode,
		"compress": compress,
	}
	var upid string
	err := c.withRetry(ctx, "vzdump", func() error {
		return c.upstream.Post(ctx, fmt.Sprintf("/nodes/%s/vzdump", node), payload, &upid)
	})
	if err != nil {
		return "", err
	}
	return TaskID(upid), nil
}

// Restore recreates the container from a vzdump archive, replacing the
// existing rootfs.
func (c *APIClient) Restore(ctx context.Context, node string, vmid int, volid, storage string) (TaskID, error) {
	payload := map[string]interface{}{
		"vmid":       vmid,
		"ostemplate": volid,
		"restore":    1,
		"force":      1,
	}
	// Omitting storage keeps the container's original rootfs placement.
	if storage != "" {
		payload["storage"] = storage
	}
	var upid string
	err := c.withRetry(ctx, "restore", func() error {
		return c.upstream.Post(ctx, fmt.Sprintf("/nodes/%s/lxc", node), payload, &upid)
	})
	if err != nil {
		return "", err
	}
	return TaskID(upid), nil
}

func (c *APIClient) ListBackups(ctx context.Context, node, storage string, vmid int) ([]BackupVolume, error) {
	path := fmt.Sprintf("/nodes/%s/storage/%s/content?content=backup", node, storage)
	if vmid > 0 {
		path += fmt.Sprintf("&vmid=%d", vmid)
	}
	var rows []contentRow
	err := c.withRetry(ctx, "list backups", func() error {
		return c.upstream.Get(ctx, path, &rows)
	})
	if err != nil {
		return nil, err
	}
	backups := make([]BackupVolume, 0, len(rows))
	for _, r := range rows {
		backups = append(backups, BackupVolume{
			VolID:     r.VolID,
			Format:    r.Format,
			Size:      r.Size,
			VMID:      int(r.VMID),
			CreatedAt: r.CTime,
		})
	}
	return backups, nil
}

func (c *APIClient) DeleteBackupVolume(ctx context.Context, node, storage, volid string) error {
	return c.withRetry(ctx, "delete backup", func() error {
		return c.upstream.Delete(ctx, fmt.Sprintf("/nodes/%s/storage/%s/content/%s", node, storage, url.PathEscape(volid)), nil)
	})
}
