package manager

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/types"
)

// AddHost registers a Proxmox host after verifying it answers, and primes
// the node cache so deploys can start immediately.
func (m *Manager) AddHost(ctx context.Context, host *types.ProxmoxHost, actor string) error {
	if host.ID == "" {
		host.ID = uuid.NewString()
	}
	if host.APIPort == 0 {
		host.APIPort = 8006
	}
	if host.SSHPort == 0 {
		host.SSHPort = 22
	}
	host.Active = true
	host.CreatedAt = time.Now()

	client, err := m.pool.Get(host)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		m.pool.Invalidate(host.ID)
		return err
	}

	if err := m.store.CreateHost(host); err != nil {
		return err
	}
	if err := m.RefreshNodes(ctx, host.ID); err != nil {
		m.logger.Warn().Err(err).Str("host_id", host.ID).Msg("initial node refresh failed")
	}
	m.audit(actor, "add", "host", host.ID, host.APIAddress)
	m.broker.Emit(events.EventHostAdded, "", host.APIAddress)
	return nil
}

// UpdateHost persists changed host settings and drops the cached client so
// new credentials take effect.
func (m *Manager) UpdateHost(host *types.ProxmoxHost, actor string) error {
	if err := m.store.UpdateHost(host); err != nil {
		return err
	}
	m.pool.Invalidate(host.ID)
	m.audit(actor, "update", "host", host.ID, host.APIAddress)
	return nil
}

// RemoveHost deletes a host. The store refuses while applications still
// reference it.
func (m *Manager) RemoveHost(hostID, actor string) error {
	host, err := m.store.GetHost(hostID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteHost(hostID); err != nil {
		return err
	}
	m.pool.Invalidate(hostID)
	m.audit(actor, "remove", "host", hostID, host.APIAddress)
	m.broker.Emit(events.EventHostRemoved, "", host.APIAddress)
	return nil
}

// Hosts lists the configured hosts.
func (m *Manager) Hosts() ([]*types.ProxmoxHost, error) {
	return m.store.ListHosts()
}

// Nodes lists the cached nodes of a host.
func (m *Manager) Nodes(hostID string) ([]*types.ProxmoxNode, error) {
	return m.store.ListNodes(hostID)
}

// RefreshNodes updates the node cache for a host from the cluster.
func (m *Manager) RefreshNodes(ctx context.Context, hostID string) error {
	host, err := m.store.GetHost(hostID)
	if err != nil {
		return err
	}
	client, err := m.pool.Get(host)
	if err != nil {
		return err
	}
	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, n := range nodes {
		status := types.NodeStatusOffline
		if n.Status == "online" {
			status = types.NodeStatusOnline
		}
		err := m.store.UpsertNode(&types.ProxmoxNode{
			HostID:       hostID,
			Name:         n.Name,
			Status:       status,
			CPUCount:     n.CPUCount,
			CPUUsage:     n.CPUUsage,
			MemoryTotal:  n.MemoryTotal,
			MemoryUsed:   n.MemoryUsed,
			StorageTotal: n.StorageTotal,
			StorageUsed:  n.StorageUsed,
			Uptime:       n.Uptime,
			IPAddress:    n.IPAddress,
			Version:      n.Version,
			RefreshedAt:  now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
