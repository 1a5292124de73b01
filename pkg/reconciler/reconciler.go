// Package reconciler keeps the application store honest against the
// cluster: a periodic sweep refreshes the node cache and removes orphaned
// rows, and a slower janitor times out applications stuck in transitional
// states.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/config"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/metrics"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/storage"
	"github.com/roost-io/roost/pkg/types"
)

// Reconciler runs the periodic sweeps.
type Reconciler struct {
	store  storage.Store
	pool   *pve.Pool
	broker *events.Broker
	cfg    *config.Config
	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a reconciler.
func New(store storage.Store, pool *pve.Pool, broker *events.Broker, cfg *config.Config) *Reconciler {
	return &Reconciler{
		store:  store,
		pool:   pool,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the reconciliation and janitor loops.
func (r *Reconciler) Start() {
	go r.runReconcile()
	go r.runJanitor()
}

// Stop stops both loops.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) runReconcile() {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) runJanitor() {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Janitor(); err != nil {
				r.logger.Error().Err(err).Msg("janitor sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one sweep: refresh the node cache for every active
// host, then remove orphaned application rows. The cluster is only read;
// the sole mutations are store-side.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	hosts, err := r.store.ListHosts()
	if err != nil {
		return err
	}
	for _, host := range hosts {
		if !host.Active {
			continue
		}
		if err := r.reconcileHost(ctx, host); err != nil {
			r.logger.Warn().Err(err).Str("host_id", host.ID).Msg("host sweep failed")
		}
	}
	r.updateInventoryMetrics()
	return nil
}

func (r *Reconciler) reconcileHost(ctx context.Context, host *types.ProxmoxHost) error {
	client, err := r.pool.Get(host)
	if err != nil {
		return err
	}

	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return err
	}
	r.refreshNodeCache(host, nodes)

	// Enumerate every VMID on the host's nodes. Only nodes actually
	// enumerated count for the orphan pass: an offline node hides its
	// containers, it does not orphan them.
	clusterVMIDs := make(map[int]bool)
	enumerated := make(map[string]bool)
	for _, n := range nodes {
		if n.Status != "online" {
			continue
		}
		containers, err := client.ListLXC(ctx, n.Name)
		if err != nil {
			// Cannot tell orphans apart from unreachable-node noise;
			// skip the orphan pass for this host.
			return err
		}
		enumerated[n.Name] = true
		for _, c := range containers {
			clusterVMIDs[c.VMID] = true
		}
	}

	apps, err := r.store.ListApplicationsByHost(host.ID)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if app.VMID == 0 || clusterVMIDs[app.VMID] {
			continue
		}
		if !enumerated[app.NodeName] {
			continue
		}
		r.handleOrphan(app)
	}
	return nil
}

// handleOrphan classifies and soft-cleans one orphaned row. Rows in
// removing or error were expected to disappear; anything else means the
// container vanished behind our back and is reported loudly.
func (r *Reconciler) handleOrphan(app *types.Application) {
	expected := app.Status == types.StatusRemoving || app.Status == types.StatusError
	class := "expected"
	if !expected {
		class = "anomalous"
		r.logger.Error().
			Str("app_id", app.ID).
			Str("hostname", app.Hostname).
			Int("vmid", app.VMID).
			Str("status", string(app.Status)).
			Msg("container missing from cluster for a live application")
		r.broker.Emit(events.EventAppOrphaned, app.ID,
			fmt.Sprintf("vmid %d missing from cluster while %s", app.VMID, app.Status))
	} else {
		r.logger.Info().Str("app_id", app.ID).Int("vmid", app.VMID).Msg("removing orphaned row")
	}
	metrics.OrphansDetected.WithLabelValues(class).Inc()

	if err := r.store.ReleasePorts(app.ID); err != nil {
		r.logger.Warn().Err(err).Str("app_id", app.ID).Msg("could not release orphan ports")
	}
	if err := r.store.DeleteApplication(app.ID); err != nil {
		r.logger.Warn().Err(err).Str("app_id", app.ID).Msg("could not delete orphan row")
	}
}

func (r *Reconciler) refreshNodeCache(host *types.ProxmoxHost, nodes []pve.NodeInfo) {
	now := time.Now()
	for _, n := range nodes {
		status := types.NodeStatusOffline
		if n.Status == "online" {
			status = types.NodeStatusOnline
		} else {
			r.broker.Emit(events.EventNodeDown, "", "node "+n.Name+" is "+n.Status)
		}
		err := r.store.UpsertNode(&types.ProxmoxNode{
			HostID:       host.ID,
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
			r.logger.Warn().Err(err).Str("node", n.Name).Msg("could not refresh node cache")
		}
	}
}

// Janitor flips applications stuck in a transitional state past the
// threshold to error. The check re-runs under the row lock so an attempt
// that just progressed is left alone. No cluster call is made.
func (r *Reconciler) Janitor() error {
	apps, err := r.store.ListApplications()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-r.cfg.StuckThreshold)

	for _, app := range apps {
		if !app.Status.IsTransitional() || app.StateChangedAt.After(cutoff) {
			continue
		}
		appID := app.ID
		err := r.store.WithAppLock(appID, func() error {
			current, err := r.store.GetApplication(appID)
			if err != nil {
				return err
			}
			if !current.Status.IsTransitional() || current.StateChangedAt.After(cutoff) {
				return nil
			}
			elapsed := time.Since(current.StateChangedAt).Round(time.Minute)
			if err := r.store.Transition(appID, current.Status, types.StatusError); err != nil {
				return err
			}
			entry := &types.DeploymentLogEntry{
				ApplicationID: appID,
				Timestamp:     time.Now(),
				Level:         types.LogError,
				Step:          "janitor",
				Message:       "stuck in " + string(current.Status) + " for " + elapsed.String() + ", marked as error",
			}
			if err := r.store.AppendDeploymentLog(entry); err != nil {
				r.logger.Warn().Err(err).Str("app_id", appID).Msg("could not append janitor log")
			}
			r.logger.Warn().Str("app_id", appID).Str("was", string(current.Status)).Dur("elapsed", elapsed).Msg("stuck application marked as error")
			r.broker.Emit(events.EventAppStuck, appID, "stuck in "+string(current.Status))
			metrics.StuckApplications.Inc()
			return nil
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("app_id", appID).Msg("janitor pass failed for application")
		}
	}
	return nil
}

func (r *Reconciler) updateInventoryMetrics() {
	if apps, err := r.store.ListApplications(); err == nil {
		counts := make(map[types.AppStatus]int)
		for _, a := range apps {
			counts[a.Status]++
		}
		for _, s := range []types.AppStatus{
			types.StatusDeploying, types.StatusCloning, types.StatusAdopting,
			types.StatusRunning, types.StatusStopped, types.StatusUpdating,
			types.StatusUpdateFailed, types.StatusRemoving, types.StatusError,
		} {
			metrics.ApplicationsTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
		}
	}
	if hosts, err := r.store.ListHosts(); err == nil {
		metrics.HostsTotal.Set(float64(len(hosts)))
		nodeCounts := make(map[types.NodeStatus]int)
		for _, h := range hosts {
			nodes, err := r.store.ListNodes(h.ID)
			if err != nil {
				continue
			}
			for _, n := range nodes {
				nodeCounts[n.Status]++
			}
		}
		for _, s := range []types.NodeStatus{types.NodeStatusOnline, types.NodeStatusOffline, types.NodeStatusUnknown} {
			metrics.NodesTotal.WithLabelValues(string(s)).Set(float64(nodeCounts[s]))
		}
	}
}
