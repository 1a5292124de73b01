// Package allocator hands out the per-application port pair and the VMID.
// Port allocation is a pure store transaction; VMID acquisition combines
// the cluster's nextid hint with the store's conflict check.
package allocator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/config"
	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/storage"
)

// vmidAttempts bounds the acquisition loop. nextid is only a hint, so
// concurrent deploys can race on the same candidate.
const vmidAttempts = 10

// Allocator assigns ports and VMIDs to applications.
type Allocator struct {
	store    storage.Store
	public   storage.PortRange
	internal storage.PortRange
	logger   zerolog.Logger
}

// New builds an allocator over the configured port ranges.
func New(store storage.Store, cfg *config.Config) *Allocator {
	return &Allocator{
		store:    store,
		public:   storage.PortRange{Lo: cfg.PublicPortLo, Hi: cfg.PublicPortHi},
		internal: storage.PortRange{Lo: cfg.InternalPortLo, Hi: cfg.InternalPortHi},
		logger:   log.WithComponent("allocator"),
	}
}

// AllocatePorts assigns the smallest free public and internal ports to the
// application in one transaction.
func (a *Allocator) AllocatePorts(appID string) (publicPort, internalPort int, err error) {
	publicPort, internalPort, err = a.store.AllocatePorts(appID, a.public, a.internal)
	if err != nil {
		return 0, 0, err
	}
	a.logger.Debug().Str("app_id", appID).Int("public", publicPort).Int("internal", internalPort).Msg("ports allocated")
	return publicPort, internalPort, nil
}

// ReleasePorts frees the application's ports.
func (a *Allocator) ReleasePorts(appID string) error {
	return a.store.ReleasePorts(appID)
}

// AcquireVMID binds a cluster-unique VMID to the application. The cluster's
// nextid endpoint suggests a candidate; the store refuses candidates held
// by other rows, reclaiming only rows stuck in error state. On conflict the
// next candidate is the successor, bounded by vmidAttempts.
func (a *Allocator) AcquireVMID(ctx context.Context, client pve.Client, appID string) (int, error) {
	candidate, err := client.NextVMID(ctx)
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt < vmidAttempts; attempt++ {
		err = a.store.AcquireVMID(appID, candidate)
		if err == nil {
			a.logger.Debug().Str("app_id", appID).Int("vmid", candidate).Msg("vmid acquired")
			return candidate, nil
		}
		if !errdefs.IsConflict(err) {
			return 0, err
		}
		a.logger.Debug().Str("app_id", appID).Int("vmid", candidate).Msg("vmid conflict, trying successor")
		candidate++
	}
	return 0, errdefs.New(errdefs.KindVMIDAcquisitionFailed,
		"could not acquire a VMID for application %s after %d attempts", appID, vmidAttempts)
}

// ReleaseVMID clears the application's VMID binding.
func (a *Allocator) ReleaseVMID(appID string) error {
	return a.store.ClearVMID(appID)
}
