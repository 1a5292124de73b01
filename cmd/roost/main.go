package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roost-io/roost/pkg/allocator"
	"github.com/roost-io/roost/pkg/appliance"
	"github.com/roost-io/roost/pkg/catalog"
	"github.com/roost-io/roost/pkg/config"
	"github.com/roost-io/roost/pkg/deploy"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/jobs"
	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/manager"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/reconciler"
	"github.com/roost-io/roost/pkg/security"
	"github.com/roost-io/roost/pkg/sshexec"
	"github.com/roost-io/roost/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "roost",
	Short: "Roost - application orchestrator for Proxmox LXC clusters",
	Long: `Roost deploys containerized applications from a catalog onto a
Proxmox VE cluster: it provisions LXC containers, runs compose workloads
inside them, wires them into an isolated network and publishes them
through a reverse proxy on stable ports.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Roost version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/roost/roost.yaml)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(appCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(auditCmd)
}

// stack is everything a command needs, wired the same way the server
// wires it.
type stack struct {
	cfg        *config.Config
	store      storage.Store
	broker     *events.Broker
	runner     *jobs.Runner
	manager    *manager.Manager
	reconciler *reconciler.Reconciler
}

// buildStack loads configuration and wires the full component graph. The
// caller owns shutdown via stack.close.
func buildStack() (*stack, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("encryption_key is required (set ROOST_ENCRYPTION_KEY or the config file)")
	}
	cipher, err := security.NewCipherFromPassphrase(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewBoltStore(cfg.DataDir, cipher)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	broker := events.NewBroker()
	pool := pve.NewPool(nil)
	runner := sshexec.NewSSHRunner()
	alloc := allocator.New(store, cfg)
	orch := appliance.New(pool, runner, broker, cfg)
	pipelines := deploy.NewPipelines(store, pool, runner, alloc, cat, orch, broker, cfg)
	jobRunner := jobs.NewRunner(store, broker, cfg.Workers)
	mgr := manager.New(store, pool, cat, jobRunner, pipelines, broker, cfg)
	rec := reconciler.New(store, pool, broker, cfg)

	return &stack{
		cfg:        cfg,
		store:      store,
		broker:     broker,
		runner:     jobRunner,
		manager:    mgr,
		reconciler: rec,
	}, nil
}

func (s *stack) close() {
	if err := s.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
	}
}
