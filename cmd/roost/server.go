package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/metrics"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Roost controller",
	Long: `Run the controller: the job runner executing lifecycle pipelines,
the reconciliation loop keeping the store honest against the cluster, and
the Prometheus metrics endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		s.broker.Start()
		defer s.broker.Stop()
		if err := s.runner.SurfaceInterrupted(); err != nil {
			return err
		}
		s.runner.Start()
		defer s.runner.Stop()
		s.reconciler.Start()
		defer s.reconciler.Stop()

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				fmt.Fprintln(w, "ok")
			})
			if err := http.ListenAndServe(s.cfg.MetricsAddr, mux); err != nil {
				log.Errorf("metrics listener failed", err)
			}
		}()

		fmt.Println(color.GreenString("✓ ") + "Roost controller started")
		fmt.Printf("  Data directory: %s\n", s.cfg.DataDir)
		fmt.Printf("  Metrics: %s/metrics\n", s.cfg.MetricsAddr)
		fmt.Printf("  Workers: %d\n", s.cfg.Workers)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		return nil
	},
}
