package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aoserv/aoserv-client/internal/logging"
	"github.com/aoserv/aoserv-client/internal/server"
	"github.com/aoserv/aoserv-client/internal/store"
	"github.com/aoserv/aoserv-client/pkg/config"
	"github.com/aoserv/aoserv-client/pkg/schema"
)

var (
	configPath  string
	seed        bool
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "aoserv-master",
	Short: "Reference AOServ master for development and tests",
	Long: `Runs an in-memory AOServ master speaking the client protocol.

Rows are kept in memory only. With --seed the sample businesses, servers,
DNS zones, DNS records and tickets are loaded at startup. Mutations answer
with invalidate lists following the sample schema's table dependencies and
are pushed to every connected cache listener.

Configuration comes from --config (or $AOSERV_CONFIG) and AOSERV_MASTER_*
environment variables, for example AOSERV_MASTER_PORT=4583.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.Flags().BoolVar(&seed, "seed", true, "load the sample data set")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (disabled when empty)")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Logging.Apply()
	log := logging.Component("main")

	st := store.New()
	if seed {
		rows := schema.SampleData()
		for _, row := range rows {
			if err := st.Put(row.Table, row.Key, row.Data, true); err != nil {
				return fmt.Errorf("seed table %d key %s: %w", row.Table, row.Key, err)
			}
		}
		log.Info().Int("rows", len(rows)).Msg("sample data loaded")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	srv := server.New(cfg, server.WithStore(st), server.WithDependencies(schema.Dependencies))
	return srv.Serve(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
