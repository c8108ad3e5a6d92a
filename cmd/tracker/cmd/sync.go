package cmd

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"bus-tracker/internal/messaging"
	"bus-tracker/internal/routesync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full route cache sync and print the report",
	Long: `Derives geometry for every route in the routes database, writes it to the cache,
removes entries for routes that no longer exist, then exits. Verification tooling
runs this before reading cache keys.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		sqlDB, routes, err := openRouteStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		var nc *nats.Conn
		if cfg.CacheBackend == "nats" {
			if nc, err = messaging.Connect(cfg.NATSURL, logger, nil); err != nil {
				return err
			}
			defer messaging.Close(nc)
		}
		store, err := openCache(ctx, cfg, nc)
		if err != nil {
			return err
		}

		syncer := routesync.New(routes, store, routesync.Options{
			RetryMax:     cfg.SyncRetryMax,
			RetryInitial: cfg.SyncRetryInitial,
			StartTimeout: cfg.SyncStartTimeout,
		}, logger, nil)
		defer syncer.Stop()

		rep, err := syncer.Start(ctx)
		if err != nil {
			return err
		}
		rep.Actor = "cli"
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
