package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"bus-tracker/internal/cache"
	"bus-tracker/internal/messaging"
	"bus-tracker/internal/route"
)

var geometryCmd = &cobra.Command{
	Use:   "geometry <routeId> <direction>",
	Short: "Print the cached geometry for one route direction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := route.ParseDirection(args[1])
		if err != nil {
			return err
		}
		key := route.Key{RouteID: args[0], Direction: dir}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		if cfg.CacheBackend != "nats" {
			return fmt.Errorf("cache backend %q is process-local; nothing to read", cfg.CacheBackend)
		}

		nc, err := messaging.Connect(cfg.NATSURL, logger, nil)
		if err != nil {
			return err
		}
		defer messaging.Close(nc)

		store, err := openCache(cmd.Context(), cfg, nc)
		if err != nil {
			return err
		}
		raw, err := store.GetRaw(cmd.Context(), key)
		if errors.Is(err, cache.ErrMiss) {
			return fmt.Errorf("%s: not cached", cache.KeyFor(key))
		}
		if err != nil {
			return err
		}

		var g route.Geometry
		if err := json.Unmarshal(raw, &g); err != nil {
			return fmt.Errorf("%s: undecodable entry: %w", cache.KeyFor(key), err)
		}
		out := struct {
			Key string `json:"key"`
			route.Geometry
		}{Key: cache.KeyFor(key), Geometry: g}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(geometryCmd)
}
