package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bus-tracker/internal/cache"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/messaging"
	"bus-tracker/internal/metrics"
)

var (
	database string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Route geometry cache and live arrival detection",
	Long: `tracker keeps a derived cache of route geometry in step with the routes database
and turns live bus position fixes into progress and arrival events for subscribed clients.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&database, "database", "", "routes database name, overriding the one in DATABASE_URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overriding LOG_LEVEL")
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openRouteStore(ctx context.Context, cfg *config.Config) (*sql.DB, *db.RouteStore, error) {
	dsn := cfg.DatabaseURL
	if database != "" {
		var err error
		if dsn, err = db.WithDBName(dsn, database); err != nil {
			return nil, nil, fmt.Errorf("compose DSN: %w", err)
		}
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	routes, err := db.NewRouteStore(ctx, sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return sqlDB, routes, nil
}

func openCache(ctx context.Context, cfg *config.Config, nc *nats.Conn) (cache.Store, error) {
	if cfg.CacheBackend == "memory" {
		return cache.NewMemoryStore(cfg.CacheMemorySize, cfg.CacheTTL), nil
	}
	if nc == nil {
		return nil, fmt.Errorf("cache backend %q needs NATS", cfg.CacheBackend)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return cache.NewKVStore(ctx, js, cfg.CacheBucket, cfg.CacheTTL)
}

func wrapNATSMetrics(c *metrics.Collector) messaging.Metrics {
	if c == nil {
		return nil
	}
	return &natsMetrics{c: c}
}

type natsMetrics struct{ c *metrics.Collector }

func (p *natsMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *natsMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *natsMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *natsMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
