package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bus-tracker/internal/api"
	"bus-tracker/internal/live"
	"bus-tracker/internal/messaging"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/route"
	"bus-tracker/internal/routesync"
	"bus-tracker/internal/tracking"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the synchronizer, live tracking and the admin API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.SyncInterval)
		msrv := mcol.Serve(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = msrv.Shutdown(shutdownCtx)
		}()
	}

	sqlDB, routes, err := openRouteStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var nc *nats.Conn
	if cfg.UsesNATS() {
		nc, err = messaging.Connect(cfg.NATSURL, logger, wrapNATSMetrics(mcol))
		if err != nil {
			return err
		}
		defer messaging.Close(nc)
	}

	store, err := openCache(ctx, cfg, nc)
	if err != nil {
		return err
	}

	syncer := routesync.New(routes, store, routesync.Options{
		Interval:     cfg.SyncInterval,
		RetryMax:     cfg.SyncRetryMax,
		RetryInitial: cfg.SyncRetryInitial,
		StartTimeout: cfg.SyncStartTimeout,
	}, logger, mcol)
	rep, err := syncer.Start(ctx)
	if err != nil {
		return err
	}
	defer syncer.Stop()
	logger.Info("route cache ready", zap.Int("routes", rep.Written+rep.Unchanged), zap.Int("skipped", rep.Skipped))

	proc := tracking.NewProcessor(store, routes, tracking.Options{
		IdleTimeout:  cfg.TrackingIdleTimeout,
		RetryMax:     cfg.SyncRetryMax,
		RetryInitial: cfg.SyncRetryInitial,
	}, logger, mcol)

	var sink live.EventSink
	if nc != nil && cfg.EventSubjectPrefix != "" {
		sink = messaging.NewEventMirror(nc, cfg.EventSubjectPrefix, cfg.LogNATSSubjects, logger, wrapNATSMetrics(mcol))
	}
	hub := live.NewHub(proc, sink, logger, mcol)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(syncer, store, hub.ServeWS(live.WSOptions{
			SendBuffer: cfg.WSSendBuffer,
			FixRate:    cfg.FixRatePerSec,
		}), logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		proc.Run(gctx)
		return nil
	})

	if nc != nil && cfg.RouteChangeSubject != "" {
		trig := messaging.NewChangeTrigger(syncer, logger)
		sub, err := trig.Subscribe(nc, cfg.RouteChangeSubject)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		g.Go(func() error {
			trig.Run(gctx)
			return nil
		})
	}

	if nc != nil && cfg.FixSubject != "" {
		ingest := func(ctx context.Context, fix route.Fix) (tracking.Result, error) {
			return hub.Ingest(ctx, nil, fix)
		}
		sub, err := messaging.SubscribeFixes(gctx, nc, cfg.FixSubject, ingest, logger)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
