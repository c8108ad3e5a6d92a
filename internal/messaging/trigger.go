package messaging

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"bus-tracker/internal/logging"
	"bus-tracker/internal/routesync"
)

type Syncer interface {
	SyncNow(ctx context.Context, actor string) (routesync.Report, error)
}

// ChangeTrigger runs an incremental sync whenever a route change
// notification arrives. Notifications that arrive while a pass is queued
// collapse into that pass.
type ChangeTrigger struct {
	syncer Syncer
	logger *zap.Logger
	kick   chan struct{}
}

func NewChangeTrigger(syncer Syncer, logger *zap.Logger) *ChangeTrigger {
	return &ChangeTrigger{
		syncer: syncer,
		logger: logging.OrNop(logger).Named("trigger"),
		kick:   make(chan struct{}, 1),
	}
}

func (t *ChangeTrigger) Notify() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Subscribe calls Notify for every message on subject.
func (t *ChangeTrigger) Subscribe(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		t.logger.Debug("route change notification", zap.String("subject", msg.Subject))
		t.Notify()
	})
}

// Run services notifications until ctx is done or the synchronizer stops.
func (t *ChangeTrigger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.kick:
		}
		rep, err := t.syncer.SyncNow(ctx, "nats")
		switch {
		case errors.Is(err, routesync.ErrStopped), errors.Is(err, context.Canceled):
			return
		case err != nil:
			t.logger.Error("triggered sync failed", zap.Error(err))
		default:
			t.logger.Info("triggered sync complete", zap.Int("written", rep.Written), zap.Int("deleted", rep.Deleted))
		}
	}
}
