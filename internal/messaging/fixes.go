package messaging

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"bus-tracker/internal/live"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/route"
	"bus-tracker/internal/tracking"
)

// IngestFunc processes one decoded fix.
type IngestFunc func(ctx context.Context, fix route.Fix) (tracking.Result, error)

// SubscribeFixes feeds device fixes published on subject into ingest. ctx
// bounds the processing of each message.
func SubscribeFixes(ctx context.Context, nc *nats.Conn, subject string, ingest IngestFunc, logger *zap.Logger) (*nats.Subscription, error) {
	logger = logging.OrNop(logger).Named("fixes")
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		handleFixMessage(ctx, msg.Data, ingest, logger)
	})
}

func handleFixMessage(ctx context.Context, data []byte, ingest IngestFunc, logger *zap.Logger) {
	fix, err := live.DecodeFix(data)
	if err != nil {
		logger.Warn("dropping malformed fix", zap.Error(err))
		return
	}
	if _, err := ingest(ctx, fix); err != nil {
		logger.Warn("fix rejected", zap.String("bus_id", fix.BusID), zap.Error(err))
	}
}
