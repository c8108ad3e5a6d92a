package messaging

import (
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"bus-tracker/internal/logging"
	"bus-tracker/internal/route"
	"bus-tracker/internal/tracking"
)

// Publisher is the subset of *nats.Conn the mirror needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// EventMirror copies every published tracking event to
// <prefix>.<route>.<direction> so consumers outside the websocket fan-out
// see the same stream.
type EventMirror struct {
	pub         Publisher
	prefix      string
	logSubjects bool
	logger      *zap.Logger
	metrics     Metrics
}

func NewEventMirror(pub Publisher, prefix string, logSubjects bool, logger *zap.Logger, m Metrics) *EventMirror {
	return &EventMirror{
		pub:         pub,
		prefix:      prefix,
		logSubjects: logSubjects,
		logger:      logging.OrNop(logger).Named("mirror"),
		metrics:     m,
	}
}

var _ Publisher = (*nats.Conn)(nil)

func (m *EventMirror) Subject(key route.Key) string {
	return m.prefix + "." + subjectToken(key.RouteID) + "." + subjectToken(string(key.Direction))
}

func (m *EventMirror) PublishEvent(ev tracking.Event, data []byte) error {
	subject := m.Subject(ev.Room())
	if m.logSubjects {
		m.logger.Debug("nats publish", zap.String("subject", subject))
	}
	start := time.Now()
	err := m.pub.Publish(subject, data)
	if m.metrics != nil {
		m.metrics.PublishObserve(time.Since(start))
		if err != nil {
			m.metrics.NATSPublishErrInc()
		} else {
			m.metrics.NATSPublishedInc()
		}
	}
	return err
}
