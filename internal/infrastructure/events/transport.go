package events

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// TransportType names an alert transport.
type TransportType string

const (
	TransportNone  TransportType = "none"
	TransportLog   TransportType = "log"
	TransportKafka TransportType = "kafka"
	TransportNATS  TransportType = "nats"
)

var (
	ErrQueueFull        = errors.New("alert queue full")
	ErrDispatcherClosed = errors.New("alert dispatcher closed")
)

// Transport delivers one encoded alert. Send must honour ctx.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Protocol() TransportType
	Close() error
}

// LogTransport writes alerts to the service log. It is the default for
// local runs with no broker.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(_ context.Context, msg Message) error {
	t.logger.Info("alert",
		zap.String("kind", msg.Kind),
		zap.ByteString("key", msg.Key),
		zap.ByteString("body", msg.Value))
	return nil
}

func (t *LogTransport) Protocol() TransportType {
	return TransportLog
}

func (t *LogTransport) Close() error {
	return nil
}
