package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultFlushTimeout = 5 * time.Second

// NATSTransport publishes alerts on <subject>.<kind>.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

func NewNATSTransport(url, subject string, logger *zap.Logger, opts ...nats.Option) (*NATSTransport, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats transport needs a subject")
	}
	defaults := []nats.Option{
		nats.Name("prerana-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	logger.Info("nats transport initialized", zap.String("url", url), zap.String("subject", subject))
	return &NATSTransport{conn: conn, subject: subject, logger: logger}, nil
}

func (t *NATSTransport) subjectFor(kind string) string {
	if kind == "" {
		return t.subject
	}
	return t.subject + "." + strings.ToLower(kind)
}

// Send publishes and flushes so a nil error means the server has the message.
func (t *NATSTransport) Send(ctx context.Context, msg Message) error {
	m := nats.NewMsg(t.subjectFor(msg.Kind))
	m.Data = msg.Value
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if err := t.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("publish to %s: %w", m.Subject, err)
	}
	// FlushWithContext rejects contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", m.Subject, err)
	}
	return nil
}

func (t *NATSTransport) Protocol() TransportType {
	return TransportNATS
}

func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}
