package events

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/config"
)

// NewTransport builds the transport named by cfg.Transport. It returns nil
// for "none", in which case alerts are not published at all.
func NewTransport(cfg config.EventsConfig, logger *zap.Logger) (Transport, error) {
	switch TransportType(cfg.Transport) {
	case TransportNone:
		return nil, nil
	case TransportLog, "":
		return NewLogTransport(logger), nil
	case TransportKafka:
		kc := DefaultKafkaConfig()
		kc.Brokers = cfg.Brokers
		if cfg.Topic != "" {
			kc.Topic = cfg.Topic
		}
		return NewKafkaTransport(kc, logger)
	case TransportNATS:
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("events.nats_url is required for the nats transport")
		}
		return NewNATSTransport(cfg.NATSURL, cfg.Subject, logger)
	default:
		return nil, fmt.Errorf("unknown events transport %q", cfg.Transport)
	}
}

// NewAlertDispatcher wires a transport, a dead-letter queue and recorder
// from configuration. A nil dispatcher means alerts are disabled.
func NewAlertDispatcher(cfg config.EventsConfig, recorder DeliveryRecorder, logger *zap.Logger) (*Dispatcher, error) {
	transport, err := NewTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		logger.Info("alert publishing disabled")
		return nil, nil
	}
	dc := DefaultDispatcherConfig()
	dc.PublishTimeout = cfg.PublishTimeout
	dlq := NewDeadLetterQueue(cfg.DLQSize, nil, logger)
	return NewDispatcher(transport, dlq, recorder, dc, logger), nil
}
