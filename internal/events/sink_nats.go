package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

// NATSSink publishes threat events as JSON to a NATS subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	log     *zap.SugaredLogger
}

// NewNATSSink connects to the NATS server.
func NewNATSSink(url, subject string, log *zap.SugaredLogger) (*NATSSink, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Infof("connected to NATS server at %s", url)
	return &NATSSink{nc: nc, subject: subject, log: log}, nil
}

// Publish serializes the event and publishes it to the configured subject.
func (s *NATSSink) Publish(ev *model.ThreatEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal threat event: %w", err)
	}
	return s.nc.Publish(s.subject, data)
}

// Close drains and closes the NATS connection.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
