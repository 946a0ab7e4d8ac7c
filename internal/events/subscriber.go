package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

// EventHandler processes one received threat event.
type EventHandler func(*model.ThreatEvent)

// Subscriber tails the threat-event subject. Used by ns-watch.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	log     *zap.SugaredLogger
}

// NewSubscriber connects to the NATS server.
func NewSubscriber(url, subject string, log *zap.SugaredLogger) (*Subscriber, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Infof("connected to NATS server at %s", url)
	return &Subscriber{nc: nc, subject: subject, log: log}, nil
}

// Start subscribes and hands each decoded event to the handler. Malformed
// payloads are logged and skipped.
func (s *Subscriber) Start(handler EventHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		var ev model.ThreatEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.log.Warnw("skipping malformed threat event", "err", err)
			return
		}
		handler(&ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", s.subject, err)
	}
	s.sub = sub
	s.log.Infof("subscribed to '%s'", s.subject)
	return nil
}

// Close unsubscribes and closes the connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}
