package model

// Notifier defines a generic interface for sending alert notifications.
type Notifier interface {
	Send(subject, body string) error
}

// EventSink publishes executed-response events to an external consumer
// (message bus, broker). Implementations must be safe for use from the
// pipeline goroutine.
type EventSink interface {
	Publish(event *ThreatEvent) error
	Close() error
}
