// Package events carries executed-response envelopes to external systems.
package events

import (
	"fmt"

	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

// NewSinks builds every enabled sink from config. On failure the sinks
// already opened are closed before the error returns.
func NewSinks(defs []config.EventSinkDef, log *zap.SugaredLogger) ([]model.EventSink, error) {
	var sinks []model.EventSink
	for _, def := range defs {
		if !def.Enabled {
			continue
		}

		var (
			sink model.EventSink
			err  error
		)
		switch def.Type {
		case "nats":
			sink, err = NewNATSSink(def.URL, def.Subject, log)
		case "kafka":
			sink, err = NewKafkaSink(def.Brokers, def.Topic, log)
		default:
			err = fmt.Errorf("unknown event sink type: '%s'", def.Type)
		}
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
