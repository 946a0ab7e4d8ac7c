// Package export persists threat events for later analysis: a ClickHouse
// batch writer for the fleet API and a JSON report writer for local review.
package export

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

// NewWriters builds every enabled export writer from config.
func NewWriters(defs []config.ExportWriterDef, log *zap.SugaredLogger) ([]model.Writer, error) {
	var writers []model.Writer
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		interval, err := time.ParseDuration(def.SnapshotInterval)
		if err != nil || interval <= 0 {
			return nil, fmt.Errorf("snapshot_interval for writer '%s' must be a positive duration, got %q", def.Type, def.SnapshotInterval)
		}

		switch def.Type {
		case "clickhouse":
			w, err := NewClickHouseWriter(def.ClickHouse, interval, log)
			if err != nil {
				return nil, err
			}
			writers = append(writers, w)
		case "report":
			root := def.RootPath
			if root == "" {
				root = "reports"
			}
			writers = append(writers, NewReportWriter(root, interval, log))
		default:
			return nil, fmt.Errorf("unknown export writer type: '%s'", def.Type)
		}
	}
	return writers, nil
}
