package export

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS threat_events (
    Timestamp   DateTime,
    ThreatID    String,
    ThreatType  String,
    Level       String,
    SrcIP       String,
    DstIP       String,
    SrcPort     UInt16,
    DstPort     UInt16,
    Protocol    UInt8,
    Score       Float64,
    Confidence  Float64,
    Indicators  Array(String),
    Description String,
    ActionID    Nullable(String),
    ActionType  Nullable(String),
    Outcome     String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Level, Timestamp);
`

// ClickHouseWriter batches threat events into the threat_events table.
type ClickHouseWriter struct {
	conn     driver.Conn
	interval time.Duration
	log      *zap.SugaredLogger
}

// NewClickHouseWriter connects, pings and ensures the table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig, interval time.Duration, log *zap.SugaredLogger) (model.Writer, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Info("connected to ClickHouse and ensured threat_events table exists")

	return &ClickHouseWriter{conn: conn, interval: interval, log: log}, nil
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *ClickHouseWriter) GetInterval() time.Duration {
	return w.interval
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Write inserts one drained batch of threat events.
func (w *ClickHouseWriter) Write(payload interface{}, timestamp string) error {
	events, ok := payload.([]*model.ThreatEvent)
	if !ok {
		return fmt.Errorf("invalid payload type for ClickHouse writer: expected []*model.ThreatEvent, got %T", payload)
	}

	written := 0
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO threat_events")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, ev := range events {
		t := ev.Threat
		if t == nil {
			continue
		}
		var actionID, actionType interface{}
		if ev.Action != nil {
			actionID = ev.Action.ID
			actionType = ev.Action.Type.String()
		}
		err = batch.Append(
			t.Timestamp,
			t.ID,
			t.Type,
			t.Level.String(),
			t.SrcIP,
			t.DstIP,
			t.SrcPort,
			t.DstPort,
			t.Protocol,
			t.Score,
			t.Confidence,
			t.Indicators,
			t.Description,
			actionID,
			actionType,
			ev.Outcome,
		)
		if err != nil {
			return fmt.Errorf("failed to append event to batch: %w", err)
		}
		written++
	}

	if written == 0 {
		return nil
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.log.Infof("wrote %d threat events to ClickHouse", written)
	return nil
}
