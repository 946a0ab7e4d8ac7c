// Package query reads persisted threat events back out of ClickHouse for
// the fleet API.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"Go2NetSentry/internal/config"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ThreatRecord is one persisted threat event row.
type ThreatRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	ThreatID    string    `json:"threat_id"`
	ThreatType  string    `json:"threat_type"`
	Level       string    `json:"level"`
	SrcIP       string    `json:"src_ip"`
	DstIP       string    `json:"dst_ip"`
	SrcPort     uint16    `json:"src_port"`
	DstPort     uint16    `json:"dst_port"`
	Protocol    uint8     `json:"protocol"`
	Score       float64   `json:"score"`
	Confidence  float64   `json:"confidence"`
	Indicators  []string  `json:"indicators,omitempty"`
	Description string    `json:"description"`
	ActionID    *string   `json:"action_id,omitempty"`
	ActionType  *string   `json:"action_type,omitempty"`
	Outcome     string    `json:"outcome"`
}

// SourceCount summarizes activity from one source address.
type SourceCount struct {
	SrcIP    string  `json:"src_ip"`
	Events   uint64  `json:"events"`
	MaxScore float64 `json:"max_score"`
}

// Querier defines the read interface over stored threat events.
type Querier interface {
	// RecentThreats returns the newest events first, optionally filtered by
	// level name and a lower time bound.
	RecentThreats(ctx context.Context, level string, since time.Time, limit int) ([]*ThreatRecord, error)

	// LevelCounts counts events per threat level since the given time.
	LevelCounts(ctx context.Context, since time.Time) (map[string]uint64, error)

	// TopSources ranks source addresses by event count since the given time.
	TopSources(ctx context.Context, since time.Time, limit int) ([]*SourceCount, error)

	Close() error
}

// clickhouseQuerier implements Querier for ClickHouse.
type clickhouseQuerier struct {
	conn clickhouse.Conn
}

// NewClickHouseQuerier connects and verifies the connection.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

func connect(cfg config.ClickHouseConfig) (clickhouse.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
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

func (q *clickhouseQuerier) RecentThreats(ctx context.Context, level string, since time.Time, limit int) ([]*ThreatRecord, error) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT
			Timestamp, ThreatID, ThreatType, Level,
			SrcIP, DstIP, SrcPort, DstPort, Protocol,
			Score, Confidence, Indicators, Description,
			ActionID, ActionType, Outcome
		FROM threat_events
	`)

	var whereClauses []string
	args := []interface{}{}

	if level != "" {
		whereClauses = append(whereClauses, "Level = ?")
		args = append(args, level)
	}
	if !since.IsZero() {
		whereClauses = append(whereClauses, "Timestamp >= ?")
		args = append(args, since)
	}
	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}

	queryBuilder.WriteString(" ORDER BY Timestamp DESC LIMIT ?")
	args = append(args, clampLimit(limit))

	rows, err := q.conn.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var records []*ThreatRecord
	for rows.Next() {
		var rec ThreatRecord
		if err := rows.Scan(
			&rec.Timestamp, &rec.ThreatID, &rec.ThreatType, &rec.Level,
			&rec.SrcIP, &rec.DstIP, &rec.SrcPort, &rec.DstPort, &rec.Protocol,
			&rec.Score, &rec.Confidence, &rec.Indicators, &rec.Description,
			&rec.ActionID, &rec.ActionType, &rec.Outcome,
		); err != nil {
			return nil, fmt.Errorf("failed to scan threat event: %w", err)
		}
		records = append(records, &rec)
	}

	return records, nil
}

func (q *clickhouseQuerier) LevelCounts(ctx context.Context, since time.Time) (map[string]uint64, error) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString("SELECT Level, count() AS Events FROM threat_events")

	args := []interface{}{}
	if !since.IsZero() {
		queryBuilder.WriteString(" WHERE Timestamp >= ?")
		args = append(args, since)
	}
	queryBuilder.WriteString(" GROUP BY Level")

	rows, err := q.conn.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var (
			level string
			n     uint64
		)
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("failed to scan level count: %w", err)
		}
		counts[level] = n
	}

	return counts, nil
}

func (q *clickhouseQuerier) TopSources(ctx context.Context, since time.Time, limit int) ([]*SourceCount, error) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT SrcIP, count() AS Events, max(Score) AS MaxScore
		FROM threat_events
	`)

	args := []interface{}{}
	if !since.IsZero() {
		queryBuilder.WriteString(" WHERE Timestamp >= ?")
		args = append(args, since)
	}
	queryBuilder.WriteString(" GROUP BY SrcIP ORDER BY Events DESC LIMIT ?")
	args = append(args, clampLimit(limit))

	rows, err := q.conn.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var sources []*SourceCount
	for rows.Next() {
		var src SourceCount
		if err := rows.Scan(&src.SrcIP, &src.Events, &src.MaxScore); err != nil {
			return nil, fmt.Errorf("failed to scan source count: %w", err)
		}
		sources = append(sources, &src)
	}

	return sources, nil
}

func (q *clickhouseQuerier) Close() error {
	return q.conn.Close()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
