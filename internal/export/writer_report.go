package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

// ReportSummary is the metadata written next to each report.
type ReportSummary struct {
	Timestamp   string         `json:"timestamp"`
	TotalEvents int            `json:"total_events"`
	ByLevel     map[string]int `json:"by_level"`
	ByOutcome   map[string]int `json:"by_outcome"`
}

// ReportWriter persists each drained batch of threat events as a timestamped
// directory holding threats.json plus a summary.
type ReportWriter struct {
	rootPath string
	interval time.Duration
	log      *zap.SugaredLogger
}

// NewReportWriter creates a report writer rooted at rootPath.
func NewReportWriter(rootPath string, interval time.Duration, log *zap.SugaredLogger) *ReportWriter {
	return &ReportWriter{rootPath: rootPath, interval: interval, log: log}
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *ReportWriter) GetInterval() time.Duration {
	return w.interval
}

// Write serializes one batch under <root>/<timestamp>/. Empty batches write
// nothing.
func (w *ReportWriter) Write(payload interface{}, timestamp string) error {
	events, ok := payload.([]*model.ThreatEvent)
	if !ok {
		return fmt.Errorf("invalid payload type for report writer: expected []*model.ThreatEvent, got %T", payload)
	}
	if len(events) == 0 {
		return nil
	}

	dir := filepath.Join(w.rootPath, timestamp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, "threats.json"), events); err != nil {
		return err
	}

	summary := ReportSummary{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		TotalEvents: len(events),
		ByLevel:     make(map[string]int),
		ByOutcome:   make(map[string]int),
	}
	for _, ev := range events {
		if ev.Threat != nil {
			summary.ByLevel[ev.Threat.Level.String()]++
		}
		summary.ByOutcome[ev.Outcome]++
	}
	if err := writeJSON(filepath.Join(dir, "summary.json"), summary); err != nil {
		return err
	}

	w.log.Infof("wrote %d threat events to %s", len(events), dir)
	return nil
}

func writeJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", path, err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode '%s': %w", path, err)
	}
	return nil
}
