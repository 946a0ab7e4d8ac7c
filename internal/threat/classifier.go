package threat

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

// Traffic-shape cutoffs for threat-type identification.
const (
	portScanDistinct = 16     // distinct ports touched
	synAckImbalance  = 2.0    // SYN at least this multiple of ACK
	udpDominance     = 0.8    // UDP fraction of the window
	udpFloodRate     = 100.0  // packets per second
	icmpDominance    = 0.5    // ICMP fraction of the window
	exfilEntropy     = 7.0    // average payload entropy, bits per byte
	exfilBytes       = 100 << 10
)

// Classifier turns detection results into graded ThreatInfo records. It owns
// the severity thresholds, the threat-intelligence store, optional GeoIP
// enrichment and a bounded history of non-benign threats.
type Classifier struct {
	cfg config.DetectionConfig
	log *zap.SugaredLogger
	geo *geoip2.Reader

	mu       sync.RWMutex
	intel    *IntelStore
	history  []*model.ThreatInfo
	counters map[model.ThreatLevel]uint64
}

// Report is a point-in-time export of classifier state, the payload handed
// to the export writers.
type Report struct {
	GeneratedAt   time.Time           `json:"generated_at"`
	TotalThreats  uint64              `json:"total_threats"`
	CountsByLevel map[string]uint64   `json:"counts_by_level"`
	Threats       []*model.ThreatInfo `json:"threats"`
}

// NewClassifier builds a classifier, loading the intel feed and GeoIP
// database when configured. A broken feed or database fails construction.
func NewClassifier(cfg config.DetectionConfig, log *zap.SugaredLogger) (*Classifier, error) {
	c := &Classifier{
		cfg:      cfg,
		log:      log,
		counters: make(map[model.ThreatLevel]uint64),
	}

	if cfg.IntelSource != "" {
		store, err := LoadIntel(cfg.IntelSource)
		if err != nil {
			return nil, fmt.Errorf("failed to load intel feed '%s': %w", cfg.IntelSource, err)
		}
		c.intel = store
		log.Infof("loaded %d threat-intel indicators from %s", store.Len(), cfg.IntelSource)
	}

	if cfg.GeoIPPath != "" {
		reader, err := geoip2.Open(cfg.GeoIPPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open GeoIP database '%s': %w", cfg.GeoIPPath, err)
		}
		c.geo = reader
	}

	return c, nil
}

// Classify grades one detection. It always returns a record; benign traffic
// yields a LevelNone record that is counted but kept out of the history.
func (c *Classifier) Classify(info *model.PacketInfo, f *model.FlowFeatures, r *model.DetectionResult) *model.ThreatInfo {
	level := c.evaluateLevel(r.AnomalyScore, r.Confidence)
	threatType, signal := identifyThreatType(f, r)

	t := &model.ThreatInfo{
		ID:         uuid.New().String(),
		Type:       threatType,
		Level:      level,
		Timestamp:  info.Timestamp,
		SrcPort:    info.FiveTuple.SrcPort,
		DstPort:    info.FiveTuple.DstPort,
		Protocol:   info.FiveTuple.Protocol,
		Confidence: r.Confidence,
		Score:      r.AnomalyScore,
		Indicators: append([]string(nil), r.Indicators...),
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	if info.FiveTuple.SrcIP != nil {
		t.SrcIP = info.FiveTuple.SrcIP.String()
	}
	if info.FiveTuple.DstIP != nil {
		t.DstIP = info.FiveTuple.DstIP.String()
	}
	if signal != "" {
		t.Indicators = append(t.Indicators, signal)
	}

	t.Description = fmt.Sprintf("%s from %s: score %.2f, confidence %.2f",
		t.Type, t.SrcIP, t.Score, t.Confidence)

	c.mu.RLock()
	intel := c.intel
	c.mu.RUnlock()
	if intel != nil {
		c.applyIntel(t, intel, info.FiveTuple.SrcIP, info.FiveTuple.DstIP)
	}
	c.enrichGeo(t, info.FiveTuple.SrcIP)

	t.Mitigations = mitigationsFor(t.Type, t.Level)

	c.record(t)
	return t
}

// evaluateLevel maps a score onto the configured severity bands, each bound
// closed from below. A result below the confidence floor is demoted one
// level so a shaky model cannot trigger the harshest responses on its own.
func (c *Classifier) evaluateLevel(score, confidence float64) model.ThreatLevel {
	th := c.cfg.Thresholds
	var level model.ThreatLevel
	switch {
	case score >= th.Critical:
		level = model.LevelCritical
	case score >= th.High:
		level = model.LevelHigh
	case score >= th.Medium:
		level = model.LevelMedium
	case score >= th.Low:
		level = model.LevelLow
	default:
		return model.LevelNone
	}
	if confidence < c.cfg.MinConfidence {
		level--
	}
	return level
}

// identifyThreatType reads the traffic shape out of the features. A type
// suggested by the detector backend wins over the local heuristics.
// Port-scan is checked before SYN-flood: a scan also skews the SYN/ACK
// balance, but only a scan touches many distinct ports.
func identifyThreatType(f *model.FlowFeatures, r *model.DetectionResult) (threatType, signal string) {
	if r.ThreatType != "" {
		return r.ThreatType, ""
	}

	if n := distinctPorts(f); n >= portScanDistinct {
		return "port_scan", fmt.Sprintf("distinct_ports=%d", n)
	}
	if len(f.ConnectionPattern) >= 2 {
		syn, ack := f.ConnectionPattern[0], f.ConnectionPattern[1]
		if syn > 0 && syn >= synAckImbalance*ack {
			return "syn_flood", "syn_ack_imbalance"
		}
	}
	if f.ProtocolDist["UDP"] >= udpDominance && f.PacketsPerSecond >= udpFloodRate {
		return "udp_flood", fmt.Sprintf("udp_rate=%.0fpps", f.PacketsPerSecond)
	}
	if f.ProtocolDist["ICMP"] >= icmpDominance {
		return "icmp_sweep", fmt.Sprintf("icmp_fraction=%.2f", f.ProtocolDist["ICMP"])
	}
	if f.AvgEntropy() >= exfilEntropy && f.ByteCount >= exfilBytes {
		return "data_exfiltration", fmt.Sprintf("payload_entropy=%.2f", f.AvgEntropy())
	}
	return "anomalous_traffic", ""
}

func distinctPorts(f *model.FlowFeatures) int {
	n := 0
	for _, v := range f.PortUsage {
		if v > 0 {
			n++
		}
	}
	return n
}

// applyIntel matches both endpoints against the feed. A hit adds an
// indicator, adopts the feed's category and floors the level at the feed's
// severity.
func (c *Classifier) applyIntel(t *model.ThreatInfo, intel *IntelStore, src, dst net.IP) {
	rec, ok := intel.Match(src)
	matched := src
	if !ok {
		rec, ok = intel.Match(dst)
		matched = dst
	}
	if !ok {
		return
	}

	t.Indicators = append(t.Indicators, fmt.Sprintf("intel:%s %s", rec.category, matched))
	if rec.category != "" {
		t.Type = rec.category
	}
	if rec.level > t.Level {
		t.Level = rec.level
	}
	if rec.description != "" {
		t.Description += "; intel: " + rec.description
	}
}

func (c *Classifier) enrichGeo(t *model.ThreatInfo, src net.IP) {
	if c.geo == nil || src == nil {
		return
	}
	rec, err := c.geo.City(src)
	if err != nil || rec.Country.IsoCode == "" {
		return
	}
	geo := rec.Country.IsoCode
	if city := rec.City.Names["en"]; city != "" {
		geo += "/" + city
	}
	t.Description += "; source geo: " + geo
}

func (c *Classifier) record(t *model.ThreatInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters[t.Level]++
	if t.Level == model.LevelNone {
		return
	}

	c.history = append(c.history, t)
	if len(c.history) > c.cfg.MaxThreatsHistory {
		c.history = c.history[1:]
	}
}

// ReloadIntel loads a feed and swaps it in atomically. An empty path reloads
// the configured source. On failure the previous store stays active.
func (c *Classifier) ReloadIntel(path string) error {
	if path == "" {
		path = c.cfg.IntelSource
	}
	if path == "" {
		return fmt.Errorf("no intel source configured")
	}

	store, err := LoadIntel(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.intel = store
	c.mu.Unlock()

	c.log.Infof("reloaded %d threat-intel indicators from %s", store.Len(), path)
	return nil
}

// Statistics returns a copy of the per-level classification counters.
func (c *Classifier) Statistics() map[model.ThreatLevel]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[model.ThreatLevel]uint64, len(c.counters))
	for level, count := range c.counters {
		out[level] = count
	}
	return out
}

// Recent returns up to n threats, most recent first. n <= 0 returns the
// whole history.
func (c *Classifier) Recent(n int) []*model.ThreatInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || n > len(c.history) {
		n = len(c.history)
	}
	out := make([]*model.ThreatInfo, n)
	for i := 0; i < n; i++ {
		out[i] = c.history[len(c.history)-1-i]
	}
	return out
}

// Snapshot builds the report payload for the export writers.
func (c *Classifier) Snapshot() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := &Report{
		GeneratedAt:   time.Now().UTC(),
		CountsByLevel: make(map[string]uint64, len(c.counters)),
		Threats:       make([]*model.ThreatInfo, len(c.history)),
	}
	for level, count := range c.counters {
		report.CountsByLevel[level.String()] = count
		if level > model.LevelNone {
			report.TotalThreats += count
		}
	}
	copy(report.Threats, c.history)
	return report
}

// ExportReport writes the current report as indented JSON.
func (c *Classifier) ExportReport(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c.Snapshot()); err != nil {
		return fmt.Errorf("failed to encode report to json: %w", err)
	}
	return nil
}

// Close releases the GeoIP reader.
func (c *Classifier) Close() error {
	if c.geo != nil {
		return c.geo.Close()
	}
	return nil
}

var mitigationTable = map[string][]string{
	"syn_flood": {
		"enable SYN cookies on the targeted service",
		"rate-limit new connections from the source",
	},
	"port_scan": {
		"block the scanning source at the perimeter",
		"audit exposed services on the scanned host",
	},
	"udp_flood": {
		"rate-limit UDP traffic from the source",
		"check open UDP services for amplification exposure",
	},
	"icmp_sweep": {
		"drop ICMP echo requests from the source",
		"review perimeter ICMP policy",
	},
	"data_exfiltration": {
		"block outbound transfers from the source host",
		"inspect the destination for staged data",
	},
}

func mitigationsFor(threatType string, level model.ThreatLevel) []string {
	out := append([]string(nil), mitigationTable[threatType]...)
	if len(out) == 0 {
		out = append(out,
			"capture a traffic sample for offline review",
			"monitor the source for recurrence",
		)
	}
	if level >= model.LevelHigh {
		out = append(out, "isolate the affected host pending investigation")
	}
	if level >= model.LevelCritical {
		out = append(out, "open an incident and preserve capture evidence")
	}
	return out
}
