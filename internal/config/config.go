package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
}

// CaptureConfig configures the live capture source.
type CaptureConfig struct {
	Interface           string `yaml:"interface"`
	Filter              string `yaml:"filter"`
	BufferSize          int    `yaml:"buffer_size"`
	TimeoutMs           int    `yaml:"timeout_ms"`
	Promiscuous         bool   `yaml:"promiscuous"`
	SizeOfPacketChannel int    `yaml:"size_of_packet_channel"`
}

// WindowConfig controls how packets are grouped into feature windows.
// Durations are time.ParseDuration strings; Validate rejects bad ones.
type WindowConfig struct {
	// MaxPackets closes a window once it holds this many packets.
	// 1 reproduces strict per-packet scoring.
	MaxPackets int `yaml:"max_packets"`
	// MaxAge closes a window this long after its first packet.
	MaxAge string `yaml:"max_age"`
	// KeyBy selects the grouping key: "five_tuple", "source" or "none".
	KeyBy string `yaml:"key_by"`
}

// MaxAgeDuration returns the parsed age limit.
func (w WindowConfig) MaxAgeDuration() time.Duration {
	d, _ := time.ParseDuration(w.MaxAge)
	return d
}

// RemoteMLConfig configures the inference sidecar client.
type RemoteMLConfig struct {
	Address string `yaml:"address"`
	Timeout string `yaml:"timeout"`
}

// TimeoutDuration returns the parsed per-call timeout.
func (r RemoteMLConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(r.Timeout)
	return d
}

// MLConfig selects and configures the anomaly detector backend.
type MLConfig struct {
	// ModelType is one of "neural", "classical", "remote".
	ModelType        string         `yaml:"model_type"`
	ModelPath        string         `yaml:"model_path"`
	AnomalyThreshold float64        `yaml:"anomaly_threshold"`
	BatchSize        int            `yaml:"batch_size"`
	HiddenSizes      []int          `yaml:"hidden_sizes"`
	LearningRate     float64        `yaml:"learning_rate"`
	Remote           RemoteMLConfig `yaml:"remote"`
}

// ThresholdsConfig holds the severity cut points on the gated anomaly score.
// Each bound is closed: a score equal to the bound takes the higher level.
type ThresholdsConfig struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// DetectionConfig configures the threat classifier.
type DetectionConfig struct {
	Thresholds        ThresholdsConfig `yaml:"thresholds"`
	MinConfidence     float64          `yaml:"min_confidence"`
	IntelSource       string           `yaml:"intel_source"`
	GeoIPPath         string           `yaml:"geoip_path"`
	MaxThreatsHistory int              `yaml:"max_threats_history"`
}

// ResponseConfig configures the response controller. Durations are
// time.ParseDuration strings; Validate rejects bad ones.
type ResponseConfig struct {
	PolicyPath           string `yaml:"policy_path"`
	EnableAutoResponse   bool   `yaml:"enable_auto_response"`
	MaxConcurrentActions int    `yaml:"max_concurrent_actions"`
	BlockDuration        string `yaml:"block_duration"`
	RateLimitDuration    string `yaml:"rate_limit_duration"`
	RateLimitPPS         uint64 `yaml:"rate_limit_pps"`
	AuditLogPath         string `yaml:"audit_log_path"`
	Enforce              bool   `yaml:"enforce"`
	ExpiryCheckInterval  string `yaml:"expiry_check_interval"`
}

// BlockFor returns the parsed default block duration.
func (r ResponseConfig) BlockFor() time.Duration {
	d, _ := time.ParseDuration(r.BlockDuration)
	return d
}

// RateLimitFor returns the parsed default rate-limit duration.
func (r ResponseConfig) RateLimitFor() time.Duration {
	d, _ := time.ParseDuration(r.RateLimitDuration)
	return d
}

// ExpiryEvery returns the parsed janitor interval.
func (r ResponseConfig) ExpiryEvery() time.Duration {
	d, _ := time.ParseDuration(r.ExpiryCheckInterval)
	return d
}

// EventSinkDef defines one enabled event sink.
type EventSinkDef struct {
	Type    string   `yaml:"type"` // "nats" or "kafka"
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`     // nats
	Subject string   `yaml:"subject"` // nats
	Brokers []string `yaml:"brokers"` // kafka
	Topic   string   `yaml:"topic"`   // kafka
}

// ClickHouseConfig holds connection settings for the ClickHouse writer.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ExportWriterDef defines one enabled report writer.
type ExportWriterDef struct {
	Type             string           `yaml:"type"` // "clickhouse" or "report"
	Enabled          bool             `yaml:"enabled"`
	SnapshotInterval string           `yaml:"snapshot_interval"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
	RootPath         string           `yaml:"root_path"` // report
}

// APIConfig configures the HTTP listeners.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SMTPConfig holds settings for the email notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Log       LogConfig         `yaml:"log"`
	Capture   CaptureConfig     `yaml:"capture"`
	Window    WindowConfig      `yaml:"window"`
	ML        MLConfig          `yaml:"ml"`
	Detection DetectionConfig   `yaml:"detection"`
	Response  ResponseConfig    `yaml:"response"`
	Events    []EventSinkDef    `yaml:"events"`
	Export    []ExportWriterDef `yaml:"export"`
	API       APIConfig         `yaml:"api"`
	SMTP      SMTPConfig        `yaml:"smtp"`
}

// LoadConfig reads the configuration from a YAML file, applies defaults and
// validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Path == "" {
		c.Log.Path = "logs/netsentry.log"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 7
	}

	if c.Capture.BufferSize == 0 {
		c.Capture.BufferSize = 65536
	}
	if c.Capture.TimeoutMs == 0 {
		c.Capture.TimeoutMs = 1000
	}
	if c.Capture.SizeOfPacketChannel == 0 {
		c.Capture.SizeOfPacketChannel = 10000
	}

	if c.Window.MaxPackets == 0 {
		c.Window.MaxPackets = 64
	}
	if c.Window.MaxAge == "" {
		c.Window.MaxAge = "5s"
	}
	if c.Window.KeyBy == "" {
		c.Window.KeyBy = "five_tuple"
	}

	if c.ML.ModelType == "" {
		c.ML.ModelType = "classical"
	}
	if c.ML.AnomalyThreshold == 0 {
		c.ML.AnomalyThreshold = 0.5
	}
	if c.ML.BatchSize == 0 {
		c.ML.BatchSize = 32
	}
	if len(c.ML.HiddenSizes) == 0 {
		c.ML.HiddenSizes = []int{64, 32}
	}
	if c.ML.LearningRate == 0 {
		c.ML.LearningRate = 0.01
	}
	if c.ML.Remote.Timeout == "" {
		c.ML.Remote.Timeout = "5s"
	}

	if c.Detection.Thresholds == (ThresholdsConfig{}) {
		c.Detection.Thresholds = ThresholdsConfig{Low: 0.6, Medium: 0.75, High: 0.85, Critical: 0.95}
	}
	if c.Detection.MinConfidence == 0 {
		c.Detection.MinConfidence = 0.5
	}
	if c.Detection.MaxThreatsHistory == 0 {
		c.Detection.MaxThreatsHistory = 1000
	}

	if c.Response.MaxConcurrentActions == 0 {
		c.Response.MaxConcurrentActions = 100
	}
	if c.Response.BlockDuration == "" {
		c.Response.BlockDuration = "10m"
	}
	if c.Response.RateLimitDuration == "" {
		c.Response.RateLimitDuration = "5m"
	}
	if c.Response.RateLimitPPS == 0 {
		c.Response.RateLimitPPS = 100
	}
	if c.Response.AuditLogPath == "" {
		c.Response.AuditLogPath = "logs/response_audit.log"
	}
	if c.Response.ExpiryCheckInterval == "" {
		c.Response.ExpiryCheckInterval = "1s"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Window.KeyBy {
	case "five_tuple", "source", "none":
	default:
		return fmt.Errorf("unknown window key_by %q", c.Window.KeyBy)
	}
	if c.Window.MaxPackets < 1 {
		return fmt.Errorf("window max_packets must be positive, got %d", c.Window.MaxPackets)
	}
	if d, err := time.ParseDuration(c.Window.MaxAge); err != nil || d <= 0 {
		return fmt.Errorf("window max_age must be a positive duration, got %q", c.Window.MaxAge)
	}

	switch c.ML.ModelType {
	case "neural", "classical", "remote":
	default:
		return fmt.Errorf("unknown ml model_type %q", c.ML.ModelType)
	}
	if c.ML.AnomalyThreshold <= 0 || c.ML.AnomalyThreshold >= 1 {
		return fmt.Errorf("ml anomaly_threshold must be in (0,1), got %g", c.ML.AnomalyThreshold)
	}
	if c.ML.ModelType == "remote" && c.ML.Remote.Address == "" {
		return fmt.Errorf("ml remote.address is required for model_type remote")
	}
	if d, err := time.ParseDuration(c.ML.Remote.Timeout); err != nil || d <= 0 {
		return fmt.Errorf("ml remote.timeout must be a positive duration, got %q", c.ML.Remote.Timeout)
	}

	t := c.Detection.Thresholds
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return fmt.Errorf("detection thresholds must be strictly increasing: %+v", t)
	}
	if t.Low <= 0 || t.Critical >= 1 {
		return fmt.Errorf("detection thresholds must lie in (0,1): %+v", t)
	}

	if c.Response.MaxConcurrentActions < 1 {
		return fmt.Errorf("response max_concurrent_actions must be positive, got %d", c.Response.MaxConcurrentActions)
	}
	for name, value := range map[string]string{
		"block_duration":        c.Response.BlockDuration,
		"rate_limit_duration":   c.Response.RateLimitDuration,
		"expiry_check_interval": c.Response.ExpiryCheckInterval,
	} {
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("response %s must be a positive duration, got %q", name, value)
		}
	}

	for _, sink := range c.Events {
		if !sink.Enabled {
			continue
		}
		switch sink.Type {
		case "nats":
			if sink.URL == "" || sink.Subject == "" {
				return fmt.Errorf("nats sink requires url and subject")
			}
		case "kafka":
			if len(sink.Brokers) == 0 || sink.Topic == "" {
				return fmt.Errorf("kafka sink requires brokers and topic")
			}
		default:
			return fmt.Errorf("unknown event sink type %q", sink.Type)
		}
	}

	for _, w := range c.Export {
		if !w.Enabled {
			continue
		}
		switch w.Type {
		case "clickhouse", "report":
		default:
			return fmt.Errorf("unknown export writer type %q", w.Type)
		}
		if _, err := time.ParseDuration(w.SnapshotInterval); err != nil {
			return fmt.Errorf("invalid snapshot_interval for writer type %q: %w", w.Type, err)
		}
	}

	return nil
}
