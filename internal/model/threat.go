package model

import "time"

// DetectionResult is the outcome of scoring one FlowFeatures value.
// Produced once per window, immutable afterwards.
type DetectionResult struct {
	AnomalyScore float64  `json:"anomaly_score"` // in [0,1]
	Confidence   float64  `json:"confidence"`    // in [0,1]
	ThreatType   string   `json:"threat_type"`
	Indicators   []string `json:"indicators"`
	IsAnomaly    bool     `json:"is_anomaly"`
}

// ThreatLevel orders threat severities from benign to critical.
type ThreatLevel int

const (
	LevelNone ThreatLevel = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

var threatLevelNames = [...]string{"NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l ThreatLevel) String() string {
	if l < LevelNone || l > LevelCritical {
		return "UNKNOWN"
	}
	return threatLevelNames[l]
}

// ParseThreatLevel maps a level name back to its value. Unknown names map to
// LevelNone with ok=false.
func ParseThreatLevel(s string) (ThreatLevel, bool) {
	for i, name := range threatLevelNames {
		if name == s {
			return ThreatLevel(i), true
		}
	}
	return LevelNone, false
}

// ThreatInfo is one classified detection. Each detection produces a new
// immutable record; escalation for a flow is observed by comparing successive
// records, never by mutating an existing one.
type ThreatInfo struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Level       ThreatLevel `json:"level"`
	Timestamp   time.Time   `json:"timestamp"`
	SrcIP       string      `json:"src_ip"`
	DstIP       string      `json:"dst_ip"`
	SrcPort     uint16      `json:"src_port"`
	DstPort     uint16      `json:"dst_port"`
	Protocol    uint8       `json:"protocol"`
	Indicators  []string    `json:"indicators"`
	Confidence  float64     `json:"confidence"`
	Score       float64     `json:"score"`
	Description string      `json:"description"`
	Mitigations []string    `json:"mitigations"`
}
