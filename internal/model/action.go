package model

import "time"

// ActionType enumerates the supported mitigations.
type ActionType int

const (
	ActionBlock ActionType = iota
	ActionRateLimit
	ActionLog
	ActionAlert
	ActionRedirect
	ActionCustom
)

var actionTypeNames = [...]string{"BLOCK", "RATE_LIMIT", "LOG", "ALERT", "REDIRECT", "CUSTOM"}

func (t ActionType) String() string {
	if t < ActionBlock || t > ActionCustom {
		return "UNKNOWN"
	}
	return actionTypeNames[t]
}

// Valid reports whether t is one of the defined action types.
func (t ActionType) Valid() bool {
	return t >= ActionBlock && t <= ActionCustom
}

// ParseActionType maps an action name back to its value.
func ParseActionType(s string) (ActionType, bool) {
	for i, name := range actionTypeNames {
		if name == s {
			return ActionType(i), true
		}
	}
	return ActionType(-1), false
}

// ResponseAction is one concrete mitigation with a bounded lifetime. While
// ExpiresAt has not passed it is a member of the controller's active set; on
// expiry or revocation it is removed and its outcome is audited.
type ResponseAction struct {
	ID         string            `json:"id"`
	Type       ActionType        `json:"type"`
	Target     string            `json:"target"` // IP, IP:port or protocol
	Duration   time.Duration     `json:"duration"`
	Reason     string            `json:"reason"`
	Parameters map[string]string `json:"parameters,omitempty"`
	ThreatID   string            `json:"threat_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// ThreatEvent is the envelope published to the event sinks and export
// writers for every non-benign threat. Action is nil when no response ran;
// Outcome is "detected", "executed" or "failed".
type ThreatEvent struct {
	Threat    *ThreatInfo     `json:"threat"`
	Action    *ResponseAction `json:"action,omitempty"`
	Outcome   string          `json:"outcome"`
	Timestamp time.Time       `json:"timestamp"`
}
