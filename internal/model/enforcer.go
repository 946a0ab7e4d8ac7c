package model

import "time"

// Enforcer applies block and rate-limit decisions to the host firewall.
// A log-only implementation is used when enforcement is disabled.
type Enforcer interface {
	Block(target string, d time.Duration) error
	RateLimit(target string, pps uint64, d time.Duration) error
	Unblock(target string) error
	Close() error
}
