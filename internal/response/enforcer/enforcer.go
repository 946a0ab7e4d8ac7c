// Package enforcer provides the backends that install response actions in
// the kernel. The nftables backend is linux-only; LogOnly is the dry-run
// fallback used when enforcement is disabled and in offline replay.
package enforcer

import (
	"time"

	"go.uber.org/zap"
)

// LogOnly satisfies model.Enforcer without touching the kernel: every call
// is logged and succeeds.
type LogOnly struct {
	log *zap.SugaredLogger
}

// NewLogOnly creates the dry-run enforcer.
func NewLogOnly(log *zap.SugaredLogger) *LogOnly {
	return &LogOnly{log: log}
}

func (e *LogOnly) Block(target string, d time.Duration) error {
	e.log.Infow("dry-run block", "target", target, "duration", d)
	return nil
}

func (e *LogOnly) RateLimit(target string, pps uint64, d time.Duration) error {
	e.log.Infow("dry-run rate limit", "target", target, "pps", pps, "duration", d)
	return nil
}

func (e *LogOnly) Unblock(target string) error {
	e.log.Infow("dry-run unblock", "target", target)
	return nil
}

func (e *LogOnly) Close() error { return nil }
