package response

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

// auditRecord is one line of the JSON-lines audit log. Every execution
// attempt, extension, expiry and revocation appends one.
type auditRecord struct {
	Timestamp time.Time             `json:"timestamp"`
	Outcome   string                `json:"outcome"`
	Action    *model.ResponseAction `json:"action"`
	Error     string                `json:"error,omitempty"`
}

// Controller decides and executes mitigations. It tracks at most one active
// enforcement per target; re-triggering a target extends the existing
// action's lifetime instead of stacking a second one.
type Controller struct {
	cfg      config.ResponseConfig
	log      *zap.SugaredLogger
	enforcer model.Enforcer
	notifier model.Notifier // nil when no alert channel is configured

	policyMu sync.RWMutex
	policy   *Policy

	mu       sync.Mutex
	active   map[string]*model.ResponseAction // by action ID
	byTarget map[string]string                // target -> action ID
	callback func(*model.ResponseAction)
	closed   bool

	auditMu  sync.Mutex
	audit    *os.File
	auditEnc *json.Encoder

	done chan struct{}
	wg   sync.WaitGroup
}

// NewController opens the audit log, loads the policy when configured and
// starts the expiry janitor.
func NewController(cfg config.ResponseConfig, enforcer model.Enforcer, notifier model.Notifier, log *zap.SugaredLogger) (*Controller, error) {
	if enforcer == nil {
		return nil, fmt.Errorf("response controller requires an enforcer")
	}

	c := &Controller{
		cfg:      cfg,
		log:      log,
		enforcer: enforcer,
		notifier: notifier,
		active:   make(map[string]*model.ResponseAction),
		byTarget: make(map[string]string),
		done:     make(chan struct{}),
	}

	if dir := filepath.Dir(cfg.AuditLogPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}
	audit, err := os.OpenFile(cfg.AuditLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log '%s': %w", cfg.AuditLogPath, err)
	}
	c.audit = audit
	c.auditEnc = json.NewEncoder(audit)

	if cfg.PolicyPath != "" {
		policy, err := LoadPolicy(cfg.PolicyPath)
		if err != nil {
			audit.Close()
			return nil, fmt.Errorf("failed to load response policy: %w", err)
		}
		c.policy = policy
		log.Infof("loaded %d response policy rules from %s", policy.Len(), cfg.PolicyPath)
	}

	c.wg.Add(1)
	go c.runJanitor()

	return c, nil
}

// HandleThreat maps a threat onto a response action. Pure decision: nothing
// executes until the action is passed to ExecuteAction. The severity ladder
// is LOG below medium, RATE_LIMIT at medium, BLOCK at high and critical;
// policy rules may override action, duration and parameters.
func (c *Controller) HandleThreat(t *model.ThreatInfo) *model.ResponseAction {
	var actionType model.ActionType
	switch {
	case t.Level >= model.LevelHigh:
		actionType = model.ActionBlock
	case t.Level == model.LevelMedium:
		actionType = model.ActionRateLimit
	default:
		actionType = model.ActionLog
	}

	var (
		duration time.Duration
		params   map[string]string
	)
	if policy := c.currentPolicy(); policy != nil {
		if t.Level == model.LevelLow && policy.alertOnLow {
			actionType = model.ActionAlert
		}
		if rule := policy.match(t); rule != nil {
			actionType = rule.action
			duration = rule.duration
			params = cloneParams(rule.parameters)
		}
	}
	if duration == 0 {
		duration = c.defaultDuration(actionType)
	}
	if actionType == model.ActionRateLimit {
		if params == nil {
			params = make(map[string]string)
		}
		if _, ok := params["pps"]; !ok {
			params["pps"] = strconv.FormatUint(c.cfg.RateLimitPPS, 10)
		}
	}

	return &model.ResponseAction{
		ID:         uuid.New().String(),
		Type:       actionType,
		Target:     t.SrcIP,
		Duration:   duration,
		Reason:     fmt.Sprintf("%s %s from %s", t.Level, t.Type, t.SrcIP),
		Parameters: params,
		ThreatID:   t.ID,
	}
}

// ExecuteAction validates and runs one action. Validation failures mutate
// nothing. A target that already has an active enforcement gets its expiry
// extended by the new action's duration, keeping the original action's
// reason and type and consuming no capacity.
func (c *Controller) ExecuteAction(a *model.ResponseAction) error {
	if err := validateAction(a); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return model.NewActionError(model.ActionExecutionFailed, a.ID, fmt.Errorf("controller is closed"))
	}

	if enforceable(a.Type) {
		if existingID, ok := c.byTarget[a.Target]; ok {
			existing := c.active[existingID]
			existing.ExpiresAt = time.Now().Add(a.Duration)
			c.appendAudit("extended", existing, nil)
			c.fireCallback(existing)
			c.log.Infow("extended active response action",
				"action", existing.Type.String(), "target", existing.Target, "expires_at", existing.ExpiresAt)
			return nil
		}
		if len(c.active) >= c.cfg.MaxConcurrentActions {
			return model.NewActionError(model.ActionCapacityExceeded, a.ID,
				fmt.Errorf("active actions at limit %d", c.cfg.MaxConcurrentActions))
		}
	}

	now := time.Now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if enforceable(a.Type) {
		a.ExpiresAt = now.Add(a.Duration)
	}

	if err := c.perform(a); err != nil {
		c.appendAudit("failed", a, err)
		c.fireCallback(a)
		c.log.Errorw("response action failed",
			"action", a.Type.String(), "target", a.Target, "err", err)
		return model.NewActionError(model.ActionExecutionFailed, a.ID, err)
	}

	if enforceable(a.Type) {
		c.active[a.ID] = a
		c.byTarget[a.Target] = a.ID
	}
	c.appendAudit("executed", a, nil)
	c.fireCallback(a)
	c.log.Infow("response action executed",
		"action", a.Type.String(), "target", a.Target, "duration", a.Duration, "reason", a.Reason)
	return nil
}

// RevokeAction releases an active action early. Unknown ids leave the
// active set untouched. A teardown failure keeps the action active so the
// operator can retry.
func (c *Controller) RevokeAction(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.active[id]
	if !ok {
		return model.NewActionError(model.ActionNotFound, id, fmt.Errorf("no active action"))
	}

	if err := c.release(a); err != nil {
		c.appendAudit("revoke_failed", a, err)
		return model.NewActionError(model.ActionExecutionFailed, id, err)
	}

	delete(c.active, id)
	delete(c.byTarget, a.Target)
	c.appendAudit("revoked", a, nil)
	c.fireCallback(a)
	c.log.Infow("response action revoked", "action", a.Type.String(), "target", a.Target)
	return nil
}

// ActiveActions returns copies of the active set, oldest first.
func (c *Controller) ActiveActions() []*model.ResponseAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*model.ResponseAction, 0, len(c.active))
	for _, a := range c.active {
		cp := *a
		cp.Parameters = cloneParams(a.Parameters)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the size of the active set.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// SetActionCallback installs a hook invoked with a copy of every action
// that executes, extends, expires or is revoked. The hook runs on the
// controller's goroutine: keep it fast and do not call back into the
// controller from it.
func (c *Controller) SetActionCallback(fn func(*model.ResponseAction)) {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
}

// UpdatePolicy loads a policy file and swaps it in atomically. An empty
// path reloads the configured one. On failure the previous policy stays
// active.
func (c *Controller) UpdatePolicy(path string) error {
	if path == "" {
		path = c.cfg.PolicyPath
	}
	if path == "" {
		return fmt.Errorf("no policy path configured")
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		return err
	}

	c.policyMu.Lock()
	c.policy = policy
	c.policyMu.Unlock()

	c.log.Infof("loaded %d response policy rules from %s", policy.Len(), path)
	return nil
}

// ExportLog copies the audit log to the given path.
func (c *Controller) ExportLog(path string) error {
	c.auditMu.Lock()
	defer c.auditMu.Unlock()

	if c.audit != nil {
		c.audit.Sync()
	}
	src, err := os.Open(c.cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy audit log: %w", err)
	}
	return nil
}

// Close stops the janitor, releases every active enforcement, closes the
// enforcer and the audit log. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()

	c.mu.Lock()
	for id, a := range c.active {
		if err := c.release(a); err != nil {
			c.log.Errorw("failed to release action on shutdown", "id", id, "target", a.Target, "err", err)
		}
		delete(c.active, id)
		delete(c.byTarget, a.Target)
		c.appendAudit("released", a, nil)
	}
	c.mu.Unlock()

	var firstErr error
	if err := c.enforcer.Close(); err != nil {
		firstErr = err
	}

	c.auditMu.Lock()
	if c.audit != nil {
		c.audit.Sync()
		if err := c.audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.audit = nil
		c.auditEnc = nil
	}
	c.auditMu.Unlock()

	return firstErr
}

func (c *Controller) runJanitor() {
	defer c.wg.Done()

	interval := c.cfg.ExpiryEvery()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.expire(now)
		}
	}
}

// expire releases every action whose lifetime has passed. A failed release
// stays active and is retried on the next tick.
func (c *Controller) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, a := range c.active {
		if a.ExpiresAt.After(now) {
			continue
		}
		if err := c.release(a); err != nil {
			c.log.Errorw("failed to release expired action", "id", id, "target", a.Target, "err", err)
			c.appendAudit("release_failed", a, err)
			continue
		}
		delete(c.active, id)
		delete(c.byTarget, a.Target)
		c.appendAudit("expired", a, nil)
		c.fireCallback(a)
		c.log.Infow("response action expired", "action", a.Type.String(), "target", a.Target)
	}
}

// perform runs the type-specific execution path.
func (c *Controller) perform(a *model.ResponseAction) error {
	switch a.Type {
	case model.ActionBlock:
		return c.enforcer.Block(a.Target, a.Duration)
	case model.ActionRateLimit:
		pps := c.cfg.RateLimitPPS
		if s, ok := a.Parameters["pps"]; ok {
			if v, err := strconv.ParseUint(s, 10, 64); err == nil && v > 0 {
				pps = v
			}
		}
		return c.enforcer.RateLimit(a.Target, pps, a.Duration)
	case model.ActionLog:
		c.log.Warnw("threat logged", "target", a.Target, "reason", a.Reason)
		return nil
	case model.ActionAlert:
		if c.notifier == nil {
			return fmt.Errorf("no notifier configured")
		}
		return c.notifier.Send("NetSentry alert: "+a.Reason, alertBody(a))
	case model.ActionRedirect, model.ActionCustom:
		// Policy hooks: tracked and audited, no built-in backend.
		c.log.Infow("policy action recorded",
			"action", a.Type.String(), "target", a.Target, "parameters", a.Parameters)
		return nil
	}
	return fmt.Errorf("unhandled action type %s", a.Type)
}

// release tears down whatever perform installed.
func (c *Controller) release(a *model.ResponseAction) error {
	switch a.Type {
	case model.ActionBlock, model.ActionRateLimit:
		return c.enforcer.Unblock(a.Target)
	}
	return nil
}

func (c *Controller) currentPolicy() *Policy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policy
}

func (c *Controller) defaultDuration(t model.ActionType) time.Duration {
	switch t {
	case model.ActionRateLimit:
		return c.cfg.RateLimitFor()
	case model.ActionBlock, model.ActionRedirect, model.ActionCustom:
		return c.cfg.BlockFor()
	}
	return 0
}

func (c *Controller) appendAudit(outcome string, a *model.ResponseAction, cause error) {
	c.auditMu.Lock()
	defer c.auditMu.Unlock()

	if c.auditEnc == nil {
		return
	}
	rec := auditRecord{Timestamp: time.Now().UTC(), Outcome: outcome, Action: a}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := c.auditEnc.Encode(rec); err != nil {
		c.log.Errorw("failed to append audit record", "err", err)
	}
}

func (c *Controller) fireCallback(a *model.ResponseAction) {
	if c.callback == nil {
		return
	}
	cp := *a
	c.callback(&cp)
}

// validateAction rejects malformed actions without touching any state.
func validateAction(a *model.ResponseAction) error {
	if a == nil {
		return model.NewActionError(model.ActionInvalid, "", fmt.Errorf("nil action"))
	}
	if !a.Type.Valid() {
		return model.NewActionError(model.ActionInvalid, a.ID, fmt.Errorf("unknown action type %d", a.Type))
	}
	if a.Target == "" {
		return model.NewActionError(model.ActionInvalid, a.ID, fmt.Errorf("empty target"))
	}
	if enforceable(a.Type) && a.Duration <= 0 {
		return model.NewActionError(model.ActionInvalid, a.ID, fmt.Errorf("non-positive duration %s", a.Duration))
	}
	return nil
}

// enforceable reports whether the action installs state with a lifetime,
// making it a member of the active set.
func enforceable(t model.ActionType) bool {
	switch t {
	case model.ActionBlock, model.ActionRateLimit, model.ActionRedirect, model.ActionCustom:
		return true
	}
	return false
}

func alertBody(a *model.ResponseAction) string {
	return fmt.Sprintf("Action: %s\nTarget: %s\nReason: %s\nThreat: %s\n",
		a.Type, a.Target, a.Reason, a.ThreatID)
}

func cloneParams(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
