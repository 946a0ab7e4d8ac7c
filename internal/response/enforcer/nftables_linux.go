//go:build linux
// +build linux

package enforcer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

const (
	tableName      = "netsentry"
	blockedSetName = "blocked"
	rateRulePrefix = "ns-rl:"
)

// NFTables enforces actions through a dedicated nftables table: an input
// chain dropping sources in the blocked set, plus one limit rule per
// rate-limited source. Blocked elements also carry a kernel timeout so they
// expire even if the daemon dies before releasing them.
type NFTables struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	conn    *nftables.Conn
	table   *nftables.Table
	chain   *nftables.Chain
	blocked *nftables.Set
}

// NewNFTables creates the table, chain, blocked set and the set-lookup drop
// rule, replacing anything a previous run left behind.
func NewNFTables(log *zap.SugaredLogger) (model.Enforcer, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create nftables connection: %w", err)
	}

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   tableName,
	})
	// A fresh table: drop leftovers from a previous run.
	conn.FlushTable(table)

	chain := conn.AddChain(&nftables.Chain{
		Name:     "input",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	})

	blocked := &nftables.Set{
		Table:      table,
		Name:       blockedSetName,
		KeyType:    nftables.TypeIPAddr,
		HasTimeout: true,
	}
	if err := conn.AddSet(blocked, nil); err != nil {
		return nil, fmt.Errorf("failed to add blocked set: %w", err)
	}

	// drop ip saddr @blocked
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       12, // IPv4 source address
				Len:          4,
			},
			&expr.Lookup{SourceRegister: 1, SetName: blocked.Name, SetID: blocked.ID},
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
	})

	if err := conn.Flush(); err != nil {
		return nil, fmt.Errorf("failed to install nftables ruleset: %w", err)
	}

	log.Infow("nftables enforcer ready", "table", tableName)
	return &NFTables{log: log, conn: conn, table: table, chain: chain, blocked: blocked}, nil
}

// Block inserts the source into the blocked set with a kernel timeout.
func (e *NFTables) Block(target string, d time.Duration) error {
	ip, err := ipv4Key(target)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.conn.SetAddElements(e.blocked, []nftables.SetElement{{Key: ip, Timeout: d}}); err != nil {
		return fmt.Errorf("failed to add blocked element: %w", err)
	}
	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("failed to block %s: %w", target, err)
	}
	return nil
}

// RateLimit installs a per-source drop rule active above the packet rate.
// The rule has no kernel lifetime; the response controller removes it
// through Unblock when the action expires.
func (e *NFTables) RateLimit(target string, pps uint64, d time.Duration) error {
	ip, err := ipv4Key(target)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// ip saddr <target> limit rate over <pps>/second drop
	e.conn.AddRule(&nftables.Rule{
		Table: e.table,
		Chain: e.chain,
		Exprs: []expr.Any{
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       12,
				Len:          4,
			},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip},
			&expr.Limit{
				Type: expr.LimitTypePkts,
				Rate: pps,
				Unit: expr.LimitTimeSecond,
				Over: true,
			},
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
		UserData: []byte(rateRulePrefix + target),
	})
	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("failed to rate-limit %s: %w", target, err)
	}
	return nil
}

// Unblock removes whatever Block or RateLimit installed for the target.
// A missing element is success: the kernel timeout may already have fired.
func (e *NFTables) Unblock(target string) error {
	ip, err := ipv4Key(target)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.conn.SetDeleteElements(e.blocked, []nftables.SetElement{{Key: ip}}); err == nil {
		if err := e.conn.Flush(); err != nil && !errors.Is(err, syscall.ENOENT) {
			return fmt.Errorf("failed to unblock %s: %w", target, err)
		}
	}

	rules, err := e.conn.GetRules(e.table, e.chain)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	marker := rateRulePrefix + target
	removed := false
	for _, rule := range rules {
		if string(rule.UserData) != marker {
			continue
		}
		if err := e.conn.DelRule(rule); err != nil {
			return fmt.Errorf("failed to delete rate-limit rule: %w", err)
		}
		removed = true
	}
	if removed {
		if err := e.conn.Flush(); err != nil && !errors.Is(err, syscall.ENOENT) {
			return fmt.Errorf("failed to remove rate limit for %s: %w", target, err)
		}
	}
	return nil
}

// Close removes the whole table and everything in it.
func (e *NFTables) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.conn.DelTable(e.table)
	if err := e.conn.Flush(); err != nil && !errors.Is(err, syscall.ENOENT) {
		return fmt.Errorf("failed to remove nftables table: %w", err)
	}
	return nil
}

func ipv4Key(target string) ([]byte, error) {
	ip := net.ParseIP(target)
	if ip == nil {
		return nil, fmt.Errorf("target %q is not an IP address", target)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("target %q is not IPv4; only IPv4 enforcement is supported", target)
	}
	return v4, nil
}
