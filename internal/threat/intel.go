package threat

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"Go2NetSentry/internal/model"
)

// IntelEntry is one indicator from a threat-intelligence feed. Indicator is
// an exact IPv4/IPv6 address or a CIDR range.
type IntelEntry struct {
	Indicator   string `yaml:"indicator"`
	Category    string `yaml:"category"`
	Severity    string `yaml:"severity"`
	Description string `yaml:"description"`
}

type intelFile struct {
	Indicators []IntelEntry `yaml:"indicators"`
}

// intelRecord is a parsed feed entry ready for matching.
type intelRecord struct {
	indicator   string
	category    string
	level       model.ThreatLevel
	description string
}

// IntelStore answers membership queries against a loaded feed. Immutable
// after load; the classifier swaps whole stores on reload.
type IntelStore struct {
	exact map[string]*intelRecord
	nets  []*net.IPNet
	byNet []*intelRecord
}

// LoadIntel parses a YAML feed file into a store. A malformed indicator or
// severity fails the whole load so a bad feed never partially applies.
func LoadIntel(path string) (*IntelStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read intel feed: %w", err)
	}

	var file intelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal intel feed: %w", err)
	}

	store := &IntelStore{exact: make(map[string]*intelRecord)}
	for i, entry := range file.Indicators {
		level, ok := model.ParseThreatLevel(entry.Severity)
		if !ok {
			return nil, fmt.Errorf("intel entry %d (%s): unknown severity %q", i, entry.Indicator, entry.Severity)
		}
		rec := &intelRecord{
			indicator:   entry.Indicator,
			category:    entry.Category,
			level:       level,
			description: entry.Description,
		}

		if ip := net.ParseIP(entry.Indicator); ip != nil {
			store.exact[ip.String()] = rec
			continue
		}
		if _, ipnet, err := net.ParseCIDR(entry.Indicator); err == nil {
			store.nets = append(store.nets, ipnet)
			store.byNet = append(store.byNet, rec)
			continue
		}
		return nil, fmt.Errorf("intel entry %d: indicator %q is neither IP nor CIDR", i, entry.Indicator)
	}
	return store, nil
}

// Len reports the number of loaded indicators.
func (s *IntelStore) Len() int {
	return len(s.exact) + len(s.nets)
}

// Match looks an address up in the feed, exact entries before ranges.
func (s *IntelStore) Match(ip net.IP) (*intelRecord, bool) {
	if ip == nil {
		return nil, false
	}
	if rec, ok := s.exact[ip.String()]; ok {
		return rec, true
	}
	for i, ipnet := range s.nets {
		if ipnet.Contains(ip) {
			return s.byNet[i], true
		}
	}
	return nil, false
}
