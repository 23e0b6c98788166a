// Package registry assigns logical sensor roles to physical devices by
// matching the advertised name against configured patterns, and stores the
// per-role clock sync results delivered by the time-sync collaborator.
package registry

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultNamePattern matches the stock sensor naming scheme: the captured
// group becomes the logical ID, e.g. "tropx_01" -> "sensor_01".
const DefaultNamePattern = `^tropx_(\d+)$`

// UnknownPatternError means a device name matched no configured pattern.
// The connection for that device is aborted; it is never half-registered.
type UnknownPatternError struct {
	Address string
	Name    string
}

func (e *UnknownPatternError) Error() string {
	return fmt.Sprintf("device %s (%q) matches no known name pattern", e.Address, e.Name)
}

// ClockSync is the stored result of a time-sync round for one role.
type ClockSync struct {
	OffsetMs int64
	Synced   bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	byAddr   map[string]string
	clocks   map[string]ClockSync
	logger   *logrus.Logger
}

// New compiles the given name patterns; with none given the default TropX
// pattern is used. Each pattern must contain one capture group naming the
// role suffix.
func New(logger *logrus.Logger, patterns ...string) (*Registry, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if len(patterns) == 0 {
		patterns = []string{DefaultNamePattern}
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	return &Registry{
		patterns: compiled,
		byAddr:   make(map[string]string),
		clocks:   make(map[string]ClockSync),
		logger:   logger,
	}, nil
}

// Register assigns a logical ID for a name that matches one of the
// configured patterns. Idempotent per address.
func (r *Registry) Register(address, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byAddr[address]; ok {
		return id, nil
	}

	for _, re := range r.patterns {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		id := "sensor_" + m[len(m)-1]
		r.byAddr[address] = id
		r.logger.WithFields(logrus.Fields{
			"address":   address,
			"name":      name,
			"logicalId": id,
		}).Info("Assigned logical sensor role")
		return id, nil
	}

	return "", &UnknownPatternError{Address: address, Name: name}
}

// ByAddress returns the logical ID previously assigned to address.
func (r *Registry) ByAddress(address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[address]
	return id, ok
}

// SetClockOffset stores the time-sync collaborator's result for a role.
func (r *Registry) SetClockOffset(logicalID string, offsetMs int64, synced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clocks[logicalID] = ClockSync{OffsetMs: offsetMs, Synced: synced}
}

// ClockOffset returns the stored sync result for a role.
func (r *Registry) ClockOffset(logicalID string) (ClockSync, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.clocks[logicalID]
	return cs, ok
}
