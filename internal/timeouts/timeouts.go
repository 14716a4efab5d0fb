// Package timeouts manages per-operation deadlines for DHT work, with
// optional adaptation from observed completions.
package timeouts

import (
	"sync"
	"time"
)

// Default timeout values
const (
	DefaultAnnounce        = 120 * time.Second
	DefaultAnnounceDerived = 60 * time.Second
	DefaultScrape          = 30 * time.Second
	DefaultPresenceScan    = 30 * time.Second
	DefaultLookup          = 90 * time.Second
	DefaultLookupRPC       = 15 * time.Second

	// Timeout bounds
	MinTimeout = 1 * time.Second
	MaxTimeout = 5 * time.Minute

	// Adaptation parameters
	AdaptationAlpha   = 0.2 // EMA smoothing factor
	SuccessMultiplier = 0.9 // Reduce timeout on success
	FailureMultiplier = 1.2
	TimeoutMultiplier = 1.5
)

// Operation types for timeout tracking
type Operation string

const (
	OpAnnounce        Operation = "announce"
	OpAnnounceDerived Operation = "announce_derived"
	OpScrape          Operation = "scrape"
	OpPresenceScan    Operation = "presence_scan"
	OpLookup          Operation = "lookup"
	OpLookupRPC       Operation = "lookup_rpc"
)

// Manager handles timeouts for DHT operations
type Manager struct {
	mu       sync.RWMutex
	timeouts map[Operation]*adaptiveTimeout
	config   *Config
}

// Config holds timeout configuration
type Config struct {
	Announce        time.Duration
	AnnounceDerived time.Duration
	Scrape          time.Duration
	PresenceScan    time.Duration
	Lookup          time.Duration
	LookupRPC       time.Duration

	// If true, timeouts adapt based on observed performance. Announce
	// timeouts double as re-query pacing, so this is off by default.
	AdaptiveEnabled bool
}

// DefaultConfig returns default timeout configuration
func DefaultConfig() *Config {
	return &Config{
		Announce:        DefaultAnnounce,
		AnnounceDerived: DefaultAnnounceDerived,
		Scrape:          DefaultScrape,
		PresenceScan:    DefaultPresenceScan,
		Lookup:          DefaultLookup,
		LookupRPC:       DefaultLookupRPC,
	}
}

type adaptiveTimeout struct {
	baseTimeout    time.Duration
	currentTimeout time.Duration
	avgDuration    time.Duration
	successCount   int64
	failureCount   int64
	timeoutCount   int64
}

// NewManager creates a new timeout manager
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &Manager{
		timeouts: make(map[Operation]*adaptiveTimeout),
		config:   cfg,
	}

	m.initTimeout(OpAnnounce, cfg.Announce, DefaultAnnounce)
	m.initTimeout(OpAnnounceDerived, cfg.AnnounceDerived, DefaultAnnounceDerived)
	m.initTimeout(OpScrape, cfg.Scrape, DefaultScrape)
	m.initTimeout(OpPresenceScan, cfg.PresenceScan, DefaultPresenceScan)
	m.initTimeout(OpLookup, cfg.Lookup, DefaultLookup)
	m.initTimeout(OpLookupRPC, cfg.LookupRPC, DefaultLookupRPC)

	return m
}

func (m *Manager) initTimeout(op Operation, base, fallback time.Duration) {
	if base <= 0 {
		base = fallback
	}
	base = clampTimeout(base)
	m.timeouts[op] = &adaptiveTimeout{
		baseTimeout:    base,
		currentTimeout: base,
	}
}

// Get returns the current timeout for an operation
func (m *Manager) Get(op Operation) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t, ok := m.timeouts[op]; ok {
		return t.currentTimeout
	}
	return DefaultScrape
}

// RecordSuccess records a successful operation and adapts the timeout
func (m *Manager) RecordSuccess(op Operation, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timeouts[op]
	if !ok {
		return
	}
	t.successCount++

	if t.avgDuration == 0 {
		t.avgDuration = duration
	} else {
		t.avgDuration = time.Duration(
			AdaptationAlpha*float64(duration) + (1-AdaptationAlpha)*float64(t.avgDuration),
		)
	}

	if !m.config.AdaptiveEnabled {
		return
	}

	if duration < t.currentTimeout/2 {
		t.currentTimeout = time.Duration(float64(t.currentTimeout) * SuccessMultiplier)
	}

	// Never below half the base or twice the observed average.
	floor := t.baseTimeout / 2
	if avg := 2 * t.avgDuration; avg > floor {
		floor = avg
	}
	if t.currentTimeout < floor {
		t.currentTimeout = floor
	}
	t.currentTimeout = clampTimeout(t.currentTimeout)
}

// RecordFailure records a failed operation (not timeout)
func (m *Manager) RecordFailure(op Operation) {
	m.record(op, func(t *adaptiveTimeout) float64 {
		t.failureCount++
		return FailureMultiplier
	})
}

// RecordTimeout records a timeout
func (m *Manager) RecordTimeout(op Operation) {
	m.record(op, func(t *adaptiveTimeout) float64 {
		t.timeoutCount++
		return TimeoutMultiplier
	})
}

func (m *Manager) record(op Operation, bump func(*adaptiveTimeout) float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timeouts[op]
	if !ok {
		return
	}
	factor := bump(t)
	if !m.config.AdaptiveEnabled {
		return
	}
	t.currentTimeout = clampTimeout(time.Duration(float64(t.currentTimeout) * factor))
}

// Stats returns statistics for an operation
type Stats struct {
	Operation      Operation     `json:"operation"`
	BaseTimeout    time.Duration `json:"base_timeout"`
	CurrentTimeout time.Duration `json:"current_timeout"`
	AvgDuration    time.Duration `json:"avg_duration"`
	SuccessCount   int64         `json:"successes"`
	FailureCount   int64         `json:"failures"`
	TimeoutCount   int64         `json:"timeouts"`
}

// GetStats returns timeout statistics for an operation
func (m *Manager) GetStats(op Operation) *Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.timeouts[op]
	if !ok {
		return nil
	}
	return t.stats(op)
}

// GetAllStats returns statistics for all operations
func (m *Manager) GetAllStats() []*Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]*Stats, 0, len(m.timeouts))
	for op, t := range m.timeouts {
		stats = append(stats, t.stats(op))
	}
	return stats
}

func (t *adaptiveTimeout) stats(op Operation) *Stats {
	return &Stats{
		Operation:      op,
		BaseTimeout:    t.baseTimeout,
		CurrentTimeout: t.currentTimeout,
		AvgDuration:    t.avgDuration,
		SuccessCount:   t.successCount,
		FailureCount:   t.failureCount,
		TimeoutCount:   t.timeoutCount,
	}
}

// ResetDecay moves every timeout a fraction of the way back to its base.
// The engine calls it on heavy ticks so inflation is not permanent.
func (m *Manager) ResetDecay(factor float64) {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.timeouts {
		diff := float64(t.currentTimeout - t.baseTimeout)
		t.currentTimeout = clampTimeout(time.Duration(float64(t.currentTimeout) - diff*factor))
	}
}

func clampTimeout(d time.Duration) time.Duration {
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}
