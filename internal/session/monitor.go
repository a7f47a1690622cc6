package session

import (
	"sync"
	"time"

	"mira/internal/logging"
)

// AlertLevel grades memory pressure for a session.
type AlertLevel int

const (
	AlertNormal AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertNormal:
		return "normal"
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time memory usage reading. It is computed on demand
// and stored only in the capped alert history.
type Snapshot struct {
	SessionID      string     `json:"session_id"`
	SessionBytes   int64      `json:"session_bytes"`
	GlobalBytes    int64      `json:"global_bytes"`
	ActiveSessions int        `json:"active_sessions"`
	Level          AlertLevel `json:"-"`
	LevelName      string     `json:"level"`
	At             time.Time  `json:"at"`
}

// ThresholdCrossed is the typed event delivered to alert observers when a
// session's alert level changes to warning or critical.
type ThresholdCrossed struct {
	Level    AlertLevel
	Snapshot Snapshot
}

// MonitorConfig sets the per-session byte limit and the fractions of it at
// which warning and critical alerts trigger.
type MonitorConfig struct {
	SessionLimitBytes int64
	WarnFraction      float64
	CritFraction      float64
}

// DefaultMonitorConfig returns the default thresholds: warn at 80% of a 1 MiB
// per-session limit, critical at 95%.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SessionLimitBytes: 1 << 20,
		WarnFraction:      0.8,
		CritFraction:      0.95,
	}
}

const alertHistoryCap = 100

// Monitor derives memory usage snapshots and fires edge-triggered threshold
// alerts: an alert fires only when a session's level changes, never on
// repeated checks at a sustained level, so steady-state high usage cannot
// cause alert storms.
type Monitor struct {
	config MonitorConfig
	logger logging.Logger

	mu        sync.Mutex
	levels    map[string]AlertLevel
	observers []func(ThresholdCrossed)
	history   []ThresholdCrossed
}

// NewMonitor constructs a Monitor.
func NewMonitor(config MonitorConfig) *Monitor {
	if config.SessionLimitBytes <= 0 {
		config.SessionLimitBytes = DefaultMonitorConfig().SessionLimitBytes
	}
	if config.WarnFraction <= 0 || config.WarnFraction >= 1 {
		config.WarnFraction = 0.8
	}
	if config.CritFraction <= config.WarnFraction || config.CritFraction > 1 {
		config.CritFraction = 0.95
	}
	return &Monitor{
		config: config,
		logger: logging.NewComponentLogger("memory-monitor"),
		levels: make(map[string]AlertLevel),
	}
}

// Subscribe registers an alert observer. Observers run synchronously in
// registration order; a panicking observer is recovered so it cannot stop the
// observers after it or corrupt monitor state.
func (m *Monitor) Subscribe(fn func(ThresholdCrossed)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Observe evaluates memory usage for a session and returns the snapshot.
// When the derived alert level differs from the previous one and is warning
// or critical, a ThresholdCrossed event is recorded and delivered.
func (m *Monitor) Observe(sessionID string, sessionBytes, globalBytes int64, activeSessions int) Snapshot {
	level := m.levelFor(sessionBytes)
	snapshot := Snapshot{
		SessionID:      sessionID,
		SessionBytes:   sessionBytes,
		GlobalBytes:    globalBytes,
		ActiveSessions: activeSessions,
		Level:          level,
		LevelName:      level.String(),
		At:             time.Now(),
	}

	m.mu.Lock()
	previous := m.levels[sessionID]
	if level == previous {
		m.mu.Unlock()
		return snapshot
	}
	m.levels[sessionID] = level
	if level == AlertNormal {
		// Recovery is tracked but not alerted.
		m.mu.Unlock()
		m.logger.Debug("Session %s memory back to normal (%d bytes)", sessionID, sessionBytes)
		return snapshot
	}

	event := ThresholdCrossed{Level: level, Snapshot: snapshot}
	m.history = append(m.history, event)
	if len(m.history) > alertHistoryCap {
		m.history = m.history[len(m.history)-alertHistoryCap:]
	}
	observers := make([]func(ThresholdCrossed), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.logger.Warn("Session %s crossed into %s (%d/%d bytes)",
		sessionID, level, sessionBytes, m.config.SessionLimitBytes)
	for _, observer := range observers {
		m.notify(observer, event)
	}
	return snapshot
}

func (m *Monitor) notify(observer func(ThresholdCrossed), event ThresholdCrossed) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Alert observer panicked: %v", r)
		}
	}()
	observer(event)
}

// Forget drops level tracking for a cleared session so a future session with
// the same id starts from normal.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.levels, sessionID)
}

// History returns a copy of the alert history, oldest first. The history is
// capped; oldest entries are evicted first.
func (m *Monitor) History() []ThresholdCrossed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ThresholdCrossed, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Monitor) levelFor(sessionBytes int64) AlertLevel {
	limit := float64(m.config.SessionLimitBytes)
	usage := float64(sessionBytes) / limit
	switch {
	case usage >= m.config.CritFraction:
		return AlertCritical
	case usage >= m.config.WarnFraction:
		return AlertWarning
	default:
		return AlertNormal
	}
}
