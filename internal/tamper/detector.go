// Package tamper tracks monitor-process liveness with an explicit
// Healthy/Suspect/Tampered state machine. Signal emission is
// edge-triggered: one tamper_detected per silence episode, never one per
// poll.
package tamper

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/domain"
)

// Health is the liveness state of one monitor process.
type Health string

const (
	Healthy  Health = "healthy"
	Suspect  Health = "suspect"
	Tampered Health = "tampered"
)

// MonitorStatus is a read-only view of one monitor for status reporting.
type MonitorStatus struct {
	MonitorID string
	PID       int
	Health    Health
	LastSeen  time.Time
}

type monitorState struct {
	rec    domain.HeartbeatRecord
	health Health
}

// Config tunes the detector.
type Config struct {
	// DefaultInterval applies to monitors that register without one.
	DefaultInterval time.Duration
	// MissedThreshold sets the tamper deadline: a monitor is Suspect after
	// one missed interval and Tampered once its silence exceeds
	// interval * MissedThreshold.
	MissedThreshold int
	// SuspectGrace is the floor on how long a Suspect monitor may stay
	// silent past its first missed interval, for monitors whose interval
	// is short enough that the derived grace would be tighter.
	SuspectGrace time.Duration
}

// Detector holds per-monitor liveness state. Heartbeats arrive on the
// ingestion path; Sweep runs on the daemon's background timer.
type Detector struct {
	mu       sync.Mutex
	monitors map[string]*monitorState

	cfg    Config
	pm     domain.ProcessManager
	sink   domain.SignalSink
	logger *zap.Logger
	now    func() time.Time
}

// New creates a detector.
func New(cfg Config, pm domain.ProcessManager, sink domain.SignalSink, logger *zap.Logger) *Detector {
	return &Detector{
		monitors: make(map[string]*monitorState),
		cfg:      cfg,
		pm:       pm,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the clock (tests only).
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Register adds a monitor or resets an existing one. Re-registration is
// the only way out of Tampered: a restarted process starts a fresh
// episode as Healthy.
func (d *Detector) Register(monitorID string, pid int, interval time.Duration) {
	if interval <= 0 {
		interval = d.cfg.DefaultInterval
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, existed := d.monitors[monitorID]
	d.monitors[monitorID] = &monitorState{
		rec: domain.HeartbeatRecord{
			MonitorID:        monitorID,
			PID:              pid,
			ExpectedInterval: interval,
			LastSeen:         d.now(),
		},
		health: Healthy,
	}

	if existed && prev.health == Tampered {
		d.logger.Info("tampered monitor re-registered",
			zap.String("monitor", monitorID),
			zap.Int("pid", pid))
	} else {
		d.logger.Info("monitor registered",
			zap.String("monitor", monitorID),
			zap.Int("pid", pid),
			zap.Duration("interval", interval))
	}
}

// Heartbeat records a sign of life. A Suspect monitor that beats before
// its grace deadline recovers to Healthy; a Tampered monitor stays
// Tampered until it re-registers.
func (d *Detector) Heartbeat(monitorID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.monitors[monitorID]
	if !ok {
		return fmt.Errorf("monitor %q: %w", monitorID, domain.ErrNotFound)
	}

	state.rec.LastSeen = d.now()
	switch state.health {
	case Suspect:
		state.health = Healthy
		d.logger.Info("monitor recovered", zap.String("monitor", monitorID))
	case Tampered:
		d.logger.Debug("heartbeat from tampered monitor ignored for state",
			zap.String("monitor", monitorID))
	}
	return nil
}

// Observe is a weak liveness hint (e.g. an activity report arrived). It
// refreshes last-seen like a heartbeat but tolerates unknown monitors.
func (d *Detector) Observe(monitorID string) {
	_ = d.Heartbeat(monitorID)
}

// grace is how much silence past the first missed interval a Suspect
// monitor is allowed. Derived from the monitor's own interval so the
// tamper deadline lands at interval * MissedThreshold after the last
// heartbeat; the configured grace is the floor for short intervals.
func (d *Detector) grace(interval time.Duration) time.Duration {
	derived := interval * time.Duration(d.cfg.MissedThreshold-1)
	if derived < d.cfg.SuspectGrace {
		return d.cfg.SuspectGrace
	}
	return derived
}

// Sweep advances every monitor's state machine against the clock and the
// process table. Entering Tampered emits tamper_detected exactly once for
// the episode.
func (d *Detector) Sweep() {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, state := range d.monitors {
		switch state.health {
		case Healthy:
			silent := now.Sub(state.rec.LastSeen) > state.rec.ExpectedInterval
			dead := state.rec.PID > 0 && !d.pm.IsRunning(state.rec.PID)
			if silent || dead {
				state.health = Suspect
				d.logger.Warn("monitor silent, marking suspect",
					zap.String("monitor", id),
					zap.Bool("process_dead", dead),
					zap.Time("last_seen", state.rec.LastSeen))
			}
		case Suspect:
			// The deadline is anchored at the last heartbeat, not at the
			// sweep that noticed the silence, so sweep cadence never
			// stretches it.
			interval := state.rec.ExpectedInterval
			deadline := state.rec.LastSeen.Add(interval + d.grace(interval))
			dead := state.rec.PID > 0 && !d.pm.IsRunning(state.rec.PID)
			if now.After(deadline) || dead {
				state.health = Tampered
				d.logger.Error("monitor tampered",
					zap.String("monitor", id),
					zap.Bool("process_dead", dead),
					zap.Time("last_seen", state.rec.LastSeen))
				d.sink.Emit(domain.Signal{
					Name:      domain.SignalTamperDetected,
					MonitorID: id,
					Detail:    fmt.Sprintf("no heartbeat since %s", state.rec.LastSeen.Format(time.RFC3339)),
					At:        now,
				})
			}
		case Tampered:
			// Terminal until re-registration; no repeat signal.
		}
	}
}

// Health returns one monitor's state, or ErrNotFound.
func (d *Detector) Health(monitorID string) (Health, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.monitors[monitorID]
	if !ok {
		return "", fmt.Errorf("monitor %q: %w", monitorID, domain.ErrNotFound)
	}
	return state.health, nil
}

// Statuses returns a snapshot of every monitor for status reporting.
func (d *Detector) Statuses() []MonitorStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]MonitorStatus, 0, len(d.monitors))
	for id, state := range d.monitors {
		out = append(out, MonitorStatus{
			MonitorID: id,
			PID:       state.rec.PID,
			Health:    state.health,
			LastSeen:  state.rec.LastSeen,
		})
	}
	return out
}
