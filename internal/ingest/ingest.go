// Package ingest consumes activity reports and heartbeats from monitor
// and filter processes. Reports fold into time budgets through the store;
// the path is decoupled from control-plane dispatch by a bounded queue so
// a burst of reports cannot starve decision requests.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/domain"
	"github.com/familyshield/familyd/internal/tamper"
)

// Config tunes the ingest path.
type Config struct {
	// DedupWindow is how long event ids are remembered; a retransmitted
	// report inside the window decrements nothing.
	DedupWindow time.Duration
	// QueueSize bounds the report queue. A full queue drops the report
	// (monitors retransmit; budgets catch up).
	QueueSize int
	// WarnThresholds are remaining-seconds marks; crossing one downward
	// fires time_limit_warning once per crossing.
	WarnThresholds []int64
}

// Ingest is the data-plane receiver.
type Ingest struct {
	store    domain.Store
	detector *tamper.Detector
	sink     domain.SignalSink
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	queue chan domain.ActivityEvent

	// seen maps monitor_id/event_id to first-seen time for the dedup
	// window. Owned by the worker goroutine once Run starts.
	seen map[string]time.Time
}

// New creates the ingest path.
func New(store domain.Store, detector *tamper.Detector, sink domain.SignalSink, cfg Config, logger *zap.Logger) *Ingest {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Ingest{
		store:    store,
		detector: detector,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		queue:    make(chan domain.ActivityEvent, cfg.QueueSize),
		seen:     make(map[string]time.Time),
	}
}

// WithClock overrides the clock (tests only).
func (in *Ingest) WithClock(now func() time.Time) *Ingest {
	in.now = now
	return in
}

// ReportActivity accepts one activity event. Fire-and-forget from the
// monitor's perspective: the event is queued and the call returns. Only a
// malformed event is an error.
func (in *Ingest) ReportActivity(ev domain.ActivityEvent) error {
	if ev.EventID == "" || ev.MonitorID == "" || ev.ProfileID == "" {
		return fmt.Errorf("activity event missing ids (event=%q monitor=%q profile=%q): %w",
			ev.EventID, ev.MonitorID, ev.ProfileID, domain.ErrInvalidArgument)
	}
	if ev.Duration < 0 {
		return fmt.Errorf("activity event with negative duration %s: %w", ev.Duration, domain.ErrInvalidArgument)
	}

	// Activity is itself evidence of liveness.
	in.detector.Observe(ev.MonitorID)

	select {
	case in.queue <- ev:
	default:
		in.logger.Warn("ingest queue full, dropping report",
			zap.String("event_id", ev.EventID),
			zap.String("monitor", ev.MonitorID))
	}
	return nil
}

// Heartbeat forwards a monitor heartbeat to the tamper detector.
func (in *Ingest) Heartbeat(monitorID string) error {
	return in.detector.Heartbeat(monitorID)
}

// Run consumes the report queue until the context is canceled. Dedup
// state lives here, single-goroutine, so no lock is needed for it.
func (in *Ingest) Run(ctx context.Context) error {
	prune := time.NewTicker(in.cfg.DedupWindow)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-prune.C:
			in.pruneSeen()
		case ev := <-in.queue:
			in.apply(ev)
		}
	}
}

// dedupKey identifies a report across retransmissions.
func dedupKey(ev domain.ActivityEvent) string {
	return ev.MonitorID + "/" + ev.EventID
}

// apply folds one event into the owning profile's budget and fires
// threshold warnings on downward crossings.
func (in *Ingest) apply(ev domain.ActivityEvent) {
	key := dedupKey(ev)
	if _, dup := in.seen[key]; dup {
		in.logger.Debug("duplicate activity event ignored",
			zap.String("event_id", ev.EventID),
			zap.String("monitor", ev.MonitorID))
		return
	}
	in.seen[key] = in.now()

	seconds := int64(ev.Duration / time.Second)
	if seconds == 0 {
		return
	}

	before, err := in.store.RemainingTime(ev.ProfileID, domain.CategoryScreenTime)
	if err != nil {
		in.logger.Warn("activity report for unknown profile dropped",
			zap.String("profile", ev.ProfileID),
			zap.Error(err))
		return
	}

	after, err := in.store.ConsumeTime(ev.ProfileID, domain.CategoryScreenTime, seconds)
	if err != nil {
		in.logger.Error("failed to consume time budget",
			zap.String("profile", ev.ProfileID),
			zap.Error(err))
		return
	}

	in.logger.Debug("activity folded into budget",
		zap.String("profile", ev.ProfileID),
		zap.String("app", ev.App),
		zap.Int64("seconds", seconds),
		zap.Int64("remaining", after))

	for _, threshold := range in.cfg.WarnThresholds {
		// Edge-triggered: only the report that crosses the mark fires.
		if before > threshold && after <= threshold {
			in.sink.Emit(domain.Signal{
				Name:      domain.SignalTimeLimitWarning,
				ProfileID: ev.ProfileID,
				Detail:    fmt.Sprintf("%d seconds remaining", after),
				At:        in.now(),
			})
		}
	}
}

// pruneSeen ages dedup entries out of the window.
func (in *Ingest) pruneSeen() {
	cutoff := in.now().Add(-in.cfg.DedupWindow)
	for key, at := range in.seen {
		if at.Before(cutoff) {
			delete(in.seen, key)
		}
	}
}
