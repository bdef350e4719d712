// Package daemon wires the policy components together and runs the
// long-lived serve loop with its background sweeps.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/approval"
	"github.com/familyshield/familyd/internal/config"
	"github.com/familyshield/familyd/internal/domain"
	"github.com/familyshield/familyd/internal/filter"
	"github.com/familyshield/familyd/internal/gateway"
	"github.com/familyshield/familyd/internal/infra"
	"github.com/familyshield/familyd/internal/ingest"
	"github.com/familyshield/familyd/internal/store"
	"github.com/familyshield/familyd/internal/tamper"
)

// Daemon is the assembled policy core.
type Daemon struct {
	cfg    config.Config
	logger *zap.Logger

	store    domain.Store
	workflow *approval.Workflow
	ingest   *ingest.Ingest
	detector *tamper.Detector
	hub      *gateway.Hub
	server   *gateway.Server
}

// New opens storage and assembles every component.
func New(cfg config.Config, logger *zap.Logger) (*Daemon, error) {
	st, err := store.OpenWithKeyFile(cfg.DatabasePath(), cfg.KeyPath(), store.Options{
		RetryAttempts: cfg.Storage.RetryAttempts,
		RetryBackoff:  cfg.Storage.RetryBackoff.Std(),
	})
	if err != nil {
		return nil, err
	}

	hub := gateway.NewHub(cfg.Signals.QueueSize, logger)
	pm := infra.NewProcessManager()

	detector := tamper.New(tamper.Config{
		DefaultInterval: cfg.Heartbeat.DefaultInterval.Std(),
		MissedThreshold: cfg.Heartbeat.MissedThreshold,
		SuspectGrace:    cfg.Heartbeat.SuspectGrace.Std(),
	}, pm, hub, logger)

	workflow := approval.New(st, hub, cfg.Approval.TTL.Std(), logger)

	in := ingest.New(st, detector, hub, ingest.Config{
		DedupWindow:    cfg.Ingest.DedupWindow.Std(),
		QueueSize:      cfg.Ingest.QueueSize,
		WarnThresholds: cfg.Ingest.WarnThresholds,
	}, logger)

	sessions := gateway.NewSessions(cfg.Auth.SessionTTL.Std())
	gw := gateway.New(
		st,
		workflow,
		in,
		detector,
		filter.NewTerminal(logger),
		filter.NewContent(logger),
		sessions,
		hub,
		logger,
	)

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		workflow: workflow,
		ingest:   in,
		detector: detector,
		hub:      hub,
		server:   gateway.NewServer(gw, hub, cfg.SocketPath, logger),
	}, nil
}

// Run starts the gateway, the ingest worker, the signal hub and the
// background sweeps, then blocks until the context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("familyd starting",
		zap.String("socket", d.cfg.SocketPath),
		zap.String("data_dir", d.cfg.DataDir))

	done := make(chan struct{})
	defer close(done)
	go d.hub.Run(done)

	go func() {
		if err := d.ingest.Run(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("ingest worker stopped", zap.Error(err))
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.ListenAndServe() }()

	approvalTicker := time.NewTicker(d.cfg.Approval.SweepInterval.Std())
	livenessTicker := time.NewTicker(d.cfg.Heartbeat.SweepInterval.Std())
	defer func() {
		approvalTicker.Stop()
		livenessTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("familyd stopping")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.server.Shutdown(shutdownCtx); err != nil {
				d.logger.Warn("server shutdown failed", zap.Error(err))
			}
			if err := d.store.Close(); err != nil {
				d.logger.Warn("store close failed", zap.Error(err))
			}
			return ctx.Err()

		case err := <-serveErr:
			if err != nil {
				d.logger.Error("gateway server failed", zap.Error(err))
				return err
			}

		case <-approvalTicker.C:
			if n := d.workflow.SweepExpired(); n > 0 {
				d.logger.Info("expired approval requests", zap.Int("count", n))
			}

		case <-livenessTicker.C:
			d.detector.Sweep()
		}
	}
}

// MonitorStatuses exposes monitor health for the status command.
func (d *Daemon) MonitorStatuses() []tamper.MonitorStatus {
	return d.detector.Statuses()
}
