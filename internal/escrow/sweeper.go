package escrow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-engine/internal/metrics"
	"github.com/Checker-Finance/p2p-engine/internal/store"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// AutoDisputer opens a system dispute on an escrow whose seller missed the
// release window. Implemented by the dispute service.
type AutoDisputer interface {
	OpenSystemDispute(ctx context.Context, esc *model.Escrow) error
}

// Sweeper periodically scans for escrows past their deadline.
//
// An expired payment window returns the funds and closes the escrow. An
// expired release window never refunds silently — the buyer claims to have
// paid, so the escrow goes to arbitration instead.
type Sweeper struct {
	store    store.Store
	ledger   *Ledger
	disputes AutoDisputer
	logger   *zap.Logger
	interval time.Duration
	batch    int
}

// NewSweeper creates a Sweeper. It does not start scanning until Start.
func NewSweeper(st store.Store, ledger *Ledger, disputes AutoDisputer, logger *zap.Logger, interval time.Duration, batch int) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    st,
		ledger:   ledger,
		disputes: disputes,
		logger:   logger,
		interval: interval,
		batch:    batch,
	}
}

// Start runs the sweep loop until the context is cancelled. One sweep runs
// immediately so a restart picks up overdue escrows without waiting a tick.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweeper.started",
		zap.Duration("interval", s.interval),
		zap.Int("batch", s.batch))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper.stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of overdue escrows. Failures on individual
// escrows are logged and retried on the next tick; a lost CAS race means a
// party's confirmation beat the deadline and is not an error.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	overdue, err := s.store.ListExpiredEscrows(ctx, now, s.batch)
	if err != nil {
		s.logger.Warn("sweeper.scan_failed", zap.Error(err))
		metrics.IncError("sweeper", "scan_failed")
		return
	}

	for i := range overdue {
		esc := &overdue[i]
		switch esc.State {
		case model.EscrowStateAwaitingPayment:
			expired, err := s.ledger.ExpirePaymentTimeout(ctx, esc.ID)
			if err != nil {
				s.logger.Warn("sweeper.expire_failed",
					zap.String("escrow_id", esc.ID), zap.Error(err))
				metrics.IncError("sweeper", "expire_failed")
				continue
			}
			if expired {
				metrics.SweepExpiredTotal.WithLabelValues("expired").Inc()
				s.logger.Info("sweeper.escrow_expired",
					zap.String("escrow_id", esc.ID),
					zap.String("trade_id", esc.TradeID))
			}
		case model.EscrowStateAwaitingRelease:
			if err := s.disputes.OpenSystemDispute(ctx, esc); err != nil {
				s.logger.Warn("sweeper.auto_dispute_failed",
					zap.String("escrow_id", esc.ID), zap.Error(err))
				metrics.IncError("sweeper", "auto_dispute_failed")
				continue
			}
			metrics.SweepExpiredTotal.WithLabelValues("auto_disputed").Inc()
			s.logger.Info("sweeper.escrow_auto_disputed",
				zap.String("escrow_id", esc.ID),
				zap.String("trade_id", esc.TradeID))
		}
	}

	metrics.SetLastSweep(now)
}
