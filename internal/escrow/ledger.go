// Package escrow owns the trade settlement state machine.
//
// States: created → awaiting_payment → awaiting_release → completed, with
// side exits to expired (deadline passed), and to disputed → completed or
// refunded (arbitration). Every step is a compare-and-swap against the
// expected prior state, so no two transitions on the same escrow can both
// succeed from the same starting point.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-engine/internal/fee"
	"github.com/Checker-Finance/p2p-engine/internal/metrics"
	"github.com/Checker-Finance/p2p-engine/internal/store"
	"github.com/Checker-Finance/p2p-engine/internal/wallet"
	"github.com/Checker-Finance/p2p-engine/pkg/eventbus"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// Config holds the trading parameters the ledger needs.
type Config struct {
	PaymentWindow time.Duration // buyer must confirm payment within this window
	ReleaseWindow time.Duration // seller must release within this window after payment
	FeeBps        int64         // platform fee in basis points
}

// Ledger creates and mutates escrow records.
type Ledger struct {
	store   store.Store
	custody wallet.Custody
	bus     *eventbus.Bus
	logger  *zap.Logger
	cfg     Config
}

// NewLedger creates a Ledger.
func NewLedger(st store.Store, custody wallet.Custody, bus *eventbus.Bus, logger *zap.Logger, cfg Config) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: st, custody: custody, bus: bus, logger: logger, cfg: cfg}
}

// Get returns an escrow by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*model.Escrow, error) {
	return l.store.GetEscrow(ctx, id)
}

// Open creates the escrow for a freshly matched trade and locks the
// seller's quantity. A failed lock (insufficient balance) is the only path
// that terminates an escrow before payment: the escrow goes straight to
// expired with reason lock_failed and the trade is marked cancelled; the
// returned error wraps model.ErrInsufficientFunds.
func (l *Ledger) Open(ctx context.Context, trade *model.Trade) (*model.Escrow, error) {
	now := time.Now().UTC()
	esc := &model.Escrow{
		ID:             uuid.New().String(),
		TradeID:        trade.ID,
		BuyerID:        trade.BuyerID,
		SellerID:       trade.SellerID,
		Asset:          trade.Asset,
		FiatCurrency:   trade.FiatCurrency,
		State:          model.EscrowStateCreated,
		LockedQuantity: trade.Quantity,
		FiatAmount:     trade.FiatAmount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.CreateEscrow(ctx, esc); err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	token, err := l.custody.Lock(ctx, trade.SellerID, trade.Asset, trade.Quantity)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientFunds) {
			esc, terr := l.store.TransitionEscrow(ctx, esc.ID, model.EscrowStateCreated, func(e *model.Escrow) {
				e.State = model.EscrowStateExpired
				e.Reason = model.ExpiryReasonLockFailed
			})
			if terr != nil {
				return nil, fmt.Errorf("failed to expire escrow after lock failure: %w", terr)
			}
			if serr := l.store.SetTradeStatus(ctx, trade.ID, model.TradeStatusCancelled); serr != nil {
				l.logger.Error("escrow.trade_cancel_failed",
					zap.String("trade_id", trade.ID), zap.Error(serr))
			}
			l.notifyTransition(esc, model.EscrowStateCreated, model.ExpiryReasonLockFailed)
			return esc, fmt.Errorf("seller funds unavailable: %w", err)
		}
		return nil, fmt.Errorf("custody lock failed: %w", err)
	}

	deadline := now.Add(l.cfg.PaymentWindow)
	esc, err = l.store.TransitionEscrow(ctx, esc.ID, model.EscrowStateCreated, func(e *model.Escrow) {
		e.State = model.EscrowStateAwaitingPayment
		e.LockToken = token
		e.PaymentDeadline = &deadline
	})
	if err != nil {
		return nil, fmt.Errorf("failed to activate escrow: %w", err)
	}

	l.notifyTransition(esc, model.EscrowStateCreated, "")
	return esc, nil
}

// ConfirmPayment records the buyer's claim of having paid and moves the
// escrow to awaiting_release. The deadline is replaced: the seller now has
// the release window.
func (l *Ledger) ConfirmPayment(ctx context.Context, escrowID, actorID string) (*model.Escrow, error) {
	esc, err := l.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actorID != esc.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer may confirm payment", model.ErrUnauthorized)
	}
	if esc.State != model.EscrowStateAwaitingPayment {
		return nil, fmt.Errorf("%w: escrow is %s", model.ErrInvalidState, esc.State)
	}

	now := time.Now().UTC()
	deadline := now.Add(l.cfg.ReleaseWindow)
	updated, err := l.store.TransitionEscrow(ctx, escrowID, model.EscrowStateAwaitingPayment, func(e *model.Escrow) {
		e.State = model.EscrowStateAwaitingRelease
		e.PaymentConfirmedAt = &now
		e.PaymentDeadline = &deadline
	})
	if errors.Is(err, model.ErrConcurrentModification) {
		// Lost the race — typically to the expiry sweeper. The re-read
		// state tells the caller what actually happened.
		metrics.IncCASConflict("escrow.confirm_payment")
		cur, gerr := l.store.GetEscrow(ctx, escrowID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: escrow is %s", model.ErrInvalidState, cur.State)
	}
	if err != nil {
		return nil, err
	}

	l.notifyTransition(updated, model.EscrowStateAwaitingPayment, "")
	return updated, nil
}

// ConfirmRelease is the single point where funds actually move: the seller
// acknowledges the fiat payment, the escrow completes, and the locked
// quantity is released to the buyer. The settlement breakdown is computed
// here and recorded on the escrow.
func (l *Ledger) ConfirmRelease(ctx context.Context, escrowID, actorID string) (*model.Escrow, error) {
	esc, err := l.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actorID != esc.SellerID {
		return nil, fmt.Errorf("%w: only the seller may confirm release", model.ErrUnauthorized)
	}
	if esc.State != model.EscrowStateAwaitingRelease {
		return nil, fmt.Errorf("%w: escrow is %s", model.ErrInvalidState, esc.State)
	}

	stl, err := fee.Settle(esc.FiatAmount, l.cfg.FeeBps, decimal.NewFromInt(1), esc.FiatCurrency)
	if err != nil {
		return nil, fmt.Errorf("settlement computation failed: %w", err)
	}

	now := time.Now().UTC()
	updated, err := l.store.TransitionEscrow(ctx, escrowID, model.EscrowStateAwaitingRelease, func(e *model.Escrow) {
		e.State = model.EscrowStateCompleted
		e.ReleaseConfirmedAt = &now
		e.PaymentDeadline = nil
		e.FeeAmount = stl.Fee
		e.NetAmount = stl.Net
	})
	if errors.Is(err, model.ErrConcurrentModification) {
		metrics.IncCASConflict("escrow.confirm_release")
		cur, gerr := l.store.GetEscrow(ctx, escrowID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: escrow is %s", model.ErrInvalidState, cur.State)
	}
	if err != nil {
		return nil, err
	}

	l.settleFunds(ctx, updated, updated.LockedQuantity)
	if serr := l.store.SetTradeStatus(ctx, updated.TradeID, model.TradeStatusSettled); serr != nil {
		l.logger.Error("escrow.trade_settle_failed",
			zap.String("trade_id", updated.TradeID), zap.Error(serr))
	}

	l.notifyTransition(updated, model.EscrowStateAwaitingRelease, "")
	return updated, nil
}

// Cancel aborts an escrow in awaiting_payment. The buyer may cancel
// unilaterally (they have not acted yet); the seller's cancel only records
// a request, and the escrow aborts when the buyer agrees. Nobody can
// unilaterally walk away after the counterparty acted in good faith.
func (l *Ledger) Cancel(ctx context.Context, escrowID, actorID string) (*model.Escrow, error) {
	esc, err := l.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actorID != esc.BuyerID && actorID != esc.SellerID {
		return nil, fmt.Errorf("%w: not a party to this escrow", model.ErrUnauthorized)
	}
	if esc.State != model.EscrowStateAwaitingPayment {
		return nil, fmt.Errorf("%w: escrow is %s", model.ErrInvalidState, esc.State)
	}

	mutual := esc.CancelRequestedBy != "" && esc.CancelRequestedBy != actorID
	if actorID == esc.SellerID && !mutual {
		// First seller request: record it, nothing aborts yet.
		updated, err := l.store.TransitionEscrow(ctx, escrowID, model.EscrowStateAwaitingPayment, func(e *model.Escrow) {
			e.CancelRequestedBy = actorID
		})
		if errors.Is(err, model.ErrConcurrentModification) {
			metrics.IncCASConflict("escrow.cancel")
			cur, gerr := l.store.GetEscrow(ctx, escrowID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, fmt.Errorf("%w: escrow is %s", model.ErrInvalidState, cur.State)
		}
		return updated, err
	}

	updated, err := l.store.TransitionEscrow(ctx, escrowID, model.EscrowStateAwaitingPayment, func(e *model.Escrow) {
		e.State = model.EscrowStateExpired
		e.Reason = model.ExpiryReasonCancelled
		e.PaymentDeadline = nil
	})
	if errors.Is(err, model.ErrConcurrentModification) {
		metrics.IncCASConflict("escrow.cancel")
		cur, gerr := l.store.GetEscrow(ctx, escrowID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: escrow is %s", model.ErrInvalidState, cur.State)
	}
	if err != nil {
		return nil, err
	}

	l.unlockFunds(ctx, updated)
	if serr := l.store.SetTradeStatus(ctx, updated.TradeID, model.TradeStatusCancelled); serr != nil {
		l.logger.Error("escrow.trade_cancel_failed",
			zap.String("trade_id", updated.TradeID), zap.Error(serr))
	}

	l.notifyTransition(updated, model.EscrowStateAwaitingPayment, model.ExpiryReasonCancelled)
	return updated, nil
}

// ExpirePaymentTimeout forces an awaiting_payment escrow past its deadline
// to expired and returns the seller's funds. A lost CAS race means a
// confirmation beat the sweeper — expected, reported as (false, nil).
func (l *Ledger) ExpirePaymentTimeout(ctx context.Context, escrowID string) (bool, error) {
	updated, err := l.store.TransitionEscrow(ctx, escrowID, model.EscrowStateAwaitingPayment, func(e *model.Escrow) {
		e.State = model.EscrowStateExpired
		e.Reason = model.ExpiryReasonPaymentTimeout
		e.PaymentDeadline = nil
	})
	if errors.Is(err, model.ErrConcurrentModification) {
		metrics.IncCASConflict("escrow.expire")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l.unlockFunds(ctx, updated)
	if serr := l.store.SetTradeStatus(ctx, updated.TradeID, model.TradeStatusCancelled); serr != nil {
		l.logger.Error("escrow.trade_cancel_failed",
			zap.String("trade_id", updated.TradeID), zap.Error(serr))
	}

	l.notifyTransition(updated, model.EscrowStateAwaitingPayment, model.ExpiryReasonPaymentTimeout)
	return true, nil
}

// MarkDisputed freezes an escrow in the disputed state. Legal from
// awaiting_payment and awaiting_release only; disputed escrows drop out of
// the expiry scan.
func (l *Ledger) MarkDisputed(ctx context.Context, escrowID string, from model.EscrowState) (*model.Escrow, error) {
	if from != model.EscrowStateAwaitingPayment && from != model.EscrowStateAwaitingRelease {
		return nil, fmt.Errorf("%w: cannot dispute from %s", model.ErrInvalidState, from)
	}
	now := time.Now().UTC()
	updated, err := l.store.TransitionEscrow(ctx, escrowID, from, func(e *model.Escrow) {
		e.State = model.EscrowStateDisputed
		e.DisputeOpenedAt = &now
		e.PaymentDeadline = nil
	})
	if err != nil {
		return nil, err
	}

	l.notifyTransition(updated, from, "")
	return updated, nil
}

// ResolveCompleted settles a disputed escrow in the buyer's favor.
// splitRatio scales the seller's fiat share and the buyer's asset share; a
// full buyer_favor resolution passes 1. The asset remainder of a split
// returns to the seller.
func (l *Ledger) ResolveCompleted(ctx context.Context, escrowID string, splitRatio decimal.Decimal) (*model.Escrow, error) {
	esc, err := l.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	stl, err := fee.Settle(esc.FiatAmount, l.cfg.FeeBps, splitRatio, esc.FiatCurrency)
	if err != nil {
		return nil, fmt.Errorf("settlement computation failed: %w", err)
	}

	updated, err := l.store.TransitionEscrow(ctx, escrowID, model.EscrowStateDisputed, func(e *model.Escrow) {
		e.State = model.EscrowStateCompleted
		e.FeeAmount = stl.Fee
		e.NetAmount = stl.Net
	})
	if err != nil {
		return nil, err
	}

	buyerQty := updated.LockedQuantity.Mul(splitRatio)
	l.settleFunds(ctx, updated, buyerQty)
	if serr := l.store.SetTradeStatus(ctx, updated.TradeID, model.TradeStatusSettled); serr != nil {
		l.logger.Error("escrow.trade_settle_failed",
			zap.String("trade_id", updated.TradeID), zap.Error(serr))
	}

	l.notifyTransition(updated, model.EscrowStateDisputed, "")
	return updated, nil
}

// ResolveRefunded settles a disputed escrow in the seller's favor: the
// locked quantity returns to the seller and the trade is cancelled.
func (l *Ledger) ResolveRefunded(ctx context.Context, escrowID string) (*model.Escrow, error) {
	updated, err := l.store.TransitionEscrow(ctx, escrowID, model.EscrowStateDisputed, func(e *model.Escrow) {
		e.State = model.EscrowStateRefunded
	})
	if err != nil {
		return nil, err
	}

	l.unlockFunds(ctx, updated)
	if serr := l.store.SetTradeStatus(ctx, updated.TradeID, model.TradeStatusCancelled); serr != nil {
		l.logger.Error("escrow.trade_cancel_failed",
			zap.String("trade_id", updated.TradeID), zap.Error(serr))
	}

	l.notifyTransition(updated, model.EscrowStateDisputed, "")
	return updated, nil
}

// settleFunds releases buyerQty to the buyer and unlocks any remainder back
// to the seller. The state transition has already committed; a custody
// failure here is logged for manual resolution, never rolled back.
func (l *Ledger) settleFunds(ctx context.Context, esc *model.Escrow, buyerQty decimal.Decimal) {
	if esc.LockToken == "" {
		return
	}
	if buyerQty.IsPositive() {
		if err := l.custody.Release(ctx, esc.LockToken, esc.BuyerID, buyerQty); err != nil {
			l.logger.Error("escrow.release_failed",
				zap.String("escrow_id", esc.ID),
				zap.String("buyer_id", esc.BuyerID),
				zap.Error(err))
			metrics.IncError("escrow", "release_failed")
			return
		}
	}
	if buyerQty.LessThan(esc.LockedQuantity) {
		if err := l.custody.Unlock(ctx, esc.LockToken); err != nil {
			l.logger.Error("escrow.remainder_unlock_failed",
				zap.String("escrow_id", esc.ID), zap.Error(err))
			metrics.IncError("escrow", "unlock_failed")
		}
	}
}

func (l *Ledger) unlockFunds(ctx context.Context, esc *model.Escrow) {
	if esc.LockToken == "" {
		return
	}
	if err := l.custody.Unlock(ctx, esc.LockToken); err != nil {
		l.logger.Error("escrow.unlock_failed",
			zap.String("escrow_id", esc.ID), zap.Error(err))
		metrics.IncError("escrow", "unlock_failed")
	}
}

// notifyTransition publishes the transition to both parties. Delivery is
// fire-and-forget; it can never fail the transition itself.
func (l *Ledger) notifyTransition(esc *model.Escrow, from model.EscrowState, reason string) {
	metrics.IncEscrowTransition(string(from), string(esc.State))
	l.bus.Publish(model.Event{
		Topic:   model.TopicEscrowTransition,
		UserIDs: []string{esc.BuyerID, esc.SellerID},
		Payload: model.EscrowTransitionPayload{
			EscrowID: esc.ID,
			TradeID:  esc.TradeID,
			From:     from,
			To:       esc.State,
			Reason:   reason,
		},
		Timestamp: time.Now().UTC(),
	})
}
