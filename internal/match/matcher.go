// Package match walks the book's candidate list for a taker order and
// produces trades. Execution price is always the resting order's price;
// partial fills walk down the candidate list until the taker is exhausted.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-engine/internal/book"
	"github.com/Checker-Finance/p2p-engine/internal/metrics"
	"github.com/Checker-Finance/p2p-engine/internal/store"
	"github.com/Checker-Finance/p2p-engine/pkg/eventbus"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// EscrowOpener creates the escrow for a freshly matched trade. A trade is
// never observable without its escrow, so matching calls this before it
// reports the trade to the caller.
type EscrowOpener interface {
	Open(ctx context.Context, trade *model.Trade) (*model.Escrow, error)
}

// Result pairs a trade with the escrow that guards it.
type Result struct {
	Trade  *model.Trade  `json:"trade"`
	Escrow *model.Escrow `json:"escrow"`
}

// Matcher fills taker orders against the book.
type Matcher struct {
	store  store.Store
	book   *book.Book
	escrow EscrowOpener
	bus    *eventbus.Bus
	logger *zap.Logger
}

// New creates a Matcher.
func New(st store.Store, b *book.Book, escrow EscrowOpener, bus *eventbus.Bus, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{store: st, book: b, escrow: escrow, bus: bus, logger: logger}
}

// Match fills the taker order against the best-priced compatible
// counter-orders, oldest first among equal prices. Each fill produces one
// trade at the resting order's price plus its escrow. An empty result with
// no error means nothing crossed; the taker stays on the book.
//
// Fills claim quantity via compare-and-swap, so two concurrent takers can
// never double-spend a resting order: the loser of a race re-reads and
// moves on to whatever quantity is actually left.
func (m *Matcher) Match(ctx context.Context, takerOrderID, requesterID string) ([]Result, error) {
	start := time.Now()
	defer metrics.ObserveMatch(start)

	taker, err := m.store.GetOrder(ctx, takerOrderID)
	if err != nil {
		return nil, err
	}
	if taker.OwnerID != requesterID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", model.ErrUnauthorized, takerOrderID)
	}
	if taker.Status == model.OrderStatusCancelled || taker.Status == model.OrderStatusFilled {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrInvalidState, takerOrderID, taker.Status)
	}

	candidates, err := m.book.Candidates(ctx, taker)
	if err != nil {
		return nil, err
	}

	var results []Result
	for i := range candidates {
		if taker.Remaining().IsZero() {
			break
		}
		resting := candidates[i]
		if resting.OwnerID == taker.OwnerID {
			continue
		}

		fillQty, updatedResting, ok := m.claimResting(ctx, taker, &resting)
		if !ok {
			continue
		}

		updatedTaker, err := m.fillTaker(ctx, taker, fillQty)
		if err != nil {
			// The taker went away mid-match (cancelled by another
			// request). Hand the claimed quantity back.
			m.revertFill(ctx, updatedResting, fillQty)
			if errors.Is(err, model.ErrInvalidState) {
				return results, nil
			}
			return results, err
		}
		taker = updatedTaker

		res, err := m.settleFill(ctx, taker, &resting, fillQty)
		if err != nil {
			return results, err
		}
		if res != nil {
			results = append(results, *res)
		}
	}

	return results, nil
}

// claimResting takes min(taker remaining, resting remaining) from the
// resting order via CAS, re-reading on conflict until the claim lands or
// the order stops being fillable.
func (m *Matcher) claimResting(ctx context.Context, taker, resting *model.Order) (decimal.Decimal, *model.Order, bool) {
	for {
		if resting.Status == model.OrderStatusCancelled || resting.Status == model.OrderStatusFilled {
			return decimal.Zero, nil, false
		}

		fillQty := decimal.Min(taker.Remaining(), resting.Remaining())
		if !fillQty.IsPositive() {
			return decimal.Zero, nil, false
		}

		updated, err := m.store.ApplyFill(ctx, resting.ID, resting.FilledQuantity, resting.FilledQuantity.Add(fillQty))
		if errors.Is(err, model.ErrConcurrentModification) {
			metrics.IncCASConflict("match.resting_fill")
			cur, gerr := m.store.GetOrder(ctx, resting.ID)
			if gerr != nil {
				return decimal.Zero, nil, false
			}
			*resting = *cur
			continue
		}
		if err != nil {
			m.logger.Warn("match.resting_fill_failed",
				zap.String("order_id", resting.ID), zap.Error(err))
			return decimal.Zero, nil, false
		}
		return fillQty, updated, true
	}
}

// fillTaker applies the claimed quantity to the taker order, re-reading on
// conflict. Returns ErrInvalidState if the taker was cancelled underneath us.
func (m *Matcher) fillTaker(ctx context.Context, taker *model.Order, fillQty decimal.Decimal) (*model.Order, error) {
	for {
		updated, err := m.store.ApplyFill(ctx, taker.ID, taker.FilledQuantity, taker.FilledQuantity.Add(fillQty))
		if errors.Is(err, model.ErrConcurrentModification) {
			metrics.IncCASConflict("match.taker_fill")
			cur, gerr := m.store.GetOrder(ctx, taker.ID)
			if gerr != nil {
				return nil, gerr
			}
			if cur.Status == model.OrderStatusCancelled || cur.Remaining().LessThan(fillQty) {
				return nil, fmt.Errorf("%w: order %s is no longer fillable", model.ErrInvalidState, taker.ID)
			}
			taker = cur
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

// revertFill returns a claimed quantity to an order after the counterpart
// fill failed.
func (m *Matcher) revertFill(ctx context.Context, order *model.Order, fillQty decimal.Decimal) {
	if order == nil {
		return
	}
	for {
		_, err := m.store.ApplyFill(ctx, order.ID, order.FilledQuantity, order.FilledQuantity.Sub(fillQty))
		if errors.Is(err, model.ErrConcurrentModification) {
			cur, gerr := m.store.GetOrder(ctx, order.ID)
			if gerr != nil {
				return
			}
			order = cur
			continue
		}
		if err != nil {
			m.logger.Error("match.revert_failed",
				zap.String("order_id", order.ID), zap.Error(err))
			metrics.IncError("match", "revert_failed")
		}
		return
	}
}

// settleFill records the trade and opens its escrow. A failed custody lock
// leaves a cancelled trade and an expired escrow behind; the match
// continues with the next candidate.
func (m *Matcher) settleFill(ctx context.Context, taker, resting *model.Order, fillQty decimal.Decimal) (*Result, error) {
	price := resting.UnitPrice

	trade := &model.Trade{
		ID:           uuid.New().String(),
		Asset:        taker.Asset,
		FiatCurrency: taker.FiatCurrency,
		Quantity:     fillQty,
		UnitPrice:    price,
		FiatAmount:   price.Mul(fillQty),
		Status:       model.TradeStatusOpen,
		CreatedAt:    time.Now().UTC(),
	}
	if taker.Side == model.SideBuy {
		trade.BuyOrderID, trade.BuyerID = taker.ID, taker.OwnerID
		trade.SellOrderID, trade.SellerID = resting.ID, resting.OwnerID
	} else {
		trade.BuyOrderID, trade.BuyerID = resting.ID, resting.OwnerID
		trade.SellOrderID, trade.SellerID = taker.ID, taker.OwnerID
	}

	if err := m.store.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}

	esc, err := m.escrow.Open(ctx, trade)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientFunds) {
			m.logger.Warn("match.escrow_lock_failed",
				zap.String("trade_id", trade.ID),
				zap.String("seller_id", trade.SellerID))
			trade.Status = model.TradeStatusCancelled
			return &Result{Trade: trade, Escrow: esc}, nil
		}
		return nil, fmt.Errorf("failed to open escrow for trade %s: %w", trade.ID, err)
	}

	metrics.TradesMatchedTotal.Inc()
	m.bus.Publish(model.Event{
		Topic:   model.TopicTradeMatched,
		UserIDs: []string{trade.BuyerID, trade.SellerID},
		Payload: model.TradeMatchedPayload{
			TradeID:   trade.ID,
			EscrowID:  esc.ID,
			Asset:     trade.Asset,
			Fiat:      trade.FiatCurrency,
			Quantity:  trade.Quantity,
			UnitPrice: trade.UnitPrice,
		},
		Timestamp: time.Now().UTC(),
	})
	m.logger.Info("match.trade_created",
		zap.String("trade_id", trade.ID),
		zap.String("escrow_id", esc.ID),
		zap.String("quantity", fillQty.String()),
		zap.String("price", price.String()))

	return &Result{Trade: trade, Escrow: esc}, nil
}
