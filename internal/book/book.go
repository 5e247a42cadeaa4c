// Package book stores and indexes open orders and answers the matcher's
// query: opposite side, same asset/fiat pair, still open, price compatible,
// best price first and oldest first among ties.
package book

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-engine/internal/metrics"
	"github.com/Checker-Finance/p2p-engine/internal/store"
	"github.com/Checker-Finance/p2p-engine/pkg/eventbus"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// Book is the order placement and candidate-query service.
type Book struct {
	store  store.Store
	bus    *eventbus.Bus
	logger *zap.Logger
}

// New creates a Book over the given store.
func New(st store.Store, bus *eventbus.Bus, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{store: st, bus: bus, logger: logger}
}

// PlaceRequest carries the fields of a new order.
type PlaceRequest struct {
	OwnerID        string
	Side           model.Side
	Asset          string
	FiatCurrency   string
	UnitPrice      decimal.Decimal
	Quantity       decimal.Decimal
	PaymentMethods []string
}

func (r PlaceRequest) validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", model.ErrValidation)
	}
	if !r.Side.Valid() {
		return fmt.Errorf("%w: side must be 'buy' or 'sell'", model.ErrValidation)
	}
	if r.Asset == "" || r.FiatCurrency == "" {
		return fmt.Errorf("%w: asset and fiat currency are required", model.ErrValidation)
	}
	if !r.UnitPrice.IsPositive() {
		return fmt.Errorf("%w: unit price must be positive", model.ErrValidation)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", model.ErrValidation)
	}
	return nil
}

// Place validates and stores a new order. An owner may not hold two open
// orders with identical (asset, fiat, side, price) — that would make
// self-matching ambiguous.
func (b *Book) Place(ctx context.Context, req PlaceRequest) (*model.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	dup, err := b.store.HasActiveDuplicate(ctx, req.OwnerID, req.Asset, req.FiatCurrency, req.Side, req.UnitPrice)
	if err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}
	if dup {
		return nil, fmt.Errorf("%w: an identical active order already exists", model.ErrValidation)
	}

	order := &model.Order{
		ID:             uuid.New().String(),
		OwnerID:        req.OwnerID,
		Side:           req.Side,
		Asset:          req.Asset,
		FiatCurrency:   req.FiatCurrency,
		UnitPrice:      req.UnitPrice,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		PaymentMethods: req.PaymentMethods,
		Status:         model.OrderStatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	if err := b.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to store order: %w", err)
	}

	metrics.OrdersPlacedTotal.WithLabelValues(string(order.Side)).Inc()
	b.bus.Publish(model.Event{
		Topic:     model.TopicOrderPlaced,
		UserIDs:   []string{order.OwnerID},
		Payload:   order,
		Timestamp: time.Now().UTC(),
	})

	return order, nil
}

// Cancel cancels the unfilled remainder of an order. Quantity already
// matched is untouched; its trade and escrow lifecycles are independent.
func (b *Book) Cancel(ctx context.Context, orderID, requesterID string) (*model.Order, error) {
	for {
		o, err := b.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.OwnerID != requesterID {
			return nil, fmt.Errorf("%w: order %s belongs to another user", model.ErrUnauthorized, orderID)
		}
		if o.Status == model.OrderStatusCancelled || o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
			return nil, fmt.Errorf("%w: order %s has no open remainder", model.ErrInvalidState, orderID)
		}

		cancelled, err := b.store.CancelOrder(ctx, orderID, o.FilledQuantity)
		if errors.Is(err, model.ErrConcurrentModification) {
			// A fill landed between the read and the cancel; re-read
			// and try again against the new remainder.
			metrics.IncCASConflict("book.cancel")
			continue
		}
		if err != nil {
			return nil, err
		}

		b.bus.Publish(model.Event{
			Topic:     model.TopicOrderCancelled,
			UserIDs:   []string{cancelled.OwnerID},
			Payload:   cancelled,
			Timestamp: time.Now().UTC(),
		})
		return cancelled, nil
	}
}

// Get returns a single order.
func (b *Book) Get(ctx context.Context, orderID string) (*model.Order, error) {
	return b.store.GetOrder(ctx, orderID)
}

// List returns orders for the API listing; empty filters match all.
func (b *Book) List(ctx context.Context, asset, fiat string, side model.Side) ([]model.Order, error) {
	if side != "" && !side.Valid() {
		return nil, fmt.Errorf("%w: side must be 'buy' or 'sell'", model.ErrValidation)
	}
	return b.store.ListOrders(ctx, asset, fiat, side)
}

// Candidates returns the open counter-orders a taker could fill against,
// ordered by price priority (best price for the taker first) and time
// priority (earlier placement first) among equal prices. This ordering is
// the book's fairness guarantee — it decides who matches first.
func (b *Book) Candidates(ctx context.Context, taker *model.Order) ([]model.Order, error) {
	open, err := b.store.ListOpenOrders(ctx, taker.Asset, taker.FiatCurrency, taker.Side.Opposite())
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}

	candidates := open[:0]
	for _, o := range open {
		if priceCompatible(taker, &o) {
			candidates = append(candidates, o)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].UnitPrice, candidates[j].UnitPrice
		if !pi.Equal(pj) {
			if taker.Side == model.SideBuy {
				// Taker buys: cheapest sell first.
				return pi.LessThan(pj)
			}
			// Taker sells: highest bid first.
			return pi.GreaterThan(pj)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	return candidates, nil
}

// priceCompatible applies the crossing rule: a buy at p_b matches a sell at
// p_s iff p_b >= p_s.
func priceCompatible(taker, resting *model.Order) bool {
	if taker.Side == model.SideBuy {
		return taker.UnitPrice.GreaterThanOrEqual(resting.UnitPrice)
	}
	return resting.UnitPrice.GreaterThanOrEqual(taker.UnitPrice)
}
