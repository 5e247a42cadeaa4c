// Package store persists orders, trades, escrows, and disputes.
//
// Two implementations share one contract: Hybrid (Postgres authoritative,
// Redis read-side cache) for production, and Memory for dev mode and tests.
// Mutations that guard the engine's invariants (order fills, escrow state
// transitions, dispute resolution) are compare-and-swap operations — they
// fail with model.ErrConcurrentModification when the expected prior state no
// longer holds, and the caller re-reads and retries.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// Store defines the persistence contract for the engine.
type Store interface {
	// Orders.
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	// ListOpenOrders returns active and partially filled orders for one
	// side of an asset/fiat pair. Ordering is not guaranteed; the book
	// applies price-time priority on top.
	ListOpenOrders(ctx context.Context, asset, fiat string, side model.Side) ([]model.Order, error)
	// ListOrders is the API listing query; empty filter values match all.
	ListOrders(ctx context.Context, asset, fiat string, side model.Side) ([]model.Order, error)
	// HasActiveDuplicate reports whether the owner already has an open
	// order with identical (asset, fiat, side, price).
	HasActiveDuplicate(ctx context.Context, ownerID, asset, fiat string, side model.Side, price decimal.Decimal) (bool, error)
	// ApplyFill moves an order's filled quantity from expectedFilled to
	// newFilled (CAS). The stored status derives from the new fill level;
	// the matcher also uses this to walk a fill back after a failed
	// counterpart fill.
	ApplyFill(ctx context.Context, orderID string, expectedFilled, newFilled decimal.Decimal) (*model.Order, error)
	// CancelOrder cancels the unfilled remainder of an order (CAS on the
	// filled quantity, so a concurrent fill invalidates the cancel).
	CancelOrder(ctx context.Context, orderID string, expectedFilled decimal.Decimal) (*model.Order, error)

	// Trades.
	CreateTrade(ctx context.Context, t *model.Trade) error
	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	SetTradeStatus(ctx context.Context, tradeID string, status model.TradeStatus) error
	ListUserTrades(ctx context.Context, userID string) ([]model.Trade, error)

	// Escrows.
	CreateEscrow(ctx context.Context, e *model.Escrow) error
	GetEscrow(ctx context.Context, id string) (*model.Escrow, error)
	// TransitionEscrow applies a state-machine step: it re-reads the
	// escrow, verifies the current state equals from, applies mutate, and
	// persists — atomically with respect to other transitions on the same
	// escrow. Returns model.ErrConcurrentModification if the state moved.
	TransitionEscrow(ctx context.Context, id string, from model.EscrowState, mutate func(*model.Escrow)) (*model.Escrow, error)
	// ListExpiredEscrows returns escrows still awaiting payment or release
	// whose deadline passed before the given instant. Disputed escrows are
	// excluded by construction.
	ListExpiredEscrows(ctx context.Context, before time.Time, limit int) ([]model.Escrow, error)

	// Disputes.
	CreateDispute(ctx context.Context, d *model.Dispute) error
	GetDispute(ctx context.Context, id string) (*model.Dispute, error)
	// GetOpenDisputeByEscrow returns the unresolved dispute for an escrow,
	// or model.ErrNotFound if there is none.
	GetOpenDisputeByEscrow(ctx context.Context, escrowID string) (*model.Dispute, error)
	// ResolveDispute records the verdict. A second resolution attempt
	// fails with model.ErrAlreadyResolved.
	ResolveDispute(ctx context.Context, id string, res model.Resolution, arbiterID, splitRatio string) (*model.Dispute, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
