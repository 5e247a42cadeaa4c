package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// Memory is a mutex-guarded in-memory Store. It implements the same CAS
// semantics as the Hybrid store and backs dev mode and the unit tests.
type Memory struct {
	mu       sync.Mutex
	orders   map[string]model.Order
	trades   map[string]model.Trade
	escrows  map[string]model.Escrow
	disputes map[string]model.Dispute
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:   make(map[string]model.Order),
		trades:   make(map[string]model.Trade),
		escrows:  make(map[string]model.Escrow),
		disputes: make(map[string]model.Dispute),
	}
}

func (m *Memory) CreateOrder(ctx context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = *o
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &o, nil
}

func openStatus(s model.OrderStatus) bool {
	return s == model.OrderStatusActive || s == model.OrderStatusPartiallyFilled
}

func (m *Memory) ListOpenOrders(ctx context.Context, asset, fiat string, side model.Side) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Order
	for _, o := range m.orders {
		if o.Asset == asset && o.FiatCurrency == fiat && o.Side == side && openStatus(o.Status) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) ListOrders(ctx context.Context, asset, fiat string, side model.Side) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Order
	for _, o := range m.orders {
		if asset != "" && o.Asset != asset {
			continue
		}
		if fiat != "" && o.FiatCurrency != fiat {
			continue
		}
		if side != "" && o.Side != side {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) HasActiveDuplicate(ctx context.Context, ownerID, asset, fiat string, side model.Side, price decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OwnerID == ownerID && o.Asset == asset && o.FiatCurrency == fiat &&
			o.Side == side && o.UnitPrice.Equal(price) && openStatus(o.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ApplyFill(ctx context.Context, orderID string, expectedFilled, newFilled decimal.Decimal) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, model.ErrNotFound
	}
	// Cancelled orders reject fills outright; otherwise the filled-quantity
	// guard decides (a fill can also be walked back after a failed
	// counterpart fill, which moves a filled order down again). Fills never
	// exceed the order quantity.
	if o.Status == model.OrderStatusCancelled || !o.FilledQuantity.Equal(expectedFilled) ||
		newFilled.GreaterThan(o.Quantity) || newFilled.IsNegative() {
		return nil, model.ErrConcurrentModification
	}
	o.FilledQuantity = newFilled
	o.Status = model.StatusForFill(o.Quantity, newFilled)
	m.orders[orderID] = o
	return &o, nil
}

func (m *Memory) CancelOrder(ctx context.Context, orderID string, expectedFilled decimal.Decimal) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if !openStatus(o.Status) {
		return nil, model.ErrInvalidState
	}
	if !o.FilledQuantity.Equal(expectedFilled) {
		return nil, model.ErrConcurrentModification
	}
	o.Status = model.OrderStatusCancelled
	m.orders[orderID] = o
	return &o, nil
}

func (m *Memory) CreateTrade(ctx context.Context, t *model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = *t
	return nil
}

func (m *Memory) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &t, nil
}

func (m *Memory) SetTradeStatus(ctx context.Context, tradeID string, status model.TradeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[tradeID]
	if !ok {
		return model.ErrNotFound
	}
	t.Status = status
	m.trades[tradeID] = t
	return nil
}

func (m *Memory) ListUserTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Trade
	for _, t := range m.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateEscrow(ctx context.Context, e *model.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.ID] = *e
	return nil
}

func (m *Memory) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &e, nil
}

func (m *Memory) TransitionEscrow(ctx context.Context, id string, from model.EscrowState, mutate func(*model.Escrow)) (*model.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if e.State != from {
		return nil, model.ErrConcurrentModification
	}
	mutate(&e)
	e.UpdatedAt = time.Now().UTC()
	m.escrows[id] = e
	return &e, nil
}

func (m *Memory) ListExpiredEscrows(ctx context.Context, before time.Time, limit int) ([]model.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Escrow
	for _, e := range m.escrows {
		if e.State != model.EscrowStateAwaitingPayment && e.State != model.EscrowStateAwaitingRelease {
			continue
		}
		if e.PaymentDeadline == nil || !e.PaymentDeadline.Before(before) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDeadline.Before(*out[j].PaymentDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateDispute(ctx context.Context, d *model.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = *d
	return nil
}

func (m *Memory) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &d, nil
}

func (m *Memory) GetOpenDisputeByEscrow(ctx context.Context, escrowID string) (*model.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.EscrowID == escrowID && d.ResolvedAt == nil {
			return &d, nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *Memory) ResolveDispute(ctx context.Context, id string, res model.Resolution, arbiterID, splitRatio string) (*model.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if d.ResolvedAt != nil {
		return nil, model.ErrAlreadyResolved
	}
	now := time.Now().UTC()
	d.Resolution = res
	d.ArbiterID = arbiterID
	d.SplitRatio = splitRatio
	d.ResolvedAt = &now
	m.disputes[id] = d
	return &d, nil
}

func (m *Memory) HealthCheck(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
