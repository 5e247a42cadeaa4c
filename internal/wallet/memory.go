package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

type balanceKey struct {
	userID string
	asset  string
}

type lock struct {
	ownerID   string
	asset     string
	remaining decimal.Decimal
}

// MemoryCustody is an in-process decimal ledger implementing Custody. Dev
// mode and the tests run against it; production wires the real custody
// service behind the same interface.
type MemoryCustody struct {
	mu       sync.Mutex
	balances map[balanceKey]decimal.Decimal
	locks    map[string]lock
}

// NewMemoryCustody creates an empty ledger.
func NewMemoryCustody() *MemoryCustody {
	return &MemoryCustody{
		balances: make(map[balanceKey]decimal.Decimal),
		locks:    make(map[string]lock),
	}
}

// Deposit credits a user's available balance.
func (c *MemoryCustody) Deposit(userID, asset string, qty decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := balanceKey{userID, asset}
	c.balances[k] = c.balances[k].Add(qty)
}

// Balance returns a user's available (unlocked) balance.
func (c *MemoryCustody) Balance(userID, asset string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[balanceKey{userID, asset}]
}

func (c *MemoryCustody) Lock(ctx context.Context, ownerID, asset string, qty decimal.Decimal) (string, error) {
	if !qty.IsPositive() {
		return "", fmt.Errorf("%w: lock quantity must be positive", model.ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := balanceKey{ownerID, asset}
	if c.balances[k].LessThan(qty) {
		return "", fmt.Errorf("%w: %s has %s %s available, need %s",
			model.ErrInsufficientFunds, ownerID, c.balances[k], asset, qty)
	}

	c.balances[k] = c.balances[k].Sub(qty)
	token := "lck_" + uuid.New().String()
	c.locks[token] = lock{ownerID: ownerID, asset: asset, remaining: qty}
	return token, nil
}

func (c *MemoryCustody) Release(ctx context.Context, token, toUserID string, qty decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[token]
	if !ok {
		return fmt.Errorf("%w: lock token %s", model.ErrNotFound, token)
	}
	if qty.GreaterThan(l.remaining) {
		return fmt.Errorf("%w: release %s exceeds locked %s", model.ErrValidation, qty, l.remaining)
	}

	k := balanceKey{toUserID, l.asset}
	c.balances[k] = c.balances[k].Add(qty)

	l.remaining = l.remaining.Sub(qty)
	if l.remaining.IsZero() {
		delete(c.locks, token)
	} else {
		c.locks[token] = l
	}
	return nil
}

func (c *MemoryCustody) Unlock(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[token]
	if !ok {
		return fmt.Errorf("%w: lock token %s", model.ErrNotFound, token)
	}

	k := balanceKey{l.ownerID, l.asset}
	c.balances[k] = c.balances[k].Add(l.remaining)
	delete(c.locks, token)
	return nil
}
