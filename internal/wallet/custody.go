// Package wallet abstracts asset custody. The engine only ever locks a
// seller's quantity, releases part or all of a lock to a recipient, or
// unlocks the remainder back to the owner — actual on-chain or fiat
// settlement rails live behind this interface.
package wallet

import (
	"context"

	"github.com/shopspring/decimal"
)

// Custody is the wallet collaborator consumed by the escrow ledger.
type Custody interface {
	// Lock moves qty of the owner's asset out of general circulation and
	// returns a lock token. Fails with model.ErrInsufficientFunds when
	// the available balance does not cover qty.
	Lock(ctx context.Context, ownerID, asset string, qty decimal.Decimal) (string, error)
	// Release transfers qty from the lock to the recipient. Releasing
	// less than the locked quantity leaves the remainder under the token.
	Release(ctx context.Context, token, toUserID string, qty decimal.Decimal) error
	// Unlock returns whatever remains under the token to its owner.
	Unlock(ctx context.Context, token string) error
}
