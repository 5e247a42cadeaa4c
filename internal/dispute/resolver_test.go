package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/p2p-engine/internal/escrow"
	"github.com/Checker-Finance/p2p-engine/internal/store"
	"github.com/Checker-Finance/p2p-engine/internal/wallet"
	"github.com/Checker-Finance/p2p-engine/pkg/eventbus"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

func newTestService() (*Service, *escrow.Ledger, *store.Memory, *wallet.MemoryCustody) {
	st := store.NewMemory()
	custody := wallet.NewMemoryCustody()
	bus := eventbus.New()
	ledger := escrow.NewLedger(st, custody, bus, nil, escrow.Config{
		PaymentWindow: 30 * time.Minute,
		ReleaseWindow: 30 * time.Minute,
		FeeBps:        100,
	})
	return NewService(st, ledger, bus, nil), ledger, st, custody
}

// liveEscrow seeds a trade for 1 BTC at 59500 USD and opens its escrow.
func liveEscrow(t *testing.T, ledger *escrow.Ledger, st *store.Memory, c *wallet.MemoryCustody) *model.Escrow {
	t.Helper()
	ctx := context.Background()
	trade := &model.Trade{
		ID:           uuid.New().String(),
		BuyerID:      "buyer",
		SellerID:     "seller",
		Asset:        "BTC",
		FiatCurrency: "USD",
		Quantity:     decimal.NewFromInt(1),
		UnitPrice:    decimal.NewFromInt(59500),
		FiatAmount:   decimal.NewFromInt(59500),
		Status:       model.TradeStatusOpen,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateTrade(ctx, trade))
	c.Deposit("seller", "BTC", decimal.NewFromInt(1))
	esc, err := ledger.Open(ctx, trade)
	require.NoError(t, err)
	return esc
}

func TestOpen_FreezesEscrow(t *testing.T) {
	s, ledger, st, c := newTestService()
	esc := liveEscrow(t, ledger, st, c)
	ctx := context.Background()

	d, err := s.Open(ctx, esc.ID, "buyer", "seller unreachable", []string{"chat-log.txt"})
	require.NoError(t, err)
	assert.Equal(t, "buyer", d.OpenedBy)
	assert.False(t, d.Resolved())

	got, err := ledger.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStateDisputed, got.State)

	// One open dispute per escrow.
	_, err = s.Open(ctx, esc.ID, "seller", "counter claim", nil)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestOpen_Guards(t *testing.T) {
	s, ledger, st, c := newTestService()
	esc := liveEscrow(t, ledger, st, c)
	ctx := context.Background()

	_, err := s.Open(ctx, esc.ID, "mallory", "I want in", nil)
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = s.Open(ctx, esc.ID, "buyer", "", nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	// A settled escrow cannot be disputed.
	_, err = ledger.ConfirmPayment(ctx, esc.ID, "buyer")
	require.NoError(t, err)
	_, err = ledger.ConfirmRelease(ctx, esc.ID, "seller")
	require.NoError(t, err)
	_, err = s.Open(ctx, esc.ID, "buyer", "too late", nil)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestOpenSystemDispute(t *testing.T) {
	s, ledger, st, c := newTestService()
	esc := liveEscrow(t, ledger, st, c)
	ctx := context.Background()

	_, err := ledger.ConfirmPayment(ctx, esc.ID, "buyer")
	require.NoError(t, err)

	cur, err := ledger.Get(ctx, esc.ID)
	require.NoError(t, err)
	require.NoError(t, s.OpenSystemDispute(ctx, cur))

	d, err := st.GetOpenDisputeByEscrow(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpenedBySystem, d.OpenedBy)
	assert.Equal(t, ReasonReleaseTimeout, d.Reason)
}

func TestOpenSystemDispute_LostRaceIsSilent(t *testing.T) {
	s, ledger, st, c := newTestService()
	esc := liveEscrow(t, ledger, st, c)
	ctx := context.Background()

	// The seller released just before the sweeper acted.
	_, err := ledger.ConfirmPayment(ctx, esc.ID, "buyer")
	require.NoError(t, err)
	stale, err := ledger.Get(ctx, esc.ID)
	require.NoError(t, err)
	_, err = ledger.ConfirmRelease(ctx, esc.ID, "seller")
	require.NoError(t, err)

	require.NoError(t, s.OpenSystemDispute(ctx, stale))

	_, err = st.GetOpenDisputeByEscrow(ctx, esc.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func disputed(t *testing.T, s *Service, ledger *escrow.Ledger, st *store.Memory, c *wallet.MemoryCustody) (*model.Escrow, *model.Dispute) {
	t.Helper()
	esc := liveEscrow(t, ledger, st, c)
	d, err := s.Open(context.Background(), esc.ID, "buyer", "seller unreachable", nil)
	require.NoError(t, err)
	return esc, d
}

func TestResolve_BuyerFavor(t *testing.T) {
	s, ledger, st, c := newTestService()
	esc, d := disputed(t, s, ledger, st, c)
	ctx := context.Background()

	resolved, err := s.Resolve(ctx, d.ID, model.ResolutionBuyerFavor, "arbiter-1", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, "arbiter-1", resolved.ArbiterID)

	assert.True(t, c.Balance("buyer", "BTC").Equal(decimal.NewFromInt(1)))

	got, err := ledger.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStateCompleted, got.State)
}

func TestResolve_SellerFavor(t *testing.T) {
	s, ledger, st, c := newTestService()
	esc, d := disputed(t, s, ledger, st, c)
	ctx := context.Background()

	_, err := s.Resolve(ctx, d.ID, model.ResolutionSellerFavor, "arbiter-1", decimal.Zero)
	require.NoError(t, err)

	assert.True(t, c.Balance("seller", "BTC").Equal(decimal.NewFromInt(1)))
	assert.True(t, c.Balance("buyer", "BTC").IsZero())

	got, err := ledger.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStateRefunded, got.State)

	tr, err := st.GetTrade(ctx, got.TradeID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeStatusCancelled, tr.Status)
}

func TestResolve_Split(t *testing.T) {
	s, ledger, st, c := newTestService()
	esc, d := disputed(t, s, ledger, st, c)
	ctx := context.Background()

	resolved, err := s.Resolve(ctx, d.ID, model.ResolutionSplit, "arbiter-1", decimal.RequireFromString("0.25"))
	require.NoError(t, err)
	assert.Equal(t, "0.25", resolved.SplitRatio)

	// A quarter of the asset to the buyer, the rest back to the seller.
	assert.True(t, c.Balance("buyer", "BTC").Equal(decimal.RequireFromString("0.25")))
	assert.True(t, c.Balance("seller", "BTC").Equal(decimal.RequireFromString("0.75")))

	got, err := ledger.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStateCompleted, got.State)
}

func TestResolve_OnlyOnce(t *testing.T) {
	s, ledger, st, c := newTestService()
	_, d := disputed(t, s, ledger, st, c)
	ctx := context.Background()

	_, err := s.Resolve(ctx, d.ID, model.ResolutionBuyerFavor, "arbiter-1", decimal.Zero)
	require.NoError(t, err)

	_, err = s.Resolve(ctx, d.ID, model.ResolutionSellerFavor, "arbiter-2", decimal.Zero)
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
}

func TestResolve_Validation(t *testing.T) {
	s, ledger, st, c := newTestService()
	_, d := disputed(t, s, ledger, st, c)
	ctx := context.Background()

	_, err := s.Resolve(ctx, d.ID, "coin_flip", "arbiter-1", decimal.Zero)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = s.Resolve(ctx, d.ID, model.ResolutionSplit, "arbiter-1", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = s.Resolve(ctx, d.ID, model.ResolutionSplit, "arbiter-1", decimal.Zero)
	assert.ErrorIs(t, err, model.ErrValidation)

	// Parties cannot arbitrate their own dispute.
	_, err = s.Resolve(ctx, d.ID, model.ResolutionBuyerFavor, "buyer", decimal.Zero)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}
