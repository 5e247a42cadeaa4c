package match

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/p2p-engine/internal/book"
	"github.com/Checker-Finance/p2p-engine/internal/store"
	"github.com/Checker-Finance/p2p-engine/pkg/eventbus"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// stubOpener stands in for the escrow ledger: it hands back a bare escrow
// per trade, or fails the lock for sellers listed in failSellers.
type stubOpener struct {
	mu          sync.Mutex
	opened      []*model.Trade
	failSellers map[string]bool
}

func (s *stubOpener) Open(_ context.Context, trade *model.Trade) (*model.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSellers[trade.SellerID] {
		return nil, model.ErrInsufficientFunds
	}
	s.opened = append(s.opened, trade)
	return &model.Escrow{
		ID:      uuid.New().String(),
		TradeID: trade.ID,
		State:   model.EscrowStateAwaitingPayment,
	}, nil
}

func newTestMatcher(opener EscrowOpener) (*Matcher, *book.Book, *store.Memory) {
	st := store.NewMemory()
	bus := eventbus.New()
	b := book.New(st, bus, nil)
	return New(st, b, opener, bus, nil), b, st
}

func placeReq(owner string, side model.Side, price, qty int64) book.PlaceRequest {
	return book.PlaceRequest{
		OwnerID:      owner,
		Side:         side,
		Asset:        "BTC",
		FiatCurrency: "USD",
		UnitPrice:    decimal.NewFromInt(price),
		Quantity:     decimal.NewFromInt(qty),
	}
}

func TestMatch_ExecutesAtRestingPrice(t *testing.T) {
	opener := &stubOpener{}
	m, b, st := newTestMatcher(opener)
	ctx := context.Background()

	_, err := b.Place(ctx, placeReq("seller", model.SideSell, 59500, 1))
	require.NoError(t, err)
	taker, err := b.Place(ctx, placeReq("buyer", model.SideBuy, 60000, 1))
	require.NoError(t, err)

	results, err := m.Match(ctx, taker.ID, "buyer")
	require.NoError(t, err)
	require.Len(t, results, 1)

	tr := results[0].Trade
	assert.True(t, tr.UnitPrice.Equal(decimal.NewFromInt(59500)), "trade executes at the resting order's price")
	assert.True(t, tr.FiatAmount.Equal(decimal.NewFromInt(59500)))
	assert.Equal(t, "buyer", tr.BuyerID)
	assert.Equal(t, "seller", tr.SellerID)
	assert.NotNil(t, results[0].Escrow)

	got, err := st.GetOrder(ctx, taker.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
}

func TestMatch_WalksCandidatesInPriorityOrder(t *testing.T) {
	opener := &stubOpener{}
	m, b, _ := newTestMatcher(opener)
	ctx := context.Background()

	cheap, err := b.Place(ctx, placeReq("s1", model.SideSell, 100, 2))
	require.NoError(t, err)
	_, err = b.Place(ctx, placeReq("s2", model.SideSell, 101, 3))
	require.NoError(t, err)

	taker, err := b.Place(ctx, placeReq("buyer", model.SideBuy, 101, 4))
	require.NoError(t, err)

	results, err := m.Match(ctx, taker.ID, "buyer")
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Cheapest resting order fills first and fully.
	assert.Equal(t, cheap.ID, results[0].Trade.SellOrderID)
	assert.True(t, results[0].Trade.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, results[0].Trade.UnitPrice.Equal(decimal.NewFromInt(100)))

	// Remainder goes to the next price level.
	assert.True(t, results[1].Trade.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, results[1].Trade.UnitPrice.Equal(decimal.NewFromInt(101)))

	// Fill invariant: trade quantities sum to the taker quantity.
	total := results[0].Trade.Quantity.Add(results[1].Trade.Quantity)
	assert.True(t, total.Equal(decimal.NewFromInt(4)))
}

func TestMatch_TimePriorityOnEqualPrice(t *testing.T) {
	opener := &stubOpener{}
	m, b, _ := newTestMatcher(opener)
	ctx := context.Background()

	first, err := b.Place(ctx, placeReq("s1", model.SideSell, 100, 1))
	require.NoError(t, err)
	_, err = b.Place(ctx, placeReq("s2", model.SideSell, 100, 1))
	require.NoError(t, err)

	taker, err := b.Place(ctx, placeReq("buyer", model.SideBuy, 100, 1))
	require.NoError(t, err)

	results, err := m.Match(ctx, taker.ID, "buyer")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, first.ID, results[0].Trade.SellOrderID, "earlier resting order fills first")
}

func TestMatch_NothingCrosses(t *testing.T) {
	opener := &stubOpener{}
	m, b, st := newTestMatcher(opener)
	ctx := context.Background()

	_, err := b.Place(ctx, placeReq("seller", model.SideSell, 105, 1))
	require.NoError(t, err)
	taker, err := b.Place(ctx, placeReq("buyer", model.SideBuy, 100, 1))
	require.NoError(t, err)

	results, err := m.Match(ctx, taker.ID, "buyer")
	require.NoError(t, err)
	assert.Empty(t, results)

	// Taker stays on the book untouched.
	got, err := st.GetOrder(ctx, taker.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusActive, got.Status)
	assert.True(t, got.FilledQuantity.IsZero())
}

func TestMatch_SkipsOwnOrders(t *testing.T) {
	opener := &stubOpener{}
	m, b, _ := newTestMatcher(opener)
	ctx := context.Background()

	_, err := b.Place(ctx, placeReq("alice", model.SideSell, 100, 1))
	require.NoError(t, err)
	taker, err := b.Place(ctx, placeReq("alice", model.SideBuy, 100, 1))
	require.NoError(t, err)

	results, err := m.Match(ctx, taker.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, results, "an order never matches its own owner")
}

func TestMatch_Authorization(t *testing.T) {
	opener := &stubOpener{}
	m, b, _ := newTestMatcher(opener)
	ctx := context.Background()

	taker, err := b.Place(ctx, placeReq("buyer", model.SideBuy, 100, 1))
	require.NoError(t, err)

	_, err = m.Match(ctx, taker.ID, "mallory")
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestMatch_LockFailureCancelsTradeAndContinues(t *testing.T) {
	opener := &stubOpener{failSellers: map[string]bool{"broke": true}}
	m, b, _ := newTestMatcher(opener)
	ctx := context.Background()

	_, err := b.Place(ctx, placeReq("broke", model.SideSell, 100, 1))
	require.NoError(t, err)
	_, err = b.Place(ctx, placeReq("funded", model.SideSell, 101, 1))
	require.NoError(t, err)

	taker, err := b.Place(ctx, placeReq("buyer", model.SideBuy, 101, 2))
	require.NoError(t, err)

	results, err := m.Match(ctx, taker.ID, "buyer")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, model.TradeStatusCancelled, results[0].Trade.Status)
	assert.Equal(t, "funded", results[1].Trade.SellerID)
	assert.Equal(t, model.TradeStatusOpen, results[1].Trade.Status)
}

func TestMatch_ConcurrentTakersNeverDoubleFill(t *testing.T) {
	opener := &stubOpener{}
	m, b, st := newTestMatcher(opener)
	ctx := context.Background()

	resting, err := b.Place(ctx, placeReq("seller", model.SideSell, 100, 1))
	require.NoError(t, err)

	const takers = 8
	takerIDs := make([]string, takers)
	for i := 0; i < takers; i++ {
		// Distinct prices keep the duplicate-order guard out of the way.
		o, err := b.Place(ctx, placeReq("buyer"+string(rune('a'+i)), model.SideBuy, int64(100+i), 1))
		require.NoError(t, err)
		takerIDs[i] = o.ID
	}

	var wg sync.WaitGroup
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := "buyer" + string(rune('a'+i))
			_, _ = m.Match(ctx, takerIDs[i], owner)
		}(i)
	}
	wg.Wait()

	// Exactly one taker won the single unit.
	opener.mu.Lock()
	defer opener.mu.Unlock()
	require.Len(t, opener.opened, 1)
	assert.True(t, opener.opened[0].Quantity.Equal(decimal.NewFromInt(1)))

	got, err := st.GetOrder(ctx, resting.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(1)), "resting order never over-fills")
}
