package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/p2p-engine/internal/book"
	"github.com/Checker-Finance/p2p-engine/internal/dispute"
	"github.com/Checker-Finance/p2p-engine/internal/escrow"
	"github.com/Checker-Finance/p2p-engine/internal/match"
	"github.com/Checker-Finance/p2p-engine/internal/store"
	"github.com/Checker-Finance/p2p-engine/internal/wallet"
	"github.com/Checker-Finance/p2p-engine/pkg/eventbus"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// newTestApp wires the full engine over the in-memory store and custody so
// handler tests exercise real semantics end to end.
func newTestApp(t *testing.T) (*fiber.App, *wallet.MemoryCustody) {
	t.Helper()

	st := store.NewMemory()
	custody := wallet.NewMemoryCustody()
	bus := eventbus.New()

	b := book.New(st, bus, nil)
	ledger := escrow.NewLedger(st, custody, bus, nil, escrow.Config{
		PaymentWindow: 30 * time.Minute,
		ReleaseWindow: 30 * time.Minute,
		FeeBps:        100,
	})
	m := match.New(st, b, ledger, bus, nil)
	disputes := dispute.NewService(st, ledger, bus, nil)

	h := NewHandler(nil, b, m, ledger, st, disputes)
	app := fiber.New()
	RegisterRoutes(app, nil, st, h)
	return app, custody
}

func doJSON(t *testing.T, app *fiber.App, method, path, user, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func placeOrder(t *testing.T, app *fiber.App, user, side string, price, qty string) model.Order {
	t.Helper()
	body := `{"side":"` + side + `","asset":"BTC","fiat_currency":"USD","unit_price":"` + price + `","quantity":"` + qty + `","payment_methods":["bank_transfer"]}`
	resp, data := doJSON(t, app, http.MethodPost, "/api/v1/orders", user, body)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(data))
	var o model.Order
	require.NoError(t, json.Unmarshal(data, &o))
	return o
}

func TestPlaceOrder(t *testing.T) {
	app, _ := newTestApp(t)

	o := placeOrder(t, app, "alice", "sell", "59500", "1")
	assert.Equal(t, "alice", o.OwnerID)
	assert.Equal(t, model.OrderStatusActive, o.Status)
}

func TestPlaceOrder_RequiresIdentity(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/v1/orders", "",
		`{"side":"sell","asset":"BTC","fiat_currency":"USD","unit_price":"1","quantity":"1"}`)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestPlaceOrder_Validation(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/v1/orders", "alice",
		`{"side":"sideways","asset":"BTC","fiat_currency":"USD","unit_price":"1","quantity":"1"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCancelOrder_WrongOwner(t *testing.T) {
	app, _ := newTestApp(t)
	o := placeOrder(t, app, "alice", "sell", "59500", "1")

	resp, _ := doJSON(t, app, http.MethodDelete, "/api/v1/orders/"+o.ID, "mallory", "")
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestGetOrder_NotFound(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/api/v1/orders/nope", "alice", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

// matchOne places a crossing pair and matches it, returning the escrow.
func matchOne(t *testing.T, app *fiber.App, c *wallet.MemoryCustody) model.Escrow {
	t.Helper()
	c.Deposit("seller", "BTC", decimal.NewFromInt(1))
	placeOrder(t, app, "seller", "sell", "59500", "1")
	taker := placeOrder(t, app, "buyer", "buy", "60000", "1")

	resp, data := doJSON(t, app, http.MethodPost, "/api/v1/orders/"+taker.ID+"/match", "buyer", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(data))

	var out struct {
		Matches []match.Result `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Matches, 1)
	return *out.Matches[0].Escrow
}

func TestFullSettlementFlow(t *testing.T) {
	app, custody := newTestApp(t)
	esc := matchOne(t, app, custody)

	assert.Equal(t, model.EscrowStateAwaitingPayment, esc.State)

	// Trade executed at the resting price.
	assert.True(t, esc.FiatAmount.Equal(decimal.NewFromInt(59500)))

	// Seller cannot confirm the buyer's payment.
	resp, _ := doJSON(t, app, http.MethodPost, "/api/v1/escrows/"+esc.ID+"/confirm-payment", "seller", "")
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, data := doJSON(t, app, http.MethodPost, "/api/v1/escrows/"+esc.ID+"/confirm-payment", "buyer", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(data))

	resp, data = doJSON(t, app, http.MethodPost, "/api/v1/escrows/"+esc.ID+"/confirm-release", "seller", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(data))

	var done model.Escrow
	require.NoError(t, json.Unmarshal(data, &done))
	assert.Equal(t, model.EscrowStateCompleted, done.State)
	assert.True(t, done.FeeAmount.Equal(decimal.RequireFromString("595.00")))

	assert.True(t, custody.Balance("buyer", "BTC").Equal(decimal.NewFromInt(1)))

	// Repeating a confirmation is a conflict.
	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/escrows/"+esc.ID+"/confirm-payment", "buyer", "")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestGetEscrow_PartiesOnly(t *testing.T) {
	app, custody := newTestApp(t)
	esc := matchOne(t, app, custody)

	resp, _ := doJSON(t, app, http.MethodGet, "/api/v1/escrows/"+esc.ID, "buyer", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/escrows/"+esc.ID, "mallory", "")
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestListTrades(t *testing.T) {
	app, custody := newTestApp(t)
	matchOne(t, app, custody)

	resp, data := doJSON(t, app, http.MethodGet, "/api/v1/trades", "buyer", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out struct {
		Trades []model.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Trades, 1)
	assert.Equal(t, "buyer", out.Trades[0].BuyerID)

	// A stranger sees nothing.
	resp, data = doJSON(t, app, http.MethodGet, "/api/v1/trades", "mallory", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Empty(t, out.Trades)
}

func TestDisputeFlow(t *testing.T) {
	app, custody := newTestApp(t)
	esc := matchOne(t, app, custody)

	resp, data := doJSON(t, app, http.MethodPost, "/api/v1/escrows/"+esc.ID+"/dispute", "buyer",
		`{"reason":"seller unreachable","evidence":["chat-log.txt"]}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(data))

	var d model.Dispute
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, "buyer", d.OpenedBy)

	// A party cannot arbitrate.
	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/disputes/"+d.ID+"/resolve", "buyer",
		`{"resolution":"buyer_favor"}`)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, data = doJSON(t, app, http.MethodPost, "/api/v1/disputes/"+d.ID+"/resolve", "arbiter-1",
		`{"resolution":"split","split_ratio":"0.5"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(data))

	var resolved model.Dispute
	require.NoError(t, json.Unmarshal(data, &resolved))
	assert.True(t, resolved.Resolved())

	assert.True(t, custody.Balance("buyer", "BTC").Equal(decimal.RequireFromString("0.5")))
	assert.True(t, custody.Balance("seller", "BTC").Equal(decimal.RequireFromString("0.5")))

	// Verdicts are final.
	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/disputes/"+d.ID+"/resolve", "arbiter-2",
		`{"resolution":"seller_favor"}`)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestMatchOrder_InsufficientSellerFunds(t *testing.T) {
	app, _ := newTestApp(t)

	// Seller never deposited; the match records a cancelled trade.
	placeOrder(t, app, "seller", "sell", "59500", "1")
	taker := placeOrder(t, app, "buyer", "buy", "60000", "1")

	resp, data := doJSON(t, app, http.MethodPost, "/api/v1/orders/"+taker.ID+"/match", "buyer", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out struct {
		Matches []match.Result `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Matches, 1)
	assert.Equal(t, model.TradeStatusCancelled, out.Matches[0].Trade.Status)
}

func TestHealth_DegradedWithoutNATS(t *testing.T) {
	app, _ := newTestApp(t)

	resp, data := doJSON(t, app, http.MethodGet, "/health", "", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var out struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "degraded", out.Status)
	assert.Equal(t, "ok", out.Checks["store"])
}
