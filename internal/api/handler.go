package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-engine/internal/book"
	"github.com/Checker-Finance/p2p-engine/internal/match"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// HeaderUserID carries the caller's identity. The engine sits behind the
// platform gateway, which authenticates and injects this header.
const HeaderUserID = "X-User-ID"

// OrderService defines the order-book operations needed by the handler.
type OrderService interface {
	Place(ctx context.Context, req book.PlaceRequest) (*model.Order, error)
	Cancel(ctx context.Context, orderID, requesterID string) (*model.Order, error)
	Get(ctx context.Context, orderID string) (*model.Order, error)
	List(ctx context.Context, asset, fiat string, side model.Side) ([]model.Order, error)
}

// MatchService fills a taker order against the book.
type MatchService interface {
	Match(ctx context.Context, takerOrderID, requesterID string) ([]match.Result, error)
}

// EscrowService defines the settlement operations needed by the handler.
type EscrowService interface {
	Get(ctx context.Context, id string) (*model.Escrow, error)
	ConfirmPayment(ctx context.Context, escrowID, actorID string) (*model.Escrow, error)
	ConfirmRelease(ctx context.Context, escrowID, actorID string) (*model.Escrow, error)
	Cancel(ctx context.Context, escrowID, actorID string) (*model.Escrow, error)
}

// TradeService lists a user's trades.
type TradeService interface {
	ListUserTrades(ctx context.Context, userID string) ([]model.Trade, error)
}

// DisputeService defines the arbitration operations needed by the handler.
type DisputeService interface {
	Get(ctx context.Context, id string) (*model.Dispute, error)
	Open(ctx context.Context, escrowID, openedBy, reason string, evidence []string) (*model.Dispute, error)
	Resolve(ctx context.Context, disputeID string, res model.Resolution, arbiterID string, splitRatio decimal.Decimal) (*model.Dispute, error)
}

// Handler handles HTTP API requests for the trading engine.
type Handler struct {
	logger   *zap.Logger
	orders   OrderService
	matcher  MatchService
	escrows  EscrowService
	trades   TradeService
	disputes DisputeService
}

// NewHandler creates a new Handler.
func NewHandler(logger *zap.Logger, orders OrderService, matcher MatchService, escrows EscrowService, trades TradeService, disputes DisputeService) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:   logger,
		orders:   orders,
		matcher:  matcher,
		escrows:  escrows,
		trades:   trades,
		disputes: disputes,
	}
}

func userID(c *fiber.Ctx) (string, bool) {
	id := c.Get(HeaderUserID)
	return id, id != ""
}

func requireUser(c *fiber.Ctx) (string, error) {
	id, ok := userID(c)
	if !ok {
		return "", c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing " + HeaderUserID + " header"})
	}
	return id, nil
}

// PlaceOrderHandler handles order creation requests.
func (h *Handler) PlaceOrderHandler(c *fiber.Ctx) error {
	uid, err := requireUser(c)
	if uid == "" {
		return err
	}

	var req OrderCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	order, err := h.orders.Place(c.Context(), book.PlaceRequest{
		OwnerID:        uid,
		Side:           model.Side(req.Side),
		Asset:          req.Asset,
		FiatCurrency:   req.FiatCurrency,
		UnitPrice:      req.UnitPrice,
		Quantity:       req.Quantity,
		PaymentMethods: req.PaymentMethods,
	})
	if err != nil {
		h.logger.Warn("api.place_order.failed",
			zap.String("user_id", uid),
			zap.Error(err))
		return fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(order)
}

// ListOrdersHandler handles order listing with optional filters.
func (h *Handler) ListOrdersHandler(c *fiber.Ctx) error {
	orders, err := h.orders.List(c.Context(),
		c.Query("asset"),
		c.Query("fiat"),
		model.Side(c.Query("side")),
	)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"orders": orders})
}

// GetOrderHandler returns a single order.
func (h *Handler) GetOrderHandler(c *fiber.Ctx) error {
	order, err := h.orders.Get(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(order)
}

// CancelOrderHandler cancels the unfilled remainder of the caller's order.
func (h *Handler) CancelOrderHandler(c *fiber.Ctx) error {
	uid, err := requireUser(c)
	if uid == "" {
		return err
	}

	order, err := h.orders.Cancel(c.Context(), c.Params("id"), uid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(order)
}

// MatchOrderHandler fills the caller's order against the book and returns
// the trades produced, each with its escrow.
func (h *Handler) MatchOrderHandler(c *fiber.Ctx) error {
	uid, err := requireUser(c)
	if uid == "" {
		return err
	}

	results, err := h.matcher.Match(c.Context(), c.Params("id"), uid)
	if err != nil {
		h.logger.Warn("api.match_order.failed",
			zap.String("order_id", c.Params("id")),
			zap.String("user_id", uid),
			zap.Error(err))
		return fail(c, err)
	}
	if results == nil {
		results = []match.Result{}
	}
	return c.JSON(fiber.Map{"matches": results})
}

// ListTradesHandler returns the caller's trades.
func (h *Handler) ListTradesHandler(c *fiber.Ctx) error {
	uid, err := requireUser(c)
	if uid == "" {
		return err
	}

	trades, err := h.trades.ListUserTrades(c.Context(), uid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"trades": trades})
}

// GetEscrowHandler returns an escrow to its parties.
func (h *Handler) GetEscrowHandler(c *fiber.Ctx) error {
	uid, err := requireUser(c)
	if uid == "" {
		return err
	}

	esc, err := h.escrows.Get(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	if uid != esc.BuyerID && uid != esc.SellerID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not a party to this escrow"})
	}
	return c.JSON(esc)
}

// ConfirmPaymentHandler records the buyer's fiat payment claim.
func (h *Handler) ConfirmPaymentHandler(c *fiber.Ctx) error {
	uid, err := requireUser(c)
	if uid == "" {
		return err
	}

	esc, err := h.escrows.ConfirmPayment(c.Context(), c.Params("id"), uid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(esc)
}

// ConfirmReleaseHandler completes the escrow and releases funds to the buyer.
func (h *Handler) ConfirmReleaseHandler(c *fiber.Ctx) error {
	uid, err := requireUser(c)
	if uid == "" {
		return err
	}

	esc, err := h.escrows.ConfirmRelease(c.Context(), c.Params("id"), uid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(esc)
}

// CancelEscrowHandler requests or completes a mutual escrow cancel.
func (h *Handler) CancelEscrowHandler(c *fiber.Ctx) error {
	uid, err := requireUser(c)
	if uid == "" {
		return err
	}

	esc, err := h.escrows.Cancel(c.Context(), c.Params("id"), uid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(esc)
}

// OpenDisputeHandler raises a dispute on an escrow.
func (h *Handler) OpenDisputeHandler(c *fiber.Ctx) error {
	uid, err := requireUser(c)
	if uid == "" {
		return err
	}

	var req DisputeOpenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	d, err := h.disputes.Open(c.Context(), c.Params("id"), uid, req.Reason, req.Evidence)
	if err != nil {
		h.logger.Warn("api.open_dispute.failed",
			zap.String("escrow_id", c.Params("id")),
			zap.String("user_id", uid),
			zap.Error(err))
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

// GetDisputeHandler returns a dispute.
func (h *Handler) GetDisputeHandler(c *fiber.Ctx) error {
	d, err := h.disputes.Get(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(d)
}

// ResolveDisputeHandler applies the arbiter's verdict.
func (h *Handler) ResolveDisputeHandler(c *fiber.Ctx) error {
	uid, err := requireUser(c)
	if uid == "" {
		return err
	}

	var req DisputeResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	d, err := h.disputes.Resolve(c.Context(), c.Params("id"), model.Resolution(req.Resolution), uid, req.SplitRatio)
	if err != nil {
		h.logger.Warn("api.resolve_dispute.failed",
			zap.String("dispute_id", c.Params("id")),
			zap.String("arbiter_id", uid),
			zap.Error(err))
		return fail(c, err)
	}
	return c.JSON(d)
}
