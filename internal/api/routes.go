package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Checker-Finance/p2p-engine/internal/store"
)

func RegisterRoutes(app *fiber.App, nc *nats.Conn, st store.Store, h *Handler) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		checks := map[string]string{
			"nats":  "ok",
			"store": "ok",
		}
		status := "ok"
		code := fiber.StatusOK

		if nc == nil || !nc.IsConnected() {
			checks["nats"] = "disconnected"
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		} else if err := nc.FlushTimeout(1 * time.Second); err != nil {
			checks["nats"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.HealthCheck(healthCtx); err != nil {
			checks["store"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	})

	// API routes
	v1 := app.Group("/api/v1")

	v1.Post("/orders", h.PlaceOrderHandler)
	v1.Get("/orders", h.ListOrdersHandler)
	v1.Get("/orders/:id", h.GetOrderHandler)
	v1.Delete("/orders/:id", h.CancelOrderHandler)
	v1.Post("/orders/:id/match", h.MatchOrderHandler)

	v1.Get("/trades", h.ListTradesHandler)

	v1.Get("/escrows/:id", h.GetEscrowHandler)
	v1.Post("/escrows/:id/confirm-payment", h.ConfirmPaymentHandler)
	v1.Post("/escrows/:id/confirm-release", h.ConfirmReleaseHandler)
	v1.Post("/escrows/:id/cancel", h.CancelEscrowHandler)
	v1.Post("/escrows/:id/dispute", h.OpenDisputeHandler)

	v1.Get("/disputes/:id", h.GetDisputeHandler)
	v1.Post("/disputes/:id/resolve", h.ResolveDisputeHandler)
}
