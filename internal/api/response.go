package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// statusFor maps domain errors to HTTP status codes. Conflicts cover both
// illegal state-machine moves and lost concurrent races — in both cases the
// client should re-read and decide again.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		return fiber.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrConcurrentModification),
		errors.Is(err, model.ErrAlreadyResolved):
		return fiber.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
}
