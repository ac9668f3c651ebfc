package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/dispatch"
	"github.com/qabridge/backend/internal/lifecycle"
	"github.com/qabridge/backend/internal/modelversion"
	"github.com/qabridge/backend/internal/storage/sqlite"
	"github.com/qabridge/backend/pkg/logger"
)

// respondError maps domain errors to status codes. Precondition failures
// carry their reason back to the caller; nothing was changed.
func respondError(c *fiber.Ctx, err error) error {
	var pe *lifecycle.PreconditionError
	var ie *modelversion.IncompleteError

	switch {
	case errors.As(err, &pe):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":     pe.Reason,
			"operation": pe.Op,
		})
	case errors.As(err, &ie):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "model version is incomplete",
			"missing": ie.Missing,
		})
	case errors.Is(err, sqlite.ErrNotFound), errors.Is(err, modelversion.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, dispatch.ErrEmptyQuestion), errors.Is(err, dispatch.ErrTooLong):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	logger.Error("Request failed",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
	})
}

func idParam(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// ErrorHandler renders errors that escape a handler as JSON.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return respondError(c, err)
}
