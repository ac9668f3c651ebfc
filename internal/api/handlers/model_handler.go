package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/qabridge/backend/internal/modelversion"
)

type ModelHandler struct {
	versions *modelversion.Manager
}

func NewModelHandler(versions *modelversion.Manager) *ModelHandler {
	return &ModelHandler{versions: versions}
}

func (h *ModelHandler) List(c *fiber.Ctx) error {
	versions, err := h.versions.List()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"versions": versions, "count": len(versions)})
}

func (h *ModelHandler) Current(c *fiber.Ctx) error {
	v, err := h.versions.Current()
	if err != nil {
		return respondError(c, err)
	}
	if v == nil {
		return fiber.NewError(fiber.StatusNotFound, "no active model version")
	}
	return c.JSON(v)
}

func (h *ModelHandler) Activate(c *fiber.Ctx) error {
	ordinal, err := strconv.Atoi(c.Params("version"))
	if err != nil || ordinal < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid version")
	}
	v, err := h.versions.Activate(ordinal)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(v)
}

func (h *ModelHandler) Next(c *fiber.Ctx) error {
	v, err := h.versions.Next()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(v)
}

func (h *ModelHandler) Rollback(c *fiber.Ctx) error {
	v, err := h.versions.Rollback()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(v)
}
