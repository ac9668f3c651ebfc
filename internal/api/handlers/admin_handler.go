package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/lifecycle"
	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/internal/storage/sqlite"
	"github.com/qabridge/backend/pkg/logger"
)

// AdminHandler exposes the review workflow. Every state change goes through
// the lifecycle manager; the store is only read here.
type AdminHandler struct {
	lifecycle *lifecycle.Manager
	db        *sqlite.Client
}

func NewAdminHandler(lm *lifecycle.Manager, db *sqlite.Client) *AdminHandler {
	return &AdminHandler{lifecycle: lm, db: db}
}

func (h *AdminHandler) ListInteractions(c *fiber.Ctx) error {
	f := sqlite.InteractionFilter{
		State:          models.ReviewState(c.Query("state")),
		Language:       models.Language(c.Query("language")),
		DuplicatesOnly: c.QueryBool("duplicates"),
		Limit:          c.QueryInt("limit", 100),
		Offset:         c.QueryInt("offset", 0),
	}
	if f.State != "" && !f.State.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "unknown state")
	}
	if f.Language != "" && !f.Language.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "unknown language")
	}

	items, err := h.db.ListInteractions(c.UserContext(), f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"interactions": items, "count": len(items)})
}

func (h *AdminHandler) GetInteraction(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	it, err := h.lifecycle.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(it)
}

func (h *AdminHandler) EditAnswer(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req struct {
		Answer string `json:"answer"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	it, err := h.lifecycle.EditAnswer(c.UserContext(), id, req.Answer)
	if err != nil {
		return respondError(c, err)
	}
	logger.Info("Answer edited", zap.Int64("interaction_id", id))
	return c.JSON(it)
}

func (h *AdminHandler) Review(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	it, err := h.lifecycle.Review(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(it)
}

func (h *AdminHandler) Approve(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	ex, err := h.lifecycle.Approve(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"interaction_id":   id,
		"training_example": ex,
	})
}

func (h *AdminHandler) DeleteInteraction(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.lifecycle.DeleteInteraction(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AdminHandler) SetFeedback(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	var fb models.Feedback
	switch strings.ToLower(req.Feedback) {
	case "like", "positive", "1":
		fb = models.FeedbackPositive
	case "dislike", "negative", "-1":
		fb = models.FeedbackNegative
	case "", "none", "0":
		fb = models.FeedbackNone
	default:
		return fiber.NewError(fiber.StatusBadRequest, "feedback must be like, dislike or none")
	}

	if err := h.lifecycle.SetFeedback(c.UserContext(), id, fb); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"interaction_id": id, "feedback": fb})
}

func (h *AdminHandler) ListTrainingExamples(c *fiber.Ctx) error {
	f := sqlite.ExampleFilter{
		Language:   models.Language(c.Query("language")),
		ActiveOnly: c.QueryBool("active"),
		Limit:      c.QueryInt("limit", 100),
		Offset:     c.QueryInt("offset", 0),
	}
	items, err := h.db.ListTrainingExamples(c.UserContext(), f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"training_examples": items, "count": len(items)})
}

func (h *AdminHandler) DeleteTrainingExample(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.lifecycle.DeleteTrainingExample(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AdminHandler) Export(c *fiber.Ctx) error {
	report, err := h.lifecycle.Export(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}

func (h *AdminHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.lifecycle.Stats(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

func (h *AdminHandler) Duplicates(c *fiber.Ctx) error {
	groups, err := h.lifecycle.DuplicateGroups(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"groups": groups, "count": len(groups)})
}

func (h *AdminHandler) RepairDuplicates(c *fiber.Ctx) error {
	report, err := h.lifecycle.RepairDuplicates(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}
