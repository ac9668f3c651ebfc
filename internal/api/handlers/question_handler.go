package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/qabridge/backend/internal/delivery"
	"github.com/qabridge/backend/internal/dispatch"
	"github.com/qabridge/backend/internal/storage/models"
)

// MailboxScheme is the destination of questions asked over HTTP; the answer
// is picked up by polling.
const MailboxScheme = "mailbox"

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Ticket, error)
}

type ReplyReader interface {
	GetReply(ctx context.Context, requestID string, reply interface{}) (bool, error)
}

type QuestionHandler struct {
	dispatcher Dispatcher
	replies    ReplyReader
}

func NewQuestionHandler(d Dispatcher, replies ReplyReader) *QuestionHandler {
	return &QuestionHandler{dispatcher: d, replies: replies}
}

type askRequest struct {
	Question    string `json:"question"`
	RequesterID string `json:"requester_id"`
	Priority    string `json:"priority"`
}

// Ask accepts a question and returns its ticket. The answer is fetched with Reply.
func (h *QuestionHandler) Ask(c *fiber.Ctx) error {
	var req askRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	requester := req.RequesterID
	if requester == "" {
		requester = c.Get("X-User-ID", c.IP())
	}

	ticket, err := h.dispatcher.Dispatch(c.UserContext(), dispatch.Request{
		RequesterID: requester,
		Destination: delivery.Destination(MailboxScheme, requester),
		Text:        req.Question,
		Priority:    priority,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(ticket)
}

// Reply returns the stored reply, or 202 while the question is still pending.
func (h *QuestionHandler) Reply(c *fiber.Ctx) error {
	requestID := c.Params("requestId")
	if requestID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "request id is required")
	}

	var reply delivery.Reply
	found, err := h.replies.GetReply(c.UserContext(), requestID, &reply)
	if err != nil {
		return respondError(c, err)
	}
	if !found {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"request_id": requestID,
			"status":     "pending",
		})
	}

	status := "answered"
	switch {
	case reply.TimedOut:
		status = "timed_out"
	case reply.Failed:
		status = "failed"
	}
	return c.JSON(fiber.Map{
		"request_id":     reply.RequestID,
		"interaction_id": reply.InteractionID,
		"status":         status,
		"answer":         reply.Text,
		"language":       reply.Language,
		"created_at":     reply.CreatedAt,
	})
}
