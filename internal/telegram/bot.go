// Package telegram connects a Telegram bot to the pipeline: chat messages
// become dispatched questions, replies come back through the "telegram"
// delivery scheme, and the inline buttons under an answer record feedback.
package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/delivery"
	"github.com/qabridge/backend/internal/dispatch"
	"github.com/qabridge/backend/internal/storage/models"
)

// Scheme is the delivery scheme served by the bot.
const Scheme = "telegram"

// Dispatcher accepts questions.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Ticket, error)
}

// FeedbackRecorder stores a like or dislike on an interaction.
type FeedbackRecorder interface {
	SetFeedback(ctx context.Context, id int64, f models.Feedback) error
}

// sender is the part of *tgbotapi.BotAPI the bot uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	api           sender
	updates       func() (tgbotapi.UpdatesChannel, func())
	dispatcher    Dispatcher
	feedback      FeedbackRecorder
	allowedChatID int64
	logger        *zap.Logger
}

// NewBot authorises against the Bot API with token.
func NewBot(token string, allowedChatID int64, d Dispatcher, fb FeedbackRecorder, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName))

	b := newBot(api, d, fb, allowedChatID, logger)
	b.updates = func() (tgbotapi.UpdatesChannel, func()) {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		return api.GetUpdatesChan(u), api.StopReceivingUpdates
	}
	return b, nil
}

func newBot(api sender, d Dispatcher, fb FeedbackRecorder, allowedChatID int64, logger *zap.Logger) *Bot {
	return &Bot{
		api:           api,
		dispatcher:    d,
		feedback:      fb,
		allowedChatID: allowedChatID,
		logger:        logger,
	}
}

// Start handles updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	if b.updates == nil {
		return fmt.Errorf("bot has no update source")
	}
	updates, stop := b.updates()
	b.logger.Info("Telegram bot started")

	for {
		select {
		case <-ctx.Done():
			stop()
			b.logger.Info("Telegram bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Text == "" {
		return
	}
	if b.allowedChatID != 0 && msg.Chat.ID != b.allowedChatID {
		return
	}
	if msg.IsCommand() {
		b.handleCommand(msg)
		return
	}

	requester := ""
	if msg.From != nil {
		requester = strconv.FormatInt(msg.From.ID, 10)
	}

	ticket, err := b.dispatcher.Dispatch(ctx, dispatch.Request{
		RequesterID: requester,
		Destination: delivery.Destination(Scheme, formatAddress(msg.Chat.ID, msg.MessageID)),
		Text:        msg.Text,
	})
	if err != nil {
		b.logger.Error("Failed to dispatch Telegram question",
			zap.Int64("chat_id", msg.Chat.ID),
			zap.Error(err),
		)
		b.reply(msg.Chat.ID, msg.MessageID, unavailableText)
		return
	}

	if _, err := b.api.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("Failed to send typing action", zap.Error(err))
	}
	b.logger.Info("Telegram question dispatched",
		zap.String("request_id", ticket.RequestID),
		zap.Int64("interaction_id", ticket.InteractionID),
		zap.Int64("chat_id", msg.Chat.ID),
	)
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.reply(msg.Chat.ID, 0, welcomeText)
	case "help":
		b.reply(msg.Chat.ID, 0, helpText)
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	id, fb, err := parseFeedbackData(q.Data)
	if err != nil {
		b.logger.Warn("Unrecognised callback", zap.String("data", q.Data), zap.Error(err))
		b.answerCallback(q.ID, "❌ Invalid action!")
		return
	}

	if err := b.feedback.SetFeedback(ctx, id, fb); err != nil {
		b.logger.Error("Failed to record feedback", zap.Int64("interaction_id", id), zap.Error(err))
		b.answerCallback(q.ID, "❌ An error occurred!")
		return
	}

	if fb == models.FeedbackPositive {
		b.answerCallback(q.ID, "👍 Thank you for your feedback!")
	} else {
		b.answerCallback(q.ID, "👎 Thank you for your feedback. We'll improve!")
	}

	if q.Message != nil && q.Message.Chat != nil {
		edit := tgbotapi.NewEditMessageReplyMarkup(q.Message.Chat.ID, q.Message.MessageID, feedbackKeyboard(id, fb))
		if _, err := b.api.Request(edit); err != nil {
			b.logger.Warn("Failed to update feedback buttons", zap.Error(err))
		}
	}
}

// Deliver sends a reply to "chatID:messageID", answering the original message.
// Answers carry feedback buttons; apologies do not.
func (b *Bot) Deliver(_ context.Context, address string, reply delivery.Reply) error {
	chatID, messageID, err := parseAddress(address)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, reply.Text)
	msg.ReplyToMessageID = messageID
	msg.AllowSendingWithoutReply = true
	if !reply.TimedOut && !reply.Failed {
		msg.Text = reply.Text + "\n\n" + helpfulPrompt(reply.Language)
		msg.ReplyMarkup = feedbackKeyboard(reply.InteractionID, models.FeedbackNone)
	}

	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send Telegram reply: %w", err)
	}
	return nil
}

func (b *Bot) reply(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) answerCallback(id, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(id, text)); err != nil {
		b.logger.Error("Failed to answer callback", zap.Error(err))
	}
}
