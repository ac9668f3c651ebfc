package telegram

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/qabridge/backend/internal/storage/models"
)

const (
	likeAction    = "like"
	dislikeAction = "dislike"

	unavailableText = "⚠️ Sorry, I'm experiencing technical difficulties. Please try again later."
	welcomeText     = "🤖 Computer Engineering AI Assistant\n\n" +
		"Hello! I answer questions about the department: courses, internships, graduation requirements, exchange programs.\n\n" +
		"Just write your question."
	helpText = "Write your question as a normal message and I will reply to it.\n" +
		"Use the 👍 / 👎 buttons under an answer to tell us whether it helped."
)

func formatAddress(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// parseAddress reads "chatID" or "chatID:messageID".
func parseAddress(address string) (int64, int, error) {
	chat, msg, hasMsg := strings.Cut(address, ":")
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Telegram chat id in %q", address)
	}
	if !hasMsg {
		return chatID, 0, nil
	}
	messageID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Telegram message id in %q", address)
	}
	return chatID, messageID, nil
}

// parseFeedbackData reads callback data of the form "like_<id>" or "dislike_<id>".
func parseFeedbackData(data string) (int64, models.Feedback, error) {
	action, raw, ok := strings.Cut(data, "_")
	if !ok {
		return 0, 0, fmt.Errorf("missing interaction id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, fmt.Errorf("invalid interaction id %q", raw)
	}
	switch action {
	case likeAction:
		return id, models.FeedbackPositive, nil
	case dislikeAction:
		return id, models.FeedbackNegative, nil
	default:
		return 0, 0, fmt.Errorf("unknown action %q", action)
	}
}

// feedbackKeyboard marks the chosen button with a check.
func feedbackKeyboard(interactionID int64, chosen models.Feedback) tgbotapi.InlineKeyboardMarkup {
	like, dislike := "👍 Helpful", "👎 Not Helpful"
	switch chosen {
	case models.FeedbackPositive:
		like += " ✓"
	case models.FeedbackNegative:
		dislike += " ✓"
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(like, fmt.Sprintf("%s_%d", likeAction, interactionID)),
			tgbotapi.NewInlineKeyboardButtonData(dislike, fmt.Sprintf("%s_%d", dislikeAction, interactionID)),
		),
	)
}

func helpfulPrompt(lang models.Language) string {
	if lang == models.LanguagePrimary {
		return "💡 Bu yanıt yardımcı oldu mu?"
	}
	return "💡 Was this response helpful?"
}
