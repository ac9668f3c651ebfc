package telegram

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/delivery"
	"github.com/qabridge/backend/internal/dispatch"
	"github.com/qabridge/backend/internal/storage/models"
)

type fakeAPI struct {
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type fakeDispatcher struct {
	reqs []dispatch.Request
	err  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req dispatch.Request) (*dispatch.Ticket, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &dispatch.Ticket{RequestID: "r1", InteractionID: 9}, nil
}

type fakeFeedback struct {
	id int64
	fb models.Feedback
}

func (f *fakeFeedback) SetFeedback(_ context.Context, id int64, fb models.Feedback) error {
	f.id, f.fb = id, fb
	return nil
}

func newTestBot(allowed int64) (*Bot, *fakeAPI, *fakeDispatcher, *fakeFeedback) {
	api, d, fb := &fakeAPI{}, &fakeDispatcher{}, &fakeFeedback{}
	return newBot(api, d, fb, allowed, zap.NewNop()), api, d, fb
}

func textMessage(chatID int64, messageID int, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: messageID,
		Chat:      &tgbotapi.Chat{ID: chatID},
		From:      &tgbotapi.User{ID: 555, UserName: "student"},
		Text:      text,
	}
}

func TestMessageIsDispatchedWithReplyDestination(t *testing.T) {
	b, api, d, _ := newTestBot(0)

	b.HandleUpdate(context.Background(), tgbotapi.Update{Message: textMessage(-100, 42, "What is OOP?")})

	require.Len(t, d.reqs, 1)
	assert.Equal(t, "555", d.reqs[0].RequesterID)
	assert.Equal(t, "telegram:-100:42", d.reqs[0].Destination)
	assert.Equal(t, "What is OOP?", d.reqs[0].Text)

	require.Len(t, api.requests, 1)
	assert.IsType(t, tgbotapi.ChatActionConfig{}, api.requests[0])
}

func TestOtherChatsAreIgnored(t *testing.T) {
	b, api, d, _ := newTestBot(-100)

	b.HandleUpdate(context.Background(), tgbotapi.Update{Message: textMessage(-200, 1, "What is OOP?")})

	assert.Empty(t, d.reqs)
	assert.Empty(t, api.sent)
}

func TestCommandsAreNotDispatched(t *testing.T) {
	b, api, d, _ := newTestBot(0)
	msg := textMessage(1, 1, "/start")
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}}

	b.HandleUpdate(context.Background(), tgbotapi.Update{Message: msg})

	assert.Empty(t, d.reqs)
	require.Len(t, api.sent, 1)
	assert.Equal(t, welcomeText, api.sent[0].(tgbotapi.MessageConfig).Text)
}

func TestDispatchFailureRepliesWithApology(t *testing.T) {
	b, api, d, _ := newTestBot(0)
	d.err = errors.New("broker down")

	b.HandleUpdate(context.Background(), tgbotapi.Update{Message: textMessage(1, 7, "What is OOP?")})

	require.Len(t, api.sent, 1)
	msg := api.sent[0].(tgbotapi.MessageConfig)
	assert.Equal(t, unavailableText, msg.Text)
	assert.Equal(t, 7, msg.ReplyToMessageID)
}

func TestDeliverAnswerWithFeedbackButtons(t *testing.T) {
	b, api, _, _ := newTestBot(0)

	err := b.Deliver(context.Background(), "-100:42", delivery.Reply{
		InteractionID: 9,
		Text:          "Object oriented programming.",
		Language:      models.LanguageSecondary,
	})
	require.NoError(t, err)

	require.Len(t, api.sent, 1)
	msg := api.sent[0].(tgbotapi.MessageConfig)
	assert.Equal(t, int64(-100), msg.ChatID)
	assert.Equal(t, 42, msg.ReplyToMessageID)
	assert.Contains(t, msg.Text, "Object oriented programming.")

	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard[0], 2)
	assert.Equal(t, "like_9", *kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "dislike_9", *kb.InlineKeyboard[0][1].CallbackData)
}

func TestDeliverTimeoutHasNoButtons(t *testing.T) {
	b, api, _, _ := newTestBot(0)

	require.NoError(t, b.Deliver(context.Background(), "5:1", delivery.Reply{Text: "Sorry", TimedOut: true}))
	msg := api.sent[0].(tgbotapi.MessageConfig)
	assert.Equal(t, "Sorry", msg.Text)
	assert.Nil(t, msg.ReplyMarkup)
}

func TestDeliverRejectsBadAddress(t *testing.T) {
	b, _, _, _ := newTestBot(0)
	assert.Error(t, b.Deliver(context.Background(), "chat", delivery.Reply{Text: "x"}))
	assert.Error(t, b.Deliver(context.Background(), "1:x", delivery.Reply{Text: "x"}))
}

func TestFeedbackCallback(t *testing.T) {
	b, api, _, fb := newTestBot(0)

	b.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		Data:    "dislike_9",
		Message: textMessage(-100, 43, "answer"),
	}})

	assert.Equal(t, int64(9), fb.id)
	assert.Equal(t, models.FeedbackNegative, fb.fb)

	require.Len(t, api.requests, 2)
	assert.IsType(t, tgbotapi.CallbackConfig{}, api.requests[0])
	edit, ok := api.requests[1].(tgbotapi.EditMessageReplyMarkupConfig)
	require.True(t, ok)
	assert.Equal(t, "👎 Not Helpful ✓", edit.ReplyMarkup.InlineKeyboard[0][1].Text)
}

func TestParseFeedbackData(t *testing.T) {
	tests := []struct {
		data    string
		id      int64
		fb      models.Feedback
		wantErr bool
	}{
		{"like_12", 12, models.FeedbackPositive, false},
		{"dislike_3", 3, models.FeedbackNegative, false},
		{"love_3", 0, 0, true},
		{"like_", 0, 0, true},
		{"like", 0, 0, true},
		{"like_-4", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			id, fb, err := parseFeedbackData(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.fb, fb)
		})
	}
}
