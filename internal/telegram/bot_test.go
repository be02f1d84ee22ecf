package telegram

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/splitbill/internal/action"
	"github.com/mmeshcher/splitbill/internal/model"
	"github.com/mmeshcher/splitbill/internal/ratelimit"
	"github.com/mmeshcher/splitbill/internal/repository"
	"github.com/mmeshcher/splitbill/internal/service"
	"github.com/mmeshcher/splitbill/internal/token"
)

type stubAPI struct {
	mu       sync.Mutex
	requests []tgbotapi.Chattable
	sent     []tgbotapi.Chattable
	editErr  error
}

func (s *stubAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, c)
	s.mu.Unlock()

	if _, ok := c.(tgbotapi.EditMessageTextConfig); ok && s.editErr != nil {
		return nil, s.editErr
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (s *stubAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
	return tgbotapi.Message{}, nil
}

type fixture struct {
	api  *stubAPI
	bot  *Bot
	svc  *service.Service
	bill *model.Bill
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	svc := service.NewService(repository.NewMemoryRepository(5), nil, nil)
	b, err := svc.CreateBill(context.Background(), service.NewBill{
		Dishes: []service.NewDish{
			{Name: "Pasta", Price: decimal.NewFromInt(10)},
			{Name: "Salad", Price: decimal.NewFromInt(20)},
		},
		PaidByName:              "Alice",
		GSTPercentage:           decimal.NewFromInt(9),
		ServiceChargePercentage: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	api := &stubAPI{}
	router := action.NewRouter(svc, ratelimit.NewLocalLimiter(0), time.Millisecond, nil)
	return &fixture{
		api:  api,
		bot:  NewBot(api, "splitbill_bot", svc, router, nil),
		svc:  svc,
		bill: b,
	}
}

func user(id int64, first string) *tgbotapi.User {
	return &tgbotapi.User{ID: id, FirstName: first}
}

func TestInlineQueryFindsBill(t *testing.T) {
	f := newFixture(t)

	err := f.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		InlineQuery: &tgbotapi.InlineQuery{ID: "q1", From: user(1, "Alice"), Query: " " + f.bill.ID + " "},
	})
	require.NoError(t, err)

	require.Len(t, f.api.requests, 1)
	cfg, ok := f.api.requests[0].(tgbotapi.InlineConfig)
	require.True(t, ok)
	assert.Equal(t, "q1", cfg.InlineQueryID)
	require.Len(t, cfg.Results, 1)

	article, ok := cfg.Results[0].(tgbotapi.InlineQueryResultArticle)
	require.True(t, ok)
	assert.Equal(t, f.bill.ID, article.ID)
	assert.Equal(t, "Bill from Alice · 35.97", article.Title)
	require.NotNil(t, article.ReplyMarkup)
	assert.Len(t, article.ReplyMarkup.InlineKeyboard, 1)
}

func TestInlineQueryUnknownBillIsEmpty(t *testing.T) {
	f := newFixture(t)

	for _, q := range []string{"0123456789abcdef", "", "not:an:id"} {
		err := f.bot.HandleUpdate(context.Background(), tgbotapi.Update{
			InlineQuery: &tgbotapi.InlineQuery{ID: "q", From: user(1, "Alice"), Query: q},
		})
		require.NoError(t, err)
	}

	require.Len(t, f.api.requests, 3)
	for _, r := range f.api.requests {
		cfg := r.(tgbotapi.InlineConfig)
		assert.Empty(t, cfg.Results)
	}
}

func TestCallbackTogglesAndEditsInlineMessage(t *testing.T) {
	f := newFixture(t)
	tok, err := token.Toggle(f.bill.ID, "d1")
	require.NoError(t, err)

	err = f.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:              "cb1",
			From:            user(7, "Bob"),
			InlineMessageID: "inline-1",
			Data:            tok,
		},
	})
	require.NoError(t, err)

	require.Len(t, f.api.requests, 2)
	ack, ok := f.api.requests[0].(tgbotapi.CallbackConfig)
	require.True(t, ok)
	assert.Equal(t, "cb1", ack.CallbackQueryID)
	assert.Equal(t, "Added Pasta", ack.Text)

	edit, ok := f.api.requests[1].(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Equal(t, "inline-1", edit.InlineMessageID)
	assert.Equal(t, tgbotapi.ModeHTML, edit.ParseMode)
	assert.Contains(t, edit.Text, "• Bob: Pasta")
	require.NotNil(t, edit.ReplyMarkup)
	assert.Equal(t, "✅ Pasta · 10.00", edit.ReplyMarkup.InlineKeyboard[0][0].Text)

	got, err := f.svc.GetBill(context.Background(), f.bill.ID)
	require.NoError(t, err)
	assert.Len(t, got.Participants, 1)
}

func TestCallbackRedeliveryIsDropped(t *testing.T) {
	f := newFixture(t)
	tok, err := token.Toggle(f.bill.ID, "d1")
	require.NoError(t, err)

	u := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:              "cb1",
			From:            user(7, "Bob"),
			InlineMessageID: "inline-1",
			Data:            tok,
		},
	}
	require.NoError(t, f.bot.HandleUpdate(context.Background(), u))
	require.NoError(t, f.bot.HandleUpdate(context.Background(), u))

	assert.Len(t, f.api.requests, 2, "second delivery is neither acknowledged nor applied")

	got, err := f.svc.GetBill(context.Background(), f.bill.ID)
	require.NoError(t, err)
	p, ok := got.Participant(7)
	require.True(t, ok)
	assert.Equal(t, []string{"d1"}, p.SelectedDishIDs)
}

func TestCallbackFailureOnlyAcknowledges(t *testing.T) {
	f := newFixture(t)
	tok, err := token.Lock(f.bill.ID)
	require.NoError(t, err)

	err = f.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb1",
			From:    user(7, "Bob"),
			Message: &tgbotapi.Message{MessageID: 3, Chat: &tgbotapi.Chat{ID: 42}},
			Data:    tok,
		},
	})
	require.NoError(t, err)

	require.Len(t, f.api.requests, 1)
	ack := f.api.requests[0].(tgbotapi.CallbackConfig)
	assert.Equal(t, action.StatusEmpty, ack.Text)
}

func TestCallbackEditsChatMessage(t *testing.T) {
	f := newFixture(t)
	tok, err := token.Toggle(f.bill.ID, "d2")
	require.NoError(t, err)

	err = f.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb1",
			From:    user(7, "Bob"),
			Message: &tgbotapi.Message{MessageID: 3, Chat: &tgbotapi.Chat{ID: 42}},
			Data:    tok,
		},
	})
	require.NoError(t, err)

	edit := f.api.requests[1].(tgbotapi.EditMessageTextConfig)
	assert.Equal(t, int64(42), edit.ChatID)
	assert.Equal(t, 3, edit.MessageID)
}

func TestCallbackNotModifiedIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.api.editErr = errors.New("Bad Request: message is not modified")
	tok, err := token.Toggle(f.bill.ID, "d1")
	require.NoError(t, err)

	err = f.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb1", From: user(7, "Bob"), InlineMessageID: "i", Data: tok},
	})
	assert.NoError(t, err)

	f.api.editErr = errors.New("Forbidden: bot was blocked")
	err = f.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb2", From: user(8, "Carol"), InlineMessageID: "i", Data: tok},
	})
	assert.Error(t, err)

	got, err := f.svc.GetBill(context.Background(), f.bill.ID)
	require.NoError(t, err)
	assert.Len(t, got.Participants, 2, "failed edit does not roll back the toggle")
}

func TestStartCommand(t *testing.T) {
	f := newFixture(t)

	err := f.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text:     "/start " + f.bill.ID,
			Chat:     &tgbotapi.Chat{ID: 42},
			From:     user(1, "Alice"),
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
		},
	})
	require.NoError(t, err)

	require.Len(t, f.api.sent, 1)
	msg := f.api.sent[0].(tgbotapi.MessageConfig)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.Contains(t, msg.Text, "Pasta")
	assert.IsType(t, tgbotapi.InlineKeyboardMarkup{}, msg.ReplyMarkup)
}

func TestStartCommandUnknownBillAndHelp(t *testing.T) {
	f := newFixture(t)
	cmd := func(text string, length int) tgbotapi.Update {
		return tgbotapi.Update{Message: &tgbotapi.Message{
			Text:     text,
			Chat:     &tgbotapi.Chat{ID: 42},
			From:     user(1, "Alice"),
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
		}}
	}

	require.NoError(t, f.bot.HandleUpdate(context.Background(), cmd("/start 0123456789abcdef", 6)))
	require.NoError(t, f.bot.HandleUpdate(context.Background(), cmd("/help", 5)))

	require.Len(t, f.api.sent, 2)
	assert.Equal(t, action.StatusNotFound, f.api.sent[0].(tgbotapi.MessageConfig).Text)
	assert.Contains(t, f.api.sent[1].(tgbotapi.MessageConfig).Text, "@splitbill_bot")
}

func TestRunProcessesUpdatesUntilClosed(t *testing.T) {
	f := newFixture(t)

	updates := make(chan tgbotapi.Update, 3)
	for i := 0; i < 3; i++ {
		updates <- tgbotapi.Update{
			UpdateID:    i,
			InlineQuery: &tgbotapi.InlineQuery{ID: "q", From: user(1, "Alice"), Query: f.bill.ID},
		}
	}
	close(updates)

	require.NoError(t, f.bot.Run(context.Background(), updates))
	assert.Len(t, f.api.requests, 3)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.bot.Run(ctx, make(chan tgbotapi.Update)) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("bot did not stop")
	}
}

func TestServeHTTP(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"update_id":1,"inline_query":{"id":"q1","from":{"id":1,"first_name":"Alice"},"query":"` + f.bill.ID + `"}}`)
	req := httptest.NewRequest(http.MethodPost, "/telegram/secret", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	f.bot.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, f.api.requests, 1)

	req = httptest.NewRequest(http.MethodPost, "/telegram/secret", bytes.NewReader([]byte("{")))
	rr = httptest.NewRecorder()
	f.bot.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestActor(t *testing.T) {
	assert.Equal(t, model.Actor{ID: 1, Name: "Ann Lee"}, Actor(&tgbotapi.User{ID: 1, FirstName: "Ann", LastName: "Lee"}))
	assert.Equal(t, model.Actor{ID: 2, Name: "@ann"}, Actor(&tgbotapi.User{ID: 2, UserName: "ann"}))
	assert.Equal(t, model.Actor{}, Actor(nil))
}
