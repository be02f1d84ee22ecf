// Package telegram связывает Telegram Bot API с маршрутизатором действий и
// отрисовкой счёта: inline-поиск счёта, нажатия кнопок и команда /start.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mmeshcher/splitbill/internal/action"
	"github.com/mmeshcher/splitbill/internal/model"
	"github.com/mmeshcher/splitbill/internal/render"
	"github.com/mmeshcher/splitbill/internal/service"
	"github.com/mmeshcher/splitbill/internal/validation"
)

const (
	// DefaultWorkers ограничивает число одновременно обрабатываемых обновлений.
	DefaultWorkers = 16
	// DefaultRate ограничивает частоту исходящих запросов к Bot API.
	DefaultRate = rate.Limit(25)

	helpText = "Send me a bill link or use inline mode: type <code>@%s &lt;bill id&gt;</code> in any chat " +
		"to share a bill there. Everyone taps the dishes they had, then the creator locks the bill."
)

// API описывает используемую часть клиента Telegram Bot API.
type API interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BillReader читает счёт по идентификатору.
type BillReader interface {
	GetBill(ctx context.Context, id string) (*model.Bill, error)
}

// Dispatcher обрабатывает действия участников.
type Dispatcher interface {
	Dispatch(ctx context.Context, a action.Action) action.Result
}

// Bot обрабатывает обновления Telegram.
type Bot struct {
	api      API
	bills    BillReader
	router   Dispatcher
	limiter  *rate.Limiter
	logger   *zap.Logger
	username string
	workers  int
}

// NewBot создаёт обработчик обновлений.
func NewBot(api API, username string, bills BillReader, router Dispatcher, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		api:      api,
		bills:    bills,
		router:   router,
		limiter:  rate.NewLimiter(DefaultRate, 5),
		logger:   logger,
		username: username,
		workers:  DefaultWorkers,
	}
}

// Run обрабатывает обновления из канала до отмены контекста или закрытия канала.
// Обновления обрабатываются параллельно; согласованность изменений одного счёта
// обеспечивает хранилище.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	b.logger.Info("telegram bot started", zap.String("username", b.username))

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case u, ok := <-updates:
			if !ok {
				break loop
			}
			g.Go(func() error {
				if err := b.HandleUpdate(gctx, u); err != nil {
					b.logger.Warn("handle update", zap.Int("updateID", u.UpdateID), zap.Error(err))
				}
				return nil
			})
		}
	}

	err := g.Wait()
	b.logger.Info("telegram bot stopped")
	return err
}

// ServeHTTP принимает обновления через webhook.
func (b *Bot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var u tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}

	if err := b.HandleUpdate(r.Context(), u); err != nil {
		b.logger.Warn("handle webhook update", zap.Int("updateID", u.UpdateID), zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

// HandleUpdate обрабатывает одно обновление.
func (b *Bot) HandleUpdate(ctx context.Context, u tgbotapi.Update) error {
	switch {
	case u.InlineQuery != nil:
		return b.handleInlineQuery(ctx, u.InlineQuery)
	case u.CallbackQuery != nil:
		return b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.IsCommand():
		return b.handleCommand(ctx, u.Message)
	default:
		return nil
	}
}

func (b *Bot) handleInlineQuery(ctx context.Context, q *tgbotapi.InlineQuery) error {
	answer := tgbotapi.InlineConfig{
		InlineQueryID: q.ID,
		IsPersonal:    true,
		Results:       []interface{}{},
	}

	id := strings.TrimSpace(q.Query)
	if validation.IsValidID(id) {
		bill, err := b.bills.GetBill(ctx, id)
		switch {
		case err == nil:
			view, err := render.Render(bill, q.From.ID)
			if err != nil {
				return fmt.Errorf("render bill %s: %w", id, err)
			}

			article := tgbotapi.NewInlineQueryResultArticleHTML(bill.ID, render.Title(bill), view.Text)
			article.Description = render.Description(bill)
			if len(view.Rows) > 0 {
				kb := Keyboard(view)
				article.ReplyMarkup = &kb
			}
			answer.Results = append(answer.Results, article)
		case errors.Is(err, service.ErrNotFound):
		default:
			return fmt.Errorf("get bill %s: %w", id, err)
		}
	}

	return b.request(ctx, answer)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	actor := Actor(cb.From)

	res := b.router.Dispatch(ctx, action.Action{
		Token:      cb.Data,
		Actor:      actor,
		DeliveryID: cb.ID,
	})
	if res.Duplicate {
		b.logger.Debug("duplicate callback dropped", zap.String("callbackID", cb.ID))
		return nil
	}

	if err := b.request(ctx, tgbotapi.NewCallback(cb.ID, res.Status)); err != nil {
		b.logger.Warn("answer callback", zap.String("callbackID", cb.ID), zap.Error(err))
	}

	if res.Bill == nil {
		return nil
	}

	view, err := render.Render(res.Bill, actor.ID)
	if err != nil {
		return fmt.Errorf("render bill %s: %w", res.Bill.ID, err)
	}

	edit, ok := editFor(cb, view)
	if !ok {
		return nil
	}
	if err := b.request(ctx, edit); err != nil && !isNotModified(err) {
		return fmt.Errorf("edit bill message: %w", err)
	}
	return nil
}

func (b *Bot) handleCommand(ctx context.Context, m *tgbotapi.Message) error {
	switch m.Command() {
	case "start":
		if id := strings.TrimSpace(m.CommandArguments()); id != "" {
			return b.sendBill(ctx, m, id)
		}
		return b.sendHelp(ctx, m)
	case "help":
		return b.sendHelp(ctx, m)
	default:
		return b.sendText(ctx, m.Chat.ID, "Unknown command. Use /help.")
	}
}

func (b *Bot) sendBill(ctx context.Context, m *tgbotapi.Message, id string) error {
	if !validation.IsValidID(id) {
		return b.sendText(ctx, m.Chat.ID, action.StatusNotFound)
	}

	bill, err := b.bills.GetBill(ctx, id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return b.sendText(ctx, m.Chat.ID, action.StatusNotFound)
		}
		return fmt.Errorf("get bill %s: %w", id, err)
	}

	var viewerID int64
	if m.From != nil {
		viewerID = m.From.ID
	}
	view, err := render.Render(bill, viewerID)
	if err != nil {
		return fmt.Errorf("render bill %s: %w", id, err)
	}

	msg := tgbotapi.NewMessage(m.Chat.ID, view.Text)
	msg.ParseMode = render.ParseMode
	if len(view.Rows) > 0 {
		msg.ReplyMarkup = Keyboard(view)
	}
	return b.send(ctx, msg)
}

func (b *Bot) sendHelp(ctx context.Context, m *tgbotapi.Message) error {
	msg := tgbotapi.NewMessage(m.Chat.ID, fmt.Sprintf(helpText, render.Escape(b.username)))
	msg.ParseMode = render.ParseMode
	return b.send(ctx, msg)
}

func (b *Bot) sendText(ctx context.Context, chatID int64, text string) error {
	return b.send(ctx, tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := b.api.Send(c); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (b *Bot) request(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Request(c)
	return err
}

// Actor возвращает участника по пользователю Telegram.
func Actor(u *tgbotapi.User) model.Actor {
	if u == nil {
		return model.Actor{}
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" && u.UserName != "" {
		name = "@" + u.UserName
	}
	return model.Actor{ID: u.ID, Name: name}
}

// Keyboard преобразует раскладку кнопок в inline-клавиатуру.
func Keyboard(v render.View) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(v.Rows))
	for _, r := range v.Rows {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
		for _, btn := range r {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Token))
		}
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func editFor(cb *tgbotapi.CallbackQuery, v render.View) (tgbotapi.EditMessageTextConfig, bool) {
	kb := Keyboard(v)
	base := tgbotapi.BaseEdit{ReplyMarkup: &kb}

	switch {
	case cb.InlineMessageID != "":
		base.InlineMessageID = cb.InlineMessageID
	case cb.Message != nil:
		base.ChatID = cb.Message.Chat.ID
		base.MessageID = cb.Message.MessageID
	default:
		return tgbotapi.EditMessageTextConfig{}, false
	}

	return tgbotapi.EditMessageTextConfig{
		BaseEdit:              base,
		Text:                  v.Text,
		ParseMode:             render.ParseMode,
		DisableWebPagePreview: true,
	}, true
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
