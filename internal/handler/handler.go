// Package handler содержит HTTP-обработчики API сервиса разделения счетов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/mmeshcher/splitbill/internal/allocation"
	"github.com/mmeshcher/splitbill/internal/middleware"
	"github.com/mmeshcher/splitbill/internal/model"
	"github.com/mmeshcher/splitbill/internal/receipt"
	"github.com/mmeshcher/splitbill/internal/service"
	"github.com/mmeshcher/splitbill/internal/validation"
)

// QRSize — размер стороны QR-кода в пикселях.
const QRSize = 256

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateBill(ctx context.Context, in service.NewBill) (*model.Bill, error)
	GetBill(ctx context.Context, id string) (*model.Bill, error)
	ToggleDish(ctx context.Context, billID string, actor model.Actor, dishID string) (*model.Bill, error)
	LockBill(ctx context.Context, billID string, actorID int64) (*model.Bill, error)
	MarkPaid(ctx context.Context, billID string, marker model.Actor, targetID int64) (*model.Bill, error)
	Preview(b *model.Bill) allocation.Breakdown
}

// ReceiptParser распознаёт изображения чеков.
type ReceiptParser interface {
	Configured() bool
	Parse(ctx context.Context, image io.Reader, contentType string) (*receipt.Receipt, int, time.Duration, error)
}

// Options содержит необязательные зависимости обработчика.
type Options struct {
	// PublicBaseURL используется для ссылок на счёт, если имя бота не задано.
	PublicBaseURL string
	// BotUsername задаёт ссылку вида https://t.me/<bot>?start=<id>.
	BotUsername string
	Receipts    ReceiptParser
	// Webhook принимает обновления Telegram по адресу /telegram/{WebhookSecret}.
	Webhook       http.Handler
	WebhookSecret string
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.InitDataAuth
	opts           Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.InitDataAuth, opts Options) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		opts:           opts,
	}
}

type dishRequest struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type createBillRequest struct {
	Dishes                  []dishRequest   `json:"dishes"`
	PaidByName              string          `json:"paid_by_name"`
	GSTPercentage           decimal.Decimal `json:"gst_percentage"`
	ServiceChargePercentage decimal.Decimal `json:"service_charge_percentage"`
}

type personResponse struct {
	ActorID       int64           `json:"actor_id"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	ServiceCharge decimal.Decimal `json:"service_charge"`
	GST           decimal.Decimal `json:"gst"`
	Total         decimal.Decimal `json:"total"`
}

type previewResponse struct {
	People             []personResponse `json:"people"`
	Totals             model.Totals     `json:"totals"`
	UnallocatedDishIDs []string         `json:"unallocated_dish_ids"`
	UnallocatedAmount  decimal.Decimal  `json:"unallocated_amount"`
}

type billResponse struct {
	*model.Bill
	ShareURL string           `json:"share_url"`
	Preview  *previewResponse `json:"preview,omitempty"`
}

type receiptResponse struct {
	Items                   []receipt.Item   `json:"items"`
	Dropped                 int              `json:"dropped"`
	PaidByName              string           `json:"paid_by_name,omitempty"`
	GSTPercentage           *decimal.Decimal `json:"gst_percentage,omitempty"`
	ServiceChargePercentage *decimal.Decimal `json:"service_charge_percentage,omitempty"`
}

// Health сообщает о готовности сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// Webhook передаёт обновление Telegram боту, если секрет в пути совпадает.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.opts.Webhook == nil || !secretEqual(chi.URLParam(r, "secret"), h.opts.WebhookSecret) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	h.opts.Webhook.ServeHTTP(w, r)
}

// CreateBill создаёт счёт. Автор запроса становится создателем счёта.
func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createBillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in := service.NewBill{
		PaidByName:              req.PaidByName,
		GSTPercentage:           req.GSTPercentage,
		ServiceChargePercentage: req.ServiceChargePercentage,
		Creator:                 &actor,
	}
	if in.PaidByName == "" {
		in.PaidByName = actor.Name
	}
	for _, d := range req.Dishes {
		in.Dishes = append(in.Dishes, service.NewDish{Name: d.Name, Price: d.Price})
	}

	b, err := h.service.CreateBill(r.Context(), in)
	if err != nil {
		h.writeError(w, err, "create bill", "")
		return
	}

	h.logger.Info("bill created", zap.String("billID", b.ID), zap.Int64("actorID", actor.ID), zap.Int("dishes", len(b.Dishes)))
	h.writeBill(w, http.StatusCreated, b)
}

// GetBill возвращает счёт вместе с текущим распределением. Идентификатор счёта
// служит ссылкой для участников, поэтому авторизация не требуется.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := h.service.GetBill(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "get bill", id)
		return
	}

	h.writeBill(w, http.StatusOK, b)
}

// GetBillQR возвращает PNG с QR-кодом ссылки на счёт.
func (h *Handler) GetBillQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := h.service.GetBill(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "get bill qr", id)
		return
	}

	png, err := qrcode.Encode(h.shareURL(b.ID), qrcode.Medium, QRSize)
	if err != nil {
		h.logger.Error("encode qr error", zap.Error(err), zap.String("billID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(png)
}

// ToggleDish добавляет блюдо в выбор текущего участника или убирает его.
func (h *Handler) ToggleDish(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")
	dishID := chi.URLParam(r, "dishID")
	if !validation.IsValidID(dishID) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	b, err := h.service.ToggleDish(r.Context(), id, actor, dishID)
	if err != nil {
		h.writeError(w, err, "toggle dish", id)
		return
	}

	h.writeBill(w, http.StatusOK, b)
}

// LockBill переводит счёт в фазу оплаты.
func (h *Handler) LockBill(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")

	b, err := h.service.LockBill(r.Context(), id, actor.ID)
	if err != nil {
		h.writeError(w, err, "lock bill", id)
		return
	}

	h.writeBill(w, http.StatusOK, b)
}

// MarkPaid отмечает оплату участника. Повторная отметка возвращает текущее состояние счёта.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")
	targetID, err := strconv.ParseInt(chi.URLParam(r, "actorID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.service.MarkPaid(r.Context(), id, actor, targetID)
	if errors.Is(err, service.ErrAlreadyPaid) {
		b, err = h.service.GetBill(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, err, "mark paid", id)
		return
	}

	h.writeBill(w, http.StatusOK, b)
}

// ParseReceipt передаёт изображение чека сервису распознавания и возвращает
// позиции, пригодные для создания счёта.
func (h *Handler) ParseReceipt(w http.ResponseWriter, r *http.Request) {
	if h.opts.Receipts == nil || !h.opts.Receipts.Configured() {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}

	body := http.MaxBytesReader(w, r.Body, receipt.MaxImageSize)
	defer body.Close()

	res, code, retryAfter, err := h.opts.Receipts.Parse(r.Context(), body, r.Header.Get("Content-Type"))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || errors.Is(err, receipt.ErrImageTooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Error("parse receipt error", zap.Error(err), zap.Int("status", code))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	switch code {
	case http.StatusTooManyRequests:
		if retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
		}
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	case http.StatusNoContent:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	items, dropped := res.Drafts()
	resp := receiptResponse{
		Items:                   items,
		Dropped:                 dropped,
		PaidByName:              res.PaidByName,
		GSTPercentage:           res.GSTPercentage,
		ServiceChargePercentage: res.ServiceChargePercentage,
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeBill(w http.ResponseWriter, status int, b *model.Bill) {
	resp := billResponse{
		Bill:     b,
		ShareURL: h.shareURL(b.ID),
	}
	if !b.IsLocked() {
		resp.Preview = preview(h.service.Preview(b))
	}

	h.writeJSON(w, status, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, op, billID string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, validation.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, service.ErrEmptySelections):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrTransient):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error(op+" error", zap.Error(err), zap.String("billID", billID))
	}

	if status < http.StatusInternalServerError {
		http.Error(w, err.Error(), status)
		return
	}
	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) shareURL(billID string) string {
	if h.opts.BotUsername != "" {
		return "https://t.me/" + h.opts.BotUsername + "?start=" + billID
	}
	return h.opts.PublicBaseURL + "/bills/" + billID
}

func preview(br allocation.Breakdown) *previewResponse {
	resp := &previewResponse{
		People:             make([]personResponse, 0, len(br.People)),
		Totals:             br.Totals(),
		UnallocatedDishIDs: make([]string, 0, len(br.Unallocated)),
		UnallocatedAmount:  allocation.Round(br.UnallocatedAmount),
	}
	for _, p := range br.People {
		resp.People = append(resp.People, personResponse{
			ActorID:       p.ActorID,
			Subtotal:      allocation.Round(p.Subtotal),
			ServiceCharge: allocation.Round(p.ServiceCharge),
			GST:           allocation.Round(p.GST),
			Total:         p.AmountOwed(),
		})
	}
	for _, d := range br.Unallocated {
		resp.UnallocatedDishIDs = append(resp.UnallocatedDishIDs, d.ID)
	}
	return resp
}
