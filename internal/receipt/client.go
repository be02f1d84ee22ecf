// Package receipt предоставляет клиент для внешнего сервиса распознавания чеков.
package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/splitbill/internal/validation"
)

// MaxImageSize ограничивает размер изображения чека.
const MaxImageSize = 10 << 20

// ErrImageTooLarge возвращается, если изображение больше MaxImageSize.
var ErrImageTooLarge = errors.New("receipt image too large")

// Client инкапсулирует HTTP-взаимодействие с сервисом распознавания.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Item описывает распознанную позицию чека.
type Item struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Receipt описывает ответ сервиса распознавания.
type Receipt struct {
	Items                   []Item           `json:"items"`
	PaidByName              string           `json:"paid_by_name,omitempty"`
	GSTPercentage           *decimal.Decimal `json:"gst_percentage,omitempty"`
	ServiceChargePercentage *decimal.Decimal `json:"service_charge_percentage,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису распознавания по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Configured сообщает, задан ли адрес сервиса.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Parse отправляет изображение чека на распознавание. При ответе 429 возвращает
// код и интервал из Retry-After без ошибки; при 204 чек не распознан.
func (c *Client) Parse(ctx context.Context, image io.Reader, contentType string) (*Receipt, int, time.Duration, error) {
	if !c.Configured() {
		return nil, 0, 0, fmt.Errorf("receipt client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	data, err := io.ReadAll(io.LimitReader(image, MaxImageSize+1))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read image: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, 0, 0, ErrImageTooLarge
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/receipts/parse", bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Receipt
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}

// Drafts возвращает позиции, пригодные для создания счёта, и число отброшенных.
// Цена округляется до копеек, название обрезается по краям.
func (r *Receipt) Drafts() ([]Item, int) {
	items := make([]Item, 0, len(r.Items))
	dropped := 0
	for _, it := range r.Items {
		it.Name = strings.TrimSpace(it.Name)
		it.Price = it.Price.Round(2)
		if validation.ValidateName(it.Name) != nil || validation.ValidatePrice(it.Price) != nil {
			dropped++
			continue
		}
		if len(items) == validation.MaxDishes {
			dropped++
			continue
		}
		items = append(items, it)
	}
	return items, dropped
}
