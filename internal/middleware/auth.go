// Package middleware содержит HTTP middleware сервиса разделения счетов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/splitbill/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

// InitDataHeader — заголовок, в котором веб-клиент передаёт initData Telegram Mini App.
const InitDataHeader = "X-Telegram-Init-Data"

// DefaultInitDataMaxAge ограничивает возраст initData.
const DefaultInitDataMaxAge = 24 * time.Hour

// InitDataAuth проверяет подпись initData, выданной Telegram для Mini App,
// и помещает участника в контекст запроса.
type InitDataAuth struct {
	secretKey []byte
	maxAge    time.Duration
	now       func() time.Time
}

type initDataUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// NewInitDataAuth создаёт проверку для токена бота. Без токена используется
// случайный ключ, и ни одна подпись не проходит проверку.
func NewInitDataAuth(botToken string, maxAge time.Duration) *InitDataAuth {
	key := []byte(botToken)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write(key)

	if maxAge <= 0 {
		maxAge = DefaultInitDataMaxAge
	}

	return &InitDataAuth{
		secretKey: mac.Sum(nil),
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Middleware проверяет initData и добавляет участника в контекст запроса.
func (a *InitDataAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := a.parse(r.Header.Get(InitDataHeader))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Sign подписывает набор полей initData и возвращает готовую строку запроса.
func (a *InitDataAuth) Sign(values url.Values) string {
	signed := url.Values{}
	for k, v := range values {
		if k != "hash" {
			signed[k] = v
		}
	}
	signed.Set("hash", a.hash(signed))
	return signed.Encode()
}

func (a *InitDataAuth) hash(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *InitDataAuth) parse(initData string) (model.Actor, bool) {
	if initData == "" {
		return model.Actor{}, false
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return model.Actor{}, false
	}

	signature := values.Get("hash")
	if signature == "" || !hmac.Equal([]byte(signature), []byte(a.hash(values))) {
		return model.Actor{}, false
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return model.Actor{}, false
	}
	if a.now().Sub(time.Unix(authDate, 0)) > a.maxAge {
		return model.Actor{}, false
	}

	var u initDataUser
	if err := json.Unmarshal([]byte(values.Get("user")), &u); err != nil || u.ID == 0 {
		return model.Actor{}, false
	}

	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" && u.Username != "" {
		name = "@" + u.Username
	}

	return model.Actor{ID: u.ID, Name: name}, true
}

// GetActorFromContext извлекает участника из контекста запроса.
func GetActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(model.Actor)
	return actor, ok
}
