// Package action разбирает токены действий участников и передаёт их координатору.
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/splitbill/internal/metrics"
	"github.com/mmeshcher/splitbill/internal/model"
	"github.com/mmeshcher/splitbill/internal/ratelimit"
	"github.com/mmeshcher/splitbill/internal/service"
	"github.com/mmeshcher/splitbill/internal/token"
)

// DefaultCooldown — минимальный интервал между одинаковыми действиями участника.
const DefaultCooldown = 700 * time.Millisecond

// Короткие статусы, возвращаемые участнику.
const (
	StatusLocked        = "Bill locked"
	StatusNotFound      = "Bill not found"
	StatusAlreadyLocked = "Bill is already locked"
	StatusNotLocked     = "Bill is not locked yet"
	StatusForbidden     = "Only the bill creator can do that"
	StatusEmpty         = "Nobody has picked any dishes yet"
	StatusAlreadyPaid   = "Already marked as paid"
	StatusTryAgain      = "Something went wrong, please try again"
	StatusUnknown       = "Unknown action"
	StatusTooFast       = "Too fast"
)

// Coordinator описывает операции над счётом, которые вызывает маршрутизатор.
type Coordinator interface {
	ToggleDish(ctx context.Context, billID string, actor model.Actor, dishID string) (*model.Bill, error)
	LockBill(ctx context.Context, billID string, actorID int64) (*model.Bill, error)
	MarkPaid(ctx context.Context, billID string, marker model.Actor, targetID int64) (*model.Bill, error)
}

// Action — входящее действие участника.
type Action struct {
	Token string
	Actor model.Actor
	// DeliveryID идентифицирует доставку транспортом (например, id callback-запроса).
	DeliveryID string
}

// Result — итог обработки действия.
type Result struct {
	// Status — короткий текст подтверждения для участника.
	Status string
	// Bill задан, если состояние счёта изменилось и сообщение нужно перерисовать.
	Bill *model.Bill
	// Duplicate равен true для повторной доставки уже обработанного действия.
	Duplicate bool
}

// Router маршрутизирует действия.
type Router struct {
	coordinator Coordinator
	limiter     ratelimit.Limiter
	cooldown    time.Duration
	logger      *zap.Logger
}

// NewRouter создаёт маршрутизатор. limiter может быть nil, тогда ограничения не применяются.
func NewRouter(coordinator Coordinator, limiter ratelimit.Limiter, cooldown time.Duration, logger *zap.Logger) *Router {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		coordinator: coordinator,
		limiter:     limiter,
		cooldown:    cooldown,
		logger:      logger,
	}
}

// Dispatch обрабатывает действие. Ошибки бизнес-правил превращаются в статус
// для участника и не возвращаются наружу.
func (r *Router) Dispatch(ctx context.Context, a Action) Result {
	if a.DeliveryID != "" && !r.allow(ctx, ratelimit.DeliveryKey(a.DeliveryID), ratelimit.DeliveryTTL) {
		metrics.ObserveRejectedAction("duplicate")
		return Result{Duplicate: true}
	}

	cmd, err := token.Decode(a.Token)
	if err != nil {
		metrics.ObserveRejectedAction("malformed")
		r.logger.Debug("malformed action token", zap.String("token", a.Token), zap.Error(err))
		return Result{Status: StatusUnknown}
	}

	if !r.allow(ctx, ratelimit.ActionKey(a.Actor.ID, a.Token), r.cooldown) {
		metrics.ObserveRejectedAction("cooldown")
		return Result{Status: StatusTooFast}
	}

	switch cmd.Verb {
	case token.VerbToggle:
		return r.toggle(ctx, cmd, a.Actor)
	case token.VerbLock:
		return r.lock(ctx, cmd, a.Actor)
	case token.VerbPay:
		return r.pay(ctx, cmd, a.Actor)
	default:
		return Result{Status: StatusUnknown}
	}
}

func (r *Router) toggle(ctx context.Context, cmd token.Command, actor model.Actor) Result {
	b, err := r.coordinator.ToggleDish(ctx, cmd.BillID, actor, cmd.Arg)
	if err != nil {
		return Result{Status: r.status(cmd, actor, err)}
	}

	dish, _ := b.Dish(cmd.Arg)
	status := "Removed " + dish.Name
	if p, ok := b.Participant(actor.ID); ok && p.HasSelected(cmd.Arg) {
		status = "Added " + dish.Name
	}
	return Result{Status: status, Bill: b}
}

func (r *Router) lock(ctx context.Context, cmd token.Command, actor model.Actor) Result {
	b, err := r.coordinator.LockBill(ctx, cmd.BillID, actor.ID)
	if err != nil {
		return Result{Status: r.status(cmd, actor, err)}
	}
	return Result{Status: StatusLocked, Bill: b}
}

func (r *Router) pay(ctx context.Context, cmd token.Command, actor model.Actor) Result {
	targetID, err := cmd.ActorID()
	if err != nil {
		return Result{Status: StatusUnknown}
	}

	b, err := r.coordinator.MarkPaid(ctx, cmd.BillID, actor, targetID)
	if err != nil {
		return Result{Status: r.status(cmd, actor, err)}
	}

	name := ""
	if p, ok := b.Participant(targetID); ok {
		name = p.DisplayName
	}
	return Result{Status: fmt.Sprintf("Marked %s as paid", name), Bill: b}
}

func (r *Router) status(cmd token.Command, actor model.Actor, err error) string {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, service.ErrInvalidState):
		if cmd.Verb == token.VerbPay {
			return StatusNotLocked
		}
		return StatusAlreadyLocked
	case errors.Is(err, service.ErrForbidden):
		return StatusForbidden
	case errors.Is(err, service.ErrEmptySelections):
		return StatusEmpty
	case errors.Is(err, service.ErrAlreadyPaid):
		return StatusAlreadyPaid
	default:
		r.logger.Error("action failed",
			zap.String("verb", string(cmd.Verb)),
			zap.String("billID", cmd.BillID),
			zap.Int64("actorID", actor.ID),
			zap.Error(err),
		)
		return StatusTryAgain
	}
}

// allow при недоступности хранилища ключей пропускает действие.
func (r *Router) allow(ctx context.Context, key string, ttl time.Duration) bool {
	if r.limiter == nil {
		return true
	}
	ok, err := r.limiter.Allow(ctx, key, ttl)
	if err != nil {
		r.logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}
