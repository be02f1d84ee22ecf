// Package service реализует координатор выбора блюд и оплаты счёта.
//
// Сервис — единственный компонент, изменяющий сохранённые счета. Каждое изменение
// выполняется через атомарное чтение-изменение-запись хранилища, поэтому
// одновременные нажатия разных участников не теряют друг друга.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/splitbill/internal/allocation"
	"github.com/mmeshcher/splitbill/internal/events"
	"github.com/mmeshcher/splitbill/internal/metrics"
	"github.com/mmeshcher/splitbill/internal/model"
	"github.com/mmeshcher/splitbill/internal/repository"
	"github.com/mmeshcher/splitbill/internal/validation"
)

var (
	// ErrNotFound возвращается, если счёт, блюдо или участник не найдены.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState возвращается, если операция недопустима в текущей фазе счёта.
	ErrInvalidState = errors.New("invalid bill state")
	// ErrForbidden возвращается, если участнику не разрешена операция.
	ErrForbidden = errors.New("forbidden")
	// ErrEmptySelections возвращается при фиксации счёта, в котором никто ничего не выбрал.
	ErrEmptySelections = errors.New("no dishes selected")
	// ErrAlreadyPaid сообщает, что участник уже отмечен как оплативший. Состояние не меняется.
	ErrAlreadyPaid = errors.New("already paid")
	// ErrTransient возвращается, если конкурентные записи не удалось разрешить за отведённые повторы.
	ErrTransient = errors.New("transient store conflict")
)

// Repository описывает контракт хранилища счетов, используемый сервисом.
type Repository interface {
	Close() error
	CreateBill(ctx context.Context, bill *model.Bill) error
	GetBill(ctx context.Context, id string) (*model.Bill, error)
	UpdateBill(ctx context.Context, id string, fn repository.UpdateFunc) (*model.Bill, error)
}

// Publisher публикует события счёта после фиксации изменений.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// NewDish описывает блюдо при создании счёта.
type NewDish struct {
	Name  string
	Price decimal.Decimal
}

// NewBill описывает входные данные для создания счёта.
type NewBill struct {
	Dishes                  []NewDish
	PaidByName              string
	GSTPercentage           decimal.Decimal
	ServiceChargePercentage decimal.Decimal
	// Creator задаётся, если автор счёта известен заранее (например, из веб-интерфейса).
	Creator *model.Actor
}

// Service содержит бизнес-логику разделения счёта.
type Service struct {
	repo      Repository
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewService создаёт новый сервис с указанным хранилищем и издателем событий.
func NewService(repo Repository, publisher Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateBill проверяет входные данные и сохраняет новый счёт в фазе выбора.
func (s *Service) CreateBill(ctx context.Context, in NewBill) (*model.Bill, error) {
	if err := validateNewBill(in); err != nil {
		return nil, err
	}

	dishes := make([]model.Dish, 0, len(in.Dishes))
	for _, d := range in.Dishes {
		dishes = append(dishes, model.Dish{
			Name:  strings.TrimSpace(d.Name),
			Price: d.Price,
		})
	}

	b := model.NewBill(dishes, strings.TrimSpace(in.PaidByName), in.GSTPercentage, in.ServiceChargePercentage, s.now())
	if in.Creator != nil {
		b.ClaimCreator(in.Creator.ID)
	}

	if err := s.repo.CreateBill(ctx, b); err != nil {
		metrics.ObserveTransition("create", "error")
		return nil, fmt.Errorf("create bill: %w", err)
	}
	metrics.ObserveTransition("create", "ok")

	s.publish(ctx, events.Event{
		Type:       events.BillCreated,
		BillID:     b.ID,
		Amount:     b.Subtotal.StringFixed(2),
		OccurredAt: b.CreatedAt,
	})

	return b, nil
}

// GetBill возвращает счёт по идентификатору.
func (s *Service) GetBill(ctx context.Context, id string) (*model.Bill, error) {
	id = strings.TrimSpace(id)
	if !validation.IsValidID(id) {
		return nil, fmt.Errorf("%w: bill %q", ErrNotFound, id)
	}

	b, err := s.repo.GetBill(ctx, id)
	if err != nil {
		return nil, s.mapStoreError(err, id)
	}
	return b, nil
}

// ToggleDish добавляет блюдо в выбор участника или убирает его. Первое действие
// участника создаёт его запись и, если создатель счёта не назначен, делает его создателем.
// Повтор того же действия возвращает выбор в исходное состояние.
func (s *Service) ToggleDish(ctx context.Context, billID string, actor model.Actor, dishID string) (*model.Bill, error) {
	updated, err := s.repo.UpdateBill(ctx, billID, func(b *model.Bill) error {
		if b.IsLocked() {
			return fmt.Errorf("%w: bill is locked", ErrInvalidState)
		}
		if _, ok := b.Dish(dishID); !ok {
			return fmt.Errorf("%w: dish %s", ErrNotFound, dishID)
		}

		b.ClaimCreator(actor.ID)
		p, _ := b.FindOrCreateParticipant(actor)
		p.ToggleDish(dishID)

		return nil
	})
	if err != nil {
		err = s.mapStoreError(err, billID)
		s.observe("toggle", err)
		return nil, err
	}
	s.observe("toggle", nil)

	return updated, nil
}

// LockBill переводит счёт в фазу оплаты и фиксирует долю каждого участника.
func (s *Service) LockBill(ctx context.Context, billID string, actorID int64) (*model.Bill, error) {
	var breakdown allocation.Breakdown

	updated, err := s.repo.UpdateBill(ctx, billID, func(b *model.Bill) error {
		if !b.CanLock(actorID) {
			return fmt.Errorf("%w: only the bill creator can lock it", ErrForbidden)
		}
		if b.IsLocked() {
			return fmt.Errorf("%w: bill is already locked", ErrInvalidState)
		}
		if !b.HasSelections() {
			return ErrEmptySelections
		}

		breakdown = allocation.ForBill(b)
		now := s.now()

		for i := range b.Participants {
			p := &b.Participants[i]
			owed := decimal.Zero
			if person, ok := breakdown.Person(p.ActorID); ok {
				owed = person.AmountOwed()
			}
			p.AmountOwed = &owed
		}

		b.Totals = breakdown.Totals()
		b.UnallocatedAmount = allocation.Round(breakdown.UnallocatedAmount)
		b.Phase = model.PhasePayment
		b.LockedAt = &now

		return nil
	})
	if err != nil {
		err = s.mapStoreError(err, billID)
		s.observe("lock", err)
		return nil, err
	}
	s.observe("lock", nil)

	if breakdown.HasUnallocated() {
		s.logger.Info("bill locked with unclaimed dishes",
			zap.String("billID", billID),
			zap.Int("dishes", len(breakdown.Unallocated)),
			zap.String("amount", breakdown.UnallocatedAmount.StringFixed(2)),
		)
	}

	s.publish(ctx, events.Event{
		Type:       events.BillLocked,
		BillID:     updated.ID,
		ActorID:    actorID,
		Amount:     updated.Totals.Total.StringFixed(2),
		OccurredAt: *updated.LockedAt,
	})

	return updated, nil
}

// MarkPaid отмечает оплату участника target. Отметить может сам участник или
// создатель счёта. Повторная отметка возвращает ErrAlreadyPaid без изменений.
func (s *Service) MarkPaid(ctx context.Context, billID string, marker model.Actor, targetID int64) (*model.Bill, error) {
	var paidAt time.Time

	updated, err := s.repo.UpdateBill(ctx, billID, func(b *model.Bill) error {
		if !b.IsLocked() {
			return fmt.Errorf("%w: bill is not locked yet", ErrInvalidState)
		}
		if !b.CanMarkPaid(marker.ID, targetID) {
			return fmt.Errorf("%w: only the bill creator or the participant can mark payment", ErrForbidden)
		}

		p, ok := b.Participant(targetID)
		if !ok {
			return fmt.Errorf("%w: participant %d", ErrNotFound, targetID)
		}
		if p.HasPaid {
			return ErrAlreadyPaid
		}

		paidAt = s.now()
		p.HasPaid = true
		p.PaidAt = &paidAt
		p.PaidByDisplayName = marker.Name

		return nil
	})
	if err != nil {
		err = s.mapStoreError(err, billID)
		s.observe("pay", err)
		return nil, err
	}
	s.observe("pay", nil)

	amount := ""
	if p, ok := updated.Participant(targetID); ok && p.AmountOwed != nil {
		amount = p.AmountOwed.StringFixed(2)
	}
	s.publish(ctx, events.Event{
		Type:       events.ParticipantPaid,
		BillID:     updated.ID,
		ActorID:    marker.ID,
		TargetID:   targetID,
		Amount:     amount,
		OccurredAt: paidAt,
	})

	return updated, nil
}

// Preview вычисляет текущее распределение счёта без сохранения.
func (s *Service) Preview(b *model.Bill) allocation.Breakdown {
	return allocation.ForBill(b)
}

func (s *Service) mapStoreError(err error, billID string) error {
	switch {
	case errors.Is(err, repository.ErrBillNotFound):
		return fmt.Errorf("%w: bill %s", ErrNotFound, billID)
	case errors.Is(err, repository.ErrConflict):
		s.logger.Warn("bill update conflict retries exhausted", zap.String("billID", billID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return err
	}
}

func (s *Service) observe(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrInvalidState):
		result = "invalid_state"
	case errors.Is(err, ErrForbidden):
		result = "forbidden"
	case errors.Is(err, ErrEmptySelections):
		result = "empty_selections"
	case errors.Is(err, ErrAlreadyPaid):
		result = "already_paid"
	case errors.Is(err, ErrTransient):
		result = "conflict"
	default:
		result = "error"
	}
	metrics.ObserveTransition(op, result)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("publish bill event", zap.String("type", string(e.Type)), zap.String("billID", e.BillID), zap.Error(err))
	}
}

func validateNewBill(in NewBill) error {
	if err := validation.ValidateDishCount(len(in.Dishes)); err != nil {
		return err
	}
	if err := validation.ValidateName(in.PaidByName); err != nil {
		return fmt.Errorf("paid by: %w", err)
	}
	if err := validation.ValidatePercentage(in.GSTPercentage); err != nil {
		return fmt.Errorf("gst: %w", err)
	}
	if err := validation.ValidatePercentage(in.ServiceChargePercentage); err != nil {
		return fmt.Errorf("service charge: %w", err)
	}
	for i, d := range in.Dishes {
		if err := validation.ValidateName(d.Name); err != nil {
			return fmt.Errorf("dish %d: %w", i+1, err)
		}
		if err := validation.ValidatePrice(d.Price); err != nil {
			return fmt.Errorf("dish %d: %w", i+1, err)
		}
	}
	return nil
}
