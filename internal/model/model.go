// Package model содержит доменные сущности сервиса разделения счёта.
package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvariant возвращается, если документ счёта нарушает инварианты агрегата.
var ErrInvariant = errors.New("bill invariant violated")

// Phase описывает фазу жизненного цикла счёта.
type Phase string

const (
	PhaseSelection Phase = "selection"
	PhasePayment   Phase = "payment"
)

// Actor описывает удалённого участника, выполняющего действие, по идентичности платформы.
type Actor struct {
	ID   int64
	Name string
}

// Dish описывает одну позицию счёта.
type Dish struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Participant описывает участника счёта и его выбор блюд.
type Participant struct {
	ActorID           int64            `json:"actor_id"`
	DisplayName       string           `json:"display_name"`
	SelectedDishIDs   []string         `json:"selected_dish_ids"`
	AmountOwed        *decimal.Decimal `json:"amount_owed,omitempty"`
	HasPaid           bool             `json:"has_paid"`
	PaidAt            *time.Time       `json:"paid_at,omitempty"`
	PaidByDisplayName string           `json:"paid_by_display_name,omitempty"`
}

// Totals содержит итоговые суммы счёта, вычисляемые при фиксации.
type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	ServiceCharge decimal.Decimal `json:"service_charge"`
	GST           decimal.Decimal `json:"gst"`
	Total         decimal.Decimal `json:"total"`
}

// Bill описывает один разделяемый счёт.
type Bill struct {
	ID                      string          `json:"id"`
	Dishes                  []Dish          `json:"dishes"`
	Participants            []Participant   `json:"participants"`
	Phase                   Phase           `json:"phase"`
	PaidByName              string          `json:"paid_by_name"`
	Subtotal                decimal.Decimal `json:"subtotal"`
	ServiceChargePercentage decimal.Decimal `json:"service_charge_percentage"`
	GSTPercentage           decimal.Decimal `json:"gst_percentage"`
	Totals                  Totals          `json:"totals"`
	UnallocatedAmount       decimal.Decimal `json:"unallocated_amount"`
	CreatorActorID          *int64          `json:"creator_actor_id,omitempty"`
	LockedAt                *time.Time      `json:"locked_at,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// NewID генерирует идентификатор счёта. Идентификатор состоит только из [0-9a-f]
// и поэтому не содержит разделителя токенов действий.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewBill создаёт счёт в фазе выбора блюд без участников и с нулевыми итогами.
// Блюдам без идентификатора назначаются короткие идентификаторы d1, d2, ...
func NewBill(dishes []Dish, paidByName string, gstPct, serviceChargePct decimal.Decimal, now time.Time) *Bill {
	b := &Bill{
		ID:                      NewID(),
		Dishes:                  make([]Dish, 0, len(dishes)),
		Participants:            []Participant{},
		Phase:                   PhaseSelection,
		PaidByName:              paidByName,
		ServiceChargePercentage: serviceChargePct,
		GSTPercentage:           gstPct,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	subtotal := decimal.Zero
	for i, d := range dishes {
		if d.ID == "" {
			d.ID = "d" + strconv.Itoa(i+1)
		}
		b.Dishes = append(b.Dishes, d)
		subtotal = subtotal.Add(d.Price)
	}
	b.Subtotal = subtotal

	return b
}

// IsLocked сообщает, перешёл ли счёт в фазу оплаты.
func (b *Bill) IsLocked() bool {
	return b.Phase == PhasePayment
}

// CanLock сообщает, может ли участник зафиксировать счёт.
func (b *Bill) CanLock(actorID int64) bool {
	return b.CreatorActorID == nil || *b.CreatorActorID == actorID
}

// CanMarkPaid сообщает, может ли marker отметить оплату участника target:
// это разрешено создателю счёта и самому участнику.
func (b *Bill) CanMarkPaid(markerID, targetID int64) bool {
	if markerID == targetID {
		return true
	}
	return b.CreatorActorID != nil && *b.CreatorActorID == markerID
}

// ClaimCreator назначает создателя счёта, если он ещё не назначен.
func (b *Bill) ClaimCreator(actorID int64) bool {
	if b.CreatorActorID != nil {
		return false
	}
	id := actorID
	b.CreatorActorID = &id
	return true
}

// Dish возвращает блюдо по идентификатору.
func (b *Bill) Dish(id string) (Dish, bool) {
	for _, d := range b.Dishes {
		if d.ID == id {
			return d, true
		}
	}
	return Dish{}, false
}

// Participant возвращает участника по идентификатору платформы.
func (b *Bill) Participant(actorID int64) (*Participant, bool) {
	for i := range b.Participants {
		if b.Participants[i].ActorID == actorID {
			return &b.Participants[i], true
		}
	}
	return nil, false
}

// FindOrCreateParticipant возвращает существующего участника либо добавляет нового.
// Второе значение равно true, если участник был создан.
// Указатель действителен до следующего изменения списка участников.
func (b *Bill) FindOrCreateParticipant(actor Actor) (*Participant, bool) {
	if p, ok := b.Participant(actor.ID); ok {
		if actor.Name != "" {
			p.DisplayName = actor.Name
		}
		return p, false
	}

	b.Participants = append(b.Participants, Participant{
		ActorID:         actor.ID,
		DisplayName:     actor.Name,
		SelectedDishIDs: []string{},
	})
	return &b.Participants[len(b.Participants)-1], true
}

// HasSelections сообщает, выбрал ли хотя бы один участник хотя бы одно блюдо.
func (b *Bill) HasSelections() bool {
	for _, p := range b.Participants {
		if len(p.SelectedDishIDs) > 0 {
			return true
		}
	}
	return false
}

// Selectors возвращает участников, выбравших блюдо, в порядке списка участников.
func (b *Bill) Selectors(dishID string) []Participant {
	var res []Participant
	for _, p := range b.Participants {
		if p.HasSelected(dishID) {
			res = append(res, p)
		}
	}
	return res
}

// UnclaimedDishes возвращает блюда, которые никто не выбрал.
func (b *Bill) UnclaimedDishes() []Dish {
	var res []Dish
	for _, d := range b.Dishes {
		if len(b.Selectors(d.ID)) == 0 {
			res = append(res, d)
		}
	}
	return res
}

// PaidCount возвращает число участников, отмеченных как оплатившие.
func (b *Bill) PaidCount() int {
	n := 0
	for _, p := range b.Participants {
		if p.HasPaid {
			n++
		}
	}
	return n
}

// Validate проверяет инварианты агрегата перед сохранением.
func (b *Bill) Validate() error {
	if b.Phase != PhaseSelection && b.Phase != PhasePayment {
		return fmt.Errorf("%w: unknown phase %q", ErrInvariant, b.Phase)
	}

	dishes := make(map[string]struct{}, len(b.Dishes))
	for _, d := range b.Dishes {
		if d.Price.IsNegative() {
			return fmt.Errorf("%w: dish %s has negative price", ErrInvariant, d.ID)
		}
		if _, dup := dishes[d.ID]; dup {
			return fmt.Errorf("%w: duplicate dish %s", ErrInvariant, d.ID)
		}
		dishes[d.ID] = struct{}{}
	}

	actors := make(map[int64]struct{}, len(b.Participants))
	for _, p := range b.Participants {
		if _, dup := actors[p.ActorID]; dup {
			return fmt.Errorf("%w: duplicate participant %d", ErrInvariant, p.ActorID)
		}
		actors[p.ActorID] = struct{}{}

		for _, id := range p.SelectedDishIDs {
			if _, ok := dishes[id]; !ok {
				return fmt.Errorf("%w: participant %d selected unknown dish %s", ErrInvariant, p.ActorID, id)
			}
		}

		switch b.Phase {
		case PhaseSelection:
			if p.AmountOwed != nil || p.HasPaid {
				return fmt.Errorf("%w: participant %d has payment data before lock", ErrInvariant, p.ActorID)
			}
		case PhasePayment:
			if p.AmountOwed == nil {
				return fmt.Errorf("%w: participant %d has no amount after lock", ErrInvariant, p.ActorID)
			}
		}
	}

	if b.Phase == PhasePayment && b.LockedAt == nil {
		return fmt.Errorf("%w: locked bill without lock time", ErrInvariant)
	}

	return nil
}

// HasSelected сообщает, выбрал ли участник блюдо.
func (p *Participant) HasSelected(dishID string) bool {
	for _, id := range p.SelectedDishIDs {
		if id == dishID {
			return true
		}
	}
	return false
}

// ToggleDish добавляет блюдо в выбор участника либо убирает его оттуда.
// Возвращает true, если после вызова блюдо выбрано.
func (p *Participant) ToggleDish(dishID string) bool {
	for i, id := range p.SelectedDishIDs {
		if id == dishID {
			p.SelectedDishIDs = append(p.SelectedDishIDs[:i], p.SelectedDishIDs[i+1:]...)
			return false
		}
	}
	p.SelectedDishIDs = append(p.SelectedDishIDs, dishID)
	return true
}
