// Package allocation вычисляет долю каждого участника в счёте.
//
// Каждое блюдо делится поровну между выбравшими его участниками. Сервисный сбор
// начисляется на подытог участника, GST — на подытог вместе со сбором. Промежуточные
// суммы хранятся с полной точностью, до двух знаков округляются только итоговые суммы.
package allocation

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/splitbill/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Selection описывает выбор блюд одним участником.
type Selection struct {
	ActorID int64
	DishIDs []string
}

// Share описывает долю участника в одном блюде.
type Share struct {
	DishID   string
	Name     string
	Amount   decimal.Decimal
	SharedBy int
}

// Person содержит расчёт для одного участника.
type Person struct {
	ActorID       int64
	Items         []Share
	Subtotal      decimal.Decimal
	ServiceCharge decimal.Decimal
	GST           decimal.Decimal
	Total         decimal.Decimal
}

// AmountOwed возвращает итоговую сумму участника, округлённую до копеек.
func (p Person) AmountOwed() decimal.Decimal {
	return Round(p.Total)
}

// Breakdown содержит результат распределения счёта.
type Breakdown struct {
	People        []Person
	Subtotal      decimal.Decimal
	ServiceCharge decimal.Decimal
	GST           decimal.Decimal
	Total         decimal.Decimal

	// Unallocated содержит блюда, которые никто не выбрал. Они входят в подытог
	// счёта, но не входят ни в одну долю участника.
	Unallocated       []model.Dish
	UnallocatedAmount decimal.Decimal
}

// HasUnallocated сообщает, есть ли в счёте невыбранные блюда.
func (b Breakdown) HasUnallocated() bool {
	return len(b.Unallocated) > 0
}

// AllocatedSubtotal возвращает сумму подытогов всех участников.
func (b Breakdown) AllocatedSubtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range b.People {
		sum = sum.Add(p.Subtotal)
	}
	return sum
}

// Totals возвращает итоги счёта, округлённые до копеек.
func (b Breakdown) Totals() model.Totals {
	return model.Totals{
		Subtotal:      Round(b.Subtotal),
		ServiceCharge: Round(b.ServiceCharge),
		GST:           Round(b.GST),
		Total:         Round(b.Total),
	}
}

// Person возвращает расчёт участника.
func (b Breakdown) Person(actorID int64) (Person, bool) {
	for _, p := range b.People {
		if p.ActorID == actorID {
			return p, true
		}
	}
	return Person{}, false
}

// Round округляет сумму до двух знаков, половина округляется вверх.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Surcharges применяет к подытогу сервисный сбор и затем GST на подытог со сбором.
func Surcharges(subtotal, gstPct, serviceChargePct decimal.Decimal) (serviceCharge, gst, total decimal.Decimal) {
	serviceCharge = subtotal.Mul(serviceChargePct).Div(hundred)
	gst = subtotal.Add(serviceCharge).Mul(gstPct).Div(hundred)
	total = subtotal.Add(serviceCharge).Add(gst)
	return serviceCharge, gst, total
}

// Allocate распределяет блюда между участниками. Порядок участников в результате
// совпадает с порядком selections. Повторные идентификаторы блюд и участников
// учитываются один раз, неизвестные блюда игнорируются.
func Allocate(dishes []model.Dish, selections []Selection, gstPct, serviceChargePct decimal.Decimal) Breakdown {
	known := make(map[string]struct{}, len(dishes))
	for _, d := range dishes {
		known[d.ID] = struct{}{}
	}

	people := make([]Person, 0, len(selections))
	picked := make([]map[string]struct{}, 0, len(selections))
	seenActors := make(map[int64]struct{}, len(selections))
	counts := make(map[string]int, len(dishes))

	for _, s := range selections {
		if _, dup := seenActors[s.ActorID]; dup {
			continue
		}
		seenActors[s.ActorID] = struct{}{}

		set := make(map[string]struct{}, len(s.DishIDs))
		for _, id := range s.DishIDs {
			if _, ok := known[id]; !ok {
				continue
			}
			if _, dup := set[id]; dup {
				continue
			}
			set[id] = struct{}{}
			counts[id]++
		}

		people = append(people, Person{ActorID: s.ActorID, Subtotal: decimal.Zero})
		picked = append(picked, set)
	}

	res := Breakdown{
		Subtotal:          decimal.Zero,
		UnallocatedAmount: decimal.Zero,
	}

	for _, d := range dishes {
		res.Subtotal = res.Subtotal.Add(d.Price)

		n := counts[d.ID]
		if n == 0 {
			res.Unallocated = append(res.Unallocated, d)
			res.UnallocatedAmount = res.UnallocatedAmount.Add(d.Price)
			continue
		}

		share := d.Price.Div(decimal.NewFromInt(int64(n)))
		for i := range people {
			if _, ok := picked[i][d.ID]; !ok {
				continue
			}
			people[i].Items = append(people[i].Items, Share{
				DishID:   d.ID,
				Name:     d.Name,
				Amount:   share,
				SharedBy: n,
			})
			people[i].Subtotal = people[i].Subtotal.Add(share)
		}
	}

	for i := range people {
		people[i].ServiceCharge, people[i].GST, people[i].Total =
			Surcharges(people[i].Subtotal, gstPct, serviceChargePct)
	}

	res.People = people
	res.ServiceCharge, res.GST, res.Total = Surcharges(res.Subtotal, gstPct, serviceChargePct)

	return res
}

// Selections извлекает выбор участников из счёта в порядке списка участников.
func Selections(b *model.Bill) []Selection {
	res := make([]Selection, 0, len(b.Participants))
	for _, p := range b.Participants {
		res = append(res, Selection{
			ActorID: p.ActorID,
			DishIDs: p.SelectedDishIDs,
		})
	}
	return res
}

// ForBill распределяет счёт по текущему выбору участников.
func ForBill(b *model.Bill) Breakdown {
	return Allocate(b.Dishes, Selections(b), b.GSTPercentage, b.ServiceChargePercentage)
}
