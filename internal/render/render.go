// Package render формирует текст сообщения и раскладку кнопок для счёта.
//
// Текст предназначен для режима разбора HTML в Telegram: все строки, введённые
// пользователями (названия блюд, имена), экранируются перед подстановкой.
package render

import (
	"fmt"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/splitbill/internal/allocation"
	"github.com/mmeshcher/splitbill/internal/model"
	"github.com/mmeshcher/splitbill/internal/token"
)

// ParseMode — режим разметки, в котором должен отправляться View.Text.
const ParseMode = tgbotapi.ModeHTML

// DishesPerRow задаёт число кнопок блюд в одном ряду.
const DishesPerRow = 2

// MaxTextLength — предел длины текста сообщения Telegram в UTF-16 символах.
const MaxTextLength = 4096

const (
	selectedMark = "✅ "
	notYet       = "<i>not yet</i>"
	truncated    = "…\n"

	// listLimit ограничивает число названий в одной строке текста.
	listLimit = 5
)

// Button описывает кнопку действия.
type Button struct {
	Label string
	Token string
}

// View — отрисованное состояние счёта.
type View struct {
	Text string
	Rows [][]Button
}

// Escape экранирует пользовательский текст для HTML-разметки Telegram.
func Escape(s string) string {
	return tgbotapi.EscapeText(ParseMode, s)
}

// FormatMoney форматирует сумму с двумя знаками после запятой.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Render отрисовывает счёт для участника viewerID.
func Render(b *model.Bill, viewerID int64) (View, error) {
	if b.IsLocked() {
		return renderPayment(b)
	}
	return renderSelection(b, viewerID)
}

// Title возвращает короткий заголовок счёта для результатов поиска.
func Title(b *model.Bill) string {
	total := b.Totals.Total
	if !b.IsLocked() {
		_, _, total = allocation.Surcharges(b.Subtotal, b.GSTPercentage, b.ServiceChargePercentage)
	}
	return fmt.Sprintf("Bill from %s · %s", b.PaidByName, FormatMoney(allocation.Round(total)))
}

// Description возвращает краткое описание состояния счёта для результатов поиска.
func Description(b *model.Bill) string {
	if b.IsLocked() {
		return fmt.Sprintf("Locked · %d/%d paid", b.PaidCount(), len(b.Participants))
	}
	return fmt.Sprintf("%d dishes · %d participants · tap to pick", len(b.Dishes), len(b.Participants))
}

func renderSelection(b *model.Bill, viewerID int64) (View, error) {
	text := selectionText(b, false)
	if TextLength(text) > MaxTextLength {
		text = fitText(selectionText(b, true))
	}

	var viewer *model.Participant
	if p, ok := b.Participant(viewerID); ok {
		viewer = p
	}

	rows := make([][]Button, 0, len(b.Dishes)/DishesPerRow+2)
	var row []Button
	for _, d := range b.Dishes {
		tok, err := token.Toggle(b.ID, d.ID)
		if err != nil {
			return View{}, fmt.Errorf("dish %s: %w", d.ID, err)
		}

		label := d.Name + " · " + FormatMoney(d.Price)
		if viewer != nil && viewer.HasSelected(d.ID) {
			label = selectedMark + label
		}

		row = append(row, Button{Label: label, Token: tok})
		if len(row) == DishesPerRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	if len(b.Participants) > 0 {
		tok, err := token.Lock(b.ID)
		if err != nil {
			return View{}, err
		}
		rows = append(rows, []Button{{Label: "🔒 Lock bill", Token: tok}})
	}

	return View{Text: text, Rows: rows}, nil
}

// selectionText строит текст фазы выбора. В компактном виде список блюд
// заменяется их числом: названия и цены остаются на кнопках.
func selectionText(b *model.Bill, compact bool) string {
	var sb strings.Builder

	writeHeader(&sb, b)
	sb.WriteString("<i>Tap the dishes you had.</i>\n\n")

	if compact {
		fmt.Fprintf(&sb, "<b>%d dishes</b>, see the buttons below.\n", len(b.Dishes))
	} else {
		sb.WriteString("<b>Dishes</b>\n")
		for i, d := range b.Dishes {
			fmt.Fprintf(&sb, "%d. %s · %s\n", i+1, Escape(d.Name), FormatMoney(d.Price))
		}
	}
	sb.WriteString("\n")

	sc, gst, total := allocation.Surcharges(b.Subtotal, b.GSTPercentage, b.ServiceChargePercentage)
	writeTotals(&sb, b, model.Totals{
		Subtotal:      b.Subtotal,
		ServiceCharge: allocation.Round(sc),
		GST:           allocation.Round(gst),
		Total:         allocation.Round(total),
	})

	if len(b.Participants) > 0 {
		preview := allocation.ForBill(b)

		if preview.HasUnallocated() {
			fmt.Fprintf(&sb, "\n%s\n", unclaimedWarning(preview.Unallocated))
		}

		sb.WriteString("\n<b>Participants</b>\n")
		for _, p := range b.Participants {
			fmt.Fprintf(&sb, "• %s: %s", Escape(p.DisplayName), pickedDishes(b, p))
			if person, ok := preview.Person(p.ActorID); ok && !person.Subtotal.IsZero() {
				fmt.Fprintf(&sb, " (≈ %s)", FormatMoney(person.AmountOwed()))
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func renderPayment(b *model.Bill) (View, error) {
	var sb strings.Builder

	writeHeader(&sb, b)
	fmt.Fprintf(&sb, "<b>Locked</b> · %d/%d paid\n\n", b.PaidCount(), len(b.Participants))

	writeTotals(&sb, b, b.Totals)

	if unclaimed := b.UnclaimedDishes(); len(unclaimed) > 0 {
		fmt.Fprintf(&sb, "\n%s\n", unclaimedWarning(unclaimed))
	}

	var paid, unpaid []model.Participant
	for _, p := range b.Participants {
		if p.HasPaid {
			paid = append(paid, p)
		} else {
			unpaid = append(unpaid, p)
		}
	}

	if len(unpaid) > 0 {
		sb.WriteString("\n<b>Waiting for payment</b>\n")
		for _, p := range unpaid {
			fmt.Fprintf(&sb, "• %s: %s\n", Escape(p.DisplayName), owed(p))
		}
	}

	if len(paid) > 0 {
		sb.WriteString("\n<b>Paid</b>\n")
		for _, p := range paid {
			fmt.Fprintf(&sb, "• %s: %s", Escape(p.DisplayName), owed(p))
			if p.PaidByDisplayName != "" {
				fmt.Fprintf(&sb, " (marked by %s)", Escape(p.PaidByDisplayName))
			}
			sb.WriteString("\n")
		}
	}

	if len(unpaid) == 0 {
		sb.WriteString("\n🎉 Everyone has paid.\n")
	}

	rows := make([][]Button, 0, len(unpaid))
	for _, p := range unpaid {
		tok, err := token.Pay(b.ID, p.ActorID)
		if err != nil {
			return View{}, fmt.Errorf("participant %d: %w", p.ActorID, err)
		}
		rows = append(rows, []Button{{
			Label: fmt.Sprintf("💸 %s paid %s", p.DisplayName, owed(p)),
			Token: tok,
		}})
	}

	return View{Text: fitText(sb.String()), Rows: rows}, nil
}

// TextLength возвращает длину текста в UTF-16 символах, как её считает Telegram.
// Разметка и сущности учитываются целиком, поэтому оценка не занижена.
func TextLength(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// fitText отбрасывает строки с конца, пока текст не уложится в MaxTextLength.
// Теги не переносятся между строками, поэтому разметка остаётся корректной.
func fitText(s string) string {
	if TextLength(s) <= MaxTextLength {
		return s
	}

	var sb strings.Builder
	n := TextLength(truncated)
	for _, line := range strings.SplitAfter(s, "\n") {
		l := TextLength(line)
		if n+l > MaxTextLength {
			break
		}
		sb.WriteString(line)
		n += l
	}
	sb.WriteString(truncated)
	return sb.String()
}

func writeHeader(sb *strings.Builder, b *model.Bill) {
	fmt.Fprintf(sb, "🧾 <b>Bill</b> · paid by <b>%s</b>\n", Escape(b.PaidByName))
}

func writeTotals(sb *strings.Builder, b *model.Bill, t model.Totals) {
	fmt.Fprintf(sb, "Subtotal: %s\n", FormatMoney(t.Subtotal))
	if !b.ServiceChargePercentage.IsZero() {
		fmt.Fprintf(sb, "Service charge %s%%: %s\n", b.ServiceChargePercentage.String(), FormatMoney(t.ServiceCharge))
	}
	if !b.GSTPercentage.IsZero() {
		fmt.Fprintf(sb, "GST %s%%: %s\n", b.GSTPercentage.String(), FormatMoney(t.GST))
	}
	fmt.Fprintf(sb, "<b>Total: %s</b>\n", FormatMoney(t.Total))
}

func pickedDishes(b *model.Bill, p model.Participant) string {
	if len(p.SelectedDishIDs) == 0 {
		return notYet
	}

	names := make([]string, 0, len(p.SelectedDishIDs))
	for _, id := range p.SelectedDishIDs {
		if d, ok := b.Dish(id); ok {
			names = append(names, d.Name)
		}
	}
	return joinNames(names)
}

// joinNames экранирует и перечисляет не больше listLimit названий.
func joinNames(names []string) string {
	shown := names
	if len(names) > listLimit {
		shown = names[:listLimit]
	}

	escaped := make([]string, 0, len(shown))
	for _, n := range shown {
		escaped = append(escaped, Escape(n))
	}

	res := strings.Join(escaped, ", ")
	if rest := len(names) - len(shown); rest > 0 {
		res += fmt.Sprintf(" and %d more", rest)
	}
	return res
}

func unclaimedWarning(dishes []model.Dish) string {
	names := make([]string, 0, len(dishes))
	amount := decimal.Zero
	for _, d := range dishes {
		names = append(names, d.Name)
		amount = amount.Add(d.Price)
	}
	return fmt.Sprintf("⚠️ Nobody picked: %s (%s). It is in the bill total but not in anyone's share.",
		joinNames(names), FormatMoney(amount))
}

func owed(p model.Participant) string {
	if p.AmountOwed == nil {
		return FormatMoney(decimal.Zero)
	}
	return FormatMoney(*p.AmountOwed)
}
