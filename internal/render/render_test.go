package render

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/splitbill/internal/allocation"
	"github.com/mmeshcher/splitbill/internal/model"
	"github.com/mmeshcher/splitbill/internal/token"
)

func testBill(prices ...string) *model.Bill {
	dishes := make([]model.Dish, 0, len(prices))
	for i, p := range prices {
		dishes = append(dishes, model.Dish{Name: "Dish" + string(rune('A'+i)), Price: decimal.RequireFromString(p)})
	}
	return model.NewBill(dishes, "Alice", decimal.NewFromInt(9), decimal.NewFromInt(10), time.Now().UTC())
}

func toggle(b *model.Bill, actor model.Actor, dishIDs ...string) {
	b.ClaimCreator(actor.ID)
	p, _ := b.FindOrCreateParticipant(actor)
	for _, id := range dishIDs {
		p.ToggleDish(id)
	}
}

func lock(b *model.Bill) {
	br := allocation.ForBill(b)
	for i := range b.Participants {
		owed := decimal.Zero
		if person, ok := br.Person(b.Participants[i].ActorID); ok {
			owed = person.AmountOwed()
		}
		b.Participants[i].AmountOwed = &owed
	}
	now := time.Now().UTC()
	b.Totals = br.Totals()
	b.UnallocatedAmount = br.UnallocatedAmount
	b.Phase = model.PhasePayment
	b.LockedAt = &now
}

func labels(v View) [][]string {
	res := make([][]string, 0, len(v.Rows))
	for _, row := range v.Rows {
		var r []string
		for _, btn := range row {
			r = append(r, btn.Label)
		}
		res = append(res, r)
	}
	return res
}

func TestRenderSelectionWithoutParticipants(t *testing.T) {
	b := testBill("10", "20", "5")

	v, err := Render(b, 1)
	require.NoError(t, err)

	assert.Contains(t, v.Text, "1. DishA · 10.00")
	assert.Contains(t, v.Text, "3. DishC · 5.00")
	assert.Contains(t, v.Text, "Total: 41.97")
	assert.NotContains(t, v.Text, "Participants")

	assert.Equal(t, [][]string{
		{"DishA · 10.00", "DishB · 20.00"},
		{"DishC · 5.00"},
	}, labels(v), "no lock row without participants")
}

func TestRenderSelectionMarksViewerDishes(t *testing.T) {
	b := testBill("10", "20")
	toggle(b, model.Actor{ID: 1, Name: "Alice"}, "d2")
	toggle(b, model.Actor{ID: 2, Name: "Bob"})

	v, err := Render(b, 1)
	require.NoError(t, err)

	require.Len(t, v.Rows, 2)
	assert.Equal(t, "DishA · 10.00", v.Rows[0][0].Label)
	assert.Equal(t, "✅ DishB · 20.00", v.Rows[0][1].Label)
	assert.Equal(t, "🔒 Lock bill", v.Rows[1][0].Label)

	assert.Contains(t, v.Text, "• Alice: DishB")
	assert.Contains(t, v.Text, "• Bob: <i>not yet</i>")

	other, err := Render(b, 2)
	require.NoError(t, err)
	assert.Equal(t, "DishB · 20.00", other.Rows[0][1].Label, "marks depend on the viewer")
}

func TestRenderSelectionTokens(t *testing.T) {
	b := testBill("10")
	toggle(b, model.Actor{ID: 1, Name: "Alice"}, "d1")

	v, err := Render(b, 1)
	require.NoError(t, err)

	cmd, err := token.Decode(v.Rows[0][0].Token)
	require.NoError(t, err)
	assert.Equal(t, token.Command{Verb: token.VerbToggle, BillID: b.ID, Arg: "d1"}, cmd)

	cmd, err = token.Decode(v.Rows[1][0].Token)
	require.NoError(t, err)
	assert.Equal(t, token.VerbLock, cmd.Verb)
}

func TestRenderSelectionUnclaimedWarning(t *testing.T) {
	b := testBill("10", "20", "5")
	toggle(b, model.Actor{ID: 1, Name: "Alice"}, "d1", "d2")

	v, err := Render(b, 1)
	require.NoError(t, err)
	assert.Contains(t, v.Text, "Nobody picked: DishC (5.00)")
}

func TestRenderEscapesUserText(t *testing.T) {
	b := model.NewBill([]model.Dish{
		{Name: "<b>Fish & Chips</b>", Price: decimal.NewFromInt(10)},
	}, "<script>", decimal.Zero, decimal.Zero, time.Now().UTC())
	toggle(b, model.Actor{ID: 1, Name: "Eve <a href=\"x\">"}, "d1")

	v, err := Render(b, 1)
	require.NoError(t, err)

	assert.Contains(t, v.Text, "&lt;b&gt;Fish &amp; Chips&lt;/b&gt;")
	assert.Contains(t, v.Text, "&lt;script&gt;")
	assert.NotContains(t, v.Text, "<script>")
	assert.NotContains(t, v.Text, "<a href")
	assert.NotContains(t, v.Text, "Service charge", "zero rates are not shown")
}

func TestRenderPayment(t *testing.T) {
	b := testBill("10", "20", "5")
	toggle(b, model.Actor{ID: 1, Name: "Alice"}, "d1", "d2")
	toggle(b, model.Actor{ID: 2, Name: "Bob"}, "d1", "d2")
	toggle(b, model.Actor{ID: 3, Name: "Carol"})
	lock(b)

	p, _ := b.Participant(2)
	paidAt := time.Now().UTC()
	p.HasPaid = true
	p.PaidAt = &paidAt
	p.PaidByDisplayName = "Alice"

	v, err := Render(b, 1)
	require.NoError(t, err)

	assert.Contains(t, v.Text, "1/3 paid")
	assert.Contains(t, v.Text, "Total: 41.97")
	assert.Contains(t, v.Text, "Nobody picked: DishC (5.00)")
	assert.Contains(t, v.Text, "• Alice: 17.99\n")
	assert.Contains(t, v.Text, "• Carol: 0.00\n")
	assert.Contains(t, v.Text, "• Bob: 17.99 (marked by Alice)")

	waiting := strings.Index(v.Text, "Waiting for payment")
	paid := strings.Index(v.Text, "<b>Paid</b>")
	require.True(t, waiting >= 0 && paid > waiting)

	assert.Equal(t, [][]string{
		{"💸 Alice paid 17.99"},
		{"💸 Carol paid 0.00"},
	}, labels(v))

	cmd, err := token.Decode(v.Rows[1][0].Token)
	require.NoError(t, err)
	assert.Equal(t, token.VerbPay, cmd.Verb)
	id, err := cmd.ActorID()
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
}

func TestRenderPaymentEveryonePaid(t *testing.T) {
	b := testBill("10")
	toggle(b, model.Actor{ID: 1, Name: "Alice"}, "d1")
	lock(b)
	b.Participants[0].HasPaid = true

	v, err := Render(b, 1)
	require.NoError(t, err)
	assert.Contains(t, v.Text, "Everyone has paid")
	assert.Empty(t, v.Rows)
}

func TestTitleAndDescription(t *testing.T) {
	b := testBill("10", "20")
	assert.Equal(t, "Bill from Alice · 35.97", Title(b))
	assert.Equal(t, "2 dishes · 0 participants · tap to pick", Description(b))

	toggle(b, model.Actor{ID: 1, Name: "Alice"}, "d1")
	lock(b)
	assert.Equal(t, "Locked · 0/1 paid", Description(b))
}

func longName(prefix string, i int) string {
	name := fmt.Sprintf("%s %d ", prefix, i)
	return name + strings.Repeat("&", 64-utf8.RuneCountInString(name))
}

func TestRenderSelectionFitsMessageLimit(t *testing.T) {
	dishes := make([]model.Dish, 0, 50)
	for i := 0; i < 50; i++ {
		dishes = append(dishes, model.Dish{Name: longName("Dish", i), Price: decimal.NewFromInt(int64(i + 1))})
	}
	b := model.NewBill(dishes, longName("Payer", 0), decimal.NewFromInt(9), decimal.NewFromInt(10), time.Now().UTC())

	all := make([]string, 0, len(b.Dishes))
	for _, d := range b.Dishes {
		all = append(all, d.ID)
	}
	for i := 1; i <= 20; i++ {
		toggle(b, model.Actor{ID: int64(i), Name: longName("Guest", i)}, all...)
	}

	v, err := Render(b, 1)
	require.NoError(t, err)

	assert.LessOrEqual(t, TextLength(v.Text), MaxTextLength)
	assert.Contains(t, v.Text, "<b>50 dishes</b>")
	assert.Contains(t, v.Text, "and 45 more")
	assert.Len(t, v.Rows, 50/DishesPerRow+1, "every dish keeps its button")
	assert.Equal(t, strings.Count(v.Text, "<b>"), strings.Count(v.Text, "</b>"))
}

func TestRenderPaymentFitsMessageLimit(t *testing.T) {
	b := testBill("10", "20")
	for i := 1; i <= 120; i++ {
		toggle(b, model.Actor{ID: int64(i), Name: longName("Guest", i)}, "d1")
	}
	lock(b)

	v, err := Render(b, 1)
	require.NoError(t, err)

	assert.LessOrEqual(t, TextLength(v.Text), MaxTextLength)
	assert.True(t, strings.HasSuffix(v.Text, "…\n"))
	assert.Contains(t, v.Text, "0/120 paid")
	assert.Len(t, v.Rows, 120)
}

func TestTextLengthCountsUTF16(t *testing.T) {
	assert.Equal(t, 3, TextLength("abc"))
	assert.Equal(t, 2, TextLength("🎉"))
	assert.Equal(t, 1, TextLength("·"))
}
