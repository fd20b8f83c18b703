package utils_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("%s: got %s, want %s", name, got.String(), want.String())
	}
}

// Receipt-exact reference values for the inclusive-tax path. The charged total
// must never move; the net is back-calculated and the tax is the remainder.
func TestItemTotalsTaxInclusive(t *testing.T) {
	cases := []struct {
		name      string
		unitPrice string
		qty       int64
		wantTax   string
		wantTotal string
	}{
		{"hundred at 14", "100", 1, "12.28", "100"},
		{"fifty at 14", "50", 1, "6.14", "50"},
		{"two units of 25", "25", 2, "6.14", "50"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := utils.ItemTotals(d(tc.unitPrice), decimal.NewFromInt(tc.qty), "", decimal.Zero, d("14"), true)
			assertDecimal(t, "tax", got.TaxAmount, d(tc.wantTax))
			assertDecimal(t, "total", got.Total, d(tc.wantTotal))
			wantSubtotal := utils.RoundAmount(d(tc.unitPrice).Mul(decimal.NewFromInt(tc.qty)))
			assertDecimal(t, "subtotal", got.Subtotal, wantSubtotal)
		})
	}
}

func TestItemTotalsTaxExclusive(t *testing.T) {
	got := utils.ItemTotals(d("100"), decimal.NewFromInt(1), "", decimal.Zero, d("14"), false)
	assertDecimal(t, "subtotal", got.Subtotal, d("100"))
	assertDecimal(t, "tax", got.TaxAmount, d("14.00"))
	assertDecimal(t, "total", got.Total, d("114.00"))
}

func TestItemTotalsDiscountBeforeTax(t *testing.T) {
	// 10% off 100, then 14% inclusive on the discounted 90.
	got := utils.ItemTotals(d("100"), decimal.NewFromInt(1), utils.DiscountTypePercentage, d("10"), d("14"), true)
	assertDecimal(t, "discount", got.DiscountAmount, d("10.00"))
	assertDecimal(t, "tax", got.TaxAmount, d("11.05"))
	assertDecimal(t, "total", got.Total, d("90.00"))
}

func TestItemTotalsFixedDiscountNotClamped(t *testing.T) {
	// Oversized discounts surface as a negative total for the caller to reject.
	got := utils.ItemTotals(d("10"), decimal.NewFromInt(1), utils.DiscountTypeFixed, d("15"), decimal.Zero, false)
	assertDecimal(t, "discount", got.DiscountAmount, d("15.00"))
	assertDecimal(t, "total", got.Total, d("-5.00"))
}

func TestItemTotalsZeroQty(t *testing.T) {
	got := utils.ItemTotals(d("100"), decimal.Zero, "", decimal.Zero, d("14"), true)
	assertDecimal(t, "subtotal", got.Subtotal, decimal.Zero)
	assertDecimal(t, "tax", got.TaxAmount, decimal.Zero)
	assertDecimal(t, "total", got.Total, decimal.Zero)
}

func TestItemTotalsZeroRate(t *testing.T) {
	got := utils.ItemTotals(d("33.33"), decimal.NewFromInt(3), "", decimal.Zero, decimal.Zero, true)
	assertDecimal(t, "subtotal", got.Subtotal, d("99.99"))
	assertDecimal(t, "tax", got.TaxAmount, decimal.Zero)
	assertDecimal(t, "total", got.Total, d("99.99"))
}

// Order tax must be the sum of the already-rounded line taxes, never a
// recomputation from the order subtotal.
func TestOrderTotalsSumsItemTaxes(t *testing.T) {
	items := []utils.ItemAmounts{
		utils.ItemTotals(d("40"), decimal.NewFromInt(1), "", decimal.Zero, d("14"), true),
		utils.ItemTotals(d("35"), decimal.NewFromInt(1), "", decimal.Zero, d("14"), true),
		utils.ItemTotals(d("25"), decimal.NewFromInt(1), "", decimal.Zero, d("14"), true),
	}
	assertDecimal(t, "line1 tax", items[0].TaxAmount, d("4.91"))
	assertDecimal(t, "line2 tax", items[1].TaxAmount, d("4.30"))
	assertDecimal(t, "line3 tax", items[2].TaxAmount, d("3.07"))

	got := utils.OrderTotals(items, "", decimal.Zero, decimal.Zero, decimal.Zero)
	assertDecimal(t, "subtotal", got.Subtotal, d("100"))
	assertDecimal(t, "tax", got.TaxAmount, d("12.28"))
	assertDecimal(t, "total", got.Total, d("100"))
	assertDecimal(t, "due", got.AmountDue, d("100"))
}

func TestOrderTotalsDiscountAndServiceCharge(t *testing.T) {
	items := []utils.ItemAmounts{
		utils.ItemTotals(d("100"), decimal.NewFromInt(1), "", decimal.Zero, d("14"), true),
	}
	got := utils.OrderTotals(items, utils.DiscountTypePercentage, d("10"), d("5"), d("50"))
	assertDecimal(t, "discount", got.DiscountAmount, d("10.00"))
	assertDecimal(t, "service charge", got.ServiceCharge, d("5.00"))
	assertDecimal(t, "total", got.Total, d("95.00"))
	assertDecimal(t, "due", got.AmountDue, d("45.00"))
}

func TestCalculateDiscountAmount(t *testing.T) {
	assertDecimal(t, "percentage", utils.CalculateDiscountAmount(d("200"), d("12.5"), utils.DiscountTypePercentage), d("25.00"))
	assertDecimal(t, "fixed", utils.CalculateDiscountAmount(d("200"), d("12.5"), utils.DiscountTypeFixed), d("12.50"))
	assertDecimal(t, "zero", utils.CalculateDiscountAmount(d("200"), decimal.Zero, utils.DiscountTypePercentage), decimal.Zero)
	assertDecimal(t, "negative ignored", utils.CalculateDiscountAmount(d("200"), d("-5"), utils.DiscountTypeFixed), decimal.Zero)
}

func TestRoundAmountHalfAwayFromZero(t *testing.T) {
	assertDecimal(t, "up", utils.RoundAmount(d("2.675")), d("2.68"))
	assertDecimal(t, "down", utils.RoundAmount(d("2.674")), d("2.67"))
	assertDecimal(t, "negative", utils.RoundAmount(d("-2.675")), d("-2.68"))
}
