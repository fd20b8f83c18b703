package utils

import (
	"github.com/shopspring/decimal"
)

// Discount type markers, stored on orders and order items.
const (
	DiscountTypePercentage = "P"
	DiscountTypeFixed      = "F"
)

var decimalOneHundred = decimal.NewFromInt(100)

// RoundAmount rounds to 2 decimals, half away from zero. Every intermediate
// monetary step goes through this so totals are reproducible cent-exact.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ItemAmounts holds the calculated money fields of a single order line.
type ItemAmounts struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
}

// OrderAmounts holds the calculated money fields of a whole order.
type OrderAmounts struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	ServiceCharge  decimal.Decimal
	Total          decimal.Decimal
	AmountDue      decimal.Decimal
}

// CalculateDiscountAmount resolves a discount against a base amount.
// discountType "P" is a percentage of base; anything else is a fixed amount.
// Discounts larger than the base are NOT clamped; callers see the negative result.
func CalculateDiscountAmount(base decimal.Decimal, discount decimal.Decimal, discountType string) decimal.Decimal {
	if !discount.IsPositive() {
		return decimal.Zero
	}
	if discountType == DiscountTypePercentage {
		return RoundAmount(base.Mul(discount).Div(decimalOneHundred))
	}
	return RoundAmount(discount)
}

// ItemTotals computes the money fields of one line item.
//
// Tax-inclusive prices already contain tax: the net portion is back-calculated
// from the discounted amount and the tax is the remainder, so the charged total
// never moves. Tax-exclusive prices have tax added on top.
func ItemTotals(unitPrice decimal.Decimal, qty decimal.Decimal, discountType string, discountValue decimal.Decimal, taxRate decimal.Decimal, taxInclusive bool) ItemAmounts {

	if qty.IsZero() {
		return ItemAmounts{Subtotal: decimal.Zero, DiscountAmount: decimal.Zero, TaxAmount: decimal.Zero, Total: decimal.Zero}
	}

	subtotal := RoundAmount(unitPrice.Mul(qty))
	discountAmount := CalculateDiscountAmount(subtotal, discountValue, discountType)
	afterDiscount := RoundAmount(subtotal.Sub(discountAmount))

	var taxAmount, total decimal.Decimal
	if taxRate.IsPositive() {
		if taxInclusive {
			net := RoundAmount(afterDiscount.Div(decimal.NewFromInt(1).Add(taxRate.Div(decimalOneHundred))))
			taxAmount = RoundAmount(afterDiscount.Sub(net))
			total = afterDiscount
		} else {
			taxAmount = RoundAmount(afterDiscount.Mul(taxRate).Div(decimalOneHundred))
			total = RoundAmount(afterDiscount.Add(taxAmount))
		}
	} else {
		taxAmount = decimal.Zero
		total = afterDiscount
	}

	return ItemAmounts{
		Subtotal:       subtotal,
		DiscountAmount: discountAmount,
		TaxAmount:      taxAmount,
		Total:          total,
	}
}

// OrderTotals aggregates line items into order totals.
//
// Order tax is ALWAYS the sum of the already-rounded item taxes. Recomputing it
// from the order subtotal drifts by a cent on mixed baskets and breaks receipt
// reconciliation against the printed lines.
func OrderTotals(items []ItemAmounts, orderDiscountType string, orderDiscountValue decimal.Decimal, serviceChargePercent decimal.Decimal, amountPaid decimal.Decimal) OrderAmounts {

	var subtotal, taxAmount, itemTotal decimal.Decimal
	for _, it := range items {
		subtotal = subtotal.Add(it.Subtotal)
		taxAmount = taxAmount.Add(it.TaxAmount)
		itemTotal = itemTotal.Add(it.Total)
	}
	subtotal = RoundAmount(subtotal)
	taxAmount = RoundAmount(taxAmount)

	discountAmount := CalculateDiscountAmount(subtotal, orderDiscountValue, orderDiscountType)

	var serviceCharge decimal.Decimal
	if serviceChargePercent.IsPositive() {
		serviceCharge = RoundAmount(subtotal.Mul(serviceChargePercent).Div(decimalOneHundred))
	}

	total := RoundAmount(itemTotal.Sub(discountAmount).Add(serviceCharge))
	amountDue := RoundAmount(total.Sub(amountPaid))

	return OrderAmounts{
		Subtotal:       subtotal,
		DiscountAmount: discountAmount,
		TaxAmount:      taxAmount,
		ServiceCharge:  serviceCharge,
		Total:          total,
		AmountDue:      amountDue,
	}
}
