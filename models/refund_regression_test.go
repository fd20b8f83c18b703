package models_test

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
	"github.com/shopspring/decimal"
)

// Refund regression.
//
// Run (requires Docker): INTEGRATION_TESTS=1 go test ./models -run Refund -v

func completePaidOrder(t *testing.T, ctx0 context.Context, env *posTestEnv, items []models.NewOrderItem) *models.Order {
	t.Helper()
	order, err := models.CreateOrder(ctx0, &models.NewOrder{
		BranchId: env.branchId,
		Items:    items,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	completed, err := workflow.CompleteOrder(ctx0, order.ID, []workflow.OrderPaymentInput{
		{Method: models.PaymentMethodCash, Amount: order.Total},
	})
	if err != nil {
		t.Fatalf("CompleteOrder: %v", err)
	}
	return completed
}

func TestFullRefundRestocksAndLogs(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Sandwich", "SDW-001", "8.00")
	env.seedStock(t, ctx, product.ID, 10)
	if _, err := models.OpenShift(ctx, &models.NewShift{BranchId: env.branchId}); err != nil {
		t.Fatalf("OpenShift: %v", err)
	}

	order := completePaidOrder(t, ctx, env, []models.NewOrderItem{{ProductId: product.ID, Qty: 3}})
	if qty, _ := models.GetAvailableQuantity(ctx, env.branchId, product.ID); qty != 7 {
		t.Fatalf("stock after sale: got %d, want 7", qty)
	}

	refunded, log, err := workflow.RefundOrder(ctx, order.ID, "customer returned everything", nil)
	if err != nil {
		t.Fatalf("RefundOrder: %v", err)
	}
	if refunded.CurrentStatus != models.OrderStatusRefunded {
		t.Fatalf("status: got %s, want Refunded", refunded.CurrentStatus)
	}
	if log.IsFullRefund == nil || !*log.IsFullRefund {
		t.Fatal("full refund must be flagged")
	}
	if log.RefundAmount.Cmp(order.Total) != 0 {
		t.Fatalf("refund amount: got %s, want %s", log.RefundAmount, order.Total)
	}

	if qty, _ := models.GetAvailableQuantity(ctx, env.branchId, product.ID); qty != 10 {
		t.Fatalf("stock after full refund: got %d, want 10", qty)
	}

	db := config.GetDB()
	var refundEntry models.CashRegisterTransaction
	if err := db.WithContext(ctx).
		Where("business_id = ? AND branch_id = ? AND transaction_type = ?", env.businessId, env.branchId, models.CashTransactionTypeRefund).
		First(&refundEntry).Error; err != nil {
		t.Fatalf("expected a Refund drawer entry: %v", err)
	}
	if refundEntry.Amount.Cmp(order.Total) != 0 {
		t.Fatalf("refund entry amount: got %s, want %s", refundEntry.Amount, order.Total)
	}
	// Direction is negative: balance went down by the refund.
	if refundEntry.BalanceAfter.Cmp(refundEntry.BalanceBefore.Sub(order.Total)) != 0 {
		t.Fatalf("refund balance chain: before=%s after=%s", refundEntry.BalanceBefore, refundEntry.BalanceAfter)
	}

	// Refunded is terminal: refunding again is an invalid state.
	if _, _, err := workflow.RefundOrder(ctx, order.ID, "again", nil); !utils.IsCode(err, utils.CodeOrderInvalidState) {
		t.Fatalf("expected ORDER_INVALID_STATE on double refund, got %v", err)
	}
}

func TestItemizedRefundProratesAndTracksQty(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Muffin", "MUF-001", "4.00")
	env.seedStock(t, ctx, product.ID, 10)
	if _, err := models.OpenShift(ctx, &models.NewShift{BranchId: env.branchId}); err != nil {
		t.Fatalf("OpenShift: %v", err)
	}

	order := completePaidOrder(t, ctx, env, []models.NewOrderItem{{ProductId: product.ID, Qty: 3}})
	item := order.Items[0]

	refunded, log, err := workflow.RefundOrder(ctx, order.ID, "one stale muffin", []workflow.RefundItemInput{
		{OrderItemId: item.ID, Qty: 1},
	})
	if err != nil {
		t.Fatalf("RefundOrder: %v", err)
	}
	// Even a partial refund lands the order in the terminal Refunded state.
	if refunded.CurrentStatus != models.OrderStatusRefunded {
		t.Fatalf("status: got %s, want Refunded", refunded.CurrentStatus)
	}
	if log.IsFullRefund != nil && *log.IsFullRefund {
		t.Fatal("partial refund must not be flagged full")
	}

	// One third of a 12.00 line.
	wantAmount := utils.RoundAmount(item.Total.Div(decimal.NewFromInt(3)))
	if log.RefundAmount.Cmp(wantAmount) != 0 {
		t.Fatalf("refund amount: got %s, want %s", log.RefundAmount, wantAmount)
	}

	if qty, _ := models.GetAvailableQuantity(ctx, env.branchId, product.ID); qty != 8 {
		t.Fatalf("stock after partial refund: got %d, want 8", qty)
	}

	after, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if after.Items[0].RefundedQty != 1 {
		t.Fatalf("refunded qty: got %d, want 1", after.Items[0].RefundedQty)
	}

	logs, err := models.GetRefundLogsByOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetRefundLogsByOrder: %v", err)
	}
	if len(logs) != 1 || len(logs[0].Items) != 1 {
		t.Fatalf("refund logs: got %d logs, want 1 with 1 item", len(logs))
	}
}

func TestRefundValidatesItems(t *testing.T) {
	ctx, env := setupPOSIntegration(t)

	product := env.createProduct(t, ctx, "Scone", "SCN-001", "3.00")
	env.seedStock(t, ctx, product.ID, 10)
	if _, err := models.OpenShift(ctx, &models.NewShift{BranchId: env.branchId}); err != nil {
		t.Fatalf("OpenShift: %v", err)
	}
	order := completePaidOrder(t, ctx, env, []models.NewOrderItem{{ProductId: product.ID, Qty: 2}})

	// Refund reason is mandatory.
	if _, _, err := workflow.RefundOrder(ctx, order.ID, "", nil); !utils.IsCode(err, utils.CodeValidationFailed) {
		t.Fatalf("expected VALIDATION_FAILED without reason, got %v", err)
	}

	// Quantity above what was sold.
	_, _, err := workflow.RefundOrder(ctx, order.ID, "too many", []workflow.RefundItemInput{
		{OrderItemId: order.Items[0].ID, Qty: 5},
	})
	if !utils.IsCode(err, utils.CodeRefundInvalidItems) {
		t.Fatalf("expected REFUND_INVALID_ITEMS, got %v", err)
	}

	// Item from another order.
	other := completePaidOrder(t, ctx, env, []models.NewOrderItem{{ProductId: product.ID, Qty: 1}})
	_, _, err = workflow.RefundOrder(ctx, order.ID, "wrong line", []workflow.RefundItemInput{
		{OrderItemId: other.Items[0].ID, Qty: 1},
	})
	if !utils.IsCode(err, utils.CodeRefundInvalidItems) {
		t.Fatalf("expected REFUND_INVALID_ITEMS for foreign item, got %v", err)
	}
}
