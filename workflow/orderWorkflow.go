package workflow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer trace.Tracer = otel.Tracer("workflow")

// OrderPaymentInput is one payment leg supplied to CompleteOrder.
type OrderPaymentInput struct {
	Method models.PaymentMethod `json:"method" binding:"required"`
	Amount decimal.Decimal      `json:"amount"`
}

// RefundItemInput names one order line and how much of it comes back.
type RefundItemInput struct {
	OrderItemId int `json:"order_item_id" binding:"required"`
	Qty         int `json:"qty" binding:"required,gt=0"`
}

// CompleteOrder runs the whole completion sequence as one transaction under
// the branch posting lock: stock decrements first, then the drawer entries,
// then the status flip, then shift and customer accumulators. Any step
// failing rolls the whole thing back and the order stays Pending. Transient
// MySQL lock conflicts retry the full transaction a bounded number of times.
func CompleteOrder(ctx context.Context, orderId int, payments []OrderPaymentInput) (*models.Order, error) {
	logger := config.GetLogger()

	ctx, span := tracer.Start(ctx, "CompleteOrder")
	defer span.End()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if len(payments) == 0 {
		return nil, utils.Errf(utils.CodeValidationFailed, "at least one payment is required")
	}
	for _, p := range payments {
		if !p.Method.Valid() {
			return nil, utils.Errf(utils.CodeValidationFailed, "unknown payment method %q", p.Method)
		}
		if !p.Amount.IsPositive() {
			return nil, utils.Errf(utils.CodeValidationFailed, "payment amount must be positive")
		}
	}

	db := config.GetDB()
	var order *models.Order
	var err error
	for attempt := 1; ; attempt++ {
		order, err = completeOrderTx(db.WithContext(ctx), businessId, orderId, payments, userId)
		if err != nil {
			if models.IsRetryableStockErr(err) && attempt < models.MaxStockRetries {
				continue
			}
			config.LogError(logger, "orderWorkflow.go", "CompleteOrder", "completeOrderTx", orderId, err)
			return nil, err
		}
		break
	}

	for _, item := range order.Items {
		if utils.BoolValue(item.TracksInventory) {
			models.InvalidateStockQtyCache(businessId, order.BranchId, item.ProductId)
		}
	}
	return order, nil
}

func completeOrderTx(db *gorm.DB, businessId string, orderId int, payments []OrderPaymentInput, userId int) (*models.Order, error) {

	tx := db.Begin()

	// branch id first, so the posting lock is held before any row lock
	var branchId int
	err := tx.Model(&models.Order{}).
		Select("branch_id").
		Where("business_id = ? AND id = ?", businessId, orderId).
		Scan(&branchId).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if branchId == 0 {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	redisLock, err := AcquireBranchRedisLock(tx.Statement.Context, businessId, branchId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	defer ReleaseBranchRedisLock(tx.Statement.Context, redisLock)

	if err := AcquireBranchPostingLock(tx, businessId, branchId); err != nil {
		tx.Rollback()
		return nil, err
	}

	order, err := postOrderCompletion(tx, businessId, orderId, payments, userId)

	// GET_LOCK outlives the transaction, so release it on the still-pinned
	// connection before COMMIT or ROLLBACK hands it back to the pool.
	if releaseErr := ReleaseBranchPostingLock(tx, businessId, branchId); releaseErr != nil && err == nil {
		err = releaseErr
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return order, nil
}

func postOrderCompletion(tx *gorm.DB, businessId string, orderId int, payments []OrderPaymentInput, userId int) (*models.Order, error) {

	business, err := models.GetBusinessById2(tx, businessId)
	if err != nil {
		return nil, err
	}

	order, err := models.LockOrder(tx, businessId, orderId)
	if err != nil {
		return nil, err
	}
	if !order.CurrentStatus.CanTransitionTo(models.OrderStatusCompleted) {
		return nil, utils.Errf(utils.CodeOrderInvalidState,
			"order %s cannot move from %s to %s", order.OrderNumber, order.CurrentStatus, models.OrderStatusCompleted)
	}
	if len(order.Items) == 0 {
		return nil, utils.Errf(utils.CodeOrderEmpty, "order %s has no items", order.OrderNumber)
	}

	shift, err := models.GetOpenShiftTx(tx, businessId, order.BranchId, userId, true)
	if err != nil {
		return nil, err
	}

	amountPaid := decimal.Zero
	cashTotal := decimal.Zero
	cardTotal := decimal.Zero
	for _, p := range payments {
		amount := utils.RoundAmount(p.Amount)
		amountPaid = amountPaid.Add(amount)
		switch {
		case p.Method.IsCashEquivalent():
			cashTotal = cashTotal.Add(amount)
		case p.Method == models.PaymentMethodCard || p.Method == models.PaymentMethodMobile:
			cardTotal = cardTotal.Add(amount)
		}
	}
	amountDue := utils.RoundAmount(order.Total.Sub(amountPaid))
	if amountDue.IsPositive() && utils.BoolValue(business.RequireFullPayment) {
		return nil, utils.Errf(utils.CodePaymentInsufficient,
			"order %s total %s exceeds payment %s", order.OrderNumber, order.Total, amountPaid)
	}

	// stock first: if any line cannot be fulfilled nothing else happens
	stockItems := make([]models.StockAdjustmentItem, 0, len(order.Items))
	for _, item := range order.Items {
		if utils.BoolValue(item.TracksInventory) {
			stockItems = append(stockItems, models.StockAdjustmentItem{ProductId: item.ProductId, Delta: -item.Qty})
		}
	}
	if len(stockItems) > 0 {
		err = models.BatchAdjustStock(tx, businessId, order.BranchId, stockItems,
			utils.BoolValue(business.AllowNegativeStock), "order "+order.OrderNumber,
			models.StockReferenceTypeOrder, order.ID, userId)
		if err != nil {
			return nil, err
		}
	}

	if _, err := models.LockBranchRow(tx, businessId, order.BranchId); err != nil {
		return nil, err
	}
	for _, p := range payments {
		if !p.Method.IsCashEquivalent() {
			continue
		}
		_, err := models.RecordCashTransactionTx(tx, businessId, &models.NewCashTransaction{
			BranchId:        order.BranchId,
			ShiftId:         &shift.ID,
			TransactionType: models.CashTransactionTypeSale,
			Amount:          p.Amount,
			Description:     "order " + order.OrderNumber,
			ReferenceType:   models.CashReferenceTypeOrder,
			ReferenceId:     strconv.Itoa(order.ID),
		}, userId)
		if err != nil {
			return nil, err
		}
	}

	for _, p := range payments {
		payment := models.OrderPayment{
			OrderId:    order.ID,
			BusinessId: businessId,
			Method:     p.Method,
			Amount:     utils.RoundAmount(p.Amount),
		}
		if err := tx.Create(&payment).Error; err != nil {
			return nil, err
		}
		order.Payments = append(order.Payments, payment)
	}

	now := time.Now()
	err = tx.Model(&models.Order{}).
		Where("id = ?", order.ID).
		Updates(map[string]interface{}{
			"current_status": models.OrderStatusCompleted,
			"completed_at":   now,
			"shift_id":       shift.ID,
			"amount_paid":    amountPaid,
			"amount_due":     amountDue,
		}).Error
	if err != nil {
		return nil, err
	}

	if err := models.ApplyShiftSale(tx, shift, cashTotal, cardTotal); err != nil {
		return nil, err
	}

	if order.CustomerId != nil {
		if err := models.ApplyCustomerSale(tx, businessId, *order.CustomerId, order.Total); err != nil {
			return nil, err
		}
	}

	order.CurrentStatus = models.OrderStatusCompleted
	order.CompletedAt = &now
	order.ShiftId = &shift.ID
	order.AmountPaid = amountPaid
	order.AmountDue = amountDue
	return order, nil
}

// RefundOrder reverses a Completed order, fully or line by line. Stock comes
// back for refunded lines, a Refund drawer entry is written, customer stats
// are deducted, and an immutable RefundLog snapshot is kept. The order ends
// Refunded either way; partially refunded orders cannot be refunded again.
func RefundOrder(ctx context.Context, orderId int, reason string, items []RefundItemInput) (*models.Order, *models.RefundLog, error) {
	logger := config.GetLogger()

	ctx, span := tracer.Start(ctx, "RefundOrder")
	defer span.End()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if reason == "" {
		return nil, nil, utils.Errf(utils.CodeValidationFailed, "refund requires a reason")
	}

	db := config.GetDB()
	var order *models.Order
	var log *models.RefundLog
	var err error
	for attempt := 1; ; attempt++ {
		order, log, err = refundOrderTx(db.WithContext(ctx), businessId, orderId, reason, items, userId)
		if err != nil {
			if models.IsRetryableStockErr(err) && attempt < models.MaxStockRetries {
				continue
			}
			config.LogError(logger, "orderWorkflow.go", "RefundOrder", "refundOrderTx", orderId, err)
			return nil, nil, err
		}
		break
	}

	for _, item := range log.Items {
		models.InvalidateStockQtyCache(businessId, order.BranchId, item.ProductId)
	}
	return order, log, nil
}

func refundOrderTx(db *gorm.DB, businessId string, orderId int, reason string, items []RefundItemInput, userId int) (*models.Order, *models.RefundLog, error) {

	tx := db.Begin()

	var branchId int
	err := tx.Model(&models.Order{}).
		Select("branch_id").
		Where("business_id = ? AND id = ?", businessId, orderId).
		Scan(&branchId).Error
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	if branchId == 0 {
		tx.Rollback()
		return nil, nil, utils.ErrorRecordNotFound
	}

	redisLock, err := AcquireBranchRedisLock(tx.Statement.Context, businessId, branchId)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	defer ReleaseBranchRedisLock(tx.Statement.Context, redisLock)

	if err := AcquireBranchPostingLock(tx, businessId, branchId); err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	order, log, err := postOrderRefund(tx, businessId, orderId, reason, items, userId)

	// GET_LOCK outlives the transaction, so release it on the still-pinned
	// connection before COMMIT or ROLLBACK hands it back to the pool.
	if releaseErr := ReleaseBranchPostingLock(tx, businessId, branchId); releaseErr != nil && err == nil {
		err = releaseErr
	}
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, nil, err
	}
	return order, log, nil
}

func postOrderRefund(tx *gorm.DB, businessId string, orderId int, reason string, items []RefundItemInput, userId int) (*models.Order, *models.RefundLog, error) {

	order, err := models.LockOrder(tx, businessId, orderId)
	if err != nil {
		return nil, nil, err
	}
	if !order.CurrentStatus.CanTransitionTo(models.OrderStatusRefunded) {
		return nil, nil, utils.Errf(utils.CodeOrderInvalidState,
			"order %s cannot move from %s to %s", order.OrderNumber, order.CurrentStatus, models.OrderStatusRefunded)
	}

	refundItems, refundAmount, fullRefund, err := resolveRefundItems(order, items)
	if err != nil {
		return nil, nil, err
	}

	stockItems := make([]models.StockAdjustmentItem, 0, len(refundItems))
	for _, ri := range refundItems {
		if utils.BoolValue(ri.orderItem.TracksInventory) {
			stockItems = append(stockItems, models.StockAdjustmentItem{ProductId: ri.orderItem.ProductId, Delta: ri.qty})
		}
	}
	if len(stockItems) > 0 {
		err = models.BatchAdjustStock(tx, businessId, order.BranchId, stockItems,
			true, "refund "+order.OrderNumber,
			models.StockReferenceTypeRefund, order.ID, userId)
		if err != nil {
			return nil, nil, err
		}
	}

	if refundAmount.IsPositive() {
		if _, err := models.LockBranchRow(tx, businessId, order.BranchId); err != nil {
			return nil, nil, err
		}
		// the refunding cashier's open shift, when there is one
		var shiftId *int
		if shift, err := models.GetOpenShiftTx(tx, businessId, order.BranchId, userId, false); err == nil {
			shiftId = &shift.ID
		}
		_, err = models.RecordCashTransactionTx(tx, businessId, &models.NewCashTransaction{
			BranchId:        order.BranchId,
			ShiftId:         shiftId,
			TransactionType: models.CashTransactionTypeRefund,
			Amount:          refundAmount,
			Description:     "refund " + order.OrderNumber + ": " + reason,
			ReferenceType:   models.CashReferenceTypeOrder,
			ReferenceId:     strconv.Itoa(order.ID),
		}, userId)
		if err != nil {
			return nil, nil, err
		}
	}

	log := models.RefundLog{
		BusinessId:      businessId,
		OrderId:         order.ID,
		OrderNumber:     order.OrderNumber,
		BranchId:        order.BranchId,
		RefundAmount:    refundAmount,
		IsFullRefund:    &fullRefund,
		Reason:          reason,
		CreatedByUserId: userId,
	}
	for _, ri := range refundItems {
		log.Items = append(log.Items, models.RefundLogItem{
			BusinessId:   businessId,
			OrderItemId:  ri.orderItem.ID,
			ProductId:    ri.orderItem.ProductId,
			ProductName:  ri.orderItem.ProductName,
			UnitPrice:    ri.orderItem.UnitPrice,
			Qty:          ri.qty,
			RefundAmount: ri.amount,
		})
	}
	if err := tx.Create(&log).Error; err != nil {
		return nil, nil, err
	}

	for _, ri := range refundItems {
		err := tx.Model(&models.OrderItem{}).
			Where("id = ?", ri.orderItem.ID).
			Update("refunded_qty", gorm.Expr("refunded_qty + ?", ri.qty)).Error
		if err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Model(&models.Order{}).
		Where("id = ?", order.ID).
		Update("current_status", models.OrderStatusRefunded).Error; err != nil {
		return nil, nil, err
	}

	if order.CustomerId != nil {
		if err := models.ApplyCustomerRefund(tx, businessId, *order.CustomerId, refundAmount, fullRefund); err != nil {
			return nil, nil, err
		}
	}

	order.CurrentStatus = models.OrderStatusRefunded
	return order, &log, nil
}

type resolvedRefundItem struct {
	orderItem *models.OrderItem
	qty       int
	amount    decimal.Decimal
}

// resolveRefundItems maps the request onto the order's lines. An empty item
// list means a full refund of every remaining quantity at the order's total;
// an itemized refund returns each line's total prorated by refunded quantity.
func resolveRefundItems(order *models.Order, items []RefundItemInput) ([]resolvedRefundItem, decimal.Decimal, bool, error) {

	byId := make(map[int]*models.OrderItem, len(order.Items))
	for i := range order.Items {
		byId[order.Items[i].ID] = &order.Items[i]
	}

	if len(items) == 0 {
		resolved := make([]resolvedRefundItem, 0, len(order.Items))
		for i := range order.Items {
			item := &order.Items[i]
			remaining := item.Qty - item.RefundedQty
			if remaining <= 0 {
				continue
			}
			resolved = append(resolved, resolvedRefundItem{
				orderItem: item,
				qty:       remaining,
				amount:    prorateItemAmount(item, remaining),
			})
		}
		if len(resolved) == 0 {
			return nil, decimal.Zero, false, utils.Errf(utils.CodeRefundInvalidItems, "order %s has nothing left to refund", order.OrderNumber)
		}
		// a full refund returns the order total, order-level discount and
		// service charge included
		return resolved, order.Total, true, nil
	}

	seen := make(map[int]bool, len(items))
	resolved := make([]resolvedRefundItem, 0, len(items))
	refundAmount := decimal.Zero
	for _, input := range items {
		item, found := byId[input.OrderItemId]
		if !found {
			return nil, decimal.Zero, false, utils.Errf(utils.CodeRefundInvalidItems,
				"item %d does not belong to order %s", input.OrderItemId, order.OrderNumber)
		}
		if seen[input.OrderItemId] {
			return nil, decimal.Zero, false, utils.Errf(utils.CodeRefundInvalidItems,
				"item %d listed twice", input.OrderItemId)
		}
		seen[input.OrderItemId] = true
		if input.Qty <= 0 || input.Qty > item.Qty-item.RefundedQty {
			return nil, decimal.Zero, false, utils.Errf(utils.CodeRefundInvalidItems,
				"item %d: cannot refund %d of %d", input.OrderItemId, input.Qty, item.Qty-item.RefundedQty)
		}
		amount := prorateItemAmount(item, input.Qty)
		refundAmount = refundAmount.Add(amount)
		resolved = append(resolved, resolvedRefundItem{orderItem: item, qty: input.Qty, amount: amount})
	}

	fullRefund := true
	for i := range order.Items {
		item := &order.Items[i]
		refunded := 0
		for _, ri := range resolved {
			if ri.orderItem.ID == item.ID {
				refunded = ri.qty
			}
		}
		if item.RefundedQty+refunded < item.Qty {
			fullRefund = false
			break
		}
	}
	if fullRefund {
		refundAmount = order.Total
	}
	return resolved, utils.RoundAmount(refundAmount), fullRefund, nil
}

// prorateItemAmount is the refunded share of one line's tax-adjusted total.
func prorateItemAmount(item *models.OrderItem, qty int) decimal.Decimal {
	if qty >= item.Qty {
		return item.Total
	}
	share := item.Total.Mul(decimal.NewFromInt(int64(qty))).Div(decimal.NewFromInt(int64(item.Qty)))
	return utils.RoundAmount(share)
}
