package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Order is one sale. Monetary fields are recomputed from the items on every
// mutation while Draft/Pending and frozen at completion. ShiftId is set once
// at completion and never changes.
type Order struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	BranchId        int             `gorm:"index;not null" json:"branch_id"`
	ShiftId         *int            `gorm:"index" json:"shift_id"`
	CustomerId      *int            `gorm:"index" json:"customer_id"`
	UserId          int             `gorm:"index;not null" json:"user_id"`
	OrderNumber     string          `gorm:"size:50;not null" json:"order_number"`
	SequenceNo      int64           `gorm:"not null" json:"sequence_no"`
	CurrentStatus   OrderStatus     `gorm:"type:enum('Draft','Pending','Completed','Cancelled','Refunded');default:'Pending'" json:"current_status"`
	DiscountType    string          `gorm:"size:1" json:"discount_type"`
	DiscountValue   decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"discount_value"`
	DiscountAmount  decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"discount_amount"`
	Subtotal        decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"subtotal"`
	TaxAmount       decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"tax_amount"`
	ServiceCharge   decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"service_charge"`
	Total           decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"total"`
	AmountPaid      decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"amount_paid"`
	AmountDue       decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"amount_due"`
	Notes           string          `gorm:"size:255" json:"notes"`
	CancelReason    string          `gorm:"size:255" json:"cancel_reason"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	Items           []OrderItem     `gorm:"foreignKey:OrderId" json:"items"`
	Payments        []OrderPayment  `gorm:"foreignKey:OrderId" json:"payments"`
}

// OrderItem snapshots the catalog fields it was sold under. Later catalog
// edits never change what an existing order says it charged.
type OrderItem struct {
	ID              int             `gorm:"primary_key" json:"id"`
	OrderId         int             `gorm:"index;not null" json:"order_id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	ProductId       int             `gorm:"not null" json:"product_id"`
	ProductName     string          `gorm:"size:100;not null" json:"product_name"`
	Sku             string          `gorm:"size:100" json:"sku"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"unit_price"`
	Qty             int             `gorm:"not null" json:"qty"`
	DiscountType    string          `gorm:"size:1" json:"discount_type"`
	DiscountValue   decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"discount_value"`
	DiscountAmount  decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"discount_amount"`
	TaxRate         decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"tax_rate"`
	IsTaxInclusive  *bool           `gorm:"not null;default:true" json:"is_tax_inclusive"`
	TaxAmount       decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"tax_amount"`
	Subtotal        decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"subtotal"`
	Total           decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"total"`
	TracksInventory *bool           `gorm:"not null;default:true" json:"tracks_inventory"`
	RefundedQty     int             `gorm:"not null;default:0" json:"refunded_qty"`
}

// OrderPayment is one payment leg of a completed order.
type OrderPayment struct {
	ID         int             `gorm:"primary_key" json:"id"`
	OrderId    int             `gorm:"index;not null" json:"order_id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	Method     PaymentMethod   `gorm:"type:enum('Cash','Card','Mobile','Credit');not null" json:"method"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"amount"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewOrder struct {
	BranchId      int             `json:"branch_id" binding:"required"`
	CustomerId    *int            `json:"customer_id"`
	DiscountType  string          `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	Notes         string          `json:"notes"`
	Items         []NewOrderItem  `json:"items" binding:"required,dive"`
}

type NewOrderItem struct {
	ProductId     int             `json:"product_id" binding:"required"`
	Qty           int             `json:"qty" binding:"required,gt=0"`
	DiscountType  string          `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
}

// buildOrderItem snapshots the product and runs the item math. Tax comes from
// the product's own rate and inclusiveness, gated by the tenant's tax switch.
func buildOrderItem(businessId string, business *Business, product *Product, input *NewOrderItem) (*OrderItem, error) {

	if !utils.BoolValue(product.IsActive) {
		return nil, utils.Errf(utils.CodeProductInactive, "product %q is inactive", product.Name)
	}
	if input.Qty <= 0 {
		return nil, utils.Errf(utils.CodeValidationFailed, "quantity must be positive")
	}
	if input.DiscountType != "" && input.DiscountType != utils.DiscountTypePercentage && input.DiscountType != utils.DiscountTypeFixed {
		return nil, utils.Errf(utils.CodeValidationFailed, "unknown discount type %q", input.DiscountType)
	}

	taxRate := product.TaxRate
	if !utils.BoolValue(business.IsTaxEnabled) {
		taxRate = decimal.Zero
	}
	taxInclusive := utils.BoolValue(product.IsTaxInclusive)

	amounts := utils.ItemTotals(product.UnitPrice, decimal.NewFromInt(int64(input.Qty)),
		input.DiscountType, input.DiscountValue, taxRate, taxInclusive)

	return &OrderItem{
		BusinessId:      businessId,
		ProductId:       product.ID,
		ProductName:     product.Name,
		Sku:             product.Sku,
		UnitPrice:       product.UnitPrice,
		Qty:             input.Qty,
		DiscountType:    input.DiscountType,
		DiscountValue:   input.DiscountValue,
		DiscountAmount:  amounts.DiscountAmount,
		TaxRate:         taxRate,
		IsTaxInclusive:  product.IsTaxInclusive,
		TaxAmount:       amounts.TaxAmount,
		Subtotal:        amounts.Subtotal,
		Total:           amounts.Total,
		TracksInventory: product.TracksInventory,
	}, nil
}

// applyOrderTotals folds the items through the order-level math and writes the
// monetary fields back onto the order struct.
func applyOrderTotals(order *Order, business *Business) {
	itemAmounts := make([]utils.ItemAmounts, 0, len(order.Items))
	for _, item := range order.Items {
		itemAmounts = append(itemAmounts, utils.ItemAmounts{
			Subtotal:       item.Subtotal,
			DiscountAmount: item.DiscountAmount,
			TaxAmount:      item.TaxAmount,
			Total:          item.Total,
		})
	}
	amounts := utils.OrderTotals(itemAmounts, order.DiscountType, order.DiscountValue,
		business.ServiceChargePercent, order.AmountPaid)
	order.Subtotal = amounts.Subtotal
	order.DiscountAmount = amounts.DiscountAmount
	order.TaxAmount = amounts.TaxAmount
	order.ServiceCharge = amounts.ServiceCharge
	order.Total = amounts.Total
	order.AmountDue = amounts.AmountDue
}

// CreateOrder persists a Pending order. The acting cashier must hold an open
// shift at the branch, but the shift is not stamped onto the order until
// completion. Inventory is untouched here.
func CreateOrder(ctx context.Context, input *NewOrder) (*Order, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if len(input.Items) == 0 {
		return nil, utils.Errf(utils.CodeOrderEmpty, "order requires at least one item")
	}
	if input.DiscountType != "" && input.DiscountType != utils.DiscountTypePercentage && input.DiscountType != utils.DiscountTypeFixed {
		return nil, utils.Errf(utils.CodeValidationFailed, "unknown discount type %q", input.DiscountType)
	}

	branch, err := GetBranch(ctx, input.BranchId)
	if err != nil {
		return nil, errors.New("branch not found")
	}
	if _, err := GetOpenShift(ctx, input.BranchId); err != nil {
		return nil, err
	}

	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, err
	}
	if input.CustomerId != nil {
		if err := utils.ValidateResourceId[Customer](ctx, businessId, *input.CustomerId); err != nil {
			return nil, errors.New("customer not found")
		}
	}

	seq, err := utils.GetSequence[Order](ctx, businessId)
	if err != nil {
		return nil, err
	}

	order := Order{
		BusinessId:    businessId,
		BranchId:      input.BranchId,
		CustomerId:    input.CustomerId,
		UserId:        userId,
		OrderNumber:   fmt.Sprintf("%s-%06d", branch.Prefix, seq),
		SequenceNo:    seq,
		CurrentStatus: OrderStatusPending,
		DiscountType:  input.DiscountType,
		DiscountValue: input.DiscountValue,
		Notes:         input.Notes,
	}
	for i := range input.Items {
		product, err := GetProduct(ctx, input.Items[i].ProductId)
		if err != nil {
			return nil, errors.New("product not found")
		}
		item, err := buildOrderItem(businessId, business, product, &input.Items[i])
		if err != nil {
			return nil, err
		}
		order.Items = append(order.Items, *item)
	}
	applyOrderTotals(&order, business)

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if err := tx.Create(&order).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// LockOrder loads the order and its items under a row lock.
func LockOrder(tx *gorm.DB, businessId string, id int) (*Order, error) {
	var order Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if err := tx.Where("order_id = ?", order.ID).Find(&order.Items).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// AddOrderItem appends a line to a Draft/Pending order and recomputes totals.
func AddOrderItem(ctx context.Context, orderId int, input *NewOrderItem) (*Order, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, err
	}
	product, err := GetProduct(ctx, input.ProductId)
	if err != nil {
		return nil, errors.New("product not found")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	order, err := LockOrder(tx, businessId, orderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !order.CurrentStatus.IsEditable() {
		tx.Rollback()
		return nil, utils.Errf(utils.CodeOrderNotEditable, "order %s is %s", order.OrderNumber, order.CurrentStatus)
	}

	item, err := buildOrderItem(businessId, business, product, input)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	item.OrderId = order.ID
	if err := tx.Create(item).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	order.Items = append(order.Items, *item)

	if err := saveOrderTotals(tx, order, business); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return order, nil
}

// RemoveOrderItem deletes a line from a Draft/Pending order and recomputes
// totals. Removing the last line is allowed; completion rejects empty orders.
func RemoveOrderItem(ctx context.Context, orderId, itemId int) (*Order, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	order, err := LockOrder(tx, businessId, orderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !order.CurrentStatus.IsEditable() {
		tx.Rollback()
		return nil, utils.Errf(utils.CodeOrderNotEditable, "order %s is %s", order.OrderNumber, order.CurrentStatus)
	}

	found := false
	remaining := order.Items[:0]
	for _, item := range order.Items {
		if item.ID == itemId {
			found = true
			continue
		}
		remaining = append(remaining, item)
	}
	if !found {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}
	if err := tx.Where("order_id = ? AND id = ?", order.ID, itemId).Delete(&OrderItem{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	order.Items = remaining

	if err := saveOrderTotals(tx, order, business); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return order, nil
}

func saveOrderTotals(tx *gorm.DB, order *Order, business *Business) error {
	applyOrderTotals(order, business)
	return tx.Model(&Order{}).
		Where("id = ?", order.ID).
		Updates(map[string]interface{}{
			"subtotal":        order.Subtotal,
			"discount_amount": order.DiscountAmount,
			"tax_amount":      order.TaxAmount,
			"service_charge":  order.ServiceCharge,
			"total":           order.Total,
			"amount_due":      order.AmountDue,
		}).Error
}

// CancelOrder is legal only from Draft/Pending. No inventory or cash was ever
// applied, so there is nothing to reverse.
func CancelOrder(ctx context.Context, orderId int, reason string) (*Order, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	order, err := LockOrder(tx, businessId, orderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !order.CurrentStatus.CanTransitionTo(OrderStatusCancelled) {
		tx.Rollback()
		return nil, utils.Errf(utils.CodeOrderInvalidState,
			"order %s cannot move from %s to %s", order.OrderNumber, order.CurrentStatus, OrderStatusCancelled)
	}

	if err := tx.Model(&Order{}).
		Where("id = ?", order.ID).
		Updates(map[string]interface{}{
			"current_status": OrderStatusCancelled,
			"cancel_reason":  reason,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	order.CurrentStatus = OrderStatusCancelled
	order.CancelReason = reason
	return order, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var order Order
	err := db.WithContext(ctx).Preload("Items").Preload("Payments").
		Where("business_id = ? AND id = ?", businessId, id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetOrders lists a branch's orders, newest first, optionally filtered by
// status.
func GetOrders(ctx context.Context, branchId int, status OrderStatus, limit int) ([]*Order, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Preload("Items").
		Where("business_id = ? AND branch_id = ?", businessId, branchId)
	if status != "" {
		dbCtx = dbCtx.Where("current_status = ?", status)
	}
	var orders []*Order
	if err := dbCtx.Order("id DESC").Limit(limit).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}
