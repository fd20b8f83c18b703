package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/shopspring/decimal"
)

// RefundLog is the immutable record of one refund: what was given back, for
// which order, and exactly which lines. It survives later edits to anything
// else, so disputes are answerable from this table alone.
type RefundLog struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	OrderId         int             `gorm:"index;not null" json:"order_id"`
	OrderNumber     string          `gorm:"size:50;not null" json:"order_number"`
	BranchId        int             `gorm:"index;not null" json:"branch_id"`
	RefundAmount    decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"refund_amount"`
	IsFullRefund    *bool           `gorm:"not null;default:false" json:"is_full_refund"`
	Reason          string          `gorm:"size:255;not null" json:"reason"`
	CreatedByUserId int             `json:"created_by_user_id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	Items           []RefundLogItem `gorm:"foreignKey:RefundLogId" json:"items"`
}

// RefundLogItem snapshots one refunded line: product identity and unit price
// as sold, the refunded quantity, and the amount returned for it.
type RefundLogItem struct {
	ID           int             `gorm:"primary_key" json:"id"`
	RefundLogId  int             `gorm:"index;not null" json:"refund_log_id"`
	BusinessId   string          `gorm:"index;not null" json:"business_id"`
	OrderItemId  int             `gorm:"not null" json:"order_item_id"`
	ProductId    int             `gorm:"not null" json:"product_id"`
	ProductName  string          `gorm:"size:100;not null" json:"product_name"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"unit_price"`
	Qty          int             `gorm:"not null" json:"qty"`
	RefundAmount decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"refund_amount"`
}

func GetRefundLog(ctx context.Context, id int) (*RefundLog, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var log RefundLog
	err := db.WithContext(ctx).Preload("Items").
		Where("business_id = ? AND id = ?", businessId, id).
		First(&log).Error
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// GetRefundLogsByOrder lists every refund written against an order. Today an
// order refunds at most once; the list shape keeps history readable if that
// ever loosens.
func GetRefundLogsByOrder(ctx context.Context, orderId int) ([]*RefundLog, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var logs []*RefundLog
	err := db.WithContext(ctx).Preload("Items").
		Where("business_id = ? AND order_id = ?", businessId, orderId).
		Order("id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
