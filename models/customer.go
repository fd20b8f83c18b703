package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Customer struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"index;not null" json:"business_id"`
	Name          string          `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Phone         string          `gorm:"size:20" json:"phone"`
	Email         string          `gorm:"size:255" json:"email"`
	TotalSpent    decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"total_spent"`
	OrderCount    int             `gorm:"default:0" json:"order_count"`
	LoyaltyPoints decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"loyalty_points"`
	IsActive      *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCustomer struct {
	Name  string `json:"name" binding:"required"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

func CreateCustomer(ctx context.Context, input *NewCustomer) (*Customer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	customer := Customer{
		BusinessId: businessId,
		Name:       input.Name,
		Phone:      input.Phone,
		Email:      input.Email,
		IsActive:   utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func GetCustomer(ctx context.Context, id int) (*Customer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Customer](ctx, businessId, id)
}

// ApplyCustomerSale bumps loyalty stats inside the completion transaction.
// Loyalty points accrue at 1 point per 100 spent.
func ApplyCustomerSale(tx *gorm.DB, businessId string, customerId int, amount decimal.Decimal) error {
	points := amount.Div(decimal.NewFromInt(100)).Round(2)
	return tx.Model(&Customer{}).
		Where("business_id = ? AND id = ?", businessId, customerId).
		Updates(map[string]interface{}{
			"total_spent":    gorm.Expr("total_spent + ?", amount),
			"order_count":    gorm.Expr("order_count + 1"),
			"loyalty_points": gorm.Expr("loyalty_points + ?", points),
		}).Error
}

// ApplyCustomerRefund deducts the refunded share of the stats. OrderCount only
// drops on a full refund.
func ApplyCustomerRefund(tx *gorm.DB, businessId string, customerId int, amount decimal.Decimal, fullRefund bool) error {
	points := amount.Div(decimal.NewFromInt(100)).Round(2)
	updates := map[string]interface{}{
		"total_spent":    gorm.Expr("total_spent - ?", amount),
		"loyalty_points": gorm.Expr("loyalty_points - ?", points),
	}
	if fullRefund {
		updates["order_count"] = gorm.Expr("order_count - 1")
	}
	return tx.Model(&Customer{}).
		Where("business_id = ? AND id = ?", businessId, customerId).
		Updates(updates).Error
}
