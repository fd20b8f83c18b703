package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Business is the tenant. POS policy knobs live here so behavior differences
// between tenants (negative stock, partial payment) are data, not deployments.
type Business struct {
	ID                   uuid.UUID       `gorm:"primary_key" json:"id"`
	Name                 string          `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Email                string          `gorm:"size:255" json:"email"`
	Phone                string          `gorm:"size:20" json:"phone"`
	Address              string          `gorm:"type:text" json:"address"`
	Timezone             string          `gorm:"size:50" json:"timezone"`
	TaxRate              decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"tax_rate"`
	IsTaxEnabled         *bool           `gorm:"not null;default:true" json:"is_tax_enabled"`
	IsTaxInclusive       *bool           `gorm:"not null;default:true" json:"is_tax_inclusive"`
	ServiceChargePercent decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"service_charge_percent"`
	AllowNegativeStock   *bool           `gorm:"not null;default:false" json:"allow_negative_stock"`
	RequireFullPayment   *bool           `gorm:"not null;default:true" json:"require_full_payment"`
	PrimaryBranchId      int             `json:"primary_branch_id"`
	IsActive             *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name                 string          `json:"name" binding:"required"`
	Email                string          `json:"email" binding:"required"`
	Phone                string          `json:"phone"`
	Address              string          `json:"address"`
	Timezone             string          `json:"timezone"`
	TaxRate              decimal.Decimal `json:"tax_rate"`
	IsTaxEnabled         *bool           `json:"is_tax_enabled"`
	IsTaxInclusive       *bool           `json:"is_tax_inclusive"`
	ServiceChargePercent decimal.Decimal `json:"service_charge_percent"`
	AllowNegativeStock   *bool           `json:"allow_negative_stock"`
	RequireFullPayment   *bool           `json:"require_full_payment"`
}

func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {

	db := config.GetDB()

	business := Business{
		ID:                   uuid.New(),
		Name:                 input.Name,
		Email:                input.Email,
		Phone:                input.Phone,
		Address:              input.Address,
		Timezone:             input.Timezone,
		TaxRate:              input.TaxRate,
		IsTaxEnabled:         orDefault(input.IsTaxEnabled, true),
		IsTaxInclusive:       orDefault(input.IsTaxInclusive, true),
		ServiceChargePercent: input.ServiceChargePercent,
		AllowNegativeStock:   orDefault(input.AllowNegativeStock, false),
		RequireFullPayment:   orDefault(input.RequireFullPayment, true),
		IsActive:             utils.NewTrue(),
	}

	tx := db.Begin()
	bypass := utils.SetSkipTenantScopeInContext(ctx, true)
	if err := tx.WithContext(bypass).Create(&business).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// every tenant starts with a primary branch and an order number series
	branchCtx := utils.SetBusinessIdInContext(ctx, business.ID.String())
	branch := Branch{
		BusinessId: business.ID.String(),
		Name:       "Main Branch",
		Prefix:     "POS",
		IsActive:   utils.NewTrue(),
	}
	if err := tx.WithContext(branchCtx).Create(&branch).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(bypass).Model(&Business{}).Where("id = ?", business.ID).
		Update("primary_branch_id", branch.ID).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	business.PrimaryBranchId = branch.ID

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &business, nil
}

func GetBusinessById(ctx context.Context, id string) (*Business, error) {
	db := config.GetDB()
	var business Business
	bypass := utils.SetSkipTenantScopeInContext(ctx, true)
	err := db.WithContext(bypass).Where("id = ?", id).First(&business).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &business, nil
}

// GetBusinessById2 is the tx-scoped variant used inside workflows.
func GetBusinessById2(tx *gorm.DB, id string) (*Business, error) {
	var business Business
	err := tx.Where("id = ?", id).First(&business).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &business, nil
}

func orDefault(b *bool, def bool) *bool {
	if b != nil {
		return b
	}
	if def {
		return utils.NewTrue()
	}
	return utils.NewFalse()
}
