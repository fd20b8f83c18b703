package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/shopspring/decimal"
)

// Product is the catalog row. Orders snapshot its fields at add-time, so edits
// here never retroactively change a completed order.
type Product struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	Name            string          `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Sku             string          `gorm:"index;size:100;not null" json:"sku" binding:"required"`
	Barcode         string          `gorm:"size:100" json:"barcode"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"unit_price"`
	TaxRate         decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"tax_rate"`
	IsTaxInclusive  *bool           `gorm:"not null;default:true" json:"is_tax_inclusive"`
	TracksInventory *bool           `gorm:"not null;default:true" json:"tracks_inventory"`
	IsActive        *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name            string          `json:"name" binding:"required"`
	Sku             string          `json:"sku" binding:"required"`
	Barcode         string          `json:"barcode"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	IsTaxInclusive  *bool           `json:"is_tax_inclusive"`
	TracksInventory *bool           `json:"tracks_inventory"`
}

func (input *NewProduct) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[Product](ctx, businessId, id); err != nil {
			return err
		}
	}
	if err := utils.ValidateUnique[Product](ctx, businessId, "sku", input.Sku, id); err != nil {
		return err
	}
	if input.UnitPrice.IsNegative() {
		return utils.Errf(utils.CodeValidationFailed, "unit price cannot be negative")
	}
	if input.TaxRate.IsNegative() {
		return utils.Errf(utils.CodeValidationFailed, "tax rate cannot be negative")
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	product := Product{
		BusinessId:      businessId,
		Name:            input.Name,
		Sku:             strings.TrimSpace(input.Sku),
		Barcode:         input.Barcode,
		UnitPrice:       input.UnitPrice,
		TaxRate:         input.TaxRate,
		IsTaxInclusive:  orDefault(input.IsTaxInclusive, true),
		TracksInventory: orDefault(input.TracksInventory, true),
		IsActive:        utils.NewTrue(),
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Create(&product).Error
	if err != nil {
		return nil, err
	}

	return &product, nil
}

func UpdateProduct(ctx context.Context, id int, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(product).Updates(map[string]interface{}{
		"Name":            input.Name,
		"Sku":             strings.TrimSpace(input.Sku),
		"Barcode":         input.Barcode,
		"UnitPrice":       input.UnitPrice,
		"TaxRate":         input.TaxRate,
		"IsTaxInclusive":  orDefault(input.IsTaxInclusive, true),
		"TracksInventory": orDefault(input.TracksInventory, true),
	}).Error
	if err != nil {
		return nil, err
	}

	return product, nil
}

func ToggleProductActive(ctx context.Context, id int, isActive bool) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	product, err := utils.FetchModel[Product](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(product).Update("is_active", isActive).Error; err != nil {
		return nil, err
	}
	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Product](ctx, businessId, id)
}
