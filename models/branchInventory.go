package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxStockRetries bounds how often a stock write is retried after a transient
// lock conflict before the conflict is surfaced to the caller.
const MaxStockRetries = 5

const stockQtyCacheTTL = 5 * time.Minute

// BranchInventory is the on-hand quantity of one product at one branch.
// Rows are created lazily on the first stock event and never deleted.
// Version is bumped on every write; external readers use it as a staleness
// stamp, while writers serialize through a row lock.
type BranchInventory struct {
	ID           int       `gorm:"primary_key" json:"id"`
	BusinessId   string    `gorm:"not null;index:uniq_branch_product,unique" json:"business_id"`
	BranchId     int       `gorm:"not null;index:uniq_branch_product,unique" json:"branch_id"`
	ProductId    int       `gorm:"not null;index:uniq_branch_product,unique" json:"product_id"`
	Quantity     int       `gorm:"not null;default:0" json:"quantity"`
	ReorderLevel int       `gorm:"not null;default:0" json:"reorder_level"`
	Version      int       `gorm:"not null;default:0" json:"version"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// StockMovement is the append-only ledger entry behind every quantity change.
type StockMovement struct {
	ID              int                `gorm:"primary_key" json:"id"`
	BusinessId      string             `gorm:"index;not null" json:"business_id"`
	BranchId        int                `gorm:"index;not null" json:"branch_id"`
	ProductId       int                `gorm:"index;not null" json:"product_id"`
	Qty             int                `gorm:"not null" json:"qty"`
	QtyBefore       int                `gorm:"not null" json:"qty_before"`
	QtyAfter        int                `gorm:"not null" json:"qty_after"`
	Reason          string             `gorm:"size:255" json:"reason"`
	ReferenceType   StockReferenceType `gorm:"type:enum('ORD','RFD','ADJ','TRF');default:null" json:"reference_type"`
	ReferenceId     int                `gorm:"index" json:"reference_id"`
	CreatedByUserId int                `json:"created_by_user_id"`
	CreatedAt       time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

type NewStockAdjustment struct {
	BranchId  int    `json:"branch_id" binding:"required"`
	ProductId int    `json:"product_id" binding:"required"`
	Delta     int    `json:"delta" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
}

// StockAdjustmentItem is one delta inside a batch (order completion / refund).
type StockAdjustmentItem struct {
	ProductId int
	Delta     int
}

func stockQtyCacheKey(businessId string, branchId, productId int) string {
	return fmt.Sprintf("stockqty:%s:%d:%d", businessId, branchId, productId)
}

func InvalidateStockQtyCache(businessId string, branchId, productId int) {
	_ = config.RemoveRedisKey(stockQtyCacheKey(businessId, branchId, productId))
}

// lockBranchInventory reads (or lazily creates) the row under a row lock.
// The lock is what serializes concurrent adjustments on one (branch, product);
// the unique index backs up lazy creation under races.
func lockBranchInventory(tx *gorm.DB, businessId string, branchId, productId int) (*BranchInventory, error) {
	var row BranchInventory
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND branch_id = ? AND product_id = ?", businessId, branchId, productId).
		First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row = BranchInventory{
		BusinessId: businessId,
		BranchId:   branchId,
		ProductId:  productId,
		Quantity:   0,
	}
	if err := tx.Create(&row).Error; err != nil {
		if !utils.IsDuplicateKeyErr(err) {
			return nil, err
		}
		// lost the creation race; lock the winner's row
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND branch_id = ? AND product_id = ?", businessId, branchId, productId).
			First(&row).Error; err != nil {
			return nil, err
		}
	}
	return &row, nil
}

// adjustStockTx applies one delta inside the caller's transaction and appends
// the movement record. Negative results are rejected, never clamped.
func adjustStockTx(tx *gorm.DB, businessId string, branchId, productId, delta int, allowNegative bool, reason string, refType StockReferenceType, refId int, userId int) (*BranchInventory, error) {

	row, err := lockBranchInventory(tx, businessId, branchId, productId)
	if err != nil {
		return nil, err
	}

	newQty := row.Quantity + delta
	if newQty < 0 && !allowNegative {
		return nil, utils.Errf(utils.CodeInsufficientStock,
			"insufficient stock for product %d at branch %d: have %d, need %d", productId, branchId, row.Quantity, -delta)
	}

	if err := tx.Model(&BranchInventory{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"quantity": newQty,
			"version":  gorm.Expr("version + 1"),
		}).Error; err != nil {
		return nil, err
	}

	movement := StockMovement{
		BusinessId:      businessId,
		BranchId:        branchId,
		ProductId:       productId,
		Qty:             delta,
		QtyBefore:       row.Quantity,
		QtyAfter:        newQty,
		Reason:          reason,
		ReferenceType:   refType,
		ReferenceId:     refId,
		CreatedByUserId: userId,
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, err
	}

	row.Quantity = newQty
	row.Version++
	return row, nil
}

// BatchAdjustStock applies every delta of one order as a unit inside the
// caller's transaction. The first failing item aborts the whole batch; the
// caller rolls back, so there is never a partial stock effect.
func BatchAdjustStock(tx *gorm.DB, businessId string, branchId int, items []StockAdjustmentItem, allowNegative bool, reason string, refType StockReferenceType, refId int, userId int) error {
	for _, item := range items {
		if _, err := adjustStockTx(tx, businessId, branchId, item.ProductId, item.Delta, allowNegative, reason, refType, refId, userId); err != nil {
			return err
		}
	}
	return nil
}

// AdjustStock is the public single-product entry point (manual corrections,
// stocktakes, goods received). Transient MySQL lock conflicts are retried a
// bounded number of times; business rejections are not.
func AdjustStock(ctx context.Context, input *NewStockAdjustment) (*BranchInventory, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if input.Delta == 0 {
		return nil, utils.Errf(utils.CodeValidationFailed, "delta cannot be zero")
	}
	if err := utils.ValidateResourceId[Branch](ctx, businessId, input.BranchId); err != nil {
		return nil, errors.New("branch not found")
	}
	if err := utils.ValidateResourceId[Product](ctx, businessId, input.ProductId); err != nil {
		return nil, errors.New("product not found")
	}

	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, err
	}
	allowNegative := utils.BoolValue(business.AllowNegativeStock)

	db := config.GetDB()

	var row *BranchInventory
	for attempt := 1; ; attempt++ {
		tx := db.WithContext(ctx).Begin()
		row, err = adjustStockTx(tx, businessId, input.BranchId, input.ProductId, input.Delta, allowNegative, input.Reason, StockReferenceTypeAdjustment, 0, userId)
		if err != nil {
			tx.Rollback()
			if IsRetryableStockErr(err) && attempt < MaxStockRetries {
				continue
			}
			return nil, err
		}
		if err = tx.Commit().Error; err != nil {
			if IsRetryableStockErr(err) && attempt < MaxStockRetries {
				continue
			}
			return nil, err
		}
		break
	}

	InvalidateStockQtyCache(businessId, input.BranchId, input.ProductId)
	return row, nil
}

// IsRetryableStockErr matches MySQL deadlock (1213) and lock wait timeout
// (1205); everything else, including business rejections, fails fast.
func IsRetryableStockErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

// GetAvailableQuantity is a read-through cached lookup. A missing row means
// the product has never had a stock event at the branch: quantity 0.
func GetAvailableQuantity(ctx context.Context, branchId, productId int) (int, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return 0, errors.New("business id is required")
	}

	cacheKey := stockQtyCacheKey(businessId, branchId, productId)
	var cached int
	if found, err := config.GetRedisObject(cacheKey, &cached); err == nil && found {
		return cached, nil
	}

	db := config.GetDB()
	var row BranchInventory
	err := db.WithContext(ctx).
		Where("business_id = ? AND branch_id = ? AND product_id = ?", businessId, branchId, productId).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}

	_ = config.SetRedisObject(cacheKey, row.Quantity, stockQtyCacheTTL)
	return row.Quantity, nil
}

// GetEffectivePrice resolves the selling price for a product at a branch.
// Today this is the catalog price; branch-level overrides would hook in here.
func GetEffectivePrice(ctx context.Context, branchId, productId int) (decimal.Decimal, error) {
	_ = branchId
	product, err := GetProduct(ctx, productId)
	if err != nil {
		return decimal.Zero, err
	}
	return product.UnitPrice, nil
}

// GetLowStockItems lists rows at or below their reorder level.
func GetLowStockItems(ctx context.Context, branchId int) ([]*BranchInventory, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var rows []*BranchInventory
	err := db.WithContext(ctx).
		Where("business_id = ? AND branch_id = ? AND quantity <= reorder_level", businessId, branchId).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func UpdateReorderLevel(ctx context.Context, branchId, productId, level int) error {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}
	if level < 0 {
		return utils.Errf(utils.CodeValidationFailed, "reorder level cannot be negative")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if _, err := lockBranchInventory(tx, businessId, branchId, productId); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Model(&BranchInventory{}).
		Where("business_id = ? AND branch_id = ? AND product_id = ?", businessId, branchId, productId).
		Updates(map[string]interface{}{
			"reorder_level": level,
			"version":       gorm.Expr("version + 1"),
		}).Error; err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}
