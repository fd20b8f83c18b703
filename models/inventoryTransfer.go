package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InventoryTransfer moves stock between two branches of one business. Stock
// only moves at Receive; Create and Approve are bookkeeping, so cancelling
// from Pending/Approved never has anything to reverse.
type InventoryTransfer struct {
	ID                  int                     `gorm:"primary_key" json:"id"`
	BusinessId          string                  `gorm:"index;not null" json:"business_id"`
	TransferNumber      string                  `gorm:"size:50;not null" json:"transfer_number"`
	SequenceNo          int64                   `gorm:"not null" json:"sequence_no"`
	SourceBranchId      int                     `gorm:"index;not null" json:"source_branch_id"`
	DestinationBranchId int                     `gorm:"index;not null" json:"destination_branch_id"`
	CurrentStatus       TransferStatus          `gorm:"type:enum('Pending','Approved','Received','Cancelled');default:'Pending'" json:"current_status"`
	Notes               string                  `gorm:"size:255" json:"notes"`
	CreatedByUserId     int                     `json:"created_by_user_id"`
	ApprovedByUserId    int                     `json:"approved_by_user_id"`
	ReceivedByUserId    int                     `json:"received_by_user_id"`
	CreatedAt           time.Time               `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time               `gorm:"autoUpdateTime" json:"updated_at"`
	ReceivedAt          *time.Time              `json:"received_at"`
	Items               []InventoryTransferItem `gorm:"foreignKey:TransferId" json:"items"`
}

type InventoryTransferItem struct {
	ID         int    `gorm:"primary_key" json:"id"`
	TransferId int    `gorm:"index;not null" json:"transfer_id"`
	BusinessId string `gorm:"index;not null" json:"business_id"`
	ProductId  int    `gorm:"not null" json:"product_id"`
	Qty        int    `gorm:"not null" json:"qty"`
}

type NewInventoryTransfer struct {
	SourceBranchId      int                        `json:"source_branch_id" binding:"required"`
	DestinationBranchId int                        `json:"destination_branch_id" binding:"required"`
	Notes               string                     `json:"notes"`
	Items               []NewInventoryTransferItem `json:"items" binding:"required,dive"`
}

type NewInventoryTransferItem struct {
	ProductId int `json:"product_id" binding:"required"`
	Qty       int `json:"qty" binding:"required,gt=0"`
}

func (input *NewInventoryTransfer) validate(ctx context.Context, businessId string) error {
	if input.SourceBranchId == input.DestinationBranchId {
		return utils.Errf(utils.CodeValidationFailed, "source and destination branch must differ")
	}
	if err := utils.ValidateResourceId[Branch](ctx, businessId, input.SourceBranchId); err != nil {
		return errors.New("source branch not found")
	}
	if err := utils.ValidateResourceId[Branch](ctx, businessId, input.DestinationBranchId); err != nil {
		return errors.New("destination branch not found")
	}
	if len(input.Items) == 0 {
		return utils.Errf(utils.CodeValidationFailed, "transfer requires at least one item")
	}
	productIds := make([]int, 0, len(input.Items))
	for _, item := range input.Items {
		if item.Qty <= 0 {
			return utils.Errf(utils.CodeValidationFailed, "transfer quantity must be positive")
		}
		productIds = append(productIds, item.ProductId)
	}
	if err := utils.ValidateResourcesId[Product](ctx, businessId, utils.UniqueSlice(productIds)); err != nil {
		return errors.New("one or more products not found")
	}
	return nil
}

func CreateInventoryTransfer(ctx context.Context, input *NewInventoryTransfer) (*InventoryTransfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	seq, err := utils.GetSequence[InventoryTransfer](ctx, businessId)
	if err != nil {
		return nil, err
	}

	transfer := InventoryTransfer{
		BusinessId:          businessId,
		TransferNumber:      fmt.Sprintf("TRF-%06d", seq),
		SequenceNo:          seq,
		SourceBranchId:      input.SourceBranchId,
		DestinationBranchId: input.DestinationBranchId,
		CurrentStatus:       TransferStatusPending,
		Notes:               input.Notes,
		CreatedByUserId:     userId,
	}
	for _, item := range input.Items {
		transfer.Items = append(transfer.Items, InventoryTransferItem{
			BusinessId: businessId,
			ProductId:  item.ProductId,
			Qty:        item.Qty,
		})
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if err := tx.Create(&transfer).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &transfer, nil
}

// lockTransfer loads the transfer and its items under a row lock so status
// transitions serialize.
func lockTransfer(tx *gorm.DB, businessId string, id int) (*InventoryTransfer, error) {
	var transfer InventoryTransfer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if err := tx.Where("transfer_id = ?", transfer.ID).Find(&transfer.Items).Error; err != nil {
		return nil, err
	}
	return &transfer, nil
}

func guardTransferTransition(transfer *InventoryTransfer, to TransferStatus) error {
	if !transfer.CurrentStatus.CanTransitionTo(to) {
		return utils.Errf(utils.CodeTransferInvalidState,
			"transfer %s cannot move from %s to %s", transfer.TransferNumber, transfer.CurrentStatus, to)
	}
	return nil
}

// ApproveInventoryTransfer moves Pending to Approved after revalidating that
// the source branch still holds at least the requested quantity of every item.
// Stock does not move yet.
func ApproveInventoryTransfer(ctx context.Context, id int) (*InventoryTransfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	transfer, err := lockTransfer(tx, businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := guardTransferTransition(transfer, TransferStatusApproved); err != nil {
		tx.Rollback()
		return nil, err
	}

	for _, item := range transfer.Items {
		var row BranchInventory
		onHand := 0
		err := tx.Where("business_id = ? AND branch_id = ? AND product_id = ?",
			businessId, transfer.SourceBranchId, item.ProductId).
			First(&row).Error
		if err == nil {
			onHand = row.Quantity
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			tx.Rollback()
			return nil, err
		}
		if onHand < item.Qty {
			tx.Rollback()
			return nil, utils.Errf(utils.CodeInsufficientStock,
				"insufficient stock for product %d at branch %d: have %d, need %d",
				item.ProductId, transfer.SourceBranchId, onHand, item.Qty)
		}
	}

	if err := tx.Model(&InventoryTransfer{}).
		Where("id = ?", transfer.ID).
		Updates(map[string]interface{}{
			"current_status":      TransferStatusApproved,
			"approved_by_user_id": userId,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	transfer.CurrentStatus = TransferStatusApproved
	transfer.ApprovedByUserId = userId
	return transfer, nil
}

// ReceiveInventoryTransfer is the one step that moves stock: decrements every
// item at the source and increments it at the destination in a single
// transaction, then marks the transfer Received. Transient lock conflicts
// retry the whole transaction.
func ReceiveInventoryTransfer(ctx context.Context, id int) (*InventoryTransfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, err
	}
	allowNegative := utils.BoolValue(business.AllowNegativeStock)

	db := config.GetDB()

	var transfer *InventoryTransfer
	for attempt := 1; ; attempt++ {
		transfer, err = receiveTransferTx(db.WithContext(ctx), businessId, id, userId, allowNegative)
		if err != nil {
			if IsRetryableStockErr(err) && attempt < MaxStockRetries {
				continue
			}
			return nil, err
		}
		break
	}

	for _, item := range transfer.Items {
		InvalidateStockQtyCache(businessId, transfer.SourceBranchId, item.ProductId)
		InvalidateStockQtyCache(businessId, transfer.DestinationBranchId, item.ProductId)
	}
	return transfer, nil
}

func receiveTransferTx(db *gorm.DB, businessId string, id, userId int, allowNegative bool) (*InventoryTransfer, error) {

	tx := db.Begin()

	transfer, err := lockTransfer(tx, businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := guardTransferTransition(transfer, TransferStatusReceived); err != nil {
		tx.Rollback()
		return nil, err
	}

	outgoing := make([]StockAdjustmentItem, 0, len(transfer.Items))
	incoming := make([]StockAdjustmentItem, 0, len(transfer.Items))
	for _, item := range transfer.Items {
		outgoing = append(outgoing, StockAdjustmentItem{ProductId: item.ProductId, Delta: -item.Qty})
		incoming = append(incoming, StockAdjustmentItem{ProductId: item.ProductId, Delta: item.Qty})
	}

	reason := "transfer " + transfer.TransferNumber
	if err := BatchAdjustStock(tx, businessId, transfer.SourceBranchId, outgoing, allowNegative,
		reason, StockReferenceTypeTransfer, transfer.ID, userId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := BatchAdjustStock(tx, businessId, transfer.DestinationBranchId, incoming, true,
		reason, StockReferenceTypeTransfer, transfer.ID, userId); err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now()
	if err := tx.Model(&InventoryTransfer{}).
		Where("id = ?", transfer.ID).
		Updates(map[string]interface{}{
			"current_status":      TransferStatusReceived,
			"received_by_user_id": userId,
			"received_at":         now,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	transfer.CurrentStatus = TransferStatusReceived
	transfer.ReceivedByUserId = userId
	transfer.ReceivedAt = &now
	return transfer, nil
}

// CancelInventoryTransfer is legal only from Pending or Approved. No stock
// ever moved, so there is nothing to reverse.
func CancelInventoryTransfer(ctx context.Context, id int, reason string) (*InventoryTransfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	transfer, err := lockTransfer(tx, businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := guardTransferTransition(transfer, TransferStatusCancelled); err != nil {
		tx.Rollback()
		return nil, err
	}

	updates := map[string]interface{}{"current_status": TransferStatusCancelled}
	if reason != "" {
		updates["notes"] = reason
	}
	if err := tx.Model(&InventoryTransfer{}).Where("id = ?", transfer.ID).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	transfer.CurrentStatus = TransferStatusCancelled
	return transfer, nil
}

func GetInventoryTransfer(ctx context.Context, id int) (*InventoryTransfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var transfer InventoryTransfer
	err := db.WithContext(ctx).Preload("Items").
		Where("business_id = ? AND id = ?", businessId, id).
		First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &transfer, nil
}

func GetInventoryTransfers(ctx context.Context, branchId int, limit int) ([]*InventoryTransfer, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Preload("Items").Where("business_id = ?", businessId)
	if branchId > 0 {
		dbCtx = dbCtx.Where("source_branch_id = ? OR destination_branch_id = ?", branchId, branchId)
	}
	var transfers []*InventoryTransfer
	if err := dbCtx.Order("id DESC").Limit(limit).Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}
