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
	"gorm.io/gorm/clause"
)

// CashRegisterTransaction is one append-only entry in a branch's drawer
// ledger. Entries are immutable once written; corrections are new Adjustment
// entries. BalanceBefore/BalanceAfter chain into a per-branch running total.
type CashRegisterTransaction struct {
	ID              int                 `gorm:"primary_key" json:"id"`
	BusinessId      string              `gorm:"index;not null" json:"business_id"`
	BranchId        int                 `gorm:"index;not null" json:"branch_id"`
	ShiftId         *int                `gorm:"index" json:"shift_id"`
	TransactionType CashTransactionType `gorm:"type:enum('Sale','Refund','Deposit','Withdrawal','Adjustment','TransferIn','TransferOut');not null" json:"transaction_type"`
	Amount          decimal.Decimal     `gorm:"type:decimal(20,8);not null" json:"amount"`
	BalanceBefore   decimal.Decimal     `gorm:"type:decimal(20,8);not null" json:"balance_before"`
	BalanceAfter    decimal.Decimal     `gorm:"type:decimal(20,8);not null" json:"balance_after"`
	Description     string              `gorm:"size:255" json:"description"`
	ReferenceType   CashReferenceType   `gorm:"type:enum('Order','PurchaseInvoice','Expense','Transfer');default:null" json:"reference_type"`
	ReferenceId     string              `gorm:"size:64;index" json:"reference_id"`
	CreatedByUserId int                 `json:"created_by_user_id"`
	CreatedAt       time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

type NewCashTransaction struct {
	BranchId        int                 `json:"branch_id" binding:"required"`
	ShiftId         *int                `json:"shift_id"`
	TransactionType CashTransactionType `json:"transaction_type" binding:"required"`
	Amount          decimal.Decimal     `json:"amount"`
	Description     string              `json:"description"`
	ReferenceType   CashReferenceType   `json:"reference_type"`
	ReferenceId     string              `json:"reference_id"`
}

// LockBranchRow serializes drawer writes for one branch. Every path that
// appends to the ledger locks the branch row first, so the running balance
// chain never forks.
func LockBranchRow(tx *gorm.DB, businessId string, branchId int) (*Branch, error) {
	var branch Branch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, branchId).
		First(&branch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("branch not found")
		}
		return nil, err
	}
	return &branch, nil
}

// RecordCashTransactionTx appends one entry inside the caller's transaction.
// The caller must hold the branch row lock. Sale/Deposit/TransferIn add,
// Refund/Withdrawal/TransferOut subtract; Adjustment amounts arrive signed.
func RecordCashTransactionTx(tx *gorm.DB, businessId string, input *NewCashTransaction, userId int) (*CashRegisterTransaction, error) {

	if !input.TransactionType.Valid() {
		return nil, utils.Errf(utils.CodeValidationFailed, "unknown cash transaction type %q", input.TransactionType)
	}
	if input.TransactionType == CashTransactionTypeAdjustment {
		if input.Amount.IsZero() {
			return nil, utils.Errf(utils.CodeValidationFailed, "adjustment amount cannot be zero")
		}
	} else if !input.Amount.IsPositive() {
		return nil, utils.Errf(utils.CodeValidationFailed, "amount must be positive")
	}

	var last CashRegisterTransaction
	balanceBefore := decimal.Zero
	err := tx.Where("business_id = ? AND branch_id = ?", businessId, input.BranchId).
		Order("id DESC").
		First(&last).Error
	if err == nil {
		balanceBefore = last.BalanceAfter
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	amount := utils.RoundAmount(input.Amount)
	signed := amount.Mul(decimal.NewFromInt(int64(input.TransactionType.Direction())))
	entry := CashRegisterTransaction{
		BusinessId:      businessId,
		BranchId:        input.BranchId,
		ShiftId:         input.ShiftId,
		TransactionType: input.TransactionType,
		Amount:          amount,
		BalanceBefore:   balanceBefore,
		BalanceAfter:    utils.RoundAmount(balanceBefore.Add(signed)),
		Description:     input.Description,
		ReferenceType:   input.ReferenceType,
		ReferenceId:     input.ReferenceId,
		CreatedByUserId: userId,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// RecordCashTransaction is the public entry point for manual drawer movements
// (deposits, withdrawals, corrections). Sale and Refund entries are normally
// written by order completion and refund, but are not rejected here.
func RecordCashTransaction(ctx context.Context, input *NewCashTransaction) (*CashRegisterTransaction, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	if _, err := LockBranchRow(tx, businessId, input.BranchId); err != nil {
		tx.Rollback()
		return nil, err
	}

	entry, err := RecordCashTransactionTx(tx, businessId, input, userId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if input.ShiftId != nil {
		var shift Shift
		if err := tx.Where("business_id = ? AND id = ?", businessId, *input.ShiftId).
			First(&shift).Error; err != nil {
			tx.Rollback()
			return nil, errors.New("shift not found")
		}
		if err := RecordShiftActivity(tx, &shift); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// ReconcileShift compares the counted drawer amount against the ledger-derived
// balance for a shift and, when they differ, appends one signed Adjustment
// entry for the variance. Nothing is edited in place.
func ReconcileShift(ctx context.Context, shiftId int, actualBalance decimal.Decimal) (*CashRegisterTransaction, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if actualBalance.IsNegative() {
		return nil, utils.Errf(utils.CodeValidationFailed, "actual balance cannot be negative")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	var shift Shift
	if err := tx.Where("business_id = ? AND id = ?", businessId, shiftId).
		First(&shift).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	if _, err := LockBranchRow(tx, businessId, shift.BranchId); err != nil {
		tx.Rollback()
		return nil, err
	}

	var total decimal.NullDecimal
	err := tx.Model(&CashRegisterTransaction{}).
		Select("SUM(amount * IF(transaction_type IN ('Sale','Deposit','TransferIn'), 1, IF(transaction_type = 'Adjustment', 1, -1)))").
		Where("business_id = ? AND shift_id = ?", businessId, shiftId).
		Scan(&total).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	ledgerSum := decimal.Zero
	if total.Valid {
		ledgerSum = total.Decimal
	}
	expected := utils.RoundAmount(shift.OpeningBalance.Add(ledgerSum))
	variance := utils.RoundAmount(utils.RoundAmount(actualBalance).Sub(expected))

	if variance.IsZero() {
		tx.Rollback()
		return nil, nil
	}

	entry, err := RecordCashTransactionTx(tx, businessId, &NewCashTransaction{
		BranchId:        shift.BranchId,
		ShiftId:         &shift.ID,
		TransactionType: CashTransactionTypeAdjustment,
		Amount:          variance,
		Description:     "shift reconciliation variance",
	}, userId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// TransferCash moves cash between two branch drawers: a TransferOut at the
// source and a TransferIn at the destination, written in one transaction and
// sharing a generated transfer reference so they are always correlated.
func TransferCash(ctx context.Context, fromBranchId, toBranchId int, amount decimal.Decimal, description string) (string, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return "", errors.New("business id is required")
	}
	if fromBranchId == toBranchId {
		return "", utils.Errf(utils.CodeValidationFailed, "source and destination branch must differ")
	}
	if !amount.IsPositive() {
		return "", utils.Errf(utils.CodeValidationFailed, "transfer amount must be positive")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	// lock both branch rows in id order to keep lock acquisition deadlock-free
	first, second := fromBranchId, toBranchId
	if second < first {
		first, second = second, first
	}
	if _, err := LockBranchRow(tx, businessId, first); err != nil {
		tx.Rollback()
		return "", err
	}
	if _, err := LockBranchRow(tx, businessId, second); err != nil {
		tx.Rollback()
		return "", err
	}

	transferRef := uuid.NewString()
	_, err := RecordCashTransactionTx(tx, businessId, &NewCashTransaction{
		BranchId:        fromBranchId,
		TransactionType: CashTransactionTypeTransferOut,
		Amount:          amount,
		Description:     description,
		ReferenceType:   CashReferenceTypeTransfer,
		ReferenceId:     transferRef,
	}, userId)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	_, err = RecordCashTransactionTx(tx, businessId, &NewCashTransaction{
		BranchId:        toBranchId,
		TransactionType: CashTransactionTypeTransferIn,
		Amount:          amount,
		Description:     description,
		ReferenceType:   CashReferenceTypeTransfer,
		ReferenceId:     transferRef,
	}, userId)
	if err != nil {
		tx.Rollback()
		return "", err
	}

	if err := tx.Commit().Error; err != nil {
		return "", err
	}
	return transferRef, nil
}

// GetCashTransactions lists a branch's ledger entries, newest first.
func GetCashTransactions(ctx context.Context, branchId int, limit int) ([]*CashRegisterTransaction, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	db := config.GetDB()
	var entries []*CashRegisterTransaction
	err := db.WithContext(ctx).
		Where("business_id = ? AND branch_id = ?", businessId, branchId).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
