package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Shift is one cash custody period: a cashier holding a branch's drawer. A user
// holds at most one open shift per branch; different cashiers may hold open
// shifts at the same branch at the same time. Version is a CAS stamp bumped on
// every write; a stale writer fails with SHIFT_CONCURRENCY_CONFLICT.
type Shift struct {
	ID                   int             `gorm:"primary_key" json:"id"`
	BusinessId           string          `gorm:"index;not null" json:"business_id"`
	BranchId             int             `gorm:"index;not null" json:"branch_id"`
	UserId               int             `gorm:"index;not null" json:"user_id"`
	CurrentState         ShiftState      `gorm:"type:enum('Open','Closed');default:'Open'" json:"current_state"`
	OpeningBalance       decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"opening_balance"`
	TotalCash            decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"total_cash"`
	TotalCard            decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"total_card"`
	ExpectedBalance      decimal.Decimal `gorm:"type:decimal(20,8)" json:"expected_balance"`
	ActualClosingBalance decimal.Decimal `gorm:"type:decimal(20,8)" json:"actual_closing_balance"`
	Difference           decimal.Decimal `gorm:"type:decimal(20,8)" json:"difference"`
	IsForceClosed        *bool           `gorm:"default:false" json:"is_force_closed"`
	ClosedByUserId       int             `json:"closed_by_user_id"`
	Notes                string          `gorm:"size:255" json:"notes"`
	Version              int             `gorm:"not null;default:0" json:"version"`
	OpenedAt             time.Time       `gorm:"autoCreateTime" json:"opened_at"`
	LastActivityAt       time.Time       `json:"last_activity_at"`
	ClosedAt             *time.Time      `json:"closed_at"`
}

type NewShift struct {
	BranchId       int             `json:"branch_id" binding:"required"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Notes          string          `json:"notes"`
}

type CloseShiftInput struct {
	ActualClosingBalance decimal.Decimal `json:"actual_closing_balance"`
	Notes                string          `json:"notes"`
}

// openShiftTx creates the shift inside the caller's transaction. The branch
// row is locked first so two concurrent opens by the same user serialize and
// the loser sees the winner's open shift.
func openShiftTx(tx *gorm.DB, businessId string, input *NewShift, userId int) (*Shift, error) {

	if input.OpeningBalance.IsNegative() {
		return nil, utils.Errf(utils.CodeValidationFailed, "opening balance cannot be negative")
	}

	var branch Branch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, input.BranchId).
		First(&branch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("branch not found")
		}
		return nil, err
	}

	var openCount int64
	err = tx.Model(&Shift{}).
		Where("business_id = ? AND branch_id = ? AND user_id = ? AND current_state = ?",
			businessId, input.BranchId, userId, ShiftStateOpen).
		Count(&openCount).Error
	if err != nil {
		return nil, err
	}
	if openCount > 0 {
		return nil, utils.Errf(utils.CodeShiftAlreadyOpen, "user %d already has an open shift at branch %d", userId, input.BranchId)
	}

	shift := Shift{
		BusinessId:     businessId,
		BranchId:       input.BranchId,
		UserId:         userId,
		CurrentState:   ShiftStateOpen,
		OpeningBalance: utils.RoundAmount(input.OpeningBalance),
		TotalCash:      decimal.Zero,
		TotalCard:      decimal.Zero,
		IsForceClosed:  utils.NewFalse(),
		Notes:          input.Notes,
		LastActivityAt: time.Now(),
	}
	if err := tx.Create(&shift).Error; err != nil {
		return nil, err
	}
	return &shift, nil
}

func OpenShift(ctx context.Context, input *NewShift) (*Shift, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	shift, err := openShiftTx(tx, businessId, input, userId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return shift, nil
}

// GetOpenShift returns the acting cashier's open shift at the branch, or
// NO_OPEN_SHIFT.
func GetOpenShift(ctx context.Context, branchId int) (*Shift, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	return GetOpenShiftTx(db.WithContext(ctx), businessId, branchId, userId, false)
}

func GetOpenShiftTx(tx *gorm.DB, businessId string, branchId, userId int, forUpdate bool) (*Shift, error) {
	dbCtx := tx
	if forUpdate {
		dbCtx = dbCtx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var shift Shift
	err := dbCtx.
		Where("business_id = ? AND branch_id = ? AND user_id = ? AND current_state = ?",
			businessId, branchId, userId, ShiftStateOpen).
		First(&shift).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errf(utils.CodeNoOpenShift, "user %d has no open shift at branch %d", userId, branchId)
		}
		return nil, err
	}
	return &shift, nil
}

func GetShift(ctx context.Context, id int) (*Shift, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Shift](ctx, businessId, id)
}

// RecordShiftActivity stamps LastActivityAt. Called by every sale and cash
// movement; an external inactivity warning derives idle hours from the
// timestamp. CAS keeps a concurrent close from being silently overwritten.
func RecordShiftActivity(tx *gorm.DB, shift *Shift) error {
	res := tx.Model(&Shift{}).
		Where("id = ? AND version = ? AND current_state = ?", shift.ID, shift.Version, ShiftStateOpen).
		Updates(map[string]interface{}{
			"last_activity_at": time.Now(),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.Errf(utils.CodeShiftConcurrencyConflict, "shift %d was modified concurrently", shift.ID)
	}
	shift.Version++
	return nil
}

// ApplyShiftSale accumulates a completed order's payment split onto the open
// shift's running totals. Runs inside the completion transaction under CAS.
func ApplyShiftSale(tx *gorm.DB, shift *Shift, cashAmount, cardAmount decimal.Decimal) error {
	res := tx.Model(&Shift{}).
		Where("id = ? AND version = ? AND current_state = ?", shift.ID, shift.Version, ShiftStateOpen).
		Updates(map[string]interface{}{
			"total_cash":       gorm.Expr("total_cash + ?", cashAmount),
			"total_card":       gorm.Expr("total_card + ?", cardAmount),
			"last_activity_at": time.Now(),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.Errf(utils.CodeShiftConcurrencyConflict, "shift %d was modified concurrently", shift.ID)
	}
	shift.Version++
	return nil
}

// shiftExpectedBalance recomputes OpeningBalance + Σ(cash-method payments of
// orders tied to the shift) from the orders themselves. Derived at close, not
// trusted from the running accumulator, so drift cannot survive a close.
func shiftExpectedBalance(tx *gorm.DB, businessId string, shift *Shift) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := tx.Model(&OrderPayment{}).
		Select("SUM(order_payments.amount)").
		Joins("JOIN orders ON orders.id = order_payments.order_id").
		Where("orders.business_id = ? AND orders.shift_id = ?", businessId, shift.ID).
		Where("order_payments.method = ?", PaymentMethodCash).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	if total.Valid {
		sum = total.Decimal
	}
	return utils.RoundAmount(shift.OpeningBalance.Add(sum)), nil
}

func closeShiftTx(tx *gorm.DB, businessId string, shiftId int, input *CloseShiftInput, userId int, force bool) (*Shift, error) {

	var shift Shift
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, shiftId).
		First(&shift).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if !shift.CurrentState.CanTransitionTo(ShiftStateClosed) {
		return nil, utils.Errf(utils.CodeShiftNotOpen, "shift %d is already closed", shiftId)
	}
	if input.ActualClosingBalance.IsNegative() {
		return nil, utils.Errf(utils.CodeValidationFailed, "actual closing balance cannot be negative")
	}

	expected, err := shiftExpectedBalance(tx, businessId, &shift)
	if err != nil {
		return nil, err
	}
	actual := utils.RoundAmount(input.ActualClosingBalance)
	difference := utils.RoundAmount(actual.Sub(expected))

	now := time.Now()
	updates := map[string]interface{}{
		"current_state":          ShiftStateClosed,
		"closed_by_user_id":      userId,
		"actual_closing_balance": actual,
		"expected_balance":       expected,
		"difference":             difference,
		"closed_at":              now,
		"version":                gorm.Expr("version + 1"),
	}
	if force {
		updates["is_force_closed"] = true
	}
	if input.Notes != "" {
		updates["notes"] = input.Notes
	}

	res := tx.Model(&Shift{}).
		Where("id = ? AND version = ?", shift.ID, shift.Version).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, utils.Errf(utils.CodeShiftConcurrencyConflict, "shift %d was modified concurrently", shift.ID)
	}

	shift.CurrentState = ShiftStateClosed
	shift.ClosedByUserId = userId
	shift.ActualClosingBalance = actual
	shift.ExpectedBalance = expected
	shift.Difference = difference
	shift.ClosedAt = &now
	if force {
		shift.IsForceClosed = utils.NewTrue()
	}
	shift.Version++
	return &shift, nil
}

// CloseShift reconciles and closes the shift. Difference is actual minus
// expected and is recorded as-is; a nonzero difference never blocks the close.
func CloseShift(ctx context.Context, shiftId int, input *CloseShiftInput) (*Shift, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	shift, err := closeShiftTx(tx, businessId, shiftId, input, userId, false)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return shift, nil
}

// ForceCloseShift is the admin override for abandoned shifts. Same
// reconciliation math as a normal close, but a reason is mandatory and the
// shift is flagged so reports can separate routine closes from forced ones.
func ForceCloseShift(ctx context.Context, shiftId int, input *CloseShiftInput) (*Shift, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !utils.GetIsAdminFromContext(ctx) {
		return nil, errors.New("force close requires admin role")
	}
	if input.Notes == "" {
		return nil, utils.Errf(utils.CodeValidationFailed, "force close requires a reason")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	shift, err := closeShiftTx(tx, businessId, shiftId, input, userId, true)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return shift, nil
}

// HandoverShift reassigns an open shift to another cashier without closing
// it. Custody moves, the drawer and its running totals do not. Fails if the
// receiving user already holds an open shift at the branch.
func HandoverShift(ctx context.Context, shiftId int, toUserId int) (*Shift, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if toUserId <= 0 {
		return nil, utils.Errf(utils.CodeValidationFailed, "receiving user is required")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	var shift Shift
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, shiftId).
		First(&shift).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if shift.CurrentState != ShiftStateOpen {
		return nil, rollbackWith(tx, utils.Errf(utils.CodeShiftConcurrencyConflict, "shift %d is not open", shiftId))
	}
	if shift.UserId == toUserId {
		return nil, rollbackWith(tx, utils.Errf(utils.CodeValidationFailed, "shift %d already belongs to user %d", shiftId, toUserId))
	}

	var openCount int64
	err = tx.Model(&Shift{}).
		Where("business_id = ? AND branch_id = ? AND user_id = ? AND current_state = ?",
			businessId, shift.BranchId, toUserId, ShiftStateOpen).
		Count(&openCount).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if openCount > 0 {
		return nil, rollbackWith(tx, utils.Errf(utils.CodeShiftAlreadyOpen, "user %d already has an open shift at branch %d", toUserId, shift.BranchId))
	}

	res := tx.Model(&Shift{}).
		Where("id = ? AND version = ?", shift.ID, shift.Version).
		Updates(map[string]interface{}{
			"user_id":          toUserId,
			"last_activity_at": time.Now(),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, rollbackWith(tx, utils.Errf(utils.CodeShiftConcurrencyConflict, "shift %d was modified concurrently", shift.ID))
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	shift.UserId = toUserId
	shift.Version++
	return &shift, nil
}

func rollbackWith(tx *gorm.DB, err error) error {
	tx.Rollback()
	return err
}

// GetShifts lists shifts at a branch, newest first.
func GetShifts(ctx context.Context, branchId int, limit int) ([]*Shift, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	db := config.GetDB()
	var shifts []*Shift
	err := db.WithContext(ctx).
		Where("business_id = ? AND branch_id = ?", businessId, branchId).
		Order("opened_at DESC").
		Limit(limit).
		Find(&shifts).Error
	if err != nil {
		return nil, err
	}
	return shifts, nil
}
