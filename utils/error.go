package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// Stable machine-readable business error codes. API clients switch on these;
// messages are free to change, codes are not.
const (
	CodeValidationFailed         = "VALIDATION_FAILED"
	CodeRecordNotFound           = "RECORD_NOT_FOUND"
	CodeNoOpenShift              = "NO_OPEN_SHIFT"
	CodeShiftAlreadyOpen         = "SHIFT_ALREADY_OPEN"
	CodeShiftNotOpen             = "SHIFT_NOT_OPEN"
	CodeShiftConcurrencyConflict = "SHIFT_CONCURRENCY_CONFLICT"
	CodeStockConcurrencyConflict = "STOCK_CONCURRENCY_CONFLICT"
	CodeInsufficientStock        = "INSUFFICIENT_STOCK"
	CodeProductInactive          = "PRODUCT_INACTIVE"
	CodeOrderEmpty               = "ORDER_EMPTY"
	CodeOrderNotEditable         = "ORDER_NOT_EDITABLE"
	CodeOrderInvalidState        = "ORDER_INVALID_STATE"
	CodePaymentInsufficient      = "PAYMENT_INSUFFICIENT"
	CodeTransferInvalidState     = "TRANSFER_INVALID_STATE"
	CodeRefundInvalidItems       = "REFUND_INVALID_ITEMS"
)

// BizError is a business-rule violation with a stable code. It is raised before
// any side effect so a failed operation never leaves partial state.
type BizError struct {
	Code    string
	Message string
}

func (e *BizError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Errf(code string, format string, args ...any) error {
	return &BizError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the stable code from err, or "" for non-business errors.
func ErrorCode(err error) string {
	var be *BizError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// IsConflict reports whether err is an optimistic-concurrency conflict. Callers
// should retry with fresh state rather than treat it as a validation failure.
func IsConflict(err error) bool {
	switch ErrorCode(err) {
	case CodeShiftConcurrencyConflict, CodeStockConcurrencyConflict:
		return true
	}
	return false
}
