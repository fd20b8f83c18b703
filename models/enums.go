package models

/*
Every state-machine field is an enum with one authoritative transition table.
Workflows must go through CanTransitionTo; a transition not listed here is a bug
in the caller, not a case to special-case.
*/

type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "Draft"
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusCompleted OrderStatus = "Completed"
	OrderStatusCancelled OrderStatus = "Cancelled"
	OrderStatusRefunded  OrderStatus = "Refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:     {OrderStatusPending, OrderStatusCancelled},
	OrderStatusPending:   {OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusCompleted: {OrderStatusRefunded},
	OrderStatusCancelled: {},
	OrderStatusRefunded:  {},
}

func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, t := range orderTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// IsEditable reports whether items may still be added/removed.
func (s OrderStatus) IsEditable() bool {
	return s == OrderStatusDraft || s == OrderStatusPending
}

type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "Pending"
	TransferStatusApproved  TransferStatus = "Approved"
	TransferStatusReceived  TransferStatus = "Received"
	TransferStatusCancelled TransferStatus = "Cancelled"
)

// Stock moves only on the Approved -> Received edge; Cancelled is reachable only
// while nothing has moved, so cancelling never needs a stock reversal.
var transferTransitions = map[TransferStatus][]TransferStatus{
	TransferStatusPending:   {TransferStatusApproved, TransferStatusCancelled},
	TransferStatusApproved:  {TransferStatusReceived, TransferStatusCancelled},
	TransferStatusReceived:  {},
	TransferStatusCancelled: {},
}

func (s TransferStatus) CanTransitionTo(to TransferStatus) bool {
	for _, t := range transferTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

type ShiftState string

const (
	ShiftStateOpen   ShiftState = "Open"
	ShiftStateClosed ShiftState = "Closed"
)

var shiftTransitions = map[ShiftState][]ShiftState{
	ShiftStateOpen:   {ShiftStateClosed},
	ShiftStateClosed: {},
}

func (s ShiftState) CanTransitionTo(to ShiftState) bool {
	for _, t := range shiftTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

type CashTransactionType string

const (
	CashTransactionTypeSale        CashTransactionType = "Sale"
	CashTransactionTypeRefund      CashTransactionType = "Refund"
	CashTransactionTypeDeposit     CashTransactionType = "Deposit"
	CashTransactionTypeWithdrawal  CashTransactionType = "Withdrawal"
	CashTransactionTypeAdjustment  CashTransactionType = "Adjustment"
	CashTransactionTypeTransferIn  CashTransactionType = "TransferIn"
	CashTransactionTypeTransferOut CashTransactionType = "TransferOut"
)

// Direction returns +1 for types that add to the register balance, -1 for types
// that take from it. Adjustment amounts are signed by the caller.
func (t CashTransactionType) Direction() int {
	switch t {
	case CashTransactionTypeSale, CashTransactionTypeDeposit, CashTransactionTypeTransferIn:
		return 1
	case CashTransactionTypeRefund, CashTransactionTypeWithdrawal, CashTransactionTypeTransferOut:
		return -1
	default:
		return 1
	}
}

func (t CashTransactionType) Valid() bool {
	switch t {
	case CashTransactionTypeSale, CashTransactionTypeRefund, CashTransactionTypeDeposit,
		CashTransactionTypeWithdrawal, CashTransactionTypeAdjustment,
		CashTransactionTypeTransferIn, CashTransactionTypeTransferOut:
		return true
	}
	return false
}

// CashReferenceType tags what a cash register entry points at. Modeled as a
// closed enum rather than a free string pair so references stay queryable.
type CashReferenceType string

const (
	CashReferenceTypeOrder           CashReferenceType = "Order"
	CashReferenceTypePurchaseInvoice CashReferenceType = "PurchaseInvoice"
	CashReferenceTypeExpense         CashReferenceType = "Expense"
	CashReferenceTypeTransfer        CashReferenceType = "Transfer"
)

type StockReferenceType string

const (
	StockReferenceTypeOrder      StockReferenceType = "ORD"
	StockReferenceTypeRefund     StockReferenceType = "RFD"
	StockReferenceTypeAdjustment StockReferenceType = "ADJ"
	StockReferenceTypeTransfer   StockReferenceType = "TRF"
)

type PaymentMethod string

const (
	PaymentMethodCash   PaymentMethod = "Cash"
	PaymentMethodCard   PaymentMethod = "Card"
	PaymentMethodMobile PaymentMethod = "Mobile"
	PaymentMethodCredit PaymentMethod = "Credit"
)

// IsCashEquivalent reports whether a payment lands in the physical drawer and
// therefore produces a Sale cash register transaction and counts toward the
// shift's expected cash balance.
func (m PaymentMethod) IsCashEquivalent() bool {
	return m == PaymentMethodCash
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodMobile, PaymentMethodCredit:
		return true
	}
	return false
}
