package model

// TxStatus is the lifecycle status shared by transactions and ledger entries.
type TxStatus string

const (
	StatusInitiated  TxStatus = "INITIATED"
	StatusPending    TxStatus = "PENDING"
	StatusProcessing TxStatus = "PROCESSING"
	// StatusReconcile marks a placeholder transaction created when a
	// destination-leg callback arrived before its source leg existed.
	StatusReconcile TxStatus = "RECONCILE"
	StatusCompleted TxStatus = "COMPLETED"
	StatusFailed    TxStatus = "FAILED"
	StatusCancelled TxStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are expected.
func (s TxStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is allowed.
// The only hard rule is that COMPLETED never regresses; a COMPLETED→COMPLETED
// transition is allowed so duplicate callbacks can be detected by the caller
// rather than rejected here.
func (s TxStatus) CanTransition(next TxStatus) bool {
	if s == StatusCompleted {
		return next == StatusCompleted
	}
	return true
}

// Transaction types.
const (
	TypeDeposit    = "DEPOSIT"
	TypeWithdrawal = "WITHDRAWAL"
	TypeTransfer   = "TRANSFER"
	TypeExchange   = "EXCHANGE"
)
