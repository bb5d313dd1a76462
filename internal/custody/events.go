package custody

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Balance movement types delivered by the custody provider.
const (
	MovementFinalSettlement            = "final_settlement"
	MovementFinalSettlementOutstanding = "final_settlement_outstanding"
	MovementTransfer                   = "transfer"
	MovementWithdrawalPending          = "withdrawal_pending"
	MovementWithdrawalConfirmed        = "withdrawal_confirmed"
	MovementDeposit                    = "deposit"
)

// BalanceMovement is one movement in a custody callback. The correlation id
// populated depends on the movement type.
type BalanceMovement struct {
	Type                string          `json:"type"`
	TradeID             string          `json:"trade_id,omitempty"`
	TransferRequestID   string          `json:"transfer_request_id,omitempty"`
	WithdrawalRequestID string          `json:"withdrawal_request_id,omitempty"`
	DepositReferenceID  string          `json:"deposit_reference_id,omitempty"`
	// Change is the signed movement amount in smallest currency units.
	Change decimal.Decimal `json:"change"`
	// Balance is the authoritative reported balance, only meaningful for
	// final settlement movements.
	Balance decimal.Decimal `json:"balance,omitempty"`
}

// MovementEvent is the typed envelope for balance-movement callbacks.
type MovementEvent struct {
	EventType string            `json:"event_type"`
	UserID    uint64            `json:"user_id"`
	Currency  string            `json:"currency"`
	CreatedAt time.Time         `json:"created_at"`
	Movements []BalanceMovement `json:"movements"`
}

// PaymentStatusEvent is the envelope of the payment_status_changed stream.
type PaymentStatusEvent struct {
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WithdrawalRequest is the provider's view of one withdrawal.
type WithdrawalRequest struct {
	ID       string
	Amount   int64
	Currency string
	Status   string
}

// Withdrawal request statuses reported by the provider API.
const (
	WithdrawalStatusPending   = "pending"
	WithdrawalStatusConfirmed = "confirmed"
	WithdrawalStatusSettled   = "settled"
)

// TransferRequest is the provider's view of one external top-up transfer.
type TransferRequest struct {
	ID       string
	UserID   uint64
	Amount   int64
	Currency string
}

// Client is the custody provider API surface the state machine needs.
type Client interface {
	GetWithdrawalRequest(ctx context.Context, id string) (*WithdrawalRequest, error)
	GetTransferRequest(ctx context.Context, id string) (*TransferRequest, error)
}
