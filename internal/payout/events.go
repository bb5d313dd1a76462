package payout

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Event is the payout provider's callback envelope. Event names are dotted;
// the prefix is the category.
type Event struct {
	Event      string `json:"event"`
	SequenceID string `json:"sequence_id"`
	// Reference correlates back to the source-leg transaction.
	Reference string `json:"reference"`
	// DepositReference is the on-chain correlation id for settlement events;
	// it matches the deposit placeholder the custody side may have created.
	DepositReference string          `json:"deposit_reference,omitempty"`
	VirtualAccountID string          `json:"virtual_account_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
}

// Event categories.
const (
	CategoryPayment    = "payment"
	CategoryCollection = "collection"
	CategorySettlement = "settlement"
)

// Category returns the dotted prefix; Action the remainder.
func (e *Event) Category() string {
	if i := strings.Index(e.Event, "."); i >= 0 {
		return e.Event[:i]
	}
	return e.Event
}

func (e *Event) Action() string {
	if i := strings.Index(e.Event, "."); i >= 0 {
		return e.Event[i+1:]
	}
	return ""
}

// PaymentRequest is the provider's view of one outbound payment.
type PaymentRequest struct {
	SequenceID string
	Reference  string
	Amount     int64
	Currency   string
	Status     string
	// Balance is the provider-reported running credit balance after this
	// payment, in smallest currency units.
	Balance decimal.Decimal
}

// TransferRequest simulates the settlement transfer outside production.
type TransferRequest struct {
	Reference string
	Amount    int64
	Currency  string
}

// Client is the payout provider API surface the state machine needs.
type Client interface {
	GetPaymentRequest(ctx context.Context, sequenceID string) (*PaymentRequest, error)
	CreateTransfer(ctx context.Context, req TransferRequest) error
}

// AccountScheduler defers deletion of a payout virtual account.
type AccountScheduler interface {
	ScheduleDeletion(ctx context.Context, accountID string, after time.Duration) error
}
