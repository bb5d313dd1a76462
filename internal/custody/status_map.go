package custody

import "github.com/cedarpay/fx-ledger/internal/model"

// statusSettled is not a transaction status: settled payment callbacks only
// stamp the ledger entry's settled_at.
const statusSettled model.TxStatus = "SETTLED"

// paymentStatusMap is the fixed lookup from provider payment status strings
// to internal statuses. Unknown strings are acknowledged without processing.
var paymentStatusMap = map[string]model.TxStatus{
	"submitted":     model.StatusPending,
	"pending":       model.StatusPending,
	"pending_trade": model.StatusPending,
	"posted":        model.StatusProcessing,
	"retried":       model.StatusProcessing,
	"settled":       statusSettled,
	"cancelled":     model.StatusCancelled,
	"failed":        model.StatusFailed,
	"returned":      model.StatusFailed,
	"rejected":      model.StatusFailed,
}
