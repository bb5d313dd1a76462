// Package payout is the state machine for the NGN payout/collection
// provider's callbacks. It drives the destination leg of USD→NGN exchanges
// and can independently start the inbound leg of NGN→USD exchanges.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cedarpay/fx-ledger/internal/errs"
	"github.com/cedarpay/fx-ledger/internal/exchange"
	"github.com/cedarpay/fx-ledger/internal/ledger"
	"github.com/cedarpay/fx-ledger/internal/model"
	"github.com/cedarpay/fx-ledger/internal/rates"
	"github.com/cedarpay/fx-ledger/internal/repo"
)

// accountDeletionGrace is how long a failed exchange's virtual account
// survives before deletion.
const accountDeletionGrace = 7 * 24 * time.Hour

// Config tunes the payout state machine.
type Config struct {
	Production bool
	// Provider is the rate-config provider key.
	Provider string
	// SourceCurrency/DestinationCurrency describe the NGN→USD inbound pair.
	SourceCurrency      string
	DestinationCurrency string
	// DestinationRetries bounds update-or-create attempts on the destination
	// leg; production tolerates more to absorb provider processing lag.
	DestinationRetries int
	RetryDelay         time.Duration
}

// Handler consumes payout callbacks.
type Handler struct {
	repo      *repo.Repository
	engine    *ledger.Engine
	rates     *rates.Service
	orch      *exchange.Orchestrator
	client    Client
	scheduler AccountScheduler
	cfg       Config
	log       *zap.SugaredLogger
}

func NewHandler(r *repo.Repository, engine *ledger.Engine, rateSvc *rates.Service, orch *exchange.Orchestrator, client Client, scheduler AccountScheduler, cfg Config, log *zap.SugaredLogger) *Handler {
	if cfg.DestinationRetries == 0 {
		cfg.DestinationRetries = 3
		if cfg.Production {
			cfg.DestinationRetries = 10
		}
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.SourceCurrency == "" {
		cfg.SourceCurrency = "NGN"
	}
	if cfg.DestinationCurrency == "" {
		cfg.DestinationCurrency = "USD"
	}
	return &Handler{repo: r, engine: engine, rates: rateSvc, orch: orch, client: client, scheduler: scheduler, cfg: cfg, log: log}
}

// HandleEvent routes one callback by its dotted category. Unknown
// categories are acknowledged without processing.
func (h *Handler) HandleEvent(ctx context.Context, evt *Event) error {
	switch evt.Category() {
	case CategoryPayment:
		return h.handlePayment(ctx, evt)
	case CategoryCollection:
		return h.handleCollection(ctx, evt)
	case CategorySettlement:
		return h.handleSettlement(ctx, evt)
	default:
		h.log.Infow("unknown event category acknowledged", "event", evt.Event)
		return nil
	}
}

func (h *Handler) handlePayment(ctx context.Context, evt *Event) error {
	switch evt.Action() {
	case "complete":
		return h.paymentComplete(ctx, evt)
	case "failed":
		return h.paymentTerminalFailure(ctx, evt, model.StatusFailed)
	case "cancelled", "expired":
		return h.paymentTerminalFailure(ctx, evt, model.StatusCancelled)
	default:
		h.log.Infow("unknown payment action acknowledged", "event", evt.Event)
		return nil
	}
}

func (h *Handler) handleCollection(ctx context.Context, evt *Event) error {
	switch evt.Action() {
	case "settlement.complete":
		return h.collectionSettlementComplete(ctx, evt)
	case "complete":
		return h.orch.CompleteCollection(ctx, evt.Reference)
	case "failed":
		return h.orch.FailCollection(ctx, evt.Reference, model.StatusFailed)
	case "cancelled":
		return h.orch.FailCollection(ctx, evt.Reference, model.StatusCancelled)
	default:
		h.log.Infow("unknown collection action acknowledged", "event", evt.Event)
		return nil
	}
}

// handleSettlement records confirmed provider settlement; this is the only
// path that increases the float wallet's credit balance.
func (h *Handler) handleSettlement(ctx context.Context, evt *Event) error {
	if evt.Action() != "complete" {
		h.log.Infow("unknown settlement action acknowledged", "event", evt.Event)
		return nil
	}
	amount := evt.Amount.IntPart()
	if amount <= 0 {
		return nil
	}
	return h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		float, err := h.repo.GetProviderFloatWallet(ctx, uow, evt.Currency)
		if err != nil {
			return err
		}
		return h.repo.UpdateWalletBalance(ctx, uow, float.ID, float.Balance, float.CreditBalance+amount, float.Version)
	})
}

// paymentComplete confirms the NGN disbursement for a USD→NGN exchange. If
// the custody side's own confirmation has not arrived yet, the source leg
// is completed through the reconciliation helper first, so the two
// callbacks can arrive in either order.
func (h *Handler) paymentComplete(ctx context.Context, evt *Event) error {
	parent, err := h.lookupParent(ctx, evt.Reference)
	if err != nil {
		return err
	}

	return h.orch.WithExchangeLock(ctx, parent.ID, func(ctx context.Context) error {
		// Re-read after lock acquisition; never trust a pre-lock snapshot.
		parent, err := h.lookupParent(ctx, evt.Reference)
		if err != nil {
			return err
		}
		if !parent.Status.Terminal() {
			if err := h.orch.EnsureSourceCompleted(ctx, parent); err != nil {
				return err
			}
			if parent, err = h.lookupParent(ctx, evt.Reference); err != nil {
				return err
			}
		}

		h.reconcileFloatBalance(ctx, evt)

		return h.progressDestination(ctx, parent, evt)
	})
}

// progressDestination updates, or creates with bounded retry, the
// destination-leg transaction and moves it to PROCESSING.
func (h *Handler) progressDestination(ctx context.Context, parent *model.Transaction, evt *Event) error {
	var lastErr error
	for i := 0; i < h.cfg.DestinationRetries; i++ {
		lastErr = h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
			txn, entry, err := h.orch.CreateOrReconcileDestination(ctx, uow, parent, parent.Reference, evt.Amount.IntPart(), evt.Currency)
			if err != nil {
				return err
			}
			if txn.Status.Terminal() {
				return nil
			}
			// Deduct the float credit exactly once per destination leg; a
			// redelivered callback finds the flag and skips.
			if _, deducted := txn.Metadata["float_deducted"]; !deducted {
				if err := h.deductFloatCredit(ctx, uow, evt.Currency, evt.Amount.IntPart()); err != nil {
					return err
				}
				txn.Metadata = txn.Metadata.Merge(model.Metadata{"float_deducted": true})
			}
			txn.Status = model.StatusProcessing
			txn.RecordCallback("payout", evt.Event, evt.SequenceID)
			if err := h.repo.SaveTransaction(ctx, uow, txn); err != nil {
				return err
			}
			entry.Status = model.StatusProcessing
			if ref := evt.SequenceID; ref != "" && entry.ProviderReference == nil {
				entry.ProviderReference = &ref
			}
			if err := h.repo.SaveLedgerEntry(ctx, uow, entry); err != nil {
				return err
			}
			return h.orch.EmitStatusChanged(ctx, uow, txn)
		})
		if lastErr == nil {
			return nil
		}
		h.log.Warnw("destination update failed, retrying",
			"parent_id", parent.ID, "attempt", i+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.RetryDelay):
		}
	}
	return lastErr
}

// paymentTerminalFailure marks the destination leg failed or cancelled; when
// none exists yet it synthesizes one from the current rate configuration so
// accounting remains complete. The associated virtual account is scheduled
// for deletion after a grace period.
func (h *Handler) paymentTerminalFailure(ctx context.Context, evt *Event, status model.TxStatus) error {
	defer h.scheduleAccountDeletion(ctx, evt.VirtualAccountID)

	err := h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		child, err := h.repo.GetTransactionByExternalReference(ctx, uow, evt.Reference)
		if err != nil {
			return err
		}
		if child.Status == model.StatusCompleted {
			return nil
		}
		child.Status = status
		child.RecordCallback("payout", evt.Event, evt.SequenceID)
		if err := h.repo.SaveTransaction(ctx, uow, child); err != nil {
			return err
		}
		if entry, err := h.repo.GetLedgerEntryByTransactionID(ctx, uow, child.ID); err == nil {
			entry.Status = status
			now := time.Now().UTC()
			entry.CompletedAt = &now
			if err := h.repo.SaveLedgerEntry(ctx, uow, entry); err != nil {
				return err
			}
		}
		return h.orch.EmitStatusChanged(ctx, uow, child)
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return h.synthesizeFailedDestination(ctx, evt, status)
}

// synthesizeFailedDestination records a destination leg that never got
// created before the failure arrived. No funds move: balance_before equals
// balance_after.
func (h *Handler) synthesizeFailedDestination(ctx context.Context, evt *Event, status model.TxStatus) error {
	parent, err := h.lookupParent(ctx, evt.Reference)
	if err != nil {
		return err
	}

	currency := evt.Currency
	if currency == "" {
		currency = h.cfg.SourceCurrency
	}
	amount := evt.Amount.IntPart()
	if amount == 0 {
		rc, err := h.rates.Config(ctx, 0, h.cfg.Provider, parent.Currency, currency)
		if err != nil {
			return err
		}
		amount = h.rates.QuoteDestination(rc, parent.Amount).DestinationAmount
	}

	return h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		wallet, err := h.repo.GetOrCreateWallet(ctx, uow, parent.UserID, currency)
		if err != nil {
			return err
		}
		extRef := evt.Reference
		now := time.Now().UTC()
		txn := &model.Transaction{
			UserID:              parent.UserID,
			Amount:              amount,
			Currency:            currency,
			Status:              status,
			Type:                model.TypeExchange,
			ExternalReference:   &extRef,
			Reference:           parent.Reference + ":dest",
			ParentTransactionID: &parent.ID,
			Metadata:            model.Metadata{"synthesized": true, "parent_reference": parent.Reference},
		}
		txn.RecordCallback("payout", evt.Event, evt.SequenceID)
		if err := h.repo.CreateTransaction(ctx, uow, txn); err != nil {
			return err
		}
		entry := &model.FiatWalletTransaction{
			TransactionID: txn.ID,
			WalletID:      wallet.ID,
			Amount:        amount,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance,
			Status:        status,
			CompletedAt:   &now,
			Metadata:      model.Metadata{"synthesized": true},
		}
		if err := h.repo.CreateLedgerEntry(ctx, uow, entry); err != nil {
			return err
		}
		h.log.Infow("synthesized failed destination leg",
			"transaction_id", txn.ID, "parent_id", parent.ID, "status", status)
		return h.orch.EmitStatusChanged(ctx, uow, txn)
	})
}

// collectionSettlementComplete starts (or reconciles) the destination leg
// of an inbound NGN→USD exchange after the collection's funds settled.
func (h *Handler) collectionSettlementComplete(ctx context.Context, evt *Event) error {
	parent, err := h.lookupParent(ctx, evt.Reference)
	if err != nil {
		return err
	}

	if !h.cfg.Production {
		// Simulate the settlement transfer; failures here never block the
		// ledger work.
		if err := h.client.CreateTransfer(ctx, TransferRequest{
			Reference: evt.Reference,
			Amount:    parent.Amount,
			Currency:  parent.Currency,
		}); err != nil {
			h.log.Warnw("simulated settlement transfer failed", "reference", evt.Reference, "error", err)
		}
	}

	return h.orch.WithExchangeLock(ctx, parent.ID, func(ctx context.Context) error {
		correlationID := evt.DepositReference
		if correlationID == "" {
			correlationID = parent.Reference
		}

		rc, err := h.rates.Config(ctx, 0, h.cfg.Provider, parent.Currency, h.cfg.DestinationCurrency)
		if err != nil {
			return err
		}
		amount := h.rates.QuoteDestination(rc, parent.Amount).DestinationAmount

		return h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
			_, _, err := h.orch.CreateOrReconcileDestination(ctx, uow, parent, correlationID, amount, h.cfg.DestinationCurrency)
			return err
		})
	})
}

// deductFloatCredit reduces the running credit balance held with the payout
// provider by the disbursed amount. It joins the caller's unit of work so
// the deduction commits together with the destination-leg update.
func (h *Handler) deductFloatCredit(ctx context.Context, uow *repo.UnitOfWork, currency string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	float, err := h.repo.GetProviderFloatWallet(ctx, uow, currency)
	if err != nil {
		return err
	}
	credit := float.CreditBalance - amount
	if credit < 0 {
		h.log.Warnw("float credit underflow clamped",
			"currency", currency, "credit", float.CreditBalance, "amount", amount)
		credit = 0
	}
	return h.repo.UpdateWalletBalance(ctx, uow, float.ID, float.Balance, credit, float.Version)
}

// reconcileFloatBalance aligns the float wallet's credit with the
// provider-reported balance. Failures are logged and swallowed: a stale
// float never blocks the exchange itself.
func (h *Handler) reconcileFloatBalance(ctx context.Context, evt *Event) {
	if evt.SequenceID == "" {
		return
	}
	req, err := h.client.GetPaymentRequest(ctx, evt.SequenceID)
	if err != nil {
		h.log.Warnw("float reconciliation skipped", "sequence_id", evt.SequenceID,
			"error", fmt.Errorf("%w: %v", errs.ErrExternalDependency, err))
		return
	}
	if req.Balance.IsZero() {
		return
	}
	reported := req.Balance.IntPart()
	err = h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		float, err := h.repo.GetProviderFloatWallet(ctx, uow, evt.Currency)
		if err != nil {
			return err
		}
		if float.CreditBalance == reported {
			return nil
		}
		h.log.Infow("float credit reconciled",
			"currency", evt.Currency, "recorded", float.CreditBalance, "reported", reported)
		return h.repo.UpdateWalletBalance(ctx, uow, float.ID, float.Balance, reported, float.Version)
	})
	if err != nil {
		h.log.Warnw("float reconciliation failed", "error", err)
	}
}

func (h *Handler) scheduleAccountDeletion(ctx context.Context, accountID string) {
	if accountID == "" || h.scheduler == nil {
		return
	}
	if err := h.scheduler.ScheduleDeletion(ctx, accountID, accountDeletionGrace); err != nil {
		h.log.Warnw("schedule account deletion failed", "account_id", accountID, "error", err)
	}
}

// lookupParent resolves the source-leg transaction by the correlation
// reference, trying the internal reference first, then the provider key.
// A reference that resolves to a destination leg is followed up to its
// source leg, so a callback keyed on either side lands on the same exchange.
func (h *Handler) lookupParent(ctx context.Context, reference string) (*model.Transaction, error) {
	var txn *model.Transaction
	err := h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		var err error
		txn, err = h.repo.GetTransactionByReference(ctx, uow, reference)
		if errors.Is(err, errs.ErrNotFound) {
			txn, err = h.repo.GetTransactionByExternalReference(ctx, uow, reference)
		}
		if err != nil {
			return err
		}
		if txn.ParentTransactionID != nil {
			txn, err = h.repo.GetTransaction(ctx, uow, *txn.ParentTransactionID)
		}
		return err
	})
	return txn, err
}
