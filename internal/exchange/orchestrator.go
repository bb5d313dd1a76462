// Package exchange mediates between the two provider state machines so that
// neither depends on the other directly. Both sides call into the
// orchestrator for the cross-provider reconciliation protocol: whichever
// provider's callback arrives first leaves a placeholder the other adopts.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cedarpay/fx-ledger/internal/errs"
	"github.com/cedarpay/fx-ledger/internal/ledger"
	"github.com/cedarpay/fx-ledger/internal/lock"
	"github.com/cedarpay/fx-ledger/internal/model"
	"github.com/cedarpay/fx-ledger/internal/repo"
)

// SourceReconciler is implemented by the custody state machine. The payout
// side asks it, under the shared exchange lock, to check-and-complete a
// withdrawal whose confirmation callback has not yet arrived.
type SourceReconciler interface {
	CheckAndCompleteWithdrawal(ctx context.Context, txn *model.Transaction) error
}

// Disburser sends the outbound payment request for a freshly created
// destination leg.
type Disburser interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (providerID string, err error)
}

// PaymentRequest describes one outbound payout.
type PaymentRequest struct {
	Reference string
	UserID    uint64
	Amount    int64
	Currency  string
}

// Orchestrator owns the exchange-level lock and the destination-leg
// create-or-reconcile protocol.
type Orchestrator struct {
	repo           *repo.Repository
	engine         *ledger.Engine
	locker         lock.Locker
	exchangePolicy lock.Policy
	source         SourceReconciler
	disburser      Disburser
	log            *zap.SugaredLogger
}

func NewOrchestrator(r *repo.Repository, engine *ledger.Engine, locker lock.Locker, exchangePolicy lock.Policy, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{repo: r, engine: engine, locker: locker, exchangePolicy: exchangePolicy, log: log}
}

// SetSourceReconciler wires the custody side in at startup.
func (o *Orchestrator) SetSourceReconciler(s SourceReconciler) { o.source = s }

// SetDisburser wires the payout side in at startup.
func (o *Orchestrator) SetDisburser(d Disburser) { o.disburser = d }

// WithExchangeLock serializes the whole multi-step reconciliation for one
// exchange across both provider state machines.
func (o *Orchestrator) WithExchangeLock(ctx context.Context, parentID uint64, fn func(ctx context.Context) error) error {
	release, err := o.locker.Acquire(ctx, lock.ExchangeKey(parentID), o.exchangePolicy)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(ctx); rerr != nil {
			o.log.Warnf("release exchange lock %d: %v", parentID, rerr)
		}
	}()
	return fn(ctx)
}

// EnsureSourceCompleted asks the custody side to check-and-complete the
// source withdrawal if it is still non-terminal. Must be called under the
// exchange lock.
func (o *Orchestrator) EnsureSourceCompleted(ctx context.Context, parent *model.Transaction) error {
	if parent.Status.Terminal() || o.source == nil {
		return nil
	}
	return o.source.CheckAndCompleteWithdrawal(ctx, parent)
}

// CreateOrReconcileDestination creates the destination-leg transaction and
// its ledger entry, or adopts the placeholder a faster callback from the
// other provider left behind. The caller supplies the unit of work so both
// rows commit or roll back together.
func (o *Orchestrator) CreateOrReconcileDestination(ctx context.Context, uow *repo.UnitOfWork, parent *model.Transaction, correlationID string, amount int64, currency string) (*model.Transaction, *model.FiatWalletTransaction, error) {
	if placeholder, err := o.repo.FindPlaceholder(ctx, uow, correlationID); err == nil {
		return o.adoptPlaceholder(ctx, uow, placeholder, parent, amount, currency)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, nil, err
	}

	existing, err := o.repo.GetTransactionByExternalReference(ctx, uow, correlationID)
	if err == nil {
		// Destination leg already exists; exactly one per external reference.
		entry, err := o.repo.GetLedgerEntryByTransactionID(ctx, uow, existing.ID)
		if err != nil {
			return nil, nil, err
		}
		return existing, entry, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, nil, err
	}

	// At most one non-terminal child per parent per destination currency,
	// whatever correlation id the callback carried.
	if child, err := o.repo.FindChildTransaction(ctx, uow, parent.ID, currency); err == nil {
		entry, err := o.repo.GetLedgerEntryByTransactionID(ctx, uow, child.ID)
		if err != nil {
			return nil, nil, err
		}
		return child, entry, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, nil, err
	}

	wallet, err := o.repo.GetOrCreateWallet(ctx, uow, parent.UserID, currency)
	if err != nil {
		return nil, nil, err
	}

	extRef := correlationID
	txn := &model.Transaction{
		UserID:              parent.UserID,
		Amount:              amount,
		Currency:            currency,
		Status:              model.StatusPending,
		Type:                model.TypeExchange,
		ExternalReference:   &extRef,
		Reference:           uuid.NewString(),
		ParentTransactionID: &parent.ID,
		Metadata: model.Metadata{
			"parent_reference": parent.Reference,
			"source_currency":  parent.Currency,
		},
	}
	if err := o.repo.CreateTransaction(ctx, uow, txn); err != nil {
		return nil, nil, err
	}

	entry := &model.FiatWalletTransaction{
		TransactionID: txn.ID,
		WalletID:      wallet.ID,
		Amount:        amount,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  wallet.Balance,
		Status:        model.StatusInitiated,
		Metadata:      model.Metadata{},
	}
	if err := o.repo.CreateLedgerEntry(ctx, uow, entry); err != nil {
		return nil, nil, err
	}
	return txn, entry, nil
}

// adoptPlaceholder updates the placeholder in place with the real parent
// linkage and amount, then completes it: the funds it stands for were
// already deposited before the placeholder was created.
func (o *Orchestrator) adoptPlaceholder(ctx context.Context, uow *repo.UnitOfWork, placeholder, parent *model.Transaction, amount int64, currency string) (*model.Transaction, *model.FiatWalletTransaction, error) {
	wallet, err := o.repo.GetOrCreateWallet(ctx, uow, parent.UserID, currency)
	if err != nil {
		return nil, nil, err
	}

	placeholder.ParentTransactionID = &parent.ID
	placeholder.Amount = amount
	placeholder.Currency = currency
	placeholder.Status = model.StatusPending
	placeholder.Metadata = placeholder.Metadata.Merge(model.Metadata{
		"reconciled":       true,
		"parent_reference": parent.Reference,
	})
	if err := o.repo.SaveTransaction(ctx, uow, placeholder); err != nil {
		return nil, nil, err
	}

	entry := &model.FiatWalletTransaction{
		TransactionID: placeholder.ID,
		WalletID:      wallet.ID,
		Amount:        amount,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  wallet.Balance,
		Status:        model.StatusPending,
		Metadata:      model.Metadata{"reconciled": true},
	}
	if err := o.repo.CreateLedgerEntry(ctx, uow, entry); err != nil {
		return nil, nil, err
	}

	if _, err := o.engine.MutateBalance(ctx, uow, ledger.Mutation{
		WalletID:      wallet.ID,
		Amount:        amount,
		TransactionID: placeholder.ID,
		MovementType:  "exchange_reconcile",
		NewStatus:     model.StatusCompleted,
		LedgerEntryID: entry.ID,
		Metadata:      model.Metadata{"reconciled": true},
	}); err != nil {
		return nil, nil, err
	}
	placeholder.Status = model.StatusCompleted
	entry.Status = model.StatusCompleted

	o.log.Infow("placeholder adopted",
		"transaction_id", placeholder.ID, "parent_id", parent.ID, "amount", amount, "currency", currency)
	return placeholder, entry, nil
}

// InitiateDestinationLeg is the source-side entry point after a confirmed
// withdrawal: it creates or reconciles the destination transaction and, for
// a fresh leg, sends the outbound payment and moves it to PROCESSING.
func (o *Orchestrator) InitiateDestinationLeg(ctx context.Context, parent *model.Transaction, correlationID string, amount int64, currency string) (*model.Transaction, error) {
	var txn *model.Transaction
	var entry *model.FiatWalletTransaction
	err := o.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		var err error
		txn, entry, err = o.CreateOrReconcileDestination(ctx, uow, parent, correlationID, amount, currency)
		return err
	})
	if err != nil {
		return nil, err
	}
	if txn.Status == model.StatusCompleted {
		// Adopted placeholder; funds already credited, nothing to disburse.
		return txn, nil
	}
	if o.disburser == nil {
		return txn, nil
	}

	// The provider echoes this reference back in its callbacks; it must be
	// the exchange correlation id, not the child's internal reference, so
	// the callbacks resolve to the same exchange.
	providerID, err := o.disburser.CreatePayment(ctx, PaymentRequest{
		Reference: correlationID,
		UserID:    txn.UserID,
		Amount:    amount,
		Currency:  currency,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment for transaction %d: %w: %v", txn.ID, errs.ErrExternalDependency, err)
	}

	err = o.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		txn.Status = model.StatusProcessing
		txn.Metadata = txn.Metadata.Merge(model.Metadata{"payout_payment_id": providerID})
		if err := o.repo.SaveTransaction(ctx, uow, txn); err != nil {
			return err
		}
		entry.Status = model.StatusProcessing
		ref := providerID
		entry.ProviderReference = &ref
		if err := o.repo.SaveLedgerEntry(ctx, uow, entry); err != nil {
			return err
		}
		return o.EmitStatusChanged(ctx, uow, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// CompleteCollection marks the source-side legs of an inbound collection
// successful and settles the escrowed funds into the float wallet's credit
// balance.
func (o *Orchestrator) CompleteCollection(ctx context.Context, correlationID string) error {
	return o.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		txn, err := o.repo.GetTransactionByExternalReference(ctx, uow, correlationID)
		if err != nil {
			return err
		}
		if txn.Status.Terminal() {
			return nil
		}
		txn.Status = model.StatusCompleted
		if err := o.repo.SaveTransaction(ctx, uow, txn); err != nil {
			return err
		}
		if entry, err := o.repo.GetLedgerEntryByTransactionID(ctx, uow, txn.ID); err == nil {
			entry.Status = model.StatusCompleted
			if err := o.repo.SaveLedgerEntry(ctx, uow, entry); err != nil {
				return err
			}
		}

		// Confirmed settlement is the only path that increases credit balance.
		float, err := o.repo.GetProviderFloatWallet(ctx, uow, txn.Currency)
		if err != nil {
			return err
		}
		if err := o.repo.UpdateWalletBalance(ctx, uow, float.ID, float.Balance, float.CreditBalance+txn.Amount, float.Version); err != nil {
			return err
		}
		return o.EmitStatusChanged(ctx, uow, txn)
	})
}

// FailCollection marks the source-side legs of an inbound collection failed
// or cancelled. No funds move.
func (o *Orchestrator) FailCollection(ctx context.Context, correlationID string, status model.TxStatus) error {
	return o.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		txn, err := o.repo.GetTransactionByExternalReference(ctx, uow, correlationID)
		if err != nil {
			return err
		}
		if txn.Status == model.StatusCompleted {
			return nil
		}
		txn.Status = status
		if err := o.repo.SaveTransaction(ctx, uow, txn); err != nil {
			return err
		}
		if entry, err := o.repo.GetLedgerEntryByTransactionID(ctx, uow, txn.ID); err == nil {
			entry.Status = status
			if err := o.repo.SaveLedgerEntry(ctx, uow, entry); err != nil {
				return err
			}
		}
		return o.EmitStatusChanged(ctx, uow, txn)
	})
}

// EmitStatusChanged records a transaction lifecycle event in the outbox.
func (o *Orchestrator) EmitStatusChanged(ctx context.Context, uow *repo.UnitOfWork, txn *model.Transaction) error {
	payload, err := json.Marshal(map[string]interface{}{
		"transaction_id": txn.ID,
		"status":         txn.Status,
		"type":           txn.Type,
		"currency":       txn.Currency,
	})
	if err != nil {
		return err
	}
	return o.repo.CreateOutboxEvent(ctx, uow, &model.OutboxEvent{
		Aggregate:   "Transaction",
		AggregateID: txn.ID,
		EventType:   model.EventTransactionStatusChanged,
		Payload:     string(payload),
	})
}
