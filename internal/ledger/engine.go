// Package ledger holds the single choke point that mutates wallet balances.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cedarpay/fx-ledger/internal/errs"
	"github.com/cedarpay/fx-ledger/internal/lock"
	"github.com/cedarpay/fx-ledger/internal/model"
	"github.com/cedarpay/fx-ledger/internal/repo"
)

// Mutation describes one balance change. Amount is signed, in smallest
// currency units; a negative amount is a debit.
type Mutation struct {
	WalletID      uint64
	Amount        int64
	TransactionID uint64
	MovementType  string
	NewStatus     model.TxStatus

	// LedgerEntryID selects update-in-place of an existing entry (placeholder
	// adoption); zero means create a new entry.
	LedgerEntryID uint64

	ProviderReference string
	ProviderFee       int64
	Metadata          model.Metadata

	// HoldsLock skips the wallet lock when the caller already serializes
	// access to this wallet (wider lock held, wallet row read FOR UPDATE in
	// the same unit of work).
	HoldsLock bool
}

// Engine mutates a wallet's balance, writes the corresponding ledger entry
// and emits a balance-changed event, all inside the caller's unit of work
// and under a wallet-scoped lock.
type Engine struct {
	repo         *repo.Repository
	locker       lock.Locker
	walletPolicy lock.Policy
	log          *zap.SugaredLogger
}

func NewEngine(r *repo.Repository, locker lock.Locker, walletPolicy lock.Policy, log *zap.SugaredLogger) *Engine {
	return &Engine{repo: r, locker: locker, walletPolicy: walletPolicy, log: log}
}

// MutateBalance applies m atomically. Any persistence error aborts the whole
// mutation: the caller's unit of work rolls back and the lock is released.
// A transaction already in COMPLETED state fails with ErrInvalidState so
// redelivered callbacks cannot credit or debit twice.
func (e *Engine) MutateBalance(ctx context.Context, uow *repo.UnitOfWork, m Mutation) (*model.Wallet, error) {
	if uow == nil {
		return nil, fmt.Errorf("mutate balance: unit of work required: %w", errs.ErrValidation)
	}

	if !m.HoldsLock {
		release, err := e.locker.Acquire(ctx, lock.WalletBalanceKey(m.WalletID), e.walletPolicy)
		if err != nil {
			return nil, err
		}
		defer func() {
			if rerr := release(ctx); rerr != nil {
				e.log.Warnf("release wallet lock %d: %v", m.WalletID, rerr)
			}
		}()
	}

	// Re-read inside the lock; idempotency checks are never cached across
	// the lock boundary.
	w, err := e.repo.GetWalletForUpdate(ctx, uow, m.WalletID)
	if err != nil {
		return nil, err
	}
	txn, err := e.repo.GetTransaction(ctx, uow, m.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status == model.StatusCompleted {
		return nil, fmt.Errorf("transaction %d already completed: %w", txn.ID, errs.ErrInvalidState)
	}

	balanceAfter := w.Balance + m.Amount
	if m.Amount < 0 && balanceAfter < 0 {
		return nil, fmt.Errorf("wallet %d balance %d debit %d: %w",
			w.ID, w.Balance, m.Amount, errs.ErrInsufficientFunds)
	}

	if err := e.repo.UpdateWalletBalance(ctx, uow, w.ID, balanceAfter, w.CreditBalance, w.Version); err != nil {
		return nil, err
	}

	entry, err := e.writeLedgerEntry(ctx, uow, m, w.Balance, balanceAfter, txn.ID)
	if err != nil {
		return nil, err
	}

	txn.Status = m.NewStatus
	txn.Metadata = txn.Metadata.Merge(m.Metadata)
	if err := e.repo.SaveTransaction(ctx, uow, txn); err != nil {
		return nil, err
	}

	if err := e.emitBalanceChanged(ctx, uow, w, balanceAfter, txn.ID); err != nil {
		return nil, err
	}

	if err := e.repo.CacheBalance(ctx, w.ID, balanceAfter); err != nil {
		e.log.Warnf("cache balance wallet=%d: %v", w.ID, err)
	}

	e.log.Infow("balance mutated",
		"wallet_id", w.ID, "transaction_id", txn.ID, "movement", m.MovementType,
		"before", w.Balance, "after", balanceAfter, "entry_id", entry.ID)

	w.Balance = balanceAfter
	w.Version++
	return w, nil
}

func (e *Engine) writeLedgerEntry(ctx context.Context, uow *repo.UnitOfWork, m Mutation, before, after int64, txnID uint64) (*model.FiatWalletTransaction, error) {
	now := time.Now().UTC()

	if m.LedgerEntryID != 0 {
		entry, err := e.repo.GetLedgerEntry(ctx, uow, m.LedgerEntryID)
		if err != nil {
			return nil, err
		}
		entry.Amount = m.Amount
		entry.BalanceBefore = before
		entry.BalanceAfter = after
		entry.Status = m.NewStatus
		entry.ProviderFee = m.ProviderFee
		entry.Metadata = entry.Metadata.Merge(m.Metadata)
		if m.ProviderReference != "" {
			ref := m.ProviderReference
			entry.ProviderReference = &ref
		}
		if m.NewStatus == model.StatusCompleted && entry.CompletedAt == nil {
			entry.CompletedAt = &now
		}
		return entry, e.repo.SaveLedgerEntry(ctx, uow, entry)
	}

	entry := &model.FiatWalletTransaction{
		TransactionID: txnID,
		WalletID:      m.WalletID,
		Amount:        m.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        m.NewStatus,
		ProviderFee:   m.ProviderFee,
		Metadata:      model.Metadata{}.Merge(m.Metadata),
	}
	if m.ProviderReference != "" {
		ref := m.ProviderReference
		entry.ProviderReference = &ref
	}
	if m.NewStatus == model.StatusCompleted {
		entry.CompletedAt = &now
	}
	return entry, e.repo.CreateLedgerEntry(ctx, uow, entry)
}

// emitBalanceChanged writes the event into the outbox inside the unit of
// work; the poller publishes it to Kafka afterwards, so delivery never
// blocks the mutation.
func (e *Engine) emitBalanceChanged(ctx context.Context, uow *repo.UnitOfWork, w *model.Wallet, after int64, txnID uint64) error {
	payload, err := json.Marshal(map[string]interface{}{
		"wallet_id":      w.ID,
		"currency":       w.Currency,
		"transaction_id": txnID,
		"balance_before": w.Balance,
		"balance_after":  after,
	})
	if err != nil {
		return err
	}
	return e.repo.CreateOutboxEvent(ctx, uow, &model.OutboxEvent{
		Aggregate:   "Wallet",
		AggregateID: w.ID,
		EventType:   model.EventWalletBalanceChanged,
		Payload:     string(payload),
	})
}

// IsDuplicate reports whether err represents a legitimate duplicate or
// out-of-order delivery that handlers swallow rather than surface.
func IsDuplicate(err error) bool {
	return errors.Is(err, errs.ErrInvalidState) || errors.Is(err, errs.ErrNotFound)
}
