// Package custody is the state machine for the USD custody/settlement
// provider's callbacks. It drives the source leg of USD→NGN exchanges and
// hands the destination leg to the exchange orchestrator.
package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cedarpay/fx-ledger/internal/errs"
	"github.com/cedarpay/fx-ledger/internal/exchange"
	"github.com/cedarpay/fx-ledger/internal/ledger"
	"github.com/cedarpay/fx-ledger/internal/lock"
	"github.com/cedarpay/fx-ledger/internal/model"
	"github.com/cedarpay/fx-ledger/internal/rates"
	"github.com/cedarpay/fx-ledger/internal/repo"
)

// Config tunes the custody state machine.
type Config struct {
	Production bool
	// Provider is the rate-config provider key for the onward NGN leg.
	Provider string
	// DefaultDestinationCurrency is used when the source transaction does
	// not carry an explicit destination.
	DefaultDestinationCurrency string

	// WithdrawalLockPolicy is the wide per-exchange tier; WalletLockPolicy
	// the narrow per-wallet tier.
	WithdrawalLockPolicy lock.Policy
	WalletLockPolicy     lock.Policy
	// StatusRetries bounds CheckAndCompleteWithdrawal polling of the
	// provider API; production tolerates a longer window.
	StatusRetries    int
	StatusRetryDelay time.Duration
	// LookupRetryDelay covers the short race between a trade being booked
	// and its ledger entry becoming visible.
	LookupRetryDelay time.Duration
}

// Handler consumes custody callbacks.
type Handler struct {
	repo   *repo.Repository
	engine *ledger.Engine
	rates  *rates.Service
	orch   *exchange.Orchestrator
	locker lock.Locker
	client Client
	cfg    Config
	log    *zap.SugaredLogger
}

func NewHandler(r *repo.Repository, engine *ledger.Engine, rateSvc *rates.Service, orch *exchange.Orchestrator, locker lock.Locker, client Client, cfg Config, log *zap.SugaredLogger) *Handler {
	if cfg.WithdrawalLockPolicy.TTL == 0 {
		cfg.WithdrawalLockPolicy = lock.Policy{TTL: 240 * time.Second, Retries: 20, RetryDelay: 500 * time.Millisecond}
	}
	if cfg.WalletLockPolicy.TTL == 0 {
		cfg.WalletLockPolicy = lock.Policy{TTL: 30 * time.Second, Retries: 5, RetryDelay: 200 * time.Millisecond}
	}
	if cfg.StatusRetries == 0 {
		cfg.StatusRetries = 2
		if cfg.Production {
			cfg.StatusRetries = 5
		}
	}
	if cfg.StatusRetryDelay == 0 {
		cfg.StatusRetryDelay = 2 * time.Second
	}
	if cfg.LookupRetryDelay == 0 {
		cfg.LookupRetryDelay = time.Second
	}
	if cfg.DefaultDestinationCurrency == "" {
		cfg.DefaultDestinationCurrency = "NGN"
	}
	return &Handler{repo: r, engine: engine, rates: rateSvc, orch: orch, locker: locker, client: client, cfg: cfg, log: log}
}

// HandleBalanceMovement processes every movement in the envelope. Duplicate
// and out-of-order deliveries are swallowed; the first genuine failure is
// returned after all movements have been attempted, so the provider's
// redelivery can retry it.
func (h *Handler) HandleBalanceMovement(ctx context.Context, evt *MovementEvent) error {
	var firstErr error
	for i := range evt.Movements {
		m := &evt.Movements[i]
		if m.Change.IsZero() && m.Type != MovementFinalSettlement && m.Type != MovementFinalSettlementOutstanding {
			h.log.Infow("zero-amount movement skipped", "type", m.Type)
			continue
		}

		var err error
		switch m.Type {
		case MovementWithdrawalPending:
			err = h.handleWithdrawalPending(ctx, m)
		case MovementWithdrawalConfirmed:
			err = h.handleWithdrawalConfirmed(ctx, m)
		case MovementFinalSettlement, MovementFinalSettlementOutstanding:
			err = h.handleFinalSettlement(ctx, m)
		case MovementTransfer:
			err = h.handleTransfer(ctx, m)
		case MovementDeposit:
			err = h.handleDeposit(ctx, evt, m)
		default:
			h.log.Infow("unknown movement type acknowledged", "type", m.Type)
		}
		if err == nil {
			continue
		}
		if ledger.IsDuplicate(err) {
			h.log.Infow("movement skipped", "type", m.Type, "reason", err)
			continue
		}
		h.log.Errorw("movement failed", "type", m.Type, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleWithdrawalPending moves the linked transaction and ledger entry to
// PROCESSING. No-op if already completed.
func (h *Handler) handleWithdrawalPending(ctx context.Context, m *BalanceMovement) error {
	return h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		entry, err := h.repo.FindLedgerEntryByProviderReference(ctx, uow, m.WithdrawalRequestID)
		if err != nil {
			return err
		}
		txn, err := h.repo.GetTransaction(ctx, uow, entry.TransactionID)
		if err != nil {
			return err
		}
		if txn.Status == model.StatusCompleted {
			return nil
		}
		txn.Status = model.StatusProcessing
		if err := h.repo.SaveTransaction(ctx, uow, txn); err != nil {
			return err
		}
		entry.Status = model.StatusProcessing
		if err := h.repo.SaveLedgerEntry(ctx, uow, entry); err != nil {
			return err
		}
		return h.orch.EmitStatusChanged(ctx, uow, txn)
	})
}

// handleWithdrawalConfirmed debits the source wallet, completes the source
// transaction and triggers the destination leg under the shared exchange
// lock.
func (h *Handler) handleWithdrawalConfirmed(ctx context.Context, m *BalanceMovement) error {
	release, err := h.locker.Acquire(ctx, lock.WithdrawalKey(m.WithdrawalRequestID), h.cfg.WithdrawalLockPolicy)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(ctx); rerr != nil {
			h.log.Warnf("release withdrawal lock %s: %v", m.WithdrawalRequestID, rerr)
		}
	}()

	// Re-check under the lock: the status must still be PROCESSING.
	var txn *model.Transaction
	var entry *model.FiatWalletTransaction
	err = h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		entry, err = h.repo.FindLedgerEntryByProviderReference(ctx, uow, m.WithdrawalRequestID)
		if err != nil {
			return err
		}
		txn, err = h.repo.GetTransaction(ctx, uow, entry.TransactionID)
		return err
	})
	if err != nil {
		return err
	}
	if txn.Status != model.StatusProcessing {
		h.log.Infow("withdrawal not in processing, skipping confirmation",
			"transaction_id", txn.ID, "status", txn.Status)
		return nil
	}

	debit := m.Change.Abs().IntPart()
	err = h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		_, err := h.engine.MutateBalance(ctx, uow, ledger.Mutation{
			WalletID:          entry.WalletID,
			Amount:            -debit,
			TransactionID:     txn.ID,
			MovementType:      MovementWithdrawalConfirmed,
			NewStatus:         model.StatusCompleted,
			LedgerEntryID:     entry.ID,
			ProviderReference: m.WithdrawalRequestID,
		})
		return err
	})
	if err != nil {
		return err
	}
	txn.Status = model.StatusCompleted

	return h.triggerDestinationLeg(ctx, txn)
}

// triggerDestinationLeg prices and creates (or reconciles) the destination
// transaction under the exchange lock shared with the payout state machine.
func (h *Handler) triggerDestinationLeg(ctx context.Context, parent *model.Transaction) error {
	return h.orch.WithExchangeLock(ctx, parent.ID, func(ctx context.Context) error {
		destCurrency := parent.Metadata.String("destination_currency")
		if destCurrency == "" {
			destCurrency = h.cfg.DefaultDestinationCurrency
		}
		rc, err := h.rates.Config(ctx, 0, h.cfg.Provider, parent.Currency, destCurrency)
		if err != nil {
			return err
		}
		quote := h.rates.QuoteDestination(rc, parent.Amount)
		_, err = h.orch.InitiateDestinationLeg(ctx, parent, parent.Reference, quote.DestinationAmount, destCurrency)
		return err
	})
}

// handleFinalSettlement locates the entry by the provider-issued trade id
// and applies the authoritative reported balance, not the delta.
func (h *Handler) handleFinalSettlement(ctx context.Context, m *BalanceMovement) error {
	entry, err := h.findEntryWithRetry(ctx, m.TradeID)
	if err != nil {
		return err
	}

	release, err := h.locker.Acquire(ctx, lock.WalletBalanceKey(entry.WalletID), h.cfg.WalletLockPolicy)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(ctx); rerr != nil {
			h.log.Warnf("release wallet lock %d: %v", entry.WalletID, rerr)
		}
	}()

	return h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		wallet, err := h.repo.GetWalletForUpdate(ctx, uow, entry.WalletID)
		if err != nil {
			return err
		}
		adjustment := m.Balance.IntPart() - wallet.Balance
		_, err = h.engine.MutateBalance(ctx, uow, ledger.Mutation{
			WalletID:          wallet.ID,
			Amount:            adjustment,
			TransactionID:     entry.TransactionID,
			MovementType:      m.Type,
			NewStatus:         model.StatusCompleted,
			LedgerEntryID:     entry.ID,
			ProviderReference: m.TradeID,
			HoldsLock:         true,
		})
		return err
	})
}

// findEntryWithRetry retries once after a short delay: the trade callback
// can beat the ledger entry write by a moment.
func (h *Handler) findEntryWithRetry(ctx context.Context, tradeID string) (*model.FiatWalletTransaction, error) {
	var entry *model.FiatWalletTransaction
	lookup := func() error {
		return h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
			var err error
			entry, err = h.repo.FindLedgerEntryByProviderReference(ctx, uow, tradeID)
			return err
		})
	}
	err := lookup()
	if errors.Is(err, errs.ErrNotFound) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.cfg.LookupRetryDelay):
		}
		err = lookup()
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// handleTransfer credits an external top-up into the custody wallet and
// returns; it never falls through into any withdrawal handling.
func (h *Handler) handleTransfer(ctx context.Context, m *BalanceMovement) error {
	_, err := h.lookupByExternalReference(ctx, m.TransferRequestID)
	if err == nil {
		return nil // already recorded
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	req, err := h.client.GetTransferRequest(ctx, m.TransferRequestID)
	if err != nil {
		return fmt.Errorf("get transfer %s: %w: %v", m.TransferRequestID, errs.ErrExternalDependency, err)
	}

	err = h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		wallet, err := h.repo.GetOrCreateWallet(ctx, uow, req.UserID, req.Currency)
		if err != nil {
			return err
		}
		extRef := m.TransferRequestID
		txn := &model.Transaction{
			UserID:            req.UserID,
			Amount:            req.Amount,
			Currency:          req.Currency,
			Status:            model.StatusPending,
			Type:              model.TypeDeposit,
			ExternalReference: &extRef,
			Reference:         uuid.NewString(),
			Metadata:          model.Metadata{"transfer_request_id": m.TransferRequestID},
		}
		if err := h.repo.CreateTransaction(ctx, uow, txn); err != nil {
			return err
		}
		_, err = h.engine.MutateBalance(ctx, uow, ledger.Mutation{
			WalletID:          wallet.ID,
			Amount:            req.Amount,
			TransactionID:     txn.ID,
			MovementType:      MovementTransfer,
			NewStatus:         model.StatusCompleted,
			ProviderReference: m.TransferRequestID,
		})
		return err
	})
	if err != nil {
		return err
	}

	h.maybeEmitFirstDepositBonus(ctx, req.UserID, req.Amount, req.Currency)
	return nil
}

// maybeEmitFirstDepositBonus hands the user's first completed deposit off to
// the rewards pipeline; the bonus itself is computed downstream. Failures are
// logged and swallowed: the deposit credit has already committed.
func (h *Handler) maybeEmitFirstDepositBonus(ctx context.Context, userID uint64, amount int64, currency string) {
	release, err := h.locker.Acquire(ctx, lock.FirstDepositBonusKey(userID), h.cfg.WithdrawalLockPolicy)
	if err != nil {
		h.log.Warnf("first deposit bonus lock user=%d: %v", userID, err)
		return
	}
	defer func() {
		if rerr := release(ctx); rerr != nil {
			h.log.Warnf("release first deposit bonus lock user=%d: %v", userID, rerr)
		}
	}()

	err = h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		n, err := h.repo.CountCompletedDeposits(ctx, uow, userID)
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		payload, err := json.Marshal(map[string]interface{}{
			"user_id":  userID,
			"amount":   amount,
			"currency": currency,
		})
		if err != nil {
			return err
		}
		return h.repo.CreateOutboxEvent(ctx, uow, &model.OutboxEvent{
			Aggregate:   "User",
			AggregateID: userID,
			EventType:   model.EventFirstDepositBonus,
			Payload:     string(payload),
		})
	})
	if err != nil {
		h.log.Warnf("first deposit bonus hand-off user=%d: %v", userID, err)
	}
}

// handleDeposit resolves the source leg by its deposit correlation id; when
// no matching transaction exists yet it creates a placeholder for the
// payout state machine to adopt later.
func (h *Handler) handleDeposit(ctx context.Context, evt *MovementEvent, m *BalanceMovement) error {
	_, err := h.lookupByExternalReference(ctx, m.DepositReferenceID)
	if err == nil {
		return nil // source leg already exists
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	return h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		extRef := m.DepositReferenceID
		placeholder := &model.Transaction{
			UserID:            evt.UserID,
			Amount:            m.Change.Abs().IntPart(),
			Currency:          evt.Currency,
			Status:            model.StatusReconcile,
			Type:              model.TypeExchange,
			ExternalReference: &extRef,
			Reference:         uuid.NewString(),
			Metadata:          model.Metadata{"deposit_reference_id": m.DepositReferenceID},
		}
		if err := h.repo.CreateTransaction(ctx, uow, placeholder); err != nil {
			return err
		}
		h.log.Infow("placeholder created for deposit",
			"transaction_id", placeholder.ID, "deposit_reference", m.DepositReferenceID)
		return h.orch.EmitStatusChanged(ctx, uow, placeholder)
	})
}

func (h *Handler) lookupByExternalReference(ctx context.Context, ref string) (*model.Transaction, error) {
	var txn *model.Transaction
	err := h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		var err error
		txn, err = h.repo.GetTransactionByExternalReference(ctx, uow, ref)
		return err
	})
	return txn, err
}

// HandlePaymentStatus maps the provider payment status onto the internal
// transaction status. A transition out of COMPLETED is rejected and logged,
// never applied. Settled updates only the ledger entry's settled_at.
func (h *Handler) HandlePaymentStatus(ctx context.Context, evt *PaymentStatusEvent) error {
	mapped, ok := paymentStatusMap[evt.Status]
	if !ok {
		h.log.Infow("unknown payment status acknowledged", "status", evt.Status)
		return nil
	}

	return h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		entry, err := h.repo.FindLedgerEntryByProviderReference(ctx, uow, evt.PaymentID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				h.log.Infow("payment status for unknown entry", "payment_id", evt.PaymentID)
				return nil
			}
			return err
		}

		if mapped == statusSettled {
			now := time.Now().UTC()
			entry.SettledAt = &now
			return h.repo.SaveLedgerEntry(ctx, uow, entry)
		}

		txn, err := h.repo.GetTransaction(ctx, uow, entry.TransactionID)
		if err != nil {
			return err
		}
		if txn.Status == model.StatusCompleted && mapped != model.StatusCompleted {
			h.log.Errorw("payment status regression rejected",
				"transaction_id", txn.ID, "current", txn.Status, "incoming", mapped)
			return nil
		}
		txn.Status = mapped
		txn.RecordCallback("custody", "payment_status_changed", evt.Status)
		if err := h.repo.SaveTransaction(ctx, uow, txn); err != nil {
			return err
		}
		entry.Status = mapped
		if mapped.Terminal() && entry.CompletedAt == nil {
			now := time.Now().UTC()
			entry.CompletedAt = &now
		}
		if err := h.repo.SaveLedgerEntry(ctx, uow, entry); err != nil {
			return err
		}
		return h.orch.EmitStatusChanged(ctx, uow, txn)
	})
}

// CheckAndCompleteWithdrawal is called by the orchestrator, under the
// exchange lock, when the payout provider's callback outran ours. It polls
// the withdrawal status a bounded number of times and completes the source
// leg if the provider confirms it.
func (h *Handler) CheckAndCompleteWithdrawal(ctx context.Context, txn *model.Transaction) error {
	requestID := txn.Metadata.String("withdrawal_request_id")
	if requestID == "" {
		return nil
	}

	confirmed := false
	for i := 0; i < h.cfg.StatusRetries; i++ {
		req, err := h.client.GetWithdrawalRequest(ctx, requestID)
		if err != nil {
			return fmt.Errorf("get withdrawal %s: %w: %v", requestID, errs.ErrExternalDependency, err)
		}
		if req.Status == WithdrawalStatusConfirmed || req.Status == WithdrawalStatusSettled {
			confirmed = true
			break
		}
		if i == h.cfg.StatusRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.StatusRetryDelay):
		}
	}
	if !confirmed {
		h.log.Infow("withdrawal not yet confirmed by provider, leaving to its callback",
			"transaction_id", txn.ID, "request_id", requestID)
		return nil
	}

	err := h.repo.WithUnitOfWork(ctx, func(uow *repo.UnitOfWork) error {
		entry, err := h.repo.GetLedgerEntryByTransactionID(ctx, uow, txn.ID)
		if err != nil {
			return err
		}
		_, err = h.engine.MutateBalance(ctx, uow, ledger.Mutation{
			WalletID:          entry.WalletID,
			Amount:            -txn.Amount,
			TransactionID:     txn.ID,
			MovementType:      MovementWithdrawalConfirmed,
			NewStatus:         model.StatusCompleted,
			LedgerEntryID:     entry.ID,
			ProviderReference: requestID,
		})
		return err
	})
	if err != nil {
		if ledger.IsDuplicate(err) {
			return nil
		}
		return err
	}
	txn.Status = model.StatusCompleted
	return nil
}
