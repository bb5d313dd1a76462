package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cedarpay/fx-ledger/internal/errs"
	"github.com/cedarpay/fx-ledger/internal/model"
)

// providerFloatUserID is the reserved owner of the per-currency float
// wallets tracking our running balance with the payout provider.
const providerFloatUserID uint64 = 0

// Repository wraps persistence, the balance cache and the event writer.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	return err
}

// --- wallets ---

// GetOrCreateWallet lazily creates the (user, currency) wallet on first
// access. Wallets are never deleted.
func (r *Repository) GetOrCreateWallet(ctx context.Context, uow *UnitOfWork, userID uint64, currency string) (*model.Wallet, error) {
	var w model.Wallet
	err := uow.DB().WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID, currency).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	w = model.Wallet{UserID: userID, Currency: currency}
	if err := uow.DB().WithContext(ctx).Create(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWallet loads the (user, currency) wallet without creating it. Read
// path only; mutations go through GetOrCreateWallet inside a unit of work.
func (r *Repository) GetWallet(ctx context.Context, userID uint64, currency string) (*model.Wallet, error) {
	var w model.Wallet
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID, currency).First(&w).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("wallet user=%d currency=%s", userID, currency))
	}
	return &w, nil
}

// GetProviderFloatWallet returns the float wallet tracking the running
// credit balance held with the payout provider for one currency.
func (r *Repository) GetProviderFloatWallet(ctx context.Context, uow *UnitOfWork, currency string) (*model.Wallet, error) {
	return r.GetOrCreateWallet(ctx, uow, providerFloatUserID, currency)
}

// GetWalletForUpdate locks wallet row. SQLite has no row locks; there the
// single-writer transaction serializes instead.
func (r *Repository) GetWalletForUpdate(ctx context.Context, uow *UnitOfWork, walletID uint64) (*model.Wallet, error) {
	q := uow.DB().WithContext(ctx)
	if q.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var w model.Wallet
	if err := q.Where("id = ?", walletID).First(&w).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("wallet %d", walletID))
	}
	return &w, nil
}

// UpdateWalletBalance writes new balances with an optimistic version check.
func (r *Repository) UpdateWalletBalance(ctx context.Context, uow *UnitOfWork, walletID uint64, balance, creditBalance int64, oldVersion uint64) error {
	res := uow.DB().WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(map[string]interface{}{
			"balance":        balance,
			"credit_balance": creditBalance,
			"version":        oldVersion + 1,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("wallet %d version conflict: %w", walletID, errs.ErrInvalidState)
	}
	return nil
}

// --- transactions ---

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, uow *UnitOfWork, t *model.Transaction) error {
	if t.Metadata == nil {
		t.Metadata = model.Metadata{}
	}
	if t.CallbackLog == nil {
		t.CallbackLog = model.CallbackLog{}
	}
	return uow.DB().WithContext(ctx).Create(t).Error
}

// GetTransaction loads by primary key.
func (r *Repository) GetTransaction(ctx context.Context, uow *UnitOfWork, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := uow.DB().WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("transaction %d", id))
	}
	return &t, nil
}

// GetTransactionByReference resolves by the internal idempotency key.
func (r *Repository) GetTransactionByReference(ctx context.Context, uow *UnitOfWork, reference string) (*model.Transaction, error) {
	var t model.Transaction
	err := uow.DB().WithContext(ctx).Where("reference = ?", reference).First(&t).Error
	if err != nil {
		return nil, notFound(err, "transaction ref "+reference)
	}
	return &t, nil
}

// GetTransactionByExternalReference resolves by the provider-supplied key.
func (r *Repository) GetTransactionByExternalReference(ctx context.Context, uow *UnitOfWork, ref string) (*model.Transaction, error) {
	var t model.Transaction
	err := uow.DB().WithContext(ctx).Where("external_reference = ?", ref).First(&t).Error
	if err != nil {
		return nil, notFound(err, "transaction external ref "+ref)
	}
	return &t, nil
}

// FindPlaceholder looks up the placeholder transaction for one external
// reference. Exactly one may exist per reference.
func (r *Repository) FindPlaceholder(ctx context.Context, uow *UnitOfWork, externalRef string) (*model.Transaction, error) {
	var t model.Transaction
	err := uow.DB().WithContext(ctx).
		Where("external_reference = ? AND status = ? AND type = ?",
			externalRef, model.StatusReconcile, model.TypeExchange).
		First(&t).Error
	if err != nil {
		return nil, notFound(err, "placeholder "+externalRef)
	}
	return &t, nil
}

// FindChildTransaction returns the non-terminal child of parent in the
// given destination currency, if any.
func (r *Repository) FindChildTransaction(ctx context.Context, uow *UnitOfWork, parentID uint64, currency string) (*model.Transaction, error) {
	var t model.Transaction
	err := uow.DB().WithContext(ctx).
		Where("parent_transaction_id = ? AND currency = ? AND status NOT IN ?",
			parentID, currency, []model.TxStatus{model.StatusCompleted, model.StatusFailed, model.StatusCancelled}).
		First(&t).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("child of transaction %d", parentID))
	}
	return &t, nil
}

// CountCompletedDeposits counts a user's completed deposit transactions.
func (r *Repository) CountCompletedDeposits(ctx context.Context, uow *UnitOfWork, userID uint64) (int64, error) {
	var n int64
	err := uow.DB().WithContext(ctx).Model(&model.Transaction{}).
		Where("user_id = ? AND type = ? AND status = ?", userID, model.TypeDeposit, model.StatusCompleted).
		Count(&n).Error
	return n, err
}

// SaveTransaction persists all fields of t, refusing status regression out
// of COMPLETED.
func (r *Repository) SaveTransaction(ctx context.Context, uow *UnitOfWork, t *model.Transaction) error {
	var current model.Transaction
	if err := uow.DB().WithContext(ctx).Select("status").First(&current, t.ID).Error; err != nil {
		return notFound(err, fmt.Sprintf("transaction %d", t.ID))
	}
	if !current.Status.CanTransition(t.Status) {
		return fmt.Errorf("transaction %d %s -> %s: %w", t.ID, current.Status, t.Status, errs.ErrInvalidState)
	}
	return uow.DB().WithContext(ctx).Save(t).Error
}

// --- ledger entries ---

// CreateLedgerEntry inserts the fiat wallet transaction row.
func (r *Repository) CreateLedgerEntry(ctx context.Context, uow *UnitOfWork, e *model.FiatWalletTransaction) error {
	if e.Metadata == nil {
		e.Metadata = model.Metadata{}
	}
	return uow.DB().WithContext(ctx).Create(e).Error
}

// GetLedgerEntry loads by primary key.
func (r *Repository) GetLedgerEntry(ctx context.Context, uow *UnitOfWork, id uint64) (*model.FiatWalletTransaction, error) {
	var e model.FiatWalletTransaction
	if err := uow.DB().WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("ledger entry %d", id))
	}
	return &e, nil
}

// GetLedgerEntryByTransactionID loads the 1:1 entry for a transaction.
func (r *Repository) GetLedgerEntryByTransactionID(ctx context.Context, uow *UnitOfWork, txnID uint64) (*model.FiatWalletTransaction, error) {
	var e model.FiatWalletTransaction
	err := uow.DB().WithContext(ctx).Where("transaction_id = ?", txnID).First(&e).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("ledger entry for transaction %d", txnID))
	}
	return &e, nil
}

// FindLedgerEntryByProviderReference resolves an entry by a provider-issued
// correlation id (trade id, withdrawal request id, payment id).
func (r *Repository) FindLedgerEntryByProviderReference(ctx context.Context, uow *UnitOfWork, ref string) (*model.FiatWalletTransaction, error) {
	var e model.FiatWalletTransaction
	err := uow.DB().WithContext(ctx).Where("provider_reference = ?", ref).First(&e).Error
	if err != nil {
		return nil, notFound(err, "ledger entry provider ref "+ref)
	}
	return &e, nil
}

// SaveLedgerEntry persists all fields of e.
func (r *Repository) SaveLedgerEntry(ctx context.Context, uow *UnitOfWork, e *model.FiatWalletTransaction) error {
	return uow.DB().WithContext(ctx).Save(e).Error
}

// --- rate configuration (read-only to the core) ---

// GetRateConfig loads a rate configuration by id.
func (r *Repository) GetRateConfig(ctx context.Context, id uint64) (*model.RateConfig, error) {
	var rc model.RateConfig
	if err := r.db.WithContext(ctx).First(&rc, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("rate config %d", id))
	}
	return &rc, nil
}

// GetActiveRateConfig loads the active schedule for a provider and pair.
func (r *Repository) GetActiveRateConfig(ctx context.Context, provider, source, destination string) (*model.RateConfig, error) {
	var rc model.RateConfig
	err := r.db.WithContext(ctx).
		Where("provider = ? AND source_currency = ? AND destination_currency = ? AND active = ?",
			provider, source, destination, true).
		Order("updated_at desc").
		First(&rc).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("rate config %s %s->%s", provider, source, destination))
	}
	return &rc, nil
}

// --- outbox & events ---

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, uow *UnitOfWork, evt *model.OutboxEvent) error {
	return uow.DB().WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// --- balance cache (best effort) ---

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, walletID uint64, balance int64) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, fmt.Sprintf("balance:%d", walletID), balance, 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, walletID uint64) (int64, error) {
	if r.rdb == nil {
		return 0, redis.Nil
	}
	return r.rdb.Get(ctx, fmt.Sprintf("balance:%d", walletID)).Int64()
}
