package payout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cedarpay/fx-ledger/internal/custody"
	"github.com/cedarpay/fx-ledger/internal/exchange"
	"github.com/cedarpay/fx-ledger/internal/ledger"
	"github.com/cedarpay/fx-ledger/internal/lock"
	"github.com/cedarpay/fx-ledger/internal/logger"
	"github.com/cedarpay/fx-ledger/internal/model"
	"github.com/cedarpay/fx-ledger/internal/rates"
	"github.com/cedarpay/fx-ledger/internal/repo"
)

type fakePayoutClient struct {
	payment   *PaymentRequest
	transfers []TransferRequest
}

func (f *fakePayoutClient) GetPaymentRequest(_ context.Context, id string) (*PaymentRequest, error) {
	if f.payment == nil {
		return nil, fmt.Errorf("payment %s not found", id)
	}
	return f.payment, nil
}

func (f *fakePayoutClient) CreateTransfer(_ context.Context, req TransferRequest) error {
	f.transfers = append(f.transfers, req)
	return nil
}

type fakeDisburser struct {
	requests []exchange.PaymentRequest
}

func (f *fakeDisburser) CreatePayment(_ context.Context, req exchange.PaymentRequest) (string, error) {
	f.requests = append(f.requests, req)
	return fmt.Sprintf("pay-%d", len(f.requests)), nil
}

type fakeScheduler struct {
	accounts []string
	after    time.Duration
}

func (f *fakeScheduler) ScheduleDeletion(_ context.Context, accountID string, after time.Duration) error {
	f.accounts = append(f.accounts, accountID)
	f.after = after
	return nil
}

// fakeSourceClient stands in for the custody provider API in the
// order-independence tests.
type fakeSourceClient struct {
	withdrawalStatus string
}

func (f *fakeSourceClient) GetWithdrawalRequest(_ context.Context, id string) (*custody.WithdrawalRequest, error) {
	return &custody.WithdrawalRequest{ID: id, Status: f.withdrawalStatus}, nil
}

func (f *fakeSourceClient) GetTransferRequest(_ context.Context, id string) (*custody.TransferRequest, error) {
	return nil, fmt.Errorf("transfer %s not found", id)
}

type payoutFixture struct {
	repo         *repo.Repository
	engine       *ledger.Engine
	orch         *exchange.Orchestrator
	handler      *Handler
	source       *custody.Handler
	sourceClient *fakeSourceClient
	client       *fakePayoutClient
	scheduler    *fakeScheduler
	disburser    *fakeDisburser
	ctx          context.Context
}

func newPayoutFixture(t *testing.T) *payoutFixture {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(
		&model.Wallet{}, &model.Transaction{}, &model.FiatWalletTransaction{},
		&model.RateConfig{}, &model.OutboxEvent{},
	))

	log, err := logger.NewLogger()
	assert.NoError(t, err)
	repository := repo.NewRepository(db, nil, &kafka.Writer{}, log)

	locker := lock.NewMemoryLocker()
	fast := lock.Policy{TTL: time.Second, Retries: 50, RetryDelay: time.Millisecond}
	engine := ledger.NewEngine(repository, locker, fast, log)
	rateSvc := rates.NewService(repository)
	orch := exchange.NewOrchestrator(repository, engine, locker, fast, log)

	client := &fakePayoutClient{}
	scheduler := &fakeScheduler{}
	handler := NewHandler(repository, engine, rateSvc, orch, client, scheduler, Config{
		Provider:           "naira-rail",
		DestinationRetries: 1,
		RetryDelay:         time.Millisecond,
	}, log)

	sourceClient := &fakeSourceClient{withdrawalStatus: custody.WithdrawalStatusPending}
	source := custody.NewHandler(repository, engine, rateSvc, orch, locker, sourceClient, custody.Config{
		Provider:             "naira-rail",
		WithdrawalLockPolicy: fast,
		StatusRetries:        1,
		StatusRetryDelay:     time.Millisecond,
		LookupRetryDelay:     time.Millisecond,
	}, log)
	orch.SetSourceReconciler(source)
	disburser := &fakeDisburser{}
	orch.SetDisburser(disburser)

	ctx := context.Background()
	assert.NoError(t, db.Create(&model.RateConfig{
		Provider: "naira-rail", SourceCurrency: "USD", DestinationCurrency: "NGN",
		Rate: decimal.NewFromInt(1500), Active: true,
	}).Error)
	assert.NoError(t, db.Create(&model.RateConfig{
		Provider: "naira-rail", SourceCurrency: "NGN", DestinationCurrency: "USD",
		Rate: decimal.RequireFromString("0.00066667"), Active: true,
	}).Error)

	return &payoutFixture{
		repo: repository, engine: engine, orch: orch, handler: handler,
		source: source, sourceClient: sourceClient,
		client: client, scheduler: scheduler, disburser: disburser, ctx: ctx,
	}
}

// seedWithdrawal mirrors what an initiated custody withdrawal leaves behind.
func (f *payoutFixture) seedWithdrawal(t *testing.T, amount int64, requestID string) (*model.Wallet, *model.Transaction) {
	var w *model.Wallet
	var txn *model.Transaction
	err := f.repo.WithUnitOfWork(f.ctx, func(uow *repo.UnitOfWork) error {
		var err error
		w, err = f.repo.GetOrCreateWallet(f.ctx, uow, 7, "USD")
		if err != nil {
			return err
		}
		if err := f.repo.UpdateWalletBalance(f.ctx, uow, w.ID, amount, 0, w.Version); err != nil {
			return err
		}
		w.Balance = amount
		w.Version++

		txn = &model.Transaction{
			UserID: 7, Amount: amount, Currency: "USD",
			Status: model.StatusPending, Type: model.TypeExchange,
			Reference: "src-" + requestID,
			Metadata:  model.Metadata{"withdrawal_request_id": requestID},
		}
		if err := f.repo.CreateTransaction(f.ctx, uow, txn); err != nil {
			return err
		}
		ref := requestID
		return f.repo.CreateLedgerEntry(f.ctx, uow, &model.FiatWalletTransaction{
			TransactionID: txn.ID, WalletID: w.ID, Amount: amount,
			BalanceBefore: amount, BalanceAfter: amount,
			Status: model.StatusPending, ProviderReference: &ref,
			Metadata: model.Metadata{},
		})
	})
	assert.NoError(t, err)
	return w, txn
}

func (f *payoutFixture) childOf(t *testing.T, parentID uint64) *model.Transaction {
	var children []model.Transaction
	assert.NoError(t, f.repo.DB(f.ctx).
		Where("parent_transaction_id = ?", parentID).Find(&children).Error)
	assert.Len(t, children, 1)
	return &children[0]
}

func TestPaymentComplete_BeforeSourceConfirmation(t *testing.T) {
	f := newPayoutFixture(t)
	w, parent := f.seedWithdrawal(t, 100, "wd-1")
	f.sourceClient.withdrawalStatus = custody.WithdrawalStatusConfirmed

	// The payout provider's callback outran the custody provider's.
	err := f.handler.HandleEvent(f.ctx, &Event{
		Event: "payment.complete", SequenceID: "seq-1",
		Reference: parent.Reference,
		Amount:    decimal.NewFromInt(150000), Currency: "NGN",
	})
	assert.NoError(t, err)

	var wallet model.Wallet
	assert.NoError(t, f.repo.DB(f.ctx).First(&wallet, w.ID).Error)
	assert.Equal(t, int64(0), wallet.Balance, "source leg completed via reconciliation")

	var src model.Transaction
	assert.NoError(t, f.repo.DB(f.ctx).First(&src, parent.ID).Error)
	assert.Equal(t, model.StatusCompleted, src.Status)

	child := f.childOf(t, parent.ID)
	assert.Equal(t, int64(150000), child.Amount)
	assert.Equal(t, "NGN", child.Currency)
	assert.Equal(t, model.StatusProcessing, child.Status)
}

func TestPaymentComplete_EitherCallbackOrderConverges(t *testing.T) {
	f := newPayoutFixture(t)
	w, parent := f.seedWithdrawal(t, 100, "wd-1")
	f.sourceClient.withdrawalStatus = custody.WithdrawalStatusConfirmed

	// Custody order: pending, confirmed, then the payout confirmation.
	err := f.source.HandleBalanceMovement(f.ctx, &custody.MovementEvent{
		UserID: 7, Currency: "USD",
		Movements: []custody.BalanceMovement{
			{Type: custody.MovementWithdrawalPending, WithdrawalRequestID: "wd-1", Change: decimal.NewFromInt(-100)},
			{Type: custody.MovementWithdrawalConfirmed, WithdrawalRequestID: "wd-1", Change: decimal.NewFromInt(-100)},
		},
	})
	assert.NoError(t, err)

	err = f.handler.HandleEvent(f.ctx, &Event{
		Event: "payment.complete", SequenceID: "seq-1",
		Reference: parent.Reference,
		Amount:    decimal.NewFromInt(150000), Currency: "NGN",
	})
	assert.NoError(t, err)

	var wallet model.Wallet
	assert.NoError(t, f.repo.DB(f.ctx).First(&wallet, w.ID).Error)
	assert.Equal(t, int64(0), wallet.Balance, "debited exactly once across both callbacks")

	child := f.childOf(t, parent.ID)
	assert.Equal(t, int64(150000), child.Amount)
	assert.Equal(t, model.StatusProcessing, child.Status)
}

func TestPaymentComplete_ProviderReferenceResolvesToSameExchange(t *testing.T) {
	f := newPayoutFixture(t)
	_, parent := f.seedWithdrawal(t, 100, "wd-1")
	f.sourceClient.withdrawalStatus = custody.WithdrawalStatusConfirmed

	err := f.source.HandleBalanceMovement(f.ctx, &custody.MovementEvent{
		UserID: 7, Currency: "USD",
		Movements: []custody.BalanceMovement{
			{Type: custody.MovementWithdrawalPending, WithdrawalRequestID: "wd-1", Change: decimal.NewFromInt(-100)},
			{Type: custody.MovementWithdrawalConfirmed, WithdrawalRequestID: "wd-1", Change: decimal.NewFromInt(-100)},
		},
	})
	assert.NoError(t, err)

	// The outbound payment carries the exchange correlation id, never the
	// destination leg's internal reference.
	assert.Len(t, f.disburser.requests, 1)
	assert.Equal(t, parent.Reference, f.disburser.requests[0].Reference)

	// The provider echoes that same reference back in its confirmation.
	err = f.handler.HandleEvent(f.ctx, &Event{
		Event: "payment.complete", SequenceID: "seq-1",
		Reference: f.disburser.requests[0].Reference,
		Amount:    decimal.NewFromInt(150000), Currency: "NGN",
	})
	assert.NoError(t, err)

	var legs []model.Transaction
	assert.NoError(t, f.repo.DB(f.ctx).
		Where("parent_transaction_id IS NOT NULL").Find(&legs).Error)
	assert.Len(t, legs, 1, "one destination leg per exchange")
	assert.Equal(t, parent.ID, *legs[0].ParentTransactionID)
	assert.Equal(t, model.StatusProcessing, legs[0].Status)
	assert.Len(t, f.disburser.requests, 1, "no second disbursement")
}

func TestPaymentComplete_RedeliveryDeductsFloatCreditOnce(t *testing.T) {
	f := newPayoutFixture(t)
	_, parent := f.seedWithdrawal(t, 100, "wd-1")
	f.sourceClient.withdrawalStatus = custody.WithdrawalStatusConfirmed

	// Provider float accumulated by earlier settlements.
	err := f.repo.WithUnitOfWork(f.ctx, func(uow *repo.UnitOfWork) error {
		float, err := f.repo.GetProviderFloatWallet(f.ctx, uow, "NGN")
		if err != nil {
			return err
		}
		return f.repo.UpdateWalletBalance(f.ctx, uow, float.ID, float.Balance, 400000, float.Version)
	})
	assert.NoError(t, err)

	evt := &Event{
		Event: "payment.complete", SequenceID: "seq-1",
		Reference: parent.Reference,
		Amount:    decimal.NewFromInt(150000), Currency: "NGN",
	}
	assert.NoError(t, f.handler.HandleEvent(f.ctx, evt))
	assert.NoError(t, f.handler.HandleEvent(f.ctx, evt), "redelivery")

	var float model.Wallet
	assert.NoError(t, f.repo.DB(f.ctx).
		Where("user_id = ? AND currency = ?", 0, "NGN").First(&float).Error)
	assert.Equal(t, int64(250000), float.CreditBalance, "deducted exactly once")

	child := f.childOf(t, parent.ID)
	assert.Equal(t, model.StatusProcessing, child.Status)
}

func TestPaymentFailed_SynthesizesDestinationLeg(t *testing.T) {
	f := newPayoutFixture(t)
	_, parent := f.seedWithdrawal(t, 100, "wd-1")

	err := f.handler.HandleEvent(f.ctx, &Event{
		Event: "payment.failed", SequenceID: "seq-1",
		Reference:        parent.Reference,
		VirtualAccountID: "va-1",
		Currency:         "NGN",
	})
	assert.NoError(t, err)

	child := f.childOf(t, parent.ID)
	assert.Equal(t, model.StatusFailed, child.Status)
	assert.Equal(t, int64(150000), child.Amount, "amount backfilled from the rate schedule")
	assert.Equal(t, parent.Reference+":dest", child.Reference)

	var entry model.FiatWalletTransaction
	assert.NoError(t, f.repo.DB(f.ctx).
		Where("transaction_id = ?", child.ID).First(&entry).Error)
	assert.Equal(t, entry.BalanceBefore, entry.BalanceAfter, "no funds move on a failed leg")
	assert.NotNil(t, entry.CompletedAt)

	assert.Equal(t, []string{"va-1"}, f.scheduler.accounts)
	assert.Equal(t, 7*24*time.Hour, f.scheduler.after)
}

func TestPaymentFailed_NeverRegressesCompletedChild(t *testing.T) {
	f := newPayoutFixture(t)
	_, parent := f.seedWithdrawal(t, 100, "wd-1")

	extRef := parent.Reference
	child := &model.Transaction{
		UserID: 7, Amount: 150000, Currency: "NGN",
		Status: model.StatusCompleted, Type: model.TypeExchange,
		ExternalReference: &extRef, Reference: "child-ref",
		ParentTransactionID: &parent.ID,
	}
	err := f.repo.WithUnitOfWork(f.ctx, func(uow *repo.UnitOfWork) error {
		return f.repo.CreateTransaction(f.ctx, uow, child)
	})
	assert.NoError(t, err)

	err = f.handler.HandleEvent(f.ctx, &Event{
		Event: "payment.failed", Reference: parent.Reference, Currency: "NGN",
	})
	assert.NoError(t, err)

	var got model.Transaction
	assert.NoError(t, f.repo.DB(f.ctx).First(&got, child.ID).Error)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestCollectionSettlementComplete_AdoptsDepositPlaceholder(t *testing.T) {
	f := newPayoutFixture(t)

	// Collection source leg, NGN in.
	parent := &model.Transaction{
		UserID: 7, Amount: 150000, Currency: "NGN",
		Status: model.StatusPending, Type: model.TypeExchange,
		Reference: "col-1",
	}
	err := f.repo.WithUnitOfWork(f.ctx, func(uow *repo.UnitOfWork) error {
		return f.repo.CreateTransaction(f.ctx, uow, parent)
	})
	assert.NoError(t, err)

	// The custody deposit callback got there first and left a placeholder.
	err = f.source.HandleBalanceMovement(f.ctx, &custody.MovementEvent{
		UserID: 7, Currency: "USD",
		Movements: []custody.BalanceMovement{
			{Type: custody.MovementDeposit, DepositReferenceID: "dep-1", Change: decimal.NewFromInt(100)},
		},
	})
	assert.NoError(t, err)

	evt := &Event{
		Event: "collection.settlement.complete",
		Reference: "col-1", DepositReference: "dep-1",
		Amount: decimal.NewFromInt(150000), Currency: "NGN",
	}
	assert.NoError(t, f.handler.HandleEvent(f.ctx, evt))
	assert.NoError(t, f.handler.HandleEvent(f.ctx, evt), "redelivery")

	var legs []model.Transaction
	assert.NoError(t, f.repo.DB(f.ctx).
		Where("external_reference = ?", "dep-1").Find(&legs).Error)
	assert.Len(t, legs, 1, "placeholder adopted, never duplicated")
	adopted := legs[0]
	assert.Equal(t, model.StatusCompleted, adopted.Status)
	assert.Equal(t, int64(100), adopted.Amount)
	assert.Equal(t, "USD", adopted.Currency)
	assert.NotNil(t, adopted.ParentTransactionID)
	assert.Equal(t, parent.ID, *adopted.ParentTransactionID)

	var wallet model.Wallet
	assert.NoError(t, f.repo.DB(f.ctx).
		Where("user_id = ? AND currency = ?", 7, "USD").First(&wallet).Error)
	assert.Equal(t, int64(100), wallet.Balance, "credited exactly once")

	// Outside production the settlement transfer is simulated.
	assert.NotEmpty(t, f.client.transfers)
	assert.Equal(t, "col-1", f.client.transfers[0].Reference)
}

func TestCollectionComplete_SettlesFloatCredit(t *testing.T) {
	f := newPayoutFixture(t)

	extRef := "col-2"
	txn := &model.Transaction{
		UserID: 7, Amount: 150000, Currency: "NGN",
		Status: model.StatusPending, Type: model.TypeExchange,
		ExternalReference: &extRef, Reference: "col-2-ref",
	}
	err := f.repo.WithUnitOfWork(f.ctx, func(uow *repo.UnitOfWork) error {
		return f.repo.CreateTransaction(f.ctx, uow, txn)
	})
	assert.NoError(t, err)

	assert.NoError(t, f.handler.HandleEvent(f.ctx, &Event{
		Event: "collection.complete", Reference: "col-2", Currency: "NGN",
	}))

	var got model.Transaction
	assert.NoError(t, f.repo.DB(f.ctx).First(&got, txn.ID).Error)
	assert.Equal(t, model.StatusCompleted, got.Status)

	var float model.Wallet
	assert.NoError(t, f.repo.DB(f.ctx).
		Where("user_id = ? AND currency = ?", 0, "NGN").First(&float).Error)
	assert.Equal(t, int64(150000), float.CreditBalance)

	// Redelivery: terminal collection is left alone.
	assert.NoError(t, f.handler.HandleEvent(f.ctx, &Event{
		Event: "collection.complete", Reference: "col-2", Currency: "NGN",
	}))
	assert.NoError(t, f.repo.DB(f.ctx).
		Where("user_id = ? AND currency = ?", 0, "NGN").First(&float).Error)
	assert.Equal(t, int64(150000), float.CreditBalance, "credited exactly once")
}

func TestCollectionFailed_MarksLegFailed(t *testing.T) {
	f := newPayoutFixture(t)

	extRef := "col-3"
	txn := &model.Transaction{
		UserID: 7, Amount: 150000, Currency: "NGN",
		Status: model.StatusPending, Type: model.TypeExchange,
		ExternalReference: &extRef, Reference: "col-3-ref",
	}
	err := f.repo.WithUnitOfWork(f.ctx, func(uow *repo.UnitOfWork) error {
		return f.repo.CreateTransaction(f.ctx, uow, txn)
	})
	assert.NoError(t, err)

	assert.NoError(t, f.handler.HandleEvent(f.ctx, &Event{
		Event: "collection.failed", Reference: "col-3", Currency: "NGN",
	}))

	var got model.Transaction
	assert.NoError(t, f.repo.DB(f.ctx).First(&got, txn.ID).Error)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestSettlementComplete_IncreasesFloatCredit(t *testing.T) {
	f := newPayoutFixture(t)

	assert.NoError(t, f.handler.HandleEvent(f.ctx, &Event{
		Event: "settlement.complete", Amount: decimal.NewFromInt(75000), Currency: "NGN",
	}))

	var float model.Wallet
	assert.NoError(t, f.repo.DB(f.ctx).
		Where("user_id = ? AND currency = ?", 0, "NGN").First(&float).Error)
	assert.Equal(t, int64(75000), float.CreditBalance)
}

func TestUnknownEventCategoryAcknowledged(t *testing.T) {
	f := newPayoutFixture(t)
	assert.NoError(t, f.handler.HandleEvent(f.ctx, &Event{Event: "kyc.updated"}))
}

func TestEventCategoryAndAction(t *testing.T) {
	e := &Event{Event: "collection.settlement.complete"}
	assert.Equal(t, "collection", e.Category())
	assert.Equal(t, "settlement.complete", e.Action())

	e = &Event{Event: "payment"}
	assert.Equal(t, "payment", e.Category())
	assert.Equal(t, "", e.Action())
}
