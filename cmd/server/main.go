package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cedarpay/fx-ledger/internal/config"
	"github.com/cedarpay/fx-ledger/internal/custody"
	"github.com/cedarpay/fx-ledger/internal/exchange"
	"github.com/cedarpay/fx-ledger/internal/ledger"
	"github.com/cedarpay/fx-ledger/internal/lock"
	"github.com/cedarpay/fx-ledger/internal/logger"
	"github.com/cedarpay/fx-ledger/internal/model"
	"github.com/cedarpay/fx-ledger/internal/payout"
	"github.com/cedarpay/fx-ledger/internal/rates"
	"github.com/cedarpay/fx-ledger/internal/repo"
	httptransport "github.com/cedarpay/fx-ledger/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Wallet{}, &model.Transaction{}, &model.FiatWalletTransaction{},
		&model.RateConfig{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. core components
	repository := repo.NewRepository(gdb, rdb, kw, log)
	locker := lock.NewRedisLocker(rdb)
	walletPolicy := lock.Policy(cfg.Locks.Wallet)
	exchangePolicy := lock.Policy(cfg.Locks.Exchange)

	engine := ledger.NewEngine(repository, locker, walletPolicy, log)
	rateSvc := rates.NewService(repository)
	orch := exchange.NewOrchestrator(repository, engine, locker, exchangePolicy, log)

	custodyClient := custody.NewAPIClient(cfg.Providers.Custody.BaseURL)
	custodyHandler := custody.NewHandler(repository, engine, rateSvc, orch, locker, custodyClient,
		custody.Config{Production: cfg.Production(), Provider: "payout",
			WithdrawalLockPolicy: exchangePolicy, WalletLockPolicy: walletPolicy}, log)

	payoutClient := payout.NewAPIClient(cfg.Providers.Payout.BaseURL)
	payoutHandler := payout.NewHandler(repository, engine, rateSvc, orch, payoutClient, payoutClient,
		payout.Config{Production: cfg.Production(), Provider: "payout"}, log)

	// 7. break the cross-provider cycle through the orchestrator
	orch.SetSourceReconciler(custodyHandler)
	orch.SetDisburser(payoutClient)

	// 8. gin router
	router := httptransport.NewRouter(custodyHandler, payoutHandler, repository, cfg, log)

	// 9. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("fx-ledger listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
