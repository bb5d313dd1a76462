package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cedarpay/fx-ledger/internal/config"
	"github.com/cedarpay/fx-ledger/internal/custody"
	"github.com/cedarpay/fx-ledger/internal/payout"
	"github.com/cedarpay/fx-ledger/internal/repo"
)

// Header names carrying each provider's raw-body HMAC.
const (
	CustodySignatureHeader = "X-Custody-Signature"
	PayoutSignatureHeader  = "X-Payout-Signature"
)

func NewRouter(custodyH *custody.Handler, payoutH *payout.Handler, repository *repo.Repository, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))

	hooks := r.Group("/v1/webhooks")
	{
		hooks.POST("/custody",
			SignatureMiddleware(CustodySignatureHeader, cfg.Providers.Custody.WebhookSecret, log),
			custodyWebhookHandler(custodyH, log))
		hooks.POST("/payout",
			SignatureMiddleware(PayoutSignatureHeader, cfg.Providers.Payout.WebhookSecret, log),
			payoutWebhookHandler(payoutH, log))
	}

	r.GET("/v1/wallets/:user_id/:currency/balance", balanceHandler(repository, log))
	return r
}
