package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cedarpay/fx-ledger/internal/custody"
	"github.com/cedarpay/fx-ledger/internal/errs"
	"github.com/cedarpay/fx-ledger/internal/payout"
	"github.com/cedarpay/fx-ledger/internal/repo"
)

// ack is the response envelope both providers expect. Internal processing
// failures are never exposed synchronously: they are logged and resolved by
// the next redelivered callback or out-of-band reconciliation.
type ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func acknowledged() ack       { return ack{Success: true, Message: "Acknowledged"} }
func ackError(msg string) ack { return ack{Success: false, Message: msg} }

// custodyEnvelope distinguishes the two custody callback streams.
type custodyEnvelope struct {
	EventType     string                      `json:"event_type"`
	Movement      *custody.MovementEvent      `json:"movement,omitempty"`
	PaymentStatus *custody.PaymentStatusEvent `json:"payment_status,omitempty"`
}

func custodyWebhookHandler(h *custody.Handler, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var env custodyEnvelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, ackError("invalid payload"))
			return
		}

		var err error
		switch {
		case env.EventType == "payment_status_changed" && env.PaymentStatus != nil:
			err = h.HandlePaymentStatus(c.Request.Context(), env.PaymentStatus)
		case env.Movement != nil:
			err = h.HandleBalanceMovement(c.Request.Context(), env.Movement)
		default:
			log.Infow("custody event without payload acknowledged", "event_type", env.EventType)
		}
		if err != nil {
			log.Errorw("custody webhook processing failed", "event_type", env.EventType, "error", err)
		}
		c.JSON(http.StatusOK, acknowledged())
	}
}

func payoutWebhookHandler(h *payout.Handler, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var evt payout.Event
		if err := c.ShouldBindJSON(&evt); err != nil {
			c.JSON(http.StatusBadRequest, ackError("invalid payload"))
			return
		}
		if err := h.HandleEvent(c.Request.Context(), &evt); err != nil {
			log.Errorw("payout webhook processing failed", "event", evt.Event, "error", err)
		}
		c.JSON(http.StatusOK, acknowledged())
	}
}

// balanceHandler serves the cached balance, falling back to the row when the
// cache misses.
func balanceHandler(r *repo.Repository, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseUint(c.Param("user_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ackError("invalid user id"))
			return
		}
		currency := c.Param("currency")

		w, err := r.GetWallet(c.Request.Context(), userID, currency)
		if errors.Is(err, errs.ErrNotFound) {
			c.JSON(http.StatusNotFound, ackError("wallet not found"))
			return
		}
		if err != nil {
			log.Errorw("wallet lookup failed", "user_id", userID, "currency", currency, "error", err)
			c.JSON(http.StatusInternalServerError, ackError("internal error"))
			return
		}

		balance := w.Balance
		if cached, err := r.GetCachedBalance(c.Request.Context(), w.ID); err == nil {
			balance = cached
		}
		c.JSON(http.StatusOK, gin.H{
			"user_id":        w.UserID,
			"currency":       w.Currency,
			"balance":        balance,
			"credit_balance": w.CreditBalance,
		})
	}
}
