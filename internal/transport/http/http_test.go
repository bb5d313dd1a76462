package http

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cedarpay/fx-ledger/internal/logger"
	"github.com/cedarpay/fx-ledger/internal/model"
	"github.com/cedarpay/fx-ledger/internal/repo"
)

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event":"payment.complete"}`)
	sig := Sign("topsecret", body)
	assert.True(t, VerifySignature("topsecret", body, sig))
	assert.False(t, VerifySignature("othersecret", body, sig))
	assert.False(t, VerifySignature("topsecret", []byte(`{"event":"tampered"}`), sig))
	assert.False(t, VerifySignature("topsecret", body, ""))
}

func newSignedRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger()
	assert.NoError(t, err)

	r := gin.New()
	r.POST("/hook",
		SignatureMiddleware(CustodySignatureHeader, "topsecret", log),
		custodyWebhookHandler(nil, log))
	return r
}

func post(r *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(CustodySignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSignatureMiddleware_AcceptsValidSignature(t *testing.T) {
	r := newSignedRouter(t)
	body := []byte(`{"event_type":"balance_created"}`)

	w := post(r, body, Sign("topsecret", body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"message":"Acknowledged"}`, w.Body.String())
}

func TestSignatureMiddleware_RejectsBadSignature(t *testing.T) {
	r := newSignedRouter(t)
	body := []byte(`{"event_type":"balance_created"}`)

	w := post(r, body, Sign("wrongsecret", body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"invalid signature"}`, w.Body.String())
}

func TestSignatureMiddleware_RejectsMissingSignature(t *testing.T) {
	r := newSignedRouter(t)
	w := post(r, []byte(`{}`), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCustodyWebhook_MalformedPayload(t *testing.T) {
	r := newSignedRouter(t)
	body := []byte(`{"event_type":`)

	w := post(r, body, Sign("topsecret", body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"invalid payload"}`, w.Body.String())
}

func TestCustodyWebhook_PayloadlessEventAcknowledged(t *testing.T) {
	r := newSignedRouter(t)
	body := []byte(`{"event_type":"heartbeat"}`)

	w := post(r, body, Sign("topsecret", body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"message":"Acknowledged"}`, w.Body.String())
}

func TestBalanceEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(&model.Wallet{}))
	assert.NoError(t, db.Create(&model.Wallet{
		UserID: 7, Currency: "USD", Balance: 150000, CreditBalance: 500,
	}).Error)

	log, err := logger.NewLogger()
	assert.NoError(t, err)
	repository := repo.NewRepository(db, nil, &kafka.Writer{}, log)

	r := gin.New()
	r.GET("/v1/wallets/:user_id/:currency/balance", balanceHandler(repository, log))

	req := httptest.NewRequest(http.MethodGet, "/v1/wallets/7/USD/balance", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":7,"currency":"USD","balance":150000,"credit_balance":500}`, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/wallets/7/NGN/balance", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/wallets/seven/USD/balance", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
