package billing

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/nimbushost/panel/pkg/models"
)

func generateSignature(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	now := time.Now().Unix()
	signature := webhook.ComputeSignature(time.Unix(now, 0), payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(signature))
}

func postWebhook(t *testing.T, handler *WebhookHandler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/webhooks/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	handler.HandleWebhook(w, req)
	return w
}

func TestWebhookSignatureVerification(t *testing.T) {
	handler := NewWebhookHandler("whsec_test_secret", newFakeStore(), nil, nil, zap.NewNop())

	valid := []byte(`{"id": "evt_123", "object": "event", "api_version": "2023-10-16"}`)

	tests := []struct {
		name           string
		payload        []byte
		signature      string
		expectedStatus int
	}{
		{"no signature", []byte(`{}`), "", http.StatusBadRequest},
		{"invalid signature", []byte(`{}`), "t=123,v1=invalid", http.StatusBadRequest},
		{"valid signature, unknown event", valid, generateSignature(t, valid, "whsec_test_secret"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postWebhook(t, handler, tt.payload, tt.signature)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestWebhookDepositSettlement(t *testing.T) {
	store := newFakeStore()
	store.users["u1"] = models.User{ID: "u1", Balance: 100}
	store.txs = append(store.txs, models.Transaction{
		ID: "tx-1", UserID: "u1", Amount: 5000,
		Type: models.TxDeposit, Status: models.TxStatusPending,
	})
	handler := NewWebhookHandler("whsec_test_secret", store, nil, nil, zap.NewNop())

	payload := []byte(`{
		"id": "evt_deposit_1",
		"object": "event",
		"api_version": "2023-10-16",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_1", "amount": 5000, "metadata": {"transaction_id": "tx-1", "user_id": "u1"}}}
	}`)

	w := postWebhook(t, handler, payload, generateSignature(t, payload, "whsec_test_secret"))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, int64(5100), store.balance("u1"))
	deposits := store.transactionsOfType(models.TxDeposit)
	require.Len(t, deposits, 1)
	assert.Equal(t, models.TxStatusCompleted, deposits[0].Status)

	// Stripe retries are no-ops: the event ID is already reserved.
	w = postWebhook(t, handler, payload, generateSignature(t, payload, "whsec_test_secret"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5100), store.balance("u1"))
}

func TestWebhookDepositFailure(t *testing.T) {
	store := newFakeStore()
	store.users["u1"] = models.User{ID: "u1", Balance: 100}
	store.txs = append(store.txs, models.Transaction{
		ID: "tx-1", UserID: "u1", Amount: 5000,
		Type: models.TxDeposit, Status: models.TxStatusPending,
	})
	handler := NewWebhookHandler("whsec_test_secret", store, nil, nil, zap.NewNop())

	payload := []byte(`{
		"id": "evt_deposit_2",
		"object": "event",
		"api_version": "2023-10-16",
		"type": "payment_intent.payment_failed",
		"data": {"object": {"id": "pi_1", "amount": 5000, "metadata": {"transaction_id": "tx-1", "user_id": "u1"}}}
	}`)

	w := postWebhook(t, handler, payload, generateSignature(t, payload, "whsec_test_secret"))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, int64(100), store.balance("u1"))
	deposits := store.transactionsOfType(models.TxDeposit)
	require.Len(t, deposits, 1)
	assert.Equal(t, models.TxStatusFailed, deposits[0].Status)
}

func TestWebhookMissingMetadataFails(t *testing.T) {
	handler := NewWebhookHandler("whsec_test_secret", newFakeStore(), nil, nil, zap.NewNop())

	payload := []byte(`{
		"id": "evt_deposit_3",
		"object": "event",
		"api_version": "2023-10-16",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_1", "amount": 5000, "metadata": {}}}
	}`)

	w := postWebhook(t, handler, payload, generateSignature(t, payload, "whsec_test_secret"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// The failed event's lock is released so a retry can succeed.
	handler.mu.Lock()
	_, reserved := handler.processedEvents["evt_deposit_3"]
	handler.mu.Unlock()
	assert.False(t, reserved)
}
