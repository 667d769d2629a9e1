package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbushost/panel/pkg/events"
)

func TestEmailAdapterIncludesPanelLink(t *testing.T) {
	var gotAuth string
	var gotRequest resendEmailRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewEmailAdapter(
		"noreply@nimbushost.io", []string{"ops@nimbushost.io"},
		"re_test", "https://panel.nimbushost.io/", zap.NewNop(),
	)
	adapter.endpoint = server.URL

	event := events.NewEvent(events.EventBalanceLow, "u1", map[string]interface{}{
		"balance_cents": int64(120),
	})
	require.NoError(t, adapter.Send(context.Background(), event))

	assert.Equal(t, "Bearer re_test", gotAuth)
	assert.Equal(t, "[panel] account balance is low", gotRequest.Subject)
	assert.Contains(t, gotRequest.Text, "User ID:   u1")
	// Trailing slash on the configured URL must not double up.
	assert.Contains(t, gotRequest.Text, "Manage the account: https://panel.nimbushost.io/account")
}

func TestEmailAdapterOmitsLinkWithoutPanelURL(t *testing.T) {
	var gotRequest resendEmailRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewEmailAdapter("noreply@nimbushost.io", []string{"ops@nimbushost.io"}, "re_test", "", zap.NewNop())
	adapter.endpoint = server.URL

	require.NoError(t, adapter.Send(context.Background(), events.NewEvent(events.EventDepositFailed, "u2", nil)))
	assert.NotContains(t, gotRequest.Text, "Manage the account")
}
