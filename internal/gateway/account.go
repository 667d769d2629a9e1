package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"go.uber.org/zap"

	"github.com/nimbushost/panel/internal/billing"
	"github.com/nimbushost/panel/pkg/models"
)

const (
	minDepositCents = 500     // $5
	maxDepositCents = 1000000 // $10,000
)

func (g *Gateway) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            user.ID,
		"email":         user.Email,
		"name":          user.Name,
		"balance_cents": user.Balance,
		"is_suspended":  user.IsSuspended,
		"created_at":    user.CreatedAt,
	})
}

func (g *Gateway) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	txs, err := g.store.TransactionsByUser(r.Context(), user.ID)
	if err != nil {
		g.logger.Error("failed to list transactions", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	g.writeJSON(w, http.StatusOK, txs)
}

type createDepositRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

// handleCreateDeposit opens a Stripe PaymentIntent for a balance top-up
// and records a pending deposit in the ledger. The webhook completes or
// fails the entry when Stripe reports the outcome.
func (g *Gateway) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	var req createDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AmountCents < minDepositCents || req.AmountCents > maxDepositCents {
		g.writeError(w, http.StatusBadRequest, "amount_cents out of range")
		return
	}

	ctx := r.Context()
	tx := models.Transaction{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Amount:      req.AmountCents,
		Type:        models.TxDeposit,
		Status:      models.TxStatusPending,
		Description: "Balance deposit",
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.store.CreateTransaction(ctx, tx); err != nil {
		g.logger.Error("failed to record pending deposit", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to create deposit")
		return
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata(billing.MetadataTransactionID, tx.ID)
	params.AddMetadata("user_id", user.ID)

	intent, err := paymentintent.New(params)
	if err != nil {
		g.logger.Error("failed to create payment intent",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
		if failErr := g.store.FailDeposit(ctx, tx.ID); failErr != nil {
			g.logger.Error("failed to mark deposit failed", zap.Error(failErr))
		}
		g.writeError(w, http.StatusBadGateway, "payment provider unavailable")
		return
	}

	g.logger.Info("deposit initiated",
		zap.String("user_id", user.ID),
		zap.String("transaction_id", tx.ID),
		zap.Int64("amount_cents", req.AmountCents),
	)

	g.writeJSON(w, http.StatusCreated, map[string]string{
		"transaction_id": tx.ID,
		"client_secret":  intent.ClientSecret,
	})
}

func (g *Gateway) handlePricing(w http.ResponseWriter, r *http.Request) {
	tiers := g.costs.Sizes()
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MonthlyCents < tiers[j].MonthlyCents })

	type tierResponse struct {
		Slug         string  `json:"slug"`
		HourlyCents  int64   `json:"hourly_cents"`
		MonthlyCents int64   `json:"monthly_cents"`
		BandwidthGB  float64 `json:"bandwidth_gb"`
	}
	out := make([]tierResponse, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, tierResponse{
			Slug:         t.Slug,
			HourlyCents:  t.HourlyCents,
			MonthlyCents: t.MonthlyCents,
			BandwidthGB:  t.BandwidthGB,
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}
