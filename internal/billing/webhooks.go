package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/nimbushost/panel/pkg/cache"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/events"
	"github.com/nimbushost/panel/pkg/metrics"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute

	// MetadataTransactionID is the PaymentIntent metadata key carrying the
	// pending ledger entry to settle. Set when the deposit is created.
	MetadataTransactionID = "transaction_id"
)

// WebhookHandler settles balance deposits from Stripe payment events.
//
// The gateway creates a pending deposit transaction together with a
// PaymentIntent whose metadata carries the transaction ID. When Stripe
// reports the outcome here, the pending entry is completed or failed.
//
// All events must pass Stripe signature verification, and events are
// deduplicated by Stripe event ID through Redis when available, with an
// in-memory fallback for tests and cacheless deployments.
type WebhookHandler struct {
	webhookSecret string
	store         database.Store
	cache         *cache.Cache
	eventBus      *events.Bus
	logger        *zap.Logger

	mu              sync.Mutex
	processedEvents map[string]time.Time
}

// NewWebhookHandler creates a webhook handler. cacheClient may be nil,
// in which case idempotency falls back to the in-process map.
func NewWebhookHandler(webhookSecret string, store database.Store, cacheClient *cache.Cache, eventBus *events.Bus, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		store:           store,
		cache:           cacheClient,
		eventBus:        eventBus,
		logger:          logger,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook is the HTTP entry point for Stripe events. It verifies
// the signature, reserves the event ID so retries become no-ops, routes
// payment_intent outcomes to the deposit settlement logic and ignores
// unknown event types.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	acquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		http.Error(w, "failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !acquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	var handlerErr error
	defer func() {
		h.finalizeEvent(ctx, event.ID, handlerErr == nil)
	}()

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	switch event.Type {
	case "payment_intent.succeeded":
		handlerErr = h.handlePaymentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		handlerErr = h.handlePaymentFailed(ctx, event)
	default:
		// Stripe sends every event type the account subscribes to;
		// anything we do not settle deposits from is acknowledged as-is.
		h.logger.Debug("ignoring webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(handlerErr),
		)
		http.Error(w, "event processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	intent, txID, err := parseIntent(event)
	if err != nil {
		return err
	}

	if err := h.store.CompleteDeposit(ctx, txID); err != nil {
		return fmt.Errorf("failed to complete deposit: %w", err)
	}
	metrics.RecordDeposit(intent.Amount)

	h.logger.Info("deposit completed",
		zap.String("transaction_id", txID),
		zap.String("payment_intent_id", intent.ID),
		zap.Int64("amount_cents", intent.Amount),
	)

	if h.eventBus != nil {
		h.eventBus.Publish(ctx, events.NewEvent(events.EventDepositCompleted, intent.Metadata["user_id"], map[string]interface{}{
			"transaction_id":    txID,
			"amount_cents":      intent.Amount,
			"payment_intent_id": intent.ID,
		}))
	}
	return nil
}

func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	intent, txID, err := parseIntent(event)
	if err != nil {
		return err
	}

	failureMessage := ""
	if intent.LastPaymentError != nil {
		failureMessage = intent.LastPaymentError.Msg
	}

	if err := h.store.FailDeposit(ctx, txID); err != nil {
		return fmt.Errorf("failed to mark deposit failed: %w", err)
	}

	h.logger.Warn("deposit failed",
		zap.String("transaction_id", txID),
		zap.String("payment_intent_id", intent.ID),
		zap.Int64("amount_cents", intent.Amount),
		zap.String("failure_message", failureMessage),
	)

	if h.eventBus != nil {
		h.eventBus.Publish(ctx, events.NewEvent(events.EventDepositFailed, intent.Metadata["user_id"], map[string]interface{}{
			"transaction_id":    txID,
			"amount_cents":      intent.Amount,
			"payment_intent_id": intent.ID,
			"failure_message":   failureMessage,
		}))
	}
	return nil
}

func parseIntent(event stripe.Event) (stripe.PaymentIntent, string, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return intent, "", fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}
	txID := intent.Metadata[MetadataTransactionID]
	if txID == "" {
		return intent, "", fmt.Errorf("payment intent %s missing transaction metadata", intent.ID)
	}
	return intent, txID, nil
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		return h.cache.SetNX(ctx, webhookKey(eventID), "processing", webhookProcessingTTL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		key := webhookKey(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		} else {
			// Release the lock so Stripe's retry can reprocess.
			if err := h.cache.Delete(ctx, key); err != nil {
				h.logger.Warn("failed to release webhook lock",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func webhookKey(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}
