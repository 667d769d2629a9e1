// Package notifications delivers operational billing events (teardowns,
// low balances, deposit outcomes) to email and outbound webhooks.
package notifications

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nimbushost/panel/pkg/events"
)

// Adapter delivers one event to one channel.
type Adapter interface {
	Send(ctx context.Context, event events.Event) error
	Name() string
}

// Service subscribes to the event bus and fans events out to the
// configured channel adapters. Delivery is best effort with a small
// in-handler retry; a channel that stays down loses its notifications.
type Service struct {
	config   *Config
	bus      *events.Bus
	logger   *zap.Logger
	adapters []Adapter
}

// NewService creates the notification service. When disabled it is a
// no-op shell that subscribes to nothing.
func NewService(config *Config, bus *events.Bus, logger *zap.Logger) *Service {
	s := &Service{config: config, bus: bus, logger: logger}
	if !config.Enabled {
		logger.Info("notification service is disabled")
		return s
	}

	if config.EmailEnabled {
		s.adapters = append(s.adapters, NewEmailAdapter(config.EmailFrom, config.EmailTo, config.ResendAPIKey, config.PanelBaseURL, logger))
		logger.Info("email notifications enabled",
			zap.String("from", config.EmailFrom),
			zap.Strings("to", config.EmailTo),
		)
	}
	if config.WebhookEnabled {
		s.adapters = append(s.adapters, NewWebhookAdapter(config.WebhookURL, config.WebhookSecret, logger))
		logger.Info("webhook notifications enabled")
	}
	return s
}

// Start subscribes the service to the billing event types.
func (s *Service) Start() {
	if !s.config.Enabled {
		return
	}

	for _, eventType := range []events.EventType{
		events.EventServerTeardown,
		events.EventBalanceLow,
		events.EventDepositCompleted,
		events.EventDepositFailed,
	} {
		s.bus.Subscribe(eventType, s.handleEvent)
	}
}

func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	for _, adapter := range s.adapters {
		if err := s.deliver(ctx, adapter, event); err != nil {
			s.logger.Error("notification delivery failed",
				zap.String("channel", adapter.Name()),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, adapter Adapter, event events.Event) error {
	var err error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.config.RetryBackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
		err = adapter.Send(sendCtx, event)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}
