package notifications

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the notification service configuration. The service is
// disabled by default; billing works the same with or without it.
type Config struct {
	Enabled bool

	// Public URL of the panel, included as an account link in
	// notification emails. Set by the caller from the server config.
	PanelBaseURL string

	// Email (Resend) configuration
	EmailEnabled bool
	EmailFrom    string
	EmailTo      []string
	ResendAPIKey string

	// Generic outbound webhook configuration
	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string

	MaxRetries       int
	RetryBackoffBase time.Duration
	DeliveryTimeout  time.Duration
}

// LoadConfig reads the notification configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Enabled: getEnvBool("NOTIFICATIONS_ENABLED", false),

		EmailEnabled: getEnvBool("NOTIFICATIONS_EMAIL_ENABLED", false),
		EmailFrom:    getEnv("NOTIFICATIONS_EMAIL_FROM", "noreply@nimbushost.io"),
		EmailTo:      getEnvStringSlice("NOTIFICATIONS_EMAIL_TO", []string{"ops@nimbushost.io"}),
		ResendAPIKey: os.Getenv("NOTIFICATIONS_RESEND_API_KEY"),

		WebhookEnabled: getEnvBool("NOTIFICATIONS_WEBHOOK_ENABLED", false),
		WebhookURL:     os.Getenv("NOTIFICATIONS_WEBHOOK_URL"),
		WebhookSecret:  os.Getenv("NOTIFICATIONS_WEBHOOK_SECRET"),

		MaxRetries:       getEnvInt("NOTIFICATIONS_MAX_RETRIES", 3),
		RetryBackoffBase: getEnvDuration("NOTIFICATIONS_RETRY_BACKOFF_BASE", 5*time.Second),
		DeliveryTimeout:  getEnvDuration("NOTIFICATIONS_DELIVERY_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for enabled channels.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.EmailEnabled && !c.WebhookEnabled {
		return fmt.Errorf("notifications enabled but no channels configured")
	}
	if c.EmailEnabled && c.ResendAPIKey == "" {
		return fmt.Errorf("email enabled but NOTIFICATIONS_RESEND_API_KEY not provided")
	}
	if c.WebhookEnabled && c.WebhookURL == "" {
		return fmt.Errorf("webhook enabled but NOTIFICATIONS_WEBHOOK_URL not provided")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
