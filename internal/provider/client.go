package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client is an HTTP client for the upstream compute provider API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger

	// Retry configuration
	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// Config holds provider API client configuration
type Config struct {
	BaseURL string        // e.g., "https://api.vultrocean.com/v2"
	Token   string        // API token (Bearer token)
	Timeout time.Duration // HTTP request timeout (default: 2 minutes)

	MaxRetries      int           // Maximum retries for transient failures (default: 3)
	RetryDelay      time.Duration // Initial retry delay (default: 1s)
	RetryMaxDelay   time.Duration // Maximum retry delay with exponential backoff (default: 30s)
	MaxIdleConns    int           // Maximum idle connections (default: 100)
	IdleConnTimeout time.Duration // Idle connection timeout (default: 90s)
}

// NewClient creates a new provider API client with production-ready defaults
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	// A negative MaxRetries disables retries (useful for testing)
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 1 * time.Second
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     cfg.IdleConnTimeout,

		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger:        logger,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// CreateInstance provisions a new virtual server at the provider.
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*Instance, error) {
	c.logger.Info("creating provider instance",
		zap.String("name", req.Name),
		zap.String("size", req.Size),
		zap.String("region", req.Region),
	)

	var result instanceEnvelope
	if err := c.doRequestWithRetry(ctx, "POST", "/instances", req, &result); err != nil {
		c.logger.Error("failed to create instance",
			zap.String("name", req.Name),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Info("provider instance created",
		zap.String("instance_id", result.Instance.ID),
		zap.String("status", result.Instance.Status),
	)
	return &result.Instance, nil
}

// GetInstance fetches the current state of an instance.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	var result instanceEnvelope
	err := c.doRequestWithRetry(ctx, "GET", fmt.Sprintf("/instances/%s", instanceID), nil, &result)
	if err != nil {
		return nil, err
	}
	return &result.Instance, nil
}

// DeleteInstance destroys an instance. A 404 comes back as an *APIError
// whose IsNotFound reports true; callers that only care that the instance
// is gone treat that as success.
func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	c.logger.Info("deleting provider instance",
		zap.String("instance_id", instanceID),
	)

	err := c.doRequestWithRetry(ctx, "DELETE", fmt.Sprintf("/instances/%s", instanceID), nil, nil)
	if err != nil {
		c.logger.Error("failed to delete instance",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
		return err
	}

	c.logger.Info("provider instance deleted",
		zap.String("instance_id", instanceID),
	)
	return nil
}

// FetchMetrics retrieves the latest resource usage sample for an instance.
func (c *Client) FetchMetrics(ctx context.Context, instanceID string) (*InstanceMetrics, error) {
	var result InstanceMetrics
	err := c.doRequestWithRetry(ctx, "GET", fmt.Sprintf("/instances/%s/metrics", instanceID), nil, &result)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched instance metrics",
		zap.String("instance_id", instanceID),
		zap.Int64("network_in", result.NetworkInBytes),
		zap.Int64("network_out", result.NetworkOutBytes),
	)
	return &result, nil
}

// CreateVolume provisions a block storage volume.
func (c *Client) CreateVolume(ctx context.Context, req CreateVolumeRequest) (*ProviderVolume, error) {
	c.logger.Info("creating provider volume",
		zap.String("name", req.Name),
		zap.Int64("size_gb", req.SizeGB),
	)

	var result volumeEnvelope
	if err := c.doRequestWithRetry(ctx, "POST", "/volumes", req, &result); err != nil {
		c.logger.Error("failed to create volume",
			zap.String("name", req.Name),
			zap.Error(err),
		)
		return nil, err
	}
	return &result.Volume, nil
}

// DeleteVolume destroys a volume. Not-found is reported the same way as
// DeleteInstance.
func (c *Client) DeleteVolume(ctx context.Context, volumeID string) error {
	c.logger.Info("deleting provider volume",
		zap.String("volume_id", volumeID),
	)
	return c.doRequestWithRetry(ctx, "DELETE", fmt.Sprintf("/volumes/%s", volumeID), nil, nil)
}

// AttachVolume attaches a volume to an instance at the provider.
func (c *Client) AttachVolume(ctx context.Context, volumeID, instanceID string) error {
	body := map[string]string{"instance_id": instanceID}
	return c.doRequestWithRetry(ctx, "POST", fmt.Sprintf("/volumes/%s/attach", volumeID), body, nil)
}

// DetachVolume detaches a volume from its instance.
func (c *Client) DetachVolume(ctx context.Context, volumeID string) error {
	return c.doRequestWithRetry(ctx, "POST", fmt.Sprintf("/volumes/%s/detach", volumeID), nil, nil)
}

// Health checks the provider API health
func (c *Client) Health(ctx context.Context) error {
	return c.doRequestWithRetry(ctx, "GET", "/health", nil, nil)
}

// doRequestWithRetry executes an HTTP request with exponential backoff retry logic
func (c *Client) doRequestWithRetry(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)

			c.logger.Debug("retrying request",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, method, path, body, result)
		if err == nil {
			return nil
		}

		lastErr = err

		if !c.isRetryable(err) {
			return err
		}

		c.logger.Warn("request failed, will retry",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(err),
		)
	}

	return fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

// doRequest executes a single HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "nimbushost-panel/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Error("HTTP request failed",
			zap.String("method", method),
			zap.String("url", url),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug("HTTP response received",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", duration),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Message != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Message:    apiErr.Message,
				ErrorCode:  apiErr.Code,
			}
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// calculateBackoff calculates exponential backoff delay with jitter
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(attempt-1)))
	if delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}

	// +-25% jitter to avoid thundering herd on provider outages
	jitter := float64(delay) * 0.25
	delay += time.Duration(jitter * (2*pseudoRandom() - 1))
	return delay
}

// isRetryable determines if an error should trigger a retry
func (c *Client) isRetryable(err error) bool {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}

	if apiErr, ok := err.(*APIError); ok {
		if apiErr.StatusCode >= 500 {
			return true
		}
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return false
	}

	// Network errors are retryable
	return true
}

func pseudoRandom() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

// APIError represents an error returned by the provider API
type APIError struct {
	StatusCode int
	Message    string
	ErrorCode  string
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("provider API error [%s]: %s (status: %d)", e.ErrorCode, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("provider API error: %s (status: %d)", e.Message, e.StatusCode)
}

// IsNotFound returns true if the error is a 404 Not Found
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsRateLimited returns true if the error is a 429 Too Many Requests
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Close closes the HTTP client and releases resources
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
