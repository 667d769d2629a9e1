// Package collector samples resource usage from the cloud provider and
// records it as the metric history the bandwidth accounting reads.
package collector

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nimbushost/panel/internal/provider"
	"github.com/nimbushost/panel/pkg/metrics"
	"github.com/nimbushost/panel/pkg/models"
)

// MetricsSource is the slice of the provider API the collector needs.
type MetricsSource interface {
	FetchMetrics(ctx context.Context, instanceID string) (*provider.InstanceMetrics, error)
}

// Store is the slice of the persistence layer the collector needs.
type Store interface {
	GetAllServers(ctx context.Context) ([]models.Server, error)
	InsertServerMetric(ctx context.Context, metric models.ServerMetric) error
}

// Collector periodically pulls usage samples for every provisioned
// server and appends them to the metric time series. A server whose
// fetch fails is skipped until the next pass.
type Collector struct {
	store    Store
	provider MetricsSource
	logger   *zap.Logger
}

// New creates a collector.
func New(store Store, src MetricsSource, logger *zap.Logger) *Collector {
	return &Collector{store: store, provider: src, logger: logger}
}

// Run performs one collection pass over all servers.
func (c *Collector) Run(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.RecordSweep("collector", time.Since(start)) }()

	servers, err := c.store.GetAllServers(ctx)
	if err != nil {
		c.logger.Error("failed to list servers for metric collection", zap.Error(err))
		metrics.RecordSweepError("collector")
		return
	}

	var collected int
	for _, server := range servers {
		if ctx.Err() != nil {
			return
		}
		if server.ProviderInstanceID == "" {
			continue
		}
		if err := c.collectServer(ctx, server); err != nil {
			c.logger.Warn("failed to collect server metrics",
				zap.String("server_id", server.ID),
				zap.String("instance_id", server.ProviderInstanceID),
				zap.Error(err),
			)
			metrics.RecordSweepError("collector")
			continue
		}
		collected++
	}

	c.logger.Info("metric collection complete",
		zap.Int("servers", len(servers)),
		zap.Int("collected", collected),
		zap.Duration("duration", time.Since(start)),
	)
}

func (c *Collector) collectServer(ctx context.Context, server models.Server) error {
	sample, err := c.provider.FetchMetrics(ctx, server.ProviderInstanceID)
	if err != nil {
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			// Instance is gone at the provider; the billing sweep will
			// reconcile the record. Nothing to sample.
			return nil
		}
		return err
	}

	metric := models.ServerMetric{
		ServerID:        server.ID,
		Timestamp:       time.Now().UTC(),
		NetworkInBytes:  sample.NetworkInBytes,
		NetworkOutBytes: sample.NetworkOutBytes,
		CPUPercent:      sample.CPUPercent,
		MemoryPercent:   sample.MemoryPercent,
		DiskPercent:     sample.DiskPercent,
	}
	if err := c.store.InsertServerMetric(ctx, metric); err != nil {
		return err
	}
	metrics.MetricSamplesTotal.Inc()
	return nil
}
