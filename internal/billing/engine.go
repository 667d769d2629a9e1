package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbushost/panel/internal/provider"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/events"
	"github.com/nimbushost/panel/pkg/metrics"
	"github.com/nimbushost/panel/pkg/models"
)

// Provisioner is the slice of the cloud provider API the engine needs:
// destroying compute during an insufficient-funds teardown.
type Provisioner interface {
	DeleteInstance(ctx context.Context, instanceID string) error
}

// Engine runs the recurring billing sweeps: hourly server charges,
// hourly volume charges and the daily bandwidth overage settlement.
// A failure on one resource never stops the sweep; it is logged,
// counted and the loop moves on.
type Engine struct {
	store           database.Store
	provider        Provisioner
	costs           *CostModel
	clock           Clock
	eventBus        *events.Bus
	logger          *zap.Logger
	lowBalanceCents int64
	teardownTimeout time.Duration
}

// EngineConfig carries the Engine's collaborators and tunables.
type EngineConfig struct {
	Store           database.Store
	Provider        Provisioner
	Costs           *CostModel
	Clock           Clock
	EventBus        *events.Bus
	Logger          *zap.Logger
	LowBalanceCents int64
	TeardownTimeout time.Duration
}

// NewEngine creates a billing engine.
func NewEngine(cfg EngineConfig) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	timeout := cfg.TeardownTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Engine{
		store:           cfg.Store,
		provider:        cfg.Provider,
		costs:           cfg.Costs,
		clock:           clock,
		eventBus:        cfg.EventBus,
		logger:          cfg.Logger,
		lowBalanceCents: cfg.LowBalanceCents,
		teardownTimeout: timeout,
	}
}

// RunHourlyServerBilling charges every server its size class's hourly
// price. Owners who cannot cover the charge lose the server: the
// provider instance is destroyed, the record removed and a zero-amount
// audit entry appended.
func (e *Engine) RunHourlyServerBilling(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.RecordSweep("hourly_server", time.Since(start)) }()

	servers, err := e.store.GetAllServers(ctx)
	if err != nil {
		e.logger.Error("failed to list servers for hourly billing", zap.Error(err))
		metrics.RecordSweepError("hourly_server")
		return
	}

	var charged, torndown int
	for _, server := range servers {
		if ctx.Err() != nil {
			return
		}
		ok, err := e.chargeServerHour(ctx, server)
		if err != nil {
			e.logger.Error("hourly server charge failed",
				zap.String("server_id", server.ID),
				zap.String("owner_id", server.OwnerID),
				zap.Error(err),
			)
			metrics.RecordSweepError("hourly_server")
			continue
		}
		if ok {
			charged++
		} else {
			torndown++
		}
	}

	e.logger.Info("hourly server billing complete",
		zap.Int("servers", len(servers)),
		zap.Int("charged", charged),
		zap.Int("torn_down", torndown),
		zap.Duration("duration", time.Since(start)),
	)
}

// chargeServerHour bills one server for one hour. Returns false when
// the server was torn down instead of charged.
func (e *Engine) chargeServerHour(ctx context.Context, server models.Server) (bool, error) {
	owner, err := e.store.GetUser(ctx, server.OwnerID)
	if errors.Is(err, database.ErrNotFound) {
		// Orphaned server. Destroy it without a ledger entry since there
		// is no account to bill.
		e.logger.Warn("server has no owner, removing",
			zap.String("server_id", server.ID),
			zap.String("owner_id", server.OwnerID),
		)
		if err := e.destroyServer(ctx, server); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load owner: %w", err)
	}

	if !e.costs.Known(server.SizeClass) {
		e.logger.Warn("server has unknown size class, billing default tier",
			zap.String("server_id", server.ID),
			zap.String("size_class", server.SizeClass),
		)
	}
	price := e.costs.HourlyPriceCents(server.SizeClass)

	if owner.Balance < price {
		if err := e.teardownInsufficientFunds(ctx, server, owner, price); err != nil {
			return false, err
		}
		return false, nil
	}

	tx := models.Transaction{
		ID:          uuid.NewString(),
		UserID:      owner.ID,
		Amount:      -price,
		Type:        models.TxHourlyServerCharge,
		Status:      models.TxStatusCompleted,
		Description: fmt.Sprintf("Hourly charge for server %s (%s)", server.Name, server.SizeClass),
		CreatedAt:   e.clock.Now(),
	}
	if err := e.store.AdjustBalance(ctx, owner.ID, -price, tx); err != nil {
		return false, fmt.Errorf("failed to charge server hour: %w", err)
	}
	metrics.RecordCharge(string(models.TxHourlyServerCharge), price)

	if remaining := owner.Balance - price; remaining < e.lowBalanceCents {
		e.publishLowBalance(ctx, owner, remaining)
	}
	return true, nil
}

// RunHourlyVolumeBilling charges each server's owner for the block
// storage attached to it. Detached volumes accrue nothing, and an owner
// who cannot cover the charge is skipped without penalty; storage is
// never destroyed for non-payment.
func (e *Engine) RunHourlyVolumeBilling(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.RecordSweep("hourly_volume", time.Since(start)) }()

	servers, err := e.store.GetAllServers(ctx)
	if err != nil {
		e.logger.Error("failed to list servers for volume billing", zap.Error(err))
		metrics.RecordSweepError("hourly_volume")
		return
	}

	var charged, skipped int
	for _, server := range servers {
		if ctx.Err() != nil {
			return
		}
		ok, err := e.chargeVolumeHour(ctx, server)
		if err != nil {
			e.logger.Error("hourly volume charge failed",
				zap.String("server_id", server.ID),
				zap.String("owner_id", server.OwnerID),
				zap.Error(err),
			)
			metrics.RecordSweepError("hourly_volume")
			continue
		}
		if ok {
			charged++
		} else {
			skipped++
		}
	}

	e.logger.Info("hourly volume billing complete",
		zap.Int("servers", len(servers)),
		zap.Int("charged", charged),
		zap.Int("skipped", skipped),
		zap.Duration("duration", time.Since(start)),
	)
}

func (e *Engine) chargeVolumeHour(ctx context.Context, server models.Server) (bool, error) {
	volumes, err := e.store.GetVolumesByServer(ctx, server.ID)
	if err != nil {
		return false, fmt.Errorf("failed to list volumes: %w", err)
	}

	var totalGB int64
	for _, v := range volumes {
		totalGB += v.SizeGB
	}
	price := e.costs.VolumeHourlyCents(totalGB)
	if price == 0 {
		return false, nil
	}

	owner, err := e.store.GetUser(ctx, server.OwnerID)
	if err != nil {
		return false, fmt.Errorf("failed to load owner: %w", err)
	}

	if owner.Balance < price {
		// Storage is preserved through non-payment; the hour simply goes
		// unbilled.
		e.logger.Warn("skipping volume charge, insufficient balance",
			zap.String("server_id", server.ID),
			zap.String("owner_id", owner.ID),
			zap.Int64("price_cents", price),
			zap.Int64("balance_cents", owner.Balance),
		)
		return false, nil
	}

	tx := models.Transaction{
		ID:          uuid.NewString(),
		UserID:      owner.ID,
		Amount:      -price,
		Type:        models.TxHourlyVolumeCharge,
		Status:      models.TxStatusCompleted,
		Description: fmt.Sprintf("Hourly charge for %dGB block storage on server %s", totalGB, server.Name),
		CreatedAt:   e.clock.Now(),
	}
	if err := e.store.AdjustBalance(ctx, owner.ID, -price, tx); err != nil {
		return false, fmt.Errorf("failed to charge volume hour: %w", err)
	}
	metrics.RecordCharge(string(models.TxHourlyVolumeCharge), price)
	return true, nil
}

// RunDailyBandwidthSweep settles bandwidth overages for active servers
// whose billing cycle closes today. The overage is charged in full even
// when it drives the balance negative; transfer already consumed cannot
// be handed back.
func (e *Engine) RunDailyBandwidthSweep(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.RecordSweep("bandwidth", time.Since(start)) }()

	now := e.clock.Now()
	servers, err := e.store.GetAllServers(ctx)
	if err != nil {
		e.logger.Error("failed to list servers for bandwidth sweep", zap.Error(err))
		metrics.RecordSweepError("bandwidth")
		return
	}

	var settled int
	for _, server := range servers {
		if ctx.Err() != nil {
			return
		}
		if server.Status != models.ServerStatusActive {
			continue
		}
		if !IsCycleBoundary(server.CreatedAt, now) {
			continue
		}
		charged, err := e.settleBandwidth(ctx, server, now)
		if err != nil {
			e.logger.Error("bandwidth settlement failed",
				zap.String("server_id", server.ID),
				zap.String("owner_id", server.OwnerID),
				zap.Error(err),
			)
			metrics.RecordSweepError("bandwidth")
			continue
		}
		if charged {
			settled++
		}
	}

	e.logger.Info("bandwidth sweep complete",
		zap.Int("servers", len(servers)),
		zap.Int("overages_charged", settled),
		zap.Duration("duration", time.Since(start)),
	)
}

func (e *Engine) settleBandwidth(ctx context.Context, server models.Server, now time.Time) (bool, error) {
	periodStart, _ := CyclePeriod(server.CreatedAt, now)
	samples, err := e.store.ServerMetricHistory(ctx, server.ID, periodStart)
	if err != nil {
		return false, fmt.Errorf("failed to load metric history: %w", err)
	}

	usage := ComputeUsage(server.CreatedAt, now, e.costs.IncludedBandwidthGB(server.SizeClass), samples)
	overGB := usage.OverGB()
	if overGB == 0 {
		return false, nil
	}
	price := e.costs.OverageChargeCents(server.SizeClass, overGB)
	if price == 0 {
		return false, nil
	}

	tx := models.Transaction{
		ID:     uuid.NewString(),
		UserID: server.OwnerID,
		Amount: -price,
		Type:   models.TxBandwidthOverage,
		Status: models.TxStatusCompleted,
		Description: fmt.Sprintf("Bandwidth overage for server %s: %.2fGB over %.0fGB limit",
			server.Name, overGB, usage.LimitGB),
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.AdjustBalance(ctx, server.OwnerID, -price, tx); err != nil {
		return false, fmt.Errorf("failed to charge bandwidth overage: %w", err)
	}
	metrics.RecordCharge(string(models.TxBandwidthOverage), price)

	e.logger.Info("bandwidth overage charged",
		zap.String("server_id", server.ID),
		zap.String("owner_id", server.OwnerID),
		zap.Float64("over_gb", overGB),
		zap.Int64("price_cents", price),
	)

	owner, err := e.store.GetUser(ctx, server.OwnerID)
	if err == nil && owner.Balance < e.lowBalanceCents {
		e.publishLowBalance(ctx, owner, owner.Balance)
	}
	return true, nil
}

// teardownInsufficientFunds destroys a server whose owner cannot cover
// the hourly charge. Provider compute is destroyed first so a crash
// between steps leaves a billable record, never an unbilled instance.
// The audit entry is zero-amount: the unpayable hour is forgiven.
func (e *Engine) teardownInsufficientFunds(ctx context.Context, server models.Server, owner models.User, price int64) error {
	e.logger.Warn("destroying server for insufficient funds",
		zap.String("server_id", server.ID),
		zap.String("owner_id", owner.ID),
		zap.Int64("price_cents", price),
		zap.Int64("balance_cents", owner.Balance),
	)

	if err := e.destroyServer(ctx, server); err != nil {
		return err
	}

	tx := models.Transaction{
		ID:          uuid.NewString(),
		UserID:      owner.ID,
		Amount:      0,
		Type:        models.TxServerDeletedInsufficientFunds,
		Status:      models.TxStatusCompleted,
		Description: fmt.Sprintf("Server %s deleted: insufficient funds for hourly charge", server.Name),
		CreatedAt:   e.clock.Now(),
	}
	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		// The server is already gone; losing the audit entry is not
		// worth failing the teardown over.
		e.logger.Error("failed to record teardown audit entry",
			zap.String("server_id", server.ID),
			zap.Error(err),
		)
	}
	metrics.RecordTeardown()

	if e.eventBus != nil {
		e.eventBus.Publish(ctx, events.NewEvent(events.EventServerTeardown, owner.ID, map[string]interface{}{
			"server_id":     server.ID,
			"server_name":   server.Name,
			"size_class":    server.SizeClass,
			"balance_cents": owner.Balance,
			"price_cents":   price,
		}))
	}
	return nil
}

// destroyServer removes the provider instance, then the local record.
// A provider 404 means the instance is already gone and is fine.
func (e *Engine) destroyServer(ctx context.Context, server models.Server) error {
	if server.ProviderInstanceID != "" {
		delCtx, cancel := context.WithTimeout(ctx, e.teardownTimeout)
		err := e.provider.DeleteInstance(delCtx, server.ProviderInstanceID)
		cancel()
		if err != nil {
			var apiErr *provider.APIError
			if !errors.As(err, &apiErr) || !apiErr.IsNotFound() {
				return fmt.Errorf("failed to delete provider instance: %w", err)
			}
		}
	}
	if err := e.store.DeleteServer(ctx, server.ID); err != nil {
		return fmt.Errorf("failed to delete server record: %w", err)
	}
	return nil
}

func (e *Engine) publishLowBalance(ctx context.Context, owner models.User, balance int64) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(ctx, events.NewEvent(events.EventBalanceLow, owner.ID, map[string]interface{}{
		"balance_cents":   balance,
		"threshold_cents": e.lowBalanceCents,
	}))
}
