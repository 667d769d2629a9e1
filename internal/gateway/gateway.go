// Package gateway is the HTTP surface of the panel: session auth,
// server and volume management, account and billing endpoints, and the
// Stripe webhook.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nimbushost/panel/internal/billing"
	"github.com/nimbushost/panel/internal/provider"
	"github.com/nimbushost/panel/pkg/cache"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/events"
)

// Provider is the slice of the cloud API the gateway drives for
// user-initiated provisioning and teardown.
type Provider interface {
	CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*provider.Instance, error)
	DeleteInstance(ctx context.Context, instanceID string) error
	CreateVolume(ctx context.Context, req provider.CreateVolumeRequest) (*provider.ProviderVolume, error)
	DeleteVolume(ctx context.Context, volumeID string) error
	AttachVolume(ctx context.Context, volumeID, instanceID string) error
	DetachVolume(ctx context.Context, volumeID string) error
}

// Config carries gateway tunables from the environment.
type Config struct {
	AllowedOrigins []string
	SessionTTL     time.Duration
	MetricsEnabled bool
	MetricsPath    string
}

// Gateway handles API requests.
type Gateway struct {
	store          database.Store
	db             *database.Database
	cache          *cache.Cache
	provider       Provider
	costs          *billing.CostModel
	webhookHandler *billing.WebhookHandler
	sessions       *Sessions
	eventBus       *events.Bus
	logger         *zap.Logger
	router         *chi.Mux
}

// NewGateway creates the API gateway and wires its routes.
func NewGateway(cfg Config, store database.Store, db *database.Database, cacheClient *cache.Cache, prov Provider, costs *billing.CostModel, webhookHandler *billing.WebhookHandler, eventBus *events.Bus, logger *zap.Logger) *Gateway {
	g := &Gateway{
		store:          store,
		db:             db,
		cache:          cacheClient,
		provider:       prov,
		costs:          costs,
		webhookHandler: webhookHandler,
		sessions:       NewSessions(cacheClient, cfg.SessionTTL),
		eventBus:       eventBus,
		logger:         logger,
		router:         chi.NewRouter(),
	}

	g.setupRoutes(cfg)
	return g
}

func (g *Gateway) setupRoutes(cfg Config) {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.MetricsEnabled {
		g.registerMetrics(cfg.MetricsPath)
	}

	// Unauthenticated surface.
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)
	g.router.Post("/api/auth/register", g.handleRegister)
	g.router.Post("/api/auth/login", g.handleLogin)
	g.router.Get("/api/pricing", g.handlePricing)

	// Stripe webhook (no session - uses signature verification).
	g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)

	// Session-authenticated surface.
	g.router.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)

		r.Post("/api/auth/logout", g.handleLogout)
		r.Get("/api/account", g.handleGetAccount)
		r.Get("/api/account/transactions", g.handleListTransactions)
		r.Post("/api/account/deposits", g.handleCreateDeposit)

		r.Get("/api/servers", g.handleListServers)
		r.Post("/api/servers", g.handleCreateServer)
		r.Get("/api/servers/{server_id}", g.handleGetServer)
		r.Delete("/api/servers/{server_id}", g.handleDeleteServer)
		r.Get("/api/servers/{server_id}/bandwidth", g.handleServerBandwidth)
		r.Get("/api/servers/{server_id}/metrics", g.handleServerMetrics)

		r.Get("/api/volumes", g.handleListVolumes)
		r.Post("/api/volumes", g.handleCreateVolume)
		r.Get("/api/volumes/{volume_id}", g.handleGetVolume)
		r.Delete("/api/volumes/{volume_id}", g.handleDeleteVolume)
		r.Post("/api/volumes/{volume_id}/attach", g.handleAttachVolume)
		r.Post("/api/volumes/{volume_id}/detach", g.handleDetachVolume)
	})
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if g.db != nil {
		if err := g.db.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "cache unavailable")
			return
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// StartHealthMetrics keeps the dependency gauges current.
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	dbStatus := 0.0
	if g.db != nil && g.db.Health(ctx) == nil {
		dbStatus = 1.0
	}
	dependencyUp.WithLabelValues("postgres").Set(dbStatus)

	redisStatus := 0.0
	if g.cache != nil && g.cache.Health(ctx) == nil {
		redisStatus = 1.0
	}
	dependencyUp.WithLabelValues("redis").Set(redisStatus)
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
