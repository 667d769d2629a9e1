package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbushost/panel/internal/billing"
	"github.com/nimbushost/panel/internal/provider"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/events"
	"github.com/nimbushost/panel/pkg/models"
)

// minCreateBalanceCents is the balance required to provision a new
// server. One default-tier month up front keeps drive-by signups from
// spinning up compute they can never pay for.
const minCreateBalanceCents = 600

type createServerRequest struct {
	Name      string `json:"name"`
	SizeClass string `json:"size_class"`
	Region    string `json:"region"`
	Image     string `json:"image"`
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	servers, err := g.store.GetServersByOwner(r.Context(), user.ID)
	if err != nil {
		g.logger.Error("failed to list servers", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	if servers == nil {
		servers = []models.Server{}
	}
	g.writeJSON(w, http.StatusOK, servers)
}

func (g *Gateway) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	var req createServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Region == "" {
		g.writeError(w, http.StatusBadRequest, "name and region are required")
		return
	}
	if req.SizeClass == "" {
		req.SizeClass = billing.DefaultSizeClass
	}
	if !g.costs.Known(req.SizeClass) {
		g.writeError(w, http.StatusBadRequest, "unknown size class")
		return
	}
	if user.Balance < minCreateBalanceCents {
		g.writeError(w, http.StatusPaymentRequired, "insufficient balance to create a server")
		return
	}

	ctx := r.Context()
	instance, err := g.provider.CreateInstance(ctx, provider.CreateInstanceRequest{
		Name:   req.Name,
		Size:   req.SizeClass,
		Region: req.Region,
		Image:  req.Image,
	})
	if err != nil {
		g.logger.Error("failed to provision instance",
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusBadGateway, "provider rejected the request")
		return
	}

	server := models.Server{
		ID:                 uuid.NewString(),
		OwnerID:            user.ID,
		Name:               req.Name,
		SizeClass:          req.SizeClass,
		Region:             req.Region,
		Status:             models.ServerStatusNew,
		ProviderInstanceID: instance.ID,
		IPv4:               instance.IPv4,
		CreatedAt:          time.Now().UTC(),
	}
	if err := g.store.CreateServer(ctx, server); err != nil {
		g.logger.Error("failed to persist server, rolling back instance",
			zap.String("instance_id", instance.ID),
			zap.Error(err),
		)
		if delErr := g.provider.DeleteInstance(ctx, instance.ID); delErr != nil {
			g.logger.Error("rollback deletion failed, instance may be orphaned",
				zap.String("instance_id", instance.ID),
				zap.Error(delErr),
			)
		}
		g.writeError(w, http.StatusInternalServerError, "failed to create server")
		return
	}

	if g.eventBus != nil {
		g.eventBus.Publish(ctx, events.NewEvent(events.EventServerCreated, user.ID, map[string]interface{}{
			"server_id":  server.ID,
			"name":       server.Name,
			"size_class": server.SizeClass,
			"region":     server.Region,
		}))
	}

	g.writeJSON(w, http.StatusCreated, server)
}

// ownedServer loads a path server and enforces ownership. A server
// owned by someone else reads as not found.
func (g *Gateway) ownedServer(w http.ResponseWriter, r *http.Request) (models.Server, bool) {
	user := currentUser(r)
	server, err := g.store.GetServer(r.Context(), chi.URLParam(r, "server_id"))
	if errors.Is(err, database.ErrNotFound) || (err == nil && server.OwnerID != user.ID) {
		g.writeError(w, http.StatusNotFound, "server not found")
		return models.Server{}, false
	}
	if err != nil {
		g.logger.Error("failed to load server", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to load server")
		return models.Server{}, false
	}
	return server, true
}

func (g *Gateway) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, ok := g.ownedServer(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, server)
}

func (g *Gateway) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	server, ok := g.ownedServer(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if server.ProviderInstanceID != "" {
		err := g.provider.DeleteInstance(ctx, server.ProviderInstanceID)
		if err != nil {
			var apiErr *provider.APIError
			if !errors.As(err, &apiErr) || !apiErr.IsNotFound() {
				g.logger.Error("failed to delete provider instance",
					zap.String("server_id", server.ID),
					zap.Error(err),
				)
				g.writeError(w, http.StatusBadGateway, "failed to delete server at provider")
				return
			}
		}
	}

	if err := g.store.DeleteServer(ctx, server.ID); err != nil {
		g.logger.Error("failed to delete server record", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to delete server")
		return
	}

	if g.eventBus != nil {
		g.eventBus.Publish(ctx, events.NewEvent(events.EventServerDeleted, server.OwnerID, map[string]interface{}{
			"server_id": server.ID,
			"name":      server.Name,
		}))
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (g *Gateway) handleServerBandwidth(w http.ResponseWriter, r *http.Request) {
	server, ok := g.ownedServer(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	periodStart, _ := billing.CyclePeriod(server.CreatedAt, now)
	samples, err := g.store.ServerMetricHistory(r.Context(), server.ID, periodStart)
	if err != nil {
		g.logger.Error("failed to load metric history", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to compute bandwidth usage")
		return
	}

	usage := billing.ComputeUsage(server.CreatedAt, now, g.costs.IncludedBandwidthGB(server.SizeClass), samples)
	g.writeJSON(w, http.StatusOK, usage)
}

func (g *Gateway) handleServerMetrics(w http.ResponseWriter, r *http.Request) {
	server, ok := g.ownedServer(w, r)
	if !ok {
		return
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	samples, err := g.store.ServerMetricHistory(r.Context(), server.ID, since)
	if err != nil {
		g.logger.Error("failed to load metric history", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}
	if samples == nil {
		samples = []models.ServerMetric{}
	}
	g.writeJSON(w, http.StatusOK, samples)
}
