package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbushost/panel/internal/provider"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/events"
	"github.com/nimbushost/panel/pkg/models"
)

const (
	minVolumeSizeGB = 10
	maxVolumeSizeGB = 10000
)

type createVolumeRequest struct {
	Name   string `json:"name"`
	SizeGB int64  `json:"size_gb"`
	Region string `json:"region"`
}

type attachVolumeRequest struct {
	ServerID string `json:"server_id"`
}

func (g *Gateway) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	volumes, err := g.store.GetVolumesByOwner(r.Context(), user.ID)
	if err != nil {
		g.logger.Error("failed to list volumes", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list volumes")
		return
	}
	if volumes == nil {
		volumes = []models.Volume{}
	}
	g.writeJSON(w, http.StatusOK, volumes)
}

func (g *Gateway) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	var req createVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Region == "" {
		g.writeError(w, http.StatusBadRequest, "name and region are required")
		return
	}
	if req.SizeGB < minVolumeSizeGB || req.SizeGB > maxVolumeSizeGB {
		g.writeError(w, http.StatusBadRequest, "size_gb out of range")
		return
	}

	ctx := r.Context()
	pv, err := g.provider.CreateVolume(ctx, provider.CreateVolumeRequest{
		Name:   req.Name,
		SizeGB: req.SizeGB,
		Region: req.Region,
	})
	if err != nil {
		g.logger.Error("failed to provision volume",
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusBadGateway, "provider rejected the request")
		return
	}

	volume := models.Volume{
		ID:               uuid.NewString(),
		OwnerID:          user.ID,
		Name:             req.Name,
		SizeGB:           req.SizeGB,
		ProviderVolumeID: pv.ID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := g.store.CreateVolume(ctx, volume); err != nil {
		g.logger.Error("failed to persist volume, rolling back",
			zap.String("provider_volume_id", pv.ID),
			zap.Error(err),
		)
		if delErr := g.provider.DeleteVolume(ctx, pv.ID); delErr != nil {
			g.logger.Error("rollback deletion failed, volume may be orphaned",
				zap.String("provider_volume_id", pv.ID),
				zap.Error(delErr),
			)
		}
		g.writeError(w, http.StatusInternalServerError, "failed to create volume")
		return
	}

	if g.eventBus != nil {
		g.eventBus.Publish(ctx, events.NewEvent(events.EventVolumeCreated, user.ID, map[string]interface{}{
			"volume_id": volume.ID,
			"name":      volume.Name,
			"size_gb":   volume.SizeGB,
		}))
	}

	g.writeJSON(w, http.StatusCreated, volume)
}

func (g *Gateway) ownedVolume(w http.ResponseWriter, r *http.Request) (models.Volume, bool) {
	user := currentUser(r)
	volume, err := g.store.GetVolume(r.Context(), chi.URLParam(r, "volume_id"))
	if errors.Is(err, database.ErrNotFound) || (err == nil && volume.OwnerID != user.ID) {
		g.writeError(w, http.StatusNotFound, "volume not found")
		return models.Volume{}, false
	}
	if err != nil {
		g.logger.Error("failed to load volume", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to load volume")
		return models.Volume{}, false
	}
	return volume, true
}

func (g *Gateway) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	volume, ok := g.ownedVolume(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, volume)
}

func (g *Gateway) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	volume, ok := g.ownedVolume(w, r)
	if !ok {
		return
	}
	if volume.ServerID != "" {
		g.writeError(w, http.StatusConflict, "volume must be detached first")
		return
	}

	ctx := r.Context()
	if volume.ProviderVolumeID != "" {
		err := g.provider.DeleteVolume(ctx, volume.ProviderVolumeID)
		if err != nil {
			var apiErr *provider.APIError
			if !errors.As(err, &apiErr) || !apiErr.IsNotFound() {
				g.logger.Error("failed to delete provider volume",
					zap.String("volume_id", volume.ID),
					zap.Error(err),
				)
				g.writeError(w, http.StatusBadGateway, "failed to delete volume at provider")
				return
			}
		}
	}

	if err := g.store.DeleteVolume(ctx, volume.ID); err != nil {
		g.logger.Error("failed to delete volume record", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to delete volume")
		return
	}

	if g.eventBus != nil {
		g.eventBus.Publish(ctx, events.NewEvent(events.EventVolumeDeleted, volume.OwnerID, map[string]interface{}{
			"volume_id": volume.ID,
			"name":      volume.Name,
		}))
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (g *Gateway) handleAttachVolume(w http.ResponseWriter, r *http.Request) {
	volume, ok := g.ownedVolume(w, r)
	if !ok {
		return
	}
	if volume.ServerID != "" {
		g.writeError(w, http.StatusConflict, "volume already attached")
		return
	}

	var req attachVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServerID == "" {
		g.writeError(w, http.StatusBadRequest, "server_id is required")
		return
	}

	ctx := r.Context()
	user := currentUser(r)
	server, err := g.store.GetServer(ctx, req.ServerID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && server.OwnerID != user.ID) {
		g.writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load server", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to attach volume")
		return
	}

	if err := g.provider.AttachVolume(ctx, volume.ProviderVolumeID, server.ProviderInstanceID); err != nil {
		g.logger.Error("failed to attach volume at provider",
			zap.String("volume_id", volume.ID),
			zap.String("server_id", server.ID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusBadGateway, "failed to attach volume at provider")
		return
	}

	if err := g.store.AttachVolume(ctx, volume.ID, server.ID); err != nil {
		g.logger.Error("failed to record attachment", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to attach volume")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "attached"})
}

func (g *Gateway) handleDetachVolume(w http.ResponseWriter, r *http.Request) {
	volume, ok := g.ownedVolume(w, r)
	if !ok {
		return
	}
	if volume.ServerID == "" {
		g.writeError(w, http.StatusConflict, "volume is not attached")
		return
	}

	ctx := r.Context()
	if err := g.provider.DetachVolume(ctx, volume.ProviderVolumeID); err != nil {
		g.logger.Error("failed to detach volume at provider",
			zap.String("volume_id", volume.ID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusBadGateway, "failed to detach volume at provider")
		return
	}

	if err := g.store.DetachVolume(ctx, volume.ID); err != nil {
		g.logger.Error("failed to record detachment", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to detach volume")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "detached"})
}
