package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	mw "github.com/asampat/glaciate/internal/api/middleware"
	"github.com/asampat/glaciate/internal/api/response"
	"github.com/asampat/glaciate/internal/profile"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/pkg/models"
)

// SubscriptionsHandler serves the plan upgrade and downgrade endpoints.
type SubscriptionsHandler struct {
	profiles profile.Service
	upgrades queue.Publisher
}

// NewSubscriptionsHandler creates a SubscriptionsHandler. The upgrades
// publisher carries plain JSON, not the fan-out envelope.
func NewSubscriptionsHandler(profiles profile.Service, upgrades queue.Publisher) *SubscriptionsHandler {
	return &SubscriptionsHandler{profiles: profiles, upgrades: upgrades}
}

// Subscribe handles POST /api/v1/subscription: it moves the user to the
// premium tier and announces the upgrade so archived results get restored.
// Subscribing twice is a no-op and publishes no second event.
func (s *SubscriptionsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
		return
	}

	prof, err := s.profiles.GetProfile(r.Context(), userID)
	if errors.Is(err, profile.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "User profile not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load profile", nil)
		return
	}

	if prof.IsPremium() {
		response.JSON(w, prof)
		return
	}

	if err := s.profiles.UpdateRole(r.Context(), userID, models.RolePremiumUser); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update plan", nil)
		return
	}

	payload, err := json.Marshal(models.UpgradeEvent{UserID: userID})
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to encode upgrade", nil)
		return
	}
	if err := s.upgrades.Publish(r.Context(), payload); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to announce upgrade", nil)
		return
	}

	prof.Role = models.RolePremiumUser
	response.JSON(w, prof)
}

// Unsubscribe handles DELETE /api/v1/subscription: back to the free tier.
// Results already hot stay hot until their next completion cycle; no
// retroactive archival happens here.
func (s *SubscriptionsHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
		return
	}

	if err := s.profiles.UpdateRole(r.Context(), userID, models.RoleFreeUser); err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "User profile not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update plan", nil)
		return
	}

	response.JSON(w, map[string]string{"user_id": userID, "role": models.RoleFreeUser})
}
