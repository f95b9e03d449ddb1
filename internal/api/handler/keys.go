package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/asampat/glaciate/internal/api/response"
	"github.com/asampat/glaciate/internal/keys"
	"github.com/asampat/glaciate/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyBytes = 24

// KeysHandler serves the admin API key endpoints.
type KeysHandler struct {
	keys keys.Store
}

// NewKeysHandler creates a KeysHandler.
func NewKeysHandler(s keys.Store) *KeysHandler {
	return &KeysHandler{keys: s}
}

type createKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Scopes    []string  `json:"scopes"`
}

// Create handles POST /api/v1/admin/keys. The raw key appears in this
// response and nowhere else; only the bcrypt hash is stored.
func (h *KeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string   `json:"user_id"`
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if req.Name == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{"jobs:read", "jobs:write"}
	}

	rawKey, err := generateRawKey()
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate key", nil)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to hash key", nil)
		return
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Name:      req.Name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:8],
		Scopes:    req.Scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.keys.Create(r.Context(), key); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store key", nil)
		return
	}

	response.Created(w, createKeyResponse{
		ID:        key.ID,
		UserID:    key.UserID,
		Name:      key.Name,
		Key:       rawKey,
		KeyPrefix: key.KeyPrefix,
		Scopes:    key.Scopes,
	})
}

// List handles GET /api/v1/admin/keys.
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.keys.List(r.Context())
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
		return
	}
	response.JSON(w, all)
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *KeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid key id", nil)
		return
	}

	if err := h.keys.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, keys.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func generateRawKey() (string, error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("gl_%s", hex.EncodeToString(buf)), nil
}
