package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/api/response"
	"github.com/jwhitmore/trackdown/internal/store"
	"github.com/jwhitmore/trackdown/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears only in this response; the store keeps the bcrypt hash.
func NewCreateKeyHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		if req.Name == "" {
			response.BadRequest(w, "name is required")
			return
		}
		scopes := req.Scopes
		if len(scopes) == 0 {
			scopes = []string{"read"}
		}

		rawKey, err := generateKey()
		if err != nil {
			response.Internal(w, "Failed to generate key")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			response.Internal(w, "Failed to hash key")
			return
		}

		key := &models.APIKey{
			ID:        uuid.New(),
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:8],
			Scopes:    scopes,
		}
		if err := st.CreateAPIKey(r.Context(), key); err != nil {
			response.Internal(w, "Failed to store key")
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID,
			"name":       key.Name,
			"key":        rawKey,
			"key_prefix": key.KeyPrefix,
			"scopes":     key.Scopes,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := st.ListAPIKeys(r.Context())
		if err != nil {
			response.Internal(w, "Failed to list keys")
			return
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.BadRequest(w, "keyID must be a UUID")
			return
		}
		if err := st.RevokeAPIKey(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.NotFound(w, "Key not found")
				return
			}
			response.Internal(w, "Failed to revoke key")
			return
		}
		response.JSON(w, map[string]string{"status": "revoked"})
	}
}

func generateKey() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("td_%s", hex.EncodeToString(buf)), nil
}
