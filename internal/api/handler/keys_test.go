package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/store"
	"github.com/jwhitmore/trackdown/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type stubKeyStore struct {
	store.Store

	created []*models.APIKey
	keys    []*models.APIKey
	revoked []uuid.UUID
}

func (s *stubKeyStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.created = append(s.created, key)
	return nil
}

func (s *stubKeyStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	return s.keys, nil
}

func (s *stubKeyStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	for _, k := range s.keys {
		if k.ID == id {
			s.revoked = append(s.revoked, id)
			return nil
		}
	}
	return store.ErrNotFound
}

func TestCreateKey(t *testing.T) {
	st := &stubKeyStore{}
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(st)(rec, postJSON(t, "/api/v1/admin/keys", map[string]any{
		"name":   "ci",
		"scopes": []string{"read", "write"},
	}))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Key       string   `json:"key"`
		KeyPrefix string   `json:"key_prefix"`
		Scopes    []string `json:"scopes"`
	}
	decodeData(t, rec, &out)

	assert.True(t, strings.HasPrefix(out.Key, "td_"))
	assert.Equal(t, out.Key[:8], out.KeyPrefix)
	assert.Equal(t, []string{"read", "write"}, out.Scopes)

	// Only the bcrypt hash is stored, and it verifies against the raw key.
	require.Len(t, st.created, 1)
	stored := st.created[0]
	assert.NotContains(t, stored.KeyHash, out.Key)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.KeyHash), []byte(out.Key)))
}

func TestCreateKey_DefaultScope(t *testing.T) {
	st := &stubKeyStore{}
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(st)(rec, postJSON(t, "/api/v1/admin/keys", map[string]any{"name": "ci"}))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, st.created, 1)
	assert.Equal(t, []string{"read"}, st.created[0].Scopes)
}

func TestCreateKey_RequiresName(t *testing.T) {
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(&stubKeyStore{})(rec, postJSON(t, "/api/v1/admin/keys", map[string]any{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateKey_InvalidJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys", bytes.NewReader([]byte("{")))
	NewCreateKeyHandler(&stubKeyStore{})(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListKeys(t *testing.T) {
	st := &stubKeyStore{keys: []*models.APIKey{
		{ID: uuid.New(), Name: "ci", KeyPrefix: "td_abcd1"},
	}}
	rec := httptest.NewRecorder()
	NewListKeysHandler(st)(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/keys", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out []models.APIKey
	decodeData(t, rec, &out)
	require.Len(t, out, 1)
	assert.Equal(t, "ci", out[0].Name)
}

func revokeReq(id string) *http.Request {
	r := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/keys/"+id, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("keyID", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestRevokeKey(t *testing.T) {
	key := &models.APIKey{ID: uuid.New(), Name: "ci"}
	st := &stubKeyStore{keys: []*models.APIKey{key}}

	rec := httptest.NewRecorder()
	NewRevokeKeyHandler(st)(rec, revokeReq(key.ID.String()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{key.ID}, st.revoked)
}

func TestRevokeKey_NotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRevokeKeyHandler(&stubKeyStore{})(rec, revokeReq(uuid.NewString()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeErrCode(t, rec))
}

func TestRevokeKey_BadID(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRevokeKeyHandler(&stubKeyStore{})(rec, revokeReq("nope"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
