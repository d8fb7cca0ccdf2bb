package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stakehold/internal/auth"
)

func setupRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t, 5000, 2000)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.NewVerifier(time.Minute).Middleware())
	handler := NewHandler(h.engine)
	handler.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(auth.RequireSigner())
	handler.RegisterProtectedRoutes(protected)
	return r, h
}

func signed(t *testing.T, r *gin.Engine, kp *auth.Keypair, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if kp != nil {
		ts := time.Now().Unix()
		sig, err := kp.SignRequest(method, path, ts, raw)
		require.NoError(t, err)
		req.Header.Set(auth.HeaderSigner, kp.Address().Hex())
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandlerLifecycle(t *testing.T) {
	r, h := setupRouter(t)

	w := signed(t, r, h.opener, http.MethodPost, "/v1/escrows", gin.H{
		"identifier": testID,
		"amount":     1000,
		"mint":       h.mint.Hex(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	escrow := decode(t, w)["escrow"].(map[string]any)
	assert.Equal(t, float64(1000), escrow["custodyBalance"])
	assert.Equal(t, "initialized", escrow["record"].(map[string]any)["stage"])

	w = signed(t, r, nil, http.MethodGet, "/v1/escrows/"+testID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, h.opener.Address().Hex(), decode(t, w)["escrow"].(map[string]any)["opener"])

	w = signed(t, r, h.joiner, http.MethodPost, "/v1/escrows/"+testID+"/deposit", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(2000), decode(t, w)["escrow"].(map[string]any)["custodyBalance"])

	w = signed(t, r, h.arbiter, http.MethodPost, "/v1/escrows/"+testID+"/outcome", gin.H{
		"winner": h.joiner.Address().Hex(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	settlement := decode(t, w)["settlement"].(map[string]any)
	assert.Equal(t, float64(2000), settlement["amount"])
	assert.Equal(t, "settled", settlement["outcome"])
	assert.Equal(t, uint64(3000), h.balance(t, h.joinerAcct))

	w = signed(t, r, nil, http.MethodGet, "/v1/escrows/"+testID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerErrorMapping(t *testing.T) {
	r, h := setupRouter(t)

	w := signed(t, r, nil, http.MethodPost, "/v1/escrows", gin.H{"amount": 1, "mint": h.mint.Hex()})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = signed(t, r, h.opener, http.MethodPost, "/v1/escrows", gin.H{
		"identifier": "not-a-uuid", "amount": 1000, "mint": h.mint.Hex(),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_identifier", decode(t, w)["error"])

	w = signed(t, r, h.opener, http.MethodPost, "/v1/escrows", gin.H{"amount": 0, "mint": h.mint.Hex()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode(t, w)["error"])

	w = signed(t, r, h.opener, http.MethodPost, "/v1/escrows", gin.H{
		"identifier": testID, "amount": 9000, "mint": h.mint.Hex(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_balance", decode(t, w)["error"])

	w = signed(t, r, h.opener, http.MethodPost, "/v1/escrows", gin.H{
		"identifier": testID, "amount": 1000, "mint": h.mint.Hex(),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = signed(t, r, h.joiner, http.MethodPost, "/v1/escrows/"+testID+"/cancel", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "authorization_mismatch", decode(t, w)["error"])

	w = signed(t, r, h.arbiter, http.MethodPost, "/v1/escrows/"+testID+"/outcome", gin.H{
		"winner": h.joiner.Address().Hex(),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_stage", decode(t, w)["error"])

	w = signed(t, r, h.opener, http.MethodPost, "/v1/escrows/"+testID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(5000), h.balance(t, h.openerAcct))
}

func TestHandlerRequiresIdentifier(t *testing.T) {
	r, h := setupRouter(t)

	w := signed(t, r, h.opener, http.MethodPost, "/v1/escrows", gin.H{"amount": 10, "mint": h.mint.Hex()})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "validation_error", decode(t, w)["error"])
	assert.Equal(t, uint64(5000), h.balance(t, h.openerAcct))

	w = signed(t, r, nil, http.MethodGet, "/v1/escrows/"+testID+"/addresses", nil)
	require.Equal(t, http.StatusOK, w.Code)
	addrs := decode(t, w)["addresses"].(map[string]any)
	assert.NotEqual(t, addrs["recordAddress"], addrs["custodyAddress"])
}

func TestHandlerRejectsReplayedInitialize(t *testing.T) {
	r, h := setupRouter(t)

	raw, err := json.Marshal(gin.H{"identifier": testID, "amount": 1000, "mint": h.mint.Hex()})
	require.NoError(t, err)
	ts := time.Now().Unix()
	sig, err := h.opener.SignRequest(http.MethodPost, "/v1/escrows", ts, raw)
	require.NoError(t, err)
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/escrows", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(auth.HeaderSigner, h.opener.Address().Hex())
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, sig)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusCreated, send().Code)
	assert.Equal(t, http.StatusUnauthorized, send().Code)
	assert.Equal(t, uint64(4000), h.balance(t, h.openerAcct))

	w := signed(t, r, h.opener, http.MethodPost, "/v1/escrows/"+testID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Once cancelled, the captured open must not reopen the escrow.
	assert.Equal(t, http.StatusUnauthorized, send().Code)
	assert.Equal(t, uint64(5000), h.balance(t, h.openerAcct))
	w = signed(t, r, nil, http.MethodGet, "/v1/escrows/"+testID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerList(t *testing.T) {
	r, h := setupRouter(t)
	h.initialize(t, testID, 10)

	w := signed(t, r, nil, http.MethodGet, "/v1/escrows?stage=initialized", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = signed(t, r, nil, http.MethodGet, "/v1/escrows?stage=deposited", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	w = signed(t, r, nil, http.MethodGet, "/v1/escrows?stage=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = signed(t, r, nil, http.MethodGet, "/v1/escrows?cursor=%21%21", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerRejectsTamperedBody(t *testing.T) {
	r, h := setupRouter(t)

	raw := []byte(`{"amount":10,"mint":"` + h.mint.Hex() + `"}`)
	ts := time.Now().Unix()
	sig, err := h.opener.SignRequest(http.MethodPost, "/v1/escrows", ts, raw)
	require.NoError(t, err)

	tampered := []byte(`{"amount":11,"mint":"` + h.mint.Hex() + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/escrows", bytes.NewReader(tampered))
	req.Header.Set(auth.HeaderSigner, h.opener.Address().Hex())
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(auth.HeaderSignature, sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
