package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dan9191/ledger-service/internal/auth"
	"github.com/Dan9191/ledger-service/internal/ledger"
	"github.com/Dan9191/ledger-service/internal/middleware"
	"github.com/Dan9191/ledger-service/internal/models"
	"github.com/Dan9191/ledger-service/internal/repository"
	"github.com/Dan9191/ledger-service/internal/service"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	log, _ := test.NewNullLogger()
	store := repository.NewMemory()
	engine := ledger.NewEngine(store, log)
	tokens := auth.NewTokens("secret", time.Hour)
	seed := func() decimal.Decimal { return decimal.NewFromInt(100) }
	svc := service.NewService(store, engine, tokens, nil, seed, log)
	return NewHandler(svc, log).Router(middleware.AuthMiddleware(tokens, log))
}

func do(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func signup(t *testing.T, r http.Handler, username string) string {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/api/v1/user/signup", "", map[string]string{
		"username":  username,
		"email":     username + "@example.com",
		"password":  "Secret123",
		"firstName": "First",
		"lastName":  username,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "User created successfully", body["message"])
	require.NotEmpty(t, body["token"])
	return body["token"]
}

func userID(t *testing.T, r http.Handler, username string) string {
	t.Helper()
	rec := do(t, r, http.MethodGet, "/api/v1/user/bulk?filter="+username, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []models.PublicUser
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)
	return users[0].ID
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestRouter(t), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignupErrors(t *testing.T) {
	r := newTestRouter(t)
	signup(t, r, "alice")

	rec := do(t, r, http.MethodPost, "/api/v1/user/signup", "", map[string]string{
		"username": "alice", "email": "a2@example.com", "password": "Secret123", "firstName": "A", "lastName": "B",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/user/signup", "", map[string]string{
		"username": "bobby", "email": "bob@example.com", "password": "weak", "firstName": "A", "lastName": "B",
	})
	assert.Equal(t, http.StatusLengthRequired, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/user/signup", "", "{not json")
	assert.Equal(t, http.StatusLengthRequired, rec.Code)
}

func TestSignin(t *testing.T) {
	r := newTestRouter(t)
	signup(t, r, "alice")

	rec := do(t, r, http.MethodPost, "/api/v1/user/signin", "", map[string]string{"username": "alice", "password": "Secret123"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["token"])

	rec = do(t, r, http.MethodPost, "/api/v1/user/signin", "", map[string]string{"username": "alice", "password": "Wrong1234"})
	assert.Equal(t, http.StatusLengthRequired, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	r := newTestRouter(t)

	for _, tc := range []struct{ method, path, token string }{
		{http.MethodGet, "/api/v1/account/balance", ""},
		{http.MethodGet, "/api/v1/account/balance", "garbage"},
		{http.MethodPost, "/api/v1/account/transfer", ""},
		{http.MethodPut, "/api/v1/user", ""},
	} {
		rec := do(t, r, tc.method, tc.path, tc.token, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, tc.path)
		assert.JSONEq(t, `{}`, rec.Body.String())
	}
}

func TestBalanceAndTransfer(t *testing.T) {
	r := newTestRouter(t)
	aliceToken := signup(t, r, "alice")
	bobToken := signup(t, r, "bob")
	bobID := userID(t, r, "bob")

	rec := do(t, r, http.MethodGet, "/api/v1/account/balance", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100.00", decodeBody(t, rec)["balance"])

	rec = do(t, r, http.MethodPost, "/api/v1/account/transfer", aliceToken, `{"to":"`+bobID+`","amount":"12.50"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Transfer successful", decodeBody(t, rec)["message"])

	rec = do(t, r, http.MethodGet, "/api/v1/account/balance", aliceToken, nil)
	assert.Equal(t, "87.50", decodeBody(t, rec)["balance"])
	rec = do(t, r, http.MethodGet, "/api/v1/account/balance", bobToken, nil)
	assert.Equal(t, "112.50", decodeBody(t, rec)["balance"])
}

func TestTransferErrors(t *testing.T) {
	r := newTestRouter(t)
	aliceToken := signup(t, r, "alice")
	signup(t, r, "bob")
	bobID := userID(t, r, "bob")

	cases := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"malformed body", `{"to":`, http.StatusBadRequest, "Invalid request"},
		{"zero amount", `{"to":"` + bobID + `","amount":"0"}`, http.StatusBadRequest, "Invalid request"},
		{"sub-cent amount", `{"to":"` + bobID + `","amount":"0.001"}`, http.StatusBadRequest, "Invalid request"},
		{"unknown recipient", `{"to":"ghost","amount":"1"}`, http.StatusBadRequest, "Invalid account"},
		{"insufficient", `{"to":"` + bobID + `","amount":"100.01"}`, http.StatusBadRequest, "Insufficient balance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/api/v1/account/transfer", aliceToken, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.message, decodeBody(t, rec)["message"])
		})
	}

	rec := do(t, r, http.MethodGet, "/api/v1/account/balance", aliceToken, nil)
	assert.Equal(t, "100.00", decodeBody(t, rec)["balance"])
}

func TestUpdateUser(t *testing.T) {
	r := newTestRouter(t)
	token := signup(t, r, "alice")

	rec := do(t, r, http.MethodPut, "/api/v1/user", token, map[string]string{"firstName": "Alicia", "password": "Changed99"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/user/signin", "", map[string]string{"username": "alice", "password": "Changed99"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodPut, "/api/v1/user", token, map[string]string{"password": "weak"})
	assert.Equal(t, http.StatusLengthRequired, rec.Code)
}

func TestBulkReturnsPublicFields(t *testing.T) {
	r := newTestRouter(t)
	signup(t, r, "alice")
	signup(t, r, "bob")

	rec := do(t, r, http.MethodGet, "/api/v1/user/bulk", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	assert.NotContains(t, rec.Body.String(), "email")

	var users []models.PublicUser
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	assert.Len(t, users, 2)
}
