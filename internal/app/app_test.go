package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensehub/internal/config"
	apperrors "licensehub/internal/errors"
	"licensehub/internal/middleware"
	"licensehub/internal/shared/testutil"
)

const (
	testSecret     = "app-test-secret-0123456789abcdefghij"
	testAdminToken = "admin-token-for-tests"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.Host = "127.0.0.1"
	cfg.Token.Secret = testSecret
	cfg.Security.AdminToken = testAdminToken
	cfg.Security.AllowedOrigins = []string{"https://portal.example.com"}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*Application, *testutil.BufferedSlogHandler) {
	t.Helper()
	logger, logs := testutil.NewTestLogger(t)
	a, err := NewApplication(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a, logs
}

type client struct {
	t *testing.T
	h http.Handler
}

func (c client) do(method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "198.51.100.20:51000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	}
	return rec, decoded
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminToken}
}

func issueLicense(t *testing.T, c client, maxDevices int) (key, id string) {
	t.Helper()
	rec, body := c.do(http.MethodPost, "/api/v1/admin/licenses", map[string]interface{}{
		"user_id":     "user-1",
		"package_id":  "pkg-pro",
		"max_devices": maxDevices,
	}, adminHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return body["license_key"].(string), body["license"].(map[string]interface{})["id"].(string)
}

func TestApplication_LicenseLifecycle(t *testing.T) {
	a, logs := newTestApp(t, testConfig(t))
	c := client{t: t, h: a.Router}

	key, licenseID := issueLicense(t, c, 2)
	assert.Regexp(t, `^[A-HJ-NP-Z2-9]{4}(-[A-HJ-NP-Z2-9]{4}){3}$`, key)

	rec, body := c.do(http.MethodPost, "/api/v1/activate", map[string]interface{}{
		"license_key": key,
		"device_id":   "workstation-1",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := body["activation_token"].(string)
	assert.Equal(t, licenseID, body["license_id"])

	rec, body = c.do(http.MethodPost, "/api/v1/validate", map[string]string{
		"activation_token": token,
		"device_id":        "workstation-1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "pkg-pro", body["package_id"])

	rec, body = c.do(http.MethodGet, "/api/v1/admin/licenses/"+licenseID+"/activations", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["activations"], 1)

	rec, body = c.do(http.MethodPost, "/api/v1/admin/licenses/"+licenseID+"/suspend", map[string]string{"reason": "chargeback"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "suspended", body["license"].(map[string]interface{})["status"])

	rec, body = c.do(http.MethodPost, "/api/v1/validate", map[string]string{
		"activation_token": token,
		"device_id":        "workstation-1",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "LICENSE_SUSPENDED", body["code"])

	rec, _ = c.do(http.MethodPost, "/api/v1/admin/licenses/"+licenseID+"/reactivate", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body = c.do(http.MethodPost, "/api/v1/deactivate", map[string]string{
		"activation_token": token,
		"device_id":        "workstation-1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 0, body["active_devices"])

	assert.False(t, logs.ContainsText(key), "plaintext license key must never be logged")
	assert.True(t, logs.ContainsMessage("admin audit"))
}

func TestApplication_AdminAuth(t *testing.T) {
	tests := []struct {
		name           string
		adminToken     string
		headers        map[string]string
		expectedStatus int
	}{
		{name: "no credentials", adminToken: testAdminToken, expectedStatus: http.StatusUnauthorized},
		{name: "wrong token", adminToken: testAdminToken, headers: map[string]string{"Authorization": "Bearer nope"}, expectedStatus: http.StatusUnauthorized},
		{name: "admin disabled", adminToken: "", headers: adminHeaders(), expectedStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Security.AdminToken = tt.adminToken
			a, _ := newTestApp(t, cfg)

			rec, _ := client{t: t, h: a.Router}.do(http.MethodGet, "/api/v1/admin/fraud-alerts", nil, tt.headers)
			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}

func TestApplication_RateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 10, Window: time.Hour, Burst: 2}
	a, _ := newTestApp(t, cfg)
	c := client{t: t, h: a.Router}

	headers := map[string]string{middleware.DeviceIDHeader: "noisy-device"}
	body := map[string]string{"activation_token": "x", "device_id": "noisy-device"}

	for i := 0; i < 2; i++ {
		rec, _ := c.do(http.MethodPost, "/api/v1/validate", body, headers)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec, problem := c.do(http.MethodPost, "/api/v1/validate", body, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", problem["code"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// admin routes are not limited per device
	rec, _ = c.do(http.MethodGet, "/api/v1/admin/fraud-alerts", nil, adminHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApplication_Routing(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	c := client{t: t, h: a.Router}

	rec, body := c.do(http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, body["trace_id"])

	rec, _ = c.do(http.MethodGet, "/api/v1/validate", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = c.do(http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec, _ = c.do(http.MethodOptions, "/api/v1/activate", nil, map[string]string{
		"Origin":                        "https://portal.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://portal.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/activate", bytes.NewBufferString("license_key=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	raw := httptest.NewRecorder()
	a.Router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, raw.Code)

	rec, _ = c.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestApplication_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = config.StorageSQLite
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "licensehub.db")
	a, _ := newTestApp(t, cfg)
	c := client{t: t, h: a.Router}

	key, licenseID := issueLicense(t, c, 1)

	rec, _ := c.do(http.MethodPost, "/api/v1/activate", map[string]string{"license_key": key, "device_id": "d1"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, body := c.do(http.MethodPost, "/api/v1/activate", map[string]string{"license_key": key, "device_id": "d2"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DEVICE_LIMIT_EXCEEDED", body["code"])

	rec, body = c.do(http.MethodGet, "/api/v1/admin/licenses/"+licenseID, nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["license"].(map[string]interface{})["active_devices"])
}

func TestNewApplication_WeakSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Token.Secret = "short"
	logger, _ := testutil.NewTestLogger(t)

	_, err := NewApplication(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token secret")

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrTypeConfig, appErr.Type)
}

func TestNewApplication_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.URL = "redis://127.0.0.1:1"
	logger, _ := testutil.NewTestLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewApplication(ctx, cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrTypeStorage, appErr.Type)
}

func TestApplication_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.PruneInterval = 10 * time.Millisecond
	a, _ := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
