package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "licensehub/internal/errors"
	"licensehub/internal/license"
	"licensehub/internal/services"
	"licensehub/internal/shared/testutil"
)

// MockLicenseService implements LicenseService for testing
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) Validate(ctx context.Context, token, deviceID, ipAddress string) (*services.ValidationResult, error) {
	args := m.Called(ctx, token, deviceID, ipAddress)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.ValidationResult), args.Error(1)
}

func (m *MockLicenseService) Activate(ctx context.Context, key, deviceID, ipAddress string, metadata map[string]string) (*services.ActivationResult, error) {
	args := m.Called(ctx, key, deviceID, ipAddress, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.ActivationResult), args.Error(1)
}

func (m *MockLicenseService) Deactivate(ctx context.Context, token, deviceID string) (*services.DeactivationResult, error) {
	args := m.Called(ctx, token, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.DeactivationResult), args.Error(1)
}

const testRemoteAddr = "203.0.113.50:41000"

func newLicenseRouter(t *testing.T, svc LicenseService) http.Handler {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	handler := NewLicenseHandler(svc, apperrors.NewErrorHandler(logger, false), logger)

	r := chi.NewRouter()
	r.Route("/api/v1", handler.Register)
	return r
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	case nil:
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = testRemoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestLicenseHandler_Validate(t *testing.T) {
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	graceEnds := expires.Add(7 * 24 * time.Hour)

	tests := []struct {
		name           string
		requestBody    interface{}
		setupMock      func(*MockLicenseService)
		expectedStatus int
		expectedBody   func(*testing.T, map[string]interface{})
	}{
		{
			name:        "valid token",
			requestBody: map[string]string{"activation_token": "tok", "device_id": "dev-1"},
			setupMock: func(m *MockLicenseService) {
				m.On("Validate", mock.Anything, "tok", "dev-1", "203.0.113.50").Return(&services.ValidationResult{
					Valid:     true,
					LicenseID: "lic-1",
					PackageID: "pkg-pro",
					ExpiresAt: &expires,
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, true, body["valid"])
				assert.Equal(t, "lic-1", body["license_id"])
				assert.Equal(t, "pkg-pro", body["package_id"])
				assert.Equal(t, false, body["grace_period"])
				assert.NotContains(t, body, "grace_period_ends")
			},
		},
		{
			name:        "inside grace period",
			requestBody: map[string]string{"activation_token": "tok", "device_id": "dev-1"},
			setupMock: func(m *MockLicenseService) {
				m.On("Validate", mock.Anything, "tok", "dev-1", mock.Anything).Return(&services.ValidationResult{
					Valid:           true,
					LicenseID:       "lic-1",
					GracePeriod:     true,
					GracePeriodEnds: &graceEnds,
					ExpiresAt:       &expires,
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, true, body["grace_period"])
				assert.Equal(t, graceEnds.Format(time.RFC3339), body["grace_period_ends"])
			},
		},
		{
			name:           "missing device id",
			requestBody:    map[string]string{"activation_token": "tok"},
			setupMock:      func(m *MockLicenseService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "INVALID_REQUEST", body["code"])
				assert.Equal(t, apperrors.TypeValidation, body["type"])
			},
		},
		{
			name:           "invalid json",
			requestBody:    "{not json",
			setupMock:      func(m *MockLicenseService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "INVALID_REQUEST", body["code"])
			},
		},
		{
			name:        "expired token",
			requestBody: map[string]string{"activation_token": "tok", "device_id": "dev-1"},
			setupMock: func(m *MockLicenseService) {
				m.On("Validate", mock.Anything, "tok", "dev-1", mock.Anything).Return(nil, license.ErrTokenExpired)
			},
			expectedStatus: http.StatusUnauthorized,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, license.CodeTokenExpired, body["code"])
				assert.Equal(t, "/errors/license/token-expired", body["type"])
			},
		},
		{
			name:        "license expired past grace",
			requestBody: map[string]string{"activation_token": "tok", "device_id": "dev-1"},
			setupMock: func(m *MockLicenseService) {
				m.On("Validate", mock.Anything, "tok", "dev-1", mock.Anything).
					Return(nil, license.NewExpiredError(expires))
			},
			expectedStatus: http.StatusForbidden,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, license.CodeLicenseExpired, body["code"])
				assert.Contains(t, body, "expired_at")
			},
		},
		{
			name:        "device mismatch",
			requestBody: map[string]string{"activation_token": "tok", "device_id": "other"},
			setupMock: func(m *MockLicenseService) {
				m.On("Validate", mock.Anything, "tok", "other", mock.Anything).Return(nil, license.ErrDeviceMismatch)
			},
			expectedStatus: http.StatusForbidden,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, license.CodeDeviceMismatch, body["code"])
			},
		},
		{
			name:        "storage unavailable",
			requestBody: map[string]string{"activation_token": "tok", "device_id": "dev-1"},
			setupMock: func(m *MockLicenseService) {
				m.On("Validate", mock.Anything, "tok", "dev-1", mock.Anything).
					Return(nil, license.ErrUnavailable.Wrap(apperrors.NewStorageError("find license", context.DeadlineExceeded)))
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, license.CodeUnavailable, body["code"])
				assert.NotContains(t, body["detail"], "deadline")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockLicenseService)
			tt.setupMock(svc)
			router := newLicenseRouter(t, svc)

			rec := postJSON(t, router, "/api/v1/validate", tt.requestBody)

			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			tt.expectedBody(t, decodeBody(t, rec))
			svc.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_Activate(t *testing.T) {
	expires := time.Date(2026, 11, 16, 0, 0, 0, 0, time.UTC)
	meta := map[string]string{"os": "linux"}

	tests := []struct {
		name           string
		requestBody    interface{}
		setupMock      func(*MockLicenseService)
		expectedStatus int
		expectedBody   func(*testing.T, map[string]interface{})
	}{
		{
			name: "new device",
			requestBody: map[string]interface{}{
				"license_key": "ABCD-EFGH-JKMN-PQRS",
				"device_id":   "dev-1",
				"metadata":    meta,
			},
			setupMock: func(m *MockLicenseService) {
				m.On("Activate", mock.Anything, "ABCD-EFGH-JKMN-PQRS", "dev-1", "203.0.113.50", meta).
					Return(&services.ActivationResult{Token: "signed", ExpiresAt: expires, LicenseID: "lic-1", NewDevice: true}, nil)
			},
			expectedStatus: http.StatusCreated,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "signed", body["activation_token"])
				assert.Equal(t, "lic-1", body["license_id"])
				assert.Equal(t, expires.Format(time.RFC3339), body["expires_at"])
			},
		},
		{
			name:        "known device refreshes token",
			requestBody: map[string]string{"license_key": "ABCD-EFGH-JKMN-PQRS", "device_id": "dev-1"},
			setupMock: func(m *MockLicenseService) {
				m.On("Activate", mock.Anything, "ABCD-EFGH-JKMN-PQRS", "dev-1", mock.Anything, map[string]string(nil)).
					Return(&services.ActivationResult{Token: "refreshed", ExpiresAt: expires, LicenseID: "lic-1"}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "refreshed", body["activation_token"])
			},
		},
		{
			name:           "missing license key",
			requestBody:    map[string]string{"device_id": "dev-1"},
			setupMock:      func(m *MockLicenseService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				errs, ok := body["errors"].([]interface{})
				require.True(t, ok)
				require.Len(t, errs, 1)
				assert.Equal(t, "license_key", errs[0].(map[string]interface{})["field"])
			},
		},
		{
			name:        "device limit",
			requestBody: map[string]string{"license_key": "ABCD-EFGH-JKMN-PQRS", "device_id": "dev-4"},
			setupMock: func(m *MockLicenseService) {
				m.On("Activate", mock.Anything, mock.Anything, "dev-4", mock.Anything, mock.Anything).
					Return(nil, license.ErrDeviceLimitExceeded.WithDetail("max_devices", 3))
			},
			expectedStatus: http.StatusConflict,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, license.CodeDeviceLimitExceeded, body["code"])
				assert.EqualValues(t, 3, body["max_devices"])
			},
		},
		{
			name:        "fraud blocked",
			requestBody: map[string]string{"license_key": "ABCD-EFGH-JKMN-PQRS", "device_id": "dev-9"},
			setupMock: func(m *MockLicenseService) {
				m.On("Activate", mock.Anything, mock.Anything, "dev-9", mock.Anything, mock.Anything).
					Return(nil, license.ErrFraudBlocked)
			},
			expectedStatus: http.StatusForbidden,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, license.CodeFraudBlocked, body["code"])
			},
		},
		{
			name:        "unknown key",
			requestBody: map[string]string{"license_key": "ZZZZ-ZZZZ-ZZZZ-ZZZZ", "device_id": "dev-1"},
			setupMock: func(m *MockLicenseService) {
				m.On("Activate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return(nil, license.ErrLicenseInvalid)
			},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, license.CodeLicenseInvalid, body["code"])
				assert.Equal(t, "/errors/license/license-invalid", body["type"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockLicenseService)
			tt.setupMock(svc)
			router := newLicenseRouter(t, svc)

			rec := postJSON(t, router, "/api/v1/activate", tt.requestBody)

			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			tt.expectedBody(t, decodeBody(t, rec))
			svc.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_Deactivate(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("Deactivate", mock.Anything, "tok", "dev-1").
		Return(&services.DeactivationResult{Deactivated: true, LicenseID: "lic-1", ActiveDevices: 1}, nil).Once()
	svc.On("Deactivate", mock.Anything, "tok", "dev-1").
		Return(nil, license.ErrActivationNotFound).Once()
	router := newLicenseRouter(t, svc)

	rec := postJSON(t, router, "/api/v1/deactivate", map[string]string{"activation_token": "tok", "device_id": "dev-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["deactivated"])
	assert.EqualValues(t, 1, body["active_devices"])

	rec = postJSON(t, router, "/api/v1/deactivate", map[string]string{"activation_token": "tok", "device_id": "dev-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, license.CodeActivationNotFound, decodeBody(t, rec)["code"])

	svc.AssertExpectations(t)
}

func TestLicenseHandler_EmptyBody(t *testing.T) {
	router := newLicenseRouter(t, new(MockLicenseService))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeBody(t, rec)["code"])
}

func BenchmarkLicenseHandler_Validate(b *testing.B) {
	svc := new(MockLicenseService)
	svc.On("Validate", mock.Anything, "tok", "dev-1", mock.Anything).
		Return(&services.ValidationResult{Valid: true, LicenseID: "lic-1"}, nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewLicenseHandler(svc, apperrors.NewErrorHandler(logger, false), logger)
	r := chi.NewRouter()
	r.Route("/api/v1", handler.Register)

	body := []byte(`{"activation_token":"tok","device_id":"dev-1"}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			b.Fatalf("unexpected status %d", rec.Code)
		}
	}
}
