package middleware

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	apperrors "licensehub/internal/errors"
	"licensehub/internal/infrastructure"
	"licensehub/internal/shared/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func newErrorHandler(t *testing.T) (*apperrors.ErrorHandler, *testutil.BufferedSlogHandler) {
	t.Helper()
	logger, logs := testutil.NewTestLogger(t)
	return apperrors.NewErrorHandler(logger, false), logs
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		wantSame bool
	}{
		{"generated when absent", "", false},
		{"client id reused", "req-1234", true},
		{"oversized id replaced", strings.Repeat("a", 200), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
				assert.Equal(t, seen, infrastructure.GetTraceID(r.Context()))
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
			if tt.wantSame {
				assert.Equal(t, tt.incoming, seen)
			} else {
				assert.NotEqual(t, tt.incoming, seen)
			}
		})
	}
}

func TestTimeout(t *testing.T) {
	var deadline time.Time
	var ok bool
	h := Timeout(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, time.Second)
}

func TestMaxBodySize(t *testing.T) {
	type payload struct {
		DeviceID string `json:"device_id" validate:"required"`
	}
	errorHandler, _ := newErrorHandler(t)
	v := NewValidator()

	h := MaxBodySize(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		if err := v.Decode(r, &p); err != nil {
			errorHandler.HandleError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"device_id":"`+strings.Repeat("x", 64)+`"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decodeProblem(t, rec)["code"])
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})(okHandler())

	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantAllow  string
	}{
		{"same origin", http.MethodPost, "", false, http.StatusOK, ""},
		{"allowed origin", http.MethodPost, "https://app.example.com", false, http.StatusOK, "https://app.example.com"},
		{"allowed preflight", http.MethodOptions, "https://app.example.com", true, http.StatusNoContent, "https://app.example.com"},
		{"foreign origin", http.MethodPost, "https://evil.example.com", false, http.StatusOK, ""},
		{"foreign preflight", http.MethodOptions, "https://evil.example.com", true, http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/license/validate", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantAllow, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:4711"
	assert.Equal(t, "2001:db8::1", ClientIP(req))

	req.RemoteAddr = "not-an-address"
	assert.Empty(t, ClientIP(req))
}

func TestOTelMiddleware(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	m, err := NewOTelMiddleware(&infrastructure.OTelProviders{
		Tracer: tracenoop.NewTracerProvider().Tracer("test"),
		Meter:  noop.NewMeterProvider().Meter("test"),
		Logger: logger,
	})
	require.NoError(t, err)
	require.NotNil(t, m.Metrics())

	r := chi.NewRouter()
	r.Use(m.Handler)
	r.Get("/licenses/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/licenses/abc", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestResponseWriter_KeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	_, _ = ww.Write([]byte("body"))
	ww.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusOK, ww.statusCode)
	assert.Equal(t, int64(4), ww.bytesWritten)
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
		wantCode   string
	}{
		{"valid token", "s3cret-admin-token", "Bearer s3cret-admin-token", http.StatusOK, ""},
		{"lowercase scheme", "s3cret-admin-token", "bearer s3cret-admin-token", http.StatusOK, ""},
		{"missing header", "s3cret-admin-token", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong scheme", "s3cret-admin-token", "Basic s3cret-admin-token", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong token", "s3cret-admin-token", "Bearer guess", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"admin disabled", "", "Bearer anything", http.StatusForbidden, "FORBIDDEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errorHandler, _ := newErrorHandler(t)
			logger, logs := testutil.NewTestLogger(t)
			h := AuditLog(logger)(AdminAuth(tt.configured, errorHandler, logger)(okHandler()))

			req := httptest.NewRequest(http.MethodPost, "/admin/licenses", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeProblem(t, rec)["code"])
			}
			assert.True(t, logs.ContainsAttr("status", int64(tt.wantStatus)))
			assert.False(t, logs.ContainsText("s3cret-admin-token"))
		})
	}
}

func TestValidator_Struct(t *testing.T) {
	type request struct {
		LicenseKey string `json:"license_key" validate:"required,max=8"`
		Kind       string `json:"kind" validate:"omitempty,oneof=a b"`
	}
	v := NewValidator()

	require.NoError(t, v.Struct(&request{LicenseKey: "ABCD"}))

	err := v.Struct(&request{Kind: "c"})
	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", apiErr.ErrorCode)

	details, ok := apiErr.Details.([]apperrors.ValidationError)
	require.True(t, ok)
	require.Len(t, details, 2)
	assert.Equal(t, "license_key", details[0].Field)
	assert.Equal(t, "license_key is required", details[0].Message)
	assert.Equal(t, "kind must be one of: a, b", details[1].Message)
}

func TestValidator_Decode(t *testing.T) {
	type request struct {
		DeviceID string `json:"device_id" validate:"required"`
	}
	v := NewValidator()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"device_id":"dev-1"}`, false},
		{"malformed json", `{"device_id":`, true},
		{"missing field", `{}`, true},
		{"empty body", ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.body == "" {
				req.Body = http.NoBody
			}
			var dst request
			err := v.Decode(req, &dst)
			if tt.wantErr {
				var apiErr *apperrors.APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "dev-1", dst.DeviceID)
		})
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 100, false},
		{"limit=25", 25, false},
		{"limit=abc", 0, true},
		{"limit=0", 0, true},
		{"limit=5000", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/alerts?"+tt.query, nil)
			got, err := QueryInt(req, "limit", 1, 1000, 100)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContentTypeJSON(t *testing.T) {
	errorHandler, _ := newErrorHandler(t)
	h := ContentTypeJSON(errorHandler)(okHandler())

	tests := []struct {
		name        string
		contentType string
		wantStatus  int
	}{
		{"json", "application/json", http.StatusOK},
		{"json with charset", "application/json; charset=utf-8", http.StatusOK},
		{"form", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRequestIDReachesProblem(t *testing.T) {
	errorHandler, _ := newErrorHandler(t)
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorHandler.HandleError(w, r, context.DeadlineExceeded)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "req-42", decodeProblem(t, rec)["trace_id"])
}
