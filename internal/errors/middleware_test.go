package errors

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"licensehub/internal/shared/testutil"
)

func TestErrorMiddleware_RecoversPanic(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	mw := NewErrorMiddleware(NewErrorHandler(logger, false), logger)

	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeInternal, decodeProblem(t, rec)["code"])
	testutil.AssertLogContains(t, handler, slog.LevelError, "panic recovered")
	testutil.AssertLogContains(t, handler, slog.LevelError, "http request")
}

func TestErrorMiddleware_LogLevels(t *testing.T) {
	tests := []struct {
		status int
		level  slog.Level
	}{
		{http.StatusOK, slog.LevelInfo},
		{http.StatusConflict, slog.LevelWarn},
		{http.StatusServiceUnavailable, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			logger, handler := testutil.NewTestLogger(t)
			mw := NewErrorMiddleware(NewErrorHandler(logger, false), logger)

			h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			testutil.AssertLogContains(t, handler, tt.level, "http request")
			testutil.AssertLogAttr(t, handler, "status", int64(tt.status))
		})
	}
}

func TestErrorMiddleware_RedactsBody(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	mw := NewErrorMiddleware(NewErrorHandler(logger, false), logger)

	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	body := `{"license_key":"ABCD-EFGH-JKLM-NPQR","device_id":"machine-1","metadata":{"os":"linux"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/activate", strings.NewReader(body))
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.False(t, handler.ContainsText("ABCD-EFGH-JKLM-NPQR"))
	assert.False(t, handler.ContainsText("machine-1"))
	assert.True(t, handler.ContainsText("[REDACTED]"))
	assert.True(t, handler.ContainsText("linux"))
}

func TestSanitizeRequestBody(t *testing.T) {
	assert.Equal(t, "[unparseable body omitted]", sanitizeRequestBody([]byte("license_key=ABCD")))
	assert.Equal(t, `{"activation_token":"[REDACTED]"}`, sanitizeRequestBody([]byte(`{"activation_token":"eyJ..."}`)))
}
