package http_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	pkghttp "github.com/BradenHooton/aegis/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	pkghttp.WriteError(w, http.StatusBadRequest, "test_error", "Test message")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "test_error", resp.Error)
	assert.Equal(t, "Test message", resp.Message)
	assert.Empty(t, resp.Details)
}

func TestWriteErrorWithDetails(t *testing.T) {
	w := httptest.NewRecorder()

	pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "test_error", "Test message", "Additional details")

	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Additional details", resp.Details)
}

func TestWriteTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()

	pkghttp.WriteTooManyRequests(w, "slow down")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", resp.Error)
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	pkghttp.WriteJSON(w, http.StatusCreated, map[string]string{"status": "ok"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
