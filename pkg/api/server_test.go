package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iofwd/iof/pkg/health"
)

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthFollowsTracker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  int
		wantCode  int
		wantState string
		wantReady bool
	}{
		{"healthy", 0, http.StatusOK, "healthy", true},
		{"degraded", 1, http.StatusPartialContent, "degraded", true},
		{"unavailable", 3, http.StatusServiceUnavailable, "unavailable", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tracker := health.NewTracker(health.DefaultConfig())
			tracker.RegisterComponent("ionss")
			for i := 0; i < tt.failures; i++ {
				tracker.RecordError("ionss", fmt.Errorf("check %d failed", i))
			}
			h := NewHandler("iof", tracker, nil, nil)

			w, body := get(t, h, "/health")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantState, body["status"])
			assert.EqualValues(t, 1, body["components"])

			w, body = get(t, h, "/health/ready")
			assert.Equal(t, tt.wantReady, body["ready"])
			if !tt.wantReady {
				assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			}
		})
	}
}

func TestHealthComponents(t *testing.T) {
	t.Parallel()
	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent("b")
	tracker.RegisterComponent("a")
	tracker.RecordError("b", fmt.Errorf("timeout"))

	w, _ := get(t, NewHandler("iof", tracker, nil, nil), "/health/components")
	require.Equal(t, http.StatusOK, w.Code)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0]["name"])
	assert.Equal(t, "healthy", out[0]["state"])
	assert.Equal(t, "b", out[1]["name"])
	assert.Equal(t, "degraded", out[1]["state"])
	assert.Equal(t, "timeout", out[1]["last_error_message"])
}

func TestWithoutTracker(t *testing.T) {
	t.Parallel()
	h := NewHandler("iofd", nil, nil, nil)

	w, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	w, _ = get(t, h, "/health/components")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, body = get(t, h, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ready"])

	w, _ = get(t, h, "/status")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusAndInfo(t *testing.T) {
	t.Parallel()
	h := NewHandler("iofd", nil, func() any {
		return map[string]uint64{"served": 7}
	}, nil)

	w, body := get(t, h, "/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 7, body["served"])
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	w, body = get(t, h, "/info")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "iofd", body["service"])
	assert.Len(t, body["endpoints"], len(Endpoints))

	w, _ = get(t, h, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	NewHandler("iof", nil, nil, nil).ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRegister(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	NewHandler("iof", nil, nil, nil).Register(mux)

	for _, p := range Endpoints {
		w, _ := get(t, mux, p)
		assert.NotEqual(t, http.StatusNotFound, w.Code, p)
	}
}
