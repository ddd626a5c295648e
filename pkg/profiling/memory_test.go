package profiling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSample(t *testing.T) {
	s := Sample()
	if s.HeapAlloc == 0 || s.Sys == 0 {
		t.Errorf("Expected non-zero heap and sys, got %d and %d", s.HeapAlloc, s.Sys)
	}
	if s.NumGoroutine < 1 {
		t.Errorf("Expected at least one goroutine, got %d", s.NumGoroutine)
	}
	if s.LiveObjects != s.Mallocs-s.Frees {
		t.Errorf("LiveObjects = %d, want %d", s.LiveObjects, s.Mallocs-s.Frees)
	}
}

func TestSnapshot(t *testing.T) {
	snap := Snapshot()
	for _, key := range []string{"heap_alloc_bytes", "sys_bytes", "goroutines"} {
		if snap[key] == 0 {
			t.Errorf("Snapshot()[%q] = 0", key)
		}
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/debug/pprof/", http.StatusOK},
		{http.MethodGet, "/debug/pprof/cmdline", http.StatusOK},
		{http.MethodGet, "/debug/memory", http.StatusOK},
		{http.MethodPost, "/debug/memory", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		if w.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.want)
		}
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/memory", nil))
	var s MemorySample
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode /debug/memory: %v", err)
	}
	if s.HeapAlloc == 0 {
		t.Error("Expected heap_alloc in /debug/memory")
	}
}
