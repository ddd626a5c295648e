// Package profiling exposes the Go runtime of a node: pprof handlers and a
// memory snapshot for the metrics collector.
package profiling

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"
)

// MemorySample is a point-in-time memory snapshot.
type MemorySample struct {
	Timestamp     time.Time `json:"timestamp"`
	HeapAlloc     uint64    `json:"heap_alloc"`
	HeapSys       uint64    `json:"heap_sys"`
	HeapIdle      uint64    `json:"heap_idle"`
	HeapInuse     uint64    `json:"heap_inuse"`
	HeapReleased  uint64    `json:"heap_released"`
	NumGC         uint32    `json:"num_gc"`
	NumGoroutine  int       `json:"num_goroutine"`
	TotalAlloc    uint64    `json:"total_alloc"`
	Sys           uint64    `json:"sys"`
	Mallocs       uint64    `json:"mallocs"`
	Frees         uint64    `json:"frees"`
	LiveObjects   uint64    `json:"live_objects"` // mallocs - frees
	GCPauseNs     uint64    `json:"gc_pause_ns"`  // last GC pause
	GCCPUFraction float64   `json:"gc_cpu_fraction"`
}

// Sample reads the runtime memory statistics.
func Sample() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemorySample{
		Timestamp:     time.Now(),
		HeapAlloc:     ms.HeapAlloc,
		HeapSys:       ms.HeapSys,
		HeapIdle:      ms.HeapIdle,
		HeapInuse:     ms.HeapInuse,
		HeapReleased:  ms.HeapReleased,
		NumGC:         ms.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		TotalAlloc:    ms.TotalAlloc,
		Sys:           ms.Sys,
		Mallocs:       ms.Mallocs,
		Frees:         ms.Frees,
		LiveObjects:   ms.Mallocs - ms.Frees,
		GCPauseNs:     ms.PauseNs[(ms.NumGC+255)%256],
		GCCPUFraction: ms.GCCPUFraction,
	}
}

// Snapshot returns the memory sample as counters for the metrics collector.
func Snapshot() map[string]uint64 {
	s := Sample()
	return map[string]uint64{
		"heap_alloc_bytes": s.HeapAlloc,
		"heap_inuse_bytes": s.HeapInuse,
		"sys_bytes":        s.Sys,
		"live_objects":     s.LiveObjects,
		"goroutines":       uint64(s.NumGoroutine),
		"gc_cycles":        uint64(s.NumGC),
		"gc_pause_ns":      s.GCPauseNs,
	}
}

// Register mounts the pprof handlers under /debug/pprof/ and the memory
// sample at /debug/memory.
func Register(mux interface{ Handle(string, http.Handler) }) {
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	mux.Handle("/debug/memory", http.HandlerFunc(handleMemory))
}

func handleMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Sample())
}
