package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/MeKo-Tech/cascademap/internal/coordinator"
	"github.com/MeKo-Tech/cascademap/internal/geodata"
)

// Status is the JSON document served at /status.
type Status struct {
	Uptime      string            `json:"uptime"`
	Coordinator coordinator.Stats `json:"coordinator"`
	Store       *StoreStatus      `json:"store,omitempty"`
	System      SystemStatus      `json:"system"`
}

// StoreStatus describes the loaded geodata.
type StoreStatus struct {
	geodata.Stats
	Size string `json:"size"`
}

// SystemStatus reports process and host memory.
type SystemStatus struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  string `json:"heap_alloc"`
	RSS        string `json:"rss,omitempty"`
	MemTotal   string `json:"mem_total,omitempty"`
	MemUsedPct string `json:"mem_used_pct,omitempty"`
}

func (s *Server) status() Status {
	st := Status{
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Coordinator: s.tiles.Stats(),
		System:      s.systemStatus(),
	}
	if s.store != nil {
		gs := s.store.Stats()
		st.Store = &StoreStatus{Stats: gs, Size: humanize.Bytes(uint64(gs.Bytes))}
	}
	return st
}

func (s *Server) systemStatus() SystemStatus {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sys := SystemStatus{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  humanize.Bytes(ms.HeapAlloc),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			sys.RSS = humanize.Bytes(info.RSS)
		}
	} else {
		s.log().Debug("Failed to inspect process", "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sys.MemTotal = humanize.Bytes(vm.Total)
		sys.MemUsedPct = humanize.FormatFloat("#.#", vm.UsedPercent)
	}
	return sys
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.status()); err != nil {
		s.log().Error("Failed to encode status", "error", err)
	}
}
