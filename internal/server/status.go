package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/rebalancer/internal/broker"
	"github.com/aristath/rebalancer/internal/queue"
)

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status       string              `json:"status"`
	CPUPercent   float64             `json:"cpu_percent"`
	MemPercent   float64             `json:"mem_percent"`
	Goroutines   int                 `json:"goroutines"`
	OpenSessions []broker.HandleInfo `json:"open_sessions"`
	ActiveEvents []string            `json:"active_events"`
	Queue        *queue.Stats        `json:"queue,omitempty"`
	Errors       []string            `json:"errors,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
}

// handleStatus reports host load, open sessions, active events and queue depth
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := s.getSystemStats()
	resp := StatusResponse{
		Status:       "ok",
		CPUPercent:   cpuPercent,
		MemPercent:   memPercent,
		Goroutines:   runtime.NumGoroutine(),
		OpenSessions: []broker.HandleInfo{},
		ActiveEvents: []string{},
		Timestamp:    s.now(),
	}

	if s.cfg.Sessions != nil {
		resp.OpenSessions = s.cfg.Sessions.Open()
	}
	if s.cfg.Active != nil {
		active, err := s.cfg.Active.Active(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Errors = append(resp.Errors, "active events: "+err.Error())
		} else if active != nil {
			resp.ActiveEvents = active
		}
	}
	if s.cfg.Queue != nil {
		stats, err := s.cfg.Queue.Stats(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Errors = append(resp.Errors, "queue: "+err.Error())
		} else {
			resp.Queue = &stats
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// getSystemStats calculates CPU and RAM usage percentages.
// Uses a short CPU sample so the endpoint stays fast.
func (s *Server) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
