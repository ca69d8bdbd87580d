package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/aristath/rebalancer/internal/domain"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": s.cfg.Info.Version,
		"service": "rebalancer",
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleInfo returns static service information and the configured strategies
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.cfg.Info
	response := map[string]interface{}{
		"info":       info,
		"uptime":     s.now().Sub(info.StartedAt).Round(time.Second).String(),
		"strategies": strategies(s.cfg.Accounts.All()),
	}
	if s.cfg.NextRun != nil {
		if next := s.cfg.NextRun(); !next.IsZero() {
			response["next_scheduled_run"] = next
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleAccounts lists the configured accounts
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.cfg.Accounts.All()
	enabled := 0
	for _, a := range accounts {
		if a.Enabled {
			enabled++
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts":   accounts,
		"total":      len(accounts),
		"enabled":    enabled,
		"strategies": strategies(accounts),
	})
}

func strategies(accounts []domain.AccountConfig) []string {
	set := make(map[string]bool)
	for _, a := range accounts {
		if a.Enabled {
			set[a.StrategyName] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps err onto a status code and a JSON error body
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrDedupRejected):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}

	s.writeJSON(w, status, map[string]interface{}{
		"error":      err.Error(),
		"error_kind": domain.ErrorKind(err),
	})
}
