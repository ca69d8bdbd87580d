package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/results"
)

// SourceAPI tags commands submitted through the management API
const SourceAPI = "api"

const maxBodyBytes = 64 << 10

// handleRebalance accepts an account trigger
// POST /api/rebalance
func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	cmd, err := s.cfg.Parser.ParseTrigger(body, SourceAPI)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.submit(w, r, cmd)
}

// handleStrategyRebalance accepts a strategy-wide trigger
// POST /api/strategies/{name}/rebalance
func (s *Server) handleStrategyRebalance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	cmd, err := s.cfg.Parser.ParseStrategyEvent(name, body, SourceAPI)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(s.cfg.Accounts.ByStrategy(name)) == 0 {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no enabled accounts for strategy " + name})
		return
	}
	s.submit(w, r, cmd)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd domain.Command) {
	if s.cfg.Submitter == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "execution is not available"})
		return
	}

	eventID, err := s.cfg.Submitter.Submit(r.Context(), cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":        "accepted",
		"event_id":      eventID,
		"account_id":    cmd.AccountID,
		"strategy_name": cmd.StrategyName,
		"exec":          cmd.ExecKind,
	})
}

// handlePDT reports whether an account may execute now
// GET /api/pdt/{account_id}
func (s *Server) handlePDT(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	account, ok := s.cfg.Accounts.Get(accountID)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown account " + accountID})
		return
	}

	response := map[string]interface{}{
		"account_id":             account.AccountID,
		"pdt_protection_enabled": account.PDTProtectionEnabled,
		"allowed":                true,
	}
	if s.cfg.PDT != nil {
		decision := s.cfg.PDT.Check(r.Context(), account, s.now())
		response["allowed"] = decision.Allowed
		if decision.LastExecuted != nil {
			response["last_executed"] = decision.LastExecuted
		}
		if !decision.Allowed {
			response["next_allowed"] = decision.NextAllowedTime
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleScheduled lists accounts waiting for the market-open run
// GET /api/schedule
func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Schedule == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "scheduler is disabled"})
		return
	}
	ids, err := s.cfg.Schedule.Scheduled()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": ids})
}

// handleScheduleAccount adds an account to the market-open run
// POST /api/schedule/{account_id}
func (s *Server) handleScheduleAccount(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Schedule == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "scheduler is disabled"})
		return
	}
	accountID := chi.URLParam(r, "account_id")
	if account, ok := s.cfg.Accounts.Get(accountID); !ok || !account.Enabled {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown or disabled account " + accountID})
		return
	}
	if err := s.cfg.Schedule.AddAccount(accountID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "account_id": accountID})
}

// handleExecutions lists archived executions
// GET /api/executions?strategy=&limit=
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Executions == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution archive is disabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.cfg.Executions.Recent(r.Context(), r.URL.Query().Get("strategy"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []results.Summary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"executions": list})
}

// handleExecution returns one archived execution
// GET /api/executions/{execution_id}
func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Executions == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution archive is disabled"})
		return
	}
	result, err := s.cfg.Executions.Get(r.Context(), chi.URLParam(r, "execution_id"))
	if errors.Is(err, results.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
