package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/runs"
	"github.com/jonathan/probe-orchestrator/internal/server/middleware"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// runResponse is a run with its derived completion percentage
type runResponse struct {
	*types.Run
	PercentComplete int `json:"percentComplete"`
}

func newRunResponse(run *types.Run) runResponse {
	return runResponse{Run: run, PercentComplete: types.CalculatePercentComplete(run.Progress)}
}

// updateRunRequest renames a run
type updateRunRequest struct {
	Name string `json:"name" validate:"max=255"`
}

// providerSettingsRequest edits a provider's dispatch limits
type providerSettingsRequest struct {
	MaxParallelRequests *int  `json:"maxParallelRequests" validate:"omitempty,min=1,max=1000"`
	RequestsPerMinute   *int  `json:"requestsPerMinute" validate:"omitempty,min=1,max=100000"`
	IsEnabled           *bool `json:"isEnabled"`
}

// decodeJSON reads a JSON request body into dst. An empty body leaves dst unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return types.NewValidationError("body", "invalid JSON: %v", err)
	}
	return nil
}

// validateRequest runs struct validation, reporting the first failing field
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return types.NewValidationError(fe.Field(), "failed %s=%s validation", fe.Tag(), fe.Param())
	}
	return types.NewValidationError("body", "%v", err)
}

// pathRunID parses the {id} path value
func pathRunID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, types.NewValidationError("id", "invalid run id %q", raw)
	}
	return id, nil
}

// requestUser returns the authenticated user, or nil when auth is off
func requestUser(r *http.Request) *uuid.UUID {
	id, err := middleware.GetUserID(r)
	if err != nil {
		return nil
	}
	return &id
}

// auditCommand records a state-changing command and its outcome. target names the run
// or provider acted on.
func (s *Server) auditCommand(r *http.Request, action, target string, err error) {
	event := s.audit.Info()
	if err != nil {
		event = s.audit.Warn().Err(err)
	}
	event = event.Str("action", action)
	if user := requestUser(r); user != nil {
		event = event.Str("user_id", user.String())
	}
	if target != "" {
		event = event.Str("target", target)
	}
	event.Bool("ok", err == nil).Msg("command")
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var in runs.StartRunInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.serviceError(w, r, err)
		return
	}
	in.UserID = requestUser(r)

	result, err := s.services.Runs.StartRun(r.Context(), in)
	target := ""
	if result != nil {
		target = result.Run.ID.String()
	}
	s.auditCommand(r, "start_run", target, err)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]any{
		"run":      newRunResponse(result.Run),
		"jobCount": result.JobCount,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	run, err := s.services.Runs.GetRun(r.Context(), runID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, newRunResponse(run))
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	snapshot, err := s.services.Progress.GetProgress(r.Context(), runID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, snapshot)
}

// runCommand handles the commands that take a run id and return the updated run
func (s *Server) runCommand(action string, fn func(*http.Request, uuid.UUID) (*types.Run, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := pathRunID(r)
		if err != nil {
			s.serviceError(w, r, err)
			return
		}
		run, err := fn(r, runID)
		s.auditCommand(r, action, runID.String(), err)
		if err != nil {
			s.serviceError(w, r, err)
			return
		}
		s.jsonResponse(w, http.StatusOK, newRunResponse(run))
	}
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	s.runCommand("pause_run", func(r *http.Request, id uuid.UUID) (*types.Run, error) {
		return s.services.Runs.PauseRun(r.Context(), id)
	})(w, r)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	s.runCommand("resume_run", func(r *http.Request, id uuid.UUID) (*types.Run, error) {
		return s.services.Runs.ResumeRun(r.Context(), id)
	})(w, r)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.runCommand("cancel_run", func(r *http.Request, id uuid.UUID) (*types.Run, error) {
		return s.services.Runs.CancelRun(r.Context(), id)
	})(w, r)
}

func (s *Server) handleCancelSummarization(w http.ResponseWriter, r *http.Request) {
	s.runCommand("cancel_summarization", func(r *http.Request, id uuid.UUID) (*types.Run, error) {
		return s.services.Progress.CancelSummarization(r.Context(), id)
	})(w, r)
}

func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	var req updateRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.runCommand("update_run", func(r *http.Request, id uuid.UUID) (*types.Run, error) {
		return s.services.Runs.UpdateRun(r.Context(), id, req.Name)
	})(w, r)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	err = s.services.Runs.DeleteRun(r.Context(), runID, requestUser(r))
	s.auditCommand(r, "delete_run", runID.String(), err)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestartSummarization(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		force, err = strconv.ParseBool(raw)
		if err != nil {
			s.serviceError(w, r, types.NewValidationError("force", "must be a boolean, got %q", raw))
			return
		}
	}

	result, err := s.services.Progress.RestartSummarization(r.Context(), runID, force)
	s.auditCommand(r, "restart_summarization", runID.String(), err)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"run":      newRunResponse(result.Run),
		"enqueued": result.Enqueued,
	})
}

func (s *Server) handleRecoverRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	result, err := s.services.Recovery.RecoverOrphanedRun(r.Context(), runID)
	s.auditCommand(r, "recover_run", runID.String(), err)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleTriggerRecovery(w http.ResponseWriter, r *http.Request) {
	summary, err := s.services.Recovery.TriggerRecovery(r.Context())
	s.auditCommand(r, "trigger_recovery", "", err)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, summary)
}

func (s *Server) handleCostEstimate(w http.ResponseWriter, r *http.Request) {
	var in runs.StartRunInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.serviceError(w, r, err)
		return
	}
	estimate, err := s.services.Runs.EstimateCost(r.Context(), in)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, estimate)
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req providerSettingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		s.serviceError(w, r, err)
		return
	}
	if req.MaxParallelRequests == nil && req.RequestsPerMinute == nil && req.IsEnabled == nil {
		s.serviceError(w, r, types.NewValidationError("body", "no settings to update"))
		return
	}

	provider, err := s.services.Providers.UpdateProviderSettings(r.Context(), name, db.ProviderSettings{
		MaxParallelRequests: req.MaxParallelRequests,
		RequestsPerMinute:   req.RequestsPerMinute,
		IsEnabled:           req.IsEnabled,
	})
	s.auditCommand(r, "update_provider", name, err)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, provider)
}
