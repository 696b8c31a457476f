package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stagehand/stagehand/internal/engine"
	scontext "github.com/stagehand/stagehand/pkg/context"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/types"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error string `json:"error"`
}

type buildResponse struct {
	Build *types.Build `json:"build"`
	Job   *types.Job   `json:"job,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps the engine's error taxonomy onto HTTP
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrQueueDisabled), errors.Is(err, engine.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrLockConflict), errors.Is(err, engine.ErrDuplicateDeploy):
		return http.StatusConflict
	case errors.Is(err, engine.ErrSelfApproval), errors.Is(err, engine.ErrBuildsDisabled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithContext(r.Context(), s.logger).Error("Request failed", logger.WithError(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.engine.Enabled()})
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Enabled == nil {
		s.writeError(w, r, fmt.Errorf("%w: enabled is required", errBadRequest))
		return
	}
	s.engine.SetEnabled(*body.Enabled)
	logger.WithContext(r.Context(), s.logger).Warn("Job queue toggled", logger.WithField("enabled", *body.Enabled))
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.engine.Enabled()})
}

// handleSubmitDeploy queues a deploy
//
//	@Summary	Submit a deploy
//	@Accept		json
//	@Produce	json
//	@Param		request	body		types.DeployRequest	true	"deploy and pipeline"
//	@Success	201		{object}	types.Job
//	@Failure	400		{object}	errorResponse
//	@Failure	409		{object}	errorResponse
//	@Failure	503		{object}	errorResponse
//	@Router		/api/deploys [post]
func (s *Server) handleSubmitDeploy(w http.ResponseWriter, r *http.Request) {
	var req types.DeployRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Creator == "" {
		req.Creator = scontext.GetActor(r.Context())
	}
	job, err := s.engine.SubmitDeploy(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleActiveDeploys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ActiveDeploys())
}

func (s *Server) handleActiveCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": len(s.engine.ActiveDeploys())})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	check, err := s.engine.Approve(r.Context(), chi.URLParam(r, "id"), scontext.GetActor(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Jobs())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Job(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

//	@Summary	Cancel a pending or running job
//	@Produce	json
//	@Param		id	path		string	true	"job id"
//	@Success	202	{object}	types.Job
//	@Failure	404	{object}	errorResponse
//	@Failure	409	{object}	errorResponse
//	@Router		/api/jobs/{id} [delete]
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.engine.Job(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.engine.CancelJob(r.Context(), id) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: fmt.Sprintf("job %s is already %s", id, job.Status)})
		return
	}
	job, err = s.engine.Job(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Locks())
}

//	@Summary	Take a hard or warning lock
//	@Accept		json
//	@Produce	json
//	@Param		request	body		types.LockRequest	true	"lock"
//	@Success	201		{object}	types.Lock
//	@Failure	409		{object}	errorResponse
//	@Router		/api/locks [post]
func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req types.LockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	lock, err := s.engine.AcquireLock(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lock)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReleaseLockByID(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReleaseLockByResource(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resource := types.Resource{
		Type: types.ResourceType(q.Get("resource_type")),
		ID:   q.Get("resource_id"),
	}
	if err := resource.Validate(); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	holder := q.Get("holder")
	if holder == "" {
		holder = scontext.GetActor(r.Context())
	}
	if err := s.engine.ReleaseLock(resource, holder); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Builds(chi.URLParam(r, "project")))
}

func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	var req types.BuildRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ProjectID = chi.URLParam(r, "project")
	if req.Creator == "" {
		req.Creator = scontext.GetActor(r.Context())
	}
	build, job, err := s.engine.TriggerBuild(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, buildResponse{Build: build, Job: job})
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := s.engine.Build(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}
