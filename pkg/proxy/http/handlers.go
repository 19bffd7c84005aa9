package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/registry"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/slurm"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/ssh"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/submit"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/token"
)

// setHeaders sets response headers of the JSON endpoints.
func setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// writeJSON renders v with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	setHeaders(w)
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO"))
	}
}

// writeError renders the error envelope: one line of text under the error
// key.
func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// queryUsername returns the username query parameter, defaulting to the
// generic user.
func queryUsername(r *http.Request) string {
	if username := r.URL.Query().Get("username"); username != "" {
		return username
	}

	return base.GenericUsername
}

// pathJobID parses the named integer path variable. Route patterns admit
// digits only, so the only way to fail here is int64 overflow.
func (s *Server) pathJobID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	jobID, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid job id")

		return 0, false
	}

	return jobID, true
}

// jobMissing reports whether err says the scheduler has no record of the job.
func jobMissing(err error) bool {
	return errors.Is(err, submit.ErrNoLiveJob) ||
		errors.Is(err, slurm.ErrJobNotFound) ||
		errors.Is(err, ssh.ErrJobNotFound)
}

// ping answers pong. Liveness only: no dependency is touched.
func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	s.logger.Debug("ping > pong")

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

// health reports readiness: the registry must answer.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if err := s.registry.Ping(r.Context()); err != nil {
		s.logger.Error("Health check failed", "err", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("KO"))

		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// submitTask accepts one task document and runs it through the submission
// pipeline: validation, catalog resolution, duplicate check, the two phase
// scheduler submission and the registry insert.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task *models.Task `json:"task"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error("Failed to decode submission request", "err", err)
		s.writeError(w, http.StatusBadRequest, "Invalid JSON format")

		return
	}

	if req.Task == nil {
		s.logger.Error("Submission request carries no task")
		s.writeError(w, http.StatusBadRequest, "No task provided")

		return
	}

	result, err := s.submitter.Submit(r.Context(), req.Task)

	switch {
	case err == nil:
	case errors.Is(err, submit.ErrInvalidTask):
		s.logger.Error("Invalid task submitted", "task", req.Task.Name, "err", err)
		s.writeError(w, http.StatusBadRequest, "Invalid task format")

		return
	case errors.Is(err, submit.ErrRecord):
		s.logger.Error("Failed to monitor job", "task", req.Task.Name, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to monitor job")

		return
	default:
		s.logger.Error("Failed to submit task", "task", req.Task.Name, "err", err)
		s.writeError(w, http.StatusBadRequest, "Failed to submit task | "+err.Error())

		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// monitorJob adopts a job submitted outside the proxy, described in the
// request body. Adopting a job twice is not an error: the existing record is
// returned.
func (s *Server) monitorJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Monitor *struct {
			SlurmJobID int64        `json:"slurm_job_id"`
			Task       *models.Task `json:"task"`
		} `json:"monitor"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error("Failed to decode monitor request", "err", err)
		s.writeError(w, http.StatusBadRequest, "Invalid JSON format")

		return
	}

	if req.Monitor == nil {
		s.logger.Error("No job provided to be monitored")
		s.writeError(w, http.StatusBadRequest, "No job provided to be monitored")

		return
	}

	task := req.Monitor.Task
	if task == nil {
		task = &models.Task{}
	}

	record, err := s.submitter.RegisterTask(r.Context(), req.Monitor.SlurmJobID, task)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicate) {
			if existing, getErr := s.registry.Get(r.Context(), req.Monitor.SlurmJobID); getErr == nil {
				s.writeJSON(w, http.StatusOK, existing)

				return
			}
		}

		s.logger.Error("Failed to monitor job", "slurm_job_id", req.Monitor.SlurmJobID, "err", err)
		s.writeError(w, http.StatusBadRequest, "Failed to monitor job")

		return
	}

	s.writeJSON(w, http.StatusOK, record)
}

// registerJob adopts a job submitted outside the proxy by id, under the
// generic task.
func (s *Server) registerJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathJobID(w, r, "id")
	if !ok {
		return
	}

	record, err := s.submitter.Register(r.Context(), queryUsername(r), jobID)

	switch {
	case err == nil:
	case jobMissing(err):
		s.logger.Error("Job not found in SLURM scheduler", "slurm_job_id", jobID, "err", err)
		s.writeError(w, http.StatusNotFound, "Job not found in SLURM scheduler")

		return
	case errors.Is(err, registry.ErrDuplicate):
		s.writeError(w, http.StatusBadRequest, "Job already exists in monitor database")

		return
	default:
		s.logger.Error("Failed to register job", "slurm_job_id", jobID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to monitor job")

		return
	}

	s.writeJSON(w, http.StatusOK, record)
}

// jobSummary pairs the live scheduler view of one job with its registry
// record. Both sides must exist.
func (s *Server) jobSummary(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathJobID(w, r, "id")
	if !ok {
		return
	}

	live, err := s.transport.JobState(r.Context(), queryUsername(r), jobID)
	if err != nil {
		s.logger.Debug("No scheduler data for job", "slurm_job_id", jobID, "err", err)

		live = nil
	}

	record, err := s.registry.Get(r.Context(), jobID)
	if err != nil {
		record = nil
	}

	if live == nil || record == nil {
		s.logger.Error("Job not found in SLURM scheduler or monitor database", "slurm_job_id", jobID)
		s.writeError(w, http.StatusNotFound, "Job scheduler or monitor information not found")

		return
	}

	s.writeJSON(w, http.StatusOK, models.JobSummary{Slurm: live, Monitor: record})
}

// jobSummaryByUUID resolves the registry record by task uuid first, then
// attaches the live scheduler view of its job.
func (s *Server) jobSummaryByUUID(w http.ResponseWriter, r *http.Request) {
	taskUUID := mux.Vars(r)["uuid"]

	record, err := s.registry.GetByUUID(r.Context(), taskUUID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			s.logger.Error("Failed to read job record", "task_uuid", taskUUID, "err", err)
		}

		s.writeError(w, http.StatusNotFound, "Job monitor information not found")

		return
	}

	username := record.Task.Username
	if username == "" {
		username = base.GenericUsername
	}

	live, err := s.transport.JobState(r.Context(), username, record.SlurmJobID)
	if err != nil || live == nil {
		s.logger.Error("Job has no scheduler metadata", "task_uuid", taskUUID, "slurm_job_id", record.SlurmJobID)
		s.writeError(w, http.StatusNotFound, "Job Slurm metadata not found")

		return
	}

	s.writeJSON(w, http.StatusOK, models.JobSummary{Slurm: live, Monitor: record})
}

// jobsByState lists jobs currently in one state: accounting rows when the
// SSH transport is configured, registry records otherwise.
func (s *Server) jobsByState(w http.ResponseWriter, r *http.Request) {
	state := models.State(mux.Vars(r)["state"])
	if _, ok := models.SlurmStates[state]; !ok {
		s.logger.Error("Invalid SLURM job state", "state", state)
		s.writeError(w, http.StatusBadRequest, "Invalid state key")

		return
	}

	if s.lister != nil {
		statuses, err := s.lister.JobsByState(r.Context(), state)
		if err != nil {
			s.logger.Error("Failed to list jobs by state", "state", state, "err", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to retrieve jobs")

			return
		}

		if statuses == nil {
			statuses = []models.JobStatus{}
		}

		s.writeJSON(w, http.StatusOK, map[string][]models.JobStatus{"jobs": statuses})

		return
	}

	records, err := s.registry.GetByState(r.Context(), state)
	if err != nil {
		s.logger.Error("Failed to list job records by state", "state", state, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve jobs")

		return
	}

	if records == nil {
		records = []models.JobRecord{}
	}

	s.writeJSON(w, http.StatusOK, map[string][]models.JobRecord{"jobs": records})
}

// deleteJob cancels the job with the scheduler and removes its record. The
// record is the gate: jobs unknown to the registry never reach scancel.
func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathJobID(w, r, "id")
	if !ok {
		return
	}

	record, err := s.registry.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.logger.Error("Job not found in monitor database", "slurm_job_id", jobID)
			s.writeError(w, http.StatusNotFound, "Job not found in monitor database")

			return
		}

		s.logger.Error("Failed to read job record", "slurm_job_id", jobID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete job")

		return
	}

	if err := s.transport.Cancel(r.Context(), record.SlurmUsername, jobID); err != nil {
		s.logger.Error("Failed to delete job from SLURM", "slurm_job_id", jobID, "err", err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.writeError(w, http.StatusInternalServerError, "Failed to delete job from SLURM: "+err.Error())

			return
		}

		s.writeError(w, http.StatusBadRequest, "Job could not be deleted from SLURM scheduler")

		return
	}

	deleted, err := s.registry.Delete(r.Context(), jobID)
	if err != nil {
		s.logger.Error("Failed to delete job record", "slurm_job_id", jobID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete job")

		return
	}

	s.writeJSON(w, http.StatusOK, deleted)
}

// diag forwards the scheduler diagnostics query.
func (s *Server) diag(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		s.writeError(w, http.StatusBadRequest, "SLURM REST API not configured")

		return
	}

	result, err := s.querier.Diag(r.Context(), queryUsername(r))
	s.writePassthrough(w, result, err)
}

// jobs forwards the accounting jobs query, restricted to jobs updated since
// the update_time path component when one is given.
func (s *Server) jobs(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		s.writeError(w, http.StatusBadRequest, "SLURM REST API not configured")

		return
	}

	var updateTime int64

	if v, ok := mux.Vars(r)["update_time"]; ok {
		t, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid update time")

			return
		}

		updateTime = t
	}

	result, err := s.querier.Jobs(r.Context(), queryUsername(r), updateTime)
	s.writePassthrough(w, result, err)
}

// job forwards the accounting query of one job.
func (s *Server) job(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		s.writeError(w, http.StatusBadRequest, "SLURM REST API not configured")

		return
	}

	jobID, ok := s.pathJobID(w, r, "job_id")
	if !ok {
		return
	}

	result, err := s.querier.Job(r.Context(), queryUsername(r), jobID)
	s.writePassthrough(w, result, err)
}

// slurmSubmit forwards a raw submission body to the scheduler. The body is
// only inspected for the username the token is minted for.
func (s *Server) slurmSubmit(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		s.writeError(w, http.StatusBadRequest, "SLURM REST API not configured")

		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error("Failed to read submission request", "err", err)
		s.writeError(w, http.StatusBadRequest, "Invalid JSON format")

		return
	}

	var req struct {
		Username string `json:"username"`
	}

	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Error("Failed to decode submission request", "err", err)
		s.writeError(w, http.StatusBadRequest, "Invalid JSON format")

		return
	}

	username := req.Username
	if username == "" {
		username = queryUsername(r)
	}

	result, err := s.querier.SubmitRaw(r.Context(), username, body)
	s.writePassthrough(w, result, err)
}

// writePassthrough renders a passthrough envelope, or the uniform
// passthrough failure.
func (s *Server) writePassthrough(w http.ResponseWriter, result *slurm.QueryResult, err error) {
	if err != nil {
		s.logger.Error("SLURM passthrough query failed", "err", err)

		if errors.Is(err, token.ErrMissingSecret) {
			s.writeError(w, http.StatusBadRequest, "Failed to retrieve SLURM REST auth token")

			return
		}

		s.writeError(w, http.StatusBadRequest, "Failed to retrieve SLURM data")

		return
	}

	s.writeJSON(w, http.StatusOK, result)
}
