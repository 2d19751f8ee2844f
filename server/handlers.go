package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fiberhive/oltpoll/config"
	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/version"
)

// HandleHealth reports process liveness and build info
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Get(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// HandlePoolStats serves a point-in-time pool load snapshot
func (s *Server) HandlePoolStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

// HandleSchedulerHealth serves the most recent scheduler tick snapshot
func (s *Server) HandleSchedulerHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.ticker.Health())
}

// HandleExecutions lists recent executions, filtered by query params:
// limit, state, olt_id, job_id.
func (s *Server) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	filter := poll.ExecutionFilter{
		State: poll.ExecutionState(r.URL.Query().Get("state")),
		OLTID: r.URL.Query().Get("olt_id"),
		JobID: r.URL.Query().Get("job_id"),
	}

	executions, err := s.executions.ListRecent(r.Context(), limit, filter)
	if err != nil {
		s.logger.Errorw("Failed to list executions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	})
}

// HandleExecution serves a single execution by ID
func (s *Server) HandleExecution(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/executions/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "execution id required")
		return
	}

	ex, err := s.executions.Get(r.Context(), parts[0])
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Errorw("Failed to get execution", "execution_id", parts[0], "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	writeJSON(w, http.StatusOK, ex)
}

// CreateJobRequest is the POST /api/jobs body
type CreateJobRequest struct {
	OLTID             string  `json:"olt_id"`
	OperationType     string  `json:"operation_type"`
	IntervalSeconds   int     `json:"interval_seconds"`
	OID               string  `json:"oid,omitempty"`
	MaxRetries        *int    `json:"max_retries,omitempty"`
	RetryDelaySeconds *int    `json:"retry_delay_seconds,omitempty"`
	ParentJobID       *string `json:"parent_job_id,omitempty"`
	ChainPosition     int     `json:"chain_position,omitempty"`
	ParallelOk        bool    `json:"parallel_ok,omitempty"`
	RunChainOnFailure bool    `json:"run_chain_on_failure,omitempty"`
}

// HandleJobs lists or creates jobs
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobs, err := s.jobs.List(r.Context())
		if err != nil {
			s.logger.Errorw("Failed to list jobs", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list jobs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs":  jobs,
			"count": len(jobs),
		})

	case http.MethodPost:
		var req CreateJobRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}

		if _, err := s.olts.Get(r.Context(), req.OLTID); err != nil {
			if errors.IsNotFoundError(err) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to validate olt")
			return
		}

		job := &poll.Job{
			ID:                uuid.New().String(),
			OLTID:             req.OLTID,
			Enabled:           true,
			OperationType:     poll.OperationType(req.OperationType),
			IntervalSeconds:   req.IntervalSeconds,
			OID:               req.OID,
			MaxRetries:        req.MaxRetries,
			RetryDelaySeconds: req.RetryDelaySeconds,
			ParentJobID:       req.ParentJobID,
			ChainPosition:     req.ChainPosition,
			ParallelOk:        req.ParallelOk,
			RunChainOnFailure: req.RunChainOnFailure,
		}

		if err := s.jobs.Create(r.Context(), job); err != nil {
			if errors.Is(err, errors.ErrInvalidRequest) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.logger.Errorw("Failed to create job", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create job")
			return
		}

		s.logger.Infow("Job created",
			"job_id", job.ID,
			"olt_id", job.OLTID,
			"operation", job.OperationType,
			"interval_seconds", job.IntervalSeconds,
		)
		writeJSON(w, http.StatusCreated, job)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleJob serves a single job and its sub-resources:
// GET  /api/jobs/{id}
// GET  /api/jobs/{id}/executions
// GET  /api/jobs/{id}/chain
// POST /api/jobs/{id}/enable
// POST /api/jobs/{id}/disable
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "job id required")
		return
	}
	jobID := parts[0]

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		job, err := s.jobs.Get(r.Context(), jobID)
		if err != nil {
			if errors.IsNotFoundError(err) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to get job")
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	switch parts[1] {
	case "executions":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		executions, err := s.executions.ListByJob(r.Context(), jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list executions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"executions": executions,
			"count":      len(executions),
		})

	case "chain":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		chain, err := s.jobs.GetChain(r.Context(), jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get chain")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"chain": chain,
			"count": len(chain),
		})

	case "enable", "disable":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		enabled := parts[1] == "enable"
		if err := s.jobs.SetEnabled(r.Context(), jobID, enabled); err != nil {
			if errors.IsNotFoundError(err) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to update job")
			return
		}
		s.logger.Infow("Job enablement changed", "job_id", jobID, "enabled", enabled)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":  jobID,
			"enabled": enabled,
		})

	default:
		writeError(w, http.StatusNotFound, "unknown job sub-resource")
	}
}

// CreateOLTRequest is the POST /api/olts body
type CreateOLTRequest struct {
	Name          string `json:"name"`
	Host          string `json:"host"`
	SNMPPort      int    `json:"snmp_port,omitempty"`
	SNMPCommunity string `json:"snmp_community,omitempty"`
	SNMPVersion   string `json:"snmp_version,omitempty"`
	Vendor        string `json:"vendor,omitempty"`
	Model         string `json:"model,omitempty"`
}

// HandleOLTs lists or creates OLTs
func (s *Server) HandleOLTs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		olts, err := s.olts.List(r.Context())
		if err != nil {
			s.logger.Errorw("Failed to list olts", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list olts")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"olts":  olts,
			"count": len(olts),
		})

	case http.MethodPost:
		var req CreateOLTRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}

		olt := &poll.OLT{
			ID:            uuid.New().String(),
			Name:          req.Name,
			Host:          req.Host,
			SNMPPort:      req.SNMPPort,
			SNMPCommunity: req.SNMPCommunity,
			SNMPVersion:   req.SNMPVersion,
			Vendor:        req.Vendor,
			Model:         req.Model,
			Enabled:       true,
		}

		if err := s.olts.Create(r.Context(), olt); err != nil {
			if errors.Is(err, errors.ErrInvalidRequest) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.logger.Errorw("Failed to create olt", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create olt")
			return
		}

		s.logger.Infow("OLT created",
			"olt_id", olt.ID,
			"name", olt.Name,
			"host", olt.Host,
		)
		writeJSON(w, http.StatusCreated, olt)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleOLT serves a single OLT and its actions:
// GET  /api/olts/{id}
// POST /api/olts/{id}/enable
// POST /api/olts/{id}/disable
// POST /api/olts/{id}/reset-failures
func (s *Server) HandleOLT(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/olts/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "olt id required")
		return
	}
	oltID := parts[0]

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		olt, err := s.olts.Get(r.Context(), oltID)
		if err != nil {
			if errors.IsNotFoundError(err) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to get olt")
			return
		}
		writeJSON(w, http.StatusOK, olt)
		return
	}

	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var err error
	switch parts[1] {
	case "enable":
		err = s.olts.SetEnabled(r.Context(), oltID, true)
	case "disable":
		err = s.olts.SetEnabled(r.Context(), oltID, false)
	case "reset-failures":
		err = s.olts.ResetFailureCount(r.Context(), oltID)
	default:
		writeError(w, http.StatusNotFound, "unknown olt action")
		return
	}

	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Errorw("OLT action failed", "olt_id", oltID, "action", parts[1], "error", err)
		writeError(w, http.StatusInternalServerError, "olt action failed")
		return
	}

	s.logger.Infow("OLT action applied", "olt_id", oltID, "action", parts[1])
	writeJSON(w, http.StatusOK, map[string]string{
		"olt_id": oltID,
		"action": parts[1],
	})
}

// ConfigPatchRequest is the PATCH /api/config body. Fields left nil are
// untouched. Changes land in the override file and apply through the
// config watcher.
type ConfigPatchRequest struct {
	PollerSlots            *int     `json:"poller_slots,omitempty"`
	MaxExecutionsPerMinute *int     `json:"max_executions_per_minute,omitempty"`
	SNMPRequestsPerSecond  *float64 `json:"snmp_requests_per_second,omitempty"`
}

// HandleConfig serves and updates runtime configuration
func (s *Server) HandleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg)

	case http.MethodPatch:
		var req ConfigPatchRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}

		if req.PollerSlots != nil {
			if err := config.UpdatePollerSlots(*req.PollerSlots); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		if req.MaxExecutionsPerMinute != nil {
			if err := config.UpdateSchedulerMaxPerMinute(*req.MaxExecutionsPerMinute); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		if req.SNMPRequestsPerSecond != nil {
			if err := config.UpdateSNMPRequestsPerSecond(*req.SNMPRequestsPerSecond); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		s.logger.Infow("Runtime config updated",
			"poller_slots", req.PollerSlots,
			"max_executions_per_minute", req.MaxExecutionsPerMinute,
			"snmp_requests_per_second", req.SNMPRequestsPerSecond,
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
