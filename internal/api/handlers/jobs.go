package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/scheduler"
)

// JobHandler exposes the scheduled jobs.
type JobHandler struct {
	scheduler *scheduler.Scheduler
	logger    *logging.Logger
}

// NewJobHandler creates a new job handler. A nil scheduler disables the
// endpoints.
func NewJobHandler(sched *scheduler.Scheduler, logger *logging.Logger) *JobHandler {
	return &JobHandler{scheduler: sched, logger: logger.WithComponent("jobs")}
}

func (h *JobHandler) available(w http.ResponseWriter, r *http.Request) bool {
	if h.scheduler == nil {
		writeError(w, r, http.StatusServiceUnavailable, errNoScheduler)
		return false
	}
	return true
}

// ListJobs handles GET /jobs.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	writeJSON(w, r, http.StatusOK, h.scheduler.GetJobs())
}

// GetJob handles GET /jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	job, err := h.scheduler.GetJob(id)
	if err != nil {
		handleError(w, r, err, "get", "job", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// RunJob handles POST /jobs/{id}/run. The job runs synchronously and its
// updated state is returned; a failing run answers 502 with the job error.
func (h *JobHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.scheduler.RunNow(id); err != nil {
		if statusForError(err) == http.StatusNotFound {
			handleError(w, r, err, "run", "job", h.logger)
			return
		}
		h.logger.WithError(err).Warn("Job run failed", "job_id", id)
		writeError(w, r, http.StatusBadGateway, err)
		return
	}
	h.writeJob(w, r, id)
}

// EnableJob handles POST /jobs/{id}/enable.
func (h *JobHandler) EnableJob(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableJob handles POST /jobs/{id}/disable.
func (h *JobHandler) DisableJob(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *JobHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if !h.available(w, r) {
		return
	}
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if enabled {
		err = h.scheduler.EnableJob(id)
	} else {
		err = h.scheduler.DisableJob(id)
	}
	if err != nil {
		handleError(w, r, err, "update", "job", h.logger)
		return
	}
	h.logger.Info("Job updated", "request_id", getRequestIDFromContext(r.Context()), "job_id", id, "enabled", enabled)
	h.writeJob(w, r, id)
}

func (h *JobHandler) writeJob(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	job, err := h.scheduler.GetJob(id)
	if err != nil {
		handleError(w, r, err, "get", "job", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}
