package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mw "github.com/asampat/glaciate/internal/api/middleware"
	"github.com/asampat/glaciate/internal/api/response"
	"github.com/asampat/glaciate/internal/cache"
	"github.com/asampat/glaciate/internal/objstore"
	"github.com/asampat/glaciate/internal/profile"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/internal/registry"
	"github.com/asampat/glaciate/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	maxInputSize   = 64 << 20
	statusCacheTTL = 30 * time.Second
)

// JobsHandler serves the job submission and retrieval endpoints.
type JobsHandler struct {
	registry      registry.Store
	profiles      profile.Service
	inputs        objstore.Store
	results       objstore.Store
	submissions   queue.Publisher
	statusCache   cache.Cache
	presignExpiry time.Duration
}

// NewJobsHandler creates a JobsHandler. The submissions publisher must wrap
// payloads in the fan-out envelope.
func NewJobsHandler(reg registry.Store, profiles profile.Service, inputs, results objstore.Store,
	submissions queue.Publisher, statusCache cache.Cache, presignExpiry time.Duration) *JobsHandler {
	return &JobsHandler{
		registry:      reg,
		profiles:      profiles,
		inputs:        inputs,
		results:       results,
		submissions:   submissions,
		statusCache:   statusCache,
		presignExpiry: presignExpiry,
	}
}

type jobResponse struct {
	ID            uuid.UUID  `json:"id"`
	Status        string     `json:"status"`
	InputFileName string     `json:"input_file_name"`
	SubmitTime    time.Time  `json:"submit_time"`
	CompleteTime  *time.Time `json:"complete_time,omitempty"`
	ResultURL     string     `json:"result_url,omitempty"`
	Notice        string     `json:"notice,omitempty"`
}

// Create handles POST /api/v1/jobs: it stages the uploaded input in the
// inputs bucket, creates the PENDING registry record, and only then announces
// the job on the submission channel.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
		return
	}

	prof, err := h.profiles.GetProfile(r.Context(), userID)
	if errors.Is(err, profile.ErrNotFound) {
		response.Error(w, http.StatusForbidden, "NO_PROFILE", "No user profile for this key", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load profile", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxInputSize)
	file, header, err := r.FormFile("input_file")
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "input_file is required", nil)
		return
	}
	defer file.Close()

	name := sanitizeFileName(header.Filename)
	if name == "" || !strings.HasSuffix(name, ".vcf") {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "input_file must be a .vcf file", nil)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read input_file", nil)
		return
	}

	jobID := uuid.New()
	inputKey := fmt.Sprintf("%s/%s~%s", userID, jobID, name)
	if err := h.inputs.Put(r.Context(), inputKey, data); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store input", nil)
		return
	}

	job := &models.Job{
		ID:            jobID,
		UserID:        userID,
		InputFileName: name,
		InputLocation: inputKey,
		Status:        models.JobStatusPending,
		SubmitTime:    time.Now().UTC(),
	}
	if err := h.registry.CreateJob(r.Context(), job); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
		return
	}

	payload, err := json.Marshal(models.SubmissionMessage{
		JobID:         job.ID,
		UserID:        job.UserID,
		InputFileName: job.InputFileName,
		InputLocation: job.InputLocation,
		Email:         prof.Email,
		SubmitTime:    job.SubmitTime,
	})
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to encode submission", nil)
		return
	}
	if err := h.submissions.Publish(r.Context(), payload); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to announce job", nil)
		return
	}

	response.Created(w, jobResponse{
		ID:            job.ID,
		Status:        job.Status,
		InputFileName: job.InputFileName,
		SubmitTime:    job.SubmitTime,
	})
}

// List handles GET /api/v1/jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
		return
	}

	jobs, err := h.registry.ListJobsByUser(r.Context(), userID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResponse{
			ID:            job.ID,
			Status:        job.Status,
			InputFileName: job.InputFileName,
			SubmitTime:    job.SubmitTime,
			CompleteTime:  job.CompleteTime,
		})
	}
	response.JSON(w, out)
}

// Get handles GET /api/v1/jobs/{jobID}: full job details, with a presigned
// download URL when the result is hot and an explanatory notice when it is
// archived or on its way back.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}

	resp := jobResponse{
		ID:            job.ID,
		Status:        job.Status,
		InputFileName: job.InputFileName,
		SubmitTime:    job.SubmitTime,
		CompleteTime:  job.CompleteTime,
	}

	switch {
	case job.ResultAvailable():
		u, err := h.results.PresignedGetURL(r.Context(), *job.ResultLocation, h.presignExpiry)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to sign result URL", nil)
			return
		}
		resp.ResultURL = u
	case job.Status == models.JobStatusArchived:
		resp.Notice = "The result has been archived. Upgrade to a premium plan to retrieve it."
	case job.Status == models.JobStatusRestoring:
		resp.Notice = "The result is being retrieved from the archive. Check back shortly."
	}

	h.cacheStatus(r, userID, job)
	response.JSON(w, resp)
}

// Status handles GET /api/v1/jobs/{jobID}/status, the polling endpoint. It
// serves from the status cache when possible so pollers don't hammer the
// registry.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
		return
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
		return
	}

	if cached, found, err := h.statusCache.GetJobStatus(r.Context(), jobID); err == nil && found {
		if owner, status, ok := strings.Cut(cached, "|"); ok && owner == userID {
			response.JSON(w, map[string]string{"id": jobID.String(), "status": status})
			return
		}
	}

	job, err := h.registry.GetJob(r.Context(), jobID)
	if errors.Is(err, registry.ErrNotFound) || (err == nil && job.UserID != userID) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
		return
	}

	h.cacheStatus(r, userID, job)
	response.JSON(w, map[string]string{"id": jobID.String(), "status": job.Status})
}

// Log handles GET /api/v1/jobs/{jobID}/log: the annotator's log, served
// inline. Logs stay hot for all tiers, so this works even for archived jobs.
func (h *JobsHandler) Log(w http.ResponseWriter, r *http.Request) {
	_, job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}

	if job.LogLocation == nil {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "No log for this job yet", nil)
		return
	}

	data, err := h.results.Get(r.Context(), *job.LogLocation)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch log", nil)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *JobsHandler) loadOwnedJob(w http.ResponseWriter, r *http.Request) (string, *models.Job, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
		return "", nil, false
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
		return "", nil, false
	}

	job, err := h.registry.GetJob(r.Context(), jobID)
	if errors.Is(err, registry.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return "", nil, false
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
		return "", nil, false
	}

	// Hide other users' jobs rather than acknowledging them.
	if job.UserID != userID {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return "", nil, false
	}
	return userID, job, true
}

func (h *JobsHandler) cacheStatus(r *http.Request, userID string, job *models.Job) {
	// Best effort; a cold cache just means one extra registry read.
	_ = h.statusCache.SetJobStatus(r.Context(), job.ID, userID+"|"+job.Status, statusCacheTTL)
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
