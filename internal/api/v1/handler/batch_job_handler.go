package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"pagemeter/internal/api/v1/dto"
	"pagemeter/internal/apperr"
	"pagemeter/internal/middleware"
	"pagemeter/internal/model"
	"pagemeter/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// BatchJobHandler handles batch job endpoints
type BatchJobHandler struct {
	scheduler      service.BatchScheduler
	validate       *validator.Validate
	maxUploadBytes int64
	logger         zerolog.Logger
}

// NewBatchJobHandler creates a new BatchJobHandler. maxUploadBytes bounds
// the whole multipart body.
func NewBatchJobHandler(scheduler service.BatchScheduler, validate *validator.Validate, maxUploadBytes int64, logger zerolog.Logger) *BatchJobHandler {
	return &BatchJobHandler{
		scheduler:      scheduler,
		validate:       validate,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With().Str("handler", "BatchJobHandler").Logger(),
	}
}

// RegisterRoutes mounts batch job routes
func (h *BatchJobHandler) RegisterRoutes(r chi.Router) {
	r.Route("/batch-jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Get("/", h.listJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Delete("/", h.deleteJob)
			r.Get("/files", h.listFiles)
			r.Patch("/status", h.updateStatus)
			r.Post("/files/{fileID}/retry", h.retryFile)
			r.Get("/output", h.getOutput)
		})
	})
}

// ownedJob loads the job in the URL and hides jobs of other accounts.
func (h *BatchJobHandler) ownedJob(r *http.Request) (*model.BatchJob, error) {
	accountID, ok := middleware.AccountID(r.Context())
	jobID := chi.URLParam(r, "jobID")
	if !ok {
		return nil, apperr.NotFound("job", jobID)
	}
	job, err := h.scheduler.GetJob(r.Context(), jobID)
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, apperr.NotFound("job", jobID)
	}
	return job, nil
}

func (h *BatchJobHandler) createJob(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized: account not found in context", http.StatusUnauthorized)
		return
	}
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperr.Validation("files", "upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, r, apperr.Validation("body", "invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	opts, err := h.parseOptions(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	uploads, err := readUploads(r.MultipartForm.File["files"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.scheduler.CreateJob(r.Context(), accountID, uploads, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dto.NewBatchJobResponse(job, nil))
}

func (h *BatchJobHandler) parseOptions(r *http.Request) (service.JobOptions, error) {
	form := dto.JobOptionsDTO{
		DocumentType: r.FormValue("document_type"),
		MergeFormat:  r.FormValue("merge_format"),
	}
	if v := r.FormValue("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return service.JobOptions{}, apperr.Validation("priority", "must be an integer")
		}
		form.Priority = p
	}
	if v := r.FormValue("merge_output"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return service.JobOptions{}, apperr.Validation("merge_output", "must be a boolean")
		}
		form.MergeOutput = b
	}
	if err := h.validate.Struct(&form); err != nil {
		return service.JobOptions{}, apperr.Validation("", "%v", err)
	}
	return service.JobOptions{
		Priority:     form.Priority,
		DocumentType: form.DocumentType,
		MergeOutput:  form.MergeOutput,
		MergeFormat:  model.MergeFormat(form.MergeFormat),
	}, nil
}

func readUploads(headers []*multipart.FileHeader) ([]service.FileUpload, error) {
	uploads := make([]service.FileUpload, 0, len(headers))
	for i, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, apperr.Validation(fmt.Sprintf("files[%d]", i), "unreadable upload: %v", err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, apperr.Validation(fmt.Sprintf("files[%d]", i), "unreadable upload: %v", err)
		}
		uploads = append(uploads, service.FileUpload{Filename: fh.Filename, Data: data})
	}
	return uploads, nil
}

func (h *BatchJobHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized: account not found in context", http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	jobs, err := h.scheduler.ListJobs(r.Context(), accountID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]dto.BatchJobResponseDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, dto.NewBatchJobResponse(j, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *BatchJobHandler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.ownedJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.scheduler.GetSnapshot(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	files := make([]*model.BatchFile, len(snap.Files))
	for i := range snap.Files {
		files[i] = &snap.Files[i]
	}
	writeJSON(w, http.StatusOK, dto.NewBatchJobResponse(&snap.Job, files))
}

func (h *BatchJobHandler) listFiles(w http.ResponseWriter, r *http.Request) {
	job, err := h.ownedJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	files, err := h.scheduler.ListFiles(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]dto.BatchFileResponseDTO, 0, len(files))
	for _, f := range files {
		out = append(out, dto.NewBatchFileResponse(f))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *BatchJobHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.ownedJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req dto.JobStatusActionDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("body", "invalid JSON payload: %v", err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, apperr.Validation("action", "must be cancel or retry_all"))
		return
	}

	var updated *model.BatchJob
	switch req.Action {
	case "cancel":
		updated, err = h.scheduler.Cancel(r.Context(), job.ID)
	case "retry_all":
		updated, err = h.scheduler.RetryAll(r.Context(), job.ID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewBatchJobResponse(updated, nil))
}

func (h *BatchJobHandler) retryFile(w http.ResponseWriter, r *http.Request) {
	job, err := h.ownedJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	file, err := h.scheduler.RetryFile(r.Context(), job.ID, chi.URLParam(r, "fileID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dto.NewBatchFileResponse(file))
}

func (h *BatchJobHandler) getOutput(w http.ResponseWriter, r *http.Request) {
	job, err := h.ownedJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	urls, err := h.scheduler.OutputURLs(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.JobOutputResponseDTO{JobID: job.ID, URLs: urls})
}

func (h *BatchJobHandler) deleteJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.ownedJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.scheduler.DeleteJob(r.Context(), job.ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
