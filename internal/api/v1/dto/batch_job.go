package dto

import (
	"time"

	"pagemeter/internal/model"
)

// JobOptionsDTO holds the non-file fields of a job upload form.
type JobOptionsDTO struct {
	Priority     int    `validate:"gte=0,lte=10"`
	DocumentType string `validate:"omitempty,max=64"`
	MergeOutput  bool
	MergeFormat  string `validate:"omitempty,oneof=combined separated individual"`
}

// JobStatusActionDTO is the body of PATCH /batch-jobs/{id}/status.
type JobStatusActionDTO struct {
	Action string `json:"action" validate:"required,oneof=cancel retry_all"`
}

type BatchFileResponseDTO struct {
	FileID           string     `json:"file_id"`
	Position         int        `json:"position"`
	OriginalFilename string     `json:"original_filename"`
	FileSizeBytes    int64      `json:"file_size_bytes"`
	Status           string     `json:"status"`
	EstimatedPages   int        `json:"estimated_pages"`
	ActualPages      *int       `json:"actual_pages,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	Attempts         int        `json:"attempts"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type BatchJobResponseDTO struct {
	JobID          string                 `json:"job_id"`
	Status         string                 `json:"status"`
	Priority       int                    `json:"priority"`
	DocumentType   string                 `json:"document_type,omitempty"`
	TotalFiles     int                    `json:"total_files"`
	ProcessedFiles int                    `json:"processed_files"`
	FailedFiles    int                    `json:"failed_files"`
	SkippedFiles   int                    `json:"skipped_files"`
	EstimatedPages int                    `json:"estimated_pages"`
	ProcessedPages int                    `json:"processed_pages"`
	TotalCostCents int64                  `json:"total_cost_cents"`
	MergeOutput    bool                   `json:"merge_output"`
	MergeFormat    string                 `json:"merge_format"`
	OutputReady    bool                   `json:"output_ready"`
	Version        int64                  `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Files          []BatchFileResponseDTO `json:"files,omitempty"`
}

type JobOutputResponseDTO struct {
	JobID string   `json:"job_id"`
	URLs  []string `json:"urls"`
}

// ErrorResponseDTO is the body of every error response. Usage is set when
// the request was refused for lack of allowance.
type ErrorResponseDTO struct {
	Code    string               `json:"code"`
	Message string               `json:"message"`
	Usage   *model.UsageSnapshot `json:"usage,omitempty"`
}

func NewBatchFileResponse(f *model.BatchFile) BatchFileResponseDTO {
	return BatchFileResponseDTO{
		FileID:           f.ID,
		Position:         f.Position,
		OriginalFilename: f.OriginalFilename,
		FileSizeBytes:    f.FileSizeBytes,
		Status:           string(f.Status),
		EstimatedPages:   f.EstimatedPages,
		ActualPages:      f.ActualPages,
		ErrorCode:        f.ErrorCode,
		ErrorMessage:     f.ErrorMessage,
		Attempts:         f.Attempts,
		StartedAt:        f.StartedAt,
		CompletedAt:      f.CompletedAt,
	}
}

// NewBatchJobResponse maps a job and, when given, its files.
func NewBatchJobResponse(j *model.BatchJob, files []*model.BatchFile) BatchJobResponseDTO {
	out := BatchJobResponseDTO{
		JobID:          j.ID,
		Status:         string(j.Status),
		Priority:       j.Priority,
		DocumentType:   j.DocumentType,
		TotalFiles:     j.TotalFiles,
		ProcessedFiles: j.ProcessedFiles,
		FailedFiles:    j.FailedFiles,
		SkippedFiles:   j.SkippedFiles,
		EstimatedPages: j.EstimatedPages,
		ProcessedPages: j.ProcessedPages,
		TotalCostCents: j.TotalCostCents,
		MergeOutput:    j.MergeOutput,
		MergeFormat:    string(j.MergeFormat),
		OutputReady:    len(j.OutputKeys) > 0,
		Version:        j.Version,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
	for _, f := range files {
		out.Files = append(out.Files, NewBatchFileResponse(f))
	}
	return out
}
