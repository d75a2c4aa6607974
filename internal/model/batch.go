package model

import "time"

// MergeFormat selects the shape of a job's deliverable.
type MergeFormat string

const (
	MergeCombined   MergeFormat = "combined"
	MergeSeparated  MergeFormat = "separated"
	MergeIndividual MergeFormat = "individual"
)

func (f MergeFormat) Valid() bool {
	switch f {
	case MergeCombined, MergeSeparated, MergeIndividual:
		return true
	}
	return false
}

// Error codes recorded on failed files.
const (
	ErrorCodeLimitExceeded      = "LIMIT_EXCEEDED"
	ErrorCodeProcessingFailed   = "PROCESSING_FAILED"
	ErrorCodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	ErrorCodeCancelled          = "CANCELLED"
)

// BatchJob is one conversion request spanning one or more files.
type BatchJob struct {
	ID             string      `db:"id" json:"id"`
	AccountID      string      `db:"account_id" json:"account_id"`
	Status         JobStatus   `db:"status" json:"status"`
	Priority       int         `db:"priority" json:"priority"`
	DocumentType   string      `db:"document_type" json:"document_type"`
	TotalFiles     int         `db:"total_files" json:"total_files"`
	ProcessedFiles int         `db:"processed_files" json:"processed_files"`
	FailedFiles    int         `db:"failed_files" json:"failed_files"`
	SkippedFiles   int         `db:"skipped_files" json:"skipped_files"`
	EstimatedPages int         `db:"estimated_pages" json:"estimated_pages"`
	ProcessedPages int         `db:"processed_pages" json:"processed_pages"`
	TotalCostCents int64       `db:"total_cost_cents" json:"total_cost_cents"`
	MergeOutput    bool        `db:"merge_output" json:"merge_output"`
	MergeFormat    MergeFormat `db:"merge_format" json:"merge_format"`
	OutputKeys     []string    `db:"output_keys" json:"output_keys,omitempty"`
	Version        int64       `db:"version" json:"version"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	StartedAt      *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// BatchFile is one input document inside a job.
type BatchFile struct {
	ID               string     `db:"id" json:"id"`
	JobID            string     `db:"job_id" json:"job_id"`
	Position         int        `db:"position" json:"position"`
	OriginalFilename string     `db:"original_filename" json:"original_filename"`
	FileSizeBytes    int64      `db:"file_size_bytes" json:"file_size_bytes"`
	StorageKey       string     `db:"storage_key" json:"storage_key"`
	ResultKey        string     `db:"result_key" json:"result_key,omitempty"`
	EstimatedPages   int        `db:"estimated_pages" json:"estimated_pages"`
	ActualPages      *int       `db:"actual_pages" json:"actual_pages,omitempty"`
	Status           FileStatus `db:"status" json:"status"`
	ErrorCode        string     `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage     string     `db:"error_message" json:"error_message,omitempty"`
	Attempts         int        `db:"attempts" json:"attempts"`
	ReservationID    string     `db:"reservation_id" json:"reservation_id,omitempty"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// JobSnapshot is an immutable copy of a job and its files, safe to hand to
// any transport without sharing scheduler state.
type JobSnapshot struct {
	Job        BatchJob    `json:"job"`
	Files      []BatchFile `json:"files"`
	ObservedAt time.Time   `json:"observed_at"`
}

// NewJobSnapshot deep-copies job and files.
func NewJobSnapshot(job *BatchJob, files []*BatchFile, now time.Time) JobSnapshot {
	snap := JobSnapshot{Job: *job, ObservedAt: now}
	snap.Job.OutputKeys = append([]string(nil), job.OutputKeys...)
	snap.Files = make([]BatchFile, len(files))
	for i, f := range files {
		snap.Files[i] = *f
		if f.ActualPages != nil {
			pages := *f.ActualPages
			snap.Files[i].ActualPages = &pages
		}
	}
	return snap
}
