package model

import (
	"fmt"
	"time"
)

// FileStatus is the state of a BatchFile.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
	FileSkipped    FileStatus = "skipped"
)

// JobStatus is the state of a BatchJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

var fileTransitions = map[FileStatus][]FileStatus{
	FilePending:    {FileProcessing, FileFailed, FileSkipped},
	FileProcessing: {FileCompleted, FileFailed, FileSkipped},
	// failed -> pending only through an explicit retry
	FileFailed: {FilePending},
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobCancelled},
	JobProcessing: {JobCompleted, JobFailed, JobCancelled},
	// a failed job is reopened when one of its files is retried
	JobFailed: {JobProcessing},
}

func (s FileStatus) Terminal() bool {
	return s == FileCompleted || s == FileFailed || s == FileSkipped
}

func (s FileStatus) CanTransition(to FileStatus) bool {
	for _, next := range fileTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a state change is not allowed by
// the job or file state machine.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// TransitionTo moves the file to status `to`, stamping timestamps.
func (f *BatchFile) TransitionTo(to FileStatus, now time.Time) error {
	if !f.Status.CanTransition(to) {
		return &InvalidTransitionError{Entity: "file", ID: f.ID, From: string(f.Status), To: string(to)}
	}
	switch to {
	case FileProcessing:
		f.StartedAt = &now
		f.CompletedAt = nil
	case FilePending:
		f.StartedAt = nil
		f.CompletedAt = nil
		f.ErrorCode = ""
		f.ErrorMessage = ""
		f.ReservationID = ""
		f.ActualPages = nil
		// an explicit retry gets a fresh attempt budget
		f.Attempts = 0
	default:
		f.CompletedAt = &now
	}
	f.Status = to
	return nil
}

// Fail moves the file to failed with the given error code.
func (f *BatchFile) Fail(code, message string, now time.Time) error {
	if err := f.TransitionTo(FileFailed, now); err != nil {
		return err
	}
	f.ErrorCode = code
	f.ErrorMessage = message
	return nil
}

// TransitionTo moves the job to status `to`, stamping timestamps.
func (j *BatchJob) TransitionTo(to JobStatus, now time.Time) error {
	if j.Status == to {
		return nil
	}
	if !j.Status.CanTransition(to) {
		return &InvalidTransitionError{Entity: "job", ID: j.ID, From: string(j.Status), To: string(to)}
	}
	switch {
	case to == JobProcessing:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.CompletedAt = nil
	case to.Terminal():
		j.CompletedAt = &now
	}
	j.Status = to
	return nil
}

// Recompute derives the aggregate status from the counters and file states.
// Cancelled jobs keep their status while in-flight files drain.
func (j *BatchJob) Recompute(files []*BatchFile, now time.Time) error {
	processed, failed, skipped, pages := 0, 0, 0, 0
	allTerminal := true
	for _, f := range files {
		switch f.Status {
		case FileCompleted:
			processed++
			if f.ActualPages != nil {
				pages += *f.ActualPages
			}
		case FileFailed:
			failed++
		case FileSkipped:
			skipped++
		default:
			allTerminal = false
		}
	}
	j.ProcessedFiles, j.FailedFiles, j.SkippedFiles = processed, failed, skipped
	j.ProcessedPages = pages
	if j.Status == JobCancelled {
		return nil
	}

	target := JobProcessing
	if allTerminal {
		target = JobCompleted
		if failed > 0 {
			target = JobFailed
		}
	}
	if j.Status == JobPending && target != JobProcessing {
		if err := j.TransitionTo(JobProcessing, now); err != nil {
			return err
		}
	}
	return j.TransitionTo(target, now)
}
