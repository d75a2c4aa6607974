package model

import (
	"errors"
	"testing"
	"time"
)

func TestFileTransitions(t *testing.T) {
	tests := []struct {
		from FileStatus
		to   FileStatus
		ok   bool
	}{
		{FilePending, FileProcessing, true},
		{FilePending, FileFailed, true},
		{FilePending, FileSkipped, true},
		{FilePending, FileCompleted, false},
		{FileProcessing, FileCompleted, true},
		{FileProcessing, FileFailed, true},
		{FileProcessing, FilePending, false},
		{FileFailed, FilePending, true},
		{FileFailed, FileProcessing, false},
		{FileCompleted, FilePending, false},
		{FileSkipped, FilePending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.ok {
				t.Fatalf("CanTransition = %v, want %v", got, tt.ok)
			}
		})
	}
}

func TestFileTransitionToRejectsInvalid(t *testing.T) {
	f := &BatchFile{ID: "file_1", Status: FileCompleted}
	err := f.TransitionTo(FilePending, time.Now())
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if f.Status != FileCompleted {
		t.Fatalf("status changed to %s on rejected transition", f.Status)
	}
}

func TestRetryResetClearsFailureFields(t *testing.T) {
	now := time.Now()
	f := &BatchFile{ID: "file_1", Status: FileProcessing, ReservationID: "rsv_1", Attempts: 3}
	if err := f.Fail(ErrorCodeProcessingFailed, "corrupt", now); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := f.TransitionTo(FilePending, now); err != nil {
		t.Fatalf("TransitionTo pending: %v", err)
	}
	if f.ErrorCode != "" || f.ErrorMessage != "" || f.ReservationID != "" || f.CompletedAt != nil || f.Attempts != 0 {
		t.Fatalf("retry did not clear failure fields: %+v", f)
	}
}

func TestRecompute(t *testing.T) {
	pages := func(n int) *int { return &n }
	tests := []struct {
		name   string
		start  JobStatus
		files  []FileStatus
		want   JobStatus
		failed int
	}{
		{"all completed", JobProcessing, []FileStatus{FileCompleted, FileCompleted}, JobCompleted, 0},
		{"one failed", JobProcessing, []FileStatus{FileCompleted, FileFailed}, JobFailed, 1},
		{"still running", JobProcessing, []FileStatus{FileCompleted, FileProcessing}, JobProcessing, 0},
		{"pending job finishes", JobPending, []FileStatus{FileFailed}, JobFailed, 1},
		{"cancelled stays cancelled", JobCancelled, []FileStatus{FileCompleted, FileSkipped}, JobCancelled, 0},
		{"failed job reopened", JobFailed, []FileStatus{FileCompleted, FilePending}, JobProcessing, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &BatchJob{ID: "job_1", Status: tt.start, TotalFiles: len(tt.files)}
			files := make([]*BatchFile, len(tt.files))
			for i, st := range tt.files {
				files[i] = &BatchFile{Status: st}
				if st == FileCompleted {
					files[i].ActualPages = pages(2)
				}
			}
			if err := job.Recompute(files, time.Now()); err != nil {
				t.Fatalf("Recompute: %v", err)
			}
			if job.Status != tt.want {
				t.Fatalf("status = %s, want %s", job.Status, tt.want)
			}
			if job.FailedFiles != tt.failed {
				t.Fatalf("failed files = %d, want %d", job.FailedFiles, tt.failed)
			}
			if job.ProcessedFiles+job.FailedFiles > job.TotalFiles {
				t.Fatalf("processed+failed exceeds total: %+v", job)
			}
			if job.ProcessedPages != 2*job.ProcessedFiles {
				t.Fatalf("processed pages = %d, want %d", job.ProcessedPages, 2*job.ProcessedFiles)
			}
		})
	}
}

func TestRollPeriod(t *testing.T) {
	end := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	a := &Account{PeriodEnd: end, PagesUsedThisPeriod: 40}
	if a.RollPeriod(end.Add(-time.Hour)) {
		t.Fatal("rolled before period end")
	}
	if !a.RollPeriod(end.AddDate(0, 2, 1)) {
		t.Fatal("expected roll after period end")
	}
	if a.PagesUsedThisPeriod != 0 {
		t.Fatalf("pages used not reset: %d", a.PagesUsedThisPeriod)
	}
	if want := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC); !a.PeriodEnd.Equal(want) {
		t.Fatalf("period end = %s, want %s", a.PeriodEnd, want)
	}
}
