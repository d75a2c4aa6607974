// Package storage keeps uploaded documents, per-file results and merged
// deliverables in object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

// FileStore is the object storage the scheduler and merge builder use.
type FileStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// DeletePrefix removes every object under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// SignedURL returns a time-limited download URL for key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// InputKey is where an uploaded document lives.
func InputKey(jobID, fileID string) string {
	return fmt.Sprintf("jobs/%s/inputs/%s.pdf", jobID, fileID)
}

// ResultKey is where the extracted text of one file lives.
func ResultKey(jobID, fileID string) string {
	return fmt.Sprintf("jobs/%s/results/%s.txt", jobID, fileID)
}

// OutputPrefix holds a job's merged deliverables.
func OutputPrefix(jobID string) string {
	return fmt.Sprintf("outputs/%s/", jobID)
}

// JobPrefix holds everything a job stored.
func JobPrefix(jobID string) string {
	return fmt.Sprintf("jobs/%s/", jobID)
}
