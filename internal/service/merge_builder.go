package service

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"pagemeter/internal/apperr"
	"pagemeter/internal/model"
	"pagemeter/internal/storage"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// CombinedSeparator sits between documents in a combined deliverable.
const CombinedSeparator = "\n\n---\n\n"

// zipEpoch is stamped on every archive entry so archives are reproducible.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Artifact is one deliverable file.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// MergeOutputBuilder assembles completed file results into a job's
// deliverable. Output depends only on the stored results, never on timing.
type MergeOutputBuilder interface {
	Build(ctx context.Context, job *model.BatchJob, files []*model.BatchFile) ([]Artifact, error)
	// Store builds and uploads the artifacts and returns their keys.
	Store(ctx context.Context, job *model.BatchJob, files []*model.BatchFile) ([]string, error)
}

type mergeBuilder struct {
	files       storage.FileStore
	concurrency int
	logger      zerolog.Logger
}

func NewMergeOutputBuilder(files storage.FileStore, fetchConcurrency int, logger zerolog.Logger) MergeOutputBuilder {
	if fetchConcurrency <= 0 {
		fetchConcurrency = 4
	}
	return &mergeBuilder{
		files:       files,
		concurrency: fetchConcurrency,
		logger:      logger.With().Str("service", "MergeOutputBuilder").Logger(),
	}
}

func (m *mergeBuilder) Build(ctx context.Context, job *model.BatchJob, files []*model.BatchFile) ([]Artifact, error) {
	var completed []*model.BatchFile
	for _, f := range files {
		if f.Status == model.FileCompleted {
			completed = append(completed, f)
		}
	}
	if len(completed) == 0 {
		return nil, apperr.ErrNoCompletedFiles
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].Position < completed[j].Position })

	texts, err := m.fetchTexts(ctx, completed)
	if err != nil {
		return nil, err
	}

	format := job.MergeFormat
	if format == "" {
		format = model.MergeCombined
	}
	switch format {
	case model.MergeCombined:
		return []Artifact{{
			Name:        "combined.txt",
			ContentType: "text/plain; charset=utf-8",
			Data:        []byte(strings.Join(texts, CombinedSeparator)),
		}}, nil

	case model.MergeSeparated:
		out := make([]Artifact, len(completed))
		for i, f := range completed {
			out[i] = Artifact{Name: entryName(f), ContentType: "text/plain; charset=utf-8", Data: []byte(texts[i])}
		}
		return out, nil

	case model.MergeIndividual:
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		for i, f := range completed {
			w, err := zw.CreateHeader(&zip.FileHeader{
				Name:     entryName(f),
				Method:   zip.Deflate,
				Modified: zipEpoch,
			})
			if err != nil {
				return nil, fmt.Errorf("adding %s to archive: %w", f.OriginalFilename, err)
			}
			if _, err := w.Write([]byte(texts[i])); err != nil {
				return nil, fmt.Errorf("writing %s to archive: %w", f.OriginalFilename, err)
			}
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("closing archive: %w", err)
		}
		return []Artifact{{Name: "documents.zip", ContentType: "application/zip", Data: buf.Bytes()}}, nil
	}
	return nil, apperr.Validation("merge_format", "unknown format %q", format)
}

// fetchTexts loads results concurrently into slots indexed by position so
// completion order cannot leak into the output.
func (m *mergeBuilder) fetchTexts(ctx context.Context, files []*model.BatchFile) ([]string, error) {
	texts := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, f := range files {
		g.Go(func() error {
			data, err := m.files.Get(gctx, f.ResultKey)
			if err != nil {
				return fmt.Errorf("fetching result of file %s: %w", f.ID, err)
			}
			texts[i] = string(data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return texts, nil
}

func (m *mergeBuilder) Store(ctx context.Context, job *model.BatchJob, files []*model.BatchFile) ([]string, error) {
	artifacts, err := m.Build(ctx, job, files)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		key := storage.OutputPrefix(job.ID) + a.Name
		if err := m.files.Put(ctx, key, a.Data, a.ContentType); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.ID).Str("key", key).Msg("Failed to store merge output")
			return nil, err
		}
		keys = append(keys, key)
	}
	m.logger.Info().Str("job_id", job.ID).Str("format", string(job.MergeFormat)).Int("artifacts", len(keys)).Msg("Stored merge output")
	return keys, nil
}

// entryName is "NNN-<name>.txt", numbered by submission order.
func entryName(f *model.BatchFile) string {
	base := path.Base(strings.ReplaceAll(f.OriginalFilename, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == ':' || r < 0x20:
			return '_'
		}
		return r
	}, base)
	if base == "" || base == "." {
		base = "document"
	}
	return fmt.Sprintf("%03d-%s.txt", f.Position+1, base)
}
