package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"pagemeter/internal/apperr"
	"pagemeter/internal/model"
	"pagemeter/internal/storage"

	"github.com/rs/zerolog"
)

func mergeFixture(t *testing.T) (*storage.MemoryStore, []*model.BatchFile) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	files := []*model.BatchFile{
		{ID: "file_c", Position: 2, OriginalFilename: "gamma.pdf", Status: model.FileCompleted},
		{ID: "file_a", Position: 0, OriginalFilename: "alpha.pdf", Status: model.FileCompleted},
		{ID: "file_b", Position: 1, OriginalFilename: "beta.pdf", Status: model.FileFailed},
	}
	for _, f := range files {
		f.ResultKey = storage.ResultKey("job_1", f.ID)
		if f.Status == model.FileCompleted {
			_ = store.Put(ctx, f.ResultKey, []byte("text of "+f.OriginalFilename), "text/plain")
		}
	}
	return store, files
}

func TestMergeCombinedOrderAndSeparator(t *testing.T) {
	store, files := mergeFixture(t)
	b := NewMergeOutputBuilder(store, 2, zerolog.Nop())
	job := &model.BatchJob{ID: "job_1", MergeFormat: model.MergeCombined}

	out, err := b.Build(context.Background(), job, files)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "text of alpha.pdf" + CombinedSeparator + "text of gamma.pdf"
	if len(out) != 1 || string(out[0].Data) != want {
		t.Fatalf("combined output = %q, want %q", out[0].Data, want)
	}
}

func TestMergeSeparatedNames(t *testing.T) {
	store, files := mergeFixture(t)
	b := NewMergeOutputBuilder(store, 2, zerolog.Nop())
	job := &model.BatchJob{ID: "job_1", MergeFormat: model.MergeSeparated}

	out, err := b.Build(context.Background(), job, files)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out) != 2 || out[0].Name != "001-alpha.txt" || out[1].Name != "003-gamma.txt" {
		t.Fatalf("unexpected artifacts %+v", out)
	}
}

func TestMergeIndividualDeterministic(t *testing.T) {
	store, files := mergeFixture(t)
	b := NewMergeOutputBuilder(store, 2, zerolog.Nop())
	job := &model.BatchJob{ID: "job_1", MergeFormat: model.MergeIndividual}

	first, err := b.Build(context.Background(), job, files)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// reversed input order must not change the bytes
	reversed := []*model.BatchFile{files[2], files[1], files[0]}
	second, err := b.Build(context.Background(), job, reversed)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.Equal(first[0].Data, second[0].Data) {
		t.Fatal("archive bytes differ between runs")
	}

	zr, err := zip.NewReader(bytes.NewReader(first[0].Data), int64(len(first[0].Data)))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if len(zr.File) != 2 || zr.File[0].Name != "001-alpha.txt" {
		t.Fatalf("unexpected archive entries %v", zr.File)
	}
	rc, _ := zr.File[1].Open()
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "text of gamma.pdf" {
		t.Fatalf("entry content = %q", data)
	}
}

func TestMergeNoCompletedFiles(t *testing.T) {
	store := storage.NewMemoryStore()
	b := NewMergeOutputBuilder(store, 2, zerolog.Nop())
	files := []*model.BatchFile{{ID: "file_a", Status: model.FileFailed}, {ID: "file_b", Status: model.FileSkipped}}

	_, err := b.Build(context.Background(), &model.BatchJob{ID: "job_1"}, files)
	if !errors.Is(err, apperr.ErrNoCompletedFiles) {
		t.Fatalf("err = %v, want ErrNoCompletedFiles", err)
	}
}

func TestMergeStoreKeys(t *testing.T) {
	store, files := mergeFixture(t)
	b := NewMergeOutputBuilder(store, 2, zerolog.Nop())
	keys, err := b.Store(context.Background(), &model.BatchJob{ID: "job_1", MergeFormat: model.MergeSeparated}, files)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(keys) != 2 || keys[0] != "outputs/job_1/001-alpha.txt" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestEntryName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":          "005-report.txt",
		"C:\\scans\\memo.PDF": "005-memo.txt",
		"":                    "005-document.txt",
		"a:b.pdf":             "005-a_b.txt",
	}
	for in, want := range tests {
		if got := entryName(&model.BatchFile{OriginalFilename: in, Position: 4}); got != want {
			t.Fatalf("entryName(%q) = %q, want %q", in, got, want)
		}
	}
}
