package router

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pagemeter/internal/api/v1/dto"
	"pagemeter/internal/apperr"
	"pagemeter/internal/gateway"
	"pagemeter/internal/middleware"
	"pagemeter/internal/model"
	"pagemeter/internal/pdfinfo/pdftest"
	"pagemeter/internal/repository/memory"
	"pagemeter/internal/service"
	"pagemeter/internal/storage"

	"github.com/rs/zerolog"
)

const testSecret = "router-secret"

type echoGateway struct{}

func (echoGateway) Process(_ context.Context, body []byte, _ string) (*gateway.Result, error) {
	return &gateway.Result{Text: "converted", PagesActual: 2}, nil
}

type testServer struct {
	handler   http.Handler
	scheduler service.BatchScheduler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	files := storage.NewMemoryStore()
	audit := service.NewAuditLogger(store, nil, service.AuditConfig{FlushInterval: time.Hour}, zerolog.Nop())
	t.Cleanup(audit.Close)
	ledger := service.NewUsageLedger(store, audit, service.LedgerConfig{
		CostPerPageCents:  5,
		ProMonthlyPages:   100,
		FreePagesOnSignup: 10,
	}, zerolog.Nop())
	scheduler := service.NewBatchScheduler(store, ledger, echoGateway{}, files,
		service.NewMergeOutputBuilder(files, 2, zerolog.Nop()), audit, nil, nil,
		service.SchedulerConfig{WorkerPoolSize: 2, BackoffInitial: time.Millisecond}, zerolog.Nop())
	h := New(Deps{
		Scheduler:      scheduler,
		Ledger:         ledger,
		JWTSecret:      testSecret,
		MaxUploadBytes: 1 << 20,
	}, zerolog.Nop())
	return &testServer{handler: h, scheduler: scheduler}
}

func token(t *testing.T, accountID string) string {
	t.Helper()
	s, err := middleware.IssueToken(accountID, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func (s *testServer) do(t *testing.T, accountID string, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if accountID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, accountID))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func multipartJob(t *testing.T, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(data)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/batch-jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCreateAndFetchJob(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "acct_1", multipartJob(t,
		map[string]string{"merge_output": "true", "merge_format": "combined"},
		map[string][]byte{"report.pdf": pdftest.Minimal(2)}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d body %s", rec.Code, rec.Body)
	}
	created := decode[dto.BatchJobResponseDTO](t, rec)
	if created.TotalFiles != 1 || created.EstimatedPages != 2 {
		t.Fatalf("created = %+v", created)
	}
	s.scheduler.Wait()

	rec = s.do(t, "acct_1", httptest.NewRequest(http.MethodGet, "/v1/batch-jobs/"+created.JobID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	job := decode[dto.BatchJobResponseDTO](t, rec)
	if job.Status != string(model.JobCompleted) || !job.OutputReady || len(job.Files) != 1 {
		t.Fatalf("job = %+v", job)
	}

	rec = s.do(t, "acct_2", httptest.NewRequest(http.MethodGet, "/v1/batch-jobs/"+created.JobID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign account status = %d, want 404", rec.Code)
	}

	rec = s.do(t, "acct_1", httptest.NewRequest(http.MethodGet, "/v1/batch-jobs/"+created.JobID+"/output", nil))
	if out := decode[dto.JobOutputResponseDTO](t, rec); rec.Code != http.StatusOK || len(out.URLs) != 1 {
		t.Fatalf("output status = %d body %s", rec.Code, rec.Body)
	}

	rec = s.do(t, "acct_1", httptest.NewRequest(http.MethodPatch, "/v1/batch-jobs/"+created.JobID+"/status", strings.NewReader(`{"action":"cancel"}`)))
	if e := decode[dto.ErrorResponseDTO](t, rec); rec.Code != http.StatusConflict || e.Code != string(apperr.CodeInvalidState) {
		t.Fatalf("cancel finished job: %d %+v", rec.Code, e)
	}

	rec = s.do(t, "acct_1", httptest.NewRequest(http.MethodGet, "/v1/accounts/me/usage", nil))
	usage := decode[model.UsageSnapshot](t, rec)
	if rec.Code != http.StatusOK || usage.FreePagesRemaining != 8 || usage.TotalPagesUsed != 2 {
		t.Fatalf("usage %d %+v", rec.Code, usage)
	}

	rec = s.do(t, "acct_1", httptest.NewRequest(http.MethodDelete, "/v1/batch-jobs/"+created.JobID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestErrorResponses(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name    string
		account string
		req     *http.Request
		status  int
		code    apperr.Code
	}{
		{"no token", "", httptest.NewRequest(http.MethodGet, "/v1/batch-jobs", nil), http.StatusUnauthorized, ""},
		{"unknown job", "acct_1", httptest.NewRequest(http.MethodGet, "/v1/batch-jobs/job_missing", nil), http.StatusNotFound, apperr.CodeNotFound},
		{"bad estimate", "acct_1", httptest.NewRequest(http.MethodGet, "/v1/accounts/me/usage/estimate?pages=0", nil), http.StatusBadRequest, apperr.CodeValidation},
		{"other account usage", "acct_1", httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_2/usage", nil), http.StatusNotFound, apperr.CodeNotFound},
		{"not a pdf", "acct_1", multipartJob(t, nil, map[string][]byte{"notes.txt": []byte("hello")}), http.StatusBadRequest, apperr.CodeValidation},
		{"bad merge format", "acct_1", multipartJob(t, map[string]string{"merge_format": "tarball"}, map[string][]byte{"a.pdf": pdftest.Minimal(1)}), http.StatusBadRequest, apperr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.account, tt.req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			if tt.code == "" {
				return
			}
			if e := decode[dto.ErrorResponseDTO](t, rec); e.Code != string(tt.code) {
				t.Fatalf("code = %s, want %s", e.Code, tt.code)
			}
		})
	}
}

func TestEstimate(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "acct_1", httptest.NewRequest(http.MethodGet, "/v1/accounts/me/usage/estimate?pages=12", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	est := decode[service.CostEstimate](t, rec)
	// 10 free pages on signup, no credit
	if est.Allocation.FreePages != 10 || est.Allocation.Affordable {
		t.Fatalf("estimate = %+v", est.Allocation)
	}
}
