package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pagemeter/internal/apperr"
	"pagemeter/internal/gateway"
	"pagemeter/internal/model"
	"pagemeter/internal/repository/memory"
	"pagemeter/internal/storage"

	"github.com/rs/zerolog"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeGateway answers by document body. Each behaviour sees the 1-based
// call number for that body.
type fakeGateway struct {
	mu        sync.Mutex
	calls     map[string]int
	behaviour map[string]func(call int) (*gateway.Result, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls:     map[string]int{},
		behaviour: map[string]func(int) (*gateway.Result, error){},
	}
}

func (g *fakeGateway) on(body string, fn func(call int) (*gateway.Result, error)) {
	g.mu.Lock()
	g.behaviour[body] = fn
	g.mu.Unlock()
}

func (g *fakeGateway) Process(ctx context.Context, body []byte, _ string) (*gateway.Result, error) {
	g.mu.Lock()
	g.calls[string(body)]++
	call := g.calls[string(body)]
	fn := g.behaviour[string(body)]
	g.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return nil, apperr.Permanent(fmt.Errorf("no behaviour for %q", body))
}

func (g *fakeGateway) callsFor(body string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[body]
}

func succeedWith(pages int, text string) func(int) (*gateway.Result, error) {
	return func(int) (*gateway.Result, error) {
		return &gateway.Result{Text: text, PagesActual: pages}, nil
	}
}

type schedulerFixture struct {
	store     *memory.Store
	files     *storage.MemoryStore
	gw        *fakeGateway
	audit     AuditLogger
	ledger    UsageLedger
	clock     *testClock
	scheduler BatchScheduler
}

func newSchedulerFixture(t *testing.T, poolSize int) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		store: memory.New(),
		files: storage.NewMemoryStore(),
		gw:    newFakeGateway(),
		clock: &testClock{now: testNow},
	}
	f.audit = NewAuditLogger(f.store, nil, AuditConfig{FlushInterval: time.Hour}, zerolog.Nop())
	t.Cleanup(f.audit.Close)
	f.ledger = NewUsageLedger(f.store, f.audit, LedgerConfig{
		CostPerPageCents:  testRate,
		ProMonthlyPages:   100,
		FreePagesOnSignup: 50,
		MaxCASRetries:     4,
		Now:               f.clock.Now,
	}, zerolog.Nop())
	f.scheduler = f.newScheduler(poolSize, nil)
	return f
}

// newScheduler builds a scheduler over the fixture's stores. queue may be
// nil for in-process dispatch.
func (f *schedulerFixture) newScheduler(poolSize int, queue DispatchQueue) BatchScheduler {
	return NewBatchScheduler(
		f.store, f.ledger, f.gw, f.files,
		NewMergeOutputBuilder(f.files, 2, zerolog.Nop()),
		f.audit, queue, nil,
		SchedulerConfig{
			WorkerPoolSize: poolSize,
			MaxFilesPerJob: 5,
			MaxAttempts:    3,
			BackoffInitial: time.Millisecond,
			BackoffMax:     4 * time.Millisecond,
			GatewayTimeout: time.Second,
			Now:            f.clock.Now,
		},
		zerolog.Nop(),
	)
}

func pdfBody(name string) string {
	return "%PDF-1.7 " + name
}

func uploads(pages ...int) []FileUpload {
	out := make([]FileUpload, len(pages))
	for i, p := range pages {
		name := fmt.Sprintf("doc%d", i+1)
		out[i] = FileUpload{Filename: name + ".pdf", Data: []byte(pdfBody(name)), EstimatedPages: p}
	}
	return out
}

func (f *schedulerFixture) run(t *testing.T, accountID string, up []FileUpload, opts JobOptions) (*model.BatchJob, []*model.BatchFile) {
	t.Helper()
	ctx := context.Background()
	job, err := f.scheduler.CreateJob(ctx, accountID, up, opts)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	f.scheduler.Wait()
	return f.reload(t, job.ID)
}

func (f *schedulerFixture) reload(t *testing.T, jobID string) (*model.BatchJob, []*model.BatchFile) {
	t.Helper()
	job, err := f.scheduler.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	files, err := f.scheduler.ListFiles(context.Background(), jobID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	return job, files
}

func (f *schedulerFixture) auditRecords(t *testing.T, accountID string) []*model.UsageAuditRecord {
	t.Helper()
	if err := f.audit.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	recs, err := f.store.ListByAccount(context.Background(), accountID, 0)
	if err != nil {
		t.Fatalf("ListByAccount: %v", err)
	}
	return recs
}

func countAction(recs []*model.UsageAuditRecord, action model.AuditAction, fileID string) int {
	n := 0
	for _, r := range recs {
		if r.Action == action && (fileID == "" || r.FileID == fileID) {
			n++
		}
	}
	return n
}

// every completed file has exactly one page_processed record and no other
// file has any
func assertBilledIffCompleted(t *testing.T, files []*model.BatchFile, recs []*model.UsageAuditRecord) {
	t.Helper()
	for _, file := range files {
		want := 0
		if file.Status == model.FileCompleted {
			want = 1
		}
		if got := countAction(recs, model.AuditPageProcessed, file.ID); got != want {
			t.Fatalf("file %s (%s): %d page_processed records, want %d", file.ID, file.Status, got, want)
		}
	}
}

func TestSchedulerAllowanceExhaustedMidJob(t *testing.T) {
	tests := []struct {
		name       string
		credit     int64
		wantStatus model.JobStatus
		wantFailed int
		wantCost   int64
	}{
		{"no credit", 0, model.JobFailed, 1, 0},
		{"credit covers remainder", 10, model.JobCompleted, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedulerFixture(t, 1)
			seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 10, CreditBalanceCents: tt.credit})
			for i, pages := range []int{4, 5, 3} {
				name := fmt.Sprintf("doc%d", i+1)
				f.gw.on(pdfBody(name), succeedWith(pages, "text "+name))
			}

			job, files := f.run(t, "acct_1", uploads(4, 5, 3), JobOptions{})
			if job.Status != tt.wantStatus {
				t.Fatalf("job status = %s, want %s", job.Status, tt.wantStatus)
			}
			if job.ProcessedFiles != 3-tt.wantFailed || job.FailedFiles != tt.wantFailed {
				t.Fatalf("counters processed=%d failed=%d", job.ProcessedFiles, job.FailedFiles)
			}
			if job.TotalCostCents != tt.wantCost {
				t.Fatalf("total cost = %d, want %d", job.TotalCostCents, tt.wantCost)
			}
			if tt.wantFailed > 0 {
				last := files[2]
				if last.Status != model.FileFailed || last.ErrorCode != model.ErrorCodeLimitExceeded {
					t.Fatalf("third file = %s/%s, want failed/LIMIT_EXCEEDED", last.Status, last.ErrorCode)
				}
				if f.gw.callsFor(pdfBody("doc3")) != 0 {
					t.Fatal("refused file reached the gateway")
				}
			}

			acct := countersOf(t, f.store, "acct_1")
			if acct.CreditBalanceCents != 0 || acct.TotalPagesUsed != 12-3*tt.wantFailed {
				t.Fatalf("unexpected account %+v", acct)
			}
			recs := f.auditRecords(t, "acct_1")
			assertBilledIffCompleted(t, files, recs)
			if got := countAction(recs, model.AuditLimitExceeded, ""); got != tt.wantFailed {
				t.Fatalf("limit_exceeded records = %d, want %d", got, tt.wantFailed)
			}
		})
	}
}

func TestSchedulerTransientFailureBillsOnce(t *testing.T) {
	f := newSchedulerFixture(t, 2)
	seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 10})
	f.gw.on(pdfBody("doc1"), func(call int) (*gateway.Result, error) {
		if call == 1 {
			return nil, apperr.Transient(errors.New("gateway timeout"))
		}
		return &gateway.Result{Text: "recovered", PagesActual: 2}, nil
	})

	job, files := f.run(t, "acct_1", uploads(2), JobOptions{})
	if job.Status != model.JobCompleted {
		t.Fatalf("job status = %s, want completed", job.Status)
	}
	if files[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", files[0].Attempts)
	}
	if acct := countersOf(t, f.store, "acct_1"); acct.FreePagesRemaining != 8 || acct.TotalPagesUsed != 2 {
		t.Fatalf("unexpected account %+v", acct)
	}
	assertBilledIffCompleted(t, files, f.auditRecords(t, "acct_1"))
}

func TestSchedulerTransientExhaustsAttempts(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 10})
	f.gw.on(pdfBody("doc1"), func(int) (*gateway.Result, error) {
		return nil, apperr.Transient(errors.New("503"))
	})

	job, files := f.run(t, "acct_1", uploads(3), JobOptions{})
	if job.Status != model.JobFailed || files[0].ErrorCode != model.ErrorCodeGatewayUnavailable {
		t.Fatalf("job %s file %s/%s", job.Status, files[0].Status, files[0].ErrorCode)
	}
	if got := f.gw.callsFor(pdfBody("doc1")); got != 3 {
		t.Fatalf("gateway calls = %d, want 3", got)
	}
	if acct := countersOf(t, f.store, "acct_1"); acct.FreePagesRemaining != 10 || acct.TotalPagesUsed != 0 {
		t.Fatalf("failed file left usage behind: %+v", acct)
	}
}

func TestSchedulerActualPagesAdjustBilling(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 2, CreditBalanceCents: 100})
	f.gw.on(pdfBody("doc1"), succeedWith(6, "longer than estimated"))

	job, files := f.run(t, "acct_1", uploads(3), JobOptions{})
	if job.Status != model.JobCompleted || *files[0].ActualPages != 6 {
		t.Fatalf("job %s actual %v", job.Status, files[0].ActualPages)
	}
	// 2 free + 4 credit pages
	if job.TotalCostCents != 20 || job.ProcessedPages != 6 {
		t.Fatalf("cost = %d pages = %d", job.TotalCostCents, job.ProcessedPages)
	}
	if acct := countersOf(t, f.store, "acct_1"); acct.CreditBalanceCents != 80 || acct.TotalPagesUsed != 6 {
		t.Fatalf("unexpected account %+v", acct)
	}
}

func TestSchedulerPermanentFailureThenRetry(t *testing.T) {
	f := newSchedulerFixture(t, 2)
	seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 10})
	f.gw.on(pdfBody("doc1"), succeedWith(1, "first"))
	f.gw.on(pdfBody("doc2"), func(call int) (*gateway.Result, error) {
		if call == 1 {
			return nil, apperr.Permanent(errors.New("encrypted document"))
		}
		return &gateway.Result{Text: "second", PagesActual: 2}, nil
	})

	job, files := f.run(t, "acct_1", uploads(1, 2), JobOptions{MergeOutput: true})
	if job.Status != model.JobFailed || files[1].ErrorCode != model.ErrorCodeProcessingFailed {
		t.Fatalf("job %s file %s/%s", job.Status, files[1].Status, files[1].ErrorCode)
	}
	if len(job.OutputKeys) != 1 {
		t.Fatalf("partial output keys = %v", job.OutputKeys)
	}

	ctx := context.Background()
	if _, err := f.scheduler.RetryFile(ctx, job.ID, files[0].ID); apperr.CodeOf(err) != apperr.CodeInvalidState {
		t.Fatalf("retrying a completed file: err = %v, want invalid state", err)
	}
	if _, err := f.scheduler.RetryFile(ctx, job.ID, files[1].ID); err != nil {
		t.Fatalf("RetryFile: %v", err)
	}
	f.scheduler.Wait()

	job, files = f.reload(t, job.ID)
	if job.Status != model.JobCompleted || job.ProcessedFiles != 2 || job.FailedFiles != 0 {
		t.Fatalf("after retry: %+v", job)
	}
	data, err := f.files.Get(ctx, storage.OutputPrefix(job.ID)+"combined.txt")
	if err != nil {
		t.Fatalf("combined output: %v", err)
	}
	if want := "first" + CombinedSeparator + "second"; string(data) != want {
		t.Fatalf("combined = %q, want %q", data, want)
	}
	assertBilledIffCompleted(t, files, f.auditRecords(t, "acct_1"))
}

func TestSchedulerCancelSkipsPendingFiles(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 10})
	started := make(chan struct{})
	unblock := make(chan struct{})
	f.gw.on(pdfBody("doc1"), func(int) (*gateway.Result, error) {
		close(started)
		<-unblock
		return &gateway.Result{Text: "in flight", PagesActual: 1}, nil
	})
	f.gw.on(pdfBody("doc2"), succeedWith(1, "never"))
	f.gw.on(pdfBody("doc3"), succeedWith(1, "never"))

	ctx := context.Background()
	job, err := f.scheduler.CreateJob(ctx, "acct_1", uploads(1, 1, 1), JobOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	<-started
	cancelled, err := f.scheduler.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != model.JobCancelled || cancelled.SkippedFiles != 2 {
		t.Fatalf("after cancel: %+v", cancelled)
	}
	if _, err := f.scheduler.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	close(unblock)
	f.scheduler.Wait()

	job, files := f.reload(t, job.ID)
	if job.Status != model.JobCancelled || job.ProcessedFiles != 1 || job.SkippedFiles != 2 {
		t.Fatalf("final job %+v", job)
	}
	for _, file := range files[1:] {
		if file.Status != model.FileSkipped || file.ErrorCode != model.ErrorCodeCancelled {
			t.Fatalf("file %s = %s/%s", file.ID, file.Status, file.ErrorCode)
		}
	}
	if f.gw.callsFor(pdfBody("doc2"))+f.gw.callsFor(pdfBody("doc3")) != 0 {
		t.Fatal("skipped files reached the gateway")
	}
	if acct := countersOf(t, f.store, "acct_1"); acct.TotalPagesUsed != 1 {
		t.Fatalf("unexpected usage %+v", acct)
	}
	if _, err := f.scheduler.RetryFile(ctx, job.ID, files[1].ID); apperr.CodeOf(err) != apperr.CodeInvalidState {
		t.Fatalf("retry on cancelled job: err = %v", err)
	}
}

func TestSchedulerCancelFinishedJob(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 10})
	f.gw.on(pdfBody("doc1"), succeedWith(1, "done"))

	job, _ := f.run(t, "acct_1", uploads(1), JobOptions{})
	_, err := f.scheduler.Cancel(context.Background(), job.ID)
	var ite *model.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
}

func TestSchedulerCreateJobValidation(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	tests := []struct {
		name    string
		uploads []FileUpload
		opts    JobOptions
	}{
		{"no files", nil, JobOptions{}},
		{"too many files", uploads(1, 1, 1, 1, 1, 1), JobOptions{}},
		{"not a pdf name", []FileUpload{{Filename: "notes.docx", Data: []byte(pdfBody("x")), EstimatedPages: 1}}, JobOptions{}},
		{"not pdf bytes", []FileUpload{{Filename: "x.pdf", Data: []byte("plain text"), EstimatedPages: 1}}, JobOptions{}},
		{"empty file", []FileUpload{{Filename: "x.pdf"}}, JobOptions{}},
		{"bad merge format", uploads(1), JobOptions{MergeFormat: "zipped"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.scheduler.CreateJob(context.Background(), "acct_1", tt.uploads, tt.opts)
			if apperr.CodeOf(err) != apperr.CodeValidation {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
	if keys := f.files.Keys(""); len(keys) != 0 {
		t.Fatalf("rejected jobs left objects behind: %v", keys)
	}
}

func TestSchedulerOutputURLsAndDelete(t *testing.T) {
	f := newSchedulerFixture(t, 2)
	seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 10})
	f.gw.on(pdfBody("doc1"), succeedWith(1, "a"))
	f.gw.on(pdfBody("doc2"), succeedWith(1, "b"))

	ctx := context.Background()
	job, _ := f.run(t, "acct_1", uploads(1, 1), JobOptions{MergeFormat: model.MergeSeparated})
	if len(job.OutputKeys) != 0 {
		t.Fatalf("output built without merge_output: %v", job.OutputKeys)
	}
	urls, err := f.scheduler.OutputURLs(ctx, job.ID)
	if err != nil {
		t.Fatalf("OutputURLs: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("urls = %v", urls)
	}

	if err := f.scheduler.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := f.scheduler.GetJob(ctx, job.ID); !apperr.IsNotFound(err) {
		t.Fatalf("GetJob after delete: %v", err)
	}
	if keys := f.files.Keys(""); len(keys) != 0 {
		t.Fatalf("objects left after delete: %v", keys)
	}
}

func TestSchedulerOutputNeedsFinishedJob(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	ctx := context.Background()
	job := &model.BatchJob{ID: "job_open", AccountID: "acct_1", Status: model.JobProcessing, TotalFiles: 1, MergeFormat: model.MergeCombined, Version: 1}
	file := &model.BatchFile{ID: "file_open", JobID: job.ID, Status: model.FileProcessing}
	if err := f.store.CreateJob(ctx, job, []*model.BatchFile{file}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := f.scheduler.OutputURLs(ctx, job.ID); !errors.Is(err, apperr.ErrJobNotFinished) {
		t.Fatalf("OutputURLs: err = %v", err)
	}
	if err := f.scheduler.DeleteJob(ctx, job.ID); !errors.Is(err, apperr.ErrJobNotFinished) {
		t.Fatalf("DeleteJob: err = %v", err)
	}
}

func TestReconcileReservations(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	ctx := context.Background()
	seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 20})

	job := &model.BatchJob{ID: "job_r", AccountID: "acct_1", Status: model.JobProcessing, TotalFiles: 3, MergeFormat: model.MergeCombined, Version: 1}
	files := []*model.BatchFile{
		{ID: "file_done", JobID: job.ID, Position: 0, Status: model.FileCompleted},
		{ID: "file_busy", JobID: job.ID, Position: 1, Status: model.FileProcessing},
		{ID: "file_moved", JobID: job.ID, Position: 2, Status: model.FileProcessing, ReservationID: "rsv_newer"},
	}
	reserve := func(fileID string, pages int) *model.UsageReservation {
		res, err := f.ledger.Reserve(ctx, "acct_1", pages, model.ReservationRef{JobID: job.ID, FileID: fileID})
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		return res
	}
	done := reserve("file_done", 2)
	busy := reserve("file_busy", 3)
	reserve("file_moved", 4)
	reserve("file_gone", 5)
	files[0].ReservationID = done.ID
	files[1].ReservationID = busy.ID
	if err := f.store.CreateJob(ctx, job, files); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	report, err := f.scheduler.ReconcileReservations(ctx, time.Minute, 0)
	if err != nil || report != (ReconcileReport{}) {
		t.Fatalf("fresh reservations touched: %+v %v", report, err)
	}

	f.clock.Advance(time.Hour)
	report, err = f.scheduler.ReconcileReservations(ctx, time.Minute, 0)
	if err != nil {
		t.Fatalf("ReconcileReservations: %v", err)
	}
	if want := (ReconcileReport{Committed: 1, Released: 2, Skipped: 1}); report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
	// 2 committed + 3 still held by the busy file
	if acct := countersOf(t, f.store, "acct_1"); acct.TotalPagesUsed != 5 || acct.FreePagesRemaining != 15 {
		t.Fatalf("unexpected account %+v", acct)
	}
	recs := f.auditRecords(t, "acct_1")
	if countAction(recs, model.AuditPageProcessed, "file_done") != 1 || countAction(recs, model.AuditPageProcessed, "") != 1 {
		t.Fatalf("unexpected audit records %d", len(recs))
	}
}

func TestBackoffIsCapped(t *testing.T) {
	s := &batchScheduler{cfg: SchedulerConfig{BackoffInitial: 100 * time.Millisecond, BackoffMax: time.Second}}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{30, time.Second},
	}
	for _, tt := range tests {
		if got := s.backoff(tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	f := newSchedulerFixture(t, 2)
	seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 10})
	f.gw.on(pdfBody("doc1"), succeedWith(1, "x"))

	var ids []string
	for range 3 {
		job, _ := f.run(t, "acct_1", uploads(1), JobOptions{})
		ids = append(ids, job.ID)
		f.clock.Advance(time.Second)
	}
	jobs, err := f.scheduler.ListJobs(context.Background(), "acct_1", 2, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != ids[2] || jobs[1].ID != ids[1] {
		got := make([]string, len(jobs))
		for i, j := range jobs {
			got[i] = j.ID
		}
		t.Fatalf("jobs = %s", strings.Join(got, ","))
	}
}

type recordingQueue struct {
	mu       sync.Mutex
	err      error
	jobs     []string
	priority []int
}

func (q *recordingQueue) Enqueue(_ context.Context, jobID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobID)
	q.priority = append(q.priority, priority)
	return q.err
}

func TestSchedulerEnqueue(t *testing.T) {
	tests := []struct {
		name       string
		queueErr   error
		wantStatus model.JobStatus
	}{
		// the queue owns dispatch; nothing runs until a worker picks it up
		{"queued", nil, model.JobPending},
		{"queue down falls back to in-process", errors.New("connection refused"), model.JobCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedulerFixture(t, 2)
			queue := &recordingQueue{err: tt.queueErr}
			f.scheduler = f.newScheduler(2, queue)
			seedAccount(t, f.store, model.Account{AccountID: "acct_1", FreePagesRemaining: 10})
			f.gw.on(pdfBody("doc1"), succeedWith(2, "text"))

			job, _ := f.run(t, "acct_1", uploads(2), JobOptions{Priority: 3})
			if len(queue.jobs) != 1 || queue.jobs[0] != job.ID || queue.priority[0] != 3 {
				t.Fatalf("enqueued %v with priorities %v", queue.jobs, queue.priority)
			}
			if job.Status != tt.wantStatus {
				t.Fatalf("job status = %s, want %s", job.Status, tt.wantStatus)
			}
			if tt.queueErr != nil {
				return
			}
			if err := f.scheduler.DispatchNext(context.Background(), job.ID); err != nil {
				t.Fatalf("DispatchNext: %v", err)
			}
			f.scheduler.Wait()
			if job, _ := f.reload(t, job.ID); job.Status != model.JobCompleted {
				t.Fatalf("after dispatch: status = %s, want completed", job.Status)
			}
		})
	}
}
