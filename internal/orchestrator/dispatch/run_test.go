package dispatch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"pagemeter/internal/apperr"
	"pagemeter/internal/pgmq"
	"pagemeter/internal/service"

	"github.com/rs/zerolog"
)

type fakeQueue struct {
	mu      sync.Mutex
	deleted []int64
}

func (q *fakeQueue) ReadWithPoll(context.Context, string, int, int, int) ([]*pgmq.Message, error) {
	return nil, nil
}

func (q *fakeQueue) Delete(_ context.Context, _ string, ids []int64) error {
	q.mu.Lock()
	q.deleted = append(q.deleted, ids...)
	q.mu.Unlock()
	return nil
}

type fakeScheduler struct {
	order  []string
	errFor map[string]error
}

func (s *fakeScheduler) DispatchNext(_ context.Context, jobID string) error {
	s.order = append(s.order, jobID)
	return s.errFor[jobID]
}

func (s *fakeScheduler) ReconcileReservations(context.Context, time.Duration, int) (service.ReconcileReport, error) {
	return service.ReconcileReport{}, nil
}

type fakeDLQ struct {
	ids []int64
}

func (d *fakeDLQ) Record(_ context.Context, _ string, msgID int64, _ int, _ []byte, _ error) error {
	d.ids = append(d.ids, msgID)
	return nil
}

func msg(id int64, reads int, data string) *pgmq.Message {
	return &pgmq.Message{ID: id, ReadCount: reads, Data: []byte(data)}
}

func TestHandleBatch(t *testing.T) {
	queue := &fakeQueue{}
	sched := &fakeScheduler{errFor: map[string]error{
		"job_gone":  apperr.NotFound("job", "job_gone"),
		"job_flaky": errors.New("connection reset"),
	}}
	dlq := &fakeDLQ{}
	opts := Options{QueueName: "dispatch", MaxReads: 3}

	handleBatch(context.Background(), zerolog.Nop(), queue, sched, dlq, opts, []*pgmq.Message{
		msg(1, 1, `{"job_id":"job_p5","priority":5}`),
		msg(2, 1, `{"job_id":"job_p0","priority":0}`),
		msg(3, 1, `not json`),
		msg(4, 4, `{"job_id":"job_stuck"}`),
		msg(5, 1, `{"job_id":"job_gone","priority":7}`),
		msg(6, 2, `{"job_id":"job_flaky","priority":7}`),
	})

	// lower number is more urgent; equal priorities keep arrival order
	if want := []string{"job_p0", "job_p5", "job_gone", "job_flaky"}; !slices.Equal(sched.order, want) {
		t.Fatalf("dispatch order = %v, want %v", sched.order, want)
	}
	if want := []int64{3, 4}; !slices.Equal(dlq.ids, want) {
		t.Fatalf("dead letters = %v, want %v", dlq.ids, want)
	}
	slices.Sort(queue.deleted)
	if want := []int64{1, 2, 3, 4, 5}; !slices.Equal(queue.deleted, want) {
		t.Fatalf("deleted = %v, want %v", queue.deleted, want)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, zerolog.Nop(), &fakeQueue{}, &fakeScheduler{}, &fakeDLQ{}, Options{QueueName: "dispatch"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}
