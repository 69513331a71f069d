package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"newscourier/internal/logging"
	"newscourier/internal/mailer"
)

// fakeQueue mirrors the queue's state machine in memory: Claim counts the
// attempt and locks the task, Retry releases it back to pending.
type fakeQueue struct {
	task       *Task
	content    *IssueContent
	contentErr error

	retryCount    int
	lastRetryAt   time.Time
	succeededIDs  []int64
	terminalIDs   []int64
	lastCauseText string
}

func newFakeQueue(issueID uuid.UUID) *fakeQueue {
	return &fakeQueue{
		task: &Task{
			ID:              1,
			IssueID:         issueID,
			SubscriberEmail: "reader@example.com",
			Status:          StatusPending,
		},
		content: &IssueContent{
			Title:    "Issue #1",
			HTMLBody: "<p>news</p>",
			TextBody: "news",
		},
	}
}

func (f *fakeQueue) Claim(_ context.Context, workerID string) (*Task, error) {
	if f.task.Status != StatusPending {
		return nil, nil
	}
	f.task.Status = StatusInProgress
	f.task.LockedBy = workerID
	f.task.Attempt++
	return f.task, nil
}

func (f *fakeQueue) MarkSucceeded(_ context.Context, t *Task) error {
	f.task.Status = StatusSucceeded
	f.succeededIDs = append(f.succeededIDs, t.ID)
	return nil
}

func (f *fakeQueue) Retry(_ context.Context, t *Task, cause error, retryAt time.Time) error {
	f.task.Status = StatusPending
	f.retryCount++
	f.lastRetryAt = retryAt
	f.lastCauseText = cause.Error()
	return nil
}

func (f *fakeQueue) MarkTerminal(_ context.Context, t *Task, cause error) error {
	f.task.Status = StatusTerminal
	f.terminalIDs = append(f.terminalIDs, t.ID)
	f.lastCauseText = cause.Error()
	return nil
}

func (f *fakeQueue) IssueContent(_ context.Context, _ uuid.UUID) (*IssueContent, error) {
	if f.contentErr != nil {
		return nil, f.contentErr
	}
	return f.content, nil
}

// scriptedGateway returns its errors in order, then succeeds.
type scriptedGateway struct {
	errs  []error
	calls int
}

func (g *scriptedGateway) Send(_ context.Context, _, _, _, _ string) error {
	g.calls++
	if g.calls <= len(g.errs) {
		return g.errs[g.calls-1]
	}
	return nil
}

type retryableErr struct{}

func (retryableErr) Error() string { return "gateway timeout" }

func testPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     maxAttempts,
		BackoffSchedule: []time.Duration{time.Millisecond, 2 * time.Millisecond},
		JitterPercent:   0,
		PollInterval:    time.Millisecond,
	}
}

// drain claims and processes until nothing is claimable, like a worker whose
// backoff delays have all elapsed.
func drain(t *testing.T, w *Worker, q *fakeQueue) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		task, err := q.Claim(ctx, "test-worker")
		if err != nil {
			t.Fatalf("Claim() error: %v", err)
		}
		if task == nil {
			return
		}
		w.processTask(ctx, task)
	}
	t.Fatal("task never reached a final state after 100 claims")
}

func TestWorkerRetryBound(t *testing.T) {
	// A gateway that always fails retryably must dead-letter the task after
	// exactly MaxAttempts attempts, never fewer, never looping forever.
	q := newFakeQueue(uuid.New())
	gw := &scriptedGateway{errs: []error{retryableErr{}, retryableErr{}, retryableErr{}, retryableErr{}, retryableErr{}, retryableErr{}}}
	w := NewWorker("test-worker", q, q, gw, testPolicy(3), logging.New("test"))

	drain(t, w, q)

	if q.task.Status != StatusTerminal {
		t.Errorf("task status = %q, want %q", q.task.Status, StatusTerminal)
	}
	if gw.calls != 3 {
		t.Errorf("gateway calls = %d, want exactly 3", gw.calls)
	}
	if q.task.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", q.task.Attempt)
	}
	if q.retryCount != 2 {
		t.Errorf("retries = %d, want 2 (attempts 1 and 2)", q.retryCount)
	}
}

func TestWorkerSucceedsAfterRetries(t *testing.T) {
	// Retryable failure twice, then success: the task ends succeeded with
	// attempt count 3.
	q := newFakeQueue(uuid.New())
	gw := &scriptedGateway{errs: []error{retryableErr{}, retryableErr{}}}
	w := NewWorker("test-worker", q, q, gw, testPolicy(6), logging.New("test"))

	drain(t, w, q)

	if q.task.Status != StatusSucceeded {
		t.Errorf("task status = %q, want %q", q.task.Status, StatusSucceeded)
	}
	if q.task.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", q.task.Attempt)
	}
	if len(q.succeededIDs) != 1 {
		t.Errorf("succeeded tasks = %v, want exactly one", q.succeededIDs)
	}
}

func TestWorkerPermanentFailureSkipsBackoff(t *testing.T) {
	// A permanent rejection dead-letters immediately: one attempt, no retries.
	q := newFakeQueue(uuid.New())
	permanent := &mailer.Error{StatusCode: 422, Retryable: false, Message: "address rejected"}
	gw := &scriptedGateway{errs: []error{permanent, permanent, permanent}}
	w := NewWorker("test-worker", q, q, gw, testPolicy(6), logging.New("test"))

	drain(t, w, q)

	if q.task.Status != StatusTerminal {
		t.Errorf("task status = %q, want %q", q.task.Status, StatusTerminal)
	}
	if q.task.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", q.task.Attempt)
	}
	if q.retryCount != 0 {
		t.Errorf("retries = %d, want 0 for a permanent failure", q.retryCount)
	}
	if gw.calls != 1 {
		t.Errorf("gateway calls = %d, want 1", gw.calls)
	}
}

func TestWorkerFirstTrySuccess(t *testing.T) {
	q := newFakeQueue(uuid.New())
	gw := &scriptedGateway{}
	w := NewWorker("test-worker", q, q, gw, testPolicy(6), logging.New("test"))

	drain(t, w, q)

	if q.task.Status != StatusSucceeded {
		t.Errorf("task status = %q, want %q", q.task.Status, StatusSucceeded)
	}
	if q.task.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", q.task.Attempt)
	}
}

func TestWorkerContentLoadFailureRequeuesWithoutSend(t *testing.T) {
	q := newFakeQueue(uuid.New())
	q.contentErr = errors.New("connection reset")
	gw := &scriptedGateway{}
	w := NewWorker("test-worker", q, q, gw, testPolicy(6), logging.New("test"))

	ctx := context.Background()
	task, _ := q.Claim(ctx, "test-worker")
	w.processTask(ctx, task)

	if gw.calls != 0 {
		t.Errorf("gateway calls = %d, want 0 when content load fails", gw.calls)
	}
	if q.task.Status != StatusPending {
		t.Errorf("task status = %q, want %q", q.task.Status, StatusPending)
	}
	if q.retryCount != 1 {
		t.Errorf("retries = %d, want 1", q.retryCount)
	}
}

func TestWorkerRunStopsOnCancelledContext(t *testing.T) {
	q := newFakeQueue(uuid.New())
	q.task.Status = StatusSucceeded // nothing claimable
	w := NewWorker("test-worker", q, q, &scriptedGateway{}, testPolicy(3), logging.New("test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
