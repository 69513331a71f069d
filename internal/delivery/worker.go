package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"newscourier/internal/logging"
	"newscourier/internal/mailer"
	"newscourier/internal/metrics"
	"newscourier/internal/tracing"
)

// TaskSource is the queue surface the worker needs. *Queue implements it;
// tests substitute an in-memory fake.
type TaskSource interface {
	Claim(ctx context.Context, workerID string) (*Task, error)
	MarkSucceeded(ctx context.Context, t *Task) error
	Retry(ctx context.Context, t *Task, cause error, retryAt time.Time) error
	MarkTerminal(ctx context.Context, t *Task, cause error) error
}

// IssueLoader resolves a task's issue to its rendered content.
type IssueLoader interface {
	IssueContent(ctx context.Context, issueID uuid.UUID) (*IssueContent, error)
}

// RetryPolicy holds the knobs of the retry state machine. All of them come
// from configuration; there are no baked-in ceilings.
type RetryPolicy struct {
	MaxAttempts     int
	BackoffSchedule []time.Duration
	JitterPercent   float64
	PollInterval    time.Duration
}

// Worker runs the poll-claim-process loop. Any number of Workers, in any
// number of processes, can run against the same queue; Claim keeps them off
// each other's tasks.
type Worker struct {
	id      string
	queue   TaskSource
	issues  IssueLoader
	gateway mailer.Gateway
	policy  RetryPolicy
	log     *logging.Logger
}

func NewWorker(id string, queue TaskSource, issues IssueLoader, gateway mailer.Gateway, policy RetryPolicy, log *logging.Logger) *Worker {
	return &Worker{
		id:      id,
		queue:   queue,
		issues:  issues,
		gateway: gateway,
		policy:  policy,
		log:     log,
	}
}

// Run processes tasks until ctx is cancelled. An empty queue or an
// unreachable store both degrade to the idle poll pause, never a busy spin.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Claim(ctx, w.id)
		if err != nil {
			w.log.WithContext(ctx).WithWorker(w.id).WithError(err).Error("claim failed, backing off")
			if !w.pause(ctx) {
				return
			}
			continue
		}
		if task == nil {
			if !w.pause(ctx) {
				return
			}
			continue
		}
		w.processTask(ctx, task)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// pause sleeps for the poll interval; false means ctx was cancelled.
func (w *Worker) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.policy.PollInterval):
		return true
	}
}

// processTask drives one claimed task through the state machine:
// in_progress -> succeeded | pending (retry with backoff) | failed_terminal.
func (w *Worker) processTask(ctx context.Context, t *Task) {
	ctx, span := tracing.StartSpan(ctx, "worker.deliver",
		attribute.Int64("task_id", t.ID),
		attribute.String("issue_id", t.IssueID.String()),
		attribute.String("subscriber", t.SubscriberEmail),
		attribute.Int("attempt", t.Attempt),
	)
	defer span.End()

	content, err := w.issues.IssueContent(ctx, t.IssueID)
	if err != nil {
		// Issue rows commit before their tasks become claimable, so this is a
		// store hiccup, not a missing issue. Retry without consuming backoff.
		tracing.SetSpanError(ctx, err)
		w.log.WithContext(ctx).WithWorker(w.id).WithTask(t.ID).WithError(err).Error("issue content load failed")
		w.retry(ctx, t, err)
		return
	}

	start := time.Now()
	sendErr := w.gateway.Send(ctx, t.SubscriberEmail, content.Title, content.HTMLBody, content.TextBody)
	metrics.ObserveSendLatency(time.Since(start).Seconds())

	if sendErr == nil {
		tracing.AddSpanEvent(ctx, "delivery.succeeded")
		if err := w.queue.MarkSucceeded(ctx, t); err != nil {
			// The mail went out but the success was not recorded: the task will
			// be re-sent later. At-least-once is the documented trade-off here.
			tracing.SetSpanError(ctx, err)
			w.log.WithContext(ctx).WithWorker(w.id).WithTask(t.ID).WithError(err).Error("recording success failed, task will be re-sent")
			return
		}
		metrics.RecordDelivery("succeeded")
		w.log.WithContext(ctx).WithWorker(w.id).WithTask(t.ID).WithIssue(t.IssueID.String()).WithSubscriber(t.SubscriberEmail).
			WithField("attempt", t.Attempt).Info("issue delivered")
		return
	}

	tracing.SetSpanError(ctx, sendErr)
	reason := mailer.Reason(sendErr)
	span.SetAttributes(attribute.String("failure_reason", reason))

	if !mailer.IsRetryable(sendErr) {
		// Permanent rejection: dead-letter immediately, no backoff spent.
		w.terminal(ctx, t, sendErr)
		return
	}

	metrics.RecordRetry(reason)
	if t.Attempt >= w.policy.MaxAttempts {
		w.terminal(ctx, t, sendErr)
		return
	}
	w.retryWithBackoff(ctx, t, sendErr)
}

func (w *Worker) retryWithBackoff(ctx context.Context, t *Task, cause error) {
	delay := computeDelay(t.Attempt, w.policy.BackoffSchedule, w.policy.JitterPercent)
	tracing.AddSpanEvent(ctx, "delivery.requeued",
		attribute.Int("attempt", t.Attempt),
		attribute.String("delay", delay.String()),
	)
	w.log.WithContext(ctx).WithWorker(w.id).WithTask(t.ID).WithError(cause).WithFields(map[string]any{
		"attempt": t.Attempt,
		"delay":   delay.String(),
	}).Info("requeueing delivery")

	if err := w.queue.Retry(ctx, t, cause, time.Now().Add(delay)); err != nil {
		w.log.WithContext(ctx).WithWorker(w.id).WithTask(t.ID).WithError(err).Error("requeue failed, sweeper will reclaim")
		return
	}
	metrics.RecordDelivery("retried")
}

// retry requeues without burning a backoff slot (store errors, not gateway errors).
func (w *Worker) retry(ctx context.Context, t *Task, cause error) {
	if err := w.queue.Retry(ctx, t, cause, time.Now().Add(w.policy.PollInterval)); err != nil {
		w.log.WithContext(ctx).WithWorker(w.id).WithTask(t.ID).WithError(err).Error("requeue failed, sweeper will reclaim")
	}
}

func (w *Worker) terminal(ctx context.Context, t *Task, cause error) {
	tracing.AddSpanEvent(ctx, "delivery.dead_letter", attribute.Int("attempt", t.Attempt))
	w.log.WithContext(ctx).WithWorker(w.id).WithTask(t.ID).WithIssue(t.IssueID.String()).WithSubscriber(t.SubscriberEmail).
		WithError(cause).WithField("attempt", t.Attempt).Error("delivery went terminal")

	if err := w.queue.MarkTerminal(ctx, t, cause); err != nil {
		w.log.WithContext(ctx).WithWorker(w.id).WithTask(t.ID).WithError(err).Error("dead-letter update failed, sweeper will reclaim")
		return
	}
	metrics.RecordDelivery("terminal")
	metrics.RecordDeadLetter()
}
