package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is the persisted delivery queue. All coordination between worker
// processes happens through the atomic statements here; there are no
// in-process locks because workers do not share an address space.
type Queue struct {
	pool *pgxpool.Pool
}

func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Claim atomically picks the oldest claimable pending task, marks it
// in_progress under workerID, and counts the attempt. SKIP LOCKED makes
// concurrent claims land on disjoint rows instead of queueing behind each
// other; two callers can never receive the same task. Returns (nil, nil)
// when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Task, error) {
	t := &Task{}
	err := q.pool.QueryRow(ctx, `
		UPDATE delivery_tasks
		SET status = 'in_progress', locked_by = $1, locked_at = now(), attempt = attempt + 1
		WHERE id = (
			SELECT id FROM delivery_tasks
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, issue_id, subscriber_email, status, attempt, locked_by, next_attempt_at, COALESCE(last_error, '')`,
		workerID,
	).Scan(&t.ID, &t.IssueID, &t.SubscriberEmail, &t.Status, &t.Attempt, &t.LockedBy, &t.NextAttemptAt, &t.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

// MarkSucceeded finishes a task for good. The row is kept (not deleted) so an
// issue's delivery can be audited after the queue drains.
func (q *Queue) MarkSucceeded(ctx context.Context, t *Task) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE delivery_tasks
		SET status = 'succeeded', locked_by = NULL, locked_at = NULL, last_error = NULL
		WHERE id = $1`,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("mark task succeeded: %w", err)
	}
	return nil
}

// Retry returns a task to pending. It stays invisible to Claim until
// retryAt, which is how the backoff delay survives process restarts.
func (q *Queue) Retry(ctx context.Context, t *Task, cause error, retryAt time.Time) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE delivery_tasks
		SET status = 'pending', locked_by = NULL, locked_at = NULL,
		    next_attempt_at = $2, last_error = $3
		WHERE id = $1`,
		t.ID, retryAt, causeString(cause),
	)
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	return nil
}

// MarkTerminal dead-letters a task. Terminal rows are never claimed again;
// they wait for operator inspection via DeadLetters.
func (q *Queue) MarkTerminal(ctx context.Context, t *Task, cause error) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE delivery_tasks
		SET status = 'failed_terminal', locked_by = NULL, locked_at = NULL, last_error = $2
		WHERE id = $1`,
		t.ID, causeString(cause),
	)
	if err != nil {
		return fmt.Errorf("mark task terminal: %w", err)
	}
	return nil
}

// ReclaimStale returns in_progress tasks whose claim is older than staleAfter
// to pending. A worker that died mid-send costs at most staleAfter of delay
// for the tasks it held; the attempt it consumed at claim time stays counted.
func (q *Queue) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	tag, err := q.pool.Exec(ctx, `
		UPDATE delivery_tasks
		SET status = 'pending', locked_by = NULL, locked_at = NULL
		WHERE status = 'in_progress' AND locked_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Depth counts pending tasks.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `
		SELECT count(*) FROM delivery_tasks WHERE status = 'pending'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// DeadLetters lists terminal tasks, newest first, for operator inspection.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]Task, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, issue_id, subscriber_email, status, attempt, COALESCE(locked_by, ''), next_attempt_at, COALESCE(last_error, '')
		FROM delivery_tasks
		WHERE status = 'failed_terminal'
		ORDER BY id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.IssueID, &t.SubscriberEmail, &t.Status, &t.Attempt, &t.LockedBy, &t.NextAttemptAt, &t.LastError); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// IssueContent loads the rendered newsletter body for a task's issue.
func (q *Queue) IssueContent(ctx context.Context, issueID uuid.UUID) (*IssueContent, error) {
	c := &IssueContent{}
	err := q.pool.QueryRow(ctx, `
		SELECT title, html_content, text_content
		FROM newsletter_issues
		WHERE id = $1`,
		issueID,
	).Scan(&c.Title, &c.HTMLBody, &c.TextBody)
	if err != nil {
		return nil, fmt.Errorf("load issue content: %w", err)
	}
	return c, nil
}

func causeString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
