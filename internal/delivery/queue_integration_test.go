//go:build integration

package delivery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"newscourier/internal/db"
)

func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE delivery_tasks, idempotency_records, subscription_tokens, subscriptions, newsletter_issues CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func seedIssueWithTasks(t *testing.T, pool *pgxpool.Pool, n int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	issueID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO newsletter_issues (id, title, html_content, text_content)
		VALUES ($1, 'Issue', '<p>x</p>', 'x')`, issueID); err != nil {
		t.Fatalf("insert issue: %v", err)
	}
	for i := 0; i < n; i++ {
		email := fmt.Sprintf("reader%d@example.com", i)
		if _, err := pool.Exec(ctx, `
			INSERT INTO delivery_tasks (issue_id, subscriber_email)
			VALUES ($1, $2)`, issueID, email); err != nil {
			t.Fatalf("insert task: %v", err)
		}
	}
	return issueID
}

func TestClaimExclusivity(t *testing.T) {
	// Concurrent claims across simulated workers must never return the same
	// row to two callers.
	pool := integrationPool(t)
	const tasks = 20
	const workers = 8
	seedIssueWithTasks(t, pool, tasks)

	queue := NewQueue(pool)
	ctx := context.Background()

	var mu sync.Mutex
	claimed := make(map[int64]string)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				task, err := queue.Claim(ctx, workerID)
				if err != nil {
					t.Errorf("Claim() error: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[task.ID]; dup {
					t.Errorf("task %d claimed by both %s and %s", task.ID, prev, workerID)
				}
				claimed[task.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()

	if len(claimed) != tasks {
		t.Errorf("claimed %d distinct tasks, want %d", len(claimed), tasks)
	}
}

func TestClaimSkipsFutureRetries(t *testing.T) {
	pool := integrationPool(t)
	seedIssueWithTasks(t, pool, 1)
	queue := NewQueue(pool)
	ctx := context.Background()

	task, err := queue.Claim(ctx, "worker-a")
	if err != nil || task == nil {
		t.Fatalf("Claim() = %v, %v", task, err)
	}

	// Requeue far in the future: it must not be claimable now.
	if err := queue.Retry(ctx, task, fmt.Errorf("gateway timeout"), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Retry() error: %v", err)
	}

	again, err := queue.Claim(ctx, "worker-b")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if again != nil {
		t.Errorf("Claim() returned task %d before its backoff elapsed", again.ID)
	}
}

func TestStaleReclaim(t *testing.T) {
	// A task stuck in_progress past the staleness threshold becomes claimable
	// again; the attempt consumed by the dead worker stays counted.
	pool := integrationPool(t)
	seedIssueWithTasks(t, pool, 1)
	queue := NewQueue(pool)
	ctx := context.Background()

	task, err := queue.Claim(ctx, "doomed-worker")
	if err != nil || task == nil {
		t.Fatalf("Claim() = %v, %v", task, err)
	}

	// Nothing claimable while the claim is fresh.
	if reclaimed, err := queue.ReclaimStale(ctx, time.Hour); err != nil || reclaimed != 0 {
		t.Fatalf("ReclaimStale(fresh) = %d, %v; want 0, nil", reclaimed, err)
	}

	// Age the claim artificially, then sweep.
	if _, err := pool.Exec(ctx, `
		UPDATE delivery_tasks SET locked_at = now() - interval '10 minutes' WHERE id = $1`, task.ID); err != nil {
		t.Fatalf("age claim: %v", err)
	}
	reclaimed, err := queue.ReclaimStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale() error: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("ReclaimStale() = %d, want 1", reclaimed)
	}

	again, err := queue.Claim(ctx, "healthy-worker")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if again == nil {
		t.Fatal("reclaimed task should be claimable")
	}
	if again.ID != task.ID {
		t.Errorf("claimed task %d, want reclaimed task %d", again.ID, task.ID)
	}
	if again.Attempt != task.Attempt+1 {
		t.Errorf("attempt = %d, want %d (previous claim stays counted)", again.Attempt, task.Attempt+1)
	}
}

func TestDepthAndDeadLetters(t *testing.T) {
	pool := integrationPool(t)
	seedIssueWithTasks(t, pool, 3)
	queue := NewQueue(pool)
	ctx := context.Background()

	depth, err := queue.Depth(ctx)
	if err != nil || depth != 3 {
		t.Fatalf("Depth() = %d, %v; want 3, nil", depth, err)
	}

	task, _ := queue.Claim(ctx, "worker-a")
	if err := queue.MarkTerminal(ctx, task, fmt.Errorf("address rejected")); err != nil {
		t.Fatalf("MarkTerminal() error: %v", err)
	}

	dead, err := queue.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters() error: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != task.ID || dead[0].LastError != "address rejected" {
		t.Errorf("DeadLetters() = %+v, want the terminal task with its last error", dead)
	}
}
