package issue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"newscourier/internal/idempotency"
	"newscourier/internal/logging"
	"newscourier/internal/metrics"
	"newscourier/internal/subscriber"
	"newscourier/internal/tracing"
)

// ValidationError is a caller mistake: surfaced as 400, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid publish request: " + e.Reason
}

// Outcome is the result of a publish call. Replayed means the response was
// recorded by an earlier request with the same key and no new work happened.
type Outcome struct {
	Response *idempotency.SavedResponse
	IssueID  uuid.UUID
	Enqueued int
	Replayed bool
}

// directory is the Subscriber Directory surface the orchestrator consumes.
type directory interface {
	ConfirmedEmails(ctx context.Context, q subscriber.Querier) ([]string, error)
}

// Orchestrator turns one publish request into one Issue row plus one delivery
// task per confirmed subscriber, exactly once per idempotency key.
type Orchestrator struct {
	pool      *pgxpool.Pool
	store     *idempotency.Store
	directory directory
	log       *logging.Logger
}

func NewOrchestrator(pool *pgxpool.Pool, store *idempotency.Store, dir directory, log *logging.Logger) *Orchestrator {
	return &Orchestrator{pool: pool, store: store, directory: dir, log: log}
}

// Publish runs the issuance algorithm:
//
//  1. a previously recorded response for (ownerID, key) is replayed verbatim;
//  2. otherwise one transaction inserts the issue row, fans out one pending
//     task per confirmed subscriber, and records the response — all or nothing;
//  3. losing an insert race on the key is handled by replaying the winner's
//     response, so a retried or concurrent duplicate never double-enqueues.
func (o *Orchestrator) Publish(ctx context.Context, ownerID uuid.UUID, key, title, htmlBody, textBody string) (*Outcome, error) {
	if err := validate(key, title, htmlBody, textBody); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "issue.publish",
		attribute.String("owner_id", ownerID.String()),
	)
	defer span.End()

	saved, err := o.store.GetSavedResponse(ctx, ownerID, key)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	if saved != nil {
		tracing.AddSpanEvent(ctx, "idempotency.replayed")
		return &Outcome{Response: saved, Replayed: true}, nil
	}

	outcome, err := o.fanOut(ctx, ownerID, key, title, htmlBody, textBody)
	if errors.Is(err, idempotency.ErrKeyTaken) {
		// Lost the race to a concurrent request with the same key. The winner
		// committed (our insert waited on its lock), so its response is there
		// to replay.
		tracing.AddSpanEvent(ctx, "idempotency.race_lost")
		saved, err := o.store.GetSavedResponse(ctx, ownerID, key)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return nil, err
		}
		if saved == nil {
			return nil, fmt.Errorf("publish with key %q is still in progress", key)
		}
		return &Outcome{Response: saved, Replayed: true}, nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	metrics.IssuesPublishedTotal.Inc()
	metrics.TasksEnqueuedTotal.Add(float64(outcome.Enqueued))
	o.log.WithContext(ctx).WithIssue(outcome.IssueID.String()).
		WithField("enqueued", outcome.Enqueued).Info("newsletter issue published")
	return outcome, nil
}

// fanOut is the single atomic unit: issue row, delivery tasks, idempotency
// record. A crash between any two of these is impossible by construction.
func (o *Orchestrator) fanOut(ctx context.Context, ownerID uuid.UUID, key, title, htmlBody, textBody string) (*Outcome, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin publish tx: %w", err)
	}
	defer tx.Rollback(ctx)

	issueID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO newsletter_issues (id, title, html_content, text_content)
		VALUES ($1, $2, $3, $4)`,
		issueID, title, htmlBody, textBody,
	); err != nil {
		return nil, fmt.Errorf("insert issue: %w", err)
	}

	emails, err := o.directory.ConfirmedEmails(ctx, tx)
	if err != nil {
		return nil, err
	}

	batch := &pgx.Batch{}
	for _, email := range emails {
		batch.Queue(`
			INSERT INTO delivery_tasks (issue_id, subscriber_email)
			VALUES ($1, $2)`,
			issueID, email,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("enqueue delivery tasks: %w", err)
	}

	resp := acceptedResponse(issueID, len(emails))
	if err := o.store.SaveResponse(ctx, tx, ownerID, key, resp); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit publish tx: %w", err)
	}

	return &Outcome{
		Response: &resp,
		IssueID:  issueID,
		Enqueued: len(emails),
	}, nil
}

// acceptedResponse is the stable 202 body recorded for replay. Every retry
// with the same key must see these exact bytes.
func acceptedResponse(issueID uuid.UUID, enqueued int) idempotency.SavedResponse {
	body, _ := json.Marshal(map[string]any{
		"status":   "accepted",
		"issue_id": issueID.String(),
		"enqueued": enqueued,
	})
	return idempotency.SavedResponse{
		StatusCode: http.StatusAccepted,
		Headers: []idempotency.Header{
			{Name: "Content-Type", Value: "application/json"},
		},
		Body: body,
	}
}

func validate(key, title, htmlBody, textBody string) error {
	if err := idempotency.ValidateKey(key); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if title == "" {
		return &ValidationError{Reason: "title cannot be empty"}
	}
	if htmlBody == "" {
		return &ValidationError{Reason: "html content cannot be empty"}
	}
	if textBody == "" {
		return &ValidationError{Reason: "text content cannot be empty"}
	}
	return nil
}
