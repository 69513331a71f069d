package subscriber

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"newscourier/internal/logging"
)

// Subscription status values.
const (
	StatusPending   = "pending_confirmation"
	StatusConfirmed = "confirmed"
)

// ErrInvalidToken means the confirmation token matches no pending subscriber.
var ErrInvalidToken = errors.New("invalid subscription token")

var validate = validator.New()

// ValidateEmail rejects addresses the mail gateway would never accept.
func ValidateEmail(email string) error {
	if err := validate.Var(email, "required,email"); err != nil {
		return fmt.Errorf("%q is not a valid email address", email)
	}
	return nil
}

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// confirmed-subscriber snapshot can be read inside the issuance transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Directory owns subscription rows and the confirmation token flow.
type Directory struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

func NewDirectory(pool *pgxpool.Pool, log *logging.Logger) *Directory {
	return &Directory{pool: pool, log: log}
}

// Subscribe stores a pending subscription and returns a confirmation token.
// Subscribing the same address again issues a fresh token instead of failing,
// so a lost confirmation mail can be recovered by re-subscribing.
func (d *Directory) Subscribe(ctx context.Context, email string) (string, error) {
	if err := ValidateEmail(email); err != nil {
		return "", err
	}

	token, err := generateToken(32)
	if err != nil {
		return "", fmt.Errorf("generate subscription token: %w", err)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin subscribe tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The ON CONFLICT no-op update makes RETURNING yield the id for both the
	// fresh insert and the already-subscribed case.
	var subscriberID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO subscriptions (id, email, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id`,
		uuid.New(), email, StatusPending,
	).Scan(&subscriberID)
	if err != nil {
		return "", fmt.Errorf("insert subscription: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO subscription_tokens (subscription_token, subscriber_id)
		VALUES ($1, $2)`,
		token, subscriberID,
	); err != nil {
		return "", fmt.Errorf("insert subscription token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit subscribe tx: %w", err)
	}
	return token, nil
}

// Confirm flips the token's subscriber to confirmed. Confirming twice with the
// same token is a no-op success.
func (d *Directory) Confirm(ctx context.Context, token string) error {
	var subscriberID uuid.UUID
	err := d.pool.QueryRow(ctx, `
		SELECT subscriber_id FROM subscription_tokens
		WHERE subscription_token = $1`,
		token,
	).Scan(&subscriberID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInvalidToken
	}
	if err != nil {
		return fmt.Errorf("look up subscription token: %w", err)
	}

	if _, err := d.pool.Exec(ctx, `
		UPDATE subscriptions SET status = $1 WHERE id = $2`,
		StatusConfirmed, subscriberID,
	); err != nil {
		return fmt.Errorf("confirm subscriber: %w", err)
	}
	return nil
}

// ConfirmedEmails returns the current confirmed-subscriber snapshot. Stored
// addresses that no longer validate are skipped with a warning rather than
// failing the whole issuance.
func (d *Directory) ConfirmedEmails(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT email FROM subscriptions WHERE status = $1`,
		StatusConfirmed,
	)
	if err != nil {
		return nil, fmt.Errorf("list confirmed subscribers: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		if err := ValidateEmail(email); err != nil {
			d.log.WithContext(ctx).WithSubscriber(email).Warn("skipping confirmed subscriber with invalid stored address")
			continue
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// generateToken generates a random base64-encoded string of n source bytes
func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
