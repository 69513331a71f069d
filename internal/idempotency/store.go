package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrKeyTaken means the (owner, key) pair is already present: either a
// finished request whose response should be replayed, or a concurrent request
// that won the insert race. The caller must re-fetch the saved response.
var ErrKeyTaken = errors.New("idempotency key already taken")

const maxKeyLength = 64

// ValidateKey rejects keys that are empty or longer than maxKeyLength bytes.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("idempotency key cannot be empty")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("idempotency key must be at most %d bytes, got %d", maxKeyLength, len(key))
	}
	return nil
}

// Header is one response header pair. Order is preserved across save/replay.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SavedResponse is the recorded outcome of a previously handled request.
type SavedResponse struct {
	StatusCode int
	Headers    []Header
	Body       []byte
}

// Store persists request outcomes keyed by (owner_id, idempotency_key).
// Rows are insert-only; the primary key makes concurrent duplicate inserts
// impossible without any application-level lock.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetSavedResponse returns the recorded response for (ownerID, key), or
// (nil, nil) when the key has never been used.
func (s *Store) GetSavedResponse(ctx context.Context, ownerID uuid.UUID, key string) (*SavedResponse, error) {
	var (
		status     int
		rawHeaders []byte
		body       []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT response_status_code, response_headers, response_body
		FROM idempotency_records
		WHERE owner_id = $1 AND idempotency_key = $2`,
		ownerID, key,
	).Scan(&status, &rawHeaders, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch saved response: %w", err)
	}

	var headers []Header
	if err := json.Unmarshal(rawHeaders, &headers); err != nil {
		return nil, fmt.Errorf("decode saved headers: %w", err)
	}

	return &SavedResponse{StatusCode: status, Headers: headers, Body: body}, nil
}

// SaveResponse inserts the record inside the caller's transaction. It returns
// ErrKeyTaken when the key already exists; detection rides on the primary-key
// constraint rather than a prior read, so there is no check-then-act window.
func (s *Store) SaveResponse(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID, key string, resp SavedResponse) error {
	rawHeaders, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO idempotency_records
			(owner_id, idempotency_key, response_status_code, response_headers, response_body)
		VALUES ($1, $2, $3, $4, $5)`,
		ownerID, key, resp.StatusCode, rawHeaders, resp.Body,
	)
	if isUniqueViolation(err) {
		return ErrKeyTaken
	}
	if err != nil {
		return fmt.Errorf("save response: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
