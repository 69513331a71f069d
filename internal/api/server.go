package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"newscourier/internal/auth"
	"newscourier/internal/delivery"
	"newscourier/internal/health"
	"newscourier/internal/issue"
	"newscourier/internal/logging"
	"newscourier/internal/mailer"
	"newscourier/internal/subscriber"
	"newscourier/internal/tracing"
)

// operatorNamespace maps JWT subject strings to stable owner UUIDs, so the
// same operator always hits the same idempotency scope.
var operatorNamespace = uuid.MustParse("8f3c1d2e-4b5a-4c6d-9e7f-0a1b2c3d4e5f")

// Publisher runs the issuance algorithm for the publish endpoint.
type Publisher interface {
	Publish(ctx context.Context, ownerID uuid.UUID, key, title, htmlBody, textBody string) (*issue.Outcome, error)
}

// Subscriptions is the subscriber directory surface the API consumes.
type Subscriptions interface {
	Subscribe(ctx context.Context, email string) (string, error)
	Confirm(ctx context.Context, token string) error
}

// DeadLetterSource lists delivery tasks that exhausted their attempts.
type DeadLetterSource interface {
	DeadLetters(ctx context.Context, limit int) ([]delivery.Task, error)
}

// Server holds the HTTP handlers for subscription intake and publishing.
type Server struct {
	publisher     Publisher
	subscriptions Subscriptions
	deadLetters   DeadLetterSource
	gateway       mailer.Gateway
	publicBaseURL string
	log           *logging.Logger
}

func NewServer(publisher Publisher, subs Subscriptions, dead DeadLetterSource, gateway mailer.Gateway, publicBaseURL string, log *logging.Logger) *Server {
	return &Server{
		publisher:     publisher,
		subscriptions: subs,
		deadLetters:   dead,
		gateway:       gateway,
		publicBaseURL: publicBaseURL,
		log:           log,
	}
}

// Handler assembles the full route table. The publish endpoint sits behind
// JWT validation; everything else is public.
func (s *Server) Handler(validator *auth.JWTValidator, db health.Pinger, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /subscriptions", s.handleSubscribe)
	mux.HandleFunc("GET /subscriptions/confirm", s.handleConfirm)
	mux.Handle("POST /admin/newsletters", validator.HTTPMiddleware(http.HandlerFunc(s.handlePublish)))
	mux.Handle("GET /admin/deadletters", validator.HTTPMiddleware(http.HandlerFunc(s.handleDeadLetters)))
	mux.HandleFunc("GET /healthz", health.HTTPHandler(db))
	mux.Handle("GET /metrics", metricsHandler)
	return mux
}

type subscribeRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.subscribe")
	defer span.End()

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON with an email field")
		return
	}
	if err := subscriber.ValidateEmail(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := s.subscriptions.Subscribe(ctx, req.Email)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithError(err).Error("failed to store subscription")
		writeError(w, http.StatusInternalServerError, "failed to store subscription")
		return
	}

	if err := s.sendConfirmation(ctx, req.Email, token); err != nil {
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithSubscriber(req.Email).WithError(err).Error("failed to send confirmation email")
		writeError(w, http.StatusInternalServerError, "failed to send confirmation email")
		return
	}

	s.log.WithContext(ctx).WithSubscriber(req.Email).Info("subscription stored, confirmation email sent")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending_confirmation"})
}

func (s *Server) sendConfirmation(ctx context.Context, email, token string) error {
	link := fmt.Sprintf("%s/subscriptions/confirm?token=%s", s.publicBaseURL, token)
	html := fmt.Sprintf(`Welcome to our newsletter!<br />Click <a href="%s">here</a> to confirm your subscription.`, link)
	text := fmt.Sprintf("Welcome to our newsletter!\nVisit %s to confirm your subscription.", link)
	return s.gateway.Send(ctx, email, "Please confirm your subscription", html, text)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.confirm")
	defer span.End()

	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token query parameter is required")
		return
	}

	err := s.subscriptions.Confirm(ctx, token)
	if errors.Is(err, subscriber.ErrInvalidToken) {
		writeError(w, http.StatusUnauthorized, "unknown subscription token")
		return
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithError(err).Error("failed to confirm subscription")
		writeError(w, http.StatusInternalServerError, "failed to confirm subscription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

type publishRequest struct {
	Title       string `json:"title"`
	HTMLContent string `json:"html_content"`
	TextContent string `json:"text_content"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.publish")
	defer span.End()

	operatorID, ok := auth.GetOperatorIDFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing operator identity")
		return
	}

	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "X-Idempotency-Key header is required")
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON")
		return
	}

	ownerID := uuid.NewSHA1(operatorNamespace, []byte(operatorID))
	outcome, err := s.publisher.Publish(ctx, ownerID, key, req.Title, req.HTMLContent, req.TextContent)
	var vErr *issue.ValidationError
	if errors.As(err, &vErr) {
		writeError(w, http.StatusBadRequest, vErr.Error())
		return
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithError(err).Error("failed to publish newsletter issue")
		writeError(w, http.StatusInternalServerError, "failed to publish newsletter issue")
		return
	}

	// The recorded response is replayed verbatim: same status, same header
	// order, same bytes.
	for _, h := range outcome.Response.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(outcome.Response.StatusCode)
	_, _ = w.Write(outcome.Response.Body)
}

type deadLetterView struct {
	ID              int64  `json:"id"`
	IssueID         string `json:"issue_id"`
	SubscriberEmail string `json:"subscriber_email"`
	Attempt         int    `json:"attempt"`
	LastError       string `json:"last_error"`
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.dead_letters")
	defer span.End()

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tasks, err := s.deadLetters.DeadLetters(ctx, limit)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithError(err).Error("failed to list dead letters")
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	views := make([]deadLetterView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, deadLetterView{
			ID:              t.ID,
			IssueID:         t.IssueID.String(),
			SubscriberEmail: t.SubscriberEmail,
			Attempt:         t.Attempt,
			LastError:       t.LastError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead": views})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
