package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"newscourier/internal/config"
)

// Gateway is the outbound email transport. Implementations classify failures
// as retryable or permanent via *Error; the delivery worker treats that
// classification as authoritative.
type Gateway interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// Error is a failed send. Retryable errors (timeouts, 5xx, rate limiting) are
// worth another attempt; permanent ones (rejected address, bad request) are not.
type Error struct {
	StatusCode int // 0 when the request never completed
	Retryable  bool
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("mail gateway returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mail gateway unreachable: %s", e.Message)
}

// IsRetryable reports whether err is a send failure worth retrying. Errors
// that are not *Error (cancelled contexts, programming mistakes) are treated
// as retryable so a glitch never dead-letters a task.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return true
}

// sendRequest is the gateway wire format (Postmark-style JSON body).
type sendRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HTMLBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// Client talks to an HTTP mail gateway. A client-side rate limiter keeps the
// worker pool under the gateway's send quota instead of burning attempts on
// 429 responses.
type Client struct {
	baseURL     string
	sender      string
	serverToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
}

func NewClient(cfg config.Mailer) *Client {
	return &Client{
		baseURL:     cfg.BaseURL,
		sender:      cfg.SenderEmail,
		serverToken: cfg.ServerToken,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
	}
}

// Send posts one email to the gateway.
func (c *Client) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Retryable: true, Message: err.Error()}
	}

	payload, err := json.Marshal(sendRequest{
		From:     c.sender,
		To:       to,
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return &Error{Retryable: false, Message: fmt.Sprintf("encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(payload))
	if err != nil {
		return &Error{Retryable: false, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures: the gateway may be fine next time.
		return &Error{Retryable: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &Error{
		StatusCode: resp.StatusCode,
		Retryable:  classifyStatus(resp.StatusCode),
		Message:    string(snippet),
	}
}

// classifyStatus reports whether a non-2xx gateway status is retryable.
func classifyStatus(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= 500 {
		return true
	}
	return false
}

// Reason buckets a send error for metrics labels.
func Reason(err error) string {
	e, ok := err.(*Error)
	if !ok {
		return "other"
	}
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return "http_429"
	case e.StatusCode >= 500:
		return "http_5xx"
	case e.StatusCode >= 400:
		return "http_4xx"
	case e.StatusCode == 0:
		return "network"
	default:
		return "other"
	}
}

var _ Gateway = (*Client)(nil)
