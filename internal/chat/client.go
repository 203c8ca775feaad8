package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// TransientError wraps an error that is likely temporary. The engine does
// not retry history loads on its own, but callers use this to decide
// whether reopening the conversation is worth trying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// DefaultHistoryLimit is the number of messages requested when the
	// caller does not specify a limit.
	DefaultHistoryLimit = 50

	// MaxHistoryLimit is the largest page the backend accepts.
	MaxHistoryLimit = 100

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. History pages are at
	// most 100 short messages.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the messaging REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the backend at baseURL. token is
// sent as a Bearer credential when non-empty. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a JSON request and decodes a 2xx response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%w: sending request to %s: %w", chaterrors.ErrAPIRequest, endpoint, err)
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr APIError
		detail := sanitizeResponseBody(respBody)

		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Detail != "" {
			detail = sanitizeResponseBody([]byte(apiErr.Detail))
		}

		sentinel := chaterrors.ErrAPIResponse
		if resp.StatusCode == http.StatusNotFound {
			sentinel = chaterrors.ErrConversationNotFound
		}

		err := fmt.Errorf("%w: %s %s returned status %d: %s", sentinel, method, endpoint, resp.StatusCode, detail)
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", chaterrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// ClampHistoryLimit maps a requested page size onto the range the backend
// accepts. Zero or negative selects the default.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

// History returns up to limit of the most recent messages exchanged
// between userID and recipientID, oldest first.
func (c *Client) History(ctx context.Context, userID, recipientID string, limit int) ([]models.Message, error) {
	return c.HistoryPage(ctx, userID, recipientID, limit, 0)
}

// HistoryPage is History with an offset into the conversation, counted
// from the most recent message.
func (c *Client) HistoryPage(ctx context.Context, userID, recipientID string, limit, offset int) ([]models.Message, error) {
	if userID == "" || recipientID == "" {
		return nil, chaterrors.ErrNoConversation
	}

	query := url.Values{}
	query.Set("user_id", userID)
	query.Set("limit", strconv.Itoa(ClampHistoryLimit(limit)))

	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, "/messages/history/"+url.PathEscape(recipientID), query, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	if msgs == nil {
		msgs = []models.Message{}
	}

	return msgs, nil
}

// Send posts a message through the REST endpoint instead of the live
// channel. The server persists it and fans it out to the receiver.
func (c *Client) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, chaterrors.ErrEmptyMessage
	}

	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/messages/send", nil, req, &msg); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	return &msg, nil
}
