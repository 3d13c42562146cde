// Package client talks to the chat HTTP API on behalf of a device.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/rental-chat/internal/common"
	"github.com/suPer8Hu/rental-chat/internal/intent"
)

// ErrUnauthorized means the bearer token is missing, expired or rejected.
var ErrUnauthorized = errors.New("unauthorized")

type Client struct {
	BaseURL  string
	DeviceID string
	// Token returns the current bearer token, or "" when signed out.
	Token func() string
	HTTP  *http.Client
}

func New(baseURL, deviceID string, token func() string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		DeviceID: deviceID,
		Token:    token,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx reply. It unwraps to the matching common error kind.
type APIError struct {
	Status  int
	Code    int
	Message string
	kind    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d code %d: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Envelope codes the server uses for conditions the client acts on.
const (
	CodeSessionResolutionFailed = 50010
)

func classify(status, code int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return common.ErrForbidden
	case status == http.StatusNotFound:
		return common.ErrSessionNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return common.ErrTransient
	case status >= 400 && status < 500:
		return common.ErrValidation
	case code == CodeSessionResolutionFailed:
		return common.ErrSessionResolutionFailed
	default:
		return common.ErrTransient
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", common.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", common.ErrTransient, err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("%w: decode reply: %w", common.ErrTransient, err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || env.Code != 0 {
		msg := strings.TrimSpace(env.Message)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: msg, kind: classify(resp.StatusCode, env.Code)}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// Ping checks the health endpoint; it is the connectivity prober's signal.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil, nil)
}

// ResolveSession asks the server for the chat bound to applicationID.
func (c *Client) ResolveSession(ctx context.Context, applicationID string) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost, "/chat/sessions/resolve",
		map[string]string{"application_id": applicationID}, nil, &out)
	if err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("%w: empty session id", common.ErrSessionNotFound)
	}
	return out.SessionID, nil
}

type sendMessageReq struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sent_at"`
}

// SubmitMessage posts one message. clientID travels as the Idempotency-Key so
// a retried submission never stores the message twice.
func (c *Client) SubmitMessage(ctx context.Context, sessionID, clientID, body string, sentAt time.Time) (uint64, error) {
	var out struct {
		MessageID uint64 `json:"message_id"`
	}
	h := http.Header{}
	if clientID != "" {
		h.Set("Idempotency-Key", clientID)
	}
	err := c.do(ctx, http.MethodPost, "/chat/messages",
		sendMessageReq{SessionID: sessionID, Message: body, SentAt: sentAt}, h, &out)
	if err != nil {
		return 0, err
	}
	return out.MessageID, nil
}

// CaptureIntent stores a pending intent server-side for this device.
func (c *Client) CaptureIntent(ctx context.Context, in intent.Intent) error {
	return c.do(ctx, http.MethodPost, "/intents", in, nil, nil)
}

// ConsumeIntent resolves this device's pending intent for the signed-in user.
// An empty session id with a nil error means nothing was pending. A pending
// intent that could not be resolved is dropped server-side and reported as
// ErrSessionResolutionFailed carrying the user-facing notice.
func (c *Client) ConsumeIntent(ctx context.Context) (string, error) {
	var out struct {
		Navigate  bool   `json:"navigate"`
		SessionID string `json:"session_id"`
		Notice    string `json:"notice"`
	}
	if err := c.do(ctx, http.MethodPost, "/intents/consume", nil, nil, &out); err != nil {
		return "", err
	}
	if !out.Navigate {
		if out.Notice != "" {
			return "", fmt.Errorf("%w: %s", common.ErrSessionResolutionFailed, out.Notice)
		}
		return "", nil
	}
	return out.SessionID, nil
}
