// Package reconcile is the caller side of the polling contract: it posts
// messages, renders them optimistically and converges on the server's
// message listing.
package reconcile

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

	"agentchat/internal/models"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Receipt mirrors the acceptance response.
type Receipt struct {
	MessageID string           `json:"message_id"`
	RunID     string           `json:"run_id"`
	Status    models.RunStatus `json:"status"`
}

// RunStatus is a run as reported by the server, with its delivery record.
type RunStatus struct {
	models.Run
	Delivery *models.DeliveryAttempt `json:"delivery,omitempty"`
}

// ListQuery narrows ListMessages. Filters that are set are combined.
type ListQuery struct {
	AfterID string
	Since   *time.Time
	Limit   int
}

// Client talks to the agentchat HTTP API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	return c.do(ctx, http.MethodPost, "/v1/auth/register", body, nil)
}

// Login authenticates and keeps the issued token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", body, &resp); err != nil {
		return "", err
	}
	c.token = resp.Token
	return resp.UserID, nil
}

func (c *Client) CreateConversation(ctx context.Context, title string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.do(ctx, http.MethodPost, "/v1/conversations", map[string]string{"title": title}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// PostMessage submits a user message. The server answers before the agent
// runs, so the receipt only names the stored message and its run.
func (c *Client) PostMessage(ctx context.Context, conversationID, text string, metadata any) (*Receipt, error) {
	body := map[string]any{"text": text}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var receipt Receipt
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ListMessages returns the authoritative listing in ascending order.
func (c *Client) ListMessages(ctx context.Context, conversationID string, q ListQuery) ([]models.Message, error) {
	params := url.Values{}
	if q.AfterID != "" {
		params.Set("after_id", q.AfterID)
	}
	if q.Since != nil {
		params.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (*RunStatus, error) {
	var run RunStatus
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetMedia downloads a stored artifact and reports its content type.
func (c *Client) GetMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	resp, err := c.send(ctx, http.MethodGet, "/v1/media/"+url.PathEscape(mediaID), nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return nil, &APIError{Status: resp.StatusCode, Message: msg}
}
