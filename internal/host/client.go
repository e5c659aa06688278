package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the host session API over HTTP. All calls are
// best-effort from the engines' point of view; callers decide how to
// degrade on error.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// TaskItems fetches the session's task list.
func (c *Client) TaskItems(ctx context.Context, sessionID string) ([]TaskItem, error) {
	var items []TaskItem
	err := c.getJSON(ctx, "/sessions/"+url.PathEscape(sessionID)+"/tasks", &items)
	if err != nil {
		return nil, fmt.Errorf("fetch task items: %w", err)
	}
	return items, nil
}

// Transcript fetches the session transcript as plain text.
func (c *Client) Transcript(ctx context.Context, sessionID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/transcript", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch transcript: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch transcript: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(data), nil
}

// SendInstruction pushes an instruction into the session.
func (c *Client) SendInstruction(ctx context.Context, sessionID, text string, opts SendOptions) error {
	body := map[string]any{"text": text}
	if opts.Agent != "" {
		body["agent"] = opts.Agent
	}
	if opts.Model != "" {
		body["model"] = opts.Model
	}
	return c.postJSON(ctx, "/sessions/"+url.PathEscape(sessionID)+"/instruction", body)
}

// Notify shows a transient notice inside the session.
func (c *Client) Notify(ctx context.Context, sessionID, text string) error {
	return c.postJSON(ctx, "/sessions/"+url.PathEscape(sessionID)+"/notice", map[string]any{"text": text})
}

// ShowCountdown shows a titled notice with a display duration, used by
// the countdown ticker.
func (c *Client) ShowCountdown(ctx context.Context, title, text, severity string, duration time.Duration) error {
	return c.postJSON(ctx, "/notices", map[string]any{
		"title":       title,
		"text":        text,
		"severity":    normalizeSeverity(severity),
		"duration_ms": duration.Milliseconds(),
	})
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
