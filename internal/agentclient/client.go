// Package agentclient talks to per-project agent-server processes over HTTP.
package agentclient

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

// Options configures a Client.
type Options struct {
	BaseURL   string
	Directory string
	Headers   map[string]string
	Timeout   time.Duration
}

// Client is a thin wrapper over one agent-server's HTTP API.
type Client struct {
	baseURL   string
	directory string
	headers   map[string]string
	http      *http.Client
}

// New creates a Client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		directory: opts.Directory,
		headers:   headers,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string   { return c.baseURL }
func (c *Client) Directory() string { return c.directory }

// Header returns a configured request header.
func (c *Client) Header(name string) string { return c.headers[name] }

// ListSessions returns every session on the server.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// CreateSession opens a new session with an optional title.
func (c *Client) CreateSession(ctx context.Context, title string) (Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, "/session", createSessionRequest{Title: title}, &out); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	if out.ID == "" {
		return Session{}, fmt.Errorf("create session: server returned no session id")
	}
	return out, nil
}

// PromptAsync sends text to a session without waiting for the reply.
// The reply arrives later on the server's event stream.
func (c *Client) PromptAsync(ctx context.Context, sessionID, text string) error {
	body := promptRequest{Parts: []TextPart{{Type: "text", Text: text}}}
	path := "/session/" + url.PathEscape(sessionID) + "/prompt_async"
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// Health checks that the server answers on path.
func (c *Client) Health(ctx context.Context, path string) error {
	if path == "" {
		path = "/"
	}
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

func (c *Client) endpoint(path string) string {
	u := c.baseURL + path
	if c.directory == "" {
		return u
	}
	return u + "?directory=" + url.QueryEscape(c.directory)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode, Method: method, Path: path, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
