// Package client talks to a running saaya server over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"saaya/server"
)

const maxLineSize = 1 << 20

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is an HTTP client for the session API.
type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for base, e.g. "http://127.0.0.1:42070". A nil
// httpClient uses http.DefaultClient.
func New(base string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: base url %q needs scheme and host", base)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: u, http: httpClient}, nil
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	var e server.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		e.Error = string(bytes.TrimSpace(body))
	}
	return StatusError{StatusCode: resp.StatusCode, Message: e.Error}
}

func (c *Client) newRequest(ctx context.Context, method, path string, reqData any) (*http.Request, error) {
	var body io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	req, err := c.newRequest(ctx, method, path, reqData)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := checkError(resp, body); err != nil {
		return err
	}
	if len(body) > 0 && respData != nil {
		return json.Unmarshal(body, respData)
	}
	return nil
}

func sessionPath(h int64, rest ...string) string {
	p, _ := url.JoinPath("/api/sessions", append([]string{strconv.FormatInt(h, 10)}, rest...)...)
	return p
}

// Health reports server status.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// WaitReady polls /health with exponential backoff until the server answers
// or timeout elapses.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	b := retry.WithMaxDuration(timeout, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if _, err := c.Health(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Load opens a model in a new session and returns its handle.
func (c *Client) Load(ctx context.Context, req server.LoadRequest) (int64, error) {
	var out server.LoadResponse
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &out); err != nil {
		return 0, err
	}
	return out.Handle, nil
}

// Reload replaces the model behind h.
func (c *Client) Reload(ctx context.Context, h int64, req server.LoadRequest) (server.SessionResponse, error) {
	var out server.SessionResponse
	err := c.do(ctx, http.MethodPut, sessionPath(h), req, &out)
	return out, err
}

// List describes every session.
func (c *Client) List(ctx context.Context) ([]server.SessionResponse, error) {
	var out server.ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Info describes the session behind h.
func (c *Client) Info(ctx context.Context, h int64) (server.SessionResponse, error) {
	var out server.SessionResponse
	err := c.do(ctx, http.MethodGet, sessionPath(h), nil, &out)
	return out, err
}

// Unload releases the session behind h.
func (c *Client) Unload(ctx context.Context, h int64) error {
	return c.do(ctx, http.MethodDelete, sessionPath(h), nil, nil)
}

// Generate runs a non-streaming completion.
func (c *Client) Generate(ctx context.Context, h int64, req server.GenerateRequest) (server.GenerateResponse, error) {
	req.Stream = false
	var out server.GenerateResponse
	err := c.do(ctx, http.MethodPost, sessionPath(h, "generate"), req, &out)
	return out, err
}

// StreamFunc receives each streamed record. Returning an error stops the
// stream and is returned from Stream.
type StreamFunc func(server.GenerateResponse) error

// Stream runs a streaming completion, calling fn for every fragment and for
// the final record.
func (c *Client) Stream(ctx context.Context, h int64, req server.GenerateRequest, fn StreamFunc) error {
	req.Stream = true
	hreq, err := c.newRequest(ctx, http.MethodPost, sessionPath(h, "generate"), req)
	if err != nil {
		return err
	}
	hreq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return checkError(resp, body)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		var rec server.GenerateResponse
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("client: decode stream record: %w", err)
		}
		if rec.Error != "" {
			return errors.New(rec.Error)
		}
		if err := fn(rec); err != nil {
			return err
		}
		if rec.Done {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
