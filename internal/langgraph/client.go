// Package langgraph is a client for the thread and run endpoints of a
// LangGraph-compatible chat backend.
package langgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/threadgate/internal/signing"
)

const (
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	apiKeyHeader   = "x-api-key"
)

// Client communicates with a LangGraph API server, directly or through the
// threadgate proxy.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	signer     *signing.Signer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Run streams are read from
// this client too, so its Timeout must leave room for long runs.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSigner signs every request with HMAC authorization headers. An empty
// Host signs the host of the client's base URL.
func WithSigner(s *signing.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// NewClient creates a client for baseURL. apiKey may be empty when the
// backend (or the proxy in front of it) injects its own.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		// No client timeout: run streams are bounded by the caller's context.
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.signer.Enabled() {
		s := *c.signer
		if s.Host == "" {
			if u, err := url.Parse(c.baseURL); err == nil {
				s.Host = u.Host
			}
		}
		c.signer = &s
	}
	return c
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// StatusCode exposes the HTTP status for callers matching via errors.As.
func (e *StatusError) StatusCode() int { return e.Code }

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// CreateThread creates an empty thread. metadata may be nil.
func (c *Client) CreateThread(ctx context.Context, metadata map[string]any) (Thread, error) {
	body := map[string]any{}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var t Thread
	if err := c.doJSON(ctx, http.MethodPost, "/threads", body, &t); err != nil {
		return Thread{}, fmt.Errorf("creating thread: %w", err)
	}
	if t.ThreadID == "" {
		return Thread{}, errors.New("creating thread: response has no thread_id")
	}
	return t, nil
}

// GetThreadState returns the latest checkpointed state of a thread.
func (c *Client) GetThreadState(ctx context.Context, threadID string) (ThreadState, error) {
	var st ThreadState
	if err := c.doJSON(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/state", nil, &st); err != nil {
		return ThreadState{}, fmt.Errorf("getting state of thread %s: %w", threadID, err)
	}
	return st, nil
}

// SearchThreads lists threads known to the backend.
func (c *Client) SearchThreads(ctx context.Context, req SearchRequest) ([]Thread, error) {
	var threads []Thread
	if err := c.doJSON(ctx, http.MethodPost, "/threads/search", req, &threads); err != nil {
		return nil, fmt.Errorf("searching threads: %w", err)
	}
	if threads == nil {
		return []Thread{}, nil
	}
	return threads, nil
}

// DeleteThread deletes a thread and its history.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/threads/"+url.PathEscape(threadID), nil, nil); err != nil {
		return fmt.Errorf("deleting thread %s: %w", threadID, err)
	}
	return nil
}

// StreamRun starts a run on threadID and returns its event stream.
func (c *Client) StreamRun(ctx context.Context, threadID, assistantID string, req RunRequest) (*Stream, error) {
	body, err := req.body(assistantID)
	if err != nil {
		return nil, fmt.Errorf("encoding run request: %w", err)
	}
	resp, err := c.send(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs/stream", body, "text/event-stream")
	if err != nil {
		return nil, fmt.Errorf("streaming run on thread %s: %w", threadID, err)
	}
	return NewStream(resp.Body), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// send issues the request, retrying with exponential backoff on HTTP 429.
// On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, method, path string, body any, accept string) (*http.Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		payload = b
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.sendOnce(ctx, method, path, payload, accept)
		if err == nil {
			return resp, nil
		}

		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) sendOnce(ctx context.Context, method, path string, payload []byte, accept string) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, payload != nil, accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool, accept string) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	c.signer.Apply(req.Header)
}
