// Package httprunner starts runs on the execution backend over HTTP.
package httprunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petrijr/weft/pkg/api"
)

// DefaultTimeout bounds a single StartRun request.
const DefaultTimeout = 30 * time.Second

// ErrNoRunID is returned when the backend accepts a run without naming it.
var ErrNoRunID = errors.New("runner response has no runId")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("runner responded %d", e.Code)
	}
	return fmt.Sprintf("runner responded %d: %s", e.Code, e.Body)
}

// Runner implements api.Runner by POSTing to <base>/runs.
type Runner struct {
	endpoint string
	client   *http.Client
	header   http.Header
}

var _ api.Runner = (*Runner)(nil)

// Option configures a Runner.
type Option func(*Runner)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) {
		if c != nil {
			r.client = c
		}
	}
}

// WithHeader adds a header to every request, e.g. an auth token issued by
// the surrounding application.
func WithHeader(key, value string) Option {
	return func(r *Runner) { r.header.Add(key, value) }
}

// New returns a Runner for baseURL.
func New(baseURL string, opts ...Option) (*Runner, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse runner URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported runner URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("runner URL %q has no host", baseURL)
	}

	r := &Runner{
		endpoint: strings.TrimRight(u.String(), "/") + "/runs",
		client:   &http.Client{Timeout: DefaultTimeout},
		header:   make(http.Header),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type startRequest struct {
	WorkflowID string `json:"workflowId"`
}

type startResponse struct {
	RunID string `json:"runId"`
}

// StartRun dispatches a run of workflowID and returns the run id issued by
// the backend.
func (r *Runner) StartRun(ctx context.Context, workflowID string) (string, error) {
	body, err := json.Marshal(startRequest{WorkflowID: workflowID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode runner response: %w", err)
	}
	if out.RunID == "" {
		return "", ErrNoRunID
	}
	return out.RunID, nil
}
