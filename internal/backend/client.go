// Package backend talks to the negotiation service's HTTP endpoints: login,
// program analysis and report generation.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/negotiation-live/internal/domain"
)

var (
	// ErrUnauthorized is returned for any 401 response. The caller should
	// re-authenticate and retry.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoBaseURL is returned when the client has no endpoint.
	ErrNoBaseURL = errors.New("backend url is required")
)

const (
	defaultTimeout   = 90 * time.Second
	maxErrorBodySize = 4 << 10
	maxReportSize    = 32 << 20
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client is a small JSON client for the negotiation service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-2xx response other than 401.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
}

// LoginResult is a freshly issued auth token.
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// TTL returns the token lifetime.
func (r LoginResult) TTL() time.Duration {
	return time.Duration(r.ExpiresIn) * time.Second
}

// Login exchanges the shared password for an auth token.
func (c *Client) Login(ctx context.Context, password string) (LoginResult, error) {
	var out LoginResult
	if err := c.postJSON(ctx, "/auth/login", map[string]string{"password": password}, &out); err != nil {
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}
	if out.Token == "" {
		return LoginResult{}, errors.New("login: empty token")
	}
	return out, nil
}

// AnalyzeRequest asks the service to analyse a program page.
type AnalyzeRequest struct {
	URL         string `json:"url"`
	AuthToken   string `json:"auth_token"`
	ArchetypeID string `json:"archetype_id,omitempty"`
}

// AnalyzeResult identifies the new session and the generated scenario.
type AnalyzeResult struct {
	SessionID string          `json:"session_id"`
	Program   json.RawMessage `json:"program"`
	Persona   json.RawMessage `json:"persona"`
	Source    string          `json:"source"`
}

// Analyze runs program analysis and returns the session to negotiate in.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	var out AnalyzeResult
	if err := c.postJSON(ctx, "/analyze-url", req, &out); err != nil {
		return AnalyzeResult{}, fmt.Errorf("analyze: %w", err)
	}
	if out.SessionID == "" {
		return AnalyzeResult{}, errors.New("analyze: response missing session_id")
	}
	return out, nil
}

// ReportRequest is the transcript and verdict to render.
type ReportRequest struct {
	SessionID  string           `json:"session_id"`
	AuthToken  string           `json:"auth_token"`
	Transcript []domain.Message `json:"transcript"`
	Analysis   json.RawMessage  `json:"analysis"`
}

// Report is a rendered document.
type Report struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Report renders the run report.
func (c *Client) Report(ctx context.Context, req ReportRequest) (Report, error) {
	if len(req.Analysis) == 0 {
		req.Analysis = json.RawMessage("{}")
	}
	resp, err := c.post(ctx, "/generate-report", req)
	if err != nil {
		return Report{}, fmt.Errorf("report: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReportSize))
	if err != nil {
		return Report{}, fmt.Errorf("report: read body: %w", err)
	}
	rep := Report{
		Filename:    "negotiation-report.pdf",
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		rep.Filename = params["filename"]
	}
	if rep.ContentType == "" {
		rep.ContentType = "application/pdf"
	}
	return rep, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	resp, err := c.post(ctx, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// post sends in as JSON and returns a 2xx response. Error statuses are
// converted to ErrUnauthorized or *StatusError and the body is closed.
func (c *Client) post(ctx context.Context, path string, in any) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, ErrNoBaseURL
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	return nil, &StatusError{Status: resp.StatusCode, Detail: readDetail(resp.Body)}
}

// readDetail extracts FastAPI-style {"detail": "..."} bodies, falling back to
// the raw text.
func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return ""
	}
	var body struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Detail != nil {
		if s, ok := body.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(body.Detail); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(string(raw))
}
