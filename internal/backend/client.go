// Package backend talks to the content service that actually writes,
// scores, and revises text. The engine only sees the small interfaces in
// internal/engine and internal/quality; this client implements them over
// HTTP and maps transport failures onto the engine's error taxonomy so the
// retry classifier can tell transient from fatal.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/draftsmith/draftsmith/pkg/schema"
)

// Client is an HTTP client for the content backend. It implements
// engine.Generator, quality.Scorer, quality.Fixer, and quality.Reviewer.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Generate produces content for a prompt.
func (c *Client) Generate(ctx context.Context, prompt string, options map[string]any) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	req := map[string]any{"prompt": prompt, "options": options}
	if err := c.post(ctx, "/generate", req, &resp); err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", schema.NewError(schema.ErrCodeInvalidResponse, "backend returned empty content")
	}
	return resp.Content, nil
}

// Score rates content on the backend's quality rubric.
func (c *Client) Score(ctx context.Context, content string) (*schema.QualityScore, error) {
	var score schema.QualityScore
	if err := c.post(ctx, "/score", map[string]any{"content": content}, &score); err != nil {
		return nil, err
	}
	if score.Grade == "" {
		score.Grade = schema.GradeFor(score.Overall)
	}
	return &score, nil
}

// Fix revises content to address the given issues.
func (c *Client) Fix(ctx context.Context, content string, issues []string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	req := map[string]any{"content": content, "issues": issues}
	if err := c.post(ctx, "/fix", req, &resp); err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", schema.NewError(schema.ErrCodeInvalidResponse, "backend returned empty revision")
	}
	return resp.Content, nil
}

// Review inspects content and reports findings.
func (c *Client) Review(ctx context.Context, content string) ([]schema.Finding, error) {
	var resp struct {
		Findings []schema.Finding `json:"findings"`
	}
	if err := c.post(ctx, "/review", map[string]any{"content": content}, &resp); err != nil {
		return nil, err
	}
	return resp.Findings, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encoding request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "building request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection errors surface here; the classifier
		// in the retry loop recognizes them by type and message.
		return schema.NewErrorf(schema.ErrCodeNetwork, "calling backend %s", path).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(path, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNetwork, "reading backend response from %s", path).WithCause(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidResponse, "decoding backend response from %s", path).WithCause(err)
	}
	return nil
}

// statusError maps HTTP status codes to error codes so retry treats 429 and
// 5xx as transient and auth failures as fatal.
func statusError(path string, resp *http.Response) error {
	code := schema.ErrCodeInvalidResponse
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = schema.ErrCodeRateLimit
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		code = schema.ErrCodeTimeout
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = schema.ErrCodeAuthFailure
	case resp.StatusCode >= 500:
		code = schema.ErrCodeNetwork
	}
	return schema.NewError(code, fmt.Sprintf("backend %s returned %s", path, resp.Status)).
		WithDetails(map[string]any{"status": resp.StatusCode})
}
