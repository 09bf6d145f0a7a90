// Package llm implements the :rabbit-eyes client: a small HTTP client
// against either the Gemini API or a configured utility-LLM endpoint,
// wrapped in retry-go's exponential backoff exactly as SPEC_FULL.md's
// DOMAIN STACK prescribes (5s -> 10s -> 20s ..., capped at 10 attempts,
// retried only on 502/503; anything else fails fast).
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/rabbitize/engine/internal/sessionerr"
)

// Client calls a vision-capable LLM with a prompt and a screenshot,
// implementing command.LLMClient.
type Client struct {
	httpClient *http.Client
	endpoint   string
	authHeader string
	geminiKey  string
}

// New builds a Client. When geminiKey is set it talks to the Gemini
// generateContent endpoint; otherwise it posts to endpoint with authHeader
// sent verbatim as the Authorization header value, matching a self-hosted
// utility-LLM deployment.
func New(endpoint, authHeader, geminiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   endpoint,
		authHeader: authHeader,
		geminiKey:  geminiKey,
	}
}

const geminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent"

// Ask sends prompt and an optional PNG/JPEG screenshot, retrying on 502/503
// with a 5s/10s/20s.../10-attempt backoff, and returns the model's text
// response.
func (c *Client) Ask(ctx context.Context, prompt string, screenshot []byte) (string, error) {
	if c.geminiKey == "" && c.endpoint == "" {
		return "", fmt.Errorf("%w: no llm endpoint configured", sessionerr.ErrLlmAPIFailed)
	}

	var result string
	err := retry.Do(
		func() error {
			out, err := c.doRequest(ctx, prompt, screenshot)
			if err != nil {
				return err
			}
			result = out
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isRetryableStatus),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", sessionerr.ErrLlmAPIFailed, err)
	}
	return result, nil
}

// statusError carries the HTTP status so RetryIf can inspect it without
// string-matching the error text.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("llm endpoint returned %d: %s", e.status, e.body)
}

func isRetryableStatus(err error) bool {
	se, ok := err.(*statusError)
	if !ok {
		return false
	}
	return se.status == http.StatusBadGateway || se.status == http.StatusServiceUnavailable
}

func (c *Client) doRequest(ctx context.Context, prompt string, screenshot []byte) (string, error) {
	if c.geminiKey != "" {
		return c.askGemini(ctx, prompt, screenshot)
	}
	return c.askUtility(ctx, prompt, screenshot)
}

func (c *Client) askGemini(ctx context.Context, prompt string, screenshot []byte) (string, error) {
	parts := []map[string]any{{"text": prompt}}
	if len(screenshot) > 0 {
		parts = append(parts, map[string]any{
			"inline_data": map[string]any{
				"mime_type": "image/jpeg",
				"data":      base64.StdEncoding.EncodeToString(screenshot),
			},
		})
	}
	payload := map[string]any{
		"contents": []map[string]any{{"parts": parts}},
	}
	body, _ := json.Marshal(payload)

	url := geminiEndpoint + "?key=" + c.geminiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

func (c *Client) askUtility(ctx context.Context, prompt string, screenshot []byte) (string, error) {
	payload := map[string]any{"prompt": prompt}
	if len(screenshot) > 0 {
		payload["screenshot"] = base64.StdEncoding.EncodeToString(screenshot)
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return string(respBody), nil
	}
	return parsed.Response, nil
}
