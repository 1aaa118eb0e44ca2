package analysis

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
)

// Errors returned by the analysis layer. Handlers use these to distinguish a
// misbehaving backend from a backend that answered with garbage.
var (
	ErrNotConfigured = errors.New("analysis backend not configured")
	ErrBackend       = errors.New("analysis backend error")
	ErrMalformed     = errors.New("analysis response malformed")
)

// Client generates text from a prompt. The far side enforces no schema;
// callers must defensively parse whatever comes back.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// HTTPClient talks to an OpenAI-compatible chat-completions endpoint.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	Model   string
	hc      *http.Client
}

// NewHTTPClient constructs a client for the given endpoint.
func NewHTTPClient(baseURL, apiKey, model string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		hc:      &http.Client{Timeout: 120 * time.Second},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Generate sends the prompt as a single user message and returns the first
// choice's content.
func (c *HTTPClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.BaseURL == "" {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(chatRequest{
		Model:    c.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: status %d: %v", ErrBackend, resp.StatusCode, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("%w: %s (%s)", ErrBackend, out.Error.Message, out.Error.Type)
	}
	if resp.StatusCode != http.StatusOK || len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: status %d with no choices", ErrBackend, resp.StatusCode)
	}
	return out.Choices[0].Message.Content, nil
}
