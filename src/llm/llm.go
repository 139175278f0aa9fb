// Package llm is a client for OpenAI-compatible chat-completions endpoints.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config selects the endpoint, credentials and model for a Client.
type Config struct {
	APIKey    string
	Model     string
	Endpoint  string
	Providers []string
	// Timeout bounds one HTTP round trip (default 45s).
	Timeout time.Duration
	// MaxAttempts is the number of tries per call (default 1).
	MaxAttempts int
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	cfg          Config
	httpc        *http.Client
	initialDelay time.Duration
}

// Chat-completions API structures
type Message struct {
	Role string `json:"role"`
	// Content is a plain string for text prompts or []Content for vision prompts.
	Content any `json:"content"`
}

type Content struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ProviderPreferences struct {
	Order          []string `json:"order,omitempty"`
	Quantizations  []string `json:"quantizations,omitempty"`
	AllowFallbacks *bool    `json:"allow_fallbacks,omitempty"`
}

type ChatRequest struct {
	Model       string               `json:"model"`
	Messages    []Message            `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Provider    *ProviderPreferences `json:"provider,omitempty"`
}

type ChatResponse struct {
	Choices []Choice  `json:"choices"`
	Error   *APIError `json:"error,omitempty"`
}

type Choice struct {
	Message ResponseMessage `json:"message"`
}

type ResponseMessage struct {
	Content string `json:"content"`
}

type APIError struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code"` // Can be string or number
}

// ErrNoText is returned by QueryVision when the model found nothing to read.
var ErrNoText = errors.New("no text detected in image")

const (
	defaultTimeout = 45 * time.Second
	initialDelay   = 1 * time.Second
	maxErrorBody   = 512

	visionPrompt = "Perform OCR on this image. Return ONLY the raw extracted text with:\n" +
		"- No formatting\n" +
		"- No XML/HTML tags\n" +
		"- No markdown\n" +
		"- No explanations\n" +
		"- Preserve line breaks accurately from the visual layout.\n" +
		"If no text found, return 'NO_TEXT_FOUND'"
)

// New builds a client. Zero Timeout and MaxAttempts take their defaults.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Client{
		cfg:          cfg,
		httpc:        &http.Client{Timeout: timeout},
		initialDelay: initialDelay,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Complete sends a single user message and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	request := ChatRequest{
		Model:    c.cfg.Model,
		Messages: []Message{{Role: "user", Content: prompt}},
		Provider: c.providerPreferences(),
	}
	return c.do(ctx, request)
}

// Ping verifies credentials and connectivity with a minimal completion.
func (c *Client) Ping(ctx context.Context) error {
	request := ChatRequest{
		Model:     c.cfg.Model,
		Messages:  []Message{{Role: "user", Content: "Reply with OK."}},
		MaxTokens: 4,
		Provider:  c.providerPreferences(),
	}
	_, err := c.do(ctx, request)
	return err
}

// QueryVision sends a PNG to a vision model for OCR.
func (c *Client) QueryVision(ctx context.Context, imageData []byte) (string, error) {
	base64Image := base64.StdEncoding.EncodeToString(imageData)
	imageURL := fmt.Sprintf("data:image/png;base64,%s", base64Image)

	temperature := 0.1
	request := ChatRequest{
		Model: c.cfg.Model,
		Messages: []Message{
			{
				Role: "user",
				Content: []Content{
					{Type: "text", Text: visionPrompt},
					{Type: "image_url", ImageURL: &ImageURL{URL: imageURL}},
				},
			},
		},
		Temperature: &temperature,
		MaxTokens:   2000,
		Provider:    c.providerPreferences(),
	}

	text, err := c.do(ctx, request)
	if err != nil {
		return "", err
	}
	text = cleanExtractedText(text)
	if strings.TrimSpace(text) == "" || strings.TrimSpace(text) == "NO_TEXT_FOUND" {
		return "", ErrNoText
	}
	return text, nil
}

func (c *Client) validate() error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.cfg.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	return nil
}

// do runs the request with linear backoff between attempts.
func (c *Client) do(ctx context.Context, request ChatRequest) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.initialDelay) * (1.5 * float64(attempt)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := c.makeAPIRequest(ctx, request)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", lastErr
			}
			continue
		}

		if len(response.Choices) == 0 {
			lastErr = fmt.Errorf("no choices in API response")
			continue
		}
		return response.Choices[0].Message.Content, nil
	}

	if c.cfg.MaxAttempts == 1 {
		return "", lastErr
	}
	return "", fmt.Errorf("failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) makeAPIRequest(ctx context.Context, request ChatRequest) (*ChatResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("X-Title", "quiz-autotap")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failed ChatResponse
		if json.Unmarshal(body, &failed) == nil && failed.Error != nil {
			return nil, fmt.Errorf("API returned status %d: %s (type: %s, code: %v)",
				resp.StatusCode, failed.Error.Message, failed.Error.Type, failed.Error.Code)
		}
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(body)), maxErrorBody))
	}

	var response ChatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("API error: %s (type: %s, code: %v)", response.Error.Message, response.Error.Type, response.Error.Code)
	}
	return &response, nil
}

func (c *Client) providerPreferences() *ProviderPreferences {
	if len(c.cfg.Providers) == 0 {
		return nil
	}
	allowFallbacks := false
	return &ProviderPreferences{
		Order:          c.cfg.Providers,
		AllowFallbacks: &allowFallbacks,
	}
}

func cleanExtractedText(text string) string {
	if text == "</image>" {
		return ""
	}
	return strings.TrimSuffix(text, "</image>")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
