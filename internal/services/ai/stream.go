package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/breathai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
	maxFrameSize = 1 << 20
)

// ErrMalformedFrame marks a stream frame whose payload is not valid JSON.
// The stream stays usable after it.
var ErrMalformedFrame = errors.New("malformed stream frame")

// StatusError is returned when the backend rejects the request outright.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("AI request failed with status %d: %s", e.StatusCode, e.Body)
}

// Service starts streaming chat completions
type Service interface {
	Stream(ctx context.Context, messages []models.Message) (*Stream, error)
	Model() string
}

// Frame is one decoded unit of a streaming response.
type Frame struct {
	Content string
	Done    bool
}

// Client talks to an OpenAI-compatible chat completion endpoint
type Client struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a new streaming client
func NewClient(cfg *config.BackendConfig, logger *logrus.Logger) *Client {
	logger.WithFields(logrus.Fields{
		"url":   cfg.URL,
		"model": cfg.Model,
	}).Info("AI service initialized")

	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		// No client timeout: a stream may legitimately run for minutes.
		// Callers bound it with the request context.
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Model returns the configured model id
func (c *Client) Model() string {
	return c.model
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

// Stream sends the request and returns a reader over its frames. A non-200
// answer is reported as *StatusError before any frame is read.
func (c *Client) Stream(ctx context.Context, messages []models.Message) (*Stream, error) {
	jsonData, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	c.logger.WithFields(logrus.Fields{
		"model":    c.model,
		"messages": len(messages),
	}).Debug("Sending AI request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return NewStream(resp.Body), nil
}

// Stream reads server-sent-event frames from a completion response
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewStream reads frames from an SSE body
func NewStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Stream{body: body, scanner: scanner}
}

// Next returns the next frame. It returns io.EOF when the body ends without
// a [DONE] sentinel and an error wrapping ErrMalformedFrame for a payload
// that does not decode; the caller may keep reading after the latter.
func (s *Stream) Next() (Frame, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if data == doneSentinel {
			return Frame{Done: true}, nil
		}

		return decodeFrame(data)
	}

	if err := s.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("failed to read stream: %w", err)
	}
	return Frame{}, io.EOF
}

// Close releases the response body
func (s *Stream) Close() error {
	return s.body.Close()
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func decodeFrame(data string) (Frame, error) {
	var c chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(c.Choices) == 0 {
		return Frame{}, nil
	}
	return Frame{Content: c.Choices[0].Delta.Content}, nil
}
