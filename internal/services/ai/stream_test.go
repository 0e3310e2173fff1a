package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/breathai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n\n", content)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&config.BackendConfig{URL: srv.URL, APIKey: "key", Model: "m1"}, testLogger())
}

func collect(t *testing.T, s *Stream) (string, int, bool) {
	t.Helper()
	var sb strings.Builder
	malformed := 0
	for {
		frame, err := s.Next()
		if errors.Is(err, io.EOF) {
			return sb.String(), malformed, false
		}
		if errors.Is(err, ErrMalformedFrame) {
			malformed++
			continue
		}
		require.NoError(t, err)
		if frame.Done {
			return sb.String(), malformed, true
		}
		sb.WriteString(frame.Content)
	}
}

func TestClient_StreamRequest(t *testing.T) {
	requests := make(chan chatRequest, 1)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var got chatRequest
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		requests <- got

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseChunk("ok"))
		io.WriteString(w, "data: [DONE]\n\n")
	})

	stream, err := client.Stream(context.Background(), []models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	defer stream.Close()

	content, _, done := collect(t, stream)
	assert.Equal(t, "ok", content)
	assert.True(t, done)

	got := <-requests
	assert.Equal(t, "m1", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, models.RoleSystem, got.Messages[0].Role)
}

func TestClient_StreamAggregatesFragments(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		for _, c := range []string{"H", "e", "l", "l", "o"} {
			io.WriteString(w, sseChunk(c))
		}
		io.WriteString(w, "data: [DONE]\n\n")
		io.WriteString(w, sseChunk("ignored"))
	})

	stream, err := client.Stream(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	content, malformed, done := collect(t, stream)
	assert.Equal(t, "Hello", content)
	assert.Zero(t, malformed)
	assert.True(t, done)
}

func TestClient_StreamSkipsMalformedFrames(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseChunk("H"))
		io.WriteString(w, "data: {not json\n\n")
		io.WriteString(w, ": keep-alive comment\n\n")
		io.WriteString(w, `data: {"choices":[]}`+"\n\n")
		io.WriteString(w, sseChunk("i"))
		io.WriteString(w, "data: [DONE]\n\n")
	})

	stream, err := client.Stream(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	content, malformed, done := collect(t, stream)
	assert.Equal(t, "Hi", content)
	assert.Equal(t, 1, malformed)
	assert.True(t, done)
}

func TestClient_StreamEndsWithoutSentinel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseChunk("partial"))
	})

	stream, err := client.Stream(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	content, _, done := collect(t, stream)
	assert.Equal(t, "partial", content)
	assert.False(t, done)
}

func TestClient_StreamStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "overloaded")
	})

	stream, err := client.Stream(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, stream)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "overloaded", statusErr.Body)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_StreamTransportError(t *testing.T) {
	client := NewClient(&config.BackendConfig{URL: "http://127.0.0.1:1", Model: "m"}, testLogger())

	_, err := client.Stream(context.Background(), nil)
	require.Error(t, err)

	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr))
}

func TestDecodeFrame(t *testing.T) {
	frame, err := decodeFrame(`{"choices":[{"delta":{"role":"assistant"}}]}`)
	require.NoError(t, err)
	assert.Equal(t, "", frame.Content)

	_, err = decodeFrame(`[`)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
