package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"portfolio-relay/internal/llm"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, req upstreamRequest)) llm.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req upstreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode upstream request: %v", err)
		}
		handler(w, req)
	}))
	t.Cleanup(server.Close)

	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: server.URL,
		Token:   "token",
		Model:   "llama-test",
	})
	require.NoError(t, err)
	return client
}

func writeEvents(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, line := range lines {
		_, _ = w.Write([]byte(line))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestRelayStreamsHello(t *testing.T) {
	seenCh := make(chan upstreamRequest, 1)
	client := newUpstream(t, func(w http.ResponseWriter, req upstreamRequest) {
		seenCh <- req
		writeEvents(w,
			`data: {"choices":[{"delta":{"content":"He"}}]}`+"\n\n",
			`data: {"choices":[{"delta":{"content":"llo"}}]}`+"\n\n",
			`data: {"choices":[{"delta":{"content":"!"}}]}`+"\n\n",
			"data: [DONE]\n\n",
		)
	})
	r := New(Options{Client: client, Instruction: "persona", Logger: zerolog.Nop()})

	stream, err := r.Open(context.Background(), []llm.Message{{Role: "user", Content: "Hi"}})
	require.NoError(t, err)

	var out bytes.Buffer
	flushes := 0
	n, err := r.Pipe(stream, &out, func() { flushes++ })
	require.NoError(t, err)

	assert.Equal(t, "Hello!", out.String())
	assert.Equal(t, 6, n)
	assert.Equal(t, 3, flushes)

	seen := <-seenCh
	assert.True(t, seen.Stream)
	assert.Equal(t, "llama-test", seen.Model)
	assert.Equal(t, Temperature, seen.Temperature)
	assert.Equal(t, MaxTokens, seen.MaxTokens)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, llm.Message{Role: "system", Content: "persona"}, seen.Messages[0])
	assert.Equal(t, llm.Message{Role: "user", Content: "Hi"}, seen.Messages[1])
}

func TestRelayOpenMisconfigured(t *testing.T) {
	r := New(Options{Instruction: "persona", Logger: zerolog.Nop()})

	_, err := r.Open(context.Background(), []llm.Message{{Role: "user", Content: "Hi"}})
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestRelayOpenEmptyHistory(t *testing.T) {
	r := New(Options{Logger: zerolog.Nop()})

	_, err := r.Open(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRelayOpenUpstreamFailure(t *testing.T) {
	client := newUpstream(t, func(w http.ResponseWriter, req upstreamRequest) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit reached"}}`))
	})
	r := New(Options{Client: client, Instruction: "persona", Logger: zerolog.Nop()})

	_, err := r.Open(context.Background(), []llm.Message{{Role: "user", Content: "Hi"}})
	require.ErrorIs(t, err, ErrUpstream)

	var upstreamErr *llm.UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusTooManyRequests, upstreamErr.StatusCode)
}

func TestRelayPipeAbortsOnProviderError(t *testing.T) {
	client := newUpstream(t, func(w http.ResponseWriter, req upstreamRequest) {
		writeEvents(w,
			`data: {"choices":[{"delta":{"content":"par"}}]}`+"\n",
			`data: {"error":{"message":"model overloaded"}}`+"\n",
			`data: {"choices":[{"delta":{"content":"never"}}]}`+"\n",
		)
	})
	r := New(Options{Client: client, Instruction: "persona", Logger: zerolog.Nop()})

	stream, err := r.Open(context.Background(), []llm.Message{{Role: "user", Content: "Hi"}})
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = r.Pipe(stream, &out, nil)
	assert.ErrorIs(t, err, ErrStreamAbort)
	assert.Equal(t, "par", out.String())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("client went away")
}

func TestRelayPipeAbortsOnWriteError(t *testing.T) {
	client := newUpstream(t, func(w http.ResponseWriter, req upstreamRequest) {
		writeEvents(w, `data: {"choices":[{"delta":{"content":"He"}}]}`+"\n", "data: [DONE]\n")
	})
	r := New(Options{Client: client, Instruction: "persona", Logger: zerolog.Nop()})

	stream, err := r.Open(context.Background(), []llm.Message{{Role: "user", Content: "Hi"}})
	require.NoError(t, err)

	_, err = r.Pipe(stream, failingWriter{}, nil)
	assert.ErrorIs(t, err, ErrStreamAbort)
	assert.NoError(t, stream.Close())
}
