package llm

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
	"sync"
)

// MaxLineBytes bounds a single event line. A longer line fails the stream.
const MaxLineBytes = 1024 * 1024

const (
	eventPrefix = "data:"
	doneMarker  = "[DONE]"

	maxErrorBodyBytes = 4 * 1024
)

// streamEvent is what a provider decoder extracts from one event payload.
type streamEvent struct {
	Delta        string
	Model        string
	FinishReason string
}

// eventDecoder turns the payload of one "data:" line into an event.
// Returning an *EventError aborts the stream; any other error marks the
// line as malformed and it is skipped.
type eventDecoder func(data []byte) (streamEvent, error)

// EventError is an error reported by the provider inside the event stream.
type EventError struct {
	Provider string
	Message  string
}

func (e *EventError) Error() string {
	return fmt.Sprintf("%s stream error: %s", e.Provider, e.Message)
}

// UpstreamError reports a failed upstream call: either the request never
// completed (StatusCode 0) or the provider answered with a non-2xx status.
// Body holds a truncated copy of the provider's error body for logging.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("%s request: %v", e.Provider, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s request failed: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	default:
		return fmt.Sprintf("%s request failed with status %d", e.Provider, e.StatusCode)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Stream yields text fragments decoded from a provider's event stream in
// arrival order. Lines are reassembled across reads; an unterminated line
// left over when the body ends is dropped.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	decode  eventDecoder

	model        string
	finishReason string
	skipped      int

	done      bool
	err       error
	closeOnce sync.Once
	closeErr  error
}

func newStream(body io.ReadCloser, decode eventDecoder) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	scanner.Split(scanEventLines)
	return &Stream{
		body:    body,
		scanner: scanner,
		decode:  decode,
	}
}

// Recv returns the next non-empty fragment. It returns io.EOF once the
// provider sent its done marker or the body ended cleanly, and any other
// error when reading failed or the provider reported an error event.
func (s *Stream) Recv() (string, error) {
	if s.done {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, eventPrefix) {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, eventPrefix))
		if data == doneMarker {
			s.finish(nil)
			return "", io.EOF
		}
		event, err := s.decode([]byte(data))
		if err != nil {
			var eventErr *EventError
			if errors.As(err, &eventErr) {
				s.finish(err)
				return "", err
			}
			s.skipped++
			continue
		}
		if event.Model != "" {
			s.model = event.Model
		}
		if event.FinishReason != "" {
			s.finishReason = event.FinishReason
		}
		if event.Delta == "" {
			continue
		}
		return event.Delta, nil
	}
	if err := s.scanner.Err(); err != nil {
		err = fmt.Errorf("read stream: %w", err)
		s.finish(err)
		return "", err
	}
	s.finish(nil)
	return "", io.EOF
}

// Model is the model name reported by the provider so far.
func (s *Stream) Model() string {
	return s.model
}

func (s *Stream) FinishReason() string {
	return s.finishReason
}

// Skipped counts event lines that could not be decoded.
func (s *Stream) Skipped() int {
	return s.skipped
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func (s *Stream) finish(err error) {
	s.done = true
	s.err = err
	_ = s.Close()
}

// scanEventLines splits on '\n' and, unlike bufio.ScanLines, discards a
// trailing line that was never terminated.
func scanEventLines(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// collect drains stream into a ChatResponse, passing every fragment to
// handle.
func collect(stream *Stream, handle StreamHandler) (ChatResponse, error) {
	defer stream.Close()
	var content strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ChatResponse{}, err
		}
		content.WriteString(delta)
		if handle != nil {
			if err := handle(delta); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	return ChatResponse{
		Content:      content.String(),
		Model:        stream.Model(),
		FinishReason: stream.FinishReason(),
	}, nil
}

type streamRequest struct {
	provider string
	endpoint string
	headers  map[string]string
	payload  any
	decode   eventDecoder
}

func openEventStream(ctx context.Context, client *http.Client, req streamRequest) (*Stream, error) {
	requestBody, err := json.Marshal(req.payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Provider: req.provider, Err: redactKey(err)}
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		defer httpResp.Body.Close()
		return nil, readUpstreamError(req.provider, httpResp.Body, httpResp.StatusCode)
	}
	return newStream(httpResp.Body, req.decode), nil
}

// readUpstreamError builds an UpstreamError from an error response. All
// supported providers nest the human readable text under error.message.
func readUpstreamError(provider string, body io.Reader, status int) error {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	var resp struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	upstreamErr := &UpstreamError{
		Provider:   provider,
		StatusCode: status,
		Body:       string(data),
	}
	if err := json.Unmarshal(data, &resp); err == nil && resp.Error != nil {
		upstreamErr.Message = resp.Error.Message
	}
	return upstreamErr
}
