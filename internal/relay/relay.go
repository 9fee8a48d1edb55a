// Package relay forwards a visitor's chat history to the upstream language
// model and copies the streamed reply to the caller.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"portfolio-relay/internal/llm"

	"github.com/rs/zerolog"
)

type Options struct {
	// Client is nil when no upstream credential is configured.
	Client      llm.Client
	Instruction string
	Logger      zerolog.Logger
}

type Relay struct {
	client      llm.Client
	instruction string
	logger      zerolog.Logger
}

func New(opts Options) *Relay {
	return &Relay{
		client:      opts.Client,
		instruction: opts.Instruction,
		logger:      opts.Logger,
	}
}

// Open checks history, builds the outbound request and starts the upstream
// stream. Nothing has been written to the caller when Open fails.
func (r *Relay) Open(ctx context.Context, history []llm.Message) (*llm.Stream, error) {
	if len(history) == 0 {
		return nil, ErrInvalidInput
	}
	if r.client == nil {
		return nil, ErrMisconfigured
	}
	req := BuildEnvelope(r.instruction, history)
	r.logger.Debug().
		Int("history", len(history)).
		Int("forwarded", len(req.Messages)-1).
		Msg("opening upstream stream")

	stream, err := r.client.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return stream, nil
}

// Pipe writes every fragment of stream to w as it is decoded, calling flush
// after each write. It always closes stream. A nil error means the upstream
// finished cleanly; otherwise the error wraps ErrStreamAbort.
func (r *Relay) Pipe(stream *llm.Stream, w io.Writer, flush func()) (int, error) {
	defer stream.Close()
	written := 0
	fragments := 0
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, fmt.Errorf("%w: %w", ErrStreamAbort, err)
		}
		n, err := io.WriteString(w, delta)
		written += n
		if err != nil {
			return written, fmt.Errorf("%w: write: %w", ErrStreamAbort, err)
		}
		fragments++
		if flush != nil {
			flush()
		}
	}
	event := r.logger.Debug().
		Int("fragments", fragments).
		Int("bytes", written).
		Str("finish_reason", stream.FinishReason())
	if skipped := stream.Skipped(); skipped > 0 {
		event = event.Int("skipped_lines", skipped)
	}
	event.Msg("upstream stream finished")
	return written, nil
}
