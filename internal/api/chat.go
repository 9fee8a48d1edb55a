package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"portfolio-relay/internal/llm"
	"portfolio-relay/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	msgInvalidInput  = "Messages array is required."
	msgMisconfigured = "Chat service is not configured."
	msgUpstream      = "Failed to get response from AI."
	msgInternal      = "Internal server error."
)

var errNullBody = errors.New("request body is null")

type ChatRequest struct {
	Messages json.RawMessage `json:"messages"`
}

// ChatHandler relays a conversation to the upstream model and streams the
// reply back as plain text. Errors found before the first byte is written
// get a JSON body; later failures abort the connection.
func (ctrl *Controller) ChatHandler(c *gin.Context) {
	ctx := c.Request.Context()
	log := zerolog.Ctx(ctx)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, ctrl.maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		ctrl.ErrorHandler(c, http.StatusInternalServerError, msgInternal, err)
		return
	}
	// A null body has no fields to read and counts as unreadable, like
	// invalid JSON. json.Unmarshal also rejects trailing bytes.
	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		ctrl.ErrorHandler(c, http.StatusInternalServerError, msgInternal, errNullBody)
		return
	}
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			ctrl.ErrorHandler(c, http.StatusBadRequest, msgInvalidInput, err)
			return
		}
		ctrl.ErrorHandler(c, http.StatusInternalServerError, msgInternal, err)
		return
	}

	history, err := relay.ParseHistory(req.Messages)
	if err != nil {
		ctrl.ErrorHandler(c, http.StatusBadRequest, msgInvalidInput, err)
		return
	}

	stream, err := ctrl.relay.Open(ctx, history)
	switch {
	case errors.Is(err, relay.ErrInvalidInput):
		ctrl.ErrorHandler(c, http.StatusBadRequest, msgInvalidInput, err)
		return
	case errors.Is(err, relay.ErrMisconfigured):
		ctrl.ErrorHandler(c, http.StatusInternalServerError, msgMisconfigured, err)
		return
	case errors.Is(err, relay.ErrUpstream):
		event := log.Error().Err(err)
		var upstreamErr *llm.UpstreamError
		if errors.As(err, &upstreamErr) {
			event = event.
				Str("provider", upstreamErr.Provider).
				Int("upstream_status", upstreamErr.StatusCode).
				Str("upstream_body", upstreamErr.Body)
		}
		event.Msg("upstream request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": msgUpstream})
		return
	case err != nil:
		ctrl.ErrorHandler(c, http.StatusInternalServerError, msgInternal, err)
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	written, err := ctrl.relay.Pipe(stream, c.Writer, c.Writer.Flush)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		log.Info().Int("bytes", written).Msg("client disconnected during stream")
		return
	}
	log.Error().Err(err).Int("bytes", written).Msg("stream aborted")
	panic(http.ErrAbortHandler)
}

// ErrorHandler logs err and answers with a JSON body carrying only the
// public message.
func (ctrl *Controller) ErrorHandler(c *gin.Context, status int, message string, err error) {
	log := zerolog.Ctx(c.Request.Context())
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Int("status", status).Msg(message)
	c.JSON(status, gin.H{"error": message})
}
