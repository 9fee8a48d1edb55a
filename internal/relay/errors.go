package relay

import "errors"

// Failure classes of a relay invocation. Callers classify with errors.Is;
// the wrapped cause is for logs only.
var (
	ErrInvalidInput  = errors.New("invalid chat history")
	ErrMisconfigured = errors.New("upstream credential is not configured")
	ErrUpstream      = errors.New("upstream request failed")
	ErrStreamAbort   = errors.New("stream aborted")
)
