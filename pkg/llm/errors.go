package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a model query failure.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindTransport  Kind = "transport"
	KindHTTP       Kind = "http"
	KindParse      Kind = "parse"
	KindEmpty      Kind = "empty"
	KindRefusal    Kind = "refusal"
	KindToolFailed Kind = "tool_failed"
)

// Error is a classified model query failure.
type Error struct {
	Kind  Kind
	Model string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error from %s", e.Kind, e.Model)
	}
	return fmt.Sprintf("%s error from %s: %v", e.Kind, e.Model, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, model string, err error) *Error {
	return &Error{Kind: kind, Model: model, Err: err}
}

// IsRetriable reports whether the error should be retried. Only timeouts and
// connection failures qualify; HTTP status errors, parse failures and empty
// responses are terminal.
func IsRetriable(err error) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind == KindTimeout || qe.Kind == KindTransport
	}
	return false
}

// httpStatusError marks a completed request the backend answered with a
// non-200 status. It is never retried.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.status, e.body)
}

// classify maps a transport-level error to a Kind. A completed request with
// a bad status is KindHTTP; KindTransport is reserved for failures of the
// request itself.
func classify(err error) Kind {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return KindHTTP
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransport
}
