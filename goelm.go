// Package goelm implements the client side of the ELM327 AT-command dialect
// on top of an arbitrary half-duplex request/response byte transport.
//
// The root package holds the pieces everything else hangs off: the Channel
// interface a transport must implement, the Response union it produces, the
// connection state machine values and the error taxonomy. The protocol
// engines live under pkg/ and the transport bindings under adapter/.
package goelm

import (
	"context"
	"time"
)

const (
	// CR terminates every command sent to the adapter.
	CR = 0x0D
	// Prompt is emitted by the adapter when it is ready for the next command.
	Prompt = '>'
)

// DefaultTimeout is used for commands issued without an explicit timeout.
const DefaultTimeout = 2 * time.Second

// ResponseKind discriminates the Response union.
type ResponseKind uint8

const (
	// ResponseOk carries the raw response text, prompt and all.
	ResponseOk ResponseKind = iota
	// ResponseTimeout means the adapter never answered within the deadline.
	// Expected during protocol probing, not necessarily fatal.
	ResponseTimeout
	// ResponseFailure means the channel itself is broken. Callers must
	// short-circuit retries and give the session up.
	ResponseFailure
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseOk:
		return "OK"
	case ResponseTimeout:
		return "TIMEOUT"
	case ResponseFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Response is the closed result type of a single command exchange.
type Response struct {
	Kind ResponseKind
	Text string
	Err  error
}

// OK wraps raw response text.
func OK(text string) Response {
	return Response{Kind: ResponseOk, Text: text}
}

// Timeout is the no-reply-at-all response.
func Timeout() Response {
	return Response{Kind: ResponseTimeout}
}

// Failure marks the channel unusable. The wrapped error is always
// unrecoverable in the retry-go sense.
func Failure(err error) Response {
	return Response{Kind: ResponseFailure, Err: Unrecoverable(err)}
}

// Ok reports whether the exchange produced response text.
func (r Response) Ok() bool {
	return r.Kind == ResponseOk
}

// Channel is the half-duplex command transport the engines drive. Exactly one
// command may be outstanding at a time; implementations do not need to be
// safe for concurrent Send calls, the engines serialize access themselves.
type Channel interface {
	// Send writes cmd (without trailing CR) and waits for the adapter
	// prompt or the timeout. A zero timeout selects DefaultTimeout.
	Send(ctx context.Context, cmd string, timeout time.Duration) Response
	Close() error
}
