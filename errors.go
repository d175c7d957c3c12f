package h2

import (
	"fmt"

	"github.com/pkg/errors"
)

// Http2Error is implemented by every error type this package raises that
// carries an RFC 7540 error code, generalizing the teacher's single
// ErrProtocol string type to the fuller connection/stream taxonomy.
type Http2Error interface {
	error
	Http2Error() string
	Code() ErrorCode
}

// ConnError is a connection-scoped fault: §4.4 requires sending GOAWAY
// with Code and the last processed stream id, failing every in-flight
// stream, and closing the socket.
type ConnError struct {
	Code_   ErrorCode
	Reason  string
	LastID  uint32
	HasLast bool
}

func NewConnError(code ErrorCode, reason string) *ConnError {
	return &ConnError{Code_: code, Reason: reason}
}

func (e *ConnError) WithLastStreamID(id uint32) *ConnError {
	e.LastID = id
	e.HasLast = true
	return e
}

func (e *ConnError) Code() ErrorCode { return e.Code_ }

func (e *ConnError) Http2Error() string {
	return fmt.Sprintf(`connection error %s`, e.Code_)
}

func (e *ConnError) Error() string {
	return e.Http2Error() + `: ` + e.Reason
}

// StreamError is a stream-scoped fault: §4.4 requires sending RST_STREAM
// with Code for StreamID and releasing only that stream.
type StreamError struct {
	StreamID uint32
	Code_    ErrorCode
	Reason   string
}

func NewStreamError(streamID uint32, code ErrorCode, reason string) *StreamError {
	return &StreamError{StreamID: streamID, Code_: code, Reason: reason}
}

func (e *StreamError) Code() ErrorCode { return e.Code_ }

func (e *StreamError) Http2Error() string {
	return fmt.Sprintf(`stream %d error %s`, e.StreamID, e.Code_)
}

func (e *StreamError) Error() string {
	return e.Http2Error() + `: ` + e.Reason
}

// sentinel errors, generalizing the teacher's errors.go constants.
var (
	ErrSocketClosed       = errors.New(`h2: connection already closed`)
	ErrNoStreamsAvailable = errors.New(`h2: remainingStreams exhausted`)
	ErrStreamNotFound     = errors.New(`h2: stream not found in table`)
	ErrDoubleRelease      = errors.New(`h2: stream released twice`)
	ErrCancelled          = errors.New(`h2: request cancelled by caller`)
)

// ServerEndedError surfaces RST_STREAM received from the peer to the
// caller's pending response/body sink (scenario 4 in spec.md §8).
type ServerEndedError struct {
	Code ErrorCode
}

func (e *ServerEndedError) Error() string {
	return fmt.Sprintf(`h2: stream ended by peer: %s`, e.Code)
}

// DisconnectedError surfaces a socket failure or GOAWAY-triggered close to
// every in-flight request (spec.md §7 propagation rules). Retryable
// reports whether the stream id was above the peer's GOAWAY last-stream-id
// (spec.md scenario 5) and is therefore eligible for retry by the caller.
type DisconnectedError struct {
	Cause     error
	Retryable bool
}

func (e *DisconnectedError) Error() string {
	return errors.Wrap(e.Cause, `h2: connection disconnected`).Error()
}

func (e *DisconnectedError) Unwrap() error { return e.Cause }
