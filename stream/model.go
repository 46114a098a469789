package stream

import (
	"errors"
	"fmt"
	"hash"
)

// DefaultChunkSize is the size of every data event except the last one
// of a body.
const DefaultChunkSize = 8192

// Code identifies the class of a failed transfer. The values are part of the
// event contract and are sent to consumers verbatim.
type Code string

const (
	CodeInvalidArgument      Code = "invalid-argument"
	CodeUnknown              Code = "unknown"
	CodeDownloadSizeExceeded Code = "download-size-exceeded"
)

var (
	// ErrInvalidRequest is wrapped by invalid-argument errors: a malformed URL
	// or an incomplete checksum.
	ErrInvalidRequest = errors.New("invalid transfer request")
	// ErrTransport wraps failures reported by the HTTP transport.
	ErrTransport = errors.New("transport failure")
	// ErrUnexpectedStatus is wrapped when the response status is not 200.
	ErrUnexpectedStatus = errors.New("unexpected status code")
	// ErrSizeExceeded is wrapped when the body outgrows the size budget.
	ErrSizeExceeded = errors.New("download size exceeded")
	// ErrChecksumMismatch is wrapped when the body digest doesn't match.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Error describes a failed transfer. Code and Message are what the consumer
// sees; Err keeps the underlying cause for [errors.Is].
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind tells which case of an [Event] is populated.
type Kind int

const (
	KindData Kind = iota + 1
	KindComplete
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindComplete:
		return "complete"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the only output of a transfer. Exactly one field is set.
// Its JSON form is one of {"data":...}, {"complete":true} or
// {"error":{"code":...,"message":...}}.
type Event struct {
	Data     []byte `json:"data,omitempty"`
	Complete bool   `json:"complete,omitempty"`
	Err      *Error `json:"error,omitempty"`
}

// Kind reports which case of the event is populated.
func (ev Event) Kind() Kind {
	switch {
	case ev.Err != nil:
		return KindError
	case ev.Complete:
		return KindComplete
	default:
		return KindData
	}
}

// IsTerminal reports whether no further events follow ev.
func (ev Event) IsTerminal() bool {
	return ev.Err != nil || ev.Complete
}

func errorEvent(code Code, msg string, err error) Event {
	return Event{Err: &Error{Code: code, Message: msg, Err: err}}
}

// Request holds the inputs of a single transfer.
type Request struct {
	// URL must be an absolute http or https URL.
	URL string `json:"url" validate:"required,http_url"`

	// MaxSize caps the number of body bytes. Values <= 0 disable the cap.
	MaxSize int64 `json:"max_size"`

	// Checksum, when set, is verified before the complete event.
	Checksum *Checksum `json:"-"`
}

// Checksum is an expected digest of the full body.
// New returns a fresh hash (e.g. sha256.New) and Expected is its hex encoding.
type Checksum struct {
	New      func() hash.Hash
	Expected string
}

// State is the lifecycle position of a [Transfer].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the transfer can no longer change state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
