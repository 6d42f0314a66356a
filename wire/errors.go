package wire

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/andreyvit/docdb"
)

type ErrorKind string

const (
	KindConflict       ErrorKind = "conflict"
	KindInvalidState   ErrorKind = "invalid_state"
	KindInvalidKey     ErrorKind = "invalid_key"
	KindNotFound       ErrorKind = "not_found"
	KindClosed         ErrorKind = "closed"
	KindAborted        ErrorKind = "aborted"
	KindStorage        ErrorKind = "storage"
	KindBadRequest     ErrorKind = "bad_request"
	KindUnknownSession ErrorKind = "unknown_session"
	KindUnknownDB      ErrorKind = "unknown_database"
	KindInternal       ErrorKind = "internal"
)

// Error is the serialized form of a failed request. It keeps everything a
// caller may inspect on the embedded error: kind, key, message and etags.
type Error struct {
	Kind     ErrorKind `msgpack:"kind"`
	Op       string    `msgpack:"op,omitempty"`
	Key      string    `msgpack:"key,omitempty"`
	Message  string    `msgpack:"msg"`
	Expected uint64    `msgpack:"expected,omitempty"`
	Actual   uint64    `msgpack:"actual,omitempty"`

	// Close carries the session totals when a bulk insert close fails.
	Close *CloseResponse `msgpack:"close,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrUnknownSession  = errors.New("unknown bulk insert session")
	ErrUnknownDatabase = errors.New("unknown database")
)

// BadRequest is a malformed request rejected before reaching the database.
type BadRequest struct {
	Msg string
}

func (e *BadRequest) Error() string {
	return e.Msg
}

func BadRequestf(format string, args ...any) error {
	return &BadRequest{Msg: fmt.Sprintf(format, args...)}
}

// FromError serializes err.
func FromError(err error) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}

	var ce *docdb.ConcurrencyError
	if errors.As(err, &ce) {
		return &Error{
			Kind:     KindConflict,
			Key:      ce.Key,
			Message:  ce.Message,
			Expected: uint64(ce.Expected),
			Actual:   uint64(ce.Actual),
		}
	}
	var se *docdb.StorageError
	if errors.As(err, &se) {
		msg := ""
		if se.Err != nil {
			msg = se.Err.Error()
		}
		return &Error{Kind: KindStorage, Op: se.Op, Key: se.Key, Message: msg}
	}
	var br *BadRequest
	if errors.As(err, &br) {
		return &Error{Kind: KindBadRequest, Message: br.Msg}
	}

	kind := KindInternal
	switch {
	case errors.Is(err, docdb.ErrInvalidState):
		kind = KindInvalidState
	case errors.Is(err, docdb.ErrInvalidKey):
		kind = KindInvalidKey
	case errors.Is(err, docdb.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, docdb.ErrClosed):
		kind = KindClosed
	case errors.Is(err, docdb.ErrAborted):
		kind = KindAborted
	case errors.Is(err, ErrUnknownSession):
		kind = KindUnknownSession
	case errors.Is(err, ErrUnknownDatabase):
		kind = KindUnknownDB
	}
	return &Error{Kind: kind, Message: err.Error()}
}

// Err rebuilds the error the embedded path would have returned.
func (e *Error) Err() error {
	switch e.Kind {
	case KindConflict:
		return &docdb.ConcurrencyError{
			Key:      e.Key,
			Message:  e.Message,
			Expected: docdb.Etag(e.Expected),
			Actual:   docdb.Etag(e.Actual),
		}
	case KindStorage:
		return &docdb.StorageError{Op: e.Op, Key: e.Key, Err: errors.New(e.Message)}
	case KindInvalidState:
		return &remoteError{msg: e.Message, target: docdb.ErrInvalidState}
	case KindInvalidKey:
		return &remoteError{msg: e.Message, target: docdb.ErrInvalidKey}
	case KindNotFound:
		return &remoteError{msg: e.Message, target: docdb.ErrNotFound}
	case KindClosed:
		return &remoteError{msg: e.Message, target: docdb.ErrClosed}
	case KindAborted:
		return &remoteError{msg: e.Message, target: docdb.ErrAborted}
	case KindUnknownSession:
		return &remoteError{msg: e.Message, target: ErrUnknownSession}
	case KindUnknownDB:
		return &remoteError{msg: e.Message, target: ErrUnknownDatabase}
	case KindBadRequest:
		return &BadRequest{Msg: e.Message}
	default:
		return e
	}
}

// remoteError keeps the server's message while matching the sentinel with
// errors.Is.
type remoteError struct {
	msg    string
	target error
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.target }

func (k ErrorKind) StatusCode() int {
	switch k {
	case KindConflict:
		return http.StatusConflict
	case KindInvalidState, KindAborted:
		return http.StatusConflict
	case KindInvalidKey, KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound, KindUnknownSession, KindUnknownDB:
		return http.StatusNotFound
	case KindClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
