package nbd

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrorKind classifies client failures
type ErrorKind int

// Error kinds reported by the client
const (
	KindHandshake ErrorKind = iota + 1 // bad or short greeting
	KindExport                         // export not found / short select reply
	KindProtocol                       // reply magic or handle mismatch
	KindServer                         // nonzero error code in a reply
	KindClosed                         // operation on a closed session
)

// Sentinels matched by errors.Is against an *Error of the same kind
var (
	ErrHandshake = errors.New("nbd: handshake failed")
	ErrExport    = errors.New("nbd: export selection failed")
	ErrProtocol  = errors.New("nbd: protocol error")
	ErrServer    = errors.New("nbd: server error")
	ErrClosed    = errors.New("nbd: session is closed")
)

var kindSentinels = map[ErrorKind]error{
	KindHandshake: ErrHandshake,
	KindExport:    ErrExport,
	KindProtocol:  ErrProtocol,
	KindServer:    ErrServer,
	KindClosed:    ErrClosed,
}

// Error is returned by the client for every failure that is not a plain
// transport error
type Error struct {
	Kind  ErrorKind
	Op    string // operation that failed, e.g. "read"
	Errno uint32 // server error code, KindServer only
	Err   error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := "nbd: error"
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		msg = sentinel.Error()
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Op)
	}
	if e.Kind == KindServer {
		msg = fmt.Sprintf("%s: errno %d", msg, e.Errno)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a client error, or 0 if err is not one
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Errno returns the server error code carried by err, if any
func Errno(err error) (uint32, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindServer {
		return e.Errno, true
	}
	return 0, false
}
