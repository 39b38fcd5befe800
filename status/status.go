// Package status carries the tri-state outcome (ok / recoverable error /
// fatal error) that flows through the post master and the request handlers.
// A Status is a value; the zero value means success.
package status

import (
	"fmt"
	"syscall"
)

// Severity of a Status. Fatal implies Error: the fatal bit marks errors that
// must not be retried.
const (
	SevOK    uint16 = 0x0000
	SevError uint16 = 0x0001
	SevFatal uint16 = 0x0003
)

// Error codes. Surfaced unchanged to callers.
const (
	ErrNone uint16 = iota
	ErrRetry
	ErrInternal
	ErrUninitialized
	ErrInvalidOp
	ErrInvalidArgs
	ErrConfig
	ErrOSError
	ErrPollerError
	ErrUnknownCommand

	// name resolution failed
	ErrInvalidAddr uint16 = iota + 90
	ErrSocketError
	ErrSocketTimeout
	ErrSocketDisconnected
	ErrStreamDisconnect
	ErrConnectionError
	ErrHandShake

	// protocol level
	ErrErrorResponse uint16 = iota + 180
	ErrInvalidResponse
	ErrInvalidMessage
	ErrInvalidRedirectURL
	ErrInvalidSession
	ErrRedirectLimit
	ErrOperationExpired
	ErrNoMoreFreeSIDs
	ErrQueryNotSupported
)

// Additional success codes.
const (
	SuDone uint16 = iota
	SuContinue
	SuRetry
	SuRedirect
)

var errorMessages = map[uint16]string{
	ErrNone:               "no error",
	ErrRetry:              "try again",
	ErrInternal:           "internal error",
	ErrUninitialized:      "initialization error",
	ErrInvalidOp:          "invalid operation",
	ErrInvalidArgs:        "invalid arguments",
	ErrConfig:             "configuration error",
	ErrOSError:            "OS error",
	ErrPollerError:        "poller error",
	ErrUnknownCommand:     "command not found",
	ErrInvalidAddr:        "invalid address",
	ErrSocketError:        "socket error",
	ErrSocketTimeout:      "socket timeout",
	ErrSocketDisconnected: "socket disconnected",
	ErrStreamDisconnect:   "stream disconnect",
	ErrConnectionError:    "connection error",
	ErrHandShake:          "hand shake failed",
	ErrErrorResponse:      "error response",
	ErrInvalidResponse:    "invalid response",
	ErrInvalidMessage:     "invalid message",
	ErrInvalidRedirectURL: "invalid redirect URL",
	ErrInvalidSession:     "invalid session",
	ErrRedirectLimit:      "redirect limit reached",
	ErrOperationExpired:   "operation expired",
	ErrNoMoreFreeSIDs:     "no more free SIDs",
	ErrQueryNotSupported:  "query not supported",
}

// Status describes the outcome of an operation. Code is one of the Err*
// constants when Sev is SevError/SevFatal, or one of the Su* constants when
// Sev is SevOK. Errno carries the server errno for ErrErrorResponse, or the
// OS errno for socket-level failures.
type Status struct {
	Sev   uint16
	Code  uint16
	Errno int32
	Msg   string
}

func OK() Status {
	return Status{}
}

func New(sev, code uint16) Status {
	return Status{Sev: sev, Code: code}
}

func NewErrno(sev, code uint16, errno int32) Status {
	return Status{Sev: sev, Code: code, Errno: errno}
}

func (s Status) IsOK() bool {
	return s.Sev == SevOK
}

func (s Status) IsFatal() bool {
	return s.Sev&SevFatal == SevFatal
}

// IsRetry reports a successful "call again" outcome, e.g. a partially
// reassembled frame on a non-blocking socket.
func (s Status) IsRetry() bool {
	return s.IsOK() && s.Code == SuRetry
}

// Fatalize returns a copy with the fatal bit set; errors that exhausted their
// recovery options are upgraded with it before being surfaced.
func (s Status) Fatalize() Status {
	if s.Sev != SevOK {
		s.Sev = SevFatal
	}
	return s
}

// WithMsg attaches a human-readable message, e.g. the errmsg of a server
// error response.
func (s Status) WithMsg(msg string) Status {
	s.Msg = msg
	return s
}

func (s Status) String() string {
	if s.IsOK() {
		switch s.Code {
		case SuContinue:
			return "[SUCCESS] continue"
		case SuRetry:
			return "[SUCCESS] retry"
		case SuRedirect:
			return "[SUCCESS] redirect"
		default:
			return "[SUCCESS]"
		}
	}

	prefix := "[ERROR] "
	if s.IsFatal() {
		prefix = "[FATAL] "
	}

	msg, ok := errorMessages[s.Code]
	if !ok {
		msg = fmt.Sprintf("unknown error code %d", s.Code)
	}
	out := prefix + msg
	if s.Errno != 0 {
		if s.Code == ErrErrorResponse {
			out += fmt.Sprintf(" [%d]", s.Errno)
		} else {
			out += ": " + syscall.Errno(s.Errno).Error()
		}
	}
	if s.Msg != "" {
		out += ": " + s.Msg
	}
	return out
}

// Error makes a non-OK Status usable as an error value.
func (s Status) Error() string {
	return s.String()
}
