package fi

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProviderMatch indicates that no provider satisfied the query hints.
	ErrNoProviderMatch = errors.New("libfabric: no provider matches hints")
	// ErrInvalidAddress indicates that the IP/port pair could not be parsed.
	ErrInvalidAddress = errors.New("libfabric: invalid address")
	// ErrFabricOpenFailed indicates that the provider refused to open a fabric.
	ErrFabricOpenFailed = errors.New("libfabric: fabric open failed")
	// ErrDomainOpenFailed indicates that the provider refused to open a domain.
	ErrDomainOpenFailed = errors.New("libfabric: domain open failed")
	// ErrEndpointCreateFailed indicates that an endpoint could not be created.
	ErrEndpointCreateFailed = errors.New("libfabric: endpoint create failed")
	// ErrQueueBindFailed indicates that an event channel or counter could not be bound.
	ErrQueueBindFailed = errors.New("libfabric: queue bind failed")
	// ErrRegistrationFailed indicates that memory registration was rejected.
	ErrRegistrationFailed = errors.New("libfabric: memory registration failed")
	// ErrEnableFailed indicates that an endpoint could not be enabled.
	ErrEnableFailed = errors.New("libfabric: endpoint enable failed")
	// ErrConnectionFailed indicates that the connection handshake did not complete.
	ErrConnectionFailed = errors.New("libfabric: connection failed")
	// ErrUnexpectedConnectionEvent indicates a CONNECTED wait received the wrong event.
	ErrUnexpectedConnectionEvent = errors.New("libfabric: unexpected connection event")
	// ErrUnexpectedEvent indicates a listener received something other than a connection request.
	ErrUnexpectedEvent = errors.New("libfabric: unexpected event")

	// ErrNoEvent indicates that no event entries were available.
	ErrNoEvent = errors.New("libfabric: no event available")
	// ErrTimeout indicates that a wait operation timed out.
	ErrTimeout = errors.New("libfabric: wait timed out")
	// ErrShortRead indicates an event entry smaller than a connection-management entry.
	ErrShortRead = errors.New("libfabric: short event read")
	// ErrBadState indicates an endpoint operation issued in the wrong lifecycle state.
	ErrBadState = errors.New("libfabric: endpoint in wrong state")
	// ErrClosed indicates the resource has already been released.
	ErrClosed = errors.New("libfabric: closed")
)

// Errno represents a libfabric error code (positive integral value).
type Errno int32

// Error codes mirrored from <rdma/fi_errno.h>.
const (
	Success         Errno = 0
	ErrAgain        Errno = 11
	ErrNoMemory     Errno = 12
	ErrAccess       Errno = 13
	ErrBusy         Errno = 16
	ErrNoDevice     Errno = 19
	ErrInvalid      Errno = 22
	ErrNotSupported Errno = 38
	ErrNoData       Errno = 61
	ErrOpNotSupp    Errno = 95
	ErrAddrInUse    Errno = 98
	ErrAddrNotAvail Errno = 99
	ErrConnReset    Errno = 104
	ErrTimedOut     Errno = 110
	ErrConnRefused  Errno = 111
	ErrOther        Errno = 256
	ErrTooSmall     Errno = 257
	ErrOpBadState   Errno = 258
	ErrAvail        Errno = 259
	ErrBadFlags     Errno = 260
	ErrNoEQ         Errno = 261
	ErrDomain       Errno = 262
	ErrNoCQ         Errno = 263
	ErrCRC          Errno = 264
	ErrTrunc        Errno = 265
	ErrNoKey        Errno = 266
	ErrNoAV         Errno = 267
	ErrOverrun      Errno = 268
	ErrNoRX         Errno = 269
	ErrNoMR         Errno = 270
)

var errnoText = map[Errno]string{
	ErrAgain:        "Resource temporarily unavailable",
	ErrNoMemory:     "Cannot allocate memory",
	ErrAccess:       "Permission denied",
	ErrBusy:         "Device or resource busy",
	ErrNoDevice:     "No such device",
	ErrInvalid:      "Invalid argument",
	ErrNotSupported: "Function not implemented",
	ErrNoData:       "No data available",
	ErrOpNotSupp:    "Operation not supported",
	ErrAddrInUse:    "Address already in use",
	ErrAddrNotAvail: "Cannot assign requested address",
	ErrConnReset:    "Connection reset by peer",
	ErrTimedOut:     "Connection timed out",
	ErrConnRefused:  "Connection refused",
	ErrOther:        "Unspecified error",
	ErrTooSmall:     "Provided buffer is too small",
	ErrOpBadState:   "Operation not permitted in current state",
	ErrAvail:        "Error available",
	ErrBadFlags:     "Flags not supported",
	ErrNoEQ:         "Missing or unavailable event queue",
	ErrDomain:       "Invalid resource domain",
	ErrNoCQ:         "Missing or unavailable completion queue",
	ErrCRC:          "CRC error",
	ErrTrunc:        "Truncation error",
	ErrNoKey:        "Required key not available",
	ErrNoAV:         "Missing or unavailable address vector",
	ErrOverrun:      "Queue has been overrun",
	ErrNoRX:         "Receiver not ready, no receive buffers available",
	ErrNoMR:         "Memory registration limit exceeded",
}

// Error returns the human-readable string as produced by fi_strerror.
func (e Errno) Error() string {
	return e.String()
}

// String returns the libfabric message for the Errno.
func (e Errno) String() string {
	if e == Success {
		return "success"
	}
	if text, ok := errnoText[e]; ok {
		return text
	}
	return fmt.Sprintf("Unknown error %d", int32(e))
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a libfabric status code into a Go error. Status values
// are 0 on success and negative on failure; positive values are treated as success.
func ErrorFromStatus(status int, op string) error {
	if status >= 0 {
		return nil
	}
	return Errno(-status).WithOp(op)
}

// ErrnoOf extracts the provider error code carried by err, or Success when none
// is present. The code recorded on an *Error takes precedence over its cause.
func ErrnoOf(err error) Errno {
	var ferr *Error
	if errors.As(err, &ferr) && ferr.Errno != Success {
		return ferr.Errno
	}
	var code Errno
	if errors.As(err, &code) {
		return code
	}
	return Success
}

// ErrInvalidHandle reports use of a nil or released handle.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// Error describes a failed bring-up step. It matches both its Kind sentinel and
// the underlying cause with errors.Is and errors.As.
type Error struct {
	Kind   error
	Op     string
	Errno  Errno
	Detail string
	Err    error
}

func newError(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Errno: ErrnoOf(cause), Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("libfabric: error")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes the failure kind and its cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func translateErr(err error, sentinel error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAgain) {
		return sentinel
	}
	if errors.Is(err, ErrTimedOut) {
		return ErrTimeout
	}
	return err
}
