package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindRateLimited
	KindServer
	KindAuth
	KindNotFound
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	}
	return "unknown"
}

// Transient reports whether errors of this kind are worth retrying.
func (k ErrorKind) Transient() bool {
	return k == KindNetwork || k == KindRateLimited || k == KindServer
}

var (
	ErrAuth     = errors.New("remote authentication failed: check the configured credentials or re-run `minisync init --force` with tokens from `minisync-server token`")
	ErrNotFound = errors.New("remote object not found")
)

// Error is the closed set of failures a Provider reports.
type Error struct {
	Kind   ErrorKind
	Op     string
	Status int
	Err    error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers match the sentinel errors by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// KindForStatus maps an HTTP status code to an error kind. 0 means success.
func KindForStatus(status int) ErrorKind {
	switch {
	case status < 400:
		return 0
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout:
		return KindNetwork
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServer
	}
	return KindInvalid
}

// StatusError builds an Error from an HTTP status.
func StatusError(op string, status int, err error) *Error {
	kind := KindForStatus(status)
	if kind == 0 {
		kind = KindInvalid
	}
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}

// Classify wraps transport failures into an *Error. Errors that are already
// classified, context cancellations and unrecognized errors pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var re *Error
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isNetworkError(err) {
		return NewError(KindNetwork, op, err)
	}
	return err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind.Transient()
	}
	return isNetworkError(err)
}

func isNetworkError(err error) bool {
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
