// Package faults defines the error kinds the agent reports from its operations.
// Every operation returns a result carrying one of these kinds instead of panicking
// or propagating an error out of the scheduler loop.
package faults

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Kind is the stable category of a failure.
type Kind string

const (
	KindConfigLoad      Kind = "config_load_error"
	KindTransport       Kind = "transport_error"
	KindClientRejection Kind = "client_rejection"
	KindServer          Kind = "server_error"
	KindValidation      Kind = "validation_error"
	KindUnexpected      Kind = "unexpected_error"
)

// Code narrows a transport failure.
type Code string

const (
	CodeDNS        Code = "dns"
	CodeConnect    Code = "connect"
	CodeTimeout    Code = "timeout"
	CodeTLS        Code = "tls"
	CodeHTTPStatus Code = "http_status"
	CodeCancelled  Code = "cancelled"
	CodeUnknown    Code = "unknown"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString("/")
		b.WriteString(string(e.Code))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && (e.Message == "" || !strings.Contains(e.Message, e.Err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus classifies a non-success HTTP status. 4xx is a client rejection,
// everything else a server or unknown error.
func HTTPStatus(op string, status int, body string) *Error {
	kind := KindServer
	if status >= 400 && status < 500 {
		kind = KindClientRejection
	}
	return &Error{
		Kind:    kind,
		Code:    CodeHTTPStatus,
		Op:      op,
		Message: fmt.Sprintf("status %d %s", status, strings.TrimSpace(body)),
	}
}

// MapTransport classifies a network-level failure returned by an HTTP client.
func MapTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	return &Error{
		Kind: KindTransport,
		Code: transportCode(err),
		Op:   op,
		Err:  err,
	}
}

func transportCode(err error) Code {
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CodeTimeout
		}
		return CodeDNS
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return CodeTimeout
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return CodeTLS
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return CodeTLS
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return CodeTLS
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return CodeTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return CodeTimeout
		}
		return CodeConnect
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CodeConnect
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "tls:"):
		return CodeTLS
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return CodeConnect
	}
	return CodeUnknown
}
