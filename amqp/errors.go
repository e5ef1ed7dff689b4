package amqp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
	streadway "github.com/streadway/amqp"
)

// Error kinds. Every error returned by this package that originates from the broker
// or the network matches exactly one of these with errors.Is.
var (
	// ErrConnectionRefused is returned when no broker could be reached at any
	// configured address.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrAuthenticationFailure is returned when the broker rejected the credentials.
	ErrAuthenticationFailure = errors.New("authentication failure")
	// ErrPossibleAuthenticationFailure is returned when the broker closed the
	// connection during the handshake in a way that usually means bad credentials.
	ErrPossibleAuthenticationFailure = errors.New("possible authentication failure")
	// ErrChannelAlreadyClosed is returned when an operation is attempted on a closed
	// channel or connection, including during the recovery window.
	ErrChannelAlreadyClosed = errors.New("channel already closed")
	// ErrNotFound is the 404 broker reply.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed is the 406 broker reply, e.g. a re-declaration with
	// different durability.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrChannelError covers any other channel level broker reply.
	ErrChannelError = errors.New("channel error")
	// ErrSSLContext is returned when TLS could not be set up or negotiated.
	ErrSSLContext = errors.New("tls context error")
)

// Errors raised by the session layer itself.
var (
	// ErrSessionClosed is returned by operations on a Session after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidOptions is returned when an options struct fails validation.
	ErrInvalidOptions = errors.New("invalid options")
	// ErrChannelNumberInUse is returned when a requested channel number is taken.
	ErrChannelNumberInUse = errors.New("channel number in use")
	// ErrStaleDeliveryTag is returned when acknowledging a delivery that was received
	// before the channel last recovered. The broker has already requeued it.
	ErrStaleDeliveryTag = errors.New("stale delivery tag")
	// ErrUnknownDeliveryTag is returned when acknowledging a tag this channel never
	// delivered in the current epoch.
	ErrUnknownDeliveryTag = errors.New("unknown delivery tag")
	// ErrConfirmTimeout is returned by WaitForConfirms when the timeout elapses.
	ErrConfirmTimeout = errors.New("timed out waiting for publisher confirms")
	// ErrNotInConfirmMode is returned by WaitForConfirms before ConfirmSelect.
	ErrNotInConfirmMode = errors.New("channel is not in confirm mode")
	// ErrConsumerStarted is returned when Start is called twice on a consumer.
	ErrConsumerStarted = errors.New("consumer already started")
)

// Error is a broker or network failure translated into this package's taxonomy.
// Kind is one of the Err... values above and is what errors.Is matches.
type Error struct {
	Kind error
	// Code is the AMQP reply code, 0 for network failures.
	Code int
	// Reason is the broker reply text or the network error text.
	Reason string
	// Server is true when the broker initiated the error.
	Server bool
}

// Error implements builtins.error.
func (err *Error) Error() string {
	if err.Code == 0 {
		return fmt.Sprintf("%v: %v", err.Kind, err.Reason)
	}
	return fmt.Sprintf("%v (%v): %v", err.Kind, err.Code, err.Reason)
}

// Unwrap returns the error kind.
func (err *Error) Unwrap() error {
	return err.Kind
}

// StaleTagError details an acknowledgement of a tag from a previous recovery epoch.
type StaleTagError struct {
	Tag          DeliveryTag
	CurrentEpoch uint64
}

// Error implements builtins.error.
func (err *StaleTagError) Error() string {
	return fmt.Sprintf(
		"%v: tag %v is from epoch %v, channel is at epoch %v",
		ErrStaleDeliveryTag, err.Tag.Value, err.Tag.Epoch, err.CurrentEpoch,
	)
}

// Unwrap returns ErrStaleDeliveryTag.
func (err *StaleTagError) Unwrap() error {
	return ErrStaleDeliveryTag
}

// kindForCode maps AMQP reply codes of channel operations.
func kindForCode(code int) error {
	switch code {
	case streadway.NotFound:
		return ErrNotFound
	case streadway.PreconditionFailed:
		return ErrPreconditionFailed
	default:
		return ErrChannelError
	}
}

// translateErr converts an error returned by the transport during a channel or
// connection operation. Errors already in the taxonomy pass through unchanged.
func translateErr(err error) error {
	if err == nil {
		return nil
	}

	var translated *Error
	if errors.As(err, &translated) || isSessionErr(err) {
		return err
	}

	var streadwayErr *streadway.Error
	if errors.As(err, &streadwayErr) {
		// ErrClosed is how streadway reports use of a dead channel or connection.
		if streadwayErr == streadway.ErrClosed {
			return &Error{
				Kind:   ErrChannelAlreadyClosed,
				Code:   streadwayErr.Code,
				Reason: streadwayErr.Reason,
			}
		}
		return &Error{
			Kind:   kindForCode(streadwayErr.Code),
			Code:   streadwayErr.Code,
			Reason: streadwayErr.Reason,
			Server: streadwayErr.Server,
		}
	}

	if isNetworkErr(err) {
		return &Error{Kind: ErrChannelAlreadyClosed, Reason: err.Error()}
	}

	return &Error{Kind: ErrChannelError, Reason: err.Error()}
}

// translateDialErr converts an error returned while opening a connection.
func translateDialErr(err error) error {
	if err == nil {
		return nil
	}

	var translated *Error
	if errors.As(err, &translated) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, streadway.ErrCredentials), errors.Is(err, streadway.ErrSASL),
		errors.Is(err, streadway.ErrVhost):
		return &Error{Kind: ErrAuthenticationFailure, Code: streadway.AccessRefused, Reason: err.Error()}
	case isTLSErr(err):
		return &Error{Kind: ErrSSLContext, Reason: err.Error()}
	}

	var streadwayErr *streadway.Error
	if errors.As(err, &streadwayErr) {
		if streadwayErr.Code == streadway.AccessRefused {
			return &Error{
				Kind:   ErrPossibleAuthenticationFailure,
				Code:   streadwayErr.Code,
				Reason: streadwayErr.Reason,
				Server: streadwayErr.Server,
			}
		}
		return &Error{
			Kind:   ErrConnectionRefused,
			Code:   streadwayErr.Code,
			Reason: streadwayErr.Reason,
			Server: streadwayErr.Server,
		}
	}

	// Refused, unreachable, unknown hosts and generic socket failures all mean the
	// broker could not be reached.
	return &Error{Kind: ErrConnectionRefused, Reason: err.Error()}
}

// sessionErrs are raised by this package, never by the transport.
var sessionErrs = []error{
	ErrSessionClosed,
	ErrInvalidOptions,
	ErrChannelNumberInUse,
	ErrStaleDeliveryTag,
	ErrUnknownDeliveryTag,
	ErrConfirmTimeout,
	ErrNotInConfirmMode,
	ErrConsumerStarted,
}

func isSessionErr(err error) bool {
	for _, sessionErr := range sessionErrs {
		if errors.Is(err, sessionErr) {
			return true
		}
	}
	return false
}

// isTransientDialErr reports whether a failed dial during recovery should be retried.
// Authentication and TLS failures will not fix themselves and abort recovery.
func isTransientDialErr(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAuthenticationFailure),
		errors.Is(err, ErrPossibleAuthenticationFailure),
		errors.Is(err, ErrSSLContext),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func isNetworkErr(err error) bool {
	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError

	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr), errors.As(err, &netErr):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}

func isTLSErr(err error) bool {
	var recordErr tls.RecordHeaderError
	var authorityErr x509.UnknownAuthorityError
	var invalidErr x509.CertificateInvalidError
	var hostnameErr x509.HostnameError

	return errors.As(err, &recordErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &hostnameErr)
}
