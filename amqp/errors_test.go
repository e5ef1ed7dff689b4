package amqp

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	streadway "github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
)

func TestTranslateErr(t *testing.T) {
	refused := &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
	}

	testCases := []struct {
		Name     string
		Err      error
		Kind     error
		Code     int
		Server   bool
		Verbatim bool
	}{
		{
			Name: "closed handle",
			Err:  streadway.ErrClosed,
			Kind: ErrChannelAlreadyClosed,
			Code: streadway.ChannelError,
		},
		{
			Name:   "not found",
			Err:    &streadway.Error{Code: streadway.NotFound, Reason: "NOT_FOUND", Server: true},
			Kind:   ErrNotFound,
			Code:   streadway.NotFound,
			Server: true,
		},
		{
			Name:   "precondition",
			Err:    &streadway.Error{Code: streadway.PreconditionFailed, Server: true},
			Kind:   ErrPreconditionFailed,
			Code:   streadway.PreconditionFailed,
			Server: true,
		},
		{
			Name:   "other channel error",
			Err:    &streadway.Error{Code: streadway.ResourceLocked, Server: true},
			Kind:   ErrChannelError,
			Code:   streadway.ResourceLocked,
			Server: true,
		},
		{
			Name: "wrapped broker error",
			Err: errors.WithMessage(
				&streadway.Error{Code: streadway.NotFound, Server: true}, "declare",
			),
			Kind:   ErrNotFound,
			Code:   streadway.NotFound,
			Server: true,
		},
		{Name: "network", Err: refused, Kind: ErrChannelAlreadyClosed},
		{Name: "eof", Err: io.EOF, Kind: ErrChannelAlreadyClosed},
		{Name: "unknown", Err: errors.New("something odd"), Kind: ErrChannelError},
		{
			Name:     "already translated",
			Err:      &Error{Kind: ErrNotFound, Reason: "kept"},
			Kind:     ErrNotFound,
			Verbatim: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(t *testing.T) {
			assert := assert.New(t)

			err := translateErr(testCase.Err)
			assert.ErrorIs(err, testCase.Kind)
			if testCase.Verbatim {
				assert.Same(testCase.Err, err)
				return
			}

			var translated *Error
			if !assert.True(errors.As(err, &translated)) {
				return
			}
			assert.Equal(testCase.Code, translated.Code)
			assert.Equal(testCase.Server, translated.Server)
		})
	}

	assert.NoError(t, translateErr(nil))

	stale := &StaleTagError{Tag: DeliveryTag{Value: 1}, CurrentEpoch: 1}
	assert.Same(t, stale, translateErr(stale), "session errors pass through")
	unknown := errors.Wrap(ErrUnknownDeliveryTag, "delivery tag 9")
	assert.Equal(t, unknown, translateErr(unknown))
}

func TestTranslateDialErr(t *testing.T) {
	testCases := []struct {
		Name      string
		Err       error
		Kind      error
		Transient bool
	}{
		{Name: "credentials", Err: streadway.ErrCredentials, Kind: ErrAuthenticationFailure},
		{Name: "sasl", Err: streadway.ErrSASL, Kind: ErrAuthenticationFailure},
		{Name: "vhost", Err: streadway.ErrVhost, Kind: ErrAuthenticationFailure},
		{
			Name: "access refused",
			Err:  &streadway.Error{Code: streadway.AccessRefused, Server: true},
			Kind: ErrPossibleAuthenticationFailure,
		},
		{
			Name:      "broker refused",
			Err:       &streadway.Error{Code: streadway.ConnectionForced, Server: true},
			Kind:      ErrConnectionRefused,
			Transient: true,
		},
		{
			Name:      "socket refused",
			Err:       &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			Kind:      ErrConnectionRefused,
			Transient: true,
		},
		{
			Name:      "unknown host",
			Err:       &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true},
			Kind:      ErrConnectionRefused,
			Transient: true,
		},
		{
			Name: "untrusted certificate",
			Err:  x509.UnknownAuthorityError{},
			Kind: ErrSSLContext,
		},
		{Name: "cancelled", Err: context.Canceled, Kind: context.Canceled},
		{
			Name:      "deadline",
			Err:       context.DeadlineExceeded,
			Kind:      context.DeadlineExceeded,
			Transient: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(t *testing.T) {
			err := translateDialErr(testCase.Err)
			assert.ErrorIs(t, err, testCase.Kind)
			assert.Equal(t, testCase.Transient, isTransientDialErr(err))
		})
	}

	assert.NoError(t, translateDialErr(nil))
	assert.False(t, isTransientDialErr(nil))
}

func TestStaleTagError(t *testing.T) {
	err := &StaleTagError{Tag: DeliveryTag{Value: 7, Epoch: 2}, CurrentEpoch: 3}

	assert.ErrorIs(t, err, ErrStaleDeliveryTag)
	assert.EqualError(
		t, err, "stale delivery tag: tag 7 is from epoch 2, channel is at epoch 3",
	)
}

func TestError_Message(t *testing.T) {
	assert.EqualError(
		t,
		&Error{Kind: ErrNotFound, Code: 404, Reason: "NOT_FOUND - no queue 'jobs'"},
		"not found (404): NOT_FOUND - no queue 'jobs'",
	)
	assert.EqualError(
		t,
		&Error{Kind: ErrChannelAlreadyClosed, Reason: "EOF"},
		"channel already closed: EOF",
	)
}
