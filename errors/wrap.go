package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Wrap wraps an error with additional context while preserving the chain.
// A nil err returns nil. A wrapped *Error keeps its code and category;
// context and network errors map to TIMEOUT, CANCELED or NETWORK_ERR;
// anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var te *Error
	if errors.As(err, &te) {
		wrapped := &Error{
			code:        te.code,
			category:    te.category,
			message:     message,
			cause:       err,
			metadata:    te.Metadata(),
			retryable:   te.retryable,
			timestamp:   te.timestamp,
			operationID: te.operationID,
			channelID:   te.channelID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
		}
		return New(ErrCodeNetworkErr, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return nil
}

// Is checks if the first *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	if te := As(err); te != nil {
		return te.code == code
	}
	return false
}

// IsCategory checks if the first *Error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	if te := As(err); te != nil {
		return te.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	if te := As(err); te != nil {
		return te.Retryable()
	}
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// IsProtocol checks if the error is a protocol error.
func IsProtocol(err error) bool {
	return IsCategory(err, CategoryProtocol)
}

// Code extracts the error code, or "" for plain errors.
func Code(err error) ErrorCode {
	if te := As(err); te != nil {
		return te.code
	}
	return ""
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
