package errors

// ErrorCategory classifies errors by how the console reacts to them.
type ErrorCategory string

const (
	// CategoryTransient covers stream and network failures. The channel
	// retries them with backoff and never surfaces them to the UI.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent covers failures a retry cannot fix: rejected job
	// submissions, invalid endpoints, cancellation.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryProtocol covers malformed or unknown stream frames. They are
	// logged and dropped.
	CategoryProtocol ErrorCategory = "protocol"

	// CategoryResource covers rate limits and exhausted attempt budgets.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal covers bugs and corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout      ErrorCode = "TIMEOUT"       // request or dial timed out
	ErrCodeUnavailable  ErrorCode = "UNAVAILABLE"   // backend temporarily unavailable
	ErrCodeNetworkErr   ErrorCode = "NETWORK_ERR"   // connection dropped or refused
	ErrCodeChannelStale ErrorCode = "CHANNEL_STALE" // no inbound message within the timeout

	// Permanent
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidEndpoint    ErrorCode = "INVALID_ENDPOINT"
	ErrCodeNoTargets          ErrorCode = "NO_TARGETS"
	ErrCodeChannelNotOpen     ErrorCode = "CHANNEL_NOT_OPEN"
	ErrCodeSubmissionRejected ErrorCode = "SUBMISSION_REJECTED"
	ErrCodeCanceled           ErrorCode = "CANCELED"

	// Protocol
	ErrCodeProtocol ErrorCode = "PROTOCOL"

	// Resource
	ErrCodeRateLimit     ErrorCode = "RATE_LIMITED"
	ErrCodeChannelFailed ErrorCode = "CHANNEL_FAILED" // reconnect attempts exhausted

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeChannelStale:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidInput, ErrCodeInvalidEndpoint,
		ErrCodeNoTargets, ErrCodeChannelNotOpen, ErrCodeSubmissionRejected, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeProtocol:
		return CategoryProtocol

	case ErrCodeRateLimit:
		return CategoryResource

	// An exhausted channel is terminal for the operation even though the
	// underlying cause was transient.
	case ErrCodeChannelFailed:
		return CategoryPermanent

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:            "operation timed out",
	ErrCodeUnavailable:        "backend temporarily unavailable",
	ErrCodeNetworkErr:         "network connectivity error",
	ErrCodeChannelStale:       "channel went stale",
	ErrCodeNotFound:           "not found",
	ErrCodeConflict:           "conflicting operation",
	ErrCodeInvalidInput:       "invalid input provided",
	ErrCodeInvalidEndpoint:    "invalid endpoint token",
	ErrCodeNoTargets:          "no target devices",
	ErrCodeChannelNotOpen:     "channel is not open",
	ErrCodeSubmissionRejected: "job submission rejected",
	ErrCodeCanceled:           "operation canceled",
	ErrCodeProtocol:           "malformed stream frame",
	ErrCodeRateLimit:          "rate limit exceeded",
	ErrCodeChannelFailed:      "channel failed permanently",
	ErrCodeInternal:           "internal error",
	ErrCodePanic:              "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
