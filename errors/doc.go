// Package errors provides the structured error taxonomy used by taskfeed.
//
// # Error Categories
//
//   - Transient: stream drops, dial failures, timeouts. Retried by the
//     channel with backoff and never shown to the UI.
//   - Permanent: rejected job submissions, invalid endpoint tokens,
//     cancellation. Recorded on the affected job or returned to the caller.
//   - Protocol: frames that cannot be decoded. Logged and dropped.
//   - Resource: rate limits.
//   - Internal: bugs.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeNoTargets, "no devices selected")
//
//	if errors.Is(err, errors.ErrCodeNoTargets) {
//	    // reject the submit
//	}
//
// Errors with the same code compare equal under the standard library's
// errors.Is, so package-level sentinels built with New work as expected.
//
// Errors marshal to JSON so they can travel inside operation snapshots.
package errors
