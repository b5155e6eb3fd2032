package requests

import "errors"

// Sentinel errors returned by the executor. Callers wrap or compare with
// errors.Is; the messages double as the log/error codes recorded on results.
var (
	// ErrRequestNotFound indicates no definition exists for the request id.
	ErrRequestNotFound = errors.New("request_not_found")

	// ErrRequestURLMissing indicates the definition resolves to an empty URL.
	ErrRequestURLMissing = errors.New("request_url_missing")
)
