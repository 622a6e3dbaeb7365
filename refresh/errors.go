package refresh

import "errors"

var (
	// ErrRefreshFailed is returned to every caller of a failed refresh. The
	// underlying cause is wrapped.
	ErrRefreshFailed = errors.New("refresh failed")
	// ErrRefreshRejected marks a refresh token the server refused.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrNotAuthenticated is returned when no credential pair is present.
	ErrNotAuthenticated = errors.New("not authenticated")
)
