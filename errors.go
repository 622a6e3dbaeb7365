package goAuthClient

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/goAuthClient/jwt"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/session"
)

var (
	// ErrAuthRejected is returned when the server rejects a protected call
	// that carried a locally valid token. The session is terminated.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrNotAuthenticated is returned when no credential pair is present.
	ErrNotAuthenticated = refresh.ErrNotAuthenticated
	// ErrRefreshFailed is returned when a refresh errored or was rejected. The
	// session is terminated.
	ErrRefreshFailed = refresh.ErrRefreshFailed
	// ErrRefreshRejected is wrapped by ErrRefreshFailed when the server
	// refused the refresh token.
	ErrRefreshRejected = refresh.ErrRefreshRejected
	// ErrTokenMalformed is returned when a token's expiry cannot be decoded.
	ErrTokenMalformed = jwt.ErrTokenMalformed
	// ErrStaleGeneration is returned when a result belongs to a session that
	// was replaced or terminated.
	ErrStaleGeneration = session.ErrStaleGeneration

	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = errors.New("client closed")
	// ErrBuilderUsed is returned when Build is called twice.
	ErrBuilderUsed = errors.New("builder already used")
)

// APIError describes a non-2xx response returned through [Client.Do].
type APIError struct {
	Status int
	Method string
	Path   string
	// Body holds up to the first 4 KiB of the response body.
	Body []byte

	rejected bool
}

func (e *APIError) Error() string {
	if e.rejected {
		return fmt.Sprintf("%s %s: %d: %v", e.Method, e.Path, e.Status, ErrAuthRejected)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Status)
}

// Unwrap returns ErrAuthRejected for protected calls whose status terminated
// the session.
func (e *APIError) Unwrap() error {
	if e.rejected {
		return ErrAuthRejected
	}
	return nil
}
