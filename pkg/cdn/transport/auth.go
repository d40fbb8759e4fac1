package transport

import (
	"context"

	perrors "github.com/jmgilman/go/errors"
)

var (
	// ErrAuthRequired is returned by an API call whose credentials were rejected.
	ErrAuthRequired = perrors.New(perrors.CodeUnauthorized, "authentication required")

	// ErrAuthFailed is returned when a call is still rejected after a refresh.
	ErrAuthFailed = perrors.New(perrors.CodeUnauthorized, "Authentication failed")
)

// Authenticator owns the credentials of an API.
type Authenticator interface {
	// Authenticated reports whether credentials are cached.
	Authenticated() bool
	// Refresh performs a fresh authentication handshake.
	Refresh(ctx context.Context) error
}

// CallWithRefresh runs call with the authenticator's credentials. Without
// cached credentials it refreshes first. A call rejected with ErrAuthRequired
// is retried once after a refresh; a call rejected after any refresh fails
// with ErrAuthFailed. At most one refresh happens per CallWithRefresh.
func CallWithRefresh[T any](ctx context.Context, auth Authenticator, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	refreshed := false
	if !auth.Authenticated() {
		if err := auth.Refresh(ctx); err != nil {
			return zero, err
		}
		refreshed = true
	}

	v, err := call(ctx)
	if !perrors.Is(err, ErrAuthRequired) {
		return v, err
	}
	if refreshed {
		return zero, ErrAuthFailed
	}

	if err := auth.Refresh(ctx); err != nil {
		return zero, err
	}
	v, err = call(ctx)
	if perrors.Is(err, ErrAuthRequired) {
		return zero, ErrAuthFailed
	}
	return v, err
}
