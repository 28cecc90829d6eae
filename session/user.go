package libsyncclient_session

// RefreshResult is the outcome of one access token refresh attempt.
// HTTPStatus is zero when the attempt never reached the identity
// endpoint.
type RefreshResult struct {
	SignedUserToken string
	HTTPStatus      int
	Err             error
}

// User is the identity/credential collaborator. The session only ever
// reads it or asks it to refresh or invalidate itself; it never
// mutates identity state directly. Implementations must be safe for
// concurrent use.
type User interface {
	// Identity is a stable opaque identifier for metadata records.
	Identity() string

	// AccessToken returns the current signed token, or "" when the
	// user holds none.
	AccessToken() string

	// IsAccessTokenExpired reports whether the current token needs a
	// refresh before it can be presented to the server.
	IsAccessTokenExpired() bool

	// IsRefreshTokenExpired reports whether the underlying credential
	// itself has expired, making refresh pointless.
	IsRefreshTokenExpired() bool

	// RefreshAccessToken asks the identity provider for a new signed
	// token. The callback may fire on any goroutine.
	RefreshAccessToken(callback func(RefreshResult))

	// Invalidate marks the current access token as unusable.
	Invalidate()

	// LogOut ends the user's authenticated state.
	LogOut()

	// IsLoggedOut reports whether LogOut has been called.
	IsLoggedOut() bool
}
