package libsyncclient_protocol

import "strings"

const authorizationBearerPrefix = "Bearer "

// MakeAuthorizationHeader builds the HTTP Authorization header value
// carrying a signed user token.
func MakeAuthorizationHeader(signedUserToken string) string {
	return authorizationBearerPrefix + signedUserToken
}

// ParseAuthorizationHeader extracts the signed user token from an
// Authorization header value. The second return value is false if the
// header does not carry a bearer token.
//
// A token contains at least four characters. Stricter checks are
// possible, but do not belong here.
func ParseAuthorizationHeader(header string) (string, bool) {
	if len(header) < len(authorizationBearerPrefix)+4 {
		return "", false
	}
	if !strings.HasPrefix(header, authorizationBearerPrefix) {
		return "", false
	}
	return header[len(authorizationBearerPrefix):], true
}
