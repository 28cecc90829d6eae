package libsyncclient_protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMakeAuthorizationHeader verifies the bearer prefix
func TestMakeAuthorizationHeader(t *testing.T) {
	assert.Equal(t, "Bearer my-signed-token", MakeAuthorizationHeader("my-signed-token"))
}

// TestParseAuthorizationHeaderRoundTrip verifies make then parse
// returns the original token
func TestParseAuthorizationHeaderRoundTrip(t *testing.T) {
	// Arrange
	header := MakeAuthorizationHeader("signed.user.token")

	// Act
	token, ok := ParseAuthorizationHeader(header)

	// Assert
	require.True(t, ok)
	assert.Equal(t, "signed.user.token", token)
}

// TestParseAuthorizationHeaderRejections verifies malformed headers are
// rejected
func TestParseAuthorizationHeaderRejections(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"wrong_scheme", "Basic dXNlcjpwYXNz"},
		{"lowercase_scheme", "bearer my-signed-token"},
		{"no_space", "Bearermy-signed-token"},
		{"token_too_short", "Bearer abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := ParseAuthorizationHeader(tc.header)
			assert.False(t, ok)
		})
	}
}

// TestCompressBodyRoundTrip verifies compress then decompress returns
// the original bytes
func TestCompressBodyRoundTrip(t *testing.T) {
	// Arrange
	body := bytes.Repeat([]byte("synchronization payload "), 500)

	// Act
	compressed, err := CompressBody(body)
	require.NoError(t, err)
	restored, err := DecompressBody(compressed, uint64(len(body)))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, body, restored)
	assert.Less(t, len(compressed), len(body), "repetitive body should shrink")
}

// TestDecompressBodySizeMismatch verifies a wrong declared size is an
// error
func TestDecompressBodySizeMismatch(t *testing.T) {
	// Arrange
	compressed, err := CompressBody([]byte("some body"))
	require.NoError(t, err)

	// Act
	_, err = DecompressBody(compressed, 4)

	// Assert
	assert.Error(t, err)
}

// TestDecompressBodyGarbage verifies non zlib input is an error
func TestDecompressBodyGarbage(t *testing.T) {
	_, err := DecompressBody([]byte("definitely not zlib"), 100)
	assert.Error(t, err)
}
