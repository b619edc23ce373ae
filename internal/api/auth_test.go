package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToken(t *testing.T) {
	assert.True(t, ValidateToken("secret-token", "secret-token"))
	assert.False(t, ValidateToken("wrong", "secret-token"))
	assert.False(t, ValidateToken("", "secret-token"))
	assert.False(t, ValidateToken("secret-token", ""), "empty configured token disables the API")
	assert.False(t, ValidateToken("", ""))
	assert.False(t, ValidateToken("secret-toke", "secret-token"), "length mismatch")
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/events/recent", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	token, err := ExtractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)
}

func TestExtractTokenMissing(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/events/recent", nil)
	_, err := ExtractToken(r)
	assert.Error(t, err)
}

func TestExtractTokenBadFormat(t *testing.T) {
	for _, header := range []string{"Basic abc123", "Bearer", "bearer abc123"} {
		r := httptest.NewRequest("GET", "/v1/events/recent", nil)
		r.Header.Set("Authorization", header)
		_, err := ExtractToken(r)
		assert.Error(t, err, header)
	}
}

func TestExtractTokenWhitespaceOnly(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/events/recent", nil)
	r.Header.Set("Authorization", "Bearer    ")
	_, err := ExtractToken(r)
	assert.Error(t, err)
}
