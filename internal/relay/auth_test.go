package relay

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuth_IssueAndValidate(t *testing.T) {
	a := NewAuth("s3cret")
	token, err := a.Issue("editor", "room", time.Hour)
	require.NoError(t, err)

	claims, err := a.validateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "editor", claims.Subject)
	assert.True(t, claims.AllowsChannel("room"))
	assert.False(t, claims.AllowsChannel("other"))
}

func TestAuth_RejectsExpired(t *testing.T) {
	a := NewAuth("s3cret")
	token, err := a.Issue("editor", "", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	_, err = a.validateToken(token)
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?token=q", nil)
	assert.Equal(t, "q", extractToken(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", extractToken(r))
}

func TestClaims_NilAllowsEverything(t *testing.T) {
	var c *Claims
	assert.True(t, c.AllowsChannel("any"))
}
