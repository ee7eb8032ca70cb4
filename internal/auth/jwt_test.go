package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("s3cret", 42, time.Hour)
	require.NoError(t, err)

	uid, err := ParseJWT("s3cret", tok)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), uid)
}

func TestParse_Rejects(t *testing.T) {
	good, err := SignJWT("s3cret", 42, time.Hour)
	require.NoError(t, err)
	expired, err := SignJWT("s3cret", 42, -time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 42}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tc := range map[string]struct{ secret, token string }{
		"wrong secret": {"other", good},
		"expired":      {"s3cret", expired},
		"alg none":     {"s3cret", none},
		"garbage":      {"s3cret", "not.a.jwt"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJWT(tc.secret, tc.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
