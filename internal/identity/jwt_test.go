package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func baseClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "water-telemetry-core",
			Audience:  jwt.ClaimStrings{"subscribers"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		MunicipalityID: "M1",
	}
}

func TestVerify_AcceptsWellFormedToken(t *testing.T) {
	v := New(testSecret, "water-telemetry-core", "subscribers")
	tok := signToken(t, baseClaims())

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "M1", id.MunicipalityID)
	assert.False(t, id.SuperAdmin)
}

func TestVerify_SuperAdminClaimPropagates(t *testing.T) {
	v := New(testSecret, "water-telemetry-core", "subscribers")
	claims := baseClaims()
	claims.SuperAdmin = true
	claims.MunicipalityID = "global"
	tok := signToken(t, claims)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.True(t, id.SuperAdmin)
	assert.Equal(t, "global", id.MunicipalityID)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	v := New(testSecret, "water-telemetry-core", "subscribers")
	claims := baseClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tok := signToken(t, claims)

	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	v := New("a-different-secret", "water-telemetry-core", "subscribers")
	tok := signToken(t, baseClaims())

	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestVerify_RejectsWrongIssuer(t *testing.T) {
	v := New(testSecret, "some-other-issuer", "subscribers")
	tok := signToken(t, baseClaims())

	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestVerify_RejectsWrongAudience(t *testing.T) {
	v := New(testSecret, "water-telemetry-core", "some-other-audience")
	tok := signToken(t, baseClaims())

	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestVerify_RejectsMissingSubject(t *testing.T) {
	v := New(testSecret, "water-telemetry-core", "subscribers")
	claims := baseClaims()
	claims.Subject = ""
	tok := signToken(t, claims)

	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestVerify_IdempotentForIdenticalToken(t *testing.T) {
	v := New(testSecret, "water-telemetry-core", "subscribers")
	tok := signToken(t, baseClaims())

	for i := 0; i < 3; i++ {
		id, err := v.Verify(tok)
		require.NoError(t, err)
		assert.Equal(t, "user-1", id.UserID)
	}
}
