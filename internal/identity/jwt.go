// Package identity verifies subscriber JWTs (spec.md §6 external
// collaborator: "given a token, returns user identity, super-admin
// flag, and municipality scope, or fails"). Grounded on the teacher's
// pkg/auth/middleware.go claims shape, adapted to this core's scope
// model instead of HELM's tenant/roles model.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims this core expects on a subscriber token.
type Claims struct {
	jwt.RegisteredClaims
	MunicipalityID string `json:"municipality_id"`
	SuperAdmin     bool   `json:"super_admin"`
}

// Identity is the resolved subscriber identity handed to the
// WebSocket endpoint after a successful verification.
type Identity struct {
	UserID         string
	MunicipalityID string
	SuperAdmin     bool
}

// Verifier validates subscriber access tokens signed with SECRET_KEY
// (HS256 by default, per spec.md §6).
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

// New constructs a Verifier from the SECRET_KEY/JWT_ISSUER/JWT_AUDIENCE
// configuration keys.
func New(secret, issuer, audience string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, audience: audience}
}

// Verify parses and validates tokenStr, returning the resolved
// Identity or an error. Expiry, issuer, and audience are all enforced
// when configured.
func (v *Verifier) Verify(tokenStr string) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("validate subscriber token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid subscriber token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("subscriber token missing subject")
	}

	return &Identity{
		UserID:         claims.Subject,
		MunicipalityID: claims.MunicipalityID,
		SuperAdmin:     claims.SuperAdmin,
	}, nil
}

// ExpireIn computes a RegisteredClaims expiry for token issuance
// (used by test fixtures and any future admin-facing issuance path;
// the core itself only verifies subscriber tokens minted elsewhere).
func ExpireIn(d time.Duration) *jwt.NumericDate {
	return jwt.NewNumericDate(time.Now().Add(d))
}
