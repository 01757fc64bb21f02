// Package auth resolves bearer tokens to user ids.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"momovault/internal/domain"
	"momovault/internal/port"
)

// Verifier checks HS256 tokens signed with a shared secret. The subject claim
// is the user id.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

var _ port.IdentityVerifier = (*Verifier)(nil)

func (v *Verifier) Verify(_ context.Context, credential string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", domain.ErrInvalidCredential)
	}

	return claims.Subject, nil
}
