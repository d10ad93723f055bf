// Package jwt signs the session tokens handed to the shipyard CLI.
package jwt

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "shipyard"

// ErrInvalidToken wraps every reason a token is refused.
var ErrInvalidToken = errors.New("jwt: invalid session token")

// Session is what a token proves: a user and the login it came from. The
// session id travels as the jti so logging out revokes outstanding tokens.
type Session struct {
	Username  string
	ID        string
	ExpiresAt time.Time
}

type sessionClaims struct {
	jwtlib.RegisteredClaims
}

// Issue signs a token for session that expires after ttl.
func Issue(session Session, secret string, ttl time.Duration) (string, error) {
	if session.Username == "" || session.ID == "" {
		return "", fmt.Errorf("%w: username and session id are required", ErrInvalidToken)
	}
	now := time.Now()
	claims := sessionClaims{jwtlib.RegisteredClaims{
		ID:        session.ID,
		Issuer:    issuer,
		Subject:   session.Username,
		IssuedAt:  jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
	}}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verify checks signature, issuer and expiry and returns the session.
func Verify(token, secret string) (Session, error) {
	var claims sessionClaims
	_, err := jwtlib.ParseWithClaims(token, &claims, func(*jwtlib.Token) (any, error) {
		return []byte(secret), nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return Session{}, fmt.Errorf("%w: missing subject or session id", ErrInvalidToken)
	}
	return Session{Username: claims.Subject, ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}
