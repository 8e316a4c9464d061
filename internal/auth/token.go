package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates HS256 bearer tokens whose subject is the user id.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify returns the user id of a valid token.
func (v *Verifier) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("verify token: invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("verify token: missing subject")
	}
	return claims.Subject, nil
}

// Issue signs a token for userID. A zero ttl means no expiry.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// IdentityFromToken reads the subject of a token without checking its
// signature. The desktop uses it to learn who it is signed in as; the
// server still verifies every request.
func IdentityFromToken(tokenString string) (Identity, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return Identity{}, errors.New("parse token: missing subject")
	}
	return Identity{UserID: claims.Subject, Token: tokenString}, nil
}
