// ABOUTME: Signed bearer tokens that carry a visitor id across API requests
// ABOUTME: HS256 JWTs issued by abkit for the visitor audience, subject is the visitor id

package visitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "abkit"
	tokenAudience = "visitor"
)

var (
	// ErrInvalidToken covers tokens that are malformed, forged, or were not
	// issued to a visitor by abkit.
	ErrInvalidToken = errors.New("invalid visitor token")
	// ErrExpiredToken means the visitor must mint a new token.
	ErrExpiredToken = errors.New("visitor token expired")
	// ErrNoVisitor means a token, or a request to issue one, has no visitor id.
	ErrNoVisitor = errors.New("visitor token names no visitor")
)

// Tokens mints and checks visitor tokens with a shared HMAC secret. Only
// tokens this issuer signed for the visitor audience verify.
type Tokens struct {
	secret []byte
	parser *jwt.Parser
}

func NewTokens(secret []byte) *Tokens {
	return &Tokens{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithAudience(tokenAudience),
			jwt.WithIssuedAt(),
		),
	}
}

// Issue mints a token for visitorID. A zero ttl never expires, like the
// visitor id it stands for.
func (t *Tokens) Issue(visitorID string, ttl time.Duration) (string, error) {
	if visitorID == "" {
		return "", ErrNoVisitor
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   tokenIssuer,
		Audience: jwt.ClaimStrings{tokenAudience},
		Subject:  visitorID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token for visitor %s: %w", visitorID, err)
	}
	return signed, nil
}

// Verify returns the visitor id a token was issued for.
func (t *Tokens) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := t.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	case claims.Subject == "":
		return "", ErrNoVisitor
	}
	return claims.Subject, nil
}
