// Package auth verifies bearer credentials issued by the marketplace auth
// service.
package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"messaging-service/internal/apperr"
)

// Identity is the caller resolved from a credential.
type Identity struct {
	UserID   int64
	Username string
	Role     string
}

// Verifier resolves a bearer token to an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT body issued by the auth service. The user id travels in
// the standard subject claim.
type Claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier constructs a verifier. An empty issuer disables the check.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify checks signature, expiry and issuer and returns the identity.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", apperr.ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", apperr.ErrUnauthenticated)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, fmt.Errorf("%w: invalid subject", apperr.ErrUnauthenticated)
	}
	return Identity{UserID: userID, Username: claims.Username, Role: claims.Role}, nil
}

// Sign issues a token for id. The auth service owns issuance in production;
// this exists for local tooling and tests.
func (v *JWTVerifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an "Authorization: Bearer ..." value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
