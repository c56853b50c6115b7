// Package auth provides the token validators the handshake consults and the
// gate in front of admin actions.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ValidateFunc decides whether a handshake token is acceptable. Implementations
// may suspend (for example to consult an external service), so the connection
// context is passed through.
type ValidateFunc func(ctx context.Context, token string) bool

// AllowAll accepts every token. Development only; production must override.
func AllowAll() ValidateFunc {
	return func(context.Context, string) bool { return true }
}

// StaticList accepts exactly the configured tokens.
func StaticList(tokens []string) ValidateFunc {
	allowed := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		allowed[t] = struct{}{}
	}
	return func(_ context.Context, token string) bool {
		_, ok := allowed[token]
		return ok
	}
}

// Claims carried by JWT handshake tokens.
type Claims struct {
	UserID string `json:"userId"`
	Admin  bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWT accepts HS256 tokens signed with the shared secret.
func JWT(secret string) ValidateFunc {
	key := []byte(secret)
	return func(_ context.Context, token string) bool {
		parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		})
		return err == nil && parsed.Valid
	}
}

// GenerateJWT mints an HS256 handshake token. Used by tests and operator
// tooling.
func GenerateJWT(secret, userID string, admin bool) (string, error) {
	claims := &Claims{
		UserID: userID,
		Admin:  admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// AdminGate restricts admin_* actions. With an empty token list every
// authenticated connection may administer, which preserves the historical
// open behavior; configuring tokens closes the gate to those holders.
type AdminGate struct {
	tokens []string
}

func NewAdminGate(tokens []string) *AdminGate {
	return &AdminGate{tokens: tokens}
}

// Allows reports whether the connection's token may run admin actions.
func (g *AdminGate) Allows(token string) bool {
	if len(g.tokens) == 0 {
		return true
	}
	for _, t := range g.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}
