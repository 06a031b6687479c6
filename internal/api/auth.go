package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("api: missing bearer token")
	ErrInvalidToken = errors.New("api: invalid token")
)

// Claims identifies the operator behind a control request.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for operator, valid for ttl. A zero ttl
// yields a token without expiry.
func IssueToken(secret []byte, operator string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("api: empty secret")
	}
	claims := Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  operator,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid || claims.Operator == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// requireToken rejects requests without a valid bearer token. An empty
// secret disables the check.
func requireToken(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			token, ok := strings.CutPrefix(raw, "Bearer ")
			if !ok {
				http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
				return
			}
			if _, err := ParseToken(strings.TrimSpace(token), secret); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
