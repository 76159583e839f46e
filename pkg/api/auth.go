package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthNotConfigured is returned when no signing secret is set.
var ErrAuthNotConfigured = errors.New("api: authentication not configured")

// Claims are the bearer token claims the API accepts.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator returns an authenticator for secret. An empty secret yields an
// authenticator that rejects every protected request.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Validate parses tok and returns its claims.
func (a *Authenticator) Validate(tok string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrAuthNotConfigured
	}
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("api: token rejected: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("api: token subject is required")
	}
	return claims, nil
}

// SignToken issues an HS256 token for subject.
func SignToken(secret []byte, subject string, expires time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrAuthNotConfigured
	}
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

var publicPaths = map[string]bool{
	"/health": true,
}

type subjectKey struct{}

// SubjectFrom returns the authenticated subject, if any.
func SubjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// Middleware requires a valid bearer token on every non-public path.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if len(a.secret) == 0 {
			WriteUnauthorized(w, r, "authentication not configured")
			return
		}
		scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
			WriteUnauthorized(w, r, "expected Authorization: Bearer <token>")
			return
		}
		claims, err := a.Validate(tok)
		if err != nil {
			WriteUnauthorized(w, r, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, claims.Subject)))
	})
}
