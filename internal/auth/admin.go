package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/resrv-payments/internal/common"
)

var errNoToken = errors.New("auth: token missing")

// AdminGuard authenticates operator requests carrying an HS256 bearer token
// with role=admin.
type AdminGuard struct {
	secret    []byte
	validator TokenValidator
	now       func() time.Time
}

// NewAdminGuard builds a guard for tokens signed with secret.
func NewAdminGuard(secret, issuer, audience string) (*AdminGuard, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: admin secret is required")
	}
	return &AdminGuard{
		secret: []byte(secret),
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			Role:      "admin",
			ClockSkew: 30 * time.Second,
			Algorithm: jwa.HS256,
		},
		now: time.Now,
	}, nil
}

// ParseToken validates a raw token and returns its subject.
func (g *AdminGuard) ParseToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", errNoToken
	}
	algorithm, err := tokenAlgorithm(trimmed)
	if err != nil {
		return "", err
	}
	if algorithm != g.validator.Algorithm {
		return "", errors.New("auth: unexpected token algorithm")
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, g.secret), jwt.WithValidate(false))
	if err != nil {
		return "", err
	}
	if err := g.validator.Validate(parsed, algorithm, g.now()); err != nil {
		return "", err
	}
	return parsed.Subject(), nil
}

// IssueToken signs an admin token for subject valid for ttl.
func (g *AdminGuard) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := g.now()
	builder := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now.Add(-g.validator.ClockSkew)).
		Expiration(now.Add(ttl)).
		Claim(RoleClaim, "admin")
	if g.validator.Issuer != "" {
		builder = builder.Issuer(g.validator.Issuer)
	}
	if g.validator.Audience != "" {
		builder = builder.Audience([]string{g.validator.Audience})
	}
	tok, err := builder.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, g.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// RequireAdmin rejects requests without a valid admin bearer token.
func (g *AdminGuard) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g == nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "admin auth not configured", nil)
			return
		}
		subject, err := g.ParseToken(bearerToken(r))
		if err != nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithSubject(r.Context(), subject)))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
