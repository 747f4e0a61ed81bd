package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"coinshop-payments/internal/domain"
)

// ===== Service token primitives =====

var errMissingToken = errors.New("missing token")

// AuthManager issues and checks the HS256 bearer tokens collaborators use
// against /api/v1.
type AuthManager struct {
	secret []byte
	issuer string
}

func NewAuthManager(secret string) (*AuthManager, error) {
	if len(secret) < 16 {
		return nil, domain.ErrConfiguration
	}
	return &AuthManager{secret: []byte(secret), issuer: "coinshop-payments"}, nil
}

type ServiceClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Mint signs a token for subject valid for ttl.
func (a *AuthManager) Mint(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		Scope: "invoices",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AuthManager) ParseFromRequest(r *http.Request) (*ServiceClaims, error) {
	// Authorization: Bearer <jwt>
	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return nil, errMissingToken
	}
	return a.parse(strings.TrimSpace(hdr[7:]))
}

func (a *AuthManager) parse(tok string) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(a.issuer))
	if err != nil || !tkn.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Scope != "invoices" {
		return nil, errors.New("invalid scope")
	}
	return claims, nil
}

// Require rejects requests without a valid service token.
func (a *AuthManager) Require() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := a.ParseFromRequest(r); err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
