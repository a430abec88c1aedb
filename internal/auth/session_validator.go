package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const authorizationScheme = "bearer"

var (
	ErrMissingSessionSigningKey = errors.New("auth: signing key required")
	ErrMissingSessionIssuer     = errors.New("auth: issuer required")
	ErrMissingSessionCookieName = errors.New("auth: cookie name required")
	ErrNegativeSessionLeeway    = errors.New("auth: leeway must not be negative")

	ErrMissingSessionToken   = errors.New("auth: session token required")
	ErrInvalidSessionToken   = errors.New("auth: invalid session token")
	ErrExpiredSessionToken   = errors.New("auth: session token expired")
	ErrMissingSessionSubject = errors.New("auth: session token names no owner")
)

// SessionValidatorConfig describes how to validate TAuth-issued JWTs. Leeway
// absorbs clock skew between TAuth and this service on exp, nbf and iat.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Leeway        time.Duration
	Clock         func() time.Time
}

// SessionValidator authenticates the callers of collaboration endpoints.
// Tokens must be HS256, carry an expiry and name an owner.
type SessionValidator struct {
	cookieName string
	parser     *jwt.Parser
	keyFunc    jwt.Keyfunc
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	switch {
	case len(cfg.SigningSecret) == 0:
		return nil, ErrMissingSessionSigningKey
	case strings.TrimSpace(cfg.Issuer) == "":
		return nil, ErrMissingSessionIssuer
	case strings.TrimSpace(cfg.CookieName) == "":
		return nil, ErrMissingSessionCookieName
	case cfg.Leeway < 0:
		return nil, ErrNegativeSessionLeeway
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	secret := append([]byte(nil), cfg.SigningSecret...)
	return &SessionValidator{
		cookieName: strings.TrimSpace(cfg.CookieName),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(strings.TrimSpace(cfg.Issuer)),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithTimeFunc(clock),
		),
		keyFunc: func(*jwt.Token) (interface{}, error) {
			return secret, nil
		},
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken parses a raw JWT and returns its claims once an owner can be derived.
func (v *SessionValidator) ValidateToken(raw string) (SessionClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if claims.Owner() == (OwnerIdentity{}) {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest reads the token from the Authorization header, falling back to
// the session cookie that browsers send on event streams and websocket upgrades.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return v.ValidateToken(token)
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, authorizationScheme) {
		return "", false
	}
	return token, true
}
