package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testSigningSecret = "secret"
	testCookieName    = "app_session"
	testIssuer        = "tauth"
	testUserID        = "user-123"
)

var testClockNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T, leeway time.Duration) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
		Leeway:        leeway,
		Clock: func() time.Time {
			return testClockNow
		},
	})
	require.NoError(t, err)
	return validator
}

func testClaims(issuer string, expiresAt time.Time) SessionClaims {
	return SessionClaims{
		UserID:          testUserID,
		UserDisplayName: "Ada",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   testUserID,
			IssuedAt:  jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
}

func signClaims(t *testing.T, method jwt.SigningMethod, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSigningSecret))
	require.NoError(t, err)
	return signed
}

func signTestToken(t *testing.T, issuer string, expiresAt time.Time, method jwt.SigningMethod) string {
	t.Helper()
	return signClaims(t, method, testClaims(issuer, expiresAt))
}

func TestNewSessionValidatorRequiresConfiguration(t *testing.T) {
	_, err := NewSessionValidator(SessionValidatorConfig{Issuer: testIssuer, CookieName: testCookieName})
	require.ErrorIs(t, err, ErrMissingSessionSigningKey)

	_, err = NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x"), CookieName: testCookieName})
	require.ErrorIs(t, err, ErrMissingSessionIssuer)

	_, err = NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x"), Issuer: testIssuer})
	require.ErrorIs(t, err, ErrMissingSessionCookieName)

	_, err = NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x"), Issuer: testIssuer, CookieName: testCookieName, Leeway: -time.Second})
	require.ErrorIs(t, err, ErrNegativeSessionLeeway)
}

func TestValidateToken(t *testing.T) {
	validator := newTestValidator(t, 0)
	withoutExpiry := testClaims(testIssuer, testClockNow)
	withoutExpiry.ExpiresAt = nil
	ownerless := testClaims(testIssuer, testClockNow.Add(time.Hour))
	ownerless.UserID = ""
	ownerless.Subject = ""

	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name:  "valid",
			token: signTestToken(t, testIssuer, testClockNow.Add(time.Hour), jwt.SigningMethodHS256),
		},
		{
			name:    "expired",
			token:   signTestToken(t, testIssuer, testClockNow.Add(-time.Hour), jwt.SigningMethodHS256),
			wantErr: ErrExpiredSessionToken,
		},
		{
			name:    "foreign-issuer",
			token:   signTestToken(t, "someone-else", testClockNow.Add(time.Hour), jwt.SigningMethodHS256),
			wantErr: ErrInvalidSessionToken,
		},
		{
			name:    "wrong-algorithm",
			token:   signTestToken(t, testIssuer, testClockNow.Add(time.Hour), jwt.SigningMethodHS512),
			wantErr: ErrInvalidSessionToken,
		},
		{
			name:    "empty",
			token:   "  ",
			wantErr: ErrMissingSessionToken,
		},
		{
			name:    "no-expiry",
			token:   signClaims(t, jwt.SigningMethodHS256, withoutExpiry),
			wantErr: ErrInvalidSessionToken,
		},
		{
			name:    "no-owner",
			token:   signClaims(t, jwt.SigningMethodHS256, ownerless),
			wantErr: ErrMissingSessionSubject,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			claims, err := validator.ValidateToken(testCase.token)
			if testCase.wantErr != nil {
				require.ErrorIs(t, err, testCase.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, testUserID, claims.UserID)
			require.Equal(t, "Ada", claims.UserDisplayName)
		})
	}
}

func TestValidateTokenLeewayAbsorbsClockSkew(t *testing.T) {
	justExpired := signTestToken(t, testIssuer, testClockNow.Add(-10*time.Second), jwt.SigningMethodHS256)

	_, err := newTestValidator(t, 0).ValidateToken(justExpired)
	require.ErrorIs(t, err, ErrExpiredSessionToken)

	claims, err := newTestValidator(t, 30*time.Second).ValidateToken(justExpired)
	require.NoError(t, err)
	require.Equal(t, OwnerIdentity{Provider: "default", Subject: testUserID}, claims.Owner())
}

func TestValidateRequestAcceptsBearerAndCookie(t *testing.T) {
	validator := newTestValidator(t, 0)
	token := signTestToken(t, testIssuer, testClockNow.Add(time.Hour), jwt.SigningMethodHS256)

	bearerRequest := httptest.NewRequest(http.MethodGet, "/", nil)
	bearerRequest.Header.Set("Authorization", "Bearer "+token)
	claims, err := validator.ValidateRequest(bearerRequest)
	require.NoError(t, err)
	require.Equal(t, testUserID, claims.Subject)

	lowercaseRequest := httptest.NewRequest(http.MethodGet, "/", nil)
	lowercaseRequest.Header.Set("Authorization", "bearer "+token)
	_, err = validator.ValidateRequest(lowercaseRequest)
	require.NoError(t, err)

	cookieRequest := httptest.NewRequest(http.MethodGet, "/", nil)
	cookieRequest.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	_, err = validator.ValidateRequest(cookieRequest)
	require.NoError(t, err)

	basicRequest := httptest.NewRequest(http.MethodGet, "/", nil)
	basicRequest.Header.Set("Authorization", "Basic YWxpY2U6c2VjcmV0")
	_, err = validator.ValidateRequest(basicRequest)
	require.ErrorIs(t, err, ErrMissingSessionToken, "non-bearer schemes fall through to the cookie")

	_, err = validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	require.ErrorIs(t, err, ErrMissingSessionToken)
}
