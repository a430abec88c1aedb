package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestSessionClaimsOwner(t *testing.T) {
	testCases := []struct {
		name   string
		claims SessionClaims
		want   OwnerIdentity
	}{
		{
			name:   "provider-prefixed-user-id",
			claims: SessionClaims{UserID: "google:12345", RegisteredClaims: jwt.RegisteredClaims{Subject: "ignored"}},
			want:   OwnerIdentity{Provider: "google", Subject: "12345"},
		},
		{
			name:   "registered-subject",
			claims: SessionClaims{UserID: "user-1", RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"}},
			want:   OwnerIdentity{Provider: "default", Subject: "sub-1"},
		},
		{
			name:   "bare-user-id",
			claims: SessionClaims{UserID: " user-1 "},
			want:   OwnerIdentity{Provider: "default", Subject: "user-1"},
		},
		{
			name:   "half-prefixed-user-id-falls-back-to-email",
			claims: SessionClaims{UserID: "google:", UserEmail: "ada@example.com"},
			want:   OwnerIdentity{Provider: "default", Subject: "ada@example.com"},
		},
		{
			name:   "nothing",
			claims: SessionClaims{UserRoles: []string{"editor"}},
			want:   OwnerIdentity{},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			require.Equal(t, testCase.want, testCase.claims.Owner())
		})
	}
	require.Equal(t, "google:12345", OwnerIdentity{Provider: "google", Subject: "12345"}.Key())
}
