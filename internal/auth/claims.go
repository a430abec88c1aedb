package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const defaultProvider = "default"

// SessionClaims mirrors the JWT payload emitted by TAuth.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// OwnerIdentity is the provider login a session token speaks for. Subject is the
// owner id under which collaboration sessions are keyed.
type OwnerIdentity struct {
	Provider string
	Subject  string
}

// Key joins provider and subject into a single lookup key.
func (o OwnerIdentity) Key() string {
	return o.Provider + ":" + o.Subject
}

// Owner maps the claims onto an owner identity. A "provider:subject" user id wins,
// then the registered subject, then a bare user id, then the email address.
// The zero identity means the token names nobody.
func (c SessionClaims) Owner() OwnerIdentity {
	identity := OwnerIdentity{Provider: defaultProvider, Subject: strings.TrimSpace(c.Subject)}

	raw := strings.TrimSpace(c.UserID)
	if provider, subject, found := strings.Cut(raw, ":"); found {
		provider, subject = strings.TrimSpace(provider), strings.TrimSpace(subject)
		if provider != "" && subject != "" {
			return OwnerIdentity{Provider: provider, Subject: subject}
		}
	} else if identity.Subject == "" {
		identity.Subject = raw
	}

	if identity.Subject == "" {
		identity.Subject = strings.TrimSpace(c.UserEmail)
	}
	if identity.Subject == "" {
		return OwnerIdentity{}
	}
	return identity
}
