package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Identity{}))
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	require.NoError(t, err)
	return service
}

func TestResolveStripsProviderPrefix(t *testing.T) {
	service := newTestService(t)
	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}

	principal, err := service.Resolve(context.Background(), claims)
	require.NoError(t, err)
	require.Equal(t, "12345", principal.UserID)
	require.Equal(t, "Example User", principal.Label())

	// second call is served from the cache and stays stable.
	principal, err = service.Resolve(context.Background(), claims)
	require.NoError(t, err)
	require.Equal(t, "12345", principal.UserID)

	name, err := service.DisplayName(context.Background(), "12345")
	require.NoError(t, err)
	require.Equal(t, "Example User", name)
}

func TestResolveRejectsEmptyClaims(t *testing.T) {
	service := newTestService(t)
	_, err := service.Resolve(context.Background(), auth.SessionClaims{})
	require.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestDisplayNameUnknownUser(t *testing.T) {
	service := newTestService(t)
	name, err := service.DisplayName(context.Background(), "ghost")
	require.NoError(t, err)
	require.Empty(t, name)

	require.Equal(t, "ghost", Principal{UserID: "ghost"}.Label())
}
