package applications_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyauth/internal/engine/access"
	"keyauth/internal/engine/applications"
	apperrors "keyauth/internal/pkg/errors"
	"keyauth/internal/platform/database/dbtest"
	"keyauth/internal/platform/models"
	"keyauth/internal/platform/repositories"
)

type harness struct {
	svc      *applications.Service
	apps     *repositories.ApplicationRepository
	keys     *repositories.KeyRepository
	supports *repositories.SupportRepository
}

func newHarness(t *testing.T) harness {
	t.Helper()
	db := dbtest.NewSQLite(t).DB()
	apps := repositories.NewApplicationRepository(db)
	supports := repositories.NewSupportRepository(db)
	evaluator := access.NewEvaluator("root", 10, apps, supports)
	return harness{
		svc:      applications.NewService(apps, evaluator, applications.NewCredentialCache(time.Minute), nil),
		apps:     apps,
		keys:     repositories.NewKeyRepository(db),
		supports: supports,
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	app, err := h.svc.Create(ctx, "Game", "u1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(app.APIKey, "api_"))
	assert.Len(t, app.APIKey, len("api_")+32)
	assert.Equal(t, "u1", app.CreatedBy)

	_, err = h.svc.Create(ctx, "Game", "u2")
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
	assert.Equal(t, "App already exists", apperrors.As(err).Message())
}

func TestCreate_QuotaBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for i := 0; i < 9; i++ {
		_, err := h.svc.Create(ctx, fmt.Sprintf("app-%d", i), "u1")
		require.NoError(t, err)
	}

	// The 10th application is still allowed.
	_, err := h.svc.Create(ctx, "app-9", "u1")
	require.NoError(t, err)

	_, err = h.svc.Create(ctx, "app-10", "u1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeQuotaExceeded, apperrors.CodeOf(err), "quota is a business rejection, not a permission error")
}

func TestCreate_ExemptRolesSkipQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.supports.Create(ctx, &models.SupportUser{UserID: "helper", AddedBy: "root", AddedAt: time.Now().UTC()}))

	for _, user := range []string{"root", "helper"} {
		for i := 0; i < 11; i++ {
			_, err := h.svc.Create(ctx, fmt.Sprintf("%s-%d", user, i), user)
			require.NoError(t, err, "user %s app %d", user, i)
		}
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.supports.Create(ctx, &models.SupportUser{UserID: "helper", AddedBy: "root", AddedAt: time.Now().UTC()}))

	app, err := h.svc.Create(ctx, "Game", "owner")
	require.NoError(t, err)
	require.NoError(t, h.keys.Create(ctx, &models.LicenseKey{
		Key: "P-1", API: app.APIKey, Prefix: "P", CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour), DeviceLimit: 1,
	}))

	tests := []struct {
		name      string
		app       string
		requester string
		wantCode  apperrors.Code
	}{
		{"missing app is reported before permission", "Nope", "mallory", apperrors.ErrCodeNotFound},
		{"stranger", "Game", "mallory", apperrors.ErrCodeForbidden},
		{"support cannot delete foreign apps", "Game", "helper", apperrors.ErrCodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.svc.Delete(ctx, tt.app, tt.requester)
			assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
		})
	}

	// Warm the cache, then delete as owner.
	found, err := h.svc.Lookup(ctx, app.APIKey)
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, h.svc.Delete(ctx, "Game", "owner"))

	gone, err := h.svc.Lookup(ctx, app.APIKey)
	require.NoError(t, err)
	assert.Nil(t, gone, "deleted credentials are evicted from the cache")

	keys, err := h.keys.List(ctx, app.APIKey)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDelete_MainAdminAnyApp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.Create(ctx, "Game", "owner")
	require.NoError(t, err)
	assert.NoError(t, h.svc.Delete(ctx, "Game", "root"))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.supports.Create(ctx, &models.SupportUser{UserID: "helper", AddedBy: "root", AddedAt: time.Now().UTC()}))

	_, err := h.svc.Create(ctx, "A", "u1")
	require.NoError(t, err)
	_, err = h.svc.Create(ctx, "B", "u2")
	require.NoError(t, err)

	tests := []struct {
		requester string
		want      int
		isAdmin   bool
	}{
		{"root", 2, true},
		{"helper", 2, false},
		{"u1", 1, false},
		{"nobody", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.requester, func(t *testing.T) {
			listing, err := h.svc.List(ctx, tt.requester)
			require.NoError(t, err)
			assert.Len(t, listing.Applications, tt.want)
			assert.Equal(t, tt.isAdmin, listing.IsAdmin)
		})
	}

	owned, err := h.svc.ListOwned(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "B", owned[0].Name)
}
