package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyauth/internal/platform/models"
)

type fakeApps struct {
	byKey  map[string]*models.Application
	counts map[string]int
	err    error
}

func (f *fakeApps) GetByAPIKey(_ context.Context, apiKey string) (*models.Application, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byKey[apiKey], nil
}

func (f *fakeApps) CountByOwner(_ context.Context, owner string) (int, error) {
	return f.counts[owner], f.err
}

type fakeRoster map[string]bool

func (f fakeRoster) Exists(_ context.Context, userID string) (bool, error) {
	return f[userID], nil
}

func newEvaluator() (*Evaluator, *fakeApps) {
	apps := &fakeApps{
		byKey: map[string]*models.Application{
			"api_owned": {Name: "Owned", APIKey: "api_owned", CreatedBy: "owner"},
		},
		counts: map[string]int{"owner": 9, "full": 10, "helper": 40, "root": 50},
	}
	return NewEvaluator("root", 10, apps, fakeRoster{"helper": true}), apps
}

func TestResolve(t *testing.T) {
	e, _ := newEvaluator()

	tests := []struct {
		name       string
		user       string
		credential string
		want       Decision
	}{
		{"main admin", "root", "", Decision{Allowed: true, Role: RoleMainAdmin}},
		{"main admin any app", "root", "api_unknown", Decision{Allowed: true, Role: RoleMainAdmin}},
		{"support has blanket access", "helper", "api_owned", Decision{Allowed: true, Role: RoleSupport}},
		{"owner of app", "owner", "api_owned", Decision{Allowed: true, Role: RoleOwner}},
		{"owner without credential", "owner", "", Decision{Allowed: false, Role: RoleNone}},
		{"stranger", "mallory", "api_owned", Decision{Allowed: false, Role: RoleNone}},
		{"unknown app", "owner", "api_unknown", Decision{Allowed: false, Role: RoleNone}},
		{"empty user is never admin", "", "", Decision{Allowed: false, Role: RoleNone}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Resolve(context.Background(), tt.user, tt.credential)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanCreate(t *testing.T) {
	e, _ := newEvaluator()

	tests := []struct {
		user    string
		allowed bool
		max     int
	}{
		{"owner", true, 10},
		{"full", false, 10},
		{"helper", true, ExemptMaxApps},
		{"root", true, ExemptMaxApps},
		{"newcomer", true, 10},
	}

	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			q, err := e.CanCreate(context.Background(), tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, q.Allowed)
			assert.Equal(t, tt.max, q.Max)
		})
	}
}

func TestSummary(t *testing.T) {
	e, _ := newEvaluator()

	s, err := e.Summary(context.Background(), "owner", "api_owned")
	require.NoError(t, err)
	assert.Equal(t, Summary{HasPermission: true, AppCount: 9, MaxApps: 10, Role: RoleOwner}, s)

	s, err = e.Summary(context.Background(), "root", "")
	require.NoError(t, err)
	assert.True(t, s.IsAdmin)
	assert.Equal(t, ExemptMaxApps, s.MaxApps)

	s, err = e.Summary(context.Background(), "helper", "")
	require.NoError(t, err)
	assert.False(t, s.IsAdmin, "support is not the admin")
	assert.True(t, s.HasPermission)
}

func TestResolve_StoreError(t *testing.T) {
	e, apps := newEvaluator()
	apps.err = errors.New("connection reset")

	_, err := e.Resolve(context.Background(), "owner", "api_owned")
	assert.ErrorIs(t, err, apps.err)
}
