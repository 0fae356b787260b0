package access

import (
	"context"
	"fmt"

	"keyauth/internal/platform/models"
)

type Role string

const (
	RoleMainAdmin Role = "main_admin"
	RoleSupport   Role = "support"
	RoleOwner     Role = "owner"
	RoleNone      Role = "none"
)

// ExemptMaxApps is what check_permission reports as the application
// allowance of quota-exempt users.
const ExemptMaxApps = 999

type Decision struct {
	Allowed bool
	Role    Role
}

// Exempt reports whether the role bypasses the application quota.
func (d Decision) Exempt() bool {
	return d.Role == RoleMainAdmin || d.Role == RoleSupport
}

type ApplicationStore interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*models.Application, error)
	CountByOwner(ctx context.Context, owner string) (int, error)
}

type RosterStore interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Evaluator resolves what a user may do, optionally with respect to one
// application credential.
type Evaluator struct {
	mainAdminID string
	maxApps     int
	apps        ApplicationStore
	roster      RosterStore
}

func NewEvaluator(mainAdminID string, maxApps int, apps ApplicationStore, roster RosterStore) *Evaluator {
	return &Evaluator{
		mainAdminID: mainAdminID,
		maxApps:     maxApps,
		apps:        apps,
		roster:      roster,
	}
}

func (e *Evaluator) IsMainAdmin(userID string) bool {
	return userID != "" && userID == e.mainAdminID
}

func (e *Evaluator) MaxApps() int { return e.maxApps }

// Resolve applies the rules in order: main admin, support roster, owner of
// the application identified by credential. The first match wins.
func (e *Evaluator) Resolve(ctx context.Context, userID, credential string) (Decision, error) {
	if e.IsMainAdmin(userID) {
		return Decision{Allowed: true, Role: RoleMainAdmin}, nil
	}

	isSupport, err := e.roster.Exists(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("checking support roster: %w", err)
	}
	if isSupport {
		return Decision{Allowed: true, Role: RoleSupport}, nil
	}

	if credential != "" {
		app, err := e.apps.GetByAPIKey(ctx, credential)
		if err != nil {
			return Decision{}, fmt.Errorf("loading application: %w", err)
		}
		if app != nil && app.CreatedBy == userID {
			return Decision{Allowed: true, Role: RoleOwner}, nil
		}
	}

	return Decision{Allowed: false, Role: RoleNone}, nil
}

// Role resolves userID without reference to any application.
func (e *Evaluator) Role(ctx context.Context, userID string) (Role, error) {
	decision, err := e.Resolve(ctx, userID, "")
	return decision.Role, err
}

type Quota struct {
	Allowed bool
	Count   int
	Max     int
}

// CanCreate checks the application quota for userID. Exempt roles are never
// capped but their count is still reported.
func (e *Evaluator) CanCreate(ctx context.Context, userID string) (Quota, error) {
	decision, err := e.Resolve(ctx, userID, "")
	if err != nil {
		return Quota{}, err
	}

	count, err := e.apps.CountByOwner(ctx, userID)
	if err != nil {
		return Quota{}, fmt.Errorf("counting applications: %w", err)
	}

	if decision.Exempt() {
		return Quota{Allowed: true, Count: count, Max: ExemptMaxApps}, nil
	}
	return Quota{Allowed: count < e.maxApps, Count: count, Max: e.maxApps}, nil
}

type Summary struct {
	HasPermission bool `json:"has_permission"`
	IsAdmin       bool `json:"is_admin"`
	AppCount      int  `json:"app_count"`
	MaxApps       int  `json:"max_apps"`
	Role          Role `json:"role"`
}

// Summary backs check_permission. It never mutates anything.
func (e *Evaluator) Summary(ctx context.Context, userID, credential string) (Summary, error) {
	decision, err := e.Resolve(ctx, userID, credential)
	if err != nil {
		return Summary{}, err
	}

	count, err := e.apps.CountByOwner(ctx, userID)
	if err != nil {
		return Summary{}, fmt.Errorf("counting applications: %w", err)
	}

	limit := e.maxApps
	if decision.Exempt() {
		limit = ExemptMaxApps
	}

	return Summary{
		HasPermission: decision.Allowed,
		IsAdmin:       decision.Role == RoleMainAdmin,
		AppCount:      count,
		MaxApps:       limit,
		Role:          decision.Role,
	}, nil
}
