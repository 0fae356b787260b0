package support

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"keyauth/internal/engine/access"
	apperrors "keyauth/internal/pkg/errors"
	"keyauth/internal/platform/audit"
	"keyauth/internal/platform/database"
	"keyauth/internal/platform/models"
)

type Store interface {
	Create(ctx context.Context, s *models.SupportUser) error
	Get(ctx context.Context, userID string) (*models.SupportUser, error)
	Delete(ctx context.Context, userID string) (bool, error)
	List(ctx context.Context) ([]models.SupportUser, error)
}

// Roster manages support users. Only the main administrator may change it,
// and the main administrator itself is never a roster row.
type Roster struct {
	store  Store
	access *access.Evaluator
	audit  audit.Recorder
	now    func() time.Time
}

func NewRoster(store Store, evaluator *access.Evaluator, recorder audit.Recorder) *Roster {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Roster{
		store:  store,
		access: evaluator,
		audit:  recorder,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Roster) Add(ctx context.Context, userID, adminID string) (*models.SupportUser, error) {
	if !r.access.IsMainAdmin(adminID) {
		return nil, apperrors.Forbidden("You do not have permission to add support users")
	}
	if r.access.IsMainAdmin(userID) {
		return nil, apperrors.Invalid("The main admin cannot be added as a support user")
	}

	existing, err := r.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading support user: %w", err)
	}
	if existing != nil {
		return nil, apperrors.Conflict(fmt.Sprintf("Support user %s already exists", userID))
	}

	s := &models.SupportUser{UserID: userID, AddedBy: adminID, AddedAt: r.now()}
	if err := r.store.Create(ctx, s); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperrors.Conflict(fmt.Sprintf("Support user %s already exists", userID))
		}
		return nil, fmt.Errorf("adding support user: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("support_user", userID).Msg("support user added")
	r.audit.Record(ctx, audit.Event{Actor: adminID, Action: "add_support", Resource: userID})
	return s, nil
}

func (r *Roster) Remove(ctx context.Context, userID, adminID string) error {
	if !r.access.IsMainAdmin(adminID) {
		return apperrors.Forbidden("Only the admin can delete support users")
	}
	if r.access.IsMainAdmin(userID) {
		return apperrors.Invalid("Cannot delete main admin")
	}

	deleted, err := r.store.Delete(ctx, userID)
	if err != nil {
		return fmt.Errorf("deleting support user: %w", err)
	}
	if !deleted {
		return apperrors.NotFound("Support user not found")
	}

	zerolog.Ctx(ctx).Info().Str("support_user", userID).Msg("support user removed")
	r.audit.Record(ctx, audit.Event{Actor: adminID, Action: "delete_support", Resource: userID})
	return nil
}

// List is unrestricted; newest first.
func (r *Roster) List(ctx context.Context) ([]models.SupportUser, error) {
	users, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing support users: %w", err)
	}
	return users, nil
}

// Check returns the roster row for userID, or nil when userID is not support.
func (r *Roster) Check(ctx context.Context, userID string) (*models.SupportUser, error) {
	s, err := r.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading support user: %w", err)
	}
	return s, nil
}
