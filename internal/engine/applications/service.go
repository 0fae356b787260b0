package applications

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
	Create(ctx context.Context, app *models.Application) error
	GetByName(ctx context.Context, name string) (*models.Application, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*models.Application, error)
	ListSummaries(ctx context.Context) ([]models.ApplicationSummary, error)
	ListSummariesByOwner(ctx context.Context, owner string) ([]models.ApplicationSummary, error)
	ListByOwner(ctx context.Context, owner string) ([]models.Application, error)
	DeleteByName(ctx context.Context, name string) (bool, error)
}

type Service struct {
	store  Store
	access *access.Evaluator
	cache  *CredentialCache
	audit  audit.Recorder
	now    func() time.Time
}

func NewService(store Store, evaluator *access.Evaluator, cache *CredentialCache, recorder audit.Recorder) *Service {
	if cache == nil {
		cache = NewCredentialCache(0)
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Service{
		store:  store,
		access: evaluator,
		cache:  cache,
		audit:  recorder,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new application owned by owner and mints its credential.
func (s *Service) Create(ctx context.Context, name, owner string) (*models.Application, error) {
	quota, err := s.access.CanCreate(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !quota.Allowed {
		return nil, apperrors.Quota(fmt.Sprintf("You have reached the limit of %d applications. Only an administrator can create more.", quota.Max))
	}

	existing, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading application: %w", err)
	}
	if existing != nil {
		return nil, apperrors.Conflict("App already exists")
	}

	credential, err := NewCredential()
	if err != nil {
		return nil, fmt.Errorf("minting credential: %w", err)
	}

	app := &models.Application{
		Name:      name,
		APIKey:    credential,
		CreatedBy: owner,
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, app); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperrors.Conflict("App already exists")
		}
		return nil, fmt.Errorf("creating application: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("app", name).Str("owner", owner).Msg("application created")
	s.audit.Record(ctx, audit.Event{Actor: owner, Action: "create_app", Application: name})
	return app, nil
}

// Delete removes an application and, through the store cascade, its keys.
// Only the main administrator or the owner may delete; support users may not.
func (s *Service) Delete(ctx context.Context, name, requester string) error {
	app, err := s.store.GetByName(ctx, name)
	if err != nil {
		return fmt.Errorf("loading application: %w", err)
	}
	if app == nil {
		return apperrors.NotFound("App not found")
	}

	if !s.access.IsMainAdmin(requester) && app.CreatedBy != requester {
		return apperrors.Forbidden("You do not have permission to delete this application")
	}

	deleted, err := s.store.DeleteByName(ctx, name)
	if err != nil {
		return fmt.Errorf("deleting application: %w", err)
	}
	s.cache.Invalidate(app.APIKey)
	if !deleted {
		return apperrors.NotFound("App not found")
	}

	zerolog.Ctx(ctx).Info().Str("app", name).Str("requester", requester).Msg("application deleted")
	s.audit.Record(ctx, audit.Event{Actor: requester, Action: "delete_app", Application: name})
	return nil
}

type Listing struct {
	Applications []models.ApplicationSummary
	IsAdmin      bool
}

// List returns every application to the main administrator and support
// users, and only owned applications to everyone else.
func (s *Service) List(ctx context.Context, requester string) (Listing, error) {
	role, err := s.access.Role(ctx, requester)
	if err != nil {
		return Listing{}, err
	}

	var apps []models.ApplicationSummary
	if role == access.RoleMainAdmin || role == access.RoleSupport {
		apps, err = s.store.ListSummaries(ctx)
	} else {
		apps, err = s.store.ListSummariesByOwner(ctx, requester)
	}
	if err != nil {
		return Listing{}, fmt.Errorf("listing applications: %w", err)
	}

	return Listing{Applications: apps, IsAdmin: role == access.RoleMainAdmin}, nil
}

func (s *Service) ListOwned(ctx context.Context, owner string) ([]models.Application, error) {
	apps, err := s.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("listing owned applications: %w", err)
	}
	return apps, nil
}

// Lookup resolves a credential through the cache. A nil application means
// the credential is unknown.
func (s *Service) Lookup(ctx context.Context, credential string) (*models.Application, error) {
	return s.cache.Load(ctx, credential, s.store.GetByAPIKey)
}
