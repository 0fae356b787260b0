package keys

import (
	"context"
	"errors"
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
	Create(ctx context.Context, k *models.LicenseKey) error
	Get(ctx context.Context, api, key string) (*models.LicenseKey, error)
	List(ctx context.Context, api string) ([]models.LicenseKey, error)
	ListSummaries(ctx context.Context, api string) ([]models.KeySummary, error)
	Delete(ctx context.Context, api, key string) (bool, error)
	Ban(ctx context.Context, api, key string) (bool, error)
	ResetBinding(ctx context.Context, api, key string) (bool, error)
}

// ApplicationLookup resolves a credential to its application, nil if unknown.
type ApplicationLookup interface {
	Lookup(ctx context.Context, credential string) (*models.Application, error)
}

const keyNotFound = "Key not found"

type Service struct {
	store              Store
	apps               ApplicationLookup
	access             *access.Evaluator
	gen                *Generator
	audit              audit.Recorder
	defaultDeviceLimit int
	now                func() time.Time
}

type Options struct {
	CodeLength         int
	DefaultDeviceLimit int
	Audit              audit.Recorder
}

func NewService(store Store, apps ApplicationLookup, evaluator *access.Evaluator, opts Options) *Service {
	if opts.DefaultDeviceLimit <= 0 {
		opts.DefaultDeviceLimit = 1
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	return &Service{
		store:              store,
		apps:               apps,
		access:             evaluator,
		gen:                NewGenerator(opts.CodeLength),
		audit:              opts.Audit,
		defaultDeviceLimit: opts.DefaultDeviceLimit,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) authorize(ctx context.Context, requester, credential, verb string) error {
	decision, err := s.access.Resolve(ctx, requester, credential)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		zerolog.Ctx(ctx).Warn().Str("user_id", requester).Str("verb", verb).Msg("key operation denied")
		return apperrors.Forbidden(fmt.Sprintf("You do not have permission to %s keys of this application", verb))
	}
	return nil
}

type CreateInput struct {
	API         string
	Prefix      string
	Days        int
	DeviceLimit int
	Requester   string
}

// Create issues a key for an existing application. The permission check runs
// before the application lookup.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.LicenseKey, error) {
	if err := s.authorize(ctx, in.Requester, in.API, "create"); err != nil {
		return nil, err
	}

	app, err := s.apps.Lookup(ctx, in.API)
	if err != nil {
		return nil, fmt.Errorf("loading application: %w", err)
	}
	if app == nil {
		return nil, apperrors.Rejected("Invalid API")
	}

	limit := in.DeviceLimit
	if limit <= 0 {
		limit = s.defaultDeviceLimit
	}

	now := s.now()
	k := &models.LicenseKey{
		API:         in.API,
		Prefix:      in.Prefix,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(in.Days) * 24 * time.Hour),
		Devices:     models.DeviceSet{},
		DeviceLimit: limit,
	}

	_, err = s.gen.generateUnique(in.Prefix, func(candidate string) (bool, error) {
		k.Key = candidate
		if err := s.store.Create(ctx, k); err != nil {
			if database.IsUniqueViolation(err) {
				return true, nil
			}
			return false, err
		}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, ErrKeyCollision) {
			return nil, apperrors.Internal(err, "")
		}
		return nil, fmt.Errorf("creating key: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("key", k.Key).Str("app", app.Name).Msg("key created")
	s.audit.Record(ctx, audit.Event{
		Actor:       in.Requester,
		Action:      "create_key",
		Application: app.Name,
		Resource:    k.Key,
		Metadata:    map[string]interface{}{"days": in.Days, "device_limit": limit},
	})
	return k, nil
}

// Get backs check_key.
func (s *Service) Get(ctx context.Context, credential, key, requester string) (*models.LicenseKey, error) {
	if err := s.authorize(ctx, requester, credential, "view"); err != nil {
		return nil, err
	}
	k, err := s.store.Get(ctx, credential, key)
	if err != nil {
		return nil, fmt.Errorf("loading key: %w", err)
	}
	if k == nil {
		return nil, apperrors.NotFound(keyNotFound)
	}
	return k, nil
}

func (s *Service) List(ctx context.Context, credential, requester string) ([]models.LicenseKey, error) {
	if err := s.authorize(ctx, requester, credential, "view"); err != nil {
		return nil, err
	}
	keys, err := s.store.List(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

func (s *Service) ListSummaries(ctx context.Context, credential, requester string) ([]models.KeySummary, error) {
	if err := s.authorize(ctx, requester, credential, "view"); err != nil {
		return nil, err
	}
	keys, err := s.store.ListSummaries(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

func (s *Service) Delete(ctx context.Context, credential, key, requester string) error {
	return s.mutate(ctx, credential, key, requester, "delete", "delete_key", s.store.Delete)
}

// Ban is idempotent; banning a banned key succeeds.
func (s *Service) Ban(ctx context.Context, credential, key, requester string) error {
	return s.mutate(ctx, credential, key, requester, "ban", "ban_key", s.store.Ban)
}

// ResetBinding clears every bound device so the key can be redeemed afresh.
func (s *Service) ResetBinding(ctx context.Context, credential, key, requester string) error {
	return s.mutate(ctx, credential, key, requester, "reset", "reset_hwid", s.store.ResetBinding)
}

func (s *Service) mutate(ctx context.Context, credential, key, requester, verb, action string, op func(context.Context, string, string) (bool, error)) error {
	if err := s.authorize(ctx, requester, credential, verb); err != nil {
		return err
	}

	ok, err := op(ctx, credential, key)
	if err != nil {
		return fmt.Errorf("%s key: %w", verb, err)
	}
	if !ok {
		return apperrors.NotFound(keyNotFound)
	}

	zerolog.Ctx(ctx).Info().Str("key", key).Str("action", action).Msg("key updated")
	s.audit.Record(ctx, audit.Event{Actor: requester, Action: action, Resource: key})
	return nil
}

// QRCode renders the key as a PNG QR code for printed distribution.
func (s *Service) QRCode(ctx context.Context, credential, key, requester string, size int) ([]byte, error) {
	k, err := s.Get(ctx, credential, key, requester)
	if err != nil {
		return nil, err
	}

	png, err := RenderQRCode(k.Key, size)
	if err != nil {
		if errors.Is(err, ErrInvalidQRSize) {
			return nil, apperrors.Invalid(err.Error())
		}
		return nil, fmt.Errorf("rendering qr code: %w", err)
	}
	return png, nil
}
