package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	apperrors "keyauth/internal/pkg/errors"
	"keyauth/internal/platform/auth"
	"keyauth/internal/platform/metrics"
	"keyauth/internal/platform/models"
)

type KeyStore interface {
	Get(ctx context.Context, api, key string) (*models.LicenseKey, error)
	BindDevice(ctx context.Context, api, key string, devices models.DeviceSet, systemInfo *string, now time.Time, expectedVersion int64) (bool, error)
}

type ApplicationLookup interface {
	Lookup(ctx context.Context, credential string) (*models.Application, error)
}

type TokenIssuer interface {
	Enabled() bool
	Issue(credential, appName, key, hwid string, keyExpiry time.Time) (string, time.Time, error)
	Verify(credential, token string) (*auth.Claims, error)
}

// Outcome labels for the redemption metric.
const (
	OutcomeAccepted   = "accepted"
	OutcomeBound      = "bound"
	OutcomeInvalidAPI = "invalid_api"
	OutcomeInvalidKey = "invalid_key"
	OutcomeBanned     = "banned"
	OutcomeExpired    = "expired"
	OutcomeLimited    = "limited"
	OutcomeContention = "contention"
)

const DefaultMaxAttempts = 5

type Input struct {
	API        string
	Key        string
	HWID       string
	SystemInfo *string
}

type Result struct {
	Message        string
	NewlyBound     bool
	ExpiresAt      time.Time
	DevicesUsed    int
	DeviceLimit    int
	Token          string
	TokenExpiresAt time.Time
}

// Validator runs the redemption state machine. It is the only anonymous
// operation: no permission check applies.
type Validator struct {
	keys        KeyStore
	apps        ApplicationLookup
	tokens      TokenIssuer
	metrics     *metrics.Metrics
	maxAttempts int
	now         func() time.Time
}

type Options struct {
	MaxAttempts int
	Tokens      TokenIssuer
	Metrics     *metrics.Metrics
}

func NewValidator(keys KeyStore, apps ApplicationLookup, opts Options) *Validator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Validator{
		keys:        keys,
		apps:        apps,
		tokens:      opts.Tokens,
		metrics:     opts.Metrics,
		maxAttempts: opts.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (v *Validator) reject(ctx context.Context, in Input, outcome, message string) error {
	v.metrics.IncRedemption(outcome)
	zerolog.Ctx(ctx).Info().Str("key", in.Key).Str("outcome", outcome).Msg("redemption rejected")
	return apperrors.Rejected(message)
}

// Validate checks, in order: application, key, ban, expiry, existing
// binding, capacity. A new binding is written only if the key row is
// unchanged since it was read; otherwise the key is re-read and the checks
// run again.
func (v *Validator) Validate(ctx context.Context, in Input) (*Result, error) {
	app, err := v.apps.Lookup(ctx, in.API)
	if err != nil {
		return nil, fmt.Errorf("loading application: %w", err)
	}
	if app == nil {
		return nil, v.reject(ctx, in, OutcomeInvalidAPI, "Invalid API")
	}

	for attempt := 1; ; attempt++ {
		k, err := v.keys.Get(ctx, in.API, in.Key)
		if err != nil {
			return nil, fmt.Errorf("loading key: %w", err)
		}
		if k == nil {
			return nil, v.reject(ctx, in, OutcomeInvalidKey, "Invalid key")
		}
		if k.Banned {
			return nil, v.reject(ctx, in, OutcomeBanned, "Key banned")
		}

		now := v.now()
		if k.Expired(now) {
			return nil, v.reject(ctx, in, OutcomeExpired, "Key expired")
		}

		if k.Devices.Contains(in.HWID) {
			v.metrics.IncRedemption(OutcomeAccepted)
			return v.accept(ctx, app, k, in, k.Devices.Len(), false), nil
		}

		if !k.HasCapacity() {
			return nil, v.reject(ctx, in, OutcomeLimited, "Key limited")
		}

		devices := k.Devices.With(in.HWID)
		ok, err := v.keys.BindDevice(ctx, in.API, in.Key, devices, in.SystemInfo, now, k.Version)
		if err != nil {
			return nil, fmt.Errorf("binding device: %w", err)
		}
		if ok {
			v.metrics.IncRedemption(OutcomeBound)
			zerolog.Ctx(ctx).Info().Str("key", in.Key).Int("devices", devices.Len()).Int("device_limit", k.DeviceLimit).Msg("device bound")
			return v.accept(ctx, app, k, in, devices.Len(), true), nil
		}

		v.metrics.IncConflict()
		zerolog.Ctx(ctx).Debug().Str("key", in.Key).Int("attempt", attempt).Msg("device binding conflict, re-reading key")
		if attempt >= v.maxAttempts {
			v.metrics.IncRedemption(OutcomeContention)
			return nil, apperrors.Wrap(apperrors.ErrCodeUnavailable,
				fmt.Errorf("key %s: %d conflicting writes", in.Key, attempt),
				"Key is busy, please retry")
		}
	}
}

func (v *Validator) accept(ctx context.Context, app *models.Application, k *models.LicenseKey, in Input, devices int, bound bool) *Result {
	res := &Result{
		Message:     "Valid key",
		NewlyBound:  bound,
		ExpiresAt:   k.ExpiresAt,
		DevicesUsed: devices,
		DeviceLimit: k.DeviceLimit,
	}

	if v.tokens != nil && v.tokens.Enabled() {
		token, exp, err := v.tokens.Issue(in.API, app.Name, k.Key, in.HWID, k.ExpiresAt)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("key", k.Key).Msg("failed to issue license token")
		} else {
			res.Token = token
			res.TokenExpiresAt = exp
		}
	}
	return res
}

type Verification struct {
	Key       string
	HWID      string
	App       string
	ExpiresAt time.Time
}

// VerifyToken checks a license token offline-issued by Validate against the
// key's current state, so bans and device resets revoke outstanding tokens.
func (v *Validator) VerifyToken(ctx context.Context, credential, token string) (*Verification, error) {
	if v.tokens == nil || !v.tokens.Enabled() {
		return nil, apperrors.Rejected("License tokens are not enabled")
	}

	app, err := v.apps.Lookup(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("loading application: %w", err)
	}
	if app == nil {
		return nil, apperrors.Rejected("Invalid API")
	}

	claims, err := v.tokens.Verify(credential, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return nil, apperrors.Rejected("Invalid token")
		}
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	k, err := v.keys.Get(ctx, credential, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("loading key: %w", err)
	}
	switch {
	case k == nil:
		return nil, apperrors.Rejected("Invalid key")
	case k.Banned:
		return nil, apperrors.Rejected("Key banned")
	case k.Expired(v.now()):
		return nil, apperrors.Rejected("Key expired")
	case !k.Devices.Contains(claims.HWID):
		return nil, apperrors.Rejected("Device not bound")
	}

	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return &Verification{Key: k.Key, HWID: claims.HWID, App: claims.App, ExpiresAt: exp}, nil
}
