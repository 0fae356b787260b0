package handlers

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"keyauth/internal/api/actions"
	apiContext "keyauth/internal/api/context"
	"keyauth/internal/engine/access"
	"keyauth/internal/engine/applications"
	"keyauth/internal/engine/keys"
	"keyauth/internal/engine/redemption"
	"keyauth/internal/engine/support"
	"keyauth/internal/pkg/errors"
	"keyauth/internal/platform/config"
	"keyauth/internal/platform/database"
	"keyauth/internal/platform/metrics"
	"keyauth/internal/platform/models"
)

const maxBodyBytes = 1 << 20

type Limiter interface {
	Allow(ctx context.Context, key string, perMinute int) (bool, error)
}

type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

type StoreStatus interface {
	Ready() bool
}

type ActionDeps struct {
	Apps       *applications.Service
	Keys       *keys.Service
	Roster     *support.Roster
	Access     *access.Evaluator
	Redemption *redemption.Validator
	Audit      AuditReader
	Store      StoreStatus
	Limiter    Limiter
	Limits     config.RateLimitConfig
	Metrics    *metrics.Metrics
}

// ActionHandler serves the single action endpoint.
type ActionHandler struct {
	deps ActionDeps
}

func NewActionHandler(deps ActionDeps) *ActionHandler {
	return &ActionHandler{deps: deps}
}

func (h *ActionHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	body, _ := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))

	action := "invalid"
	req, err := actions.Decode(body)
	if err == nil {
		action = req.Action()
		ctx = zerolog.Ctx(ctx).With().Str("action", action).Logger().WithContext(ctx)
		err = h.throttle(ctx, req)
	}

	var p payload
	if err == nil {
		p, err = h.dispatch(ctx, req)
	}

	code := "OK"
	if err != nil {
		err = classify(err)
		code = string(errors.CodeOf(err))
		logFailure(ctx, err)
		errors.Write(w, err)
	} else {
		writeJSON(w, http.StatusOK, p)
	}

	h.deps.Metrics.ObserveAction(action, code, time.Since(start))
}

// classify turns untyped failures into store or internal errors.
func classify(err error) error {
	if errors.As(err) != nil {
		return err
	}
	if database.IsUnavailable(err) {
		return errors.Unavailable(err)
	}
	return errors.Internal(err, "")
}

func logFailure(ctx context.Context, err error) {
	l := zerolog.Ctx(ctx)
	switch code := errors.CodeOf(err); {
	case code == errors.ErrCodeInternal || code == errors.ErrCodeUnavailable:
		l.Error().Err(err).Str("code", string(code)).Msg("action failed")
	case code == errors.ErrCodeForbidden:
		l.Warn().Str("code", string(code)).Msg(errors.As(err).Message())
	default:
		l.Debug().Err(err).Str("code", string(code)).Msg("action rejected")
	}
}

func (h *ActionHandler) throttle(ctx context.Context, req actions.Request) error {
	if h.deps.Limiter == nil {
		return nil
	}

	class, limit := "admin", h.deps.Limits.AdminPerMinute
	switch req.(type) {
	case *actions.Test:
		return nil
	case *actions.ValidateKey, *actions.VerifyToken:
		class, limit = "redeem", h.deps.Limits.RedeemPerMinute
	}

	ip, _ := ctx.Value(apiContext.ClientIP).(string)
	ok, err := h.deps.Limiter.Allow(ctx, class+":"+ip, limit)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		return nil
	}
	if !ok {
		return errors.New(errors.ErrCodeRateLimitExceeded, "Too many requests, please slow down")
	}
	return nil
}

func (h *ActionHandler) dispatch(ctx context.Context, req actions.Request) (payload, error) {
	switch req := req.(type) {
	case *actions.Test:
		return h.test(), nil
	case *actions.CheckSupport:
		return h.checkSupport(ctx, req)
	case *actions.CheckPermission:
		return h.checkPermission(ctx, req)
	case *actions.CreateApp:
		return h.createApp(ctx, req)
	case *actions.DeleteApp:
		return h.deleteApp(ctx, req)
	case *actions.GetApps:
		return h.getApps(ctx, req)
	case *actions.GetMyApps:
		return h.getMyApps(ctx, req)
	case *actions.CreateKey:
		return h.createKey(ctx, req)
	case *actions.DeleteKey:
		return h.mutateKey(ctx, req.KeyTarget, h.deps.Keys.Delete, "Key deleted successfully")
	case *actions.BanKey:
		return h.mutateKey(ctx, req.KeyTarget, h.deps.Keys.Ban, "Key banned successfully")
	case *actions.ResetHWID:
		return h.mutateKey(ctx, req.KeyTarget, h.deps.Keys.ResetBinding, "HWID reset successfully")
	case *actions.CheckKey:
		return h.checkKey(ctx, req)
	case *actions.KeyQR:
		return h.keyQR(ctx, req)
	case *actions.GetKeys:
		return h.getKeys(ctx, req)
	case *actions.ListKeys:
		return h.listKeys(ctx, req)
	case *actions.AddSupport:
		return h.addSupport(ctx, req)
	case *actions.DeleteSupport:
		return h.deleteSupport(ctx, req)
	case *actions.GetSupports:
		return h.getSupports(ctx)
	case *actions.ValidateKey:
		return h.validateKey(ctx, req)
	case *actions.VerifyToken:
		return h.verifyToken(ctx, req)
	case *actions.GetAudit:
		return h.getAudit(ctx, req)
	default:
		return nil, fmt.Errorf("unhandled action %T", req)
	}
}

func (h *ActionHandler) test() payload {
	status := "disconnected"
	if h.deps.Store != nil && h.deps.Store.Ready() {
		status = "connected"
	}
	return payload{
		"message":   "API is working!",
		"timestamp": time.Now().UTC(),
		"database":  status,
	}
}

func (h *ActionHandler) checkSupport(ctx context.Context, req *actions.CheckSupport) (payload, error) {
	user, err := h.deps.Roster.Check(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return payload{"success": false, "is_support": false, "message": "User does not have access"}, nil
	}
	return payload{"is_support": true, "user": user}, nil
}

func (h *ActionHandler) checkPermission(ctx context.Context, req *actions.CheckPermission) (payload, error) {
	summary, err := h.deps.Access.Summary(ctx, req.UserID, req.API)
	if err != nil {
		return nil, err
	}
	return payload{
		"has_permission": summary.HasPermission,
		"is_admin":       summary.IsAdmin,
		"app_count":      summary.AppCount,
		"max_apps":       summary.MaxApps,
		"role":           summary.Role,
	}, nil
}

func (h *ActionHandler) createApp(ctx context.Context, req *actions.CreateApp) (payload, error) {
	app, err := h.deps.Apps.Create(ctx, req.AppName, req.UserID)
	if err != nil {
		return nil, err
	}
	return payload{"message": "App created successfully", "api_key": app.APIKey, "application": app}, nil
}

func (h *ActionHandler) deleteApp(ctx context.Context, req *actions.DeleteApp) (payload, error) {
	if err := h.deps.Apps.Delete(ctx, req.AppName, req.UserID); err != nil {
		return nil, err
	}
	return payload{"message": "App deleted successfully"}, nil
}

func (h *ActionHandler) getApps(ctx context.Context, req *actions.GetApps) (payload, error) {
	listing, err := h.deps.Apps.List(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return payload{"applications": listing.Applications, "is_admin": listing.IsAdmin}, nil
}

func (h *ActionHandler) getMyApps(ctx context.Context, req *actions.GetMyApps) (payload, error) {
	apps, err := h.deps.Apps.ListOwned(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return payload{"applications": apps}, nil
}

func (h *ActionHandler) createKey(ctx context.Context, req *actions.CreateKey) (payload, error) {
	k, err := h.deps.Keys.Create(ctx, keys.CreateInput{
		API:         req.API,
		Prefix:      req.Prefix,
		Days:        req.Days.Int(),
		DeviceLimit: req.DeviceLimit.Int(),
		Requester:   req.UserID,
	})
	if err != nil {
		return nil, err
	}
	return payload{
		"message":      "Key created successfully",
		"key":          k.Key,
		"expires_at":   k.ExpiresAt,
		"device_limit": k.DeviceLimit,
	}, nil
}

type keyMutation func(ctx context.Context, credential, key, requester string) error

func (h *ActionHandler) mutateKey(ctx context.Context, t actions.KeyTarget, op keyMutation, message string) (payload, error) {
	if err := op(ctx, t.API, t.Key, t.UserID); err != nil {
		return nil, err
	}
	return payload{"message": message}, nil
}

func (h *ActionHandler) checkKey(ctx context.Context, req *actions.CheckKey) (payload, error) {
	k, err := h.deps.Keys.Get(ctx, req.API, req.Key, req.UserID)
	if err != nil {
		return nil, err
	}
	return payload{"message": "Key information", "key": k}, nil
}

func (h *ActionHandler) keyQR(ctx context.Context, req *actions.KeyQR) (payload, error) {
	png, err := h.deps.Keys.QRCode(ctx, req.API, req.Key, req.UserID, req.Size.Int())
	if err != nil {
		return nil, err
	}
	return payload{
		"key":     req.Key,
		"qr_code": "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

func (h *ActionHandler) getKeys(ctx context.Context, req *actions.GetKeys) (payload, error) {
	list, err := h.deps.Keys.List(ctx, req.API, req.UserID)
	if err != nil {
		return nil, err
	}
	return payload{"keys": list}, nil
}

func (h *ActionHandler) listKeys(ctx context.Context, req *actions.ListKeys) (payload, error) {
	list, err := h.deps.Keys.ListSummaries(ctx, req.API, req.UserID)
	if err != nil {
		return nil, err
	}
	return payload{"keys": list}, nil
}

func (h *ActionHandler) addSupport(ctx context.Context, req *actions.AddSupport) (payload, error) {
	user, err := h.deps.Roster.Add(ctx, req.UserID, req.AdminID)
	if err != nil {
		return nil, err
	}
	return payload{"message": "Support user " + user.UserID + " added successfully", "support": user}, nil
}

func (h *ActionHandler) deleteSupport(ctx context.Context, req *actions.DeleteSupport) (payload, error) {
	if err := h.deps.Roster.Remove(ctx, req.UserID, req.AdminID); err != nil {
		return nil, err
	}
	return payload{"message": "Support user deleted successfully"}, nil
}

func (h *ActionHandler) getSupports(ctx context.Context) (payload, error) {
	users, err := h.deps.Roster.List(ctx)
	if err != nil {
		return nil, err
	}
	return payload{"supports": users}, nil
}

func (h *ActionHandler) validateKey(ctx context.Context, req *actions.ValidateKey) (payload, error) {
	res, err := h.deps.Redemption.Validate(ctx, redemption.Input{
		API:        req.API,
		Key:        req.Key,
		HWID:       req.HWID,
		SystemInfo: req.SystemInfo,
	})
	if err != nil {
		return nil, err
	}

	p := payload{
		"message":      res.Message,
		"expires_at":   res.ExpiresAt,
		"devices_used": res.DevicesUsed,
		"device_limit": res.DeviceLimit,
	}
	if res.Token != "" {
		p["token"] = res.Token
		p["token_expires_at"] = res.TokenExpiresAt
	}
	return p, nil
}

func (h *ActionHandler) verifyToken(ctx context.Context, req *actions.VerifyToken) (payload, error) {
	v, err := h.deps.Redemption.VerifyToken(ctx, req.API, req.Token)
	if err != nil {
		return nil, err
	}
	return payload{
		"message":    "Valid token",
		"key":        v.Key,
		"hwid":       v.HWID,
		"app":        v.App,
		"expires_at": v.ExpiresAt,
	}, nil
}
