package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyauth/internal/app"
	"keyauth/internal/platform/config"
	"keyauth/internal/platform/database/dbtest"
	"keyauth/internal/platform/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		Admin: config.AdminConfig{MainAdminID: "root"},
		Licensing: config.LicensingConfig{
			MaxAppsPerOwner:    10,
			KeyCodeLength:      12,
			DefaultDeviceLimit: 1,
			RedeemMaxAttempts:  5,
		},
		Token: config.TokenConfig{Secret: "test-secret", TTL: time.Hour},
		CORS:  config.CORSConfig{AllowedOrigins: []string{"*"}},
		Cache: config.CacheConfig{ApplicationTTL: time.Minute},
	}
}

func newServer(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	store := dbtest.NewSQLite(t)
	reg := prometheus.NewRegistry()
	a := app.New(cfg, store, metrics.New(reg), app.Options{Registry: reg})
	t.Cleanup(func() { a.Close() })
	return a.Router
}

type reply struct {
	status int
	body   map[string]interface{}
}

func (r reply) message() string {
	msg, _ := r.body["message"].(string)
	return msg
}

func (r reply) success() bool {
	ok, _ := r.body["success"].(bool)
	return ok
}

func send(t *testing.T, h http.Handler, raw string) reply {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), "body: %s", rr.Body.String())
	return reply{status: rr.Code, body: body}
}

func call(t *testing.T, h http.Handler, fields map[string]interface{}) reply {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(fields))
	return send(t, h, buf.String())
}

func TestDeviceLimitScenario(t *testing.T) {
	h := newServer(t, testConfig())

	res := call(t, h, map[string]interface{}{"action": "create_app", "app_name": "Foo", "user_id": "alice"})
	require.Equal(t, http.StatusOK, res.status)
	require.True(t, res.success(), res.body)
	credential := res.body["api_key"].(string)
	assert.True(t, strings.HasPrefix(credential, "api_"))

	res = call(t, h, map[string]interface{}{
		"action": "create_key", "api": credential, "prefix": "TRIAL", "days": 7, "device_limit": 2, "user_id": "alice",
	})
	require.True(t, res.success(), res.body)
	key := res.body["key"].(string)
	assert.True(t, strings.HasPrefix(key, "TRIAL-"))

	validate := func(hwid string) reply {
		return call(t, h, map[string]interface{}{"action": "validate_key", "api": credential, "key": key, "hwid": hwid})
	}

	res = validate("HW1")
	assert.True(t, res.success(), res.body)
	assert.Equal(t, "Valid key", res.message())
	assert.NotEmpty(t, res.body["token"])

	res = validate("HW2")
	assert.True(t, res.success(), res.body)
	assert.EqualValues(t, 2, res.body["devices_used"])

	res = validate("HW3")
	assert.Equal(t, http.StatusOK, res.status)
	assert.False(t, res.success())
	assert.Equal(t, "Key limited", res.message())

	res = validate("HW1")
	assert.True(t, res.success(), res.body)

	res = call(t, h, map[string]interface{}{"action": "check_key", "api": credential, "key": key, "user_id": "alice"})
	require.True(t, res.success(), res.body)
	stored := res.body["key"].(map[string]interface{})
	assert.Equal(t, true, stored["used"])
	assert.Len(t, stored["hwid"], 2)
}

func TestBanScenario(t *testing.T) {
	h := newServer(t, testConfig())

	credential := call(t, h, map[string]interface{}{"action": "create_app", "app_name": "Bar", "user_id": "owner"}).body["api_key"].(string)
	created := call(t, h, map[string]interface{}{
		"action": "create_key", "api": credential, "prefix": "PRO", "days": "30", "device_limit": "abc", "user_id": "owner",
	})
	require.True(t, created.success(), created.body)
	assert.Equal(t, float64(1), created.body["device_limit"], "unparseable device limit falls back to 1")
	key := created.body["key"].(string)

	res := call(t, h, map[string]interface{}{"action": "validate_key", "api": credential, "key": key, "hwid": "m1"})
	require.True(t, res.success(), res.body)
	token := res.body["token"].(string)

	res = call(t, h, map[string]interface{}{"action": "verify_token", "api": credential, "token": token})
	require.True(t, res.success(), res.body)
	assert.Equal(t, key, res.body["key"])

	res = call(t, h, map[string]interface{}{"action": "ban_key", "api": credential, "key": key, "user_id": "stranger"})
	assert.Equal(t, http.StatusForbidden, res.status)

	for i := 0; i < 2; i++ {
		res = call(t, h, map[string]interface{}{"action": "ban_key", "api": credential, "key": key, "user_id": "root"})
		assert.True(t, res.success(), "ban is idempotent: %v", res.body)
	}

	res = call(t, h, map[string]interface{}{"action": "validate_key", "api": credential, "key": key, "hwid": "m1"})
	assert.False(t, res.success())
	assert.Equal(t, "Key banned", res.message())

	res = call(t, h, map[string]interface{}{"action": "verify_token", "api": credential, "token": token})
	assert.Equal(t, "Key banned", res.message())
}

func TestStatusConventions(t *testing.T) {
	h := newServer(t, testConfig())
	credential := call(t, h, map[string]interface{}{"action": "create_app", "app_name": "Baz", "user_id": "owner"}).body["api_key"].(string)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"empty body", "", http.StatusBadRequest, "INVALID_INPUT", "No body provided"},
		{"invalid json", "{nope", http.StatusBadRequest, "INVALID_INPUT", "Invalid JSON body"},
		{"unknown action", `{"action":"nope"}`, http.StatusBadRequest, "INVALID_INPUT", "Invalid action: nope"},
		{"missing fields", `{"action":"create_key","api":"x"}`, http.StatusBadRequest, "INVALID_INPUT", "Missing required fields: api, prefix, days, user_id"},
		{"support added by non admin", `{"action":"add_support","user_id":"bob","admin_id":"not-the-main-admin"}`, http.StatusForbidden, "FORBIDDEN", ""},
		{"unknown key", `{"action":"delete_key","api":"` + credential + `","key":"X-1","user_id":"owner"}`, http.StatusOK, "NOT_FOUND", "Key not found"},
		{"duplicate app", `{"action":"create_app","app_name":"Baz","user_id":"owner"}`, http.StatusOK, "CONFLICT", "App already exists"},
		{"invalid api", `{"action":"validate_key","api":"api_missing","key":"K","hwid":"h"}`, http.StatusOK, "REJECTED", "Invalid API"},
		{"audit requires main admin", `{"action":"get_audit","user_id":"owner"}`, http.StatusForbidden, "FORBIDDEN", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := send(t, h, tt.body)
			assert.Equal(t, tt.wantStatus, res.status, res.body)
			assert.False(t, res.success())
			assert.Equal(t, tt.wantCode, res.body["code"])
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, res.message())
			}
		})
	}
}

func TestSupportRoster(t *testing.T) {
	h := newServer(t, testConfig())

	res := call(t, h, map[string]interface{}{"action": "add_support", "user_id": "helper", "admin_id": "root"})
	require.True(t, res.success(), res.body)

	res = call(t, h, map[string]interface{}{"action": "check_support", "user_id": "helper"})
	assert.True(t, res.success())
	assert.Equal(t, true, res.body["is_support"])

	res = call(t, h, map[string]interface{}{"action": "check_support", "user_id": "nobody"})
	assert.Equal(t, http.StatusOK, res.status)
	assert.False(t, res.success())
	assert.Equal(t, false, res.body["is_support"])

	res = call(t, h, map[string]interface{}{"action": "check_permission", "user_id": "helper"})
	assert.True(t, res.success())
	assert.EqualValues(t, 999, res.body["max_apps"])
	assert.Equal(t, false, res.body["is_admin"])

	res = call(t, h, map[string]interface{}{"action": "get_supports"})
	assert.Len(t, res.body["supports"], 1)

	res = call(t, h, map[string]interface{}{"action": "delete_support", "user_id": "root", "admin_id": "root"})
	assert.Equal(t, http.StatusBadRequest, res.status)

	res = call(t, h, map[string]interface{}{"action": "delete_support", "user_id": "helper", "admin_id": "root"})
	assert.True(t, res.success(), res.body)

	require.Eventually(t, func() bool {
		res := call(t, h, map[string]interface{}{"action": "get_audit", "user_id": "root"})
		entries, _ := res.body["entries"].([]interface{})
		return len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RedeemPerMinute: 1, AdminPerMinute: 100}
	h := newServer(t, cfg)

	body := map[string]interface{}{"action": "validate_key", "api": "api_x", "key": "K", "hwid": "h"}
	res := call(t, h, body)
	assert.Equal(t, http.StatusOK, res.status)

	res = call(t, h, body)
	assert.Equal(t, http.StatusTooManyRequests, res.status)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", res.body["code"])

	res = call(t, h, map[string]interface{}{"action": "test"})
	assert.True(t, res.success(), "test is never throttled")
	assert.Equal(t, "connected", res.body["database"])
}

func TestRateLimitIgnoresForwardedHeaderFromUntrustedPeer(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RedeemPerMinute: 1, AdminPerMinute: 100}
	h := newServer(t, cfg)

	redeem := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/api",
			strings.NewReader(`{"action":"validate_key","api":"api_x","key":"K","hwid":"h"}`))
		req.Header.Set("X-Forwarded-For", forwarded)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, redeem("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, redeem("203.0.113.2"), "rotating the header must not reset the bucket")
}

func TestAuxiliaryRoutes(t *testing.T) {
	h := newServer(t, testConfig())
	call(t, h, map[string]interface{}{"action": "test"})

	get := func(method, path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
		return rr
	}

	rr := get(http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "KeyAuth API is running!")

	rr = get(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"store":"healthy"`)

	rr = get(http.MethodOptions, "/api")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = get(http.MethodOptions, "/anything")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = get(http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `keyauth_actions_total{action="test",code="OK"} 1`)

	rr = get(http.MethodGet, "/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/.netlify/functions/auth", strings.NewReader(`{"action":"test"}`))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
